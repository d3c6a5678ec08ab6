package qdeepneuro

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Antonite/plato_rl/storage"
)

// Approximator maps states to per-action value estimates and learns from
// regression targets. Any differentiable backend can implement it; the
// learner, replay memory and checkpoint store only see this interface.
type Approximator interface {
	storage.Model

	// Predict returns one value per action for a single state
	Predict(state []float32) []float64
	// PredictBatch returns a rows x actions matrix for a rows x state matrix
	PredictBatch(states *mat.Dense) *mat.Dense
	// Update regresses value(state, action) toward target with one optimizer step
	Update(states *mat.Dense, actions []int, targets []float64) (Fit, error)

	StateDims() int
	ActionDims() int
}

// Fit reports one optimizer step
type Fit struct {
	Loss     float64
	GradNorm float64    // before clipping
	Values   *mat.Dense // predictions for the batch states before the step
}
