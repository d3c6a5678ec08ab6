package qdeepneuro

import (
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Antonite/plato_rl/metrics"
	"github.com/Antonite/plato_rl/storage"
)

// Checkpointer persists the approximator together with the update counter
type Checkpointer interface {
	Save(m storage.Model, updates uint64) error
}

// UpdateLogger receives one summary per training step
type UpdateLogger interface {
	LogUpdate(metrics.UpdateSummary)
}

// LearnerConfig holds the training hyperparameters
type LearnerConfig struct {
	Discount      float64
	BatchSize     int
	SaveFrequency int // <= 0 disables periodic saves
}

// Learner trains an Approximator from replay memory. Every recorded
// transition triggers at most one update once the memory holds a batch.
// Targets bootstrap from the same online network being trained.
type Learner struct {
	cfg     LearnerConfig
	network Approximator
	memory  *ReplayBuffer
	store   Checkpointer
	metrics UpdateLogger
	log     *slog.Logger

	updates atomic.Uint64
}

// NewLearner wires a learner. store and metrics may be nil. updates is the
// counter restored from the last checkpoint.
func NewLearner(cfg LearnerConfig, network Approximator, memory *ReplayBuffer, store Checkpointer, sink UpdateLogger, updates uint64, logger *slog.Logger) (*Learner, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if cfg.Discount < 0 || cfg.Discount > 1 {
		return nil, errors.Errorf("discount %v must be in [0, 1]", cfg.Discount)
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Learner{
		cfg:     cfg,
		network: network,
		memory:  memory,
		store:   store,
		metrics: sink,
		log:     logger.With("component", "learner"),
	}
	l.updates.Store(updates)
	return l, nil
}

// Observe records t and performs one update when enough data is stored
func (l *Learner) Observe(t Transition) error {
	if len(t.State) != l.network.StateDims() || len(t.NextState) != l.network.StateDims() {
		return errors.Errorf("transition has %d/%d state values, expected %d",
			len(t.State), len(t.NextState), l.network.StateDims())
	}
	if int(t.Action) >= l.network.ActionDims() {
		return errors.Errorf("action %d out of range [0, %d)", t.Action, l.network.ActionDims())
	}

	l.memory.Record(t)

	size := l.memory.Size()
	if size < l.cfg.BatchSize {
		if l.updates.Load() == 0 {
			l.log.Info("waiting for samples", "stored", size, "batch_size", l.cfg.BatchSize)
		}
		return nil
	}

	return l.Step()
}

// Step samples a batch and takes one gradient step toward the TD targets
func (l *Learner) Step() error {
	batch, err := l.memory.Sample(l.cfg.BatchSize)
	if err != nil {
		l.log.Warn("skipping update", "error", err)
		return nil
	}

	n := len(batch)
	dims := l.network.StateDims()
	states := mat.NewDense(n, dims, nil)
	nextStates := mat.NewDense(n, dims, nil)
	actions := make([]int, n)
	rewards := make([]float64, n)
	for i, t := range batch {
		for j := 0; j < dims; j++ {
			states.Set(i, j, float64(t.State[j]))
			nextStates.Set(i, j, float64(t.NextState[j]))
		}
		actions[i] = int(t.Action)
		rewards[i] = float64(t.Reward)
	}

	next := l.network.PredictBatch(nextStates)
	targets := make([]float64, n)
	for i, t := range batch {
		targets[i] = rewards[i]
		if !t.Terminal {
			targets[i] += l.cfg.Discount * mat.Max(next.RowView(i))
		}
	}

	fit, err := l.network.Update(states, actions, targets)
	if err != nil {
		return errors.Wrap(err, "training update failed")
	}
	step := l.updates.Add(1)

	l.report(step, fit, rewards)

	if l.cfg.SaveFrequency > 0 && step%uint64(l.cfg.SaveFrequency) == 0 {
		l.save(step)
	}
	return nil
}

func (l *Learner) report(step uint64, fit Fit, rewards []float64) {
	var avgReward float64
	for _, r := range rewards {
		avgReward += r
	}
	avgReward /= float64(len(rewards))

	l.log.Debug("update", "step", step, "loss", fit.Loss, "avg_reward", avgReward)
	if l.metrics == nil {
		return
	}

	rows, cols := fit.Values.Dims()
	avgValues := make([]float64, cols)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			avgValues[j] += fit.Values.At(i, j)
		}
		avgValues[j] /= float64(rows)
	}

	l.metrics.LogUpdate(metrics.UpdateSummary{
		Step:      step,
		Loss:      fit.Loss,
		AvgReward: avgReward,
		AvgValues: avgValues,
		GradNorm:  fit.GradNorm,
	})
}

// save is the periodic checkpoint; failures never stop training
func (l *Learner) save(updates uint64) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(l.network, updates); err != nil {
		l.log.Error("periodic checkpoint failed", "updates", updates, "error", err)
	}
}

// Close writes the final checkpoint
func (l *Learner) Close() error {
	if l.store == nil {
		return nil
	}
	updates := l.updates.Load()
	if err := l.store.Save(l.network, updates); err != nil {
		return errors.Wrapf(err, "final checkpoint at %d updates", updates)
	}
	l.log.Info("final checkpoint saved", "updates", updates)
	return nil
}

// Predict exposes the online network's estimates for episode statistics
func (l *Learner) Predict(state []float32) []float64 {
	return l.network.Predict(state)
}

func (l *Learner) Updates() uint64 {
	return l.updates.Load()
}

func (l *Learner) Memory() *ReplayBuffer {
	return l.memory
}
