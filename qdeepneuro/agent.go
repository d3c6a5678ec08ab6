package qdeepneuro

import (
	"math/rand"
)

// Policy picks actions from a network's value estimates, exploring with
// probability Epsilon. Without a network every action is random.
type Policy struct {
	network    *Network
	actionDims int
	Epsilon    float64
	rng        *rand.Rand
}

func NewPolicy(actionDims int, epsilon float64, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Policy{actionDims: actionDims, Epsilon: epsilon, rng: rng}
}

// Act returns an action index for state
func (p *Policy) Act(state []float32) uint8 {
	if p.network == nil || p.rng.Float64() < p.Epsilon {
		return uint8(p.rng.Intn(p.actionDims))
	}
	return uint8(argmax(p.network.Predict(state)))
}

// SetNetwork swaps in freshly downloaded weights
func (p *Policy) SetNetwork(network *Network) {
	p.network = network
	p.actionDims = network.ActionDims()
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
