package qdeepneuro

import (
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Antonite/plato_rl/storage"
)

// DefaultMaxGradNorm is the global gradient norm applied before each step
const DefaultMaxGradNorm = 1.0

// NetworkConfig sizes a Network and its optimizer
type NetworkConfig struct {
	StateDims    int
	ActionDims   int
	HiddenDims   int
	LearningRate float64
	MaxGradNorm  float64
	Seed         int64
}

// Parameters is the portable encoding of a Network, float32 row-major
type Parameters struct {
	StateDims  int     `msgpack:"state_dims"`
	ActionDims int     `msgpack:"action_dims"`
	HiddenDims int     `msgpack:"hidden_dims"`
	Layers     []Layer `msgpack:"layers"`
}

// Layer weights are Rows (inputs) x Cols (outputs)
type Layer struct {
	Name    string    `msgpack:"name"`
	Rows    int       `msgpack:"rows"`
	Cols    int       `msgpack:"cols"`
	Weights []float32 `msgpack:"weights"`
	Bias    []float32 `msgpack:"bias"`
}

type layerState struct {
	Name    string    `msgpack:"name"`
	Rows    int       `msgpack:"rows"`
	Cols    int       `msgpack:"cols"`
	Weights []float64 `msgpack:"weights"`
	Bias    []float64 `msgpack:"bias"`
}

type networkState struct {
	StateDims  int          `msgpack:"state_dims"`
	ActionDims int          `msgpack:"action_dims"`
	HiddenDims int          `msgpack:"hidden_dims"`
	Layers     []layerState `msgpack:"layers"`
	Optimizer  *adam        `msgpack:"optimizer"`
}

type dense struct {
	name    string
	weights *mat.Dense
	bias    []float64
}

// Network is a fully connected Q network:
// input -> hidden (relu) -> hidden (relu) -> one linear output per action.
type Network struct {
	mu          sync.RWMutex
	stateDims   int
	actionDims  int
	hiddenDims  int
	maxGradNorm float64
	layers      []*dense
	optimizer   *adam
}

// NewNetwork creates a network with uniform(-1/sqrt(in), 1/sqrt(in)) weights
func NewNetwork(cfg NetworkConfig) (*Network, error) {
	if cfg.StateDims <= 0 || cfg.ActionDims <= 0 || cfg.HiddenDims <= 0 {
		return nil, errors.Errorf("invalid network dims: state=%d action=%d hidden=%d",
			cfg.StateDims, cfg.ActionDims, cfg.HiddenDims)
	}
	if cfg.MaxGradNorm <= 0 {
		cfg.MaxGradNorm = DefaultMaxGradNorm
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	shapes := []struct {
		name    string
		in, out int
	}{
		{"fc1", cfg.StateDims, cfg.HiddenDims},
		{"fc2", cfg.HiddenDims, cfg.HiddenDims},
		{"out", cfg.HiddenDims, cfg.ActionDims},
	}

	n := &Network{
		stateDims:   cfg.StateDims,
		actionDims:  cfg.ActionDims,
		hiddenDims:  cfg.HiddenDims,
		maxGradNorm: cfg.MaxGradNorm,
	}
	for _, s := range shapes {
		bound := 1 / math.Sqrt(float64(s.in))
		w := make([]float64, s.in*s.out)
		for i := range w {
			w[i] = (rng.Float64()*2 - 1) * bound
		}
		b := make([]float64, s.out)
		for i := range b {
			b[i] = (rng.Float64()*2 - 1) * bound
		}
		n.layers = append(n.layers, &dense{name: s.name, weights: mat.NewDense(s.in, s.out, w), bias: b})
	}
	n.optimizer = newAdam(cfg.LearningRate, n.paramSizes())

	return n, nil
}

// NewNetworkFromWeights builds an inference-only network from the portable encoding
func NewNetworkFromWeights(data []byte) (*Network, error) {
	var p Parameters
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "failed to decode parameters")
	}

	n, err := NewNetwork(NetworkConfig{StateDims: p.StateDims, ActionDims: p.ActionDims, HiddenDims: p.HiddenDims})
	if err != nil {
		return nil, err
	}
	if err := n.UnmarshalWeights(data); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Network) StateDims() int  { return n.stateDims }
func (n *Network) ActionDims() int { return n.actionDims }

// Predict returns the action values for one state
func (n *Network) Predict(state []float32) []float64 {
	x := mat.NewDense(1, n.stateDims, nil)
	for j := 0; j < n.stateDims && j < len(state); j++ {
		x.Set(0, j, float64(state[j]))
	}

	out := n.PredictBatch(x)
	return mat.Row(nil, 0, out)
}

func (n *Network) PredictBatch(states *mat.Dense) *mat.Dense {
	n.mu.RLock()
	defer n.mu.RUnlock()

	acts, _ := n.forward(states)
	return acts[len(acts)-1]
}

// forward returns the activations of every layer (input first) and the
// pre-activation outputs of every layer.
func (n *Network) forward(x *mat.Dense) ([]*mat.Dense, []*mat.Dense) {
	rows, _ := x.Dims()
	acts := make([]*mat.Dense, 0, len(n.layers)+1)
	pre := make([]*mat.Dense, 0, len(n.layers))
	acts = append(acts, x)

	for i, l := range n.layers {
		_, out := l.weights.Dims()
		z := mat.NewDense(rows, out, nil)
		z.Mul(acts[i], l.weights)
		z.Apply(func(_, j int, v float64) float64 { return v + l.bias[j] }, z)
		pre = append(pre, z)

		if i == len(n.layers)-1 {
			acts = append(acts, z)
			continue
		}
		a := mat.NewDense(rows, out, nil)
		a.Apply(func(_, _ int, v float64) float64 { return relu(v) }, z)
		acts = append(acts, a)
	}

	return acts, pre
}

// Update takes one clipped Adam step on the mean squared error between
// value(state, action) and target.
func (n *Network) Update(states *mat.Dense, actions []int, targets []float64) (Fit, error) {
	rows, cols := states.Dims()
	if cols != n.stateDims {
		return Fit{}, errors.Errorf("batch has %d state columns, network expects %d", cols, n.stateDims)
	}
	if len(actions) != rows || len(targets) != rows {
		return Fit{}, errors.Errorf("batch of %d states has %d actions and %d targets", rows, len(actions), len(targets))
	}
	for _, a := range actions {
		if a < 0 || a >= n.actionDims {
			return Fit{}, errors.Errorf("action %d out of range [0, %d)", a, n.actionDims)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	acts, pre := n.forward(states)
	values := acts[len(acts)-1]

	// dLoss/dOutput is non-zero only at the taken action
	var loss float64
	delta := mat.NewDense(rows, n.actionDims, nil)
	for i := 0; i < rows; i++ {
		diff := values.At(i, actions[i]) - targets[i]
		loss += diff * diff
		delta.Set(i, actions[i], 2*diff/float64(rows))
	}
	loss /= float64(rows)

	grads := make([][]float64, 0, 2*len(n.layers))
	layerGrads := make([][2][]float64, len(n.layers))
	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		in, out := l.weights.Dims()

		gw := mat.NewDense(in, out, nil)
		gw.Mul(acts[i].T(), delta)
		gb := make([]float64, out)
		for j := 0; j < out; j++ {
			gb[j] = floats.Sum(mat.Col(nil, j, delta))
		}
		layerGrads[i] = [2][]float64{gw.RawMatrix().Data, gb}

		if i > 0 {
			prev := mat.NewDense(rows, in, nil)
			prev.Mul(delta, l.weights.T())
			z := pre[i-1]
			prev.Apply(func(r, c int, v float64) float64 {
				if z.At(r, c) <= 0 {
					return 0
				}
				return v
			}, prev)
			delta = prev
		}
	}
	for _, g := range layerGrads {
		grads = append(grads, g[0], g[1])
	}

	var sq float64
	for _, g := range grads {
		sq += floats.Dot(g, g)
	}
	norm := math.Sqrt(sq)
	if coef := n.maxGradNorm / (norm + 1e-6); coef < 1 {
		for _, g := range grads {
			floats.Scale(coef, g)
		}
	}

	n.optimizer.apply(n.params(), grads)

	return Fit{Loss: loss, GradNorm: norm, Values: values}, nil
}

// params returns the live parameter slices in optimizer order
func (n *Network) params() [][]float64 {
	p := make([][]float64, 0, 2*len(n.layers))
	for _, l := range n.layers {
		p = append(p, l.weights.RawMatrix().Data, l.bias)
	}
	return p
}

func (n *Network) paramSizes() []int {
	sizes := make([]int, 0, 2*len(n.layers))
	for _, l := range n.layers {
		in, out := l.weights.Dims()
		sizes = append(sizes, in*out, out)
	}
	return sizes
}

func (n *Network) checkDims(stateDims, actionDims, hiddenDims int) error {
	if stateDims != n.stateDims || actionDims != n.actionDims || hiddenDims != n.hiddenDims {
		return errors.Wrapf(storage.ErrIncompatible, "saved (s=%d, a=%d, h=%d), configured (s=%d, a=%d, h=%d)",
			stateDims, actionDims, hiddenDims, n.stateDims, n.actionDims, n.hiddenDims)
	}
	return nil
}

func (n *Network) checkLayer(i int, name string, rows, cols, weights, bias int) error {
	l := n.layers[i]
	in, out := l.weights.Dims()
	if name != l.name || rows != in || cols != out || weights != in*out || bias != out {
		return errors.Wrapf(storage.ErrIncompatible, "layer %d (%s %dx%d) does not match %s %dx%d",
			i, name, rows, cols, l.name, in, out)
	}
	return nil
}

// MarshalWeights encodes the portable float32 parameters
func (n *Network) MarshalWeights() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	p := Parameters{StateDims: n.stateDims, ActionDims: n.actionDims, HiddenDims: n.hiddenDims}
	for _, l := range n.layers {
		rows, cols := l.weights.Dims()
		p.Layers = append(p.Layers, Layer{
			Name:    l.name,
			Rows:    rows,
			Cols:    cols,
			Weights: toFloat32(l.weights.RawMatrix().Data),
			Bias:    toFloat32(l.bias),
		})
	}
	return msgpack.Marshal(&p)
}

// UnmarshalWeights replaces the parameters and resets the optimizer
func (n *Network) UnmarshalWeights(data []byte) error {
	var p Parameters
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "failed to decode parameters")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkDims(p.StateDims, p.ActionDims, p.HiddenDims); err != nil {
		return err
	}
	if len(p.Layers) != len(n.layers) {
		return errors.Wrapf(storage.ErrIncompatible, "saved %d layers, network has %d", len(p.Layers), len(n.layers))
	}
	for i, l := range p.Layers {
		if err := n.checkLayer(i, l.Name, l.Rows, l.Cols, len(l.Weights), len(l.Bias)); err != nil {
			return err
		}
	}

	for i, l := range p.Layers {
		copy(n.layers[i].weights.RawMatrix().Data, toFloat64(l.Weights))
		copy(n.layers[i].bias, toFloat64(l.Bias))
	}
	n.optimizer = newAdam(n.optimizer.LearningRate, n.paramSizes())
	return nil
}

// MarshalState encodes float64 parameters and optimizer moments
func (n *Network) MarshalState() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := networkState{
		StateDims:  n.stateDims,
		ActionDims: n.actionDims,
		HiddenDims: n.hiddenDims,
		Optimizer:  n.optimizer,
	}
	for _, l := range n.layers {
		rows, cols := l.weights.Dims()
		s.Layers = append(s.Layers, layerState{
			Name:    l.name,
			Rows:    rows,
			Cols:    cols,
			Weights: l.weights.RawMatrix().Data,
			Bias:    l.bias,
		})
	}
	return msgpack.Marshal(&s)
}

// UnmarshalState restores parameters and optimizer moments
func (n *Network) UnmarshalState(data []byte) error {
	var s networkState
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "failed to decode training state")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkDims(s.StateDims, s.ActionDims, s.HiddenDims); err != nil {
		return err
	}
	if len(s.Layers) != len(n.layers) {
		return errors.Wrapf(storage.ErrIncompatible, "saved %d layers, network has %d", len(s.Layers), len(n.layers))
	}
	for i, l := range s.Layers {
		if err := n.checkLayer(i, l.Name, l.Rows, l.Cols, len(l.Weights), len(l.Bias)); err != nil {
			return err
		}
	}
	if s.Optimizer == nil || !s.Optimizer.compatible(n.paramSizes()) {
		return errors.New("optimizer state does not match parameters")
	}

	for i, l := range s.Layers {
		copy(n.layers[i].weights.RawMatrix().Data, l.Weights)
		copy(n.layers[i].bias, l.Bias)
	}
	// the configured learning rate wins over the saved one
	s.Optimizer.LearningRate = n.optimizer.LearningRate
	n.optimizer = s.Optimizer
	return nil
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}

	return x
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
