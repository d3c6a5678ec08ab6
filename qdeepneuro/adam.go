package qdeepneuro

import "math"

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// adam holds first and second moment estimates, one slice per parameter tensor
type adam struct {
	LearningRate float64     `msgpack:"learning_rate"`
	Beta1        float64     `msgpack:"beta1"`
	Beta2        float64     `msgpack:"beta2"`
	Epsilon      float64     `msgpack:"epsilon"`
	Step         int         `msgpack:"step"`
	M            [][]float64 `msgpack:"m"`
	V            [][]float64 `msgpack:"v"`
}

func newAdam(learningRate float64, sizes []int) *adam {
	a := &adam{
		LearningRate: learningRate,
		Beta1:        adamBeta1,
		Beta2:        adamBeta2,
		Epsilon:      adamEpsilon,
		M:            make([][]float64, len(sizes)),
		V:            make([][]float64, len(sizes)),
	}
	for i, n := range sizes {
		a.M[i] = make([]float64, n)
		a.V[i] = make([]float64, n)
	}
	return a
}

// compatible reports whether the moment buffers match the parameter sizes
func (a *adam) compatible(sizes []int) bool {
	if len(a.M) != len(sizes) || len(a.V) != len(sizes) {
		return false
	}
	for i, n := range sizes {
		if len(a.M[i]) != n || len(a.V[i]) != n {
			return false
		}
	}
	return true
}

// apply performs one bias-corrected update of params in place
func (a *adam) apply(params, grads [][]float64) {
	a.Step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.Step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.Step))
	stepSize := a.LearningRate / bc1
	sqrtBc2 := math.Sqrt(bc2)

	for i, p := range params {
		g := grads[i]
		m := a.M[i]
		v := a.V[i]
		for j := range p {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g[j]
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g[j]*g[j]
			p[j] -= stepSize * m[j] / (math.Sqrt(v[j])/sqrtBc2 + a.Epsilon)
		}
	}
}
