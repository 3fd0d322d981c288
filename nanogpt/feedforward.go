package nanogpt

import (
	"math"
	"math/rand"
)

// FeedForward is the position-wise MLP: Linear(E, 4E) -> GELU -> Linear(4E, E) -> dropout.
type FeedForward struct {
	Up   *Linear
	Down *Linear
}

type feedForwardTrace struct {
	x    *mat
	pre  *mat // before GELU
	act  *mat // after GELU
	mask []float32
}

func newFeedForward(name string, embd int) *FeedForward {
	return &FeedForward{
		Up:   newLinear(name+".up", embd, 4*embd, true),
		Down: newLinear(name+".down", 4*embd, embd, true),
	}
}

func (f *FeedForward) params() []*Param {
	return append(f.Up.params(), f.Down.params()...)
}

func (f *FeedForward) forward(x *mat, rng *rand.Rand, p float32) (*mat, feedForwardTrace, error) {
	tr := feedForwardTrace{x: x}
	var err error
	if tr.pre, err = f.Up.forward(x); err != nil {
		return nil, tr, err
	}
	tr.act = newMat(tr.pre.rows, tr.pre.cols)
	for i, v := range tr.pre.v {
		tr.act.v[i] = gelu(v)
	}
	out, err := f.Down.forward(tr.act)
	if err != nil {
		return nil, tr, err
	}
	tr.mask = dropout(out.v, p, rng)
	return out, tr, nil
}

func (f *FeedForward) backward(tr feedForwardTrace, dout *mat) (*mat, error) {
	d := dout.clone()
	undropout(d.v, tr.mask)
	dact, err := f.Down.backward(tr.act, d)
	if err != nil {
		return nil, err
	}
	for i, v := range tr.pre.v {
		dact.v[i] *= geluGrad(v)
	}
	return f.Up.backward(tr.x, dact)
}

// gelu is the exact Gaussian error linear unit x·Φ(x).
func gelu(x float32) float32 {
	v := float64(x)
	return float32(0.5 * v * (1 + math.Erf(v/math.Sqrt2)))
}

// geluGrad is dGELU/dx = Φ(x) + x·φ(x).
func geluGrad(x float32) float32 {
	v := float64(x)
	cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
	pdf := math.Exp(-0.5*v*v) / math.Sqrt(2*math.Pi)
	return float32(cdf + v*pdf)
}
