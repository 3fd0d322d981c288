package nanogpt

import (
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Param is one trainable tensor together with its accumulated gradient.
// It satisfies gorgonia.ValueGrad so gorgonia solvers can update it in place.
type Param struct {
	Name string

	value *tensor.Dense
	grad  *tensor.Dense
	v, g  []float32
}

var _ gorgonia.ValueGrad = (*Param)(nil)

func newParam(name string, dims ...int) *Param {
	n := 1
	for _, d := range dims {
		n *= d
	}
	v := make([]float32, n)
	g := make([]float32, n)
	return &Param{
		Name:  name,
		value: tensor.New(tensor.WithShape(dims...), tensor.WithBacking(v)),
		grad:  tensor.New(tensor.WithShape(dims...), tensor.WithBacking(g)),
		v:     v,
		g:     g,
	}
}

// Value returns the parameter tensor.
func (p *Param) Value() gorgonia.Value { return p.value }

// Grad returns the gradient accumulated by ForwardBackward.
func (p *Param) Grad() (gorgonia.Value, error) { return p.grad, nil }

// Shape returns the parameter shape.
func (p *Param) Shape() tensor.Shape { return p.value.Shape().Clone() }

// Data returns the backing slice of the parameter value.
func (p *Param) Data() []float32 { return p.v }

// GradData returns the backing slice of the accumulated gradient.
func (p *Param) GradData() []float32 { return p.g }

// asMat views a 2-D parameter as a matrix sharing the parameter memory.
func (p *Param) asMat() *mat {
	s := p.value.Shape()
	return wrapMat(p.v, s[0], s[1])
}

func (p *Param) zeroGrad() {
	for i := range p.g {
		p.g[i] = 0
	}
}

func (p *Param) fill(x float32) {
	for i := range p.v {
		p.v[i] = x
	}
}

func (p *Param) normal(rng *rand.Rand, std float32) {
	for i := range p.v {
		p.v[i] = float32(rng.NormFloat64()) * std
	}
}
