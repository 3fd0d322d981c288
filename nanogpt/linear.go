package nanogpt

import (
	"fmt"
	"math/rand"
)

// Linear is a dense projection y = x·W + b. W is (in, out); b is optional.
type Linear struct {
	Weight *Param
	Bias   *Param
	in     int
	out    int
}

func newLinear(name string, in, out int, bias bool) *Linear {
	l := &Linear{
		Weight: newParam(name+".weight", in, out),
		in:     in,
		out:    out,
	}
	if bias {
		l.Bias = newParam(name+".bias", out)
	}
	return l
}

func (l *Linear) init(rng *rand.Rand, std float32) {
	l.Weight.normal(rng, std)
	if l.Bias != nil {
		l.Bias.fill(0)
	}
}

func (l *Linear) params() []*Param {
	if l.Bias == nil {
		return []*Param{l.Weight}
	}
	return []*Param{l.Weight, l.Bias}
}

func (l *Linear) forward(x *mat) (*mat, error) {
	if x.cols != l.in {
		return nil, fmt.Errorf("%s: input width %d, expected %d", l.Weight.Name, x.cols, l.in)
	}
	y := newMat(x.rows, l.out)
	if err := mul(y, x, l.Weight.asMat()); err != nil {
		return nil, fmt.Errorf("%s: %w", l.Weight.Name, err)
	}
	if l.Bias != nil {
		for i := 0; i < y.rows; i++ {
			addInto(y.row(i), l.Bias.v)
		}
	}
	return y, nil
}

// backward accumulates dW and db and returns dx.
func (l *Linear) backward(x, dy *mat) (*mat, error) {
	if err := accumulateTransA(l.Weight.g, x, dy); err != nil {
		return nil, fmt.Errorf("%s grad: %w", l.Weight.Name, err)
	}
	if l.Bias != nil {
		for i := 0; i < dy.rows; i++ {
			addInto(l.Bias.g, dy.row(i))
		}
	}
	dx := newMat(dy.rows, l.in)
	if err := mulTransB(dx, dy, l.Weight.asMat()); err != nil {
		return nil, fmt.Errorf("%s input grad: %w", l.Weight.Name, err)
	}
	return dx, nil
}
