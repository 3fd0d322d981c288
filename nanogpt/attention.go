package nanogpt

import (
	"fmt"
	"math"
	"math/rand"
)

// MultiHeadAttention is causal self-attention split across Heads heads.
//
// For every head h and query position i:
//
//	w[i][j] = softmax_j(q_i·k_j / sqrt(headSize))   for j <= i
//	w[i][j] = 0                                      for j > i
//	y_i     = Σ_j w[i][j] v_j
//
// Heads are concatenated and passed through the output projection.
type MultiHeadAttention struct {
	Query *Linear
	Key   *Linear
	Value *Linear
	Proj  *Linear

	heads    int
	headSize int
}

type attentionTrace struct {
	x       *mat
	q, k, v *mat
	// probs holds the softmax weights, laid out (batch, heads, seq, seq).
	probs []float32
	// attn is probs after dropout; it aliases probs when nothing was dropped.
	attn []float32
	mask []float32
	y    *mat
	seq  int
}

func newMultiHeadAttention(name string, embd, heads int) *MultiHeadAttention {
	return &MultiHeadAttention{
		Query:    newLinear(name+".query", embd, embd, true),
		Key:      newLinear(name+".key", embd, embd, true),
		Value:    newLinear(name+".value", embd, embd, true),
		Proj:     newLinear(name+".proj", embd, embd, true),
		heads:    heads,
		headSize: embd / heads,
	}
}

func (a *MultiHeadAttention) params() []*Param {
	var ps []*Param
	for _, l := range []*Linear{a.Query, a.Key, a.Value, a.Proj} {
		ps = append(ps, l.params()...)
	}
	return ps
}

func (a *MultiHeadAttention) forward(x *mat, seq int, rng *rand.Rand, p float32) (*mat, attentionTrace, error) {
	tr := attentionTrace{x: x, seq: seq}
	var err error
	if tr.q, err = a.Query.forward(x); err != nil {
		return nil, tr, err
	}
	if tr.k, err = a.Key.forward(x); err != nil {
		return nil, tr, err
	}
	if tr.v, err = a.Value.forward(x); err != nil {
		return nil, tr, err
	}

	batch := x.rows / seq
	hs := a.headSize
	scale := 1 / math.Sqrt(float64(hs))
	tr.probs = make([]float32, batch*a.heads*seq*seq)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.heads; h++ {
			base := (b*a.heads + h) * seq * seq
			for i := 0; i < seq; i++ {
				qi := tr.q.row(b*seq + i)[h*hs : (h+1)*hs]
				row := tr.probs[base+i*seq : base+(i+1)*seq]

				scores := make([]float64, i+1)
				maxScore := math.Inf(-1)
				for j := 0; j <= i; j++ {
					kj := tr.k.row(b*seq + j)[h*hs : (h+1)*hs]
					var s float64
					for d := range qi {
						s += float64(qi[d]) * float64(kj[d])
					}
					s *= scale
					scores[j] = s
					if s > maxScore {
						maxScore = s
					}
				}
				var sum float64
				for j := range scores {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				for j := range scores {
					row[j] = float32(scores[j] / sum)
				}
				// row[i+1:] stays zero: future positions are masked out.
			}
		}
	}

	tr.attn = tr.probs
	if rng != nil && p > 0 {
		tr.attn = append([]float32(nil), tr.probs...)
		tr.mask = dropout(tr.attn, p, rng)
	}

	tr.y = newMat(x.rows, x.cols)
	for b := 0; b < batch; b++ {
		for h := 0; h < a.heads; h++ {
			base := (b*a.heads + h) * seq * seq
			for i := 0; i < seq; i++ {
				yi := tr.y.row(b*seq + i)[h*hs : (h+1)*hs]
				w := tr.attn[base+i*seq : base+(i+1)*seq]
				for j := 0; j <= i; j++ {
					if w[j] == 0 {
						continue
					}
					vj := tr.v.row(b*seq + j)[h*hs : (h+1)*hs]
					for d := range yi {
						yi[d] += w[j] * vj[d]
					}
				}
			}
		}
	}

	out, err := a.Proj.forward(tr.y)
	if err != nil {
		return nil, tr, err
	}
	return out, tr, nil
}

func (a *MultiHeadAttention) backward(tr attentionTrace, dout *mat) (*mat, error) {
	dy, err := a.Proj.backward(tr.y, dout)
	if err != nil {
		return nil, err
	}

	seq := tr.seq
	batch := dy.rows / seq
	hs := a.headSize
	scale := float32(1 / math.Sqrt(float64(hs)))
	dq := newMat(dy.rows, dy.cols)
	dk := newMat(dy.rows, dy.cols)
	dv := newMat(dy.rows, dy.cols)
	dw := make([]float32, seq)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.heads; h++ {
			base := (b*a.heads + h) * seq * seq
			for i := 0; i < seq; i++ {
				off := base + i*seq
				dyi := dy.row(b*seq + i)[h*hs : (h+1)*hs]
				qi := tr.q.row(b*seq + i)[h*hs : (h+1)*hs]
				dqi := dq.row(b*seq + i)[h*hs : (h+1)*hs]

				// Through y_i = Σ_j attn_ij v_j.
				for j := 0; j <= i; j++ {
					vj := tr.v.row(b*seq + j)[h*hs : (h+1)*hs]
					dvj := dv.row(b*seq + j)[h*hs : (h+1)*hs]
					var g float32
					for d := range dyi {
						g += dyi[d] * vj[d]
						dvj[d] += tr.attn[off+j] * dyi[d]
					}
					if tr.mask != nil {
						g *= tr.mask[off+j]
					}
					dw[j] = g
				}

				// Through the softmax.
				var dot float32
				for j := 0; j <= i; j++ {
					dot += tr.probs[off+j] * dw[j]
				}
				for j := 0; j <= i; j++ {
					ds := tr.probs[off+j] * (dw[j] - dot) * scale
					if ds == 0 {
						continue
					}
					kj := tr.k.row(b*seq + j)[h*hs : (h+1)*hs]
					dkj := dk.row(b*seq + j)[h*hs : (h+1)*hs]
					for d := range qi {
						dqi[d] += ds * kj[d]
						dkj[d] += ds * qi[d]
					}
				}
			}
		}
	}

	dx, err := a.Query.backward(tr.x, dq)
	if err != nil {
		return nil, err
	}
	dxk, err := a.Key.backward(tr.x, dk)
	if err != nil {
		return nil, err
	}
	dxv, err := a.Value.backward(tr.x, dv)
	if err != nil {
		return nil, err
	}
	addInto(dx.v, dxk.v)
	addInto(dx.v, dxv.v)
	return dx, nil
}

// weights returns the attention weights of one head for one batch row,
// as seq rows of seq columns.
func (tr attentionTrace) weights(b, h, heads int) ([][]float32, error) {
	seq := tr.seq
	if seq == 0 || b < 0 || h < 0 || h >= heads || (b+1)*heads*seq*seq > len(tr.probs) {
		return nil, fmt.Errorf("%w: no attention weights for batch %d head %d", ErrInvalidInput, b, h)
	}
	base := (b*heads + h) * seq * seq
	out := make([][]float32, seq)
	for i := range out {
		out[i] = tr.probs[base+i*seq : base+(i+1)*seq]
	}
	return out, nil
}
