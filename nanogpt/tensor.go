package nanogpt

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// mat is a row-major float32 matrix. The Dense shares v as its backing array,
// so matmuls through gorgonia and element loops over v see the same memory.
type mat struct {
	rows, cols int
	v          []float32
	t          *tensor.Dense
}

func newMat(rows, cols int) *mat {
	v := make([]float32, rows*cols)
	return &mat{
		rows: rows,
		cols: cols,
		v:    v,
		t:    tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(v)),
	}
}

// wrapMat views an existing backing slice as a rows x cols matrix.
func wrapMat(v []float32, rows, cols int) *mat {
	return &mat{
		rows: rows,
		cols: cols,
		v:    v,
		t:    tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(v)),
	}
}

func (m *mat) row(i int) []float32 {
	return m.v[i*m.cols : (i+1)*m.cols]
}

func (m *mat) clone() *mat {
	c := newMat(m.rows, m.cols)
	copy(c.v, m.v)
	return c
}

// mul writes a·b into out.
func mul(out, a, b *mat) error {
	if a.cols != b.rows || out.rows != a.rows || out.cols != b.cols {
		return fmt.Errorf("matmul shape mismatch: (%d,%d)·(%d,%d) -> (%d,%d)",
			a.rows, a.cols, b.rows, b.cols, out.rows, out.cols)
	}
	if _, err := a.t.MatMul(b.t, tensor.WithReuse(out.t)); err != nil {
		return fmt.Errorf("matmul: %w", err)
	}
	return nil
}

// transposed returns a materialized copy of mᵀ.
func transposed(m *mat) *mat {
	out := newMat(m.cols, m.rows)
	for i := 0; i < m.rows; i++ {
		r := m.row(i)
		for j, x := range r {
			out.v[j*m.rows+i] = x
		}
	}
	return out
}

// mulTransB writes a·bᵀ into out.
func mulTransB(out, a, b *mat) error {
	return mul(out, a, transposed(b))
}

// accumulateTransA adds aᵀ·b into dst.
func accumulateTransA(dst []float32, a, b *mat) error {
	tmp := newMat(a.cols, b.cols)
	if err := mul(tmp, transposed(a), b); err != nil {
		return err
	}
	for i, x := range tmp.v {
		dst[i] += x
	}
	return nil
}

func addInto(dst, src []float32) {
	for i, x := range src {
		dst[i] += x
	}
}

func allFinite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}
