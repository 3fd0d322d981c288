package nanogpt

import "math"

const layerNormEps = 1e-5

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned gain and shift.
type LayerNorm struct {
	Gain  *Param
	Shift *Param
	width int
}

type layerNormTrace struct {
	xhat *mat
	rstd []float32
}

func newLayerNorm(name string, width int) *LayerNorm {
	ln := &LayerNorm{
		Gain:  newParam(name+".weight", width),
		Shift: newParam(name+".bias", width),
		width: width,
	}
	ln.Gain.fill(1)
	return ln
}

func (ln *LayerNorm) params() []*Param { return []*Param{ln.Gain, ln.Shift} }

func (ln *LayerNorm) forward(x *mat) (*mat, layerNormTrace) {
	y := newMat(x.rows, x.cols)
	tr := layerNormTrace{xhat: newMat(x.rows, x.cols), rstd: make([]float32, x.rows)}
	d := float64(x.cols)
	for i := 0; i < x.rows; i++ {
		xr := x.row(i)

		var mean float64
		for _, v := range xr {
			mean += float64(v)
		}
		mean /= d

		var variance float64
		for _, v := range xr {
			diff := float64(v) - mean
			variance += diff * diff
		}
		variance /= d

		rstd := 1 / math.Sqrt(variance+layerNormEps)
		tr.rstd[i] = float32(rstd)

		hr, yr := tr.xhat.row(i), y.row(i)
		for k, v := range xr {
			h := float32((float64(v) - mean) * rstd)
			hr[k] = h
			yr[k] = ln.Gain.v[k]*h + ln.Shift.v[k]
		}
	}
	return y, tr
}

func (ln *LayerNorm) backward(tr layerNormTrace, dy *mat) *mat {
	dx := newMat(dy.rows, dy.cols)
	n := float32(dy.cols)
	dxhat := make([]float32, dy.cols)
	for i := 0; i < dy.rows; i++ {
		dyr, hr := dy.row(i), tr.xhat.row(i)

		var meanD, meanDH float32
		for k, g := range dyr {
			ln.Shift.g[k] += g
			ln.Gain.g[k] += g * hr[k]
			dxhat[k] = g * ln.Gain.v[k]
			meanD += dxhat[k]
			meanDH += dxhat[k] * hr[k]
		}
		meanD /= n
		meanDH /= n

		dxr := dx.row(i)
		for k := range dxr {
			dxr[k] = tr.rstd[i] * (dxhat[k] - meanD - hr[k]*meanDH)
		}
	}
	return dx
}
