package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const lnEps = 1e-5

// LayerNorm normalizes each row of its input to zero mean and unit variance,
// then applies a learned per-feature scale and shift.
type LayerNorm struct {
	Dim   int
	Gamma *Param // 1 x Dim
	Beta  *Param // 1 x Dim
}

// NewLayerNorm creates a layer norm with scale 1 and shift 0.
func NewLayerNorm(name string, dim int) *LayerNorm {
	ln := &LayerNorm{
		Dim:   dim,
		Gamma: NewParam(name+".gamma", 1, dim),
		Beta:  NewParam(name+".beta", 1, dim),
	}
	ln.Gamma.Fill(1)
	return ln
}

// LNCache holds the forward intermediates needed for the backward pass.
type LNCache struct {
	xhat   *mat.Dense
	invStd []float64
}

// Forward normalizes x (T x Dim) row-wise.
func (ln *LayerNorm) Forward(x *mat.Dense) (*mat.Dense, *LNCache) {
	t, d := x.Dims()
	y := mat.NewDense(t, d, nil)
	xhat := mat.NewDense(t, d, nil)
	invStd := make([]float64, t)

	for i := 0; i < t; i++ {
		row := x.RawRowView(i)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(d)
		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(d)
		invStd[i] = 1 / math.Sqrt(variance+lnEps)

		xh := xhat.RawRowView(i)
		out := y.RawRowView(i)
		for j, v := range row {
			xh[j] = (v - mean) * invStd[i]
			out[j] = xh[j]*ln.Gamma.Data[j] + ln.Beta.Data[j]
		}
	}
	return y, &LNCache{xhat: xhat, invStd: invStd}
}

// Backward accumulates gamma/beta gradients and returns dx.
func (ln *LayerNorm) Backward(c *LNCache, dout *mat.Dense) *mat.Dense {
	t, d := dout.Dims()
	dx := mat.NewDense(t, d, nil)

	for i := 0; i < t; i++ {
		dRow := dout.RawRowView(i)
		xh := c.xhat.RawRowView(i)

		// dxhat = dout * gamma; two row-wise reductions feed the dx formula
		sumDxhat := 0.0
		sumDxhatXhat := 0.0
		dxhat := make([]float64, d)
		for j := 0; j < d; j++ {
			ln.Gamma.Grad[j] += dRow[j] * xh[j]
			ln.Beta.Grad[j] += dRow[j]
			dxhat[j] = dRow[j] * ln.Gamma.Data[j]
			sumDxhat += dxhat[j]
			sumDxhatXhat += dxhat[j] * xh[j]
		}

		out := dx.RawRowView(i)
		n := float64(d)
		for j := 0; j < d; j++ {
			out[j] = c.invStd[i] / n * (n*dxhat[j] - sumDxhat - xh[j]*sumDxhatXhat)
		}
	}
	return dx
}

// Params returns the layer's learnable parameters.
func (ln *LayerNorm) Params() []*Param { return []*Param{ln.Gamma, ln.Beta} }
