package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// CausalSelfAttention attends over the day axis. Each day sees itself and
// earlier days only, and days flagged invalid by the batch mask are never
// attended.
type CausalSelfAttention struct {
	Dim   int
	Heads int
	Wq    *Linear
	Wk    *Linear
	Wv    *Linear
	Wo    *Linear
}

// NewCausalSelfAttention creates an attention layer with dim split evenly
// across heads.
func NewCausalSelfAttention(name string, dim, heads int, rng *rand.Rand) *CausalSelfAttention {
	if dim%heads != 0 {
		panic(fmt.Sprintf("nn: dim %d not divisible by heads %d", dim, heads))
	}
	return &CausalSelfAttention{
		Dim:   dim,
		Heads: heads,
		Wq:    NewLinear(name+".wq", dim, dim, rng),
		Wk:    NewLinear(name+".wk", dim, dim, rng),
		Wv:    NewLinear(name+".wv", dim, dim, rng),
		Wo:    NewLinear(name+".wo", dim, dim, rng),
	}
}

// AttnCache holds forward intermediates for the backward pass.
type AttnCache struct {
	x      *mat.Dense
	q      *mat.Dense
	k      *mat.Dense
	v      *mat.Dense
	probs  []*mat.Dense // per head, T x T
	concat *mat.Dense
	valid  []bool
}

// Forward computes masked causal self-attention over x (T x Dim).
func (a *CausalSelfAttention) Forward(x *mat.Dense, valid []bool) (*mat.Dense, *AttnCache) {
	t, _ := x.Dims()
	dh := a.Dim / a.Heads
	scale := 1 / math.Sqrt(float64(dh))

	q := a.Wq.Forward(x)
	k := a.Wk.Forward(x)
	v := a.Wv.Forward(x)

	concat := mat.NewDense(t, a.Dim, nil)
	probs := make([]*mat.Dense, a.Heads)

	for h := 0; h < a.Heads; h++ {
		qh := q.Slice(0, t, h*dh, (h+1)*dh)
		kh := k.Slice(0, t, h*dh, (h+1)*dh)
		vh := v.Slice(0, t, h*dh, (h+1)*dh)

		scores := mat.NewDense(t, t, nil)
		scores.Mul(qh, kh.T())
		scores.Scale(scale, scores)
		for i := 0; i < t; i++ {
			row := scores.RawRowView(i)
			for j := range row {
				if j > i || !valid[j] {
					row[j] += maskedOut
				}
			}
			Softmax(row, row)
		}
		probs[h] = scores

		out := mat.NewDense(t, dh, nil)
		out.Mul(scores, vh)
		for i := 0; i < t; i++ {
			for j := 0; j < dh; j++ {
				concat.Set(i, h*dh+j, out.At(i, j))
			}
		}
	}

	y := a.Wo.Forward(concat)
	return y, &AttnCache{x: x, q: q, k: k, v: v, probs: probs, concat: concat, valid: valid}
}

// Backward accumulates parameter gradients and returns dx.
func (a *CausalSelfAttention) Backward(c *AttnCache, dout *mat.Dense) *mat.Dense {
	t, _ := dout.Dims()
	dh := a.Dim / a.Heads
	scale := 1 / math.Sqrt(float64(dh))

	dconcat := a.Wo.Backward(c.concat, dout)

	dq := mat.NewDense(t, a.Dim, nil)
	dk := mat.NewDense(t, a.Dim, nil)
	dv := mat.NewDense(t, a.Dim, nil)

	for h := 0; h < a.Heads; h++ {
		kh := c.k.Slice(0, t, h*dh, (h+1)*dh)
		qh := c.q.Slice(0, t, h*dh, (h+1)*dh)
		vh := c.v.Slice(0, t, h*dh, (h+1)*dh)
		ph := c.probs[h]

		dOut := dconcat.Slice(0, t, h*dh, (h+1)*dh)

		dprobs := mat.NewDense(t, t, nil)
		dprobs.Mul(dOut, vh.T())

		dvh := mat.NewDense(t, dh, nil)
		dvh.Mul(ph.T(), dOut)

		// softmax backward per row: ds = p * (dp - dot(dp, p))
		dscores := mat.NewDense(t, t, nil)
		for i := 0; i < t; i++ {
			p := ph.RawRowView(i)
			dp := dprobs.RawRowView(i)
			ds := dscores.RawRowView(i)
			dot := 0.0
			for j := range p {
				dot += dp[j] * p[j]
			}
			for j := range p {
				ds[j] = p[j] * (dp[j] - dot)
			}
		}
		dscores.Scale(scale, dscores)

		dqh := mat.NewDense(t, dh, nil)
		dqh.Mul(dscores, kh)
		dkh := mat.NewDense(t, dh, nil)
		dkh.Mul(dscores.T(), qh)

		for i := 0; i < t; i++ {
			for j := 0; j < dh; j++ {
				dq.Set(i, h*dh+j, dqh.At(i, j))
				dk.Set(i, h*dh+j, dkh.At(i, j))
				dv.Set(i, h*dh+j, dvh.At(i, j))
			}
		}
	}

	dx := a.Wq.Backward(c.x, dq)
	dx.Add(dx, a.Wk.Backward(c.x, dk))
	dx.Add(dx, a.Wv.Backward(c.x, dv))
	return dx
}

// Params returns all learnable parameters of the layer.
func (a *CausalSelfAttention) Params() []*Param {
	var out []*Param
	out = append(out, a.Wq.Params()...)
	out = append(out, a.Wk.Params()...)
	out = append(out, a.Wv.Params()...)
	out = append(out, a.Wo.Params()...)
	return out
}
