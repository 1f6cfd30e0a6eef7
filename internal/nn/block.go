package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Block is one pre-norm transformer block: attention and a GELU MLP, each
// behind a residual connection.
type Block struct {
	LN1  *LayerNorm
	Attn *CausalSelfAttention
	LN2  *LayerNorm
	FC1  *Linear
	FC2  *Linear
}

// NewBlock creates a block with the conventional 4x MLP expansion.
func NewBlock(name string, dim, heads int, rng *rand.Rand) *Block {
	return &Block{
		LN1:  NewLayerNorm(name+".ln1", dim),
		Attn: NewCausalSelfAttention(name+".attn", dim, heads, rng),
		LN2:  NewLayerNorm(name+".ln2", dim),
		FC1:  NewLinear(name+".fc1", dim, 4*dim, rng),
		FC2:  NewLinear(name+".fc2", 4*dim, dim, rng),
	}
}

// BlockCache holds forward intermediates for the backward pass.
type BlockCache struct {
	ln1   *LNCache
	attn  *AttnCache
	ln2   *LNCache
	r1    *mat.Dense
	n2    *mat.Dense
	h     *mat.Dense // FC1 pre-activation
	g     *mat.Dense // GELU output
}

// Forward runs the block over x (T x Dim) with the day-validity mask.
func (b *Block) Forward(x *mat.Dense, valid []bool) (*mat.Dense, *BlockCache) {
	n1, c1 := b.LN1.Forward(x)
	attnOut, ca := b.Attn.Forward(n1, valid)

	t, d := x.Dims()
	r1 := mat.NewDense(t, d, nil)
	r1.Add(x, attnOut)

	n2, c2 := b.LN2.Forward(r1)
	h := b.FC1.Forward(n2)

	ht, hd := h.Dims()
	g := mat.NewDense(ht, hd, nil)
	for i := 0; i < ht; i++ {
		src := h.RawRowView(i)
		dst := g.RawRowView(i)
		for j, v := range src {
			dst[j] = Gelu(v)
		}
	}

	m := b.FC2.Forward(g)
	y := mat.NewDense(t, d, nil)
	y.Add(r1, m)

	return y, &BlockCache{ln1: c1, attn: ca, ln2: c2, r1: r1, n2: n2, h: h, g: g}
}

// Backward accumulates parameter gradients and returns dx.
func (b *Block) Backward(c *BlockCache, dy *mat.Dense) *mat.Dense {
	dg := b.FC2.Backward(c.g, dy)

	ht, hd := dg.Dims()
	dh := mat.NewDense(ht, hd, nil)
	for i := 0; i < ht; i++ {
		gRow := dg.RawRowView(i)
		hRow := c.h.RawRowView(i)
		out := dh.RawRowView(i)
		for j := range gRow {
			out[j] = gRow[j] * GeluGrad(hRow[j])
		}
	}

	dn2 := b.FC1.Backward(c.n2, dh)
	dr1 := b.LN2.Backward(c.ln2, dn2)
	dr1.Add(dr1, dy)

	dn1 := b.Attn.Backward(c.attn, dr1)
	dx := b.LN1.Backward(c.ln1, dn1)
	dx.Add(dx, dr1)
	return dx
}

// Params returns all learnable parameters of the block.
func (b *Block) Params() []*Param {
	var out []*Param
	out = append(out, b.LN1.Params()...)
	out = append(out, b.Attn.Params()...)
	out = append(out, b.LN2.Params()...)
	out = append(out, b.FC1.Params()...)
	out = append(out, b.FC2.Params()...)
	return out
}
