// Package forecast implements the autoregressive day-sequence model and its
// three task heads.
package forecast

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/models"
)

// Forecaster projects encoder hidden vectors into its own width, runs causal
// self-attention blocks over the day axis, and reads out per-day scores
// through a task head chosen by each example's category. The heads are owned
// here rather than living as package globals: BinaryTF gets 2 logits per day,
// MultiChoice gets models.MaxChoiceLen logits, Regression a sigmoid scalar.
type Forecaster struct {
	EncHidden int
	Dim       int

	InputProj *nn.Linear
	Blocks    []*nn.Block
	TFHead    *nn.Linear
	MCHead    *nn.Linear
	RegHead   *nn.Linear

	cache *forwardCache
}

// Forward holds per-example hidden states and head scores. Scores rows are
// logits for BinaryTF and MultiChoice examples and the bounded [0,1] output
// for Regression examples.
type Forward struct {
	Hidden []*mat.Dense
	Scores []*mat.Dense
}

type forwardCache struct {
	batch  *models.Batch
	xs     []*mat.Dense
	blocks [][]*nn.BlockCache
	hidden []*mat.Dense
	scores []*mat.Dense
}

// New creates a forecaster with freshly initialized weights.
func New(encHidden, dim, layers, heads int, rng *rand.Rand) *Forecaster {
	f := &Forecaster{
		EncHidden: encHidden,
		Dim:       dim,
		InputProj: nn.NewLinear("proj", encHidden, dim, rng),
		TFHead:    nn.NewLinear("head.tf", dim, 2, rng),
		MCHead:    nn.NewLinear("head.mc", dim, models.MaxChoiceLen, rng),
		RegHead:   nn.NewLinear("head.re", dim, 1, rng),
	}
	for l := 0; l < layers; l++ {
		f.Blocks = append(f.Blocks, nn.NewBlock(fmt.Sprintf("block%d", l), dim, heads, rng))
	}
	return f
}

// ForwardBatch runs the model over a collated batch. Each example's rows are
// routed to exactly one head according to its category.
func (f *Forecaster) ForwardBatch(b *models.Batch) *Forward {
	n := b.Size()
	out := &Forward{
		Hidden: make([]*mat.Dense, n),
		Scores: make([]*mat.Dense, n),
	}
	cache := &forwardCache{
		batch:  b,
		xs:     make([]*mat.Dense, n),
		blocks: make([][]*nn.BlockCache, n),
		hidden: make([]*mat.Dense, n),
	}

	for i := 0; i < n; i++ {
		t := len(b.X[i])
		x := mat.NewDense(t, f.EncHidden, nil)
		for d := 0; d < t; d++ {
			x.SetRow(d, b.X[i][d])
		}
		cache.xs[i] = x

		h := f.InputProj.Forward(x)
		caches := make([]*nn.BlockCache, len(f.Blocks))
		for l, blk := range f.Blocks {
			h, caches[l] = blk.Forward(h, b.Mask[i])
		}
		cache.blocks[i] = caches
		cache.hidden[i] = h
		out.Hidden[i] = h

		switch b.Categories[i] {
		case models.BinaryTF:
			out.Scores[i] = f.TFHead.Forward(h)
		case models.MultiChoice:
			out.Scores[i] = f.MCHead.Forward(h)
		case models.Regression:
			s := f.RegHead.Forward(h)
			for d := 0; d < t; d++ {
				s.Set(d, 0, nn.Sigmoid(s.At(d, 0)))
			}
			out.Scores[i] = s
		}
	}

	cache.scores = out.Scores
	f.cache = cache
	return out
}

// Backward propagates per-example score gradients through the heads, blocks
// and input projection, accumulating parameter gradients. It returns the
// gradient with respect to the batch's encoder hidden vectors, for optional
// encoder finetuning. Must follow a ForwardBatch on the same batch.
func (f *Forecaster) Backward(dScores []*mat.Dense) [][][]float64 {
	c := f.cache
	if c == nil {
		panic("forecast: Backward without a preceding ForwardBatch")
	}
	b := c.batch
	dX := make([][][]float64, b.Size())

	for i := 0; i < b.Size(); i++ {
		h := c.hidden[i]
		t, _ := h.Dims()

		var dh *mat.Dense
		switch b.Categories[i] {
		case models.BinaryTF:
			dh = f.TFHead.Backward(h, dScores[i])
		case models.MultiChoice:
			dh = f.MCHead.Backward(h, dScores[i])
		case models.Regression:
			// scores hold sigmoid outputs; fold its derivative in first
			dpre := mat.NewDense(t, 1, nil)
			for d := 0; d < t; d++ {
				s := c.scores[i].At(d, 0)
				dpre.Set(d, 0, dScores[i].At(d, 0)*s*(1-s))
			}
			dh = f.RegHead.Backward(h, dpre)
		}

		for l := len(f.Blocks) - 1; l >= 0; l-- {
			dh = f.Blocks[l].Backward(c.blocks[i][l], dh)
		}
		dx := f.InputProj.Backward(c.xs[i], dh)

		rows := make([][]float64, t)
		for d := 0; d < t; d++ {
			row := make([]float64, f.EncHidden)
			copy(row, dx.RawRowView(d))
			rows[d] = row
		}
		dX[i] = rows
	}

	f.cache = nil
	return dX
}

// Params returns every learnable parameter of the forecaster and its heads.
func (f *Forecaster) Params() []*nn.Param {
	var out []*nn.Param
	out = append(out, f.InputProj.Params()...)
	for _, blk := range f.Blocks {
		out = append(out, blk.Params()...)
	}
	out = append(out, f.TFHead.Params()...)
	out = append(out, f.MCHead.Params()...)
	out = append(out, f.RegHead.Params()...)
	return out
}
