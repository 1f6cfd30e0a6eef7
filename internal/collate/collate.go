// Package collate packs variable-length per-example day sequences into a
// fixed-shape batch with a validity mask.
package collate

import (
	"fmt"

	"github.com/iPhoenixNez/autocast/models"
)

// DayPad marks target rows for days beyond an example's sequence length,
// distinct from the -1 used for unused choice slots within a valid day.
const DayPad = -2.0

// Collate builds a Batch from parallel per-example slices. Hidden sequences
// are right-padded with zeros, target sequences with DayPad rows. The mask
// is true for days below each example's original length and SeqEnds holds
// the last valid day index.
func Collate(examples []models.EncodedExample) *models.Batch {
	n := len(examples)
	maxDays := 0
	hidden := 0
	for _, ex := range examples {
		if len(ex.Hidden) != len(ex.Targets) {
			panic(fmt.Sprintf("collate: %d hidden vectors vs %d target rows", len(ex.Hidden), len(ex.Targets)))
		}
		if len(ex.Hidden) > maxDays {
			maxDays = len(ex.Hidden)
		}
		if len(ex.Hidden) > 0 {
			hidden = len(ex.Hidden[0])
		}
	}

	b := &models.Batch{
		X:          make([][][]float64, n),
		Mask:       make([][]bool, n),
		Targets:    make([][][]float64, n),
		TrueLabels: make([]float64, n),
		Categories: make([]models.Category, n),
		SeqEnds:    make([]int, n),
	}

	for i, ex := range examples {
		seqLen := len(ex.Hidden)
		b.X[i] = make([][]float64, maxDays)
		b.Mask[i] = make([]bool, maxDays)
		b.Targets[i] = make([][]float64, maxDays)
		for d := 0; d < maxDays; d++ {
			if d < seqLen {
				b.X[i][d] = ex.Hidden[d]
				b.Targets[i][d] = ex.Targets[d]
				b.Mask[i][d] = true
			} else {
				b.X[i][d] = make([]float64, hidden)
				row := make([]float64, models.MaxChoiceLen)
				for j := range row {
					row[j] = DayPad
				}
				b.Targets[i][d] = row
			}
		}
		b.TrueLabels[i] = ex.TrueLabel
		b.Categories[i] = ex.Category
		b.SeqEnds[i] = seqLen - 1
	}

	for i := range b.X {
		if len(b.X[i]) != len(b.Mask[i]) {
			panic(fmt.Sprintf("collate: example %d has %d hidden days but %d mask days", i, len(b.X[i]), len(b.Mask[i])))
		}
	}
	return b
}
