// Package losses computes the masked, category-routed training losses, their
// gradients with respect to the head scores, and the exact-match metrics that
// compare both the model and the crowd against the true answer.
package losses

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/iPhoenixNez/autocast/internal/forecast"
	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/models"
)

// Empirical normalization constants keeping the three loss scales comparable.
const (
	mcNorm = 1.74
	reNorm = 0.18
)

// Result carries the per-category losses, the score gradients for the
// backward pass, and the batch metrics.
type Result struct {
	LossTF float64
	LossMC float64
	LossRe float64
	Total  float64

	// valid-day counts per category; zero means the category was absent
	SizeTF int
	SizeMC int
	SizeRe int

	DScores []*mat.Dense
	Metrics BatchMetrics
}

// BatchMetrics holds per-example exact-match entries for the model and the
// crowd, the model's final-day predictions, and the raw per-day scores
// truncated to each example's valid length.
type BatchMetrics struct {
	EMTF      []float64
	CrowdEMTF []float64
	EMMC      []float64
	CrowdEMMC []float64
	EMRe      []float64
	CrowdEMRe []float64

	PredsTF []float64
	PredsMC []int
	PredsRe []float64

	RawScores [][][]float64
}

// Compute evaluates losses, gradients and metrics for one batch. Categories
// with no examples contribute exactly zero loss and empty metric slices.
func Compute(b *models.Batch, fwd *forecast.Forward) *Result {
	res := &Result{DScores: make([]*mat.Dense, b.Size())}

	var nTF, nMC, nRe int
	for _, c := range b.Categories {
		switch c {
		case models.BinaryTF:
			nTF++
		case models.MultiChoice:
			nMC++
		case models.Regression:
			nRe++
		}
	}

	for i := 0; i < b.Size(); i++ {
		scores := fwd.Scores[i]
		t, k := scores.Dims()
		dsc := mat.NewDense(t, k, nil)
		res.DScores[i] = dsc

		valid := 0.0
		for _, m := range b.Mask[i] {
			if m {
				valid++
			}
		}

		switch b.Categories[i] {
		case models.BinaryTF:
			res.SizeTF += int(valid)
			exLoss := 0.0
			for d := 0; d < t; d++ {
				if !b.Mask[i][d] {
					continue
				}
				target := b.Targets[i][d][0]
				logits := scores.RawRowView(d)
				ls := make([]float64, 2)
				nn.LogSoftmax(ls, logits)
				exLoss += -(ls[0]*target + ls[1]*(1-target))

				p := make([]float64, 2)
				nn.Softmax(p, logits)
				g := 1 / (valid * float64(nTF))
				dsc.Set(d, 0, g*(p[0]-target))
				dsc.Set(d, 1, g*(p[1]-(1-target)))
			}
			res.LossTF += exLoss / valid / float64(nTF)

		case models.MultiChoice:
			res.SizeMC += int(valid)
			exLoss := 0.0
			for d := 0; d < t; d++ {
				if !b.Mask[i][d] {
					continue
				}
				target := b.Targets[i][d]
				logits := scores.RawRowView(d)
				ls := make([]float64, k)
				nn.LogSoftmax(ls, logits)
				p := make([]float64, k)
				nn.Softmax(p, logits)

				sumY := 0.0
				for c := 0; c < k; c++ {
					if target[c] >= 0 {
						exLoss += -target[c] * ls[c]
						sumY += target[c]
					}
				}
				g := 1 / (valid * float64(nMC) * mcNorm)
				for c := 0; c < k; c++ {
					y := 0.0
					if target[c] >= 0 {
						y = target[c]
					}
					dsc.Set(d, c, g*(sumY*p[c]-y))
				}
			}
			res.LossMC += exLoss / valid / float64(nMC) / mcNorm

		case models.Regression:
			res.SizeRe += int(valid)
			exLoss := 0.0
			for d := 0; d < t; d++ {
				if !b.Mask[i][d] {
					continue
				}
				target := b.Targets[i][d][0]
				s := scores.At(d, 0)
				diff := s - target
				exLoss += diff * diff
				dsc.Set(d, 0, 2*diff/(valid*float64(nRe)*reNorm))
			}
			res.LossRe += exLoss / valid / float64(nRe) / reNorm
		}
	}

	res.Total = res.LossTF + res.LossMC + res.LossRe
	res.Metrics = computeMetrics(b, fwd)
	return res
}

// computeMetrics extracts final-day predictions for model and crowd and
// compares both to the true label.
func computeMetrics(b *models.Batch, fwd *forecast.Forward) BatchMetrics {
	var m BatchMetrics
	m.RawScores = make([][][]float64, b.Size())

	for i := 0; i < b.Size(); i++ {
		end := b.SeqEnds[i]
		scores := fwd.Scores[i]
		trueLabel := b.TrueLabels[i]

		switch b.Categories[i] {
		case models.BinaryTF:
			p := make([]float64, 2)
			nn.Softmax(p, scores.RawRowView(end))
			pred := boolToLabel(p[0] > 0.5)
			crowd := boolToLabel(b.Targets[i][end][0] > 0.5)
			m.EMTF = append(m.EMTF, match(trueLabel, pred))
			m.CrowdEMTF = append(m.CrowdEMTF, match(trueLabel, crowd))
			m.PredsTF = append(m.PredsTF, pred)

		case models.MultiChoice:
			pred := float64(argmax(scores.RawRowView(end)))
			crowd := float64(argmax(b.Targets[i][end]))
			m.EMMC = append(m.EMMC, match(trueLabel, pred))
			m.CrowdEMMC = append(m.CrowdEMMC, match(trueLabel, crowd))
			m.PredsMC = append(m.PredsMC, int(pred))

		case models.Regression:
			pred := scores.At(end, 0)
			crowd := b.Targets[i][end][0]
			m.EMRe = append(m.EMRe, -math.Abs(trueLabel-pred))
			m.CrowdEMRe = append(m.CrowdEMRe, -math.Abs(trueLabel-crowd))
			m.PredsRe = append(m.PredsRe, pred)
		}

		raw := make([][]float64, end+1)
		for d := 0; d <= end; d++ {
			row := make([]float64, scoreWidth(scores))
			copy(row, scores.RawRowView(d))
			raw[d] = row
		}
		m.RawScores[i] = raw
	}
	return m
}

func scoreWidth(s *mat.Dense) int {
	_, k := s.Dims()
	return k
}

func boolToLabel(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func match(truth, pred float64) float64 {
	if truth == pred {
		return 1
	}
	return 0
}

func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
