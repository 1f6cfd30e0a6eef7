package losses

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/iPhoenixNez/autocast/internal/forecast"
	"github.com/iPhoenixNez/autocast/models"
)

// singleBatch builds a one-example batch with every day valid.
func singleBatch(cat models.Category, days int, targets [][]float64, trueLabel float64) *models.Batch {
	b := &models.Batch{
		X:          [][][]float64{make([][]float64, days)},
		Mask:       [][]bool{make([]bool, days)},
		Targets:    [][][]float64{make([][]float64, days)},
		TrueLabels: []float64{trueLabel},
		Categories: []models.Category{cat},
		SeqEnds:    []int{days - 1},
	}
	for d := 0; d < days; d++ {
		b.X[0][d] = make([]float64, 4)
		b.Mask[0][d] = true
		row := make([]float64, models.MaxChoiceLen)
		for j := range row {
			row[j] = -1
		}
		copy(row, targets[d])
		b.Targets[0][d] = row
	}
	return b
}

func scoresOf(rows [][]float64) *mat.Dense {
	r := len(rows)
	c := len(rows[0])
	m := mat.NewDense(r, c, nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m
}

func TestBinaryLossKnownValue(t *testing.T) {
	b := singleBatch(models.BinaryTF, 1, [][]float64{{0.6}}, 1)
	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{{0, 0}})}}

	res := Compute(b, fwd)

	// uniform logits: both log-probs are -ln 2, soft target weights sum to 1
	want := math.Ln2
	if math.Abs(res.LossTF-want) > 1e-12 {
		t.Errorf("LossTF = %v, want ln 2 = %v", res.LossTF, want)
	}
	if res.LossMC != 0 || res.LossRe != 0 {
		t.Errorf("absent categories contributed loss: mc=%v re=%v", res.LossMC, res.LossRe)
	}
	if math.Abs(res.Total-want) > 1e-12 {
		t.Errorf("Total = %v, want %v", res.Total, want)
	}
	if res.SizeTF != 1 || res.SizeMC != 0 || res.SizeRe != 0 {
		t.Errorf("sizes = %d/%d/%d, want 1/0/0", res.SizeTF, res.SizeMC, res.SizeRe)
	}
}

func TestBinaryGradient(t *testing.T) {
	b := singleBatch(models.BinaryTF, 1, [][]float64{{1}}, 1)
	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{{0, 0}})}}

	res := Compute(b, fwd)

	// p = [0.5, 0.5], y = [1, 0]: gradient pushes logit 0 up, logit 1 down
	if got := res.DScores[0].At(0, 0); math.Abs(got-(-0.5)) > 1e-12 {
		t.Errorf("dScore[0][0] = %v, want -0.5", got)
	}
	if got := res.DScores[0].At(0, 1); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("dScore[0][1] = %v, want 0.5", got)
	}
}

func TestMultiChoiceLossIgnoresPaddedSlots(t *testing.T) {
	b := singleBatch(models.MultiChoice, 1, [][]float64{{0.25, 0.5, 0.25}}, 1)
	row := make([]float64, models.MaxChoiceLen)
	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{row})}}

	res := Compute(b, fwd)

	// -sum(y * logsoftmax) over 12 uniform logits, scaled by the MC norm
	want := math.Log(12) / mcNorm
	if math.Abs(res.LossMC-want) > 1e-12 {
		t.Errorf("LossMC = %v, want %v", res.LossMC, want)
	}

	// padded slots carry y=0 but still receive sumY*p mass in the gradient
	dsc := res.DScores[0]
	for c := 3; c < models.MaxChoiceLen; c++ {
		if got := dsc.At(0, c); got <= 0 {
			t.Errorf("dScore[0][%d] = %v, want positive pressure down on unused slots", c, got)
		}
	}
	// the heaviest target slot gets the strongest upward pull
	if dsc.At(0, 1) >= dsc.At(0, 0) {
		t.Errorf("dScore slot 1 (%v) should be below slot 0 (%v)", dsc.At(0, 1), dsc.At(0, 0))
	}
}

func TestRegressionLossKnownValue(t *testing.T) {
	b := singleBatch(models.Regression, 1, [][]float64{{0.5}}, 0.5)
	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{{0.3}})}}

	res := Compute(b, fwd)

	want := 0.04 / reNorm
	if math.Abs(res.LossRe-want) > 1e-12 {
		t.Errorf("LossRe = %v, want %v", res.LossRe, want)
	}
	if got := res.DScores[0].At(0, 0); math.Abs(got-2*(-0.2)/reNorm) > 1e-12 {
		t.Errorf("dScore = %v, want %v", got, 2*(-0.2)/reNorm)
	}
}

func TestMaskedDaysContributeNothing(t *testing.T) {
	b := singleBatch(models.BinaryTF, 2, [][]float64{{1}, {1}}, 1)
	b.Mask[0][1] = false
	b.SeqEnds[0] = 0

	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{{0, 0}, {500, -500}})}}
	res := Compute(b, fwd)

	if math.Abs(res.LossTF-math.Ln2) > 1e-12 {
		t.Errorf("masked day leaked into loss: %v, want %v", res.LossTF, math.Ln2)
	}
	if got := res.DScores[0].At(1, 0); got != 0 {
		t.Errorf("masked day gradient = %v, want 0", got)
	}
}

func TestMixedBatchNormalization(t *testing.T) {
	tf := singleBatch(models.BinaryTF, 1, [][]float64{{1}}, 1)
	re := singleBatch(models.Regression, 1, [][]float64{{0.5}}, 0.5)

	mixed := &models.Batch{
		X:          [][][]float64{tf.X[0], re.X[0]},
		Mask:       [][]bool{tf.Mask[0], re.Mask[0]},
		Targets:    [][][]float64{tf.Targets[0], re.Targets[0]},
		TrueLabels: []float64{1, 0.5},
		Categories: []models.Category{models.BinaryTF, models.Regression},
		SeqEnds:    []int{0, 0},
	}
	fwd := &forecast.Forward{Scores: []*mat.Dense{
		scoresOf([][]float64{{0, 0}}),
		scoresOf([][]float64{{0.3}}),
	}}

	res := Compute(mixed, fwd)

	// one example per category: each divides by its own category count of 1
	if math.Abs(res.LossTF-math.Ln2) > 1e-12 {
		t.Errorf("LossTF = %v, want %v", res.LossTF, math.Ln2)
	}
	if math.Abs(res.LossRe-0.04/reNorm) > 1e-12 {
		t.Errorf("LossRe = %v, want %v", res.LossRe, 0.04/reNorm)
	}
	if math.Abs(res.Total-(res.LossTF+res.LossMC+res.LossRe)) > 1e-12 {
		t.Errorf("Total = %v, want sum of parts", res.Total)
	}
}

func TestMetricsBinary(t *testing.T) {
	b := singleBatch(models.BinaryTF, 2, [][]float64{{0.2}, {0.8}}, 1)
	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{{0, 1}, {3, 0}})}}

	res := Compute(b, fwd)
	m := res.Metrics

	// final day logits favor index 0, so the model predicts 1 and matches
	if len(m.EMTF) != 1 || m.EMTF[0] != 1 {
		t.Errorf("EMTF = %v, want [1]", m.EMTF)
	}
	// final day crowd 0.8 > 0.5 also predicts 1
	if len(m.CrowdEMTF) != 1 || m.CrowdEMTF[0] != 1 {
		t.Errorf("CrowdEMTF = %v, want [1]", m.CrowdEMTF)
	}
	if len(m.PredsTF) != 1 || m.PredsTF[0] != 1 {
		t.Errorf("PredsTF = %v, want [1]", m.PredsTF)
	}
}

func TestMetricsMultiChoice(t *testing.T) {
	b := singleBatch(models.MultiChoice, 1, [][]float64{{0.2, 0.7, 0.1}}, 2)
	row := make([]float64, models.MaxChoiceLen)
	row[2] = 5
	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{row})}}

	res := Compute(b, fwd)
	m := res.Metrics

	if len(m.EMMC) != 1 || m.EMMC[0] != 1 {
		t.Errorf("EMMC = %v, want [1]: model argmax is the true index", m.EMMC)
	}
	// crowd argmax is slot 1, not the true 2
	if len(m.CrowdEMMC) != 1 || m.CrowdEMMC[0] != 0 {
		t.Errorf("CrowdEMMC = %v, want [0]", m.CrowdEMMC)
	}
	if len(m.PredsMC) != 1 || m.PredsMC[0] != 2 {
		t.Errorf("PredsMC = %v, want [2]", m.PredsMC)
	}
}

func TestMetricsRegressionDistance(t *testing.T) {
	b := singleBatch(models.Regression, 1, [][]float64{{0.6}}, 0.5)
	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{{0.8}})}}

	res := Compute(b, fwd)
	m := res.Metrics

	if len(m.EMRe) != 1 || math.Abs(m.EMRe[0]-(-0.3)) > 1e-12 {
		t.Errorf("EMRe = %v, want [-0.3]", m.EMRe)
	}
	if math.Abs(m.CrowdEMRe[0]-(-0.1)) > 1e-12 {
		t.Errorf("CrowdEMRe = %v, want [-0.1]", m.CrowdEMRe)
	}
}

func TestRawScoresTruncatedToValidDays(t *testing.T) {
	b := singleBatch(models.BinaryTF, 3, [][]float64{{1}, {1}, {1}}, 1)
	b.Mask[0][2] = false
	b.SeqEnds[0] = 1

	fwd := &forecast.Forward{Scores: []*mat.Dense{scoresOf([][]float64{{1, 0}, {2, 0}, {9, 9}})}}
	res := Compute(b, fwd)

	raw := res.Metrics.RawScores[0]
	if len(raw) != 2 {
		t.Fatalf("raw scores kept %d days, want 2", len(raw))
	}
	if raw[1][0] != 2 {
		t.Errorf("raw[1][0] = %v, want 2", raw[1][0])
	}
}
