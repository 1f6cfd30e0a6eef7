// Package transform converts raw question records into per-day encoder
// sub-examples and padded target rows.
package transform

import (
	"fmt"
	"strconv"

	"github.com/iPhoenixNez/autocast/models"
)

// str2bool maps the dataset's binary answer strings to labels.
var str2bool = map[string]float64{
	"yes": 1, "Yes": 1,
	"no": 0, "No": 0,
}

// Result is one transformed example: a per-day sequence of encoder
// sub-examples and the matching target rows, padded to models.MaxChoiceLen
// with -1.
type Result struct {
	Subs      []models.SubExample
	Targets   [][]float64
	TrueLabel float64
	Category  models.Category
}

// Categorize determines the task category from the record's choice set and
// answer shape. It is a pure function: mapping-typed choices always mean
// regression, and re-running it on the same record gives the same result.
func Categorize(rec *models.QuestionRecord) models.Category {
	if rec.Choices.IsMapping() {
		return models.Regression
	}
	opts := rec.Choices.Options
	if len(opts) >= 2 {
		_, first := str2bool[opts[0]]
		_, second := str2bool[opts[1]]
		if (!first && !second) || len(opts) > 2 {
			return models.MultiChoice
		}
	}
	if len(rec.Targets) > 0 && rec.Targets[0].Target.IsVector {
		return models.MultiChoice
	}
	return models.BinaryTF
}

// TrueLabel resolves the record's final answer to a scalar label for the
// given category: 0/1 for binary, the choice index for multi-choice, the
// numeric value for regression.
func TrueLabel(rec *models.QuestionRecord, cat models.Category) (float64, error) {
	if len(rec.Answers) == 0 {
		return 0, fmt.Errorf("record %s has no answer", rec.QuestionID)
	}
	ans := rec.Answers[0]
	switch cat {
	case models.BinaryTF:
		v, ok := str2bool[ans]
		if !ok {
			return 0, fmt.Errorf("record %s: binary answer %q is not yes/no", rec.QuestionID, ans)
		}
		return v, nil
	case models.MultiChoice:
		if len(ans) == 0 {
			return 0, fmt.Errorf("record %s: empty choice answer", rec.QuestionID)
		}
		return float64(ans[0] - 'A'), nil
	case models.Regression:
		v, err := strconv.ParseFloat(ans, 64)
		if err != nil {
			return 0, fmt.Errorf("record %s: regression answer %q: %w", rec.QuestionID, ans, err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("record %s: unknown category %v", rec.QuestionID, cat)
}

// Transform builds the per-day sub-examples and targets for one record.
// Days without documents are skipped; when no day has any, a single fallback
// day is synthesized with an indicator target on the true answer. Both
// sequences keep only the most recent maxSeqLen days and each day keeps at
// most nContext documents (0 means unlimited). When adjust is set, crowd
// targets are blended halfway toward the true answer.
func Transform(rec *models.QuestionRecord, adjust bool, maxSeqLen, nContext int) (*Result, error) {
	cat := Categorize(rec)
	trueLabel, err := TrueLabel(rec, cat)
	if err != nil {
		return nil, err
	}
	if len(rec.Targets) == 0 {
		return nil, fmt.Errorf("record %s has no day snapshots", rec.QuestionID)
	}

	choiceLen := len(rec.Choices.Options)
	if choiceLen > models.MaxChoiceLen {
		choiceLen = models.MaxChoiceLen
	}

	var subs []models.SubExample
	var targets [][]float64

	for i, day := range rec.Targets {
		if len(day.Ctxs) == 0 {
			continue
		}
		switch cat {
		case models.BinaryTF, models.Regression:
			t := day.Target.Scalar
			if adjust {
				t = (t + trueLabel) / 2
			}
			targets = append(targets, []float64{t})
		case models.MultiChoice:
			targets = append(targets, normalizedChoices(day.Target, choiceLen, adjust, int(trueLabel)))
		}
		subs = append(subs, subExample(rec, i, nContext))
	}

	if len(subs) == 0 {
		// No day has documents: synthesize one fallback snapshot from the
		// question itself, targeting the true answer directly.
		switch cat {
		case models.BinaryTF, models.Regression:
			targets = append(targets, []float64{trueLabel})
		case models.MultiChoice:
			row := make([]float64, choiceLen)
			idx := int(trueLabel)
			if idx >= 0 && idx < choiceLen {
				row[idx] = 1
			}
			targets = append(targets, row)
		}
		subs = append(subs, subExample(rec, 0, nContext))
	}

	if len(targets) != len(subs) {
		panic(fmt.Sprintf("transform: %d target rows vs %d sub-examples for record %s",
			len(targets), len(subs), rec.QuestionID))
	}

	if maxSeqLen > 0 && len(subs) > maxSeqLen {
		subs = subs[len(subs)-maxSeqLen:]
		targets = targets[len(targets)-maxSeqLen:]
	}

	padded := make([][]float64, len(targets))
	for i, row := range targets {
		p := make([]float64, models.MaxChoiceLen)
		for j := range p {
			p[j] = -1
		}
		copy(p, row)
		padded[i] = p
	}

	return &Result{Subs: subs, Targets: padded, TrueLabel: trueLabel, Category: cat}, nil
}

// normalizedChoices scales the day's raw per-choice scores to sum to one
// over the first choiceLen slots, optionally blending toward the true choice.
func normalizedChoices(t models.CrowdTarget, choiceLen int, adjust bool, trueIdx int) []float64 {
	raw := t.Vector
	if len(raw) > choiceLen {
		raw = raw[:choiceLen]
	}
	total := 0.0
	for _, v := range raw {
		total += v
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if total != 0 {
			out[i] = v / total
		}
	}
	if adjust {
		for i := range out {
			if i == trueIdx {
				out[i] = (out[i] + 1) / 2
			} else {
				out[i] = out[i] / 2
			}
		}
	}
	return out
}

func subExample(rec *models.QuestionRecord, dayIdx, nContext int) models.SubExample {
	ctxs := rec.Targets[dayIdx].Ctxs
	if nContext > 0 && len(ctxs) > nContext {
		ctxs = ctxs[:nContext]
	}
	return models.SubExample{
		Day:      dayIdx,
		Question: rec.Question,
		Answers:  rec.Answers,
		Choices:  rec.Choices,
		Ctxs:     ctxs,
	}
}
