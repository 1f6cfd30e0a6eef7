package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MaxChoiceLen is the number of per-day target slots every example is padded
// to. Multi-choice questions with more options are truncated.
const MaxChoiceLen = 12

// Category identifies which loss/head/metric path an example uses.
type Category int

const (
	BinaryTF Category = iota
	MultiChoice
	Regression
)

func (c Category) String() string {
	switch c {
	case BinaryTF:
		return "tf"
	case MultiChoice:
		return "mc"
	case Regression:
		return "re"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Config holds all training options. Values come from the environment; see
// the config package for variable names and defaults.
type Config struct {
	TrainData     string
	EvalData      string
	CheckpointDir string
	RunName       string

	PerGPUBatchSize   int
	AccumulationSteps int
	Clip              float64
	Epochs            int
	MaxSeqLen         int
	AdjustTargets     bool
	FinetuneEncoder   bool
	Seed              int64

	LearningRate float64
	WarmupSteps  int
	TotalSteps   int

	GlobalRank int
	WorldSize  int

	EncoderHidden    int
	ForecasterHidden int
	NumLayers        int
	NumHeads         int
	NContext         int

	EncoderURL     string
	DatabaseURL    string
	TelegramToken  string
	TelegramChatID int64
	LogLevel       string
	RequestTimeout int // seconds
}

// IsMain reports whether this process is the primary rank.
func (c *Config) IsMain() bool { return c.GlobalRank == 0 }

// IsDistributed reports whether more than one worker splits the dataset.
func (c *Config) IsDistributed() bool { return c.WorldSize > 1 }

// RetrievedDocument is one news article gathered for a question on some day.
// Scores arrive string-encoded in the dataset files.
type RetrievedDocument struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Score string `json:"score"`
}

// ScoreValue parses the retrieval score, 0 when absent or malformed.
func (d RetrievedDocument) ScoreValue() float64 {
	v, err := strconv.ParseFloat(d.Score, 64)
	if err != nil {
		return 0
	}
	return v
}

// Choices is the union of the two choice encodings in the dataset: a list of
// option strings for binary/multi-choice questions, or a mapping (value
// bounds) for regression questions.
type Choices struct {
	Options []string
	Bounds  map[string]string
}

// IsMapping reports whether the choices were a mapping, which marks a
// regression question.
func (c Choices) IsMapping() bool { return c.Bounds != nil }

func (c *Choices) UnmarshalJSON(b []byte) error {
	var opts []string
	if err := json.Unmarshal(b, &opts); err == nil {
		c.Options = opts
		return nil
	}
	var bounds map[string]string
	if err := json.Unmarshal(b, &bounds); err == nil {
		c.Bounds = bounds
		return nil
	}
	return fmt.Errorf("choices: neither a list nor a mapping: %s", string(b))
}

func (c Choices) MarshalJSON() ([]byte, error) {
	if c.Bounds != nil {
		return json.Marshal(c.Bounds)
	}
	return json.Marshal(c.Options)
}

// CrowdTarget is one day's aggregated human forecast: a scalar for binary
// and regression questions, a per-choice score vector for multi-choice.
// The dataset stores both variants string-encoded.
type CrowdTarget struct {
	Scalar   float64
	Vector   []float64
	IsVector bool
}

func (t *CrowdTarget) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case []interface{}:
		t.IsVector = true
		t.Vector = make([]float64, 0, len(v))
		for _, item := range v {
			f, err := toFloat(item)
			if err != nil {
				return fmt.Errorf("crowd target vector: %w", err)
			}
			t.Vector = append(t.Vector, f)
		}
		return nil
	default:
		f, err := toFloat(raw)
		if err != nil {
			return fmt.Errorf("crowd target: %w", err)
		}
		t.Scalar = f
		return nil
	}
}

func (t CrowdTarget) MarshalJSON() ([]byte, error) {
	if t.IsVector {
		return json.Marshal(t.Vector)
	}
	return json.Marshal(t.Scalar)
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("unsupported value %v (%T)", v, v)
}

// DaySnapshot is one elapsed day of a question: the crowd forecast that day
// plus the news articles retrieved for it.
type DaySnapshot struct {
	Date   int                 `json:"date"`
	Target CrowdTarget         `json:"target"`
	Ctxs   []RetrievedDocument `json:"ctxs"`
}

// QuestionRecord is one forecasting question with its full daily history,
// loaded once from the dataset file and never mutated.
type QuestionRecord struct {
	QuestionID     string        `json:"question_id"`
	Question       string        `json:"question"`
	Answers        []string      `json:"answers"`
	QuestionExpiry string        `json:"question_expiry"`
	Choices        Choices       `json:"choices"`
	Targets        []DaySnapshot `json:"targets"`
}

// SubExample is one day's encoder input: the question, its answer choices and
// the documents retrieved that day.
type SubExample struct {
	Day      int
	Question string
	Answers  []string
	Choices  Choices
	Ctxs     []RetrievedDocument
}

// EncodedExample pairs one example's per-day hidden vectors with its padded
// target rows. Rebuilt every step because the hidden vectors depend on the
// encoder's current weights when finetuning is enabled.
type EncodedExample struct {
	Hidden    [][]float64
	Targets   [][]float64
	TrueLabel float64
	Category  Category
}

// Batch is the collator output consumed by the forecaster.
//
// X is [batch][maxDays][hidden] zero-padded on the day axis. Targets is
// [batch][maxDays][MaxChoiceLen]; -1 marks an unused choice slot within a
// valid day, -2 marks a day beyond the example's sequence length. Mask is
// true for day indices below the example's original length, and SeqEnds
// holds the index of each example's last valid day.
type Batch struct {
	X          [][][]float64
	Mask       [][]bool
	Targets    [][][]float64
	TrueLabels []float64
	Categories []Category
	SeqEnds    []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.X) }

// Days returns the padded day-axis length.
func (b *Batch) Days() int {
	if len(b.X) == 0 {
		return 0
	}
	return len(b.X[0])
}
