package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iPhoenixNez/autocast/models"
)

const sampleData = `[
  {
    "question_id": "q0",
    "question": "Will it rain tomorrow?",
    "answers": ["yes"],
    "question_expiry": "2022-06-01",
    "choices": ["yes", "no"],
    "targets": [
      {"date": 0, "target": "0.35", "ctxs": [{"id": "d1", "title": "t", "text": "x", "score": "1.2"}]},
      {"date": 1, "target": "0.60", "ctxs": []}
    ]
  },
  {
    "question_id": "q1",
    "question": "Which team wins?",
    "answers": ["B"],
    "question_expiry": "2022-07-01",
    "choices": ["red", "green", "blue"],
    "targets": [
      {"date": 0, "target": ["1", "2", "1"], "ctxs": []}
    ]
  },
  {
    "question_id": "q2",
    "question": "What fraction?",
    "answers": ["0.4"],
    "question_expiry": "2022-08-01",
    "choices": {"min": "0", "max": "1"},
    "targets": [
      {"date": 0, "target": 0.5, "ctxs": []}
    ]
  },
  {"question_id": "q3", "question": "x", "answers": ["no"], "question_expiry": "", "choices": ["yes","no"], "targets": []},
  {"question_id": "q4", "question": "x", "answers": ["yes"], "question_expiry": "", "choices": ["yes","no"], "targets": []}
]`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	if err := os.WriteFile(path, []byte(sampleData), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAll(t *testing.T) {
	recs, err := Load(writeSample(t), 0, 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}

	q0 := recs[0]
	if q0.QuestionID != "q0" {
		t.Errorf("QuestionID = %q, want q0", q0.QuestionID)
	}
	if q0.Targets[0].Target.Scalar != 0.35 {
		t.Errorf("string-encoded scalar target = %v, want 0.35", q0.Targets[0].Target.Scalar)
	}
	if q0.Targets[0].Ctxs[0].ScoreValue() != 1.2 {
		t.Errorf("doc score = %v, want 1.2", q0.Targets[0].Ctxs[0].ScoreValue())
	}

	q1 := recs[1]
	if !q1.Targets[0].Target.IsVector {
		t.Fatal("q1 day target should be a vector")
	}
	if got := q1.Targets[0].Target.Vector; len(got) != 3 || got[1] != 2 {
		t.Errorf("vector target = %v, want [1 2 1]", got)
	}

	q2 := recs[2]
	if !q2.Choices.IsMapping() {
		t.Error("q2 choices should be a mapping")
	}
	if q2.Targets[0].Target.Scalar != 0.5 {
		t.Errorf("numeric scalar target = %v, want 0.5", q2.Targets[0].Target.Scalar)
	}
}

func TestLoadShards(t *testing.T) {
	path := writeSample(t)

	rank0, err := Load(path, 0, 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rank1, err := Load(path, 1, 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(rank0) != 3 || len(rank1) != 2 {
		t.Fatalf("shard sizes = %d/%d, want 3/2", len(rank0), len(rank1))
	}
	if rank0[0].QuestionID != "q0" || rank0[1].QuestionID != "q2" || rank0[2].QuestionID != "q4" {
		t.Errorf("rank 0 shard = %v", ids(rank0))
	}
	if rank1[0].QuestionID != "q1" || rank1[1].QuestionID != "q3" {
		t.Errorf("rank 1 shard = %v", ids(rank1))
	}
}

func TestLoadNegativeRankKeepsAll(t *testing.T) {
	recs, err := Load(writeSample(t), -1, 4)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("got %d records, want all 5", len(recs))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json"), 0, 1); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, 0, 1); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestFilterHasContext(t *testing.T) {
	recs, err := Load(writeSample(t), 0, 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	kept := FilterHasContext(recs)
	if len(kept) != 1 || kept[0].QuestionID != "q0" {
		t.Errorf("kept = %v, want [q0]", ids(kept))
	}
}

func ids(recs []models.QuestionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.QuestionID
	}
	return out
}
