package encode

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/iPhoenixNez/autocast/models"
)

func hashingSub() models.SubExample {
	return models.SubExample{
		Day:      0,
		Question: "Will the price rise before June?",
		Choices:  models.Choices{Options: []string{"yes", "no"}},
		Ctxs: []models.RetrievedDocument{
			{ID: "a", Title: "Markets rally", Text: "prices climbed sharply", Score: "1.5"},
		},
	}
}

func TestHashingEncoderDeterministic(t *testing.T) {
	enc := NewHashingEncoder(1024, 16, 8, rand.New(rand.NewSource(1)))

	v1, err := enc.Encode(context.Background(), []models.SubExample{hashingSub()})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	v2, err := enc.Encode(context.Background(), []models.SubExample{hashingSub()})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(v1[0]) != 8 {
		t.Fatalf("hidden width = %d, want 8", len(v1[0]))
	}
	for j := range v1[0] {
		if v1[0][j] != v2[0][j] {
			t.Fatalf("outputs differ at %d for identical input", j)
		}
	}
}

func TestHashingEncoderBounded(t *testing.T) {
	enc := NewHashingEncoder(1024, 16, 8, rand.New(rand.NewSource(2)))
	vecs, err := enc.Encode(context.Background(), []models.SubExample{hashingSub()})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for j, v := range vecs[0] {
		if v <= -1 || v >= 1 {
			t.Errorf("output[%d] = %v, tanh output must stay inside (-1,1)", j, v)
		}
	}
}

func TestHashingEncoderEmptySubExample(t *testing.T) {
	enc := NewHashingEncoder(1024, 16, 8, rand.New(rand.NewSource(3)))
	vecs, err := enc.Encode(context.Background(), []models.SubExample{{}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for j, v := range vecs[0] {
		if math.IsNaN(v) {
			t.Fatalf("output[%d] is NaN for an empty sub-example", j)
		}
	}
}

func TestHashingEncoderBackwardNumeric(t *testing.T) {
	enc := NewHashingEncoder(256, 8, 4, rand.New(rand.NewSource(4)))
	sub := hashingSub()

	// loss = sum of outputs
	lossFn := func() float64 {
		vecs, err := enc.Encode(context.Background(), []models.SubExample{sub})
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		total := 0.0
		for _, v := range vecs[0] {
			total += v
		}
		return total
	}

	dOut := [][]float64{{1, 1, 1, 1}}
	enc.SetTrain(true)
	enc.Backward([]models.SubExample{sub}, dOut)

	h := 1e-6
	for i := 0; i < len(enc.W.Data); i += 7 {
		orig := enc.W.Data[i]
		enc.W.Data[i] = orig + h
		up := lossFn()
		enc.W.Data[i] = orig - h
		down := lossFn()
		enc.W.Data[i] = orig
		numeric := (up - down) / (2 * h)
		if math.Abs(enc.W.Grad[i]-numeric) > 1e-4 {
			t.Errorf("dW[%d] = %v, numeric %v", i, enc.W.Grad[i], numeric)
		}
	}
}

func TestHashingEncoderBackwardNoopInEval(t *testing.T) {
	enc := NewHashingEncoder(256, 8, 4, rand.New(rand.NewSource(4)))
	sub := hashingSub()

	enc.SetTrain(false)
	enc.Backward([]models.SubExample{sub}, [][]float64{{1, 1, 1, 1}})
	for _, p := range enc.Params() {
		for i, g := range p.Grad {
			if g != 0 {
				t.Fatalf("%s grad[%d] = %v after eval-mode backward, want 0", p.Name, i, g)
			}
		}
	}
}

func TestHashingEncoderDocumentWeighting(t *testing.T) {
	enc := NewHashingEncoder(1024, 16, 8, rand.New(rand.NewSource(5)))

	low := hashingSub()
	low.Ctxs[0].Score = "0.1"
	high := hashingSub()
	high.Ctxs[0].Score = "10"

	vl, _ := enc.Encode(context.Background(), []models.SubExample{low})
	vh, _ := enc.Encode(context.Background(), []models.SubExample{high})

	same := true
	for j := range vl[0] {
		if vl[0][j] != vh[0][j] {
			same = false
			break
		}
	}
	if same {
		t.Error("retrieval score had no effect on the pooled representation")
	}
}
