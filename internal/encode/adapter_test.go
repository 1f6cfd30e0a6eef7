package encode

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/models"
)

// fakeEncoder records the micro-batch sizes it saw and emits vectors encoding
// each sub-example's day, so ordering is checkable end to end.
type fakeEncoder struct {
	hidden     int
	batchSizes []int
	trainCalls []bool
	backCalls  int
}

func (f *fakeEncoder) Encode(_ context.Context, subs []models.SubExample) ([][]float64, error) {
	f.batchSizes = append(f.batchSizes, len(subs))
	out := make([][]float64, len(subs))
	for i, s := range subs {
		vec := make([]float64, f.hidden)
		vec[0] = float64(s.Day)
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEncoder) SetTrain(train bool) { f.trainCalls = append(f.trainCalls, train) }

func (f *fakeEncoder) Backward(subs []models.SubExample, dOut [][]float64) { f.backCalls++ }

func (f *fakeEncoder) Params() []*nn.Param { return nil }

func subsOfDays(n int) []models.SubExample {
	subs := make([]models.SubExample, n)
	for i := range subs {
		subs[i].Day = i
	}
	return subs
}

func TestEncodeMicroBatchesPreserveOrder(t *testing.T) {
	fake := &fakeEncoder{hidden: 4}
	a := NewAdapter(fake, true)

	vecs, back, err := a.Encode(context.Background(), subsOfDays(37), Train)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if back == nil {
		t.Fatal("expected a backward function for a trainable encoder in train mode")
	}
	if len(vecs) != 37 {
		t.Fatalf("got %d vectors, want 37", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float64(i) {
			t.Fatalf("vector %d carries day %v, order not preserved", i, v[0])
		}
	}

	wantBatches := []int{16, 16, 5}
	if len(fake.batchSizes) != len(wantBatches) {
		t.Fatalf("encoder saw %d micro-batches %v, want %v", len(fake.batchSizes), fake.batchSizes, wantBatches)
	}
	for i, want := range wantBatches {
		if fake.batchSizes[i] != want {
			t.Errorf("micro-batch %d size = %d, want %d", i, fake.batchSizes[i], want)
		}
	}
}

func TestEncodeDetachedWhenFinetuneDisabled(t *testing.T) {
	fake := &fakeEncoder{hidden: 2}
	a := NewAdapter(fake, false)

	_, back, err := a.Encode(context.Background(), subsOfDays(3), Train)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if back != nil {
		t.Error("expected nil backward function when finetuning is disabled")
	}
	if len(fake.trainCalls) != 1 || fake.trainCalls[0] {
		t.Errorf("SetTrain calls = %v, want a single false", fake.trainCalls)
	}
}

func TestEncodeLogsModeDowngrade(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer func() { log.Logger = prev }()

	fake := &fakeEncoder{hidden: 2}
	a := NewAdapter(fake, false)

	if _, _, err := a.Encode(context.Background(), subsOfDays(3), Train); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(buf.String(), "Gradient flow disabled") {
		t.Errorf("log output = %q, want the eval downgrade message", buf.String())
	}

	buf.Reset()
	if _, _, err := a.Encode(context.Background(), subsOfDays(3), Eval); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log output in eval mode: %q", buf.String())
	}
}

func TestEncodeDetachedInEvalMode(t *testing.T) {
	fake := &fakeEncoder{hidden: 2}
	a := NewAdapter(fake, true)

	_, back, err := a.Encode(context.Background(), subsOfDays(3), Eval)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if back != nil {
		t.Error("expected nil backward function in eval mode")
	}
}

func TestEncodeBackwardReachesEncoder(t *testing.T) {
	fake := &fakeEncoder{hidden: 2}
	a := NewAdapter(fake, true)

	_, back, err := a.Encode(context.Background(), subsOfDays(2), Train)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	back([][]float64{{1, 0}, {0, 1}})
	if fake.backCalls != 1 {
		t.Errorf("encoder Backward called %d times, want 1", fake.backCalls)
	}
	if len(fake.trainCalls) != 1 || !fake.trainCalls[0] {
		t.Errorf("SetTrain calls = %v, want a single true", fake.trainCalls)
	}
}

// erringEncoder fails on the second micro-batch.
type erringEncoder struct {
	fakeEncoder
	calls int
}

func (e *erringEncoder) Encode(ctx context.Context, subs []models.SubExample) ([][]float64, error) {
	e.calls++
	if e.calls > 1 {
		return nil, fmt.Errorf("boom")
	}
	return e.fakeEncoder.Encode(ctx, subs)
}

func TestEncodeWrapsEncoderError(t *testing.T) {
	enc := &erringEncoder{fakeEncoder: fakeEncoder{hidden: 2}}
	a := NewAdapter(enc, false)

	_, _, err := a.Encode(context.Background(), subsOfDays(20), Eval)
	if err == nil {
		t.Fatal("expected error from failing micro-batch")
	}
}
