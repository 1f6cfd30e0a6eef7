// Package encode turns day sub-examples into fixed-size hidden vectors via a
// shared encoder model.
package encode

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/models"
)

// Mode selects whether gradients may flow through the encoder.
type Mode string

const (
	Train Mode = "train"
	Eval  Mode = "eval"
)

// microBatchSize bounds how many sub-examples go through the encoder at
// once; sequential order is preserved across micro-batches.
const microBatchSize = 16

// Trainable is an encoder that supports backpropagation through Encode.
type Trainable interface {
	models.Encoder
	Backward(subs []models.SubExample, dOut [][]float64)
	Params() []*nn.Param
}

// Adapter runs a shared encoder over per-day sub-examples. Each call toggles
// the encoder's train/eval mode as a side effect, so callers must not assume
// the mode persists between interleaved calls.
type Adapter struct {
	enc      models.Encoder
	finetune bool
	logger   zerolog.Logger
}

// NewAdapter wraps enc. Gradient flow through the encoder happens only when
// finetune is set and the encoder supports it.
func NewAdapter(enc models.Encoder, finetune bool) *Adapter {
	return &Adapter{
		enc:      enc,
		finetune: finetune,
		logger:   log.With().Str("component", "encoder_adapter").Logger(),
	}
}

// Encode returns one hidden vector per sub-example, in input order, plus a
// backward function for propagating gradients into the encoder. The backward
// function is nil whenever outputs are detached: in eval mode, when
// finetuning is disabled, or when the encoder is not trainable.
func (a *Adapter) Encode(ctx context.Context, subs []models.SubExample, mode Mode) ([][]float64, func(dOut [][]float64), error) {
	trainable, ok := a.enc.(Trainable)
	if mode == Train && (!a.finetune || !ok) {
		a.logger.Debug().Int("sub_examples", len(subs)).Msg("Gradient flow disabled, encoding in eval mode")
		mode = Eval
	}
	a.enc.SetTrain(mode == Train)

	outputs := make([][]float64, 0, len(subs))
	for start := 0; start < len(subs); start += microBatchSize {
		end := start + microBatchSize
		if end > len(subs) {
			end = len(subs)
		}
		vecs, err := a.enc.Encode(ctx, subs[start:end])
		if err != nil {
			return nil, nil, fmt.Errorf("encoding sub-examples [%d:%d]: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, nil, fmt.Errorf("encoder returned %d vectors for %d sub-examples", len(vecs), end-start)
		}
		outputs = append(outputs, vecs...)
	}

	if mode != Train {
		return outputs, nil, nil
	}
	back := func(dOut [][]float64) {
		trainable.Backward(subs, dOut)
	}
	return outputs, back, nil
}
