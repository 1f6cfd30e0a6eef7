package models

import "context"

// Encoder produces one fixed-size hidden vector per day sub-example. Encode
// preserves input order. SetTrain toggles the encoder's train/eval mode and
// is a shared side effect: callers must not assume the mode persists across
// interleaved calls.
type Encoder interface {
	Encode(ctx context.Context, subs []SubExample) ([][]float64, error)
	SetTrain(train bool)
}

// MetricsSink receives per-epoch scalar summaries. Implementations must not
// be load-bearing: when a sink is unavailable the trainer degrades to
// log-only reporting.
type MetricsSink interface {
	RecordScalar(runID string, epoch int, name string, value float64) error
	Close() error
}

// Reducer averages scalars across worker processes before logging. The
// single-process implementation is the identity.
type Reducer interface {
	Average(v float64) float64
}
