package train

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink records metrics as log lines when no database is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "metrics").Logger()}
}

func (s *LogSink) RecordScalar(runID string, epoch int, name string, value float64) error {
	s.logger.Info().
		Str("run_id", runID).
		Int("epoch", epoch).
		Str("name", name).
		Float64("value", value).
		Msg("Metric")
	return nil
}

func (s *LogSink) Close() error { return nil }

// SingleProcess is the reducer for non-distributed runs.
type SingleProcess struct{}

func (SingleProcess) Average(v float64) float64 { return v }
