// Package dataset loads question records from the forecasting data files.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/iPhoenixNez/autocast/models"
)

// Load reads a dataset file and keeps only the records assigned to this
// worker: record k belongs to rank k mod worldSize. A rank below zero keeps
// everything.
func Load(path string, globalRank, worldSize int) ([]models.QuestionRecord, error) {
	logger := log.With().Str("component", "dataset").Logger()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}

	var all []models.QuestionRecord
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", path, err)
	}

	if globalRank < 0 || worldSize <= 1 {
		logger.Info().Str("path", path).Int("records", len(all)).Msg("Loaded dataset")
		return all, nil
	}

	var mine []models.QuestionRecord
	for k, rec := range all {
		if k%worldSize == globalRank {
			mine = append(mine, rec)
		}
	}
	logger.Info().
		Str("path", path).
		Int("records", len(mine)).
		Int("total", len(all)).
		Int("rank", globalRank).
		Msg("Loaded dataset shard")
	return mine, nil
}

// FilterHasContext drops records in which no day has any retrieved document.
// Such records are otherwise handled by the transformer's fallback snapshot.
func FilterHasContext(recs []models.QuestionRecord) []models.QuestionRecord {
	var out []models.QuestionRecord
	for _, rec := range recs {
		for _, day := range rec.Targets {
			if len(day.Ctxs) > 0 {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}
