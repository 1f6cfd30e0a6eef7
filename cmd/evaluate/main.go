// Command evaluate restores a saved checkpoint and runs a single evaluation
// pass over EVAL_DATA, writing the raw scores next to the checkpoint.
package main

import (
	"context"
	"math/rand"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iPhoenixNez/autocast/config"
	"github.com/iPhoenixNez/autocast/internal/database"
	"github.com/iPhoenixNez/autocast/internal/dataset"
	"github.com/iPhoenixNez/autocast/internal/encode"
	"github.com/iPhoenixNez/autocast/internal/forecast"
	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/internal/train"
	"github.com/iPhoenixNez/autocast/models"
)

const (
	hashBuckets = 1 << 16
	hashEmbDim  = 64
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if cfg.RunName == "" {
		log.Fatal().Msg("RUN_NAME is required to locate the checkpoint")
	}
	tag := os.Getenv("CHECKPOINT_TAG")
	if tag == "" {
		tag = "best_dev"
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)

	evalRecs, err := dataset.Load(cfg.EvalData, cfg.GlobalRank, cfg.WorldSize)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.EvalData).Msg("Failed to load evaluation data")
	}

	initRng := rand.New(rand.NewSource(cfg.Seed))

	var encoder models.Encoder
	if cfg.EncoderURL != "" {
		encoder = encode.NewRemoteEncoder(cfg.EncoderURL, time.Duration(cfg.RequestTimeout)*time.Second)
	} else {
		encoder = encode.NewHashingEncoder(hashBuckets, hashEmbDim, cfg.EncoderHidden, initRng)
	}
	adapter := encode.NewAdapter(encoder, cfg.FinetuneEncoder)

	forecaster := forecast.New(cfg.EncoderHidden, cfg.ForecasterHidden, cfg.NumLayers, cfg.NumHeads, initRng)

	params := forecaster.Params()
	if trainable, ok := encoder.(encode.Trainable); ok && cfg.FinetuneEncoder {
		params = append(params, trainable.Params()...)
	}
	optimizer := nn.NewAdam(params)
	scheduler := &nn.WarmupLinear{Base: cfg.LearningRate, Warmup: cfg.WarmupSteps, Total: cfg.TotalSteps}

	trainer := train.New(cfg, adapter, forecaster, optimizer, scheduler)
	if err := trainer.Restore(tag); err != nil {
		log.Fatal().Err(err).Str("tag", tag).Msg("Failed to restore checkpoint")
	}

	devEM, devLoss, crowdEM, err := trainer.Evaluate(context.Background(), evalRecs, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Evaluation failed")
	}
	log.Info().
		Str("tag", tag).
		Float64("dev_em", devEM).
		Float64("dev_loss", devLoss).
		Float64("crowd_em", crowdEM).
		Msg("Evaluation complete")

	if cfg.DatabaseURL != "" {
		store, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to metrics store, skipping run comparison")
			return
		}
		defer store.Close()
		best, ok, err := store.BestDevEM(cfg.RunName)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to query recorded best dev exact-match")
		} else if ok {
			log.Info().
				Float64("recorded_best", best).
				Float64("delta", devEM-best).
				Msg("Compared against the run's recorded best")
		}
	}
}
