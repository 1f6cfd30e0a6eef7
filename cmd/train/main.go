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
	"github.com/iPhoenixNez/autocast/internal/notify"
	"github.com/iPhoenixNez/autocast/internal/train"
	"github.com/iPhoenixNez/autocast/models"
)

// Hash-encoder capacity. Kept fixed so checkpoints stay compatible across
// runs that only change training options.
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
	if cfg.TrainData == "" {
		log.Fatal().Msg("TRAIN_DATA is required")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)

	log.Info().
		Str("run_id", cfg.RunName).
		Int("rank", cfg.GlobalRank).
		Int("world_size", cfg.WorldSize).
		Bool("finetune_encoder", cfg.FinetuneEncoder).
		Msg("Starting run")

	trainRecs, err := dataset.Load(cfg.TrainData, cfg.GlobalRank, cfg.WorldSize)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.TrainData).Msg("Failed to load training data")
	}
	evalRecs, err := dataset.Load(cfg.EvalData, cfg.GlobalRank, cfg.WorldSize)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.EvalData).Msg("Failed to load evaluation data")
	}

	// Model initialization is seeded identically on every rank so workers
	// start from the same weights.
	initRng := rand.New(rand.NewSource(cfg.Seed))

	var encoder models.Encoder
	if cfg.EncoderURL != "" {
		encoder = encode.NewRemoteEncoder(cfg.EncoderURL, time.Duration(cfg.RequestTimeout)*time.Second)
		if cfg.FinetuneEncoder {
			log.Warn().Msg("FINETUNE_ENCODER has no effect with a remote encoder")
		}
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

	if cfg.DatabaseURL != "" {
		store, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to metrics database")
		}
		defer store.Close()
		trainer.Sink = store
	}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Error().Err(err).Msg("Telegram notifier unavailable, continuing without it")
		} else {
			trainer.Notifier = tg
		}
	}

	if err := trainer.Run(context.Background(), trainRecs, evalRecs); err != nil {
		log.Fatal().Err(err).Msg("Training failed")
	}
	log.Info().Str("run_id", cfg.RunName).Msg("Training complete")
}
