// Package config loads the run configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/iPhoenixNez/autocast/models"
)

// Load reads all training options from the environment, applying defaults
// for anything unset. TRAIN_DATA and EVAL_DATA are required. An empty
// RUN_NAME gets a fresh UUID so concurrent runs never share a directory.
func Load() (*models.Config, error) {
	cfg := &models.Config{
		CheckpointDir:     "checkpoint",
		PerGPUBatchSize:   8,
		AccumulationSteps: 4,
		Clip:              1.0,
		Epochs:            10,
		MaxSeqLen:         128,
		LearningRate:      1e-4,
		WarmupSteps:       1000,
		TotalSteps:        100000,
		WorldSize:         1,
		EncoderHidden:     512,
		ForecasterHidden:  768,
		NumLayers:         2,
		NumHeads:          4,
		NContext:          10,
		LogLevel:          "info",
		RequestTimeout:    30,
	}

	cfg.TrainData = os.Getenv("TRAIN_DATA")
	cfg.EvalData = os.Getenv("EVAL_DATA")
	cfg.RunName = os.Getenv("RUN_NAME")
	cfg.EncoderURL = os.Getenv("ENCODER_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	envStr("CHECKPOINT_DIR", &cfg.CheckpointDir)
	envStr("LOG_LEVEL", &cfg.LogLevel)

	envInt("PER_GPU_BATCH_SIZE", &cfg.PerGPUBatchSize)
	envInt("ACCUMULATION_STEPS", &cfg.AccumulationSteps)
	envFloat("CLIP", &cfg.Clip)
	envInt("EPOCHS", &cfg.Epochs)
	envInt("MAX_SEQ_LEN", &cfg.MaxSeqLen)
	envBool("ADJUST_TARGETS", &cfg.AdjustTargets)
	envBool("FINETUNE_ENCODER", &cfg.FinetuneEncoder)
	envInt64("SEED", &cfg.Seed)

	envFloat("LR", &cfg.LearningRate)
	envInt("WARMUP_STEPS", &cfg.WarmupSteps)
	envInt("TOTAL_STEPS", &cfg.TotalSteps)

	envInt("GLOBAL_RANK", &cfg.GlobalRank)
	envInt("WORLD_SIZE", &cfg.WorldSize)

	envInt("ENCODER_HIDDEN", &cfg.EncoderHidden)
	envInt("FORECASTER_HIDDEN", &cfg.ForecasterHidden)
	envInt("NUM_LAYERS", &cfg.NumLayers)
	envInt("NUM_HEADS", &cfg.NumHeads)
	envInt("N_CONTEXT", &cfg.NContext)

	envInt64("TELEGRAM_CHAT_ID", &cfg.TelegramChatID)
	envInt("REQUEST_TIMEOUT", &cfg.RequestTimeout)

	if cfg.RunName == "" {
		cfg.RunName = uuid.NewString()
	}
	return cfg, validate(cfg)
}

// validate checks the options every command needs. TRAIN_DATA is only
// required for training and is checked by the train command itself.
func validate(cfg *models.Config) error {
	if cfg.EvalData == "" {
		return fmt.Errorf("EVAL_DATA is required")
	}
	if cfg.PerGPUBatchSize < 1 {
		return fmt.Errorf("PER_GPU_BATCH_SIZE must be positive, got %d", cfg.PerGPUBatchSize)
	}
	if cfg.AccumulationSteps < 1 {
		return fmt.Errorf("ACCUMULATION_STEPS must be positive, got %d", cfg.AccumulationSteps)
	}
	if cfg.MaxSeqLen < 1 {
		return fmt.Errorf("MAX_SEQ_LEN must be positive, got %d", cfg.MaxSeqLen)
	}
	if cfg.NumHeads < 1 || cfg.ForecasterHidden%cfg.NumHeads != 0 {
		return fmt.Errorf("FORECASTER_HIDDEN (%d) must divide evenly by NUM_HEADS (%d)", cfg.ForecasterHidden, cfg.NumHeads)
	}
	if cfg.WorldSize < 1 {
		return fmt.Errorf("WORLD_SIZE must be positive, got %d", cfg.WorldSize)
	}
	if cfg.GlobalRank < 0 || cfg.GlobalRank >= cfg.WorldSize {
		return fmt.Errorf("GLOBAL_RANK %d out of range for WORLD_SIZE %d", cfg.GlobalRank, cfg.WorldSize)
	}
	if cfg.WarmupSteps >= cfg.TotalSteps {
		return fmt.Errorf("WARMUP_STEPS (%d) must be less than TOTAL_STEPS (%d)", cfg.WarmupSteps, cfg.TotalSteps)
	}
	return nil
}

func envStr(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			*dst = val
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if val, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = val
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = val
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if val, err := strconv.ParseBool(v); err == nil {
			*dst = val
		}
	}
}
