// Package train runs the multi-task training loop: shuffled micro-batches,
// gradient accumulation, per-epoch evaluation and checkpointing.
package train

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iPhoenixNez/autocast/internal/collate"
	"github.com/iPhoenixNez/autocast/internal/encode"
	"github.com/iPhoenixNez/autocast/internal/forecast"
	"github.com/iPhoenixNez/autocast/internal/losses"
	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/internal/transform"
	"github.com/iPhoenixNez/autocast/models"
)

// Notifier receives a short message after each epoch. Implementations must
// tolerate being called from the training loop and never block it on errors.
type Notifier interface {
	EpochSummary(runID string, epoch int, trainLoss, devEM, crowdEM float64)
}

// Trainer owns the full optimization loop for one worker process.
type Trainer struct {
	cfg        *models.Config
	adapter    *encode.Adapter
	forecaster *forecast.Forecaster
	optimizer  *nn.Adam
	scheduler  *nn.WarmupLinear

	// Optional collaborators, defaulted in New. Callers may replace them
	// before Run.
	Sink     models.MetricsSink
	Reducer  models.Reducer
	Notifier Notifier

	rng    *rand.Rand
	logger zerolog.Logger

	step      int // micro-batches processed
	optSteps  int // optimizer updates applied
	bestDevEM float64
}

// New builds a trainer. Shuffling is seeded per rank so distributed workers
// draw different batch orders from the same dataset shard.
func New(cfg *models.Config, adapter *encode.Adapter, forecaster *forecast.Forecaster, optimizer *nn.Adam, scheduler *nn.WarmupLinear) *Trainer {
	return &Trainer{
		cfg:        cfg,
		adapter:    adapter,
		forecaster: forecaster,
		optimizer:  optimizer,
		scheduler:  scheduler,
		Sink:       NewLogSink(),
		Reducer:    SingleProcess{},
		rng:        rand.New(rand.NewSource(cfg.Seed + int64(cfg.GlobalRank))),
		logger:     log.With().Str("component", "trainer").Logger(),
	}
}

// RunDir is where this run's checkpoints and per-epoch results live.
func (t *Trainer) RunDir() string {
	return filepath.Join(t.cfg.CheckpointDir, t.cfg.RunName)
}

// Run trains for the configured number of epochs, evaluating and
// checkpointing after each one. The best_dev tag tracks the highest dev
// exact match seen so far; latest always holds the end of the last epoch.
func (t *Trainer) Run(ctx context.Context, trainRecs, evalRecs []models.QuestionRecord) error {
	if err := os.MkdirAll(t.RunDir(), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	t.logger.Info().
		Int("train_examples", len(trainRecs)).
		Int("eval_examples", len(evalRecs)).
		Str("run_id", t.cfg.RunName).
		Msg("Start training")

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		trainLoss, err := t.trainEpoch(ctx, trainRecs, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d train: %w", epoch, err)
		}

		devEM, devLoss, crowdEM, err := t.Evaluate(ctx, evalRecs, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d eval: %w", epoch, err)
		}

		if devEM > t.bestDevEM {
			t.bestDevEM = devEM
			if t.cfg.IsMain() {
				if err := t.save("best_dev"); err != nil {
					return err
				}
			}
		}
		if t.cfg.IsMain() {
			if err := t.save("latest"); err != nil {
				return err
			}
		}

		t.record(epoch, "train_loss", trainLoss)
		t.record(epoch, "dev_loss", devLoss)
		t.record(epoch, "dev_em", devEM)
		t.record(epoch, "crowd_em", crowdEM)

		if t.Notifier != nil && t.cfg.IsMain() {
			t.Notifier.EpochSummary(t.cfg.RunName, epoch, trainLoss, devEM, crowdEM)
		}

		t.logger.Info().
			Int("epoch", epoch).
			Float64("train_loss", trainLoss).
			Float64("dev_loss", devLoss).
			Float64("dev_em", devEM).
			Float64("best_dev_em", t.bestDevEM).
			Float64("lr", t.scheduler.LR(t.optSteps)).
			Msg("Epoch complete")
	}
	return nil
}

func (t *Trainer) save(tag string) error {
	if err := SaveCheckpoint(t.RunDir(), tag, t.optimizer.Params, t.optimizer, t.optSteps, t.bestDevEM, t.cfg); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", tag, err)
	}
	return nil
}

func (t *Trainer) record(epoch int, name string, value float64) {
	if t.Sink == nil || !t.cfg.IsMain() {
		return
	}
	if err := t.Sink.RecordScalar(t.cfg.RunName, epoch, name, value); err != nil {
		t.logger.Warn().Err(err).Str("name", name).Msg("Failed to record metric")
	}
}

func (t *Trainer) trainEpoch(ctx context.Context, recs []models.QuestionRecord, epoch int) (float64, error) {
	perm := t.rng.Perm(len(recs))
	stats := &epochStats{}
	totalLoss := 0.0
	nBatches := 0

	bs := t.cfg.PerGPUBatchSize
	for start := 0; start < len(perm); start += bs {
		end := start + bs
		if end > len(perm) {
			end = len(perm)
		}
		batchRecs := make([]models.QuestionRecord, 0, end-start)
		for _, k := range perm[start:end] {
			batchRecs = append(batchRecs, recs[k])
		}

		res, err := t.trainStep(ctx, batchRecs, stats)
		if err != nil {
			return 0, err
		}
		totalLoss += t.Reducer.Average(res.Total)
		nBatches++
	}

	stats.logLines(t.logger, "TRAIN")
	t.logger.Info().Msgf("TRAIN: Exact Match: %.4f | Crowd: %.4f", stats.exactMatch(), stats.crowdExactMatch())

	if nBatches == 0 {
		return 0, nil
	}
	return totalLoss / float64(nBatches), nil
}

// trainStep encodes, collates, and runs forward/backward for one
// micro-batch, applying an optimizer update every AccumulationSteps batches.
func (t *Trainer) trainStep(ctx context.Context, recs []models.QuestionRecord, stats *epochStats) (*losses.Result, error) {
	examples := make([]models.EncodedExample, len(recs))
	backs := make([]func([][]float64), len(recs))

	for i := range recs {
		tr, err := transform.Transform(&recs[i], t.cfg.AdjustTargets, t.cfg.MaxSeqLen, t.cfg.NContext)
		if err != nil {
			return nil, fmt.Errorf("transform question %s: %w", recs[i].QuestionID, err)
		}
		hidden, back, err := t.adapter.Encode(ctx, tr.Subs, encode.Train)
		if err != nil {
			return nil, fmt.Errorf("encode question %s: %w", recs[i].QuestionID, err)
		}
		examples[i] = models.EncodedExample{
			Hidden:    hidden,
			Targets:   tr.Targets,
			TrueLabel: tr.TrueLabel,
			Category:  tr.Category,
		}
		backs[i] = back
	}

	batch := collate.Collate(examples)
	fwd := t.forecaster.ForwardBatch(batch)
	res := losses.Compute(batch, fwd)

	dX := t.forecaster.Backward(res.DScores)
	for i, back := range backs {
		if back != nil {
			back(dX[i][:batch.SeqEnds[i]+1])
		}
	}

	stats.add(res.Metrics)

	t.step++
	if t.step%t.cfg.AccumulationSteps == 0 {
		t.optimizer.ClipGradNorm(t.cfg.Clip)
		t.optimizer.Step(t.scheduler.LR(t.optSteps))
		t.optSteps++
		t.optimizer.ZeroGrad()
	}
	return res, nil
}

// Evaluate runs one pass over the evaluation shard with gradients detached
// and a batch size four times the training one. It writes the per-example
// raw scores to results_epoch<N>.json in the run directory.
func (t *Trainer) Evaluate(ctx context.Context, recs []models.QuestionRecord, epoch int) (devEM, devLoss, crowdEM float64, err error) {
	stats := &epochStats{}
	totalLoss := 0.0
	nBatches := 0

	bs := t.cfg.PerGPUBatchSize * 4
	for start := 0; start < len(recs); start += bs {
		end := start + bs
		if end > len(recs) {
			end = len(recs)
		}

		examples := make([]models.EncodedExample, 0, end-start)
		for i := start; i < end; i++ {
			tr, terr := transform.Transform(&recs[i], t.cfg.AdjustTargets, t.cfg.MaxSeqLen, t.cfg.NContext)
			if terr != nil {
				return 0, 0, 0, fmt.Errorf("transform question %s: %w", recs[i].QuestionID, terr)
			}
			hidden, _, eerr := t.adapter.Encode(ctx, tr.Subs, encode.Eval)
			if eerr != nil {
				return 0, 0, 0, fmt.Errorf("encode question %s: %w", recs[i].QuestionID, eerr)
			}
			examples = append(examples, models.EncodedExample{
				Hidden:    hidden,
				Targets:   tr.Targets,
				TrueLabel: tr.TrueLabel,
				Category:  tr.Category,
			})
		}

		batch := collate.Collate(examples)
		fwd := t.forecaster.ForwardBatch(batch)
		res := losses.Compute(batch, fwd)

		stats.add(res.Metrics)
		totalLoss += res.Total
		nBatches++
	}

	if nBatches == 0 {
		t.logger.Warn().Int("epoch", epoch).Msg("Evaluation set is empty")
		return 0, 0, 0, nil
	}

	if t.cfg.IsMain() {
		if werr := t.writeResults(epoch, stats.raw); werr != nil {
			return 0, 0, 0, werr
		}
	}

	stats.logLines(t.logger, "EVAL")
	devEM = t.Reducer.Average(stats.exactMatch())
	devLoss = t.Reducer.Average(totalLoss / float64(nBatches))
	crowdEM = stats.crowdExactMatch()
	t.logger.Info().Msgf("EVAL: Exact Match: %.4f | Crowd: %.4f | Loss: %.4f", devEM, crowdEM, devLoss)
	return devEM, devLoss, crowdEM, nil
}

func (t *Trainer) writeResults(epoch int, raw [][][]float64) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	path := filepath.Join(t.RunDir(), fmt.Sprintf("results_epoch%d.json", epoch))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// Restore loads the tagged checkpoint into the model and optimizer and
// resumes the step counters.
func (t *Trainer) Restore(tag string) error {
	ck, err := LoadCheckpoint(t.RunDir(), tag, t.optimizer.Params, t.optimizer)
	if err != nil {
		return err
	}
	t.optSteps = ck.Step
	t.step = ck.Step * t.cfg.AccumulationSteps
	t.bestDevEM = ck.BestDevEM
	t.logger.Info().Str("tag", tag).Int("step", ck.Step).Float64("best_dev_em", ck.BestDevEM).Msg("Restored checkpoint")
	return nil
}
