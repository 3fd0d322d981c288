package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"time"

	"gorgonia.org/gorgonia"

	"fpvgpt/nanogpt"
)

// Config controls a training run.
type Config struct {
	Epochs    int
	BatchSize int
	LearnRate float64
	// Clip bounds every gradient element to [-Clip, Clip]; 0 disables clipping.
	Clip float64
	// L2 adds weight decay through the optimizer; 0 disables it.
	L2   float64
	Seed int64
	// Patience stops training once validation loss has not improved by 0.1%
	// for this many epochs; 0 disables early stopping.
	Patience int
	// Log receives progress lines; nil discards them.
	Log io.Writer
}

// DefaultConfig returns the settings used by the train command.
func DefaultConfig() Config {
	return Config{
		Epochs:    20,
		BatchSize: 16,
		LearnRate: 3e-3,
		Clip:      1.0,
		Seed:      1337,
		Patience:  5,
	}
}

// EpochMetrics summarizes one epoch.
type EpochMetrics struct {
	Epoch      int     `json:"epoch"`
	TrainLoss  float64 `json:"train_loss"`
	ValLoss    float64 `json:"val_loss"`
	Perplexity float64 `json:"perplexity"`
	Skipped    int     `json:"skipped_batches,omitempty"`
	Seconds    float64 `json:"seconds"`
}

// Metrics is the per-epoch history written to metrics.json.
type Metrics struct {
	Epochs []EpochMetrics `json:"epochs"`
}

// Result reports how a run ended.
type Result struct {
	Metrics     Metrics
	BestEpoch   int
	BestValLoss float64
	EarlyStop   bool
}

// Trainer fits models with Adam.
type Trainer struct {
	cfg Config
	log io.Writer
}

// New validates cfg and returns a Trainer.
func New(cfg Config) (*Trainer, error) {
	switch {
	case cfg.Epochs <= 0:
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	case cfg.BatchSize <= 0:
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	case cfg.LearnRate <= 0:
		return nil, fmt.Errorf("learning rate must be positive, got %g", cfg.LearnRate)
	case cfg.Clip < 0 || cfg.L2 < 0 || cfg.Patience < 0:
		return nil, fmt.Errorf("clip, l2 and patience must not be negative")
	}
	log := cfg.Log
	if log == nil {
		log = io.Discard
	}
	return &Trainer{cfg: cfg, log: log}, nil
}

func (t *Trainer) solver() gorgonia.Solver {
	opts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(t.cfg.LearnRate)}
	if t.cfg.Clip > 0 {
		opts = append(opts, gorgonia.WithClip(t.cfg.Clip))
	}
	if t.cfg.L2 > 0 {
		opts = append(opts, gorgonia.WithL2Reg(t.cfg.L2))
	}
	return gorgonia.NewAdamSolver(opts...)
}

// Fit trains m on trainS, scoring each epoch on valS (or on trainS when valS
// is empty). The parameters from the best-scoring epoch are restored before
// returning, and m is left in inference mode. ctx is checked between batches.
func (t *Trainer) Fit(ctx context.Context, m *nanogpt.Model, trainS, valS []Sample) (Result, error) {
	if len(trainS) == 0 {
		return Result{}, errors.New("no training samples")
	}
	if len(valS) == 0 {
		valS = trainS
	}
	defer m.SetTraining(false)

	rng := rand.New(rand.NewSource(t.cfg.Seed))
	solver := t.solver()
	params := m.Params()
	model := make([]gorgonia.ValueGrad, len(params))
	for i, p := range params {
		model[i] = p
	}

	res := Result{BestEpoch: -1, BestValLoss: math.Inf(1)}
	var best map[string]nanogpt.Tensor
	sinceBest := 0

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		m.SetTraining(true)
		batches := Batches(trainS, t.cfg.BatchSize, len(trainS) >= t.cfg.BatchSize, rng)

		var lossSum float64
		valid, skipped := 0, 0
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			m.ZeroGrad()
			loss, err := m.ForwardBackward(b.Inputs, b.Targets)
			if errors.Is(err, nanogpt.ErrNumeric) || (err == nil && !finiteGrads(params)) {
				fmt.Fprintf(t.log, "   Warning: Skipping batch with NaN/Inf loss at epoch %d\n", epoch)
				skipped++
				continue
			}
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			if err := solver.Step(model); err != nil {
				return res, fmt.Errorf("epoch %d: optimizer step: %w", epoch, err)
			}
			lossSum += loss
			valid++
		}
		m.ZeroGrad()
		if valid == 0 {
			return res, fmt.Errorf("epoch %d: no valid batches", epoch)
		}

		vl, err := Evaluate(m, valS, t.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("epoch %d: validation: %w", epoch, err)
		}
		em := EpochMetrics{
			Epoch:      epoch,
			TrainLoss:  lossSum / float64(valid),
			ValLoss:    vl,
			Perplexity: math.Exp(vl),
			Skipped:    skipped,
			Seconds:    time.Since(start).Seconds(),
		}
		res.Metrics.Epochs = append(res.Metrics.Epochs, em)

		mark := ""
		if vl < res.BestValLoss*0.999 || res.BestEpoch < 0 {
			sinceBest = 0
		} else {
			sinceBest++
		}
		if vl < res.BestValLoss {
			res.BestValLoss, res.BestEpoch = vl, epoch
			best = m.State()
			mark = " [best]"
		}
		fmt.Fprintf(t.log, "   Epoch %d: train=%.4f val=%.4f ppl=%.2f%s\n",
			epoch, em.TrainLoss, vl, em.Perplexity, mark)

		if t.cfg.Patience > 0 && sinceBest >= t.cfg.Patience {
			fmt.Fprintf(t.log, "   Early stopping: no improvement in validation loss for %d epochs\n", sinceBest)
			res.EarlyStop = true
			break
		}
	}

	if best != nil {
		if err := m.LoadState(best); err != nil {
			return res, fmt.Errorf("restore best state: %w", err)
		}
		fmt.Fprintf(t.log, "   Using best model from epoch %d (val=%.4f)\n", res.BestEpoch, res.BestValLoss)
	}
	return res, nil
}

func finiteGrads(params []*nanogpt.Param) bool {
	for _, p := range params {
		for _, g := range p.GradData() {
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				return false
			}
		}
	}
	return true
}

// Evaluate returns the token-weighted mean loss of m over samples in
// inference mode. The training switch is restored afterwards.
func Evaluate(m *nanogpt.Model, samples []Sample, batchSize int) (float64, error) {
	if len(samples) == 0 {
		return 0, errors.New("no samples to evaluate")
	}
	prev := m.Training()
	m.SetTraining(false)
	defer m.SetTraining(prev)

	var sum float64
	var tokens int
	for _, b := range Batches(samples, batchSize, false, nil) {
		out, err := m.Forward(b.Inputs, b.Targets)
		if err != nil {
			return 0, err
		}
		n := b.Tokens()
		sum += out.Loss * float64(n)
		tokens += n
	}
	return sum / float64(tokens), nil
}

// SaveMetrics writes metrics to path as indented JSON.
func SaveMetrics(path string, metrics Metrics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metrics)
}
