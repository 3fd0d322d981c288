package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fpvgpt/checkpoint"
	"fpvgpt/dataset"
	"fpvgpt/nanogpt"
	"fpvgpt/tokenizer"
	"fpvgpt/train"
)

// TrainConfig holds the train command flags.
type TrainConfig struct {
	Corpus    string
	Dataset   string
	Out       string
	Tokenizer string
	Encoding  string
	Vocab     int
	Block     int
	Embd      int
	Heads     int
	Layers    int
	Dropout   float64
	Batch     int
	Epochs    int
	LR        float64
	Clip      float64
	L2        float64
	Patience  int
	Stride    int
	Seed      int64
}

func newTrainCmd() *cobra.Command {
	var config TrainConfig
	def := nanogpt.DefaultConfig()
	tdef := train.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a new model from a text corpus or an SFT dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (config.Corpus == "") == (config.Dataset == "") {
				return errors.New("exactly one of --corpus or --dataset is required")
			}
			if config.Out == "" {
				return errors.New("--out is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return trainModel(ctx, config)
		},
	}

	f := cmd.Flags()
	f.StringVar(&config.Corpus, "corpus", "", "Path to a plain-text training corpus")
	f.StringVar(&config.Dataset, "dataset", "", "Path to an SFT dataset (fpv_sft_dataset.json)")
	f.StringVar(&config.Out, "out", "", "Output directory for the model (required)")
	f.StringVar(&config.Tokenizer, "tokenizer", tokenizer.KindChar, "Tokenizer: char or bpe")
	f.StringVar(&config.Encoding, "encoding", tokenizer.DefaultEncoding, "BPE encoding name")
	f.IntVar(&config.Vocab, "vocab", 128, "Maximum character vocabulary size")
	f.IntVar(&config.Block, "block", def.BlockSize, "Context length in tokens")
	f.IntVar(&config.Embd, "embd", def.EmbdWidth, "Embedding width")
	f.IntVar(&config.Heads, "heads", def.Heads, "Attention heads per block")
	f.IntVar(&config.Layers, "layers", def.Layers, "Transformer blocks")
	f.Float64Var(&config.Dropout, "dropout", float64(def.Dropout), "Dropout probability")
	f.IntVar(&config.Batch, "batch", tdef.BatchSize, "Batch size")
	f.IntVar(&config.Epochs, "epochs", tdef.Epochs, "Number of epochs")
	f.Float64Var(&config.LR, "lr", tdef.LearnRate, "Learning rate")
	f.Float64Var(&config.Clip, "clip", tdef.Clip, "Gradient clipping (0 disables)")
	f.Float64Var(&config.L2, "l2", tdef.L2, "L2 regularization")
	f.IntVar(&config.Patience, "patience", tdef.Patience, "Early stopping patience in epochs (0 disables)")
	f.IntVar(&config.Stride, "stride", 1, "Tokens between consecutive training windows")
	f.Int64Var(&config.Seed, "seed", def.Seed, "Random seed")
	return cmd
}

func trainModel(ctx context.Context, config TrainConfig) error {
	fmt.Printf("🤖 FPV Debug Bot Training\n")
	fmt.Printf("========================\n\n")

	if err := os.MkdirAll(config.Out, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	source := config.Corpus
	var lines []string
	if config.Corpus != "" {
		fmt.Printf("📚 Loading corpus from %s...\n", config.Corpus)
		var err error
		if lines, err = loadCorpusLines(config.Corpus); err != nil {
			return fmt.Errorf("load corpus: %w", err)
		}
	} else {
		source = config.Dataset
		fmt.Printf("📚 Loading SFT dataset from %s...\n", config.Dataset)
		examples, err := dataset.LoadExamples(config.Dataset)
		if err != nil {
			return fmt.Errorf("load dataset: %w", err)
		}
		fmt.Printf("   Examples: %d\n", len(examples))
		lines = exampleLines(examples)
	}
	if len(lines) == 0 {
		return errors.New("no training text found")
	}
	corpus := strings.Join(lines, "\n")
	hash := corpusHash(corpus)
	fmt.Printf("   Corpus length: %d characters\n", len(corpus))
	fmt.Printf("   Corpus hash: %s\n", hash)

	tok, err := buildTokenizer(config, corpus)
	if err != nil {
		return err
	}

	fmt.Printf("\n🔢 Creating training windows...\n")
	stream := encodeLines(tok, lines)
	samples, err := train.Windows(stream, config.Block, config.Stride)
	if err != nil {
		return fmt.Errorf("make windows: %w", err)
	}
	trainS, valS := train.Split(samples, 0.9)
	fmt.Printf("   Tokens: %d\n", len(stream))
	fmt.Printf("   Training samples: %d, Validation samples: %d\n", len(trainS), len(valS))

	cfg := nanogpt.Config{
		VocabSize: tok.VocabSize(),
		BlockSize: config.Block,
		EmbdWidth: config.Embd,
		Heads:     config.Heads,
		Layers:    config.Layers,
		Dropout:   float32(config.Dropout),
		InitStd:   nanogpt.DefaultConfig().InitStd,
		Seed:      config.Seed,
	}
	model, err := nanogpt.New(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("\n🧠 Model configuration:\n")
	fmt.Printf("   Architecture: decoder-only transformer\n")
	fmt.Printf("   Parameters: %d\n", cfg.ParamCount())
	fmt.Printf("   Context: %d tokens\n", cfg.BlockSize)
	fmt.Printf("   Embedding width: %d, heads: %d, layers: %d\n", cfg.EmbdWidth, cfg.Heads, cfg.Layers)

	trainer, err := train.New(train.Config{
		Epochs:    config.Epochs,
		BatchSize: config.Batch,
		LearnRate: config.LR,
		Clip:      config.Clip,
		L2:        config.L2,
		Seed:      config.Seed,
		Patience:  config.Patience,
		Log:       os.Stdout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n🏋️  Training for %d epochs...\n", config.Epochs)
	res, err := trainer.Fit(ctx, model, trainS, valS)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}

	fmt.Printf("\n✅ Training complete!\n")
	fmt.Printf("   Best validation loss: %.4f (epoch %d)\n", res.BestValLoss, res.BestEpoch)
	fmt.Printf("   Best perplexity: %.2f\n", math.Exp(res.BestValLoss))

	metricsPath := filepath.Join(config.Out, metricsFile)
	if err := train.SaveMetrics(metricsPath, res.Metrics); err != nil {
		fmt.Printf("   Warning: Failed to save metrics: %v\n", err)
	} else {
		fmt.Printf("📊 Metrics saved to: %s\n", metricsPath)
	}

	modelPath := filepath.Join(config.Out, modelFile)
	if err := checkpoint.Save(modelPath, model); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	fmt.Printf("💾 Model saved to: %s\n", modelPath)

	manifest := Manifest{
		CorpusPath:   source,
		CorpusHash:   hash,
		Tokenizer:    config.Tokenizer,
		VocabSize:    cfg.VocabSize,
		BlockSize:    cfg.BlockSize,
		EmbdWidth:    cfg.EmbdWidth,
		Heads:        cfg.Heads,
		Layers:       cfg.Layers,
		Dropout:      config.Dropout,
		Params:       cfg.ParamCount(),
		Batch:        config.Batch,
		Epochs:       config.Epochs,
		LR:           config.LR,
		Clip:         config.Clip,
		L2:           config.L2,
		Patience:     config.Patience,
		Seed:         config.Seed,
		BestEpoch:    res.BestEpoch,
		BestValLoss:  res.BestValLoss,
		TrainedAt:    time.Now(),
		BuildVersion: buildVersion,
	}
	if config.Tokenizer == tokenizer.KindBPE {
		manifest.Encoding = config.Encoding
	}
	manifestPath := filepath.Join(config.Out, manifestFile)
	if err := saveJSON(manifestPath, manifest); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	fmt.Printf("📋 Manifest saved to: %s\n", manifestPath)

	fmt.Printf("\n🎲 Quick quality test:\n")
	testGeneration(ctx, model, tok, config.Seed)

	fmt.Printf("\n🚀 Use the model with:\n")
	fmt.Printf("   echo \"esc beeps after arming\" | ./fpvgpt infer --model %s\n", config.Out)
	return nil
}

func buildTokenizer(config TrainConfig, corpus string) (tokenizer.Tokenizer, error) {
	switch config.Tokenizer {
	case tokenizer.KindChar:
		fmt.Printf("\n📝 Building vocabulary (max %d tokens)...\n", config.Vocab)
		c, err := tokenizer.BuildChar(corpus, config.Vocab)
		if err != nil {
			return nil, err
		}
		fmt.Printf("   Actual vocabulary size: %d\n", c.VocabSize())
		rate := c.UnknownRate(corpus)
		fmt.Printf("   UNK rate: %.2f%%\n", rate*100)
		if rate > 0.1 {
			fmt.Printf("   ⚠️  High UNK rate! Consider increasing --vocab\n")
		}
		vocabPath := filepath.Join(config.Out, vocabFile)
		if err := c.SaveJSON(vocabPath); err != nil {
			return nil, fmt.Errorf("save vocabulary: %w", err)
		}
		fmt.Printf("📝 Vocabulary saved to: %s\n", vocabPath)
		return c, nil
	case tokenizer.KindBPE:
		fmt.Printf("\n📝 Loading BPE encoding %s...\n", config.Encoding)
		b, err := tokenizer.NewBPE(config.Encoding)
		if err != nil {
			return nil, err
		}
		fmt.Printf("   Vocabulary size: %d\n", b.VocabSize())
		return b, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q (want char or bpe)", config.Tokenizer)
	}
}

func testGeneration(ctx context.Context, model *nanogpt.Model, tok tokenizer.Tokenizer, seed int64) {
	s := nanogpt.NewSampler(seed)
	s.Temperature = 0.8
	s.TopK = 20
	s.RepetitionPenalty = 0.3
	s.StopTokens = []int{endToken(tok)}

	for _, query := range []string{"debug esc on an fpv drone", "debug pid on an fpv drone"} {
		completion, err := complete(ctx, model, tok, query, 60, s)
		if err != nil {
			fmt.Printf("   \"%s\" → error: %v\n", query, err)
			continue
		}
		fmt.Printf("   \"%s\" → \"%s\"\n", query, completion)
	}
}

// complete generates a response to query and returns only the new text.
func complete(ctx context.Context, model *nanogpt.Model, tok tokenizer.Tokenizer, query string, max int, s *nanogpt.Sampler) (string, error) {
	prompt := tok.Encode(normalizeLine(dataset.FormatPrompt(query)))
	out, err := model.Generate(ctx, prompt, max, s)
	if err != nil {
		return "", err
	}
	gen := out[len(prompt):]
	end := endToken(tok)
	for i, id := range gen {
		if id == end {
			gen = gen[:i]
			break
		}
	}
	return strings.TrimSpace(tok.Decode(gen)), nil
}
