package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fpvgpt/checkpoint"
	"fpvgpt/nanogpt"
	"fpvgpt/tokenizer"
)

// InferConfig holds the infer command flags.
type InferConfig struct {
	Model   string
	Temp    float64
	TopK    int
	TopP    float64
	Rep     float64
	Max     int
	Seed    int64
	Timeout time.Duration
}

func newInferCmd() *cobra.Command {
	var config InferConfig
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Answer queries read line by line from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if config.Model == "" {
				return errors.New("--model is required")
			}
			return inferFromStdin(cmd.Context(), config, os.Stdin, os.Stdout)
		},
	}
	addSamplingFlags(cmd, &config)
	return cmd
}

func addSamplingFlags(cmd *cobra.Command, config *InferConfig) {
	f := cmd.Flags()
	f.StringVar(&config.Model, "model", "", "Model directory written by train")
	f.Float64Var(&config.Temp, "temp", 0.8, "Temperature (0 for greedy)")
	f.IntVar(&config.TopK, "topk", 40, "Top-k sampling (0 disables)")
	f.Float64Var(&config.TopP, "topp", 0.0, "Top-p (nucleus) sampling (0 disables)")
	f.Float64Var(&config.Rep, "rep", 0.2, "Repetition penalty")
	f.IntVar(&config.Max, "max", 200, "Maximum tokens to generate")
	f.Int64Var(&config.Seed, "seed", 0, "Random seed (0 for random)")
	f.DurationVar(&config.Timeout, "timeout", 30*time.Second, "Per-query generation timeout (0 disables)")
}

// loadModelDir reads a model directory written by the train command.
func loadModelDir(dir string) (*nanogpt.Model, tokenizer.Tokenizer, error) {
	var manifest Manifest
	if err := loadJSON(filepath.Join(dir, manifestFile), &manifest); err != nil {
		return nil, nil, fmt.Errorf("load manifest: %w", err)
	}
	model, err := checkpoint.Load(filepath.Join(dir, modelFile))
	if err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}
	tok, err := loadTokenizer(dir, manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("load tokenizer: %w", err)
	}
	if tok.VocabSize() != model.Config().VocabSize {
		return nil, nil, fmt.Errorf("tokenizer has %d ids, model expects %d", tok.VocabSize(), model.Config().VocabSize)
	}
	return model, tok, nil
}

func (c InferConfig) sampler(tok tokenizer.Tokenizer) *nanogpt.Sampler {
	s := nanogpt.NewSampler(c.Seed)
	s.Temperature = c.Temp
	s.TopK = c.TopK
	s.TopP = c.TopP
	s.RepetitionPenalty = c.Rep
	s.StopTokens = []int{endToken(tok)}
	return s
}

func inferFromStdin(ctx context.Context, config InferConfig, in io.Reader, out io.Writer) error {
	model, tok, err := loadModelDir(config.Model)
	if err != nil {
		return err
	}
	s := config.sampler(tok)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		query := strings.TrimSpace(scanner.Text())
		if len(query) == 0 {
			continue
		}
		qctx, cancel := ctx, context.CancelFunc(func() {})
		if config.Timeout > 0 {
			qctx, cancel = context.WithTimeout(ctx, config.Timeout)
		}
		completion, err := complete(qctx, model, tok, query, config.Max, s)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			fmt.Fprintf(out, "⚠️  generation timed out after %s\n", config.Timeout)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, completion)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}
