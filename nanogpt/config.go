// Package nanogpt implements a small decoder-only transformer language model.
//
// The model is a GPT-style stack:
//  1. Token embeddings (vocab, embd) plus learned position embeddings (block, embd)
//  2. Layers of pre-norm blocks: causal multi-head self-attention and a GELU feed-forward,
//     each wrapped in a residual connection
//  3. Final layer norm
//  4. Output head projecting to vocabulary logits
//
// Every tensor is a float32 gorgonia.org/tensor Dense. Gradients are computed by hand so
// that any gorgonia solver can step the parameters.
package nanogpt

import "fmt"

// Config holds the model hyperparameters.
type Config struct {
	// VocabSize is the number of token ids (50257 for the GPT-2 vocabulary).
	VocabSize int

	// BlockSize is the maximum number of tokens the model conditions on.
	BlockSize int

	// EmbdWidth is the embedding width. It must be divisible by Heads.
	EmbdWidth int

	// Heads is the number of attention heads per block.
	Heads int

	// Layers is the number of transformer blocks.
	Layers int

	// Dropout is the drop probability used by every dropout site in training mode.
	Dropout float32

	// InitStd is the standard deviation of the normal weight initialization.
	InitStd float32

	// Seed drives weight initialization and dropout masks.
	Seed int64
}

// DefaultConfig returns the hyperparameters of the FPV debug bot model.
func DefaultConfig() Config {
	return Config{
		VocabSize: 50257,
		BlockSize: 32,
		EmbdWidth: 64,
		Heads:     4,
		Layers:    2,
		Dropout:   0.1,
		InitStd:   0.02,
		Seed:      1337,
	}
}

// Validate checks the configuration and returns an error wrapping ErrConfiguration.
func (c Config) Validate() error {
	sizes := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"block_size", c.BlockSize},
		{"embd_width", c.EmbdWidth},
		{"heads", c.Heads},
		{"layers", c.Layers},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, s.name, s.v)
		}
	}
	if c.EmbdWidth%c.Heads != 0 {
		return fmt.Errorf("%w: embd_width (%d) must be divisible by heads (%d)",
			ErrConfiguration, c.EmbdWidth, c.Heads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrConfiguration, c.Dropout)
	}
	if c.InitStd < 0 {
		return fmt.Errorf("%w: init_std must not be negative, got %g", ErrConfiguration, c.InitStd)
	}
	return nil
}

// HeadSize returns the width of one attention head.
func (c Config) HeadSize() int {
	return c.EmbdWidth / c.Heads
}

// ParamCount returns the number of trainable scalars a model with this config holds.
func (c Config) ParamCount() int {
	e, f := c.EmbdWidth, 4*c.EmbdWidth
	perBlock := 2*(2*e) + // two layer norms
		4*(e*e+e) + // query, key, value, output projection
		e*f + f + f*e + e // feed-forward
	return c.VocabSize*e + c.BlockSize*e + c.Layers*perBlock + 2*e + e*c.VocabSize
}
