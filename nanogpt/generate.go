package nanogpt

import (
	"context"
	"fmt"
)

// Generate extends prompt by up to maxNewTokens sampled tokens and returns the
// whole sequence. The prompt is never rewritten.
//
// Each step conditions on the most recent BlockSize tokens of the running
// sequence. Dropout is always off, whatever the training switch says. ctx is
// checked between steps; a cancelled run returns ctx.Err() and no tokens.
// A nil sampler samples the full softmax at temperature 1.
func (m *Model) Generate(ctx context.Context, prompt []int, maxNewTokens int, s *Sampler) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidInput)
	}
	if maxNewTokens < 0 {
		return nil, fmt.Errorf("%w: negative token budget %d", ErrInvalidInput, maxNewTokens)
	}
	if err := m.checkIDs("prompt", 0, prompt); err != nil {
		return nil, err
	}
	if s == nil {
		s = NewSampler(0)
	}

	seq := make([]int, len(prompt), len(prompt)+maxNewTokens)
	copy(seq, prompt)
	seen := make(map[int]int)

	for step := 0; step < maxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		window := seq
		if len(window) > m.cfg.BlockSize {
			window = window[len(window)-m.cfg.BlockSize:]
		}
		tr, err := m.forward([][]int{window}, nil, passOpts{lastOnly: true})
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		id, err := s.Sample(tr.logits.row(0), seen)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		seq = append(seq, id)
		seen[id]++
		if s.isStop(id) {
			break
		}
	}
	return seq, nil
}
