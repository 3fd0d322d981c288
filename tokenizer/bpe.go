package tokenizer

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the GPT-2 byte-pair vocabulary of 50257 ids.
const DefaultEncoding = "r50k_base"

// EndOfText is the <|endoftext|> id in r50k_base.
const EndOfText = 50256

var encodingSizes = map[string]int{
	"r50k_base":   50257,
	"p50k_base":   50281,
	"cl100k_base": 100277,
}

// BPE wraps a tiktoken byte-pair encoding.
type BPE struct {
	name string
	size int
	enc  *tiktoken.Tiktoken
}

// NewBPE loads the named encoding; an empty name selects DefaultEncoding.
// The merge table is fetched and cached by tiktoken on first use.
func NewBPE(name string) (*BPE, error) {
	if name == "" {
		name = DefaultEncoding
	}
	size, ok := encodingSizes[name]
	if !ok {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", name, err)
	}
	return &BPE{name: name, size: size, enc: enc}, nil
}

// Name returns the encoding name.
func (b *BPE) Name() string { return b.name }

// Encode treats special-token text as ordinary text.
func (b *BPE) Encode(text string) []int {
	return b.enc.EncodeOrdinary(text)
}

func (b *BPE) Decode(ids []int) string {
	valid := make([]int, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < b.size {
			valid = append(valid, id)
		}
	}
	return b.enc.Decode(valid)
}

func (b *BPE) VocabSize() int { return b.size }
