// Package tokenizer converts between text and model token ids.
package tokenizer

// Tokenizer maps text to token ids and back. Every id Encode returns is in
// [0, VocabSize()).
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
	VocabSize() int
}

// Kind names a tokenizer implementation in manifests and flags.
const (
	KindChar = "char"
	KindBPE  = "bpe"
)
