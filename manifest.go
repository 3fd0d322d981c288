package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fpvgpt/dataset"
	"fpvgpt/tokenizer"
)

// buildVersion is stamped with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

const (
	modelFile    = "model.gob"
	vocabFile    = "vocab.json"
	manifestFile = "manifest.json"
	metricsFile  = "metrics.json"
)

// Manifest records how a model directory was produced.
type Manifest struct {
	CorpusPath   string    `json:"corpus_path"`
	CorpusHash   string    `json:"corpus_hash"`
	Tokenizer    string    `json:"tokenizer"`
	Encoding     string    `json:"encoding,omitempty"`
	VocabSize    int       `json:"vocab_size"`
	BlockSize    int       `json:"block_size"`
	EmbdWidth    int       `json:"embd_width"`
	Heads        int       `json:"heads"`
	Layers       int       `json:"layers"`
	Dropout      float64   `json:"dropout"`
	Params       int       `json:"params"`
	Batch        int       `json:"batch"`
	Epochs       int       `json:"epochs"`
	LR           float64   `json:"lr"`
	Clip         float64   `json:"clip"`
	L2           float64   `json:"l2"`
	Patience     int       `json:"patience"`
	Seed         int64     `json:"seed"`
	BestEpoch    int       `json:"best_epoch"`
	BestValLoss  float64   `json:"best_val_loss"`
	TrainedAt    time.Time `json:"trained_at"`
	BuildVersion string    `json:"build_version"`
}

func saveJSON(path string, data interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func loadJSON(path string, data interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewDecoder(f).Decode(data)
}

// corpusHash is the first 16 hex digits of the corpus sha256.
func corpusHash(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(text)))[:16]
}

// normalizeLine lowercases s and collapses all whitespace, newlines
// included, to single spaces. Training lines and prompts share it.
func normalizeLine(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// loadCorpusLines reads a text file and returns its non-empty normalized lines.
func loadCorpusLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = normalizeLine(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// exampleLines turns each example into one normalized training line.
func exampleLines(examples []dataset.Example) []string {
	out := make([]string, 0, len(examples))
	for _, e := range examples {
		if line := normalizeLine(e.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// endToken returns the id that closes every training line.
func endToken(tok tokenizer.Tokenizer) int {
	if c, ok := tok.(*tokenizer.Char); ok {
		id, _ := c.ID(tokenizer.End)
		return id
	}
	return tokenizer.EndOfText
}

// encodeLines encodes each line followed by the end token into one stream.
func encodeLines(tok tokenizer.Tokenizer, lines []string) []int {
	end := endToken(tok)
	var stream []int
	for _, line := range lines {
		stream = append(stream, tok.Encode(line)...)
		stream = append(stream, end)
	}
	return stream
}

// loadTokenizer rebuilds the tokenizer a model directory was trained with.
func loadTokenizer(dir string, m Manifest) (tokenizer.Tokenizer, error) {
	switch m.Tokenizer {
	case tokenizer.KindChar, "":
		return tokenizer.LoadCharJSON(filepath.Join(dir, vocabFile))
	case tokenizer.KindBPE:
		return tokenizer.NewBPE(m.Encoding)
	default:
		return nil, fmt.Errorf("unknown tokenizer %q in manifest", m.Tokenizer)
	}
}
