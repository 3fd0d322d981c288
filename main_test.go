package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fpvgpt/dataset"
	"fpvgpt/nanogpt"
	"fpvgpt/tokenizer"
)

func TestNormalizeLine(t *testing.T) {
	got := normalizeLine("  Query: ESC\tbeeps\nResponse:  ")
	if got != "query: esc beeps response:" {
		t.Errorf("normalizeLine = %q", got)
	}
}

func TestExampleLinesMatchPrompt(t *testing.T) {
	e := dataset.Example{Query: "Debug ESC on an FPV drone", Response: "Check the ESC."}
	lines := exampleLines([]dataset.Example{e})
	prompt := normalizeLine(dataset.FormatPrompt(e.Query))
	if len(lines) != 1 || !strings.HasPrefix(lines[0], prompt+" ") {
		t.Errorf("training line %q does not continue prompt %q", lines, prompt)
	}
}

func TestEncodeLinesAppendsEndToken(t *testing.T) {
	tok, err := tokenizer.BuildChar("ab", 16)
	if err != nil {
		t.Fatalf("BuildChar failed: %v", err)
	}
	end := endToken(tok)
	stream := encodeLines(tok, []string{"ab", "b"})
	if len(stream) != 5 || stream[2] != end || stream[4] != end {
		t.Errorf("stream = %v, expected end token %d after each line", stream, end)
	}
}

func TestCorpusHash(t *testing.T) {
	h := corpusHash("fpv")
	if len(h) != 16 || h != corpusHash("fpv") || h == corpusHash("fpv2") {
		t.Errorf("corpusHash = %q", h)
	}
}

func TestTrainThenInfer(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.txt")
	text := strings.Repeat("esc beeps after arming\ncheck the motor wires\n", 8)
	if err := os.WriteFile(corpus, []byte(text), 0644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	out := filepath.Join(dir, "model")
	config := TrainConfig{
		Corpus:    corpus,
		Out:       out,
		Tokenizer: tokenizer.KindChar,
		Vocab:     64,
		Block:     8,
		Embd:      8,
		Heads:     2,
		Layers:    1,
		Dropout:   0.1,
		Batch:     8,
		Epochs:    2,
		LR:        1e-2,
		Clip:      1,
		Stride:    4,
		Seed:      1,
	}
	if err := trainModel(context.Background(), config); err != nil {
		t.Fatalf("trainModel failed: %v", err)
	}
	for _, name := range []string{modelFile, vocabFile, manifestFile, metricsFile} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	var manifest Manifest
	if err := loadJSON(filepath.Join(out, manifestFile), &manifest); err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if manifest.Tokenizer != tokenizer.KindChar || manifest.BlockSize != 8 || manifest.CorpusHash == "" {
		t.Errorf("manifest = %+v", manifest)
	}

	var buf bytes.Buffer
	infer := InferConfig{Model: out, Temp: 0, Max: 10, Timeout: time.Minute}
	if err := inferFromStdin(context.Background(), infer, strings.NewReader("esc beeps\n\n  \ncheck motor\n"), &buf); err != nil {
		t.Fatalf("inferFromStdin failed: %v", err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Errorf("got %d answer lines for 2 queries:\n%s", n, buf.String())
	}
}

func TestInferRequiresModelDir(t *testing.T) {
	err := inferFromStdin(context.Background(), InferConfig{Model: t.TempDir()}, strings.NewReader("x\n"), &bytes.Buffer{})
	if err == nil {
		t.Error("expected an error for a directory without a manifest")
	}
}

func TestImportThenExport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	manuals := []dataset.Manual{{
		Title:    "ESC Guide",
		FilePath: "https://example.org/esc.pdf",
		Content:  "BLHeli settings",
		Tags:     []string{"esc"},
	}}
	jsonPath := filepath.Join(dir, "manuals.json")
	if err := dataset.SaveManuals(jsonPath, manuals); err != nil {
		t.Fatalf("SaveManuals failed: %v", err)
	}
	dbPath := filepath.Join(dir, "manuals.db")

	var log bytes.Buffer
	if err := importManuals(ctx, &log, jsonPath, dbPath); err != nil {
		t.Fatalf("importManuals failed: %v", err)
	}
	outPath := filepath.Join(dir, "fpv_sft_dataset.json")
	if err := exportDataset(ctx, &log, manualSource{db: dbPath}, outPath); err != nil {
		t.Fatalf("exportDataset failed: %v", err)
	}
	examples, err := dataset.LoadExamples(outPath)
	if err != nil {
		t.Fatalf("LoadExamples failed: %v", err)
	}
	if len(examples) != 1 || examples[0].Query != "Debug esc on an FPV drone" {
		t.Errorf("examples = %+v", examples)
	}
}

func TestDefaultDBFromEnv(t *testing.T) {
	t.Setenv("FPVGPT_MANUALS_DB", "/tmp/custom.db")
	if got := defaultDB(); got != "/tmp/custom.db" {
		t.Errorf("defaultDB = %q", got)
	}
}

func TestRunDemo(t *testing.T) {
	cfg := nanogpt.Config{VocabSize: 50, BlockSize: 32, EmbdWidth: 16, Heads: 4, Layers: 2, Dropout: 0.1, InitStd: 0.02, Seed: 1}
	var buf bytes.Buffer
	if err := runDemo(context.Background(), &buf, cfg, 1); err != nil {
		t.Fatalf("runDemo failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Logits shape: (2, 32, 50)") {
		t.Errorf("unexpected demo output:\n%s", buf.String())
	}
}
