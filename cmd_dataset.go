package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fpvgpt/dataset"
)

// defaultDB is the manuals database used when --db is not given.
func defaultDB() string {
	if p := os.Getenv("FPVGPT_MANUALS_DB"); p != "" {
		return p
	}
	return "manuals.db"
}

func newImportCmd() *cobra.Command {
	var jsonPath, dbPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load manuals.json into the manuals database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonPath == "" {
				return errors.New("--json is required")
			}
			return importManuals(cmd.Context(), os.Stdout, jsonPath, dbPath)
		},
	}
	cmd.Flags().StringVar(&jsonPath, "json", "", "Path to manuals.json")
	cmd.Flags().StringVar(&dbPath, "db", defaultDB(), "SQLite manuals database (env FPVGPT_MANUALS_DB)")
	return cmd
}

func importManuals(ctx context.Context, out io.Writer, jsonPath, dbPath string) error {
	manuals, err := dataset.LoadManuals(jsonPath)
	if err != nil {
		return err
	}
	store, err := dataset.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Insert(ctx, manuals...); err != nil {
		return err
	}
	n, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "📚 Imported %d manuals into %s (%d total)\n", len(manuals), dbPath, n)
	return nil
}

// manualSource picks manuals from a JSON file when given, otherwise from the database.
type manualSource struct {
	json string
	db   string
}

func (src manualSource) load(ctx context.Context) ([]dataset.Manual, error) {
	if src.json != "" {
		return dataset.LoadManuals(src.json)
	}
	store, err := dataset.OpenStore(src.db)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Manuals(ctx)
}

func (src *manualSource) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&src.json, "json", "", "Read manuals from this JSON file instead of the database")
	cmd.Flags().StringVar(&src.db, "db", defaultDB(), "SQLite manuals database (env FPVGPT_MANUALS_DB)")
}

func newExportCmd() *cobra.Command {
	var src manualSource
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Build the SFT query/response dataset from the manuals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportDataset(cmd.Context(), os.Stdout, src, outPath)
		},
	}
	src.bind(cmd)
	cmd.Flags().StringVar(&outPath, "out", "fpv_sft_dataset.json", "Output dataset path")
	return cmd
}

func exportDataset(ctx context.Context, out io.Writer, src manualSource, outPath string) error {
	manuals, err := src.load(ctx)
	if err != nil {
		return err
	}
	examples := dataset.BuildExamples(manuals)
	if err := dataset.WriteExamples(outPath, examples); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ Dataset ready: %d examples written to %s\n", len(examples), outPath)
	return nil
}
