package main

import (
	"log"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "fpvgpt",
		Short:         "FPV Debug Bot - a small GPT trained on drone manuals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		newTrainCmd(),
		newInferCmd(),
		newDemoCmd(),
		newImportCmd(),
		newExportCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("❌ Error: %v", err)
	}
}
