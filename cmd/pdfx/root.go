package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/config"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/extractor"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/ocr"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/pipeline"
)

// cfg is resolved once in PersistentPreRunE and read by every subcommand.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "pdfx",
	Short:         "Extract text and images from PDF files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()

		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		if path != "" {
			if cfg, err = cfg.LoadFile(path); err != nil {
				return err
			}
		}

		ll, err := cmd.Flags().GetString("log-level")
		if err != nil {
			return err
		}
		if ll != "" {
			cfg.LogLevel = ll
		}
		// stdout carries the result, so logs go to stderr
		logging.SetupWriter(os.Stderr, cfg.LogLevel, true)

		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", os.Getenv("CONFIG_FILE"), "YAML file overlaid on the environment configuration")
	rootCmd.PersistentFlags().String("log-level", "", "The logging level for the command (overrides LOG_LEVEL)")
}

// readDocument loads a PDF from disk as an upload named after its base name.
func readDocument(path string) (pipeline.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return pipeline.Document{
		FileName:  filepath.Base(path),
		Data:      data,
		RequestID: uuid.NewString(),
	}, nil
}

// newProcessor wires a processor for one invocation. The OCR engine is only
// loaded when withOCR is set; the returned close func releases it.
func newProcessor(ctx context.Context, cfg config.Config, withOCR bool) (*pipeline.Processor, func(), error) {
	raster := extractor.NewPoppler(cfg.PdftoppmPath, cfg.PopplerTimeout)

	var rec ocr.Recognizer
	closeFn := func() {}
	if withOCR {
		var err error
		rec, err = ocr.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() { _ = rec.Close() }
	}
	return pipeline.New(pipeline.OptionsFrom(cfg), pipeline.ParsePDF, raster, rec), closeFn, nil
}

// output opens the -o target, or stdout when none is given.
func output(cmd *cobra.Command) (*os.File, func() error, error) {
	path, err := cmd.Flags().GetString("output")
	if err != nil || path == "" {
		return os.Stdout, func() error { return nil }, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
