package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/format"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/pipeline"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/types"
)

var directCmd = &cobra.Command{
	Use:   "direct <file.pdf>",
	Short: "Extract native text and embedded images as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := runDirect(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeResult(cmd, res)
	},
}

var ocrCmd = &cobra.Command{
	Use:   "ocr <file.pdf>",
	Short: "Rasterize every page and run OCR, printing JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := runOCR(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeResult(cmd, res)
	},
}

var textCmd = &cobra.Command{
	Use:   "text <file.pdf>",
	Short: "Print the document text as one plain-text stream",
	Long: `Print the text of every page, separated by a blank line.

By default the native text layer is used; pass --ocr to recognize the
rendered pages instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useOCR, _ := cmd.Flags().GetBool("ocr")
		pageNums, _ := cmd.Flags().GetBool("page-numbers")
		sep, _ := cmd.Flags().GetString("separator")

		var pages []format.PageText
		if useOCR {
			res, err := runOCR(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pages = format.OCRTexts(res)
		} else {
			res, err := runDirect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pages = format.DirectTexts(res)
		}

		out, closeOut, err := output(cmd)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(out, format.Combine(pages, sep, pageNums)+"\n"); err != nil {
			closeOut()
			return err
		}
		return closeOut()
	},
}

func init() {
	for _, c := range []*cobra.Command{directCmd, ocrCmd, textCmd} {
		c.Flags().StringP("output", "o", "", "Write the result to a file instead of stdout")
		rootCmd.AddCommand(c)
	}
	directCmd.Flags().Bool("indent", false, "Pretty-print the JSON result")
	ocrCmd.Flags().Bool("indent", false, "Pretty-print the JSON result")

	textCmd.Flags().Bool("ocr", false, "Use OCR instead of the native text layer")
	textCmd.Flags().Bool("page-numbers", false, "Prefix each page with its number")
	textCmd.Flags().String("separator", "\n\n", "Separator between pages")
}

func runDirect(ctx context.Context, path string) (types.DirectResult, error) {
	doc, err := readDocument(path)
	if err != nil {
		return types.DirectResult{}, err
	}
	proc, closeFn, err := newProcessor(ctx, cfg, false)
	if err != nil {
		return types.DirectResult{}, err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(ctx, cfg.ExtractTimeout)
	defer cancel()

	l := logging.For(logging.ComponentCLI, doc.RequestID)
	l.Debug().Str("file", doc.FileName).Msg("direct extraction")
	return proc.ExtractDirect(ctx, doc)
}

func runOCR(ctx context.Context, path string) (types.OCRResult, error) {
	doc, err := readDocument(path)
	if err != nil {
		return types.OCRResult{}, err
	}
	// reject before paying for engine start-up
	if err := pipeline.New(pipeline.OptionsFrom(cfg), nil, nil, nil).Validate(doc); err != nil {
		return types.OCRResult{}, err
	}
	proc, closeFn, err := newProcessor(ctx, cfg, true)
	if err != nil {
		return types.OCRResult{}, err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(ctx, cfg.ExtractOCRTimeout)
	defer cancel()

	l := logging.For(logging.ComponentCLI, doc.RequestID)
	l.Debug().Str("file", doc.FileName).Msg("ocr extraction")
	return proc.ExtractOCR(ctx, doc)
}

func writeResult(cmd *cobra.Command, v any) error {
	out, closeOut, err := output(cmd)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	if indent, _ := cmd.Flags().GetBool("indent"); indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		closeOut()
		return fmt.Errorf("encode result: %w", err)
	}
	return closeOut()
}
