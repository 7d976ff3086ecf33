// Package ocr adapts OCR engines to a single Recognizer interface. Engines
// are loaded once at startup and shared by every request.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"regexp"
	"strings"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/config"
)

const (
	EngineTesseract = "tesseract"
	EngineVision    = "vision"
)

var ErrRecognition = errors.New("recognition failed")

// RecognitionError reports a page the engine could not read. It matches
// ErrRecognition with errors.Is.
type RecognitionError struct {
	Engine string
	Cause  error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Engine, e.Cause)
}

func (e *RecognitionError) Unwrap() error { return e.Cause }

func (e *RecognitionError) Is(target error) bool { return target == ErrRecognition }

// Line is one recognized span. Polygon corners run clockwise from the
// top-left in the coordinates of the recognized image.
type Line struct {
	Text       string
	Confidence float64
	Polygon    [4]image.Point
}

// Recognition is the engine output for one image, in engine scan order.
type Recognition struct {
	Lines []Line
}

var (
	zeroWidthChars = regexp.MustCompile("[\u200B-\u200D\uFEFF\u00AD\u2060]")
	trailingSpaces = regexp.MustCompile(`(?m)[ \t]+$`)
)

// cleanSpan strips invisible characters and line-end noise from one
// recognized span. Order and content are otherwise untouched.
func cleanSpan(text string) string {
	if text == "" {
		return ""
	}
	text = zeroWidthChars.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = trailingSpaces.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// Text joins every span with a newline. Order is kept as the engine
// produced it.
func (r Recognition) Text() string {
	parts := make([]string, len(r.Lines))
	for i, l := range r.Lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) (Recognition, error)
	Name() string
	Close() error
}

// Open builds the engine named by cfg.OCREngine.
func Open(ctx context.Context, cfg config.Config) (Recognizer, error) {
	switch strings.ToLower(cfg.OCREngine) {
	case "", EngineTesseract:
		return NewTesseract(TesseractOptions{
			Languages:      cfg.OCRLanguages,
			TessdataPrefix: cfg.TessdataPrefix,
			PoolSize:       int(cfg.MaxOCRConcurrent),
			DPI:            int(float64(cfg.RasterDPI) * cfg.PreprocessUpscale),
		})
	case EngineVision:
		return NewVision(ctx, VisionOptions{
			Languages:       cfg.OCRLanguages,
			CredentialsFile: cfg.GoogleCredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown OCR engine %q", cfg.OCREngine)
	}
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func rectPolygon(r image.Rectangle) [4]image.Point {
	return [4]image.Point{
		r.Min,
		{X: r.Max.X, Y: r.Min.Y},
		r.Max,
		{X: r.Min.X, Y: r.Max.Y},
	}
}
