// Package pipeline turns one uploaded PDF into per-page records, either from
// the native text layer (direct mode) or by rasterizing and recognizing every
// page (OCR mode).
package pipeline

import (
	"context"
	"image"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/config"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/crop"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/extractor"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/metrics"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/ocr"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/preprocess"
)

const (
	ModeDirect = "direct"
	ModeOCR    = "ocr"
)

// Document is one upload. Data is never modified.
type Document struct {
	FileName  string
	Data      []byte
	RequestID string
}

// Source is an opened PDF. Implementations need not be safe for concurrent
// use; the processor reads pages from one goroutine.
type Source interface {
	NumPages() int
	Page(n int) (extractor.Page, []error, error)
}

// Parser opens raw bytes as a Source.
type Parser func(data []byte) (Source, error)

// Rasterizer renders pages of a PDF on disk.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string, dpi int) ([]image.Image, error)
	RenderPage(ctx context.Context, pdfPath string, page, dpi int) (image.Image, error)
	PageText(ctx context.Context, pdfPath string, page int) (string, error)
}

// ParsePDF is the Parser backed by the native PDF reader.
func ParsePDF(data []byte) (Source, error) {
	doc, err := extractor.Open(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

type Options struct {
	MaxUploadBytes    int64
	RasterDPI         int
	CropDPI           int
	PageImageDPI      int
	DirectPageImages  bool
	MaxPageWorkers    int
	MinWordsThreshold int
	Preprocess        preprocess.Params
	TempDir           string
}

// OptionsFrom copies the pipeline knobs out of the process configuration.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		MaxUploadBytes:    cfg.MaxUploadBytes,
		RasterDPI:         cfg.RasterDPI,
		CropDPI:           cfg.CropDPI,
		PageImageDPI:      cfg.PageImageDPI,
		DirectPageImages:  cfg.DirectPageImages,
		MaxPageWorkers:    cfg.MaxPageWorkers,
		MinWordsThreshold: cfg.MinWordsThreshold,
		Preprocess: preprocess.Params{
			Upscale:   cfg.PreprocessUpscale,
			Alpha:     cfg.PreprocessAlpha,
			Beta:      cfg.PreprocessBeta,
			BlockSize: cfg.PreprocessBlockSize,
			Bias:      cfg.PreprocessBias,
		},
	}
}

type Option func(*Processor)

func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Processor) { p.metrics = m }
}

// Processor is built once at startup and shared by all requests. It holds no
// per-request state.
type Processor struct {
	opts       Options
	parse      Parser
	raster     Rasterizer
	recognizer ocr.Recognizer
	cropper    *crop.Cropper
	metrics    *metrics.Recorder
}

// New wires the processor. recognizer may be nil when only direct mode is
// used.
func New(opts Options, parse Parser, raster Rasterizer, recognizer ocr.Recognizer, extra ...Option) *Processor {
	if parse == nil {
		parse = ParsePDF
	}
	if opts.MaxPageWorkers < 1 {
		opts.MaxPageWorkers = 1
	}
	if opts.RasterDPI <= 0 {
		opts.RasterDPI = 300
	}
	if opts.PageImageDPI <= 0 {
		opts.PageImageDPI = 150
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.Preprocess == (preprocess.Params{}) {
		opts.Preprocess = preprocess.DefaultParams()
	}
	p := &Processor{
		opts:       opts,
		parse:      parse,
		raster:     raster,
		recognizer: recognizer,
		cropper:    crop.New(opts.CropDPI),
	}
	for _, o := range extra {
		o(p)
	}
	return p
}

func (p *Processor) MaxUploadBytes() int64 { return p.opts.MaxUploadBytes }

// Validate checks the declared file name and size. It never looks at the
// content, so it is safe to call before the body is parsed.
func (p *Processor) Validate(doc Document) error {
	if !strings.EqualFold(filepath.Ext(doc.FileName), ".pdf") {
		return NewUnsupportedFileTypeError(doc.FileName)
	}
	if int64(len(doc.Data)) > p.opts.MaxUploadBytes {
		return NewPayloadTooLargeError(doc.FileName, int64(len(doc.Data)), p.opts.MaxUploadBytes)
	}
	return nil
}

func (p *Processor) logger(doc Document) zerolog.Logger {
	return logging.For(logging.ComponentPipeline, doc.RequestID).With().Str("file", doc.FileName).Logger()
}

func (p *Processor) reject(err *ExtractionError) *ExtractionError {
	p.metrics.Rejected(string(err.Code))
	return err
}

func (p *Processor) open(doc Document) (Source, *ExtractionError) {
	if err := p.Validate(doc); err != nil {
		return nil, p.reject(err.(*ExtractionError))
	}
	src, err := p.parse(doc.Data)
	if err != nil {
		return nil, p.reject(NewDocumentParseError(doc.FileName, err))
	}
	return src, nil
}

func (p *Processor) timeout(ctx context.Context, doc Document) *ExtractionError {
	return p.reject(NewProcessingTimeoutError(doc.FileName, context.Cause(ctx)))
}

// spool writes the document to disk the first time a poppler binary needs it.
type spool struct {
	data    []byte
	dir     string
	once    sync.Once
	path    string
	err     error
	cleanup func()
}

func (s *spool) Path() (string, error) {
	s.once.Do(func() {
		s.path, s.cleanup, s.err = extractor.Spool(s.dir, s.data)
	})
	return s.path, s.err
}

func (s *spool) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}
