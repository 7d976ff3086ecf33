package ocr

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
	"github.com/rs/zerolog/log"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
)

type TesseractOptions struct {
	Languages      []string
	TessdataPrefix string
	// PoolSize is the number of loaded clients, i.e. how many pages can be
	// recognized at once.
	PoolSize int
	// DPI is passed to tesseract as user_defined_dpi when positive.
	DPI int
}

// Tesseract recognizes with a fixed pool of gosseract clients. Every client
// is configured with the same languages and warmed at construction, so
// traineddata is loaded once per client for the life of the process.
type Tesseract struct {
	langs []string
	pool  chan *gosseract.Client
	all   []*gosseract.Client
}

func NewTesseract(opts TesseractOptions) (*Tesseract, error) {
	if len(opts.Languages) == 0 {
		return nil, fmt.Errorf("tesseract: no languages configured")
	}
	size := max(1, opts.PoolSize)
	t := &Tesseract{
		langs: append([]string(nil), opts.Languages...),
		pool:  make(chan *gosseract.Client, size),
	}

	blank, err := encodePNG(image.NewGray(image.Rect(0, 0, 32, 32)))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for i := 0; i < size; i++ {
		c, err := newTesseractClient(opts, blank)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.all = append(t.all, c)
		t.pool <- c
	}

	log.Info().
		Str("component", logging.ComponentTesseract).
		Strs("languages", t.langs).
		Int("clients", size).
		Str("version", gosseract.Version()).
		Dur("took", time.Since(start)).
		Msg("tesseract ready")
	return t, nil
}

func newTesseractClient(opts TesseractOptions, warmup []byte) (*gosseract.Client, error) {
	c := gosseract.NewClient()
	if opts.TessdataPrefix != "" {
		c.TessdataPrefix = opts.TessdataPrefix
	}
	if err := c.SetLanguage(opts.Languages...); err != nil {
		c.Close()
		return nil, fmt.Errorf("tesseract: set languages %s: %w", strings.Join(opts.Languages, "+"), err)
	}
	if opts.DPI > 0 {
		if err := c.SetVariable("user_defined_dpi", strconv.Itoa(opts.DPI)); err != nil {
			c.Close()
			return nil, fmt.Errorf("tesseract: set dpi: %w", err)
		}
	}
	// First recognition initializes the API and loads traineddata. Doing it
	// here surfaces missing language files at startup.
	if err := c.SetImageFromBytes(warmup); err != nil {
		c.Close()
		return nil, fmt.Errorf("tesseract: warm up: %w", err)
	}
	if _, err := c.Text(); err != nil {
		c.Close()
		return nil, fmt.Errorf("tesseract: warm up: %w", err)
	}
	return c, nil
}

func (t *Tesseract) Name() string { return EngineTesseract }

// Recognize returns one Line per tesseract text line.
func (t *Tesseract) Recognize(ctx context.Context, img image.Image) (Recognition, error) {
	data, err := encodePNG(img)
	if err != nil {
		return Recognition{}, &RecognitionError{Engine: EngineTesseract, Cause: err}
	}

	var c *gosseract.Client
	select {
	case c = <-t.pool:
	case <-ctx.Done():
		return Recognition{}, &RecognitionError{Engine: EngineTesseract, Cause: ctx.Err()}
	}
	defer func() { t.pool <- c }()

	if err := c.SetImageFromBytes(data); err != nil {
		return Recognition{}, &RecognitionError{Engine: EngineTesseract, Cause: fmt.Errorf("set image: %w", err)}
	}
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return Recognition{}, &RecognitionError{Engine: EngineTesseract, Cause: fmt.Errorf("recognize: %w", err)}
	}

	rec := Recognition{Lines: make([]Line, 0, len(boxes))}
	for _, b := range boxes {
		text := cleanSpan(b.Word)
		if text == "" {
			continue
		}
		rec.Lines = append(rec.Lines, Line{
			Text:       text,
			Confidence: b.Confidence / 100,
			Polygon:    rectPolygon(b.Box),
		})
	}
	return rec, nil
}

// Close releases every client. Callers must not Recognize afterwards.
func (t *Tesseract) Close() error {
	var first error
	for _, c := range t.all {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.all = nil
	return first
}
