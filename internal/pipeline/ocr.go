package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/format"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/preprocess"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/types"
)

// ExtractOCR rasterizes the whole document once and recognizes every page.
// A page the engine cannot read still appears, with empty text and its
// conditioned image.
func (p *Processor) ExtractOCR(ctx context.Context, doc Document) (types.OCRResult, error) {
	start := time.Now()
	log := p.logger(doc)

	src, xerr := p.open(doc)
	if xerr != nil {
		log.Warn().Err(xerr).Msg("ocr extraction rejected")
		return types.OCRResult{}, xerr
	}
	if p.recognizer == nil || p.raster == nil {
		return types.OCRResult{}, p.reject(NewInternalError(doc.FileName, "ocr mode is not configured", nil))
	}

	n := src.NumPages()
	if n == 0 {
		log.Info().Msg("document has no pages")
		return format.AssembleOCR(doc.FileName, nil), nil
	}

	files := &spool{data: doc.Data, dir: p.opts.TempDir}
	defer files.Close()
	path, err := files.Path()
	if err != nil {
		return types.OCRResult{}, p.reject(NewInternalError(doc.FileName, "document could not be spooled", err))
	}

	rasters, err := p.raster.Rasterize(ctx, path, p.opts.RasterDPI)
	if err != nil {
		if ctx.Err() != nil {
			return types.OCRResult{}, p.timeout(ctx, doc)
		}
		log.Error().Err(err).Msg("rasterization failed")
		return types.OCRResult{}, p.reject(NewRasterizationError(doc.FileName, err))
	}
	if len(rasters) < n {
		err := fmt.Errorf("rasterizer produced %d of %d pages", len(rasters), n)
		log.Error().Err(err).Msg("rasterization incomplete")
		return types.OCRResult{}, p.reject(NewRasterizationError(doc.FileName, err))
	}

	inputs := make([]format.OCRPageInput, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxPageWorkers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inputs[i] = p.ocrPage(gctx, doc, i+1, rasters[i])
			rasters[i] = nil
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		return types.OCRResult{}, p.timeout(ctx, doc)
	}

	res := format.AssembleOCR(doc.FileName, inputs)
	p.metrics.Pages(ModeOCR, n)
	p.metrics.ObserveDocument(ModeOCR, time.Since(start))
	log.Info().
		Int("pages", n).
		Str("engine", p.recognizer.Name()).
		Dur("took", time.Since(start)).
		Msg("ocr extraction done")
	return res, nil
}

func (p *Processor) ocrPage(ctx context.Context, doc Document, n int, raster image.Image) format.OCRPageInput {
	log := p.logger(doc).With().Int("page", n).Logger()

	conditioned := preprocess.Condition(raster, p.opts.Preprocess)
	out := format.OCRPageInput{Number: n, PageImage: conditioned}

	rec, err := p.recognizer.Recognize(ctx, conditioned)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out
		}
		log.Warn().Err(err).Str("reason", "recognition").Msg("page text left empty")
		p.metrics.PageFailure(ModeOCR, "recognition")
		return out
	}
	out.Text = rec.Text()
	return out
}
