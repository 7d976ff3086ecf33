package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/crop"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/extractor"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/format"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/quality"
	"github.com/toricodesthings/pdf-extraction-pipeline/internal/types"
)

// ExtractDirect returns every page's native text plus a PNG crop of each
// embedded image whose bounding box is valid.
func (p *Processor) ExtractDirect(ctx context.Context, doc Document) (types.DirectResult, error) {
	start := time.Now()
	log := p.logger(doc)

	src, xerr := p.open(doc)
	if xerr != nil {
		log.Warn().Err(xerr).Msg("direct extraction rejected")
		return types.DirectResult{}, xerr
	}

	files := &spool{data: doc.Data, dir: p.opts.TempDir}
	defer files.Close()

	// The parser is not safe for concurrent use, so pages are read here in
	// order and only the rendering fans out.
	n := src.NumPages()
	pages := make([]extractor.Page, n)
	for i := range pages {
		if ctx.Err() != nil {
			return types.DirectResult{}, p.timeout(ctx, doc)
		}
		pages[i] = p.readPage(ctx, doc, src, i+1, files)
	}

	inputs := make([]format.DirectPageInput, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxPageWorkers)
	for i := range pages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inputs[i] = p.directPage(gctx, doc, pages[i], files)
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		return types.DirectResult{}, p.timeout(ctx, doc)
	}

	res := format.AssembleDirect(doc.FileName, inputs)
	p.metrics.Pages(ModeDirect, n)
	p.metrics.ObserveDocument(ModeDirect, time.Since(start))
	log.Info().Int("pages", n).Dur("took", time.Since(start)).Msg("direct extraction done")
	return res, nil
}

// readPage never fails: a page the parser cannot resolve comes back with
// only its number set.
func (p *Processor) readPage(ctx context.Context, doc Document, src Source, n int, files *spool) extractor.Page {
	log := p.logger(doc).With().Int("page", n).Logger()

	pg, warnings, err := src.Page(n)
	if err != nil {
		log.Warn().Err(err).Str("reason", "page_unreadable").Msg("page skipped")
		p.metrics.PageFailure(ModeDirect, "page_unreadable")
		return extractor.Page{Number: n}
	}
	pg.Number = n

	textFailed := false
	for _, w := range warnings {
		log.Warn().Err(w).Msg("page partially read")
		switch {
		case errors.Is(w, extractor.ErrPageText):
			textFailed = true
		case errors.Is(w, extractor.ErrPageImages):
			p.metrics.PageFailure(ModeDirect, "image_placements")
		}
	}

	if textFailed && pg.Text == "" && p.raster != nil {
		if path, err := files.Path(); err == nil {
			if txt, err := p.raster.PageText(ctx, path, n); err == nil {
				pg.Text = txt
			} else {
				log.Warn().Err(err).Str("reason", "text_fallback").Msg("page text left empty")
				p.metrics.PageFailure(ModeDirect, "text")
			}
		}
	}

	if a := quality.Assess(pg.Text, p.opts.MinWordsThreshold); a.Unreliable() {
		p.metrics.UnreliableTextLayer()
		log.Info().
			Float64("quality", a.Score).
			Int("words", a.Words).
			Strs("reasons", a.Reasons).
			Msg("text layer looks unreliable")
	}
	return pg
}

// directPage renders the page at most once for cropping, and once more at a
// lower resolution when full-page images are enabled. Pages without a valid
// image box are not rendered for cropping at all.
func (p *Processor) directPage(ctx context.Context, doc Document, pg extractor.Page, files *spool) format.DirectPageInput {
	out := format.DirectPageInput{Number: pg.Number, Text: pg.Text}
	clog := logging.For(logging.ComponentCrop, doc.RequestID).With().
		Str("file", doc.FileName).
		Int("page", pg.Number).
		Logger()

	var boxes []extractor.Descriptor
	for _, d := range pg.Images {
		if !d.Valid() {
			clog.Debug().Stringer("box", d).Str("reason", "invalid_box").Msg("image skipped")
			p.metrics.ImageSkipped("invalid_box")
			continue
		}
		boxes = append(boxes, d)
	}

	var render image.Image
	if len(boxes) > 0 {
		render = p.render(ctx, doc, pg.Number, p.cropper.DPI(), files)
	}
	if render != nil {
		page := crop.PageRender{Image: render, WidthPt: pg.Width, HeightPt: pg.Height, DPI: p.cropper.DPI()}
		for _, d := range boxes {
			img, err := p.cropper.Crop(page, d)
			if err != nil {
				clog.Debug().Err(err).Stringer("box", d).Str("reason", cropReason(err)).Msg("image skipped")
				p.metrics.ImageSkipped(cropReason(err))
				continue
			}
			out.Crops = append(out.Crops, img)
			p.metrics.ImageCropped()
		}
	} else if len(boxes) > 0 {
		for range boxes {
			p.metrics.ImageSkipped("render_failed")
		}
	}

	if p.opts.DirectPageImages {
		if render != nil && p.opts.PageImageDPI == p.cropper.DPI() {
			out.PageImage = render
		} else {
			out.PageImage = p.render(ctx, doc, pg.Number, p.opts.PageImageDPI, files)
		}
	}
	return out
}

func (p *Processor) render(ctx context.Context, doc Document, page, dpi int, files *spool) image.Image {
	log := p.logger(doc).With().Int("page", page).Logger()
	if p.raster == nil {
		return nil
	}
	path, err := files.Path()
	if err != nil {
		log.Error().Err(err).Msg("document could not be spooled")
		p.metrics.PageFailure(ModeDirect, "spool")
		return nil
	}
	img, err := p.raster.RenderPage(ctx, path, page, dpi)
	if err != nil {
		log.Warn().Err(err).Int("dpi", dpi).Str("reason", "render").Msg("page render failed")
		p.metrics.PageFailure(ModeDirect, "render")
		return nil
	}
	return img
}

func cropReason(err error) string {
	switch {
	case errors.Is(err, crop.ErrInvalidBox):
		return "invalid_box"
	case errors.Is(err, crop.ErrOutsidePage):
		return "outside_page"
	case errors.Is(err, crop.ErrEmptyCrop):
		return "empty_crop"
	default:
		return "crop_failed"
	}
}
