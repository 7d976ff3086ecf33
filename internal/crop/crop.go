// Package crop cuts embedded-image regions out of a rendered page.
package crop

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/extractor"
)

// tolerance absorbs float noise from content-stream matrix products.
const tolerance = 1e-6

var (
	ErrInvalidBox   = errors.New("invalid bounding box")
	ErrOutsidePage  = errors.New("bounding box outside page")
	ErrEmptyCrop    = errors.New("crop produced no pixels")
	ErrMissingImage = errors.New("page render has no image")
)

// PageRender is one page rasterized for cropping. WidthPt and HeightPt are
// the displayed page size in points; DPI is the resolution Image was made at.
type PageRender struct {
	Image    image.Image
	WidthPt  float64
	HeightPt float64
	DPI      int
}

// Cropper holds the crop resolution. It has no mutable state.
type Cropper struct {
	dpi int
}

func New(dpi int) *Cropper {
	if dpi <= 0 {
		dpi = 300
	}
	return &Cropper{dpi: dpi}
}

func (c *Cropper) DPI() int { return c.dpi }

// PixelRect maps a descriptor in points to pixel space at dpi, rounding
// outward so every touched pixel is included.
func PixelRect(d extractor.Descriptor, dpi int) image.Rectangle {
	s := float64(dpi) / 72
	return image.Rect(
		int(math.Floor(d.X0*s)),
		int(math.Floor(d.Top*s)),
		int(math.Ceil(d.X1*s)),
		int(math.Ceil(d.Bottom*s)),
	)
}

// Crop returns a fresh RGBA copy of the region d covers on the page.
func (c *Cropper) Crop(render PageRender, d extractor.Descriptor) (*image.RGBA, error) {
	if render.Image == nil {
		return nil, ErrMissingImage
	}
	if !d.Valid() {
		return nil, fmt.Errorf("%w %v", ErrInvalidBox, d)
	}
	if render.WidthPt > 0 && render.HeightPt > 0 &&
		(d.X1 > render.WidthPt+tolerance || d.Bottom > render.HeightPt+tolerance) {
		return nil, fmt.Errorf("%w: %v on %.2fx%.2f page", ErrOutsidePage, d, render.WidthPt, render.HeightPt)
	}

	dpi := render.DPI
	if dpi <= 0 {
		dpi = c.dpi
	}

	b := render.Image.Bounds()
	r := PixelRect(d, dpi).Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("%w: %v maps to %v within %v", ErrEmptyCrop, d, PixelRect(d, dpi), b)
	}

	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), render.Image, r.Min, draw.Src)
	return out, nil
}
