package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNotPDF is returned by Open when the payload lacks the %PDF header.
var ErrNotPDF = errors.New("payload is not a PDF")

// Page warnings wrap one of these.
var (
	ErrPageText   = errors.New("text")
	ErrPageImages = errors.New("images")
)

// Document is an opened PDF. It is not safe for concurrent use.
type Document struct {
	r     *pdf.Reader
	pages int
}

// Open parses data as a PDF. Malformed and encrypted documents fail here.
func Open(data []byte) (doc *Document, err error) {
	if err := validatePDFMagic(data); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}
	return &Document{r: r, pages: r.NumPage()}, nil
}

func (d *Document) NumPages() int { return d.pages }

// Page returns the 1-based page n with its native text and image
// descriptors. Text and descriptor failures are reported through the
// returned warnings and leave the respective field empty; the error is only
// non-nil when the page object itself cannot be resolved.
func (d *Document) Page(n int) (pg Page, warnings []error, err error) {
	if n < 1 || n > d.pages {
		return Page{}, nil, fmt.Errorf("page %d out of range 1..%d", n, d.pages)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolve page %d: %v", n, r)
		}
	}()

	p := d.r.Page(n)
	if p.V.IsNull() {
		return Page{}, nil, fmt.Errorf("page %d not found in page tree", n)
	}

	box := pageBox(p.V)
	rot := pageRotation(p.V)
	w, h := box.maxX-box.minX, box.maxY-box.minY

	pg = Page{Number: n, Width: w, Height: h}
	if rot == 90 || rot == 270 {
		pg.Width, pg.Height = h, w
	}

	text, terr := plainText(p)
	if terr != nil {
		warnings = append(warnings, fmt.Errorf("%w: %v", ErrPageText, terr))
	}
	pg.Text = cleanText(text)

	rects, perr := imagePlacements(p)
	if perr != nil {
		warnings = append(warnings, fmt.Errorf("%w: %v", ErrPageImages, perr))
	}
	for _, r := range rects {
		desc := Descriptor{
			X0:     r.minX - box.minX,
			Top:    box.maxY - r.maxY,
			X1:     r.maxX - box.minX,
			Bottom: box.maxY - r.minY,
		}
		pg.Images = append(pg.Images, desc.rotate(rot, w, h))
	}
	return pg, warnings, nil
}

func plainText(p pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%v", r)
		}
	}()

	fonts := make(map[string]*pdf.Font)
	for _, name := range p.Fonts() {
		f := p.Font(name)
		fonts[name] = &f
	}
	return p.GetPlainText(fonts)
}

// pageBox returns the visible page area: the inherited CropBox when present,
// otherwise the MediaBox, otherwise US Letter.
func pageBox(v pdf.Value) rect {
	for _, key := range []string{"CropBox", "MediaBox"} {
		if r, ok := inheritedBox(v, key); ok {
			return r
		}
	}
	return rect{0, 0, 612, 792}
}

func inheritedBox(v pdf.Value, key string) (rect, bool) {
	for depth := 0; depth < 32 && !v.IsNull(); depth++ {
		b := v.Key(key)
		if b.Kind() == pdf.Array && b.Len() == 4 {
			x0, y0 := b.Index(0).Float64(), b.Index(1).Float64()
			x1, y1 := b.Index(2).Float64(), b.Index(3).Float64()
			r := rect{math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)}
			if r.maxX > r.minX && r.maxY > r.minY {
				return r, true
			}
		}
		v = v.Key("Parent")
	}
	return rect{}, false
}

func pageRotation(v pdf.Value) int {
	for depth := 0; depth < 32 && !v.IsNull(); depth++ {
		r := v.Key("Rotate")
		if r.Kind() == pdf.Integer || r.Kind() == pdf.Real {
			deg := int(r.Int64()) % 360
			if r.Kind() == pdf.Real {
				deg = int(r.Float64()) % 360
			}
			if deg < 0 {
				deg += 360
			}
			return deg
		}
		v = v.Key("Parent")
	}
	return 0
}

// validatePDFMagic checks that the payload starts with %PDF. Some producers
// prepend junk, so the header may appear within the first KiB.
func validatePDFMagic(data []byte) error {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if !bytes.Contains(head, []byte("%PDF-")) {
		preview := string(data[:min(len(data), 8)])
		return fmt.Errorf("%w (starts with %q)", ErrNotPDF, preview)
	}
	return nil
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}
