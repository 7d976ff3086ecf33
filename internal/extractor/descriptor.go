package extractor

import "fmt"

// Descriptor locates one embedded image on a page. Coordinates are PDF points
// with the origin at the top-left corner of the displayed page.
type Descriptor struct {
	X0     float64 `json:"x0"`
	Top    float64 `json:"top"`
	X1     float64 `json:"x1"`
	Bottom float64 `json:"bottom"`
}

// Valid reports whether the box is non-negative and correctly ordered.
func (d Descriptor) Valid() bool {
	if d.X0 < 0 || d.Top < 0 || d.X1 < 0 || d.Bottom < 0 {
		return false
	}
	return d.X0 < d.X1 && d.Top < d.Bottom
}

func (d Descriptor) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f, %.2f)", d.X0, d.Top, d.X1, d.Bottom)
}

// Page is what the parser knows about one page before any rendering.
type Page struct {
	Number int
	// Width and Height are the displayed page size in points, after /Rotate.
	Width  float64
	Height float64
	Text   string
	Images []Descriptor
}

// rotate maps a box given in unrotated top-left space (page size w x h) into
// the displayed orientation for a clockwise /Rotate of deg degrees.
func (d Descriptor) rotate(deg int, w, h float64) Descriptor {
	switch deg {
	case 90:
		return Descriptor{X0: h - d.Bottom, Top: d.X0, X1: h - d.Top, Bottom: d.X1}
	case 180:
		return Descriptor{X0: w - d.X1, Top: h - d.Bottom, X1: w - d.X0, Bottom: h - d.Top}
	case 270:
		return Descriptor{X0: d.Top, Top: w - d.X1, X1: d.Bottom, Bottom: w - d.X0}
	}
	return d
}
