// Package testpdf writes small, well-formed PDF files for tests.
package testpdf

import (
	"bytes"
	"fmt"
	"strings"
)

// Page describes one page of a generated document.
type Page struct {
	// Text is drawn with Helvetica at (72, 700) when non-empty.
	Text string
	// Images are cm matrices [a b c d e f]; each paints the 1x1 image Im1.
	Images [][6]float64
	// FormImages paints Im1 through a Form XObject: the outer matrix places
	// the form, the inner one places the image inside it.
	FormImages [][2][6]float64
	// Rotate sets /Rotate on the page when non-zero.
	Rotate int
	// CropBox sets /CropBox [x0 y0 x1 y1] on the page when non-zero.
	CropBox [4]float64
}

// Build returns a PDF with a US Letter MediaBox and the given pages.
func Build(pages ...Page) []byte {
	b := &builder{}

	catalog := b.reserve()
	tree := b.reserve()
	font := b.add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	img := b.addStream("/Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceGray /BitsPerComponent 8", "\x80")

	kids := make([]string, 0, len(pages))
	for _, p := range pages {
		var content strings.Builder
		for _, m := range p.Images {
			fmt.Fprintf(&content, "q %s cm /Im1 Do Q\n", nums(m))
		}
		xobjects := fmt.Sprintf("/Im1 %d 0 R", img)
		for i, fi := range p.FormImages {
			form := b.addStream(
				fmt.Sprintf("/Type /XObject /Subtype /Form /BBox [0 0 612 792] /Matrix [1 0 0 1 0 0] /Resources << /XObject << /Im1 %d 0 R >> >>", img),
				fmt.Sprintf("q %s cm /Im1 Do Q\n", nums(fi[1])),
			)
			name := fmt.Sprintf("Fm%d", i+1)
			xobjects += fmt.Sprintf(" /%s %d 0 R", name, form)
			fmt.Fprintf(&content, "q %s cm /%s Do Q\n", nums(fi[0]), name)
		}
		if p.Text != "" {
			fmt.Fprintf(&content, "BT /F1 12 Tf 72 700 Td (%s) Tj ET\n", p.Text)
		}
		c := b.addStream("", content.String())

		extra := ""
		if p.Rotate != 0 {
			extra = fmt.Sprintf(" /Rotate %d", p.Rotate)
		}
		if p.CropBox != ([4]float64{}) {
			extra += fmt.Sprintf(" /CropBox [%g %g %g %g]", p.CropBox[0], p.CropBox[1], p.CropBox[2], p.CropBox[3])
		}
		page := b.add(fmt.Sprintf(
			"<< /Type /Page /Parent %d 0 R /Resources << /Font << /F1 %d 0 R >> /XObject << %s >> >> /Contents %d 0 R%s >>",
			tree, font, xobjects, c, extra))
		kids = append(kids, fmt.Sprintf("%d 0 R", page))
	}

	b.set(catalog, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", tree))
	b.set(tree, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>",
		strings.Join(kids, " "), len(pages)))
	return b.bytes(catalog)
}

type builder struct {
	objs []string
}

func (b *builder) reserve() int {
	b.objs = append(b.objs, "")
	return len(b.objs)
}

func (b *builder) set(id int, body string) { b.objs[id-1] = body }

func (b *builder) add(body string) int {
	b.objs = append(b.objs, body)
	return len(b.objs)
}

func (b *builder) addStream(dict, data string) int {
	return b.add(fmt.Sprintf("<< %s /Length %d >>\nstream\n%s\nendstream", dict, len(data), data))
}

func (b *builder) bytes(root int) []byte {
	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(b.objs))
	for i, body := range b.objs {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", len(b.objs)+1)
	out.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(b.objs)+1, root, xref)
	return out.Bytes()
}

func nums(m [6]float64) string {
	parts := make([]string, len(m))
	for i, v := range m {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return strings.Join(parts, " ")
}
