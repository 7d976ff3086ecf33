package format

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/types"
)

// EncodePNG returns the standard base64 encoding of img as PNG. Encoding an
// in-memory image only fails on a programming error, so it panics.
func EncodePNG(img image.Image) string {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(fmt.Sprintf("format: png encode: %v", err))
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DirectPageInput is one page's direct-mode output before encoding.
type DirectPageInput struct {
	Number    int
	Text      string
	Crops     []image.Image
	PageImage image.Image // optional
}

type OCRPageInput struct {
	Number    int
	Text      string
	PageImage image.Image
}

// AssembleDirect encodes pages in the order given. Pages are never dropped or
// renumbered; a page without crops gets an empty list, not null.
func AssembleDirect(fileName string, pages []DirectPageInput) types.DirectResult {
	out := types.DirectResult{FileName: fileName, Pages: make([]types.DirectPage, 0, len(pages))}
	for _, p := range pages {
		dp := types.DirectPage{
			PageNumber:   p.Number,
			Text:         p.Text,
			ImagesBase64: make([]string, 0, len(p.Crops)),
		}
		for _, c := range p.Crops {
			dp.ImagesBase64 = append(dp.ImagesBase64, EncodePNG(c))
		}
		if p.PageImage != nil {
			dp.PageImageBase64 = EncodePNG(p.PageImage)
		}
		out.Pages = append(out.Pages, dp)
	}
	return out
}

func AssembleOCR(fileName string, pages []OCRPageInput) types.OCRResult {
	out := types.OCRResult{FileName: fileName, Pages: make([]types.OCRPage, 0, len(pages))}
	for _, p := range pages {
		op := types.OCRPage{PageNumber: p.Number, OCRText: p.Text}
		if p.PageImage != nil {
			op.PageImageBase64 = EncodePNG(p.PageImage)
		}
		out.Pages = append(out.Pages, op)
	}
	return out
}

// PageText is anything that carries a page number and its text.
type PageText struct {
	PageNumber int
	Text       string
}

func DirectTexts(r types.DirectResult) []PageText {
	out := make([]PageText, len(r.Pages))
	for i, p := range r.Pages {
		out[i] = PageText{p.PageNumber, p.Text}
	}
	return out
}

func OCRTexts(r types.OCRResult) []PageText {
	out := make([]PageText, len(r.Pages))
	for i, p := range r.Pages {
		out[i] = PageText{p.PageNumber, p.OCRText}
	}
	return out
}

func Combine(pages []PageText, sep string, includePageNums bool) string {
	var b strings.Builder
	first := true
	for _, p := range pages {
		txt := strings.TrimSpace(p.Text)
		if txt == "" {
			continue
		}
		if !first {
			b.WriteString(sep)
		}
		first = false
		if includePageNums {
			b.WriteString(fmt.Sprintf("## Page %d\n\n", p.PageNumber))
		}
		b.WriteString(txt)
	}
	return strings.TrimSpace(b.String())
}
