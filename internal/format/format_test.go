package format

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/couchbaselabs/go.assert"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestEncodePNGRoundTrip(t *testing.T) {
	enc := EncodePNG(solid(7, 3, color.RGBA{10, 20, 30, 255}))
	raw, err := base64.StdEncoding.DecodeString(enc)
	assert.True(t, err == nil)
	img, err := png.Decode(bytes.NewReader(raw))
	assert.True(t, err == nil)
	assert.Equals(t, img.Bounds().Dx(), 7)
	assert.Equals(t, img.Bounds().Dy(), 3)
	r, g, b, _ := img.At(2, 1).RGBA()
	assert.Equals(t, r>>8, uint32(10))
	assert.Equals(t, g>>8, uint32(20))
	assert.Equals(t, b>>8, uint32(30))
}

func TestAssembleDirectKeepsOrderAndEmptyLists(t *testing.T) {
	pages := []DirectPageInput{
		{Number: 1, Text: "first", Crops: []image.Image{solid(2, 2, color.White), solid(3, 3, color.Black)}},
		{Number: 2},
		{Number: 3, Text: "third", PageImage: solid(4, 4, color.White)},
	}
	res := AssembleDirect("doc.pdf", pages)

	assert.Equals(t, res.FileName, "doc.pdf")
	assert.Equals(t, len(res.Pages), 3)
	for i, p := range res.Pages {
		assert.Equals(t, p.PageNumber, i+1)
		assert.True(t, p.ImagesBase64 != nil)
	}
	assert.Equals(t, len(res.Pages[0].ImagesBase64), 2)
	assert.Equals(t, res.Pages[1].Text, "")
	assert.Equals(t, res.Pages[0].PageImageBase64, "")
	assert.True(t, res.Pages[2].PageImageBase64 != "")

	js, err := json.Marshal(res.Pages[1])
	assert.True(t, err == nil)
	assert.Equals(t, string(js), `{"page_number":2,"text":"","images_base64":[]}`)
}

func TestAssembleDirectEmptyDocument(t *testing.T) {
	js, err := json.Marshal(AssembleDirect("empty.pdf", nil))
	assert.True(t, err == nil)
	assert.Equals(t, string(js), `{"file_name":"empty.pdf","pages":[]}`)
}

func TestAssembleOCR(t *testing.T) {
	res := AssembleOCR("scan.pdf", []OCRPageInput{
		{Number: 1, Text: "line one\nline two", PageImage: solid(5, 5, color.White)},
		{Number: 2, Text: "", PageImage: solid(5, 5, color.White)},
	})
	assert.Equals(t, len(res.Pages), 2)
	assert.Equals(t, res.Pages[0].OCRText, "line one\nline two")
	assert.Equals(t, res.Pages[1].OCRText, "")
	assert.True(t, res.Pages[1].PageImageBase64 != "")

	js, err := json.Marshal(AssembleOCR("none.pdf", nil))
	assert.True(t, err == nil)
	assert.Equals(t, string(js), `{"file_name":"none.pdf","pages":[]}`)
}

func TestCombine(t *testing.T) {
	pages := []PageText{
		{PageNumber: 1, Text: "  alpha  "},
		{PageNumber: 2, Text: ""},
		{PageNumber: 3, Text: "gamma"},
	}
	assert.Equals(t, Combine(pages, "\n\n", false), "alpha\n\ngamma")

	withNums := Combine(pages, "\n\n", true)
	assert.True(t, strings.HasPrefix(withNums, "## Page 1\n\nalpha"))
	assert.True(t, strings.Contains(withNums, "## Page 3\n\ngamma"))
	assert.True(t, !strings.Contains(withNums, "## Page 2"))
}
