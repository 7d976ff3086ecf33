package ocr

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os/exec"
	"strings"
	"testing"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/config"
)

func TestRecognitionText(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{"empty", nil, ""},
		{"single", []string{"hello"}, "hello"},
		{"engine order kept", []string{"second", "first", "third"}, "second\nfirst\nthird"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Recognition
			for _, l := range tt.lines {
				r.Lines = append(r.Lines, Line{Text: l})
			}
			if got := r.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanSpan(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  plain  ", "plain"},
		{"zero\u200bwidth\ufeff", "zerowidth"},
		{"soft\u00adhyphen", "softhyphen"},
		{"a  \r\nb\t\rc", "a\nb\nc"},
		{"বাংলা লেখা ", "বাংলা লেখা"},
	}
	for _, tt := range tests {
		if got := cleanSpan(tt.in); got != tt.want {
			t.Errorf("cleanSpan(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecognitionErrorMatches(t *testing.T) {
	cause := errors.New("engine exploded")
	var err error = &RecognitionError{Engine: EngineTesseract, Cause: cause}
	if !errors.Is(err, ErrRecognition) {
		t.Error("errors.Is(err, ErrRecognition) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("cause is not reachable through Unwrap")
	}
	var re *RecognitionError
	if !errors.As(err, &re) || re.Engine != EngineTesseract {
		t.Errorf("errors.As = %+v", re)
	}
}

func TestLanguageHints(t *testing.T) {
	got := languageHints([]string{"ben", "ENG", " xyz ", ""})
	want := []string{"bn", "en", "xyz"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("languageHints() = %v, want %v", got, want)
	}
}

func TestOpenUnknownEngine(t *testing.T) {
	cfg := config.Load()
	cfg.OCREngine = "easyocr"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("Open() accepted an unknown engine")
	}
}

func TestRectPolygon(t *testing.T) {
	p := rectPolygon(image.Rect(1, 2, 10, 20))
	want := [4]image.Point{{1, 2}, {10, 2}, {10, 20}, {1, 20}}
	if p != want {
		t.Errorf("rectPolygon() = %v, want %v", p, want)
	}
}

// ensureTesseractAvailable checks that the tesseract binary is reachable.
func ensureTesseractAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed in PATH")
	}
}

func renderText(text string) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 240, 60))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 35),
	}
	d.DrawString(text)

	// tesseract reads 7x13 glyphs poorly; scale up first
	big := image.NewRGBA(image.Rect(0, 0, 960, 240))
	draw.NearestNeighbor.Scale(big, big.Bounds(), img, img.Bounds(), draw.Src, nil)
	return big
}

func TestTesseractRecognize(t *testing.T) {
	ensureTesseractAvailable(t)

	tess, err := NewTesseract(TesseractOptions{Languages: []string{"eng"}, PoolSize: 2})
	if err != nil {
		t.Skipf("tesseract eng data unavailable: %v", err)
	}
	defer tess.Close()

	rec, err := tess.Recognize(context.Background(), renderText("HELLO PDF"))
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if !strings.Contains(strings.ToUpper(rec.Text()), "HELLO") {
		t.Errorf("Text() = %q, want it to contain HELLO", rec.Text())
	}
	for _, l := range rec.Lines {
		if l.Confidence < 0 || l.Confidence > 1 {
			t.Errorf("confidence %v outside [0,1]", l.Confidence)
		}
	}
}

func TestTesseractRecognizeCancelledWhilePoolBusy(t *testing.T) {
	ensureTesseractAvailable(t)

	tess, err := NewTesseract(TesseractOptions{Languages: []string{"eng"}, PoolSize: 1})
	if err != nil {
		t.Skipf("tesseract eng data unavailable: %v", err)
	}
	defer tess.Close()

	held := <-tess.pool
	defer func() { tess.pool <- held }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tess.Recognize(ctx, renderText("x"))
	if !errors.Is(err, ErrRecognition) || !errors.Is(err, context.Canceled) {
		t.Errorf("Recognize() error = %v, want cancelled recognition error", err)
	}
}

func TestTesseractRejectsNoLanguages(t *testing.T) {
	if _, err := NewTesseract(TesseractOptions{}); err == nil {
		t.Fatal("NewTesseract() with no languages succeeded")
	}
}
