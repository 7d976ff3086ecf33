// Package preprocess conditions page rasters for OCR: grayscale, upscale,
// contrast stretch and local adaptive binarization, always in that order.
package preprocess

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

type Params struct {
	Upscale   float64 `yaml:"upscale"`
	Alpha     float64 `yaml:"alpha"`
	Beta      float64 `yaml:"beta"`
	BlockSize int     `yaml:"block_size"`
	Bias      float64 `yaml:"bias"`
}

func DefaultParams() Params {
	return Params{Upscale: 2, Alpha: 2, Beta: 25, BlockSize: 31, Bias: 8}
}

func (p Params) Validate() error {
	if p.Upscale <= 0 || math.IsNaN(p.Upscale) || math.IsInf(p.Upscale, 0) {
		return fmt.Errorf("upscale factor must be positive, got %v", p.Upscale)
	}
	if p.Alpha < 0 {
		return fmt.Errorf("contrast alpha must be >= 0, got %v", p.Alpha)
	}
	if p.BlockSize < 3 || p.BlockSize%2 == 0 {
		return fmt.Errorf("block size must be odd and >= 3, got %d", p.BlockSize)
	}
	return nil
}

// Condition runs the full chain. The input is never modified. Only the
// upscaled page is held at full size; contrast and binarization rewrite it
// in place, so a page costs about one byte per output pixel.
func Condition(img image.Image, p Params) *image.Gray {
	g := Upscale(Grayscale(img), p.Upscale)
	applyLUT(g, g, contrastLUT(p.Alpha, p.Beta))
	binarizeInto(g, g, p.BlockSize, p.Bias)
	return g
}

// Grayscale converts to 8-bit luma with origin (0,0).
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], src.Pix[i:i+b.Dx()])
		}
		return out
	}
	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			px := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Pix[y*out.Stride:]
			for x := 0; x < b.Dx(); x++ {
				r, g, bl := uint32(px[4*x]), uint32(px[4*x+1]), uint32(px[4*x+2])
				dst[x] = luma(r|r<<8, g|g<<8, bl|bl<<8)
			}
		}
		return out
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			px := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Pix[y*out.Stride:]
			for x := 0; x < b.Dx(); x++ {
				a := uint32(px[4*x+3])
				r, g, bl := uint32(px[4*x]), uint32(px[4*x+1]), uint32(px[4*x+2])
				// premultiplied the way color.NRGBA.RGBA does it
				dst[x] = luma((r|r<<8)*a/0xff, (g|g<<8)*a/0xff, (bl|bl<<8)*a/0xff)
			}
		}
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return out
}

// luma matches color.GrayModel on 16-bit channels.
func luma(r, g, b uint32) uint8 {
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 24)
}

// Upscale resizes by factor with bilinear interpolation. Sizes round to the
// nearest pixel and never drop below 1.
func Upscale(g *image.Gray, factor float64) *image.Gray {
	b := g.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*factor)))
	h := max(1, int(math.Round(float64(b.Dy())*factor)))
	out := image.NewGray(image.Rect(0, 0, w, h))
	if factor == 1 {
		draw.Draw(out, out.Bounds(), g, b.Min, draw.Src)
		return out
	}
	draw.BiLinear.Scale(out, out.Bounds(), g, b, draw.Src, nil)
	return out
}

// Contrast applies alpha*v + beta per pixel, saturating at 0 and 255.
func Contrast(g *image.Gray, alpha, beta float64) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	applyLUT(out, g, contrastLUT(alpha, beta))
	return out
}

func contrastLUT(alpha, beta float64) *[256]uint8 {
	var lut [256]uint8
	for v := range lut {
		lut[v] = clampByte(math.Round(alpha*float64(v) + beta))
	}
	return &lut
}

// applyLUT maps src through lut into dst, which has src's size and may be
// src itself.
func applyLUT(dst, src *image.Gray, lut *[256]uint8) {
	b := src.Bounds()
	d := dst.Bounds()
	for y := 0; y < b.Dy(); y++ {
		in := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		out := dst.Pix[dst.PixOffset(d.Min.X, d.Min.Y+y):]
		for x := 0; x < b.Dx(); x++ {
			out[x] = lut[in[x]]
		}
	}
}

// Binarize thresholds each pixel against the Gaussian-weighted mean of its
// blockSize neighbourhood minus bias. Pixels above the threshold become 255,
// the rest 0. Borders replicate the edge pixel.
//
// The threshold is clamped to [0, 254] so that a binary image maps to
// itself: a black pixel can never clear it and a white one always does.
func Binarize(g *image.Gray, blockSize int, bias float64) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	binarizeInto(out, g, blockSize, bias)
	return out
}

// binarizeInto writes the thresholded src into dst, which has src's size and
// may be src itself. The horizontal pass is kept for only blockSize rows at a
// time: row j lives in slot j%blockSize, and every row a window needs falls in
// a span of at most blockSize consecutive rows.
func binarizeInto(dst, src *image.Gray, blockSize int, bias float64) {
	if blockSize < 3 {
		blockSize = 3
	}
	if blockSize%2 == 0 {
		blockSize++
	}

	b := src.Bounds()
	d := dst.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}

	kernel := gaussianKernel(blockSize)
	r := blockSize / 2
	ring := make([]float64, blockSize*w)

	horizontal := func(y int) {
		row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		slot := ring[(y%blockSize)*w:]
		for x := 0; x < w; x++ {
			var sum float64
			for k, wt := range kernel {
				sum += wt * float64(row[clampInt(x+k-r, 0, w-1)])
			}
			slot[x] = sum
		}
	}

	// rows below next still hold source pixels
	next := 0
	for y := 0; y < h; y++ {
		for ; next <= min(y+r, h-1); next++ {
			horizontal(next)
		}
		row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		out := dst.Pix[dst.PixOffset(d.Min.X, d.Min.Y+y):]
		for x := 0; x < w; x++ {
			var mean float64
			for k, wt := range kernel {
				mean += wt * ring[(clampInt(y+k-r, 0, h-1)%blockSize)*w+x]
			}
			thresh := math.Min(math.Max(mean-bias, 0), 254)
			if float64(row[x]) > thresh {
				out[x] = 255
			} else {
				out[x] = 0
			}
		}
	}
}

// gaussianKernel returns normalized 1-D weights with the sigma OpenCV derives
// from the aperture size.
func gaussianKernel(size int) []float64 {
	sigma := 0.3*((float64(size)-1)*0.5-1) + 0.8
	k := make([]float64, size)
	r := size / 2
	var sum float64
	for i := range k {
		d := float64(i - r)
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
