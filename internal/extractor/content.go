package extractor

import (
	"fmt"
	"math"

	"github.com/ledongthuc/pdf"
)

const maxFormDepth = 8

// matrix is a PDF transformation matrix [a b c d e f].
type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

// mul returns m × n, the matrix that applies m first and then n.
func (m matrix) mul(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

func (m matrix) apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

func matrixFrom(v pdf.Value) (matrix, bool) {
	if v.Kind() != pdf.Array || v.Len() != 6 {
		return identity, false
	}
	var m matrix
	for i := 0; i < 6; i++ {
		m[i] = v.Index(i).Float64()
	}
	return m, true
}

// rect is an axis-aligned rectangle in PDF user space (origin bottom-left).
type rect struct {
	minX, minY, maxX, maxY float64
}

// unitSquare returns the bounds of the image unit square under ctm.
func unitSquare(ctm matrix) rect {
	r := rect{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, p := range [4][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}} {
		x, y := ctm.apply(p[0], p[1])
		r.minX = math.Min(r.minX, x)
		r.minY = math.Min(r.minY, y)
		r.maxX = math.Max(r.maxX, x)
		r.maxY = math.Max(r.maxY, y)
	}
	return r
}

// placementWalker tracks the graphics-state CTM across one content stream
// (or one array of streams) and records where image XObjects are painted.
type placementWalker struct {
	resources pdf.Value
	cur       matrix
	saved     []matrix
	depth     int
	out       *[]rect
}

func (w *placementWalker) run(contents pdf.Value) {
	if contents.Kind() == pdf.Array {
		for i := 0; i < contents.Len(); i++ {
			w.interpret(contents.Index(i))
		}
		return
	}
	w.interpret(contents)
}

func (w *placementWalker) interpret(strm pdf.Value) {
	if strm.Kind() != pdf.Stream {
		return
	}
	pdf.Interpret(strm, func(stk *pdf.Stack, op string) {
		n := stk.Len()
		args := make([]pdf.Value, n)
		for i := n - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}

		switch op {
		case "q":
			w.saved = append(w.saved, w.cur)
		case "Q":
			if len(w.saved) > 0 {
				w.cur = w.saved[len(w.saved)-1]
				w.saved = w.saved[:len(w.saved)-1]
			}
		case "cm":
			if len(args) != 6 {
				return
			}
			var m matrix
			for i := range args {
				m[i] = args[i].Float64()
			}
			w.cur = m.mul(w.cur)
		case "Do":
			if len(args) != 1 {
				return
			}
			w.paint(args[0].Name())
		}
	})
}

func (w *placementWalker) paint(name string) {
	xobj := w.resources.Key("XObject").Key(name)
	switch xobj.Key("Subtype").Name() {
	case "Image":
		*w.out = append(*w.out, unitSquare(w.cur))
	case "Form":
		if w.depth >= maxFormDepth {
			return
		}
		fm, _ := matrixFrom(xobj.Key("Matrix"))
		res := xobj.Key("Resources")
		if res.IsNull() {
			res = w.resources
		}
		child := &placementWalker{
			resources: res,
			cur:       fm.mul(w.cur),
			depth:     w.depth + 1,
			out:       w.out,
		}
		child.interpret(xobj)
	}
}

// imagePlacements returns the user-space bounds of every image XObject
// painted by the page, in content-stream order.
func imagePlacements(p pdf.Page) (rects []rect, err error) {
	defer func() {
		if r := recover(); r != nil {
			rects = nil
			err = fmt.Errorf("interpret content stream: %v", r)
		}
	}()

	w := &placementWalker{
		resources: p.Resources(),
		cur:       identity,
		out:       &rects,
	}
	w.run(p.V.Key("Contents"))
	return rects, nil
}
