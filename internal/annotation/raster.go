package annotation

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/vector"
)

// CanvasBackground is painted under everything, visible where the image
// does not cover the canvas.
var CanvasBackground = color.RGBA{R: 0xf9, G: 0xfa, B: 0xfb, A: 0xff}

const (
	ellipseSegments = 64
	jointSegments   = 16
)

// FitRect returns where an image of size src lands on a width x height
// canvas: scaled uniformly to fit and centred.
func FitRect(src image.Rectangle, width, height int) image.Rectangle {
	iw, ih := float64(src.Dx()), float64(src.Dy())
	if iw <= 0 || ih <= 0 || width <= 0 || height <= 0 {
		return image.Rectangle{}
	}
	scale := math.Min(float64(width)/iw, float64(height)/ih)
	tw := int(math.Round(iw * scale))
	th := int(math.Round(ih * scale))
	x0 := (width - tw) / 2
	y0 := (height - th) / 2
	return image.Rect(x0, y0, x0+tw, y0+th)
}

// Render flattens the background image and shapes, in slice order, onto a
// new width x height raster. The output depends only on its inputs.
func Render(width, height int, background image.Image, shapes []Shape) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(CanvasBackground), image.Point{}, draw.Src)

	if background != nil {
		src := background.Bounds()
		target := FitRect(src, width, height)
		switch {
		case target.Empty():
		case target.Size() == src.Size():
			draw.Draw(dst, target, background, src.Min, draw.Over)
		default:
			draw.CatmullRom.Scale(dst, target, background, src, draw.Over, nil)
		}
	}

	p := &pen{
		z:    vector.NewRasterizer(width, height),
		clip: Rect{Max: Point{X: float64(width), Y: float64(height)}},
	}
	for _, s := range shapes {
		p.z.Reset(width, height)
		p.z.DrawOp = draw.Over
		p.drawn = false
		traceShape(p, s)
		if p.drawn {
			p.z.Draw(dst, dst.Bounds(), image.NewUniform(s.Style.Stroke.RGBA()), image.Point{})
		}
	}
	return dst
}

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pen accumulates polygons for one shape. Every polygon is wound the same
// way so overlaps merge; holes are wound the other way so they cancel.
type pen struct {
	z     *vector.Rasterizer
	clip  Rect
	drawn bool
}

func (p *pen) fill(pts []Point) {
	p.polygon(pts, true)
}

func (p *pen) hole(pts []Point) {
	p.polygon(pts, false)
}

func (p *pen) polygon(pts []Point, positive bool) {
	if len(pts) < 3 {
		return
	}
	area := signedArea(pts)
	if area == 0 {
		return
	}
	if (area > 0) != positive {
		pts = reversed(pts)
	}
	pts = clipPolygon(pts, p.clip)
	if len(pts) < 3 {
		return
	}
	p.z.MoveTo(float32(pts[0].X), float32(pts[0].Y))
	for _, q := range pts[1:] {
		p.z.LineTo(float32(q.X), float32(q.Y))
	}
	p.z.ClosePath()
	p.drawn = true
}

func traceShape(p *pen, s Shape) {
	half := s.Style.Width / 2
	switch s.Kind {
	case KindRectangle:
		outline := s.Outline()
		p.fill(rectPoints(outline.Grow(half)))
		if inner := outline.Grow(-half); inner.Dx() > 0 && inner.Dy() > 0 {
			p.hole(rectPoints(inner))
		}
	case KindEllipse:
		rx, ry := s.Width/2, s.Height/2
		p.fill(ellipsePoints(s.Center, rx+half, ry+half, ellipseSegments))
		if rx > half && ry > half {
			p.hole(ellipsePoints(s.Center, rx-half, ry-half, ellipseSegments))
		}
	case KindArrow:
		if s.Part == PartHead {
			p.fill(s.Points)
		} else if len(s.Points) == 2 {
			p.fill(segmentQuad(s.Points[0], s.Points[1], half))
		}
	case KindFreehand:
		for i := 0; i+1 < len(s.Points); i++ {
			p.fill(segmentQuad(s.Points[i], s.Points[i+1], half))
		}
		for _, pt := range s.Points {
			p.fill(ellipsePoints(pt, half, half, jointSegments))
		}
	}
}

func rectPoints(r Rect) []Point {
	return []Point{r.Min, {X: r.Max.X, Y: r.Min.Y}, r.Max, {X: r.Min.X, Y: r.Max.Y}}
}

func ellipsePoints(c Point, rx, ry float64, n int) []Point {
	pts := make([]Point, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = Point{X: c.X + rx*math.Cos(a), Y: c.Y + ry*math.Sin(a)}
	}
	return pts
}

// segmentQuad returns the rectangle of half-width half around segment a-b.
func segmentQuad(a, b Point, half float64) []Point {
	dx, dy := b.X-a.X, b.Y-a.Y
	l := math.Hypot(dx, dy)
	if l == 0 {
		return nil
	}
	nx, ny := -dy/l*half, dx/l*half
	return []Point{
		a.Add(nx, ny),
		b.Add(nx, ny),
		b.Add(-nx, -ny),
		a.Add(-nx, -ny),
	}
}

func reversed(pts []Point) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[len(pts)-1-i] = p
	}
	return out
}

// clipPolygon clips pts to r (Sutherland-Hodgman). Winding is preserved.
func clipPolygon(pts []Point, r Rect) []Point {
	edges := []struct {
		inside func(Point) bool
		cross  func(a, b Point) Point
	}{
		{func(p Point) bool { return p.X >= r.Min.X }, func(a, b Point) Point { return crossX(a, b, r.Min.X) }},
		{func(p Point) bool { return p.X <= r.Max.X }, func(a, b Point) Point { return crossX(a, b, r.Max.X) }},
		{func(p Point) bool { return p.Y >= r.Min.Y }, func(a, b Point) Point { return crossY(a, b, r.Min.Y) }},
		{func(p Point) bool { return p.Y <= r.Max.Y }, func(a, b Point) Point { return crossY(a, b, r.Max.Y) }},
	}

	out := pts
	for _, e := range edges {
		if len(out) == 0 {
			return nil
		}
		in := out
		out = make([]Point, 0, len(in)+4)
		prev := in[len(in)-1]
		for _, cur := range in {
			switch {
			case e.inside(cur) && e.inside(prev):
				out = append(out, cur)
			case e.inside(cur):
				out = append(out, e.cross(prev, cur), cur)
			case e.inside(prev):
				out = append(out, e.cross(prev, cur))
			}
			prev = cur
		}
	}
	return out
}

func crossX(a, b Point, x float64) Point {
	t := (x - a.X) / (b.X - a.X)
	return Point{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func crossY(a, b Point, y float64) Point {
	t := (y - a.Y) / (b.Y - a.Y)
	return Point{X: a.X + t*(b.X-a.X), Y: y}
}
