// Package annotation implements the clinician's markup layer: a closed set
// of vector shapes, the stateful surface they are drawn on, and the
// rasterizer that flattens background and shapes into a single image.
package annotation

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/dental-scribe-server/internal/domain"
)

// Kind names a shape type.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindEllipse   Kind = "ellipse"
	KindArrow     Kind = "arrow"
	KindFreehand  Kind = "freehand"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindRectangle, KindEllipse, KindArrow, KindFreehand:
		return true
	default:
		return false
	}
}

// Part distinguishes the primitives of a composite shape. Only arrows have
// parts.
type Part string

const (
	PartNone  Part = ""
	PartShaft Part = "arrow_shaft"
	PartHead  Part = "arrow_head"
)

// Default geometry for shapes added from the toolbar.
const (
	DefaultRectWidth     = 120.0
	DefaultRectHeight    = 80.0
	DefaultEllipseRadius = 50.0
	DefaultArrowLength   = 150.0
	MinArrowHeadSize     = 15.0
	DefaultStrokeWidth   = 4.0
)

// Point is a canvas coordinate in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p translated by (dx, dy).
func (p Point) Add(dx, dy float64) Point {
	return Point{X: p.X + dx, Y: p.Y + dy}
}

// Rect is an axis-aligned box.
type Rect struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// NewRect normalizes two corners into a Rect.
func NewRect(a, b Point) Rect {
	return Rect{
		Min: Point{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y)},
		Max: Point{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y)},
	}
}

// Dx returns the width.
func (r Rect) Dx() float64 { return r.Max.X - r.Min.X }

// Dy returns the height.
func (r Rect) Dy() float64 { return r.Max.Y - r.Min.Y }

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// Overlaps reports whether r and o share any area or edge.
func (r Rect) Overlaps(o Rect) bool {
	return r.Min.X <= o.Max.X && o.Min.X <= r.Max.X && r.Min.Y <= o.Max.Y && o.Min.Y <= r.Max.Y
}

// Union returns the smallest rect covering r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		Min: Point{X: math.Min(r.Min.X, o.Min.X), Y: math.Min(r.Min.Y, o.Min.Y)},
		Max: Point{X: math.Max(r.Max.X, o.Max.X), Y: math.Max(r.Max.Y, o.Max.Y)},
	}
}

// Grow grows r by d on every side (shrinks for negative d).
func (r Rect) Grow(d float64) Rect {
	return Rect{Min: r.Min.Add(-d, -d), Max: r.Max.Add(d, d)}
}

// Style is the visual style of a shape. Fill is never modelled: region
// interiors stay transparent.
type Style struct {
	Stroke domain.Colour `json:"stroke"`
	Width  float64       `json:"stroke_width"`
}

// Validate checks the stroke colour is well formed and the width positive.
func (s Style) Validate() error {
	c := s.Stroke.Normalize()
	if len(c) != 7 {
		return domain.NewValidationError("stroke", "stroke must be a #rrggbb colour", s.Stroke)
	}
	if s.Width <= 0 || math.IsNaN(s.Width) || math.IsInf(s.Width, 0) {
		return domain.NewValidationError("stroke_width", "stroke width must be positive", s.Width)
	}
	return nil
}

// Shape is one drawable primitive. Rectangles and ellipses use Center and
// Size; arrow parts and freehand strokes use Points. Arrow shaft and head
// share a GroupID and are always selected, recoloured, moved and deleted
// together.
type Shape struct {
	ID      string  `json:"id"`
	Kind    Kind    `json:"kind"`
	Part    Part    `json:"part,omitempty"`
	GroupID string  `json:"group_id,omitempty"`
	Style   Style   `json:"style"`
	Center  Point   `json:"center"`
	Width   float64 `json:"width,omitempty"`
	Height  float64 `json:"height,omitempty"`
	Points  []Point `json:"points,omitempty"`
}

// Clone returns a deep copy.
func (s Shape) Clone() Shape {
	if s.Points != nil {
		pts := make([]Point, len(s.Points))
		copy(pts, s.Points)
		s.Points = pts
	}
	return s
}

// Grouped reports whether the shape is part of a composite.
func (s Shape) Grouped() bool {
	return s.GroupID != ""
}

// unitKey identifies the selectable unit a shape belongs to.
func (s Shape) unitKey() string {
	if s.GroupID != "" {
		return "g:" + s.GroupID
	}
	return "s:" + s.ID
}

// Validate checks that the shape has render-addressable geometry.
func (s Shape) Validate() error {
	if s.ID == "" {
		return domain.NewValidationError("id", "shape ID is required", s.ID)
	}
	if err := s.Style.Validate(); err != nil {
		return err
	}
	for _, p := range s.Points {
		if !finite(p.X) || !finite(p.Y) {
			return fmt.Errorf("%w: non-finite point in %s", domain.ErrInvalidGeometry, s.ID)
		}
	}

	switch s.Kind {
	case KindRectangle, KindEllipse:
		if !finite(s.Center.X) || !finite(s.Center.Y) || !(s.Width > 0) || !(s.Height > 0) {
			return fmt.Errorf("%w: %s %s needs a positive size", domain.ErrInvalidGeometry, s.Kind, s.ID)
		}
	case KindArrow:
		switch s.Part {
		case PartShaft:
			if len(s.Points) != 2 || s.Points[0] == s.Points[1] {
				return fmt.Errorf("%w: arrow shaft %s needs two distinct points", domain.ErrInvalidGeometry, s.ID)
			}
		case PartHead:
			if len(s.Points) != 3 || math.Abs(signedArea(s.Points)) < 1e-9 {
				return fmt.Errorf("%w: arrow head %s needs a non-degenerate triangle", domain.ErrInvalidGeometry, s.ID)
			}
		default:
			return fmt.Errorf("%w: arrow %s has unknown part %q", domain.ErrInvalidGeometry, s.ID, s.Part)
		}
		if s.GroupID == "" {
			return fmt.Errorf("%w: arrow part %s has no group", domain.ErrInvalidGeometry, s.ID)
		}
	case KindFreehand:
		if len(s.Points) < 2 {
			return fmt.Errorf("%w: freehand %s needs at least two points", domain.ErrInvalidGeometry, s.ID)
		}
	default:
		return fmt.Errorf("%w: kind %q", domain.ErrUnknownShape, s.Kind)
	}
	return nil
}

// Outline returns the geometric extent of the shape without stroke.
func (s Shape) Outline() Rect {
	if s.Kind == KindRectangle || s.Kind == KindEllipse {
		half := Point{X: s.Width / 2, Y: s.Height / 2}
		return Rect{Min: s.Center.Add(-half.X, -half.Y), Max: s.Center.Add(half.X, half.Y)}
	}
	if len(s.Points) == 0 {
		return Rect{Min: s.Center, Max: s.Center}
	}
	r := Rect{Min: s.Points[0], Max: s.Points[0]}
	for _, p := range s.Points[1:] {
		r = r.Union(Rect{Min: p, Max: p})
	}
	return r
}

// Bounds returns the extent including half the stroke width. It is used
// for hit testing only.
func (s Shape) Bounds() Rect {
	return s.Outline().Grow(s.Style.Width / 2)
}

// Translate returns a copy moved by (dx, dy).
func (s Shape) Translate(dx, dy float64) Shape {
	out := s.Clone()
	out.Center = out.Center.Add(dx, dy)
	for i := range out.Points {
		out.Points[i] = out.Points[i].Add(dx, dy)
	}
	return out
}

// scaleAbout returns a copy scaled by (sx, sy) relative to origin.
func (s Shape) scaleAbout(origin Point, sx, sy float64) Shape {
	out := s.Clone()
	out.Center = Point{X: origin.X + (s.Center.X-origin.X)*sx, Y: origin.Y + (s.Center.Y-origin.Y)*sy}
	out.Width *= sx
	out.Height *= sy
	for i, p := range out.Points {
		out.Points[i] = Point{X: origin.X + (p.X-origin.X)*sx, Y: origin.Y + (p.Y-origin.Y)*sy}
	}
	return out
}

// NewShape builds the shape(s) for a toolbar kind centred on origin. An
// arrow yields two shapes, shaft and head, sharing a fresh group ID.
// Freehand strokes are built with NewFreehand.
func NewShape(kind Kind, origin Point, style Style) ([]Shape, error) {
	if err := style.Validate(); err != nil {
		return nil, err
	}
	style.Stroke = style.Stroke.Normalize()

	switch kind {
	case KindRectangle:
		return []Shape{{
			ID: uuid.NewString(), Kind: KindRectangle, Style: style,
			Center: origin, Width: DefaultRectWidth, Height: DefaultRectHeight,
		}}, nil
	case KindEllipse:
		return []Shape{{
			ID: uuid.NewString(), Kind: KindEllipse, Style: style,
			Center: origin, Width: 2 * DefaultEllipseRadius, Height: 2 * DefaultEllipseRadius,
		}}, nil
	case KindArrow:
		return newArrow(origin, style), nil
	case KindFreehand:
		return nil, fmt.Errorf("%w: freehand strokes need points", domain.ErrInvalidGeometry)
	default:
		return nil, fmt.Errorf("%w: kind %q", domain.ErrUnknownShape, kind)
	}
}

// ArrowHeadSize returns the head triangle's side for a stroke width.
func ArrowHeadSize(strokeWidth float64) float64 {
	return math.Max(MinArrowHeadSize, 3*strokeWidth)
}

func newArrow(origin Point, style Style) []Shape {
	group := uuid.NewString()
	half := DefaultArrowLength / 2
	tail := origin.Add(-half, 0)
	tip := origin.Add(half, 0)
	size := ArrowHeadSize(style.Width)

	shaft := Shape{
		ID: uuid.NewString(), Kind: KindArrow, Part: PartShaft, GroupID: group, Style: style,
		Center: origin, Points: []Point{tail, tip},
	}
	head := Shape{
		ID: uuid.NewString(), Kind: KindArrow, Part: PartHead, GroupID: group, Style: style,
		Center: tip, Points: []Point{
			tip.Add(size/2, 0),
			tip.Add(-size/2, -size/2),
			tip.Add(-size/2, size/2),
		},
	}
	return []Shape{shaft, head}
}

// NewFreehand builds a freehand stroke through points.
func NewFreehand(points []Point, style Style) (Shape, error) {
	if err := style.Validate(); err != nil {
		return Shape{}, err
	}
	if len(points) < 2 {
		return Shape{}, fmt.Errorf("%w: freehand needs at least two points, got %d", domain.ErrInvalidGeometry, len(points))
	}
	style.Stroke = style.Stroke.Normalize()
	pts := make([]Point, len(points))
	copy(pts, points)
	s := Shape{ID: uuid.NewString(), Kind: KindFreehand, Style: style, Points: pts}
	s.Center = centerOf(s.Outline())
	if err := s.Validate(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// Restyle returns a copy of shapes with the stroke of id set to colour. When
// id belongs to a group every member is restyled.
func Restyle(shapes []Shape, id string, colour domain.Colour) ([]Shape, error) {
	idx := indexOf(shapes, id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownShape, id)
	}
	key := shapes[idx].unitKey()
	colour = colour.Normalize()

	out := make([]Shape, len(shapes))
	for i, s := range shapes {
		out[i] = s.Clone()
		if s.unitKey() == key {
			out[i].Style.Stroke = colour
		}
	}
	return out, nil
}

func indexOf(shapes []Shape, id string) int {
	for i, s := range shapes {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func centerOf(r Rect) Point {
	return Point{X: (r.Min.X + r.Max.X) / 2, Y: (r.Min.Y + r.Max.Y) / 2}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// signedArea is the shoelace area; positive for one winding, negative for
// the other.
func signedArea(pts []Point) float64 {
	var a float64
	for i := range pts {
		j := (i + 1) % len(pts)
		a += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return a / 2
}
