package annotation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dental-scribe-server/internal/domain"
)

var urgentStyle = Style{Stroke: domain.ColourUrgent, Width: DefaultStrokeWidth}

func TestNewShape_Rectangle(t *testing.T) {
	shapes, err := NewShape(KindRectangle, Point{X: 200, Y: 200}, urgentStyle)
	require.NoError(t, err)
	require.Len(t, shapes, 1)

	rect := shapes[0]
	assert.NotEmpty(t, rect.ID)
	assert.Equal(t, KindRectangle, rect.Kind)
	assert.False(t, rect.Grouped())
	assert.Equal(t, Rect{Min: Point{X: 140, Y: 160}, Max: Point{X: 260, Y: 240}}, rect.Outline())
	assert.Equal(t, Rect{Min: Point{X: 138, Y: 158}, Max: Point{X: 262, Y: 242}}, rect.Bounds())
	assert.NoError(t, rect.Validate())
}

func TestNewShape_Ellipse(t *testing.T) {
	shapes, err := NewShape(KindEllipse, Point{X: 100, Y: 100}, urgentStyle)
	require.NoError(t, err)
	require.Len(t, shapes, 1)

	assert.Equal(t, 100.0, shapes[0].Width)
	assert.Equal(t, 100.0, shapes[0].Height)
	assert.Equal(t, Point{X: 100, Y: 100}, shapes[0].Center)
}

func TestNewShape_ArrowIsGrouped(t *testing.T) {
	shapes, err := NewShape(KindArrow, Point{X: 200, Y: 200}, urgentStyle)
	require.NoError(t, err)
	require.Len(t, shapes, 2)

	shaft, head := shapes[0], shapes[1]
	assert.Equal(t, PartShaft, shaft.Part)
	assert.Equal(t, PartHead, head.Part)
	assert.NotEmpty(t, shaft.GroupID)
	assert.Equal(t, shaft.GroupID, head.GroupID)
	assert.NotEqual(t, shaft.ID, head.ID)
	assert.Equal(t, []Point{{X: 125, Y: 200}, {X: 275, Y: 200}}, shaft.Points)
	assert.Equal(t, Point{X: 282.5, Y: 200}, head.Points[0])
	assert.NoError(t, shaft.Validate())
	assert.NoError(t, head.Validate())
}

func TestArrowHeadSize(t *testing.T) {
	assert.Equal(t, 15.0, ArrowHeadSize(4))
	assert.Equal(t, 30.0, ArrowHeadSize(10))
}

func TestNewShape_Errors(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		style Style
		want  error
	}{
		{"unknown kind", Kind("hexagon"), urgentStyle, domain.ErrUnknownShape},
		{"freehand needs points", KindFreehand, urgentStyle, domain.ErrInvalidGeometry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewShape(tt.kind, Point{}, tt.style)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := NewShape(KindRectangle, Point{}, Style{Stroke: domain.ColourUrgent})
	assert.True(t, domain.IsValidationError(err))

	_, err = NewShape(KindRectangle, Point{}, Style{Stroke: "red", Width: 4})
	assert.True(t, domain.IsValidationError(err))
}

func TestNewFreehand(t *testing.T) {
	_, err := NewFreehand([]Point{{X: 1, Y: 1}}, urgentStyle)
	assert.ErrorIs(t, err, domain.ErrInvalidGeometry)

	points := []Point{{X: 10, Y: 10}, {X: 20, Y: 30}, {X: 40, Y: 20}}
	stroke, err := NewFreehand(points, urgentStyle)
	require.NoError(t, err)

	points[0] = Point{X: 999, Y: 999}
	assert.Equal(t, Point{X: 10, Y: 10}, stroke.Points[0], "input slice must be copied")
	assert.Equal(t, Rect{Min: Point{X: 10, Y: 10}, Max: Point{X: 40, Y: 30}}, stroke.Outline())
}

func TestRestyle_GroupAware(t *testing.T) {
	arrow, err := NewShape(KindArrow, Point{X: 200, Y: 200}, urgentStyle)
	require.NoError(t, err)
	rect, err := NewShape(KindRectangle, Point{X: 400, Y: 400}, urgentStyle)
	require.NoError(t, err)
	shapes := append(arrow, rect...)

	out, err := Restyle(shapes, arrow[1].ID, domain.ColourNote)
	require.NoError(t, err)

	assert.Equal(t, domain.ColourNote, out[0].Style.Stroke)
	assert.Equal(t, domain.ColourNote, out[1].Style.Stroke)
	assert.Equal(t, domain.ColourUrgent, out[2].Style.Stroke)
	assert.Equal(t, domain.ColourUrgent, shapes[0].Style.Stroke, "input must not be mutated")

	_, err = Restyle(shapes, "missing", domain.ColourNote)
	assert.ErrorIs(t, err, domain.ErrUnknownShape)
}

func TestShape_Validate(t *testing.T) {
	tests := []struct {
		name  string
		shape Shape
	}{
		{"zero size rectangle", Shape{ID: "a", Kind: KindRectangle, Style: urgentStyle}},
		{"shaft with one point", Shape{ID: "b", Kind: KindArrow, Part: PartShaft, GroupID: "g", Style: urgentStyle, Points: []Point{{}}}},
		{"degenerate head", Shape{ID: "c", Kind: KindArrow, Part: PartHead, GroupID: "g", Style: urgentStyle, Points: []Point{{}, {X: 1}, {X: 2}}}},
		{"ungrouped arrow", Shape{ID: "d", Kind: KindArrow, Part: PartShaft, Style: urgentStyle, Points: []Point{{}, {X: 1}}}},
		{"short freehand", Shape{ID: "e", Kind: KindFreehand, Style: urgentStyle, Points: []Point{{}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.shape.Validate(), domain.ErrInvalidGeometry)
		})
	}

	err := Shape{ID: "f", Kind: "blob", Style: urgentStyle}.Validate()
	assert.ErrorIs(t, err, domain.ErrUnknownShape)
}

func TestShape_Translate(t *testing.T) {
	shapes, err := NewShape(KindArrow, Point{X: 200, Y: 200}, urgentStyle)
	require.NoError(t, err)

	moved := shapes[0].Translate(10, -5)
	assert.Equal(t, Point{X: 135, Y: 195}, moved.Points[0])
	assert.Equal(t, Point{X: 125, Y: 200}, shapes[0].Points[0], "original must not move")
}
