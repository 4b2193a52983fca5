package annotation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dental-scribe-server/internal/domain"
)

// State is the surface lifecycle state: loading -> ready -> locked.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateLocked  State = "locked"
)

// Canvas defaults.
const (
	DefaultWidth  = 800
	DefaultHeight = 600
)

// DefaultOrigin is where toolbar shapes are placed.
var DefaultOrigin = Point{X: 200, Y: 200}

// SurfaceOptions configures a surface.
type SurfaceOptions struct {
	Width       int
	Height      int
	StrokeWidth float64
	Palette     domain.Palette
	Logger      *logrus.Logger
}

func (o SurfaceOptions) withDefaults() SurfaceOptions {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.StrokeWidth <= 0 {
		o.StrokeWidth = DefaultStrokeWidth
	}
	if len(o.Palette) == 0 {
		o.Palette = domain.SeverityPalette()
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		o.Logger.SetOutput(io.Discard)
	}
	return o
}

// Notice is a non-fatal message shown to the clinician, such as a failed
// image load.
type Notice struct {
	Message string    `json:"message"`
	Err     string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// Controls is the toolbar state derived from the surface.
type Controls struct {
	State          State          `json:"state"`
	CanAdd         bool           `json:"can_add"`
	CanRecolor     bool           `json:"can_recolor"`
	CanDelete      bool           `json:"can_delete"`
	CanSave        bool           `json:"can_save"`
	ActiveColour   domain.Colour  `json:"active_colour"`
	SelectionCount int            `json:"selection_count"`
	Palette        domain.Palette `json:"palette"`
}

// EventType names a surface change.
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventShapesChanged    EventType = "shapes_changed"
	EventSelectionChanged EventType = "selection_changed"
	EventNotice           EventType = "notice"
)

// Event is sent to subscribers after every change.
type Event struct {
	Type     EventType `json:"type"`
	Controls Controls  `json:"controls"`
	Notice   *Notice   `json:"notice,omitempty"`
	Time     time.Time `json:"time"`
}

const subscriberBuffer = 16

// Surface holds one review session's annotation state. All methods are
// safe for concurrent use.
type Surface struct {
	opts SurfaceOptions
	log  *logrus.Logger

	mu           sync.Mutex
	state        State
	closed       bool
	background   image.Image
	raster       image.Image
	shapes       []Shape
	selected     map[string]bool
	activeColour domain.Colour
	notice       *Notice
	subs         map[int]chan Event
	nextSub      int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSurface creates a surface and starts loading imageURL in the
// background. When locked is set the loaded image is treated as the
// persisted annotated raster and the surface ends up locked instead of
// ready. A failed load is not fatal: the surface becomes usable without a
// background and records a Notice.
func NewSurface(ctx context.Context, opts SurfaceOptions, fetch domain.ImageFetcher, imageURL string, locked bool) *Surface {
	opts = opts.withDefaults()
	loadCtx, cancel := context.WithCancel(ctx)

	s := &Surface{
		opts:         opts,
		log:          opts.Logger,
		state:        StateLoading,
		selected:     make(map[string]bool),
		activeColour: opts.Palette.Default(),
		subs:         make(map[int]chan Event),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go s.load(loadCtx, fetch, imageURL, locked)
	return s
}

func (s *Surface) load(ctx context.Context, fetch domain.ImageFetcher, imageURL string, locked bool) {
	defer close(s.done)

	var img image.Image
	var err error
	switch {
	case imageURL == "":
		err = errors.New("no image URL")
	case fetch == nil:
		err = errors.New("no image fetcher configured")
	default:
		img, err = fetch.Fetch(ctx, imageURL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	fields := logrus.Fields{"image_url": imageURL, "locked": locked}
	if err != nil {
		s.log.WithFields(fields).WithError(err).Warn("Annotation background failed to load")
		s.notice = &Notice{Message: "Could not load the image. You can still annotate.", Err: err.Error(), Time: time.Now().UTC()}
		if locked {
			s.notice.Message = "Could not load the annotated image."
		}
		s.emitLocked(EventNotice)
	} else {
		s.log.WithFields(fields).Debug("Annotation background loaded")
	}

	if locked {
		s.raster = img
		s.state = StateLocked
	} else {
		s.background = img
		s.state = StateReady
	}
	s.emitLocked(EventStateChanged)
}

// Wait blocks until the background load has finished or ctx is done.
func (s *Surface) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any in-flight load, closes subscriber channels and waits
// for the load goroutine to exit. It is safe to call more than once.
func (s *Surface) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.cancel()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.shapes = nil
	s.selected = map[string]bool{}
	s.mu.Unlock()

	<-s.done
}

// Subscribe returns a channel receiving change events and a function that
// ends the subscription. Slow subscribers miss events rather than block
// the surface.
func (s *Surface) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
}

// emitLocked must be called with s.mu held.
func (s *Surface) emitLocked(t EventType) {
	ev := Event{Type: t, Controls: s.controlsLocked(), Time: time.Now().UTC()}
	if t == EventNotice && s.notice != nil {
		n := *s.notice
		ev.Notice = &n
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// mutableLocked reports why the surface refuses edits, if it does.
func (s *Surface) mutableLocked() error {
	if s.closed {
		return domain.ErrSurfaceClosed
	}
	switch s.state {
	case StateLoading:
		return domain.ErrSurfaceNotReady
	case StateLocked:
		return domain.ErrSurfaceLocked
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Notice returns the last notice, if any.
func (s *Surface) Notice() *Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notice == nil {
		return nil
	}
	n := *s.notice
	return &n
}

// Size returns the canvas size.
func (s *Surface) Size() (int, int) {
	return s.opts.Width, s.opts.Height
}

// HasBackground reports whether an image was loaded.
func (s *Surface) HasBackground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background != nil || s.raster != nil
}

// Shapes returns a copy of the shapes in z-order, bottom first.
func (s *Surface) Shapes() []Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneShapes(s.shapes)
}

// Add places a toolbar shape at the default position and selects it.
func (s *Surface) Add(kind Kind) ([]Shape, error) {
	return s.AddAt(kind, DefaultOrigin)
}

// AddAt places a toolbar shape centred on origin and selects it.
func (s *Surface) AddAt(kind Kind, origin Point) ([]Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return nil, err
	}

	created, err := NewShape(kind, origin, Style{Stroke: s.activeColour, Width: s.opts.StrokeWidth})
	if err != nil {
		return nil, err
	}
	s.shapes = append(s.shapes, created...)
	s.selected = map[string]bool{created[0].unitKey(): true}

	s.log.WithFields(logrus.Fields{"kind": kind, "shape_id": created[0].ID}).Debug("Shape added")
	s.emitLocked(EventShapesChanged)
	return cloneShapes(created), nil
}

// AddFreehand adds a freehand stroke in the active colour.
func (s *Surface) AddFreehand(points []Point) (Shape, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return Shape{}, err
	}

	shape, err := NewFreehand(points, Style{Stroke: s.activeColour, Width: s.opts.StrokeWidth})
	if err != nil {
		return Shape{}, err
	}
	s.shapes = append(s.shapes, shape)
	s.emitLocked(EventShapesChanged)
	return shape.Clone(), nil
}

// AddShapes appends previously built shapes, for example ones sent by a
// client. Either every shape is added or none is.
func (s *Surface) AddShapes(shapes []Shape) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if err := s.validateIncomingLocked(shapes); err != nil {
		return err
	}

	for _, sh := range shapes {
		sh = sh.Clone()
		sh.Style.Stroke = sh.Style.Stroke.Normalize()
		s.shapes = append(s.shapes, sh)
	}
	s.emitLocked(EventShapesChanged)
	return nil
}

func (s *Surface) validateIncomingLocked(shapes []Shape) error {
	ids := make(map[string]bool, len(s.shapes)+len(shapes))
	groups := make(map[string]bool)
	for _, sh := range s.shapes {
		ids[sh.ID] = true
		if sh.GroupID != "" {
			groups[sh.GroupID] = true
		}
	}

	parts := make(map[string]map[Part]int)
	for i, sh := range shapes {
		if err := sh.Validate(); err != nil {
			return fmt.Errorf("shape %d: %w", i, err)
		}
		if !s.opts.Palette.Contains(sh.Style.Stroke) {
			return fmt.Errorf("shape %d: %w: %s", i, domain.ErrColourNotInPalette, sh.Style.Stroke)
		}
		if ids[sh.ID] {
			return domain.NewValidationError(fmt.Sprintf("shapes[%d].id", i), "duplicate shape ID", sh.ID)
		}
		ids[sh.ID] = true
		if sh.GroupID != "" {
			if groups[sh.GroupID] {
				return domain.NewValidationError(fmt.Sprintf("shapes[%d].group_id", i), "group already exists", sh.GroupID)
			}
			if parts[sh.GroupID] == nil {
				parts[sh.GroupID] = make(map[Part]int)
			}
			parts[sh.GroupID][sh.Part]++
		}
	}
	for group, p := range parts {
		if p[PartShaft] != 1 || p[PartHead] != 1 || len(p) != 2 {
			return fmt.Errorf("%w: arrow group %s needs exactly one shaft and one head", domain.ErrInvalidGeometry, group)
		}
	}
	return nil
}

// Select replaces the selection with the units containing ids.
func (s *Surface) Select(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}

	next := make(map[string]bool, len(ids))
	for _, id := range ids {
		idx := indexOf(s.shapes, id)
		if idx < 0 {
			return fmt.Errorf("%w: %s", domain.ErrUnknownShape, id)
		}
		next[s.shapes[idx].unitKey()] = true
	}
	s.selected = next
	s.emitLocked(EventSelectionChanged)
	return nil
}

// SelectAt selects the topmost shape whose bounds contain p, or clears the
// selection when nothing is hit. It returns the selected shape IDs.
func (s *Surface) SelectAt(p Point) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return nil, err
	}

	s.selected = map[string]bool{}
	for i := len(s.shapes) - 1; i >= 0; i-- {
		if s.shapes[i].Bounds().Contains(p) {
			s.selected[s.shapes[i].unitKey()] = true
			break
		}
	}
	s.emitLocked(EventSelectionChanged)
	return s.selectionLocked(), nil
}

// SelectArea selects every shape whose bounds overlap r.
func (s *Surface) SelectArea(r Rect) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return nil, err
	}

	s.selected = map[string]bool{}
	for _, sh := range s.shapes {
		if sh.Bounds().Overlaps(r) {
			s.selected[sh.unitKey()] = true
		}
	}
	s.emitLocked(EventSelectionChanged)
	return s.selectionLocked(), nil
}

// ClearSelection empties the selection.
func (s *Surface) ClearSelection() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	s.selected = map[string]bool{}
	s.emitLocked(EventSelectionChanged)
	return nil
}

// Selection returns the IDs of every selected shape, group members
// included, in z-order.
func (s *Surface) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionLocked()
}

func (s *Surface) selectionLocked() []string {
	ids := []string{}
	for _, sh := range s.shapes {
		if s.selected[sh.unitKey()] {
			ids = append(ids, sh.ID)
		}
	}
	return ids
}

// SelectionCount returns the number of selected units; an arrow counts
// once.
func (s *Surface) SelectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selected)
}

// Recolor makes colour the active colour and applies it to the selection.
// colour may be a palette colour or a palette label.
func (s *Surface) Recolor(colour string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}

	c, err := s.opts.Palette.Resolve(colour)
	if err != nil {
		return err
	}
	s.activeColour = c
	if len(s.selected) == 0 {
		s.emitLocked(EventSelectionChanged)
		return nil
	}

	for i, sh := range s.shapes {
		if s.selected[sh.unitKey()] {
			s.shapes[i] = sh.Clone()
			s.shapes[i].Style.Stroke = c
		}
	}
	s.emitLocked(EventShapesChanged)
	return nil
}

// Move translates the selection by (dx, dy).
func (s *Surface) Move(dx, dy float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if len(s.selected) == 0 {
		return domain.ErrNothingSelected
	}
	if !finite(dx) || !finite(dy) {
		return fmt.Errorf("%w: non-finite offset", domain.ErrInvalidGeometry)
	}

	for i, sh := range s.shapes {
		if s.selected[sh.unitKey()] {
			s.shapes[i] = sh.Translate(dx, dy)
		}
	}
	s.emitLocked(EventShapesChanged)
	return nil
}

// Resize scales the unit containing id so its outline is width x height,
// keeping the top-left corner fixed. Rectangles and ellipses keep their
// centre instead.
func (s *Surface) Resize(id string, width, height float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if !(width > 0) || !(height > 0) || !finite(width) || !finite(height) {
		return fmt.Errorf("%w: size must be positive", domain.ErrInvalidGeometry)
	}

	idx := indexOf(s.shapes, id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownShape, id)
	}
	target := s.shapes[idx]

	if target.Kind == KindRectangle || target.Kind == KindEllipse {
		resized := target.Clone()
		resized.Width, resized.Height = width, height
		s.shapes[idx] = resized
		s.emitLocked(EventShapesChanged)
		return nil
	}

	key := target.unitKey()
	var outline Rect
	first := true
	for _, sh := range s.shapes {
		if sh.unitKey() != key {
			continue
		}
		if first {
			outline, first = sh.Outline(), false
		} else {
			outline = outline.Union(sh.Outline())
		}
	}
	sx, sy := 1.0, 1.0
	if outline.Dx() > 0 {
		sx = width / outline.Dx()
	}
	if outline.Dy() > 0 {
		sy = height / outline.Dy()
	}
	for i, sh := range s.shapes {
		if sh.unitKey() == key {
			s.shapes[i] = sh.scaleAbout(outline.Min, sx, sy)
		}
	}
	s.emitLocked(EventShapesChanged)
	return nil
}

// DeleteSelected removes the selected units, group members included, and
// clears the selection. It returns the removed shape IDs.
func (s *Surface) DeleteSelected() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return nil, err
	}
	if len(s.selected) == 0 {
		return nil, domain.ErrNothingSelected
	}

	removed := []string{}
	kept := s.shapes[:0:0]
	for _, sh := range s.shapes {
		if s.selected[sh.unitKey()] {
			removed = append(removed, sh.ID)
			continue
		}
		kept = append(kept, sh)
	}
	s.shapes = kept
	s.selected = map[string]bool{}

	s.log.WithField("removed", len(removed)).Debug("Shapes deleted")
	s.emitLocked(EventShapesChanged)
	return removed, nil
}

// Flatten renders the surface to a raster: the background followed by
// every shape in z-order. Selection state is never drawn. Calling Flatten
// repeatedly without edits yields identical pixels. A locked surface
// returns its persisted raster.
func (s *Surface) Flatten() (*image.RGBA, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrSurfaceClosed
	}
	state := s.state
	background := s.background
	raster := s.raster
	shapes := cloneShapes(s.shapes)
	s.mu.Unlock()

	switch state {
	case StateLoading:
		return nil, domain.ErrSurfaceNotReady
	case StateLocked:
		return Render(s.opts.Width, s.opts.Height, raster, nil), nil
	default:
		return Render(s.opts.Width, s.opts.Height, background, shapes), nil
	}
}

// Lock replaces the surface content with the persisted raster and refuses
// every later edit.
func (s *Surface) Lock(raster image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}

	s.raster = raster
	s.background = nil
	s.shapes = nil
	s.selected = map[string]bool{}
	s.state = StateLocked
	s.log.Info("Annotation surface locked")
	s.emitLocked(EventStateChanged)
	return nil
}

// Controls returns the toolbar state. On a locked, loading or closed
// surface every control is disabled.
func (s *Surface) Controls() Controls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlsLocked()
}

func (s *Surface) controlsLocked() Controls {
	editable := !s.closed && s.state == StateReady
	palette := make(domain.Palette, len(s.opts.Palette))
	copy(palette, s.opts.Palette)
	return Controls{
		State:          s.state,
		CanAdd:         editable,
		CanRecolor:     editable,
		CanDelete:      editable && len(s.selected) > 0,
		CanSave:        editable,
		ActiveColour:   s.activeColour,
		SelectionCount: len(s.selected),
		Palette:        palette,
	}
}

func cloneShapes(shapes []Shape) []Shape {
	out := make([]Shape, len(shapes))
	for i, sh := range shapes {
		out[i] = sh.Clone()
	}
	return out
}
