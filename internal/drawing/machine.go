// Package drawing turns raw pointer events from a map or raster backend
// into finished annotations. The state machine holds no rendering
// dependency: backends implement the event delivery side of EventPort
// and receive preview updates through callbacks.
package drawing

import (
	"math"

	"go.uber.org/zap"

	"github.com/planetatlas/atlas-cli/internal/annotation"
	"github.com/planetatlas/atlas-cli/internal/coords"
)

// Point is a pointer position delivered by the event port: lng in X and
// lat in Y for geographic backends, percent-of-image x/y for
// percentage-mode rasters.
type Point struct {
	X float64
	Y float64
}

// EventPort is the surface a map/rendering backend drives. *Machine
// implements it; the backend wires its own click/move/leave hooks to
// these methods.
type EventPort interface {
	OnClick(p Point)
	OnMove(p Point)
	OnLeave()
}

// Tool selects what a click does.
type Tool int

const (
	// ToolPoint drops a point tag per click using the current category
	// and notes.
	ToolPoint Tool = iota
	// ToolBox draws a two-click bounding box.
	ToolBox
	// ToolEraser requests deletion of the annotation under the click.
	ToolEraser
)

// State is the box-drawing interaction state.
type State int

const (
	// Idle means box drawing is not toggled on.
	Idle State = iota
	// Armed means the next click places the first corner.
	Armed
	// FirstPointSet means one corner is stored and the next click
	// finishes the box.
	FirstPointSet
)

// Prompter solicits the category and label for a finished box. An error
// or an empty label after trimming aborts the annotation.
type Prompter interface {
	Solicit() (category, label string, err error)
}

// Callbacks deliver rendering side effects back to the backend. Nil
// arguments clear the corresponding overlay. Any field may be nil.
type Callbacks struct {
	StartMarker     func(*Point)
	Preview         func(*coords.Bounds)
	Created         func(annotation.Annotation)
	DeleteRequested func(annotation.Annotation)
}

// Config configures a Machine.
type Config struct {
	// Context is the exploration context new annotations belong to.
	Context string
	// Percent marks a percentage-mode raster backend. Box drawing is
	// geographic-only; percent mode supports point tags.
	Percent bool
	// HitTolerance is the eraser hit radius for point tags, in the
	// port's coordinate units. Default 1.0.
	HitTolerance float64
	Prompter     Prompter
	Callbacks    Callbacks
}

// Machine is the drawing state machine for one view. It follows the
// single-threaded UI event dispatch model: calls are never concurrent.
type Machine struct {
	cfg   Config
	store *annotation.Store
	log   *zap.Logger

	tool     Tool
	state    State
	start    *Point
	category string
	notes    string
}

// NewMachine creates a machine emitting into the given session store.
func NewMachine(cfg Config, store *annotation.Store) *Machine {
	if cfg.HitTolerance <= 0 {
		cfg.HitTolerance = 1.0
	}
	return &Machine{
		cfg:   cfg,
		store: store,
		log:   zap.L().With(zap.String("component", "drawing")),
	}
}

// State returns the current interaction state.
func (m *Machine) State() State { return m.state }

// Tool returns the active tool.
func (m *Machine) Tool() Tool { return m.tool }

// SetTool switches tools, clearing any in-progress box.
func (m *Machine) SetTool(t Tool) {
	if t != m.tool {
		m.clearPending()
		m.state = Idle
	}
	m.tool = t
}

// SetCategory sets the pattern type applied to new point tags.
func (m *Machine) SetCategory(category string) { m.category = category }

// SetNotes sets the free-text notes applied to the next point tag.
func (m *Machine) SetNotes(notes string) { m.notes = notes }

// ToggleDrawing arms or disarms box drawing. Toggling off while a first
// corner is pending discards it.
func (m *Machine) ToggleDrawing() {
	if m.state == Idle {
		m.tool = ToolBox
		m.state = Armed
		return
	}
	m.clearPending()
	m.state = Idle
}

// Abort discards any in-progress box. Drawing stays armed if it was
// toggled on.
func (m *Machine) Abort() {
	toggled := m.state != Idle
	m.clearPending()
	if toggled {
		m.state = Armed
	} else {
		m.state = Idle
	}
}

// OnClick implements EventPort.
func (m *Machine) OnClick(p Point) {
	switch m.tool {
	case ToolEraser:
		m.eraseAt(p)
	case ToolBox:
		m.boxClick(p)
	default:
		m.pointClick(p)
	}
}

// OnMove implements EventPort. While a first corner is stored it updates
// the preview rectangle; otherwise it clears it.
func (m *Machine) OnMove(p Point) {
	if m.cfg.Callbacks.Preview == nil {
		return
	}
	if m.state == FirstPointSet && m.start != nil {
		b := makeBounds(*m.start, p)
		m.cfg.Callbacks.Preview(&b)
		return
	}
	m.cfg.Callbacks.Preview(nil)
}

// OnLeave implements EventPort. The pointer leaving the view discards
// the pending corner; drawing stays armed if it was toggled on.
func (m *Machine) OnLeave() {
	m.Abort()
}

func (m *Machine) pointClick(p Point) {
	category := m.category
	if category == "" {
		m.log.Warn("point tag dropped: no category selected")
		return
	}

	notes, err := annotation.NormalizeLabel(m.notes)
	if err != nil {
		// Whitespace-only notes collapse to none; points do not require
		// notes the way boxes require a label.
		notes = ""
	}

	a := annotation.Annotation{
		ID:       annotation.NewClientID(),
		Context:  m.cfg.Context,
		Category: category,
		Notes:    notes,
		Sync:     annotation.SyncLocalOnly,
	}
	if m.cfg.Percent {
		a.PercentPoint = &coords.PercentPoint{X: p.X, Y: p.Y}
	} else {
		a.Point = &coords.LatLng{Lat: p.Y, Lng: coords.NormalizeLon(p.X)}
	}

	m.store.Add(a)
	m.notes = ""
	if m.cfg.Callbacks.Created != nil {
		m.cfg.Callbacks.Created(a)
	}
}

func (m *Machine) boxClick(p Point) {
	if m.cfg.Percent {
		m.log.Warn("box drawing is not available on percentage-mode rasters")
		return
	}

	switch m.state {
	case Idle:
		// Not armed: clicks do nothing until ToggleDrawing.
	case Armed:
		m.start = &p
		m.state = FirstPointSet
		if m.cfg.Callbacks.StartMarker != nil {
			m.cfg.Callbacks.StartMarker(&p)
		}
	case FirstPointSet:
		m.finishBox(p)
	}
}

func (m *Machine) finishBox(p Point) {
	bounds := makeBounds(*m.start, p)

	// Drawing is single-shot per box: whatever happens below, the
	// machine returns to Idle.
	m.clearPending()
	m.state = Idle

	if m.cfg.Prompter == nil {
		m.log.Warn("box dropped: no prompter configured")
		return
	}
	category, rawLabel, err := m.cfg.Prompter.Solicit()
	if err != nil {
		m.log.Debug("box aborted by prompter", zap.Error(err))
		return
	}
	label, err := annotation.NormalizeLabel(rawLabel)
	if err != nil {
		m.log.Debug("box aborted: empty label")
		return
	}
	if category == "" {
		category = "zone"
	}

	a := annotation.Annotation{
		ID:       annotation.NewClientID(),
		Context:  m.cfg.Context,
		Category: category,
		Label:    label,
		Rect:     &bounds,
		Sync:     annotation.SyncLocalOnly,
	}
	m.store.Add(a)
	if m.cfg.Callbacks.Created != nil {
		m.cfg.Callbacks.Created(a)
	}
}

// eraseAt requests deletion of the topmost annotation under p. Clicks on
// empty space are no-ops. Whether the deletion actually happens is the
// access controller's call, downstream of the DeleteRequested callback.
func (m *Machine) eraseAt(p Point) {
	hit := m.hitTest(p)
	if hit == nil {
		return
	}
	if m.cfg.Callbacks.DeleteRequested != nil {
		m.cfg.Callbacks.DeleteRequested(*hit)
	}
}

func (m *Machine) hitTest(p Point) *annotation.Annotation {
	items := m.store.List()
	for i := len(items) - 1; i >= 0; i-- {
		a := items[i]
		switch {
		case a.Rect != nil:
			if a.Rect.Contains(coords.LatLng{Lat: p.Y, Lng: p.X}) {
				return &a
			}
		case a.Point != nil:
			if math.Abs(a.Point.Lat-p.Y) <= m.cfg.HitTolerance &&
				math.Abs(a.Point.Lng-p.X) <= m.cfg.HitTolerance {
				return &a
			}
		case a.PercentPoint != nil:
			if math.Abs(a.PercentPoint.Y-p.Y) <= m.cfg.HitTolerance &&
				math.Abs(a.PercentPoint.X-p.X) <= m.cfg.HitTolerance {
				return &a
			}
		}
	}
	return nil
}

func (m *Machine) clearPending() {
	m.start = nil
	if m.cfg.Callbacks.StartMarker != nil {
		m.cfg.Callbacks.StartMarker(nil)
	}
	if m.cfg.Callbacks.Preview != nil {
		m.cfg.Callbacks.Preview(nil)
	}
}

func makeBounds(a, b Point) coords.Bounds {
	return coords.MakeBounds(
		coords.LatLng{Lat: a.Y, Lng: a.X},
		coords.LatLng{Lat: b.Y, Lng: b.X},
	)
}
