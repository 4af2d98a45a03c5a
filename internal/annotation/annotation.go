// Package annotation defines the core annotation record and the ordered
// in-memory collection backing the current session/view.
package annotation

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rotisserie/eris"

	"github.com/planetatlas/atlas-cli/internal/coords"
)

// MaxLabelLen caps box labels and notes.
const MaxLabelLen = 100

var (
	// ErrEmptyLabel means the label was empty or whitespace-only after
	// trimming. The draw is aborted, no record is created.
	ErrEmptyLabel = eris.New("annotation: empty label")

	// ErrBadGeometry means the record does not hold exactly one geometry.
	ErrBadGeometry = eris.New("annotation: exactly one of point, percent point, or rect must be set")

	// ErrEmptyCategory means the category tag is missing.
	ErrEmptyCategory = eris.New("annotation: empty category")
)

// labelPolicy strips all markup so labels and notes are safe to render
// as HTML.
var labelPolicy = bluemonday.StrictPolicy()

// SyncState tracks an annotation's reconciliation status relative to
// the remote store.
type SyncState string

const (
	SyncLocalOnly SyncState = "local-only"
	SyncInFlight  SyncState = "syncing"
	SyncSynced    SyncState = "synced"
	SyncFailed    SyncState = "sync-failed"
)

// Annotation is a user-created point or rectangle tag on a planetary
// image. Exactly one of Point, PercentPoint, or Rect is populated.
type Annotation struct {
	// ID is client-generated (timestamp-based) until the first
	// successful save replaces it with the server-assigned id.
	ID      string `json:"id"`
	Context string `json:"context"`

	Category string `json:"category"`
	Label    string `json:"label,omitempty"`
	Notes    string `json:"notes,omitempty"`

	Point        *coords.LatLng       `json:"point,omitempty"`
	PercentPoint *coords.PercentPoint `json:"percent_point,omitempty"`
	Rect         *coords.Bounds       `json:"rect,omitempty"`

	// OwnerID is nil for annotations of anonymous origin.
	OwnerID  *string `json:"owner_id,omitempty"`
	Verified bool    `json:"verified"`

	Sync      SyncState `json:"sync_state"`
	SyncErr   string    `json:"sync_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var clientSeq atomic.Int64

// NewClientID returns a timestamp-based id for a not-yet-persisted
// annotation. The sequence suffix keeps ids unique within a millisecond.
func NewClientID() string {
	return fmt.Sprintf("local-%d-%d", time.Now().UnixMilli(), clientSeq.Add(1))
}

// IsLocal reports whether the annotation still carries a client id.
func (a *Annotation) IsLocal() bool {
	return strings.HasPrefix(a.ID, "local-")
}

// Validate checks the record invariants.
func (a *Annotation) Validate() error {
	if strings.TrimSpace(a.Category) == "" {
		return ErrEmptyCategory
	}
	geoms := 0
	if a.Point != nil {
		geoms++
	}
	if a.PercentPoint != nil {
		geoms++
	}
	if a.Rect != nil {
		geoms++
	}
	if geoms != 1 {
		return ErrBadGeometry
	}
	return nil
}

// Position returns the annotation's anchor point: the point itself, or
// the rectangle center.
func (a *Annotation) Position() coords.LatLng {
	if a.Point != nil {
		return *a.Point
	}
	if a.Rect != nil {
		return coords.Center(*a.Rect)
	}
	return coords.LatLng{}
}

// NormalizeLabel trims and caps a raw label or notes field. Empty input
// after trimming is an error so the caller aborts the draw.
func NormalizeLabel(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmptyLabel
	}
	return capRunes(s), nil
}

// NormalizeNotes trims and caps free-text notes. Unlike a label, empty
// notes are fine.
func NormalizeNotes(raw string) string {
	return capRunes(strings.TrimSpace(raw))
}

// capRunes caps at MaxLabelLen characters, not bytes, so multi-byte
// labels are never cut mid-rune.
func capRunes(s string) string {
	if utf8.RuneCountInString(s) <= MaxLabelLen {
		return s
	}
	return string([]rune(s)[:MaxLabelLen])
}

// SafeLabel returns the label with all markup stripped and HTML special
// characters escaped, suitable for rendering inside markup.
func (a *Annotation) SafeLabel() string {
	return labelPolicy.Sanitize(a.Label)
}

// SafeNotes is SafeLabel for the notes field.
func (a *Annotation) SafeNotes() string {
	return labelPolicy.Sanitize(a.Notes)
}
