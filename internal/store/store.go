package store

import (
	"context"

	"github.com/planetatlas/atlas-cli/internal/annotation"
)

// Viewer describes who is asking in a list call, so the store can apply
// the visibility formula: reviewers see everything, authenticated users
// see verified rows plus their own, anonymous viewers see verified only.
type Viewer struct {
	UserID   string
	Reviewer bool
}

// Rank is one leaderboard row.
type Rank struct {
	UserID   string `json:"user_id"`
	Passport string `json:"passport"`
	Points   int    `json:"points"`
}

// Store defines the persistence interface for annotations, profiles,
// and role assignments.
type Store interface {
	// Annotations
	ListAnnotations(ctx context.Context, explorerContext string, viewer Viewer) ([]annotation.Annotation, error)
	GetAnnotation(ctx context.Context, id string) (*annotation.Annotation, error)
	InsertAnnotation(ctx context.Context, a *annotation.Annotation) (string, error)
	DeleteAnnotation(ctx context.Context, id string) error
	// ReplaceUserAnnotations deletes all of a user's rows for a context
	// and reinserts the given set in one transaction (full-replace
	// protocol, not an incremental diff).
	ReplaceUserAnnotations(ctx context.Context, userID, explorerContext string, items []annotation.Annotation) error
	SetVerified(ctx context.Context, id string) error

	// Profiles and roles
	AddPoints(ctx context.Context, userID string, delta int) error
	GetRole(ctx context.Context, userID string) (string, error)
	Leaderboard(ctx context.Context, limit int) ([]Rank, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
