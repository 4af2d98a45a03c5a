package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/planetatlas/atlas-cli/internal/annotation"
)

// PendingQueue is the durable staging area for annotations created while
// unauthenticated, keyed by exploration context. It lives in a local
// SQLite file so queued work survives restarts, and is flushed exactly
// once when authentication succeeds.
type PendingQueue struct {
	db *sql.DB
}

// OpenPendingQueue opens (or creates) the queue database at path and
// configures WAL mode.
func OpenPendingQueue(path string) (*PendingQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "pending: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "pending: exec %s", pragma)
		}
	}

	const migration = `
CREATE TABLE IF NOT EXISTS pending_annotations (
	id        TEXT PRIMARY KEY,
	context   TEXT NOT NULL UNIQUE,
	payload   TEXT NOT NULL,
	queued_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`
	if _, err := db.Exec(migration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "pending: migrate")
	}
	return &PendingQueue{db: db}, nil
}

// Put stores the annotation set for a context, replacing any earlier
// entry for the same context.
func (q *PendingQueue) Put(ctx context.Context, explorerContext string, items []annotation.Annotation) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return eris.Wrap(err, "pending: marshal")
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO pending_annotations (id, context, payload, queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (context) DO UPDATE SET payload = excluded.payload, queued_at = excluded.queued_at`,
		uuid.New().String(), explorerContext, string(payload), time.Now().UTC(),
	)
	return eris.Wrapf(err, "pending: put %s", explorerContext)
}

// Get returns the queued set for a context, and whether one exists.
func (q *PendingQueue) Get(ctx context.Context, explorerContext string) ([]annotation.Annotation, bool, error) {
	var payload string
	err := q.db.QueryRowContext(ctx,
		`SELECT payload FROM pending_annotations WHERE context = ?`,
		explorerContext,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "pending: get %s", explorerContext)
	}

	var items []annotation.Annotation
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, false, eris.Wrapf(err, "pending: unmarshal %s", explorerContext)
	}
	return items, true, nil
}

// Clear removes the queue entry for a context.
func (q *PendingQueue) Clear(ctx context.Context, explorerContext string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_annotations WHERE context = ?`,
		explorerContext,
	)
	return eris.Wrapf(err, "pending: clear %s", explorerContext)
}

// Close closes the underlying database.
func (q *PendingQueue) Close() error {
	return q.db.Close()
}
