// Package store persists annotations, contributor profiles, and role
// assignments in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/planetatlas/atlas-cli/internal/annotation"
	"github.com/planetatlas/atlas-cli/internal/coords"
	"github.com/planetatlas/atlas-cli/internal/db"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = eris.New("store: not found")

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest load/save paths.
var preparedStatements = map[string]string{
	"list_all":      sqlListAll,
	"list_visible":  sqlListVisible,
	"list_verified": sqlListVerified,
	"insert_label":  sqlInsertLabel,
	"delete_label":  sqlDeleteLabel,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Tests use it with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS labels (
	id         BIGSERIAL PRIMARY KEY,
	user_id    TEXT,
	name       TEXT NOT NULL,
	position   JSONB NOT NULL,
	verified   BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_labels_name ON labels(name);
CREATE INDEX IF NOT EXISTS idx_labels_user_name ON labels(user_id, name);
CREATE INDEX IF NOT EXISTS idx_labels_name_verified ON labels(name, verified);

CREATE TABLE IF NOT EXISTS profiles (
	id       TEXT PRIMARY KEY,
	passport TEXT NOT NULL DEFAULT '',
	points   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_profiles_points ON profiles(points DESC);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	PRIMARY KEY (user_id, role)
);
`

const (
	labelCols = `id, user_id, name, position, verified, created_at`

	sqlListAll      = `SELECT ` + labelCols + ` FROM labels WHERE name = $1 ORDER BY id`
	sqlListVisible  = `SELECT ` + labelCols + ` FROM labels WHERE name = $1 AND (verified = true OR user_id = $2) ORDER BY id`
	sqlListVerified = `SELECT ` + labelCols + ` FROM labels WHERE name = $1 AND verified = true ORDER BY id`
	sqlInsertLabel  = `INSERT INTO labels (user_id, name, position, verified) VALUES ($1, $2, $3, $4) RETURNING id`
	sqlDeleteLabel  = `DELETE FROM labels WHERE id = $1`
)

// positionBlob is the JSON shape of the labels.position column. Point
// tags carry lat/lng (or x/y for percentage-mode rasters); boxes carry
// the two normalized corners.
type positionBlob struct {
	Lat     *float64    `json:"lat,omitempty"`
	Lng     *float64    `json:"lng,omitempty"`
	X       *float64    `json:"x,omitempty"`
	Y       *float64    `json:"y,omitempty"`
	Corner1 *cornerBlob `json:"corner1,omitempty"`
	Corner2 *cornerBlob `json:"corner2,omitempty"`
	Type    string      `json:"type,omitempty"`
	Label   string      `json:"label,omitempty"`
	Notes   string      `json:"notes,omitempty"`
}

type cornerBlob struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func encodePosition(a *annotation.Annotation) ([]byte, error) {
	blob := positionBlob{
		Type:  a.Category,
		Label: a.Label,
		Notes: a.Notes,
	}
	switch {
	case a.Point != nil:
		blob.Lat = &a.Point.Lat
		blob.Lng = &a.Point.Lng
	case a.PercentPoint != nil:
		blob.X = &a.PercentPoint.X
		blob.Y = &a.PercentPoint.Y
	case a.Rect != nil:
		blob.Corner1 = &cornerBlob{Lat: a.Rect.South, Lng: a.Rect.West}
		blob.Corner2 = &cornerBlob{Lat: a.Rect.North, Lng: a.Rect.East}
	default:
		return nil, annotation.ErrBadGeometry
	}
	out, err := json.Marshal(blob)
	return out, eris.Wrap(err, "postgres: marshal position")
}

func decodePosition(a *annotation.Annotation, raw []byte) error {
	var blob positionBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return eris.Wrap(err, "postgres: unmarshal position")
	}
	a.Category = blob.Type
	a.Label = blob.Label
	a.Notes = blob.Notes
	switch {
	case blob.Corner1 != nil && blob.Corner2 != nil:
		b := coords.MakeBounds(
			coords.LatLng{Lat: blob.Corner1.Lat, Lng: blob.Corner1.Lng},
			coords.LatLng{Lat: blob.Corner2.Lat, Lng: blob.Corner2.Lng},
		)
		a.Rect = &b
	case blob.Lat != nil && blob.Lng != nil:
		a.Point = &coords.LatLng{Lat: *blob.Lat, Lng: *blob.Lng}
	case blob.X != nil && blob.Y != nil:
		a.PercentPoint = &coords.PercentPoint{X: *blob.X, Y: *blob.Y}
	default:
		return eris.New("postgres: position blob has no geometry")
	}
	return nil
}

func scanAnnotations(rows pgx.Rows) ([]annotation.Annotation, error) {
	defer rows.Close()

	var out []annotation.Annotation
	for rows.Next() {
		var (
			id       int64
			userID   *string
			name     string
			position []byte
			verified bool
			created  time.Time
		)
		if err := rows.Scan(&id, &userID, &name, &position, &verified, &created); err != nil {
			return nil, eris.Wrap(err, "postgres: scan label row")
		}
		a := annotation.Annotation{
			ID:        strconv.FormatInt(id, 10),
			Context:   name,
			OwnerID:   userID,
			Verified:  verified,
			Sync:      annotation.SyncSynced,
			CreatedAt: created,
		}
		if err := decodePosition(&a, position); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAnnotations implements Store. Server ordering (by id) is kept.
func (s *PostgresStore) ListAnnotations(ctx context.Context, explorerContext string, viewer Viewer) ([]annotation.Annotation, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case viewer.Reviewer:
		rows, err = s.pool.Query(ctx, sqlListAll, explorerContext)
	case viewer.UserID != "":
		rows, err = s.pool.Query(ctx, sqlListVisible, explorerContext, viewer.UserID)
	default:
		rows, err = s.pool.Query(ctx, sqlListVerified, explorerContext)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list annotations")
	}
	return scanAnnotations(rows)
}

// GetAnnotation implements Store.
func (s *PostgresStore) GetAnnotation(ctx context.Context, id string) (*annotation.Annotation, error) {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, eris.Wrapf(ErrNotFound, "postgres: non-numeric id %q", id)
	}

	var (
		userID   *string
		name     string
		position []byte
		verified bool
		created  time.Time
	)
	err = s.pool.QueryRow(ctx,
		`SELECT user_id, name, position, verified, created_at FROM labels WHERE id = $1`,
		numID,
	).Scan(&userID, &name, &position, &verified, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get annotation %s", id)
	}

	a := annotation.Annotation{
		ID:        id,
		Context:   name,
		OwnerID:   userID,
		Verified:  verified,
		Sync:      annotation.SyncSynced,
		CreatedAt: created,
	}
	if err := decodePosition(&a, position); err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAnnotation implements Store. It returns the server-assigned id,
// which replaces the client-generated one.
func (s *PostgresStore) InsertAnnotation(ctx context.Context, a *annotation.Annotation) (string, error) {
	position, err := encodePosition(a)
	if err != nil {
		return "", err
	}

	var id int64
	err = s.pool.QueryRow(ctx, sqlInsertLabel, a.OwnerID, a.Context, position, a.Verified).Scan(&id)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert annotation")
	}
	return strconv.FormatInt(id, 10), nil
}

// DeleteAnnotation implements Store.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, id string) error {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return eris.Wrapf(ErrNotFound, "postgres: non-numeric id %q", id)
	}
	tag, err := s.pool.Exec(ctx, sqlDeleteLabel, numID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete annotation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceUserAnnotations implements Store. Delete-then-insert runs in a
// single transaction; it is still last-writer-wins against a concurrent
// replace for the same user and context.
func (s *PostgresStore) ReplaceUserAnnotations(ctx context.Context, userID, explorerContext string, items []annotation.Annotation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin replace")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM labels WHERE user_id = $1 AND name = $2`,
		userID, explorerContext,
	); err != nil {
		return eris.Wrap(err, "postgres: delete user annotations")
	}

	if len(items) > 0 {
		rows := make([][]any, 0, len(items))
		for i := range items {
			position, err := encodePosition(&items[i])
			if err != nil {
				return err
			}
			rows = append(rows, []any{userID, explorerContext, position, items[i].Verified})
		}
		if _, err := db.CopyFrom(ctx, tx, "labels",
			[]string{"user_id", "name", "position", "verified"}, rows,
		); err != nil {
			return eris.Wrap(err, "postgres: copy user annotations")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit replace")
}

// SetVerified implements Store. The predicate keeps the transition
// append-only: an already verified row is not an error, but verified
// never goes back to false.
func (s *PostgresStore) SetVerified(ctx context.Context, id string) error {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return eris.Wrapf(ErrNotFound, "postgres: non-numeric id %q", id)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE labels SET verified = true WHERE id = $1 AND verified = false`,
		numID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: verify annotation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPoints implements Store using the database's atomic increment, so
// concurrent verifications cannot lose updates.
func (s *PostgresStore) AddPoints(ctx context.Context, userID string, delta int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, points) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET points = profiles.points + EXCLUDED.points`,
		userID, delta,
	)
	return eris.Wrapf(err, "postgres: add points for %s", userID)
}

// GetRole implements Store. Absence of a role row means "member".
func (s *PostgresStore) GetRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role LIMIT 1`,
		userID,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "member", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: get role for %s", userID)
	}
	return role, nil
}

// Leaderboard implements Store.
func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]Rank, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, passport, points FROM profiles ORDER BY points DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: leaderboard")
	}
	defer rows.Close()

	var ranks []Rank
	for rows.Next() {
		var r Rank
		if err := rows.Scan(&r.UserID, &r.Passport, &r.Points); err != nil {
			return nil, eris.Wrap(err, "postgres: scan leaderboard row")
		}
		ranks = append(ranks, r)
	}
	return ranks, rows.Err()
}

// Migrate implements Store.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
