// Package sync reconciles the in-memory annotation set with the remote
// store: loading with visibility applied, immediate upserts, bulk
// full-replace saves, and a durable pending queue for work created
// before sign-in.
package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/planetatlas/atlas-cli/internal/access"
	"github.com/planetatlas/atlas-cli/internal/annotation"
	"github.com/planetatlas/atlas-cli/internal/resilience"
	"github.com/planetatlas/atlas-cli/internal/session"
	"github.com/planetatlas/atlas-cli/internal/store"
)

// ErrAuthRequired means the operation needs a signed-in user. The work
// is parked in the pending queue and flushed after authentication.
var ErrAuthRequired = eris.New("sync: authentication required")

// Engine coordinates the local annotation set, the remote store, and
// the pending queue.
type Engine struct {
	remote  store.Store
	local   *annotation.Store
	pending *PendingQueue
	retry   resilience.RetryConfig
	log     *zap.Logger

	// loadToken orders concurrent Load calls: a response whose token is
	// no longer current is discarded, so a stale fetch can never
	// overwrite a newer context's annotations.
	loadToken atomic.Uint64

	mu stdsync.Mutex
	// flushedFor is the user id of the auth event already flushed, so a
	// repeated auth notification does not replay the queue.
	flushedFor string
}

// NewEngine wires an Engine. pending may be nil when durable queueing
// is disabled.
func NewEngine(remote store.Store, local *annotation.Store, pending *PendingQueue, retry resilience.RetryConfig) *Engine {
	return &Engine{
		remote:  remote,
		local:   local,
		pending: pending,
		retry:   retry,
		log:     zap.L().With(zap.String("component", "sync")),
	}
}

// Load replaces the local set with the remote rows visible to the
// session for the given context. The local set is cleared before the
// fetch so a slow response never renders over the wrong context, and a
// response that arrives after a newer Load started is discarded.
func (e *Engine) Load(ctx context.Context, explorerContext string, s session.Session) ([]annotation.Annotation, error) {
	token := e.loadToken.Add(1)
	e.local.ReplaceAll(nil)

	viewer := store.Viewer{UserID: s.UserID, Reviewer: s.Reviewer}
	items, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) ([]annotation.Annotation, error) {
		return e.remote.ListAnnotations(ctx, explorerContext, viewer)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "sync: load %s", explorerContext)
	}

	if e.loadToken.Load() != token {
		e.log.Debug("discarding stale load response",
			zap.String("context", explorerContext),
			zap.Uint64("token", token))
		return nil, nil
	}

	for i := range items {
		items[i].Sync = annotation.SyncSynced
	}
	e.local.ReplaceAll(items)
	e.log.Info("loaded annotations",
		zap.String("context", explorerContext),
		zap.Int("count", len(items)))
	return items, nil
}

// Create validates and adds a new annotation to the local set, then
// upserts it to the remote store when a user is signed in. Anonymous
// creations stay local-only and are parked in the pending queue.
func (e *Engine) Create(ctx context.Context, a annotation.Annotation, s session.Session) (annotation.Annotation, error) {
	if err := a.Validate(); err != nil {
		return annotation.Annotation{}, err
	}
	if a.ID == "" {
		a.ID = annotation.NewClientID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Sync = annotation.SyncLocalOnly

	if !s.Authenticated() {
		e.local.Add(a)
		if err := e.park(ctx, a.Context); err != nil {
			return a, err
		}
		return a, nil
	}

	uid := s.UserID
	a.OwnerID = &uid
	a.Sync = annotation.SyncInFlight
	e.local.Add(a)

	serverID, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (string, error) {
		return e.remote.InsertAnnotation(ctx, &a)
	})
	if err != nil {
		a.Sync = annotation.SyncFailed
		a.SyncErr = eris.ToString(err, false)
		e.local.Update(a)
		e.log.Warn("annotation upsert failed",
			zap.String("id", a.ID),
			zap.Error(err))
		return a, eris.Wrap(err, "sync: create")
	}

	// Swap the client id for the server-assigned one in place.
	old := a.ID
	a.ID = serverID
	a.Sync = annotation.SyncSynced
	a.SyncErr = ""
	e.local.Remove(old)
	e.local.Add(a)
	return a, nil
}

// SaveAll persists the session's current annotation set for a context
// with the full-replace protocol. Anonymous callers get ErrAuthRequired
// and the set is parked in the pending queue for a later flush.
func (e *Engine) SaveAll(ctx context.Context, explorerContext string, s session.Session) error {
	items := e.forContext(explorerContext)

	if !s.Authenticated() {
		if err := e.park(ctx, explorerContext); err != nil {
			return err
		}
		return ErrAuthRequired
	}

	uid := s.UserID
	for i := range items {
		items[i].OwnerID = &uid
	}

	err := resilience.Do(ctx, e.retry, func(ctx context.Context) error {
		return e.remote.ReplaceUserAnnotations(ctx, s.UserID, explorerContext, items)
	})
	if err != nil {
		e.markAll(items, annotation.SyncFailed, eris.ToString(err, false))
		return eris.Wrapf(err, "sync: save %s", explorerContext)
	}

	e.markAll(items, annotation.SyncSynced, "")
	e.log.Info("saved annotations",
		zap.String("context", explorerContext),
		zap.Int("count", len(items)))
	return nil
}

// Delete removes an annotation locally and, when it has a server id,
// remotely. Only the owner or a reviewer may delete.
func (e *Engine) Delete(ctx context.Context, id string, s session.Session) error {
	a, ok := e.local.Get(id)
	if !ok {
		return store.ErrNotFound
	}
	if !access.CanDelete(&a, s) {
		return access.ErrForbidden
	}

	if !a.IsLocal() {
		err := resilience.Do(ctx, e.retry, func(ctx context.Context) error {
			return e.remote.DeleteAnnotation(ctx, a.ID)
		})
		if err != nil {
			return eris.Wrapf(err, "sync: delete %s", a.ID)
		}
	}
	e.local.Remove(id)
	return nil
}

// FlushPending saves the queued annotation set for a context after a
// sign-in. It runs at most once per auth event: a repeated notification
// for the same user is a no-op. Returns the number of flushed records.
func (e *Engine) FlushPending(ctx context.Context, explorerContext string, s session.Session) (int, error) {
	if !s.Authenticated() {
		return 0, ErrAuthRequired
	}
	if e.pending == nil {
		return 0, nil
	}

	e.mu.Lock()
	if e.flushedFor == s.UserID {
		e.mu.Unlock()
		return 0, nil
	}
	e.flushedFor = s.UserID
	e.mu.Unlock()

	items, found, err := e.pending.Get(ctx, explorerContext)
	if err != nil {
		return 0, err
	}
	if !found || len(items) == 0 {
		return 0, nil
	}

	uid := s.UserID
	flushed := 0
	remaining := items
	for len(remaining) > 0 {
		a := remaining[0]
		a.OwnerID = &uid
		a.Sync = annotation.SyncInFlight

		serverID, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (string, error) {
			return e.remote.InsertAnnotation(ctx, &a)
		})
		if err != nil {
			// The queue holds only the rows not yet inserted, so the
			// next auth event resumes where this one stopped.
			e.mu.Lock()
			e.flushedFor = ""
			e.mu.Unlock()
			return flushed, eris.Wrapf(err, "sync: flush %s", explorerContext)
		}

		// Shrink the queue entry before anything else: an interrupted
		// retry must never re-insert a row that already made it.
		remaining = remaining[1:]
		if len(remaining) > 0 {
			err = e.pending.Put(ctx, explorerContext, remaining)
		} else {
			err = e.pending.Clear(ctx, explorerContext)
		}
		if err != nil {
			e.mu.Lock()
			e.flushedFor = ""
			e.mu.Unlock()
			return flushed, err
		}

		old := a.ID
		a.ID = serverID
		a.Sync = annotation.SyncSynced
		if _, ok := e.local.Get(old); ok {
			e.local.Remove(old)
		}
		e.local.Add(a)
		flushed++
	}

	e.log.Info("flushed pending annotations",
		zap.String("context", explorerContext),
		zap.Int("count", flushed))
	return flushed, nil
}

// SignOut resets the flush guard so the next sign-in flushes again.
func (e *Engine) SignOut() {
	e.mu.Lock()
	e.flushedFor = ""
	e.mu.Unlock()
}

// park writes the current local set for a context into the pending
// queue, replacing any earlier snapshot.
func (e *Engine) park(ctx context.Context, explorerContext string) error {
	if e.pending == nil {
		return nil
	}
	return e.pending.Put(ctx, explorerContext, e.forContext(explorerContext))
}

func (e *Engine) forContext(explorerContext string) []annotation.Annotation {
	var out []annotation.Annotation
	for _, a := range e.local.List() {
		if a.Context == explorerContext {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) markAll(items []annotation.Annotation, st annotation.SyncState, syncErr string) {
	for _, a := range items {
		a.Sync = st
		a.SyncErr = syncErr
		e.local.Update(a)
	}
}
