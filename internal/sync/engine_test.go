package sync

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planetatlas/atlas-cli/internal/access"
	"github.com/planetatlas/atlas-cli/internal/annotation"
	"github.com/planetatlas/atlas-cli/internal/coords"
	"github.com/planetatlas/atlas-cli/internal/resilience"
	"github.com/planetatlas/atlas-cli/internal/session"
	"github.com/planetatlas/atlas-cli/internal/store"
)

// fakeStore records calls so tests can assert what reached the remote.
type fakeStore struct {
	rows       []annotation.Annotation
	lastViewer store.Viewer

	inserted  []annotation.Annotation
	replaced  map[string][]annotation.Annotation
	deleted   []string
	nextID    int64
	insertErr error
	listErr   error

	// Optional hooks, invoked before the call is served.
	insertHook func(a *annotation.Annotation) error
	listHook   func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{replaced: map[string][]annotation.Annotation{}, nextID: 100}
}

func (f *fakeStore) ListAnnotations(_ context.Context, explorerContext string, viewer store.Viewer) ([]annotation.Annotation, error) {
	f.lastViewer = viewer
	if f.listHook != nil {
		f.listHook()
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []annotation.Annotation
	for _, a := range f.rows {
		if a.Context != explorerContext {
			continue
		}
		if a.Verified || viewer.Reviewer || (viewer.UserID != "" && a.OwnerID != nil && *a.OwnerID == viewer.UserID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetAnnotation(_ context.Context, id string) (*annotation.Annotation, error) {
	for i := range f.rows {
		if f.rows[i].ID == id {
			return &f.rows[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) InsertAnnotation(_ context.Context, a *annotation.Annotation) (string, error) {
	if f.insertHook != nil {
		if err := f.insertHook(a); err != nil {
			return "", err
		}
	}
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, *a)
	f.nextID++
	return strconv.FormatInt(f.nextID, 10), nil
}

func (f *fakeStore) DeleteAnnotation(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) ReplaceUserAnnotations(_ context.Context, userID, explorerContext string, items []annotation.Annotation) error {
	f.replaced[userID+"/"+explorerContext] = items
	return nil
}

func (f *fakeStore) SetVerified(context.Context, string) error        { return nil }
func (f *fakeStore) AddPoints(context.Context, string, int) error     { return nil }
func (f *fakeStore) GetRole(context.Context, string) (string, error)  { return "member", nil }
func (f *fakeStore) Leaderboard(context.Context, int) ([]store.Rank, error) {
	return nil, nil
}
func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

func noRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1}
}

func newTestEngine(t *testing.T, remote store.Store) (*Engine, *annotation.Store, *PendingQueue) {
	t.Helper()
	q, err := OpenPendingQueue(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	local := annotation.NewStore()
	return NewEngine(remote, local, q, noRetry()), local, q
}

func pointAnnotation(explorerContext, category string, lat, lng float64) annotation.Annotation {
	return annotation.Annotation{
		Context:  explorerContext,
		Category: category,
		Notes:    "test note",
		Point:    &coords.LatLng{Lat: lat, Lng: lng},
	}
}

func TestLoad_AnonymousSeesVerifiedOnly(t *testing.T) {
	owner := "u1"
	fs := newFakeStore()
	fs.rows = []annotation.Annotation{
		{ID: "1", Context: "mars", Category: "crater", Point: &coords.LatLng{Lat: 1, Lng: 2}, OwnerID: &owner, Verified: true},
		{ID: "2", Context: "mars", Category: "gully", Point: &coords.LatLng{Lat: 3, Lng: 4}, OwnerID: &owner, Verified: false},
	}

	eng, local, _ := newTestEngine(t, fs)
	items, err := eng.Load(context.Background(), "mars", session.Anonymous())
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "1", items[0].ID)
	assert.Equal(t, annotation.SyncSynced, items[0].Sync)
	assert.Equal(t, 1, local.Len())
	assert.Equal(t, store.Viewer{}, fs.lastViewer)
}

func TestLoad_OwnerSeesOwnUnverified(t *testing.T) {
	owner := "u1"
	fs := newFakeStore()
	fs.rows = []annotation.Annotation{
		{ID: "2", Context: "mars", Category: "gully", Point: &coords.LatLng{Lat: 3, Lng: 4}, OwnerID: &owner, Verified: false},
	}

	eng, _, _ := newTestEngine(t, fs)
	items, err := eng.Load(context.Background(), "mars", session.Session{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestLoad_ClearsPreviousContext(t *testing.T) {
	fs := newFakeStore()
	eng, local, _ := newTestEngine(t, fs)
	local.Add(annotation.Annotation{ID: "stale", Context: "moon", Category: "crater", Point: &coords.LatLng{}})

	fs.listErr = eris.New("boom")
	_, err := eng.Load(context.Background(), "mars", session.Anonymous())
	require.Error(t, err)

	// Even a failed load must not leave the previous context's markers
	// on screen.
	assert.Equal(t, 0, local.Len())
}

func TestLoad_SupersededRequestIsDiscarded(t *testing.T) {
	fs := newFakeStore()
	fs.rows = []annotation.Annotation{
		{ID: "1", Context: "mars", Category: "crater", Point: &coords.LatLng{Lat: 1, Lng: 2}, Verified: true},
		{ID: "9", Context: "moon", Category: "mare", Point: &coords.LatLng{Lat: 5, Lng: 6}, Verified: true},
	}
	eng, local, _ := newTestEngine(t, fs)

	// While the mars fetch is in flight the user switches to the moon;
	// the second load runs to completion before the first returns.
	var moonItems []annotation.Annotation
	fs.listHook = func() {
		fs.listHook = nil
		var err error
		moonItems, err = eng.Load(context.Background(), "moon", session.Anonymous())
		require.NoError(t, err)
	}

	items, err := eng.Load(context.Background(), "mars", session.Anonymous())
	require.NoError(t, err)
	assert.Nil(t, items, "superseded response must be dropped")

	require.Len(t, moonItems, 1)
	assert.Equal(t, 1, local.Len())
	got, ok := local.Get("9")
	require.True(t, ok)
	assert.Equal(t, "moon", got.Context)
	_, ok = local.Get("1")
	assert.False(t, ok, "stale context rows must not land in the local set")
}

func TestCreate_AnonymousStaysLocalAndParks(t *testing.T) {
	fs := newFakeStore()
	eng, local, q := newTestEngine(t, fs)

	a, err := eng.Create(context.Background(), pointAnnotation("mars", "crater", 10, 20), session.Anonymous())
	require.NoError(t, err)

	assert.True(t, a.IsLocal())
	assert.Equal(t, annotation.SyncLocalOnly, a.Sync)
	assert.Empty(t, fs.inserted, "anonymous creation must not reach the remote store")
	assert.Equal(t, 1, local.Len())

	parked, found, err := q.Get(context.Background(), "mars")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, parked, 1)
	assert.Equal(t, a.ID, parked[0].ID)
}

func TestCreate_AuthenticatedUpsertsAndSwapsID(t *testing.T) {
	fs := newFakeStore()
	eng, local, _ := newTestEngine(t, fs)

	a, err := eng.Create(context.Background(), pointAnnotation("mars", "crater", 10, 20), session.Session{UserID: "u1"})
	require.NoError(t, err)

	assert.False(t, a.IsLocal())
	assert.Equal(t, "101", a.ID)
	assert.Equal(t, annotation.SyncSynced, a.Sync)
	require.NotNil(t, a.OwnerID)
	assert.Equal(t, "u1", *a.OwnerID)

	got, ok := local.Get("101")
	require.True(t, ok)
	assert.Equal(t, annotation.SyncSynced, got.Sync)
	assert.Equal(t, 1, local.Len(), "client-id record is replaced, not duplicated")
}

func TestCreate_UpsertFailureMarksSyncFailed(t *testing.T) {
	fs := newFakeStore()
	fs.insertErr = eris.New("connection refused")
	eng, local, _ := newTestEngine(t, fs)

	a, err := eng.Create(context.Background(), pointAnnotation("mars", "crater", 10, 20), session.Session{UserID: "u1"})
	require.Error(t, err)

	assert.Equal(t, annotation.SyncFailed, a.Sync)
	assert.NotEmpty(t, a.SyncErr)

	got, ok := local.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, annotation.SyncFailed, got.Sync, "record is kept locally for retry")
}

func TestCreate_RejectsInvalid(t *testing.T) {
	eng, local, _ := newTestEngine(t, newFakeStore())

	_, err := eng.Create(context.Background(), annotation.Annotation{Context: "mars", Category: "crater"}, session.Anonymous())
	assert.ErrorIs(t, err, annotation.ErrBadGeometry)
	assert.Equal(t, 0, local.Len())
}

func TestSaveAll_AnonymousParksAndErrors(t *testing.T) {
	fs := newFakeStore()
	eng, local, q := newTestEngine(t, fs)
	local.Add(pointAnnotation("mars", "crater", 1, 2))

	err := eng.SaveAll(context.Background(), "mars", session.Anonymous())
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Empty(t, fs.replaced)

	_, found, err := q.Get(context.Background(), "mars")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSaveAll_AuthenticatedFullReplace(t *testing.T) {
	fs := newFakeStore()
	eng, local, _ := newTestEngine(t, fs)
	a := pointAnnotation("mars", "crater", 1, 2)
	a.ID = annotation.NewClientID()
	local.Add(a)
	other := pointAnnotation("moon", "crater", 5, 6)
	other.ID = annotation.NewClientID()
	local.Add(other)

	err := eng.SaveAll(context.Background(), "mars", session.Session{UserID: "u1"})
	require.NoError(t, err)

	sent := fs.replaced["u1/mars"]
	require.Len(t, sent, 1, "only the requested context is replaced")
	require.NotNil(t, sent[0].OwnerID)
	assert.Equal(t, "u1", *sent[0].OwnerID)

	got, ok := local.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, annotation.SyncSynced, got.Sync)
}

func TestFlushPending_OncePerAuthEvent(t *testing.T) {
	fs := newFakeStore()
	eng, local, q := newTestEngine(t, fs)

	created, err := eng.Create(context.Background(), pointAnnotation("mars", "crater", 10, 20), session.Anonymous())
	require.NoError(t, err)

	s := session.Session{UserID: "u1"}
	n, err := eng.FlushPending(context.Background(), "mars", s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, fs.inserted, 1)
	require.NotNil(t, fs.inserted[0].OwnerID)
	assert.Equal(t, "u1", *fs.inserted[0].OwnerID)

	// The flushed record appears exactly once, under its server id.
	assert.Equal(t, 1, local.Len())
	_, ok := local.Get(created.ID)
	assert.False(t, ok, "client-id record replaced by server-id record")

	// Queue is drained and a repeated auth notification is a no-op.
	_, found, err := q.Get(context.Background(), "mars")
	require.NoError(t, err)
	assert.False(t, found)

	n, err = eng.FlushPending(context.Background(), "mars", s)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, fs.inserted, 1)
}

func TestFlushPending_ResetsAfterSignOut(t *testing.T) {
	fs := newFakeStore()
	eng, _, q := newTestEngine(t, fs)
	s := session.Session{UserID: "u1"}

	_, err := eng.FlushPending(context.Background(), "mars", s)
	require.NoError(t, err)

	eng.SignOut()
	require.NoError(t, q.Put(context.Background(), "mars", []annotation.Annotation{pointAnnotation("mars", "crater", 1, 2)}))

	n, err := eng.FlushPending(context.Background(), "mars", s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlushPending_PartialFailureFlushesRemainderExactlyOnce(t *testing.T) {
	fs := newFakeStore()
	eng, local, q := newTestEngine(t, fs)
	ctx := context.Background()

	_, err := eng.Create(ctx, pointAnnotation("mars", "crater", 10, 20), session.Anonymous())
	require.NoError(t, err)
	_, err = eng.Create(ctx, pointAnnotation("mars", "wrinkle", 30, 40), session.Anonymous())
	require.NoError(t, err)

	// Fail the second insert of the first flush attempt only.
	calls := 0
	fs.insertHook = func(*annotation.Annotation) error {
		calls++
		if calls == 2 {
			return eris.New("connection reset by peer")
		}
		return nil
	}

	s := session.Session{UserID: "u1"}
	n, err := eng.FlushPending(ctx, "mars", s)
	require.Error(t, err)
	assert.Equal(t, 1, n)

	// The queue now holds only the row that never reached the remote.
	parked, found, err := q.Get(ctx, "mars")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, parked, 1)

	eng.SignOut()
	n, err = eng.FlushPending(ctx, "mars", s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Each record was inserted exactly once across both flush attempts.
	byCategory := map[string]int{}
	for _, a := range fs.inserted {
		byCategory[a.Category]++
	}
	assert.Equal(t, map[string]int{"crater": 1, "wrinkle": 1}, byCategory)
	assert.Equal(t, 2, local.Len())

	_, found, err = q.Get(ctx, "mars")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFlushPending_RequiresAuth(t *testing.T) {
	eng, _, _ := newTestEngine(t, newFakeStore())
	_, err := eng.FlushPending(context.Background(), "mars", session.Anonymous())
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestDelete_OwnerDeletesRemote(t *testing.T) {
	owner := "u1"
	fs := newFakeStore()
	eng, local, _ := newTestEngine(t, fs)
	local.Add(annotation.Annotation{ID: "42", Context: "mars", Category: "crater", Point: &coords.LatLng{}, OwnerID: &owner})

	err := eng.Delete(context.Background(), "42", session.Session{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, fs.deleted)
	assert.Equal(t, 0, local.Len())
}

func TestDelete_NonOwnerForbidden(t *testing.T) {
	owner := "u1"
	fs := newFakeStore()
	eng, local, _ := newTestEngine(t, fs)
	local.Add(annotation.Annotation{ID: "42", Context: "mars", Category: "crater", Point: &coords.LatLng{}, OwnerID: &owner})

	err := eng.Delete(context.Background(), "42", session.Session{UserID: "u2"})
	assert.ErrorIs(t, err, access.ErrForbidden)
	assert.Empty(t, fs.deleted)
	assert.Equal(t, 1, local.Len())
}

func TestDelete_ReviewerMayDeleteAny(t *testing.T) {
	owner := "u1"
	fs := newFakeStore()
	eng, _, _ := newTestEngine(t, fs)
	eng.local.Add(annotation.Annotation{ID: "42", Context: "mars", Category: "crater", Point: &coords.LatLng{}, OwnerID: &owner})

	err := eng.Delete(context.Background(), "42", session.Session{UserID: "rev", Reviewer: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, fs.deleted)
}

func TestDelete_LocalOnlySkipsRemote(t *testing.T) {
	fs := newFakeStore()
	eng, local, _ := newTestEngine(t, fs)
	id := annotation.NewClientID()
	uid := "u1"
	local.Add(annotation.Annotation{ID: id, Context: "mars", Category: "crater", Point: &coords.LatLng{}, OwnerID: &uid})

	err := eng.Delete(context.Background(), id, session.Session{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, fs.deleted)
	assert.Equal(t, 0, local.Len())
}

func TestPendingQueue_PutReplacesEarlierSnapshot(t *testing.T) {
	q, err := OpenPendingQueue(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	first := []annotation.Annotation{pointAnnotation("mars", "crater", 1, 2)}
	second := []annotation.Annotation{
		pointAnnotation("mars", "crater", 1, 2),
		pointAnnotation("mars", "gully", 3, 4),
	}
	require.NoError(t, q.Put(ctx, "mars", first))
	require.NoError(t, q.Put(ctx, "mars", second))

	got, found, err := q.Get(ctx, "mars")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, got, 2)

	_, found, err = q.Get(ctx, "moon")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, q.Clear(ctx, "mars"))
	_, found, err = q.Get(ctx, "mars")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPendingQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	q, err := OpenPendingQueue(path)
	require.NoError(t, err)

	a := pointAnnotation("mars", "crater", 1, 2)
	a.ID = annotation.NewClientID()
	a.CreatedAt = time.Now().UTC().Truncate(time.Second)
	require.NoError(t, q.Put(context.Background(), "mars", []annotation.Annotation{a}))
	require.NoError(t, q.Close())

	q2, err := OpenPendingQueue(path)
	require.NoError(t, err)
	defer q2.Close()

	got, found, err := q2.Get(context.Background(), "mars")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}
