package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/recallchat/internal/attachment"
	"github.com/vovakirdan/recallchat/internal/store"
	"github.com/vovakirdan/recallchat/internal/store/sqlite"
)

var testEpoch = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// recorder captures broadcasts in the order they were made.
type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) Broadcast(ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last() *Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()

	s, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type lifecycleFixture struct {
	life  *Lifecycle
	clock *clock.Mock
	store *sqlite.SQLiteStore
	fs    afero.Fs
	bus   *recorder
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(testEpoch)

	f := &lifecycleFixture{
		clock: mock,
		store: newTestStore(t),
		fs:    afero.NewMemMapFs(),
		bus:   &recorder{},
	}
	f.life = NewLifecycle(LifecycleConfig{
		Store:      f.store,
		Reconciler: attachment.NewReconciler(f.fs, nil),
		Bus:        f.bus,
		Clock:      mock,
		NewID:      sequentialIDs("m"),
	})
	t.Cleanup(f.life.Stop)
	return f
}

func (f *lifecycleFixture) writeFile(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, key, []byte("payload"), 0o644))
}

func (f *lifecycleFixture) fileExists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := afero.Exists(f.fs, key)
	require.NoError(t, err)
	return ok
}

func (f *lifecycleFixture) status(t *testing.T, id string) (store.MessageStatus, bool) {
	t.Helper()
	msg, err := f.store.GetMessage(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		return store.MessageStatusPurged, false
	}
	require.NoError(t, err)
	return msg.Status, true
}

// failingStore fails every write while reads pass through.
type failingStore struct {
	store.MessageStore
	err error
}

func (s *failingStore) CreateMessage(context.Context, *store.Message) (*store.Message, error) {
	return nil, s.err
}

func (s *failingStore) UpdateMessage(context.Context, string, store.MessagePatch) (*store.Message, error) {
	return nil, s.err
}

func (s *failingStore) DeleteMessage(context.Context, string, *store.MessageStatus) (*store.Message, error) {
	return nil, s.err
}

// brokenReconciler fails every deletion.
type brokenReconciler struct{ err error }

func (r brokenReconciler) DeleteIfExists(string) (bool, error) {
	return false, r.err
}
