package waiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assertedio/asrtd/internal/pushchannel"
)

type staticKey string

func (k staticKey) APIKey() string { return string(k) }

type fakeListener struct {
	id pushchannel.ListenerID
	fn pushchannel.Handler
}

type fakeConn struct {
	mu        sync.Mutex
	listeners map[string][]fakeListener
	nextID    pushchannel.ListenerID
	removed   int
	removeAll int
	closed    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{listeners: make(map[string][]fakeListener)}
}

func (f *fakeConn) On(event string, fn pushchannel.Handler) pushchannel.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.listeners[event] = append(f.listeners[event], fakeListener{id: f.nextID, fn: fn})
	return f.nextID
}

func (f *fakeConn) RemoveListener(event string, id pushchannel.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	ls := f.listeners[event]
	for i, l := range ls {
		if l.id == id {
			f.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (f *fakeConn) RemoveAllListeners() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeAll++
	f.listeners = make(map[string][]fakeListener)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[event])
}

func (f *fakeConn) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	snapshot := append([]fakeListener(nil), f.listeners[event]...)
	f.mu.Unlock()
	for _, l := range snapshot {
		if !f.has(event, l.id) {
			continue
		}
		l.fn(data)
	}
}

func (f *fakeConn) has(event string, id pushchannel.ListenerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners[event] {
		if l.id == id {
			return true
		}
	}
	return false
}

type countingDialer struct {
	dials atomic.Int32
	dial  func(ctx context.Context, token string) (Conn, error)
}

func (d *countingDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.dials.Add(1)
	return d.dial(ctx, token)
}

func connectedWaiter(t *testing.T, opts ...func(*Options)) (*Waiter, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	o := Options{
		Credentials: staticKey("key"),
		Dialer: DialFunc(func(context.Context, string) (Conn, error) {
			return conn, nil
		}),
	}
	for _, fn := range opts {
		fn(&o)
	}
	w, err := New(o)
	require.NoError(t, err)
	require.True(t, w.EnsureConnection(context.Background()))
	return w, conn
}

func resolved(w *Wait) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Dialer: DialFunc(nil)})
	assert.Error(t, err)
	_, err = New(Options{Credentials: staticKey("")})
	assert.Error(t, err)

	w, err := New(Options{Credentials: staticKey(""), Dialer: DialFunc(nil)})
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, w.State())
	assert.Equal(t, DefaultConnectTimeout, w.connectTimeout)
}

func TestEnsureConnectionWithoutCredential(t *testing.T) {
	d := &countingDialer{dial: func(context.Context, string) (Conn, error) {
		return newFakeConn(), nil
	}}
	w, err := New(Options{Credentials: staticKey(""), Dialer: d})
	require.NoError(t, err)

	assert.False(t, w.EnsureConnection(context.Background()))
	assert.Equal(t, int32(0), d.dials.Load(), "no network attempt without a credential")
	assert.Equal(t, StateAbsent, w.State())
}

func TestEnsureConnectionPassesToken(t *testing.T) {
	var got string
	w, err := New(Options{
		Credentials: staticKey("api-key-1"),
		Dialer: DialFunc(func(_ context.Context, token string) (Conn, error) {
			got = token
			return newFakeConn(), nil
		}),
	})
	require.NoError(t, err)
	require.True(t, w.EnsureConnection(context.Background()))
	assert.Equal(t, "api-key-1", got)
	assert.Equal(t, StateConnected, w.State())
}

func TestEnsureConnectionTimeout(t *testing.T) {
	d := &countingDialer{dial: func(ctx context.Context, _ string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w, err := New(Options{Credentials: staticKey("key"), Dialer: d})
	require.NoError(t, err)

	start := time.Now()
	assert.False(t, w.EnsureConnection(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, DefaultConnectTimeout)
	assert.Less(t, elapsed, DefaultConnectTimeout+400*time.Millisecond)
	assert.Equal(t, StateAbsent, w.State())

	_, err = w.WaitFor(CategoryRun)
	assert.ErrorIs(t, err, ErrNotConnected, "failed attempt leaves no connection stored")
}

func TestEnsureConnectionTimeoutClosesLateConnection(t *testing.T) {
	late := newFakeConn()
	release := make(chan struct{})
	w, err := New(Options{
		Credentials:    staticKey("key"),
		ConnectTimeout: 20 * time.Millisecond,
		Dialer: DialFunc(func(context.Context, string) (Conn, error) {
			<-release
			return late, nil
		}),
	})
	require.NoError(t, err)

	assert.False(t, w.EnsureConnection(context.Background()))
	close(release)

	assert.Eventually(t, func() bool {
		late.mu.Lock()
		defer late.mu.Unlock()
		return late.closed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateAbsent, w.State())
}

func TestEnsureConnectionDialError(t *testing.T) {
	w, err := New(Options{
		Credentials: staticKey("key"),
		Dialer: DialFunc(func(context.Context, string) (Conn, error) {
			return nil, errors.New("connection refused")
		}),
	})
	require.NoError(t, err)
	assert.False(t, w.EnsureConnection(context.Background()))
	assert.Equal(t, StateAbsent, w.State())
}

func TestEnsureConnectionIdempotent(t *testing.T) {
	d := &countingDialer{dial: func(context.Context, string) (Conn, error) {
		return newFakeConn(), nil
	}}
	w, err := New(Options{Credentials: staticKey("key"), Dialer: d})
	require.NoError(t, err)

	assert.True(t, w.EnsureConnection(context.Background()))
	assert.True(t, w.EnsureConnection(context.Background()))
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestEnsureConnectionConcurrentCallersShareAttempt(t *testing.T) {
	d := &countingDialer{dial: func(context.Context, string) (Conn, error) {
		time.Sleep(50 * time.Millisecond)
		return newFakeConn(), nil
	}}
	w, err := New(Options{Credentials: staticKey("key"), Dialer: d})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = w.EnsureConnection(context.Background())
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestMisuseWithoutConnection(t *testing.T) {
	w, err := New(Options{Credentials: staticKey("key"), Dialer: DialFunc(nil)})
	require.NoError(t, err)

	_, err = w.WaitFor(CategoryBuild)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, w.MarkSeen(CategoryRun, "abc"), ErrNotConnected)
}

func TestUnknownCategory(t *testing.T) {
	w, conn := connectedWaiter(t)
	unknown := Category(7)

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, w.MarkSeen(unknown, "k"), ErrUnknownCategory)
	})
	assert.NotPanics(t, func() {
		wait, err := w.WaitFor(unknown)
		assert.ErrorIs(t, err, ErrUnknownCategory)
		assert.Nil(t, wait)
	})
	assert.Equal(t, 0, conn.count(""))
	assert.Equal(t, "category(7)", unknown.String())
}

func TestMarkSeenBeforeEvent(t *testing.T) {
	w, conn := connectedWaiter(t)

	require.NoError(t, w.MarkSeen(CategoryRun, "abc"))
	wait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.count(EventManualRunComplete))
	assert.False(t, resolved(wait))

	conn.emit(t, EventManualRunComplete, map[string]string{"id": "abc", "routineId": "r1"})

	require.True(t, resolved(wait))
	ev, ok := wait.Event()
	require.True(t, ok)
	assert.Equal(t, Event{ID: "abc", RoutineID: "r1"}, ev)
	assert.Equal(t, 0, conn.count(EventManualRunComplete), "listener detached on resolution")
	assert.Equal(t, 0, w.Pending(CategoryRun), "placeholder consumed")
}

func TestEventBeforeMarkSeen(t *testing.T) {
	w, conn := connectedWaiter(t)

	wait, err := w.WaitFor(CategoryBuild)
	require.NoError(t, err)

	conn.emit(t, EventDepBuildComplete, map[string]string{"id": "xyz", "console": "boom"})
	assert.False(t, resolved(wait))
	assert.Equal(t, 1, w.Pending(CategoryBuild))

	require.NoError(t, w.MarkSeen(CategoryBuild, "xyz"))
	require.True(t, resolved(wait))
	ev, _ := wait.Event()
	assert.Equal(t, "boom", ev.Console)
	assert.Equal(t, "xyz", ev.ID)
	assert.Equal(t, 0, conn.count(EventDepBuildComplete))
	assert.Equal(t, 0, w.Pending(CategoryBuild))
}

func TestBothOrderingsResolveExactlyOnce(t *testing.T) {
	for _, markFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("markFirst=%v", markFirst), func(t *testing.T) {
			w, conn := connectedWaiter(t)
			wait, err := w.WaitFor(CategoryRun)
			require.NoError(t, err)

			payload := map[string]string{"id": "k1", "routineId": "r"}
			if markFirst {
				require.NoError(t, w.MarkSeen(CategoryRun, "k1"))
				conn.emit(t, EventManualRunComplete, payload)
			} else {
				conn.emit(t, EventManualRunComplete, payload)
				require.NoError(t, w.MarkSeen(CategoryRun, "k1"))
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			ev, err := wait.Await(ctx)
			require.NoError(t, err)
			assert.Equal(t, "k1", ev.ID)

			// a duplicate event or registration must not resolve again
			conn.emit(t, EventManualRunComplete, payload)
			require.NoError(t, w.MarkSeen(CategoryRun, "k1"))
			ev2, _ := wait.Event()
			assert.Equal(t, ev, ev2)
		})
	}
}

func TestUnrelatedEventsDoNotResolve(t *testing.T) {
	w, conn := connectedWaiter(t)
	wait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)

	conn.emit(t, EventManualRunComplete, map[string]string{"id": "other-1"})
	conn.emit(t, EventManualRunComplete, map[string]string{"id": "other-2"})
	assert.False(t, resolved(wait))
	assert.Equal(t, 2, w.Pending(CategoryRun))
	assert.Equal(t, 1, conn.count(EventManualRunComplete))

	require.NoError(t, w.MarkSeen(CategoryRun, "mine"))
	conn.emit(t, EventManualRunComplete, map[string]string{"id": "mine", "routineId": "r9"})
	require.True(t, resolved(wait))
	ev, _ := wait.Event()
	assert.Equal(t, "r9", ev.RoutineID)

	// stale resolvers from the unrelated events fire into an already
	// resolved wait and change nothing
	require.NoError(t, w.MarkSeen(CategoryRun, "other-1"))
	ev2, _ := wait.Event()
	assert.Equal(t, ev, ev2)
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	w, conn := connectedWaiter(t)

	require.NoError(t, w.MarkSeen(CategoryRun, "abc"))
	require.NoError(t, w.MarkSeen(CategoryRun, "abc"))
	assert.Equal(t, 1, w.Pending(CategoryRun))

	wait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)
	conn.emit(t, EventManualRunComplete, map[string]string{"id": "abc"})
	assert.True(t, resolved(wait))
}

func TestCategoryIsolation(t *testing.T) {
	w, conn := connectedWaiter(t)

	runWait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)
	buildWait, err := w.WaitFor(CategoryBuild)
	require.NoError(t, err)

	// a build key with the same value as a run key
	require.NoError(t, w.MarkSeen(CategoryBuild, "1"))
	conn.emit(t, EventManualRunComplete, map[string]string{"id": "1"})
	assert.False(t, resolved(runWait), "build registration must not resolve a run event")
	assert.False(t, resolved(buildWait))

	conn.emit(t, EventDepBuildComplete, map[string]string{"id": "1"})
	assert.True(t, resolved(buildWait))
	assert.False(t, resolved(runWait))

	require.NoError(t, w.MarkSeen(CategoryRun, "1"))
	assert.True(t, resolved(runWait))
}

func TestPendingStoreIsBounded(t *testing.T) {
	w, conn := connectedWaiter(t)

	for i := 0; i < DefaultCapacity+10; i++ {
		require.NoError(t, w.MarkSeen(CategoryRun, fmt.Sprintf("key-%d", i)))
		assert.LessOrEqual(t, w.Pending(CategoryRun), DefaultCapacity)
	}
	assert.Equal(t, DefaultCapacity, w.Pending(CategoryRun))
	assert.Equal(t, 0, w.Pending(CategoryBuild))

	wait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)

	// key-0 was evicted: its event is parked instead of resolving
	conn.emit(t, EventManualRunComplete, map[string]string{"id": "key-0"})
	assert.False(t, resolved(wait))

	conn.emit(t, EventManualRunComplete, map[string]string{"id": fmt.Sprintf("key-%d", DefaultCapacity+9)})
	assert.True(t, resolved(wait))
}

func TestCustomCapacity(t *testing.T) {
	w, _ := connectedWaiter(t, func(o *Options) { o.Capacity = 3 })
	for i := 0; i < 5; i++ {
		require.NoError(t, w.MarkSeen(CategoryBuild, fmt.Sprintf("b%d", i)))
	}
	assert.Equal(t, 3, w.Pending(CategoryBuild))
}

func TestCancelBeforeEvent(t *testing.T) {
	w, conn := connectedWaiter(t)
	wait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)

	wait.Cancel()
	assert.Equal(t, 0, conn.count(EventManualRunComplete))

	require.NoError(t, w.MarkSeen(CategoryRun, "abc"))
	conn.emit(t, EventManualRunComplete, map[string]string{"id": "abc"})

	assert.False(t, resolved(wait))
	assert.Equal(t, 1, w.Pending(CategoryRun), "only the placeholder remains")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = wait.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wait.Cancel() // no-op
}

func TestCancelAfterEventParked(t *testing.T) {
	w, conn := connectedWaiter(t)
	wait, err := w.WaitFor(CategoryBuild)
	require.NoError(t, err)

	conn.emit(t, EventDepBuildComplete, map[string]string{"id": "b1"})
	wait.Cancel()

	require.NoError(t, w.MarkSeen(CategoryBuild, "b1"))
	assert.False(t, resolved(wait), "cancelled wait never resolves")
}

func TestMalformedEventsIgnored(t *testing.T) {
	w, conn := connectedWaiter(t)
	wait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)

	conn.emit(t, EventManualRunComplete, "not an object")
	conn.emit(t, EventManualRunComplete, map[string]string{"routineId": "no-id"})
	assert.Equal(t, 0, w.Pending(CategoryRun))
	assert.False(t, resolved(wait))
}

func TestDisconnect(t *testing.T) {
	w, conn := connectedWaiter(t)
	wait, err := w.WaitFor(CategoryRun)
	require.NoError(t, err)

	w.Disconnect()
	assert.Equal(t, StateAbsent, w.State())
	assert.Equal(t, 1, conn.removeAll)
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 0, conn.count(EventManualRunComplete))
	assert.False(t, resolved(wait))

	w.Disconnect()
	assert.Equal(t, 1, conn.closed, "second disconnect is a no-op")

	_, err = w.WaitFor(CategoryRun)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	d := &countingDialer{dial: func(context.Context, string) (Conn, error) {
		return newFakeConn(), nil
	}}
	w, err := New(Options{Credentials: staticKey("key"), Dialer: d})
	require.NoError(t, err)

	require.True(t, w.EnsureConnection(context.Background()))
	w.Disconnect()
	require.True(t, w.EnsureConnection(context.Background()))
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestCategoryNames(t *testing.T) {
	assert.Equal(t, "run", CategoryRun.String())
	assert.Equal(t, "build", CategoryBuild.String())
	assert.Equal(t, EventManualRunComplete, CategoryRun.EventName())
	assert.Equal(t, EventDepBuildComplete, CategoryBuild.EventName())
	assert.Equal(t, "", Category(7).EventName())
	assert.Equal(t, "connecting", StateConnecting.String())
}
