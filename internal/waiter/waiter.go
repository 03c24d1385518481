// Package waiter correlates remote asynchronous operations with the
// completion events announced on the push channel.
//
// The caller learns a correlation key from an HTTP response while the
// matching event may already have been pushed, so either side can arrive
// first. Each category keeps a bounded recency store of pending entries:
// a resolver installed by an event that nobody asked for yet, or a
// placeholder recording that the caller already asked. Whichever side comes
// second finds the first and resolves the wait exactly once.
package waiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/assertedio/asrtd/internal/metrics"
	"github.com/assertedio/asrtd/internal/pushchannel"
)

const (
	// DefaultConnectTimeout bounds a single connection attempt.
	DefaultConnectTimeout = 500 * time.Millisecond
	// DefaultCapacity is the per-category pending store size.
	DefaultCapacity = 50
)

// ErrNotConnected is returned when WaitFor or MarkSeen is used without a
// connection. It indicates a caller bug.
var ErrNotConnected = errors.New("waiter: no push channel connection")

// ErrUnknownCategory is returned for a Category outside the declared set.
var ErrUnknownCategory = errors.New("waiter: unknown category")

// Conn is the push channel as seen by the waiter.
type Conn interface {
	On(event string, fn pushchannel.Handler) pushchannel.ListenerID
	RemoveListener(event string, id pushchannel.ListenerID)
	RemoveAllListeners()
	Close() error
}

// Dialer opens a push channel authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, token string) (Conn, error)

func (f DialFunc) Dial(ctx context.Context, token string) (Conn, error) { return f(ctx, token) }

// CredentialSource returns the stored API key, or "" when unauthenticated.
type CredentialSource interface {
	APIKey() string
}

// State of the waiter's connection.
type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// entry is a pending store value. A nil resolve is the placeholder left by
// MarkSeen before the event arrived.
type entry struct {
	resolve func()
}

// Options configures a Waiter.
type Options struct {
	Credentials    CredentialSource
	Dialer         Dialer
	ConnectTimeout time.Duration
	Capacity       int
	Logger         *slog.Logger
}

// Waiter owns the push channel connection and the pending stores.
type Waiter struct {
	creds          CredentialSource
	dialer         Dialer
	connectTimeout time.Duration
	logger         *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	state   State
	conn    Conn
	pending map[Category]*lru.LRU[string, entry]
	waits   map[*Wait]struct{}
	// set while an entry is removed on resolution so the eviction hook
	// only sees capacity evictions
	removing bool
}

// New creates a Waiter in the absent state.
func New(opts Options) (*Waiter, error) {
	if opts.Credentials == nil {
		return nil, errors.New("waiter: credentials are required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("waiter: dialer is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w := &Waiter{
		creds:          opts.Credentials,
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
		logger:         opts.Logger.With("component", "waiter"),
		pending:        make(map[Category]*lru.LRU[string, entry], len(categories)),
		waits:          make(map[*Wait]struct{}),
	}
	for _, c := range categories {
		cat := c
		store, err := lru.NewLRU[string, entry](opts.Capacity, func(key string, e entry) {
			if w.removing {
				return
			}
			metrics.IncEviction(cat.String())
			w.logger.Debug("evicted pending entry", "category", cat, "key", key, "resolver", e.resolve != nil)
		})
		if err != nil {
			return nil, fmt.Errorf("create %s store: %w", cat, err)
		}
		w.pending[cat] = store
	}
	return w, nil
}

// State reports the connection state.
func (w *Waiter) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// EnsureConnection makes sure a push channel connection exists. It returns
// false when there is no credential, or when the single connection attempt
// fails or exceeds the connect timeout; the caller should then use the
// synchronous request path. Concurrent callers share one attempt.
func (w *Waiter) EnsureConnection(ctx context.Context) bool {
	token := w.creds.APIKey()
	if token == "" {
		metrics.IncConnectAttempt("no_credential")
		w.logger.Debug("no api key, skipping push channel")
		return false
	}

	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	v, _, _ := w.group.Do("connect", func() (any, error) {
		return w.connect(ctx, token), nil
	})
	return v.(bool)
}

func (w *Waiter) connect(ctx context.Context, token string) bool {
	w.mu.Lock()
	if w.conn != nil {
		w.mu.Unlock()
		return true
	}
	w.state = StateConnecting
	w.mu.Unlock()

	w.logger.Debug("connecting push channel", "timeout", w.connectTimeout)
	dialCtx, cancel := context.WithTimeout(ctx, w.connectTimeout)
	defer cancel()

	type result struct {
		conn Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := w.dialer.Dial(dialCtx, token)
		ch <- result{conn: conn, err: err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-dialCtx.Done():
		res.err = dialCtx.Err()
		// a dialer that ignores ctx may still produce a connection
		go func() {
			if late := <-ch; late.conn != nil {
				_ = late.conn.Close()
			}
		}()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if res.err != nil || res.conn == nil {
		w.state = StateAbsent
		if errors.Is(res.err, context.DeadlineExceeded) {
			metrics.IncConnectAttempt("timeout")
			w.logger.Debug("timed out waiting for push channel", "timeout", w.connectTimeout)
		} else {
			metrics.IncConnectAttempt("failed")
			w.logger.Debug("push channel connection failed", "error", res.err)
		}
		return false
	}
	w.conn = res.conn
	w.state = StateConnected
	metrics.IncConnectAttempt("connected")
	w.logger.Debug("push channel connected")
	return true
}

// MarkSeen registers interest in key. If an event for key already arrived,
// its stored resolver runs now; otherwise a placeholder makes the next
// matching event resolve immediately. Repeated calls are idempotent.
func (w *Waiter) MarkSeen(cat Category, key string) error {
	if !cat.valid() {
		return fmt.Errorf("mark %s %q seen: %w", cat, key, ErrUnknownCategory)
	}
	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return fmt.Errorf("mark %s %q seen: %w", cat, key, ErrNotConnected)
	}
	store := w.pending[cat]
	e, ok := store.Get(key)
	switch {
	case ok && e.resolve != nil:
		w.remove(cat, key)
	case !ok:
		store.Add(key, entry{})
	}
	w.mu.Unlock()

	w.logger.Debug("marked key seen", "category", cat, "key", key, "event_first", ok && e.resolve != nil)
	if ok && e.resolve != nil {
		e.resolve()
	}
	return nil
}

// WaitFor attaches a listener for the category's completion event and
// returns a Wait that resolves with the first event whose key is, or
// becomes, marked seen. Callers must Cancel waits they abandon.
func (w *Waiter) WaitFor(cat Category) (*Wait, error) {
	if !cat.valid() {
		return nil, fmt.Errorf("wait for %s: %w", cat, ErrUnknownCategory)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	conn := w.conn
	if conn == nil {
		return nil, fmt.Errorf("wait for %s: %w", cat, ErrNotConnected)
	}

	wait := newWait(cat)
	event := cat.EventName()
	var id pushchannel.ListenerID
	var detachOnce sync.Once
	detach := func() {
		detachOnce.Do(func() {
			conn.RemoveListener(event, id)
			w.mu.Lock()
			delete(w.waits, wait)
			w.mu.Unlock()
			metrics.AddActiveWaits(cat.String(), -1)
		})
	}
	wait.detach = detach

	id = conn.On(event, func(data json.RawMessage) {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.ID == "" {
			w.logger.Debug("ignoring malformed completion event", "category", cat, "error", err)
			return
		}
		metrics.IncEvent(cat.String())
		w.logger.Debug("got completion event", "category", cat, "key", ev.ID)

		resolve := func(order string) {
			detach()
			if wait.resolve(ev) {
				metrics.IncResolution(cat.String(), order)
			}
		}

		w.mu.Lock()
		store := w.pending[cat]
		e, ok := store.Peek(ev.ID)
		if ok && e.resolve == nil {
			w.remove(cat, ev.ID)
			w.mu.Unlock()
			resolve("registration_first")
			return
		}
		store.Add(ev.ID, entry{resolve: func() { resolve("event_first") }})
		w.mu.Unlock()
	})
	w.waits[wait] = struct{}{}
	metrics.AddActiveWaits(cat.String(), 1)
	w.logger.Debug("waiting for completion event", "category", cat, "event", event)
	return wait, nil
}

// remove drops key from the cat store. Must be called with w.mu held.
func (w *Waiter) remove(cat Category, key string) {
	w.removing = true
	w.pending[cat].Remove(key)
	w.removing = false
}

// Disconnect removes all listeners and closes the connection. Safe to call
// without a connection.
func (w *Waiter) Disconnect() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.state = StateAbsent
	waits := make([]*Wait, 0, len(w.waits))
	for wait := range w.waits {
		waits = append(waits, wait)
	}
	w.mu.Unlock()

	if conn == nil {
		return
	}
	w.logger.Debug("disconnecting push channel", "attached_waits", len(waits))
	for _, wait := range waits {
		wait.detach()
	}
	conn.RemoveAllListeners()
	if err := conn.Close(); err != nil {
		w.logger.Debug("push channel close failed", "error", err)
	}
}

// Pending returns the number of entries held for cat.
func (w *Waiter) Pending(cat Category) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending[cat].Len()
}
