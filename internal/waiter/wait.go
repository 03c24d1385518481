package waiter

import (
	"context"
	"sync"
)

// Wait is a pending completion returned by WaitFor. It resolves at most
// once.
type Wait struct {
	category Category
	done     chan struct{}
	detach   func()

	mu        sync.Mutex
	event     Event
	resolved  bool
	cancelled bool
}

func newWait(cat Category) *Wait {
	return &Wait{category: cat, done: make(chan struct{})}
}

// Category returns the category the wait listens on.
func (w *Wait) Category() Category { return w.category }

// Done is closed when the wait resolves. It stays open forever after Cancel.
func (w *Wait) Done() <-chan struct{} { return w.done }

// Event returns the resolving payload. ok is false until Done is closed.
func (w *Wait) Event() (Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.event, w.resolved
}

// Await blocks until the wait resolves or ctx ends. It does not cancel the
// wait on ctx expiry; call Cancel for that.
func (w *Wait) Await(ctx context.Context) (Event, error) {
	select {
	case <-w.done:
		ev, _ := w.Event()
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Cancel detaches the listener. A cancelled wait never resolves, even if a
// resolver for it is still held in a pending store.
func (w *Wait) Cancel() {
	w.mu.Lock()
	if w.resolved || w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	w.mu.Unlock()
	if w.detach != nil {
		w.detach()
	}
}

func (w *Wait) resolve(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved || w.cancelled {
		return false
	}
	w.resolved = true
	w.event = ev
	close(w.done)
	return true
}
