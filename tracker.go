package relay

import (
	"context"
	"sync"

	"github.com/bt-bridge/realtime-relay/shared"
)

// Tracker keeps the cancel function of every live session so the manager can
// stop them all on shutdown.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	closed   bool
	wg       sync.WaitGroup
}

type trackedSession struct {
	cancel func()
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session. A session registered under an id that is already
// tracked replaces the old entry. Once Close has been called Register fails
// with shared.ErrShuttingDown.
func (t *Tracker) Register(sessionId string, cancel func()) (unregister func(), err error) {
	entry := &trackedSession{cancel: cancel}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, shared.ErrShuttingDown
	}
	old := t.sessions[sessionId]
	t.sessions[sessionId] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionId, old)
	}
	return func() { t.unregister(sessionId, entry) }, nil
}

func (t *Tracker) unregister(sessionId string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionId] == entry {
			delete(t.sessions, sessionId)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Close refuses further registrations and cancels every tracked session.
func (t *Tracker) Close() (canceled int) {
	return t.cancelAll(true)
}

func (t *Tracker) CancelAll() (canceled int) {
	return t.cancelAll(false)
}

func (t *Tracker) cancelAll(refuse bool) (canceled int) {
	var cancels []func()
	t.mu.Lock()
	if refuse {
		t.closed = true
	}
	for _, entry := range t.sessions {
		if entry.cancel != nil {
			cancels = append(cancels, entry.cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
