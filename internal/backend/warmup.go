package backend

import (
	"sync"
	"time"
)

// readiness is a Warming→Ready state machine per backend (spec.md §4.10).
// Once Ready, the state is terminal for the backend's lifetime.

type readiness int32

const (
	warming readiness = iota
	ready
)

// QueuedRequest is one index-dependent client request held until the
// backend transitions to Ready.
type QueuedRequest struct {
	ClientID []byte // raw JSON id bytes, opaque to this package
	Frame    []byte // the exact bytes to write to the backend once ready
}

// WarmupState tracks one backend's readiness and the FIFO queue of
// index-dependent requests withheld while Warming.
type WarmupState struct {
	mu       sync.Mutex
	state    readiness
	deadline time.Time
	queue    []QueuedRequest
}

// indexDependentMethods are the four lookup methods spec.md §4.6.7 names
// as requiring a built index (spec.md Glossary: "Index-dependent method").
var indexDependentMethods = map[string]bool{
	"textDocument/definition":     true,
	"textDocument/references":     true,
	"textDocument/typeDefinition": true,
	"textDocument/implementation": true,
}

// IsIndexDependent reports whether method must be queued while Warming.
func IsIndexDependent(method string) bool {
	return indexDependentMethods[method]
}

// NewWarmupState creates a Warming state with deadline = now + timeout.
// A zero timeout means warmup is disabled: the backend starts Ready
// immediately (spec.md §4.10, §5 "TYPEMUX_CC_WARMUP_TIMEOUT=0 (immediate)").
func NewWarmupState(timeout time.Duration) *WarmupState {
	w := &WarmupState{}
	if timeout <= 0 {
		w.state = ready
		return w
	}
	w.deadline = time.Now().Add(timeout)
	return w
}

// IsReady reports whether the backend has transitioned to Ready.
func (w *WarmupState) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == ready
}

// Deadline returns the deadline for this backend's warmup window. The
// zero value means there is none (already Ready).
func (w *WarmupState) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == ready {
		return time.Time{}
	}
	return w.deadline
}

// Enqueue appends an index-dependent request to the warmup queue. The
// caller must have already confirmed the backend is Warming; Enqueue
// itself re-checks under lock and returns false if the backend became
// Ready in the meantime (the caller should forward immediately instead).
func (w *WarmupState) Enqueue(req QueuedRequest) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == ready {
		return false
	}
	w.queue = append(w.queue, req)
	return true
}

// RemoveByClientID removes a still-queued request matching clientID
// (used by $/cancelRequest on a warmup-queued request, spec.md §4.6.8).
// Returns true if a matching entry was found and removed.
func (w *WarmupState) RemoveByClientID(clientID []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, q := range w.queue {
		if string(q.ClientID) == string(clientID) {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Drain transitions the state to Ready (if not already) and returns the
// queued requests in FIFO order for the caller to write to the backend.
// Safe to call multiple times; only the first call returns a non-empty
// slice.
func (w *WarmupState) Drain() []QueuedRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == ready {
		return nil
	}
	w.state = ready
	drained := w.queue
	w.queue = nil
	return drained
}
