// Package pool implements the keyed backend pool: LRU + TTL eviction,
// session identity, and the "wait for a free slot" protocol described in
// spec.md §4.5.
package pool

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/K-dash/typemux-cc/internal/backend"
)

// Entry is one live (or just-evicted) backend instance in the pool.
type Entry struct {
	Key          string
	Process      *backend.Process
	LastUsedAt   time.Time
	Initializing bool
}

// SpawnFunc spawns a new child process for venvKey with the given
// session id. Called outside the pool's lock so a slow child start
// never blocks other pool operations.
type SpawnFunc func(venvKey string, session int64) (*backend.Process, error)

// EvictFunc is invoked synchronously, under no pool lock, immediately
// after an entry is removed from the map but before its graceful
// shutdown begins — the proxy uses it to cancel pending client requests
// and retract diagnostics per spec.md §4.5's eviction protocol.
type EvictFunc func(e *Entry)

// Pool is the keyed map from venv key (or "no-venv") to BackendInstance.
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	entries     map[string]*Entry
	maxBackends int
	ttl         time.Duration

	nextSession atomic.Int64

	spawn   SpawnFunc
	onEvict EvictFunc

	log *logrus.Entry

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// New creates a pool. maxBackends <= 0 is treated as 1 (a pool must hold
// at least the backend actively being used). ttl <= 0 disables the TTL
// sweep per spec.md §4.5.
func New(maxBackends int, ttl time.Duration, spawn SpawnFunc, onEvict EvictFunc, log *logrus.Entry) *Pool {
	if maxBackends <= 0 {
		maxBackends = 1
	}
	p := &Pool{
		entries:     make(map[string]*Entry),
		maxBackends: maxBackends,
		ttl:         ttl,
		spawn:       spawn,
		onEvict:     onEvict,
		log:         log,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NextSession allocates the next monotonically increasing session id.
// Exposed so the proxy can reserve the id to pass as the target session
// for pre-spawn bookkeeping, though normally Ensure allocates it.
func (p *Pool) NextSession() int64 { return p.nextSession.Add(1) }

// Get returns the current live entry for key, if any.
func (p *Pool) Get(key string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok
}

// Touch updates last_used_at for the backend at key (spec.md §4.5).
func (p *Pool) Touch(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.LastUsedAt = time.Now()
	}
}

// MarkInitialized clears Initializing once a backend's initialize
// handshake completes, unblocking any Ensure waiting for an eviction
// candidate (spec.md §4.5 "never evicted while initializing").
func (p *Pool) MarkInitialized(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		e.Initializing = false
	}
	p.cond.Broadcast()
}

// Snapshot returns every currently live entry, for iteration during
// shutdown/exit.
func (p *Pool) Snapshot() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

// Ensure returns the live entry for venvKey, spawning one if absent. If
// adding would exceed maxBackends, it evicts per the priority policy in
// spec.md §4.5: idle backends (reported via isIdle) least-recently-used
// first, otherwise the overall least-recently-used; a backend mid
// initialize handshake is never evicted, and if every candidate is still
// initializing, Ensure blocks until one finishes.
//
// isIdle reports whether the backend at key currently has no pending
// client requests and an empty warmup queue — that bookkeeping lives in
// the proxy core, not the pool, so it is supplied by the caller.
func (p *Pool) Ensure(venvKey string, isIdle func(key string) bool) (*Entry, bool, error) {
	p.mu.Lock()
	for {
		if e, ok := p.entries[venvKey]; ok {
			e.LastUsedAt = time.Now()
			p.mu.Unlock()
			return e, false, nil
		}

		if len(p.entries) < p.maxBackends {
			break // room to spawn without eviction
		}

		victim, ok := p.pickEvictionVictimLocked(isIdle)
		if !ok {
			// every candidate is still initializing: wait for one to finish.
			p.cond.Wait()
			continue
		}
		delete(p.entries, victim.Key)
		p.mu.Unlock()
		p.runEviction(victim)
		p.mu.Lock()
		continue
	}

	session := p.nextSession.Add(1)
	placeholder := &Entry{Key: venvKey, Initializing: true, LastUsedAt: time.Now()}
	p.entries[venvKey] = placeholder
	p.mu.Unlock()

	proc, err := p.spawn(venvKey, session)
	if err != nil {
		p.mu.Lock()
		delete(p.entries, venvKey)
		p.mu.Unlock()
		p.cond.Broadcast()
		return nil, false, err
	}

	p.mu.Lock()
	placeholder.Process = proc
	p.mu.Unlock()

	return placeholder, true, nil
}

// pickEvictionVictimLocked must be called with p.mu held. It implements
// the two-tier priority: idle LRU first, else overall LRU, excluding
// anything still Initializing.
func (p *Pool) pickEvictionVictimLocked(isIdle func(key string) bool) (*Entry, bool) {
	var candidates []*Entry
	for _, e := range p.entries {
		if e.Initializing {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	var idle []*Entry
	for _, e := range candidates {
		if isIdle(e.Key) {
			idle = append(idle, e)
		}
	}

	pool := candidates
	if len(idle) > 0 {
		pool = idle
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].LastUsedAt.Before(pool[j].LastUsedAt) })
	return pool[0], true
}

// Evict removes the entry at key unconditionally (used for crash
// detection, where the child already exited and no graceful shutdown is
// needed). Returns the removed entry, if any.
func (p *Pool) Evict(key string) (*Entry, bool) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if ok {
		p.cond.Broadcast()
		if p.onEvict != nil {
			p.onEvict(e)
		}
	}
	return e, ok
}

// runEviction executes the pool's side of an LRU/TTL eviction: it hands
// the entry to onEvict (the proxy cancels pending requests, retracts
// diagnostics and runs the graceful shutdown there) and wakes any
// Ensure waiting for a free slot. The map entry has already been
// removed by the caller so concurrent Ensure calls spawn a fresh
// instance immediately (spec.md §4.5).
func (p *Pool) runEviction(e *Entry) {
	if p.onEvict != nil {
		p.onEvict(e)
	}
	p.cond.Broadcast()
}

// StartTTLSweep launches the periodic TTL sweep goroutine (spec.md §4.5:
// every 60s by default, evicting any backend idle and past backend_ttl).
// No-op if ttl <= 0 (TTL disabled).
func (p *Pool) StartTTLSweep(interval time.Duration, isIdle func(key string) bool) {
	if p.ttl <= 0 {
		return
	}
	p.sweepStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.sweepOnce2(isIdle)
			case <-p.sweepStop:
				return
			}
		}
	}()
}

// StopTTLSweep halts the TTL sweep goroutine, if running.
func (p *Pool) StopTTLSweep() {
	p.sweepOnce.Do(func() {
		if p.sweepStop != nil {
			close(p.sweepStop)
		}
	})
}

// sweepOnce2 runs one TTL sweep pass: evict every idle backend whose
// LastUsedAt predates now-ttl. Busy backends are skipped even if stale
// (spec.md §4.5).
func (p *Pool) sweepOnce2(isIdle func(key string) bool) {
	cutoff := time.Now().Add(-p.ttl)

	p.mu.Lock()
	var stale []*Entry
	for _, e := range p.entries {
		if e.Initializing || !isIdle(e.Key) {
			continue
		}
		if e.LastUsedAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		delete(p.entries, e.Key)
	}
	p.mu.Unlock()

	if len(stale) > 0 {
		p.cond.Broadcast()
	}
	for _, e := range stale {
		p.log.WithField("venv", e.Key).Info("TTL sweep evicting idle backend")
		p.runEviction(e)
	}
}

// ShutdownAll gracefully shuts down every live backend (used on client
// exit), aggregating any errors.
func (p *Pool) ShutdownAll(shutdown func(e *Entry) error) error {
	entries := p.Snapshot()
	p.mu.Lock()
	p.entries = make(map[string]*Entry)
	p.mu.Unlock()

	var result *multierror.Error
	for _, e := range entries {
		if err := shutdown(e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
