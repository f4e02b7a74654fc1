// Package proxy implements the single-consumer event loop that
// multiplexes one LSP client against a pool of per-venv type-checker
// backends (spec.md §4.6–§4.10, §5).
package proxy

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/K-dash/typemux-cc/internal/backend"
	"github.com/K-dash/typemux-cc/internal/cache"
	"github.com/K-dash/typemux-cc/internal/pool"
	"github.com/K-dash/typemux-cc/internal/rpc"
	"github.com/K-dash/typemux-cc/internal/venv"
)

// Config holds the tunables the CLI layer resolves from flags/env
// (spec.md §6).
type Config struct {
	BackendKind   backend.Kind
	MaxBackends   int
	BackendTTL    time.Duration
	WarmupTimeout time.Duration
	TTLSweep      time.Duration // how often the TTL sweep runs, default 60s
}

// Proxy is the core multiplexer: one client, many backends.
type Proxy struct {
	cfg Config

	clientWriter *rpc.Writer
	clientReader *rpc.Reader

	pool     *pool.Pool
	cache    *cache.Cache
	resolver *venv.Resolver

	log *logrus.Entry

	// pendingClient/pendingBackend are mutated only by the loop
	// goroutine (run via events), preserving spec.md §5's single
	// logical consumer over proxy+pool+cache state.
	stateMu        sync.RWMutex // guards pendingClient/pendingBackend: the pool's eviction-candidate scan runs off the loop goroutine and must read isIdle safely
	pendingClient  map[string]*PendingClientRequest
	pendingBackend map[string]*PendingBackendRequest // keyed by idKey(proxy id)
	nextProxyID    atomic.Int64                      // counts up; allocateProxyID negates it: -1, -2, ... (disjoint from client ids)

	// ackWaiters correlates an internal shutdown request's backend
	// session with the channel its issuer is waiting on, since the
	// response arrives through the same shared inbox as everything else
	// once a backend is live (spec.md §4.4's shutdown/exit handshake).
	ackMu      sync.Mutex
	ackWaiters map[int64]chan struct{}

	// pendingDispatch holds client frames waiting on a backend spawn for
	// venvKey to complete: document requests (already recorded in
	// pendingClient), the first initialize, and notifications; touched
	// only by the loop goroutine.
	pendingDispatch map[string][]queuedRequest

	initParams      json.RawMessage
	initReceived    bool
	initializedBody json.RawMessage // cached client "initialized" body, replayed to future backends

	spawning map[string]bool // venv keys with an in-flight spawnWorker

	events chan event

	exitCode int
	done     chan struct{}
}

// Done returns a channel closed once Run has returned, so callers (the
// CLI's signal handling) can wait for a clean shutdown.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Shutdown triggers the same path as a clean client stdin EOF: every
// live backend's child is killed (no shutdown/exit handshake) and Run
// returns with exit code 0. Used by the CLI's SIGINT/SIGTERM handler,
// which treats an interrupt the same as the client hanging up
// (SPEC_FULL.md §3).
func (p *Proxy) Shutdown() {
	select {
	case p.events <- clientFrameEvent{err: io.EOF}:
	case <-p.done:
	}
}

// event is the sum type of everything that can wake the loop.
type event interface{}

type clientFrameEvent struct {
	body []byte
	env  *rpc.Envelope
	err  error
}

type backendFrameEvent struct {
	frame backend.Frame
	err   error
}

type spawnResultEvent struct {
	venvKey string
	entry   *pool.Entry
	err     error
}

type evictionEvent struct {
	entry *pool.Entry
}

// New builds a Proxy. clientIn/clientOut are the client's framed
// stdio streams.
func New(cfg Config, clientIn io.Reader, clientOut io.Writer, resolver *venv.Resolver, log *logrus.Entry) *Proxy {
	p := &Proxy{
		cfg:            cfg,
		clientWriter:   rpc.NewWriter(clientOut),
		clientReader:   rpc.NewReader(clientIn),
		cache:          cache.New(),
		resolver:       resolver,
		log:            log,
		pendingClient:   make(map[string]*PendingClientRequest),
		pendingBackend:  make(map[string]*PendingBackendRequest),
		pendingDispatch: make(map[string][]queuedRequest),
		spawning:        make(map[string]bool),
		ackWaiters:      make(map[int64]chan struct{}),
		events:         make(chan event, 256),
		done:           make(chan struct{}),
	}
	p.pool = pool.New(cfg.MaxBackends, cfg.BackendTTL, p.spawnBackendProcess, p.onEvict, log)
	return p
}

// ExitCode returns the process exit code decided by Run, valid only
// after Run has returned (spec.md §6).
func (p *Proxy) ExitCode() int { return p.exitCode }

// Run drives the event loop until the client session ends. It blocks
// until exit (clean or fatal).
func (p *Proxy) Run() {
	sweep := p.cfg.TTLSweep
	if sweep <= 0 {
		sweep = 60 * time.Second
	}
	p.pool.StartTTLSweep(sweep, p.isIdle)
	defer p.pool.StopTTLSweep()

	go p.pumpClient()

	warmupTimer := time.NewTimer(time.Hour)
	warmupTimer.Stop()
	p.rearmWarmupTimer(warmupTimer)

	for {
		select {
		case ev := <-p.events:
			if !p.handleEvent(ev) {
				close(p.done)
				return
			}
			p.rearmWarmupTimer(warmupTimer)
		case <-warmupTimer.C:
			p.handleWarmupDeadline()
			p.rearmWarmupTimer(warmupTimer)
		}
	}
}

// pumpClient reads framed messages from the client and feeds them to
// the loop as events; a read error (including clean EOF) ends the
// client stream and is itself delivered as a nil-body event.
func (p *Proxy) pumpClient() {
	for {
		body, err := p.clientReader.ReadFrame()
		if err != nil {
			p.events <- clientFrameEvent{err: err}
			return
		}
		env, perr := rpc.ParseEnvelope(body)
		if perr != nil {
			p.log.WithError(perr).Warn("client sent malformed frame")
			continue
		}
		p.events <- clientFrameEvent{body: body, env: env}
	}
}

// pumpBackend reads frames off one backend's stdout and fans them into
// the shared inbox, tagged with the backend's session id, until the
// backend dies (spec.md §5 source 2).
func (p *Proxy) pumpBackend(proc *backend.Process) {
	for {
		body, env, err := proc.ReadFrame()
		if err != nil {
			p.events <- backendFrameEvent{frame: backend.Frame{Session: proc.Session}, err: err}
			return
		}
		p.events <- backendFrameEvent{frame: backend.Frame{Session: proc.Session, Env: env, Body: body}}
	}
}

// handleEvent processes one event on the loop goroutine. Returns false
// when the loop should terminate.
func (p *Proxy) handleEvent(ev event) bool {
	switch e := ev.(type) {
	case clientFrameEvent:
		if e.err != nil {
			return p.handleClientStreamEnded(e.err)
		}
		return p.handleClientEnvelope(e.body, e.env)
	case backendFrameEvent:
		if e.err != nil {
			p.handleBackendCrash(e.frame.Session)
			return true
		}
		p.handleBackendEnvelope(e.frame)
		return true
	case spawnResultEvent:
		p.handleSpawnResult(e)
		return true
	case evictionEvent:
		p.handleEviction(e.entry)
		return true
	case shutdownCompleteEvent:
		p.writeToClient(buildNullResult(e.id))
		return true
	default:
		return true
	}
}

// handleClientStreamEnded handles the client stdin closing or erroring.
// A clean close (io.EOF) is exit code 0, whether or not "exit" was
// received; any other read error is a fatal I/O error with exit code 1
// (spec.md §6, §7).
func (p *Proxy) handleClientStreamEnded(err error) bool {
	if err == io.EOF {
		p.log.Info("client closed stdin")
	} else {
		p.log.WithError(err).Error("client stream error")
		p.exitCode = 1
	}
	p.shutdownAllBackends()
	return false
}

// isIdle reports whether the backend at venvKey has no outstanding
// client-facing requests and an empty warmup queue, per the eviction
// priority policy in spec.md §4.5. Called from the pool's own
// goroutines (Ensure/TTL sweep), hence the lock.
func (p *Proxy) isIdle(venvKey string) bool {
	p.stateMu.RLock()
	for _, pr := range p.pendingClient {
		if pr.VenvKey == venvKey {
			p.stateMu.RUnlock()
			return false
		}
	}
	p.stateMu.RUnlock()

	entry, ok := p.pool.Get(venvKey)
	if ok && entry.Process != nil && entry.Process.Warmup != nil && !entry.Process.Warmup.IsReady() {
		// A still-Warming backend might have queued work; treat it as
		// non-idle so a TTL sweep or LRU pick never races a warmup.
		return false
	}
	return true
}

// putPendingClient and friends centralize locked access to the
// cross-goroutine pending maps.
func (p *Proxy) putPendingClient(key string, pr *PendingClientRequest) {
	p.stateMu.Lock()
	p.pendingClient[key] = pr
	p.stateMu.Unlock()
}

func (p *Proxy) deletePendingClient(key string) (*PendingClientRequest, bool) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	pr, ok := p.pendingClient[key]
	if ok {
		delete(p.pendingClient, key)
	}
	return pr, ok
}

func (p *Proxy) getPendingClient(key string) (*PendingClientRequest, bool) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	pr, ok := p.pendingClient[key]
	return pr, ok
}

func (p *Proxy) putPendingBackend(key string, pr *PendingBackendRequest) {
	p.stateMu.Lock()
	p.pendingBackend[key] = pr
	p.stateMu.Unlock()
}

func (p *Proxy) takePendingBackend(key string) (*PendingBackendRequest, bool) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	pr, ok := p.pendingBackend[key]
	if ok {
		delete(p.pendingBackend, key)
	}
	return pr, ok
}

// registerShutdownAck records the channel to signal when a "shutdown"
// response tagged with session arrives via the shared backend inbox.
func (p *Proxy) registerShutdownAck(session int64, ch chan struct{}) {
	p.ackMu.Lock()
	p.ackWaiters[session] = ch
	p.ackMu.Unlock()
}

// signalShutdownAck wakes the waiter for session, if any.
func (p *Proxy) signalShutdownAck(session int64) {
	p.ackMu.Lock()
	ch, ok := p.ackWaiters[session]
	if ok {
		delete(p.ackWaiters, session)
	}
	p.ackMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// writeToClient serializes writes to the client's single stdout stream.
func (p *Proxy) writeToClient(body []byte) {
	if err := p.clientWriter.WriteFrame(body); err != nil {
		p.log.WithError(err).Error("write to client failed")
	}
}

// respondError sends a JSON-RPC error response to the client for id.
func (p *Proxy) respondError(id json.RawMessage, code rpc.ErrorCode, message string) {
	p.writeToClient(rpc.NewErrorResponse(id, code, message))
}

// allocateProxyID returns the next disjoint (always-negative) id for a
// backend-originated request forwarded to the client (spec.md §4.9).
func (p *Proxy) allocateProxyID() int64 {
	return -p.nextProxyID.Add(1)
}

func processLogFields(log *logrus.Entry, kind backend.Kind, venvPath string) *logrus.Entry {
	return log.WithField("backend", string(kind)).WithField("venv", venvPath)
}
