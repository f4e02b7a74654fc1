package proxy

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/K-dash/typemux-cc/internal/backend"
	"github.com/K-dash/typemux-cc/internal/pool"
	"github.com/K-dash/typemux-cc/internal/rpc"
)

// Reserved ids for the proxy's own handshake/shutdown conversations
// with a backend, chosen far outside any id a real client would pick
// (spec.md §4.4). These never enter pendingClient/pendingBackend.
const (
	handshakeRequestID int64 = -9007199254740991
	shutdownRequestID  int64 = -9007199254740990
	handshakeTimeout         = 10 * time.Second
)

var errHandshakeTimeout = errors.New("backend: initialize handshake timed out")

func cwdOrEmpty() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

// ensureSpawning launches at most one spawnWorker per venv key at a
// time; additional callers simply get their request appended to
// pendingDispatch by the caller before this is invoked.
func (p *Proxy) ensureSpawning(venvKey string) {
	if p.spawning[venvKey] {
		return
	}
	p.spawning[venvKey] = true
	go p.runSpawnWorker(venvKey)
}

// runSpawnWorker performs the (possibly blocking) ensure off the loop
// goroutine, per spec.md §5's "child process spawning ... deferred to
// worker tasks that message the loop".
func (p *Proxy) runSpawnWorker(venvKey string) {
	entry, _, err := p.pool.Ensure(venvKey, p.isIdle)
	p.events <- spawnResultEvent{venvKey: venvKey, entry: entry, err: err}
}

// spawnBackendProcess is the pool.SpawnFunc: start the child and run
// its initialize/initialized handshake before handing it back, so by
// the time pool.Ensure returns the backend is ready to receive ordinary
// traffic through the shared inbox (spec.md §4.4).
func (p *Proxy) spawnBackendProcess(venvKey string, session int64) (*backend.Process, error) {
	log := processLogFields(p.log, p.cfg.BackendKind, venvKey)
	proc, err := backend.Spawn(p.cfg.BackendKind, venvKey, session, p.cfg.WarmupTimeout, log)
	if err != nil {
		return nil, err
	}
	if err := p.performHandshake(proc); err != nil {
		proc.Kill()
		return nil, err
	}
	go p.pumpBackend(proc)
	return proc, nil
}

// performHandshake sends "initialize" with the recorded client params,
// blocks for the matching response (reading the backend's stdout
// directly — pumpBackend has not started yet, so there is no
// contention), captures its result, then sends "initialized" (spec.md
// §4.4, §4.6 bullet 2, and the replay decision in DESIGN.md).
func (p *Proxy) performHandshake(proc *backend.Process) error {
	reqBody, err := rpc.NewRequest(handshakeRequestID, "initialize", json.RawMessage(p.initParams))
	if err != nil {
		return errors.Wrap(err, "build initialize request")
	}
	if err := proc.WriteFrame(reqBody); err != nil {
		return errors.Wrap(err, "send initialize request")
	}

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		for {
			body, env, err := proc.ReadFrame()
			if err != nil {
				done <- result{err: err}
				return
			}
			if rpc.Classify(env) != rpc.KindResponse || env.ID == nil {
				continue
			}
			idv, ok := rpc.IDAsInt64(*env.ID)
			if !ok || idv != handshakeRequestID {
				continue
			}
			var envelope struct {
				Result json.RawMessage `json:"result"`
			}
			_ = json.Unmarshal(body, &envelope)
			done <- result{raw: envelope.Result}
			return
		}
	}()

	var initResult json.RawMessage
	select {
	case r := <-done:
		if r.err != nil {
			return errors.Wrap(r.err, "initialize handshake")
		}
		initResult = r.raw
	case <-time.After(handshakeTimeout):
		return errHandshakeTimeout
	}
	proc.InitResult = initResult

	initializedBody := p.initializedBody
	if initializedBody == nil {
		initializedBody, _ = rpc.NewNotification("initialized", struct{}{})
	}
	if err := proc.WriteFrame(initializedBody); err != nil {
		return errors.Wrap(err, "send initialized notification")
	}
	return nil
}

// handleSpawnResult drains everything queued for venvKey once its
// backend spawn finishes (successfully or not).
func (p *Proxy) handleSpawnResult(e spawnResultEvent) {
	delete(p.spawning, e.venvKey)
	queued := p.pendingDispatch[e.venvKey]
	delete(p.pendingDispatch, e.venvKey)

	if e.err != nil {
		p.log.WithError(e.err).WithField("venv", e.venvKey).Error("backend spawn failed")
		for _, q := range queued {
			if q.id == nil {
				continue // queued notification: nothing to respond to
			}
			if q.isInitialize {
				// initialize must never surface as a failure (spec.md §7).
				p.writeToClient(synthesizeEmptyCapabilities(*q.id))
				continue
			}
			p.respondError(*q.id, rpc.CodeInternalError, "failed to spawn backend")
			p.deletePendingClient(idKey(*q.id))
		}
		return
	}

	p.pool.MarkInitialized(e.venvKey)
	p.restoreDocuments(e.entry)

	for _, q := range queued {
		if q.id == nil {
			if err := e.entry.Process.WriteFrame(q.body); err != nil {
				p.log.WithError(err).Warn("forward queued notification failed")
			}
			continue
		}
		if q.isInitialize {
			p.writeToClient(buildInitResponse(*q.id, e.entry.Process.InitResult))
			continue
		}
		pr, ok := p.getPendingClient(idKey(*q.id))
		if !ok {
			continue
		}
		pr.Session = e.entry.Process.Session
		p.dispatchToBackend(pr, e.entry, q.body)
	}
}

// restoreDocuments implements spec.md §4.8: replay matching open
// documents onto a freshly spawned backend, retract diagnostics for
// the rest.
func (p *Proxy) restoreDocuments(entry *pool.Entry) {
	matching := p.cache.AllMatchingVenv(entry.Key)
	for _, d := range matching {
		body, err := rpc.NewNotification("textDocument/didOpen", didOpenParams(d))
		if err != nil {
			continue
		}
		if err := entry.Process.WriteFrame(body); err != nil {
			p.log.WithError(err).Warn("restoration didOpen failed, treating backend as crashed")
			p.handleBackendCrash(entry.Process.Session)
			return
		}
	}

	matchingSet := make(map[string]bool, len(matching))
	for _, d := range matching {
		matchingSet[d.URI] = true
	}
	skipped := 0
	for _, uri := range p.cache.AllOpenURIs() {
		if matchingSet[uri] {
			continue
		}
		p.writeToClient(buildDiagnosticsRetraction(uri))
		skipped++
	}

	p.log.WithFields(logrus.Fields{
		"venv": entry.Key, "restored": len(matching), "skipped": skipped,
	}).Info("document restoration complete")
}

// onEvict is the pool.EvictFunc: it only enqueues the event, since the
// actual pending-cancellation/diagnostics-retraction state lives on the
// loop goroutine (spec.md §5).
func (p *Proxy) onEvict(e *pool.Entry) {
	p.events <- evictionEvent{entry: e}
}

// handleEviction implements the eviction protocol in spec.md §4.5:
// cancel pending requests, retract diagnostics, then gracefully shut
// the backend down (skipped if it is already known dead, e.g. a crash).
func (p *Proxy) handleEviction(e *pool.Entry) {
	p.cancelPendingForVenv(e.Key)
	p.retractDiagnostics(e.Key)

	if e.Process == nil || e.Process.IsDead() {
		return
	}
	go func(proc *backend.Process) {
		ch := make(chan struct{}, 1)
		p.registerShutdownAck(proc.Session, ch)
		_ = proc.Shutdown(shutdownRequestID, ch)
		proc.MarkDead()
	}(e.Process)
}

func (p *Proxy) cancelPendingForVenv(venvKey string) {
	p.stateMu.Lock()
	var toCancel []*PendingClientRequest
	for key, pr := range p.pendingClient {
		if pr.VenvKey == venvKey {
			toCancel = append(toCancel, pr)
			delete(p.pendingClient, key)
		}
	}
	p.stateMu.Unlock()

	for _, pr := range toCancel {
		p.respondError(pr.OriginalID, rpc.CodeRequestCancelled, "Request cancelled")
	}
}

func (p *Proxy) retractDiagnostics(venvKey string) {
	for _, d := range p.cache.AllMatchingVenv(venvKey) {
		p.writeToClient(buildDiagnosticsRetraction(d.URI))
	}
}

// handleBackendCrash implements the crash-detection half of spec.md
// §4.4/§4.5: the dead session is evicted through the same protocol as
// an LRU/TTL eviction.
func (p *Proxy) handleBackendCrash(session int64) {
	for _, e := range p.pool.Snapshot() {
		if e.Process != nil && e.Process.Session == session {
			e.Process.MarkDead()
			p.pool.Evict(e.Key)
			return
		}
	}
}

// shutdownAllBackends force-terminates every live backend without the
// graceful handshake. It runs on the client's "exit" notification, on a
// clean client stdin EOF (including Shutdown), and on a fatal client
// stream error.
func (p *Proxy) shutdownAllBackends() {
	_ = p.pool.ShutdownAll(func(e *pool.Entry) error {
		if e.Process != nil {
			e.Process.Kill()
		}
		return nil
	})
}
