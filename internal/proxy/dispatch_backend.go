package proxy

import (
	"encoding/json"

	"github.com/K-dash/typemux-cc/internal/backend"
	"github.com/K-dash/typemux-cc/internal/pool"
	"github.com/K-dash/typemux-cc/internal/rpc"
)

// handleBackendEnvelope routes one frame read off a backend's stdout
// per spec.md §4.9. frame.Env is guaranteed non-nil; frame.Body is the
// raw bytes to forward verbatim where the spec calls for passthrough.
func (p *Proxy) handleBackendEnvelope(frame backend.Frame) {
	switch rpc.Classify(frame.Env) {
	case rpc.KindResponse:
		p.handleBackendResponse(frame)
	case rpc.KindRequest:
		p.handleBackendRequest(frame)
	case rpc.KindNotification:
		p.handleBackendNotification(frame)
	default:
		p.log.WithField("session", frame.Session).Warn("backend sent an unclassifiable frame")
	}
}

// handleBackendResponse routes a response back to whichever client
// request (or internal handshake/shutdown conversation) it answers.
func (p *Proxy) handleBackendResponse(frame backend.Frame) {
	if frame.Env.ID == nil {
		return
	}
	if idv, ok := rpc.IDAsInt64(*frame.Env.ID); ok && idv == shutdownRequestID {
		p.signalShutdownAck(frame.Session)
		return
	}
	if idv, ok := rpc.IDAsInt64(*frame.Env.ID); ok && idv == handshakeRequestID {
		// Only ever seen if a handshake reply outlives its reader, e.g. a
		// slow/duplicate response; nothing still wants it.
		return
	}

	key := idKey(*frame.Env.ID)
	pr, ok := p.getPendingClient(key)
	if !ok {
		p.log.WithField("id", key).Debug("response to unknown or already-cancelled request, dropping")
		return
	}
	if pr.Session != frame.Session {
		// A stale response from a since-evicted/replaced backend instance
		// for the same venv key (spec.md §4.9's session-mismatch discard).
		p.log.WithField("id", key).Debug("response from stale backend session, discarding")
		return
	}
	p.deletePendingClient(key)
	p.writeToClient(frame.Body)
}

// handleBackendRequest implements the reverse-call half of spec.md
// §4.9: a backend issuing its own request (e.g. workspace/configuration)
// gets a disjoint proxy id so it can never collide with a client id,
// and the mapping is remembered to restore the backend's original id
// once the client answers.
func (p *Proxy) handleBackendRequest(frame backend.Frame) {
	entry := p.findEntryBySession(frame.Session)
	if entry == nil {
		return
	}
	proxyID := p.allocateProxyID()
	rewritten, err := rpc.RewriteID(frame.Body, proxyID)
	if err != nil {
		p.log.WithError(err).Warn("rewrite backend reverse-call id failed")
		return
	}

	var origID json.RawMessage
	if frame.Env.ID != nil {
		origID = append(json.RawMessage(nil), *frame.Env.ID...)
	}
	idBytes, _ := json.Marshal(proxyID)
	p.putPendingBackend(idKey(idBytes), &PendingBackendRequest{
		ProxyID:        proxyID,
		OriginalID:     origID,
		VenvKey:        entry.Key,
		BackendSession: frame.Session,
	})
	p.writeToClient(rewritten)
}

// handleBackendNotification forwards notifications to the client,
// intercepting $/progress end-of-warmup markers to drain the backend's
// queued index-dependent requests (spec.md §4.10).
func (p *Proxy) handleBackendNotification(frame backend.Frame) {
	if frame.Env.Method == "$/progress" {
		p.maybeDrainWarmup(frame)
	}
	p.writeToClient(frame.Body)
}

// maybeDrainWarmup inspects a $/progress notification for the
// end-of-work marker LSP servers use to signal their index is built,
// and if so flushes that backend's warmup queue onto its stdin.
func (p *Proxy) maybeDrainWarmup(frame backend.Frame) {
	var params struct {
		Value struct {
			Kind string `json:"kind"`
		} `json:"value"`
	}
	if err := json.Unmarshal(frame.Env.Params, &params); err != nil || params.Value.Kind != "end" {
		return
	}

	entry := p.findEntryBySession(frame.Session)
	if entry == nil || entry.Process == nil || entry.Process.Warmup == nil {
		return
	}
	for _, q := range entry.Process.Warmup.Drain() {
		if err := entry.Process.WriteFrame(q.Frame); err != nil {
			p.log.WithError(err).Warn("flush warmup-queued request failed")
		}
	}
}

func (p *Proxy) findEntryBySession(session int64) *pool.Entry {
	for _, e := range p.pool.Snapshot() {
		if e.Process != nil && e.Process.Session == session {
			return e
		}
	}
	return nil
}
