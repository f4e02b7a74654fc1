package proxy

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/K-dash/typemux-cc/internal/backend"
	"github.com/K-dash/typemux-cc/internal/cache"
	"github.com/K-dash/typemux-cc/internal/pool"
	"github.com/K-dash/typemux-cc/internal/rpc"
)

// queuedRequest is a client frame withheld until a backend spawn for
// its venv finishes. id is nil for notifications (didOpen/didChange
// queued ahead of the backend existing).
type queuedRequest struct {
	id           *json.RawMessage
	body         []byte
	isInitialize bool
}

type shutdownCompleteEvent struct {
	id json.RawMessage
}

// handleClientEnvelope dispatches one parsed client frame per spec.md
// §4.6. Returns false only when the client's "exit" notification has
// just been processed and the loop should terminate cleanly.
func (p *Proxy) handleClientEnvelope(body []byte, env *rpc.Envelope) bool {
	switch rpc.Classify(env) {
	case rpc.KindRequest:
		p.handleClientRequest(body, env)
	case rpc.KindNotification:
		return p.handleClientNotification(body, env)
	case rpc.KindResponse:
		p.handleClientResponse(body, env)
	default:
		p.log.Warn("client sent an unclassifiable frame")
	}
	return true
}

func (p *Proxy) handleClientRequest(body []byte, env *rpc.Envelope) {
	switch env.Method {
	case "initialize":
		p.handleInitialize(env)
	case "shutdown":
		p.handleShutdown(env)
	case "textDocument/hover", "textDocument/definition", "textDocument/references",
		"textDocument/documentSymbol", "textDocument/typeDefinition", "textDocument/implementation",
		"textDocument/completion", "textDocument/codeAction", "textDocument/formatting",
		"textDocument/rename", "textDocument/signatureHelp":
		p.handleDocumentRequest(body, env)
	default:
		// Any other request naming a textDocument.uri is routed the same
		// way; requests with no document context have nowhere to route.
		if uri, ok := extractURI(env.Params); ok && uri != "" {
			p.handleDocumentRequest(body, env)
			return
		}
		p.respondError(*env.ID, rpc.CodeInternalError, "unsupported request outside a document context")
	}
}

func (p *Proxy) handleClientNotification(body []byte, env *rpc.Envelope) bool {
	switch env.Method {
	case "initialized":
		p.handleInitializedNotification(body)
	case "exit":
		p.handleExit()
		return false
	case "textDocument/didOpen":
		p.handleDidOpen(body, env)
	case "textDocument/didChange":
		p.handleDidChange(body, env)
	case "textDocument/didClose":
		p.handleDidClose(body, env)
	case "$/cancelRequest":
		p.handleCancelRequest(body, env)
	default:
		p.handleGenericNotification(body, env)
	}
	return true
}

// handleClientResponse handles the client's response to a reverse call
// the proxy forwarded on a backend's behalf (spec.md §4.6 bullet 9).
func (p *Proxy) handleClientResponse(body []byte, env *rpc.Envelope) {
	if env.ID == nil {
		return
	}
	key := idKey(*env.ID)
	pbr, ok := p.takePendingBackend(key)
	if !ok {
		p.log.WithField("id", key).Debug("client response to unknown backend request, dropping")
		return
	}
	entry, ok := p.pool.Get(pbr.VenvKey)
	if !ok || entry.Process == nil || entry.Process.Session != pbr.BackendSession {
		p.log.Debug("backend for reverse-call response is gone or replaced, dropping")
		return
	}
	restored, err := rpc.RestoreID(body, pbr.OriginalID)
	if err != nil {
		p.log.WithError(err).Error("restore backend id failed")
		return
	}
	if err := entry.Process.WriteFrame(restored); err != nil {
		p.log.WithError(err).Warn("forward client response to backend failed")
	}
}

// handleInitialize implements spec.md §4.6 bullet 1.
func (p *Proxy) handleInitialize(env *rpc.Envelope) {
	id := *env.ID
	if p.initReceived {
		// Subsequent initialize calls are not meaningfully resolvable to
		// one venv; answer success so the client never errors.
		p.writeToClient(synthesizeEmptyCapabilities(id))
		return
	}
	p.initReceived = true
	p.initParams = append(json.RawMessage(nil), env.Params...)

	venvKey, ok := p.resolver.ResolveFallback(cwdOrEmpty())
	if !ok {
		p.writeToClient(synthesizeEmptyCapabilities(id))
		return
	}
	p.pendingDispatch[venvKey] = append(p.pendingDispatch[venvKey], queuedRequest{id: &id, isInitialize: true})
	p.ensureSpawning(venvKey)
}

func (p *Proxy) handleInitializedNotification(body []byte) {
	p.initializedBody = append(json.RawMessage(nil), body...)
	for _, e := range p.pool.Snapshot() {
		if e.Process == nil || e.Initializing {
			continue
		}
		if err := e.Process.WriteFrame(body); err != nil {
			p.log.WithError(err).Warn("forward initialized notification failed")
		}
	}
}

// handleShutdown implements spec.md §4.6 bullet 3 (the request half);
// handleExit implements the notification half.
func (p *Proxy) handleShutdown(env *rpc.Envelope) {
	id := *env.ID
	entries := p.pool.Snapshot()
	if len(entries) == 0 {
		p.writeToClient(buildNullResult(id))
		return
	}
	go p.runShutdownSequence(id, entries)
}

func (p *Proxy) runShutdownSequence(id json.RawMessage, entries []*pool.Entry) {
	var wg sync.WaitGroup
	for _, e := range entries {
		if e.Process == nil {
			continue
		}
		ch := make(chan struct{}, 1)
		p.registerShutdownAck(e.Process.Session, ch)
		wg.Add(1)
		go func(proc *backend.Process) {
			defer wg.Done()
			_ = proc.Shutdown(shutdownRequestID, ch)
		}(e.Process)
	}
	wg.Wait()
	p.events <- shutdownCompleteEvent{id: id}
}

func (p *Proxy) handleExit() {
	p.exitCode = 0
	p.shutdownAllBackends()
}

func (p *Proxy) handleDidOpen(body []byte, env *rpc.Envelope) {
	var params struct {
		TextDocument struct {
			URI        string `json:"uri"`
			LanguageID string `json:"languageId"`
			Version    int    `json:"version"`
			Text       string `json:"text"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		p.log.WithError(err).Warn("didOpen: bad params")
		return
	}

	path := uriToPath(params.TextDocument.URI)
	venvKey, resolved := p.resolver.Resolve(path)
	p.cache.Open(params.TextDocument.URI, params.TextDocument.LanguageID, params.TextDocument.Version, params.TextDocument.Text, venvKey, resolved)

	if !resolved {
		return
	}
	p.forwardOrQueueNotification(venvKey, body)
}

func (p *Proxy) handleDidChange(body []byte, env *rpc.Envelope) {
	var params struct {
		TextDocument struct {
			URI     string `json:"uri"`
			Version int    `json:"version"`
		} `json:"textDocument"`
		ContentChanges []struct {
			Range *struct {
				Start struct{ Line, Character int } `json:"start"`
				End   struct{ Line, Character int } `json:"end"`
			} `json:"range"`
			Text string `json:"text"`
		} `json:"contentChanges"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		p.log.WithError(err).Warn("didChange: bad params")
		return
	}

	var doc *cache.Document
	var ok bool
	isFull := false
	for _, c := range params.ContentChanges {
		if c.Range == nil {
			isFull = true
		}
	}
	if isFull {
		text := ""
		if len(params.ContentChanges) > 0 {
			text = params.ContentChanges[len(params.ContentChanges)-1].Text
		}
		doc, ok = p.cache.ApplyFull(params.TextDocument.URI, params.TextDocument.Version, text)
	} else {
		edits := make([]cache.Edit, 0, len(params.ContentChanges))
		for _, c := range params.ContentChanges {
			edits = append(edits, cache.Edit{
				StartLine: c.Range.Start.Line, StartChar: c.Range.Start.Character,
				EndLine: c.Range.End.Line, EndChar: c.Range.End.Character,
				NewText: c.Text,
			})
		}
		doc, ok = p.cache.ApplyIncremental(params.TextDocument.URI, params.TextDocument.Version, edits)
	}
	if !ok {
		return
	}
	venvKey, resolved := doc.VenvPath()
	if !resolved {
		return
	}
	p.forwardOrQueueNotification(venvKey, body)
}

func (p *Proxy) handleDidClose(body []byte, env *rpc.Envelope) {
	var params struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		p.log.WithError(err).Warn("didClose: bad params")
		return
	}
	doc, ok := p.cache.Get(params.TextDocument.URI)
	p.cache.Close(params.TextDocument.URI)
	if !ok {
		return
	}
	venvKey, resolved := doc.VenvPath()
	if !resolved {
		return
	}
	entry, ok := p.pool.Get(venvKey)
	if ok && !entry.Initializing && entry.Process != nil {
		p.pool.Touch(venvKey)
		if err := entry.Process.WriteFrame(body); err != nil {
			p.log.WithError(err).Warn("forward didClose failed")
		}
	}
}

// handleDocumentRequest implements spec.md §4.6 bullet 7.
func (p *Proxy) handleDocumentRequest(body []byte, env *rpc.Envelope) {
	id := *env.ID
	uri, ok := extractURI(env.Params)
	if !ok || uri == "" {
		p.respondError(id, rpc.CodeInternalError, "request missing textDocument.uri")
		return
	}
	doc, ok := p.cache.Get(uri)
	if !ok {
		p.respondError(id, rpc.CodeInternalError, ".venv not found")
		return
	}
	venvKey, resolved := doc.VenvPath()
	if !resolved {
		p.respondError(id, rpc.CodeInternalError, ".venv not found")
		return
	}

	pr := &PendingClientRequest{
		OriginalID: append(json.RawMessage(nil), id...),
		Method:     env.Method,
		VenvKey:    venvKey,
	}
	p.putPendingClient(idKey(id), pr)

	entry, ok := p.pool.Get(venvKey)
	if ok && !entry.Initializing {
		pr.Session = entry.Process.Session
		p.dispatchToBackend(pr, entry, body)
		return
	}
	p.pendingDispatch[venvKey] = append(p.pendingDispatch[venvKey], queuedRequest{id: &id, body: body})
	p.ensureSpawning(venvKey)
}

// dispatchToBackend writes body to entry's backend immediately, or
// queues it on the backend's warmup queue if it is an index-dependent
// method and the backend is still Warming (spec.md §4.6 bullet 7).
func (p *Proxy) dispatchToBackend(pr *PendingClientRequest, entry *pool.Entry, body []byte) {
	p.pool.Touch(entry.Key)
	if backend.IsIndexDependent(pr.Method) && entry.Process.Warmup != nil && !entry.Process.Warmup.IsReady() {
		if entry.Process.Warmup.Enqueue(backend.QueuedRequest{ClientID: []byte(idKey(pr.OriginalID)), Frame: body}) {
			pr.Warming = true
			return
		}
	}
	if err := entry.Process.WriteFrame(body); err != nil {
		p.respondError(pr.OriginalID, rpc.CodeInternalError, "failed to spawn backend")
		p.deletePendingClient(idKey(pr.OriginalID))
	}
}

// handleCancelRequest implements spec.md §4.6 bullet 8.
func (p *Proxy) handleCancelRequest(body []byte, env *rpc.Envelope) {
	var params struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return
	}
	key := idKey(params.ID)
	pr, ok := p.getPendingClient(key)
	if !ok {
		return
	}
	if pr.Warming {
		if entry, ok := p.pool.Get(pr.VenvKey); ok && entry.Process != nil && entry.Process.Warmup != nil {
			entry.Process.Warmup.RemoveByClientID([]byte(key))
		}
		p.deletePendingClient(key)
		p.respondError(params.ID, rpc.CodeRequestCancelled, "Request cancelled")
		return
	}
	if entry, ok := p.pool.Get(pr.VenvKey); ok && entry.Process != nil {
		if err := entry.Process.WriteFrame(body); err != nil {
			p.log.WithError(err).Debug("forward cancelRequest failed")
		}
	}
}

// handleGenericNotification forwards an unrecognized notification. If
// it names a document, it is routed to that document's sticky backend;
// otherwise it is broadcast to every live backend.
func (p *Proxy) handleGenericNotification(body []byte, env *rpc.Envelope) {
	if uri, ok := extractURI(env.Params); ok && uri != "" {
		if doc, ok := p.cache.Get(uri); ok {
			if venvKey, resolved := doc.VenvPath(); resolved {
				p.forwardOrQueueNotification(venvKey, body)
				return
			}
		}
	}
	for _, e := range p.pool.Snapshot() {
		if e.Process == nil || e.Initializing {
			continue
		}
		if err := e.Process.WriteFrame(body); err != nil {
			p.log.WithError(err).Debug("broadcast notification failed")
		}
	}
}

func (p *Proxy) forwardOrQueueNotification(venvKey string, body []byte) {
	entry, ok := p.pool.Get(venvKey)
	if ok && !entry.Initializing {
		p.pool.Touch(venvKey)
		if err := entry.Process.WriteFrame(body); err != nil {
			p.log.WithError(err).Warn("forward notification failed")
		}
		return
	}
	p.pendingDispatch[venvKey] = append(p.pendingDispatch[venvKey], queuedRequest{body: body})
	p.ensureSpawning(venvKey)
}

func extractURI(params json.RawMessage) (string, bool) {
	var v struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return "", false
	}
	return v.TextDocument.URI, v.TextDocument.URI != ""
}

func uriToPath(uri string) string {
	const prefix = "file://"
	if strings.HasPrefix(uri, prefix) {
		return strings.TrimPrefix(uri, prefix)
	}
	return uri
}

func synthesizeEmptyCapabilities(id json.RawMessage) []byte {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  struct {
			Capabilities struct{} `json:"capabilities"`
		} `json:"result"`
	}{JSONRPC: "2.0", ID: id}
	b, _ := json.Marshal(resp)
	return b
}

func buildNullResult(id json.RawMessage) []byte {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: nil}
	b, _ := json.Marshal(resp)
	return b
}

func buildInitResponse(id json.RawMessage, result json.RawMessage) []byte {
	if len(result) == 0 {
		return synthesizeEmptyCapabilities(id)
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: result}
	b, _ := json.Marshal(resp)
	return b
}

func buildDiagnosticsRetraction(uri string) []byte {
	params := struct {
		URI         string        `json:"uri"`
		Diagnostics []interface{} `json:"diagnostics"`
	}{URI: uri, Diagnostics: []interface{}{}}
	b, _ := rpc.NewNotification("textDocument/publishDiagnostics", params)
	return b
}

func didOpenParams(d *cache.Document) interface{} {
	return struct {
		TextDocument struct {
			URI        string `json:"uri"`
			LanguageID string `json:"languageId"`
			Version    int    `json:"version"`
			Text       string `json:"text"`
		} `json:"textDocument"`
	}{TextDocument: struct {
		URI        string `json:"uri"`
		LanguageID string `json:"languageId"`
		Version    int    `json:"version"`
		Text       string `json:"text"`
	}{URI: d.URI, LanguageID: d.LanguageID, Version: d.Version, Text: d.Text}}
}
