package proxy

import "encoding/json"

// PendingClientRequest tracks a request forwarded (or queued) on behalf
// of the client so the matching backend response can be routed back
// unmodified (spec.md §4.6.7, §4.9).
type PendingClientRequest struct {
	OriginalID json.RawMessage
	Method     string
	VenvKey    string
	Session    int64
	// Warming is true while the request sits in a backend's warmup
	// queue rather than having been written to the backend yet —
	// $/cancelRequest needs to know which path to take (spec.md §4.6.8).
	Warming bool
}

// PendingBackendRequest tracks a reverse call a backend issued to the
// client, keyed by the disjoint proxy id the proxy allocated for it
// (spec.md §4.9).
type PendingBackendRequest struct {
	ProxyID        int64
	OriginalID     json.RawMessage
	VenvKey        string
	BackendSession int64
}

// idKey canonicalizes a JSON-RPC id for use as a Go map key. Two
// semantically equal ids (e.g. `1` and `1`) always produce the same
// key; distinct representations (`1` vs `"1"`) never collide because
// the raw encoding differs.
func idKey(id json.RawMessage) string {
	return string(id)
}
