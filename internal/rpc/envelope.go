// Package rpc implements JSON-RPC 2.0 framing and the tagged message
// union the proxy routes on.
package rpc

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind classifies a JSON-RPC 2.0 message.
type Kind int

const (
	KindRequest      Kind = iota // has method + id
	KindNotification             // has method, no id
	KindResponse                 // has id, no method
	KindInvalid                  // neither
)

// ErrorCode is a JSON-RPC / LSP error code the proxy itself produces.
type ErrorCode int

const (
	// CodeInternalError signals an internal failure, e.g. "no venv found"
	// or "failed to spawn backend" (spec.md §4.6.7, §7).
	CodeInternalError ErrorCode = -32603
	// CodeRequestCancelled signals a warmup-queued or evicted request was
	// cancelled rather than answered (spec.md §4.6.8, §7).
	CodeRequestCancelled ErrorCode = -32800
)

// Envelope is the JSON-RPC 2.0 envelope. Only the routing fields (id,
// method) are parsed eagerly; params/result/error are kept as raw bytes
// so the proxy can forward them unmodified.
type Envelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   json.RawMessage  `json:"error,omitempty"`
}

// RPCError is the shape of a JSON-RPC error object.
type RPCError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope parses a single frame body into an Envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "parse envelope")
	}
	return &env, nil
}

// Classify determines the message kind from the fields present.
func Classify(env *Envelope) Kind {
	hasMethod := env.Method != ""
	hasID := env.ID != nil
	switch {
	case hasMethod && hasID:
		return KindRequest
	case hasMethod && !hasID:
		return KindNotification
	case !hasMethod && hasID:
		return KindResponse
	default:
		return KindInvalid
	}
}

// RewriteID replaces the "id" field of a raw JSON-RPC message, returning
// the rewritten body. The original id is discarded; use RestoreID to set
// a specific raw id value back.
func RewriteID(body []byte, newID int64) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "rewrite id: unmarshal")
	}
	idBytes, err := json.Marshal(newID)
	if err != nil {
		return nil, errors.Wrap(err, "rewrite id: marshal")
	}
	raw["id"] = json.RawMessage(idBytes)
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "rewrite id: marshal envelope")
	}
	return out, nil
}

// RestoreID replaces the "id" field with an arbitrary raw JSON value,
// preserving the client's original id representation (integer or string)
// bit-for-bit, per spec.md invariant 4.
func RestoreID(body []byte, origID json.RawMessage) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "restore id: unmarshal")
	}
	raw["id"] = origID
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "restore id: marshal envelope")
	}
	return out, nil
}

// NewErrorResponse builds a JSON-RPC error response body for the given
// original id.
func NewErrorResponse(id json.RawMessage, code ErrorCode, message string) []byte {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   RPCError        `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error:   RPCError{Code: code, Message: message},
	}
	b, _ := json.Marshal(resp)
	return b
}

// NewRequest builds a JSON-RPC request body.
func NewRequest(id int64, method string, params interface{}) ([]byte, error) {
	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	return b, nil
}

// NewNotification builds a JSON-RPC notification body.
func NewNotification(method string, params interface{}) ([]byte, error) {
	notif := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params}
	b, err := json.Marshal(notif)
	if err != nil {
		return nil, errors.Wrap(err, "marshal notification")
	}
	return b, nil
}

// IDAsInt64 extracts an integer id from a raw JSON id value. Returns
// false if the id is not a JSON number (e.g. it's a string id).
func IDAsInt64(raw json.RawMessage) (int64, bool) {
	if raw == nil {
		return 0, false
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return v, true
}
