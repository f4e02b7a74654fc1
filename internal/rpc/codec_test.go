package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		id   interface{}
	}{
		{"positive int id", 1},
		{"negative int id", -42},
		{"zero id", 0},
		{"string id", "abc-123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := NewWriter(&buf)

			body, err := json.Marshal(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      tc.id,
				"method":  "textDocument/hover",
				"params":  map[string]string{"uri": "file:///a.py"},
			})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			if err := w.WriteFrame(body); err != nil {
				t.Fatalf("write: %v", err)
			}

			r := NewReader(&buf)
			got, err := r.ReadFrame()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, body) {
				t.Fatalf("round trip mismatch:\nwant %s\ngot  %s", body, got)
			}
		})
	}
}

func TestFrameRoundTripMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var bodies [][]byte
	for i := 0; i < 5; i++ {
		b, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": i, "method": "m"})
		bodies = append(bodies, b)
		if err := w.WriteFrame(b); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	r := NewReader(&buf)
	for i, want := range bodies {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d mismatch: want %s got %s", i, want, got)
		}
	}

	if _, err := r.ReadFrame(); err != io.EOF {
		t.Fatalf("expected clean EOF, got %v", err)
	}
}

func TestFrameCleanEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.ReadFrame()
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestFrameMalformedHeader(t *testing.T) {
	cases := []string{
		"Content-Length: notanumber\r\n\r\n{}",
		"NoColonHere\r\n\r\n{}",
		"Content-Length: -1\r\n\r\n{}",
		"\r\n{}", // blank line with no Content-Length seen at all
	}
	for i, raw := range cases {
		r := NewReader(bytes.NewReader([]byte(raw)))
		_, err := r.ReadFrame()
		if err != ErrMalformedHeader {
			t.Errorf("case %d: expected ErrMalformedHeader, got %v", i, err)
		}
	}
}

func TestFrameTruncatedBody(t *testing.T) {
	raw := "Content-Length: 100\r\n\r\n{\"short\":true}"
	r := NewReader(bytes.NewReader([]byte(raw)))
	_, err := r.ReadFrame()
	if err != ErrTruncatedBody {
		t.Fatalf("expected ErrTruncatedBody, got %v", err)
	}
}

func TestFrameIgnoresOtherHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	raw := fmt.Sprintf("Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	r := NewReader(bytes.NewReader([]byte(raw)))
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != body {
		t.Fatalf("want %s got %s", body, got)
	}
}

func TestClassify(t *testing.T) {
	id := json.RawMessage("1")
	cases := []struct {
		name string
		env  Envelope
		want Kind
	}{
		{"request", Envelope{Method: "hover", ID: &id}, KindRequest},
		{"notification", Envelope{Method: "initialized"}, KindNotification},
		{"response", Envelope{ID: &id}, KindResponse},
		{"invalid", Envelope{}, KindInvalid},
	}
	for _, tc := range cases {
		if got := Classify(&tc.env); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestRewriteAndRestoreID(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"textDocument/definition"}`)

	rewritten, err := RewriteID(body, -3)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	env, err := ParseEnvelope(rewritten)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id, ok := IDAsInt64(*env.ID)
	if !ok || id != -3 {
		t.Fatalf("expected rewritten id -3, got %v", *env.ID)
	}

	restored, err := RestoreID(rewritten, json.RawMessage("7"))
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	env2, err := ParseEnvelope(restored)
	if err != nil {
		t.Fatalf("parse restored: %v", err)
	}
	id2, ok := IDAsInt64(*env2.ID)
	if !ok || id2 != 7 {
		t.Fatalf("expected restored id 7, got %v", *env2.ID)
	}
}

func TestRestoreIDPreservesStringIDBitForBit(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":-1,"method":"fs/readTextFile"}`)
	origID := json.RawMessage(`"client-id-42"`)

	restored, err := RestoreID(body, origID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	env, err := ParseEnvelope(restored)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(*env.ID) != string(origID) {
		t.Fatalf("expected id %s, got %s", origID, *env.ID)
	}
}
