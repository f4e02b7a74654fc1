// Package cache mirrors the client's declared open documents and applies
// incremental edits, so newly spawned backends can be transparently
// restored to the state the client believes is open (spec.md §4.7–4.8).
package cache

import (
	"sync"
)

// Document mirrors one open text document as declared by the client.
// VenvPath is sticky: it is set once, at the document's first
// venv-resolution event, and never re-resolved while the document
// remains open (spec.md §3, a deliberate cache the implementer must
// preserve).
type Document struct {
	URI        string
	LanguageID string
	Version    int
	Text       string

	venvResolved bool
	venvPath     string // "" means strict-mode resolution failed
}

// VenvPath returns the sticky venv path and whether resolution has ever
// been attempted for this document.
func (d *Document) VenvPath() (path string, resolved bool) {
	return d.venvPath, d.venvResolved
}

// Cache is the authoritative store of open documents, independent of
// whether any backend has seen them (spec.md invariant 6).
type Cache struct {
	mu   sync.Mutex
	docs map[string]*Document // keyed by URI
}

// New creates an empty document cache.
func New() *Cache {
	return &Cache{docs: make(map[string]*Document)}
}

// Open records a newly opened document. If venvPath is resolved is true,
// the sticky venv is set immediately (the caller resolves it at open
// time, per spec.md §4.6.4).
func (c *Cache) Open(uri, languageID string, version int, text string, venvPath string, resolved bool) *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := &Document{
		URI:          uri,
		LanguageID:   languageID,
		Version:      version,
		Text:         text,
		venvResolved: resolved,
		venvPath:     venvPath,
	}
	c.docs[uri] = doc
	return doc
}

// Get returns the cached document for uri, if open.
func (c *Cache) Get(uri string) (*Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[uri]
	return d, ok
}

// Close removes uri from the cache.
func (c *Cache) Close(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, uri)
}

// ApplyFull replaces the whole document text and bumps the version.
func (c *Cache) ApplyFull(uri string, version int, text string) (*Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[uri]
	if !ok {
		return nil, false
	}
	d.Text = text
	d.Version = version
	return d, true
}

// Edit is one incremental edit: replace [Start,End) with NewText. Start
// and End are UTF-16 code-unit line/character positions, per LSP.
type Edit struct {
	StartLine, StartChar int
	EndLine, EndChar     int
	NewText              string
}

// ApplyIncremental applies edits in order (each edit sees the text
// produced by the previous one, spec.md §4.7) and sets the final
// version.
func (c *Cache) ApplyIncremental(uri string, version int, edits []Edit) (*Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[uri]
	if !ok {
		return nil, false
	}
	text := d.Text
	for _, e := range edits {
		text = applyEdit(text, e)
	}
	d.Text = text
	d.Version = version
	return d, true
}

// AllMatchingVenv returns a snapshot of every open document whose sticky
// venv path equals venvKey, for restoration (spec.md §4.8).
func (c *Cache) AllMatchingVenv(venvKey string) []*Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Document
	for _, d := range c.docs {
		if d.venvResolved && d.venvPath == venvKey {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out
}

// AllOpenURIs returns every currently-open document URI, used to decide
// which documents need a diagnostics-retraction notification when a
// restoration skips them (spec.md §4.8).
func (c *Cache) AllOpenURIs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.docs))
	for uri := range c.docs {
		out = append(out, uri)
	}
	return out
}
