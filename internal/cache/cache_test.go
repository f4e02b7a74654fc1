package cache

import "testing"

func TestApplyFullReplacesText(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "hello", "", false)

	doc, ok := c.ApplyFull("file:///a.py", 2, "world")
	if !ok {
		t.Fatalf("expected document to be found")
	}
	if doc.Text != "world" || doc.Version != 2 {
		t.Errorf("got text=%q version=%d", doc.Text, doc.Version)
	}
}

func TestApplyIncrementalSingleEdit(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "hello world", "", false)

	doc, ok := c.ApplyIncremental("file:///a.py", 2, []Edit{
		{StartLine: 0, StartChar: 6, EndLine: 0, EndChar: 11, NewText: "there"},
	})
	if !ok {
		t.Fatalf("expected document to be found")
	}
	if doc.Text != "hello there" {
		t.Errorf("got %q", doc.Text)
	}
}

func TestApplyIncrementalSequentialEditsCompose(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "abc", "", false)

	// Insert "X" after "a", then insert "Y" after "aXb" — second edit
	// must see the result of the first.
	doc, ok := c.ApplyIncremental("file:///a.py", 2, []Edit{
		{StartLine: 0, StartChar: 1, EndLine: 0, EndChar: 1, NewText: "X"},
		{StartLine: 0, StartChar: 3, EndLine: 0, EndChar: 3, NewText: "Y"},
	})
	if !ok {
		t.Fatalf("expected document to be found")
	}
	if doc.Text != "aXbYc" {
		t.Errorf("got %q, want aXbYc", doc.Text)
	}
}

func TestApplyIncrementalAcrossLines(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "line1\nline2\nline3", "", false)

	doc, ok := c.ApplyIncremental("file:///a.py", 2, []Edit{
		{StartLine: 1, StartChar: 0, EndLine: 1, EndChar: 5, NewText: "LINE2"},
	})
	if !ok {
		t.Fatalf("expected document to be found")
	}
	if doc.Text != "line1\nLINE2\nline3" {
		t.Errorf("got %q", doc.Text)
	}
}

func TestApplyIncrementalCRLF(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "line1\r\nline2\r\nline3", "", false)

	doc, ok := c.ApplyIncremental("file:///a.py", 2, []Edit{
		{StartLine: 1, StartChar: 0, EndLine: 1, EndChar: 5, NewText: "LINE2"},
	})
	if !ok {
		t.Fatalf("expected document to be found")
	}
	if doc.Text != "line1\r\nLINE2\r\nline3" {
		t.Errorf("got %q", doc.Text)
	}
}

func TestApplyIncrementalMatchesFullReplacement(t *testing.T) {
	c := New()
	original := "def f():\n    return 1\n"
	c.Open("file:///a.py", "python", 1, original, "", false)

	// Incrementally transform "return 1" -> "return 2" on line 1.
	incremental, ok := c.ApplyIncremental("file:///a.py", 2, []Edit{
		{StartLine: 1, StartChar: 11, EndLine: 1, EndChar: 12, NewText: "2"},
	})
	if !ok {
		t.Fatalf("expected document to be found")
	}

	c2 := New()
	c2.Open("file:///b.py", "python", 1, original, "", false)
	full, ok := c2.ApplyFull("file:///b.py", 2, "def f():\n    return 2\n")
	if !ok {
		t.Fatalf("expected document to be found")
	}

	if incremental.Text != full.Text {
		t.Errorf("incremental %q != full %q", incremental.Text, full.Text)
	}
}

func TestStickyVenvPreservedAcrossEdits(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "x = 1", "/repo/.venv", true)

	c.ApplyFull("file:///a.py", 2, "x = 2")

	doc, _ := c.Get("file:///a.py")
	path, resolved := doc.VenvPath()
	if !resolved || path != "/repo/.venv" {
		t.Errorf("expected sticky venv to survive edit, got path=%q resolved=%v", path, resolved)
	}
}

func TestCloseRemovesDocument(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "x", "", false)
	c.Close("file:///a.py")

	if _, ok := c.Get("file:///a.py"); ok {
		t.Errorf("expected document to be gone after close")
	}
}

func TestAllMatchingVenv(t *testing.T) {
	c := New()
	c.Open("file:///a.py", "python", 1, "a", "/repo/a/.venv", true)
	c.Open("file:///b.py", "python", 1, "b", "/repo/b/.venv", true)
	c.Open("file:///c.py", "python", 1, "c", "/repo/a/.venv", true)

	docs := c.AllMatchingVenv("/repo/a/.venv")
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}
