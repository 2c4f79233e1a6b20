package mcpchild

import (
	"bytes"
	"testing"
)

func TestLineFramerPartialReadAcrossChunks(t *testing.T) {
	f := &lineFramer{}
	if lines := f.Feed([]byte(`{"jsonrpc":"2.0","id":1,"re`)); len(lines) != 0 {
		t.Fatalf("expected no complete lines yet, got %d", len(lines))
	}
	lines := f.Feed([]byte(`sult":{"ok":true}}` + "\n"))
	if len(lines) != 1 {
		t.Fatalf("expected exactly one parsed line, got %d", len(lines))
	}
	want := `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`
	if string(lines[0]) != want {
		t.Fatalf("line = %q, want %q", lines[0], want)
	}
}

func TestLineFramerMultipleCompleteLinesPerChunk(t *testing.T) {
	f := &lineFramer{}
	chunk := []byte(`{"jsonrpc":"2.0","id":2,"result":"B"}` + "\n" +
		`{"jsonrpc":"2.0","id":1,"result":"A"}` + "\n")
	lines := f.Feed(chunk)
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(lines))
	}
	if !bytes.Contains(lines[0], []byte(`"id":2`)) {
		t.Fatalf("first line out of order: %s", lines[0])
	}
	if !bytes.Contains(lines[1], []byte(`"id":1`)) {
		t.Fatalf("second line out of order: %s", lines[1])
	}
}

func TestLineFramerMalformedLineDoesNotAffectNeighbors(t *testing.T) {
	f := &lineFramer{}
	chunk := []byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}` + "\n" +
		`not json at all` + "\n" +
		`{"jsonrpc":"2.0","id":2,"result":"ok"}` + "\n")
	lines := f.Feed(chunk)
	if len(lines) != 3 {
		t.Fatalf("expected all three raw lines surfaced (parsing happens above this layer), got %d", len(lines))
	}
}

func TestLineFramerEmptyLinesAreSurfacedButEmpty(t *testing.T) {
	f := &lineFramer{}
	lines := f.Feed([]byte("\n\n{\"jsonrpc\":\"2.0\"}\n"))
	if len(lines) != 3 {
		t.Fatalf("expected 3 raw lines, got %d", len(lines))
	}
	if len(lines[0]) != 0 || len(lines[1]) != 0 {
		t.Fatalf("expected the first two lines to be empty")
	}
}

func TestLineFramerRetainsTrailingFragment(t *testing.T) {
	f := &lineFramer{}
	f.Feed([]byte(`{"a":1}` + "\n" + `{"b":2`))
	if got := string(f.buf); got != `{"b":2` {
		t.Fatalf("retained fragment = %q, want %q", got, `{"b":2`)
	}
}
