package xitoken_test

import (
	"bytes"
	"io"
	"testing"

	"parrotdb/xi/xitoken"
)

// slowReader returns at most n bytes per Read call, to exercise the
// refill-with-retained-tail path regardless of token size.
type slowReader struct {
	data []byte
	pos  int
	n    int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	max := r.n
	if max > len(p) {
		max = len(p)
	}
	end := r.pos + max
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func tokens(t *testing.T, src *xitoken.Source) []struct {
	typ  xitoken.Type
	data string
	rest string
} {
	t.Helper()
	var got []struct {
		typ  xitoken.Type
		data string
		rest string
	}
	for {
		typ, data, rest, err := src.NextToken()
		if err != nil {
			t.Fatalf("NextToken error: %v", err)
		}
		if typ == xitoken.EOF {
			break
		}
		if typ == xitoken.FAIL {
			t.Fatalf("unexpected FAIL at token %d", len(got))
		}
		got = append(got, struct {
			typ  xitoken.Type
			data string
			rest string
		}{typ, string(data), string(rest)})
	}
	return got
}

func TestOpenCloseAndText(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString("<a>hello</a>"), 0)
	got := tokens(t, src)
	if len(got) != 3 {
		t.Fatalf("got %d tokens, want 3: %+v", len(got), got)
	}
	if got[0].typ != xitoken.OPEN || got[0].data != "a" {
		t.Errorf("token 0 = %+v, want OPEN a", got[0])
	}
	if got[1].typ != xitoken.TEXT || got[1].data != "hello" {
		t.Errorf("token 1 = %+v, want TEXT hello", got[1])
	}
	if got[2].typ != xitoken.CLOSE || got[2].data != "a" {
		t.Errorf("token 2 = %+v, want CLOSE a", got[2])
	}
}

func TestEmptyElementWithAttributes(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString(`<item id="42" name='x'/>`), 0)
	typ, data, rest, err := src.NextToken()
	if err != nil {
		t.Fatalf("NextToken error: %v", err)
	}
	if typ != xitoken.EMPTY || string(data) != "item" {
		t.Fatalf("got type=%v data=%q, want EMPTY item", typ, data)
	}

	var attrs []struct{ name, value string }
	remainder := rest
	for {
		atyp, name, value, next, ok := xitoken.NextAttr(remainder)
		if !ok {
			break
		}
		if atyp != xitoken.ATTR {
			t.Errorf("attr %q has type %v, want ATTR", name, atyp)
		}
		attrs = append(attrs, struct{ name, value string }{string(name), string(value)})
		remainder = next
	}
	if len(attrs) != 2 {
		t.Fatalf("got %d attrs, want 2: %+v", len(attrs), attrs)
	}
	if attrs[0].name != "id" || attrs[0].value != "42" {
		t.Errorf("attr 0 = %+v", attrs[0])
	}
	if attrs[1].name != "name" || attrs[1].value != "x" {
		t.Errorf("attr 1 = %+v", attrs[1])
	}
}

func TestNamespaceAttributeDetected(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString(`<a xmlns:foo="urn:x"/>`), 0)
	_, _, rest, err := src.NextToken()
	if err != nil {
		t.Fatalf("NextToken error: %v", err)
	}
	typ, name, value, _, ok := xitoken.NextAttr(rest)
	if !ok {
		t.Fatalf("NextAttr failed to parse %q", rest)
	}
	if typ != xitoken.NS {
		t.Errorf("type = %v, want NS", typ)
	}
	if string(name) != "xmlns:foo" || string(value) != "urn:x" {
		t.Errorf("name/value = %q/%q", name, value)
	}
}

func TestCommentPIAndDTD(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString(
		`<!DOCTYPE root><?xml version="1.0"?><!-- a comment --><root/>`), 0)
	got := tokens(t, src)
	if len(got) != 4 {
		t.Fatalf("got %d tokens, want 4: %+v", len(got), got)
	}
	if got[0].typ != xitoken.DTD || got[0].data != "DOCTYPE root" {
		t.Errorf("token 0 = %+v", got[0])
	}
	if got[1].typ != xitoken.PI || got[1].data != "xml" || got[1].rest != `version="1.0"` {
		t.Errorf("token 1 = %+v", got[1])
	}
	if got[2].typ != xitoken.COMMENT || got[2].data != " a comment " {
		t.Errorf("token 2 = %+v", got[2])
	}
	if got[3].typ != xitoken.EMPTY || got[3].data != "root" {
		t.Errorf("token 3 = %+v", got[3])
	}
}

func TestIgnoreWSDropsWhitespaceOnlyText(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString("<a>\n  \t</a>"), xitoken.FlagIgnoreWS)
	got := tokens(t, src)
	if len(got) != 2 {
		t.Fatalf("got %d tokens, want 2 (whitespace text dropped): %+v", len(got), got)
	}
	if got[0].typ != xitoken.OPEN || got[1].typ != xitoken.CLOSE {
		t.Errorf("got %+v, want OPEN then CLOSE", got)
	}
}

func TestTrimWSTrimsTextEdges(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString("<a>  hi  </a>"), xitoken.FlagTrimWS)
	got := tokens(t, src)
	if len(got) != 3 || got[1].data != "hi" {
		t.Fatalf("got %+v, want middle token TEXT \"hi\"", got)
	}
}

func TestRefillAcrossSmallReads(t *testing.T) {
	xml := "<root><child>" + string(bytes.Repeat([]byte("x"), 5000)) + "</child></root>"
	src := xitoken.SourceFromReader(&slowReader{data: []byte(xml), n: 7}, 0)
	got := tokens(t, src)
	if len(got) != 5 {
		t.Fatalf("got %d tokens, want 5: (truncated) first=%+v", len(got), got[0])
	}
	if got[2].typ != xitoken.TEXT || len(got[2].data) != 5000 {
		t.Errorf("text token length = %d, want 5000", len(got[2].data))
	}
}

func TestMalformedMarkupLatchesFail(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString("<1bad>"), 0)
	typ, _, _, err := src.NextToken()
	if err != nil {
		t.Fatalf("NextToken error: %v", err)
	}
	if typ != xitoken.FAIL {
		t.Fatalf("got %v, want FAIL", typ)
	}
	for i := 0; i < 3; i++ {
		typ, _, _, _ := src.NextToken()
		if typ != xitoken.FAIL {
			t.Errorf("call %d after FAIL = %v, want FAIL (latched)", i, typ)
		}
	}
	if !src.Failed() {
		t.Errorf("Failed() = false after a FAIL token")
	}
}

func TestUnterminatedTagFails(t *testing.T) {
	src := xitoken.SourceFromReader(bytes.NewBufferString("<a"), 0)
	typ, _, _, _ := src.NextToken()
	if typ != xitoken.FAIL {
		t.Fatalf("got %v, want FAIL on unterminated tag", typ)
	}
}
