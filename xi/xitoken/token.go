// Package xitoken implements the streaming XML tokenizer of spec.md
// §4.6: a source owns a byte buffer (read-mode or mmap-mode) and hands
// out tokens whose data/rest slices point directly into that buffer,
// valid only until the next call to NextToken on the same source.
//
// The byte-at-a-time scanning idiom (a current-character cursor advanced
// one rune at a time, switched on to dispatch token shapes) is grounded
// on ShubhamNegi4-DaemonDB/query_parser/lexer's Lexer.NextToken/readChar,
// generalized from a single in-memory string to a refilling buffer
// window with line counting and a latched failure state, per
// original_source/libslax/xi_io.h.
package xitoken

import "fmt"

// Type is a lexical token kind (spec.md §4.6).
type Type uint8

const (
	EOF Type = iota
	FAIL
	TEXT
	OPEN
	CLOSE
	EMPTY
	PI
	DTD
	COMMENT
	ATTR
	NS
)

func (t Type) String() string {
	switch t {
	case EOF:
		return "EOF"
	case FAIL:
		return "FAIL"
	case TEXT:
		return "TEXT"
	case OPEN:
		return "OPEN"
	case CLOSE:
		return "CLOSE"
	case EMPTY:
		return "EMPTY"
	case PI:
		return "PI"
	case DTD:
		return "DTD"
	case COMMENT:
		return "COMMENT"
	case ATTR:
		return "ATTR"
	case NS:
		return "NS"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Flags configure a Source's lexical and I/O behavior (spec.md §4.6).
type Flags uint8

const (
	// FlagIgnoreWS drops whitespace-only TEXT tokens found between markup.
	FlagIgnoreWS Flags = 1 << iota
	// FlagTrimWS trims leading/trailing whitespace from TEXT tokens.
	FlagTrimWS
	// FlagNoRead forbids further reads; once the buffer is exhausted the
	// source behaves as if EOF had been seen.
	FlagNoRead
	// FlagEOFSeen is set internally once no more input can be read: the
	// underlying reader returned io.EOF or another error, the source has
	// no reader, or the whole input is already mapped.
	FlagEOFSeen
	// FlagReadAll marks a source whose entire input is already in the
	// buffer; mmap-mode sources set it. Setting it does not load input.
	FlagReadAll
	// FlagCloseFD closes the underlying file/descriptor when Close is called.
	FlagCloseFD
)
