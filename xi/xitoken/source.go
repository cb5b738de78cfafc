package xitoken

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// initialBufSize is the starting capacity of a reader-backed Source's
// buffer; it doubles on growth, so a single oversized token never gets
// stuck.
const initialBufSize = 4096

// Source owns a byte buffer (reader-backed or mmap-backed) and a cursor
// into it. NextToken hands back slices that alias this buffer directly;
// per spec.md §4.6 they remain valid only until the next call to
// NextToken on the same Source.
type Source struct {
	buf  []byte
	pos  int // scan cursor
	end  int // valid data end
	mark int // start of the token currently being (or about to be) scanned

	lineno int
	flags  Flags
	failed bool

	r       io.Reader
	file    *os.File
	mmapped bool
	readErr error
}

// FileOptions configures SourceFromFile.
type FileOptions struct {
	// Mmap maps the whole file read-only instead of streaming reads
	// through a growable buffer (spec.md §4.6 "mmap-mode").
	Mmap bool
	// IgnoreWS and TrimWS seed the corresponding Flags.
	IgnoreWS bool
	TrimWS   bool
}

// SourceFromReader wraps an io.Reader as a token source in read-mode.
func SourceFromReader(r io.Reader, flags Flags) *Source {
	return &Source{
		r:      r,
		buf:    make([]byte, initialBufSize),
		flags:  flags,
		lineno: 1,
	}
}

// SourceFromFile opens path as a token source, either read-mode
// (buffered reads through a growable window) or mmap-mode (the whole
// file resident and never refilled) per opts.Mmap.
func SourceFromFile(path string, opts FileOptions) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xitoken: open %s: %w", path, err)
	}

	flags := FlagCloseFD
	if opts.IgnoreWS {
		flags |= FlagIgnoreWS
	}
	if opts.TrimWS {
		flags |= FlagTrimWS
	}

	if !opts.Mmap {
		return &Source{
			r:      f,
			file:   f,
			buf:    make([]byte, initialBufSize),
			flags:  flags,
			lineno: 1,
		}, nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("xitoken: stat %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 {
		f.Close()
		return &Source{flags: flags | FlagReadAll | FlagEOFSeen, lineno: 1}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("xitoken: mmap %s: %w", path, err)
	}
	return &Source{
		buf:     data,
		end:     size,
		file:    f,
		mmapped: true,
		flags:   flags | FlagReadAll | FlagEOFSeen,
		lineno:  1,
	}, nil
}

// Close releases the source's underlying resources: unmaps mmap-mode
// storage, and closes the file descriptor if FlagCloseFD is set.
func (s *Source) Close() error {
	var err error
	if s.mmapped && s.buf != nil {
		if e := unix.Munmap(s.buf); e != nil {
			err = fmt.Errorf("xitoken: munmap: %w", e)
		}
		s.buf = nil
	}
	if s.flags&FlagCloseFD != 0 && s.file != nil {
		if e := s.file.Close(); e != nil && err == nil {
			err = fmt.Errorf("xitoken: close: %w", e)
		}
		s.file = nil
	}
	return err
}

// Lineno returns the current 1-based line count, used only for diagnostics.
func (s *Source) Lineno() int { return s.lineno }

// Failed reports whether the source has latched into the FAIL state.
func (s *Source) Failed() bool { return s.failed }

// relMark returns the scan cursor's offset relative to mark. Because
// refill always shifts mark and pos by the same amount, this value is
// invariant across any refill that happens while a token is mid-scan —
// it is the stable way to remember an offset inside the current token
// without holding a plain absolute index that a refill would invalidate.
func (s *Source) relMark() int { return s.pos - s.mark }

func (s *Source) atRel(rel int) int { return s.mark + rel }

// ensure guarantees at least need unread bytes from pos, refilling the
// buffer as necessary. Returns false if EOF (or FlagNoRead) forecloses
// that guarantee.
func (s *Source) ensure(need int) bool {
	for s.end-s.pos < need {
		if s.flags&FlagEOFSeen != 0 || s.flags&FlagNoRead != 0 {
			return false
		}
		s.refill()
	}
	return true
}

// refill retains the tail from mark forward (memmove-equivalent via
// copy), grows the buffer if it's already full, and issues one more
// read. This is spec.md §4.6's "retained tail … memmoved to the buffer
// start" policy, generalized to retain from the current token's start
// rather than just the scan cursor, so a token's already-scanned prefix
// survives a refill that happens mid-token.
func (s *Source) refill() {
	if s.mark > 0 {
		n := copy(s.buf, s.buf[s.mark:s.end])
		s.pos -= s.mark
		s.end = n
		s.mark = 0
	}
	if s.end == len(s.buf) {
		newBuf := make([]byte, len(s.buf)*2)
		copy(newBuf, s.buf[:s.end])
		s.buf = newBuf
	}
	if s.r == nil {
		s.flags |= FlagEOFSeen
		return
	}
	n, err := s.r.Read(s.buf[s.end:])
	s.end += n
	if err != nil {
		s.flags |= FlagEOFSeen
		if err != io.EOF {
			s.readErr = err
		}
	}
}

func (s *Source) fail() (Type, []byte, []byte, error) {
	s.failed = true
	if s.readErr != nil {
		return FAIL, nil, nil, s.readErr
	}
	return FAIL, nil, nil, nil
}

// NextToken returns the next token. Once FAIL has been returned, every
// subsequent call keeps returning FAIL (spec.md §4.6 "the source is
// latched"). data and rest alias the source's internal buffer and are
// only valid until the next call to NextToken.
func (s *Source) NextToken() (Type, []byte, []byte, error) {
	if s.failed {
		return FAIL, nil, nil, nil
	}
	s.mark = s.pos
	if s.readErr != nil {
		return s.fail()
	}
	if !s.ensure(1) {
		return EOF, nil, nil, nil
	}
	if s.buf[s.pos] == '<' {
		return s.scanMarkup()
	}
	return s.scanText()
}

func (s *Source) scanText() (Type, []byte, []byte, error) {
	for {
		if !s.ensure(1) {
			break
		}
		if s.buf[s.pos] == '<' {
			break
		}
		if s.buf[s.pos] == '\n' {
			s.lineno++
		}
		s.pos++
	}

	raw := s.buf[s.mark:s.pos]
	if s.flags&FlagIgnoreWS != 0 && isAllWS(raw) && len(raw) > 0 {
		s.mark = s.pos
		return s.NextToken()
	}

	data := raw
	if s.flags&FlagTrimWS != 0 {
		data = trimWS(data)
	}
	return TEXT, data, nil, nil
}

func (s *Source) scanMarkup() (Type, []byte, []byte, error) {
	s.pos++ // consume '<'
	if !s.ensure(1) {
		return s.fail()
	}
	switch c := s.buf[s.pos]; {
	case c == '!':
		return s.scanBang()
	case c == '?':
		return s.scanPI()
	case c == '/':
		return s.scanClose()
	case isNameStart(c):
		return s.scanElement()
	default:
		return s.fail()
	}
}

func (s *Source) scanBang() (Type, []byte, []byte, error) {
	s.pos++ // consume '!'
	if s.ensure(2) && s.buf[s.pos] == '-' && s.buf[s.pos+1] == '-' {
		s.pos += 2
		return s.scanComment()
	}
	return s.scanDTD()
}

func (s *Source) scanComment() (Type, []byte, []byte, error) {
	contentStartRel := s.relMark()
	for {
		if !s.ensure(3) {
			if !s.ensure(1) {
				return s.fail()
			}
			if s.buf[s.pos] == '\n' {
				s.lineno++
			}
			s.pos++
			continue
		}
		if s.buf[s.pos] == '-' && s.buf[s.pos+1] == '-' && s.buf[s.pos+2] == '>' {
			data := s.buf[s.atRel(contentStartRel):s.pos]
			s.pos += 3
			return COMMENT, data, nil, nil
		}
		if s.buf[s.pos] == '\n' {
			s.lineno++
		}
		s.pos++
	}
}

func (s *Source) scanDTD() (Type, []byte, []byte, error) {
	contentStartRel := s.relMark()
	depth := 0
	for {
		if !s.ensure(1) {
			return s.fail()
		}
		c := s.buf[s.pos]
		if c == '"' || c == '\'' {
			if !s.skipQuoted(c) {
				return s.fail()
			}
			continue
		}
		if c == '[' {
			depth++
		}
		if c == ']' && depth > 0 {
			depth--
		}
		if c == '>' && depth == 0 {
			data := s.buf[s.atRel(contentStartRel):s.pos]
			s.pos++
			return DTD, trimWS(data), nil, nil
		}
		if c == '\n' {
			s.lineno++
		}
		s.pos++
	}
}

func (s *Source) scanPI() (Type, []byte, []byte, error) {
	s.pos++ // consume '?'
	targetStartRel := s.relMark()
	s.scanName()
	targetEndRel := s.relMark()
	s.skipSpaces()
	contentStartRel := s.relMark()

	for {
		if !s.ensure(2) {
			if !s.ensure(1) {
				return s.fail()
			}
			if s.buf[s.pos] == '\n' {
				s.lineno++
			}
			s.pos++
			continue
		}
		if s.buf[s.pos] == '?' && s.buf[s.pos+1] == '>' {
			target := s.buf[s.atRel(targetStartRel):s.atRel(targetEndRel)]
			content := s.buf[s.atRel(contentStartRel):s.pos]
			s.pos += 2
			return PI, target, trimWS(content), nil
		}
		if s.buf[s.pos] == '\n' {
			s.lineno++
		}
		s.pos++
	}
}

func (s *Source) scanClose() (Type, []byte, []byte, error) {
	s.pos++ // consume '/'
	nameStartRel := s.relMark()
	s.scanName()
	nameEndRel := s.relMark()
	name := s.buf[s.atRel(nameStartRel):s.atRel(nameEndRel)]
	s.skipSpaces()
	if !s.ensure(1) || s.buf[s.pos] != '>' {
		return s.fail()
	}
	s.pos++
	return CLOSE, name, nil, nil
}

func (s *Source) scanElement() (Type, []byte, []byte, error) {
	nameStartRel := s.relMark()
	s.scanName()
	nameEndRel := s.relMark()
	s.skipSpaces()
	restStartRel := s.relMark()

	empty := false
	for {
		if !s.ensure(1) {
			return s.fail()
		}
		c := s.buf[s.pos]
		if c == '"' || c == '\'' {
			if !s.skipQuoted(c) {
				return s.fail()
			}
			continue
		}
		if c == '\n' {
			s.lineno++
		}
		if c == '>' {
			break
		}
		if c == '/' && s.ensure(2) && s.buf[s.pos+1] == '>' {
			empty = true
			break
		}
		s.pos++
	}

	name := s.buf[s.atRel(nameStartRel):s.atRel(nameEndRel)]
	rest := trimWS(s.buf[s.atRel(restStartRel):s.pos])

	if empty {
		s.pos += 2
		return EMPTY, name, rest, nil
	}
	s.pos++
	return OPEN, name, rest, nil
}

func (s *Source) scanName() {
	for {
		if !s.ensure(1) {
			return
		}
		if !isNameByte(s.buf[s.pos]) {
			return
		}
		s.pos++
	}
}

func (s *Source) skipSpaces() {
	for {
		if !s.ensure(1) {
			return
		}
		switch s.buf[s.pos] {
		case ' ', '\t', '\r':
			s.pos++
		case '\n':
			s.lineno++
			s.pos++
		default:
			return
		}
	}
}

// skipQuoted consumes a quoted span starting at the opening quote q,
// through and including its closing match. Returns false on EOF before
// the closing quote is found (malformed input).
func (s *Source) skipQuoted(q byte) bool {
	s.pos++ // opening quote
	for {
		if !s.ensure(1) {
			return false
		}
		c := s.buf[s.pos]
		s.pos++
		if c == q {
			return true
		}
		if c == '\n' {
			s.lineno++
		}
	}
}

func isNameStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c >= 0x80
}

func isNameByte(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == ':'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isAllWS(b []byte) bool {
	for _, c := range b {
		if !isSpace(c) {
			return false
		}
	}
	return true
}

func trimWS(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}
