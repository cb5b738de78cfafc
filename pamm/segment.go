// Package pamm is the segment (mmap) allocator: it maps a file as a
// segment, tracks named sub-regions ("headers") in an on-disk directory,
// and hands out page-granularity matoms to the pools layered on top of it
// (pafixed, paarb, paistr, papat, pabitmap) — spec.md §4.1.
package pamm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"parrotdb/palog"
)

const (
	// PageSize is the page granularity for Matom allocation. Matches
	// the teacher's bpager.PageSize.
	PageSize = 4096

	// MaxHeaderName is the maximum length of a header name, NUL
	// terminated (spec.md §6: "bounded by an implementation-chosen
	// maximum (source uses 32)").
	MaxHeaderName = 32

	// Magic identifies a ParrotDB segment file.
	Magic uint32 = 0x50415244 // "PARD"

	// Version is the on-disk format version understood by this build.
	Version uint8 = 1

	// byteOrderMarker records the endianness used to write this
	// segment. We always write little-endian; cross-machine portability
	// of a different-endian segment is explicitly out of scope
	// (spec.md §1 Non-goals).
	byteOrderMarker uint8 = 1
)

// HeaderType enumerates the kinds of regions a segment's directory can
// describe (spec.md §3).
type HeaderType uint8

const (
	TypeUnknown HeaderType = iota
	TypeSegment
	TypeFixed
	TypeArb
	TypeIstr
	TypePat
	TypeTree
	TypeBitmap
	TypeOpaque
)

// HeaderFlags are per-header flags stored in the directory entry.
type HeaderFlags uint8

const (
	// FlagInitZero asks the owning pool to zero newly mapped pages
	// before first use (spec.md §3 invariant (d)).
	FlagInitZero HeaderFlags = 1 << 0
)

// segHeaderSize is the fixed, on-disk size of the segment's own preamble:
// magic, version, byte-order marker, reserved bytes, page count (uint64
// at offset 8), directory head matom (offset 16), spare bytes.
const segHeaderSize = 4 + 1 + 1 + 2 + 8 + 4 + 4 // 24 bytes

// dirEntrySize is the on-disk size of one directory record.
const dirEntrySize = MaxHeaderName + 1 + 1 + 2 + 4 + 4 // 44 bytes

// dirPageHeaderSize is the per-directory-page preamble: next-page matom
// and used-entry count.
const dirPageHeaderSize = 4 + 4

// entriesPerDirPage is how many directory records fit after a directory
// page's own header.
const entriesPerDirPage = (PageSize - dirPageHeaderSize) / dirEntrySize

// dirEntry mirrors one on-disk directory record.
type dirEntry struct {
	name   [MaxHeaderName]byte
	typ    HeaderType
	flags  HeaderFlags
	matom  Matom
	length uint32
}

// Segment is a file mapped into memory as a sequence of fixed-size pages,
// with a small in-segment directory mapping header names to
// (type, matom, length) entries (spec.md §3/§4.1).
type Segment struct {
	mu sync.RWMutex

	mm   *mmapRegion
	path string

	pageCount   uint32 // total pages allocated, including directory pages
	dirHead     Matom  // first directory page
	dirPageCnt  uint32
	warn        palog.WarningFunc
	sessionID   uuid.UUID
	nameIndex   map[uint64][]nameIndexEntry // xxhash(name) -> candidates
}

type nameIndexEntry struct {
	dirPage Matom
	slot    int
	entry   dirEntry
}

// Option configures Segment.Open.
type Option func(*Segment)

// WithWarningFunc overrides the segment's out-of-band diagnostic hook.
func WithWarningFunc(fn palog.WarningFunc) Option {
	return func(s *Segment) { s.warn = fn }
}

// Open opens or creates a segment file. If the file already carries a
// valid ParrotDB directory, it is reused as-is; otherwise a fresh
// directory is initialized (spec.md §4.1 "open").
func Open(path string, opts ...Option) (*Segment, error) {
	mm, err := mmapOpen(path, PageSize)
	if err != nil {
		return nil, err
	}

	s := &Segment{
		mm:        mm,
		path:      path,
		warn:      palog.Default,
		sessionID: uuid.New(),
		nameIndex: make(map[uint64][]nameIndexEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadOrInit(); err != nil {
		mm.Close()
		return nil, err
	}

	palog.Logger().Debug("segment opened",
		zap.String("path", path),
		zap.String("session", s.sessionID.String()),
		zap.Uint32("pages", s.pageCount))

	return s, nil
}

func (s *Segment) loadOrInit() error {
	buf := s.mm.Slice(0, segHeaderSize)
	magic := binary.LittleEndian.Uint32(buf[0:4])

	if magic == 0 {
		return s.initFresh()
	}
	if magic != Magic {
		return fmt.Errorf("%w: bad magic in %s", ErrIO, s.path)
	}
	version := buf[4]
	if version != Version {
		return fmt.Errorf("%w: unsupported version %d in %s", ErrIO, version, s.path)
	}

	s.pageCount = uint32(binary.LittleEndian.Uint64(buf[8:16]))
	s.dirHead = Matom(binary.LittleEndian.Uint32(buf[16:20]))

	return s.reindexDirectory()
}

func (s *Segment) initFresh() error {
	// Page 0 is the segment header plus the first directory page body.
	s.pageCount = 1
	s.dirHead = Matom(0)
	s.dirPageCnt = 1
	s.writeDirPageHeader(s.dirHead, Matom(0), 0)
	return s.writeSegmentHeader()
}

func (s *Segment) writeSegmentHeader() error {
	buf := s.mm.Slice(0, segHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byteOrderMarker
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.pageCount))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(s.dirHead))
	return nil
}

func (s *Segment) pageOffset(m Matom) int64 {
	return int64(m) * PageSize
}

func (s *Segment) dirPageSlice(m Matom) []byte {
	if m == 0 {
		// Page 0 opens with the segment preamble; its directory page
		// body starts right after it.
		return s.mm.Slice(segHeaderSize, PageSize-segHeaderSize)
	}
	return s.mm.Slice(s.pageOffset(m), PageSize)
}

func (s *Segment) writeDirPageHeader(page, next Matom, count uint32) {
	buf := s.dirPageSlice(page)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(next))
	binary.LittleEndian.PutUint32(buf[4:8], count)
}

func (s *Segment) readDirPageHeader(page Matom) (next Matom, count uint32) {
	buf := s.dirPageSlice(page)
	next = Matom(binary.LittleEndian.Uint32(buf[0:4]))
	count = binary.LittleEndian.Uint32(buf[4:8])
	return
}

func (s *Segment) entrySlice(page Matom, slot int) []byte {
	off := dirPageHeaderSize + slot*dirEntrySize
	buf := s.dirPageSlice(page)
	return buf[off : off+dirEntrySize]
}

func encodeEntry(buf []byte, e dirEntry) {
	copy(buf[0:MaxHeaderName], e.name[:])
	buf[MaxHeaderName] = byte(e.typ)
	buf[MaxHeaderName+1] = byte(e.flags)
	binary.LittleEndian.PutUint32(buf[MaxHeaderName+4:MaxHeaderName+8], uint32(e.matom))
	binary.LittleEndian.PutUint32(buf[MaxHeaderName+8:MaxHeaderName+12], e.length)
}

func decodeEntry(buf []byte) dirEntry {
	var e dirEntry
	copy(e.name[:], buf[0:MaxHeaderName])
	e.typ = HeaderType(buf[MaxHeaderName])
	e.flags = HeaderFlags(buf[MaxHeaderName+1])
	e.matom = Matom(binary.LittleEndian.Uint32(buf[MaxHeaderName+4 : MaxHeaderName+8]))
	e.length = binary.LittleEndian.Uint32(buf[MaxHeaderName+8 : MaxHeaderName+12])
	return e
}

func nameToBytes(name string) ([MaxHeaderName]byte, error) {
	var out [MaxHeaderName]byte
	if len(name)+1 > MaxHeaderName {
		return out, ErrNameTooLong
	}
	copy(out[:], name)
	return out, nil
}

func (s *Segment) reindexDirectory() error {
	s.nameIndex = make(map[uint64][]nameIndexEntry)
	s.dirPageCnt = 0

	page := s.dirHead
	for {
		s.dirPageCnt++
		next, count := s.readDirPageHeader(page)
		for slot := 0; slot < int(count); slot++ {
			e := decodeEntry(s.entrySlice(page, slot))
			if e.typ == TypeUnknown {
				continue
			}
			key := hashName(e.name)
			s.nameIndex[key] = append(s.nameIndex[key], nameIndexEntry{dirPage: page, slot: slot, entry: e})
		}
		if next.IsNull() {
			break
		}
		page = next
	}
	return nil
}

func hashName(name [MaxHeaderName]byte) uint64 {
	end := 0
	for end < len(name) && name[end] != 0 {
		end++
	}
	return xxhash.Sum64(name[:end])
}

func (s *Segment) lookupName(nameBytes [MaxHeaderName]byte) (nameIndexEntry, bool) {
	key := hashName(nameBytes)
	for _, cand := range s.nameIndex[key] {
		if cand.entry.name == nameBytes {
			return cand, true
		}
	}
	return nameIndexEntry{}, false
}

// Header looks up a named region, creating it if absent. It fails with
// ErrShape if a record with that name exists but differs in type or
// declared size (spec.md §4.1).
func (s *Segment) Header(name string, typ HeaderType, flags HeaderFlags, size uint32) (Matom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nameBytes, err := nameToBytes(name)
	if err != nil {
		return NullMatom, err
	}

	if existing, ok := s.lookupName(nameBytes); ok {
		if existing.entry.typ != typ || existing.entry.length != size {
			return NullMatom, fmt.Errorf("%w: header %q", ErrShape, name)
		}
		return existing.entry.matom, nil
	}

	pages := (size + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	matom, err := s.allocPagesLocked(pages)
	if err != nil {
		return NullMatom, err
	}

	entry := dirEntry{name: nameBytes, typ: typ, flags: flags, matom: matom, length: size}
	if err := s.appendDirEntry(entry); err != nil {
		return NullMatom, err
	}

	return matom, nil
}

func (s *Segment) appendDirEntry(e dirEntry) error {
	page := s.dirHead
	var last Matom
	for {
		next, count := s.readDirPageHeader(page)
		if int(count) < entriesPerDirPage {
			encodeEntry(s.entrySlice(page, int(count)), e)
			s.writeDirPageHeader(page, next, count+1)
			key := hashName(e.name)
			s.nameIndex[key] = append(s.nameIndex[key], nameIndexEntry{dirPage: page, slot: int(count), entry: e})
			return nil
		}
		if next.IsNull() {
			last = page
			break
		}
		page = next
	}

	// Directory exhausted: link a fresh page (spec.md §5 "Header
	// directory growth" supplement).
	newPage, err := s.allocPagesLocked(1)
	if err != nil {
		return fmt.Errorf("%w: growing directory: %v", ErrDirectoryFull, err)
	}
	s.writeDirPageHeader(newPage, NullMatom, 0)
	_, count := s.readDirPageHeader(last)
	s.writeDirPageHeader(last, newPage, count)
	s.dirPageCnt++

	encodeEntry(s.entrySlice(newPage, 0), e)
	s.writeDirPageHeader(newPage, NullMatom, 1)
	key := hashName(e.name)
	s.nameIndex[key] = append(s.nameIndex[key], nameIndexEntry{dirPage: newPage, slot: 0, entry: e})
	return nil
}

// AllocPages bump-allocates n contiguous pages and returns the matom of
// the first one (spec.md §4.1).
func (s *Segment) AllocPages(n uint32) (Matom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocPagesLocked(n)
}

func (s *Segment) allocPagesLocked(n uint32) (Matom, error) {
	if n == 0 {
		n = 1
	}

	first := Matom(s.pageCount)
	required := int64(s.pageCount+n) * PageSize
	if required > s.mm.Size() {
		newSize := s.mm.Size()
		if newSize == 0 {
			newSize = PageSize
		}
		for newSize < required {
			newSize *= 2
		}
		if err := s.mm.Grow(newSize); err != nil {
			return NullMatom, err
		}
	}

	s.pageCount += n
	if err := s.writeSegmentHeader(); err != nil {
		return NullMatom, err
	}
	return first, nil
}

// PageAddr returns the live byte slice for the page at matom m, or nil
// if m is out of range.
func (s *Segment) PageAddr(m Matom) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if uint32(m) >= s.pageCount {
		return nil
	}
	return s.mm.Slice(s.pageOffset(m), PageSize)
}

// Bytes returns a window of raw bytes starting at the given matom,
// spanning length bytes (used by pools whose header regions aren't an
// exact multiple of PageSize).
func (s *Segment) Bytes(m Matom, length uint32) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mm.Slice(s.pageOffset(m), int64(length))
}

// Checkpoint flushes the segment header and msyncs the mapping.
func (s *Segment) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeSegmentHeader(); err != nil {
		return err
	}
	return s.mm.Sync()
}

// Close flushes dirty pages and unmaps the segment.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeSegmentHeader(); err != nil {
		s.mm.Close()
		return err
	}
	return s.mm.Close()
}

// Warn routes a diagnostic through the segment's warning hook.
func (s *Segment) Warn(kind palog.ErrorKind, msg string) {
	if s.warn != nil {
		s.warn(kind, msg)
	}
}

// PageCount returns the total number of pages currently allocated.
func (s *Segment) PageCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pageCount
}

// SessionID returns the per-open correlation id used in log fields.
func (s *Segment) SessionID() uuid.UUID {
	return s.sessionID
}
