// Package pafixed implements the fixed-size paged pool of spec.md §4.2:
// a header plus a paged array of same-size records, addressed by 32-bit
// atom rather than pointer. Free records are threaded through the record
// bytes themselves as an intrusive singly-linked list, the same trick the
// teacher's bpager.FreePage uses for whole pages (bpager.go), generalized
// here from page granularity to record granularity.
package pafixed

import (
	"encoding/binary"
	"fmt"
	"sync"

	"parrotdb/pamm"
)

const infoHeaderSize = 24

// Pool is a paged allocator for fixed-size records.
type Pool struct {
	mu sync.Mutex

	seg        *pamm.Segment
	name       string
	infoMatom  pamm.Matom
	recordSize uint32
	pageShift  uint8
	maxAtoms   uint32
	flags      Flags
	maxPages   uint32
}

// Flags mirror spec.md §3's fixed-pool flags.
type Flags uint8

const (
	// InitZero causes newly mapped pages to be zeroed before first use.
	InitZero Flags = 1 << 0
)

// Open opens or creates a fixed pool named name within seg. On first open
// the shape (record size, page shift, max atoms) is written into the
// pool's header; reopening with a different shape fails with
// pamm.ErrShape (spec.md §4.2).
func Open(seg *pamm.Segment, name string, pageShift uint8, recordSize uint32, maxAtoms uint32, flags Flags) (*Pool, error) {
	if recordSize < 4 {
		// The free-list link occupies the first 4 bytes of a free
		// record; a record must be able to hold it.
		recordSize = 4
	}

	recordsPerPage := uint32(1) << pageShift
	maxPages := (maxAtoms + recordsPerPage - 1) / recordsPerPage
	if maxPages == 0 {
		maxPages = 1
	}
	infoSize := infoHeaderSize + maxPages*4

	matom, err := seg.Header(name, pamm.TypeFixed, pamm.HeaderFlags(flags), infoSize)
	if err != nil {
		return nil, fmt.Errorf("pafixed: open %q: %w", name, err)
	}

	p := &Pool{
		seg:        seg,
		name:       name,
		infoMatom:  matom,
		recordSize: recordSize,
		pageShift:  pageShift,
		maxAtoms:   maxAtoms,
		flags:      flags,
		maxPages:   maxPages,
	}

	buf := seg.Bytes(matom, infoSize)
	if binary.LittleEndian.Uint32(buf[0:4]) == 0 {
		binary.LittleEndian.PutUint32(buf[0:4], recordSize)
		buf[4] = pageShift
		buf[5] = byte(flags)
		binary.LittleEndian.PutUint32(buf[8:12], maxAtoms)
		binary.LittleEndian.PutUint32(buf[12:16], 0) // free head
		binary.LittleEndian.PutUint32(buf[16:20], 0) // page count
	} else {
		gotSize := binary.LittleEndian.Uint32(buf[0:4])
		gotShift := buf[4]
		gotMax := binary.LittleEndian.Uint32(buf[8:12])
		if gotSize != recordSize || gotShift != pageShift || gotMax != maxAtoms {
			return nil, fmt.Errorf("pafixed: open %q: %w", name, pamm.ErrShape)
		}
	}

	return p, nil
}

func (p *Pool) infoBuf() []byte {
	infoSize := infoHeaderSize + p.maxPages*4
	return p.seg.Bytes(p.infoMatom, infoSize)
}

func (p *Pool) freeHead() pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(p.infoBuf()[12:16]))
}

func (p *Pool) setFreeHead(a pamm.Atom) {
	binary.LittleEndian.PutUint32(p.infoBuf()[12:16], uint32(a))
}

func (p *Pool) pageCount() uint32 {
	return binary.LittleEndian.Uint32(p.infoBuf()[16:20])
}

func (p *Pool) setPageCount(n uint32) {
	binary.LittleEndian.PutUint32(p.infoBuf()[16:20], n)
}

func (p *Pool) pageTableSlot(idx uint32) []byte {
	off := infoHeaderSize + idx*4
	buf := p.infoBuf()
	return buf[off : off+4]
}

func (p *Pool) pageMatom(idx uint32) pamm.Matom {
	return pamm.Matom(binary.LittleEndian.Uint32(p.pageTableSlot(idx)))
}

func (p *Pool) setPageMatom(idx uint32, m pamm.Matom) {
	binary.LittleEndian.PutUint32(p.pageTableSlot(idx), uint32(m))
}

func (p *Pool) recordsPerPage() uint32 {
	return uint32(1) << p.pageShift
}

// Alloc returns the head of the free-list, detaching it. On an empty
// free-list a new page is allocated (zeroed if InitZero is set) and its
// records chained (spec.md §4.2).
func (p *Pool) Alloc() (pamm.Atom, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeHead() == pamm.NullAtom {
		if err := p.growPage(); err != nil {
			return pamm.NullAtom, err
		}
	}

	atom := p.freeHead()
	if atom == pamm.NullAtom {
		return pamm.NullAtom, pamm.ErrFull
	}

	rec := p.addrLocked(atom)
	next := pamm.Atom(binary.LittleEndian.Uint32(rec[0:4]))
	p.setFreeHead(next)

	return atom, nil
}

func (p *Pool) growPage() error {
	rpp := p.recordsPerPage()
	pageIdx := p.pageCount()
	firstAtom := pageIdx * rpp
	if pageIdx >= p.maxPages || firstAtom >= p.maxAtoms {
		return pamm.ErrFull
	}

	matom, err := p.seg.AllocPages(1)
	if err != nil {
		return err
	}
	p.setPageMatom(pageIdx, matom)
	p.setPageCount(pageIdx + 1)

	page := p.seg.PageAddr(matom)
	if p.flags&InitZero != 0 {
		for i := range page {
			page[i] = 0
		}
	}

	// Thread the page's records into the free-list, skipping global
	// atom 0 (spec.md §3 invariant (b): atom 0 is never issued).
	lastAtomInPage := firstAtom + rpp
	if lastAtomInPage > p.maxAtoms {
		lastAtomInPage = p.maxAtoms
	}

	head := p.freeHead()
	for a := lastAtomInPage; a > firstAtom; a-- {
		atom := a - 1
		if atom == 0 {
			continue
		}
		rec := p.addrLocked(pamm.Atom(atom))
		binary.LittleEndian.PutUint32(rec[0:4], uint32(head))
		head = pamm.Atom(atom)
	}
	p.setFreeHead(head)
	return nil
}

// Free pushes atom onto the free-list head.
func (p *Pool) Free(atom pamm.Atom) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.addrLocked(atom)
	if rec == nil {
		return
	}
	binary.LittleEndian.PutUint32(rec[0:4], uint32(p.freeHead()))
	p.setFreeHead(atom)
}

// Addr returns a live pointer (byte slice) for atom via two-level
// indexing. Out-of-range atoms return nil rather than aborting; the
// free-list is never traversed (spec.md §4.2).
func (p *Pool) Addr(atom pamm.Atom) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addrLocked(atom)
}

func (p *Pool) addrLocked(atom pamm.Atom) []byte {
	if atom == pamm.NullAtom || uint32(atom) >= p.maxAtoms {
		return nil
	}
	rpp := p.recordsPerPage()
	pageIdx := uint32(atom) / rpp
	if pageIdx >= p.pageCount() {
		return nil
	}
	offset := uint32(atom) % rpp
	matom := p.pageMatom(pageIdx)
	page := p.seg.PageAddr(matom)
	if page == nil {
		return nil
	}
	start := offset * p.recordSize
	end := start + p.recordSize
	if end > uint32(len(page)) {
		return nil
	}
	return page[start:end]
}

// RecordSize returns the configured record size.
func (p *Pool) RecordSize() uint32 { return p.recordSize }

// MaxAtoms returns the configured atom ceiling.
func (p *Pool) MaxAtoms() uint32 { return p.maxAtoms }
