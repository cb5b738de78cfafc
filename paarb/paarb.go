// Package paarb implements the arbitrary (variable-size) pool of
// spec.md §4.3: power-of-two size-classed free lists over a segment,
// where each allocation carries a small header recording its class so
// Free is O(1). The per-class free list reuses the same
// "stash-the-next-pointer-in-the-freed-bytes" trick as the teacher's
// bpager.FreePage (bpager.go) and ranhaoliuLeo-bottle's bfreelist
// page-id bookkeeping, generalized from whole pages to byte ranges.
package paarb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"parrotdb/pamm"
)

const (
	minClassShift = 4  // smallest allocation: 16 bytes
	maxClassShift = 13 // largest allocation: 8192 bytes
	numClasses    = maxClassShift - minClassShift + 1

	// allocHeaderSize precedes every allocation: 1 byte size-class +
	// 3 bytes reserved, so user data stays 4-byte aligned.
	allocHeaderSize = 4

	infoHeaderSize = 4 + numClasses*4 // page-count + one free-head atom per class
)

// Pool is a size-classed variable allocation pool over a segment.
type Pool struct {
	mu sync.Mutex

	seg       *pamm.Segment
	infoMatom pamm.Matom
	pageShift uint8 // class-0 (16-byte) slots per page granularity
}

// Open opens or creates an arbitrary pool named name within seg.
func Open(seg *pamm.Segment, name string) (*Pool, error) {
	matom, err := seg.Header(name, pamm.TypeArb, 0, infoHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("paarb: open %q: %w", name, err)
	}
	return &Pool{seg: seg, infoMatom: matom}, nil
}

func (p *Pool) infoBuf() []byte {
	return p.seg.Bytes(p.infoMatom, infoHeaderSize)
}

func (p *Pool) pageCount() uint32 {
	return binary.LittleEndian.Uint32(p.infoBuf()[0:4])
}

func (p *Pool) setPageCount(n uint32) {
	binary.LittleEndian.PutUint32(p.infoBuf()[0:4], n)
}

// classFreeHead/setClassFreeHead store a packed (matom, offset) atom
// key, not a segment matom; the field is 32 bits wide either way.
func (p *Pool) classFreeHead(class int) pamm.Atom {
	off := 4 + class*4
	return pamm.Atom(binary.LittleEndian.Uint32(p.infoBuf()[off : off+4]))
}

func (p *Pool) setClassFreeHead(class int, a pamm.Atom) {
	off := 4 + class*4
	binary.LittleEndian.PutUint32(p.infoBuf()[off:off+4], uint32(a))
}

func sizeClass(size uint32) (int, uint32, error) {
	need := size + allocHeaderSize
	shift := minClassShift
	for (uint32(1) << shift) < need {
		shift++
		if shift > maxClassShift {
			return 0, 0, fmt.Errorf("paarb: allocation of %d bytes exceeds max class", size)
		}
	}
	return shift - minClassShift, uint32(1) << shift, nil
}

// packAtom packs a (matom, byte-offset-within-page) pair into a single
// pamm.Atom: the low arbPageShift bits are the byte offset within the
// page, the remainder is the page's matom. This keeps Atom 32 bits wide without a
// separate lookup table, matching the spirit of spec.md §3's "page table
// + in-page offset" addressing scheme.
// arbPageShift bits of offset leaves 32-arbPageShift bits for the matom,
// capping a segment's arb-pool-bearing region at 2^20 pages (~4GB).
const arbPageShift = 12

func packAtom(matom pamm.Matom, offset uint32) pamm.Atom {
	return pamm.Atom((uint32(matom) << arbPageShift) | offset)
}

func unpackAtom(a pamm.Atom) (pamm.Matom, uint32) {
	mask := uint32(1)<<arbPageShift - 1
	return pamm.Matom(uint32(a) >> arbPageShift), uint32(a) & mask
}

// Alloc reserves size bytes and returns an atom addressing them.
func (p *Pool) Alloc(size uint32) (pamm.Atom, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	class, classSize, err := sizeClass(size)
	if err != nil {
		return pamm.NullAtom, err
	}

	if p.classFreeHead(class) == pamm.NullAtom {
		if err := p.growClass(class, classSize); err != nil {
			return pamm.NullAtom, err
		}
	}

	head := p.classFreeHead(class)
	if head == pamm.NullAtom {
		return pamm.NullAtom, pamm.ErrFull
	}

	matom, offset := unpackAtom(head)
	page := p.seg.PageAddr(matom)
	next := binary.LittleEndian.Uint32(page[offset : offset+4])
	p.setClassFreeHead(class, pamm.Atom(next))

	page[offset] = byte(class)
	return packAtom(matom, offset+allocHeaderSize), nil
}

// growClass allocates a fresh mmap page and slices it into classSize
// chunks, chaining them into the class's free list.
func (p *Pool) growClass(class int, classSize uint32) error {
	matom, err := p.seg.AllocPages(1)
	if err != nil {
		return err
	}
	p.setPageCount(p.pageCount() + 1)

	page := p.seg.PageAddr(matom)
	slots := uint32(len(page)) / classSize

	var head pamm.Atom
	for i := slots; i > 0; i-- {
		offset := (i - 1) * classSize
		binary.LittleEndian.PutUint32(page[offset:offset+4], uint32(head))
		head = packAtom(matom, offset)
	}
	p.setClassFreeHead(class, head)
	return nil
}

// Free releases the allocation at atom.
func (p *Pool) Free(atom pamm.Atom) {
	p.mu.Lock()
	defer p.mu.Unlock()

	matom, offset := unpackAtom(atom)
	if offset < allocHeaderSize {
		return
	}
	headerOffset := offset - allocHeaderSize
	page := p.seg.PageAddr(matom)
	if page == nil {
		return
	}
	class := int(page[headerOffset])

	head := p.classFreeHead(class)
	binary.LittleEndian.PutUint32(page[headerOffset:headerOffset+4], uint32(head))
	p.setClassFreeHead(class, packAtom(matom, headerOffset))
}

// Addr returns the live byte slice for atom, sized to its size class
// (minus the allocation header), or nil if atom is invalid.
func (p *Pool) Addr(atom pamm.Atom) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	matom, offset := unpackAtom(atom)
	if offset < allocHeaderSize {
		return nil
	}
	page := p.seg.PageAddr(matom)
	if page == nil {
		return nil
	}
	headerOffset := offset - allocHeaderSize
	class := int(page[headerOffset])
	if class < 0 || class >= numClasses {
		return nil
	}
	classSize := uint32(1) << (minClassShift + class)
	end := headerOffset + classSize
	if end > uint32(len(page)) {
		end = uint32(len(page))
	}
	return page[offset:end]
}
