// Package pabitmap implements the bitmap pool of spec.md §4.7:
// atom-addressed, variable-size bitmaps that grow in fixed-size strides
// as bits beyond their current capacity are set. The caller-visible atom
// is a small fixed descriptor (storage atom + byte capacity); the
// storage itself lives in a paarb.Pool and is reallocated wholesale
// whenever it must grow: a larger allocation, a copy of the old bits,
// then a free of the old storage.
package pabitmap

import (
	"encoding/binary"
	"fmt"

	"parrotdb/paarb"
	"parrotdb/pafixed"
	"parrotdb/pamm"
)

// stride is the byte-granularity bitmaps grow by; a fresh or growing
// bitmap always rounds its storage up to a multiple of stride.
const stride = 64

const descriptorSize = 4 + 4 // storage atom + byte capacity

// Pool manages a collection of independently-sized bitmaps.
type Pool struct {
	seg         *pamm.Segment
	descriptors *pafixed.Pool
	storage     *paarb.Pool
}

// Open opens or creates a bitmap pool named name within seg.
func Open(seg *pamm.Segment, name string, maxBitmaps uint32) (*Pool, error) {
	descriptors, err := pafixed.Open(seg, name+".desc", 6, descriptorSize, maxBitmaps, pafixed.InitZero)
	if err != nil {
		return nil, fmt.Errorf("pabitmap: open %q descriptors: %w", name, err)
	}
	storage, err := paarb.Open(seg, name+".bits")
	if err != nil {
		return nil, fmt.Errorf("pabitmap: open %q storage: %w", name, err)
	}
	return &Pool{seg: seg, descriptors: descriptors, storage: storage}, nil
}

func roundUpStride(bytes uint32) uint32 {
	return ((bytes + stride - 1) / stride) * stride
}

func (p *Pool) descriptor(atom pamm.Atom) (storageAtom pamm.Atom, byteCap uint32) {
	buf := p.descriptors.Addr(atom)
	storageAtom = pamm.Atom(binary.LittleEndian.Uint32(buf[0:4]))
	byteCap = binary.LittleEndian.Uint32(buf[4:8])
	return
}

func (p *Pool) setDescriptor(atom, storageAtom pamm.Atom, byteCap uint32) {
	buf := p.descriptors.Addr(atom)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(storageAtom))
	binary.LittleEndian.PutUint32(buf[4:8], byteCap)
}

// New allocates a bitmap with room for at least initialBits bits, all
// initially clear, and returns its atom.
func New(p *Pool, initialBits uint32) (pamm.Atom, error) {
	atom, err := p.descriptors.Alloc()
	if err != nil {
		return pamm.NullAtom, err
	}

	byteCap := roundUpStride((initialBits + 7) / 8)
	if byteCap == 0 {
		byteCap = stride
	}
	storageAtom, err := p.storage.Alloc(byteCap)
	if err != nil {
		p.descriptors.Free(atom)
		return pamm.NullAtom, err
	}
	buf := p.storage.Addr(storageAtom)
	for i := range buf {
		buf[i] = 0
	}

	p.setDescriptor(atom, storageAtom, byteCap)
	return atom, nil
}

// Alloc allocates a fresh, all-clear bitmap with no initial capacity
// beyond one stride. It is a convenience wrapper around New for callers
// that don't know an expected bit count up front.
func Alloc(p *Pool) (pamm.Atom, error) {
	return New(p, 0)
}

// Free releases bitmap's storage and descriptor.
func (p *Pool) Free(bitmap pamm.Atom) {
	storageAtom, _ := p.descriptor(bitmap)
	if !storageAtom.IsNull() {
		p.storage.Free(storageAtom)
	}
	p.descriptors.Free(bitmap)
}

// Test reports whether bit is set in bitmap. Bits beyond the bitmap's
// current capacity are always clear.
func (p *Pool) Test(bitmap pamm.Atom, bit uint32) bool {
	storageAtom, byteCap := p.descriptor(bitmap)
	byteIdx := bit / 8
	if byteIdx >= byteCap {
		return false
	}
	buf := p.storage.Addr(storageAtom)
	return buf[byteIdx]&(1<<(bit%8)) != 0
}

// Set sets bit in bitmap, growing its storage by whole strides first if
// bit falls beyond the current capacity.
func (p *Pool) Set(bitmap pamm.Atom, bit uint32) error {
	storageAtom, byteCap := p.descriptor(bitmap)
	byteIdx := bit / 8
	if byteIdx >= byteCap {
		newCap := roundUpStride(byteIdx + 1)
		newStorageAtom, err := p.storage.Alloc(newCap)
		if err != nil {
			return fmt.Errorf("pabitmap: grow to %d bytes: %w", newCap, err)
		}
		newBuf := p.storage.Addr(newStorageAtom)
		for i := range newBuf {
			newBuf[i] = 0
		}
		if !storageAtom.IsNull() {
			copy(newBuf, p.storage.Addr(storageAtom))
			p.storage.Free(storageAtom)
		}
		storageAtom, byteCap = newStorageAtom, newCap
		p.setDescriptor(bitmap, storageAtom, byteCap)
	}

	buf := p.storage.Addr(storageAtom)
	buf[byteIdx] |= 1 << (bit % 8)
	return nil
}

// Clear clears bit in bitmap. Clearing a bit beyond the current capacity
// is a no-op, since such bits already read as clear.
func (p *Pool) Clear(bitmap pamm.Atom, bit uint32) {
	storageAtom, byteCap := p.descriptor(bitmap)
	byteIdx := bit / 8
	if byteIdx >= byteCap {
		return
	}
	buf := p.storage.Addr(storageAtom)
	buf[byteIdx] &^= 1 << (bit % 8)
}

// Len returns the bitmap's current capacity in bits.
func (p *Pool) Len(bitmap pamm.Atom) uint32 {
	_, byteCap := p.descriptor(bitmap)
	return byteCap * 8
}
