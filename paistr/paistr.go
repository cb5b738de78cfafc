// Package paistr implements the immutable string table of spec.md §4.5:
// content-addressed, deduplicated byte strings. Every distinct string
// value maps to exactly one atom for the lifetime of the segment; two
// Intern calls with equal bytes always return the same atom.
//
// Short strings never touch the backing pool at all: the empty string
// and every single-byte string are encoded directly into the atom value
// (a "1+byte" addressing scheme), since storing and deduplicating a
// one-byte payload through a trie would cost more than the value itself.
// Longer strings are deduplicated through a papat.Trie keyed on their
// bytes and stored in a paarb.Pool; a ristretto cache sits in front of
// that trie lookup for hot strings.
package paistr

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"parrotdb/paarb"
	"parrotdb/pamm"
	"parrotdb/papat"
)

// EmptyAtom is the reserved atom for the zero-length string. It falls out
// of the same "1+byte" formula single-byte strings use, for the implicit
// byte 0 of an empty string (spec.md §4.3; original_source/parrotdb/
// pacommon.h's pa_short_string_atom macro: PA_SHORT_STRINGS_MIN + *string,
// PA_SHORT_STRINGS_MIN == 1).
const EmptyAtom = pamm.Atom(1)

// singleByteBase is the base atom one-byte strings are offset from: atom
// singleByteBase+b holds the string consisting solely of byte b, so
// Intern([]byte{b}) == 1+b for every b (spec.md §8's universal invariant).
// It shares EmptyAtom's value by construction: atom 1 is both the empty
// string and the one-byte string holding 0x00, matching the original's
// single short-string addressing scheme rather than two disjoint ranges.
const singleByteBase = pamm.Atom(1)

// singleByteLimit is one past the last atom reserved for short strings;
// any atom at or above this value addresses the paarb-backed table.
const singleByteLimit = singleByteBase + 256

// lengthPrefixSize precedes every long string's bytes in the paarb pool.
const lengthPrefixSize = 2

// Table is a deduplicated, atom-addressed string table.
type Table struct {
	pool  *paarb.Pool
	trie  *papat.Trie
	cache *ristretto.Cache[string, pamm.Atom]
}

// Open opens or creates a string table named name within seg.
func Open(seg *pamm.Segment, name string, maxStrings uint32) (*Table, error) {
	pool, err := paarb.Open(seg, name+".bytes")
	if err != nil {
		return nil, fmt.Errorf("paistr: open %q: %w", name, err)
	}

	t := &Table{pool: pool}

	trie, err := papat.Open(seg, name+".pat", maxStrings, 0, t.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("paistr: open %q trie: %w", name, err)
	}
	t.trie = trie

	cache, err := ristretto.NewCache(&ristretto.Config[string, pamm.Atom]{
		NumCounters: 100000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("paistr: open %q cache: %w", name, err)
	}
	t.cache = cache

	return t, nil
}

// keyFunc is papat's KeyFunc: the trie never stores strings of its own,
// it only ever dereferences a paarb atom back to the bytes already
// living in the pool, including the NUL stored after them.
func (t *Table) keyFunc(atom pamm.Atom) []byte {
	b := t.longBytes(atom)
	if b == nil {
		return nil
	}
	return b[:len(b)+1]
}

func (t *Table) longBytes(atom pamm.Atom) []byte {
	buf := t.pool.Addr(atom)
	if buf == nil {
		return nil
	}
	n := binary.LittleEndian.Uint16(buf[0:lengthPrefixSize])
	return buf[lengthPrefixSize : lengthPrefixSize+int(n)]
}

// Intern returns the atom for s, allocating and deduplicating storage
// for it on first use. Intern never copies s past the point the bytes
// are written into the pool.
func (t *Table) Intern(s []byte) (pamm.Atom, error) {
	switch len(s) {
	case 0:
		return EmptyAtom, nil
	case 1:
		return singleByteBase + pamm.Atom(s[0]), nil
	}

	key := string(s)
	if atom, ok := t.cache.Get(key); ok {
		return atom, nil
	}

	// Trie keys end in a NUL so that no key is a proper prefix of
	// another ("save" and "save-simple" can both be indexed).
	trieKey := make([]byte, len(s)+1)
	copy(trieKey, s)
	if atom := t.trie.Get(trieKey); !atom.IsNull() {
		t.cache.Set(key, atom, int64(len(s)))
		return atom, nil
	}

	atom, err := t.pool.Alloc(uint32(lengthPrefixSize + len(trieKey)))
	if err != nil {
		return pamm.NullAtom, fmt.Errorf("paistr: alloc %d bytes: %w", len(s), err)
	}
	buf := t.pool.Addr(atom)
	binary.LittleEndian.PutUint16(buf[0:lengthPrefixSize], uint16(len(s)))
	copy(buf[lengthPrefixSize:], trieKey)

	if err := t.trie.Add(atom); err != nil {
		// Another interner raced us to the same string between our Get
		// and Add; fall back to whichever atom won.
		if err == papat.ErrDup {
			t.pool.Free(atom)
			winner := t.trie.Get(trieKey)
			t.cache.Set(key, winner, int64(len(s)))
			return winner, nil
		}
		return pamm.NullAtom, fmt.Errorf("paistr: index %q: %w", key, err)
	}

	t.cache.Set(key, atom, int64(len(s)))
	return atom, nil
}

// Bytes returns the string bytes addressed by atom, or nil for the null
// atom. The returned slice aliases the backing pool for long strings and
// must not be retained past the next Intern/Free affecting that atom.
func (t *Table) Bytes(atom pamm.Atom) []byte {
	switch {
	case atom == pamm.NullAtom:
		return nil
	case atom == EmptyAtom:
		return []byte{}
	case atom > singleByteBase && atom < singleByteLimit:
		return []byte{byte(atom - singleByteBase)}
	default:
		return t.longBytes(atom)
	}
}

// Release drops a long string's backing storage, trie entry and cache
// entry. It is a no-op for short-string atoms, which own no storage to
// release.
func (t *Table) Release(atom pamm.Atom) error {
	if atom < singleByteLimit {
		return nil
	}
	if err := t.trie.Delete(atom); err != nil {
		return fmt.Errorf("paistr: release: %w", err)
	}
	t.cache.Del(string(t.longBytes(atom)))
	t.pool.Free(atom)
	return nil
}
