package pamm

// Atom is a 32-bit index into some pool. The value 0 is reserved as null;
// atoms are never pointers and remain valid across unmap/remap provided
// the owning pool is reopened with the same shape (spec.md §3).
type Atom uint32

// NullAtom is the reserved null value.
const NullAtom Atom = 0

// IsNull reports whether a is the null atom.
func (a Atom) IsNull() bool { return a == NullAtom }

// Matom is an atom of the segment allocator itself: a page-granularity
// index. Matom and Atom share representation but are kept as distinct
// types so a matom can never be silently used where a pool atom is
// expected (spec.md §3, "To distinguish... we call the former matoms").
type Matom uint32

// NullMatom is the reserved null matom.
const NullMatom Matom = 0

// IsNull reports whether m is the null matom.
func (m Matom) IsNull() bool { return m == NullMatom }
