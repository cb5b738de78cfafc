// Package xitree implements the persistent XML node tree of spec.md §3
// ("XML node (external tree)"): a tree of atom-addressed nodes stored in
// a pafixed.Pool, with names and text content interned through paistr.
// This is the concrete type the rulebook driver and rule-script compiler
// in xi/xirules build against — save actions append nodes here in
// document order (spec.md §5 "Ordering guarantees").
package xitree

import (
	"encoding/binary"
	"fmt"

	"parrotdb/pafixed"
	"parrotdb/paistr"
	"parrotdb/pamm"
)

// NodeType classifies a tree node the way an XML token does (spec.md §4.6).
type NodeType uint8

const (
	TypeNone NodeType = iota
	TypeText
	TypeOpen
	TypeClose
	TypeEmpty
	TypePI
	TypeComment
	TypeAttribute
	TypeNamespace
)

func (t NodeType) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeOpen:
		return "open"
	case TypeClose:
		return "close"
	case TypeEmpty:
		return "empty"
	case TypePI:
		return "pi"
	case TypeComment:
		return "comment"
	case TypeAttribute:
		return "attribute"
	case TypeNamespace:
		return "namespace"
	default:
		return "none"
	}
}

// node record layout, fixed size, stored in a pafixed.Pool:
//
//	0:1   type
//	1:2   (pad)
//	2:4   depth (uint16)
//	4:8   name atom
//	8:12  namespace atom
//	12:16 parent atom
//	16:20 next-sibling atom (structural children: document-order sibling;
//	      attribute nodes: next attribute in their own chain, see below)
//	20:24 first-child atom (heads the structural child list only —
//	      text/element/PI/comment children, never attribute nodes)
//	24:28 last-child atom (moving tail pointer for O(1) AppendChild)
//	28:32 content atom: an immutable-string atom for text/attribute
//	      value content, OR — for open/empty element nodes, which never
//	      hold text of their own — the head of that element's own
//	      attribute chain (spec.md §3: "content atom ... or a
//	      child-list head for structured content"). Keeping attributes
//	      off the structural sibling/child chain means FirstChild/
//	      NextSibling traversal of an element's real children never
//	      observes its attribute nodes.
const nodeRecordSize = 32

// Tree is a persistent XML node tree. Names and text content are
// interned strings (paistr.Table); structure lives in a pafixed.Pool.
type Tree struct {
	nodes   *pafixed.Pool
	strings *paistr.Table
	root    pamm.Atom
}

// Open opens or creates a node tree named name within seg, backed by its
// own pafixed.Pool and an independent paistr.Table for names/content.
func Open(seg *pamm.Segment, name string, maxNodes uint32) (*Tree, error) {
	nodes, err := pafixed.Open(seg, name+".nodes", 7, nodeRecordSize, maxNodes, pafixed.InitZero)
	if err != nil {
		return nil, fmt.Errorf("xitree: open %q nodes: %w", name, err)
	}
	strings, err := paistr.Open(seg, name+".names", maxNodes)
	if err != nil {
		return nil, fmt.Errorf("xitree: open %q names: %w", name, err)
	}
	return &Tree{nodes: nodes, strings: strings}, nil
}

// Strings returns the table backing node names and text/attribute
// content, so callers (xi/xirules) can intern tag names and attribute
// values through the same table the tree itself uses.
func (t *Tree) Strings() *paistr.Table { return t.strings }

// Root returns the tree's root node atom, or pamm.NullAtom if no node
// has been created yet.
func (t *Tree) Root() pamm.Atom { return t.root }

func (t *Tree) rec(atom pamm.Atom) []byte {
	return t.nodes.Addr(atom)
}

// NewNode allocates a detached node of the given type and name atom. It
// is not linked into the tree until passed to AppendChild (or assigned
// as the tree's root, the first node created).
func (t *Tree) NewNode(typ NodeType, nameAtom pamm.Atom) (pamm.Atom, error) {
	atom, err := t.nodes.Alloc()
	if err != nil {
		return pamm.NullAtom, fmt.Errorf("xitree: alloc node: %w", err)
	}
	rec := t.rec(atom)
	rec[0] = byte(typ)
	rec[1] = 0
	binary.LittleEndian.PutUint16(rec[2:4], 0)
	binary.LittleEndian.PutUint32(rec[4:8], uint32(nameAtom))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(pamm.NullAtom))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(pamm.NullAtom))
	binary.LittleEndian.PutUint32(rec[16:20], uint32(pamm.NullAtom))
	binary.LittleEndian.PutUint32(rec[20:24], uint32(pamm.NullAtom))
	binary.LittleEndian.PutUint32(rec[24:28], uint32(pamm.NullAtom))
	binary.LittleEndian.PutUint32(rec[28:32], uint32(pamm.NullAtom))

	if t.root.IsNull() {
		t.root = atom
	}
	return atom, nil
}

// Type returns node's type.
func (t *Tree) Type(node pamm.Atom) NodeType {
	return NodeType(t.rec(node)[0])
}

// Name returns node's name atom (resolve via Strings().Bytes).
func (t *Tree) Name(node pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(node)[4:8]))
}

// Depth returns node's depth, set by AppendChild (root is depth 0).
func (t *Tree) Depth(node pamm.Atom) uint16 {
	return binary.LittleEndian.Uint16(t.rec(node)[2:4])
}

// Parent returns node's parent atom, or pamm.NullAtom for the root.
func (t *Tree) Parent(node pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(node)[12:16]))
}

// NextSibling returns the next sibling in document order, or
// pamm.NullAtom if node is the last child of its parent.
func (t *Tree) NextSibling(node pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(node)[16:20]))
}

// FirstChild returns node's first child in document order, or
// pamm.NullAtom if node has none.
func (t *Tree) FirstChild(node pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(node)[20:24]))
}

func (t *Tree) lastChild(node pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(node)[24:28]))
}

func (t *Tree) setLastChild(node, child pamm.Atom) {
	binary.LittleEndian.PutUint32(t.rec(node)[24:28], uint32(child))
}

// Content returns node's text/attribute-value atom (pamm.NullAtom if
// unset). For an open/empty element node this field instead holds the
// head of its attribute chain (see FirstAttribute) — callers wanting an
// element's text should look at its TypeText children, not Content.
func (t *Tree) Content(node pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(node)[28:32]))
}

// SetText interns text and records it as node's content atom.
func (t *Tree) SetText(node pamm.Atom, text []byte) error {
	atom, err := t.strings.Intern(text)
	if err != nil {
		return fmt.Errorf("xitree: intern text: %w", err)
	}
	binary.LittleEndian.PutUint32(t.rec(node)[28:32], uint32(atom))
	return nil
}

// AppendChild links child as parent's last child in document order,
// setting child's parent and depth. Appending is O(1) via the moving
// tail pointer held in parent's last-child slot (spec.md §4.7's
// "moving tail pointer" idiom, applied here to sibling lists instead of
// a compiler's rule lists).
func (t *Tree) AppendChild(parent, child pamm.Atom) {
	binary.LittleEndian.PutUint32(t.rec(child)[12:16], uint32(parent))
	binary.LittleEndian.PutUint16(t.rec(child)[2:4], t.Depth(parent)+1)
	binary.LittleEndian.PutUint32(t.rec(child)[16:20], uint32(pamm.NullAtom))

	if last := t.lastChild(parent); !last.IsNull() {
		binary.LittleEndian.PutUint32(t.rec(last)[16:20], uint32(child))
	} else {
		binary.LittleEndian.PutUint32(t.rec(parent)[20:24], uint32(child))
	}
	t.setLastChild(parent, child)
}

// FirstAttribute returns node's first attribute (most recently added,
// since Attribute prepends in O(1)), or pamm.NullAtom if it has none.
func (t *Tree) FirstAttribute(node pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(node)[28:32]))
}

func (t *Tree) setFirstAttribute(node, attr pamm.Atom) {
	binary.LittleEndian.PutUint32(t.rec(node)[28:32], uint32(attr))
}

// NextAttribute returns the next attribute after attr in its owner's
// attribute chain, or pamm.NullAtom if attr is the last one.
func (t *Tree) NextAttribute(attr pamm.Atom) pamm.Atom {
	return pamm.Atom(binary.LittleEndian.Uint32(t.rec(attr)[16:20]))
}

func (t *Tree) setNextAttribute(attr, next pamm.Atom) {
	binary.LittleEndian.PutUint32(t.rec(attr)[16:20], uint32(next))
}

// Attribute adds an attribute node (name/value pair) to node's own
// attribute chain, prepended in O(1) — separate from node's structural
// child list (see the content-atom field note above), so it is never
// visited by FirstChild/NextSibling traversal of node's real children.
// Named for the rulebook's save-with-attributes action (spec.md §4.7).
func (t *Tree) Attribute(node pamm.Atom, nameAtom pamm.Atom, value []byte) (pamm.Atom, error) {
	attr, err := t.NewNode(TypeAttribute, nameAtom)
	if err != nil {
		return pamm.NullAtom, err
	}
	if err := t.SetText(attr, value); err != nil {
		return pamm.NullAtom, err
	}
	binary.LittleEndian.PutUint32(t.rec(attr)[12:16], uint32(node))
	binary.LittleEndian.PutUint16(t.rec(attr)[2:4], t.Depth(node)+1)
	t.setNextAttribute(attr, t.FirstAttribute(node))
	t.setFirstAttribute(node, attr)
	return attr, nil
}

// FindAttribute looks up an attribute of node by name atom, walking
// node's own attribute chain (never its structural children), returning
// pamm.NullAtom if none matches.
func (t *Tree) FindAttribute(node pamm.Atom, nameAtom pamm.Atom) pamm.Atom {
	for attr := t.FirstAttribute(node); !attr.IsNull(); attr = t.NextAttribute(attr) {
		if t.Name(attr) == nameAtom {
			return attr
		}
	}
	return pamm.NullAtom
}
