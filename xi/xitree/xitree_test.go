package xitree_test

import (
	"path/filepath"
	"testing"

	"parrotdb/pamm"
	"parrotdb/xi/xitree"
)

func openTree(t *testing.T) (*pamm.Segment, *xitree.Tree) {
	tmpDir := t.TempDir()
	seg, err := pamm.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Open segment failed: %v", err)
	}
	tree, err := xitree.Open(seg, "doc", 256)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	return seg, tree
}

func TestNewNodeBecomesRootOnFirstAlloc(t *testing.T) {
	seg, tree := openTree(t)
	defer seg.Close()

	nameAtom, err := tree.Strings().Intern([]byte("root"))
	if err != nil {
		t.Fatalf("Intern failed: %v", err)
	}
	root, err := tree.NewNode(xitree.TypeOpen, nameAtom)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if tree.Root() != root {
		t.Errorf("Root() = %d, want %d (first node created)", tree.Root(), root)
	}
	if tree.Depth(root) != 0 {
		t.Errorf("Depth(root) = %d, want 0", tree.Depth(root))
	}
}

func TestAppendChildLinksInDocumentOrder(t *testing.T) {
	seg, tree := openTree(t)
	defer seg.Close()

	rootName, _ := tree.Strings().Intern([]byte("root"))
	root, err := tree.NewNode(xitree.TypeOpen, rootName)
	if err != nil {
		t.Fatalf("NewNode(root) failed: %v", err)
	}

	var children []pamm.Atom
	for _, name := range []string{"a", "b", "c"} {
		nameAtom, _ := tree.Strings().Intern([]byte(name))
		child, err := tree.NewNode(xitree.TypeOpen, nameAtom)
		if err != nil {
			t.Fatalf("NewNode(%s) failed: %v", name, err)
		}
		tree.AppendChild(root, child)
		children = append(children, child)
	}

	got := tree.FirstChild(root)
	for i, want := range children {
		if got != want {
			t.Fatalf("child %d = %d, want %d", i, got, want)
		}
		if tree.Parent(got) != root {
			t.Errorf("Parent(child %d) = %d, want root %d", i, tree.Parent(got), root)
		}
		if tree.Depth(got) != 1 {
			t.Errorf("Depth(child %d) = %d, want 1", i, tree.Depth(got))
		}
		got = tree.NextSibling(got)
	}
	if !got.IsNull() {
		t.Errorf("expected no sibling after last child, got %d", got)
	}
}

func TestSetTextStoresInternedContent(t *testing.T) {
	seg, tree := openTree(t)
	defer seg.Close()

	nameAtom, _ := tree.Strings().Intern([]byte("p"))
	node, err := tree.NewNode(xitree.TypeText, nameAtom)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if err := tree.SetText(node, []byte("hello")); err != nil {
		t.Fatalf("SetText failed: %v", err)
	}
	content := tree.Content(node)
	if string(tree.Strings().Bytes(content)) != "hello" {
		t.Errorf("Content text = %q, want \"hello\"", tree.Strings().Bytes(content))
	}
}

func TestAttributeAddAndFind(t *testing.T) {
	seg, tree := openTree(t)
	defer seg.Close()

	elemName, _ := tree.Strings().Intern([]byte("elem"))
	elem, err := tree.NewNode(xitree.TypeOpen, elemName)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	idName, _ := tree.Strings().Intern([]byte("id"))
	attr, err := tree.Attribute(elem, idName, []byte("42"))
	if err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}

	found := tree.FindAttribute(elem, idName)
	if found != attr {
		t.Errorf("FindAttribute = %d, want %d", found, attr)
	}
	if string(tree.Strings().Bytes(tree.Content(found))) != "42" {
		t.Errorf("attribute value = %q, want \"42\"", tree.Strings().Bytes(tree.Content(found)))
	}

	otherName, _ := tree.Strings().Intern([]byte("class"))
	if got := tree.FindAttribute(elem, otherName); !got.IsNull() {
		t.Errorf("FindAttribute for absent name = %d, want NullAtom", got)
	}
}

func TestMultipleChildrenWithAttributesDoNotCrossLink(t *testing.T) {
	seg, tree := openTree(t)
	defer seg.Close()

	rootName, _ := tree.Strings().Intern([]byte("root"))
	root, _ := tree.NewNode(xitree.TypeOpen, rootName)

	aName, _ := tree.Strings().Intern([]byte("a"))
	a, _ := tree.NewNode(xitree.TypeOpen, aName)
	tree.AppendChild(root, a)
	attrName, _ := tree.Strings().Intern([]byte("x"))
	if _, err := tree.Attribute(a, attrName, []byte("1")); err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}

	bName, _ := tree.Strings().Intern([]byte("b"))
	b, _ := tree.NewNode(xitree.TypeOpen, bName)
	tree.AppendChild(root, b)

	// b must have no children despite a's attribute being appended
	// between a and b's creation.
	if fc := tree.FirstChild(b); !fc.IsNull() {
		t.Errorf("FirstChild(b) = %d, want NullAtom", fc)
	}
	// root's children are still exactly [a, b] in order.
	if tree.FirstChild(root) != a || tree.NextSibling(a) != b {
		t.Errorf("root's child chain corrupted by a's attribute")
	}
}

// TestAttributeThenRealChildKeepsFirstChildReal traces the exact shape of
// a save-simple rule: an attribute is added to an element before any real
// structural child is appended to it. FirstChild must still return the
// real child, never the attribute.
func TestAttributeThenRealChildKeepsFirstChildReal(t *testing.T) {
	seg, tree := openTree(t)
	defer seg.Close()

	itemName, _ := tree.Strings().Intern([]byte("item"))
	item, _ := tree.NewNode(xitree.TypeOpen, itemName)

	nameAttr, _ := tree.Strings().Intern([]byte("name"))
	if _, err := tree.Attribute(item, nameAttr, []byte("Bob")); err != nil {
		t.Fatalf("Attribute failed: %v", err)
	}

	ageName, _ := tree.Strings().Intern([]byte("age"))
	age, _ := tree.NewNode(xitree.TypeOpen, ageName)
	tree.AppendChild(item, age)

	if fc := tree.FirstChild(item); fc != age {
		t.Fatalf("FirstChild(item) = %d, want age node %d (attribute must not occupy it)", fc, age)
	}
	if !tree.NextSibling(age).IsNull() {
		t.Errorf("age should have no sibling, got %d", tree.NextSibling(age))
	}

	attr := tree.FirstAttribute(item)
	if attr.IsNull() || tree.Name(attr) != nameAttr {
		t.Fatalf("FirstAttribute(item) = %d, want the name attribute", attr)
	}
	if !tree.NextAttribute(attr).IsNull() {
		t.Errorf("expected exactly one attribute on item")
	}
}
