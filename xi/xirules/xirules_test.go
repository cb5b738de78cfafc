package xirules_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"parrotdb/pamm"
	"parrotdb/xi/xitoken"
	"parrotdb/xi/xitree"
	"parrotdb/xi/xirules"
)

func openSeg(t *testing.T) *pamm.Segment {
	t.Helper()
	seg, err := pamm.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open segment failed: %v", err)
	}
	return seg
}

func newElem(t *testing.T, tree *xitree.Tree, parent pamm.Atom, name string) pamm.Atom {
	t.Helper()
	nameAtom, err := tree.Strings().Intern([]byte(name))
	if err != nil {
		t.Fatalf("Intern(%q) failed: %v", name, err)
	}
	n, err := tree.NewNode(xitree.TypeOpen, nameAtom)
	if err != nil {
		t.Fatalf("NewNode(%q) failed: %v", name, err)
	}
	if !parent.IsNull() {
		tree.AppendChild(parent, n)
	}
	return n
}

func addAttr(t *testing.T, tree *xitree.Tree, node pamm.Atom, name, value string) {
	t.Helper()
	nameAtom, err := tree.Strings().Intern([]byte(name))
	if err != nil {
		t.Fatalf("Intern(%q) failed: %v", name, err)
	}
	if _, err := tree.Attribute(node, nameAtom, []byte(value)); err != nil {
		t.Fatalf("Attribute(%q=%q) failed: %v", name, value, err)
	}
}

// buildScript constructs a small two-state rulebook script tree:
//
//	<script>
//	  <state id="1" action="discard">
//	    <rule tag="item" action="save" new-state="2"/>
//	  </state>
//	  <state id="2" action="save">
//	    <rule tag="item" action="return"/>
//	    <rule tag="name" action="save-simple"/>
//	  </state>
//	</script>
func buildScript(t *testing.T, seg *pamm.Segment) *xitree.Tree {
	t.Helper()
	script, err := xitree.Open(seg, "script", 64)
	if err != nil {
		t.Fatalf("xitree.Open(script) failed: %v", err)
	}
	root := newElem(t, script, pamm.NullAtom, "script")

	state1 := newElem(t, script, root, "state")
	addAttr(t, script, state1, "id", "1")
	addAttr(t, script, state1, "action", "discard")
	ruleItemSave := newElem(t, script, state1, "rule")
	addAttr(t, script, ruleItemSave, "tag", "item")
	addAttr(t, script, ruleItemSave, "action", "save")
	addAttr(t, script, ruleItemSave, "new-state", "2")

	state2 := newElem(t, script, root, "state")
	addAttr(t, script, state2, "id", "2")
	addAttr(t, script, state2, "action", "save")
	ruleItemReturn := newElem(t, script, state2, "rule")
	addAttr(t, script, ruleItemReturn, "tag", "item")
	addAttr(t, script, ruleItemReturn, "action", "return")
	ruleNameSimple := newElem(t, script, state2, "rule")
	addAttr(t, script, ruleNameSimple, "tag", "name")
	addAttr(t, script, ruleNameSimple, "action", "save-simple")

	return script
}

func TestCompileAndDriveBuildsExpectedTree(t *testing.T) {
	seg := openSeg(t)
	defer seg.Close()

	script := buildScript(t, seg)
	rb, err := xirules.CompileScript(seg, script, "rb")
	if err != nil {
		t.Fatalf("CompileScript failed: %v", err)
	}

	out, err := xitree.Open(seg, "doc", 64)
	if err != nil {
		t.Fatalf("xitree.Open(doc) failed: %v", err)
	}
	docRoot := newElem(t, out, pamm.NullAtom, "document")

	xml := "<root><item><name>Bob</name><age>30</age></item></root>"
	src := xitoken.SourceFromReader(bytes.NewBufferString(xml), 0)

	driver := xirules.NewDriver(rb)
	if err := driver.Run(src, out, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	item := out.FirstChild(docRoot)
	if item.IsNull() {
		t.Fatalf("no child saved under document root")
	}
	if string(out.Strings().Bytes(out.Name(item))) != "item" {
		t.Errorf("saved child name = %q, want \"item\"", out.Strings().Bytes(out.Name(item)))
	}
	if !out.NextSibling(item).IsNull() {
		t.Errorf("expected exactly one saved child (root itself discarded), got a sibling")
	}

	nameAtom, _ := out.Strings().Intern([]byte("name"))
	nameAttr := out.FindAttribute(item, nameAtom)
	if nameAttr.IsNull() {
		t.Fatalf("expected save-simple attribute \"name\" on item")
	}
	if string(out.Strings().Bytes(out.Content(nameAttr))) != "Bob" {
		t.Errorf("name attribute = %q, want \"Bob\"", out.Strings().Bytes(out.Content(nameAttr)))
	}

	age := out.FirstChild(item)
	if age.IsNull() || string(out.Strings().Bytes(out.Name(age))) != "age" {
		t.Fatalf("expected \"age\" as item's first child, got %v", age)
	}
	ageText := out.FirstChild(age)
	if ageText.IsNull() || out.Type(ageText) != xitree.TypeText {
		t.Fatalf("expected a text child under age")
	}
	if string(out.Strings().Bytes(out.Content(ageText))) != "30" {
		t.Errorf("age text = %q, want \"30\"", out.Strings().Bytes(out.Content(ageText)))
	}
}

func TestUnbalancedStateStackIsReported(t *testing.T) {
	seg := openSeg(t)
	defer seg.Close()

	script, err := xitree.Open(seg, "script2", 64)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	root := newElem(t, script, pamm.NullAtom, "script")
	state1 := newElem(t, script, root, "state")
	addAttr(t, script, state1, "id", "1")
	addAttr(t, script, state1, "action", "discard")
	rule := newElem(t, script, state1, "rule")
	addAttr(t, script, rule, "tag", "x")
	addAttr(t, script, rule, "action", "save")
	addAttr(t, script, rule, "new-state", "2")
	// state 2 deliberately has no rule that returns.
	state2 := newElem(t, script, root, "state")
	addAttr(t, script, state2, "id", "2")
	addAttr(t, script, state2, "action", "discard")

	rb, err := xirules.CompileScript(seg, script, "rb2")
	if err != nil {
		t.Fatalf("CompileScript failed: %v", err)
	}

	out, err := xitree.Open(seg, "doc2", 64)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	newElem(t, out, pamm.NullAtom, "document")

	src := xitoken.SourceFromReader(bytes.NewBufferString("<x></x>"), 0)
	driver := xirules.NewDriver(rb)
	err = driver.Run(src, out, nil)
	if !errors.Is(err, xirules.ErrUnbalanced) {
		t.Fatalf("Run error = %v, want ErrUnbalanced", err)
	}
}

func TestMalformedInputSurfacesAsError(t *testing.T) {
	seg := openSeg(t)
	defer seg.Close()

	script := buildScript(t, seg)
	rb, err := xirules.CompileScript(seg, script, "rb3")
	if err != nil {
		t.Fatalf("CompileScript failed: %v", err)
	}

	out, err := xitree.Open(seg, "doc3", 64)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	newElem(t, out, pamm.NullAtom, "document")

	src := xitoken.SourceFromReader(bytes.NewBufferString("<1bad>"), 0)
	driver := xirules.NewDriver(rb)
	if err := driver.Run(src, out, nil); err == nil {
		t.Fatalf("Run succeeded on malformed input, want an error")
	}
}

func TestEmitActionInvokesVisitor(t *testing.T) {
	seg := openSeg(t)
	defer seg.Close()

	script, err := xitree.Open(seg, "script4", 64)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	root := newElem(t, script, pamm.NullAtom, "script")
	state1 := newElem(t, script, root, "state")
	addAttr(t, script, state1, "id", "1")
	addAttr(t, script, state1, "action", "discard")
	rule := newElem(t, script, state1, "rule")
	addAttr(t, script, rule, "tag", "hi")
	addAttr(t, script, rule, "action", "emit")

	rb, err := xirules.CompileScript(seg, script, "rb4")
	if err != nil {
		t.Fatalf("CompileScript failed: %v", err)
	}

	out, err := xitree.Open(seg, "doc4", 64)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	newElem(t, out, pamm.NullAtom, "document")

	var emitted []string
	visitor := func(typ xitoken.Type, name, data []byte, node pamm.Atom) error {
		emitted = append(emitted, typ.String()+":"+string(name))
		return nil
	}

	src := xitoken.SourceFromReader(bytes.NewBufferString("<hi/>"), 0)
	driver := xirules.NewDriver(rb)
	if err := driver.Run(src, out, visitor); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(emitted) != 1 || emitted[0] != "EMPTY:hi" {
		t.Fatalf("emitted = %v, want [\"EMPTY:hi\"]", emitted)
	}
}

func TestVisitorAbortStopsTheDrive(t *testing.T) {
	seg := openSeg(t)
	defer seg.Close()

	script, err := xitree.Open(seg, "script5", 64)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	root := newElem(t, script, pamm.NullAtom, "script")
	state1 := newElem(t, script, root, "state")
	addAttr(t, script, state1, "id", "1")
	addAttr(t, script, state1, "action", "discard")
	rule := newElem(t, script, state1, "rule")
	addAttr(t, script, rule, "tag", "boom")
	addAttr(t, script, rule, "action", "emit")

	rb, err := xirules.CompileScript(seg, script, "rb5")
	if err != nil {
		t.Fatalf("CompileScript failed: %v", err)
	}

	out, err := xitree.Open(seg, "doc5", 64)
	if err != nil {
		t.Fatalf("xitree.Open failed: %v", err)
	}
	newElem(t, out, pamm.NullAtom, "document")

	stop := errors.New("stop here")
	visitor := func(typ xitoken.Type, name, data []byte, node pamm.Atom) error {
		return stop
	}

	src := xitoken.SourceFromReader(bytes.NewBufferString("<boom/>"), 0)
	driver := xirules.NewDriver(rb)
	err = driver.Run(src, out, visitor)
	if !errors.Is(err, xirules.ErrAbort) {
		t.Fatalf("Run error = %v, want wrapping ErrAbort", err)
	}
}
