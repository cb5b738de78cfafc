package xirules

import (
	"errors"
	"fmt"

	"parrotdb/palog"
	"parrotdb/pamm"
	"parrotdb/xi/xitoken"
	"parrotdb/xi/xitree"
)

// ErrUnbalanced is returned by Driver.Run when the state stack isn't
// back to its initial depth/value at EOF (spec.md §4.7 "Termination").
var ErrUnbalanced = errors.New("xirules: unbalanced state stack at EOF")

// ErrAbort wraps a non-nil VisitorFunc return, per spec.md §6's "a
// non-zero return aborts the drive with EABORT".
var ErrAbort = errors.New("xirules: visitor aborted the drive")

// VisitorFunc is invoked by emit actions. node is the current insertion
// point in the tree (the nearest ancestor actually saved, or the tree
// root). A non-nil return aborts Run with ErrAbort.
type VisitorFunc func(typ xitoken.Type, name, data []byte, node pamm.Atom) error

// frame tracks, per open element, where its children attach (node) and
// whether a save-simple rule is waiting to capture the element's text
// content as an attribute on node instead of a child.
type frame struct {
	node              pamm.Atom
	pendingSimpleName pamm.Atom
	statePushed       bool
}

// Driver runs tokens from an xitoken.Source through a Rulebook,
// building nodes in an xitree.Tree (spec.md §4.7).
type Driver struct {
	rb         *Rulebook
	nodeStack  []frame
	stateStack []uint16
}

// NewDriver creates a driver bound to rb. A single Driver is meant for
// one Run call; state does not carry over between runs.
func NewDriver(rb *Rulebook) *Driver {
	return &Driver{rb: rb}
}

// Run drives src through d's rulebook until EOF or FAIL, saving nodes
// under tree's existing root (tree.Root() must be non-null — callers
// create a document/root node before calling Run). visitor may be nil.
func (d *Driver) Run(src *xitoken.Source, tree *xitree.Tree, visitor VisitorFunc) error {
	root := tree.Root()
	if root.IsNull() {
		return fmt.Errorf("xirules: tree has no root node to parse into")
	}

	initial := d.rb.initialState
	d.stateStack = []uint16{initial}
	d.nodeStack = []frame{{node: root, pendingSimpleName: pamm.NullAtom}}

	for {
		typ, data, rest, err := src.NextToken()
		if err != nil {
			return fmt.Errorf("xirules: tokenizer: %w", err)
		}

		switch typ {
		case xitoken.EOF:
			if len(d.stateStack) != 1 || d.stateStack[0] != initial {
				if d.rb.warn != nil {
					d.rb.warn(palog.KindUnbalanced, ErrUnbalanced.Error())
				}
				return ErrUnbalanced
			}
			return nil

		case xitoken.FAIL:
			if d.rb.warn != nil {
				d.rb.warn(palog.KindFail, "tokenizer latched FAIL")
			}
			return fmt.Errorf("xirules: malformed input at line %d", src.Lineno())

		case xitoken.OPEN, xitoken.EMPTY:
			if err := d.handleElement(tree, typ, data, rest, visitor); err != nil {
				return err
			}

		case xitoken.CLOSE:
			if err := d.handleClose(data, visitor); err != nil {
				return err
			}

		case xitoken.TEXT:
			if err := d.handleText(tree, data, visitor); err != nil {
				return err
			}

		case xitoken.PI, xitoken.COMMENT, xitoken.DTD:
			if err := d.handleAux(tree, typ, data, rest, visitor); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) top() *frame {
	return &d.nodeStack[len(d.nodeStack)-1]
}

func (d *Driver) currentState() uint16 {
	return d.stateStack[len(d.stateStack)-1]
}

func (d *Driver) handleElement(tree *xitree.Tree, typ xitoken.Type, name, rest []byte, visitor VisitorFunc) error {
	cur := d.top()

	// Rule bitmaps hold atoms of the script's string table; saved nodes
	// are named with atoms of the output tree's own table.
	tagAtom, err := d.rb.strings.Intern(name)
	if err != nil {
		return err
	}
	rule, action := d.rb.find(d.currentState(), tagAtom)

	useTagAtom, err := tree.Strings().Intern(name)
	if err != nil {
		return err
	}
	var hasNewState bool
	var newState uint16
	if rule != nil {
		if !rule.useTag.IsNull() {
			useTagAtom, err = tree.Strings().Intern(d.rb.strings.Bytes(rule.useTag))
			if err != nil {
				return err
			}
		}
		hasNewState = rule.hasNewState
		newState = rule.newState
	}

	newNode := pamm.NullAtom
	switch action {
	case ActionSave, ActionSaveWithAttributes:
		nt := xitree.TypeOpen
		if typ == xitoken.EMPTY {
			nt = xitree.TypeEmpty
		}
		nn, err := tree.NewNode(nt, useTagAtom)
		if err != nil {
			return err
		}
		tree.AppendChild(cur.node, nn)
		if action == ActionSaveWithAttributes {
			remainder := rest
			for {
				_, attrName, attrVal, next, ok := xitoken.NextAttr(remainder)
				if !ok {
					break
				}
				attrNameAtom, err := tree.Strings().Intern(attrName)
				if err != nil {
					return err
				}
				if _, err := tree.Attribute(nn, attrNameAtom, attrVal); err != nil {
					return err
				}
				remainder = next
			}
		}
		newNode = nn

	case ActionEmit:
		if visitor != nil {
			if err := visitor(typ, name, rest, cur.node); err != nil {
				return fmt.Errorf("%w: %v", ErrAbort, err)
			}
		}
	}

	childCursor := cur.node
	if !newNode.IsNull() {
		childCursor = newNode
	}

	if typ == xitoken.EMPTY {
		if hasNewState {
			d.stateStack[len(d.stateStack)-1] = newState
		}
		return nil
	}

	// OPEN: push a bookkeeping frame so the matching CLOSE can restore
	// the cursor, regardless of which action fired for this element.
	pendingSimple := pamm.NullAtom
	if action == ActionSaveSimple {
		pendingSimple = useTagAtom
	}

	statePushed := false
	if hasNewState && action != ActionReturn {
		if action == ActionSave || action == ActionSaveWithAttributes {
			d.stateStack = append(d.stateStack, newState)
			statePushed = true
		} else {
			d.stateStack[len(d.stateStack)-1] = newState
		}
	}

	d.nodeStack = append(d.nodeStack, frame{
		node:              childCursor,
		pendingSimpleName: pendingSimple,
		statePushed:       statePushed,
	})
	return nil
}

func (d *Driver) handleClose(name []byte, visitor VisitorFunc) error {
	cur := d.top()

	// A rulebook is free to use "return" rules on the close tag to
	// unwind the state stack; look the tag up in the current (possibly
	// pushed) state before popping the node frame.
	nodeForLookup := cur.node
	var rule *ruleRecord
	action := ActionNone
	if tagAtom, err := d.rb.strings.Intern(name); err == nil {
		rule, action = d.rb.find(d.currentState(), tagAtom)
	}

	if action == ActionEmit && visitor != nil {
		if err := visitor(xitoken.CLOSE, name, nil, nodeForLookup); err != nil {
			return fmt.Errorf("%w: %v", ErrAbort, err)
		}
	}

	if action == ActionReturn {
		if len(d.stateStack) > 1 {
			d.stateStack = d.stateStack[:len(d.stateStack)-1]
		}
	} else if rule != nil && rule.hasNewState {
		d.stateStack[len(d.stateStack)-1] = rule.newState
	}

	if len(d.nodeStack) > 1 {
		d.nodeStack = d.nodeStack[:len(d.nodeStack)-1]
	}
	return nil
}

func (d *Driver) handleText(tree *xitree.Tree, data []byte, visitor VisitorFunc) error {
	cur := d.top()

	if !cur.pendingSimpleName.IsNull() {
		_, err := tree.Attribute(cur.node, cur.pendingSimpleName, data)
		return err
	}

	_, action := d.rb.find(d.currentState(), d.rb.textAtom)
	switch action {
	case ActionSave, ActionSaveWithAttributes, ActionSaveSimple:
		nn, err := tree.NewNode(xitree.TypeText, d.rb.textAtom)
		if err != nil {
			return err
		}
		if err := tree.SetText(nn, data); err != nil {
			return err
		}
		tree.AppendChild(cur.node, nn)

	case ActionEmit:
		if visitor != nil {
			if err := visitor(xitoken.TEXT, nil, data, cur.node); err != nil {
				return fmt.Errorf("%w: %v", ErrAbort, err)
			}
		}
	}
	return nil
}

func (d *Driver) handleAux(tree *xitree.Tree, typ xitoken.Type, data, rest []byte, visitor VisitorFunc) error {
	cur := d.top()

	var tagAtom pamm.Atom
	var nodeType xitree.NodeType
	switch typ {
	case xitoken.PI:
		tagAtom, nodeType = d.rb.piAtom, xitree.TypePI
	case xitoken.COMMENT:
		tagAtom, nodeType = d.rb.commentAtom, xitree.TypeComment
	default:
		tagAtom, nodeType = d.rb.dtdAtom, xitree.TypeText
	}

	_, action := d.rb.find(d.currentState(), tagAtom)
	switch action {
	case ActionSave, ActionSaveWithAttributes, ActionSaveSimple:
		nn, err := tree.NewNode(nodeType, tagAtom)
		if err != nil {
			return err
		}
		content := data
		if typ == xitoken.PI {
			content = rest
		}
		if err := tree.SetText(nn, content); err != nil {
			return err
		}
		tree.AppendChild(cur.node, nn)

	case ActionEmit:
		if visitor != nil {
			if err := visitor(typ, data, rest, cur.node); err != nil {
				return fmt.Errorf("%w: %v", ErrAbort, err)
			}
		}
	}
	return nil
}
