package main

import (
	"fmt"

	"parrotdb/pamm"
	"parrotdb/xi/xitoken"
	"parrotdb/xi/xitree"
)

// loadXML drives src through tokenizer only (no rulebook) and builds a
// literal, rule-free mirror of the document in tree: every OPEN/EMPTY
// becomes a node, every attribute becomes a node attribute, every TEXT
// becomes a text child. This is how parrotctl bootstraps a rulebook
// script tree from a plain <script> XML file, since CompileScript takes
// an already-parsed xitree.Tree rather than raw bytes.
func loadXML(tree *xitree.Tree, src *xitoken.Source) error {
	var stack []pamm.Atom

	top := func() pamm.Atom {
		if len(stack) == 0 {
			return pamm.NullAtom
		}
		return stack[len(stack)-1]
	}

	for {
		typ, data, rest, err := src.NextToken()
		if err != nil {
			return fmt.Errorf("load %v: %w", typ, err)
		}

		switch typ {
		case xitoken.EOF:
			return nil

		case xitoken.FAIL:
			return fmt.Errorf("malformed markup at line %d", src.Lineno())

		case xitoken.OPEN, xitoken.EMPTY:
			nameAtom, err := tree.Strings().Intern(data)
			if err != nil {
				return err
			}
			nt := xitree.TypeOpen
			if typ == xitoken.EMPTY {
				nt = xitree.TypeEmpty
			}
			node, err := tree.NewNode(nt, nameAtom)
			if err != nil {
				return err
			}
			if parent := top(); !parent.IsNull() {
				tree.AppendChild(parent, node)
			}
			if err := setAttrs(tree, node, rest); err != nil {
				return err
			}
			if typ == xitoken.OPEN {
				stack = append(stack, node)
			}

		case xitoken.CLOSE:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}

		case xitoken.TEXT:
			parent := top()
			if parent.IsNull() {
				continue
			}
			textAtom, err := tree.Strings().Intern([]byte("#text"))
			if err != nil {
				return err
			}
			node, err := tree.NewNode(xitree.TypeText, textAtom)
			if err != nil {
				return err
			}
			if err := tree.SetText(node, data); err != nil {
				return err
			}
			tree.AppendChild(parent, node)

		case xitoken.PI, xitoken.COMMENT, xitoken.DTD:
			// Auxiliary markup plays no role in a rulebook script; skip it.
		}
	}
}

func setAttrs(tree *xitree.Tree, node pamm.Atom, rest []byte) error {
	remainder := rest
	for {
		_, name, value, next, ok := xitoken.NextAttr(remainder)
		if !ok {
			break
		}
		nameAtom, err := tree.Strings().Intern(name)
		if err != nil {
			return err
		}
		if _, err := tree.Attribute(node, nameAtom, value); err != nil {
			return err
		}
		remainder = next
	}
	return nil
}
