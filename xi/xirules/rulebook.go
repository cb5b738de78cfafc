// Package xirules implements the rule-script compiler and parse driver
// of spec.md §4.7: a rulebook maps (state, tag) pairs to actions, and a
// driver runs an xitoken.Source through it, building an xitree.Tree.
//
// Grounded on original_source/libslax/xi_rules.c's xi_rulebook_prep_cb:
// same compile-time walk (script > state > rule), same per-rule tag
// bitmap built via pabitmap, same closed action-name set. The compiler's
// fixed xrp_stack[XI_DEPTH_MAX_RULES] array becomes ordinary recursion
// here, bounded by an explicit depth check instead of a fixed C array,
// since Go's call stack already plays that role.
package xirules

import (
	"fmt"
	"strconv"

	"parrotdb/pabitmap"
	"parrotdb/paistr"
	"parrotdb/palog"
	"parrotdb/pamm"
	"parrotdb/xi/xitree"
)

// maxCompileDepth bounds the script > state > rule nesting walked at
// compile time (spec.md §4.7/§9), matching xi_rules.c's XI_DEPTH_MAX_RULES.
const maxCompileDepth = 4

// ActionType is the closed set of rule/state actions (spec.md §4.7).
type ActionType uint8

const (
	ActionNone ActionType = iota
	ActionDiscard
	ActionSave
	ActionSaveSimple
	ActionSaveWithAttributes
	ActionEmit
	ActionReturn
)

func (a ActionType) String() string {
	switch a {
	case ActionDiscard:
		return "discard"
	case ActionSave:
		return "save"
	case ActionSaveSimple:
		return "save-simple"
	case ActionSaveWithAttributes:
		return "save-with-attributes"
	case ActionEmit:
		return "emit"
	case ActionReturn:
		return "return"
	default:
		return "none"
	}
}

func (rb *Rulebook) parseAction(name string) ActionType {
	switch name {
	case "discard":
		return ActionDiscard
	case "save":
		return ActionSave
	case "save-simple":
		return ActionSaveSimple
	case "save-with-attributes":
		return ActionSaveWithAttributes
	case "emit":
		return ActionEmit
	case "return":
		return ActionReturn
	default:
		// Every other name (including "none" and "") compiles to none.
		// A name other than "none" and "" also raises a warning
		// (spec.md §4.7); CompileScript's caller sees it via the
		// rulebook's WarningFunc, not an error.
		if name != "" && name != "none" {
			rb.warnf("unknown action %q, compiled as none", name)
		}
		return ActionNone
	}
}

type ruleRecord struct {
	bitmap      pamm.Atom
	action      ActionType
	useTag      pamm.Atom
	hasNewState bool
	newState    uint16
}

type stateRecord struct {
	defaultAction ActionType
	rules         []*ruleRecord
}

// Rulebook is a compiled rule script: per-state default actions plus, for
// each state, an ordered list of tag-bitmap-guarded rules (spec.md §4.7).
type Rulebook struct {
	strings *paistr.Table
	bitmaps *pabitmap.Pool

	states       map[uint16]*stateRecord
	initialState uint16

	textAtom    pamm.Atom
	piAtom      pamm.Atom
	commentAtom pamm.Atom
	dtdAtom     pamm.Atom

	warn palog.WarningFunc
}

// Option configures CompileScript.
type Option func(*Rulebook)

// WithWarningFunc overrides the rulebook's out-of-band diagnostic hook
// (spec.md §5 "Implementations should ... route ... through a warning
// hook"), used for unknown action names and unknown rulebook elements.
func WithWarningFunc(fn palog.WarningFunc) Option {
	return func(rb *Rulebook) { rb.warn = fn }
}

// ErrStateOverflow is returned by CompileScript when a <state id=N>
// names an id that does not fit in uint16 (spec.md §9's redesign note:
// state ids are kept uint16 throughout, rejected rather than silently
// truncated on overflow).
var ErrStateOverflow = fmt.Errorf("xirules: state id exceeds uint16 range")

// CompileScript walks scriptTree (a previously parsed `<script>`
// document) into a Rulebook, exactly as xi_rulebook_prep_cb does: one
// state record per `<state id=N action=A>`, one rule record per child
// `<rule tag=T action=A new-state=M use-tag=U/>`.
func CompileScript(seg *pamm.Segment, scriptTree *xitree.Tree, name string, opts ...Option) (*Rulebook, error) {
	bitmaps, err := pabitmap.Open(seg, name+".bitmaps", 256)
	if err != nil {
		return nil, fmt.Errorf("xirules: open %q bitmaps: %w", name, err)
	}

	rb := &Rulebook{
		strings: scriptTree.Strings(),
		bitmaps: bitmaps,
		states:  make(map[uint16]*stateRecord),
		warn:    palog.Default,
	}
	for _, opt := range opts {
		opt(rb)
	}
	rb.textAtom, err = rb.strings.Intern([]byte("#text"))
	if err != nil {
		return nil, err
	}
	rb.piAtom, err = rb.strings.Intern([]byte("#pi"))
	if err != nil {
		return nil, err
	}
	rb.commentAtom, err = rb.strings.Intern([]byte("#comment"))
	if err != nil {
		return nil, err
	}
	rb.dtdAtom, err = rb.strings.Intern([]byte("#dtd"))
	if err != nil {
		return nil, err
	}

	root := scriptTree.Root()
	if !root.IsNull() {
		if err := rb.compileLevel(scriptTree, root, 1, nil); err != nil {
			return nil, err
		}
	}

	first := true
	for id := range rb.states {
		if first || id < rb.initialState {
			rb.initialState = id
			first = false
		}
	}

	return rb, nil
}

func attrBytes(tree *xitree.Tree, node pamm.Atom, name string) ([]byte, error) {
	nameAtom, err := tree.Strings().Intern([]byte(name))
	if err != nil {
		return nil, err
	}
	attr := tree.FindAttribute(node, nameAtom)
	if attr.IsNull() {
		return nil, nil
	}
	return tree.Strings().Bytes(tree.Content(attr)), nil
}

func (rb *Rulebook) compileLevel(tree *xitree.Tree, node pamm.Atom, depth int, curState *stateRecord) error {
	if depth > maxCompileDepth {
		return fmt.Errorf("xirules: script nesting exceeds depth %d", maxCompileDepth)
	}

	for child := tree.FirstChild(node); !child.IsNull(); child = tree.NextSibling(child) {
		name := string(tree.Strings().Bytes(tree.Name(child)))
		switch name {
		case "state":
			idBytes, err := attrBytes(tree, child, "id")
			if err != nil {
				return err
			}
			id64, err := strconv.ParseUint(string(idBytes), 10, 16)
			if err != nil {
				return fmt.Errorf("%w: %q", ErrStateOverflow, idBytes)
			}
			actionBytes, err := attrBytes(tree, child, "action")
			if err != nil {
				return err
			}
			st := &stateRecord{defaultAction: rb.parseAction(string(actionBytes))}
			rb.states[uint16(id64)] = st

			if err := rb.compileLevel(tree, child, depth+1, st); err != nil {
				return err
			}

		case "rule":
			if curState == nil {
				rb.warnf("rule element outside of any state, ignored")
				continue
			}
			rule, err := rb.buildRule(tree, child)
			if err != nil {
				return err
			}
			curState.rules = append(curState.rules, rule)

		default:
			rb.warnf("unknown rulebook element %q, ignored", name)
		}
	}
	return nil
}

func (rb *Rulebook) buildRule(tree *xitree.Tree, ruleNode pamm.Atom) (*ruleRecord, error) {
	tagBytes, err := attrBytes(tree, ruleNode, "tag")
	if err != nil {
		return nil, err
	}
	actionBytes, err := attrBytes(tree, ruleNode, "action")
	if err != nil {
		return nil, err
	}
	newStateBytes, err := attrBytes(tree, ruleNode, "new-state")
	if err != nil {
		return nil, err
	}
	useTagBytes, err := attrBytes(tree, ruleNode, "use-tag")
	if err != nil {
		return nil, err
	}

	bitmapAtom, err := pabitmap.Alloc(rb.bitmaps)
	if err != nil {
		return nil, fmt.Errorf("xirules: alloc rule bitmap: %w", err)
	}
	for _, tagPart := range splitFields(tagBytes) {
		tagAtom, err := rb.strings.Intern(tagPart)
		if err != nil {
			return nil, err
		}
		if err := rb.bitmaps.Set(bitmapAtom, uint32(tagAtom)); err != nil {
			return nil, fmt.Errorf("xirules: set rule bitmap bit: %w", err)
		}
	}

	rule := &ruleRecord{
		bitmap: bitmapAtom,
		action: rb.parseAction(string(actionBytes)),
	}
	if len(useTagBytes) > 0 {
		rule.useTag, err = rb.strings.Intern(useTagBytes)
		if err != nil {
			return nil, err
		}
	}
	if len(newStateBytes) > 0 {
		v, err := strconv.ParseUint(string(newStateBytes), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrStateOverflow, newStateBytes)
		}
		rule.hasNewState = true
		rule.newState = uint16(v)
	}
	return rule, nil
}

// splitFields splits on ASCII whitespace without pulling in a Unicode-aware
// package; rule tags are plain XML names, not free text (Non-goal:
// Unicode normalization, spec.md §1).
func splitFields(b []byte) [][]byte {
	var out [][]byte
	start := -1
	for i, c := range b {
		isSpace := c == ' ' || c == '\t' || c == '\n' || c == '\r'
		if isSpace {
			if start >= 0 {
				out = append(out, b[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, b[start:])
	}
	return out
}

func (rb *Rulebook) warnf(format string, args ...any) {
	if rb.warn != nil {
		rb.warn(palog.KindInfo, fmt.Sprintf(format, args...))
	}
}

// find scans state's rule list in order (spec.md §4.7 step 2), returning
// the first rule whose tag bitmap has tagAtom set, or nil plus the
// state's default action if none match. This is the real scan-in-order
// implementation of xi_rulebook_find, not the stub original_source
// leaves it as (spec.md §9 open question).
func (rb *Rulebook) find(state uint16, tagAtom pamm.Atom) (*ruleRecord, ActionType) {
	st, ok := rb.states[state]
	if !ok {
		return nil, ActionNone
	}
	for _, r := range st.rules {
		if rb.bitmaps.Test(r.bitmap, uint32(tagAtom)) {
			return r, r.action
		}
	}
	return nil, st.defaultAction
}
