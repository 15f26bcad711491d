// Package rendered holds the tree shapes produced by one compiled-and-evaluated
// template invocation: interleaved static/dynamic segments, repetition blocks,
// and references to separately diffed components.
//
// The invariant every tree must satisfy is that flattening by interleaving
// static[0], dynamic[0], static[1], ... static[n] reproduces the full output
// exactly once, in order, which requires len(Static) == len(Dynamic)+1.
package rendered

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrMalformed reports a tree whose static/dynamic interleaving is broken.
	ErrMalformed = errors.New("rendered: malformed static/dynamic interleaving")

	// ErrNoBaseline reports an attempt to materialize an unchanged-marker slot
	// when no previous render exists to supply its value.
	ErrNoBaseline = errors.New("rendered: unchanged slot without a baseline render")
)

// Unchanged marks a dynamic slot whose value did not change since the previous
// render. Unchanged slots are omitted from diffs and filled from the baseline
// tree when a full tree is needed.
type Unchanged struct{}

// CID identifies a stateful component in the per-session component table.
// A CID appears as a dynamic slot value once the component service has
// resolved the ComponentRef that produced it.
type CID int

// ComponentRef describes a stateful nested unit to be resolved and diffed by
// the component service. It is never flattened to output directly.
type ComponentRef struct {
	Kind    string
	ID      string
	Assigns map[string]interface{}
}

// Rendered is one evaluated template instance. Dynamic slots hold one of:
// Unchanged, string, *Rendered, *Comprehension, *ComponentRef or CID.
type Rendered struct {
	Static      []string
	Dynamic     []interface{}
	Fingerprint string
}

// Comprehension is the result of rendering a repeated block over a sequence.
// Every row shares Static; row cells are strings, *ComponentRef or CID,
// never a nested *Rendered or *Comprehension, because repetitions are not
// independently change-tracked. A comprehension carries no fingerprint: its
// slot is either present as a whole or omitted as a whole.
type Comprehension struct {
	Static []string
	Rows   [][]interface{}
}

// Node is the wire form of a tree: "s" holds statics, numeric string keys
// hold dynamics in order, "d" holds comprehension rows.
type Node map[string]interface{}

// Fingerprint computes the structural hash of a static sequence. It is a pure
// function of the statics: trees with identical literal chunks share a
// fingerprint regardless of their dynamic values.
func Fingerprint(static []string) string {
	hasher := md5.New()
	for _, s := range static {
		// Length-prefix each chunk so ["ab",""] and ["a","b"] differ.
		fmt.Fprintf(hasher, "%d:", len(s))
		io.WriteString(hasher, s)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

// Valid reports whether the tree satisfies the interleaving invariant.
func (r *Rendered) Valid() bool {
	return r != nil && len(r.Static) == len(r.Dynamic)+1
}

// ComponentResolver maps a component slot to its rendered tree during
// flattening. Flatten fails if a component slot is present and no resolver
// was supplied.
type ComponentResolver func(value interface{}) (*Rendered, error)

// Flatten writes the full output of the tree to w, recursing into nested
// trees and comprehensions and resolving component slots through resolve.
// Flattening a tree that still carries Unchanged markers fails with
// ErrNoBaseline: change tracking requires a baseline.
func (r *Rendered) Flatten(w io.Writer, resolve ComponentResolver) error {
	if !r.Valid() {
		return ErrMalformed
	}
	for i, s := range r.Static {
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
		if i == len(r.Static)-1 {
			break
		}
		if err := flattenValue(w, r.Dynamic[i], resolve); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comprehension) flatten(w io.Writer, resolve ComponentResolver) error {
	for _, row := range c.Rows {
		if len(c.Static) != len(row)+1 {
			return ErrMalformed
		}
		for i, s := range c.Static {
			if _, err := io.WriteString(w, s); err != nil {
				return err
			}
			if i == len(c.Static)-1 {
				break
			}
			if err := flattenValue(w, row[i], resolve); err != nil {
				return err
			}
		}
	}
	return nil
}

func flattenValue(w io.Writer, v interface{}, resolve ComponentResolver) error {
	switch val := v.(type) {
	case Unchanged:
		return ErrNoBaseline
	case string:
		_, err := io.WriteString(w, val)
		return err
	case *Rendered:
		return val.Flatten(w, resolve)
	case *Comprehension:
		return val.flatten(w, resolve)
	case *ComponentRef, CID:
		if resolve == nil {
			return fmt.Errorf("rendered: component slot %v without resolver", val)
		}
		sub, err := resolve(val)
		if err != nil {
			return err
		}
		return sub.Flatten(w, resolve)
	case nil:
		return nil
	default:
		_, err := fmt.Fprintf(w, "%v", val)
		return err
	}
}

// Merge returns a full tree: every Unchanged slot in next is replaced by the
// corresponding slot of prev. Merging with a nil or diff-incompatible prev
// fails with ErrNoBaseline.
func Merge(prev, next *Rendered) (*Rendered, error) {
	if !next.Valid() {
		return nil, ErrMalformed
	}
	out := &Rendered{
		Static:      next.Static,
		Dynamic:     make([]interface{}, len(next.Dynamic)),
		Fingerprint: next.Fingerprint,
	}
	for i, v := range next.Dynamic {
		switch val := v.(type) {
		case Unchanged:
			if prev == nil || !prev.Valid() || prev.Fingerprint != next.Fingerprint || i >= len(prev.Dynamic) {
				return nil, ErrNoBaseline
			}
			out.Dynamic[i] = prev.Dynamic[i]
		case *Rendered:
			var prevChild *Rendered
			if prev != nil && i < len(prev.Dynamic) {
				if pc, ok := prev.Dynamic[i].(*Rendered); ok && pc.Fingerprint == val.Fingerprint {
					prevChild = pc
				}
			}
			merged, err := Merge(prevChild, val)
			if err != nil {
				return nil, err
			}
			out.Dynamic[i] = merged
		default:
			out.Dynamic[i] = v
		}
	}
	return out, nil
}

// Wire returns the full wire form of the tree, statics included at every
// level. Used for the first transmission, when the client has no baseline.
func (r *Rendered) Wire() Node {
	node := Node{"s": r.Static}
	for i, v := range r.Dynamic {
		node[strconv.Itoa(i)] = wireValue(v, true)
	}
	return node
}

// Diff produces the minimal wire node describing next relative to prev:
// Unchanged slots are omitted, and static chunks appear only where the
// client cannot already hold them for the slot's fingerprint.
func Diff(prev, next *Rendered) (Node, error) {
	if !next.Valid() {
		return nil, ErrMalformed
	}
	node := Node{}
	sameSkeleton := prev != nil && prev.Valid() && prev.Fingerprint == next.Fingerprint
	if !sameSkeleton {
		node["s"] = next.Static
	}
	for i, v := range next.Dynamic {
		if _, unchanged := v.(Unchanged); unchanged {
			continue
		}
		var prevSlot interface{}
		if sameSkeleton && i < len(prev.Dynamic) {
			prevSlot = prev.Dynamic[i]
		}
		child, err := diffValue(prevSlot, v)
		if err != nil {
			return nil, err
		}
		node[strconv.Itoa(i)] = child
	}
	return node, nil
}

func diffValue(prevSlot, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case *Rendered:
		var prevChild *Rendered
		if pc, ok := prevSlot.(*Rendered); ok && pc.Fingerprint == val.Fingerprint {
			prevChild = pc
		}
		return Diff(prevChild, val)
	case *Comprehension:
		node := Node{"d": val.wireRows()}
		prevComp, ok := prevSlot.(*Comprehension)
		if !ok || !equalStatics(prevComp.Static, val.Static) {
			node["s"] = val.Static
		}
		return node, nil
	case CID:
		return int(val), nil
	case *ComponentRef:
		return nil, fmt.Errorf("rendered: unresolved component reference %q in diff", val.Kind)
	case string:
		return val, nil
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

func wireValue(v interface{}, withStatics bool) interface{} {
	switch val := v.(type) {
	case *Rendered:
		return val.Wire()
	case *Comprehension:
		return Node{"s": val.Static, "d": val.wireRows()}
	case CID:
		return int(val)
	case string:
		return val
	case Unchanged:
		return nil
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (c *Comprehension) wireRows() []interface{} {
	rows := make([]interface{}, len(c.Rows))
	for i, row := range c.Rows {
		cells := make([]interface{}, len(row))
		for j, cell := range row {
			cells[j] = wireValue(cell, false)
		}
		rows[i] = cells
	}
	return rows
}

func equalStatics(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WalkComponents visits every component reference slot in the tree, replacing
// it with the value returned by fn. The component service uses this to swap
// unresolved references for table CIDs.
func (r *Rendered) WalkComponents(fn func(ref *ComponentRef) (interface{}, error)) error {
	for i, v := range r.Dynamic {
		switch val := v.(type) {
		case *ComponentRef:
			replaced, err := fn(val)
			if err != nil {
				return err
			}
			r.Dynamic[i] = replaced
		case *Rendered:
			if err := val.WalkComponents(fn); err != nil {
				return err
			}
		case *Comprehension:
			for _, row := range val.Rows {
				for j, cell := range row {
					if ref, ok := cell.(*ComponentRef); ok {
						replaced, err := fn(ref)
						if err != nil {
							return err
						}
						row[j] = replaced
					}
				}
			}
		}
	}
	return nil
}

// String renders the wire form as compact JSON, for logs and tests.
func (n Node) String() string {
	b, err := json.Marshal(map[string]interface{}(n))
	if err != nil {
		return fmt.Sprintf("rendered.Node(%v)", map[string]interface{}(n))
	}
	return string(b)
}

// FlattenValue renders a single dynamic slot value to its flat string form.
func FlattenValue(v interface{}, resolve ComponentResolver) (string, error) {
	var sb strings.Builder
	if err := flattenValue(&sb, v, resolve); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// FlattenString is a convenience wrapper around Flatten.
func (r *Rendered) FlattenString(resolve ComponentResolver) (string, error) {
	var sb strings.Builder
	if err := r.Flatten(&sb, resolve); err != nil {
		return "", err
	}
	return sb.String(), nil
}
