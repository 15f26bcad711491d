package engine

import (
	"sort"
	"strings"
	"text/template/parse"
)

// depKind classifies how a dynamic slot depends on the template's inputs.
type depKind int

const (
	// depNone: the slot never varies with inputs. Computed once and reused,
	// unless no baseline exists at all.
	depNone depKind = iota
	// depNames: the slot recomputes iff the changed-set intersects names.
	depNames
	// depAll: the slot recomputes on every render.
	depAll
)

type deps struct {
	kind  depKind
	names map[string]bool
}

func noDeps() deps  { return deps{kind: depNone} }
func allDeps() deps { return deps{kind: depAll} }
func nameDep(n string) deps {
	return deps{kind: depNames, names: map[string]bool{n: true}}
}

// merge widens d by other: any unconditional side wins, name sets union.
func (d deps) merge(other deps) deps {
	if d.kind == depAll || other.kind == depAll {
		return allDeps()
	}
	if other.kind == depNone {
		return d
	}
	if d.kind == depNone {
		return other
	}
	out := deps{kind: depNames, names: make(map[string]bool, len(d.names)+len(other.names))}
	for n := range d.names {
		out.names[n] = true
	}
	for n := range other.names {
		out.names[n] = true
	}
	return out
}

// stale reports whether the slot must recompute given the live changed-set.
// A nil changed-set carries no information and forces recomputation.
func (d deps) stale(changed Changed) bool {
	if changed == nil {
		return true
	}
	switch d.kind {
	case depAll:
		return true
	case depNone:
		return false
	default:
		for n := range d.names {
			if changed[n] {
				return true
			}
		}
		return false
	}
}

func (d deps) String() string {
	switch d.kind {
	case depAll:
		return "unconditional"
	case depNone:
		return "independent"
	default:
		names := make([]string, 0, len(d.names))
		for n := range d.names {
			names = append(names, n)
		}
		sort.Strings(names)
		return "depends on " + strings.Join(names, ", ")
	}
}

// taint is the context threaded through compilation: whether dot currently
// refers to the assigns root. Only then can a field reference be attributed
// to a named input. Local variables need no tracking here: a `$var` the
// template references is always a declared binding, and touching any binding
// makes a slot unconditional.
type taint struct {
	dotRoot bool
}

func newTaint() taint {
	return taint{dotRoot: true}
}

// branch returns the context for a construct body, which may rebind dot.
func (t taint) branch(dotRoot bool) taint {
	return taint{dotRoot: dotRoot}
}

// analyzePipe classifies one pipeline's dependency on the named inputs under
// the current taint context. Rules:
//
//   - .Name with dot at the root marks Name as a dependency.
//   - . or $ alone references the whole input collection: unconditional.
//   - any field access while dot is rebound (range/with body) touches a
//     local binding: unconditional.
//   - $var where var is a bound local: unconditional.
//   - $.Name reaches a single named input through the root: depends on Name.
//   - literals and function identifiers contribute nothing.
func analyzePipe(pipe *parse.PipeNode, tc taint) deps {
	if pipe == nil {
		return noDeps()
	}
	d := noDeps()
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			d = d.merge(analyzeArg(arg, tc))
		}
	}
	return d
}

func analyzeArg(node parse.Node, tc taint) deps {
	switch n := node.(type) {
	case *parse.FieldNode:
		if !tc.dotRoot {
			return allDeps()
		}
		if len(n.Ident) == 0 {
			return allDeps()
		}
		return nameDep(n.Ident[0])
	case *parse.DotNode:
		// Whole-collection reference, root or rebound alike.
		return allDeps()
	case *parse.VariableNode:
		if len(n.Ident) == 0 {
			return allDeps()
		}
		if n.Ident[0] == "$" {
			if len(n.Ident) == 1 {
				return allDeps()
			}
			return nameDep(n.Ident[1])
		}
		// Named local binding: cannot be attributed to specific inputs.
		return allDeps()
	case *parse.ChainNode:
		return analyzeArg(n.Node, tc)
	case *parse.PipeNode:
		return analyzePipe(n, tc)
	case *parse.CommandNode:
		d := noDeps()
		for _, arg := range n.Args {
			d = d.merge(analyzeArg(arg, tc))
		}
		return d
	case *parse.IdentifierNode, *parse.StringNode, *parse.NumberNode,
		*parse.BoolNode, *parse.NilNode:
		return noDeps()
	default:
		// Unknown argument shape: recompute conservatively.
		return allDeps()
	}
}

// declaredNames extracts the variable names a pipe declares or assigns,
// without the leading "$".
func declaredNames(pipe *parse.PipeNode) []string {
	if pipe == nil || len(pipe.Decl) == 0 {
		return nil
	}
	names := make([]string, 0, len(pipe.Decl))
	for _, decl := range pipe.Decl {
		if len(decl.Ident) > 0 {
			names = append(names, strings.TrimPrefix(decl.Ident[0], "$"))
		}
	}
	return names
}
