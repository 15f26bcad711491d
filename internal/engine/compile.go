package engine

import (
	"fmt"
	"html/template"
	"text/template/parse"

	"github.com/livefir/liveview/internal/rendered"
)

type compiler struct {
	name      string
	trees     map[string]*parse.Tree
	funcs     template.FuncMap
	compiling map[string]bool // template invocation recursion guard
}

// compileList partitions a list scope into literal and dynamic entries in
// source order, running the analyzer over each dynamic entry left to right
// and threading the taint context forward: a binding introduced by entry k
// can taint entry k+1.
func (c *compiler) compileList(name string, list *parse.ListNode, tc taint) (*Program, error) {
	p := &Program{name: name, funcs: c.funcs}
	statics := []string{""}

	addSlot := func(s *slot) {
		s.index = p.nslots
		p.nslots++
		statics = append(statics, "")
		p.steps = append(p.steps, step{slot: s})
	}

	if list != nil {
		for _, node := range list.Nodes {
			switch n := node.(type) {
			case *parse.TextNode:
				statics[len(statics)-1] += string(n.Text)

			case *parse.CommentNode:
				// Comments produce no output and no slot.

			case *parse.ActionNode:
				if names := declaredNames(n.Pipe); len(names) > 0 {
					// {{$x := ...}} emits nothing; it binds a variable whose
					// value is recomputed every render, and taints every
					// later expression that touches it.
					capture, err := compileCapture(name+":setup", n.Pipe, c.funcs)
					if err != nil {
						return nil, err
					}
					p.steps = append(p.steps, step{setup: &setup{names: names, capture: capture}})
					continue
				}
				s, err := c.compileAction(name, n, tc)
				if err != nil {
					return nil, err
				}
				addSlot(s)

			case *parse.IfNode:
				s, err := c.compileCond(name, n.Pipe, n.List, n.ElseList, tc, false)
				if err != nil {
					return nil, err
				}
				addSlot(s)

			case *parse.WithNode:
				s, err := c.compileCond(name, n.Pipe, n.List, n.ElseList, tc, true)
				if err != nil {
					return nil, err
				}
				addSlot(s)

			case *parse.RangeNode:
				s, err := c.compileRange(name, n, tc)
				if err != nil {
					return nil, err
				}
				addSlot(s)

			case *parse.TemplateNode:
				s, err := c.compileInvoke(name, n, tc)
				if err != nil {
					return nil, err
				}
				addSlot(s)

			case *parse.BreakNode, *parse.ContinueNode:
				return nil, fmt.Errorf("engine: %s: break/continue are not supported in change-tracked templates", name)

			default:
				return nil, fmt.Errorf("engine: %s: unhandled construct %T", name, n)
			}
		}
	}

	if len(statics) != p.nslots+1 {
		return nil, fmt.Errorf("engine: %s: %w", name, rendered.ErrMalformed)
	}
	p.statics = statics
	p.fingerprint = rendered.Fingerprint(statics)
	return p, nil
}

// compileAction compiles {{pipeline}} into an expression or component slot.
func (c *compiler) compileAction(name string, n *parse.ActionNode, tc taint) (*slot, error) {
	if kind, assignsArg, ok := componentCall(n.Pipe); ok {
		s := &slot{kind: slotComponent, compKind: kind, deps: noDeps(), src: n.String()}
		if assignsArg != nil {
			capture, err := compileCaptureText(name+":component", rewriteArg(assignsArg), c.funcs)
			if err != nil {
				return nil, err
			}
			s.capture = capture
			s.deps = analyzeArg(assignsArg, tc)
		}
		return s, nil
	}

	out, err := compileOutput(name+":expr", n.Pipe, c.funcs)
	if err != nil {
		return nil, err
	}
	return &slot{kind: slotExpr, deps: analyzePipe(n.Pipe, tc), out: out, src: n.String()}, nil
}

// compileCond compiles if/with into a single dynamic slot. The parent cannot
// statically know which arm fires, so the slot recomputes unconditionally;
// each arm is an independently compiled sub-program with its own fingerprint
// and an arm-local taint context, so narrowing inside an arm still works and
// bindings in one arm never taint a sibling.
func (c *compiler) compileCond(name string, pipe *parse.PipeNode, body, elseBody *parse.ListNode, tc taint, rebindDot bool) (*slot, error) {
	capture, err := compileCapture(name+":cond", pipe, c.funcs)
	if err != nil {
		return nil, err
	}
	s := &slot{
		kind:      slotCond,
		deps:      allDeps(),
		capture:   capture,
		declNames: declaredNames(pipe),
		rebindDot: rebindDot,
		src:       "{{" + condKeyword(rebindDot) + " " + pipe.String() + "}}",
	}

	armTaint := tc.branch(tc.dotRoot && !rebindDot)
	s.arms[0], err = c.compileList(name+":then", body, armTaint)
	if err != nil {
		return nil, err
	}
	if elseBody != nil {
		elseTaint := tc.branch(tc.dotRoot && !rebindDot)
		s.arms[1], err = c.compileList(name+":else", elseBody, elseTaint)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func condKeyword(rebindDot bool) string {
	if rebindDot {
		return "with"
	}
	return "if"
}

// compileRange compiles an iteration construct into a comprehension slot.
// Static chunks are hoisted out of the body; the body is compiled with
// dependency narrowing disabled: rows recompute as a whole whenever the
// comprehension slot recomputes, and never track per-cell staleness.
func (c *compiler) compileRange(name string, n *parse.RangeNode, tc taint) (*slot, error) {
	capture, err := compileCapture(name+":range", n.Pipe, c.funcs)
	if err != nil {
		return nil, err
	}
	s := &slot{
		kind:      slotRange,
		deps:      analyzePipe(n.Pipe, tc),
		capture:   capture,
		declNames: declaredNames(n.Pipe),
		src:       "{{range " + n.Pipe.String() + "}}",
	}

	bodyTaint := tc.branch(false)
	s.body, err = c.compileList(name+":row", n.List, bodyTaint)
	if err != nil {
		return nil, err
	}
	if n.ElseList != nil {
		elseTaint := tc.branch(tc.dotRoot)
		s.elseBody, err = c.compileList(name+":empty", n.ElseList, elseTaint)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// compileInvoke compiles {{template "name" pipeline}} into a nested
// sub-program with its own fingerprint and a tainting run started fresh.
func (c *compiler) compileInvoke(name string, n *parse.TemplateNode, tc taint) (*slot, error) {
	tree, ok := c.trees[n.Name]
	if !ok || tree.Root == nil {
		return nil, fmt.Errorf("engine: %s: invoked template %q is not defined", name, n.Name)
	}
	if c.compiling == nil {
		c.compiling = map[string]bool{}
	}
	if c.compiling[n.Name] {
		return nil, fmt.Errorf("engine: %s: recursive template invocation %q", name, n.Name)
	}
	c.compiling[n.Name] = true
	sub, err := c.compileList(n.Name, tree.Root, newTaint())
	delete(c.compiling, n.Name)
	if err != nil {
		return nil, err
	}

	s := &slot{kind: slotTemplate, sub: sub, deps: noDeps(), src: n.String()}
	if n.Pipe != nil {
		s.hasArg = true
		s.deps = analyzePipe(n.Pipe, tc)
		s.subDot = tc.dotRoot && pipeIsDot(n.Pipe)
		s.capture, err = compileCapture(name+":invoke", n.Pipe, c.funcs)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// pipeIsDot reports whether a pipe is exactly ".", meaning the sub-template
// receives the same assigns root and the changed-set stays meaningful inside.
func pipeIsDot(pipe *parse.PipeNode) bool {
	if len(pipe.Cmds) != 1 || len(pipe.Cmds[0].Args) != 1 {
		return false
	}
	_, isDot := pipe.Cmds[0].Args[0].(*parse.DotNode)
	return isDot
}

// componentCall recognizes {{component "kind" assigns?}} and returns the
// component kind plus the optional assigns argument.
func componentCall(pipe *parse.PipeNode) (kind string, assigns parse.Node, ok bool) {
	if pipe == nil || len(pipe.Cmds) != 1 {
		return "", nil, false
	}
	cmd := pipe.Cmds[0]
	ident, isIdent := cmd.Args[0].(*parse.IdentifierNode)
	if !isIdent || ident.Ident != "component" {
		return "", nil, false
	}
	if len(cmd.Args) < 2 || len(cmd.Args) > 3 {
		return "", nil, false
	}
	kindNode, isString := cmd.Args[1].(*parse.StringNode)
	if !isString {
		return "", nil, false
	}
	if len(cmd.Args) == 3 {
		assigns = cmd.Args[2]
	}
	return kindNode.Text, assigns, true
}
