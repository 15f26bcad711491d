package engine

import (
	"fmt"
	"html/template"
	"strings"
	"text/template/parse"
)

// Dynamic expressions are evaluated by small per-slot templates compiled once
// at build time. The original pipe is rewritten so that it executes against
// an evalScope value instead of the raw assigns: "." becomes ".Dot", "$"
// becomes ".Root" and "$x" becomes ".Vars.x". Construct pipes (if/with/range
// arguments, component assigns) are wrapped in {{.Capture (...)}} so the
// evaluator can observe the underlying value rather than its printed form.

// rewritePipe renders a pipe as scope-relative template text. Declarations
// are dropped: the evaluator binds variables itself.
func rewritePipe(pipe *parse.PipeNode) string {
	cmds := make([]string, len(pipe.Cmds))
	for i, cmd := range pipe.Cmds {
		cmds[i] = rewriteCommand(cmd)
	}
	return strings.Join(cmds, " | ")
}

func rewriteCommand(cmd *parse.CommandNode) string {
	args := make([]string, len(cmd.Args))
	for i, arg := range cmd.Args {
		args[i] = rewriteArg(arg)
	}
	return strings.Join(args, " ")
}

func rewriteArg(node parse.Node) string {
	switch n := node.(type) {
	case *parse.FieldNode:
		return ".Dot." + strings.Join(n.Ident, ".")
	case *parse.DotNode:
		return ".Dot"
	case *parse.VariableNode:
		if n.Ident[0] == "$" {
			if len(n.Ident) == 1 {
				return ".Root"
			}
			return ".Root." + strings.Join(n.Ident[1:], ".")
		}
		expr := ".Vars." + strings.TrimPrefix(n.Ident[0], "$")
		if len(n.Ident) > 1 {
			expr += "." + strings.Join(n.Ident[1:], ".")
		}
		return expr
	case *parse.ChainNode:
		return rewriteArg(n.Node) + "." + strings.Join(n.Field, ".")
	case *parse.PipeNode:
		return "(" + rewritePipe(n) + ")"
	case *parse.CommandNode:
		return rewriteCommand(n)
	case *parse.IdentifierNode:
		return n.Ident
	case *parse.StringNode:
		return n.Quoted
	case *parse.NumberNode:
		return n.Text
	case *parse.BoolNode:
		if n.True {
			return "true"
		}
		return "false"
	case *parse.NilNode:
		return "nil"
	default:
		return n.String()
	}
}

// compileOutput builds the per-slot template that emits a pipe's output.
func compileOutput(name string, pipe *parse.PipeNode, funcs template.FuncMap) (*template.Template, error) {
	text := "{{" + rewritePipe(pipe) + "}}"
	tmpl, err := template.New(name).Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("engine: compile slot %s: %w", name, err)
	}
	return tmpl, nil
}

// compileCapture builds the per-slot template that captures a pipe's value.
func compileCapture(name string, pipe *parse.PipeNode, funcs template.FuncMap) (*template.Template, error) {
	return compileCaptureText(name, rewritePipe(pipe), funcs)
}

// compileCaptureText is compileCapture for an already-rewritten expression.
func compileCaptureText(name, expr string, funcs template.FuncMap) (*template.Template, error) {
	text := "{{.Capture (" + expr + ")}}"
	tmpl, err := template.New(name).Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("engine: compile capture %s: %w", name, err)
	}
	return tmpl, nil
}
