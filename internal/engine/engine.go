// Package engine compiles html/template sources into change-tracked render
// programs. A template is parsed once; every dynamic expression is classified
// by which named assigns it depends on, and at render time only the slots
// whose inputs changed are recomputed. The output is a rendered.Rendered tree
// keyed by a structural fingerprint of the literal chunks.
package engine

import (
	"fmt"
	"html/template"
	"strings"
	"text/template/parse"

	"github.com/tdewolff/minify/v2"
	mhtml "github.com/tdewolff/minify/v2/html"

	"github.com/livefir/liveview/internal/rendered"
)

// Changed is the set of assign names that changed since the previous render.
// A nil Changed means no change information exists (first render, or change
// tracking disabled): every slot recomputes. An empty, non-nil Changed means
// nothing changed.
type Changed map[string]bool

// Option configures compilation.
type Option func(*options)

type options struct {
	funcs  template.FuncMap
	minify bool
}

// WithFuncs registers template functions available to dynamic expressions.
func WithFuncs(funcs template.FuncMap) Option {
	return func(o *options) {
		if o.funcs == nil {
			o.funcs = template.FuncMap{}
		}
		for name, fn := range funcs {
			o.funcs[name] = fn
		}
	}
}

// WithMinify collapses whitespace in the template source before compilation,
// shrinking the static chunks shipped to clients.
func WithMinify() Option {
	return func(o *options) { o.minify = true }
}

// Program is a compiled template: merged literal chunks, dependency-classified
// dynamic slots and a compile-time fingerprint. Programs are immutable after
// Compile and safe for concurrent Render calls.
type Program struct {
	name        string
	statics     []string
	steps       []step
	nslots      int
	fingerprint string
	funcs       template.FuncMap
}

// Name returns the template name the program was compiled from.
func (p *Program) Name() string { return p.name }

// Fingerprint returns the structural hash of the program's static skeleton.
func (p *Program) Fingerprint() string { return p.fingerprint }

// Statics returns the merged literal chunks (len = slot count + 1).
func (p *Program) Statics() []string { return p.statics }

// SlotCount returns the number of dynamic slots at the top level.
func (p *Program) SlotCount() int { return p.nslots }

// step is one entry of a compiled list scope, in source order: either a
// variable setup ({{$x := ...}}) or a dynamic slot.
type step struct {
	setup *setup
	slot  *slot
}

type setup struct {
	names   []string
	capture *template.Template
}

type slotKind int

const (
	slotExpr slotKind = iota
	slotCond
	slotRange
	slotTemplate
	slotComponent
)

func (k slotKind) String() string {
	switch k {
	case slotExpr:
		return "expr"
	case slotCond:
		return "cond"
	case slotRange:
		return "range"
	case slotTemplate:
		return "template"
	case slotComponent:
		return "component"
	}
	return "unknown"
}

// slot is one dynamic entry. Depending on kind, it either emits output
// directly (out) or captures a pipe value (capture) that drives a nested
// construct.
type slot struct {
	kind  slotKind
	index int
	deps  deps
	src   string

	out     *template.Template
	capture *template.Template

	declNames []string // vars declared by the construct's pipe
	rebindDot bool     // with: body dot is the captured value

	arms [2]*Program // cond: body, else

	body     *Program // range comprehension body
	elseBody *Program // range: rendered flat when the collection is empty

	sub    *Program // nested template invocation
	subDot bool     // invocation argument was "." at root: changed-set flows through
	hasArg bool

	compKind string
}

// SlotInfo describes a compiled slot for inspection tooling.
type SlotInfo struct {
	Index      int
	Kind       string
	Deps       string
	Source     string
	SubProgram *Program
}

// Slots returns a description of every dynamic slot, in source order.
func (p *Program) Slots() []SlotInfo {
	infos := make([]SlotInfo, 0, p.nslots)
	for _, st := range p.steps {
		if st.slot == nil {
			continue
		}
		s := st.slot
		info := SlotInfo{Index: s.index, Kind: s.kind.String(), Deps: s.deps.String(), Source: s.src}
		switch s.kind {
		case slotCond:
			info.SubProgram = s.arms[0]
		case slotRange:
			info.SubProgram = s.body
		case slotTemplate:
			info.SubProgram = s.sub
		}
		infos = append(infos, info)
	}
	return infos
}

// Compile parses and compiles a template source into a Program. Malformed
// templates are a build-time fault: they fail here and never at render time.
func Compile(name, src string, opts ...Option) (*Program, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.minify {
		src = minifySource(src)
	}

	parseFuncs := map[string]interface{}{}
	for fname := range o.funcs {
		parseFuncs[fname] = struct{}{}
	}
	treeSet, err := parse.Parse(name, src, "{{", "}}", builtinStubs(), parseFuncs)
	if err != nil {
		return nil, fmt.Errorf("engine: parse %q: %w", name, err)
	}
	root, ok := treeSet[name]
	if !ok || root.Root == nil {
		return nil, fmt.Errorf("engine: template %q has no parse tree", name)
	}

	c := &compiler{
		name:  name,
		trees: treeSet,
		funcs: o.funcs,
	}
	prog, err := c.compileList(name, root.Root, newTaint())
	if err != nil {
		return nil, err
	}
	return prog, nil
}

var sourceMinifier = func() *minify.M {
	m := minify.New()
	m.AddFunc("text/html", mhtml.Minify)
	return m
}()

// minifySource collapses whitespace in the template source. Falls back to
// the original source if the minifier rejects it.
func minifySource(src string) string {
	out, err := sourceMinifier.String("text/html", src)
	if err != nil {
		return src
	}
	return out
}

// builtinStubs lists the names text/template predeclares, so parse-time
// function checks accept them. Values are never called.
func builtinStubs() map[string]interface{} {
	names := []string{
		"and", "call", "html", "index", "slice", "js", "len", "not", "or",
		"print", "printf", "println", "urlquery",
		"eq", "ge", "gt", "le", "lt", "ne",
		"component",
	}
	stubs := make(map[string]interface{}, len(names))
	for _, n := range names {
		stubs[n] = struct{}{}
	}
	return stubs
}

// Flatten renders the program fully (no change tracking) and returns the
// flat output. Convenience for first HTTP renders and tools.
func (p *Program) Flatten(assigns map[string]interface{}, resolve rendered.ComponentResolver) (string, error) {
	tree, err := p.Render(assigns, nil, nil)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tree.Flatten(&sb, resolve); err != nil {
		return "", err
	}
	return sb.String(), nil
}
