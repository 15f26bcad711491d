package liveview

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"

	"github.com/livefir/liveview/internal/engine"
	"github.com/livefir/liveview/internal/rendered"
)

// Template is a compiled live template: a static skeleton with
// dependency-classified dynamic slots. Compile once, render many times; each
// render recomputes only the slots whose inputs changed.
type Template struct {
	name    string
	program *engine.Program
}

// TemplateOption configures template compilation.
type TemplateOption func(*templateConfig)

type templateConfig struct {
	funcs  template.FuncMap
	minify bool
}

// WithFuncs registers additional template functions.
func WithFuncs(funcs template.FuncMap) TemplateOption {
	return func(c *templateConfig) { c.funcs = funcs }
}

// WithMinify minifies the template source before compilation so the static
// skeleton ships less text.
func WithMinify() TemplateOption {
	return func(c *templateConfig) { c.minify = true }
}

// Parse compiles template source. A malformed template is a build fault:
// it fails here and never surfaces at render time.
func Parse(name, src string, opts ...TemplateOption) (*Template, error) {
	cfg := templateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	var engOpts []engine.Option
	if cfg.funcs != nil {
		engOpts = append(engOpts, engine.WithFuncs(cfg.funcs))
	}
	if cfg.minify {
		engOpts = append(engOpts, engine.WithMinify())
	}
	program, err := engine.Compile(name, src, engOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile template %q: %w", name, err)
	}
	return &Template{name: name, program: program}, nil
}

// MustParse is Parse that panics on error, for package-level template vars.
func MustParse(name, src string, opts ...TemplateOption) *Template {
	t, err := Parse(name, src, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseFile compiles a template from disk, named after its base name.
func ParseFile(path string, opts ...TemplateOption) (*Template, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %q: %w", path, err)
	}
	return Parse(filepath.Base(path), string(src), opts...)
}

// Name returns the template's compile-time name.
func (t *Template) Name() string { return t.name }

// Fingerprint returns the structural hash of the template's static skeleton.
func (t *Template) Fingerprint() string { return t.program.Fingerprint() }

// Render evaluates the template against assigns, recomputing only the slots
// whose dependencies intersect changed. prev is the previous render's tree;
// pass nil on the first render.
func (t *Template) Render(assigns map[string]interface{}, changed engine.Changed, prev *rendered.Rendered) (*rendered.Rendered, error) {
	return t.program.Render(assigns, changed, prev)
}

// Execute performs a full render and writes the flattened output. Component
// references are resolved through resolve; pass nil when the template has no
// components.
func (t *Template) Execute(w io.Writer, assigns map[string]interface{}, resolve rendered.ComponentResolver) error {
	tree, err := t.program.Render(assigns, nil, nil)
	if err != nil {
		return err
	}
	return tree.Flatten(w, resolve)
}

// Slots reports the compiled dynamic slots with their dependency
// classification, for tooling and debugging.
func (t *Template) Slots() []engine.SlotInfo { return t.program.Slots() }
