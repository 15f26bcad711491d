package engine

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"reflect"
	"sort"
	ttemplate "text/template"

	"github.com/livefir/liveview/internal/rendered"
)

// evalScope is the data every per-slot template executes against. Dot is the
// current context, Root the value the template was invoked with, Vars the
// live local bindings.
type evalScope struct {
	Root     interface{}
	Dot      interface{}
	Vars     map[string]interface{}
	captured interface{}
}

// Capture records the value of a construct pipe so the evaluator can act on
// the value rather than its printed form. It emits nothing.
func (s *evalScope) Capture(v interface{}) string {
	s.captured = v
	return ""
}

// branch clones the scope for a construct body so bindings made inside do
// not leak to siblings or the parent.
func (s *evalScope) branch() *evalScope {
	vars := make(map[string]interface{}, len(s.Vars))
	for k, v := range s.Vars {
		vars[k] = v
	}
	return &evalScope{Root: s.Root, Dot: s.Dot, Vars: vars}
}

// Render evaluates the program against assigns. changed is the set of assign
// names modified since prev was produced; a nil changed (or a prev that is
// missing or diff-incompatible) disables tracking and recomputes every slot,
// so a slot that could never be computed is never emitted.
func (p *Program) Render(assigns map[string]interface{}, changed Changed, prev *rendered.Rendered) (*rendered.Rendered, error) {
	sc := &evalScope{Root: assigns, Dot: assigns, Vars: map[string]interface{}{}}
	return p.render(sc, changed, prev)
}

func (p *Program) render(sc *evalScope, changed Changed, prev *rendered.Rendered) (*rendered.Rendered, error) {
	compatible := prev != nil && prev.Valid() &&
		prev.Fingerprint == p.fingerprint && len(prev.Dynamic) == p.nslots
	if !compatible {
		changed = nil
		prev = nil
	}

	out := &rendered.Rendered{
		Static:      p.statics,
		Dynamic:     make([]interface{}, p.nslots),
		Fingerprint: p.fingerprint,
	}
	for _, st := range p.steps {
		if st.setup != nil {
			v, err := captureValue(st.setup.capture, sc)
			if err != nil {
				return nil, fmt.Errorf("engine: %s: %w", p.name, err)
			}
			for _, n := range st.setup.names {
				sc.Vars[n] = v
			}
			continue
		}

		s := st.slot
		if !s.deps.stale(changed) {
			out.Dynamic[s.index] = rendered.Unchanged{}
			continue
		}
		var prevSlot interface{}
		if prev != nil {
			prevSlot = prev.Dynamic[s.index]
		}
		v, err := p.evalSlot(s, sc, changed, prevSlot)
		if err != nil {
			return nil, fmt.Errorf("engine: %s slot %d %s: %w", p.name, s.index, s.src, err)
		}
		out.Dynamic[s.index] = v
	}
	return out, nil
}

func (p *Program) evalSlot(s *slot, sc *evalScope, changed Changed, prevSlot interface{}) (interface{}, error) {
	switch s.kind {
	case slotExpr:
		return executeString(s.out, sc)

	case slotComponent:
		return p.evalComponent(s, sc)

	case slotCond:
		return p.evalCond(s, sc, changed, prevSlot)

	case slotRange:
		return p.evalRange(s, sc)

	case slotTemplate:
		return p.evalInvoke(s, sc, changed, prevSlot)
	}
	return nil, fmt.Errorf("unknown slot kind %d", s.kind)
}

func (p *Program) evalComponent(s *slot, sc *evalScope) (interface{}, error) {
	var assigns map[string]interface{}
	if s.capture != nil {
		v, err := captureValue(s.capture, sc)
		if err != nil {
			return nil, err
		}
		assigns = toAssigns(v)
	}
	id := ""
	if v, ok := assigns["id"]; ok {
		id = fmt.Sprintf("%v", v)
	}
	return &rendered.ComponentRef{Kind: s.compKind, ID: id, Assigns: assigns}, nil
}

// evalCond evaluates the condition, selects the arm, and renders it as a
// nested tree. The arm may only emit unchanged-markers when the previous
// render selected the same arm: the nested render compares fingerprints and
// otherwise falls back to a full render.
func (p *Program) evalCond(s *slot, sc *evalScope, changed Changed, prevSlot interface{}) (interface{}, error) {
	v, err := captureValue(s.capture, sc)
	if err != nil {
		return nil, err
	}
	truth, _ := ttemplate.IsTrue(v)
	var arm *Program
	if truth {
		arm = s.arms[0]
	} else {
		arm = s.arms[1]
	}
	if arm == nil {
		// False condition with no else arm still occupies the slot so the
		// diff can track the branch switching back.
		return "", nil
	}

	armSc := sc.branch()
	if s.rebindDot {
		armSc.Dot = v
	}
	for _, n := range s.declNames {
		armSc.Vars[n] = v
	}
	var prevChild *rendered.Rendered
	if pc, ok := prevSlot.(*rendered.Rendered); ok {
		prevChild = pc
	}
	return arm.render(armSc, changed, prevChild)
}

// evalRange materializes a comprehension: shared statics hoisted from the
// body, one row of flat dynamic values per element. Rows never carry nested
// fingerprints; the whole slot is recomputed or omitted as a unit.
func (p *Program) evalRange(s *slot, sc *evalScope) (interface{}, error) {
	coll, err := captureValue(s.capture, sc)
	if err != nil {
		return nil, err
	}
	keys, items, err := iterate(coll)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		if s.elseBody != nil {
			return s.elseBody.renderFlat(sc.branch())
		}
		return &rendered.Comprehension{Static: s.body.statics}, nil
	}

	rows := make([][]interface{}, 0, len(items))
	for i, item := range items {
		rowSc := sc.branch()
		rowSc.Dot = item
		switch len(s.declNames) {
		case 1:
			rowSc.Vars[s.declNames[0]] = item
		case 2:
			rowSc.Vars[s.declNames[0]] = keys[i]
			rowSc.Vars[s.declNames[1]] = item
		}
		row, err := s.body.renderRow(rowSc)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return &rendered.Comprehension{Static: s.body.statics, Rows: rows}, nil
}

func (p *Program) evalInvoke(s *slot, sc *evalScope, changed Changed, prevSlot interface{}) (interface{}, error) {
	var arg interface{}
	if s.hasArg {
		v, err := captureValue(s.capture, sc)
		if err != nil {
			return nil, err
		}
		arg = v
	}
	subSc := &evalScope{Root: arg, Dot: arg, Vars: map[string]interface{}{}}

	// Change tracking is only meaningful inside the sub-template when it was
	// invoked with "." at the root: then its inputs are the same assigns.
	subChanged := Changed(nil)
	var prevChild *rendered.Rendered
	if s.subDot {
		subChanged = changed
		if pc, ok := prevSlot.(*rendered.Rendered); ok {
			prevChild = pc
		}
	}
	return s.sub.render(subSc, subChanged, prevChild)
}

// renderRow renders the comprehension body fully and flattens each dynamic
// slot to a plain cell: raw output or a component reference, never a nested
// change-tracked tree.
func (p *Program) renderRow(sc *evalScope) ([]interface{}, error) {
	tree, err := p.render(sc, nil, nil)
	if err != nil {
		return nil, err
	}
	row := make([]interface{}, len(tree.Dynamic))
	for i, v := range tree.Dynamic {
		switch val := v.(type) {
		case string:
			row[i] = val
		case *rendered.ComponentRef:
			row[i] = val
		default:
			flat, err := rendered.FlattenValue(v, nil)
			if err != nil {
				return nil, fmt.Errorf("flatten row cell %d: %w", i, err)
			}
			row[i] = flat
		}
	}
	return row, nil
}

// renderFlat renders a sub-program and flattens it to raw output.
func (p *Program) renderFlat(sc *evalScope) (string, error) {
	tree, err := p.render(sc, nil, nil)
	if err != nil {
		return "", err
	}
	return tree.FlattenString(nil)
}

func executeString(tmpl *template.Template, sc *evalScope) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, sc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func captureValue(tmpl *template.Template, sc *evalScope) (interface{}, error) {
	sc.captured = nil
	if err := tmpl.Execute(io.Discard, sc); err != nil {
		return nil, err
	}
	return sc.captured, nil
}

// iterate walks a range collection the way text/template does: slices and
// arrays by index, maps by sorted key, integers as 0..n-1.
func iterate(coll interface{}) (keys, items []interface{}, err error) {
	if coll == nil {
		return nil, nil, nil
	}
	v := reflect.ValueOf(coll)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil, nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			keys = append(keys, i)
			items = append(items, v.Index(i).Interface())
		}
		return keys, items, nil
	case reflect.Map:
		mapKeys := v.MapKeys()
		sort.Slice(mapKeys, func(i, j int) bool {
			return fmt.Sprint(mapKeys[i].Interface()) < fmt.Sprint(mapKeys[j].Interface())
		})
		for _, k := range mapKeys {
			keys = append(keys, k.Interface())
			items = append(items, v.MapIndex(k).Interface())
		}
		return keys, items, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		for i := int64(0); i < v.Int(); i++ {
			keys = append(keys, int(i))
			items = append(items, int(i))
		}
		return keys, items, nil
	default:
		return nil, nil, fmt.Errorf("range over non-iterable %s", v.Kind())
	}
}

// toAssigns coerces a component assigns argument into a named map.
func toAssigns(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		for _, k := range rv.MapKeys() {
			out[fmt.Sprint(k.Interface())] = rv.MapIndex(k).Interface()
		}
		return out
	case reflect.Struct:
		t := rv.Type()
		out := make(map[string]interface{}, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			if t.Field(i).PkgPath != "" {
				continue
			}
			out[t.Field(i).Name] = rv.Field(i).Interface()
		}
		return out
	default:
		return map[string]interface{}{"value": v}
	}
}
