package liveview

import (
	"context"
	"fmt"
	"html/template"

	"github.com/livefir/liveview/internal/engine"
	"github.com/livefir/liveview/internal/rendered"
)

// ComponentTable is the per-session diff bookkeeping owned by the component
// service. It is opaque to the channel, which only threads it through calls.
type ComponentTable interface{}

// ComponentDiffer is the component-diff service: it resolves component
// references produced by a render into table entries and emits only the
// deltas of nested stateful components. The channel makes exactly these
// calls; how the table stores its diffs internally is the service's own
// business.
type ComponentDiffer interface {
	// NewTable creates an empty table for a new session.
	NewTable() ComponentTable

	// Render resolves every component reference in tree against the table,
	// mounting new components and diffing known ones. It returns the tree
	// with references replaced by table CIDs, the isolated component diffs,
	// and the updated table.
	Render(ctx context.Context, s *Socket, tree *rendered.Rendered, table ComponentTable) (*rendered.Rendered, map[int]rendered.Node, ComponentTable, error)

	// Update applies a server-initiated assign patch to one component.
	// ok is false when nothing changed and no message should be sent.
	Update(ctx context.Context, s *Socket, table ComponentTable, req UpdatePayload) (diffs map[int]rendered.Node, out ComponentTable, ok bool, err error)

	// DispatchEvent delivers a user event to the component owning cid and
	// returns its isolated diff. Component callbacks may not redirect.
	DispatchEvent(ctx context.Context, s *Socket, cid int, event string, payload *EventPayload, table ComponentTable) (map[int]rendered.Node, ComponentTable, error)

	// Purge drops the given component identities from the table.
	Purge(cids []int, table ComponentTable) ComponentTable
}

// Component is a nested, independently stateful, separately diffed UI unit.
// Mount is required; event handling and update interception are optional
// capabilities, mirroring the view contract.
type Component interface {
	Mount(ctx context.Context, s *Socket) error
}

// ComponentEventHandler receives events addressed to the component's CID.
type ComponentEventHandler interface {
	HandleEvent(ctx context.Context, s *Socket, event string, payload *EventPayload) error
}

// ComponentUpdater intercepts assign patches before they are merged. When a
// component does not implement it, patches merge directly into its assigns.
type ComponentUpdater interface {
	Update(ctx context.Context, s *Socket, assigns map[string]interface{}) error
}

// ComponentDef declares one component kind: its template and an optional
// constructor for stateful behavior.
type ComponentDef struct {
	Name     string
	Template string
	Funcs    template.FuncMap
	New      func() Component
}

// ComponentRegistry is the default ComponentDiffer: a registry of component
// kinds compiled once, with per-session tables tracking assigns and previous
// trees so each component ships only its delta.
type ComponentRegistry struct {
	defs map[string]*compiledDef
}

type compiledDef struct {
	ComponentDef
	program *engine.Program
}

// NewComponentRegistry creates an empty registry.
func NewComponentRegistry() *ComponentRegistry {
	return &ComponentRegistry{defs: make(map[string]*compiledDef)}
}

// Register compiles and registers a component kind. Registering the same
// name twice is an error.
func (r *ComponentRegistry) Register(def ComponentDef) error {
	if def.Name == "" {
		return fmt.Errorf("liveview: component definition needs a name")
	}
	if _, dup := r.defs[def.Name]; dup {
		return fmt.Errorf("liveview: component %q already registered", def.Name)
	}
	opts := []engine.Option{}
	if def.Funcs != nil {
		opts = append(opts, engine.WithFuncs(def.Funcs))
	}
	prog, err := engine.Compile(def.Name, def.Template, opts...)
	if err != nil {
		return err
	}
	r.defs[def.Name] = &compiledDef{ComponentDef: def, program: prog}
	return nil
}

// componentTable tracks the live components of one session. It is owned and
// mutated exclusively by the owning session's goroutine.
type componentTable struct {
	nextCID    int
	byIdentity map[string]*componentState
	byCID      map[int]*componentState
}

type componentState struct {
	cid    int
	key    string
	def    *compiledDef
	comp   Component
	socket *Socket
	tree   *rendered.Rendered
}

func identityKey(kind, id string) string { return kind + ":" + id }

// NewTable implements ComponentDiffer.
func (r *ComponentRegistry) NewTable() ComponentTable {
	return &componentTable{
		nextCID:    1,
		byIdentity: make(map[string]*componentState),
		byCID:      make(map[int]*componentState),
	}
}

func (r *ComponentRegistry) table(t ComponentTable) (*componentTable, error) {
	if t == nil {
		return r.NewTable().(*componentTable), nil
	}
	tbl, ok := t.(*componentTable)
	if !ok {
		return nil, fmt.Errorf("liveview: foreign component table %T", t)
	}
	return tbl, nil
}

// Render implements ComponentDiffer.
func (r *ComponentRegistry) Render(ctx context.Context, s *Socket, tree *rendered.Rendered, table ComponentTable) (*rendered.Rendered, map[int]rendered.Node, ComponentTable, error) {
	tbl, err := r.table(table)
	if err != nil {
		return nil, nil, table, err
	}
	diffs := make(map[int]rendered.Node)
	err = tree.WalkComponents(func(ref *rendered.ComponentRef) (interface{}, error) {
		def, ok := r.defs[ref.Kind]
		if !ok {
			return nil, fmt.Errorf("liveview: unknown component kind %q", ref.Kind)
		}
		key := identityKey(ref.Kind, ref.ID)
		state, known := tbl.byIdentity[key]
		if !known {
			state = &componentState{cid: tbl.nextCID, key: key, def: def, socket: newSocket(s.Topic())}
			state.socket.connected = s.connected
			tbl.nextCID++
			state.socket.AssignMap(ref.Assigns)
			if def.New != nil {
				comp := def.New()
				if err := comp.Mount(ctx, state.socket); err != nil {
					return nil, err
				}
				if err := componentRedirectFault(state.socket, ref.Kind, "Mount"); err != nil {
					return nil, err
				}
				state.comp = comp
			}
			tbl.byIdentity[key] = state
			tbl.byCID[state.cid] = state
			node, err := r.renderComponent(state, true)
			if err != nil {
				return nil, err
			}
			diffs[state.cid] = node
			return rendered.CID(state.cid), nil
		}

		state.socket.AssignMap(ref.Assigns)
		if state.socket.hasChanges() {
			node, err := r.renderComponent(state, false)
			if err != nil {
				return nil, err
			}
			if len(node) > 0 {
				diffs[state.cid] = node
			}
		}
		return rendered.CID(state.cid), nil
	})
	if err != nil {
		return nil, nil, tbl, err
	}
	return tree, diffs, tbl, nil
}

// Update implements ComponentDiffer.
func (r *ComponentRegistry) Update(ctx context.Context, s *Socket, table ComponentTable, req UpdatePayload) (map[int]rendered.Node, ComponentTable, bool, error) {
	tbl, err := r.table(table)
	if err != nil {
		return nil, table, false, err
	}
	state, ok := tbl.byIdentity[identityKey(req.Kind, req.ID)]
	if !ok {
		return nil, tbl, false, nil
	}
	if updater, ok := state.comp.(ComponentUpdater); ok {
		if err := updater.Update(ctx, state.socket, req.Assigns); err != nil {
			return nil, tbl, false, err
		}
		if err := componentRedirectFault(state.socket, req.Kind, "Update"); err != nil {
			return nil, tbl, false, err
		}
	} else {
		state.socket.AssignMap(req.Assigns)
	}
	if !state.socket.hasChanges() {
		return nil, tbl, false, nil
	}
	node, err := r.renderComponent(state, false)
	if err != nil {
		return nil, tbl, false, err
	}
	if len(node) == 0 {
		return nil, tbl, false, nil
	}
	return map[int]rendered.Node{state.cid: node}, tbl, true, nil
}

// DispatchEvent implements ComponentDiffer.
func (r *ComponentRegistry) DispatchEvent(ctx context.Context, s *Socket, cid int, event string, payload *EventPayload, table ComponentTable) (map[int]rendered.Node, ComponentTable, error) {
	tbl, err := r.table(table)
	if err != nil {
		return nil, table, err
	}
	state, ok := tbl.byCID[cid]
	if !ok {
		return nil, tbl, fmt.Errorf("liveview: event for unknown component cid %d", cid)
	}
	handler, ok := state.comp.(ComponentEventHandler)
	if !ok {
		return nil, tbl, contractFault(state.def.Name, "HandleEvent", "component does not handle events")
	}
	if err := handler.HandleEvent(ctx, state.socket, event, payload); err != nil {
		return nil, tbl, err
	}
	if err := componentRedirectFault(state.socket, state.def.Name, "HandleEvent"); err != nil {
		return nil, tbl, err
	}
	if !state.socket.hasChanges() {
		return nil, tbl, nil
	}
	node, err := r.renderComponent(state, false)
	if err != nil {
		return nil, tbl, err
	}
	if len(node) == 0 {
		return nil, tbl, nil
	}
	return map[int]rendered.Node{state.cid: node}, tbl, nil
}

// StaticResolver mounts and renders components inline for a disconnected
// full-page render. No table is built; the live session re-mounts them on
// join.
func (r *ComponentRegistry) StaticResolver(ctx context.Context, topic string) rendered.ComponentResolver {
	return func(value interface{}) (*rendered.Rendered, error) {
		ref, ok := value.(*rendered.ComponentRef)
		if !ok {
			return nil, fmt.Errorf("liveview: cannot statically resolve component slot %T", value)
		}
		def, found := r.defs[ref.Kind]
		if !found {
			return nil, fmt.Errorf("liveview: unknown component kind %q", ref.Kind)
		}
		sc := newSocket(topic)
		sc.AssignMap(ref.Assigns)
		if def.New != nil {
			comp := def.New()
			if err := comp.Mount(ctx, sc); err != nil {
				return nil, err
			}
			if err := componentRedirectFault(sc, ref.Kind, "Mount"); err != nil {
				return nil, err
			}
		}
		return def.program.Render(sc.Assigns(), nil, nil)
	}
}

// Purge implements ComponentDiffer.
func (r *ComponentRegistry) Purge(cids []int, table ComponentTable) ComponentTable {
	tbl, err := r.table(table)
	if err != nil {
		return table
	}
	for _, cid := range cids {
		state, ok := tbl.byCID[cid]
		if !ok {
			continue
		}
		delete(tbl.byCID, cid)
		delete(tbl.byIdentity, state.key)
	}
	return tbl
}

func (r *ComponentRegistry) renderComponent(state *componentState, first bool) (rendered.Node, error) {
	changed := state.socket.changedSet(first || state.tree == nil)
	next, err := state.def.program.Render(state.socket.Assigns(), changed, state.tree)
	if err != nil {
		return nil, err
	}
	var node rendered.Node
	if state.tree == nil {
		node = next.Wire()
	} else {
		node, err = rendered.Diff(state.tree, next)
		if err != nil {
			return nil, err
		}
	}
	merged, err := rendered.Merge(state.tree, next)
	if err != nil {
		return nil, err
	}
	state.tree = merged
	state.socket.clearChanged()
	// Statics plus no dynamics means nothing changed at all.
	if len(node) == 1 {
		if _, only := node["s"]; only && !first && state.tree != nil {
			return rendered.Node{}, nil
		}
	}
	return node, nil
}

// componentRedirectFault enforces that component callbacks never redirect or
// stop the owning session.
func componentRedirectFault(s *Socket, kind, callback string) error {
	if s.redirect != nil {
		s.redirect = nil
		return contractFault(kind, callback, "component callbacks may not redirect")
	}
	if s.stopped {
		s.stopped = false
		return contractFault(kind, callback, "component callbacks may not stop the session")
	}
	return nil
}
