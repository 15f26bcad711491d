package liveview

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/livefir/liveview/internal/rendered"
)

// badge is a stateful test component counting its own clicks.
type badge struct{}

func (badge) Mount(ctx context.Context, s *Socket) error {
	if s.Get("n") == nil {
		s.Assign("n", 0)
	}
	return nil
}

func (badge) HandleEvent(ctx context.Context, s *Socket, event string, payload *EventPayload) error {
	switch event {
	case "inc":
		s.Assign("n", s.Get("n").(int)+1)
	case "escape":
		s.Redirect("/away")
	case "quit":
		s.Stop()
	}
	return nil
}

func newBadgeRegistry(t *testing.T) *ComponentRegistry {
	t.Helper()
	r := NewComponentRegistry()
	err := r.Register(ComponentDef{
		Name:     "badge",
		Template: `<span class="badge">{{.n}}</span>`,
		New:      func() Component { return badge{} },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func badgeTree(id string, n int) *rendered.Rendered {
	static := []string{"<main>", "</main>"}
	return &rendered.Rendered{
		Static:      static,
		Dynamic:     []interface{}{&rendered.ComponentRef{Kind: "badge", ID: id, Assigns: map[string]interface{}{"id": id, "n": n}}},
		Fingerprint: rendered.Fingerprint(static),
	}
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	r := newBadgeRegistry(t)
	if err := r.Register(ComponentDef{Name: "badge", Template: "<i></i>"}); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := r.Register(ComponentDef{Template: "<i></i>"}); err == nil {
		t.Error("empty name accepted")
	}
	if err := r.Register(ComponentDef{Name: "broken", Template: "{{.n"}); err == nil {
		t.Error("malformed template accepted")
	}
}

func TestRenderMountsAndDiffsComponents(t *testing.T) {
	r := newBadgeRegistry(t)
	ctx := context.Background()
	s := newSocket("lv:test:1")
	table := r.NewTable()

	tree, diffs, table, err := r.Render(ctx, s, badgeTree("b1", 1), table)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	cid, ok := tree.Dynamic[0].(rendered.CID)
	if !ok || cid != 1 {
		t.Fatalf("component slot = %v, want CID(1)", tree.Dynamic[0])
	}
	first, ok := diffs[1]
	if !ok {
		t.Fatal("first render produced no component diff")
	}
	if _, ok := first["s"]; !ok {
		t.Error("first component diff missing statics")
	}

	// Same identity, same assigns: no diff and no new CID.
	tree, diffs, table, err = r.Render(ctx, s, badgeTree("b1", 1), table)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if tree.Dynamic[0] != rendered.CID(1) {
		t.Errorf("stable identity re-keyed to %v", tree.Dynamic[0])
	}
	if len(diffs) != 0 {
		t.Errorf("unchanged component produced diff %v", diffs)
	}

	// Changed assigns: minimal diff without statics.
	_, diffs, table, err = r.Render(ctx, s, badgeTree("b1", 5), table)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	node, ok := diffs[1]
	if !ok {
		t.Fatal("changed component produced no diff")
	}
	if _, ok := node["s"]; ok {
		t.Error("component diff resent statics")
	}
	if node["0"] != "5" {
		t.Errorf("component diff slot = %v, want %q", node["0"], "5")
	}

	// A second identity gets its own CID.
	tree2, diffs, _, err := r.Render(ctx, s, badgeTree("b2", 9), table)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if tree2.Dynamic[0] != rendered.CID(2) {
		t.Errorf("new identity got %v, want CID(2)", tree2.Dynamic[0])
	}
	if _, ok := diffs[2]; !ok {
		t.Error("new identity produced no mount diff")
	}
}

func TestRenderUnknownKind(t *testing.T) {
	r := newBadgeRegistry(t)
	static := []string{"", ""}
	tree := &rendered.Rendered{
		Static:      static,
		Dynamic:     []interface{}{&rendered.ComponentRef{Kind: "ghost"}},
		Fingerprint: rendered.Fingerprint(static),
	}
	if _, _, _, err := r.Render(context.Background(), newSocket("t"), tree, r.NewTable()); err == nil {
		t.Error("unknown component kind accepted")
	}
}

func TestDispatchEvent(t *testing.T) {
	r := newBadgeRegistry(t)
	ctx := context.Background()
	s := newSocket("lv:test:1")

	_, _, table, err := r.Render(ctx, s, badgeTree("b1", 1), r.NewTable())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	diffs, table, err := r.DispatchEvent(ctx, s, 1, "inc", newEventPayload("click", nil), table)
	if err != nil {
		t.Fatalf("DispatchEvent: %v", err)
	}
	node, ok := diffs[1]
	if !ok {
		t.Fatal("event produced no diff")
	}
	if node["0"] != "2" {
		t.Errorf("diff slot = %v, want %q", node["0"], "2")
	}

	// Unknown CID is a protocol error.
	if _, _, err := r.DispatchEvent(ctx, s, 99, "inc", newEventPayload("click", nil), table); err == nil {
		t.Error("event for unknown cid accepted")
	}
}

func TestComponentCallbacksMayNotRedirect(t *testing.T) {
	r := newBadgeRegistry(t)
	ctx := context.Background()
	s := newSocket("lv:test:1")
	_, _, table, err := r.Render(ctx, s, badgeTree("b1", 1), r.NewTable())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	var contract *ContractError
	_, _, err = r.DispatchEvent(ctx, s, 1, "escape", newEventPayload("click", nil), table)
	if !errors.As(err, &contract) {
		t.Errorf("redirecting component err = %v, want ContractError", err)
	}
	_, _, err = r.DispatchEvent(ctx, s, 1, "quit", newEventPayload("click", nil), table)
	if !errors.As(err, &contract) {
		t.Errorf("stopping component err = %v, want ContractError", err)
	}
}

func TestEventOnStatelessComponentIsContractFault(t *testing.T) {
	r := NewComponentRegistry()
	if err := r.Register(ComponentDef{Name: "label", Template: "<i>{{.text}}</i>"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	static := []string{"", ""}
	tree := &rendered.Rendered{
		Static:      static,
		Dynamic:     []interface{}{&rendered.ComponentRef{Kind: "label", ID: "l1", Assigns: map[string]interface{}{"text": "x"}}},
		Fingerprint: rendered.Fingerprint(static),
	}
	ctx := context.Background()
	s := newSocket("t")
	_, _, table, err := r.Render(ctx, s, tree, r.NewTable())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var contract *ContractError
	_, _, err = r.DispatchEvent(ctx, s, 1, "poke", newEventPayload("click", nil), table)
	if !errors.As(err, &contract) {
		t.Errorf("err = %v, want ContractError", err)
	}
}

func TestUpdatePatchesOneComponent(t *testing.T) {
	r := newBadgeRegistry(t)
	ctx := context.Background()
	s := newSocket("lv:test:1")
	_, _, table, err := r.Render(ctx, s, badgeTree("b1", 1), r.NewTable())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	diffs, table, ok, err := r.Update(ctx, s, table, UpdatePayload{Kind: "badge", ID: "b1", Assigns: map[string]interface{}{"n": 7}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !ok {
		t.Fatal("update with a real change reported no-op")
	}
	if diffs[1]["0"] != "7" {
		t.Errorf("diff = %v", diffs)
	}

	// Same value again: nothing to send.
	_, table, ok, err = r.Update(ctx, s, table, UpdatePayload{Kind: "badge", ID: "b1", Assigns: map[string]interface{}{"n": 7}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ok {
		t.Error("no-op update reported a change")
	}

	// Unknown identity: silently nothing.
	_, _, ok, err = r.Update(ctx, s, table, UpdatePayload{Kind: "badge", ID: "missing"})
	if err != nil || ok {
		t.Errorf("unknown identity update = (%v, %v)", ok, err)
	}
}

func TestPurgeDropsIdentities(t *testing.T) {
	r := newBadgeRegistry(t)
	ctx := context.Background()
	s := newSocket("lv:test:1")
	_, _, table, err := r.Render(ctx, s, badgeTree("b1", 1), r.NewTable())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	table = r.Purge([]int{1}, table)
	if _, _, err := r.DispatchEvent(ctx, s, 1, "inc", newEventPayload("click", nil), table); err == nil {
		t.Error("purged cid still accepts events")
	}

	// The identity remounts under a fresh CID.
	tree, diffs, _, err := r.Render(ctx, s, badgeTree("b1", 1), table)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if tree.Dynamic[0] != rendered.CID(2) {
		t.Errorf("remounted identity got %v, want CID(2)", tree.Dynamic[0])
	}
	if _, ok := diffs[2]["s"]; !ok {
		t.Error("remount diff missing statics")
	}
}

func TestStaticResolver(t *testing.T) {
	r := newBadgeRegistry(t)
	tree := badgeTree("b1", 3)
	out, err := tree.FlattenString(r.StaticResolver(context.Background(), "lv:test:1"))
	if err != nil {
		t.Fatalf("FlattenString: %v", err)
	}
	if !strings.Contains(out, `<span class="badge">3</span>`) {
		t.Errorf("static render = %q", out)
	}
}
