package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/livefir/liveview/internal/metrics"
)

type sentFrame struct {
	ref     string
	status  string
	event   string
	payload interface{}
}

// fakeTransport records everything the channel delivers.
type fakeTransport struct {
	frames chan sentFrame
	closed chan CloseReason
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan sentFrame, 32),
		closed: make(chan CloseReason, 1),
	}
}

func (f *fakeTransport) Reply(ref, status string, payload interface{}) error {
	f.frames <- sentFrame{ref: ref, status: status, payload: payload}
	return nil
}

func (f *fakeTransport) Push(event string, payload interface{}) error {
	f.frames <- sentFrame{event: event, payload: payload}
	return nil
}

func (f *fakeTransport) Close(reason CloseReason) error {
	select {
	case f.closed <- reason:
	default:
	}
	return nil
}

func (f *fakeTransport) next(t *testing.T) sentFrame {
	t.Helper()
	select {
	case fr := <-f.frames:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport frame")
		return sentFrame{}
	}
}

type fakeVerifier struct{ err error }

func (f fakeVerifier) Verify(descriptor string) (*SessionInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &SessionInfo{SessionID: "s1", ViewName: "counter"}, nil
}

type fakeFlashSigner struct{}

func (fakeFlashSigner) SignFlash(flash map[string]string) (string, error) {
	return "signed-flash", nil
}

// counterView exercises every optional capability.
type counterView struct {
	terminated  bool
	faultReason error
}

func (v *counterView) Mount(ctx context.Context, s *Socket, params Params, session SessionInfo) error {
	s.Assign("count", 0)
	s.Assign("label", "")
	return nil
}

func (v *counterView) HandleParams(ctx context.Context, s *Socket, params Params, url string) error {
	if label, ok := params["label"]; ok {
		s.Assign("label", label)
	}
	return nil
}

func (v *counterView) HandleEvent(ctx context.Context, s *Socket, event string, payload *EventPayload) error {
	switch event {
	case "inc":
		s.Assign("count", s.Get("count").(int)+1)
	case "noop":
	case "halt":
		s.Stop()
	case "finish":
		s.PutFlash("info", "bye")
		s.Redirect("/done")
		s.Stop()
	case "nav":
		s.LiveRedirect("/counter/next")
	case "away":
		s.LiveRedirect("/elsewhere")
	}
	return nil
}

func (v *counterView) HandleInfo(ctx context.Context, s *Socket, msg interface{}) error {
	s.Assign("count", msg.(int))
	return nil
}

func (v *counterView) HandleCall(ctx context.Context, s *Socket, msg interface{}) (interface{}, error) {
	return "pong", nil
}

func (v *counterView) HandleCast(ctx context.Context, s *Socket, msg interface{}) error {
	s.Assign("label", msg.(string))
	return nil
}

func (v *counterView) Terminate(reason error, s *Socket) {
	v.terminated = true
	v.faultReason = reason
}

const counterSrc = `<p>{{.count}}</p><span>{{.label}}</span>`

func startCounterChannel(t *testing.T, verifier SessionVerifier) (*Channel, *counterView, *fakeTransport) {
	t.Helper()
	view := &counterView{}
	router := NewRouter()
	if err := router.Handle("/counter/:label", "counter", func() View { return view }); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	tmpl, err := Parse("counter", counterSrc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tr := newFakeTransport()
	ch, err := NewChannel(ChannelConfig{
		Topic:     "lv:counter:abc",
		ViewName:  "counter",
		View:      view,
		Template:  tmpl,
		Transport: tr,
		Verifier:  verifier,
		Flash:     fakeFlashSigner{},
		Router:    router,
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ch.Start(context.Background())
	return ch, view, tr
}

func dispatch(t *testing.T, ch *Channel, ref, event string, payload interface{}) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	if err := ch.Dispatch(Envelope{Ref: ref, Topic: ch.Topic(), Event: event, Payload: raw}); err != nil {
		t.Fatalf("Dispatch %q: %v", event, err)
	}
}

func joinCounter(t *testing.T, ch *Channel, tr *fakeTransport) *DiffPayload {
	t.Helper()
	dispatch(t, ch, "j1", MsgJoin, JoinPayload{Session: "tok", URL: "/counter/start"})
	frame := tr.next(t)
	if frame.ref != "j1" || frame.status != StatusOK {
		t.Fatalf("join frame = %+v", frame)
	}
	return diffOf(t, frame)
}

func diffOf(t *testing.T, frame sentFrame) *DiffPayload {
	t.Helper()
	reply, ok := frame.payload.(*ReplyPayload)
	if !ok {
		t.Fatalf("frame payload = %T, want *ReplyPayload", frame.payload)
	}
	if reply.Kind != PushDiff {
		t.Fatalf("reply kind = %q, want %q", reply.Kind, PushDiff)
	}
	diff, ok := reply.Payload.(*DiffPayload)
	if !ok {
		t.Fatalf("reply payload = %T, want *DiffPayload", reply.Payload)
	}
	return diff
}

func awaitClose(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not terminate")
	}
}

func TestChannelJoinDeliversFullRender(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	diff := joinCounter(t, ch, tr)

	if _, ok := diff.Tree["s"]; !ok {
		t.Error("first render missing statics")
	}
	if diff.Tree["0"] != "0" {
		t.Errorf("count slot = %v, want %q", diff.Tree["0"], "0")
	}
	// The route parameter synced through HandleParams before the render.
	if diff.Tree["1"] != "start" {
		t.Errorf("label slot = %v, want %q", diff.Tree["1"], "start")
	}
}

func TestChannelEventDiffTouchesOnlyChangedSlots(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "inc"})
	diff := diffOf(t, tr.next(t))
	if _, ok := diff.Tree["s"]; ok {
		t.Error("diff resent statics for an unchanged skeleton")
	}
	if diff.Tree["0"] != "1" {
		t.Errorf("count slot = %v, want %q", diff.Tree["0"], "1")
	}
	if _, ok := diff.Tree["1"]; ok {
		t.Error("diff includes the untouched label slot")
	}
}

func TestChannelNoChangeEventAcksEmpty(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "noop"})
	frame := tr.next(t)
	if frame.ref != "e1" || frame.status != StatusOK {
		t.Fatalf("ack frame = %+v", frame)
	}
	diff := diffOf(t, frame)
	if !diff.Empty() {
		t.Errorf("no-op event produced a non-empty diff: %+v", diff)
	}
}

func TestChannelStopWithoutRedirectIsFault(t *testing.T) {
	ch, view, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "halt"})
	frame := tr.next(t)
	if frame.status != StatusError {
		t.Fatalf("fault frame = %+v", frame)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonError {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonError)
	}
	if !view.terminated || view.faultReason == nil {
		t.Error("terminate callback missed the fault")
	}
}

func TestChannelFullRedirect(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "finish"})
	frame := tr.next(t)
	reply, ok := frame.payload.(*ReplyPayload)
	if !ok || reply.Kind != PushRedirect {
		t.Fatalf("frame = %+v", frame)
	}
	rd, ok := reply.Payload.(*RedirectPayload)
	if !ok || rd.To != "/done" {
		t.Fatalf("redirect payload = %+v", reply.Payload)
	}
	if rd.Flash != "signed-flash" {
		t.Errorf("flash token = %q", rd.Flash)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonRedirect {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonRedirect)
	}
}

func TestChannelLiveRedirectInternalIsOneMessage(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "nav"})
	diff := diffOf(t, tr.next(t))
	if diff.LiveRedirect == nil || diff.LiveRedirect.To != "/counter/next" {
		t.Fatalf("live redirect = %+v", diff.LiveRedirect)
	}
	if diff.Tree["1"] != "next" {
		t.Errorf("label slot = %v, the parameter re-sync did not render", diff.Tree["1"])
	}

	// Exactly one message: the next frame on the wire belongs to the next
	// dispatch, not a trailing redirect push.
	dispatch(t, ch, "e2", MsgEvent, eventMessage{Type: "click", Event: "noop"})
	frame := tr.next(t)
	if frame.ref != "e2" {
		t.Errorf("unexpected extra frame %+v", frame)
	}
}

func TestChannelLiveRedirectExternal(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "away"})
	frame := tr.next(t)
	reply, ok := frame.payload.(*ReplyPayload)
	if !ok || reply.Kind != PushExternalRedirect {
		t.Fatalf("frame = %+v", frame)
	}
	rd := reply.Payload.(*RedirectPayload)
	if rd.To != "/elsewhere" {
		t.Errorf("redirect to = %q", rd.To)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonRedirect {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonRedirect)
	}
}

func TestChannelJoinRejectedOutdated(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{err: ErrSessionOutdated})

	dispatch(t, ch, "j1", MsgJoin, JoinPayload{Session: "stale"})
	frame := tr.next(t)
	if frame.status != StatusError {
		t.Fatalf("frame = %+v", frame)
	}
	reject, ok := frame.payload.(*RejectPayload)
	if !ok || reject.Reason != "outdated" {
		t.Fatalf("reject payload = %+v", frame.payload)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonClosed {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonClosed)
	}
}

func TestChannelEventBeforeJoin(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "inc"})
	frame := tr.next(t)
	if frame.status != StatusError {
		t.Fatalf("frame = %+v", frame)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonError {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonError)
	}
}

func TestChannelLeave(t *testing.T) {
	ch, view, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	dispatch(t, ch, "l1", MsgLeave, nil)
	frame := tr.next(t)
	if frame.ref != "l1" || frame.status != StatusOK {
		t.Fatalf("leave frame = %+v", frame)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonClosed {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonClosed)
	}
	if !view.terminated || view.faultReason != nil {
		t.Error("graceful close should invoke Terminate with a nil reason")
	}
}

func TestChannelSendPushesDiff(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	if err := ch.Send(5); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame := tr.next(t)
	if frame.event != PushDiff {
		t.Fatalf("push frame = %+v", frame)
	}
	diff, ok := frame.payload.(*DiffPayload)
	if !ok {
		t.Fatalf("push payload = %T", frame.payload)
	}
	if diff.Tree["0"] != "5" {
		t.Errorf("count slot = %v, want %q", diff.Tree["0"], "5")
	}
}

func TestChannelCall(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	got, err := ch.Call(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "pong" {
		t.Errorf("Call reply = %v, want %q", got, "pong")
	}
}

func TestChannelCast(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	if err := ch.Cast("renamed"); err != nil {
		t.Fatalf("Cast: %v", err)
	}
	frame := tr.next(t)
	diff, ok := frame.payload.(*DiffPayload)
	if !ok || frame.event != PushDiff {
		t.Fatalf("push frame = %+v", frame)
	}
	if diff.Tree["1"] != "renamed" {
		t.Errorf("label slot = %v, want %q", diff.Tree["1"], "renamed")
	}
}

func TestChannelNotifyCloseNormalizes(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)

	ch.NotifyClose("left")
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonClosed {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonClosed)
	}
	select {
	case reason := <-tr.closed:
		if reason != ReasonClosed {
			t.Errorf("transport close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport never told about the close")
	}
}

func TestChannelEnqueueAfterClose(t *testing.T) {
	ch, _, tr := startCounterChannel(t, fakeVerifier{})
	joinCounter(t, ch, tr)
	ch.NotifyClose("")
	awaitClose(t, ch)

	if err := ch.Send("late"); err != ErrChannelClosed {
		t.Errorf("Send after close err = %v, want ErrChannelClosed", err)
	}
}

// navView has no event handler: any user event is a contract fault.
type navView struct{}

func (navView) Mount(context.Context, *Socket, Params, SessionInfo) error { return nil }

func TestChannelMissingEventHandlerIsFault(t *testing.T) {
	tmpl, err := Parse("static", "<h1>hello</h1>")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tr := newFakeTransport()
	ch, err := NewChannel(ChannelConfig{
		Topic:     "lv:static:1",
		ViewName:  "static",
		View:      navView{},
		Template:  tmpl,
		Transport: tr,
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ch.Start(context.Background())

	dispatch(t, ch, "j1", MsgJoin, JoinPayload{})
	if frame := tr.next(t); frame.status != StatusOK {
		t.Fatalf("join frame = %+v", frame)
	}

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "poke"})
	frame := tr.next(t)
	if frame.status != StatusError {
		t.Fatalf("frame = %+v", frame)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonError {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonError)
	}
}

// componentHost embeds a badge component in its root template.
type componentHost struct{}

func (componentHost) Mount(ctx context.Context, s *Socket, params Params, session SessionInfo) error {
	s.Assign("badge", map[string]interface{}{"id": "b1", "n": 1})
	return nil
}

func TestChannelComponentLifecycle(t *testing.T) {
	registry := newBadgeRegistry(t)
	tmpl, err := Parse("host", `<main>{{component "badge" .badge}}</main>`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tr := newFakeTransport()
	ch, err := NewChannel(ChannelConfig{
		Topic:     "lv:host:1",
		ViewName:  "host",
		View:      componentHost{},
		Template:  tmpl,
		Transport: tr,
		Differ:    registry,
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ch.Start(context.Background())

	dispatch(t, ch, "j1", MsgJoin, JoinPayload{})
	diff := diffOf(t, tr.next(t))
	if diff.Tree["0"] != 1 {
		t.Errorf("component slot = %v, want cid 1", diff.Tree["0"])
	}
	mount, ok := diff.Components[1]
	if !ok {
		t.Fatal("join diff missing the component mount")
	}
	if _, ok := mount["s"]; !ok {
		t.Error("component mount missing statics")
	}

	// An event addressed to a CID reaches the component, not the view.
	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "inc", CID: 1})
	diff = diffOf(t, tr.next(t))
	if len(diff.Tree) != 0 {
		t.Errorf("component event touched the root tree: %v", diff.Tree)
	}
	if diff.Components[1]["0"] != "2" {
		t.Errorf("component diff = %v", diff.Components)
	}

	// Client-reported teardown purges the table.
	dispatch(t, ch, "t1", MsgCIDsDestroyed, TeardownPayload{CIDs: []int{1}})
	if frame := tr.next(t); frame.status != StatusOK {
		t.Fatalf("teardown frame = %+v", frame)
	}
}

func startMeteredChannel(t *testing.T) (*Channel, *fakeTransport, *metrics.Collector) {
	t.Helper()
	view := &counterView{}
	router := NewRouter()
	if err := router.Handle("/counter/:label", "counter", func() View { return view }); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	tmpl, err := Parse("counter", counterSrc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tr := newFakeTransport()
	collector := metrics.NewCollector()
	ch, err := NewChannel(ChannelConfig{
		Topic:     "lv:counter:abc",
		ViewName:  "counter",
		View:      view,
		Template:  tmpl,
		Transport: tr,
		Verifier:  fakeVerifier{},
		Flash:     fakeFlashSigner{},
		Router:    router,
		Metrics:   collector,
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ch.Start(context.Background())
	return ch, tr, collector
}

func TestChannelRecordsDispatchMetrics(t *testing.T) {
	ch, tr, collector := startMeteredChannel(t)
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "inc"})
	tr.next(t)
	dispatch(t, ch, "e2", MsgEvent, eventMessage{Type: "click", Event: "noop"})
	tr.next(t)
	dispatch(t, ch, "e3", MsgEvent, eventMessage{Type: "click", Event: "finish"})
	tr.next(t)
	awaitClose(t, ch)

	m := collector.GetMetrics()
	if m.DiffsSent != 2 {
		t.Errorf("DiffsSent = %d, want 2 (join and inc)", m.DiffsSent)
	}
	if m.EmptyAcks != 1 {
		t.Errorf("EmptyAcks = %d, want 1", m.EmptyAcks)
	}
	if m.Redirects != 1 {
		t.Errorf("Redirects = %d, want 1", m.Redirects)
	}
	if m.ContractFaults != 0 {
		t.Errorf("ContractFaults = %d, want 0", m.ContractFaults)
	}
}

func TestChannelCountsContractFaults(t *testing.T) {
	ch, tr, collector := startMeteredChannel(t)
	joinCounter(t, ch, tr)

	dispatch(t, ch, "e1", MsgEvent, eventMessage{Type: "click", Event: "halt"})
	if frame := tr.next(t); frame.status != StatusError {
		t.Fatalf("frame = %+v", frame)
	}
	awaitClose(t, ch)

	if faults := collector.GetMetrics().ContractFaults; faults != 1 {
		t.Errorf("ContractFaults = %d, want 1", faults)
	}
}

// fakeParent stands in for the owning session of a child channel.
type fakeParent struct {
	assigns map[string]interface{}
	err     error
	done    chan struct{}
}

func (p *fakeParent) SyncAssigns(ctx context.Context) (map[string]interface{}, error) {
	return p.assigns, p.err
}

func (p *fakeParent) Done() <-chan struct{} { return p.done }

// childView keeps its own assigns apart from what the parent provides.
type childView struct{}

func (childView) Mount(ctx context.Context, s *Socket, params Params, session SessionInfo) error {
	s.Assign("n", 1)
	return nil
}

func startChildChannel(t *testing.T, parent *fakeParent) (*Channel, *fakeTransport) {
	t.Helper()
	tmpl, err := Parse("child", `<b>{{.theme}}</b><i>{{.n}}</i>`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tr := newFakeTransport()
	ch, err := NewChannel(ChannelConfig{
		Topic:     "lv:child:1",
		ViewName:  "child",
		View:      childView{},
		Template:  tmpl,
		Transport: tr,
		Parent:    parent,
	})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	ch.Start(context.Background())
	return ch, tr
}

func TestChannelJoinInheritsParentAssigns(t *testing.T) {
	parent := &fakeParent{
		assigns: map[string]interface{}{"theme": "dark"},
		done:    make(chan struct{}),
	}
	ch, tr := startChildChannel(t, parent)

	dispatch(t, ch, "j1", MsgJoin, JoinPayload{})
	diff := diffOf(t, tr.next(t))
	if diff.Tree["0"] != "dark" {
		t.Errorf("inherited slot = %v, want %q", diff.Tree["0"], "dark")
	}
	if diff.Tree["1"] != "1" {
		t.Errorf("own slot = %v, want %q", diff.Tree["1"], "1")
	}
}

func TestChannelClosesWhenParentGoesDown(t *testing.T) {
	parent := &fakeParent{
		assigns: map[string]interface{}{"theme": "dark"},
		done:    make(chan struct{}),
	}
	ch, tr := startChildChannel(t, parent)

	dispatch(t, ch, "j1", MsgJoin, JoinPayload{})
	tr.next(t)

	close(parent.done)
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonParentDown {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonParentDown)
	}
	select {
	case reason := <-tr.closed:
		if reason != ReasonParentDown {
			t.Errorf("transport close reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport never told about the close")
	}
}

func TestChannelJoinRejectedWhenParentSyncFails(t *testing.T) {
	parent := &fakeParent{
		err:  errors.New("parent gone"),
		done: make(chan struct{}),
	}
	ch, tr := startChildChannel(t, parent)

	dispatch(t, ch, "j1", MsgJoin, JoinPayload{})
	frame := tr.next(t)
	if frame.ref != "j1" || frame.status != StatusError {
		t.Fatalf("join frame = %+v", frame)
	}
	reject, ok := frame.payload.(*RejectPayload)
	if !ok || reject.Reason != "parent" {
		t.Errorf("reject payload = %+v", frame.payload)
	}
	awaitClose(t, ch)
	if ch.CloseReason() != ReasonParentDown {
		t.Errorf("close reason = %q, want %q", ch.CloseReason(), ReasonParentDown)
	}
}
