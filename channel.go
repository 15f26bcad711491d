package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/livefir/liveview/internal/metrics"
	"github.com/livefir/liveview/internal/rendered"
)

// SessionVerifier validates the opaque session descriptor presented at join
// time. The default handler wraps the token service; tests substitute fakes.
type SessionVerifier interface {
	Verify(descriptor string) (*SessionInfo, error)
}

// FlashSigner signs the flash carryover delivered with redirects.
type FlashSigner interface {
	SignFlash(flash map[string]string) (string, error)
}

// ParentLink connects a session to its logical parent. The child blocks on
// SyncAssigns during join to inherit the parent's static assigns, and closes
// when the parent goes down.
type ParentLink interface {
	SyncAssigns(ctx context.Context) (map[string]interface{}, error)
	Done() <-chan struct{}
}

// ChannelConfig assembles a session channel's collaborators.
type ChannelConfig struct {
	Topic     string
	ViewName  string
	View      View
	Template  *Template
	Transport Transport
	Verifier  SessionVerifier
	Flash     FlashSigner
	Differ    ComponentDiffer
	Router    *Router
	Parent    ParentLink
	Logger    *zap.Logger

	// Metrics receives the session's dispatch counters. Shared across
	// channels by the handler; defaults to a private collector.
	Metrics *metrics.Collector

	// Mailbox is the inbound queue depth. Default 64.
	Mailbox int
}

// Channel is the connection state machine: the long-lived owner of one live
// session. It processes its mailbox one message at a time on a single
// goroutine, so callbacks never interleave and the component table needs no
// locking. Everything the channel owns dies with it; a fault in one session
// never touches another.
type Channel struct {
	topic     string
	viewName  string
	view      View
	tmpl      *Template
	transport Transport
	verifier  SessionVerifier
	flash     FlashSigner
	differ    ComponentDiffer
	router    *Router
	parent    ParentLink
	metrics   *metrics.Collector
	log       *zap.Logger

	socket *Socket
	tree   *rendered.Rendered
	table  ComponentTable
	joined bool

	mailbox chan inboundMsg
	closed  chan struct{}

	// set during a dispatch to end the loop after the current message
	finished    bool
	closeReason CloseReason
}

type inboundMsg struct {
	env    *Envelope
	info   interface{}
	cast   interface{}
	call   *callRequest
	update *UpdatePayload
	lost   *CloseReason
}

type callRequest struct {
	msg   interface{}
	reply chan callReply
}

type callReply struct {
	value interface{}
	err   error
}

// NewChannel builds a session channel. It does not start processing; call
// Start once the transport is ready to deliver the join.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.View == nil {
		return nil, fmt.Errorf("liveview: channel needs a view")
	}
	if cfg.Template == nil {
		return nil, fmt.Errorf("liveview: channel needs a template")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("liveview: channel needs a transport")
	}
	if cfg.Differ == nil {
		cfg.Differ = NewComponentRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Mailbox <= 0 {
		cfg.Mailbox = 64
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	c := &Channel{
		topic:       cfg.Topic,
		viewName:    cfg.ViewName,
		view:        cfg.View,
		tmpl:        cfg.Template,
		transport:   cfg.Transport,
		verifier:    cfg.Verifier,
		flash:       cfg.Flash,
		differ:      cfg.Differ,
		router:      cfg.Router,
		parent:      cfg.Parent,
		metrics:     cfg.Metrics,
		log:         cfg.Logger.With(zap.String("topic", cfg.Topic), zap.String("view", cfg.ViewName)),
		socket:      newSocket(cfg.Topic),
		mailbox:     make(chan inboundMsg, cfg.Mailbox),
		closeReason: ReasonClosed,
	}
	c.table = c.differ.NewTable()
	return c, nil
}

// Topic returns the session's logical topic.
func (c *Channel) Topic() string { return c.topic }

// Start runs the session loop until the session terminates or ctx is
// canceled.
func (c *Channel) Start(ctx context.Context) {
	c.closed = make(chan struct{})
	go c.loop(ctx)
}

// Done is closed when the session has terminated.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// CloseReason reports why the session terminated. Valid only after Done.
func (c *Channel) CloseReason() CloseReason { return c.closeReason }

// Snapshot returns the session's final assigns. Valid only after Done.
func (c *Channel) Snapshot() map[string]interface{} { return c.socket.Assigns() }

// Dispatch enqueues an inbound transport message.
func (c *Channel) Dispatch(env Envelope) error {
	return c.enqueue(inboundMsg{env: &env})
}

// Send delivers a generic message to the view's HandleInfo.
func (c *Channel) Send(msg interface{}) error {
	return c.enqueue(inboundMsg{info: msg})
}

// Cast delivers a fire-and-forget request to the view's HandleCast.
func (c *Channel) Cast(msg interface{}) error {
	return c.enqueue(inboundMsg{cast: msg})
}

// Call delivers a synchronous request to the view's HandleCall and waits for
// its reply.
func (c *Channel) Call(ctx context.Context, msg interface{}) (interface{}, error) {
	req := &callRequest{msg: msg, reply: make(chan callReply, 1)}
	if err := c.enqueueCtx(ctx, inboundMsg{call: req}); err != nil {
		return nil, err
	}
	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendUpdate asks the session to refresh one nested component with an assign
// patch. If the patch changes nothing, no message reaches the client.
func (c *Channel) SendUpdate(kind, id string, assigns map[string]interface{}) error {
	return c.enqueue(inboundMsg{update: &UpdatePayload{Kind: kind, ID: id, Assigns: assigns}})
}

// NotifyClose reports transport loss. The reason is normalized so a graceful
// transport shutdown closes the session as "closed".
func (c *Channel) NotifyClose(reason CloseReason) {
	normalized := normalizeClose(reason)
	_ = c.enqueue(inboundMsg{lost: &normalized})
}

func (c *Channel) enqueue(msg inboundMsg) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case c.mailbox <- msg:
		return nil
	}
}

func (c *Channel) enqueueCtx(ctx context.Context, msg inboundMsg) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.mailbox <- msg:
		return nil
	}
}

func (c *Channel) loop(ctx context.Context) {
	defer close(c.closed)

	var parentDone <-chan struct{}
	if c.parent != nil {
		parentDone = c.parent.Done()
	}

	for {
		select {
		case <-ctx.Done():
			c.finish(nil, ReasonClosed)
			return
		case <-parentDone:
			c.finish(nil, ReasonParentDown)
			return
		case msg := <-c.mailbox:
			if err := c.dispatch(ctx, &msg); err != nil {
				var cerr *ContractError
				if errors.As(err, &cerr) {
					c.metrics.IncrementContractFault()
				}
				if msg.env != nil && msg.env.Ref != "" {
					_ = c.transport.Reply(msg.env.Ref, StatusError, &RejectPayload{Reason: err.Error()})
				}
				c.finish(err, ReasonError)
				return
			}
			if c.finished {
				c.finish(nil, c.closeReason)
				return
			}
		}
	}
}

// finish runs exactly once, observing the termination and informing the
// transport.
func (c *Channel) finish(fault error, reason CloseReason) {
	c.closeReason = reason
	if fault != nil {
		c.log.Error("session terminated", zap.Error(fault))
	} else {
		c.log.Debug("session closed", zap.String("reason", string(reason)))
	}
	if th, ok := c.view.(TerminateHandler); ok && c.joined {
		th.Terminate(fault, c.socket)
	}
	_ = c.transport.Close(reason)
}

func (c *Channel) shutdown(reason CloseReason) {
	c.finished = true
	c.closeReason = reason
}

func (c *Channel) dispatch(ctx context.Context, msg *inboundMsg) error {
	switch {
	case msg.lost != nil:
		c.shutdown(*msg.lost)
		return nil
	case msg.env != nil:
		return c.dispatchEnvelope(ctx, msg.env)
	case msg.call != nil:
		return c.dispatchCall(ctx, msg.call)
	case msg.cast != nil:
		return c.dispatchCast(ctx, msg.cast)
	case msg.update != nil:
		return c.dispatchUpdate(ctx, "", msg.update)
	case msg.info != nil:
		return c.dispatchInfo(ctx, msg.info)
	}
	return nil
}

func (c *Channel) dispatchEnvelope(ctx context.Context, env *Envelope) error {
	if env.Event != MsgJoin && !c.joined {
		return fmt.Errorf("liveview: %q before join on %q", env.Event, c.topic)
	}
	switch env.Event {
	case MsgJoin:
		return c.handleJoin(ctx, env)
	case MsgLeave:
		if env.Ref != "" {
			_ = c.transport.Reply(env.Ref, StatusOK, nil)
		}
		c.shutdown(ReasonClosed)
		return nil
	case MsgEvent:
		return c.handleEvent(ctx, env)
	case MsgLink:
		return c.handleLink(ctx, env)
	case MsgCIDsDestroyed:
		var payload TeardownPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("liveview: bad teardown payload: %w", err)
		}
		c.table = c.differ.Purge(payload.CIDs, c.table)
		if env.Ref != "" {
			_ = c.transport.Reply(env.Ref, StatusOK, nil)
		}
		return nil
	case MsgUpdate:
		var payload UpdatePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return fmt.Errorf("liveview: bad update payload: %w", err)
		}
		return c.dispatchUpdate(ctx, env.Ref, &payload)
	default:
		return fmt.Errorf("liveview: unknown message kind %q", env.Event)
	}
}

// handleJoin verifies the descriptor, builds the initial state, runs Mount
// and the first parameter sync, and replies with the full first render.
// Verification failure rejects the join with a typed reason and never builds
// state.
func (c *Channel) handleJoin(ctx context.Context, env *Envelope) error {
	if c.joined {
		return fmt.Errorf("liveview: duplicate join on %q", c.topic)
	}
	var payload JoinPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("liveview: bad join payload: %w", err)
	}

	var info *SessionInfo
	if c.verifier != nil {
		verified, err := c.verifier.Verify(payload.Session)
		if err != nil {
			reason := "invalid"
			if errors.Is(err, ErrSessionOutdated) {
				reason = "outdated"
			}
			c.log.Warn("join rejected", zap.String("reason", reason), zap.Error(err))
			if env.Ref != "" {
				_ = c.transport.Reply(env.Ref, StatusError, &RejectPayload{Reason: reason})
			}
			c.shutdown(ReasonClosed)
			return nil
		}
		info = verified
		info.Topic = c.topic
	} else {
		info = &SessionInfo{Topic: c.topic, ViewName: c.viewName}
	}

	c.socket.connected = true
	c.socket.url = payload.URL

	if c.parent != nil {
		inherited, err := c.parent.SyncAssigns(ctx)
		if err != nil {
			if env.Ref != "" {
				_ = c.transport.Reply(env.Ref, StatusError, &RejectPayload{Reason: "parent"})
			}
			c.shutdown(ReasonParentDown)
			return nil
		}
		c.socket.AssignMap(inherited)
	}

	params := make(Params, len(payload.Params))
	for k, v := range payload.Params {
		params[k] = v
	}
	if routeParams, ok := c.resolveRoute(payload.URL); ok {
		for k, v := range routeParams {
			params[k] = v
		}
	}

	if err := c.view.Mount(ctx, c.socket, params, *info); err != nil {
		return err
	}

	if c.router.Routable(c.viewName) {
		handler, ok := c.view.(ParamsHandler)
		if !ok {
			return contractFault(c.viewName, "HandleParams", "routed view does not sync parameters")
		}
		if err := handler.HandleParams(ctx, c.socket, params, payload.URL); err != nil {
			return err
		}
	}

	c.joined = true
	return c.settle(ctx, env.Ref, nil, 0)
}

// handleEvent routes a user event to the root view or, when the payload
// names a component identity, to the component-diff service.
func (c *Channel) handleEvent(ctx context.Context, env *Envelope) error {
	var msg eventMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return fmt.Errorf("liveview: bad event payload: %w", err)
	}
	payload, err := decodeEventPayload(msg)
	if err != nil {
		return err
	}

	if msg.CID > 0 {
		diffs, table, err := c.differ.DispatchEvent(ctx, c.socket, msg.CID, msg.Event, payload, c.table)
		c.table = table
		if err != nil {
			return err
		}
		dp := &DiffPayload{Components: diffs}
		if env.Ref != "" {
			if dp.Empty() {
				c.metrics.IncrementEmptyAck()
			} else {
				c.metrics.IncrementDiffSent()
			}
			return c.transport.Reply(env.Ref, StatusOK, &ReplyPayload{Kind: PushDiff, Payload: dp})
		}
		if !dp.Empty() {
			c.metrics.IncrementDiffSent()
			return c.transport.Push(PushDiff, dp)
		}
		return nil
	}

	handler, ok := c.view.(EventHandler)
	if !ok {
		return contractFault(c.viewName, "HandleEvent", "view does not handle events")
	}
	if err := handler.HandleEvent(ctx, c.socket, msg.Event, payload); err != nil {
		return err
	}
	return c.settle(ctx, env.Ref, nil, 0)
}

// handleLink is in-session navigation from a link click: a parameter re-sync
// when the router resolves the target to this view, an external redirect
// otherwise.
func (c *Channel) handleLink(ctx context.Context, env *Envelope) error {
	var payload LinkPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("liveview: bad link payload: %w", err)
	}
	if !c.router.Routable(c.viewName) {
		return fmt.Errorf("%w: %s", ErrNotRoutable, c.viewName)
	}
	params, internal := c.router.Resolve(c.viewName, payload.URL)
	if !internal {
		c.metrics.IncrementRedirect()
		c.deliver(env.Ref, PushExternalRedirect, &RedirectPayload{To: payload.URL})
		c.shutdown(ReasonRedirect)
		return nil
	}
	handler, ok := c.view.(ParamsHandler)
	if !ok {
		return contractFault(c.viewName, "HandleParams", "routed view does not sync parameters")
	}
	c.socket.url = payload.URL
	if err := handler.HandleParams(ctx, c.socket, params, payload.URL); err != nil {
		return err
	}
	return c.settle(ctx, env.Ref, nil, 0)
}

func (c *Channel) dispatchUpdate(ctx context.Context, ref string, req *UpdatePayload) error {
	diffs, table, ok, err := c.differ.Update(ctx, c.socket, c.table, *req)
	c.table = table
	if err != nil {
		return err
	}
	if !ok {
		if ref != "" {
			c.metrics.IncrementEmptyAck()
			return c.transport.Reply(ref, StatusOK, &ReplyPayload{Kind: PushDiff, Payload: &DiffPayload{}})
		}
		return nil
	}
	c.metrics.IncrementDiffSent()
	c.deliver(ref, PushDiff, &DiffPayload{Components: diffs})
	return nil
}

func (c *Channel) dispatchInfo(ctx context.Context, msg interface{}) error {
	handler, ok := c.view.(InfoHandler)
	if !ok {
		return contractFault(c.viewName, "HandleInfo", "view does not handle info messages")
	}
	if err := handler.HandleInfo(ctx, c.socket, msg); err != nil {
		return err
	}
	return c.settle(ctx, "", nil, 0)
}

func (c *Channel) dispatchCast(ctx context.Context, msg interface{}) error {
	handler, ok := c.view.(CastHandler)
	if !ok {
		return contractFault(c.viewName, "HandleCast", "view does not handle casts")
	}
	if err := handler.HandleCast(ctx, c.socket, msg); err != nil {
		return err
	}
	return c.settle(ctx, "", nil, 0)
}

func (c *Channel) dispatchCall(ctx context.Context, req *callRequest) error {
	handler, ok := c.view.(CallHandler)
	if !ok {
		err := contractFault(c.viewName, "HandleCall", "view does not handle calls")
		req.reply <- callReply{err: err}
		return err
	}
	value, err := handler.HandleCall(ctx, c.socket, req.msg)
	req.reply <- callReply{value: value, err: err}
	if err != nil {
		return err
	}
	return c.settle(ctx, "", nil, 0)
}

// maxLiveRedirects bounds parameter-sync recursion when HandleParams keeps
// issuing live redirects.
const maxLiveRedirects = 8

// settle is the render decision, executed after every callback that returns
// a continuation state. A pending redirect takes precedence over rendering;
// an empty changed set becomes a no-op acknowledgment (still consuming the
// reply reference); otherwise the diff against the previous baseline is
// computed and delivered. live carries a live-redirect instruction folded
// into the same diff message when the settle is a parameter re-sync.
func (c *Channel) settle(ctx context.Context, ref string, live *RedirectPayload, depth int) error {
	rd := c.socket.takeRedirect()

	if c.socket.stopped {
		c.socket.stopped = false
		if rd == nil {
			return contractFault(c.viewName, "stop", "stop requires a redirect")
		}
		if rd.Kind != RedirectFull {
			return contractFault(c.viewName, "stop", "only full redirects may stop a session")
		}
	}

	if rd != nil {
		switch rd.Kind {
		case RedirectFull:
			c.metrics.IncrementRedirect()
			c.deliver(ref, PushRedirect, &RedirectPayload{To: rd.To, Flash: c.signFlash(rd.Flash)})
			c.shutdown(ReasonRedirect)
			return nil

		case RedirectLive:
			params, internal := c.router.Resolve(c.viewName, rd.To)
			if !internal {
				c.metrics.IncrementRedirect()
				c.deliver(ref, PushExternalRedirect, &RedirectPayload{To: rd.To, Flash: c.signFlash(rd.Flash)})
				c.shutdown(ReasonRedirect)
				return nil
			}
			if depth >= maxLiveRedirects {
				return contractFault(c.viewName, "HandleParams", "live redirect loop")
			}
			handler, ok := c.view.(ParamsHandler)
			if !ok {
				return contractFault(c.viewName, "HandleParams", "routed view does not sync parameters")
			}
			c.socket.url = rd.To
			if err := handler.HandleParams(ctx, c.socket, params, rd.To); err != nil {
				return err
			}
			// The redirect instruction rides along with the re-synced diff
			// in a single message.
			return c.settle(ctx, ref, &RedirectPayload{To: rd.To, Flash: c.signFlash(rd.Flash)}, depth+1)
		}
	}

	first := c.tree == nil
	if !first && !c.socket.hasChanges() && live == nil {
		if ref != "" {
			c.metrics.IncrementEmptyAck()
			return c.transport.Reply(ref, StatusOK, &ReplyPayload{Kind: PushDiff, Payload: &DiffPayload{}})
		}
		return nil
	}

	next, err := c.tmpl.Render(c.socket.Assigns(), c.socket.changedSet(first), c.tree)
	if err != nil {
		return err
	}
	next, compDiffs, table, err := c.differ.Render(ctx, c.socket, next, c.table)
	c.table = table
	if err != nil {
		return err
	}

	payload := &DiffPayload{Components: compDiffs, LiveRedirect: live}
	if first {
		payload.Tree = next.Wire()
	} else {
		payload.Tree, err = rendered.Diff(c.tree, next)
		if err != nil {
			return err
		}
	}

	merged, err := rendered.Merge(c.tree, next)
	if err != nil {
		return err
	}
	c.tree = merged
	c.socket.clearChanged()

	c.metrics.IncrementDiffSent()
	if live != nil {
		c.metrics.IncrementRedirect()
	}
	c.deliver(ref, PushDiff, payload)
	return nil
}

// deliver replies when the triggering message carried a reference, pushes
// otherwise.
func (c *Channel) deliver(ref, kind string, payload interface{}) {
	var err error
	if ref != "" {
		err = c.transport.Reply(ref, StatusOK, &ReplyPayload{Kind: kind, Payload: payload})
	} else {
		err = c.transport.Push(kind, payload)
	}
	if err != nil {
		c.log.Warn("delivery failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (c *Channel) signFlash(flash map[string]string) string {
	if len(flash) == 0 || c.flash == nil {
		return ""
	}
	signed, err := c.flash.SignFlash(flash)
	if err != nil {
		c.log.Warn("flash signing failed", zap.Error(err))
		return ""
	}
	return signed
}

func (c *Channel) resolveRoute(rawURL string) (Params, bool) {
	if c.router == nil || rawURL == "" {
		return nil, false
	}
	return c.router.Resolve(c.viewName, rawURL)
}
