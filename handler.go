package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/livefir/liveview/internal/metrics"
	"github.com/livefir/liveview/internal/session"
	"github.com/livefir/liveview/internal/store"
	"github.com/livefir/liveview/internal/token"
)

// topicPrefix namespaces session topics: "lv:<view>:<session-id>".
const topicPrefix = "lv"

// Handler serves registered views over plain HTTP (full page render with an
// embedded signed session descriptor) and upgrades the same endpoint to a
// websocket carrying the live session protocol. One websocket connection may
// multiplex several session topics.
type Handler struct {
	router *Router

	// tmu guards templates: the watcher swaps entries at runtime while
	// request goroutines read them.
	tmu       sync.RWMutex
	templates map[string]*Template
	tokens    *token.Service
	registry  *ComponentRegistry
	differ    ComponentDiffer
	sessions  *session.Registry
	metrics   *metrics.Collector
	upgrader  websocket.Upgrader
	store     *store.Store
	log       *zap.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithDiffer substitutes the component-diff service. The default is a
// ComponentRegistry populated through Component.
func WithDiffer(differ ComponentDiffer) HandlerOption {
	return func(h *Handler) { h.differ = differ }
}

// WithTokenConfig overrides the session token configuration.
func WithTokenConfig(cfg *token.Config) HandlerOption {
	return func(h *Handler) {
		svc, err := token.NewService(cfg)
		if err == nil {
			h.tokens = svc
		}
	}
}

// WithStore persists session lifecycle records and final assign snapshots.
func WithStore(s *store.Store) HandlerOption {
	return func(h *Handler) { h.store = s }
}

// WithUpgrader overrides the websocket upgrader.
func WithUpgrader(upgrader websocket.Upgrader) HandlerOption {
	return func(h *Handler) { h.upgrader = upgrader }
}

// NewHandler creates a Handler serving the router's views.
func NewHandler(router *Router, opts ...HandlerOption) (*Handler, error) {
	if router == nil {
		return nil, fmt.Errorf("liveview: handler needs a router")
	}
	tokens, err := token.NewService(nil)
	if err != nil {
		return nil, err
	}
	registry := NewComponentRegistry()
	h := &Handler{
		router:    router,
		templates: make(map[string]*Template),
		tokens:    tokens,
		registry:  registry,
		differ:    registry,
		sessions:  session.NewRegistry(),
		metrics:   metrics.NewCollector(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Template registers the template rendered for a view name. Safe to call
// while the handler is serving; new page loads and joins pick up the
// replacement, running sessions keep the template they joined with.
func (h *Handler) Template(viewName string, tmpl *Template) {
	h.tmu.Lock()
	h.templates[viewName] = tmpl
	h.tmu.Unlock()
}

func (h *Handler) template(viewName string) (*Template, bool) {
	h.tmu.RLock()
	tmpl, ok := h.templates[viewName]
	h.tmu.RUnlock()
	return tmpl, ok
}

// Component registers a component kind on the default component service.
func (h *Handler) Component(def ComponentDef) error {
	return h.registry.Register(def)
}

// Metrics returns a snapshot of the handler's counters.
func (h *Handler) Metrics() metrics.SessionMetrics {
	return h.metrics.GetMetrics()
}

// FaultRate returns contract faults per dispatched event, as a percentage.
func (h *Handler) FaultRate() float64 {
	return h.metrics.GetFaultRate()
}

// FrameCounts returns per-kind counts of the inbound frames dispatched to
// session channels.
func (h *Handler) FrameCounts() map[string]int64 {
	return h.metrics.GetCustomCounters()
}

// Send delivers a generic message to the live session owning topic.
func (h *Handler) Send(topic string, msg interface{}) error {
	ch, ok := h.channel(topic)
	if !ok {
		return ErrChannelClosed
	}
	return ch.Send(msg)
}

// SendUpdate refreshes one nested component of the session owning topic.
func (h *Handler) SendUpdate(topic, kind, id string, assigns map[string]interface{}) error {
	ch, ok := h.channel(topic)
	if !ok {
		return ErrChannelClosed
	}
	return ch.SendUpdate(kind, id, assigns)
}

// Broadcast sends a generic message to every live session of a view.
func (h *Handler) Broadcast(viewName string, msg interface{}) {
	h.sessions.EachView(viewName, func(entry *session.Entry) {
		if ch, ok := entry.Value.(*Channel); ok {
			_ = ch.Send(msg)
		}
	})
}

func (h *Handler) channel(topic string) (*Channel, bool) {
	entry, ok := h.sessions.Lookup(topic)
	if !ok {
		return nil, false
	}
	ch, ok := entry.Value.(*Channel)
	return ch, ok
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveSocket(w, r)
		return
	}
	h.servePage(w, r)
}

// servePage is the disconnected render: mount the view without a transport,
// flatten the full tree, and embed the signed descriptor so the client can
// join the live session.
func (h *Handler) servePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestURI := r.URL.RequestURI()
	route, params, ok := h.router.Match(requestURI)
	if !ok {
		http.NotFound(w, r)
		return
	}
	tmpl, ok := h.template(route.ViewName)
	if !ok {
		h.log.Error("no template for view", zap.String("view", route.ViewName))
		http.Error(w, "view has no template", http.StatusInternalServerError)
		return
	}

	sessionID := session.NewID()
	topic := strings.Join([]string{topicPrefix, route.ViewName, sessionID}, ":")
	sock := newSocket(topic)
	sock.url = requestURI

	if flashToken := r.URL.Query().Get("_flash"); flashToken != "" {
		if flash := h.tokens.VerifyFlash(flashToken); len(flash) > 0 {
			sock.Assign("flash", flash)
		}
	}

	info := SessionInfo{SessionID: sessionID, Topic: topic, ViewName: route.ViewName}
	view := route.Factory()
	if err := view.Mount(r.Context(), sock, params, info); err != nil {
		h.log.Error("mount failed", zap.String("view", route.ViewName), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if handler, ok := view.(ParamsHandler); ok {
		if err := handler.HandleParams(r.Context(), sock, params, requestURI); err != nil {
			h.log.Error("params sync failed", zap.String("view", route.ViewName), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	if rd := sock.takeRedirect(); rd != nil {
		http.Redirect(w, r, h.appendFlash(rd.To, rd.Flash), http.StatusFound)
		return
	}

	descriptor, err := h.tokens.Sign(token.Descriptor{
		SessionID: sessionID,
		ViewName:  route.ViewName,
		Path:      requestURI,
		Values:    info.Values,
	})
	if err != nil {
		h.log.Error("descriptor signing failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	tree, err := tmpl.Render(sock.Assigns(), nil, nil)
	if err != nil {
		h.metrics.IncrementRenderError()
		h.log.Error("render failed", zap.String("view", route.ViewName), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	page, err := tree.FlattenString(h.registry.StaticResolver(r.Context(), topic))
	if err != nil {
		h.metrics.IncrementRenderError()
		h.log.Error("flatten failed", zap.String("view", route.ViewName), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	injected, err := injectContainer(page, topic, descriptor, "")
	if err != nil {
		h.log.Error("container injection failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(injected))
}

// appendFlash carries the flash over a full redirect as a signed query
// parameter the next page load verifies.
func (h *Handler) appendFlash(to string, flash map[string]string) string {
	if len(flash) == 0 {
		return to
	}
	signed, err := h.tokens.SignFlash(flash)
	if err != nil {
		h.log.Warn("flash signing failed", zap.Error(err))
		return to
	}
	u, err := url.Parse(to)
	if err != nil {
		return to
	}
	q := u.Query()
	q.Set("_flash", signed)
	u.RawQuery = q.Encode()
	return u.String()
}

// serveSocket owns one websocket connection. Frames are routed to session
// channels by topic; a join on an unknown topic creates the channel. When
// the connection drops every session on it is notified.
func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc := &wsConn{conn: conn}
	channels := make(map[string]*Channel)

	defer func() {
		for _, ch := range channels {
			ch.NotifyClose(ReasonClosed)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn("bad frame", zap.Error(err))
			continue
		}

		ch, ok := channels[env.Topic]
		if !ok {
			if env.Event != MsgJoin {
				wc.reject(&env, "no session")
				continue
			}
			ch, err = h.newChannel(env.Topic, &wsTransport{conn: wc, topic: env.Topic})
			if err != nil {
				h.log.Warn("join refused", zap.String("topic", env.Topic), zap.Error(err))
				wc.reject(&env, "unknown view")
				continue
			}
			channels[env.Topic] = ch
			ch.Start(ctx)
			h.sessions.Register(env.Topic, viewNameFromTopic(env.Topic), ch)
			h.metrics.IncrementSessionJoined()
			if h.store != nil {
				if err := h.store.RecordJoin(ctx, env.Topic, viewNameFromTopic(env.Topic)); err != nil {
					h.log.Warn("session record failed", zap.Error(err))
				}
			}
			go h.reap(env.Topic, ch)
		}

		if env.Event == MsgEvent {
			h.metrics.IncrementEventDispatched()
		}
		h.metrics.IncrementCustomCounter("frames_" + env.Event)
		if err := ch.Dispatch(env); err != nil {
			delete(channels, env.Topic)
		}
	}
}

// reap removes a session from the registry once its channel terminates.
func (h *Handler) reap(topic string, ch *Channel) {
	<-ch.Done()
	h.sessions.Remove(topic)
	h.metrics.IncrementSessionClosed()
	if h.store != nil {
		ctx := context.Background()
		if err := h.store.SaveSnapshot(ctx, topic, ch.Snapshot()); err != nil {
			h.log.Warn("snapshot failed", zap.Error(err))
		}
		if err := h.store.RecordClose(ctx, topic, string(ch.CloseReason())); err != nil {
			h.log.Warn("close record failed", zap.Error(err))
		}
	}
}

func (h *Handler) newChannel(topic string, transport Transport) (*Channel, error) {
	viewName := viewNameFromTopic(topic)
	if viewName == "" {
		return nil, fmt.Errorf("liveview: malformed topic %q", topic)
	}
	factory, ok := h.router.Factory(viewName)
	if !ok {
		return nil, fmt.Errorf("liveview: no route for view %q", viewName)
	}
	tmpl, ok := h.template(viewName)
	if !ok {
		return nil, fmt.Errorf("liveview: no template for view %q", viewName)
	}
	return NewChannel(ChannelConfig{
		Topic:     topic,
		ViewName:  viewName,
		View:      factory(),
		Template:  tmpl,
		Transport: transport,
		Verifier:  &tokenVerifier{tokens: h.tokens, metrics: h.metrics},
		Flash:     h.tokens,
		Differ:    h.differ,
		Router:    h.router,
		Metrics:   h.metrics,
		Logger:    h.log,
	})
}

func viewNameFromTopic(topic string) string {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) != 3 || parts[0] != topicPrefix {
		return ""
	}
	return parts[1]
}

// tokenVerifier adapts the token service to the channel's verifier contract,
// translating its failures into the session error taxonomy.
type tokenVerifier struct {
	tokens  *token.Service
	metrics *metrics.Collector
}

func (v *tokenVerifier) Verify(descriptor string) (*SessionInfo, error) {
	desc, err := v.tokens.Verify(descriptor)
	if err != nil {
		v.metrics.IncrementJoinRejection()
		if errors.Is(err, token.ErrOutdated) {
			return nil, fmt.Errorf("%w: %v", ErrSessionOutdated, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	return &SessionInfo{
		SessionID: desc.SessionID,
		ViewName:  desc.ViewName,
		Values:    desc.Values,
	}, nil
}

// outboundFrame is the wire shape of every server-to-client message.
type outboundFrame struct {
	Ref     string      `json:"ref,omitempty"`
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Status  string      `json:"status,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// wsConn serializes writes to one websocket connection shared by every
// session topic on it.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(frame *outboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *wsConn) reject(env *Envelope, reason string) {
	if env.Ref == "" {
		return
	}
	_ = c.write(&outboundFrame{
		Ref:     env.Ref,
		Topic:   env.Topic,
		Event:   "reply",
		Status:  StatusError,
		Payload: &RejectPayload{Reason: reason},
	})
}

// wsTransport is the Transport of one session topic over a shared websocket.
type wsTransport struct {
	conn  *wsConn
	topic string
}

func (t *wsTransport) Reply(ref string, status string, payload interface{}) error {
	return t.conn.write(&outboundFrame{
		Ref:     ref,
		Topic:   t.topic,
		Event:   "reply",
		Status:  status,
		Payload: payload,
	})
}

func (t *wsTransport) Push(event string, payload interface{}) error {
	return t.conn.write(&outboundFrame{
		Topic:   t.topic,
		Event:   event,
		Payload: payload,
	})
}

func (t *wsTransport) Close(reason CloseReason) error {
	return t.conn.write(&outboundFrame{
		Topic:   t.topic,
		Event:   "close",
		Payload: map[string]string{"reason": string(reason)},
	})
}
