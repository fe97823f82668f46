package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ttm/internal/config"
	"ttm/internal/events"
	"ttm/internal/observability"
	"ttm/internal/rbac"
)

// ReadyEvent is the first frame a session receives after authenticating.
const ReadyEvent = "session:ready"

// AuthFunc resolves a bearer token to a principal.
type AuthFunc func(ctx context.Context, token string) (rbac.User, error)

// Frame is the wire shape of every server to client message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type handshake struct {
	Token string `json:"token"`
}

// Hub fans committed changes out to connected sockets. Delivery is best
// effort: a session that cannot keep up is dropped and must resync over REST.
type Hub struct {
	auth      AuthFunc
	evaluator rbac.Evaluator
	cfg       config.Realtime
	logger    *logrus.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*session]struct{}
	closed   bool

	onSessionAdded func()
}

type Options struct {
	Auth      AuthFunc
	Evaluator rbac.Evaluator
	Config    config.Realtime
	Logger    *logrus.Logger
	Metrics   *observability.Metrics
}

func NewHub(opts Options) *Hub {
	cfg := opts.Config
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	return &Hub{
		auth:      opts.Auth,
		evaluator: opts.Evaluator,
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: map[*session]struct{}{},
	}
}

type session struct {
	user rbac.User
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(user rbac.User, buffer int) *session {
	return &session{user: user, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// Publish implements events.Publisher.
func (h *Hub) Publish(msg events.Message) {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		h.logger.WithError(err).WithField("event", msg.Name).Error("encode fan-out payload")
		return
	}
	frame, err := json.Marshal(Frame{Event: msg.Name, Data: data})
	if err != nil {
		h.logger.WithError(err).WithField("event", msg.Name).Error("encode fan-out frame")
		return
	}

	var dropped []*session
	h.mu.RLock()
	for s := range h.sessions {
		if !h.receives(s.user, msg.Scope) {
			continue
		}
		select {
		case s.send <- frame:
		default:
			dropped = append(dropped, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dropped {
		h.metrics.Dropped()
		h.logger.WithFields(logrus.Fields{"event": msg.Name, "actor": s.user.ID}).Warn("session buffer full; closing session")
		h.remove(s)
	}
}

func (h *Hub) receives(u rbac.User, scope events.Scope) bool {
	if scope.Open() {
		return true
	}
	for _, id := range scope.Actors {
		if id != "" && id == u.ID {
			return true
		}
	}
	return scope.Permission != "" && h.evaluator.Can(u, scope.Permission)
}

func (h *Hub) add(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	h.metrics.SessionOpened()
	return true
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if ok {
		h.metrics.SessionClosed()
	}
	s.close()
}

// SessionCount reports connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		h.remove(s)
	}
}

// Run closes the hub when ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

// ServeHTTP upgrades the request and authenticates the socket, either from
// the Authorization header or from a {"token": ...} first frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("socket upgrade failed")
		return
	}
	user, err := h.authenticate(r, conn)
	if err != nil {
		h.logger.WithError(err).Info("socket handshake rejected")
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
		conn.Close()
		return
	}
	s := newSession(user, h.cfg.SendBuffer)
	// the ready frame goes first, before Publish can see the session
	ready, _ := json.Marshal(Frame{Event: ReadyEvent, Data: mustJSON(map[string]any{"actor_id": user.ID})})
	s.send <- ready
	if !h.add(s) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	if h.onSessionAdded != nil {
		h.onSessionAdded()
	}

	go h.writePump(conn, s)
	h.readPump(conn, s)
}

func (h *Hub) authenticate(r *http.Request, conn *websocket.Conn) (rbac.User, error) {
	if h.auth == nil {
		return rbac.User{}, errors.New("socket authentication not configured")
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return h.auth(r.Context(), strings.TrimSpace(header[len("bearer "):]))
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	var hs handshake
	if err := conn.ReadJSON(&hs); err != nil {
		return rbac.User{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if strings.TrimSpace(hs.Token) == "" {
		return rbac.User{}, errors.New("missing token")
	}
	return h.auth(r.Context(), strings.TrimSpace(hs.Token))
}

// readPump consumes client frames so control messages are processed. Clients
// have nothing to say after the handshake.
func (h *Hub) readPump(conn *websocket.Conn, s *session) {
	defer h.remove(s)
	conn.SetReadLimit(4096)
	wait := 2 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, s *session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	const writeWait = 10 * time.Second
	for {
		select {
		case frame := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.remove(s)
				return
			}
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
