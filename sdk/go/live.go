package ttmsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const readyEvent = "session:ready"

// LiveOptions tunes the socket client. Zero values take the defaults.
type LiveOptions struct {
	// MaxAttempts bounds consecutive reconnect attempts after a drop.
	MaxAttempts int
	Backoff     time.Duration
	// HandshakeTimeout bounds dial plus the token/ready exchange.
	HandshakeTimeout time.Duration
	// ReadTimeout closes a connection that has been silent this long. The
	// server pings well inside it.
	ReadTimeout time.Duration
	Dialer      *websocket.Dialer
	Logger      logrus.FieldLogger

	OnFrame func(Frame)
	// OnReconnect runs after every successful reconnect, before frames flow
	// again. Use it to resync over REST.
	OnReconnect func(ctx context.Context)
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.Backoff <= 0 {
		o.Backoff = 1500 * time.Millisecond
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	return o
}

// Live is the socket client. Connection errors are logged and resolved by
// reconnecting; only an exhausted retry budget or a rejected token ends it.
type Live struct {
	client *Client
	opts   LiveOptions

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewLive(c *Client, opts LiveOptions) *Live {
	return &Live{client: c, opts: opts.withDefaults()}
}

// Connect performs the first handshake and keeps the connection alive in the
// background until Close or ctx ends.
func (l *Live) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return errors.New("live: already connected")
	}
	l.mu.Unlock()

	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.conn = conn
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()
	go l.loop(runCtx, conn)
	return nil
}

// Done is closed when the background loop stops.
func (l *Live) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err reports why the loop stopped; nil after Close.
func (l *Live) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Live) Close() error {
	l.mu.Lock()
	cancel, done, conn := l.cancel, l.done, l.conn
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	<-done
	return nil
}

func (l *Live) loop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		l.mu.Lock()
		close(l.done)
		l.mu.Unlock()
	}()
	for {
		err := l.read(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		l.opts.Logger.WithError(err).Warn("socket disconnected; reconnecting")
		conn, err = l.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.opts.Logger.WithError(err).Error("socket reconnect failed")
				l.mu.Lock()
				l.err = err
				l.mu.Unlock()
			}
			return
		}
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()
		if l.opts.OnReconnect != nil {
			l.opts.OnReconnect(ctx)
		}
	}
}

func (l *Live) reconnect(ctx context.Context) (*websocket.Conn, error) {
	var last error
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		timer := time.NewTimer(l.opts.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		conn, err := l.dial(ctx)
		if err == nil {
			l.opts.Logger.WithField("attempt", attempt).Info("socket reconnected")
			return conn, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		last = err
		l.opts.Logger.WithError(err).WithField("attempt", attempt).Debug("socket reconnect attempt failed")
	}
	return nil, fmt.Errorf("live: gave up after %d attempts: %w", l.opts.MaxAttempts, last)
}

// dial opens the socket and completes the token handshake.
func (l *Live) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := l.client.socketURL()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, l.opts.HandshakeTimeout)
	defer cancel()
	conn, resp, err := l.opts.Dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, l.unauthorized("socket upgrade rejected")
		}
		return nil, &NetworkError{Op: "dial socket", Err: err}
	}
	deadline := time.Now().Add(l.opts.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(map[string]string{"token": l.client.BearerToken}); err != nil {
		conn.Close()
		return nil, &NetworkError{Op: "socket handshake", Err: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(deadline)
	var ready Frame
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, l.unauthorized("socket token rejected")
		}
		return nil, &NetworkError{Op: "socket handshake", Err: err}
	}
	if ready.Event != readyEvent {
		conn.Close()
		return nil, fmt.Errorf("live: expected %s, got %q", readyEvent, ready.Event)
	}
	l.armDeadline(conn)
	conn.SetPingHandler(func(data string) error {
		l.armDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return conn, nil
}

func (l *Live) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.armDeadline(conn)
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			l.opts.Logger.WithError(err).Debug("skipping malformed socket frame")
			continue
		}
		if l.opts.OnFrame != nil {
			l.opts.OnFrame(f)
		}
	}
}

func (l *Live) armDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
}

func (l *Live) unauthorized(msg string) error {
	err := &APIError{StatusCode: http.StatusUnauthorized, Kind: KindUnauthorized, Message: msg}
	if l.client.OnUnauthorized != nil {
		l.client.OnUnauthorized(err)
	}
	return err
}
