package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/pkg/realtime"
)

// WebSocketConfig configures a WebSocket.
type WebSocketConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// Token returns the bearer token sent on every (re)connect. It is called
	// per attempt so refreshed tokens are picked up.
	Token func() string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PingInterval is how often a keepalive ping is written. The read
	// deadline is twice this value.
	PingInterval time.Duration

	Backoff BackoffConfig
}

func (c *WebSocketConfig) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
}

// HandshakeError is returned when the server rejects the upgrade request.
type HandshakeError struct {
	StatusCode int
	Body       string
}

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("websocket handshake failed: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// WebSocket is a Socket over gorilla/websocket speaking realtime.Frame.
type WebSocket struct {
	cfg     WebSocketConfig
	log     zerolog.Logger
	dialer  websocket.Dialer
	backoff *Backoff

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	stop           chan struct{}
	done           chan struct{}
	pending        map[string]AckFunc
	handlers       map[string][]Handler
	onConnect      []func()
	onDisconnect   []func(error)
	onConnectError []func(error)

	writeMu sync.Mutex
}

var _ Socket = (*WebSocket)(nil)

func NewWebSocket(cfg WebSocketConfig, log zerolog.Logger) *WebSocket {
	cfg.withDefaults()
	return &WebSocket{
		cfg:      cfg,
		log:      log.With().Str("component", "websocket").Logger(),
		dialer:   websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		backoff:  NewBackoff(cfg.Backoff),
		pending:  make(map[string]AckFunc),
		handlers: make(map[string][]Handler),
	}
}

func (w *WebSocket) On(event string, h Handler) {
	if h == nil {
		return
	}
	w.mu.Lock()
	w.handlers[event] = append(w.handlers[event], h)
	w.mu.Unlock()
}

func (w *WebSocket) OnConnect(fn func()) {
	w.mu.Lock()
	w.onConnect = append(w.onConnect, fn)
	w.mu.Unlock()
}

func (w *WebSocket) OnDisconnect(fn func(error)) {
	w.mu.Lock()
	w.onDisconnect = append(w.onDisconnect, fn)
	w.mu.Unlock()
}

func (w *WebSocket) OnConnectError(fn func(error)) {
	w.mu.Lock()
	w.onConnectError = append(w.onConnectError, fn)
	w.mu.Unlock()
}

func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Connect starts the connection loop. It returns immediately; calling it
// while the loop is already running is a no-op.
func (w *WebSocket) Connect(ctx context.Context) error {
	if strings.TrimSpace(w.cfg.URL) == "" {
		return errors.New("websocket url is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return nil
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	w.stop = stop
	w.done = done
	go w.run(ctx, stop, done)
	return nil
}

// Disconnect stops reconnecting and closes the current connection. It does
// not wait for the loop to exit, so it is safe to call from a handler.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	stop := w.stop
	conn := w.conn
	w.stop = nil
	w.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// Wait blocks until the most recent connection loop has exited.
func (w *WebSocket) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *WebSocket) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	for {
		if stopped(ctx, stop) {
			return
		}
		conn, err := w.dial(ctx)
		if err != nil {
			if stopped(ctx, stop) {
				return
			}
			w.log.Warn().Err(err).Msg("connect failed")
			w.fireConnectError(err)
			if !w.sleep(ctx, stop, w.backoff.Next()) {
				return
			}
			continue
		}

		w.backoff.Reset()
		w.mu.Lock()
		if w.stop != stop {
			w.mu.Unlock()
			_ = conn.Close()
			return
		}
		w.conn = conn
		w.connected = true
		w.mu.Unlock()
		w.log.Info().Str("url", w.cfg.URL).Msg("connected")

		readDone := make(chan error, 1)
		go func() { readDone <- w.readLoop(conn) }()
		w.fireConnect()

		err = w.keepalive(ctx, conn, stop, readDone)
		_ = conn.Close()
		w.mu.Lock()
		w.conn = nil
		w.connected = false
		pending := w.pending
		w.pending = make(map[string]AckFunc)
		w.mu.Unlock()

		for _, ack := range pending {
			ack(nil, ErrDisconnected)
		}
		w.log.Info().Err(err).Msg("disconnected")
		w.fireDisconnect(err)

		if !w.sleep(ctx, stop, w.backoff.Next()) {
			return
		}
	}
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.cfg.Token != nil {
		if token := w.cfg.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// keepalive pings until the reader fails or the socket is stopped.
func (w *WebSocket) keepalive(ctx context.Context, conn *websocket.Conn, stop chan struct{}, readDone <-chan error) error {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-readDone:
			return afterStop(stop, err)
		case <-stop:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout))
			w.writeMu.Unlock()
			if err != nil {
				return afterStop(stop, fmt.Errorf("ping: %w", err))
			}
		}
	}
}

// afterStop reports ErrClosed for a read or ping failure once Disconnect has
// closed stop.
func afterStop(stop chan struct{}, err error) error {
	select {
	case <-stop:
		return ErrClosed
	default:
		return err
	}
}

func (w *WebSocket) readLoop(conn *websocket.Conn) error {
	readTimeout := 2 * w.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame realtime.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			w.log.Warn().Err(err).Msg("invalid frame")
			continue
		}

		switch frame.Type {
		case realtime.FrameTypeAck:
			w.mu.Lock()
			ack, ok := w.pending[frame.AckID]
			delete(w.pending, frame.AckID)
			w.mu.Unlock()
			if ok {
				ack(frame.Data, nil)
			} else {
				w.log.Debug().Str("ack_id", frame.AckID).Msg("ack without pending emit")
			}
		case realtime.FrameTypeEvent:
			w.dispatch(frame.Event, frame.Data)
		default:
			w.log.Warn().Str("type", string(frame.Type)).Msg("unsupported frame type")
		}
	}
}

func (w *WebSocket) dispatch(event string, data json.RawMessage) {
	w.mu.Lock()
	handlers := append([]Handler(nil), w.handlers[event]...)
	w.mu.Unlock()

	if len(handlers) == 0 {
		if realtime.IsServerEvent(event) {
			w.log.Debug().Str("event", event).Msg("no handler for event")
		} else {
			w.log.Warn().Str("event", event).Msg("unknown event ignored")
		}
		return
	}
	for _, h := range handlers {
		h(data)
	}
}

// Emit writes a client event. When ack is non-nil it is called exactly once
// with the server's acknowledgement or ErrDisconnected.
func (w *WebSocket) Emit(event string, data any, ack AckFunc) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame := realtime.Frame{Type: realtime.FrameTypeEmit, Event: event, Data: payload}

	w.mu.Lock()
	conn := w.conn
	if !w.connected || conn == nil {
		w.mu.Unlock()
		return ErrNotConnected
	}
	if ack != nil {
		frame.AckID = uuid.NewString()
		w.pending[frame.AckID] = ack
	}
	w.mu.Unlock()

	w.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	err = conn.WriteJSON(frame)
	w.writeMu.Unlock()

	if err != nil {
		if ack != nil {
			w.mu.Lock()
			delete(w.pending, frame.AckID)
			w.mu.Unlock()
		}
		return fmt.Errorf("emit %s: %w", event, err)
	}
	w.log.Trace().Str("event", event).Str("ack_id", frame.AckID).Msg("emitted")
	return nil
}

func (w *WebSocket) fireConnect() {
	w.mu.Lock()
	fns := append([]func(){}, w.onConnect...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (w *WebSocket) fireDisconnect(err error) {
	w.mu.Lock()
	fns := append([]func(error){}, w.onDisconnect...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (w *WebSocket) fireConnectError(err error) {
	w.mu.Lock()
	fns := append([]func(error){}, w.onConnectError...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (w *WebSocket) sleep(ctx context.Context, stop chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func stopped(ctx context.Context, stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
