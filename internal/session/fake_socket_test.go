package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ricochet1k/taskstream/internal/transport"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

type emitted struct {
	event string
	data  json.RawMessage
}

// responder builds the ack for an emit. Returning false leaves the emit
// unacknowledged.
type responder func(data json.RawMessage) (any, bool)

type fakeSocket struct {
	mu             sync.Mutex
	connected      bool
	connects       int
	disconnects    int
	emits          []emitted
	handlers       map[string][]transport.Handler
	responders     map[string]responder
	onConnect      []func()
	onDisconnect   []func(error)
	onConnectError []func(error)
}

var _ transport.Socket = (*fakeSocket)(nil)

func newFakeSocket() *fakeSocket {
	s := &fakeSocket{
		handlers:   make(map[string][]transport.Handler),
		responders: make(map[string]responder),
	}
	s.respond(realtime.ClientEventJoinTask, func(json.RawMessage) (any, bool) { return realtime.JoinAck{}, true })
	s.respond(realtime.ClientEventHistorySync, func(json.RawMessage) (any, bool) { return realtime.HistorySyncAck{}, true })
	ok := func(json.RawMessage) (any, bool) { return realtime.Ack{Success: true}, true }
	s.respond(realtime.ClientEventCancel, ok)
	s.respond(realtime.ClientEventRetry, ok)
	s.respond(realtime.ClientEventResume, ok)
	return s
}

func (s *fakeSocket) respond(event realtime.ClientEvent, r responder) {
	s.mu.Lock()
	s.responders[string(event)] = r
	s.mu.Unlock()
}

func (s *fakeSocket) Connect(context.Context) error {
	s.mu.Lock()
	s.connects++
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Disconnect() error {
	s.mu.Lock()
	s.disconnects++
	was := s.connected
	s.connected = false
	fns := append([]func(error){}, s.onDisconnect...)
	s.mu.Unlock()
	if was {
		for _, fn := range fns {
			fn(transport.ErrClosed)
		}
	}
	return nil
}

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) On(event string, h transport.Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *fakeSocket) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

func (s *fakeSocket) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

func (s *fakeSocket) OnConnectError(fn func(error)) {
	s.mu.Lock()
	s.onConnectError = append(s.onConnectError, fn)
	s.mu.Unlock()
}

func (s *fakeSocket) Emit(event string, data any, ack transport.AckFunc) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	s.emits = append(s.emits, emitted{event: event, data: raw})
	r := s.responders[event]
	s.mu.Unlock()

	if ack == nil || r == nil {
		return nil
	}
	reply, ok := r(raw)
	if !ok {
		return nil
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	ack(out, nil)
	return nil
}

// open simulates a successful (re)connect.
func (s *fakeSocket) open() {
	s.mu.Lock()
	s.connected = true
	fns := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// drop simulates the connection being lost.
func (s *fakeSocket) drop() {
	s.mu.Lock()
	s.connected = false
	fns := append([]func(error){}, s.onDisconnect...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(errors.New("unexpected EOF"))
	}
}

func (s *fakeSocket) connectError(err error) {
	s.mu.Lock()
	fns := append([]func(error){}, s.onConnectError...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (s *fakeSocket) deliver(t *testing.T, event realtime.ServerEvent, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	s.mu.Lock()
	hs := append([]transport.Handler(nil), s.handlers[string(event)]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (s *fakeSocket) emitted(event realtime.ClientEvent) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, e := range s.emits {
		if e.event == string(event) {
			out = append(out, e.data)
		}
	}
	return out
}

func (s *fakeSocket) counts() (connects, disconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, s.disconnects
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
