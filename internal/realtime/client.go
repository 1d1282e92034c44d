package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	realtimeTypes "github.com/ricochet1k/taskstream/pkg/realtime"
)

const (
	outboundBufferSize = 64
	writeWait          = 10 * time.Second
)

// Client is one server-side websocket connection.
type Client struct {
	id     string
	token  string
	conn   *websocket.Conn
	send   chan realtimeTypes.Frame
	mu     sync.RWMutex
	topics map[string]struct{}
	closed bool
	close  sync.Once
}

func NewClient(id, token string, conn *websocket.Conn) *Client {
	return &Client{
		id:     id,
		token:  token,
		conn:   conn,
		send:   make(chan realtimeTypes.Frame, outboundBufferSize),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Token is the bearer token the client authenticated with.
func (c *Client) Token() string {
	return c.token
}

// Queue hands a frame to the write loop. It reports false when the client is
// closed or too slow to keep up.
func (c *Client) Queue(frame realtimeTypes.Frame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// QueueEvent encodes payload as a server event frame.
func (c *Client) QueueEvent(event realtimeTypes.ServerEvent, payload any) bool {
	frame, err := EventFrame(event, payload)
	if err != nil {
		return false
	}
	return c.Queue(frame)
}

// QueueAck answers the emit that carried ackID.
func (c *Client) QueueAck(ackID string, payload any) bool {
	if ackID == "" {
		return true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return c.Queue(realtimeTypes.Frame{Type: realtimeTypes.FrameTypeAck, AckID: ackID, Data: data})
}

func (c *Client) WriteLoop() {
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (c *Client) Close() {
	c.close.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

// CloseAfterFlush closes the send queue and lets the write loop drain it
// before the connection is torn down.
func (c *Client) CloseAfterFlush(wait time.Duration) {
	c.close.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		time.AfterFunc(wait, func() { _ = c.conn.Close() })
	})
}

func (c *Client) Subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
}

func (c *Client) Unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

func (c *Client) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// EventFrame builds a server event frame.
func EventFrame(event realtimeTypes.ServerEvent, payload any) (realtimeTypes.Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return realtimeTypes.Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return realtimeTypes.Frame{Type: realtimeTypes.FrameTypeEvent, Event: string(event), Data: data}, nil
}
