// Package realtime is the server side of the task rooms: connected clients,
// their topic subscriptions and the streaming snapshots handed out on join.
package realtime

import (
	"sync"

	realtimeTypes "github.com/ricochet1k/taskstream/pkg/realtime"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Publish queues frame for every subscriber of topic and returns how many
// received it. Subscribers that cannot keep up are dropped.
func (h *Hub) Publish(topic string, frame realtimeTypes.Frame) int {
	delivered := 0
	for _, client := range h.snapshot() {
		if !client.IsSubscribed(topic) {
			continue
		}
		if client.Queue(frame) {
			delivered++
			continue
		}
		h.Unregister(client.ID())
	}
	return delivered
}

// PublishEvent encodes and publishes a server event to a task room.
func (h *Hub) PublishEvent(taskID int64, event realtimeTypes.ServerEvent, payload any) int {
	frame, err := EventFrame(event, payload)
	if err != nil {
		return 0
	}
	return h.Publish(TaskTopic(taskID), frame)
}

func (h *Hub) Subscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Subscribe(topics)
	return true
}

func (h *Hub) Unsubscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Unsubscribe(topics)
	return true
}

// ClientsWithToken lists the connections authenticated by token.
func (h *Hub) ClientsWithToken(token string) []*Client {
	var out []*Client
	for _, client := range h.snapshot() {
		if client.Token() == token {
			out = append(out, client)
		}
	}
	return out
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	for _, client := range h.snapshot() {
		h.Unregister(client.ID())
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
