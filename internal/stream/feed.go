package stream

import "sync"

type UpdateKind string

const (
	UpdateQueued    UpdateKind = "queued"
	UpdateStarted   UpdateKind = "started"
	UpdateChunk     UpdateKind = "chunk"
	UpdateDone      UpdateKind = "done"
	UpdateError     UpdateKind = "error"
	UpdateCancelled UpdateKind = "cancelled"
	UpdateCleared   UpdateKind = "cleared"
)

// Update tells watchers that a subtask changed. Subtask is a snapshot taken
// at publish time; it is zero for UpdateCleared.
type Update struct {
	Kind    UpdateKind
	TaskID  int64
	Subtask Subtask
}

// Feed fans store updates out to watchers. Sends never block the store: a
// watcher whose buffer is full misses the update and should re-read State.
type Feed struct {
	mu          sync.Mutex
	subscribers []*feedSubscriber
	closed      bool
}

func NewFeed() *Feed {
	return &Feed{}
}

// Subscribe creates a new subscription and returns the receiving end.
func (f *Feed) Subscribe(bufSize int) *Receiver {
	sub, recv := newSubscription(bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		sub.Close()
		return recv
	}
	f.subscribers = append(f.subscribers, sub)
	return recv
}

func (f *Feed) publish(u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()

	alive := f.subscribers[:0]
	for _, sub := range f.subscribers {
		if sub.send(u) {
			alive = append(alive, sub)
		}
	}
	f.subscribers = alive
}

func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, sub := range f.subscribers {
		sub.Close()
	}
	f.subscribers = nil
}
