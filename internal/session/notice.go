package session

import (
	"encoding/json"
	"sync"
)

type NoticeKind string

const (
	NoticeTaskCreated NoticeKind = "task_created"
	NoticeTaskStatus  NoticeKind = "task_status"
	NoticeTaskDeleted NoticeKind = "task_deleted"
	NoticeBackground  NoticeKind = "background_update"
	NoticeMessage     NoticeKind = "message"
	// NoticeTaskState carries task state polled over REST in degraded mode.
	NoticeTaskState NoticeKind = "task_state"
	// NoticeTransport is a recoverable connection problem, shown as a
	// dismissible notice.
	NoticeTransport NoticeKind = "transport"
	NoticeAuth      NoticeKind = "auth"
)

// Notice is a non-stream event for the UI. Err is set for transport and auth
// notices and carries the classified error.
type Notice struct {
	Kind    NoticeKind
	TaskID  int64
	Status  string
	Title   string
	Message string
	Data    json.RawMessage
	Err     error
}

// NoticeReceiver is one subscription to notices. Notices are dropped when
// its buffer is full.
type NoticeReceiver struct {
	C    <-chan Notice
	c    chan Notice
	feed *noticeFeed
}

func (r *NoticeReceiver) Close() {
	r.feed.unsubscribe(r)
}

type noticeFeed struct {
	mu     sync.Mutex
	subs   map[*NoticeReceiver]struct{}
	closed bool
}

func newNoticeFeed() *noticeFeed {
	return &noticeFeed{subs: make(map[*NoticeReceiver]struct{})}
}

func (f *noticeFeed) subscribe(buf int) *NoticeReceiver {
	if buf <= 0 {
		buf = 16
	}
	c := make(chan Notice, buf)
	r := &NoticeReceiver{C: c, c: c, feed: f}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(c)
		return r
	}
	f.subs[r] = struct{}{}
	return r
}

func (f *noticeFeed) unsubscribe(r *NoticeReceiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[r]; !ok {
		return
	}
	delete(f.subs, r)
	close(r.c)
}

func (f *noticeFeed) publish(n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for r := range f.subs {
		select {
		case r.c <- n:
		default:
		}
	}
}

func (f *noticeFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for r := range f.subs {
		close(r.c)
	}
	f.subs = nil
}
