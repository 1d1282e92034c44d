package stream

import (
	"sync"
	"sync/atomic"
)

// feedSubscriber is the sending side of a subscription held by the Feed.
type feedSubscriber struct {
	mu      sync.Mutex
	c       chan Update
	closed  bool
	dropped atomic.Int64
}

// Receiver is the receiving end of a subscription held by the consumer.
type Receiver struct {
	C   <-chan Update
	sub *feedSubscriber
}

func newSubscription(bufSize int) (*feedSubscriber, *Receiver) {
	ch := make(chan Update, bufSize)
	sub := &feedSubscriber{c: ch}
	return sub, &Receiver{C: ch, sub: sub}
}

// send attempts a non-blocking send. Returns false if the subscriber is closed.
func (fs *feedSubscriber) send(u Update) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return false
	}
	select {
	case fs.c <- u:
	default:
		fs.dropped.Add(1)
	}
	return true
}

// Close shuts down the subscription from the sending side.
func (fs *feedSubscriber) Close() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.closed {
		fs.closed = true
		close(fs.c)
	}
}

func (fs *feedSubscriber) IsClosed() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.closed
}

// Close shuts down the subscription from the receiving side.
func (r *Receiver) Close() {
	r.sub.Close()
}

// Dropped returns how many updates were discarded because the buffer was full.
func (r *Receiver) Dropped() int64 {
	return r.sub.dropped.Load()
}
