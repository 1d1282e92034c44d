package stream

import "testing"

func TestFeedFanOut(t *testing.T) {
	f := NewFeed()
	recv1 := f.Subscribe(8)
	recv2 := f.Subscribe(8)

	f.publish(Update{Kind: UpdateStarted, TaskID: 1})

	if got := <-recv1.C; got.Kind != UpdateStarted {
		t.Fatalf("recv1: unexpected update %+v", got)
	}
	if got := <-recv2.C; got.Kind != UpdateStarted {
		t.Fatalf("recv2: unexpected update %+v", got)
	}
}

func TestFeedDropsWhenBufferFull(t *testing.T) {
	f := NewFeed()
	recv := f.Subscribe(1)

	f.publish(Update{Kind: UpdateChunk})
	f.publish(Update{Kind: UpdateChunk})

	if recv.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", recv.Dropped())
	}
	<-recv.C
}

func TestClosedSubscriberRemovedFromFeed(t *testing.T) {
	f := NewFeed()
	recv1 := f.Subscribe(8)
	recv2 := f.Subscribe(8)

	recv2.Close()
	f.publish(Update{Kind: UpdateDone})

	if got := <-recv1.C; got.Kind != UpdateDone {
		t.Fatalf("unexpected %+v", got)
	}
	if !recv2.sub.IsClosed() {
		t.Fatal("recv2 should be closed")
	}
	f.mu.Lock()
	count := len(f.subscribers)
	f.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 subscriber after cleanup, got %d", count)
	}
}

func TestSubscribeAfterCloseImmediatelyCloses(t *testing.T) {
	f := NewFeed()
	f.Close()

	recv := f.Subscribe(8)
	if _, ok := <-recv.C; ok {
		t.Fatal("channel should be closed")
	}
	recv.Close() // double close is safe
}

func TestStoreWatchSeesLifecycle(t *testing.T) {
	s := NewStore()
	recv := s.Watch(16)
	defer recv.Close()

	s.ApplyStart(7, 55, Meta{})
	s.ApplyChunk(7, 55, 5, "hello", nil)
	s.ApplyChunk(7, 55, 5, "hello", nil)
	s.ApplyDone(7, 55, 5, nil, 901, "")

	want := []UpdateKind{UpdateStarted, UpdateChunk, UpdateDone}
	for _, kind := range want {
		got := <-recv.C
		if got.Kind != kind || got.TaskID != 7 || got.Subtask.SubtaskID != 55 {
			t.Fatalf("got %+v, want kind %s", got, kind)
		}
	}
	select {
	case extra := <-recv.C:
		t.Fatalf("duplicate chunk published %+v", extra)
	default:
	}
}
