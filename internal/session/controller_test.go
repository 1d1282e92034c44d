package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/internal/apperr"
	"github.com/ricochet1k/taskstream/internal/history"
	"github.com/ricochet1k/taskstream/internal/stream"
	"github.com/ricochet1k/taskstream/pkg/api"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

type fakeOracle struct {
	valid atomic.Bool
}

func (o *fakeOracle) IsAuthenticated() bool { return o.valid.Load() }

type countingRedirector struct {
	mu    sync.Mutex
	paths []string
}

func (r *countingRedirector) RedirectToLogin(path string) error {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	return nil
}

func (r *countingRedirector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

type harness struct {
	sock       *fakeSocket
	ctrl       *Controller
	oracle     *fakeOracle
	redirector *countingRedirector
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sock:       newFakeSocket(),
		oracle:     &fakeOracle{},
		redirector: &countingRedirector{},
	}
	h.oracle.valid.Store(true)
	opts := Options{
		Config:     Config{AckTimeout: time.Second, ProbeInterval: time.Hour, SweepInterval: time.Hour},
		Socket:     h.sock,
		Oracle:     h.oracle,
		Redirector: h.redirector,
		Logger:     zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}
	ctrl, err := NewController(opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl = ctrl
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return h
}

func (h *harness) coordinator() *Coordinator { return h.ctrl.Coordinator() }

func TestSendWithoutTaskStreamsToDone(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	h.sock.respond(realtime.ClientEventSend, func(json.RawMessage) (any, bool) {
		return realtime.SendAck{TaskID: 7, SubtaskID: 55}, true
	})

	res, err := h.coordinator().Send(context.Background(), SendRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.TaskID != 7 || res.SubtaskID != 55 {
		t.Fatalf("send result = %+v", res)
	}
	if !h.ctrl.Session().Joined(7) {
		t.Fatal("new task room not joined before Send returned")
	}
	if joins := h.sock.emitted(realtime.ClientEventJoinTask); len(joins) != 1 {
		t.Fatalf("join emitted %d times", len(joins))
	}
	if sub, ok := h.ctrl.Store().Subtask(7, 55); !ok || sub.Status != stream.StatusQueued {
		t.Fatalf("optimistic entry = %+v, %v", sub, ok)
	}

	h.sock.deliver(t, realtime.ServerEventChatStart, realtime.StartEvent{TaskID: 7, SubtaskID: 55})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 5, Content: "Hello"})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 12, Content: ", world"})
	h.sock.deliver(t, realtime.ServerEventChatDone, realtime.DoneEvent{TaskID: 7, SubtaskID: 55, Offset: 12, MessageID: 901})

	sub, ok := h.ctrl.Store().State(7)
	if !ok {
		t.Fatal("no state for task 7")
	}
	if sub.SubtaskID != 55 || sub.Status != stream.StatusDone || sub.MessageID != 901 {
		t.Fatalf("state = %+v", sub)
	}
	if sub.Content != "Hello, world" || len(sub.Content) != len("Hello")+len(", world") {
		t.Fatalf("content = %q", sub.Content)
	}
	if h.ctrl.History().LastMessageID(7) != 901 {
		t.Fatalf("history last id = %d", h.ctrl.History().LastMessageID(7))
	}
}

func TestSendRejectsEmptyMessageWithoutEmitting(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()

	_, err := h.coordinator().Send(context.Background(), SendRequest{Message: "   "})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
	if len(h.sock.emitted(realtime.ClientEventSend)) != 0 {
		t.Fatal("invalid send reached the socket")
	}
}

func TestSendTimesOutWithRetryableError(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.AckTimeout = 30 * time.Millisecond })
	h.sock.open()
	h.sock.respond(realtime.ClientEventSend, func(json.RawMessage) (any, bool) { return nil, false })

	_, err := h.coordinator().Send(context.Background(), SendRequest{TaskID: 7, Message: "hi"})
	if apperr.KindOf(err) != apperr.KindTimeout || !apperr.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable timeout", err)
	}
}

func TestSendSurfacesServerMessageVerbatim(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	h.sock.respond(realtime.ClientEventSend, func(json.RawMessage) (any, bool) {
		return realtime.SendAck{Error: "Task not found", Code: realtime.AckCodeNotFound}, true
	})

	_, err := h.coordinator().Send(context.Background(), SendRequest{TaskID: 99, Message: "hi"})
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindDomain || appErr.Message != "Task not found" {
		t.Fatalf("err = %#v", err)
	}
	if apperr.IsRetryable(err) {
		t.Fatal("domain error reported retryable")
	}
}

func TestSendWhileDisconnectedIsTransportError(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coordinator().Send(context.Background(), SendRequest{TaskID: 7, Message: "hi"})
	if apperr.KindOf(err) != apperr.KindTransport {
		t.Fatalf("err = %v, want transport", err)
	}
}

func TestLateDoneWinsOverCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	if err := h.ctrl.Join(context.Background(), 7); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.sock.deliver(t, realtime.ServerEventChatStart, realtime.StartEvent{TaskID: 7, SubtaskID: 55})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 3, Content: "par"})

	if err := h.coordinator().Cancel(context.Background(), 55, "par"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cancels := h.sock.emitted(realtime.ClientEventCancel)
	if len(cancels) != 1 {
		t.Fatalf("cancel emitted %d times", len(cancels))
	}
	var payload realtime.CancelPayload
	_ = json.Unmarshal(cancels[0], &payload)
	if payload.TaskID != 7 || payload.SubtaskID != 55 || payload.PartialContent != "par" {
		t.Fatalf("cancel payload = %+v", payload)
	}
	if sub, _ := h.ctrl.Store().Subtask(7, 55); sub.Status != stream.StatusStreaming || !sub.CancelRequested {
		t.Fatalf("cancel must not change status locally: %+v", sub)
	}

	h.sock.deliver(t, realtime.ServerEventChatDone, realtime.DoneEvent{TaskID: 7, SubtaskID: 55, Offset: 7, Content: "partial", MessageID: 901})
	h.sock.deliver(t, realtime.ServerEventChatCancelled, realtime.CancelledEvent{TaskID: 7, SubtaskID: 55})

	sub, _ := h.ctrl.Store().Subtask(7, 55)
	if sub.Status != stream.StatusDone || sub.Content != "partial" {
		t.Fatalf("final state = %+v", sub)
	}
}

func TestReconnectFastForwardsFromJoinAck(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	if err := h.ctrl.Join(context.Background(), 7); err != nil {
		t.Fatalf("join: %v", err)
	}

	full := strings.Repeat("abcdefghij", 10)
	h.sock.deliver(t, realtime.ServerEventChatStart, realtime.StartEvent{TaskID: 7, SubtaskID: 55})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 40, Content: full[:40]})

	h.sock.drop()
	if h.ctrl.Session().State() != StateConnecting {
		t.Fatalf("state after drop = %v", h.ctrl.Session().State())
	}
	h.sock.respond(realtime.ClientEventJoinTask, func(json.RawMessage) (any, bool) {
		return realtime.JoinAck{Streaming: &realtime.StreamingSnapshot{SubtaskID: 55, Offset: 100, Content: full}}, true
	})
	h.sock.open()

	eventually(t, "fast-forward", func() bool {
		sub, _ := h.ctrl.Store().Subtask(7, 55)
		return sub.Offset == 100
	})
	sub, _ := h.ctrl.Store().Subtask(7, 55)
	if sub.Content != full || sub.Status != stream.StatusStreaming {
		t.Fatalf("content after reconnect = %q (%v)", sub.Content, sub.Status)
	}
	if joins := h.sock.emitted(realtime.ClientEventJoinTask); len(joins) != 2 {
		t.Fatalf("join emitted %d times, want once per connection", len(joins))
	}
	eventually(t, "history sync after reconnect", func() bool {
		return len(h.sock.emitted(realtime.ClientEventHistorySync)) >= 2
	})
}

func TestJoinAndLeaveAreIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.ctrl.Join(ctx, 7); err != nil {
		t.Fatalf("join while disconnected: %v", err)
	}
	if n := len(h.sock.emitted(realtime.ClientEventJoinTask)); n != 0 {
		t.Fatalf("join emitted while disconnected: %d", n)
	}
	h.sock.open()
	eventually(t, "join on connect", func() bool { return len(h.sock.emitted(realtime.ClientEventJoinTask)) == 1 })

	if err := h.ctrl.Join(ctx, 7); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if n := len(h.sock.emitted(realtime.ClientEventJoinTask)); n != 1 {
		t.Fatalf("duplicate join on the wire: %d", n)
	}

	if err := h.ctrl.Leave(ctx, 8); err != nil {
		t.Fatalf("leave non-member: %v", err)
	}
	if n := len(h.sock.emitted(realtime.ClientEventLeaveTask)); n != 0 {
		t.Fatalf("leave emitted for non-member: %d", n)
	}

	h.ctrl.Store().ApplyStart(7, 55, stream.Meta{})
	if err := h.ctrl.Leave(ctx, 7); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok := h.ctrl.Store().State(7); ok {
		t.Fatal("store kept state of left room")
	}
	if err := h.ctrl.Join(ctx, 7); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if n := len(h.sock.emitted(realtime.ClientEventJoinTask)); n != 2 {
		t.Fatalf("join after leave emitted %d times total", n)
	}
}

func TestJoinRejectsInvalidTask(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.Join(context.Background(), 0); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("err = %v", err)
	}
}

func TestProbeRedirectsOncePerTransition(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Session().SetPath("/chat/7")
	h.sock.open()

	h.ctrl.ProbeAuth()
	if h.redirector.count() != 0 {
		t.Fatal("redirected while authenticated")
	}

	h.oracle.valid.Store(false)
	h.ctrl.ProbeAuth()
	h.ctrl.ProbeAuth()
	h.sock.deliver(t, realtime.ServerEventAuthError, realtime.AuthErrorEvent{Message: "Token expired"})
	h.sock.connectError(errors.New("websocket handshake failed: 401 Unauthorized"))

	if h.redirector.count() != 1 {
		t.Fatalf("redirects = %d, want 1", h.redirector.count())
	}
	if h.redirector.paths[0] != "/chat/7" {
		t.Fatalf("redirect path = %q", h.redirector.paths[0])
	}
	if h.ctrl.Session().State() != StateAuthFailed {
		t.Fatalf("state = %v", h.ctrl.Session().State())
	}
	if _, disconnects := h.sock.counts(); disconnects == 0 {
		t.Fatal("socket not disconnected on auth failure")
	}
	if _, err := h.coordinator().Send(context.Background(), SendRequest{TaskID: 7, Message: "hi"}); apperr.KindOf(err) != apperr.KindAuth {
		t.Fatalf("send after auth failure = %v", err)
	}

	// A fresh login is required before the session reconnects.
	h.oracle.valid.Store(true)
	if err := h.ctrl.Relogin(context.Background()); err != nil {
		t.Fatalf("relogin: %v", err)
	}
	if h.ctrl.Session().State() != StateConnecting {
		t.Fatalf("state after relogin = %v", h.ctrl.Session().State())
	}
	if connects, _ := h.sock.counts(); connects != 2 {
		t.Fatalf("connects = %d", connects)
	}

	h.sock.open()
	h.oracle.valid.Store(false)
	h.ctrl.ProbeAuth()
	if h.redirector.count() != 2 {
		t.Fatalf("second transition redirects = %d, want 2", h.redirector.count())
	}
}

func TestProbeIgnoresSessionThatWasNeverValid(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.valid.Store(false)
	h.ctrl.ProbeAuth() // valid -> invalid
	h.ctrl.ProbeAuth()
	if h.redirector.count() != 1 {
		t.Fatalf("redirects = %d", h.redirector.count())
	}

	other := newHarness(t, func(o *Options) {
		o.Oracle = &fakeOracle{}
	})
	other.ctrl.ProbeAuth()
	if other.redirector.count() != 0 {
		t.Fatal("probe redirected a session that was never authenticated")
	}
}

func TestConnectErrorsClassifiedOnce(t *testing.T) {
	h := newHarness(t, nil)
	notices := h.ctrl.Notices(4)

	h.sock.connectError(errors.New("dial tcp 127.0.0.1:8080: connect: connection refused"))
	if h.ctrl.Session().State() != StateConnecting || h.redirector.count() != 0 {
		t.Fatalf("transport failure treated as auth: %v", h.ctrl.Session().State())
	}
	select {
	case n := <-notices.C:
		if n.Kind != NoticeTransport || !apperr.IsRetryable(n.Err) {
			t.Fatalf("notice = %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no transport notice")
	}

	h.sock.connectError(errors.New("websocket handshake failed: 401 Unauthorized"))
	if h.ctrl.Session().State() != StateAuthFailed || h.redirector.count() != 1 {
		t.Fatalf("auth connect error not terminal: %v", h.ctrl.Session().State())
	}
	connects, _ := h.sock.counts()
	h.sock.open()
	if h.ctrl.Session().State() != StateAuthFailed {
		t.Fatal("connect after auth failure left auth_failed")
	}
	if c, _ := h.sock.counts(); c != connects {
		t.Fatal("controller retried after auth failure")
	}
}

func TestGenericErrorEventClassification(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()

	h.sock.deliver(t, realtime.ServerEventError, realtime.ErrorNotice{Message: "Network error"})
	if h.ctrl.Session().State() != StateConnected {
		t.Fatalf("network error changed state to %v", h.ctrl.Session().State())
	}
	h.sock.deliver(t, realtime.ServerEventError, realtime.ErrorNotice{Message: "Invalid JWT"})
	if h.ctrl.Session().State() != StateAuthFailed {
		t.Fatalf("jwt error left state %v", h.ctrl.Session().State())
	}
}

func TestGapRequestsSingleResume(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	if err := h.ctrl.Join(context.Background(), 7); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.sock.deliver(t, realtime.ServerEventChatStart, realtime.StartEvent{TaskID: 7, SubtaskID: 55})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 5, Content: "hello"})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 12, Content: "orld"})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 13, Content: "!"})

	eventually(t, "resume", func() bool { return len(h.sock.emitted(realtime.ClientEventResume)) >= 1 })
	var resume realtime.ResumePayload
	_ = json.Unmarshal(h.sock.emitted(realtime.ClientEventResume)[0], &resume)
	if resume.TaskID != 7 || resume.SubtaskID != 55 || resume.Offset != 5 {
		t.Fatalf("resume = %+v", resume)
	}
	if sub, _ := h.ctrl.Store().Subtask(7, 55); sub.Content != "hello" {
		t.Fatalf("gap content applied early: %q", sub.Content)
	}

	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 8, Content: " wo"})
	if sub, _ := h.ctrl.Store().Subtask(7, 55); sub.Content != "hello world!" {
		t.Fatalf("content after refill = %q", sub.Content)
	}

	_ = h.ctrl.Close()
	if n := len(h.sock.emitted(realtime.ClientEventResume)); n != 1 {
		t.Fatalf("resume emitted %d times", n)
	}
}

func TestDoneBeyondContentResumesBeforeFinishing(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	if err := h.ctrl.Join(context.Background(), 7); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.sock.deliver(t, realtime.ServerEventChatStart, realtime.StartEvent{TaskID: 7, SubtaskID: 55})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 5, Content: "hello"})
	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 12, Content: "abc"})
	h.sock.deliver(t, realtime.ServerEventChatDone, realtime.DoneEvent{TaskID: 7, SubtaskID: 55, Offset: 12, MessageID: 901})

	eventually(t, "resume", func() bool { return len(h.sock.emitted(realtime.ClientEventResume)) >= 1 })
	if sub, _ := h.ctrl.Store().Subtask(7, 55); sub.Status != stream.StatusStreaming || sub.Content != "hello" {
		t.Fatalf("subtask finished with a missing range: %+v", sub)
	}

	h.sock.deliver(t, realtime.ServerEventChatChunk, realtime.ChunkEvent{TaskID: 7, SubtaskID: 55, Offset: 9, Content: " wor"})
	sub, _ := h.ctrl.Store().Subtask(7, 55)
	if sub.Status != stream.StatusDone || sub.Content != "hello worabc" || sub.MessageID != 901 {
		t.Fatalf("subtask after replay = %+v", sub)
	}
}

func TestRetryAndResumeValidate(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	ctx := context.Background()

	if err := h.coordinator().Retry(ctx, 7, 0); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("retry err = %v", err)
	}
	if err := h.coordinator().Resume(ctx, 7, 55, -1); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("resume err = %v", err)
	}
	if err := h.coordinator().Retry(ctx, 7, 55); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(h.sock.emitted(realtime.ClientEventRetry)); n != 1 {
		t.Fatalf("retry emitted %d times", n)
	}
}

func TestTaskNoticesFanOut(t *testing.T) {
	h := newHarness(t, nil)
	h.sock.open()
	notices := h.ctrl.Notices(8)
	_ = h.ctrl.Join(context.Background(), 7)

	h.sock.deliver(t, realtime.ServerEventTaskStatus, realtime.TaskNotice{TaskID: 7, Status: "RUNNING"})
	h.sock.deliver(t, realtime.ServerEventBackgroundUpdate, realtime.BackgroundUpdate{TaskID: 7, ExecutionID: 3, Status: "done"})
	h.sock.deliver(t, realtime.ServerEventTaskDeleted, realtime.TaskNotice{TaskID: 7})

	want := []NoticeKind{NoticeTaskStatus, NoticeBackground, NoticeTaskDeleted}
	for _, kind := range want {
		select {
		case n := <-notices.C:
			if n.Kind != kind || n.TaskID != 7 {
				t.Fatalf("notice = %+v, want %s", n, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s notice", kind)
		}
	}
	if h.ctrl.Session().Joined(7) {
		t.Fatal("deleted task still joined")
	}
}

type fakeTasks struct {
	task api.TaskResponse
}

func (f *fakeTasks) GetTask(context.Context, int64) (api.TaskResponse, error) {
	return f.task, nil
}

func TestReconcileTaskSettlesFinishedGeneration(t *testing.T) {
	tasks := &fakeTasks{task: api.TaskResponse{
		ID:     7,
		Status: api.TaskStatusCompleted,
		Subtasks: []api.SubtaskResponse{
			{ID: 55, TaskID: 7, MessageID: 901, Status: api.SubtaskStatusCompleted, Content: "hello world"},
		},
	}}
	h := newHarness(t, func(o *Options) { o.Tasks = tasks })
	if err := h.ctrl.Join(context.Background(), 7); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.ctrl.Store().ApplyStart(7, 55, stream.Meta{})
	h.ctrl.Store().ApplyChunk(7, 55, 5, "hello", nil)

	if err := h.ctrl.ReconcileTask(context.Background(), 7); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	sub, _ := h.ctrl.Store().Subtask(7, 55)
	if sub.Status != stream.StatusDone || sub.Content != "hello world" || sub.MessageID != 901 {
		t.Fatalf("subtask after reconcile = %+v", sub)
	}
}

func TestReconcileTaskSyncsFromConfirmedHistory(t *testing.T) {
	tasks := &fakeTasks{task: api.TaskResponse{
		ID:     7,
		Status: api.TaskStatusCompleted,
		Subtasks: []api.SubtaskResponse{
			{ID: 55, TaskID: 7, MessageID: 12, Status: api.SubtaskStatusCompleted, Content: "hello world"},
		},
	}}
	server := []realtime.Message{
		{MessageID: 10, TaskID: 7, Role: realtime.MessageRoleUser, Content: "hi"},
		{MessageID: 11, TaskID: 7, Role: realtime.MessageRoleUser, Content: "from another tab"},
		{MessageID: 12, TaskID: 7, SubtaskID: 55, Role: realtime.MessageRoleAssistant, Content: "hello world"},
	}
	var mu sync.Mutex
	var afters []int64
	src := history.SourceFunc(func(_ context.Context, _ int64, after int64) ([]realtime.Message, error) {
		mu.Lock()
		afters = append(afters, after)
		mu.Unlock()
		var out []realtime.Message
		for _, m := range server {
			if m.MessageID > after {
				out = append(out, m)
			}
		}
		return out, nil
	})
	h := newHarness(t, func(o *Options) {
		o.Tasks = tasks
		o.History = src
	})
	if err := h.ctrl.Join(context.Background(), 7); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.ctrl.History().Merge(7, server[0])
	h.ctrl.Store().ApplyStart(7, 55, stream.Meta{})
	h.ctrl.Store().ApplyChunk(7, 55, 5, "hello", nil)

	if err := h.ctrl.ReconcileTask(context.Background(), 7); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	mu.Lock()
	last := afters[len(afters)-1]
	mu.Unlock()
	if last != 10 {
		t.Fatalf("synced after %d, want 10", last)
	}
	var got []int64
	for _, e := range h.ctrl.History().Timeline(7) {
		got = append(got, e.Message.MessageID)
	}
	if len(got) != 3 || got[0] != 10 || got[1] != 11 || got[2] != 12 {
		t.Fatalf("timeline ids = %v", got)
	}
	if h.ctrl.History().SyncCursor(7) != 12 {
		t.Fatalf("cursor = %d", h.ctrl.History().SyncCursor(7))
	}
}
