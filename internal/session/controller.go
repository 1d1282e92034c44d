// Package session owns the realtime connection of one user: room membership,
// stream event application, auth failure handling and the request
// coordinator built on top of it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/internal/apperr"
	"github.com/ricochet1k/taskstream/internal/history"
	"github.com/ricochet1k/taskstream/internal/stream"
	"github.com/ricochet1k/taskstream/internal/transport"
	"github.com/ricochet1k/taskstream/pkg/api"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

// AuthOracle answers whether the user is currently authenticated. It must be
// cheap enough to poll.
type AuthOracle interface {
	IsAuthenticated() bool
}

// Redirector sends the user to login, remembering where they were.
type Redirector interface {
	RedirectToLogin(returnPath string) error
}

// TaskSource is the REST view of a task used while the socket is down.
type TaskSource interface {
	GetTask(ctx context.Context, taskID int64) (api.TaskResponse, error)
}

type Config struct {
	AckTimeout time.Duration
	// ProbeInterval is how often authentication is re-validated.
	ProbeInterval time.Duration
	// SweepInterval is how often terminal subtasks past retention are evicted.
	SweepInterval time.Duration
	// PollInterval is how often task state is polled over REST while the
	// socket is not connected. Zero disables polling.
	PollInterval time.Duration
}

const (
	DefaultAckTimeout    = 10 * time.Second
	DefaultProbeInterval = 10 * time.Second
	DefaultSweepInterval = time.Minute
)

func (c *Config) withDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

type Options struct {
	Config     Config
	Socket     transport.Socket
	Store      *stream.Store
	Session    *Session
	Oracle     AuthOracle
	Redirector Redirector
	// Tasks and History serve degraded mode and history fallback. Both are
	// optional.
	Tasks   TaskSource
	History history.Source
	Logger  zerolog.Logger
}

type resumeKey struct {
	subtaskID int64
	offset    int
}

// Controller applies server events to the store and keeps rooms joined
// across reconnects.
type Controller struct {
	cfg        Config
	socket     transport.Socket
	store      *stream.Store
	session    *Session
	oracle     AuthOracle
	redirector Redirector
	tasks      TaskSource
	history    *history.Reconciler
	coord      *Coordinator
	notices    *noticeFeed
	log        zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
	started bool
	resumes map[resumeKey]struct{}
	wg      sync.WaitGroup
}

func NewController(opts Options) (*Controller, error) {
	if opts.Socket == nil {
		return nil, errors.New("session: socket is required")
	}
	if opts.Store == nil {
		opts.Store = stream.NewStore(stream.WithLogger(opts.Logger))
	}
	if opts.Session == nil {
		opts.Session = New()
	}
	opts.Config.withDefaults()

	c := &Controller{
		cfg:        opts.Config,
		socket:     opts.Socket,
		store:      opts.Store,
		session:    opts.Session,
		oracle:     opts.Oracle,
		redirector: opts.Redirector,
		tasks:      opts.Tasks,
		notices:    newNoticeFeed(),
		log:        opts.Logger.With().Str("component", "session").Logger(),
		ctx:        context.Background(),
		resumes:    make(map[resumeKey]struct{}),
	}
	c.coord = newCoordinator(c)
	c.history = history.NewReconciler(&history.Fallback{
		Primary:   c.coord,
		Secondary: opts.History,
		Log:       c.log,
	}, c.store, opts.Logger)
	return c, nil
}

func (c *Controller) Store() *stream.Store { return c.store }

func (c *Controller) Session() *Session { return c.session }

func (c *Controller) History() *history.Reconciler { return c.history }

func (c *Controller) Coordinator() *Coordinator { return c.coord }

// Notices subscribes to task notices and recoverable errors.
func (c *Controller) Notices(buf int) *NoticeReceiver { return c.notices.subscribe(buf) }

// Start registers event handlers, schedules the background probes and starts
// connecting. It returns once the connect loop is running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.registerHandlers()
	if c.oracle != nil {
		c.session.swapAuthValid(c.oracle.IsAuthenticated())
	}
	c.session.setConnecting()

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{c.log})), cron.WithLogger(cronLogger{c.log}))
	sched.Schedule(cron.Every(c.cfg.ProbeInterval), cron.FuncJob(c.ProbeAuth))
	sched.Schedule(cron.Every(c.cfg.SweepInterval), cron.FuncJob(c.sweep))
	if c.cfg.PollInterval > 0 && c.tasks != nil {
		sched.Schedule(cron.Every(c.cfg.PollInterval), cron.FuncJob(c.pollDegraded))
	}
	sched.Start()
	c.mu.Lock()
	c.cron = sched
	c.mu.Unlock()

	return c.socket.Connect(c.ctx)
}

// Close stops background work and disconnects. Pending requests fail.
func (c *Controller) Close() error {
	c.mu.Lock()
	sched := c.cron
	cancel := c.cancel
	c.cron = nil
	c.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	err := c.socket.Disconnect()
	c.wg.Wait()
	c.session.setState(StateDisconnected)
	c.notices.close()
	return err
}

func (c *Controller) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// spawn runs fn off the socket reader goroutine, which must never block on
// an acknowledgement.
func (c *Controller) spawn(fn func(ctx context.Context)) {
	ctx := c.context()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

func (c *Controller) registerHandlers() {
	c.socket.OnConnect(c.handleConnect)
	c.socket.OnDisconnect(c.handleDisconnect)
	c.socket.OnConnectError(c.handleConnectError)

	c.on(realtime.ServerEventChatStart, c.handleStart)
	c.on(realtime.ServerEventChatChunk, c.handleChunk)
	c.on(realtime.ServerEventChatDone, c.handleDone)
	c.on(realtime.ServerEventChatError, c.handleError)
	c.on(realtime.ServerEventChatCancelled, c.handleCancelled)
	c.on(realtime.ServerEventChatMessage, c.handleMessage)
	c.on(realtime.ServerEventTaskCreated, c.taskNotice(realtime.ServerEventTaskCreated, NoticeTaskCreated))
	c.on(realtime.ServerEventTaskStatus, c.taskNotice(realtime.ServerEventTaskStatus, NoticeTaskStatus))
	c.on(realtime.ServerEventTaskDeleted, c.handleTaskDeleted)
	c.on(realtime.ServerEventBackgroundUpdate, c.handleBackground)
	c.on(realtime.ServerEventAuthError, c.handleAuthError)
	c.on(realtime.ServerEventError, c.handleErrorNotice)
}

func (c *Controller) on(event realtime.ServerEvent, fn func(json.RawMessage)) {
	c.socket.On(string(event), fn)
}

func decode[T any](c *Controller, event realtime.ServerEvent, data json.RawMessage) (T, bool) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		c.log.Warn().Err(err).Str("event", string(event)).Msg("malformed event payload ignored")
		return v, false
	}
	return v, true
}

// Connection lifecycle

func (c *Controller) handleConnect() {
	reconnect, ok := c.session.markConnected()
	if !ok {
		_ = c.socket.Disconnect()
		return
	}
	c.log.Info().Bool("reconnect", reconnect).Msg("session connected")
	rooms := c.session.Rooms()
	c.spawn(func(ctx context.Context) { c.rejoin(ctx, rooms, reconnect) })
}

func (c *Controller) handleDisconnect(err error) {
	c.session.markDisconnected()
	c.clearResumes(0)
	if c.session.State() == StateAuthFailed || errors.Is(err, transport.ErrClosed) {
		return
	}
	c.log.Warn().Err(err).Msg("session disconnected")
	c.notices.publish(Notice{Kind: NoticeTransport, Message: "connection lost", Err: err})
}

// handleConnectError classifies a connect failure once: auth failures end the
// session, everything else is left to the transport's own retry.
func (c *Controller) handleConnectError(err error) {
	if apperr.IsAuthError(err) {
		c.failAuth(err.Error())
		return
	}
	if c.session.setConnecting() {
		c.notices.publish(Notice{Kind: NoticeTransport, Message: "connect failed", Err: apperr.Transport("connect", err)})
	}
}

// rejoin sends the wire join for every member room of this connection.
// Rooms joined after the snapshot was taken join themselves.
func (c *Controller) rejoin(ctx context.Context, rooms []int64, reconnect bool) {
	for _, taskID := range rooms {
		if !c.session.claimWire(taskID) {
			continue
		}
		// Read before the join so live messages after the ack cannot move it.
		lastKnown := c.history.SyncCursor(taskID)
		if err := c.joinWire(ctx, taskID); err != nil {
			c.log.Warn().Err(err).Int64("task_id", taskID).Msg("rejoin failed")
			continue
		}
		if reconnect || lastKnown == 0 {
			c.syncHistory(ctx, taskID, lastKnown)
		}
	}
}

// joinWire sends the join for a room whose wire claim the caller holds.
func (c *Controller) joinWire(ctx context.Context, taskID int64) error {
	var ack realtime.JoinAck
	err := c.coord.request(ctx, "join", realtime.ClientEventJoinTask, realtime.JoinPayload{TaskID: taskID}, &ack)
	if err == nil && ack.Error != "" {
		err = apperr.FromServerMessage("join", string(ack.Code), ack.Error)
	}
	if err != nil {
		c.session.releaseWire(taskID)
		c.observe(err)
		return err
	}
	if ack.Streaming != nil && ack.Streaming.SubtaskID != 0 {
		c.fastForward(taskID, ack.Streaming)
	}
	c.log.Debug().Int64("task_id", taskID).Msg("room joined")
	return nil
}

// fastForward replaces local fragments of an in-flight generation with the
// server's cached content.
func (c *Controller) fastForward(taskID int64, snap *realtime.StreamingSnapshot) {
	current, ok := c.store.Subtask(taskID, snap.SubtaskID)
	if ok && (current.Status == stream.StatusDone || (current.Status == stream.StatusStreaming && current.Offset >= snap.Offset)) {
		return
	}
	if !c.store.ApplyStart(taskID, snap.SubtaskID, current.Meta) {
		return
	}
	if snap.Offset > 0 {
		c.store.ApplyChunk(taskID, snap.SubtaskID, snap.Offset, snap.Content, snap.Result)
	}
	c.log.Debug().Int64("task_id", taskID).Int64("subtask_id", snap.SubtaskID).Int("offset", snap.Offset).Msg("stream fast-forwarded from join ack")
}

func (c *Controller) syncHistory(ctx context.Context, taskID, lastKnown int64) {
	if _, err := c.history.SyncSince(ctx, taskID, lastKnown); err != nil {
		c.log.Warn().Err(err).Int64("task_id", taskID).Msg("history sync failed")
		c.observe(err)
	}
}

// Rooms

// Join makes the task a member room. Joining a member room is a no-op. When
// the socket is not connected the wire join happens on the next connect.
func (c *Controller) Join(ctx context.Context, taskID int64) error {
	if taskID <= 0 {
		return apperr.Validation("join", "invalid task id %d", taskID)
	}
	if !c.session.addRoom(taskID) {
		return nil
	}
	if !c.session.claimWire(taskID) {
		return nil
	}
	if err := c.joinWire(ctx, taskID); err != nil {
		if !apperr.IsRetryable(err) {
			c.session.removeRoom(taskID)
		}
		return err
	}
	if c.history.SyncCursor(taskID) == 0 {
		c.spawn(func(ctx context.Context) { c.syncHistory(ctx, taskID, 0) })
	}
	return nil
}

// Leave drops the room and its local state. Leaving a non-member is a no-op.
func (c *Controller) Leave(ctx context.Context, taskID int64) error {
	existed, wire := c.session.removeRoom(taskID)
	if !existed {
		return nil
	}
	c.store.ClearTask(taskID)
	c.history.Forget(taskID)
	if !wire {
		return nil
	}
	if err := c.socket.Emit(string(realtime.ClientEventLeaveTask), realtime.LeavePayload{TaskID: taskID}, nil); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		return apperr.Transport("leave", err)
	}
	return nil
}

// Stream events

func (c *Controller) handleStart(data json.RawMessage) {
	evt, ok := decode[realtime.StartEvent](c, realtime.ServerEventChatStart, data)
	if !ok {
		return
	}
	c.store.ApplyStart(evt.TaskID, evt.SubtaskID, stream.Meta{BotName: evt.BotName, ShellType: evt.ShellType})
}

func (c *Controller) handleChunk(data json.RawMessage) {
	evt, ok := decode[realtime.ChunkEvent](c, realtime.ServerEventChatChunk, data)
	if !ok {
		return
	}
	switch c.store.ApplyChunk(evt.TaskID, evt.SubtaskID, evt.Offset, evt.Content, evt.Result) {
	case stream.ChunkBuffered:
		c.resumeGap(evt.TaskID, evt.SubtaskID)
	case stream.ChunkApplied:
		// A replayed range can complete a held done.
		if sub, ok := c.store.Subtask(evt.TaskID, evt.SubtaskID); ok && sub.Status == stream.StatusDone {
			c.clearResumes(evt.SubtaskID)
			c.history.AddStreamed(sub)
		}
	}
}

func (c *Controller) resumeGap(taskID, subtaskID int64) {
	if offset, gap := c.store.Gap(taskID, subtaskID); gap {
		c.requestResume(taskID, subtaskID, offset)
	}
}

// requestResume asks the server to replay a missing range, once per
// (subtask, offset).
func (c *Controller) requestResume(taskID, subtaskID int64, offset int) {
	key := resumeKey{subtaskID: subtaskID, offset: offset}
	c.mu.Lock()
	if _, pending := c.resumes[key]; pending {
		c.mu.Unlock()
		return
	}
	c.resumes[key] = struct{}{}
	c.mu.Unlock()

	c.spawn(func(ctx context.Context) {
		if err := c.coord.Resume(ctx, taskID, subtaskID, offset); err != nil {
			c.log.Warn().Err(err).Int64("subtask_id", subtaskID).Int("offset", offset).Msg("resume after gap failed")
			c.mu.Lock()
			delete(c.resumes, key)
			c.mu.Unlock()
		}
	})
}

// clearResumes forgets resume requests for a subtask, or all of them when
// subtaskID is 0.
func (c *Controller) clearResumes(subtaskID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.resumes {
		if subtaskID == 0 || key.subtaskID == subtaskID {
			delete(c.resumes, key)
		}
	}
}

func (c *Controller) handleDone(data json.RawMessage) {
	evt, ok := decode[realtime.DoneEvent](c, realtime.ServerEventChatDone, data)
	if !ok {
		return
	}
	c.clearResumes(evt.SubtaskID)
	if !c.store.ApplyDone(evt.TaskID, evt.SubtaskID, evt.Offset, evt.Result, evt.MessageID, evt.Content) {
		c.resumeGap(evt.TaskID, evt.SubtaskID)
		return
	}
	if sub, ok := c.store.Subtask(evt.TaskID, evt.SubtaskID); ok {
		c.history.AddStreamed(sub)
	}
}

func (c *Controller) handleError(data json.RawMessage) {
	evt, ok := decode[realtime.ErrorEvent](c, realtime.ServerEventChatError, data)
	if !ok {
		return
	}
	c.clearResumes(evt.SubtaskID)
	if c.store.ApplyError(evt.TaskID, evt.SubtaskID, evt.Error, evt.MessageID) {
		if sub, ok := c.store.Subtask(evt.TaskID, evt.SubtaskID); ok {
			c.history.AddStreamed(sub)
		}
	}
}

func (c *Controller) handleCancelled(data json.RawMessage) {
	evt, ok := decode[realtime.CancelledEvent](c, realtime.ServerEventChatCancelled, data)
	if !ok {
		return
	}
	c.clearResumes(evt.SubtaskID)
	if c.store.ApplyCancelled(evt.TaskID, evt.SubtaskID, evt.MessageID) {
		if sub, ok := c.store.Subtask(evt.TaskID, evt.SubtaskID); ok {
			c.history.AddStreamed(sub)
		}
	}
}

func (c *Controller) handleMessage(data json.RawMessage) {
	evt, ok := decode[realtime.MessageEvent](c, realtime.ServerEventChatMessage, data)
	if !ok {
		return
	}
	c.history.Merge(evt.Message.TaskID, evt.Message)
	c.notices.publish(Notice{Kind: NoticeMessage, TaskID: evt.Message.TaskID, Message: evt.Message.Content})
}

func (c *Controller) taskNotice(event realtime.ServerEvent, kind NoticeKind) func(json.RawMessage) {
	return func(data json.RawMessage) {
		evt, ok := decode[realtime.TaskNotice](c, event, data)
		if !ok {
			return
		}
		c.notices.publish(Notice{Kind: kind, TaskID: evt.TaskID, Status: evt.Status, Title: evt.Title})
	}
}

// handleTaskDeleted drops the room locally; the server already removed it.
func (c *Controller) handleTaskDeleted(data json.RawMessage) {
	evt, ok := decode[realtime.TaskNotice](c, realtime.ServerEventTaskDeleted, data)
	if !ok {
		return
	}
	if existed, _ := c.session.removeRoom(evt.TaskID); existed {
		c.store.ClearTask(evt.TaskID)
		c.history.Forget(evt.TaskID)
	}
	c.notices.publish(Notice{Kind: NoticeTaskDeleted, TaskID: evt.TaskID})
}

func (c *Controller) handleBackground(data json.RawMessage) {
	evt, ok := decode[realtime.BackgroundUpdate](c, realtime.ServerEventBackgroundUpdate, data)
	if !ok {
		return
	}
	c.notices.publish(Notice{Kind: NoticeBackground, TaskID: evt.TaskID, Status: evt.Status, Data: evt.Data})
}

func (c *Controller) handleAuthError(data json.RawMessage) {
	evt, _ := decode[realtime.AuthErrorEvent](c, realtime.ServerEventAuthError, data)
	msg := evt.Message
	if msg == "" {
		msg = "authentication error"
	}
	c.failAuth(msg)
}

// handleErrorNotice classifies a generic server error once.
func (c *Controller) handleErrorNotice(data json.RawMessage) {
	evt, ok := decode[realtime.ErrorNotice](c, realtime.ServerEventError, data)
	if !ok {
		return
	}
	if apperr.IsAuthMessage(evt.Message) {
		c.failAuth(evt.Message)
		return
	}
	c.notices.publish(Notice{Kind: NoticeTransport, Message: evt.Message, Err: apperr.Transport("server", errors.New(evt.Message))})
}

// Authentication

// observe routes an already classified error: auth errors end the session,
// the rest are only logged.
func (c *Controller) observe(err error) {
	if apperr.KindOf(err) == apperr.KindAuth {
		c.failAuth(err.Error())
	}
}

// ProbeAuth re-validates authentication. A valid session that turns invalid
// fails over to auth_failed.
func (c *Controller) ProbeAuth() {
	if c.oracle == nil {
		return
	}
	valid := c.oracle.IsAuthenticated()
	if wasValid := c.session.swapAuthValid(valid); wasValid && !valid {
		c.failAuth("authentication expired")
	}
}

// failAuth disconnects and redirects to login exactly once per transition.
func (c *Controller) failAuth(reason string) {
	if !c.session.failAuth() {
		return
	}
	c.log.Warn().Str("reason", reason).Msg("authentication failed")
	_ = c.socket.Disconnect()
	if c.redirector != nil {
		if err := c.redirector.RedirectToLogin(c.session.Path()); err != nil {
			c.log.Error().Err(err).Msg("login redirect failed")
		}
	}
	c.notices.publish(Notice{Kind: NoticeAuth, Message: reason, Err: apperr.Auth("session", reason)})
}

// Relogin leaves auth_failed once the oracle reports a fresh login and
// reconnects. It is never called automatically.
func (c *Controller) Relogin(ctx context.Context) error {
	if c.oracle != nil && !c.oracle.IsAuthenticated() {
		return apperr.Auth("relogin", "not authenticated")
	}
	if !c.session.clearAuthFailure() {
		return nil
	}
	c.log.Info().Msg("session re-authenticated")
	return c.socket.Connect(c.context())
}

// Background jobs

func (c *Controller) sweep() {
	if n := c.store.Evict(time.Now()); n > 0 {
		c.log.Debug().Int("evicted", n).Msg("stream cache swept")
	}
}

// pollDegraded reads task state over REST while the socket is down so
// generations that finished during the outage still settle.
func (c *Controller) pollDegraded() {
	switch c.session.State() {
	case StateConnected, StateAuthFailed:
		return
	}
	ctx, cancel := context.WithTimeout(c.context(), c.cfg.AckTimeout)
	defer cancel()
	for _, taskID := range c.session.Rooms() {
		if err := c.ReconcileTask(ctx, taskID); err != nil {
			c.log.Debug().Err(err).Int64("task_id", taskID).Msg("degraded poll failed")
		}
	}
}

// ReconcileTask settles locally unfinished generations from the task's REST
// state and pulls history.
func (c *Controller) ReconcileTask(ctx context.Context, taskID int64) error {
	if c.tasks == nil {
		return nil
	}
	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		c.observe(err)
		return fmt.Errorf("poll task %d: %w", taskID, err)
	}
	for _, st := range task.Subtasks {
		if !st.Status.Terminal() {
			continue
		}
		local, ok := c.store.Subtask(taskID, st.ID)
		if !ok || local.Status.Terminal() {
			continue
		}
		var applied bool
		switch st.Status {
		case api.SubtaskStatusCompleted:
			applied = c.store.ApplyDone(taskID, st.ID, utf8.RuneCountInString(st.Content), st.Result, st.MessageID, st.Content)
		case api.SubtaskStatusFailed:
			applied = c.store.ApplyError(taskID, st.ID, st.ErrorMessage, st.MessageID)
		case api.SubtaskStatusCancelled:
			applied = c.store.ApplyCancelled(taskID, st.ID, st.MessageID)
		}
		if applied {
			if sub, ok := c.store.Subtask(taskID, st.ID); ok {
				c.history.AddStreamed(sub)
			}
		}
	}
	c.syncHistory(ctx, taskID, c.history.SyncCursor(taskID))
	c.notices.publish(Notice{Kind: NoticeTaskState, TaskID: taskID, Status: string(task.Status), Title: task.Title})
	return nil
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
