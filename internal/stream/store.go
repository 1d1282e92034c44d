package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/pkg/realtime"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Meta is descriptive data from the start event.
type Meta struct {
	BotName   string
	ShellType string
}

// Subtask is a read-only snapshot of one generation.
type Subtask struct {
	TaskID          int64
	SubtaskID       int64
	Status          Status
	Offset          int
	Content         string
	Result          realtime.Result
	MessageID       int64
	Error           string
	Meta            Meta
	CancelRequested bool
	UpdatedAt       time.Time
}

// ChunkOutcome reports what ApplyChunk did with a chunk.
type ChunkOutcome int

const (
	// ChunkApplied means new content was appended.
	ChunkApplied ChunkOutcome = iota
	// ChunkDuplicate means the chunk ended at or before the stored offset.
	ChunkDuplicate
	// ChunkBuffered means the chunk starts past the stored offset and is held
	// until the missing range arrives.
	ChunkBuffered
	// ChunkIgnored means the subtask is already terminal.
	ChunkIgnored
)

const DefaultRetention = 5 * time.Minute

type pendingChunk struct {
	start   int
	offset  int
	content []rune
	result  realtime.Result
}

type entry struct {
	taskID          int64
	subtaskID       int64
	status          Status
	content         []rune
	result          realtime.Result
	messageID       int64
	errMsg          string
	meta            Meta
	cancelRequested bool
	updatedAt       time.Time
	pending         map[int]pendingChunk
	// held is a done event that arrived before the content it covers. The
	// entry stays streaming until the missing range is filled.
	held *heldDone
}

type heldDone struct {
	offset    int
	result    realtime.Result
	messageID int64
}

func (e *entry) offset() int {
	return len(e.content)
}

func (e *entry) snapshot() Subtask {
	return Subtask{
		TaskID:          e.taskID,
		SubtaskID:       e.subtaskID,
		Status:          e.status,
		Offset:          len(e.content),
		Content:         string(e.content),
		Result:          e.result.Clone(),
		MessageID:       e.messageID,
		Error:           e.errMsg,
		Meta:            e.meta,
		CancelRequested: e.cancelRequested,
		UpdatedAt:       e.updatedAt,
	}
}

type taskState struct {
	subtasks map[int64]*entry
	visible  int64
}

// Store holds per-task generation state. Content is only ever derived from
// chunk offsets, never from arrival order, so redelivered or reordered chunks
// converge to the same content.
type Store struct {
	mu        sync.Mutex
	tasks     map[int64]*taskState
	owners    map[int64]int64
	feed      *Feed
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Store)

// WithRetention sets how long terminal subtasks stay visible before Evict
// may drop them.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log.With().Str("component", "stream-store").Logger() }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		tasks:     make(map[int64]*taskState),
		owners:    make(map[int64]int64),
		feed:      NewFeed(),
		retention: DefaultRetention,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Watch subscribes to store updates.
func (s *Store) Watch(bufSize int) *Receiver {
	return s.feed.Subscribe(bufSize)
}

func (s *Store) task(taskID int64) *taskState {
	ts, ok := s.tasks[taskID]
	if !ok {
		ts = &taskState{subtasks: make(map[int64]*entry)}
		s.tasks[taskID] = ts
	}
	return ts
}

func (s *Store) entry(taskID, subtaskID int64) (*taskState, *entry, bool) {
	ts := s.task(taskID)
	e, ok := ts.subtasks[subtaskID]
	if !ok {
		e = &entry{taskID: taskID, subtaskID: subtaskID}
		ts.subtasks[subtaskID] = e
		s.owners[subtaskID] = taskID
	}
	return ts, e, ok
}

func (s *Store) publish(kind UpdateKind, e *entry) {
	s.feed.publish(Update{Kind: kind, TaskID: e.taskID, Subtask: e.snapshot()})
}

// ApplyQueued records an optimistic entry right after a send is
// acknowledged. An existing entry is never downgraded. The task's other
// non-streaming entries are superseded and removed.
func (s *Store) ApplyQueued(taskID, subtaskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, e, existed := s.entry(taskID, subtaskID)
	for id, other := range ts.subtasks {
		if id != subtaskID && other.status != StatusStreaming {
			delete(ts.subtasks, id)
			delete(s.owners, id)
		}
	}
	ts.visible = subtaskID
	if existed {
		return
	}
	e.status = StatusQueued
	e.updatedAt = s.now()
	s.publish(UpdateQueued, e)
}

// ApplyStart creates or resets a subtask to streaming with no content. The
// task's visible generation moves to this subtask; a previously streaming
// subtask keeps its own state. A done subtask is immutable and not reset.
func (s *Store) ApplyStart(taskID, subtaskID int64, meta Meta) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, e, _ := s.entry(taskID, subtaskID)
	if e.status == StatusDone {
		s.log.Debug().Int64("task_id", taskID).Int64("subtask_id", subtaskID).Msg("start ignored for done subtask")
		return false
	}
	if ts.visible != 0 && ts.visible != subtaskID {
		if prev, ok := ts.subtasks[ts.visible]; ok && prev.status == StatusStreaming {
			s.log.Debug().Int64("task_id", taskID).Int64("previous", prev.subtaskID).Int64("subtask_id", subtaskID).Msg("new generation replaces visible stream")
		}
	}
	e.status = StatusStreaming
	e.content = nil
	e.result = nil
	e.messageID = 0
	e.errMsg = ""
	e.meta = meta
	e.cancelRequested = false
	e.pending = nil
	e.held = nil
	e.updatedAt = s.now()
	ts.visible = subtaskID
	s.publish(UpdateStarted, e)
	return true
}

// ApplyChunk applies a content delta ending at offset. A chunk ending at or
// before the stored offset is a duplicate. An overlapping retransmission
// contributes only the part beyond the stored offset. A chunk that starts past
// the stored offset is buffered until the gap is filled.
func (s *Store) ApplyChunk(taskID, subtaskID int64, offset int, delta string, result realtime.Result) ChunkOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, e, existed := s.entry(taskID, subtaskID)
	if !existed || e.status == StatusQueued {
		e.status = StatusStreaming
		if ts.visible == 0 || !existed {
			ts.visible = subtaskID
		}
	}
	if e.status.Terminal() {
		return ChunkIgnored
	}
	if offset <= e.offset() {
		return ChunkDuplicate
	}

	runes := []rune(delta)
	start := offset - len(runes)
	if start < 0 {
		runes = runes[-start:]
		start = 0
	}
	chunk := pendingChunk{start: start, offset: offset, content: runes, result: result.Clone()}
	if start > e.offset() {
		if e.pending == nil {
			e.pending = make(map[int]pendingChunk)
		}
		if existing, ok := e.pending[start]; !ok || existing.offset < offset {
			e.pending[start] = chunk
		}
		s.log.Debug().Int64("subtask_id", subtaskID).Int("stored", e.offset()).Int("start", start).Msg("chunk buffered behind gap")
		return ChunkBuffered
	}

	e.appendChunk(chunk)
	e.drainPending()
	e.updatedAt = s.now()
	if h := e.held; h != nil && len(e.pending) == 0 && e.offset() >= h.offset {
		e.finishDone(h.result, h.messageID)
		s.publish(UpdateDone, e)
		return ChunkApplied
	}
	s.publish(UpdateChunk, e)
	return ChunkApplied
}

func (e *entry) appendChunk(c pendingChunk) {
	skip := e.offset() - c.start
	if skip < 0 || skip >= len(c.content) {
		return
	}
	e.content = append(e.content, c.content[skip:]...)
	if !c.result.IsZero() {
		e.result = c.result
	}
}

func (e *entry) drainPending() {
	for len(e.pending) > 0 {
		progressed := false
		for start, c := range e.pending {
			if start > e.offset() {
				continue
			}
			delete(e.pending, start)
			if c.offset > e.offset() {
				e.appendChunk(c)
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// Gap reports the stored offset of a subtask with chunks buffered behind a
// missing range, or with a done event waiting for content it has not seen.
func (s *Store) Gap(taskID, subtaskID int64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return 0, false
	}
	e, ok := ts.subtasks[subtaskID]
	if !ok || e.status.Terminal() || (len(e.pending) == 0 && e.held == nil) {
		return 0, false
	}
	return e.offset(), true
}

// ApplyDone finalizes a subtask. It wins over a prior cancelled or error
// state because the server's terminal event is authoritative. Once done, the
// subtask's content, result and message id never change again.
//
// A done without content that ends past the received content is held: the
// subtask stays streaming with its buffered chunks until a replay or the
// persisted copy covers the declared offset. ApplyDone then returns false and
// Gap reports where the replay has to start.
func (s *Store) ApplyDone(taskID, subtaskID int64, offset int, result realtime.Result, messageID int64, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, e, existed := s.entry(taskID, subtaskID)
	if e.status == StatusDone {
		return false
	}
	if !existed && ts.visible == 0 {
		ts.visible = subtaskID
	}
	if content != "" {
		if full := []rune(content); len(full) >= e.offset() {
			e.content = full
		}
	} else {
		e.drainPending()
		if offset > e.offset() {
			if e.status != StatusStreaming {
				e.status = StatusStreaming
			}
			e.held = &heldDone{offset: offset, result: result.Clone(), messageID: messageID}
			e.updatedAt = s.now()
			s.log.Debug().Int64("subtask_id", subtaskID).Int("stored", e.offset()).Int("offset", offset).Msg("done held until content catches up")
			return false
		}
	}
	e.finishDone(result, messageID)
	e.updatedAt = s.now()
	s.publish(UpdateDone, e)
	return true
}

func (e *entry) finishDone(result realtime.Result, messageID int64) {
	e.pending = nil
	e.held = nil
	e.status = StatusDone
	if !result.IsZero() {
		e.result = result.Clone()
	}
	e.messageID = messageID
	e.errMsg = ""
}

// ApplyError marks a subtask failed, keeping whatever content had streamed.
func (s *Store) ApplyError(taskID, subtaskID int64, errMsg string, messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, e, _ := s.entry(taskID, subtaskID)
	if e.status.Terminal() || e.held != nil {
		return false
	}
	e.status = StatusError
	e.errMsg = errMsg
	if messageID != 0 {
		e.messageID = messageID
	}
	e.pending = nil
	e.updatedAt = s.now()
	s.publish(UpdateError, e)
	return true
}

// ApplyCancelled marks a subtask cancelled, keeping its partial content.
func (s *Store) ApplyCancelled(taskID, subtaskID int64, messageID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, e, _ := s.entry(taskID, subtaskID)
	if e.status.Terminal() || e.held != nil {
		return false
	}
	e.status = StatusCancelled
	if messageID != 0 {
		e.messageID = messageID
	}
	e.pending = nil
	e.updatedAt = s.now()
	s.publish(UpdateCancelled, e)
	return true
}

// MarkCancelRequested records the local cancel intent. It does not change
// status; the server confirms with its own terminal event.
func (s *Store) MarkCancelRequested(subtaskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.owners[subtaskID]
	if !ok {
		return false
	}
	e := s.tasks[taskID].subtasks[subtaskID]
	if e.status.Terminal() {
		return false
	}
	e.cancelRequested = true
	return true
}

// State returns the task's visible generation.
func (s *Store) State(taskID int64) (Subtask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return Subtask{}, false
	}
	e, ok := ts.subtasks[ts.visible]
	if !ok {
		return Subtask{}, false
	}
	return e.snapshot(), true
}

func (s *Store) Subtask(taskID, subtaskID int64) (Subtask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return Subtask{}, false
	}
	e, ok := ts.subtasks[subtaskID]
	if !ok {
		return Subtask{}, false
	}
	return e.snapshot(), true
}

// Subtasks returns every tracked generation of a task ordered by subtask id.
func (s *Store) Subtasks(taskID int64) []Subtask {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	out := make([]Subtask, 0, len(ts.subtasks))
	for _, e := range ts.subtasks {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubtaskID < out[j].SubtaskID })
	return out
}

func (s *Store) TaskOf(subtaskID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.owners[subtaskID]
	return taskID, ok
}

// ClearTask drops a task's state, used when its room is left.
func (s *Store) ClearTask(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearTaskLocked(taskID)
}

func (s *Store) clearTaskLocked(taskID int64) {
	ts, ok := s.tasks[taskID]
	if !ok {
		return
	}
	for id := range ts.subtasks {
		delete(s.owners, id)
	}
	delete(s.tasks, taskID)
	s.feed.publish(Update{Kind: UpdateCleared, TaskID: taskID})
}

// ClearAll drops every task's state so stale content cannot bleed into a new
// conversation.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for taskID := range s.tasks {
		s.clearTaskLocked(taskID)
	}
}

// Evict drops terminal subtasks that finished more than the retention window
// before now. Streaming and queued subtasks are never evicted.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for _, ts := range s.tasks {
		for id, e := range ts.subtasks {
			if !e.status.Terminal() || now.Sub(e.updatedAt) < s.retention {
				continue
			}
			delete(ts.subtasks, id)
			delete(s.owners, id)
			if ts.visible == id {
				ts.visible = 0
			}
			evicted++
		}
	}
	return evicted
}

func (s *Store) Close() {
	s.feed.Close()
}
