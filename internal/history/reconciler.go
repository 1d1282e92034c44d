package history

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/internal/stream"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

// Entry is one row of a task's display timeline. Live entries are the
// in-flight generation, which has no message id yet.
type Entry struct {
	Message realtime.Message
	Live    bool
}

type timeline struct {
	messages map[int64]realtime.Message
	// streamed marks ids that only came from the live stream so far.
	streamed map[int64]bool
	// confirmed is the highest id the server has returned through Merge.
	confirmed int64
}

// Reconciler merges server history with streamed generations. Display order
// is strictly by message id, never by arrival.
type Reconciler struct {
	src   Source
	store *stream.Store
	log   zerolog.Logger

	mu    sync.Mutex
	tasks map[int64]*timeline
}

// NewReconciler builds a reconciler. store may be nil, in which case
// timelines carry no live entry.
func NewReconciler(src Source, store *stream.Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		src:   src,
		store: store,
		log:   log.With().Str("component", "history").Logger(),
		tasks: make(map[int64]*timeline),
	}
}

func (r *Reconciler) timeline(taskID int64) *timeline {
	tl, ok := r.tasks[taskID]
	if !ok {
		tl = &timeline{messages: make(map[int64]realtime.Message), streamed: make(map[int64]bool)}
		r.tasks[taskID] = tl
	}
	return tl
}

// SyncSince fetches messages created after lastKnown and merges them. It
// returns the fetched messages that were new or replaced a streamed copy,
// ordered by message id.
func (r *Reconciler) SyncSince(ctx context.Context, taskID, lastKnown int64) ([]realtime.Message, error) {
	msgs, err := r.src.FetchHistory(ctx, taskID, lastKnown)
	if err != nil {
		return nil, err
	}
	merged := r.Merge(taskID, msgs...)
	r.log.Debug().Int64("task_id", taskID).Int64("after", lastKnown).Int("fetched", len(msgs)).Int("merged", len(merged)).Msg("history synced")
	return merged, nil
}

// Merge adds persisted messages to a task's timeline. A server copy replaces
// a streamed one with the same id; an identical id already confirmed by the
// server is left alone.
func (r *Reconciler) Merge(taskID int64, msgs ...realtime.Message) []realtime.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl := r.timeline(taskID)

	var merged []realtime.Message
	for _, m := range msgs {
		if m.MessageID == 0 {
			r.log.Warn().Int64("task_id", taskID).Msg("history message without id dropped")
			continue
		}
		if m.TaskID != 0 && m.TaskID != taskID {
			continue
		}
		if _, ok := tl.messages[m.MessageID]; ok && !tl.streamed[m.MessageID] {
			continue
		}
		m.TaskID = taskID
		tl.messages[m.MessageID] = m
		delete(tl.streamed, m.MessageID)
		if m.MessageID > tl.confirmed {
			tl.confirmed = m.MessageID
		}
		merged = append(merged, m)
	}
	sortByID(merged)
	return merged
}

// AddStreamed records a terminal generation under its message id unless the
// server copy is already known.
func (r *Reconciler) AddStreamed(sub stream.Subtask) bool {
	if sub.MessageID == 0 || !sub.Status.Terminal() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tl := r.timeline(sub.TaskID)
	if _, ok := tl.messages[sub.MessageID]; ok {
		return false
	}
	tl.messages[sub.MessageID] = messageFromSubtask(sub)
	tl.streamed[sub.MessageID] = true
	return true
}

// SyncCursor is the highest message id the server has confirmed for the
// task, or 0. Ids known only from the live stream do not advance it, so a
// sync after it still returns messages created around a streamed one.
func (r *Reconciler) SyncCursor(taskID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tl, ok := r.tasks[taskID]; ok {
		return tl.confirmed
	}
	return 0
}

// LastMessageID is the highest message id known for the task, streamed or
// confirmed, or 0.
func (r *Reconciler) LastMessageID(taskID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.tasks[taskID]
	if !ok {
		return 0
	}
	var last int64
	for id := range tl.messages {
		if id > last {
			last = id
		}
	}
	return last
}

// Timeline returns the persisted messages in id order followed by the
// task's in-flight generation, if any.
func (r *Reconciler) Timeline(taskID int64) []Entry {
	r.mu.Lock()
	var out []Entry
	if tl, ok := r.tasks[taskID]; ok {
		msgs := make([]realtime.Message, 0, len(tl.messages))
		for _, m := range tl.messages {
			msgs = append(msgs, m)
		}
		sortByID(msgs)
		out = make([]Entry, 0, len(msgs)+1)
		for _, m := range msgs {
			out = append(out, Entry{Message: m})
		}
	}
	r.mu.Unlock()

	if r.store == nil {
		return out
	}
	if live, ok := r.store.State(taskID); ok && !live.Status.Terminal() {
		out = append(out, Entry{Message: messageFromSubtask(live), Live: true})
	}
	return out
}

// Forget drops a task's timeline.
func (r *Reconciler) Forget(taskID int64) {
	r.mu.Lock()
	delete(r.tasks, taskID)
	r.mu.Unlock()
}

func messageFromSubtask(sub stream.Subtask) realtime.Message {
	m := realtime.Message{
		MessageID: sub.MessageID,
		TaskID:    sub.TaskID,
		SubtaskID: sub.SubtaskID,
		Role:      realtime.MessageRoleAssistant,
		Content:   sub.Content,
		Result:    sub.Result.Clone(),
		CreatedAt: realtime.NewTimestamp(sub.UpdatedAt),
	}
	switch sub.Status {
	case stream.StatusDone:
		m.Status = realtime.MessageStatusDone
	case stream.StatusError:
		m.Status = realtime.MessageStatusError
	case stream.StatusCancelled:
		m.Status = realtime.MessageStatusCancelled
	}
	return m
}

func sortByID(msgs []realtime.Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].MessageID < msgs[j].MessageID })
}
