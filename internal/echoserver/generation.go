package echoserver

import (
	"context"
	"strings"
	"time"
	"unicode"

	apiTypes "github.com/ricochet1k/taskstream/pkg/api"
	realtimeTypes "github.com/ricochet1k/taskstream/pkg/realtime"
)

// failPrefix makes a generation fail after its first chunk, which is the
// only way to produce chat:error from the echo backend.
const failPrefix = "/fail"

func (s *Server) startGeneration(st *subtask) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	st.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.generate(ctx, st)
	}()
}

func (s *Server) generate(ctx context.Context, st *subtask) {
	log := s.log.With().Int64("task_id", st.taskID).Int64("subtask_id", st.id).Logger()

	if !s.pause(ctx) {
		s.finishCancelled(st)
		return
	}

	s.snapshots.Begin(st.taskID, st.id)
	s.setStatus(st, apiTypes.SubtaskStatusRunning, apiTypes.TaskStatusRunning)
	s.hub.PublishEvent(st.taskID, realtimeTypes.ServerEventChatStart, realtimeTypes.StartEvent{
		TaskID:    st.taskID,
		SubtaskID: st.id,
		BotName:   "echo",
	})

	prompt, fail := strings.CutPrefix(st.prompt, failPrefix)
	for i, word := range splitWords(s.opts.Reply(strings.TrimSpace(prompt))) {
		if !s.pause(ctx) {
			s.finishCancelled(st)
			return
		}
		offset, ok := s.snapshots.Append(st.taskID, st.id, word, nil)
		if !ok {
			return
		}
		s.hub.PublishEvent(st.taskID, realtimeTypes.ServerEventChatChunk, realtimeTypes.ChunkEvent{
			TaskID:    st.taskID,
			SubtaskID: st.id,
			Offset:    offset,
			Content:   word,
		})
		if fail && i == 0 {
			s.finishFailed(st, "generation failed")
			return
		}
	}

	content, offset, _ := s.snapshots.Finish(st.taskID, st.id)
	msg, err := s.messages.Append(realtimeTypes.Message{
		TaskID:    st.taskID,
		SubtaskID: st.id,
		Role:      realtimeTypes.MessageRoleAssistant,
		Content:   content,
		Status:    realtimeTypes.MessageStatusDone,
	})
	if err != nil {
		log.Error().Err(err).Msg("store assistant message")
		s.finishFailed(st, "failed to store message")
		return
	}

	s.mu.Lock()
	st.content = content
	st.messageID = msg.MessageID
	s.mu.Unlock()
	s.setStatus(st, apiTypes.SubtaskStatusCompleted, apiTypes.TaskStatusCompleted)

	s.hub.PublishEvent(st.taskID, realtimeTypes.ServerEventChatDone, realtimeTypes.DoneEvent{
		TaskID:    st.taskID,
		SubtaskID: st.id,
		Offset:    offset,
		MessageID: msg.MessageID,
		Content:   content,
	})
	log.Debug().Int("offset", offset).Msg("generation finished")
}

func (s *Server) pause(ctx context.Context) bool {
	if s.opts.ChunkDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.opts.ChunkDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Server) finishCancelled(st *subtask) {
	content, _, _ := s.snapshots.Finish(st.taskID, st.id)
	// Neither server shutdown nor task deletion is a user cancel.
	if s.ctx.Err() != nil || !s.hasTask(st.taskID) {
		return
	}
	msg, err := s.messages.Append(realtimeTypes.Message{
		TaskID:    st.taskID,
		SubtaskID: st.id,
		Role:      realtimeTypes.MessageRoleAssistant,
		Content:   content,
		Status:    realtimeTypes.MessageStatusCancelled,
	})
	if err != nil {
		s.log.Error().Err(err).Int64("subtask_id", st.id).Msg("store cancelled message")
	}

	s.mu.Lock()
	st.content = content
	st.messageID = msg.MessageID
	s.mu.Unlock()
	s.setStatus(st, apiTypes.SubtaskStatusCancelled, apiTypes.TaskStatusCancelled)

	s.hub.PublishEvent(st.taskID, realtimeTypes.ServerEventChatCancelled, realtimeTypes.CancelledEvent{
		TaskID:    st.taskID,
		SubtaskID: st.id,
		MessageID: msg.MessageID,
	})
}

func (s *Server) finishFailed(st *subtask, reason string) {
	content, _, _ := s.snapshots.Finish(st.taskID, st.id)
	msg, err := s.messages.Append(realtimeTypes.Message{
		TaskID:    st.taskID,
		SubtaskID: st.id,
		Role:      realtimeTypes.MessageRoleAssistant,
		Content:   content,
		Status:    realtimeTypes.MessageStatusError,
	})
	if err != nil {
		s.log.Error().Err(err).Int64("subtask_id", st.id).Msg("store failed message")
	}

	s.mu.Lock()
	st.content = content
	st.errMsg = reason
	st.messageID = msg.MessageID
	s.mu.Unlock()
	s.setStatus(st, apiTypes.SubtaskStatusFailed, apiTypes.TaskStatusFailed)

	s.hub.PublishEvent(st.taskID, realtimeTypes.ServerEventChatError, realtimeTypes.ErrorEvent{
		TaskID:    st.taskID,
		SubtaskID: st.id,
		Error:     reason,
		MessageID: msg.MessageID,
	})
}

// setStatus updates the subtask and its task, announcing task status changes
// to the room.
func (s *Server) setStatus(st *subtask, status apiTypes.SubtaskStatus, taskStatus apiTypes.TaskStatus) {
	now := time.Now()
	s.mu.Lock()
	st.status = status
	st.updatedAt = now
	t, ok := s.tasks[st.taskID]
	changed := ok && t.status != taskStatus
	if ok {
		t.status = taskStatus
		t.updatedAt = now
	}
	s.mu.Unlock()

	if changed {
		s.hub.PublishEvent(st.taskID, realtimeTypes.ServerEventTaskStatus, realtimeTypes.TaskNotice{
			TaskID: st.taskID,
			Status: string(taskStatus),
		})
	}
}

// splitWords cuts text into chunks that each end after a run of spaces, so
// concatenating them restores the text exactly.
func splitWords(text string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			out = append(out, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
