package echoserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ricochet1k/taskstream/internal/realtime"
	apiTypes "github.com/ricochet1k/taskstream/pkg/api"
	realtimeTypes "github.com/ricochet1k/taskstream/pkg/realtime"
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	authFailed = "Unauthorized: token expired or revoked"
)

func (s *Server) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	tok := tokenFromRequest(r)
	if !s.tokenValid(tok) {
		http.Error(w, authFailed, http.StatusUnauthorized)
		return
	}
	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := realtime.NewClient(uuid.NewString(), tok, conn)
	s.hub.Register(client)
	defer s.hub.Unregister(client.ID())

	go client.WriteLoop()

	log := s.log.With().Str("client_id", client.ID()).Logger()
	log.Debug().Msg("client connected")
	defer log.Debug().Msg("client disconnected")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame realtimeTypes.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != realtimeTypes.FrameTypeEmit {
			s.sendRealtimeError(client, "invalid message")
			continue
		}
		if !realtimeTypes.IsClientEvent(frame.Event) {
			s.sendRealtimeError(client, "unsupported event: "+frame.Event)
			continue
		}
		if !s.tokenValid(client.Token()) {
			client.QueueAck(frame.AckID, realtimeTypes.Ack{Error: authFailed, Code: realtimeTypes.AckCodeAuth})
			continue
		}
		s.dispatch(client, frame)
	}
}

func (s *Server) dispatch(client *realtime.Client, frame realtimeTypes.Frame) {
	switch realtimeTypes.ClientEvent(frame.Event) {
	case realtimeTypes.ClientEventSend:
		var p realtimeTypes.SendPayload
		if !s.decodeEmit(client, frame, &p) {
			return
		}
		client.QueueAck(frame.AckID, s.handleSend(client, p))
	case realtimeTypes.ClientEventJoinTask:
		var p realtimeTypes.JoinPayload
		if !s.decodeEmit(client, frame, &p) {
			return
		}
		client.QueueAck(frame.AckID, s.handleJoin(client, p))
	case realtimeTypes.ClientEventLeaveTask:
		var p realtimeTypes.LeavePayload
		if !s.decodeEmit(client, frame, &p) {
			return
		}
		s.hub.Unsubscribe(client.ID(), []string{realtime.TaskTopic(p.TaskID)})
		client.QueueAck(frame.AckID, realtimeTypes.Ack{Success: true})
	case realtimeTypes.ClientEventCancel:
		var p realtimeTypes.CancelPayload
		if !s.decodeEmit(client, frame, &p) {
			return
		}
		client.QueueAck(frame.AckID, s.handleCancel(p))
	case realtimeTypes.ClientEventRetry:
		var p realtimeTypes.RetryPayload
		if !s.decodeEmit(client, frame, &p) {
			return
		}
		client.QueueAck(frame.AckID, s.handleRetry(p))
	case realtimeTypes.ClientEventResume:
		var p realtimeTypes.ResumePayload
		if !s.decodeEmit(client, frame, &p) {
			return
		}
		client.QueueAck(frame.AckID, s.handleResume(client, p))
	case realtimeTypes.ClientEventHistorySync:
		var p realtimeTypes.HistorySyncPayload
		if !s.decodeEmit(client, frame, &p) {
			return
		}
		if !s.hasTask(p.TaskID) {
			client.QueueAck(frame.AckID, realtimeTypes.HistorySyncAck{Error: "task not found", Code: realtimeTypes.AckCodeNotFound})
			return
		}
		client.QueueAck(frame.AckID, realtimeTypes.HistorySyncAck{Messages: s.messages.List(p.TaskID, p.AfterMessageID)})
	}
}

func (s *Server) decodeEmit(client *realtime.Client, frame realtimeTypes.Frame, out any) bool {
	if err := json.Unmarshal(frame.Data, out); err != nil {
		client.QueueAck(frame.AckID, realtimeTypes.Ack{Error: "invalid payload", Code: realtimeTypes.AckCodeValidation})
		return false
	}
	return true
}

func (s *Server) handleSend(client *realtime.Client, p realtimeTypes.SendPayload) realtimeTypes.SendAck {
	if strings.TrimSpace(p.Message) == "" && len(p.Attachments) == 0 {
		return realtimeTypes.SendAck{Error: "message is required", Code: realtimeTypes.AckCodeValidation}
	}

	now := time.Now()
	s.mu.Lock()
	created := false
	t, ok := s.tasks[p.TaskID]
	switch {
	case p.TaskID == 0:
		s.nextTask++
		t = &task{id: s.nextTask, title: taskTitle(p), status: apiTypes.TaskStatusPending, createdAt: now}
		s.tasks[t.id] = t
		created = true
	case !ok:
		s.mu.Unlock()
		return realtimeTypes.SendAck{Error: "task not found", Code: realtimeTypes.AckCodeNotFound}
	}
	st := s.newSubtaskLocked(t, p.Message, now)
	s.mu.Unlock()

	userMsg, err := s.messages.Append(realtimeTypes.Message{
		TaskID:  t.id,
		Role:    realtimeTypes.MessageRoleUser,
		Content: p.Message,
	})
	if err != nil {
		s.log.Error().Err(err).Int64("task_id", t.id).Msg("store user message")
		return realtimeTypes.SendAck{Error: "failed to store message"}
	}

	s.hub.Subscribe(client.ID(), []string{realtime.TaskTopic(t.id)})
	if created {
		s.hub.PublishEvent(t.id, realtimeTypes.ServerEventTaskCreated, realtimeTypes.TaskNotice{TaskID: t.id, Title: t.title})
	}
	s.hub.PublishEvent(t.id, realtimeTypes.ServerEventChatMessage, realtimeTypes.MessageEvent{Message: userMsg})
	s.startGeneration(st)

	return realtimeTypes.SendAck{TaskID: t.id, SubtaskID: st.id, MessageID: userMsg.MessageID}
}

func taskTitle(p realtimeTypes.SendPayload) string {
	if p.Title != "" {
		return p.Title
	}
	words := strings.Fields(p.Message)
	if len(words) > 6 {
		words = words[:6]
	}
	if len(words) == 0 {
		return "Untitled"
	}
	return strings.Join(words, " ")
}

func (s *Server) newSubtaskLocked(t *task, prompt string, now time.Time) *subtask {
	s.nextSubtask++
	st := &subtask{
		id:        s.nextSubtask,
		taskID:    t.id,
		prompt:    prompt,
		status:    apiTypes.SubtaskStatusPending,
		createdAt: now,
		updatedAt: now,
	}
	s.subtasks[st.id] = st
	t.subtasks = append(t.subtasks, st.id)
	t.updatedAt = now
	return st
}

func (s *Server) handleJoin(client *realtime.Client, p realtimeTypes.JoinPayload) realtimeTypes.JoinAck {
	if p.TaskID <= 0 {
		return realtimeTypes.JoinAck{Error: "invalid task id", Code: realtimeTypes.AckCodeValidation}
	}
	if !s.hasTask(p.TaskID) {
		return realtimeTypes.JoinAck{Error: "task not found", Code: realtimeTypes.AckCodeNotFound}
	}
	s.hub.Subscribe(client.ID(), []string{realtime.TaskTopic(p.TaskID)})
	return realtimeTypes.JoinAck{Streaming: s.snapshots.Snapshot(p.TaskID)}
}

func (s *Server) lookupSubtask(taskID, subtaskID int64) (*subtask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[subtaskID]
	if !ok || (taskID != 0 && st.taskID != taskID) {
		return nil, false
	}
	return st, true
}

func (s *Server) handleCancel(p realtimeTypes.CancelPayload) realtimeTypes.Ack {
	st, ok := s.lookupSubtask(p.TaskID, p.SubtaskID)
	if !ok {
		return realtimeTypes.Ack{Error: "subtask not found", Code: realtimeTypes.AckCodeNotFound}
	}
	s.mu.Lock()
	cancel := st.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return realtimeTypes.Ack{Success: true}
}

func (s *Server) handleRetry(p realtimeTypes.RetryPayload) realtimeTypes.Ack {
	st, ok := s.lookupSubtask(p.TaskID, p.SubtaskID)
	if !ok {
		return realtimeTypes.Ack{Error: "subtask not found", Code: realtimeTypes.AckCodeNotFound}
	}

	s.mu.Lock()
	if !st.status.Terminal() {
		s.mu.Unlock()
		return realtimeTypes.Ack{Error: "subtask is still running", Code: realtimeTypes.AckCodeValidation}
	}
	t, ok := s.tasks[st.taskID]
	if !ok {
		s.mu.Unlock()
		return realtimeTypes.Ack{Error: "task not found", Code: realtimeTypes.AckCodeNotFound}
	}
	next := s.newSubtaskLocked(t, st.prompt, time.Now())
	s.mu.Unlock()

	s.startGeneration(next)
	return realtimeTypes.Ack{Success: true}
}

// handleResume replays what the client missed of a subtask, to that client
// only.
func (s *Server) handleResume(client *realtime.Client, p realtimeTypes.ResumePayload) realtimeTypes.Ack {
	st, ok := s.lookupSubtask(p.TaskID, p.SubtaskID)
	if !ok {
		return realtimeTypes.Ack{Error: "subtask not found", Code: realtimeTypes.AckCodeNotFound}
	}
	if p.Offset < 0 {
		return realtimeTypes.Ack{Error: "offset must not be negative", Code: realtimeTypes.AckCodeValidation}
	}

	if rest, end, streaming := s.snapshots.Since(st.taskID, st.id, p.Offset); streaming {
		if rest != "" {
			client.QueueEvent(realtimeTypes.ServerEventChatChunk, realtimeTypes.ChunkEvent{
				TaskID:    st.taskID,
				SubtaskID: st.id,
				Offset:    end,
				Content:   rest,
			})
		}
		return realtimeTypes.Ack{Success: true}
	}

	s.mu.Lock()
	status, content, errMsg, msgID := st.status, st.content, st.errMsg, st.messageID
	s.mu.Unlock()
	switch status {
	case apiTypes.SubtaskStatusCompleted:
		client.QueueEvent(realtimeTypes.ServerEventChatDone, realtimeTypes.DoneEvent{
			TaskID:    st.taskID,
			SubtaskID: st.id,
			Offset:    len([]rune(content)),
			MessageID: msgID,
			Content:   content,
		})
	case apiTypes.SubtaskStatusFailed:
		client.QueueEvent(realtimeTypes.ServerEventChatError, realtimeTypes.ErrorEvent{
			TaskID: st.taskID, SubtaskID: st.id, Error: errMsg, MessageID: msgID,
		})
	case apiTypes.SubtaskStatusCancelled:
		client.QueueEvent(realtimeTypes.ServerEventChatCancelled, realtimeTypes.CancelledEvent{
			TaskID: st.taskID, SubtaskID: st.id, MessageID: msgID,
		})
	}
	return realtimeTypes.Ack{Success: true}
}

func (s *Server) sendRealtimeError(client *realtime.Client, message string) {
	if !client.QueueEvent(realtimeTypes.ServerEventError, realtimeTypes.ErrorNotice{Message: message}) {
		s.hub.Unregister(client.ID())
	}
}
