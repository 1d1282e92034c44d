package realtime

import "encoding/json"

// ClientEvent names an event the client emits to the server.
type ClientEvent string

const (
	ClientEventSend        ClientEvent = "chat:send"
	ClientEventCancel      ClientEvent = "chat:cancel"
	ClientEventResume      ClientEvent = "chat:resume"
	ClientEventRetry       ClientEvent = "chat:retry"
	ClientEventJoinTask    ClientEvent = "task:join"
	ClientEventLeaveTask   ClientEvent = "task:leave"
	ClientEventHistorySync ClientEvent = "history:sync"
)

// ServerEvent names an event the server pushes to the client.
type ServerEvent string

const (
	ServerEventAuthError        ServerEvent = "auth:error"
	ServerEventChatStart        ServerEvent = "chat:start"
	ServerEventChatChunk        ServerEvent = "chat:chunk"
	ServerEventChatDone         ServerEvent = "chat:done"
	ServerEventChatError        ServerEvent = "chat:error"
	ServerEventChatCancelled    ServerEvent = "chat:cancelled"
	ServerEventChatMessage      ServerEvent = "chat:message"
	ServerEventTaskCreated      ServerEvent = "task:created"
	ServerEventTaskStatus       ServerEvent = "task:status"
	ServerEventTaskDeleted      ServerEvent = "task:deleted"
	ServerEventBackgroundUpdate ServerEvent = "background:execution_update"

	// ServerEventError is the generic transport-level error event.
	ServerEventError ServerEvent = "error"
)

var clientEvents = map[ClientEvent]struct{}{
	ClientEventSend:        {},
	ClientEventCancel:      {},
	ClientEventResume:      {},
	ClientEventRetry:       {},
	ClientEventJoinTask:    {},
	ClientEventLeaveTask:   {},
	ClientEventHistorySync: {},
}

var serverEvents = map[ServerEvent]struct{}{
	ServerEventAuthError:        {},
	ServerEventChatStart:        {},
	ServerEventChatChunk:        {},
	ServerEventChatDone:         {},
	ServerEventChatError:        {},
	ServerEventChatCancelled:    {},
	ServerEventChatMessage:      {},
	ServerEventTaskCreated:      {},
	ServerEventTaskStatus:       {},
	ServerEventTaskDeleted:      {},
	ServerEventBackgroundUpdate: {},
	ServerEventError:            {},
}

func IsClientEvent(name string) bool {
	_, ok := clientEvents[ClientEvent(name)]
	return ok
}

func IsServerEvent(name string) bool {
	_, ok := serverEvents[ServerEvent(name)]
	return ok
}

// FrameType distinguishes the three frame shapes carried over the socket.
type FrameType string

const (
	FrameTypeEmit  FrameType = "emit"
	FrameTypeEvent FrameType = "event"
	FrameTypeAck   FrameType = "ack"
)

// Frame is the single envelope exchanged over the websocket. Client emits set
// AckID when they expect an acknowledgement; the server echoes it back in an
// ack frame.
type Frame struct {
	Type  FrameType       `json:"type"`
	Event string          `json:"event,omitempty"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckCode classifies ack errors beyond the free-form message.
type AckCode string

const (
	AckCodeValidation AckCode = "validation"
	AckCodeNotFound   AckCode = "not_found"
	AckCodeAuth       AckCode = "auth"
)

// Ack is the generic acknowledgement body.
type Ack struct {
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	Code    AckCode `json:"code,omitempty"`
}

type Attachment struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename,omitempty"`
}

type SendPayload struct {
	TaskID      int64        `json:"task_id,omitempty"`
	Message     string       `json:"message"`
	Title       string       `json:"title,omitempty"`
	TeamID      int64        `json:"team_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type SendAck struct {
	TaskID    int64   `json:"task_id"`
	SubtaskID int64   `json:"subtask_id"`
	MessageID int64   `json:"message_id,omitempty"`
	Error     string  `json:"error,omitempty"`
	Code      AckCode `json:"code,omitempty"`
}

type CancelPayload struct {
	TaskID         int64  `json:"task_id,omitempty"`
	SubtaskID      int64  `json:"subtask_id"`
	PartialContent string `json:"partial_content,omitempty"`
}

type RetryPayload struct {
	TaskID    int64 `json:"task_id"`
	SubtaskID int64 `json:"subtask_id"`
}

type ResumePayload struct {
	TaskID    int64 `json:"task_id"`
	SubtaskID int64 `json:"subtask_id"`
	Offset    int   `json:"offset"`
}

type JoinPayload struct {
	TaskID int64 `json:"task_id"`
}

type LeavePayload struct {
	TaskID int64 `json:"task_id"`
}

// StreamingSnapshot is the cached in-flight content a join ack may carry.
type StreamingSnapshot struct {
	SubtaskID int64  `json:"subtask_id"`
	Offset    int    `json:"offset"`
	Content   string `json:"content"`
	Result    Result `json:"result,omitempty"`
}

type JoinAck struct {
	Streaming *StreamingSnapshot `json:"streaming,omitempty"`
	Error     string             `json:"error,omitempty"`
	Code      AckCode            `json:"code,omitempty"`
}

type HistorySyncPayload struct {
	TaskID         int64 `json:"task_id"`
	AfterMessageID int64 `json:"after_message_id"`
}

type HistorySyncAck struct {
	Messages []Message `json:"messages"`
	Error    string    `json:"error,omitempty"`
	Code     AckCode   `json:"code,omitempty"`
}

type StartEvent struct {
	TaskID    int64  `json:"task_id"`
	SubtaskID int64  `json:"subtask_id"`
	BotName   string `json:"bot_name,omitempty"`
	ShellType string `json:"shell_type,omitempty"`
}

// ChunkEvent carries a content delta. Offset is the end offset of the
// subtask's content after this delta is applied, counted in characters.
type ChunkEvent struct {
	TaskID    int64  `json:"task_id"`
	SubtaskID int64  `json:"subtask_id"`
	Offset    int    `json:"offset"`
	Content   string `json:"content"`
	Result    Result `json:"result,omitempty"`
}

type DoneEvent struct {
	TaskID    int64  `json:"task_id"`
	SubtaskID int64  `json:"subtask_id"`
	Offset    int    `json:"offset"`
	Result    Result `json:"result,omitempty"`
	MessageID int64  `json:"message_id"`
	// Content, when present, is the full persisted content.
	Content string `json:"content,omitempty"`
}

type ErrorEvent struct {
	TaskID    int64  `json:"task_id"`
	SubtaskID int64  `json:"subtask_id"`
	Error     string `json:"error"`
	MessageID int64  `json:"message_id,omitempty"`
}

type CancelledEvent struct {
	TaskID    int64 `json:"task_id"`
	SubtaskID int64 `json:"subtask_id"`
	MessageID int64 `json:"message_id,omitempty"`
}

type MessageEvent struct {
	Message Message `json:"message"`
}

type TaskNotice struct {
	TaskID int64  `json:"task_id"`
	Status string `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
}

type BackgroundUpdate struct {
	TaskID      int64           `json:"task_id"`
	ExecutionID int64           `json:"execution_id"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type AuthErrorEvent struct {
	Message string `json:"message"`
}

type ErrorNotice struct {
	Message string `json:"message"`
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

type MessageStatus string

const (
	MessageStatusDone      MessageStatus = "done"
	MessageStatusError     MessageStatus = "error"
	MessageStatusCancelled MessageStatus = "cancelled"
)

// Message is one persisted entry of a task's history.
type Message struct {
	MessageID int64         `json:"message_id"`
	TaskID    int64         `json:"task_id"`
	SubtaskID int64         `json:"subtask_id,omitempty"`
	Role      MessageRole   `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status,omitempty"`
	Result    Result        `json:"result,omitempty"`
	CreatedAt Timestamp     `json:"created_at"`
}
