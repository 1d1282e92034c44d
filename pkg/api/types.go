package api

import "github.com/ricochet1k/taskstream/pkg/realtime"

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

type SubtaskStatus string

const (
	SubtaskStatusPending   SubtaskStatus = "PENDING"
	SubtaskStatusRunning   SubtaskStatus = "RUNNING"
	SubtaskStatusCompleted SubtaskStatus = "COMPLETED"
	SubtaskStatusFailed    SubtaskStatus = "FAILED"
	SubtaskStatusCancelled SubtaskStatus = "CANCELLED"
)

// SubtaskResponse is the durable state of a generation as polled over REST.
type SubtaskResponse struct {
	ID           int64              `json:"id"`
	TaskID       int64              `json:"task_id"`
	MessageID    int64              `json:"message_id,omitempty"`
	Status       SubtaskStatus      `json:"status"`
	Content      string             `json:"content,omitempty"`
	Result       realtime.Result    `json:"result,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	CreatedAt    realtime.Timestamp `json:"created_at"`
	UpdatedAt    realtime.Timestamp `json:"updated_at"`
}

type TaskResponse struct {
	ID        int64              `json:"id"`
	Title     string             `json:"title"`
	Status    TaskStatus         `json:"status"`
	Subtasks  []SubtaskResponse  `json:"subtasks,omitempty"`
	CreatedAt realtime.Timestamp `json:"created_at"`
	UpdatedAt realtime.Timestamp `json:"updated_at"`
}

type MessageListResponse struct {
	Messages []realtime.Message `json:"messages"`
}

type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Terminal reports whether the subtask will not change any further.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case SubtaskStatusCompleted, SubtaskStatusFailed, SubtaskStatusCancelled:
		return true
	default:
		return false
	}
}
