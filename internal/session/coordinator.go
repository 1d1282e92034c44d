package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ricochet1k/taskstream/internal/apperr"
	"github.com/ricochet1k/taskstream/internal/history"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

// SendRequest is a user message. A zero TaskID asks the server to create a
// new task.
type SendRequest struct {
	TaskID      int64
	Message     string
	Title       string
	TeamID      int64
	Attachments []realtime.Attachment
}

type SendResult struct {
	TaskID    int64
	SubtaskID int64
	MessageID int64
}

// Coordinator turns user intents into acknowledged requests. Every request
// waits at most the configured ack timeout.
type Coordinator struct {
	ctrl *Controller
}

var _ history.Source = (*Coordinator)(nil)

func newCoordinator(c *Controller) *Coordinator {
	return &Coordinator{ctrl: c}
}

type ackReply struct {
	data json.RawMessage
	err  error
}

func (co *Coordinator) request(ctx context.Context, op string, event realtime.ClientEvent, payload, out any) error {
	if co.ctrl.session.State() == StateAuthFailed {
		return apperr.Auth(op, "session is not authenticated")
	}
	ctx, cancel := context.WithTimeout(ctx, co.ctrl.cfg.AckTimeout)
	defer cancel()

	replies := make(chan ackReply, 1)
	err := co.ctrl.socket.Emit(string(event), payload, func(data json.RawMessage, err error) {
		replies <- ackReply{data: data, err: err}
	})
	if err != nil {
		return apperr.Transport(op, err)
	}

	select {
	case r := <-replies:
		if r.err != nil {
			return apperr.Transport(op, r.err)
		}
		if out == nil || len(r.data) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.data, out); err != nil {
			return apperr.Transport(op, fmt.Errorf("decode acknowledgement: %w", err))
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.Timeout(op, ctx.Err())
		}
		return ctx.Err()
	}
}

// ackError converts an ack's error fields into a classified error and lets
// the controller react to auth failures.
func (co *Coordinator) ackError(op string, code realtime.AckCode, message string) error {
	err := apperr.FromServerMessage(op, string(code), message)
	co.ctrl.observe(err)
	return err
}

func (co *Coordinator) simple(ctx context.Context, op string, event realtime.ClientEvent, payload any) error {
	var ack realtime.Ack
	if err := co.request(ctx, op, event, payload, &ack); err != nil {
		return err
	}
	if ack.Error != "" {
		return co.ackError(op, ack.Code, ack.Error)
	}
	if !ack.Success {
		return apperr.Domain(op, "request rejected")
	}
	return nil
}

// Send emits a message and returns the server-assigned ids. When the
// message created a task, its room is joined before Send returns.
func (co *Coordinator) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	const op = "send"
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return SendResult{}, apperr.Validation(op, "message is empty")
	}
	if req.TaskID < 0 {
		return SendResult{}, apperr.Validation(op, "invalid task id %d", req.TaskID)
	}

	var ack realtime.SendAck
	err := co.request(ctx, op, realtime.ClientEventSend, realtime.SendPayload{
		TaskID:      req.TaskID,
		Message:     req.Message,
		Title:       req.Title,
		TeamID:      req.TeamID,
		Attachments: req.Attachments,
	}, &ack)
	if err != nil {
		return SendResult{}, err
	}
	if ack.Error != "" {
		return SendResult{}, co.ackError(op, ack.Code, ack.Error)
	}
	if ack.TaskID == 0 || ack.SubtaskID == 0 {
		return SendResult{}, apperr.Transport(op, errors.New("acknowledgement is missing task or subtask id"))
	}
	res := SendResult{TaskID: ack.TaskID, SubtaskID: ack.SubtaskID, MessageID: ack.MessageID}

	if err := co.ctrl.Join(ctx, res.TaskID); err != nil {
		return res, fmt.Errorf("join task %d: %w", res.TaskID, err)
	}
	co.ctrl.store.ApplyQueued(res.TaskID, res.SubtaskID)
	co.ctrl.log.Debug().Int64("task_id", res.TaskID).Int64("subtask_id", res.SubtaskID).Msg("message sent")
	return res, nil
}

// Cancel asks the server to stop a generation. The local status only
// changes when the server confirms with a terminal event.
func (co *Coordinator) Cancel(ctx context.Context, subtaskID int64, partialContent string) error {
	const op = "cancel"
	if subtaskID <= 0 {
		return apperr.Validation(op, "invalid subtask id %d", subtaskID)
	}
	taskID, _ := co.ctrl.store.TaskOf(subtaskID)
	co.ctrl.store.MarkCancelRequested(subtaskID)
	return co.simple(ctx, op, realtime.ClientEventCancel, realtime.CancelPayload{
		TaskID:         taskID,
		SubtaskID:      subtaskID,
		PartialContent: partialContent,
	})
}

// Retry re-requests a failed generation. The server answers with a new
// subtask id through a fresh start event.
func (co *Coordinator) Retry(ctx context.Context, taskID, subtaskID int64) error {
	const op = "retry"
	if taskID <= 0 || subtaskID <= 0 {
		return apperr.Validation(op, "invalid task %d or subtask %d", taskID, subtaskID)
	}
	return co.simple(ctx, op, realtime.ClientEventRetry, realtime.RetryPayload{TaskID: taskID, SubtaskID: subtaskID})
}

// Resume requests replay of a generation's content beyond offset.
func (co *Coordinator) Resume(ctx context.Context, taskID, subtaskID int64, offset int) error {
	const op = "resume"
	if taskID <= 0 || subtaskID <= 0 || offset < 0 {
		return apperr.Validation(op, "invalid resume of subtask %d at offset %d", subtaskID, offset)
	}
	return co.simple(ctx, op, realtime.ClientEventResume, realtime.ResumePayload{TaskID: taskID, SubtaskID: subtaskID, Offset: offset})
}

// FetchHistory asks the server over the socket for messages after a known id.
func (co *Coordinator) FetchHistory(ctx context.Context, taskID, afterMessageID int64) ([]realtime.Message, error) {
	const op = "history"
	var ack realtime.HistorySyncAck
	if err := co.request(ctx, op, realtime.ClientEventHistorySync, realtime.HistorySyncPayload{TaskID: taskID, AfterMessageID: afterMessageID}, &ack); err != nil {
		return nil, err
	}
	if ack.Error != "" {
		return nil, co.ackError(op, ack.Code, ack.Error)
	}
	return ack.Messages, nil
}
