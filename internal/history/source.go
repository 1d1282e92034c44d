// Package history keeps the durable message timeline of each task and
// reconciles it with what streamed live.
package history

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/taskstream/internal/apperr"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

// Source returns the persisted messages of a task created after a message id.
type Source interface {
	FetchHistory(ctx context.Context, taskID, afterMessageID int64) ([]realtime.Message, error)
}

type SourceFunc func(ctx context.Context, taskID, afterMessageID int64) ([]realtime.Message, error)

func (f SourceFunc) FetchHistory(ctx context.Context, taskID, afterMessageID int64) ([]realtime.Message, error) {
	return f(ctx, taskID, afterMessageID)
}

// Fallback asks Primary first and falls back to Secondary when the primary
// failure is retryable (transport or timeout). Auth, validation and domain
// errors are returned as is.
type Fallback struct {
	Primary   Source
	Secondary Source
	Log       zerolog.Logger
}

func (f *Fallback) FetchHistory(ctx context.Context, taskID, afterMessageID int64) ([]realtime.Message, error) {
	msgs, err := f.Primary.FetchHistory(ctx, taskID, afterMessageID)
	if err == nil || f.Secondary == nil || !apperr.IsRetryable(err) {
		return msgs, err
	}
	f.Log.Debug().Err(err).Int64("task_id", taskID).Msg("history primary failed, using fallback")
	return f.Secondary.FetchHistory(ctx, taskID, afterMessageID)
}
