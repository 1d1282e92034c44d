// Package storage persists task message history for the echo backend as one
// append-only JSONL file per task.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	realtimeTypes "github.com/ricochet1k/taskstream/pkg/realtime"
)

var ErrInvalidTaskID = errors.New("invalid task id")

type messageLogRecord struct {
	Sequence  int64                 `json:"seq"`
	Timestamp time.Time             `json:"timestamp"`
	Message   realtimeTypes.Message `json:"message"`
}

type MessageLogCorruptionError struct {
	TaskID       int64
	CorruptLines int
}

func (e *MessageLogCorruptionError) Error() string {
	return fmt.Sprintf("message log for task %d has %d corrupt line(s)", e.TaskID, e.CorruptLines)
}

// MessageLog assigns message ids and keeps every task's history. Ids are
// global and strictly increasing, so "after id N" queries are well defined
// across tasks. With an empty baseDir nothing touches the disk.
type MessageLog struct {
	baseDir string

	mu     sync.RWMutex
	lastID int64
	tasks  map[int64][]realtimeTypes.Message
	now    func() time.Time
}

func NewMessageLog(baseDir string) (*MessageLog, error) {
	l := &MessageLog{
		baseDir: baseDir,
		tasks:   make(map[int64][]realtimeTypes.Message),
		now:     time.Now,
	}
	if baseDir == "" {
		return l, nil
	}
	dir := filepath.Join(baseDir, "tasks")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list message logs: %w", err)
	}
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".messages.jsonl")
		if !ok || entry.IsDir() {
			continue
		}
		taskID, err := strconv.ParseInt(name, 10, 64)
		if err != nil || taskID <= 0 {
			continue
		}
		msgs, err := l.readLog(taskID)
		var corrupt *MessageLogCorruptionError
		if err != nil && !errors.As(err, &corrupt) {
			return nil, err
		}
		l.tasks[taskID] = msgs
		for _, m := range msgs {
			if m.MessageID > l.lastID {
				l.lastID = m.MessageID
			}
		}
	}
	return l, nil
}

func (l *MessageLog) messageLogPath(taskID int64) string {
	return filepath.Join(l.baseDir, "tasks", strconv.FormatInt(taskID, 10)+".messages.jsonl")
}

// Append stores msg under a fresh message id and returns the stored copy.
func (l *MessageLog) Append(msg realtimeTypes.Message) (realtimeTypes.Message, error) {
	if msg.TaskID <= 0 {
		return msg, fmt.Errorf("%w: %d", ErrInvalidTaskID, msg.TaskID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	msg.MessageID = l.lastID + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = realtimeTypes.NewTimestamp(now)
	}

	if l.baseDir != "" {
		record := messageLogRecord{Sequence: msg.MessageID, Timestamp: now, Message: msg}
		if err := l.appendRecord(msg.TaskID, record); err != nil {
			return msg, err
		}
	}

	l.lastID = msg.MessageID
	l.tasks[msg.TaskID] = append(l.tasks[msg.TaskID], msg)
	return msg, nil
}

func (l *MessageLog) appendRecord(taskID int64, record messageLogRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal message log record: %w", err)
	}

	f, err := os.OpenFile(l.messageLogPath(taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open message log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write message log record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync message log file: %w", err)
	}
	return nil
}

// List returns the task's messages with an id greater than after, in id
// order.
func (l *MessageLog) List(taskID, after int64) []realtimeTypes.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.tasks[taskID]
	i := sort.Search(len(all), func(i int) bool { return all[i].MessageID > after })
	return append([]realtimeTypes.Message(nil), all[i:]...)
}

// Tasks lists every task id with at least one message.
func (l *MessageLog) Tasks() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]int64, 0, len(l.tasks))
	for id := range l.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Delete drops a task's history, including its file.
func (l *MessageLog) Delete(taskID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.tasks, taskID)
	if l.baseDir == "" {
		return nil
	}
	if err := os.Remove(l.messageLogPath(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete message log: %w", err)
	}
	return nil
}

func (l *MessageLog) readLog(taskID int64) ([]realtimeTypes.Message, error) {
	file, err := os.Open(l.messageLogPath(taskID))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	messages := make([]realtimeTypes.Message, 0)
	corruptLines := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec messageLogRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			corruptLines++
			continue
		}
		if rec.Sequence <= 0 || rec.Timestamp.IsZero() || rec.Message.TaskID != taskID {
			corruptLines++
			continue
		}
		rec.Message.MessageID = rec.Sequence
		messages = append(messages, rec.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool { return messages[i].MessageID < messages[j].MessageID })
	if corruptLines > 0 {
		return messages, &MessageLogCorruptionError{TaskID: taskID, CorruptLines: corruptLines}
	}
	return messages, nil
}
