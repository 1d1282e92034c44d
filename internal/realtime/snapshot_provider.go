package realtime

import (
	"strings"
	"sync"
	"unicode/utf8"

	realtimeTypes "github.com/ricochet1k/taskstream/pkg/realtime"
)

type streamingEntry struct {
	subtaskID int64
	content   strings.Builder
	offset    int
	result    realtimeTypes.Result
}

// SnapshotProvider caches the in-flight generation of each task so a client
// joining mid-stream can be fast-forwarded. Offsets count runes.
type SnapshotProvider struct {
	mu      sync.Mutex
	streams map[int64]*streamingEntry
}

func NewSnapshotProvider() *SnapshotProvider {
	return &SnapshotProvider{streams: make(map[int64]*streamingEntry)}
}

// Begin starts tracking subtaskID as the task's streaming generation,
// replacing any previous one.
func (p *SnapshotProvider) Begin(taskID, subtaskID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams[taskID] = &streamingEntry{subtaskID: subtaskID}
}

// Append adds delta and returns the new end offset. It reports false when
// subtaskID is not the task's streaming generation.
func (p *SnapshotProvider) Append(taskID, subtaskID int64, delta string, result realtimeTypes.Result) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.streams[taskID]
	if !ok || e.subtaskID != subtaskID {
		return 0, false
	}
	e.content.WriteString(delta)
	e.offset += utf8.RuneCountInString(delta)
	if !result.IsZero() {
		e.result = result.Clone()
	}
	return e.offset, true
}

// Finish stops tracking the generation and returns its final content.
func (p *SnapshotProvider) Finish(taskID, subtaskID int64) (string, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.streams[taskID]
	if !ok || e.subtaskID != subtaskID {
		return "", 0, false
	}
	delete(p.streams, taskID)
	return e.content.String(), e.offset, true
}

// Snapshot returns the task's streaming generation, or nil when idle.
func (p *SnapshotProvider) Snapshot(taskID int64) *realtimeTypes.StreamingSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.streams[taskID]
	if !ok {
		return nil
	}
	return &realtimeTypes.StreamingSnapshot{
		SubtaskID: e.subtaskID,
		Offset:    e.offset,
		Content:   e.content.String(),
		Result:    e.result.Clone(),
	}
}

// Since returns the content of subtaskID past offset, with the current end
// offset.
func (p *SnapshotProvider) Since(taskID, subtaskID int64, offset int) (string, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.streams[taskID]
	if !ok || e.subtaskID != subtaskID {
		return "", 0, false
	}
	content := e.content.String()
	if offset <= 0 {
		return content, e.offset, true
	}
	if offset >= e.offset {
		return "", e.offset, true
	}
	return string([]rune(content)[offset:]), e.offset, true
}
