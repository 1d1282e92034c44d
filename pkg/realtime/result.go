package realtime

import (
	"bytes"
	"encoding/json"
)

// Result is the structured payload attached to chunks and terminal events:
// thinking steps, workbench data, source citations. It is carried as raw JSON
// and only decoded on demand by readers; the stream engine never inspects it.
type Result []byte

// ThinkingStep is one entry of a model's visible reasoning trace.
type ThinkingStep struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Source is a citation attached to a generation.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Index int    `json:"index,omitempty"`
}

type resultShape struct {
	Thinking  []ThinkingStep  `json:"thinking,omitempty"`
	Sources   []Source        `json:"sources,omitempty"`
	Workbench json.RawMessage `json:"workbench,omitempty"`
	Value     string          `json:"value,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Result) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = nil
		return nil
	}
	*r = append((*r)[:0:0], data...)
	return nil
}

// IsZero reports whether no result was supplied.
func (r Result) IsZero() bool {
	return len(r) == 0
}

// Clone returns an independent copy.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	return append(Result(nil), r...)
}

// Raw exposes the catch-all JSON form.
func (r Result) Raw() json.RawMessage {
	return json.RawMessage(r.Clone())
}

func (r Result) shape() (resultShape, error) {
	var s resultShape
	if len(r) == 0 {
		return s, nil
	}
	err := json.Unmarshal(r, &s)
	return s, err
}

// Thinking returns the thinking steps, if the payload has that shape.
func (r Result) Thinking() ([]ThinkingStep, error) {
	s, err := r.shape()
	return s.Thinking, err
}

// Sources returns the source citations, if present.
func (r Result) Sources() ([]Source, error) {
	s, err := r.shape()
	return s.Sources, err
}

// Workbench returns the workbench blob untouched.
func (r Result) Workbench() (json.RawMessage, error) {
	s, err := r.shape()
	return s.Workbench, err
}

// Value returns the final text value some executors put in the result.
func (r Result) Value() (string, error) {
	s, err := r.shape()
	return s.Value, err
}
