package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventNamespacesAreDisjoint(t *testing.T) {
	for name := range clientEvents {
		if IsServerEvent(string(name)) {
			t.Fatalf("client event %q is also a server event", name)
		}
	}
	if IsServerEvent("chat:unknown") {
		t.Fatal("unknown event reported as server event")
	}
	if !IsClientEvent("task:join") || !IsServerEvent("chat:chunk") {
		t.Fatal("known events not recognized")
	}
}

func TestTimestampWithoutZoneIsUTC(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"message_id":1,"task_id":2,"role":"user","content":"x","created_at":"2025-03-04T10:11:12.5"}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2025, 3, 4, 10, 11, 12, 500000000, time.UTC)
	if !msg.CreatedAt.Equal(want) || msg.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at = %v, want %v", msg.CreatedAt.Time, want)
	}
}

func TestTimestampWithZoneConvertsToUTC(t *testing.T) {
	ts, err := ParseTimestamp("2025-03-04T12:00:00+02:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ts.Hour() != 10 || ts.Location() != time.UTC {
		t.Fatalf("got %v", ts.Time)
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error for garbage timestamp")
	}
}

func TestResultPassthrough(t *testing.T) {
	raw := `{"task_id":1,"subtask_id":2,"offset":3,"content":"abc","result":{"thinking":[{"title":"plan"}],"custom":{"x":1}}}`
	var chunk ChunkEvent
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	steps, err := chunk.Result.Thinking()
	if err != nil {
		t.Fatalf("thinking: %v", err)
	}
	if len(steps) != 1 || steps[0].Title != "plan" {
		t.Fatalf("steps = %+v", steps)
	}

	out, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]json.RawMessage
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(back["result"], &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if string(result["custom"]) != `{"x":1}` {
		t.Fatalf("catch-all field lost: %s", back["result"])
	}
}

func TestEmptyResultOmitted(t *testing.T) {
	out, err := json.Marshal(ChunkEvent{TaskID: 1, SubtaskID: 2, Offset: 1, Content: "a"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]json.RawMessage
	_ = json.Unmarshal(out, &back)
	if _, ok := back["result"]; ok {
		t.Fatalf("empty result should be omitted: %s", out)
	}
}
