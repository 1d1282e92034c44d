package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ricochet1k/taskstream/internal/apperr"
	"github.com/ricochet1k/taskstream/pkg/api"
	"github.com/ricochet1k/taskstream/pkg/realtime"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", func() string { return "secret" })
}

func TestListMessagesSendsAfterAndToken(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tasks/7/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("after") != "900" {
			t.Errorf("after = %q", r.URL.Query().Get("after"))
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(api.MessageListResponse{Messages: []realtime.Message{
			{MessageID: 901, TaskID: 7, Role: realtime.MessageRoleAssistant, Content: "hi"},
		}})
	})

	msgs, err := client.FetchHistory(context.Background(), 7, 900)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != 901 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestGetTaskDecodesSubtasks(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":7,"title":"t","status":"RUNNING","subtasks":[{"id":55,"task_id":7,"status":"COMPLETED","message_id":901,"created_at":"2025-01-02T03:04:05","updated_at":"2025-01-02T03:04:06"}],"created_at":"2025-01-02T03:04:05","updated_at":"2025-01-02T03:04:05"}`))
	})

	task, err := client.GetTask(context.Background(), 7)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != api.TaskStatusRunning || len(task.Subtasks) != 1 || !task.Subtasks[0].Status.Terminal() {
		t.Fatalf("task = %+v", task)
	}
}

func TestStatusCodesMapToErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   apperr.Kind
		msg    string
	}{
		{http.StatusUnauthorized, `{"error":"token expired"}`, apperr.KindAuth, "token expired"},
		{http.StatusForbidden, ``, apperr.KindAuth, "Forbidden"},
		{http.StatusUnprocessableEntity, `{"error":"after must be numeric"}`, apperr.KindValidation, "after must be numeric"},
		{http.StatusNotFound, `{"error":"Task not found"}`, apperr.KindDomain, "Task not found"},
		{http.StatusConflict, `task is archived`, apperr.KindDomain, "task is archived"},
		{http.StatusBadGateway, `upstream down`, apperr.KindTransport, ""},
	}
	for _, tc := range cases {
		client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := client.CurrentUser(context.Background())
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Kind != tc.kind {
			t.Fatalf("status %d: err = %v, want kind %s", tc.status, err, tc.kind)
		}
		if tc.msg != "" && appErr.Message != tc.msg {
			t.Fatalf("status %d: message = %q, want %q", tc.status, appErr.Message, tc.msg)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != tc.status {
			t.Fatalf("status %d: APIError not wrapped: %v", tc.status, err)
		}
	}
}

func TestUnreachableServerIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, nil).GetTask(context.Background(), 1)
	if !apperr.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}
