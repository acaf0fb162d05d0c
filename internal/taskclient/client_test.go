package taskclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/ember/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL+"/api/", nil)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return c
}

func TestPollReturnsTask(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/tasks/poll/batch/resize_image" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("count") != "1" || q.Get("timeout") != "250" {
			t.Errorf("count/timeout = %q/%q", q.Get("count"), q.Get("timeout"))
		}
		if q.Get("workerid") != "host-1" || q.Get("domain") != "blue" {
			t.Errorf("workerid/domain = %q/%q", q.Get("workerid"), q.Get("domain"))
		}
		json.NewEncoder(w).Encode([]model.Task{{
			TaskID:             "t-1",
			TaskType:           "resize_image",
			WorkflowInstanceID: "wf-1",
			InputData:          map[string]any{"w": 100.0},
		}})
	})

	task, err := c.Poll(context.Background(), "resize_image", "host-1", "blue", 250*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if task == nil {
		t.Fatal("Poll returned nil task")
	}
	if task.TaskID != "t-1" || task.WorkflowInstanceID != "wf-1" {
		t.Errorf("task = %+v", task)
	}
	if task.InputData["w"] != 100.0 {
		t.Errorf("InputData[w] = %v, want 100", task.InputData["w"])
	}
}

func TestPollNoTask(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"empty array", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("[]")) }},
		{"no content", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.h)
			task, err := c.Poll(context.Background(), "x", "", "", 0)
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if task != nil {
				t.Errorf("task = %+v, want nil", task)
			}
		})
	}
}

func TestPollServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Poll(context.Background(), "x", "", "", 0)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "overloaded" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestUpdatePostsResult(t *testing.T) {
	var got model.TaskResult
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tasks" {
			t.Errorf("%s %s, want POST /api/tasks", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte("t-1"))
	})

	err := c.Update(context.Background(), &model.TaskResult{
		TaskID:             "t-1",
		WorkflowInstanceID: "wf-1",
		Status:             model.TaskStatusCompleted,
		OutputData:         map[string]any{"ok": true},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.TaskID != "t-1" || got.Status != model.TaskStatusCompleted || got.OutputData["ok"] != true {
		t.Errorf("server received %+v", got)
	}
}

func TestUpdateServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})

	err := c.Update(context.Background(), &model.TaskResult{TaskID: "t-1"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("error = %v, want 500 StatusError", err)
	}
}

func TestUpdateRespectsContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Update(ctx, &model.TaskResult{TaskID: "t-1"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "ftp://x", "://bad"} {
		if _, err := NewHTTPClient(u, nil); err == nil {
			t.Errorf("NewHTTPClient(%q) succeeded, want error", u)
		}
	}
}
