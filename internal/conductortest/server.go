package conductortest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/ember/internal/model"
)

const maxPollTimeout = 30 * time.Second

// Server is an in-memory task queue server. Tasks are queued per task type
// and domain, handed out by long polls, and their results recorded.
type Server struct {
	router *chi.Mux
	logger *slog.Logger

	mu          sync.Mutex
	queues      map[string][]*model.Task
	results     map[string][]*model.TaskResult
	wake        chan struct{}
	failUpdates int
	polls       int
}

// NewServer returns a server with empty queues.
func NewServer(logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger,
		queues:  make(map[string][]*model.Task),
		results: make(map[string][]*model.TaskResult),
		wake:    make(chan struct{}),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Route("/api/tasks", func(r chi.Router) {
		r.Get("/poll/batch/{taskType}", s.handlePoll)
		r.Post("/", s.handleUpdate)
		r.Post("/queue/{taskType}", s.handleEnqueue)
		r.Get("/{taskID}/results", s.handleResults)
	})
	return s
}

// Handler returns the HTTP handler. Task clients use <base>/api as their root.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Enqueue adds a task of taskType with the given input and returns it.
func (s *Server) Enqueue(taskType, domain string, input map[string]any) *model.Task {
	task := &model.Task{
		TaskID:             model.NewID(),
		TaskType:           taskType,
		WorkflowInstanceID: model.NewID(),
		ReferenceTaskName:  taskType + "_ref",
		Domain:             domain,
		InputData:          input,
	}

	s.mu.Lock()
	key := queueKey(taskType, domain)
	s.queues[key] = append(s.queues[key], task)
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()

	s.logger.Debug("task enqueued", "task_id", task.TaskID, "task_type", taskType, "domain", domain)
	return task
}

// Results returns every update received for taskID, oldest first.
func (s *Server) Results(taskID string) []*model.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.TaskResult(nil), s.results[taskID]...)
}

// FinalResult returns the first terminal update received for taskID.
func (s *Server) FinalResult(taskID string) (*model.TaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results[taskID] {
		if model.IsTerminal(r.Status) {
			return r, true
		}
	}
	return nil, false
}

// FailUpdates makes the next n updates answer 500 without being recorded.
func (s *Server) FailUpdates(n int) {
	s.mu.Lock()
	s.failUpdates = n
	s.mu.Unlock()
}

// Polls returns how many poll requests the server has answered.
func (s *Server) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// QueueLen returns the number of tasks waiting for taskType in domain.
func (s *Server) QueueLen(taskType, domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queueKey(taskType, domain)])
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "taskType")
	domain := r.URL.Query().Get("domain")
	count := queryInt(r, "count", 1)
	if count <= 0 {
		count = 1
	}
	timeout := time.Duration(queryInt(r, "timeout", 100)) * time.Millisecond
	timeout = min(max(timeout, 0), maxPollTimeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		tasks := s.take(queueKey(taskType, domain), count)
		wake := s.wake
		if tasks != nil {
			s.polls++
		}
		s.mu.Unlock()

		if len(tasks) > 0 {
			for _, t := range tasks {
				t.PollCount++
			}
			writeJSON(w, http.StatusOK, tasks)
			return
		}

		select {
		case <-wake:
		case <-timer.C:
			s.countPoll()
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			s.countPoll()
			return
		}
	}
}

// take pops up to n tasks from key. Callers hold mu.
func (s *Server) take(key string, n int) []*model.Task {
	q := s.queues[key]
	if len(q) == 0 {
		return nil
	}
	n = min(n, len(q))
	out := q[:n:n]
	s.queues[key] = q[n:]
	return out
}

func (s *Server) countPoll() {
	s.mu.Lock()
	s.polls++
	s.mu.Unlock()
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var result model.TaskResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "invalid task result: "+err.Error(), http.StatusBadRequest)
		return
	}
	if result.TaskID == "" {
		http.Error(w, "taskId is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		http.Error(w, "update rejected", http.StatusInternalServerError)
		return
	}
	s.results[result.TaskID] = append(s.results[result.TaskID], &result)
	s.mu.Unlock()

	s.logger.Debug("task updated", "task_id", result.TaskID, "status", result.Status)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(result.TaskID))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, "invalid input: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	task := s.Enqueue(chi.URLParam(r, "taskType"), r.URL.Query().Get("domain"), input)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results := s.Results(chi.URLParam(r, "taskID"))
	if len(results) == 0 {
		http.Error(w, "no results", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func queueKey(taskType, domain string) string {
	if domain == "" {
		return taskType
	}
	return domain + ":" + taskType
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
