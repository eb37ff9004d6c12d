package server

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"

	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/store"
)

// degradedPendingThreshold is the queue depth above which health degrades.
const degradedPendingThreshold = 100

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	byStatus, byKind, err := s.store.QueueCounts()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "queue counts unavailable")
		return
	}
	buildCounts, err := s.store.CountBuildsByStatus()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "build counts unavailable")
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks_by_status": byStatus,
		"tasks_by_kind":   byKind,
		"builds_by_state": buildCounts,
		"db":              s.store.Stats(),
		"memory": map[string]any{
			"heap_alloc_bytes": mem.HeapAlloc,
			"heap_sys_bytes":   mem.HeapSys,
			"num_gc":           mem.NumGC,
			"goroutines":       runtime.NumGoroutine(),
		},
		"timestamp": s.now().UTC(),
	})
}

// pageParams reads 1-based pagination from the query string. The store takes
// a 0-based page, so callers pass page-1 down.
func pageParams(r *http.Request) (page, size int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	size, _ = strconv.Atoi(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 500 {
		size = 50
	}
	return page, size
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	tasks, err := s.store.ListTasks(page-1, size, pipeline.TaskStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"page": page, "size": size, "tasks": tasks})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	task, err := s.store.Find(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleRetryTask resets a terminally failed task to pending at attempt 0.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	reset, err := s.store.ResetTask(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "task reset failed")
		return
	}
	if !reset {
		s.writeError(w, http.StatusConflict, "only failed tasks can be retried")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": pipeline.TaskPending})
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	builds, err := s.store.ListBuilds(page-1, size, pipeline.BuildStatus(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing builds failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"page": page, "size": size, "builds": builds})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	build, err := s.store.GetBuild(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "build not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "build lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, build)
}

func (s *Server) handleBuildTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	tasks, err := s.store.TasksForBuild(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "listing build tasks failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"build_id": id, "tasks": tasks})
}

// handleRetryBuild requeues every failed task of a build and reopens it.
func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	requeued, err := s.store.RequeueFailed(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "build not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "build retry failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"build_id": id, "requeued_tasks": requeued})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	byStatus, byKind, err := s.store.QueueCounts()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "queue counts unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"by_status": byStatus,
		"by_kind":   byKind,
	})
}

// handleHealth reports composite health: down when the database is
// unreachable, degraded when the backlog is deep, up otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.PendingCount()
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "down", "database": "unreachable",
		})
		return
	}
	status := "up"
	code := http.StatusOK
	if pending >= degradedPendingThreshold {
		status = "degraded"
	}
	s.writeJSON(w, code, map[string]any{
		"status":        status,
		"database":      "up",
		"pending_tasks": pending,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
