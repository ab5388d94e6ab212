package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"jwxt-agent/internal/service"
	"jwxt-agent/internal/task"
)

// TaskHandler manages the long-running tasks of a session.
type TaskHandler struct {
	portal *service.Portal
}

// NewTaskHandler creates a task handler
func NewTaskHandler(portal *service.Portal) *TaskHandler {
	return &TaskHandler{portal: portal}
}

// TaskListResponse is the body of GET /tasks.
type TaskListResponse struct {
	Tasks []task.Snapshot `json:"tasks"`
	Kinds []string        `json:"kinds"`
}

// Start starts a task bound to the caller's session.
func (h *TaskHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req task.Request
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	snap, err := h.portal.StartTask(id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

// List returns the caller's tasks and the registered kinds.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, TaskListResponse{Tasks: h.portal.Tasks(id), Kinds: h.portal.TaskKinds()})
}

// Get returns one task.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	snap, err := h.portal.Task(id, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Update hot-patches the poll and parallel settings of a running task.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var patch task.Patch
	if err := decodeJSON(r, &patch, true); err != nil {
		writeError(w, r, err)
		return
	}

	snap, err := h.portal.UpdateTask(id, chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Stop stops a task and returns its final snapshot.
func (h *TaskHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	snap, err := h.portal.StopTask(r.Context(), id, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
