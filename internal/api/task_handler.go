package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/taskwell/taskwell/internal/api/shared"
	"github.com/taskwell/taskwell/internal/broker"
	"github.com/taskwell/taskwell/internal/task"
)

// SubmitTaskRequest represents the request body for submitting a task.
type SubmitTaskRequest struct {
	Type        string          `json:"type"         validate:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts" validate:"omitempty,gte=1"`
}

// SubmitTaskResponse carries the assigned task ID.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse is the task snapshot returned by the status endpoint.
type TaskStatusResponse struct {
	TaskID      string          `json:"task_id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// TaskHandler handles task submission, status and cancellation requests.
type TaskHandler struct {
	broker    *broker.Broker
	registry  *task.Registry
	validator *validator.Validate
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(b *broker.Broker, registry *task.Registry) *TaskHandler {
	return &TaskHandler{
		broker:    b,
		registry:  registry,
		validator: validator.New(),
	}
}

// SubmitTask handles POST /tasks/submit. It validates the type against the
// handler registry and the payload against the handler's schema before
// anything is enqueued; rejected submissions leave no trace.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	handler, err := h.registry.Lookup(req.Type)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Unknown task type: "+req.Type)
		return
	}
	if err := handler.ValidatePayload(req.Payload); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest,
			"Invalid payload for type "+req.Type, err)
		return
	}

	t := task.New(req.Type, handler.Queue(), req.Payload, req.Priority, req.MaxAttempts, time.Now())
	if err := h.broker.Enqueue(r.Context(), t); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to enqueue task", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitTaskResponse{TaskID: t.ID.String()})
}

// GetTaskStatus handles GET /tasks/{id}/status.
func (h *TaskHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	t, err := h.broker.Get(r.Context(), id)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// CancelTask handles POST /tasks/{id}/cancel. Queued tasks cancel
// immediately; running tasks get a cooperative cancellation request;
// terminal tasks conflict.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	t, err := h.broker.Cancel(r.Context(), id)
	switch {
	case err == nil:
		shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
	case errors.Is(err, task.ErrNotFound):
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
	case errors.Is(err, task.ErrAlreadyTerminal):
		shared.RespondWithError(w, r, http.StatusConflict, "Task already in a terminal state")
	default:
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"Failed to cancel task", err)
	}
}

func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return uuid.Nil, false
	}
	return id, true
}

func taskToResponse(t *task.Task) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:      t.ID.String(),
		Type:        t.Type,
		Queue:       t.Queue,
		Status:      string(t.Status),
		Priority:    t.Priority,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		CreatedAt:   t.CreatedAt,
		Result:      t.Result,
		Error:       t.LastError,
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}
