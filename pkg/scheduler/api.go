package scheduler

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aico-ai/gateway/pkg/storage"
	"github.com/aico-ai/gateway/pkg/types"
)

var (
	taskIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	taskClassPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)
)

// taskRequest is the create/update body for a scheduled task.
type taskRequest struct {
	TaskID    string          `json:"task_id" validate:"required,min=1,max=100,task_id_chars"`
	TaskClass string          `json:"task_class" validate:"required,task_class"`
	Schedule  string          `json:"schedule" validate:"required,cron"`
	Config    json.RawMessage `json:"config,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

// API exposes the scheduler's administrative REST surface.
type API struct {
	scheduler *Scheduler
	store     storage.Store
	validate  *validator.Validate
}

// NewAPI builds the admin API around a running scheduler.
func NewAPI(s *Scheduler, store storage.Store) *API {
	v := validator.New()
	_ = v.RegisterValidation("task_id_chars", func(fl validator.FieldLevel) bool {
		return taskIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("task_class", func(fl validator.FieldLevel) bool {
		return taskClassPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := ParseCron(fl.Field().String())
		return err == nil
	})
	return &API{scheduler: s, store: store, validate: v}
}

// Routes returns the router mounted under /api/v1/scheduler.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", a.handleStatus)
	r.Get("/tasks", a.handleListTasks)
	r.Post("/tasks", a.handleCreateTask)
	r.Route("/tasks/{taskID}", func(r chi.Router) {
		r.Get("/", a.handleGetTask)
		r.Put("/", a.handleUpdateTask)
		r.Delete("/", a.handleDeleteTask)
		r.Post("/enable", a.handleSetEnabled(true))
		r.Post("/disable", a.handleSetEnabled(false))
		r.Post("/trigger", a.handleTrigger)
		r.Get("/status", a.handleTaskStatus)
		r.Get("/history", a.handleHistory)
	})
	return r
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Snapshot())
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled_only") == "true"
	tasks, err := a.store.ListTasks(enabledOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.KindProcessingError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeTaskRequest(w, r)
	if !ok {
		return
	}

	if _, err := a.store.GetTask(req.TaskID); err == nil {
		writeError(w, http.StatusConflict, types.KindValidationError, "task already exists: "+req.TaskID)
		return
	}

	task := req.toTask()
	if err := a.store.UpsertTask(task); err != nil {
		writeError(w, http.StatusInternalServerError, types.KindProcessingError, "failed to store task")
		return
	}
	a.scheduler.RefreshTask(task.TaskID)
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := a.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	existing, ok := a.loadTask(w, r)
	if !ok {
		return
	}
	req, ok := a.decodeTaskRequest(w, r)
	if !ok {
		return
	}
	if req.TaskID != existing.TaskID {
		writeError(w, http.StatusBadRequest, types.KindValidationError, "task_id in body does not match path")
		return
	}

	task := req.toTask()
	task.CreatedAt = existing.CreatedAt
	if err := a.store.UpsertTask(task); err != nil {
		writeError(w, http.StatusInternalServerError, types.KindProcessingError, "failed to store task")
		return
	}
	a.scheduler.RefreshTask(task.TaskID)
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := a.store.DeleteTask(taskID); err != nil {
		var nf *storage.NotFoundError
		switch {
		case errors.As(err, &nf):
			writeError(w, http.StatusNotFound, types.KindNotFound, err.Error())
		default:
			writeError(w, http.StatusConflict, types.KindProcessingError, err.Error())
		}
		return
	}
	a.scheduler.RefreshTask(taskID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": taskID})
}

func (a *API) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		if err := a.store.SetTaskEnabled(taskID, enabled); err != nil {
			var nf *storage.NotFoundError
			if errors.As(err, &nf) {
				writeError(w, http.StatusNotFound, types.KindNotFound, err.Error())
			} else {
				writeError(w, http.StatusInternalServerError, types.KindProcessingError, "failed to update task")
			}
			return
		}
		a.scheduler.RefreshTask(taskID)
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "enabled": enabled})
	}
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := a.scheduler.Trigger(taskID); err != nil {
		var nf *storage.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, types.KindNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, types.KindProcessingError, "failed to trigger task")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "triggered": true})
}

func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := a.loadTask(w, r)
	if !ok {
		return
	}

	status := map[string]any{
		"task_id": task.TaskID,
		"enabled": task.Enabled,
		"running": a.scheduler.IsRunning(task.TaskID),
	}
	if next, ok := a.scheduler.NextRunTime(task.TaskID); ok {
		status["next_run"] = next.Format(time.RFC3339)
	}
	if history, err := a.store.ListExecutions(task.TaskID, 1); err == nil && len(history) > 0 {
		status["last_execution"] = history[0]
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, types.KindValidationError, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	history, err := a.store.ListExecutions(taskID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.KindProcessingError, "failed to list executions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "executions": history, "count": len(history)})
}

// loadTask fetches the task addressed by the path, writing the 404
// itself when absent.
func (a *API) loadTask(w http.ResponseWriter, r *http.Request) (*types.ScheduledTask, bool) {
	taskID := chi.URLParam(r, "taskID")
	task, err := a.store.GetTask(taskID)
	if err != nil {
		var nf *storage.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, types.KindNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, types.KindProcessingError, "failed to load task")
		}
		return nil, false
	}
	return task, true
}

// decodeTaskRequest parses and validates the request body, writing the
// error response itself on failure.
func (a *API) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (*taskRequest, bool) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.KindValidationError, "request body is not valid JSON")
		return nil, false
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.KindValidationError, validationDetail(err))
		return nil, false
	}
	if detail := validateTaskConfig(req.Config); detail != "" {
		writeError(w, http.StatusBadRequest, types.KindValidationError, detail)
		return nil, false
	}
	return &req, true
}

// validateTaskConfig checks that config is a JSON object free of keys
// that collide with the task record's own columns.
func validateTaskConfig(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "config must be a JSON object"
	}
	for key := range obj {
		if types.ReservedConfigKeys[key] {
			return "config contains reserved key: " + key
		}
	}
	return ""
}

func validationDetail(err error) string {
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) || len(invalid) == 0 {
		return "validation failed"
	}
	fe := invalid[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min", "max":
		return fe.Field() + " length out of range"
	case "task_id_chars":
		return "task_id may only contain letters, digits, dot, underscore and hyphen"
	case "task_class":
		return "task_class must start with an uppercase letter and contain only letters, digits and underscores"
	case "cron":
		return "schedule is not a valid 5-field cron expression"
	default:
		return fe.Field() + " is invalid"
	}
}

func (req *taskRequest) toTask() *types.ScheduledTask {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &types.ScheduledTask{
		TaskID:    req.TaskID,
		TaskClass: req.TaskClass,
		Schedule:  req.Schedule,
		Config:    req.Config,
		Enabled:   enabled,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]any{
		"error": types.ErrorInfo{StatusCode: status, Kind: kind, Detail: detail},
	})
}
