package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"plugsched/internal/apperr"
	"plugsched/internal/plugin"
	"plugsched/internal/storage"
	"plugsched/internal/task/engine"
	"plugsched/internal/task/scheduler"
	logx "plugsched/pkg/logx"
)

const maxBody = 1 << 20

// Scheduler is the operation surface behind the API. *scheduler.Service implements it.
type Scheduler interface {
	AddTask(ctx context.Context, def storage.TaskDefinition) (string, error)
	UpdateTask(ctx context.Context, def storage.TaskDefinition) error
	RemoveTask(ctx context.Context, id string) (bool, error)
	EnableTask(ctx context.Context, id string) (bool, error)
	DisableTask(ctx context.Context, id string) (bool, error)
	TriggerNow(ctx context.Context, pluginName string, params map[string]any, priority int) (string, error)
	TriggerTask(ctx context.Context, id string) (string, error)
	GetStatus(handle string) (engine.Record, error)
	CancelExecution(handle string) (bool, error)
	ListTasks() ([]storage.TaskDefinition, bool)
	HealthCheck() scheduler.Health
	NextRuns(id string, n int) []time.Time
}

// Plugins lists plugin health. *plugin.Runtime implements it.
type Plugins interface {
	Statuses() ([]plugin.Status, error)
}

type Handler struct {
	sched   Scheduler
	plugins Plugins
	log     logx.Logger
}

func NewHandler(sched Scheduler, plugins Plugins, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{sched: sched, plugins: plugins, log: log}
}

type tasksResponse struct {
	Tasks []storage.TaskDefinition `json:"tasks"`
	Stale bool                     `json:"stale"`
}

type taskResponse struct {
	storage.TaskDefinition
	NextRuns []time.Time `json:"next_runs,omitempty"`
}

type triggerRequest struct {
	Plugin   string         `json:"plugin"`
	Params   map[string]any `json:"params"`
	Priority int            `json:"priority"`
	// TaskID triggers a stored task with its own parameters instead.
	TaskID string `json:"task_id"`
}

type handleResponse struct {
	Handle string `json:"handle"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	hc := h.sched.HealthCheck()
	code := http.StatusOK
	if hc.Status != scheduler.HealthOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hc)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	defs, stale := h.sched.ListTasks()
	if defs == nil {
		defs = []storage.TaskDefinition{}
	}
	writeJSON(w, http.StatusOK, tasksResponse{Tasks: defs, Stale: stale})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	defs, _ := h.sched.ListTasks()
	for _, d := range defs {
		if d.ID == id {
			n := 5
			if raw := r.URL.Query().Get("next"); raw != "" {
				if v, err := strconv.Atoi(raw); err == nil && v >= 0 && v <= 100 {
					n = v
				}
			}
			writeJSON(w, http.StatusOK, taskResponse{TaskDefinition: d, NextRuns: h.sched.NextRuns(id, n)})
			return
		}
	}
	h.writeError(w, r, apperr.Newf(apperr.NotFound, "api.get_task", "task %s not found", id))
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var def storage.TaskDefinition
	if err := decodeBody(r, &def); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.sched.AddTask(r.Context(), def)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var def storage.TaskDefinition
	if err := decodeBody(r, &def); err != nil {
		h.writeError(w, r, err)
		return
	}
	def.ID = mux.Vars(r)["id"]
	if err := h.sched.UpdateTask(r.Context(), def); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	h.boolOp(w, r, "api.remove_task", h.sched.RemoveTask)
}

func (h *Handler) EnableTask(w http.ResponseWriter, r *http.Request) {
	h.boolOp(w, r, "api.enable_task", h.sched.EnableTask)
}

func (h *Handler) DisableTask(w http.ResponseWriter, r *http.Request) {
	h.boolOp(w, r, "api.disable_task", h.sched.DisableTask)
}

func (h *Handler) boolOp(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, string) (bool, error)) {
	id := mux.Vars(r)["id"]
	ok, err := fn(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		h.writeError(w, r, apperr.Newf(apperr.NotFound, op, "task %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var (
		handle string
		err    error
	)
	switch {
	case strings.TrimSpace(req.TaskID) != "":
		handle, err = h.sched.TriggerTask(r.Context(), req.TaskID)
	case strings.TrimSpace(req.Plugin) != "":
		handle, err = h.sched.TriggerNow(r.Context(), req.Plugin, req.Params, req.Priority)
	default:
		err = apperr.Newf(apperr.Configuration, "api.trigger", "plugin or task_id is required")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handleResponse{Handle: handle})
}

func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sched.GetStatus(mux.Vars(r)["handle"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	ok, err := h.sched.CancelExecution(handle)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "execution already started or finished"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	sts, err := h.plugins.Statuses()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": sts})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.New(apperr.Configuration, "api.decode", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= 500 {
		h.log.Warn("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: string(apperr.KindOf(err))})
}

// StatusFor maps an error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknown):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	}
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Configuration:
		return http.StatusBadRequest
	case apperr.PluginLoad:
		return http.StatusUnprocessableEntity
	case apperr.DispatchRace:
		return http.StatusConflict
	case apperr.Persistence:
		return http.StatusServiceUnavailable
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
