package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/GoCodeAlone/taskboard/comms"
	"github.com/GoCodeAlone/taskboard/task"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Engine  Engine
	Bus     comms.Bus
	Logger  *slog.Logger
	Version string
}

// RegisterRoutes registers the authenticated API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/apps", h.listApps)
	mux.HandleFunc("GET /api/apps/{acronym}", h.getApp)
	mux.HandleFunc("GET /api/apps/{acronym}/tasks", h.listTasks)
	mux.HandleFunc("POST /api/apps/{acronym}/tasks", h.createTask)

	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.editTask)
	mux.HandleFunc("POST /api/tasks/{id}/transitions", h.transitionTask)
	mux.HandleFunc("GET /api/tasks/{id}/notes", h.listNotes)
	mux.HandleFunc("GET /api/tasks/{id}/history", h.listHistory)
	mux.HandleFunc("POST /api/tasks/{id}/notes", h.addNote)

	mux.HandleFunc("GET /api/notifications", h.listNotifications)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeTaskError maps an engine error class to its HTTP status. Server-side
// failures are logged and reported generically.
func (h *Handlers) writeTaskError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrTransitionRejected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		h.logger().Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("err", err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// publish announces a committed change to live clients. Bus failures never
// fail the request.
func (h *Handlers) publish(ctx context.Context, actor, taskID, subject string, meta map[string]string) {
	if h.Bus == nil {
		return
	}
	err := h.Bus.Publish(ctx, &comms.Message{
		Type:     comms.TypeTaskEvent,
		From:     actor,
		Topic:    taskID,
		Subject:  subject,
		Metadata: meta,
	})
	if err != nil {
		h.logger().Warn("publish task event", slog.String("task", taskID), slog.Any("err", err))
	}
}

// --- Application handlers ---

func (h *Handlers) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.Engine.Applications(r.Context())
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	if apps == nil {
		apps = []*task.Application{}
	}
	writeJSON(w, http.StatusOK, apps)
}

func (h *Handlers) getApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.Engine.Application(r.Context(), r.PathValue("acronym"))
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acronym := r.PathValue("acronym")
	if _, err := h.Engine.Application(ctx, acronym); err != nil {
		h.writeTaskError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := task.Filter{AppAcronym: acronym, Owner: q.Get("owner")}
	if s := q.Get("state"); s != "" {
		st, err := task.ParseState(s)
		if err != nil {
			h.writeTaskError(w, r, err)
			return
		}
		filter.State = &st
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Engine.ListTasks(ctx, filter)
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description"`
	Plan        string `json:"plan" validate:"max=255"`
	Group       string `json:"group" validate:"max=64"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decode(w, r, &req) {
		return
	}
	actor := Subject(r.Context())
	t, err := h.Engine.CreateTask(r.Context(), task.CreateRequest{
		Name:        req.Name,
		Description: req.Description,
		Plan:        req.Plan,
		App:         r.PathValue("acronym"),
		Actor:       actor,
		Group:       req.Group,
	})
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	h.publish(r.Context(), actor, t.ID, fmt.Sprintf("%s created %s", actor, t.ID), map[string]string{
		"event": string(task.EventCreate), "state": string(t.State), "app": t.AppAcronym,
	})
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type editTaskRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=255"`
	Description *string `json:"description"`
	Plan        *string `json:"plan" validate:"omitempty,max=255"`
	Group       string  `json:"group" validate:"max=64"`
}

func (h *Handlers) editTask(w http.ResponseWriter, r *http.Request) {
	var req editTaskRequest
	if !decode(w, r, &req) {
		return
	}
	actor := Subject(r.Context())
	t, err := h.Engine.EditFields(r.Context(), task.EditRequest{
		TaskID: r.PathValue("id"),
		Actor:  actor,
		Group:  req.Group,
		Fields: task.Fields{Name: req.Name, Description: req.Description, Plan: req.Plan},
	})
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	h.publish(r.Context(), actor, t.ID, fmt.Sprintf("%s edited %s", actor, t.ID), map[string]string{
		"event": string(task.EventEdit), "state": string(t.State), "app": t.AppAcronym,
	})
	writeJSON(w, http.StatusOK, t)
}

type transitionRequest struct {
	To      string `json:"to" validate:"required"`
	Group   string `json:"group" validate:"max=64"`
	Release bool   `json:"release"`
	Reject  bool   `json:"reject"`
}

func (h *Handlers) transitionTask(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	to, err := task.ParseState(req.To)
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	actor := Subject(r.Context())
	t, err := h.Engine.RequestTransition(r.Context(), task.TransitionRequest{
		TaskID: r.PathValue("id"),
		To:     to,
		Actor:  actor,
		Group:  req.Group,
		Flags:  task.Flags{Release: req.Release, Reject: req.Reject},
	})
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	h.publish(r.Context(), actor, t.ID, fmt.Sprintf("%s moved %s to %s", actor, t.ID, t.State), map[string]string{
		"event": string(task.EventTransition), "state": string(t.State), "app": t.AppAcronym,
	})
	writeJSON(w, http.StatusOK, t)
}

// --- Note handlers ---

func (h *Handlers) listNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := h.Engine.Notes(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	if notes == nil {
		notes = []*task.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// listHistory returns the audit trail oldest first, the order in which it
// replays into the task's state.
func (h *Handlers) listHistory(w http.ResponseWriter, r *http.Request) {
	notes, err := h.Engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	if notes == nil {
		notes = []*task.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

type noteRequest struct {
	Message string `json:"message" validate:"required"`
	State   string `json:"state"`
	Kind    string `json:"kind" validate:"omitempty,oneof=system user"`
	Group   string `json:"group" validate:"max=64"`
}

func (h *Handlers) addNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decode(w, r, &req) {
		return
	}
	actor := Subject(r.Context())
	note, err := h.Engine.Annotate(r.Context(), task.AnnotateRequest{
		TaskID:  r.PathValue("id"),
		Message: req.Message,
		Actor:   actor,
		State:   task.State(req.State),
		Kind:    task.Kind(req.Kind),
		Group:   req.Group,
	})
	if err != nil {
		h.writeTaskError(w, r, err)
		return
	}
	h.publish(r.Context(), actor, note.TaskID, fmt.Sprintf("%s commented on %s", actor, note.TaskID), map[string]string{
		"event": string(task.EventComment), "state": string(note.State),
	})
	writeJSON(w, http.StatusCreated, note)
}

// --- Notification handlers ---

func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	msgs := []*comms.Message{}
	if h.Bus != nil {
		hist, err := h.Bus.History(Subject(r.Context()), limit)
		if err != nil {
			h.writeTaskError(w, r, err)
			return
		}
		if hist != nil {
			msgs = hist
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- Version ---

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}

// VersionHandler returns the version handler function for external registration.
func (h *Handlers) VersionHandler() http.HandlerFunc {
	return h.version
}
