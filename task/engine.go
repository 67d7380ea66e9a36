package task

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/GoCodeAlone/taskboard/internal/metrics"
)

// Authorizer answers group membership questions for the engine.
type Authorizer interface {
	IsMember(ctx context.Context, username, group string) (bool, error)
}

// Notice describes a task that has been submitted for review.
type Notice struct {
	TaskID      string `json:"task_id"`
	TaskName    string `json:"task_name"`
	App         string `json:"app"`
	Actor       string `json:"actor"`
	Group       string `json:"group"`                  // group that authorized the submission
	ReviewGroup string `json:"review_group,omitempty"` // application's done permit group
}

// Notifier delivers review notices. Implementations must not block on
// delivery; the engine ignores the outcome.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// TransitionRequest asks to move a task to another state.
type TransitionRequest struct {
	TaskID string
	To     State
	Actor  string
	Group  string
	Flags  Flags
}

// AnnotateRequest asks to append a free-text note to a task.
type AnnotateRequest struct {
	TaskID  string
	Message string
	Actor   string
	State   State // state the author believes the task is in; empty means current
	Kind    Kind  // empty means KindUser
	Group   string
}

// Fields holds the editable task attributes. Nil fields are left unchanged.
type Fields struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Plan        *string `json:"plan,omitempty"`
}

// EditRequest asks to change a task's descriptive fields.
type EditRequest struct {
	TaskID string
	Actor  string
	Group  string
	Fields Fields
}

// CreateRequest asks to create a task in an application.
type CreateRequest struct {
	Name        string
	Description string
	Plan        string
	App         string
	Actor       string
	Group       string
}

// Engine applies lifecycle operations to tasks. It owns every write to a
// task's state and owner and every audit note.
type Engine struct {
	store    Store
	auth     Authorizer
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine creates an Engine over store, checking memberships with auth.
func NewEngine(store Store, auth Authorizer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, auth: auth, logger: logger}
}

// SetNotifier attaches the notifier invoked when a task reaches done.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetMetrics attaches lifecycle counters.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// RequestTransition moves a task along one edge of the transition table.
// The owner becomes the acting user. Reaching done notifies reviewers after
// the change is committed.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (*Task, error) {
	const op = "transition"
	if !req.To.Valid() {
		return nil, e.fail(op, validationf("unknown target state %q", req.To))
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, e.fail(op, validationf("acting user is required"))
	}

	t, app, err := e.load(ctx, req.TaskID)
	if err != nil {
		return nil, e.fail(op, err)
	}
	group, err := e.authorize(ctx, op, req.Actor, req.Group, app.PermitFor(t.State))
	if err != nil {
		return nil, e.fail(op, err)
	}
	from := t.State
	if !CanTransition(from, req.To) {
		return nil, e.fail(op, rejectedf("%s -> %s is not a legal transition", from, req.To))
	}

	updated, err := e.store.Update(ctx, t.ID, func(cur *Task) (*Note, error) {
		if cur.State != from {
			return nil, rejectedf("task %s moved from %s to %s concurrently", cur.ID, from, cur.State)
		}
		cur.State = req.To
		cur.Owner = req.Actor
		return &Note{
			Actor:   req.Actor,
			State:   req.To,
			Message: Describe(from, req.To, req.Flags, req.Actor),
			Kind:    KindSystem,
			Event:   EventTransition,
		}, nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.metrics.Transition(string(from), string(req.To))
	e.metrics.Note(string(EventTransition))
	e.logger.Info("task transitioned",
		slog.String("task", updated.ID),
		slog.String("from", string(from)),
		slog.String("to", string(updated.State)),
		slog.String("actor", req.Actor),
		slog.String("group", group),
	)

	if updated.State == StateDone && e.notifier != nil {
		e.notifier.Notify(ctx, Notice{
			TaskID:      updated.ID,
			TaskName:    updated.Name,
			App:         updated.AppAcronym,
			Actor:       req.Actor,
			Group:       group,
			ReviewGroup: lowerGroup(app.PermitDone),
		})
	}
	return updated, nil
}

// Annotate appends a note to a task without changing its state.
func (e *Engine) Annotate(ctx context.Context, req AnnotateRequest) (*Note, error) {
	const op = "annotate"
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, e.fail(op, validationf("note message is empty"))
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, e.fail(op, validationf("acting user is required"))
	}
	kind := req.Kind
	if kind == "" {
		kind = KindUser
	}
	if kind != KindUser && kind != KindSystem {
		return nil, e.fail(op, validationf("unknown note kind %q", req.Kind))
	}
	if req.State != "" && !req.State.Valid() {
		return nil, e.fail(op, validationf("unknown state %q", req.State))
	}

	t, app, err := e.load(ctx, req.TaskID)
	if err != nil {
		return nil, e.fail(op, err)
	}
	if req.State != "" && req.State != t.State {
		return nil, e.fail(op, validationf("task %s is %s, not %s", t.ID, t.State, req.State))
	}
	if _, err := e.authorize(ctx, op, req.Actor, req.Group, app.PermitFor(t.State)); err != nil {
		return nil, e.fail(op, err)
	}

	var note *Note
	_, err = e.store.Update(ctx, t.ID, func(cur *Task) (*Note, error) {
		if cur.State != t.State {
			return nil, rejectedf("task %s moved from %s to %s concurrently", cur.ID, t.State, cur.State)
		}
		note = &Note{
			Actor:   req.Actor,
			State:   cur.State,
			Message: msg,
			Kind:    kind,
			Event:   EventComment,
		}
		return note, nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}
	e.metrics.Note(string(EventComment))
	e.logger.Debug("task annotated", slog.String("task", t.ID), slog.String("actor", req.Actor))
	return note, nil
}

// editable lists the states in which a task's fields may change: before
// work starts and while it waits for review.
var editable = []State{StateOpen, StateDone}

// EditFields changes a task's name, description or plan. Only open and done
// tasks can be edited.
func (e *Engine) EditFields(ctx context.Context, req EditRequest) (*Task, error) {
	const op = "edit"
	f := req.Fields
	if f.Name == nil && f.Description == nil && f.Plan == nil {
		return nil, e.fail(op, validationf("at least one field is required"))
	}
	if f.Name != nil {
		if err := checkName(*f.Name); err != nil {
			return nil, e.fail(op, err)
		}
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, e.fail(op, validationf("acting user is required"))
	}

	t, app, err := e.load(ctx, req.TaskID)
	if err != nil {
		return nil, e.fail(op, err)
	}
	if !slices.Contains(editable, t.State) {
		return nil, e.fail(op, ErrInvalidStateForEdit)
	}
	if _, err := e.authorize(ctx, op, req.Actor, req.Group, app.PermitFor(t.State)); err != nil {
		return nil, e.fail(op, err)
	}

	updated, err := e.store.Update(ctx, t.ID, func(cur *Task) (*Note, error) {
		if cur.State != t.State {
			return nil, rejectedf("task %s moved from %s to %s concurrently", cur.ID, t.State, cur.State)
		}
		var changed []string
		if f.Name != nil {
			cur.Name = strings.TrimSpace(*f.Name)
			changed = append(changed, "name")
		}
		if f.Description != nil {
			cur.Description = *f.Description
			changed = append(changed, "description")
		}
		if f.Plan != nil {
			cur.Plan = strings.TrimSpace(*f.Plan)
			changed = append(changed, "plan")
		}
		return &Note{
			Actor:   req.Actor,
			State:   cur.State,
			Message: describeEdit(req.Actor, changed),
			Kind:    KindSystem,
			Event:   EventEdit,
		}, nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}
	e.metrics.Note(string(EventEdit))
	e.logger.Info("task edited", slog.String("task", updated.ID), slog.String("actor", req.Actor))
	return updated, nil
}

// CreateTask creates a task in the open state, owned by its creator.
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (*Task, error) {
	const op = "create"
	name := strings.TrimSpace(req.Name)
	if err := checkName(name); err != nil {
		return nil, e.fail(op, err)
	}
	if strings.TrimSpace(req.App) == "" {
		return nil, e.fail(op, validationf("application is required"))
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, e.fail(op, validationf("acting user is required"))
	}

	app, err := e.store.GetApplication(ctx, req.App)
	if err != nil {
		return nil, e.fail(op, err)
	}
	if _, err := e.authorize(ctx, op, req.Actor, req.Group, app.PermitCreate); err != nil {
		return nil, e.fail(op, err)
	}

	t := &Task{
		Name:        name,
		Description: req.Description,
		Plan:        strings.TrimSpace(req.Plan),
		AppAcronym:  app.Acronym,
		State:       StateOpen,
		Creator:     req.Actor,
		Owner:       req.Actor,
	}
	first := &Note{
		Actor:   req.Actor,
		State:   StateOpen,
		Message: describeCreate(req.Actor),
		Kind:    KindSystem,
		Event:   EventCreate,
	}
	if err := e.store.CreateTask(ctx, t, first); err != nil {
		return nil, e.fail(op, err)
	}

	e.metrics.Created(t.AppAcronym)
	e.metrics.Note(string(EventCreate))
	e.logger.Info("task created",
		slog.String("task", t.ID),
		slog.String("app", t.AppAcronym),
		slog.String("actor", req.Actor),
	)
	return t, nil
}

// GetTask returns a task by ID.
func (e *Engine) GetTask(ctx context.Context, id string) (*Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasks returns the tasks matching filter.
func (e *Engine) ListTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// Notes returns a task's audit trail, newest first.
func (e *Engine) Notes(ctx context.Context, taskID string) ([]*Note, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.Notes(ctx, taskID)
}

// History returns a task's audit trail oldest first, for replay.
func (e *Engine) History(ctx context.Context, taskID string) ([]*Note, error) {
	notes, err := e.Notes(ctx, taskID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(notes)
	return notes, nil
}

// Application returns an application by acronym.
func (e *Engine) Application(ctx context.Context, acronym string) (*Application, error) {
	return e.store.GetApplication(ctx, acronym)
}

// Applications returns every application.
func (e *Engine) Applications(ctx context.Context) ([]*Application, error) {
	return e.store.ListApplications(ctx)
}

// Replay folds a history (oldest first) into the state and owner it
// implies: the last state-changing note wins.
func Replay(history []*Note) (state State, owner string) {
	for _, n := range history {
		if n.ChangesState() {
			state, owner = n.State, n.Actor
		}
	}
	return state, owner
}

// checkName rejects empty task names and names carrying control
// characters. Names end up in mail headers and single-line listings.
func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return validationf("task name is required")
	}
	if i := strings.IndexFunc(name, unicode.IsControl); i >= 0 {
		return validationf("task name contains control character %q at byte %d", name[i], i)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, id string) (*Task, *Application, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	app, err := e.store.GetApplication(ctx, t.AppAcronym)
	if err != nil {
		return nil, nil, err
	}
	return t, app, nil
}

// authorize resolves the group that gates op and checks the actor belongs
// to it. A permit group configured on the application wins over the
// caller's claim; without one the caller's group is used.
func (e *Engine) authorize(ctx context.Context, op, actor, requested, permit string) (string, error) {
	requested = lowerGroup(requested)
	permit = lowerGroup(permit)

	group := requested
	if permit != "" {
		if requested != "" && requested != permit {
			return "", unauthorizedf("%s requires group %q, not %q", op, permit, requested)
		}
		group = permit
	}
	if group == "" {
		return "", unauthorizedf("no authorizing group for %s", op)
	}

	ok, err := e.auth.IsMember(ctx, actor, group)
	if err != nil {
		// lookup failures never authorize
		e.logger.Warn("membership lookup failed",
			slog.String("user", actor),
			slog.String("group", group),
			slog.Any("err", err),
		)
		ok = false
	}
	if !ok {
		return "", unauthorizedf("%s is not a member of %s", actor, group)
	}
	return group, nil
}

// fail records a refused operation and returns err unchanged.
func (e *Engine) fail(op string, err error) error {
	reason := reasonOf(err)
	e.metrics.Rejected(op, reason)
	if reason == "persistence" {
		e.logger.Error("task operation failed", slog.String("op", op), slog.Any("err", err))
	} else {
		e.logger.Debug("task operation refused", slog.String("op", op), slog.Any("err", err))
	}
	return err
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTransitionRejected):
		return "transition_rejected"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "persistence"
	}
}
