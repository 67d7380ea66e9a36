// Package task defines the task model, its lifecycle state machine, the
// audit trail, and persistence for application work items.
package task

import (
	"context"
	"strings"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	StateOpen   State = "open"
	StateTodo   State = "todo"
	StateDoing  State = "doing"
	StateDone   State = "done"
	StateClosed State = "closed"
)

// States lists every lifecycle state in workflow order.
var States = []State{StateOpen, StateTodo, StateDoing, StateDone, StateClosed}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateOpen, StateTodo, StateDoing, StateDone, StateClosed:
		return true
	}
	return false
}

// ParseState normalizes and validates a state name.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", validationf("unknown state %q", s)
	}
	return st, nil
}

// Task is a unit of work belonging to an application.
type Task struct {
	ID          string    `json:"id"` // {acronym}_{n}
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Plan        string    `json:"plan,omitempty"`
	AppAcronym  string    `json:"app_acronym"`
	State       State     `json:"state"`
	Creator     string    `json:"creator"`
	Owner       string    `json:"owner"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Kind classifies who authored an audit note.
type Kind string

const (
	KindSystem Kind = "system"
	KindUser   Kind = "user"
)

// Event records what produced an audit note.
type Event string

const (
	EventCreate     Event = "create"
	EventTransition Event = "transition"
	EventComment    Event = "comment"
	EventEdit       Event = "edit"
)

// Note is one immutable entry in a task's history.
type Note struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"` // 1-based position in the task's history
	Actor     string    `json:"actor"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
	Kind      Kind      `json:"kind"`
	Event     Event     `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangesState reports whether the note records the task entering State.
func (n *Note) ChangesState() bool {
	return n.Event == EventCreate || n.Event == EventTransition
}

// Application owns tasks, their sequence counter, and the group permitted
// to act in each state.
type Application struct {
	Acronym      string     `json:"acronym"`
	Description  string     `json:"description"`
	RNumber      int        `json:"rnumber"` // number of the last issued task
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	PermitCreate string     `json:"permit_create,omitempty"`
	PermitOpen   string     `json:"permit_open,omitempty"`
	PermitTodo   string     `json:"permit_todo,omitempty"`
	PermitDoing  string     `json:"permit_doing,omitempty"`
	PermitDone   string     `json:"permit_done,omitempty"`
}

// PermitFor returns the group configured to act on tasks in state s.
// Closed tasks have no permit group.
func (a *Application) PermitFor(s State) string {
	switch s {
	case StateOpen:
		return a.PermitOpen
	case StateTodo:
		return a.PermitTodo
	case StateDoing:
		return a.PermitDoing
	case StateDone:
		return a.PermitDone
	}
	return ""
}

// Filter controls which tasks are returned by ListTasks.
type Filter struct {
	AppAcronym string `json:"app_acronym,omitempty"`
	State      *State `json:"state,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// MutateFunc receives a copy of the task as currently stored, inside the
// writing transaction. It modifies the copy in place and returns the note
// to append, or nil to append none. Returning an error aborts the write.
type MutateFunc func(t *Task) (*Note, error)

// Store persists tasks, applications and audit notes.
type Store interface {
	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks returns tasks matching the filter, oldest first.
	ListTasks(ctx context.Context, filter Filter) ([]*Task, error)

	// Notes returns a task's audit notes, newest first.
	Notes(ctx context.Context, taskID string) ([]*Note, error)

	// GetApplication retrieves an application by acronym.
	GetApplication(ctx context.Context, acronym string) (*Application, error)

	// ListApplications returns all applications ordered by acronym.
	ListApplications(ctx context.Context) ([]*Application, error)

	// EnsureApplication inserts app unless an application with the same
	// acronym already exists. It reports whether a row was inserted.
	EnsureApplication(ctx context.Context, app *Application) (bool, error)

	// CreateTask increments the owning application's counter, assigns the
	// task ID, and inserts the task and its first note in one transaction.
	CreateTask(ctx context.Context, t *Task, first *Note) error

	// Update loads the task under lock and applies fn in one transaction.
	Update(ctx context.Context, id string, fn MutateFunc) (*Task, error)
}
