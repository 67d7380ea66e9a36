// Package api defines the REST API handlers and the interfaces they drive.
package api

import (
	"context"

	"github.com/GoCodeAlone/taskboard/task"
)

// Engine is the task lifecycle the API exposes. Implemented by *task.Engine.
type Engine interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter task.Filter) ([]*task.Task, error)
	Notes(ctx context.Context, taskID string) ([]*task.Note, error)
	History(ctx context.Context, taskID string) ([]*task.Note, error)
	Application(ctx context.Context, acronym string) (*task.Application, error)
	Applications(ctx context.Context) ([]*task.Application, error)

	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	RequestTransition(ctx context.Context, req task.TransitionRequest) (*task.Task, error)
	Annotate(ctx context.Context, req task.AnnotateRequest) (*task.Note, error)
	EditFields(ctx context.Context, req task.EditRequest) (*task.Task, error)
}

var _ Engine = (*task.Engine)(nil)
