package rest

import (
	"context"
	"fmt"

	"github.com/and161185/tasktracker/internal/model"
)

// TaskRepo implements TaskRepository over /tasks endpoints.
type TaskRepo struct{ c *Client }

// NewTaskRepo constructs a task repository.
func NewTaskRepo(c *Client) *TaskRepo { return &TaskRepo{c: c} }

func taskPath(id int64) string { return fmt.Sprintf("/tasks/%d", id) }

// List returns all tasks of the caller in server order.
func (r *TaskRepo) List(ctx context.Context) ([]model.Task, error) {
	var out []model.Task
	if err := r.c.Get(ctx, "/tasks/", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Task{}
	}
	return out, nil
}

// Get returns a single task.
func (r *TaskRepo) Get(ctx context.Context, id int64) (*model.Task, error) {
	var out model.Task
	if err := r.c.Get(ctx, taskPath(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create inserts a task.
func (r *TaskRepo) Create(ctx context.Context, in model.TaskCreate) (*model.Task, error) {
	var out model.Task
	if err := r.c.Post(ctx, "/tasks/", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update applies a partial update.
func (r *TaskRepo) Update(ctx context.Context, id int64, patch model.TaskPatch) (*model.Task, error) {
	var out model.Task
	if err := r.c.Put(ctx, taskPath(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a task.
func (r *TaskRepo) Delete(ctx context.Context, id int64) error {
	return r.c.Delete(ctx, taskPath(id))
}
