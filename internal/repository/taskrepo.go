package repository

import (
	"context"

	"github.com/and161185/tasktracker/internal/model"
)

// TaskRepository provides task CRUD of the remote API for the bearer token's owner.
type TaskRepository interface {
	// List returns all tasks in server order.
	List(ctx context.Context) ([]model.Task, error)
	// Get returns a single task by ID.
	Get(ctx context.Context, id int64) (*model.Task, error)
	// Create inserts a task; the server assigns ID and timestamps.
	Create(ctx context.Context, in model.TaskCreate) (*model.Task, error)
	// Update applies a partial update and returns the stored task.
	Update(ctx context.Context, id int64, patch model.TaskPatch) (*model.Task, error)
	// Delete removes a task.
	Delete(ctx context.Context, id int64) error
}
