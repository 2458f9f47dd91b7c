package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/tasktracker/internal/errs"
	"github.com/and161185/tasktracker/internal/model"
	"github.com/and161185/tasktracker/internal/repository"
)

// Fallback messages used when the API gives no detail.
const (
	MsgFetchFailed  = "Failed to fetch tasks"
	MsgCreateFailed = "Failed to create task"
	MsgUpdateFailed = "Failed to update task"
	MsgDeleteFailed = "Failed to delete task"
	MsgToggleFailed = "Failed to toggle task"
)

// TaskState is a snapshot of the collection.
type TaskState struct {
	Items     []model.Task
	Loading   bool   // true only while FetchAll is in flight
	LastError string // "" = no error
}

// TaskCollection mirrors the caller's task list. Local state changes only after
// the API confirms a mutation; nothing is applied optimistically.
type TaskCollection struct {
	tasks repository.TaskRepository
	log   *zap.Logger

	mu    sync.RWMutex
	state TaskState

	subs observers[TaskState]
}

// NewTaskCollection constructs an empty collection.
func NewTaskCollection(tasks repository.TaskRepository, log *zap.Logger) *TaskCollection {
	if log == nil {
		log = zap.NewNop()
	}
	return &TaskCollection{tasks: tasks, log: log.Named("tasks"), state: TaskState{Items: []model.Task{}}}
}

// State returns a copy of the current state.
func (c *TaskCollection) State() TaskState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *TaskCollection) snapshotLocked() TaskState {
	st := c.state
	st.Items = append([]model.Task(nil), c.state.Items...)
	return st
}

// Items returns a copy of the task list.
func (c *TaskCollection) Items() []model.Task { return c.State().Items }

// Loading reports whether FetchAll is in flight.
func (c *TaskCollection) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Loading
}

// LastError returns the last recorded failure message or "".
func (c *TaskCollection) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.LastError
}

// Find returns the locally known task with id.
func (c *TaskCollection) Find(id int64) (model.Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.state.Items {
		if t.ID == id {
			return t, true
		}
	}
	return model.Task{}, false
}

// Stats counts the locally known tasks.
func (c *TaskCollection) Stats() model.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var s model.Stats
	for _, t := range c.state.Items {
		s.Total++
		if t.Completed {
			s.Completed++
		}
	}
	s.Pending = s.Total - s.Completed
	return s
}

// Subscribe registers fn to be called after every state change.
func (c *TaskCollection) Subscribe(fn func(TaskState)) (unsubscribe func()) {
	return c.subs.add(fn)
}

// mutate applies fn under the lock and notifies subscribers in commit order.
func (c *TaskCollection) mutate(fn func(st *TaskState)) {
	c.mu.Lock()
	fn(&c.state)
	c.subs.publish(c.snapshotLocked())
	c.mu.Unlock()
	c.subs.flush()
}

func (c *TaskCollection) fail(op string, err error, fallback string) {
	msg := errs.Detail(err, fallback)
	c.log.Warn(op+" failed", zap.String("detail", msg), zap.Error(err))
	c.mutate(func(st *TaskState) { st.LastError = msg })
}

// FetchAll replaces the whole list with the server's. On failure the previous list is kept.
func (c *TaskCollection) FetchAll(ctx context.Context) error {
	c.mutate(func(st *TaskState) {
		st.Loading = true
		st.LastError = ""
	})

	items, err := c.tasks.List(ctx)
	if err != nil {
		msg := errs.Detail(err, MsgFetchFailed)
		c.log.Warn("fetch failed", zap.String("detail", msg), zap.Error(err))
		c.mutate(func(st *TaskState) {
			st.Loading = false
			st.LastError = msg
		})
		return err
	}

	fresh := dedupe(items)
	c.mutate(func(st *TaskState) {
		st.Items = fresh
		st.Loading = false
	})
	return nil
}

// Create sends a new task and prepends the server's version to the list.
func (c *TaskCollection) Create(ctx context.Context, title, description string) (model.Task, error) {
	c.clearError()
	t, err := c.tasks.Create(ctx, model.TaskCreate{Title: title, Description: description})
	if err != nil {
		c.fail("create", err, MsgCreateFailed)
		return model.Task{}, err
	}
	created := *t
	c.mutate(func(st *TaskState) {
		items := make([]model.Task, 0, len(st.Items)+1)
		items = append(items, created)
		for _, x := range st.Items {
			if x.ID != created.ID {
				items = append(items, x)
			}
		}
		st.Items = items
	})
	return created, nil
}

// Update sends a partial update and replaces the matching entry with the server's version.
func (c *TaskCollection) Update(ctx context.Context, id int64, patch model.TaskPatch) (model.Task, error) {
	c.clearError()
	t, err := c.tasks.Update(ctx, id, patch)
	if err != nil {
		c.fail("update", err, MsgUpdateFailed)
		return model.Task{}, err
	}
	c.replace(*t)
	return *t, nil
}

// Delete removes the task on the server, then locally.
func (c *TaskCollection) Delete(ctx context.Context, id int64) error {
	c.clearError()
	if err := c.tasks.Delete(ctx, id); err != nil {
		c.fail("delete", err, MsgDeleteFailed)
		return err
	}
	c.mutate(func(st *TaskState) {
		items := make([]model.Task, 0, len(st.Items))
		for _, x := range st.Items {
			if x.ID != id {
				items = append(items, x)
			}
		}
		st.Items = items
	})
	return nil
}

// ToggleCompletion reads the task from the server and writes back the inverted flag.
// The read and the write are separate calls, so a concurrent change between them
// (or a second toggle of the same task) can be lost.
func (c *TaskCollection) ToggleCompletion(ctx context.Context, id int64) (model.Task, error) {
	c.clearError()
	cur, err := c.tasks.Get(ctx, id)
	if err != nil {
		c.fail("toggle", err, MsgToggleFailed)
		return model.Task{}, err
	}
	flipped := !cur.Completed
	t, err := c.tasks.Update(ctx, id, model.TaskPatch{Completed: &flipped})
	if err != nil {
		c.fail("toggle", err, MsgToggleFailed)
		return model.Task{}, err
	}
	c.replace(*t)
	return *t, nil
}

func (c *TaskCollection) clearError() {
	c.mutate(func(st *TaskState) { st.LastError = "" })
}

func (c *TaskCollection) replace(t model.Task) {
	c.mutate(func(st *TaskState) {
		items := make([]model.Task, len(st.Items))
		for i, x := range st.Items {
			if x.ID == t.ID {
				x = t
			}
			items[i] = x
		}
		st.Items = items
	})
}

// dedupe keeps the first occurrence of every id, preserving server order.
func dedupe(items []model.Task) []model.Task {
	seen := make(map[int64]struct{}, len(items))
	out := make([]model.Task, 0, len(items))
	for _, t := range items {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}
