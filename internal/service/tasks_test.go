package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/tasktracker/internal/apitest"
	"github.com/and161185/tasktracker/internal/errs"
	"github.com/and161185/tasktracker/internal/model"
	"github.com/and161185/tasktracker/internal/repository"
	"github.com/and161185/tasktracker/internal/repository/memstore"
	"github.com/and161185/tasktracker/internal/repository/rest"
)

// fakeTasks is an in-memory TaskRepository with injectable failures.
type fakeTasks struct {
	mu     sync.Mutex
	items  map[int64]model.Task
	nextID int64

	listErr, getErr, createErr, updateErr, deleteErr error
	onList                                           func()
	patches                                          []model.TaskPatch
}

var _ repository.TaskRepository = (*fakeTasks)(nil)

func newFakeTasks(seed ...model.Task) *fakeTasks {
	f := &fakeTasks{items: map[int64]model.Task{}}
	for _, t := range seed {
		f.items[t.ID] = t
		if t.ID > f.nextID {
			f.nextID = t.ID
		}
	}
	return f
}

func (f *fakeTasks) List(context.Context) ([]model.Task, error) {
	if f.onList != nil {
		f.onList()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Task, 0, len(f.items))
	for _, t := range f.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeTasks) Get(_ context.Context, id int64) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	t, ok := f.items[id]
	if !ok {
		return nil, notFound()
	}
	return &t, nil
}

func (f *fakeTasks) Create(_ context.Context, in model.TaskCreate) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	t := model.Task{ID: f.nextID, Title: in.Title, Description: in.Description, OwnerID: 1, CreatedAt: model.At(time.Unix(0, 0).UTC())}
	f.items[t.ID] = t
	return &t, nil
}

func (f *fakeTasks) Update(_ context.Context, id int64, p model.TaskPatch) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, p)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	t, ok := f.items[id]
	if !ok {
		return nil, notFound()
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	ts := model.At(time.Unix(60, 0).UTC())
	t.UpdatedAt = &ts
	f.items[id] = t
	return &t, nil
}

func (f *fakeTasks) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.items[id]; !ok {
		return notFound()
	}
	delete(f.items, id)
	return nil
}

func notFound() error {
	return &errs.APIError{StatusCode: 404, Detail: "Task not found", Err: errs.ErrNotFound}
}

func ptr[T any](v T) *T { return &v }

func ids(items []model.Task) []int64 {
	out := make([]int64, len(items))
	for i, t := range items {
		out[i] = t.ID
	}
	return out
}

func TestTasks_CreatePrependsInOrder(t *testing.T) {
	t.Parallel()
	c := NewTaskCollection(newFakeTasks(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := c.Create(ctx, fmt.Sprintf("t%d", i), ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{5, 4, 3, 2, 1}) {
		t.Fatalf("order: %v", got)
	}
	if c.Loading() || c.LastError() != "" {
		t.Fatalf("loading=%v lastError=%q", c.Loading(), c.LastError())
	}
}

func TestTasks_FetchAllIsIdempotent(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks(
		model.Task{ID: 3, Title: "c"},
		model.Task{ID: 1, Title: "a", Completed: true},
		model.Task{ID: 2, Title: "b"},
	)
	c := NewTaskCollection(repo, nil)
	ctx := context.Background()

	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	first := c.Items()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !reflect.DeepEqual(first, c.Items()) {
		t.Fatalf("second fetch changed the list: %+v vs %+v", first, c.Items())
	}
	if got := ids(first); !slices.Equal(got, []int64{1, 2, 3}) {
		t.Fatalf("server order not kept: %v", got)
	}
}

func TestTasks_FetchAllReplacesAndDedupes(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks()
	c := NewTaskCollection(repo, nil)
	ctx := context.Background()
	if _, err := c.Create(ctx, "local only", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	repo.mu.Lock()
	repo.items = map[int64]model.Task{9: {ID: 9, Title: "server"}}
	repo.mu.Unlock()

	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{9}) {
		t.Fatalf("list not replaced: %v", got)
	}

	dup := []model.Task{{ID: 1, Title: "first"}, {ID: 2}, {ID: 1, Title: "second"}}
	want := []model.Task{{ID: 1, Title: "first"}, {ID: 2}}
	if got := dedupe(dup); !reflect.DeepEqual(got, want) {
		t.Fatalf("dedupe: %+v", got)
	}
}

func TestTasks_LoadingOnlyDuringFetch(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks(model.Task{ID: 1})
	c := NewTaskCollection(repo, nil)

	var during bool
	repo.onList = func() { during = c.Loading() }

	var seen []bool
	c.Subscribe(func(st TaskState) { seen = append(seen, st.Loading) })

	if err := c.FetchAll(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !during || c.Loading() {
		t.Fatalf("loading during=%v after=%v", during, c.Loading())
	}
	if !slices.Equal(seen, []bool{true, false}) {
		t.Fatalf("subscriber saw %v", seen)
	}

	seen = nil
	if _, err := c.Create(context.Background(), "x", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if slices.Contains(seen, true) {
		t.Fatalf("mutations must not toggle loading: %v", seen)
	}
}

func TestTasks_FetchFailureKeepsList(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks(model.Task{ID: 1}, model.Task{ID: 2})
	c := NewTaskCollection(repo, nil)
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	repo.listErr = &errs.APIError{StatusCode: 500, Err: errors.New("Internal Server Error")}
	if err := c.FetchAll(ctx); err == nil {
		t.Fatalf("want error")
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{1, 2}) {
		t.Fatalf("list lost on failure: %v", got)
	}
	if c.Loading() || c.LastError() != MsgFetchFailed {
		t.Fatalf("loading=%v lastError=%q", c.Loading(), c.LastError())
	}

	repo.listErr = nil
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if c.LastError() != "" {
		t.Fatalf("error not cleared: %q", c.LastError())
	}
}

func TestTasks_FailedUpdateLeavesItem(t *testing.T) {
	t.Parallel()
	ts := model.At(time.Unix(5, 0).UTC())
	repo := newFakeTasks(model.Task{ID: 1, Title: "keep", Description: "d", UpdatedAt: &ts})
	c := NewTaskCollection(repo, nil)
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	before := c.Items()

	repo.updateErr = &errs.APIError{StatusCode: 422, Detail: "title: field required", Err: errs.ErrValidation}
	if _, err := c.Update(ctx, 1, model.TaskPatch{Title: ptr("changed")}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	if !reflect.DeepEqual(before, c.Items()) {
		t.Fatalf("item changed after failed update: %+v", c.Items())
	}
	if c.LastError() != "title: field required" {
		t.Fatalf("lastError=%q", c.LastError())
	}

	repo.updateErr = errors.New("connection reset")
	if _, err := c.Update(ctx, 1, model.TaskPatch{Title: ptr("changed")}); err == nil {
		t.Fatalf("want error")
	}
	if c.LastError() != MsgUpdateFailed {
		t.Fatalf("lastError=%q", c.LastError())
	}
	if !reflect.DeepEqual(before, c.Items()) {
		t.Fatalf("item changed after failed update: %+v", c.Items())
	}
}

func TestTasks_UpdateReplacesServerVersion(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks(model.Task{ID: 1, Title: "a"}, model.Task{ID: 2, Title: "b"})
	c := NewTaskCollection(repo, nil)
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	got, err := c.Update(ctx, 2, model.TaskPatch{Title: ptr("B"), Completed: ptr(true)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "B" || got.UpdatedAt == nil {
		t.Fatalf("server version not returned: %+v", got)
	}

	local, ok := c.Find(2)
	if !ok || local != got {
		t.Fatalf("local copy %+v, want %+v", local, got)
	}
	if order := ids(c.Items()); !slices.Equal(order, []int64{1, 2}) {
		t.Fatalf("position changed: %v", order)
	}

	// unknown locally: server answer is not inserted
	repo.mu.Lock()
	repo.items[7] = model.Task{ID: 7}
	repo.mu.Unlock()
	if _, err := c.Update(ctx, 7, model.TaskPatch{Title: ptr("x")}); err != nil {
		t.Fatalf("update unknown: %v", err)
	}
	if _, ok := c.Find(7); ok {
		t.Fatalf("unknown task was inserted")
	}
}

func TestTasks_DeleteRemovesOnlyTarget(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks(model.Task{ID: 7}, model.Task{ID: 42})
	c := NewTaskCollection(repo, nil)
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := c.Delete(ctx, 42); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{7}) {
		t.Fatalf("after delete: %v", got)
	}

	if err := c.Delete(ctx, 42); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if c.LastError() != "Task not found" {
		t.Fatalf("lastError=%q", c.LastError())
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{7}) {
		t.Fatalf("after failed delete: %v", got)
	}

	repo.deleteErr = errors.New("boom")
	if err := c.Delete(ctx, 7); err == nil {
		t.Fatalf("want error")
	}
	if c.LastError() != MsgDeleteFailed {
		t.Fatalf("lastError=%q", c.LastError())
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{7}) {
		t.Fatalf("after failed delete: %v", got)
	}
}

func TestTasks_CreateFailure(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks()
	repo.createErr = errors.New("offline")
	c := NewTaskCollection(repo, nil)

	if _, err := c.Create(context.Background(), "x", ""); err == nil {
		t.Fatalf("want error")
	}
	if len(c.Items()) != 0 || c.LastError() != MsgCreateFailed {
		t.Fatalf("items=%v lastError=%q", c.Items(), c.LastError())
	}

	repo.createErr = nil
	if _, err := c.Create(context.Background(), "x", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.LastError() != "" {
		t.Fatalf("successful call must clear the error, got %q", c.LastError())
	}
}

func TestTasks_ToggleUsesServerValue(t *testing.T) {
	t.Parallel()
	repo := newFakeTasks(model.Task{ID: 5, Completed: true})
	c := NewTaskCollection(repo, nil)
	ctx := context.Background()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// changed elsewhere; the local copy is stale
	repo.mu.Lock()
	repo.items[5] = model.Task{ID: 5, Completed: false}
	repo.mu.Unlock()

	got, err := c.ToggleCompletion(ctx, 5)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !got.Completed {
		t.Fatalf("want completed after toggle")
	}
	if len(repo.patches) != 1 || !reflect.DeepEqual(repo.patches[0], model.TaskPatch{Completed: ptr(true)}) {
		t.Fatalf("patches: %+v", repo.patches)
	}

	repo.getErr = &errs.APIError{StatusCode: 404, Err: errs.ErrNotFound}
	if _, err := c.ToggleCompletion(ctx, 5); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if c.LastError() != MsgToggleFailed {
		t.Fatalf("lastError=%q", c.LastError())
	}
	if len(repo.patches) != 1 {
		t.Fatalf("no write after a failed read, patches=%d", len(repo.patches))
	}
}

func TestTasks_Stats(t *testing.T) {
	t.Parallel()
	c := NewTaskCollection(newFakeTasks(
		model.Task{ID: 1, Completed: true},
		model.Task{ID: 2},
		model.Task{ID: 3, Completed: true},
	), nil)
	if s := c.Stats(); s != (model.Stats{}) {
		t.Fatalf("empty stats: %+v", s)
	}
	if err := c.FetchAll(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if s := c.Stats(); s != (model.Stats{Total: 3, Completed: 2, Pending: 1}) {
		t.Fatalf("stats: %+v", s)
	}
}

func TestTasks_StateIsACopy(t *testing.T) {
	t.Parallel()
	c := NewTaskCollection(newFakeTasks(model.Task{ID: 1, Title: "a"}), nil)
	if err := c.FetchAll(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	items := c.Items()
	items[0].Title = "mutated"
	if got, _ := c.Find(1); got.Title != "a" {
		t.Fatalf("internal state leaked: %q", got.Title)
	}
}

func TestTasks_SubscriberEndsOnLatestState(t *testing.T) {
	t.Parallel()
	c := NewTaskCollection(newFakeTasks(), nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		once sync.Once
		mu   sync.Mutex
		seen [][]int64
	)
	c.Subscribe(func(st TaskState) {
		if len(st.Items) == 1 {
			// первое уведомление с задачей держим
			once.Do(func() {
				close(entered)
				<-release
			})
		}
		mu.Lock()
		seen = append(seen, ids(st.Items))
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Create(ctx, "first", "")
		done <- err
	}()
	<-entered

	if _, err := c.Create(ctx, "second", ""); err != nil {
		t.Fatalf("second create: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first create: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	last := seen[len(seen)-1]
	if want := ids(c.Items()); !slices.Equal(last, want) {
		t.Fatalf("subscriber ended on %v, manager holds %v (all: %v)", last, want, seen)
	}
	for i := 1; i < len(seen); i++ {
		if len(seen[i]) < len(seen[i-1]) {
			t.Fatalf("snapshots delivered out of order: %v", seen)
		}
	}
}

// ---- against the HTTP fake ----

func loggedIn(t *testing.T, api *apitest.Server) (*SessionManager, *TaskCollection) {
	t.Helper()
	log := zaptest.NewLogger(t)
	api.AddUser("alice", "pw123", "alice@example.com", "Alice")

	var sess *SessionManager
	client, err := rest.NewClient(api.URL(), rest.WithLogger(log), rest.WithTokenSource(tokenFunc(func() string { return sess.Token() })))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	sess = NewSessionManager(rest.NewUserRepo(client), memstore.New(), log)
	sess.Restore(context.Background())
	if err := sess.Login(context.Background(), "alice", "pw123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	return sess, NewTaskCollection(rest.NewTaskRepo(client), log)
}

type tokenFunc func() string

func (f tokenFunc) Token() string { return f() }

func sameJSON(t *testing.T, want string, got []byte) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("want: %v", err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("body %s: %v", got, err)
	}
	if !reflect.DeepEqual(w, g) {
		t.Fatalf("body %s, want %s", got, want)
	}
}

func TestTasks_Scenarios(t *testing.T) {
	t.Parallel()
	api := apitest.New(t)
	_, c := loggedIn(t, api)
	ctx := context.Background()

	api.SetNextTaskID(42)
	created, err := c.Create(ctx, "Buy milk", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 42 || c.Items()[0].ID != 42 || created.Completed {
		t.Fatalf("created %+v, head %+v", created, c.Items()[0])
	}

	post := api.Calls("POST", "/tasks/")
	if len(post) != 1 {
		t.Fatalf("posts: %d", len(post))
	}
	sameJSON(t, `{"title":"Buy milk"}`, post[0].Body)

	api.SetNextTaskID(5)
	api.SeedTask("alice", "Call mom", "", false)
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{5, 42}) {
		t.Fatalf("after fetch: %v", got)
	}

	got, err := c.ToggleCompletion(ctx, 5)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !got.Completed {
		t.Fatalf("want completed")
	}
	put := api.Calls("PUT", "/tasks/5")
	if len(put) != 1 {
		t.Fatalf("puts: %d", len(put))
	}
	sameJSON(t, `{"completed":true}`, put[0].Body)

	if err := c.Delete(ctx, 42); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{5}) {
		t.Fatalf("after delete: %v", got)
	}
	if n := len(api.Tasks("alice")); n != 1 {
		t.Fatalf("server holds %d tasks", n)
	}
}

func TestTasks_ServerDetailBecomesLastError(t *testing.T) {
	t.Parallel()
	api := apitest.New(t)
	_, c := loggedIn(t, api)
	ctx := context.Background()

	api.FailOnce("GET", "/tasks/", 500, "")
	if err := c.FetchAll(ctx); err == nil {
		t.Fatalf("want error")
	}
	if c.LastError() != MsgFetchFailed {
		t.Fatalf("lastError=%q", c.LastError())
	}

	if _, err := c.Create(ctx, "", ""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want validation, got %v", err)
	}
	if c.LastError() != "title: field required" {
		t.Fatalf("lastError=%q", c.LastError())
	}

	api.FailOnce("DELETE", "/tasks/9", 403, "Not enough permissions")
	if err := c.Delete(ctx, 9); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want unauthorized, got %v", err)
	}
	if c.LastError() != "Not enough permissions" {
		t.Fatalf("lastError=%q", c.LastError())
	}
}

func TestTasks_ConcurrentTogglesLoseAnUpdate(t *testing.T) {
	t.Parallel()
	api := apitest.New(t)
	_, c := loggedIn(t, api)
	ctx := context.Background()

	api.SetNextTaskID(5)
	api.SeedTask("alice", "race", "", false)
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// both reads observe completed=false before either write lands
	var arrived sync.WaitGroup
	arrived.Add(2)
	api.OnRequest(func(method, path string) {
		if method == "GET" && path == "/tasks/5" {
			arrived.Done()
			arrived.Wait()
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.ToggleCompletion(ctx, 5)
		}()
	}
	wg.Wait()

	puts := api.Calls("PUT", "/tasks/5")
	if len(puts) != 2 {
		t.Fatalf("puts: %d", len(puts))
	}
	for _, p := range puts {
		sameJSON(t, `{"completed":true}`, p.Body)
	}
	final := api.Tasks("alice")
	if len(final) != 1 || !final[0].Completed {
		t.Fatalf("two toggles should net to false but one was lost: %+v", final)
	}
	if got, _ := c.Find(5); !got.Completed {
		t.Fatalf("local copy: %+v", got)
	}
}

func TestTasks_ServerChangesBehindTheClient(t *testing.T) {
	t.Parallel()
	api := apitest.New(t)
	_, c := loggedIn(t, api)
	ctx := context.Background()

	a := api.SeedTask("alice", "a", "", false)
	b := api.SeedTask("alice", "b", "", false)
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// toggle reads the server value, not the stale local copy
	api.SetTaskCompleted(a.ID, true)
	got, err := c.ToggleCompletion(ctx, a.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got.Completed {
		t.Fatalf("want not completed")
	}

	api.RemoveTask(b.ID)
	if err := c.Delete(ctx, b.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
	if c.LastError() != "Task not found" {
		t.Fatalf("lastError=%q", c.LastError())
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{a.ID, b.ID}) {
		t.Fatalf("local list changes only on success: %v", got)
	}

	api.Fail("GET", "/tasks/", 503, "maintenance")
	if err := c.FetchAll(ctx); err == nil {
		t.Fatalf("want error")
	}
	if c.LastError() != "maintenance" {
		t.Fatalf("lastError=%q", c.LastError())
	}
	api.ClearFailures()
	if err := c.FetchAll(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := ids(c.Items()); !slices.Equal(got, []int64{a.ID}) {
		t.Fatalf("after fetch: %v", got)
	}
}
