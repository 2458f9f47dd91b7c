// Package apitest provides an in-process fake of the task REST API for tests.
package apitest

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/tasktracker/internal/crypto"
	"github.com/and161185/tasktracker/internal/model"
)

// BasePath is the API prefix served by the fake.
const BasePath = "/api/v1"

// Request is a recorded call.
type Request struct {
	Method        string
	Path          string // without BasePath
	Query         url.Values
	Body          []byte
	Authorization string
	RequestID     string
}

type failure struct {
	status int
	body   any
	once   bool
}

type account struct {
	user model.User
	salt []byte
	hash []byte
}

// Server is a fake of the REST contract backed by in-memory maps.
type Server struct {
	srv     *httptest.Server
	signKey []byte

	mu         sync.Mutex
	users      map[string]*account
	tasks      map[int64]*model.Task
	nextUserID int64
	nextTaskID int64
	requests   []Request
	failures   map[string]*failure
	hook       func(method, path string)
	now        func() time.Time
}

// New starts a fake API; it is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		signKey:  []byte("apitest-signing-key"),
		users:    map[string]*account{},
		tasks:    map[int64]*model.Task{},
		failures: map[string]*failure{},
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the API base URL including BasePath.
func (s *Server) URL() string { return s.srv.URL + BasePath }

// Close stops the server; later calls fail at the transport level.
func (s *Server) Close() { s.srv.Close() }

func (s *Server) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.record, s.inject)

	api := r.Group(BasePath)
	api.POST("/users/register", s.register)
	api.POST("/users/login", s.login)

	authed := api.Group("", s.auth)
	authed.GET("/users/me", s.me)
	authed.GET("/tasks/", s.listTasks)
	authed.POST("/tasks/", s.createTask)
	authed.GET("/tasks/:id", s.getTask)
	authed.PUT("/tasks/:id", s.updateTask)
	authed.DELETE("/tasks/:id", s.deleteTask)
	return r
}

// ---- fixtures ----

// AddUser creates an account directly.
func (s *Server) AddUser(username, password, email, fullName string) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(username, password, email, fullName).user
}

func (s *Server) addUserLocked(username, password, email, fullName string) *account {
	s.nextUserID++
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		panic(err)
	}
	a := &account{
		user: model.User{
			ID:        s.nextUserID,
			Username:  username,
			Email:     email,
			FullName:  fullName,
			IsActive:  true,
			CreatedAt: model.At(s.now()),
		},
		salt: salt,
		hash: pkgcrypto.LightParams.Hash([]byte(password), salt),
	}
	s.users[username] = a
	return a
}

// SeedTask inserts a task owned by username (which must exist).
func (s *Server) SeedTask(username, title, description string, completed bool) model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[username]
	if !ok {
		panic("apitest: unknown user " + username)
	}
	return *s.insertTaskLocked(a.user.ID, title, description, completed)
}

func (s *Server) insertTaskLocked(owner int64, title, description string, completed bool) *model.Task {
	s.nextTaskID++
	t := &model.Task{
		ID:          s.nextTaskID,
		Title:       title,
		Description: description,
		Completed:   completed,
		OwnerID:     owner,
		CreatedAt:   model.At(s.now()),
	}
	s.tasks[t.ID] = t
	return t
}

// SetNextTaskID makes the next created task get id.
func (s *Server) SetNextTaskID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTaskID = id - 1
}

// SetTaskCompleted changes a task behind the client's back.
func (s *Server) SetTaskCompleted(id int64, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.Completed = completed
	}
}

// RemoveTask deletes a task behind the client's back.
func (s *Server) RemoveTask(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Tasks returns the server-side tasks of username in id order.
func (s *Server) Tasks(username string) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.users[username]
	if !ok {
		return nil
	}
	return s.ownedLocked(a.user.ID)
}

func (s *Server) ownedLocked(owner int64) []model.Task {
	out := []model.Task{}
	for _, t := range s.tasks {
		if t.OwnerID == owner {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IssueToken signs a bearer token for username without a login call.
func (s *Server) IssueToken(username string) string {
	tok, err := s.sign(username)
	if err != nil {
		panic(err)
	}
	return tok
}

// Fail makes every METHOD path (path without BasePath, e.g. "/tasks/5") answer status with detail.
// An empty detail sends a body without the detail field.
func (s *Server) Fail(method, path string, status int, detail string) {
	s.setFailure(method, path, status, detail, false)
}

// FailOnce is Fail for the next matching call only.
func (s *Server) FailOnce(method, path string, status int, detail string) {
	s.setFailure(method, path, status, detail, true)
}

// FailRaw makes METHOD path answer status with an arbitrary JSON body.
func (s *Server) FailRaw(method, path string, status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{status: status, body: body}
}

func (s *Server) setFailure(method, path string, status int, detail string, once bool) {
	var body any = gin.H{}
	if detail != "" {
		body = gin.H{"detail": detail}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{status: status, body: body, once: once}
}

// ClearFailures removes all injected failures.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = map[string]*failure{}
}

// OnRequest installs a hook called (outside the server lock) before each request is handled.
func (s *Server) OnRequest(fn func(method, path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Requests returns all recorded calls in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns recorded calls matching method and path.
func (s *Server) Calls(method, path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// ---- middleware ----

func (s *Server) record(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		body, _ = io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}
	r := Request{
		Method:        c.Request.Method,
		Path:          strings.TrimPrefix(c.Request.URL.Path, BasePath),
		Query:         c.Request.URL.Query(),
		Body:          body,
		Authorization: c.GetHeader("Authorization"),
		RequestID:     c.GetHeader("X-Request-ID"),
	}
	s.mu.Lock()
	s.requests = append(s.requests, r)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(r.Method, r.Path)
	}
	c.Next()
}

func (s *Server) inject(c *gin.Context) {
	key := c.Request.Method + " " + strings.TrimPrefix(c.Request.URL.Path, BasePath)
	s.mu.Lock()
	f, ok := s.failures[key]
	if ok && f.once {
		delete(s.failures, key)
	}
	s.mu.Unlock()

	if ok {
		c.AbortWithStatusJSON(f.status, f.body)
		return
	}
	c.Next()
}

func (s *Server) auth(c *gin.Context) {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
		return
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(h, "Bearer "), &claims,
		func(*jwt.Token) (any, error) { return s.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
		return
	}
	s.mu.Lock()
	a, ok := s.users[claims.Subject]
	s.mu.Unlock()
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
		return
	}
	c.Set("user", a.user)
	c.Next()
}

func (s *Server) sign(username string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
}

func currentUser(c *gin.Context) model.User {
	return c.MustGet("user").(model.User)
}

// ---- handlers ----

func missing(field string) gin.H {
	return gin.H{"detail": []gin.H{{
		"loc":  []string{"body", field},
		"msg":  "field required",
		"type": "value_error.missing",
	}}}
}

func (s *Server) register(c *gin.Context) {
	var in model.NewUser
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	switch {
	case in.Username == "":
		c.JSON(http.StatusUnprocessableEntity, missing("username"))
		return
	case in.Email == "":
		c.JSON(http.StatusUnprocessableEntity, missing("email"))
		return
	case in.Password == "":
		c.JSON(http.StatusUnprocessableEntity, missing("password"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[in.Username]; exists {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Username already registered"})
		return
	}
	a := s.addUserLocked(in.Username, in.Password, in.Email, in.FullName)
	c.JSON(http.StatusOK, a.user)
}

func (s *Server) login(c *gin.Context) {
	username, password := c.Query("username"), c.Query("password")
	if username == "" || password == "" {
		var in model.Credentials
		if err := c.ShouldBindJSON(&in); err == nil {
			username, password = in.Username, in.Password
		}
	}
	if username == "" || password == "" {
		c.JSON(http.StatusUnprocessableEntity, missing("username"))
		return
	}

	s.mu.Lock()
	a, ok := s.users[username]
	s.mu.Unlock()
	if !ok || !pkgcrypto.LightParams.Verify([]byte(password), a.salt, a.hash) {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Incorrect username or password"})
		return
	}
	tok, err := s.sign(username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "token"})
		return
	}
	c.JSON(http.StatusOK, model.Token{AccessToken: tok, TokenType: "bearer"})
}

func (s *Server) me(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

func (s *Server) listTasks(c *gin.Context) {
	u := currentUser(c)
	s.mu.Lock()
	out := s.ownedLocked(u.ID)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) createTask(c *gin.Context) {
	var in model.TaskCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	if in.Title == "" {
		c.JSON(http.StatusUnprocessableEntity, missing("title"))
		return
	}
	u := currentUser(c)
	completed := in.Completed != nil && *in.Completed

	s.mu.Lock()
	t := *s.insertTaskLocked(u.ID, in.Title, in.Description, completed)
	s.mu.Unlock()
	c.JSON(http.StatusOK, t)
}

// ownedTask returns the task from the :id param if owned by the caller.
func (s *Server) ownedTask(c *gin.Context) (*model.Task, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "value is not a valid integer"})
		return nil, err
	}
	u := currentUser(c)
	t, ok := s.tasks[id]
	if !ok || t.OwnerID != u.ID {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Task not found"})
		return nil, errors.New("not found")
	}
	return t, nil
}

func (s *Server) getTask(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ownedTask(c)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, *t)
}

func (s *Server) updateTask(c *gin.Context) {
	var patch model.TaskPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ownedTask(c)
	if err != nil {
		return
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	now := model.At(s.now())
	t.UpdatedAt = &now
	c.JSON(http.StatusOK, *t)
}

func (s *Server) deleteTask(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ownedTask(c)
	if err != nil {
		return
	}
	delete(s.tasks, t.ID)
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted successfully"})
}
