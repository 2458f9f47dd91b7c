// Package service contains the client-side state managers for the session and the task list.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/tasktracker/internal/errs"
	"github.com/and161185/tasktracker/internal/model"
	"github.com/and161185/tasktracker/internal/repository"
)

// Persisted snapshot keys.
const (
	KeyToken = "token"
	KeyUser  = "user"
)

// SessionStatus is the lifecycle position of a SessionManager.
type SessionStatus int

const (
	StatusUnknown SessionStatus = iota
	StatusRestoring
	StatusAuthenticated
	StatusAnonymous
)

func (s SessionStatus) String() string {
	switch s {
	case StatusRestoring:
		return "restoring"
	case StatusAuthenticated:
		return "authenticated"
	case StatusAnonymous:
		return "anonymous"
	}
	return "unknown"
}

// SessionState is an immutable view of the session.
type SessionState struct {
	Status SessionStatus
	User   *model.User // nil unless Authenticated
	Token  string      // "" unless Authenticated
}

// SessionManager is the single holder of "who is logged in".
// It persists the token and a user snapshot and restores them on startup.
type SessionManager struct {
	users repository.UserRepository
	store repository.SessionStore
	log   *zap.Logger

	mu    sync.RWMutex
	state SessionState

	subs observers[SessionState]
}

// NewSessionManager constructs a manager in StatusUnknown.
func NewSessionManager(users repository.UserRepository, store repository.SessionStore, log *zap.Logger) *SessionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionManager{users: users, store: store, log: log.Named("session")}
}

// State returns the current session state.
func (m *SessionManager) State() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}

// User returns the authenticated user or nil.
func (m *SessionManager) User() *model.User { return m.State().User }

// Token returns the bearer token or ""; the manager is the transport's token source.
func (m *SessionManager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Token
}

// IsAuthenticated reports whether a user is logged in.
func (m *SessionManager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Status == StatusAuthenticated
}

// Subscribe registers fn to be called after every state transition.
func (m *SessionManager) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	return m.subs.add(fn)
}

func (m *SessionManager) set(st SessionState) {
	m.mu.Lock()
	m.state = st
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	m.subs.publish(st)
	m.mu.Unlock()
	m.subs.flush()
}

// Restore loads the persisted snapshot. It never calls the API and never fails:
// a missing snapshot yields Anonymous, an unreadable one is cleared.
func (m *SessionManager) Restore(ctx context.Context) {
	m.set(SessionState{Status: StatusRestoring})

	token, terr := m.store.Get(ctx, KeyToken)
	raw, uerr := m.store.Get(ctx, KeyUser)

	switch {
	case errors.Is(terr, errs.ErrNotFound) && errors.Is(uerr, errs.ErrNotFound):
		m.set(SessionState{Status: StatusAnonymous})
		return
	case terr != nil && !errors.Is(terr, errs.ErrNotFound):
		m.heal(ctx, fmt.Errorf("read token: %w", terr))
		return
	case uerr != nil && !errors.Is(uerr, errs.ErrNotFound):
		m.heal(ctx, fmt.Errorf("read user: %w", uerr))
		return
	case terr != nil || uerr != nil || token == "":
		// half a snapshot is no snapshot
		m.set(SessionState{Status: StatusAnonymous})
		return
	}

	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		m.heal(ctx, fmt.Errorf("%w: decode user: %v", errs.ErrCorrupt, err))
		return
	}
	if u.ID == 0 && u.Username == "" {
		m.heal(ctx, fmt.Errorf("%w: empty user", errs.ErrCorrupt))
		return
	}
	m.log.Debug("restored", zap.String("username", u.Username))
	m.set(SessionState{Status: StatusAuthenticated, User: &u, Token: token})
}

func (m *SessionManager) heal(ctx context.Context, cause error) {
	m.log.Warn("discarding persisted session", zap.Error(cause))
	m.clear(ctx)
	m.set(SessionState{Status: StatusAnonymous})
}

func (m *SessionManager) clear(ctx context.Context) {
	for _, k := range []string{KeyToken, KeyUser} {
		if err := m.store.Delete(ctx, k); err != nil {
			m.log.Warn("clear snapshot key", zap.String("key", k), zap.Error(err))
		}
	}
}

// Login authenticates and loads the profile as one step: nothing is persisted
// and the state is unchanged unless both calls succeed. Errors are returned unmodified.
func (m *SessionManager) Login(ctx context.Context, username, password string) error {
	tok, err := m.users.Login(ctx, model.Credentials{Username: username, Password: password})
	if err != nil {
		m.log.Info("login failed", zap.String("username", username), zap.Error(err))
		return err
	}
	u, err := m.users.Me(repository.WithBearer(ctx, tok.AccessToken))
	if err != nil {
		m.log.Info("load profile failed", zap.String("username", username), zap.Error(err))
		return err
	}
	if err := m.persist(ctx, tok.AccessToken, u); err != nil {
		return err
	}
	m.set(SessionState{Status: StatusAuthenticated, User: u, Token: tok.AccessToken})
	return nil
}

func (m *SessionManager) persist(ctx context.Context, token string, u *model.User) error {
	snap, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user snapshot: %w", err)
	}
	prev := m.snapshot(ctx)
	if err := m.store.Set(ctx, KeyToken, token); err != nil {
		m.rollback(ctx, prev)
		return fmt.Errorf("persist token: %w", err)
	}
	if err := m.store.Set(ctx, KeyUser, string(snap)); err != nil {
		m.rollback(ctx, prev)
		return fmt.Errorf("persist user: %w", err)
	}
	return nil
}

// snapshot reads the currently persisted keys; unreadable keys are left out.
func (m *SessionManager) snapshot(ctx context.Context) map[string]string {
	prev := make(map[string]string, 2)
	for _, k := range []string{KeyToken, KeyUser} {
		if v, err := m.store.Get(ctx, k); err == nil {
			prev[k] = v
		}
	}
	return prev
}

// rollback puts back what snapshot returned and deletes everything else.
func (m *SessionManager) rollback(ctx context.Context, prev map[string]string) {
	for _, k := range []string{KeyToken, KeyUser} {
		var err error
		if v, ok := prev[k]; ok {
			err = m.store.Set(ctx, k, v)
		} else {
			err = m.store.Delete(ctx, k)
		}
		if err != nil {
			m.log.Warn("rollback snapshot key", zap.String("key", k), zap.Error(err))
		}
	}
}

// Register creates the account and then logs in with the same credentials.
func (m *SessionManager) Register(ctx context.Context, nu model.NewUser) error {
	if _, err := m.users.Register(ctx, nu); err != nil {
		m.log.Info("register failed", zap.String("username", nu.Username), zap.Error(err))
		return err
	}
	return m.Login(ctx, nu.Username, nu.Password)
}

// Logout is purely local: it clears the snapshot and always ends Anonymous.
func (m *SessionManager) Logout(ctx context.Context) {
	m.clear(ctx)
	m.set(SessionState{Status: StatusAnonymous})
}
