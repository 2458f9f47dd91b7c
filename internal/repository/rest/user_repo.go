package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/and161185/tasktracker/internal/errs"
	"github.com/and161185/tasktracker/internal/model"
)

// UserRepo implements UserRepository over /users endpoints.
type UserRepo struct{ c *Client }

// NewUserRepo constructs a user repository.
func NewUserRepo(c *Client) *UserRepo { return &UserRepo{c: c} }

// Register creates an account via POST /users/register.
func (r *UserRepo) Register(ctx context.Context, u model.NewUser) (*model.User, error) {
	var out model.User
	if err := r.c.Post(ctx, "/users/register", u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges credentials for a token via POST /users/login.
// The API reads credentials from query parameters; they are sent in the body as well.
func (r *UserRepo) Login(ctx context.Context, cr model.Credentials) (*model.Token, error) {
	q := url.Values{}
	q.Set("username", cr.Username)
	q.Set("password", cr.Password)

	var out model.Token
	if err := r.c.Do(ctx, http.MethodPost, "/users/login", q, cr, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, &errs.APIError{StatusCode: http.StatusOK, Err: fmt.Errorf("%w: empty access_token", errs.ErrTransport)}
	}
	return &out, nil
}

// Me loads the current profile via GET /users/me.
func (r *UserRepo) Me(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := r.c.Get(ctx, "/users/me", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
