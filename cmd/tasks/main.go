// Command tasks is a CLI client for the task tracker API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/and161185/tasktracker/internal/config"
	"github.com/and161185/tasktracker/internal/errs"
	"github.com/and161185/tasktracker/internal/logging"
	"github.com/and161185/tasktracker/internal/migrate"
	"github.com/and161185/tasktracker/internal/model"
	"github.com/and161185/tasktracker/internal/repository"
	"github.com/and161185/tasktracker/internal/repository/filestore"
	"github.com/and161185/tasktracker/internal/repository/memstore"
	"github.com/and161185/tasktracker/internal/repository/postgres"
	"github.com/and161185/tasktracker/internal/repository/rest"
	"github.com/and161185/tasktracker/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app holds everything a command needs; built once per invocation.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	reg     *prometheus.Registry
	session *service.SessionManager
	tasks   *service.TaskCollection
	out     io.Writer
	closers []func()
}

// Token makes the app the transport's token source.
func (a *app) Token() string {
	if a.session == nil {
		return ""
	}
	return a.session.Token()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}

// cliError carries the message shown to the user.
type cliError struct {
	msg string
	err error
}

func (e *cliError) Error() string { return e.msg }
func (e *cliError) Unwrap() error { return e.err }

// failed prefers the server detail, then the manager's fallback message.
func failed(err error, fallback string) error {
	if fallback == "" {
		fallback = err.Error()
	}
	return &cliError{msg: errs.Detail(err, fallback), err: err}
}

func openStore(ctx context.Context, a *app) (repository.SessionStore, error) {
	switch a.cfg.Store {
	case config.StoreMemory:
		return memstore.New(), nil
	case config.StorePostgres:
		if err := migrate.Up(ctx, a.cfg.DSN, a.log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, a.cfg.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return postgres.NewSessionStore(db, a.cfg.Profile), nil
	}

	fs, err := filestore.New(a.cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if !a.cfg.Seal {
		return fs, nil
	}
	key, err := filestore.LoadOrCreateKey(a.cfg.StateDir)
	if err != nil {
		return nil, err
	}
	return filestore.NewSealed(fs, key)
}

func setup(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, reg: prometheus.NewRegistry(), out: out}

	store, err := openStore(ctx, a)
	if err != nil {
		a.close()
		return nil, err
	}
	client, err := rest.NewClient(cfg.APIURL,
		rest.WithLogger(log),
		rest.WithMetrics(rest.NewMetrics(a.reg)),
		rest.WithTimeout(cfg.HTTPTimeout),
		rest.WithTokenSource(a),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	a.session = service.NewSessionManager(rest.NewUserRepo(client), store, log)
	a.tasks = service.NewTaskCollection(rest.NewTaskRepo(client), log)
	a.session.Restore(ctx)
	log.Debug("session", zap.Stringer("status", a.session.State().Status))
	return a, nil
}

func (a *app) requireLogin() error {
	if !a.session.IsAuthenticated() {
		return errors.New("not logged in (run: tasks login)")
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func tsString(t *model.Timestamp) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func dumpMetrics(w io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var a *app
	root := newRootCmd(stdout, &a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a != nil {
		if dump, _ := root.PersistentFlags().GetBool("metrics"); dump {
			if merr := dumpMetrics(stderr, a.reg); merr != nil {
				fmt.Fprintln(stderr, "metrics:", merr)
			}
		}
		a.close()
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
