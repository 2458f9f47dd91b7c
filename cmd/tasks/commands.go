package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/and161185/tasktracker/internal/config"
	"github.com/and161185/tasktracker/internal/model"
	"github.com/and161185/tasktracker/internal/service"
)

const offline = "offline"

// newRootCmd builds the command tree; *ap is set once config and managers are ready.
func newRootCmd(out io.Writer, ap **app) *cobra.Command {
	root := &cobra.Command{
		Use:           "tasks",
		Short:         "Task tracker client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[offline] == "true" || cmd.Name() == "help" {
				return nil
			}
			cfg, err := config.Load(cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), cfg, out)
			if err != nil {
				return err
			}
			*ap = a
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("api", "", "API base URL (TASKS_API_URL)")
	pf.String("store", "", "session store: file, memory, postgres (TASKS_STORE)")
	pf.String("state-dir", "", "directory for session and config files (TASKS_STATE_DIR)")
	pf.String("dsn", "", "postgres DSN for --store=postgres (TASKS_DSN)")
	pf.String("profile", "", "session profile in postgres (TASKS_PROFILE)")
	pf.String("log-level", "", "debug, info, warn, error (TASKS_LOG_LEVEL)")
	pf.Bool("seal", true, "encrypt the session file (TASKS_SEAL)")
	pf.Duration("http-timeout", 0, "per-request timeout, e.g. 10s (TASKS_HTTP_TIMEOUT)")
	pf.Bool("metrics", false, "print client metrics to stderr after the command")

	get := func() *app { return *ap }
	root.AddCommand(
		versionCmd(out),
		registerCmd(get),
		loginCmd(get),
		logoutCmd(get),
		whoamiCmd(get),
		listCmd(get),
		addCmd(get),
		editCmd(get),
		rmCmd(get),
		toggleCmd(get),
		statsCmd(get),
	)
	return root
}

func versionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{offline: "true"},
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(out, "tasks %s (%s)\n", version, buildDate)
		},
	}
}

func registerCmd(get func() *app) *cobra.Command {
	var nu model.NewUser
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if nu.Username == "" || nu.Email == "" || nu.Password == "" {
				return errors.New("need -u, -e and -p")
			}
			a := get()
			if err := a.session.Register(cmd.Context(), nu); err != nil {
				return failed(err, "")
			}
			printJSON(a.out, a.session.User())
			return nil
		},
	}
	cmd.Flags().StringVarP(&nu.Username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&nu.Email, "email", "e", "", "email")
	cmd.Flags().StringVarP(&nu.Password, "password", "p", "", "password")
	cmd.Flags().StringVarP(&nu.FullName, "name", "n", "", "full name")
	return cmd
}

func loginCmd(get func() *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return errors.New("need -u and -p")
			}
			a := get()
			if err := a.session.Login(cmd.Context(), username, password); err != nil {
				return failed(err, "")
			}
			fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}

func logoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			a.session.Logout(cmd.Context())
			fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
}

func whoamiCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		RunE: func(*cobra.Command, []string) error {
			a := get()
			if err := a.requireLogin(); err != nil {
				return err
			}
			printJSON(a.out, a.session.User())
			return nil
		},
	}
}

func listCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.requireLogin(); err != nil {
				return err
			}
			if err := a.tasks.FetchAll(cmd.Context()); err != nil {
				return failed(err, service.MsgFetchFailed)
			}
			// печатаем коротко
			type row struct {
				ID        int64  `json:"id"`
				Title     string `json:"title"`
				Completed bool   `json:"completed"`
				UpdatedAt string `json:"updated_at,omitempty"`
			}
			rows := []row{}
			for _, t := range a.tasks.Items() {
				rows = append(rows, row{ID: t.ID, Title: t.Title, Completed: t.Completed, UpdatedAt: tsString(t.UpdatedAt)})
			}
			printJSON(a.out, rows)
			return nil
		},
	}
}

func addCmd(get func() *app) *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if title == "" {
				return errors.New("need -t")
			}
			a := get()
			if err := a.requireLogin(); err != nil {
				return err
			}
			t, err := a.tasks.Create(cmd.Context(), title, description)
			if err != nil {
				return failed(err, service.MsgCreateFailed)
			}
			printJSON(a.out, t)
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "description")
	return cmd
}

func editCmd(get func() *app) *cobra.Command {
	var (
		id                 int64
		title, description string
		done, undone       bool
	)
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Change fields of a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id <= 0 {
				return errors.New("need --id")
			}
			var p model.TaskPatch
			if cmd.Flags().Changed("title") {
				p.Title = &title
			}
			if cmd.Flags().Changed("description") {
				p.Description = &description
			}
			switch {
			case done:
				v := true
				p.Completed = &v
			case undone:
				v := false
				p.Completed = &v
			}
			if p.IsEmpty() {
				return errors.New("nothing to change")
			}

			a := get()
			if err := a.requireLogin(); err != nil {
				return err
			}
			t, err := a.tasks.Update(cmd.Context(), id, p)
			if err != nil {
				return failed(err, service.MsgUpdateFailed)
			}
			printJSON(a.out, t)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	cmd.Flags().StringVarP(&title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().BoolVar(&done, "done", false, "mark completed")
	cmd.Flags().BoolVar(&undone, "undone", false, "mark not completed")
	cmd.MarkFlagsMutuallyExclusive("done", "undone")
	return cmd
}

func rmCmd(get func() *app) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id <= 0 {
				return errors.New("need --id")
			}
			a := get()
			if err := a.requireLogin(); err != nil {
				return err
			}
			if err := a.tasks.Delete(cmd.Context(), id); err != nil {
				return failed(err, service.MsgDeleteFailed)
			}
			fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	return cmd
}

func toggleCmd(get func() *app) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "Flip the completed flag of a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id <= 0 {
				return errors.New("need --id")
			}
			a := get()
			if err := a.requireLogin(); err != nil {
				return err
			}
			t, err := a.tasks.ToggleCompletion(cmd.Context(), id)
			if err != nil {
				return failed(err, service.MsgToggleFailed)
			}
			printJSON(a.out, t)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "task id")
	return cmd
}

func statsCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.requireLogin(); err != nil {
				return err
			}
			if err := a.tasks.FetchAll(cmd.Context()); err != nil {
				return failed(err, service.MsgFetchFailed)
			}
			printJSON(a.out, a.tasks.Stats())
			return nil
		},
	}
}
