// taskstream sends one message over the realtime session and streams the
// answer to stdout.
//
// Usage:
//
//	taskstream --token $TOKEN "summarize the last deploy"
//	taskstream --task 42 follow-up question
//
// Interrupting a running generation asks the server to cancel it. When the
// session loses authentication the login URL is printed and the exit code is 2.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ricochet1k/taskstream/internal/auth"
	"github.com/ricochet1k/taskstream/internal/config"
	"github.com/ricochet1k/taskstream/internal/restapi"
	"github.com/ricochet1k/taskstream/internal/session"
	"github.com/ricochet1k/taskstream/internal/stream"
	"github.com/ricochet1k/taskstream/internal/transport"
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		taskID     int64
		title      string
		connectFor time.Duration
	)
	flagSet := pflag.NewFlagSet("taskstream", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML config file (default $"+config.EnvConfig+")")
	server := flagSet.String("server", "", "realtime websocket URL")
	apiURL := flagSet.String("api", "", "REST API base URL")
	token := flagSet.String("token", "", "bearer token")
	flagSet.Int64Var(&taskID, "task", 0, "continue an existing task")
	flagSet.StringVar(&title, "title", "", "title for a new task")
	flagSet.DurationVar(&connectFor, "connect-timeout", 15*time.Second, "how long to wait for the first connection")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	message := strings.TrimSpace(strings.Join(flagSet.Args(), " "))
	if message == "" {
		return errors.New("a message is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("server") {
		cfg.Server.URL = *server
	}
	if flagSet.Changed("api") {
		cfg.Server.API = *apiURL
	}
	if flagSet.Changed("token") {
		cfg.Auth.Token = *token
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := cfg.Log.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, redirector, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	path := "/chat"
	if taskID > 0 {
		path += "/" + strconv.FormatInt(taskID, 10)
	}
	ctrl.Session().SetPath(path)

	notices := ctrl.Notices(16)
	defer notices.Close()
	updates := ctrl.Store().Watch(256)
	defer updates.Close()

	if err := ctrl.Start(context.Background()); err != nil {
		return err
	}
	if err := waitConnected(ctx, ctrl, connectFor); err != nil {
		return loginHint(err, redirector)
	}

	res, err := ctrl.Coordinator().Send(ctx, session.SendRequest{TaskID: taskID, Message: message, Title: title})
	if err != nil {
		return loginHint(err, redirector)
	}
	logger.Debug().Int64("task_id", res.TaskID).Int64("subtask_id", res.SubtaskID).Msg("message sent")

	r := &renderer{store: ctrl.Store(), taskID: res.TaskID, subtaskID: res.SubtaskID}
	interrupted := ctx.Done()
	for {
		select {
		case u, ok := <-updates.C:
			if !ok {
				return errors.New("stream closed")
			}
			if u.TaskID != res.TaskID || u.Subtask.SubtaskID != res.SubtaskID {
				continue
			}
			if st, done := r.render(); done {
				return finish(st)
			}
		case n, ok := <-notices.C:
			if !ok {
				continue
			}
			if n.Kind == session.NoticeAuth {
				return loginHint(n.Err, redirector)
			}
			if n.Kind == session.NoticeTransport {
				logger.Warn().Err(n.Err).Msg(n.Message)
			}
		case <-interrupted:
			interrupted = nil
			st, _ := ctrl.Store().Subtask(res.TaskID, res.SubtaskID)
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := ctrl.Coordinator().Cancel(cancelCtx, res.SubtaskID, st.Content)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func build(cfg *config.Config, logger zerolog.Logger) (*session.Controller, *auth.RecordingRedirector, error) {
	var oracle *auth.TokenOracle
	rest := restapi.New(cfg.Server.API, func() string { return oracle.Token() }, restapi.WithLogger(logger))
	oracle = auth.NewTokenOracle(cfg.Auth.Token, cfg.Auth.ExpiresAt, rest)

	redirector := &auth.RecordingRedirector{
		LoginURL:  cfg.Auth.LoginURL,
		StatePath: cfg.Auth.ReturnPathFile,
		Log:       logger,
	}
	sock := transport.NewWebSocket(transport.WebSocketConfig{
		URL:     cfg.Server.URL,
		Token:   oracle.Token,
		Backoff: cfg.Backoff,
	}, logger)
	store := stream.NewStore(stream.WithRetention(cfg.Session.Retention), stream.WithLogger(logger))

	ctrl, err := session.NewController(session.Options{
		Config: session.Config{
			AckTimeout:    cfg.Session.AckTimeout,
			ProbeInterval: cfg.Session.ProbeInterval,
			SweepInterval: cfg.Session.SweepInterval,
			PollInterval:  cfg.Session.PollInterval,
		},
		Socket:     sock,
		Store:      store,
		Oracle:     oracle,
		Redirector: redirector,
		Tasks:      rest,
		History:    rest,
		Logger:     logger,
	})
	return ctrl, redirector, err
}

func waitConnected(ctx context.Context, ctrl *session.Controller, limit time.Duration) error {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		switch ctrl.Session().State() {
		case session.StateConnected:
			return nil
		case session.StateAuthFailed:
			return errors.New("authentication failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("not connected after %s", limit)
		case <-tick.C:
		}
	}
}

func loginHint(err error, redirector *auth.RecordingRedirector) error {
	if redirector.Redirects() == 0 {
		return err
	}
	if redirector.LoginURL != "" {
		fmt.Fprintf(os.Stderr, "login required: %s\n", redirector.LoginURL)
	} else {
		fmt.Fprintln(os.Stderr, "login required: refresh your token and run again")
	}
	return &exitError{code: 2, err: err}
}

// renderer prints content as it grows. It re-reads the store on every update
// so dropped watcher updates never lose text.
type renderer struct {
	store     *stream.Store
	taskID    int64
	subtaskID int64
	printed   int
}

func (r *renderer) render() (stream.Subtask, bool) {
	st, ok := r.store.Subtask(r.taskID, r.subtaskID)
	if !ok {
		return st, false
	}
	runes := []rune(st.Content)
	if len(runes) > r.printed {
		fmt.Print(string(runes[r.printed:]))
		r.printed = len(runes)
	}
	return st, st.Status.Terminal()
}

func finish(st stream.Subtask) error {
	fmt.Println()
	switch st.Status {
	case stream.StatusError:
		return &exitError{code: 1, err: fmt.Errorf("generation failed: %s", st.Error)}
	case stream.StatusCancelled:
		return &exitError{code: 130, err: errors.New("generation cancelled")}
	}
	return nil
}
