// sandbox-runner is the entrypoint of a sandbox container. It serves the
// Task API on SANDBOX_PORT and runs each task through the Claude Code CLI
// in the mounted workspace.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zhubert/plural-sandbox/claude"
	"github.com/zhubert/plural-sandbox/cli"
	"github.com/zhubert/plural-sandbox/config"
	"github.com/zhubert/plural-sandbox/logger"
	"github.com/zhubert/plural-sandbox/runner"
	"github.com/zhubert/plural-sandbox/taskapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr      string
		textLogs  bool
		skipCheck bool
	)
	flagSet := pflag.NewFlagSet("sandbox-runner", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "", "listen address (default :$SANDBOX_PORT)")
	flagSet.BoolVar(&textLogs, "text-logs", false, "write text logs instead of JSON")
	flagSet.BoolVar(&skipCheck, "skip-check", false, "skip the CLI prerequisite check")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadRunner(os.Getenv)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Addr()
	}

	logger.SetDebug(cfg.Debug)
	logger.InitWriter(os.Stderr, !textLogs)
	log := logger.WithSession(cfg.SessionID).With("component", "runner")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !skipCheck {
		results := cli.NewChecker().CheckAll(ctx, cli.RunnerPrerequisites(cfg.ClaudeBinary))
		if err := cli.ValidateRequired(results); err != nil {
			fmt.Fprint(os.Stderr, cli.FormatCheckResults(results))
			return err
		}
	}

	driver := claude.NewDriver(cfg.Driver(), log)
	tasks := runner.New(driver, cfg.TaskRunner(), log)
	server := &http.Server{
		Addr:              addr,
		Handler:           taskapi.NewServer(tasks, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("task api listening", "addr", addr, "workspace", cfg.Workspace, "toolMode", cfg.ToolMode)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+5*time.Second)
	defer cancel()

	// Cancel the running task so the CLI exits before the container does.
	if h := tasks.Health(); h.TaskID != "" && !h.CurrentTaskStatus.Terminal() {
		if _, err := tasks.Cancel(h.TaskID); err == nil {
			if _, err := tasks.Wait(shutdownCtx, h.TaskID); err != nil {
				log.Warn("task did not finish before shutdown", "taskID", h.TaskID, "error", err)
			}
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
	}
	return nil
}
