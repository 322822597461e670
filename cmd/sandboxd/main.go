// sandboxd is the host daemon: it provisions one Docker container per
// session, runs coding tasks in them and relays their event streams to
// callers over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/zhubert/plural-sandbox/cli"
	"github.com/zhubert/plural-sandbox/config"
	"github.com/zhubert/plural-sandbox/container"
	pexec "github.com/zhubert/plural-sandbox/exec"
	"github.com/zhubert/plural-sandbox/gateway"
	"github.com/zhubert/plural-sandbox/logger"
	"github.com/zhubert/plural-sandbox/paths"
	"github.com/zhubert/plural-sandbox/preflight"
	"github.com/zhubert/plural-sandbox/sandbox"
	"github.com/zhubert/plural-sandbox/session"
	"github.com/zhubert/plural-sandbox/store"
)

const (
	httpShutdownTimeout = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		logFile    string
		debug      bool
		checkOnly  bool
	)
	flagSet := pflag.NewFlagSet("sandboxd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to sandboxd.yaml (default: XDG config dir)")
	flagSet.StringVar(&listen, "listen", "", "override the listen address")
	flagSet.StringVar(&logFile, "log-file", "", "override the log file path")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&checkOnly, "check", false, "verify prerequisites and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if configPath == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		configPath = p
	}
	cfg, err := config.LoadHost(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if debug {
		cfg.Debug = true
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}

	if err := initLogging(cfg); err != nil {
		return err
	}
	defer logger.Close()
	log := logger.WithComponent("sandboxd")
	if p := logger.Path(); p != "" {
		fmt.Fprintf(os.Stderr, "logging to %s\n", p)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ex := pexec.NewRealExecutor()
	checker := cli.NewChecker()
	results := checker.CheckAll(ctx, cli.HostPrerequisites())
	if err := cli.ValidateRequired(results); err != nil {
		fmt.Fprint(os.Stderr, cli.FormatCheckResults(results))
		return err
	}
	docker := preflight.NewDocker("docker", ex, logger.WithComponent("preflight"))
	if _, err := docker.Check(ctx, cfg.Image, cfg.PullImage); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if checkOnly {
		fmt.Print(cli.FormatCheckResults(results))
		fmt.Printf("Docker: ok, image %s present\n", cfg.Image)
		return nil
	}
	go func() {
		if newer, err := docker.ImageUpdateAvailable(ctx, cfg.Image); err != nil {
			log.Debug("image update check failed", "error", err)
		} else if newer {
			log.Warn("a newer sandbox image is available; pull it to update", "image", cfg.Image)
		}
	}()

	d, err := newDaemon(cfg, ex)
	if err != nil {
		return err
	}
	return d.serve(ctx)
}

func initLogging(cfg *config.Host) error {
	logger.SetDebug(cfg.Debug)
	path := cfg.LogFile
	if path == "" {
		p, err := logger.DefaultLogPath()
		if err != nil {
			return err
		}
		path = p
	}
	if path == "-" {
		logger.InitWriter(os.Stderr, false)
		return nil
	}
	return logger.Init(path)
}

// daemon is the wired host process.
type daemon struct {
	cfg      *config.Host
	manager  *container.Manager
	exec     *sandbox.DockerExecutor
	store    store.Store
	sessions *session.Registry
	server   *http.Server
}

func newDaemon(cfg *config.Host, ex pexec.CommandExecutor) (*daemon, error) {
	workspaces := cfg.WorkspacesDir
	if workspaces == "" {
		dir, err := paths.WorkspacesDir()
		if err != nil {
			return nil, err
		}
		workspaces = dir
	}
	envDir, err := paths.EnvFilesDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(envDir, 0o700); err != nil {
		return nil, fmt.Errorf("create env file dir: %w", err)
	}

	audit, err := openStore(cfg.AuditDB)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	sessions := session.NewRegistry()
	manager := container.NewManager(cfg.ContainerManager(os.Getenv), container.Deps{
		Runtime:     container.NewDockerRuntime("docker", ex, envDir),
		Prober:      &container.HTTPProber{Client: httpClient},
		Workspaces:  &session.DirWorkspaces{Root: workspaces, InitGit: cfg.Container.InitGit, Exec: ex},
		Credentials: &session.EnvCredentials{Var: cfg.Runner.CredentialEnv, Getenv: os.Getenv},
		Registry:    container.NewRegistry(),
		Log:         logger.WithComponent("container"),
	})
	executor := sandbox.NewDockerExecutor(cfg.Executor(), sandbox.Deps{
		Containers: manager,
		Sessions:   sessions,
		Store:      audit,
		HTTPClient: httpClient,
		Log:        logger.WithComponent("sandbox"),
	})

	var auth gateway.Authenticator
	if len(cfg.Auth.Tokens) > 0 {
		auth = gateway.StaticTokens(cfg.Auth.Tokens)
	}
	gw := gateway.New(gateway.Config{RequireAuth: cfg.Auth.Required}, executor, auth, logger.WithComponent("gateway"))

	return &daemon{
		cfg:      cfg,
		manager:  manager,
		exec:     executor,
		store:    audit,
		sessions: sessions,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           gw,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func openStore(path string) (store.Store, error) {
	if path == config.MemoryStore {
		return store.NewMemoryStore(), nil
	}
	if path == "" {
		p, err := paths.AuditDBPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	s, err := store.NewSQLiteStore(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return s, nil
}

// serve runs until ctx is cancelled, then shuts down in order: stop taking
// requests, stop task tracking, remove every container, close the store.
func (d *daemon) serve(ctx context.Context) error {
	log := logger.WithComponent("sandboxd")

	if n, err := d.manager.ReapOrphans(ctx); err != nil {
		log.Warn("orphan cleanup failed", "error", err)
	} else if n > 0 {
		log.Info("removed orphaned containers", "count", n)
	}

	sweeper := &session.Sweeper{
		Registry:    d.sessions,
		IdleTimeout: d.cfg.Timeouts.IdleSession.Duration,
		Interval:    d.cfg.Timeouts.SweepInterval.Duration,
		Close:       d.exec.CloseIdle,
		Log:         logger.WithComponent("sweeper"),
	}
	go sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", d.server.Addr, "owner", d.cfg.Owner, "image", d.cfg.Image)
		errCh <- d.server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTP()
	if err := d.server.Shutdown(httpCtx); err != nil {
		// Open event streams keep connections busy until their task ends.
		log.Warn("closing remaining connections", "error", err)
		d.server.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.exec.Close()
	if err := d.manager.Shutdown(shutdownCtx); err != nil {
		log.Error("container cleanup failed", "error", err)
	}
	if err := d.store.Close(); err != nil {
		log.Error("failed to close audit store", "error", err)
	}
	return serveErr
}
