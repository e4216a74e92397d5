package main

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/llm"
	"github.com/kehao95/sandcastle/internal/llm/transport"
	"github.com/kehao95/sandcastle/internal/localsync"
	"github.com/kehao95/sandcastle/internal/logging"
	"github.com/kehao95/sandcastle/internal/notify"
	"github.com/kehao95/sandcastle/internal/runtime"
	"github.com/kehao95/sandcastle/internal/sandbox"
	"github.com/kehao95/sandcastle/internal/sandbox/docker"
	"github.com/kehao95/sandcastle/internal/supervisor"
	"github.com/kehao95/sandcastle/internal/tools"
)

// app is the wired component graph for one session.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	console *console
	rt      *runtime.Runtime
	mgr     *sandbox.Manager
	sup     *supervisor.Supervisor
	docker  *docker.Provider
	watcher *localsync.Watcher

	closeLog func()
}

// wireApp builds every component from cfg. Nothing remote is created until
// the first conversation round.
func wireApp(ctx context.Context, cfg *config.Config, con *console) (*app, error) {
	log, logPath, closeLog, err := logging.New(cfg.DataDir, cfg.SessionID, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, console: con, closeLog: closeLog}
	log.Info("session started", zap.String("model", cfg.ModelID), zap.String("provider", cfg.Provider), zap.String("log", logPath))

	transport.UserAgent = "sandcastle/" + version
	provider, err := llm.NewProvider(cfg, log)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("creating provider: %w", err)
	}

	a.docker, err = docker.New(ctx, docker.Config{
		Image:   cfg.Sandbox.Image,
		Workdir: cfg.Sandbox.Workdir,
		Ports:   []int{cfg.Server.Port},
	}, log)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	// Notices raised before the runtime exists go straight to the console.
	notices := notify.Func(func(level notify.Level, msg string) {
		if a.rt != nil {
			a.rt.Notify(level, msg)
			return
		}
		con.Notify(level, msg)
	})

	a.mgr = sandbox.NewManager(a.docker, sandbox.Options{
		TTL:          cfg.Sandbox.Timeout,
		Labels:       map[string]string{"sandcastle.model": cfg.ModelID},
		RenewRetries: 2,
	}, notices, log)

	a.sup = supervisor.New(a.mgr, cfg.Server, supervisor.Options{
		Full:         cfg.FullHealth,
		Quick:        cfg.QuickHealth,
		RestartDelay: cfg.RestartDelay,
		RefreshDelay: cfg.RefreshDelay,
	}, notices, log)

	folder, err := localsync.NewFolder(cfg.SyncDir)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	box := tools.NewToolbox(a.mgr, a.sup, folder, tools.ToolboxOptions{
		Workdir:   cfg.Sandbox.Workdir,
		MaxOutput: cfg.OutputTruncate,
		OnOutput:  con.CommandOutput,
	}, log)
	dispatcher, err := tools.NewDispatcher(tools.AllToolSchemas(), box.Handlers(), log)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.rt = runtime.New(cfg, provider, a.mgr, a.sup, dispatcher, con, log)

	if cfg.WatchDir != "" {
		a.watcher, err = localsync.NewWatcher(cfg.WatchDir, cfg.Sandbox.Workdir, a.upload, log)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("watching %s: %w", cfg.WatchDir, err)
		}
		if err := a.watcher.Start(ctx); err != nil {
			a.watcher = nil
			a.close(ctx)
			return nil, fmt.Errorf("watching %s: %w", cfg.WatchDir, err)
		}
	}
	return a, nil
}

// upload mirrors one local file into the sandbox, then lets the
// supervisor react as it would to a write_file call.
func (a *app) upload(ctx context.Context, remotePath string, data []byte) error {
	sess, err := a.mgr.EnsureReady(ctx)
	if err != nil {
		return err
	}
	if err := sess.Env.WriteFile(ctx, remotePath, data); err != nil {
		return err
	}
	a.log.Info("mirrored local change", zap.String("path", remotePath))
	a.sup.AfterWrite(ctx, path.Clean(remotePath))
	return nil
}

// close shuts down in order: supervisor timers, the watcher, then the
// sandbox itself.
func (a *app) close(ctx context.Context) {
	if a.sup != nil {
		a.sup.Close()
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.log.Warn("stopping watcher", zap.Error(err))
		}
	}
	if a.mgr != nil {
		if err := a.mgr.Shutdown(ctx); err != nil {
			a.log.Warn("sandbox shutdown", zap.Error(err))
		}
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}
