// Package supervisor keeps the preview server inside the sandbox alive. It
// never trusts a stale process handle: liveness is re-probed unless the
// process was confirmed in the current round, and a dead or unready server
// is restarted on demand.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/notify"
	"github.com/kehao95/sandcastle/internal/sandbox"
)

// NotReadyMessage is returned when a restarted server did not pass its
// readiness checks in time.
const NotReadyMessage = "server started but may not be ready yet"

// errReplaced reports a restart whose sandbox was replaced underneath it.
var errReplaced = fmt.Errorf("sandbox replaced during restart: %w", sandbox.ErrNotFound)

// Task names.
const (
	taskRestart = "restart"
	taskRefresh = "refresh"
)

// Options configures a Supervisor.
type Options struct {
	Full         config.HealthPolicy // after a (re)start
	Quick        config.HealthPolicy // for a server believed alive
	RestartDelay time.Duration
	RefreshDelay time.Duration
	Prober       Prober // nil uses an HTTPProber
}

// Result describes the preview server after a PreviewURL or Restart call.
type Result struct {
	URL       string
	Ready     bool
	Restarted bool
	Message   string
	Title     string
}

// Supervisor watches one background server. All operations, including
// scheduled tasks, are serialized by an internal mutex.
type Supervisor struct {
	mgr      *sandbox.Manager
	spec     config.ServerSpec
	opts     Options
	notifier notify.Notifier
	log      *zap.Logger
	sched    *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	round int
}

// New returns a Supervisor and hooks it into mgr so that pending tasks are
// dropped when the sandbox is replaced.
func New(mgr *sandbox.Manager, spec config.ServerSpec, opts Options, n notify.Notifier, log *zap.Logger) *Supervisor {
	if opts.Prober == nil {
		opts.Prober = NewHTTPProber(5 * time.Second)
	}
	if opts.Full.MaxAttempts < 1 {
		opts.Full.MaxAttempts = 1
	}
	if opts.Quick.MaxAttempts < 1 {
		opts.Quick.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		mgr:      mgr,
		spec:     spec,
		opts:     opts,
		notifier: n,
		log:      log.Named("supervisor"),
		sched:    NewScheduler(),
		ctx:      ctx,
		cancel:   cancel,
	}
	mgr.OnReset(func(old *sandbox.Session) {
		s.log.Info("sandbox reset, dropping scheduled tasks", zap.Int("generation", old.Generation))
		s.sched.CancelAll()
	})
	return s
}

// BeginRound marks the start of a new model round. Process handles
// confirmed in earlier rounds must be re-probed.
func (s *Supervisor) BeginRound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.round++
}

// Pending returns the names of scheduled tasks that have not run yet.
func (s *Supervisor) Pending() []string {
	return s.sched.Pending()
}

// Close cancels pending tasks and any in-flight readiness wait started by
// one.
func (s *Supervisor) Close() {
	s.cancel()
	s.sched.Close()
}

// Liveness probes the current process handle.
func (s *Supervisor) Liveness(ctx context.Context) (sandbox.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.mgr.Current()
	if sess == nil {
		return sandbox.StatusUnknown, nil
	}
	return s.livenessLocked(ctx, sess)
}

func (s *Supervisor) livenessLocked(ctx context.Context, sess *sandbox.Session) (sandbox.Status, error) {
	proc := sess.Server().Process
	if proc == nil {
		return sandbox.StatusUnknown, nil
	}
	res, err := sess.Env.Run(ctx, livenessCommand(proc.PID), sandbox.RunOptions{Timeout: 10 * time.Second})
	if err != nil {
		return sandbox.StatusUnknown, fmt.Errorf("probing pid %d: %w", proc.PID, err)
	}
	if res.ExitCode != 0 {
		s.log.Info("process is dead", zap.Int("pid", proc.PID))
		return sandbox.StatusDead, nil
	}
	proc.ConfirmedRound = s.round
	return sandbox.StatusAlive, nil
}

// PreviewURL returns a URL at which the server answers, restarting it if
// the handle is missing, dead, or unresponsive.
func (s *Supervisor) PreviewURL(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.mgr.EnsureReady(ctx)
	if err != nil {
		return Result{}, err
	}

	if st := sess.Server(); st.Process != nil && st.URL != "" {
		alive := st.Process.ConfirmedRound == s.round
		if !alive {
			status, err := s.livenessLocked(ctx, sess)
			if err != nil {
				return Result{}, err
			}
			alive = status == sandbox.StatusAlive
		}
		if alive {
			if pr, ok := waitReady(ctx, s.opts.Prober, healthURL(st.URL, s.spec.HealthPath), s.opts.Quick); ok {
				st.Process.ConfirmedRound = s.round
				return Result{URL: st.URL, Ready: true, Title: pr.Title}, nil
			}
			s.log.Info("server alive but not answering", zap.String("url", st.URL))
		}
	}

	return s.restartLocked(ctx, sess)
}

// Restart unconditionally restarts the server.
func (s *Supervisor) Restart(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.mgr.EnsureReady(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.restartLocked(ctx, sess)
}

func (s *Supervisor) restartLocked(ctx context.Context, sess *sandbox.Session) (Result, error) {
	s.sched.Cancel(taskRestart)

	if old := sess.Server().Process; old != nil {
		if _, err := sess.Env.Run(ctx, killCommand(old.PID), sandbox.RunOptions{Timeout: 10 * time.Second}); err != nil {
			if sandbox.IsNotFound(err) {
				return Result{}, err
			}
			s.log.Warn("killing previous server failed", zap.Int("pid", old.PID), zap.Error(err))
		}
	}

	if _, err := sess.Env.Run(ctx, reclaimCommand(s.spec.Port), sandbox.RunOptions{Timeout: 15 * time.Second}); err != nil {
		if sandbox.IsNotFound(err) {
			return Result{}, err
		}
		s.log.Warn("port reclaim failed", zap.Int("port", s.spec.Port), zap.Error(err))
	}

	pid, err := sess.Env.Start(ctx, s.spec.Command, sandbox.RunOptions{Cwd: s.spec.Workdir})
	if err != nil {
		return Result{}, fmt.Errorf("starting %s: %w", s.spec.Name, err)
	}
	proc := &sandbox.Process{
		PID:            pid,
		Port:           s.spec.Port,
		Command:        s.spec.Command,
		StartedAt:      time.Now(),
		ConfirmedRound: -1,
	}
	if !sess.SetProcess(proc) {
		return Result{}, errReplaced
	}
	s.log.Info("server starting", zap.String("name", s.spec.Name), zap.Int("pid", pid), zap.String("status", string(sandbox.StatusStarting)))

	url, err := sess.Env.PublishedURL(s.spec.Port)
	if err != nil {
		return Result{}, fmt.Errorf("resolving preview address: %w", err)
	}

	pr, ok := waitReady(ctx, s.opts.Prober, healthURL(url, s.spec.HealthPath), s.opts.Full)
	if !ok {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		s.log.Warn("server not ready", zap.String("url", url), zap.Int("attempts", s.opts.Full.MaxAttempts))
		return Result{URL: sess.Server().URL, Restarted: true, Message: NotReadyMessage}, nil
	}

	// The sandbox may have been replaced while we waited.
	proc.ConfirmedRound = s.round
	first, ok := sess.Publish(proc, url)
	if !ok {
		s.log.Info("discarding restart of a replaced sandbox", zap.Int("generation", sess.Generation))
		return Result{}, errReplaced
	}
	s.scheduleLocked(taskRefresh, s.opts.RefreshDelay, sess.Generation, s.refreshLocked)

	if first {
		notify.Notifyf(s.notifier, notify.Info, "preview available at %s", url)
	}
	s.log.Info("server ready", zap.String("url", url), zap.String("title", pr.Title))
	return Result{URL: url, Ready: true, Restarted: true, Message: "server restarted", Title: pr.Title}, nil
}

// AfterWrite restarts the server shortly after a servable file was written
// while the server is down. It never blocks on the restart.
func (s *Supervisor) AfterWrite(ctx context.Context, path string) {
	if !s.spec.Servable(path) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.mgr.Current()
	if sess == nil {
		return
	}
	if st := sess.Server(); st.URL == "" || st.Process == nil {
		return
	}
	status, err := s.livenessLocked(ctx, sess)
	if err != nil {
		s.log.Warn("liveness probe after write failed", zap.String("path", path), zap.Error(err))
		return
	}
	if status != sandbox.StatusDead {
		return
	}

	notify.Notifyf(s.notifier, notify.Info, "preview server is down; restarting in %s", s.opts.RestartDelay)
	s.scheduleLocked(taskRestart, s.opts.RestartDelay, sess.Generation, func(ctx context.Context, sess *sandbox.Session) {
		if _, err := s.restartLocked(ctx, sess); err != nil {
			if sandbox.IsNotFound(err) {
				s.log.Info("deferred restart abandoned, sandbox is gone", zap.Error(err))
				return
			}
			s.log.Warn("deferred restart failed", zap.Error(err))
			notify.Notifyf(s.notifier, notify.Warn, "could not restart preview server: %v", err)
		}
	})
}

// refreshLocked re-checks the server once it has had time to settle.
func (s *Supervisor) refreshLocked(ctx context.Context, sess *sandbox.Session) {
	url := sess.Server().URL
	if url == "" {
		return
	}
	pr, ok := waitReady(ctx, s.opts.Prober, healthURL(url, s.spec.HealthPath), s.opts.Quick)
	if !ok {
		if ctx.Err() == nil && sess.Server().URL == url {
			notify.Notifyf(s.notifier, notify.Warn, "preview server at %s is not responding", url)
		}
		return
	}
	s.log.Debug("preview refreshed", zap.String("url", url), zap.String("title", pr.Title))
}

// scheduleLocked queues fn to run under the supervisor mutex after delay,
// provided the session it was scheduled against is still current.
func (s *Supervisor) scheduleLocked(name string, delay time.Duration, gen int, fn func(ctx context.Context, sess *sandbox.Session)) {
	s.sched.Schedule(name, delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		sess := s.mgr.Current()
		if sess == nil || sess.Generation != gen {
			s.log.Info("dropping stale task", zap.String("task", name), zap.Int("generation", gen))
			return
		}
		fn(s.ctx, sess)
	})
}

