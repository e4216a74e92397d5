package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/notify"
)

// LostStateWarning is shown when the sandbox had to be recreated.
const LostStateWarning = "sandbox was destroyed; state was lost, regenerate your work"

// renewBackoff is the first delay between transient renew failures.
var renewBackoff = 500 * time.Millisecond

// Options configures a Manager.
type Options struct {
	TTL          time.Duration
	Labels       map[string]string
	RenewRetries int // transient SetTimeout failures tolerated per renew
}

// Manager owns the single sandbox session. It creates it lazily, extends
// its lifetime before every round, and replaces it when the remote side
// reports it is gone. Safe for concurrent use.
type Manager struct {
	provider Provider
	opts     Options
	notifier notify.Notifier
	log      *zap.Logger

	mu         sync.Mutex
	session    *Session
	generation int
	hooks      []func(old *Session)
}

// NewManager returns a Manager. No sandbox is created until EnsureReady.
func NewManager(p Provider, opts Options, n notify.Notifier, log *zap.Logger) *Manager {
	if opts.RenewRetries < 0 {
		opts.RenewRetries = 0
	}
	return &Manager{
		provider: p,
		opts:     opts,
		notifier: n,
		log:      log.Named("sandbox"),
	}
}

// OnReset registers fn to run after a destroyed session has been cleared
// and before its replacement is created. Hooks run with the manager lock
// held and must not call back into the Manager.
func (m *Manager) OnReset(fn func(old *Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Current returns the live session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// EnsureReady returns the live session, creating one if needed.
func (m *Manager) EnsureReady(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return m.session, nil
	}
	if err := m.createLocked(ctx); err != nil {
		return nil, err
	}
	return m.session, nil
}

// RenewTimeout extends the session's lifetime. When the sandbox turns out
// to be gone it is replaced exactly once and recreated is true. A failed
// replacement returns an error wrapping ErrRecreateFailed; every other
// failure is reported as a warning and swallowed.
func (m *Manager) RenewTimeout(ctx context.Context) (recreated bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		if err := m.createLocked(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	var lastErr error
	for attempt := 0; attempt <= m.opts.RenewRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(1<<uint(attempt-1))*renewBackoff); err != nil {
				return false, err
			}
		}

		err := m.session.Env.SetTimeout(ctx, m.opts.TTL)
		if err == nil {
			m.session.ExpiresAt = time.Now().Add(m.opts.TTL)
			return false, nil
		}
		if IsNotFound(err) {
			return true, m.recreateLocked(ctx)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		lastErr = err
		m.log.Warn("renew failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	notify.Notifyf(m.notifier, notify.Warn, "could not extend sandbox lifetime: %v", lastErr)
	return false, nil
}

// Shutdown kills the sandbox. It is safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := m.session
	m.session = nil
	m.log.Info("killing sandbox", zap.String("id", s.ID))
	if err := s.Env.Kill(ctx); err != nil && !IsNotFound(err) {
		return fmt.Errorf("killing sandbox %s: %w", s.ID, err)
	}
	return nil
}

func (m *Manager) recreateLocked(ctx context.Context) error {
	old := m.session
	m.log.Warn("sandbox destroyed, recreating", zap.String("id", old.ID), zap.Int("generation", old.Generation))
	notify.Notifyf(m.notifier, notify.Warn, "%s", LostStateWarning)

	old.discard()
	m.session = nil

	for _, fn := range m.hooks {
		fn(old)
	}

	if err := m.createLocked(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRecreateFailed, err)
	}
	return nil
}

func (m *Manager) createLocked(ctx context.Context) error {
	env, err := m.provider.Create(ctx, CreateOptions{Timeout: m.opts.TTL, Labels: m.opts.Labels})
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	m.generation++
	now := time.Now()
	m.session = &Session{
		ID:         env.ID(),
		CreatedAt:  now,
		TTL:        m.opts.TTL,
		ExpiresAt:  now.Add(m.opts.TTL),
		Env:        env,
		Generation: m.generation,
	}
	m.log.Info("sandbox ready", zap.String("id", env.ID()), zap.Int("generation", m.generation))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
