// Package sandbox provides an abstraction for the remote execution
// environment the agent's tools run in, and the lifecycle manager that keeps
// one alive for the conversation.
package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by an Environment whose remote side no longer
	// exists (expired, killed, removed). It is the only error that causes
	// the Manager to recreate the session.
	ErrNotFound = errors.New("sandbox not found")

	// ErrRecreateFailed wraps the cause when a destroyed sandbox could not
	// be replaced.
	ErrRecreateFailed = errors.New("sandbox recreation failed")
)

// Provider creates remote environments.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (Environment, error)
}

// CreateOptions configures a new environment.
type CreateOptions struct {
	Timeout time.Duration     // time-to-live; extended with SetTimeout
	Labels  map[string]string // backend metadata
}

// Environment is one remote sandbox. Every operation returns an error
// wrapping ErrNotFound once the sandbox is gone.
type Environment interface {
	// ID returns the backend identifier.
	ID() string

	// SetTimeout resets the time-to-live, counted from now.
	SetTimeout(ctx context.Context, ttl time.Duration) error

	// Run executes cmd with sh -c and waits for it.
	Run(ctx context.Context, cmd string, opts RunOptions) (*CommandResult, error)

	// Start launches cmd detached and returns its PID.
	Start(ctx context.Context, cmd string, opts RunOptions) (int, error)

	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListFiles(ctx context.Context, dir string) ([]FileInfo, error)

	// Stat describes a single path, telling directories from files even
	// when a directory is empty.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// PublishedURL returns the externally reachable address of port.
	PublishedURL(port int) (string, error)

	// Kill destroys the environment.
	Kill(ctx context.Context) error
}

// RunOptions configures a command.
type RunOptions struct {
	Cwd     string
	Env     map[string]string
	Timeout time.Duration // zero means no limit beyond ctx

	// Line callbacks, invoked as output arrives.
	OnStdout func(line string)
	OnStderr func(line string)
}

// CommandResult is the outcome of a foreground command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name  string
	IsDir bool
	Size  int64
}

// Session is the live sandbox plus the state derived from it.
type Session struct {
	ID         string
	CreatedAt  time.Time
	TTL        time.Duration
	ExpiresAt  time.Time
	Env        Environment
	Generation int

	// Derived state, cleared when the sandbox is replaced. The supervisor
	// writes it and the manager clears it, both through mu.
	mu        sync.Mutex
	process   *Process
	url       string
	announced bool
	discarded bool
}

// ServerState is a snapshot of the preview server derived from a session.
type ServerState struct {
	Process   *Process
	URL       string
	Announced bool
}

// Server returns the current preview server state.
func (s *Session) Server() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerState{Process: s.process, URL: s.url, Announced: s.announced}
}

// SetProcess records a freshly started process. It reports false, and
// records nothing, once the session has been discarded.
func (s *Session) SetProcess(p *Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return false
	}
	s.process = p
	return true
}

// Publish records url as the address of p. It only succeeds while p is
// still the session's process and the session has not been discarded.
// first is true the first time a URL is published for this session.
func (s *Session) Publish(p *Process, url string) (first, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded || s.process != p {
		return false, false
	}
	s.url = url
	first = !s.announced
	s.announced = true
	return first, true
}

// discard clears the derived state in one step and blocks later writes.
func (s *Session) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.process = nil
	s.url = ""
	s.announced = false
	s.discarded = true
}

// Process is a handle to a background process started in the sandbox.
type Process struct {
	PID       int
	Port      int
	Command   string
	StartedAt time.Time

	// ConfirmedRound is the tool round in which the process was last
	// confirmed alive.
	ConfirmedRound int
}

// Status is the liveness of a Process, computed on demand.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStarting Status = "starting"
	StatusAlive    Status = "alive"
	StatusDead     Status = "dead"
)

// IsNotFound reports whether err means the sandbox is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
