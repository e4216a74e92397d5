// Package mock provides an in-memory implementation of sandbox.Provider for
// testing.
package mock

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kehao95/sandcastle/internal/sandbox"
)

// Provider is a mock sandbox provider. Every created Env is kept so tests
// can reach into it.
type Provider struct {
	mu   sync.Mutex
	envs []*Env

	// CreateFunc replaces the default behaviour when set.
	CreateFunc func(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Environment, error)
}

// NewProvider creates a new mock provider with default behavior.
func NewProvider() *Provider {
	return &Provider{}
}

// Create returns a fresh in-memory environment.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Environment, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, opts)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	env := NewEnv(fmt.Sprintf("mock-%d", len(p.envs)+1))
	env.Labels = opts.Labels
	p.envs = append(p.envs, env)
	return env, nil
}

// Envs returns every environment created so far, oldest first.
func (p *Provider) Envs() []*Env {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Env(nil), p.envs...)
}

// Last returns the most recently created environment, or nil.
func (p *Provider) Last() *Env {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.envs) == 0 {
		return nil
	}
	return p.envs[len(p.envs)-1]
}

// Env is an in-memory sandbox. Background processes are simulated: Start
// hands out PIDs, "kill -0 <pid>" reports whether the PID is still marked
// alive and "kill -9 <pid>" marks it dead.
type Env struct {
	mu        sync.Mutex
	id        string
	files     map[string][]byte
	dirs      map[string]bool
	alive     map[int]bool
	nextPID   int
	destroyed bool
	killed    bool
	commands  []string
	calls     map[string]int

	Labels map[string]string

	// Configurable behaviors for testing. Each replaces the default when set.
	SetTimeoutFunc   func(ctx context.Context, ttl time.Duration) error
	RunFunc          func(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error)
	StartFunc        func(ctx context.Context, cmd string, opts sandbox.RunOptions) (int, error)
	WriteFileFunc    func(ctx context.Context, path string, data []byte) error
	ReadFileFunc     func(ctx context.Context, path string) ([]byte, error)
	ListFilesFunc    func(ctx context.Context, dir string) ([]sandbox.FileInfo, error)
	PublishedURLFunc func(port int) (string, error)
}

// NewEnv returns an empty environment with the given id.
func NewEnv(id string) *Env {
	return &Env{
		id:      id,
		files:   make(map[string][]byte),
		dirs:    make(map[string]bool),
		alive:   make(map[int]bool),
		nextPID: 100,
		calls:   make(map[string]int),
	}
}

func (e *Env) ID() string { return e.id }

// Destroy simulates the remote side disappearing: every later operation
// returns sandbox.ErrNotFound.
func (e *Env) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
}

// KillProcess marks a background process as dead.
func (e *Env) KillProcess(pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.alive, pid)
}

// Alive reports whether pid is marked running.
func (e *Env) Alive(pid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive[pid]
}

// Killed reports whether Kill was called.
func (e *Env) Killed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

// Calls returns how many times the named operation ran.
func (e *Env) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Commands returns every command passed to Run and Start, in order.
func (e *Env) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// File returns the stored content of path.
func (e *Env) File(p string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.files[path.Clean(p)]
	return b, ok
}

// MakeDir records an empty directory.
func (e *Env) MakeDir(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirs[path.Clean(p)] = true
}

// enter records a call and reports whether the env is gone.
func (e *Env) enter(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[op]++
	if e.destroyed {
		return fmt.Errorf("%s on %s: %w", op, e.id, sandbox.ErrNotFound)
	}
	return nil
}

func (e *Env) SetTimeout(ctx context.Context, ttl time.Duration) error {
	if err := e.enter("SetTimeout"); err != nil {
		return err
	}
	if e.SetTimeoutFunc != nil {
		return e.SetTimeoutFunc(ctx, ttl)
	}
	return nil
}

func (e *Env) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	if err := e.enter("Run"); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()

	if e.RunFunc != nil {
		return e.RunFunc(ctx, cmd, opts)
	}

	if rest, ok := strings.CutPrefix(cmd, "kill -0 "); ok {
		pid, err := strconv.Atoi(strings.Fields(rest)[0])
		if err == nil && e.Alive(pid) {
			return &sandbox.CommandResult{ExitCode: 0}, nil
		}
		return &sandbox.CommandResult{ExitCode: 1, Stderr: "No such process"}, nil
	}
	if rest, ok := strings.CutPrefix(cmd, "kill -9 "); ok {
		if pid, err := strconv.Atoi(strings.Fields(rest)[0]); err == nil {
			e.KillProcess(pid)
		}
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

func (e *Env) Start(ctx context.Context, cmd string, opts sandbox.RunOptions) (int, error) {
	if err := e.enter("Start"); err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()

	if e.StartFunc != nil {
		return e.StartFunc(ctx, cmd, opts)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	pid := e.nextPID
	e.nextPID++
	e.alive[pid] = true
	return pid, nil
}

func (e *Env) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := e.enter("WriteFile"); err != nil {
		return err
	}
	if e.WriteFileFunc != nil {
		return e.WriteFileFunc(ctx, p, data)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path.Clean(p)] = append([]byte(nil), data...)
	return nil
}

func (e *Env) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := e.enter("ReadFile"); err != nil {
		return nil, err
	}
	if e.ReadFileFunc != nil {
		return e.ReadFileFunc(ctx, p)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%s: no such file or directory", p)
	}
	return append([]byte(nil), b...), nil
}

// ListFiles lists the direct children of dir. Directories are implied by
// the paths of stored files, so an unknown dir lists as empty.
func (e *Env) ListFiles(ctx context.Context, dir string) ([]sandbox.FileInfo, error) {
	if err := e.enter("ListFiles"); err != nil {
		return nil, err
	}
	if e.ListFilesFunc != nil {
		return e.ListFilesFunc(ctx, dir)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prefix := path.Clean(dir) + "/"
	if prefix == "//" {
		prefix = "/"
	}
	seen := map[string]sandbox.FileInfo{}
	for p, b := range e.files {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		name, _, nested := strings.Cut(rest, "/")
		if nested {
			seen[name] = sandbox.FileInfo{Name: name, IsDir: true}
		} else {
			seen[name] = sandbox.FileInfo{Name: name, Size: int64(len(b))}
		}
	}
	for d := range e.dirs {
		if rest, ok := strings.CutPrefix(d, prefix); ok && rest != "" {
			name, _, _ := strings.Cut(rest, "/")
			seen[name] = sandbox.FileInfo{Name: name, IsDir: true}
		}
	}
	out := make([]sandbox.FileInfo, 0, len(seen))
	for _, fi := range seen {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stat reports a stored file, or a directory that was made or is implied by
// a stored file below it.
func (e *Env) Stat(ctx context.Context, p string) (sandbox.FileInfo, error) {
	if err := e.enter("Stat"); err != nil {
		return sandbox.FileInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	clean := path.Clean(p)
	name := path.Base(clean)
	if b, ok := e.files[clean]; ok {
		return sandbox.FileInfo{Name: name, Size: int64(len(b))}, nil
	}
	if e.dirs[clean] || clean == "/" {
		return sandbox.FileInfo{Name: name, IsDir: true}, nil
	}
	prefix := clean + "/"
	for f := range e.files {
		if strings.HasPrefix(f, prefix) {
			return sandbox.FileInfo{Name: name, IsDir: true}, nil
		}
	}
	for d := range e.dirs {
		if strings.HasPrefix(d, prefix) {
			return sandbox.FileInfo{Name: name, IsDir: true}, nil
		}
	}
	return sandbox.FileInfo{}, fmt.Errorf("stat %s: no such file or directory", p)
}

func (e *Env) PublishedURL(port int) (string, error) {
	if err := e.enter("PublishedURL"); err != nil {
		return "", err
	}
	if e.PublishedURLFunc != nil {
		return e.PublishedURLFunc(port)
	}
	return fmt.Sprintf("https://%d-%s.sandbox.test", port, e.id), nil
}

func (e *Env) Kill(ctx context.Context) error {
	if err := e.enter("Kill"); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killed = true
	e.destroyed = true
	return nil
}
