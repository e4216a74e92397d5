// Package docker provides a Docker-based implementation of sandbox.Provider.
// Each environment is one long-lived container running `sleep infinity`
// under docker-init; commands run through the exec API.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/sandbox"
)

const (
	labelSession   = "sandcastle.session"
	labelExpiresAt = "sandcastle.expires-at"
	namePrefix     = "sandcastle-"
)

// Config configures the Docker provider.
type Config struct {
	Image   string
	Workdir string
	Ports   []int // container ports published on 127.0.0.1
}

// Provider implements sandbox.Provider using the local Docker daemon.
type Provider struct {
	client *client.Client
	cfg    Config
	log    *zap.Logger
}

// New connects to the Docker daemon described by the environment
// (DOCKER_HOST and friends).
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	if cfg.Workdir == "" {
		cfg.Workdir = "/home/user"
	}
	return &Provider{client: cli, cfg: cfg, log: log.Named("docker")}, nil
}

// Close releases the client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Create pulls the image if needed and starts a fresh container.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Environment, error) {
	if err := p.ensureImage(ctx, p.cfg.Image); err != nil {
		return nil, err
	}

	name := namePrefix + uuid.NewString()[:8]
	labels := containerLabels(opts.Labels, name, time.Now().Add(opts.Timeout))

	containerConfig, hostConfig := containerConfigs(p.cfg, labels)
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(context.Background(), resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	env := &Env{p: p, id: resp.ID, name: name}
	env.armTimer(opts.Timeout)
	p.log.Info("container started", zap.String("name", name), zap.String("id", shortID(resp.ID)))
	return env, nil
}

func (p *Provider) ensureImage(ctx context.Context, image string) error {
	_, _, err := p.client.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}

	p.log.Info("pulling image", zap.String("image", image))
	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

// Env is one sandbox container.
type Env struct {
	p    *Provider
	id   string
	name string

	mu    sync.Mutex
	timer *time.Timer
}

func (e *Env) ID() string { return e.name }

// armTimer emulates a time-to-live: when it fires the container is removed.
func (e *Env) armTimer(ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	if ttl <= 0 {
		e.timer = nil
		return
	}
	e.timer = time.AfterFunc(ttl, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.p.log.Info("sandbox expired", zap.String("name", e.name))
		_ = e.p.client.ContainerRemove(ctx, e.id, containerTypes.RemoveOptions{Force: true})
	})
}

// SetTimeout checks the container is still running and restarts the
// expiry timer.
func (e *Env) SetTimeout(ctx context.Context, ttl time.Duration) error {
	info, err := e.p.client.ContainerInspect(ctx, e.id)
	if err != nil {
		return e.wrap("inspect", err)
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("container %s is not running: %w", e.name, sandbox.ErrNotFound)
	}
	e.armTimer(ttl)
	return nil
}

// Run executes cmd with sh -c.
func (e *Env) Run(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	return e.exec(ctx, []string{"sh", "-c", cmd}, opts, nil)
}

// Start launches cmd detached with nohup and returns its PID. Output goes
// to a per-process log under /tmp.
func (e *Env) Start(ctx context.Context, cmd string, opts sandbox.RunOptions) (int, error) {
	logFile := "/tmp/sandcastle-" + uuid.NewString()[:8] + ".log"
	res, err := e.exec(ctx, []string{"sh", "-c", backgroundCommand(cmd, logFile)}, sandbox.RunOptions{Cwd: opts.Cwd, Env: opts.Env}, nil)
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("starting background command: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parsePID(res.Stdout)
}

// WriteFile streams data into path, creating parent directories.
func (e *Env) WriteFile(ctx context.Context, path string, data []byte) error {
	cmd := []string{"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", path}
	res, err := e.exec(ctx, cmd, sandbox.RunOptions{}, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (e *Env) ReadFile(ctx context.Context, path string) ([]byte, error) {
	res, err := e.exec(ctx, []string{"cat", "--", path}, sandbox.RunOptions{}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("reading %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

func (e *Env) ListFiles(ctx context.Context, dir string) ([]sandbox.FileInfo, error) {
	cmd := []string{"find", dir, "-mindepth", "1", "-maxdepth", "1", "-printf", `%f\t%y\t%s\n`}
	res, err := e.exec(ctx, cmd, sandbox.RunOptions{}, nil)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing %s: %s", dir, strings.TrimSpace(res.Stderr))
	}
	return parseListing(res.Stdout), nil
}

func (e *Env) Stat(ctx context.Context, path string) (sandbox.FileInfo, error) {
	cmd := []string{"find", path, "-maxdepth", "0", "-printf", `%f\t%y\t%s\n`}
	res, err := e.exec(ctx, cmd, sandbox.RunOptions{}, nil)
	if err != nil {
		return sandbox.FileInfo{}, err
	}
	if res.ExitCode != 0 {
		return sandbox.FileInfo{}, fmt.Errorf("stat %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	files := parseListing(res.Stdout)
	if len(files) != 1 {
		return sandbox.FileInfo{}, fmt.Errorf("stat %s: unexpected output %q", path, res.Stdout)
	}
	return files[0], nil
}

// PublishedURL returns the host address Docker bound for port.
func (e *Env) PublishedURL(port int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := e.p.client.ContainerInspect(ctx, e.id)
	if err != nil {
		return "", e.wrap("inspect", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("port %d is not published", port)
	}
	return hostURL(info.NetworkSettings.Ports, port)
}

// Kill force-removes the container.
func (e *Env) Kill(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	if err := e.p.client.ContainerRemove(ctx, e.id, containerTypes.RemoveOptions{Force: true}); err != nil {
		return e.wrap("remove", err)
	}
	return nil
}

func (e *Env) exec(ctx context.Context, cmd []string, opts sandbox.RunOptions, stdin io.Reader) (*sandbox.CommandResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
		Env:          envSlice(opts.Env),
		WorkingDir:   opts.Cwd,
	}

	execCreate, err := e.p.client.ContainerExecCreate(ctx, e.id, execConfig)
	if err != nil {
		return nil, e.wrap("exec create", err)
	}

	resp, err := e.p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, e.wrap("exec attach", err)
	}
	defer resp.Close()

	// Unblock the reader when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			resp.Close()
		case <-done:
		}
	}()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, stdin)
			_ = resp.CloseWrite()
		}()
	}

	stdout := &lineWriter{onLine: opts.OnStdout}
	stderr := &lineWriter{onLine: opts.OnStderr}
	_, err = stdcopy.StdCopy(stdout, stderr, resp.Reader)
	stdout.Flush()
	stderr.Flush()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && opts.Timeout > 0 {
			return &sandbox.CommandResult{
				ExitCode: 124,
				Stdout:   stdout.String(),
				Stderr:   stderr.String() + fmt.Sprintf("\ncommand timed out after %s", opts.Timeout),
			}, nil
		}
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := e.p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, e.wrap("exec inspect", err)
	}

	return &sandbox.CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// wrap maps daemon errors for a vanished or stopped container onto
// sandbox.ErrNotFound.
func (e *Env) wrap(op string, err error) error {
	if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
		return fmt.Errorf("%s %s: %v: %w", op, e.name, err, sandbox.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, e.name, err)
}

func containerLabels(extra map[string]string, name string, expires time.Time) map[string]string {
	labels := make(map[string]string, len(extra)+2)
	maps.Copy(labels, extra)
	labels[labelSession] = name
	labels[labelExpiresAt] = expires.UTC().Format(time.RFC3339)
	return labels
}

func portBindings(ports []int) (nat.PortSet, nat.PortMap) {
	if len(ports) == 0 {
		return nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: "", // Docker assigns a random port
		}}
	}
	return exposed, bindings
}

func hostURL(ports nat.PortMap, port int) (string, error) {
	for _, b := range ports[nat.Port(fmt.Sprintf("%d/tcp", port))] {
		if b.HostPort == "" {
			continue
		}
		host := b.HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		return fmt.Sprintf("http://%s:%s", host, b.HostPort), nil
	}
	return "", fmt.Errorf("port %d is not published", port)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// containerConfigs describes the sandbox container. Init runs docker-init
// as PID 1 so detached servers that exit are reaped instead of lingering
// as zombies that still answer kill -0.
func containerConfigs(cfg Config, labels map[string]string) (*containerTypes.Config, *containerTypes.HostConfig) {
	reap := true
	exposed, bindings := portBindings(cfg.Ports)
	cc := &containerTypes.Config{
		Image:        cfg.Image,
		Cmd:          []string{"sleep", "infinity"},
		WorkingDir:   cfg.Workdir,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hc := &containerTypes.HostConfig{
		Init:         &reap,
		PortBindings: bindings,
	}
	return cc, hc
}

func backgroundCommand(cmd, logFile string) string {
	return fmt.Sprintf("nohup sh -c %s > %s 2>&1 < /dev/null & echo $!", shellQuote(cmd), shellQuote(logFile))
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parsePID(out string) (int, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("no pid in output %q", out)
	}
	pid, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("parsing pid from %q: %w", out, err)
	}
	return pid, nil
}

// parseListing reads `find -printf '%f\t%y\t%s\n'` output.
func parseListing(out string) []sandbox.FileInfo {
	var files []sandbox.FileInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(parts[2], 10, 64)
		files = append(files, sandbox.FileInfo{
			Name:  parts[0],
			IsDir: parts[1] == "d",
			Size:  size,
		})
	}
	return files
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// lineWriter buffers everything written and reports complete lines.
type lineWriter struct {
	buf     bytes.Buffer
	partial []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.onLine(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush reports a trailing line without a newline.
func (w *lineWriter) Flush() {
	if w.onLine != nil && len(w.partial) > 0 {
		w.onLine(string(w.partial))
	}
	w.partial = nil
}

func (w *lineWriter) String() string { return w.buf.String() }
