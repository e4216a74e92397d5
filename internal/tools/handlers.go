package tools

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/localsync"
	"github.com/kehao95/sandcastle/internal/sandbox"
	"github.com/kehao95/sandcastle/internal/supervisor"
)

// ToolboxOptions configures the sandbox tool handlers.
type ToolboxOptions struct {
	Workdir   string
	MaxOutput int

	// OnOutput receives foreground command output line by line; stream is
	// "stdout" or "stderr".
	OnOutput func(stream, line string)
}

// Toolbox implements the sandbox tools. It holds no session of its own:
// every call asks the manager for the current one.
type Toolbox struct {
	mgr    *sandbox.Manager
	sup    *supervisor.Supervisor
	folder *localsync.Folder
	opts   ToolboxOptions
	log    *zap.Logger
}

func NewToolbox(mgr *sandbox.Manager, sup *supervisor.Supervisor, folder *localsync.Folder, opts ToolboxOptions, log *zap.Logger) *Toolbox {
	if opts.Workdir == "" {
		opts.Workdir = "/home/user"
	}
	return &Toolbox{mgr: mgr, sup: sup, folder: folder, opts: opts, log: log.Named("toolbox")}
}

// Handlers returns a handler for every schema in AllToolSchemas.
func (t *Toolbox) Handlers() map[string]Handler {
	return map[string]Handler{
		"write_file":        t.writeFile,
		"write_files":       t.writeFiles,
		"read_file":         t.readFile,
		"list_files":        t.listFiles,
		"run_command":       t.runCommand,
		"get_preview_url":   t.getPreviewURL,
		"restart_server":    t.restartServer,
		"sync_to_local":     t.syncToLocal,
		"delete_from_local": t.deleteFromLocal,
	}
}

// resolve makes p absolute against the working directory.
func (t *Toolbox) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(t.opts.Workdir, p)
}

func (t *Toolbox) env(ctx context.Context) (sandbox.Environment, error) {
	sess, err := t.mgr.EnsureReady(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Env, nil
}

func (t *Toolbox) write(ctx context.Context, env sandbox.Environment, p, content string) (string, error) {
	full := t.resolve(p)
	if err := env.WriteFile(ctx, full, []byte(content)); err != nil {
		return "", fmt.Errorf("writing %s: %w", full, err)
	}
	t.sup.AfterWrite(ctx, full)
	return full, nil
}

func (t *Toolbox) writeFile(ctx context.Context, input map[string]any) (string, error) {
	p, err := stringArg(input, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(input, "content")
	if err != nil {
		return "", err
	}
	env, err := t.env(ctx)
	if err != nil {
		return "", err
	}
	full, err := t.write(ctx, env, p, content)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), full), nil
}

func (t *Toolbox) writeFiles(ctx context.Context, input map[string]any) (string, error) {
	files, ok := input["files"].([]any)
	if !ok {
		return "", fmt.Errorf("argument \"files\" must be an array")
	}
	env, err := t.env(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i, f := range files {
		entry, ok := f.(map[string]any)
		if !ok {
			return b.String(), fmt.Errorf("files[%d] must be an object", i)
		}
		p, err := stringArg(entry, "path")
		if err != nil {
			return b.String(), fmt.Errorf("files[%d]: %w", i, err)
		}
		content, err := stringArg(entry, "content")
		if err != nil {
			return b.String(), fmt.Errorf("files[%d]: %w", i, err)
		}
		full, err := t.write(ctx, env, p, content)
		if err != nil {
			return b.String(), err
		}
		fmt.Fprintf(&b, "Wrote %d bytes to %s\n", len(content), full)
	}
	fmt.Fprintf(&b, "%d file(s) written", len(files))
	return b.String(), nil
}

func (t *Toolbox) readFile(ctx context.Context, input map[string]any) (string, error) {
	p, err := stringArg(input, "path")
	if err != nil {
		return "", err
	}
	env, err := t.env(ctx)
	if err != nil {
		return "", err
	}
	data, err := env.ReadFile(ctx, t.resolve(p))
	if err != nil {
		return "", err
	}
	return truncate(string(data), t.opts.MaxOutput), nil
}

func (t *Toolbox) listFiles(ctx context.Context, input map[string]any) (string, error) {
	dir := t.opts.Workdir
	if p, _ := input["path"].(string); p != "" {
		dir = t.resolve(p)
	}
	env, err := t.env(ctx)
	if err != nil {
		return "", err
	}
	entries, err := env.ListFiles(ctx, dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return fmt.Sprintf("%s is empty", dir), nil
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Name)
		if e.IsDir {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
	}
	return truncate(strings.TrimSuffix(b.String(), "\n"), t.opts.MaxOutput), nil
}

func (t *Toolbox) runCommand(ctx context.Context, input map[string]any) (string, error) {
	command, err := stringArg(input, "command")
	if err != nil {
		return "", err
	}
	env, err := t.env(ctx)
	if err != nil {
		return "", err
	}
	opts := sandbox.RunOptions{Cwd: t.opts.Workdir}

	if background, _ := input["background"].(bool); background {
		pid, err := env.Start(ctx, command, opts)
		if err != nil {
			return "", err
		}
		t.log.Info("background command started", zap.String("command", command), zap.Int("pid", pid))
		return fmt.Sprintf("Started in background with PID %d", pid), nil
	}

	if secs, ok := input["timeout"].(float64); ok && secs > 0 {
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}
	if t.opts.OnOutput != nil {
		opts.OnStdout = func(line string) { t.opts.OnOutput("stdout", line) }
		opts.OnStderr = func(line string) { t.opts.OnOutput("stderr", line) }
	}

	res, err := env.Run(ctx, command, opts)
	if err != nil {
		return "", err
	}
	out := formatCommandResult(res.ExitCode, res.Stdout, res.Stderr, t.opts.MaxOutput)
	if res.ExitCode != 0 {
		return "", &Failed{Output: out}
	}
	return out, nil
}

func (t *Toolbox) getPreviewURL(ctx context.Context, _ map[string]any) (string, error) {
	res, err := t.sup.PreviewURL(ctx)
	if err != nil {
		return "", err
	}
	return formatPreview(res), nil
}

func (t *Toolbox) restartServer(ctx context.Context, _ map[string]any) (string, error) {
	res, err := t.sup.Restart(ctx)
	if err != nil {
		return "", err
	}
	return formatPreview(res), nil
}

func formatPreview(res supervisor.Result) string {
	var b strings.Builder
	if res.Message != "" {
		b.WriteString(res.Message)
		b.WriteByte('\n')
	}
	if res.URL != "" {
		fmt.Fprintf(&b, "Preview URL: %s", res.URL)
	} else {
		b.WriteString("No preview URL is available yet.")
	}
	if res.Title != "" {
		fmt.Fprintf(&b, "\nPage title: %s", res.Title)
	}
	return b.String()
}

func (t *Toolbox) syncToLocal(ctx context.Context, input map[string]any) (string, error) {
	src, err := stringArg(input, "sandbox_path")
	if err != nil {
		return "", err
	}
	local, _ := input["local_path"].(string)
	env, err := t.env(ctx)
	if err != nil {
		return "", err
	}
	n, err := t.folder.Download(ctx, env, t.resolve(src), local)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Downloaded %d file(s) into %s", n, t.folder.Root()), nil
}

func (t *Toolbox) deleteFromLocal(_ context.Context, input map[string]any) (string, error) {
	local, err := stringArg(input, "local_path")
	if err != nil {
		return "", err
	}
	if err := t.folder.Delete(local); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted %s from %s", local, t.folder.Root()), nil
}

func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}
