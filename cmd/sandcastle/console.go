package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/kehao95/sandcastle/internal/notify"
	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/tools"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
)

// console renders the conversation: model text and tool progress to out,
// notices to errw. Safe for concurrent use since scheduled tasks notify
// from their own goroutines.
type console struct {
	mu    sync.Mutex
	out   io.Writer
	errw  io.Writer
	color bool

	// midLine is true when the last byte written to out was not a newline.
	midLine bool
}

func newConsole(out, errw io.Writer, color bool) *console {
	return &console{out: out, errw: errw, color: color}
}

// stdConsole writes to the process's stdout and stderr, with colour when
// stderr is a terminal and NO_COLOR is unset.
func stdConsole() *console {
	color := os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stderr.Fd()))
	return newConsole(os.Stdout, os.Stderr, color)
}

func (c *console) paint(code, s string) string {
	if !c.color {
		return s
	}
	return code + s + ansiReset
}

// endLine terminates a partially written line. Caller holds c.mu.
func (c *console) endLine() {
	if c.midLine {
		fmt.Fprintln(c.out)
		c.midLine = false
	}
}

func (c *console) OnBlockStart(kind stream.BlockKind, name string) {
	if kind != stream.KindToolUse {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
	fmt.Fprintln(c.out, c.paint(ansiDim, "… preparing "+name))
}

func (c *console) OnTextDelta(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, text)
	c.midLine = !strings.HasSuffix(text, "\n")
}

func (c *console) OnToolInputDelta(string) {}

func (c *console) Notify(level notify.Level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()

	code := ansiCyan
	switch level {
	case notify.Warn:
		code = ansiYellow
	case notify.Error:
		code = ansiRed
	}
	fmt.Fprintf(c.errw, "%s %s\n", c.paint(code, "["+level.String()+"]"), msg)
}

func (c *console) ToolStarted(name string, input map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
	line := "→ " + name
	if s := toolSummary(input); s != "" {
		line += " " + s
	}
	fmt.Fprintln(c.out, c.paint(ansiCyan, line))
}

func (c *console) ToolFinished(name string, res tools.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
	if res.IsError {
		first, _, _ := strings.Cut(res.Content, "\n")
		fmt.Fprintln(c.out, c.paint(ansiRed, "✗ "+name+": "+first))
		return
	}
	fmt.Fprintln(c.out, c.paint(ansiGreen, "✓ "+name))
}

// CommandOutput shows one line of a running command's output.
func (c *console) CommandOutput(streamName, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
	prefix := "  │ "
	if streamName == "stderr" {
		prefix = "  ! "
	}
	fmt.Fprintln(c.out, c.paint(ansiDim, prefix+line))
}

// Finish ends any partially written line.
func (c *console) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
}

// Prompt prints the REPL prompt.
func (c *console) Prompt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLine()
	fmt.Fprint(c.out, c.paint(ansiGreen, "> "))
}

// toolSummary picks the argument that best identifies a call.
func toolSummary(input map[string]any) string {
	for _, key := range []string{"path", "command", "sandbox_path", "local_path"} {
		if s, ok := input[key].(string); ok && s != "" {
			if len(s) > 60 {
				s = s[:57] + "..."
			}
			return s
		}
	}
	if files, ok := input["files"].([]any); ok {
		return fmt.Sprintf("(%d files)", len(files))
	}
	return ""
}
