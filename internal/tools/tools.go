// Package tools dispatches model tool calls to their handlers and turns every
// outcome, including failures, into a tool result the model can read.
package tools

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/llm"
)

// Handler runs one tool. input has already been checked against the
// schema's required list.
type Handler func(ctx context.Context, input map[string]any) (string, error)

// Result is the content of a tool_result block.
type Result struct {
	Content string
	IsError bool
}

// Failed is returned by a handler whose output should reach the model
// unchanged but flagged as an error, e.g. a command that exited nonzero.
type Failed struct {
	Output string
}

func (f *Failed) Error() string { return f.Output }

// Dispatcher routes tool calls by name.
type Dispatcher struct {
	schemas  []llm.ToolSchema
	handlers map[string]Handler
	required map[string][]string
	log      *zap.Logger
}

// NewDispatcher checks that schemas and handlers match one to one.
func NewDispatcher(schemas []llm.ToolSchema, handlers map[string]Handler, log *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		schemas:  schemas,
		handlers: handlers,
		required: make(map[string][]string, len(schemas)),
		log:      log.Named("tools"),
	}
	for _, s := range schemas {
		if _, dup := d.required[s.Name]; dup {
			return nil, fmt.Errorf("duplicate tool schema %q", s.Name)
		}
		if handlers[s.Name] == nil {
			return nil, fmt.Errorf("tool %q has no handler", s.Name)
		}
		d.required[s.Name] = requiredArgs(s)
	}
	for name := range handlers {
		if _, ok := d.required[name]; !ok {
			return nil, fmt.Errorf("handler %q has no schema", name)
		}
	}
	return d, nil
}

// Schemas returns the tool list offered to the model.
func (d *Dispatcher) Schemas() []llm.ToolSchema {
	return d.schemas
}

// Execute runs the named tool. It never panics and never returns an error;
// failures are reported in the Result.
func (d *Dispatcher) Execute(ctx context.Context, name string, input map[string]any) (res Result) {
	h, ok := d.handlers[name]
	if !ok {
		d.log.Warn("unknown tool", zap.String("tool", name))
		return Result{Content: fmt.Sprintf("Error: unknown tool %q", name), IsError: true}
	}
	if input == nil {
		input = map[string]any{}
	}
	for _, arg := range d.required[name] {
		if _, ok := input[arg]; !ok {
			return Result{Content: fmt.Sprintf("Error: %s: missing required argument %q", name, arg), IsError: true}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool panicked", zap.String("tool", name), zap.Any("panic", r))
			res = Result{Content: fmt.Sprintf("Error: %s panicked: %v", name, r), IsError: true}
		}
	}()

	out, err := h(ctx, input)
	if err != nil {
		var failed *Failed
		if errors.As(err, &failed) {
			return Result{Content: failed.Output, IsError: true}
		}
		d.log.Info("tool failed", zap.String("tool", name), zap.Error(err))
		return Result{Content: fmt.Sprintf("Error: %s: %v", name, err), IsError: true}
	}
	return Result{Content: out}
}

// requiredArgs reads the "required" list from a schema's parameters.
func requiredArgs(s llm.ToolSchema) []string {
	switch req := s.Parameters["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if name, ok := v.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

// truncate returns data as a string, cut to max bytes with a trailing notice.
func truncate(data string, max int) string {
	if max <= 0 || len(data) <= max {
		return data
	}
	// Cut on a rune boundary so the kept prefix stays valid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return data[:cut] + fmt.Sprintf("\n...[Output Truncated, %d bytes total]", len(data))
}

// formatCommandResult renders a finished command the way the model sees it.
func formatCommandResult(exitCode int, stdout, stderr string, max int) string {
	return fmt.Sprintf("[EXIT CODE] %d\n[STDOUT]\n%s\n[STDERR]\n%s", exitCode, truncate(stdout, max), truncate(stderr, max))
}
