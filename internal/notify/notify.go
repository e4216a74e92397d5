// Package notify carries user-visible notices (restart notices, retry
// warnings, lost-state warnings) from the core to whatever renders them.
package notify

import (
	"fmt"
	"sync"
)

// Level classifies a notice.
type Level int

const (
	Info Level = iota
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Notifier receives user-visible notices.
type Notifier interface {
	Notify(level Level, msg string)
}

// Func adapts a function to Notifier.
type Func func(level Level, msg string)

func (f Func) Notify(level Level, msg string) { f(level, msg) }

// Discard drops every notice.
var Discard Notifier = Func(func(Level, string) {})

// Notifyf formats and sends a notice. A nil notifier is ignored.
func Notifyf(n Notifier, level Level, format string, args ...any) {
	if n == nil {
		return
	}
	n.Notify(level, fmt.Sprintf(format, args...))
}

// Notice is one recorded notice.
type Notice struct {
	Level   Level
	Message string
}

// Recorder keeps notices in memory. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Level: level, Message: msg})
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}
