package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kehao95/sandcastle/internal/tape"
)

// Observer receives block-start and delta events for live display. It
// never influences assembly.
type Observer interface {
	OnBlockStart(kind BlockKind, name string)
	OnTextDelta(text string)
	OnToolInputDelta(fragment string)
}

// Warning flags a tool_use block whose input could not be parsed, or a
// delta that arrived without an open block.
type Warning struct {
	ToolUseID string
	ToolName  string
	Err       error
}

func (w Warning) String() string {
	if w.ToolUseID == "" {
		return w.Err.Error()
	}
	return fmt.Sprintf("tool call %s (%s): %v", w.ToolName, w.ToolUseID, w.Err)
}

// Result is the outcome of one streamed response.
type Result struct {
	Blocks     []tape.Block
	StopReason StopReason
	Warnings   []Warning
	Usage      Usage
}

// ToolUses returns the tool_use blocks in emitted order.
func (r Result) ToolUses() []tape.Block {
	return tape.Turn{Blocks: r.Blocks}.ToolUses()
}

type state int

const (
	stateIdle state = iota
	stateInText
	stateInTool
	stateFlushed
)

// errNotObject is reported when tool input parses but is not a JSON object.
var errNotObject = errors.New("tool input is not a JSON object")

// Assembler folds events into content blocks:
//
//	idle -> inText | inTool -> idle ... -> flushed
//
// It never fails; malformed tool input degrades to an empty input plus a
// Warning.
type Assembler struct {
	obs   Observer
	state state

	text strings.Builder

	toolID   string
	toolName string
	toolArgs strings.Builder

	blocks   []tape.Block
	stop     string
	warnings []Warning
	usage    Usage
}

// NewAssembler returns an Assembler. obs may be nil.
func NewAssembler(obs Observer) *Assembler {
	return &Assembler{obs: obs}
}

// Assemble folds a complete event list.
func Assemble(events []Event, obs Observer) Result {
	a := NewAssembler(obs)
	for _, ev := range events {
		a.Feed(ev)
	}
	return a.Finish()
}

// Feed applies one event. Events after Finish are ignored.
func (a *Assembler) Feed(ev Event) {
	if a.state == stateFlushed {
		return
	}

	switch ev.Type {
	case EventBlockStart:
		a.closeBlock()
		switch ev.Kind {
		case KindToolUse:
			a.state = stateInTool
			a.toolID = ev.ID
			a.toolName = ev.Name
		default:
			a.state = stateInText
			// Anthropic may carry initial text on the start event.
			a.text.WriteString(ev.Text)
		}
		if a.obs != nil {
			a.obs.OnBlockStart(ev.Kind, ev.Name)
			if ev.Kind != KindToolUse && ev.Text != "" {
				a.obs.OnTextDelta(ev.Text)
			}
		}

	case EventBlockDelta:
		switch {
		case ev.PartialJSON != "" || (ev.Text == "" && a.state == stateInTool):
			if a.state != stateInTool {
				a.warnings = append(a.warnings, Warning{
					Err: fmt.Errorf("tool input fragment outside a tool_use block dropped"),
				})
				return
			}
			a.toolArgs.WriteString(ev.PartialJSON)
			if a.obs != nil && ev.PartialJSON != "" {
				a.obs.OnToolInputDelta(ev.PartialJSON)
			}
		default:
			if a.state != stateInText {
				a.closeBlock()
				a.state = stateInText
				if a.obs != nil {
					a.obs.OnBlockStart(KindText, "")
				}
			}
			a.text.WriteString(ev.Text)
			if a.obs != nil && ev.Text != "" {
				a.obs.OnTextDelta(ev.Text)
			}
		}

	case EventBlockStop:
		a.closeBlock()

	case EventMessageDelta:
		if ev.StopReason != "" {
			a.stop = ev.StopReason
		}
		a.addUsage(ev.Usage)

	case EventMessageStop:
		a.addUsage(ev.Usage)
	}
}

// Finish flushes any open block and returns the result. It may be called
// more than once.
func (a *Assembler) Finish() Result {
	a.closeBlock()
	a.state = stateFlushed

	stop := ParseStopReason(a.stop)
	blocks := make([]tape.Block, len(a.blocks))
	copy(blocks, a.blocks)
	res := Result{
		Blocks:     blocks,
		StopReason: stop,
		Warnings:   append([]Warning(nil), a.warnings...),
		Usage:      a.usage,
	}
	// Some OpenAI-compatible servers finish with "stop" even when the
	// message carries tool calls.
	if stop == StopEnd && len(res.ToolUses()) > 0 {
		res.StopReason = StopToolUse
	}
	return res
}

func (a *Assembler) addUsage(u Usage) {
	if u.InputTokens > 0 {
		a.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		a.usage.OutputTokens = u.OutputTokens
	}
}

func (a *Assembler) closeBlock() {
	switch a.state {
	case stateInText:
		if a.text.Len() > 0 {
			a.blocks = append(a.blocks, tape.TextBlock(a.text.String()))
		}
		a.text.Reset()
	case stateInTool:
		input, err := parseToolInput(a.toolArgs.String())
		if err != nil {
			a.warnings = append(a.warnings, Warning{ToolUseID: a.toolID, ToolName: a.toolName, Err: err})
		}
		a.blocks = append(a.blocks, tape.ToolUseBlock(a.toolID, a.toolName, input))
		a.toolID, a.toolName = "", ""
		a.toolArgs.Reset()
	default:
		return
	}
	a.state = stateIdle
}

// parseToolInput parses the concatenated fragments. It always returns a
// non-nil map.
func parseToolInput(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return map[string]any{}, fmt.Errorf("malformed tool input: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}, errNotObject
	}
	return obj, nil
}
