// Package runtime drives the conversation: it streams model responses,
// dispatches tool calls, continues truncated responses, and keeps the
// sandbox alive between rounds.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kehao95/sandcastle/internal/config"
	"github.com/kehao95/sandcastle/internal/llm"
	"github.com/kehao95/sandcastle/internal/notify"
	"github.com/kehao95/sandcastle/internal/sandbox"
	"github.com/kehao95/sandcastle/internal/stream"
	"github.com/kehao95/sandcastle/internal/supervisor"
	"github.com/kehao95/sandcastle/internal/tape"
	"github.com/kehao95/sandcastle/internal/tools"
)

const (
	// ContinuePrompt asks the model to resume a truncated response.
	ContinuePrompt = "Your previous response was cut off. Continue exactly where you left off."

	truncatedToolResult   = "not executed: response was truncated"
	interruptedToolResult = "not executed: interrupted"
)

// Output is where everything the user sees goes: streamed text, tool
// progress and notices.
type Output interface {
	stream.Observer
	notify.Notifier
	ToolStarted(name string, input map[string]any)
	ToolFinished(name string, res tools.Result)
}

// Runtime holds one conversation.
type Runtime struct {
	cfg        *config.Config
	provider   llm.Provider
	mgr        *sandbox.Manager
	sup        *supervisor.Supervisor
	dispatcher *tools.Dispatcher
	out        Output
	log        *zap.Logger

	tape       *tape.Tape
	tapeWriter *tape.Writer
	model      string
	system     string
}

// New creates a Runtime. The transcript is written best effort: if its
// directory cannot be created the conversation still runs.
func New(cfg *config.Config, provider llm.Provider, mgr *sandbox.Manager, sup *supervisor.Supervisor, dispatcher *tools.Dispatcher, out Output, log *zap.Logger) *Runtime {
	r := &Runtime{
		cfg:        cfg,
		provider:   provider,
		mgr:        mgr,
		sup:        sup,
		dispatcher: dispatcher,
		out:        out,
		log:        log.Named("runtime"),
		tape:       tape.NewTape(cfg.SessionID, provider.Model()),
		model:      provider.Model(),
	}

	tw, err := tape.NewWriter(cfg.DataDir, cfg.SessionID)
	if err != nil {
		r.log.Warn("transcript disabled", zap.Error(err))
	} else {
		r.tapeWriter = tw
	}
	r.writeTapeEntry(r.tape.MetaEntry())
	return r
}

// Tape returns the conversation so far.
func (r *Runtime) Tape() *tape.Tape { return r.tape }

// TranscriptPath returns the JSONL transcript path, or "" if disabled.
func (r *Runtime) TranscriptPath() string {
	if r.tapeWriter == nil {
		return ""
	}
	return r.tapeWriter.Path()
}

// Model returns the model id used for the next round.
func (r *Runtime) Model() string { return r.model }

// SetModel switches the model for subsequent rounds.
func (r *Runtime) SetModel(id string) {
	r.log.Info("model switched", zap.String("from", r.model), zap.String("to", id))
	r.model = id
}

// Notify shows a notice and records it in the transcript. Components
// constructed before the Runtime reach it through a notify.Func.
func (r *Runtime) Notify(level notify.Level, msg string) {
	r.out.Notify(level, msg)
	r.writeTapeEntry(tape.NoticeEntry(level.String(), msg))
}

func (r *Runtime) notifyf(level notify.Level, format string, args ...any) {
	r.Notify(level, fmt.Sprintf(format, args...))
}

// Converse appends the user's message and runs model rounds until the
// model stops asking for tools, a cap is reached, or a fatal error occurs.
func (r *Runtime) Converse(ctx context.Context, message string) error {
	if r.system == "" {
		r.system = BuildSystemPrompt(r.cfg, r.workdirListing(ctx))
	}

	r.appendTurn(tape.Turn{Role: tape.RoleUser, Blocks: []tape.Block{tape.TextBlock(message)}})
	defer r.writeTapeEntry(r.tape.UsageEntry())

	continuations := 0
	toolRounds := 0
	for {
		// Renew before every round; a destroyed sandbox is replaced here.
		if recreated, err := r.mgr.RenewTimeout(ctx); err != nil {
			return err
		} else if recreated {
			r.log.Info("continuing on recreated sandbox")
		}
		r.sup.BeginRound()

		res, err := r.streamRound(ctx)
		if err != nil {
			return err
		}
		for _, w := range res.Warnings {
			r.notifyf(notify.Warn, "malformed tool call: %s", w)
		}
		r.tape.AddUsage(res.Usage.InputTokens, res.Usage.OutputTokens)

		blocks := res.Blocks
		if len(blocks) == 0 {
			blocks = []tape.Block{tape.TextBlock("")}
		}
		assistant := r.appendTurn(tape.Turn{Role: tape.RoleAssistant, Blocks: blocks})

		switch res.StopReason {
		case stream.StopMaxTokens:
			continuations++
			if continuations > r.cfg.MaxContinuations {
				// Tool calls in the cut-off turn still need an answer or the
				// next request is rejected.
				if results := unexecutedResults(assistant, truncatedToolResult); len(results) > 0 {
					r.appendTurn(tape.Turn{Role: tape.RoleUser, Blocks: results})
				}
				r.notifyf(notify.Warn, "response still truncated after %d continuations; stopping", r.cfg.MaxContinuations)
				return nil
			}
			r.log.Info("response truncated, continuing", zap.Int("continuation", continuations))
			r.appendTurn(continuationTurn(assistant))

		case stream.StopToolUse:
			results, err := r.runTools(ctx, assistant.ToolUses())
			r.appendTurn(tape.Turn{Role: tape.RoleUser, Blocks: results})
			if err != nil {
				return err
			}
			continuations = 0
			toolRounds++
			if r.cfg.MaxToolRounds > 0 && toolRounds > r.cfg.MaxToolRounds {
				r.notifyf(notify.Warn, "tool round limit of %d exceeded; stopping", r.cfg.MaxToolRounds)
				return nil
			}

		default:
			return nil
		}
	}
}

// streamRound runs one model call. A stream that breaks mid-response is
// retried; authentication and context-size errors are not.
func (r *Runtime) streamRound(ctx context.Context) (stream.Result, error) {
	req := llm.Request{
		Model:  r.model,
		System: r.system,
		Turns:  r.tape.Turns(),
		Tools:  r.dispatcher.Schemas(),
	}

	for attempt := 0; ; attempt++ {
		src, err := r.provider.Stream(ctx, req)
		if err != nil {
			return stream.Result{}, fmt.Errorf("calling model: %w", err)
		}
		res, err := stream.Collect(ctx, src, r.out)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return stream.Result{}, ctx.Err()
		}
		if errors.Is(err, llm.ErrAuth) || errors.Is(err, llm.ErrContextOverflow) || attempt >= r.cfg.StreamRetries {
			return stream.Result{}, fmt.Errorf("streaming response: %w", err)
		}
		r.log.Warn("stream interrupted", zap.Int("attempt", attempt+1), zap.Error(err))
		r.notifyf(notify.Warn, "response stream interrupted; retrying (%d/%d)", attempt+1, r.cfg.StreamRetries)
	}
}

// runTools executes tool calls one at a time in emitted order. If ctx is
// cancelled the remaining calls still get a result so the turn stays
// well formed.
func (r *Runtime) runTools(ctx context.Context, uses []tape.Block) ([]tape.Block, error) {
	results := make([]tape.Block, 0, len(uses))
	for _, use := range uses {
		if ctx.Err() != nil {
			results = append(results, tape.ToolResultBlock(use.ID, interruptedToolResult, true))
			continue
		}
		r.out.ToolStarted(use.Name, use.Input)
		res := r.dispatcher.Execute(ctx, use.Name, use.Input)
		r.out.ToolFinished(use.Name, res)
		r.log.Debug("tool finished", zap.String("tool", use.Name), zap.String("id", use.ID), zap.Bool("error", res.IsError))
		results = append(results, tape.ToolResultBlock(use.ID, res.Content, res.IsError))
	}
	return results, ctx.Err()
}

// continuationTurn answers every tool call of a truncated turn and asks
// the model to go on.
func continuationTurn(truncated tape.Turn) tape.Turn {
	blocks := unexecutedResults(truncated, truncatedToolResult)
	blocks = append(blocks, tape.TextBlock(ContinuePrompt))
	return tape.Turn{Role: tape.RoleUser, Blocks: blocks}
}

// unexecutedResults answers every tool call in turn with an error result.
func unexecutedResults(turn tape.Turn, content string) []tape.Block {
	var blocks []tape.Block
	for _, use := range turn.ToolUses() {
		blocks = append(blocks, tape.ToolResultBlock(use.ID, content, true))
	}
	return blocks
}

func (r *Runtime) appendTurn(turn tape.Turn) tape.Turn {
	turn = r.tape.Append(turn)
	r.writeTapeEntry(tape.TurnEntry(turn))
	return turn
}

// workdirListing lists the sandbox workdir for the system prompt. Failure
// only costs the listing.
func (r *Runtime) workdirListing(ctx context.Context) []sandbox.FileInfo {
	sess, err := r.mgr.EnsureReady(ctx)
	if err != nil {
		r.log.Warn("sandbox not ready for listing", zap.Error(err))
		return nil
	}
	files, err := sess.Env.ListFiles(ctx, r.cfg.Sandbox.Workdir)
	if err != nil {
		r.log.Warn("listing workdir", zap.Error(err))
		return nil
	}
	return files
}

func (r *Runtime) writeTapeEntry(entry tape.Entry) {
	if r.tapeWriter == nil {
		return
	}
	if err := r.tapeWriter.WriteEntry(entry); err != nil {
		r.log.Warn("transcript write failed", zap.Error(err))
	}
}
