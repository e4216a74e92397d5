package tape

import (
	"encoding/json"
	"maps"
	"time"
)

// Role identifies the sender of a turn in the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the variants of Block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one unit of a turn: free text, a tool invocation request, or
// the result of a tool invocation. Only the fields of its Type are set.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use block. A nil input becomes an empty map.
func ToolUseBlock(id, name string, input map[string]any) Block {
	if input == nil {
		input = map[string]any{}
	}
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Turn is a single role's contribution to the conversation.
type Turn struct {
	Role      Role    `json:"role"`
	Blocks    []Block `json:"blocks"`
	Timestamp int64   `json:"timestamp"`
}

// ToolUses returns the tool_use blocks of the turn in emitted order.
func (t Turn) ToolUses() []Block {
	var out []Block
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Text concatenates the text blocks of the turn.
func (t Turn) Text() string {
	var s string
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// Tape is the append-only conversation for a single session.
type Tape struct {
	SessionID string `json:"session_id"`
	ModelID   string `json:"model_id"`
	CreatedAt int64  `json:"created_at"`
	turns     []Turn // unexported, append-only

	// Token tracking (excluded from JSON)
	TokensIn  int `json:"-"`
	TokensOut int `json:"-"`
}

// NewTape creates a fresh Tape with CreatedAt set to the current time.
func NewTape(sessionID, modelID string) *Tape {
	return &Tape{
		SessionID: sessionID,
		ModelID:   modelID,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Append adds a turn. The blocks are deep-copied so later mutation by the
// caller cannot reach the tape. A zero Timestamp is set to now.
func (t *Tape) Append(turn Turn) Turn {
	if turn.Timestamp == 0 {
		turn.Timestamp = time.Now().UnixMilli()
	}
	turn.Blocks = cloneBlocks(turn.Blocks)
	t.turns = append(t.turns, turn)
	return turn
}

// Turns returns a copy of the turns so that callers cannot mutate the
// tape's state.
func (t *Tape) Turns() []Turn {
	out := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		turn.Blocks = cloneBlocks(turn.Blocks)
		out[i] = turn
	}
	return out
}

// Len returns the number of turns on the tape.
func (t *Tape) Len() int {
	return len(t.turns)
}

// Last returns a copy of the last turn, or false if the tape is empty.
func (t *Tape) Last() (Turn, bool) {
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	turn := t.turns[len(t.turns)-1]
	turn.Blocks = cloneBlocks(turn.Blocks)
	return turn, true
}

// AddUsage accumulates token counts.
func (t *Tape) AddUsage(tokensIn, tokensOut int) {
	t.TokensIn += tokensIn
	t.TokensOut += tokensOut
}

func cloneBlocks(in []Block) []Block {
	if in == nil {
		return nil
	}
	out := make([]Block, len(in))
	for i, b := range in {
		if b.Input != nil {
			b.Input = maps.Clone(b.Input)
		}
		out[i] = b
	}
	return out
}

// ---------------------------------------------------------------------------
// JSONL transcript entries
// ---------------------------------------------------------------------------

// Entry is a single line in the JSONL transcript. The Type field
// discriminates the payload stored in Data.
type Entry struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MetaEntry returns an Entry of type "meta" containing the session header.
func (t *Tape) MetaEntry() Entry {
	type meta struct {
		SessionID string `json:"session_id"`
		ModelID   string `json:"model_id"`
		CreatedAt int64  `json:"created_at"`
	}
	data, _ := json.Marshal(meta{
		SessionID: t.SessionID,
		ModelID:   t.ModelID,
		CreatedAt: t.CreatedAt,
	})
	return Entry{Type: "meta", Data: data}
}

// TurnEntry returns an Entry of type "turn" wrapping turn.
func TurnEntry(turn Turn) Entry {
	data, _ := json.Marshal(turn)
	return Entry{Type: "turn", Data: data}
}

// NoticeEntry records a user-visible notice (restart, lost state, retry).
func NoticeEntry(level, msg string) Entry {
	data, _ := json.Marshal(map[string]any{
		"level":     level,
		"message":   msg,
		"timestamp": time.Now().UnixMilli(),
	})
	return Entry{Type: "notice", Data: data}
}

// UsageEntry records the running token totals.
func (t *Tape) UsageEntry() Entry {
	data, _ := json.Marshal(map[string]int{
		"tokens_in":  t.TokensIn,
		"tokens_out": t.TokensOut,
	})
	return Entry{Type: "usage", Data: data}
}
