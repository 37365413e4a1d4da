// Package claudecode provides types for the Claude Code CLI stream-json
// protocol: the NDJSON frames the CLI writes on stdout, the user frames
// it accepts on stdin, and the entries found in its on-disk project
// vault (~/.claude/projects).
package claudecode

import "encoding/json"

// Frame types emitted by the CLI in --output-format stream-json mode.
const (
	FrameTypeSystem            = "system"
	FrameTypeAssistant         = "assistant"
	FrameTypeUser              = "user"
	FrameTypeResult            = "result"
	FrameTypeError             = "error"
	FrameTypeContentBlockDelta = "content_block_delta"
	FrameTypeToolResult        = "tool_result"
)

// System frame subtypes.
const (
	SubtypeInit  = "init"
	SubtypeError = "error"
)

// Content block types inside assistant messages.
const (
	BlockTypeText     = "text"
	BlockTypeThinking = "thinking"
	BlockTypeThought  = "thought"
	BlockTypeToolUse  = "tool_use"
)

// Frame is one raw NDJSON line from the CLI. The Type field selects
// which of the remaining fields carry meaning; unknown shapes parse into
// a Frame with an unrecognized Type and are ignored by consumers.
type Frame struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Message   *Message `json:"message,omitempty"`

	// content_block_delta
	Delta *Delta `json:"delta,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// result / error
	Result json.RawMessage `json:"result,omitempty"`

	UUID string `json:"uuid,omitempty"`
}

// Message is the message payload of assistant and user frames.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Delta carries the incremental text of a content_block_delta frame.
type Delta struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// ContentBlock is one typed block of an assistant message's content
// array.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks ("thinking" or legacy "thought")
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks embedded in user messages
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Parse decodes one NDJSON line. Lines that are not JSON objects return
// an error; callers treat those as machine noise and skip them.
func Parse(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Blocks returns the typed content blocks of the frame's message.
// Content that is a bare string (vault user entries) or absent yields
// nil.
func (f *Frame) Blocks() []ContentBlock {
	if f.Message == nil || len(f.Message.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(f.Message.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentText returns the tool_result content as plain text, whether the
// CLI sent a string or an array of text blocks.
func (f *Frame) ContentText() string {
	return rawToText(f.Content)
}

// IsTurnTerminator reports whether the frame ends the current turn.
func (f *Frame) IsTurnTerminator() bool {
	switch f.Type {
	case FrameTypeResult, FrameTypeError:
		return true
	case FrameTypeSystem:
		return f.Subtype == SubtypeError
	}
	return false
}

// IsInit reports whether the frame is the session init announcement.
func (f *Frame) IsInit() bool {
	return f.Type == FrameTypeSystem && f.Subtype == SubtypeInit && f.SessionID != ""
}

// UserInput is the stdin frame that delivers one user turn to the CLI.
type UserInput struct {
	Type            string           `json:"type"`
	Message         UserInputMessage `json:"message"`
	SessionID       string           `json:"session_id"`
	ParentToolUseID *string          `json:"parent_tool_use_id"`
}

// UserInputMessage is the message body of a UserInput frame.
type UserInputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserInput builds a stdin frame for the given text. sessionID falls
// back to "default" when the remote session id has not been captured yet.
func NewUserInput(text, sessionID string) *UserInput {
	if sessionID == "" {
		sessionID = "default"
	}
	return &UserInput{
		Type:      FrameTypeUser,
		Message:   UserInputMessage{Role: "user", Content: text},
		SessionID: sessionID,
	}
}

// Marshal serializes the frame as one NDJSON line including the trailing
// newline, ready to write to the session FIFO.
func (u *UserInput) Marshal() ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// VaultEntry is one line of a vault session log
// (~/.claude/projects/<slug>/<sessionId>.jsonl).
type VaultEntry struct {
	Type        string   `json:"type"`
	UUID        string   `json:"uuid,omitempty"`
	IsSidechain bool     `json:"isSidechain,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Timestamp   string   `json:"timestamp,omitempty"`
}

// StableID returns the entry's stable identifier, preferring the entry
// uuid over the inner message id.
func (e *VaultEntry) StableID() string {
	if e.UUID != "" {
		return e.UUID
	}
	if e.Message != nil {
		return e.Message.ID
	}
	return ""
}

// TextContent returns the message content as plain text when it is a
// bare string or a single-text-block array.
func (e *VaultEntry) TextContent() string {
	if e.Message == nil {
		return ""
	}
	return rawToText(e.Message.Content)
}

func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		text := ""
		for _, b := range blocks {
			if b.Type == BlockTypeText {
				text += b.Text
			}
		}
		return text
	}
	return ""
}
