// Package stream defines the normalized UI event schema shared by the
// session engine, the transform watcher and the WebSocket gateway.
// Every line a client receives is one JSON document from this package.
package stream

import (
	"encoding/json"
	"time"
)

// Item kinds. The Kind field tags the StreamItem union.
const (
	KindUserMessage      = "user_message"
	KindAssistantMessage = "assistant_message"
	KindTextDelta        = "text_delta"
	KindThought          = "thought"
	KindToolCall         = "tool_call"
	KindNotification     = "notification"
	KindSystem           = "system"
	KindError            = "error"
)

// Tool call statuses. A tool_call item is re-emitted with the same ID
// when its status advances; observers apply upsert-by-id semantics.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
)

// Thought statuses.
const (
	ThoughtLoading = "loading"
	ThoughtReady   = "ready"
)

// Frame types on the wire. StreamItem frames are journaled in out.jsonl;
// the control frames are delivered only over live observer streams.
const (
	FrameStreamItem      = "stream_item"
	FrameHistorySnapshot = "history_snapshot"
	FrameAgentStatus     = "agent_status"
	FrameChatTitleUpdate = "chat_title_update"
	FrameUnreadCleared   = "unread_cleared"
	FrameContextCleared  = "context_cleared"
	FramePlanModeEntered = "plan_mode_entered"
)

// Agent statuses visible to clients.
const (
	AgentStatusIdle     = "idle"
	AgentStatusThinking = "thinking"
	AgentStatusError    = "error"
)

// Item is one entry in a session's UI timeline.
type Item struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Text      string          `json:"text,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    string          `json:"result,omitempty"`
	Status    string          `json:"status,omitempty"`
}

// Frame is a line sent to a client or appended to out.jsonl. Exactly one
// of the optional fields is populated, selected by Type.
type Frame struct {
	Type   string  `json:"type"`
	Item   *Item   `json:"item,omitempty"`
	Items  []*Item `json:"items,omitempty"`
	Status string  `json:"status,omitempty"`
	Title  string  `json:"title,omitempty"`
}

// NewItemFrame wraps an item in a stream_item frame.
func NewItemFrame(item *Item) *Frame {
	return &Frame{Type: FrameStreamItem, Item: item}
}

// NewHistorySnapshot builds the one-shot history frame sent to a
// just-connected observer. A nil slice marshals as an empty array.
func NewHistorySnapshot(items []*Item) *Frame {
	if items == nil {
		items = []*Item{}
	}
	return &Frame{Type: FrameHistorySnapshot, Items: items}
}

// NewAgentStatus builds an agent_status frame.
func NewAgentStatus(status string) *Frame {
	return &Frame{Type: FrameAgentStatus, Status: status}
}

// NewChatTitleUpdate builds a chat_title_update frame.
func NewChatTitleUpdate(title string) *Frame {
	return &Frame{Type: FrameChatTitleUpdate, Title: title}
}

// Marshal serializes the frame as a single NDJSON line without the
// trailing newline.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ParseItemFrame decodes a journal line and returns its item if the line
// is a stream_item frame. Non-item lines (raw assistant frames, garbage)
// return (nil, false).
func ParseItemFrame(line []byte) (*Item, bool) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, false
	}
	if f.Type != FrameStreamItem || f.Item == nil {
		return nil, false
	}
	return f.Item, true
}
