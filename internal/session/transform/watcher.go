// Package transform hosts the per-session watcher that turns raw
// assistant NDJSON in out.jsonl into normalized stream items. Exactly
// one watcher runs per session; the engine shares it between observers
// with a refcount.
package transform

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/session/journal"
	"github.com/muxbridge/muxbridge/internal/session/tail"
	"github.com/muxbridge/muxbridge/pkg/claudecode"
	"github.com/muxbridge/muxbridge/pkg/stream"
)

// notificationTools are tool names whose invocation means "tell the
// user", surfaced as a notification item in addition to the tool call.
var notificationTools = map[string]bool{
	"notify":       true,
	"notify_user":  true,
	"Notification": true,
}

// Hooks is the narrow surface the watcher uses to drive engine state.
// The engine is the only implementation; nothing else mutates status.
type Hooks interface {
	// RemoteSessionCaptured records the assistant's own session id from
	// the init frame.
	RemoteSessionCaptured(sessionID string)

	// TurnCompleted signals a turn terminator (result or error frame).
	TurnCompleted(failed bool)

	// NotificationSent marks the session as awaiting a user
	// acknowledgement for a notification.
	NotificationSent(subject string)
}

// Watcher tails one session's out.jsonl from its current end and writes
// normalized frames back into it. History is never re-transformed.
type Watcher struct {
	journal *journal.Journal
	noise   *NoiseFilter
	hooks   Hooks
	logger  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// tool_use id -> tool name, so result updates can repeat the name.
	toolNames map[string]string
	// notification ids already fired, keyed by the stable id derived
	// from the source block. Guards against the ::notify directive and
	// the notification tool double-firing for one semantic event.
	notified map[string]bool
}

// NewWatcher builds a watcher; Start begins tailing.
func NewWatcher(j *journal.Journal, noise *NoiseFilter, hooks Hooks, log *logger.Logger) *Watcher {
	return &Watcher{
		journal:   j,
		noise:     noise,
		hooks:     hooks,
		logger:    log.WithComponent("transform").WithSessionID(j.SessionID()),
		done:      make(chan struct{}),
		toolNames: make(map[string]string),
		notified:  make(map[string]bool),
	}
}

// Start begins tailing out.jsonl from its current end.
func (w *Watcher) Start(ctx context.Context) error {
	offset, err := w.journal.OutputSize()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	tailer := tail.New(w.journal.OutputPath(), offset, w.logger)
	go func() {
		if err := tailer.Run(ctx); err != nil {
			w.logger.Error("Tail failed", zap.Error(err))
		}
	}()
	go func() {
		defer close(w.done)
		for line := range tailer.Lines() {
			w.handleLine(line)
		}
	}()
	return nil
}

// Stop cancels the watcher and waits for its loop to drain.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// handleLine processes one appended line of out.jsonl.
func (w *Watcher) handleLine(line []byte) {
	// Already-normalized frames pass straight through to observers.
	if _, ok := stream.ParseItemFrame(line); ok {
		return
	}

	frame, err := claudecode.Parse(line)
	if err != nil {
		// Machine noise; skip silently.
		return
	}

	switch frame.Type {
	case claudecode.FrameTypeSystem:
		if frame.IsInit() {
			w.hooks.RemoteSessionCaptured(frame.SessionID)
			return
		}
		if frame.Subtype == claudecode.SubtypeError {
			w.emitError(textFromResult(frame))
			w.hooks.TurnCompleted(true)
		}

	case claudecode.FrameTypeAssistant:
		w.handleAssistant(frame)

	case claudecode.FrameTypeContentBlockDelta:
		if frame.Delta == nil || frame.Delta.Text == "" {
			return
		}
		if w.noise.Matches(frame.Delta.Text) {
			return
		}
		w.emit(&stream.Item{
			Kind:      stream.KindTextDelta,
			ID:        "delta",
			Timestamp: time.Now().UTC(),
			Text:      frame.Delta.Text,
		})

	case claudecode.FrameTypeToolResult:
		w.handleToolResult(frame)

	case claudecode.FrameTypeResult, claudecode.FrameTypeError:
		failed := frame.Type == claudecode.FrameTypeError || frame.IsError
		if failed {
			if text := textFromResult(frame); text != "" {
				w.emitError(text)
			}
		}
		w.hooks.TurnCompleted(failed)
	}
}

// handleAssistant fans an assistant message's content blocks out into
// normalized items.
func (w *Watcher) handleAssistant(frame *claudecode.Frame) {
	blocks := frame.Blocks()
	now := time.Now().UTC()

	for i, block := range blocks {
		id := blockID(frame, i)
		switch block.Type {
		case claudecode.BlockTypeText:
			if block.Text == "" {
				continue
			}
			w.emitText(block.Text, id, now)

		case claudecode.BlockTypeThinking, claudecode.BlockTypeThought:
			text := block.Thinking
			if text == "" {
				text = block.Text
			}
			if text == "" || w.noise.Matches(text) {
				continue
			}
			w.emit(&stream.Item{
				Kind:      stream.KindThought,
				ID:        id,
				Timestamp: now,
				Text:      text,
				Status:    stream.ThoughtReady,
			})

		case claudecode.BlockTypeToolUse:
			w.toolNames[block.ID] = block.Name
			w.emit(&stream.Item{
				Kind:      stream.KindToolCall,
				ID:        block.ID,
				Timestamp: now,
				Name:      block.Name,
				Input:     block.Input,
				Status:    stream.ToolStatusRunning,
			})
			if notificationTools[block.Name] {
				w.emitNotification(subjectFromInput(block.Input), "notify-"+block.ID, now)
			}
		}
	}
}

// emitText handles a text block: ::notify extraction, noise filtering,
// then an assistant_message item.
func (w *Watcher) emitText(text, id string, now time.Time) {
	cleaned, subject, hasNotify := ExtractNotify(text)
	if hasNotify {
		w.emitNotification(subject, "notify-"+id, now)
	}
	if cleaned == "" || w.noise.Matches(cleaned) {
		return
	}
	w.emit(&stream.Item{
		Kind:      stream.KindAssistantMessage,
		ID:        id,
		Timestamp: now,
		Text:      cleaned,
	})
}

// emitNotification fires a notification item once per derived id.
func (w *Watcher) emitNotification(subject, id string, now time.Time) {
	if subject == "" || w.notified[id] {
		return
	}
	w.notified[id] = true
	w.emit(&stream.Item{
		Kind:      stream.KindNotification,
		ID:        id,
		Timestamp: now,
		Subject:   subject,
	})
	w.hooks.NotificationSent(subject)
}

// handleToolResult re-emits the matching tool_call with its terminal
// status; observers upsert by id.
func (w *Watcher) handleToolResult(frame *claudecode.Frame) {
	if frame.ToolUseID == "" {
		return
	}
	status := stream.ToolStatusCompleted
	if frame.IsError {
		status = stream.ToolStatusFailed
	}
	w.emit(&stream.Item{
		Kind:      stream.KindToolCall,
		ID:        frame.ToolUseID,
		Timestamp: time.Now().UTC(),
		Name:      w.toolNames[frame.ToolUseID],
		Result:    frame.ContentText(),
		Status:    status,
	})
	delete(w.toolNames, frame.ToolUseID)
}

func (w *Watcher) emitError(text string) {
	if text == "" {
		text = "assistant reported an error"
	}
	w.emit(&stream.Item{
		Kind:      stream.KindError,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Text:      text,
	})
}

func (w *Watcher) emit(item *stream.Item) {
	if err := w.journal.AppendItem(item); err != nil {
		w.logger.Error("Failed to append item", zap.Error(err), zap.String("kind", item.Kind))
	}
}

// blockID derives a stable item id from the message id or frame uuid,
// suffixing the block index for multi-block messages. Hydration uses the
// same scheme so live and imported items dedup against each other.
func blockID(frame *claudecode.Frame, index int) string {
	base := ""
	if frame.Message != nil {
		base = frame.Message.ID
	}
	if base == "" {
		base = frame.UUID
	}
	if base == "" {
		return uuid.New().String()
	}
	if index == 0 {
		return base
	}
	return base + "-" + strconv.Itoa(index)
}

// subjectFromInput pulls the user-facing subject out of a notification
// tool's input.
func subjectFromInput(input json.RawMessage) string {
	var fields struct {
		Subject string `json:"subject"`
		Message string `json:"message"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	switch {
	case fields.Subject != "":
		return fields.Subject
	case fields.Message != "":
		return fields.Message
	default:
		return fields.Text
	}
}

// textFromResult extracts a human-readable message from a result or
// error frame.
func textFromResult(frame *claudecode.Frame) string {
	if len(frame.Result) > 0 {
		var s string
		if err := json.Unmarshal(frame.Result, &s); err == nil && s != "" {
			return s
		}
	}
	return frame.ContentText()
}
