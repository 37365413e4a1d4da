package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/session/fifo"
	"github.com/muxbridge/muxbridge/internal/session/journal"
	"github.com/muxbridge/muxbridge/internal/session/transform"
	"github.com/muxbridge/muxbridge/pkg/claudecode"
)

// session is the in-memory runtime state for one hosted session. The
// persisted truth lives in the journal; this struct holds only what
// cannot be recovered from disk: the live FIFO writer and the shared
// transform watcher.
type session struct {
	id      string
	journal *journal.Journal

	// deliverMu serializes the single-flight input delivery path.
	deliverMu sync.Mutex

	mu          sync.Mutex
	status      string
	writer      *fifo.Writer
	watcher     *transform.Watcher
	watcherRefs int
	engineRef   bool
	turnOpen    bool
	awaitingAck bool
	interruptAt *time.Timer
}

func (s *session) currentStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == "" {
		return journal.StatusSleeping
	}
	return s.status
}

// ensureAwake guarantees an open FIFO writer, deduping concurrent wakes
// per session id. The supervisor's blocked FIFO open is the other half
// of the handshake. The wake itself runs on the engine context so it
// finishes even when the triggering caller gives up.
func (e *Engine) ensureAwake(ctx context.Context, s *session) error {
	s.mu.Lock()
	if s.writer != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := e.wakes.DoChan(s.id, func() (interface{}, error) {
		return nil, e.doWake(e.ctx, s)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) doWake(ctx context.Context, s *session) error {
	meta, err := s.journal.Metadata()
	if err != nil {
		return err
	}
	projectPath := ""
	model := e.cfg.Claude.DefaultModel
	if meta != nil {
		projectPath = meta.ProjectPath
		if meta.Model != "" {
			model = meta.Model
		}
	}
	if projectPath == "" {
		projectPath, _ = os.Getwd()
	}

	if err := s.journal.EnsureStorage(); err != nil {
		return err
	}
	if err := fifo.Ensure(s.journal.FIFOPath()); err != nil {
		return err
	}
	if !e.tmux.SessionExists(ctx, s.id) {
		if err := e.tmux.CreateSession(ctx, s.id, s.journal.Dir(), model, projectPath); err != nil {
			return err
		}
	}

	w, err := fifo.OpenWriter(ctx, s.journal.FIFOPath(), e.cfg.Sessions.WakeTimeoutDuration())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()

	if err := e.acquireEngineWatcher(s); err != nil {
		e.logger.Warn("Failed to start transform watcher",
			zap.String("session_id", s.id), zap.Error(err))
	}

	if s.currentStatus() != journal.StatusBusy {
		e.setStatus(s, journal.StatusIdle)
	}
	e.logger.Info("Session awake", zap.String("session_id", s.id))
	return nil
}

// processNextInput delivers the oldest undelivered in.jsonl entry to the
// assistant. It is a no-op while a turn is open; turn completion
// re-invokes it to drain the queue.
func (e *Engine) processNextInput(ctx context.Context, s *session) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.turnOpen {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	meta, err := s.journal.Metadata()
	if err != nil {
		return err
	}
	lastID := ""
	remoteID := ""
	if meta != nil {
		lastID = meta.LastProcessedInputID
		remoteID = meta.ClaudeSessionID
	}

	entries, err := s.journal.ReadInputHistory()
	if err != nil {
		return err
	}
	entry := nextEntry(entries, lastID)
	if entry == nil {
		return nil
	}

	if err := e.ensureAwake(ctx, s); err != nil {
		return err
	}

	s.mu.Lock()
	s.turnOpen = true
	s.mu.Unlock()
	e.setStatus(s, journal.StatusBusy)

	data, err := claudecode.NewUserInput(entry.Text, remoteID).Marshal()
	if err != nil {
		return err
	}
	if err := e.writeInput(ctx, s, data); err != nil {
		// Delivery abandoned; a future submit or observer re-drives.
		s.mu.Lock()
		s.turnOpen = false
		s.mu.Unlock()
		e.setStatus(s, journal.StatusSleeping)
		return err
	}

	if _, err := s.journal.UpdateMetadata(func(m *journal.Metadata) {
		m.LastProcessedInputID = entry.ID
	}); err != nil {
		e.logger.Error("Failed to persist input cursor",
			zap.String("session_id", s.id), zap.Error(err))
	}
	return nil
}

// writeInput writes one frame to the FIFO. A broken pipe means the inner
// subprocess exited under us; reconnect through the supervisor's restart
// loop and retry the write exactly once.
func (e *Engine) writeInput(ctx context.Context, s *session, data []byte) error {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return os.ErrClosed
	}

	err := w.WriteLine(data)
	if err == nil {
		return nil
	}
	if !fifo.IsBrokenPipe(err) {
		return err
	}

	e.logger.Warn("FIFO write hit broken pipe, reconnecting",
		zap.String("session_id", s.id))
	w.Close()
	s.mu.Lock()
	s.writer = nil
	s.mu.Unlock()

	if err := e.ensureAwake(ctx, s); err != nil {
		return err
	}
	s.mu.Lock()
	w = s.writer
	s.mu.Unlock()
	if w == nil {
		return os.ErrClosed
	}
	return w.WriteLine(data)
}

// nextEntry returns the entry immediately after lastID in append order,
// or the first entry when no cursor is set.
func nextEntry(entries []*journal.InputEntry, lastID string) *journal.InputEntry {
	if lastID == "" {
		if len(entries) == 0 {
			return nil
		}
		return entries[0]
	}
	for i, entry := range entries {
		if entry.ID == lastID {
			if i+1 < len(entries) {
				return entries[i+1]
			}
			return nil
		}
	}
	// Cursor not found (truncated or foreign journal); restart from the top.
	if len(entries) == 0 {
		return nil
	}
	return entries[0]
}

// acquireWatcher increments the shared transform watcher's refcount,
// creating it when absent.
func (e *Engine) acquireWatcher(s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher == nil {
		w := transform.NewWatcher(s.journal, e.noise, &sessionHooks{engine: e, s: s}, e.logger)
		if err := w.Start(e.ctx); err != nil {
			return err
		}
		s.watcher = w
	}
	s.watcherRefs++
	return nil
}

func (e *Engine) releaseWatcher(s *session) {
	s.mu.Lock()
	s.watcherRefs--
	var w *transform.Watcher
	if s.watcherRefs <= 0 {
		w = s.watcher
		s.watcher = nil
		s.watcherRefs = 0
		s.engineRef = false
	}
	s.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// acquireEngineWatcher holds one refcount on behalf of the engine while
// the session is awake, so turn completion is observed even with no
// client connected.
func (e *Engine) acquireEngineWatcher(s *session) error {
	s.mu.Lock()
	if s.engineRef {
		s.mu.Unlock()
		return nil
	}
	s.engineRef = true
	s.mu.Unlock()

	if err := e.acquireWatcher(s); err != nil {
		s.mu.Lock()
		s.engineRef = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (e *Engine) releaseEngineWatcher(s *session) {
	s.mu.Lock()
	if !s.engineRef {
		s.mu.Unlock()
		return
	}
	s.engineRef = false
	s.mu.Unlock()
	e.releaseWatcher(s)
}

// sessionHooks is the transform watcher's view of the engine. The
// watcher's line loop is the sole source of turn-completion transitions.
type sessionHooks struct {
	engine *Engine
	s      *session
}

// RemoteSessionCaptured records the assistant's own session id from the
// init frame and stages it for the supervisor's next --resume launch.
func (h *sessionHooks) RemoteSessionCaptured(remoteID string) {
	if _, err := h.s.journal.SetClaudeSessionID(remoteID); err != nil {
		h.engine.logger.Error("Failed to persist remote session id",
			zap.String("session_id", h.s.id), zap.Error(err))
	}
	if err := h.s.journal.WriteResumeID(remoteID); err != nil {
		h.engine.logger.Error("Failed to write resume id",
			zap.String("session_id", h.s.id), zap.Error(err))
	}
}

// TurnCompleted closes the in-flight turn and schedules the next queued
// input after a short settle delay.
func (h *sessionHooks) TurnCompleted(failed bool) {
	e := h.engine
	s := h.s

	s.mu.Lock()
	if s.interruptAt != nil {
		s.interruptAt.Stop()
		s.interruptAt = nil
	}
	s.turnOpen = false
	ack := s.awaitingAck
	s.mu.Unlock()

	now := time.Now().UTC()
	switch {
	case failed:
		e.setStatusWith(s, journal.StatusError, func(m *journal.Metadata) {
			m.LastResultAt = &now
		})
	case ack:
		// Awaiting a notification acknowledgement; status holds until the
		// user replies.
		if _, err := s.journal.UpdateMetadata(func(m *journal.Metadata) {
			m.LastResultAt = &now
		}); err != nil {
			e.logger.Error("Failed to stamp result time",
				zap.String("session_id", s.id), zap.Error(err))
		}
	default:
		e.setStatusWith(s, journal.StatusIdle, func(m *journal.Metadata) {
			m.LastResultAt = &now
		})
	}

	time.AfterFunc(turnSettleDelay, func() {
		if err := e.processNextInput(e.ctx, s); err != nil {
			e.logger.Warn("Queued input delivery failed",
				zap.String("session_id", s.id), zap.Error(err))
		}
	})
}

// NotificationSent marks the session as awaiting a user acknowledgement.
func (h *sessionHooks) NotificationSent(subject string) {
	h.s.mu.Lock()
	h.s.awaitingAck = true
	h.s.mu.Unlock()
	h.engine.logger.Info("Notification raised",
		zap.String("session_id", h.s.id), zap.String("subject", subject))
}
