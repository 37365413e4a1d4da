// Package engine owns the session registry and the per-session status
// machine. It is the only component that wakes, hibernates, interrupts
// or destroys sessions; everything else observes through the event bus
// and the journals.
package engine

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/muxbridge/muxbridge/internal/common/config"
	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/events"
	"github.com/muxbridge/muxbridge/internal/events/bus"
	"github.com/muxbridge/muxbridge/internal/session/journal"
	"github.com/muxbridge/muxbridge/internal/session/tmux"
	"github.com/muxbridge/muxbridge/internal/session/transform"
	"github.com/muxbridge/muxbridge/internal/session/vault"
	"github.com/muxbridge/muxbridge/pkg/stream"
)

// ErrNotFound is returned for operations on unknown session ids.
var ErrNotFound = errors.New("session not found")

const (
	// turnSettleDelay lets a just-submitted input land in in.jsonl before
	// the post-turn queue drain runs.
	turnSettleDelay = 100 * time.Millisecond

	// interruptFallback forces status back to idle when an interrupted
	// assistant never emits a turn terminator.
	interruptFallback = 3 * time.Second

	// titleMaxLen bounds the auto-derived chat title.
	titleMaxLen = 48
)

// Summary is the client-facing view of one session.
type Summary struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"projectPath,omitempty"`
	Model       string    `json:"model,omitempty"`
	Status      string    `json:"status"`
	Title       string    `json:"title,omitempty"`
	HasUnread   bool      `json:"hasUnread"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Engine hosts sessions. One instance per process.
type Engine struct {
	cfg      *config.Config
	bus      bus.EventBus
	tmux     *tmux.Adapter
	importer *vault.Importer
	noise    *transform.NoiseFilter
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// wakes dedupes concurrent wake attempts per session id.
	wakes singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
}

// New constructs an engine. Start must be called before use.
func New(cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) (*Engine, error) {
	noise, err := transform.NewNoiseFilter(cfg.Noise.Patterns, cfg.Noise.MatchMode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		bus:      eventBus,
		tmux:     tmux.NewAdapter(cfg.Claude.Binary, log),
		importer: vault.NewImporter(cfg.Claude.VaultRoot, noise, log),
		noise:    noise,
		logger:   log.WithComponent("engine"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}, nil
}

// Start prepares storage, reconciles surviving sessions and launches the
// reaper.
func (e *Engine) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.cfg.Sessions.Root, 0o755); err != nil {
		return err
	}
	if err := e.Reconcile(ctx); err != nil {
		e.logger.Warn("Reconciliation failed", zap.Error(err))
	}
	go e.runReaper()
	return nil
}

// Create registers a new session and wakes its supervisor. A non-empty
// resumeSessionID seeds the supervisor's --resume path so the assistant
// continues an existing conversation.
func (e *Engine) Create(ctx context.Context, projectPath, model, resumeSessionID string) (*Summary, error) {
	if model == "" {
		model = e.cfg.Claude.DefaultModel
	}
	id := uuid.New().String()
	s := e.register(id)

	if err := s.journal.EnsureStorage(); err != nil {
		return nil, err
	}
	if _, err := s.journal.UpdateMetadata(func(m *journal.Metadata) {
		m.ProjectPath = projectPath
		m.Model = model
		m.Status = journal.StatusSleeping
	}); err != nil {
		return nil, err
	}
	if resumeSessionID != "" {
		if err := s.journal.WriteResumeID(resumeSessionID); err != nil {
			return nil, err
		}
		if _, err := s.journal.SetClaudeSessionID(resumeSessionID); err != nil {
			return nil, err
		}
	}

	if err := e.ensureAwake(ctx, s); err != nil {
		// The directory survives; a later submit or observe retries the wake.
		e.logger.Error("Initial wake failed",
			zap.String("session_id", id), zap.Error(err))
		return nil, err
	}
	e.logger.Info("Created session",
		zap.String("session_id", id),
		zap.String("project_path", projectPath),
		zap.String("model", model))
	return e.summaryFor(s)
}

// List returns summaries for every session directory under the root,
// newest activity first.
func (e *Engine) List() ([]*Summary, error) {
	dirEntries, err := os.ReadDir(e.cfg.Sessions.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Summary{}, nil
		}
		return nil, err
	}

	summaries := make([]*Summary, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		s, err := e.lookup(entry.Name())
		if err != nil {
			continue
		}
		summary, err := e.summaryFor(s)
		if err != nil {
			e.logger.Warn("Skipping unreadable session",
				zap.String("session_id", entry.Name()), zap.Error(err))
			continue
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastSeen.After(summaries[j].LastSeen)
	})
	return summaries, nil
}

// Get returns the summary for one session.
func (e *Engine) Get(id string) (*Summary, error) {
	s, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.summaryFor(s)
}

// ListActive returns the ids of sessions holding an open FIFO writer.
func (e *Engine) ListActive() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, s := range e.sessions {
		s.mu.Lock()
		open := s.writer != nil
		s.mu.Unlock()
		if open {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Submit records one user input and drives delivery. It returns once
// the input is durable and, when the session was free, accepted by the
// assistant's pipe; it never waits for turn completion.
func (e *Engine) Submit(ctx context.Context, id, clientID, text string) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}

	kind := journal.InputKindUser
	if strings.HasPrefix(text, "/") {
		kind = journal.InputKindCommand
	}
	entry, err := s.journal.AppendInput(clientID, kind, text)
	if err != nil {
		return err
	}
	// The echoed user_message in out.jsonl is the single source of truth
	// for the user turn in history.
	if err := s.journal.AppendItem(&stream.Item{
		Kind:      stream.KindUserMessage,
		ID:        entry.ID,
		Timestamp: entry.Timestamp,
		Text:      text,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.awaitingAck = false
	wasError := s.status == journal.StatusError
	s.mu.Unlock()
	if wasError {
		e.setStatus(s, journal.StatusIdle)
	}

	if kind == journal.InputKindUser {
		e.maybeSetTitle(s, text)
	} else {
		e.publishCommandMarker(s.id, text)
	}

	return e.processNextInput(ctx, s)
}

// Interrupt soft-cancels the in-flight turn: Ctrl-C to the subprocess
// plus an EOF on its stdin pipe. If no turn terminator arrives within
// the fallback window, status is forced back to idle and the queue
// re-enters.
func (e *Engine) Interrupt(ctx context.Context, id string) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}

	if err := e.tmux.SendInterrupt(ctx, id); err != nil {
		e.logger.Warn("Interrupt signal failed",
			zap.String("session_id", id), zap.Error(err))
	}

	s.mu.Lock()
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
	busy := s.turnOpen
	wasError := s.status == journal.StatusError
	if busy {
		if s.interruptAt != nil {
			s.interruptAt.Stop()
		}
		s.interruptAt = time.AfterFunc(interruptFallback, func() {
			e.forceIdle(s)
		})
	}
	s.mu.Unlock()

	if wasError && !busy {
		e.setStatus(s, journal.StatusIdle)
	}
	e.logger.Info("Interrupted session", zap.String("session_id", id))
	return nil
}

// forceIdle is the interrupt fallback for assistants that die without a
// terminator frame.
func (e *Engine) forceIdle(s *session) {
	s.mu.Lock()
	if !s.turnOpen {
		s.mu.Unlock()
		return
	}
	s.turnOpen = false
	s.interruptAt = nil
	s.mu.Unlock()

	e.setStatus(s, journal.StatusIdle)
	if err := e.processNextInput(e.ctx, s); err != nil {
		e.logger.Warn("Post-interrupt delivery failed",
			zap.String("session_id", s.id), zap.Error(err))
	}
}

// Destroy is terminal: it tears down the watcher regardless of
// refcount, kills the tmux session and optionally deletes the session
// directory.
func (e *Engine) Destroy(ctx context.Context, id string, deleteFiles bool) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	w := s.writer
	s.writer = nil
	watcher := s.watcher
	s.watcher = nil
	s.watcherRefs = 0
	s.engineRef = false
	if s.interruptAt != nil {
		s.interruptAt.Stop()
		s.interruptAt = nil
	}
	s.mu.Unlock()

	if w != nil {
		w.Close()
	}
	if watcher != nil {
		watcher.Stop()
	}
	if e.tmux.SessionExists(ctx, id) {
		if err := e.tmux.KillSession(ctx, id); err != nil {
			e.logger.Warn("Failed to kill tmux session",
				zap.String("session_id", id), zap.Error(err))
		}
	}
	if deleteFiles {
		if err := s.journal.Destroy(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()

	e.publish(events.SubjectSessionStatus(id), events.SessionDestroyed, map[string]string{
		"session_id": id,
	})
	e.logger.Info("Destroyed session",
		zap.String("session_id", id), zap.Bool("deleted_files", deleteFiles))
	return nil
}

// Reconcile adopts tmux sessions that survived a server restart and
// kills orphans whose directories are gone. Alive sessions get their
// FIFO reopened and any unprocessed inputs redelivered.
func (e *Engine) Reconcile(ctx context.Context) error {
	result, err := e.tmux.ReconcileSessions(ctx, e.cfg.Sessions.Root)
	if err != nil {
		return err
	}

	for _, id := range result.Orphaned {
		if err := e.tmux.KillSession(ctx, id); err != nil {
			e.logger.Warn("Failed to kill orphaned tmux session",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	alive := make(map[string]bool, len(result.Alive))
	for _, id := range result.Alive {
		alive[id] = true
	}

	dirEntries, err := os.ReadDir(e.cfg.Sessions.Root)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		s, err := e.lookup(id)
		if err != nil {
			continue
		}
		if !alive[id] {
			e.setStatus(s, journal.StatusSleeping)
			continue
		}
		if err := e.ensureAwake(ctx, s); err != nil {
			e.logger.Warn("Failed to readopt session",
				zap.String("session_id", id), zap.Error(err))
			e.setStatus(s, journal.StatusSleeping)
			continue
		}
		if err := e.processNextInput(ctx, s); err != nil {
			e.logger.Warn("Redelivery after reconcile failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}

	e.logger.Info("Reconciled sessions",
		zap.Int("alive", len(result.Alive)),
		zap.Int("orphaned", len(result.Orphaned)))
	return nil
}

// Stop closes all FIFO writers and transform watchers. The supervisors
// see EOF, their inner subprocesses exit, and the tmux sessions survive
// for a later Reconcile.
func (e *Engine) Stop() {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		w := s.writer
		s.writer = nil
		watcher := s.watcher
		s.watcher = nil
		s.watcherRefs = 0
		s.engineRef = false
		s.status = journal.StatusSleeping
		if s.interruptAt != nil {
			s.interruptAt.Stop()
			s.interruptAt = nil
		}
		s.mu.Unlock()

		if w != nil {
			w.Close()
		}
		if watcher != nil {
			watcher.Stop()
		}
	}
	e.logger.Info("Engine stopped", zap.Int("sessions", len(sessions)))
}

// Shutdown stops all session work and cancels the engine's background
// context. The engine is unusable afterwards.
func (e *Engine) Shutdown() {
	e.Stop()
	e.cancel()
}

// EnsureAwake wakes one session, used by the observe path.
func (e *Engine) EnsureAwake(ctx context.Context, id string) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	return e.ensureAwake(ctx, s)
}

// Status returns the live runtime status for id.
func (e *Engine) Status(id string) (string, error) {
	s, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	return s.currentStatus(), nil
}

// JournalFor exposes a session's journal to observers.
func (e *Engine) JournalFor(id string) (*journal.Journal, error) {
	s, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.journal, nil
}

// Hydrate imports finished history from the vault, once per call.
// Returns true when the vault log existed.
func (e *Engine) Hydrate(id string) (bool, error) {
	s, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	meta, err := s.journal.Metadata()
	if err != nil || meta == nil || meta.ProjectPath == "" {
		return false, err
	}
	return e.importer.Hydrate(s.journal, meta.ProjectPath, meta.ClaudeSessionID)
}

// AcquireWatcher adds an observer reference to the session's shared
// transform watcher, creating it when absent.
func (e *Engine) AcquireWatcher(id string) error {
	s, err := e.lookup(id)
	if err != nil {
		return err
	}
	return e.acquireWatcher(s)
}

// ReleaseWatcher drops an observer reference; the watcher dies at zero.
func (e *Engine) ReleaseWatcher(id string) {
	s, err := e.lookup(id)
	if err != nil {
		return
	}
	e.releaseWatcher(s)
}

// MarkViewed stamps lastViewedAt and reports whether that cleared an
// unread result.
func (e *Engine) MarkViewed(id string) (bool, error) {
	s, err := e.lookup(id)
	if err != nil {
		return false, err
	}
	meta, err := s.journal.Metadata()
	if err != nil {
		return false, err
	}
	hadUnread := meta != nil && meta.HasUnread()

	now := time.Now().UTC()
	if _, err := s.journal.UpdateMetadata(func(m *journal.Metadata) {
		m.LastViewedAt = &now
	}); err != nil {
		return false, err
	}
	return hadUnread, nil
}

// register creates the in-memory record for a new session id.
func (e *Engine) register(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[id]; ok {
		return s
	}
	s := &session{
		id:      id,
		journal: journal.New(e.cfg.Sessions.Root, id),
		status:  journal.StatusSleeping,
	}
	e.sessions[id] = s
	return s
}

// lookup resolves an id to its runtime record, loading sessions that
// exist on disk but have not been touched since startup.
func (e *Engine) lookup(id string) (*session, error) {
	e.mu.Lock()
	if s, ok := e.sessions[id]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	dir := journal.New(e.cfg.Sessions.Root, id).Dir()
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, ErrNotFound
	}
	return e.register(id), nil
}

func (e *Engine) summaryFor(s *session) (*Summary, error) {
	meta, err := s.journal.Metadata()
	if err != nil {
		return nil, err
	}
	summary := &Summary{ID: s.id, Status: s.currentStatus()}
	if meta != nil {
		summary.ProjectPath = meta.ProjectPath
		summary.Model = meta.Model
		summary.Title = meta.Title
		summary.HasUnread = meta.HasUnread()
		summary.LastSeen = meta.LastSeen
	}
	return summary, nil
}

// maybeSetTitle derives the chat title from the first user message.
func (e *Engine) maybeSetTitle(s *session, text string) {
	meta, err := s.journal.Metadata()
	if err != nil || (meta != nil && meta.Title != "") {
		return
	}
	title := strings.TrimSpace(text)
	if title == "" {
		return
	}
	runes := []rune(title)
	if len(runes) > titleMaxLen {
		title = string(runes[:titleMaxLen-1]) + "…"
	}
	if _, err := s.journal.UpdateMetadata(func(m *journal.Metadata) {
		m.Title = title
	}); err != nil {
		e.logger.Warn("Failed to persist title",
			zap.String("session_id", s.id), zap.Error(err))
		return
	}
	e.publish(events.SubjectSessionTitle(s.id), events.SessionTitleChanged, map[string]string{
		"session_id": s.id,
		"title":      title,
	})
}

// publishCommandMarker translates slash commands into advisory marker
// events for live observers. The command text itself still flows to the
// assistant like any other input.
func (e *Engine) publishCommandMarker(id, text string) {
	var marker string
	switch strings.Fields(text)[0] {
	case "/clear":
		marker = stream.FrameContextCleared
	case "/plan":
		marker = stream.FramePlanModeEntered
	default:
		return
	}
	e.publish(events.SubjectSessionStatus(id), events.SessionMarker, map[string]string{
		"session_id": id,
		"marker":     marker,
	})
}

// setStatus transitions the runtime status, persists it and publishes a
// status_change event.
func (e *Engine) setStatus(s *session, status string) {
	e.setStatusWith(s, status, nil)
}

func (e *Engine) setStatusWith(s *session, status string, extra func(*journal.Metadata)) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()

	if _, err := s.journal.UpdateMetadata(func(m *journal.Metadata) {
		m.Status = status
		if extra != nil {
			extra(m)
		}
	}); err != nil {
		e.logger.Error("Failed to persist status",
			zap.String("session_id", s.id), zap.Error(err))
	}
	e.publish(events.SubjectSessionStatus(s.id), events.SessionStatusChanged, map[string]string{
		"session_id": s.id,
		"status":     status,
	})
}

func (e *Engine) publish(subject, eventType string, data map[string]string) {
	event := bus.NewEvent(eventType, "engine", data)
	if err := e.bus.Publish(e.ctx, subject, event); err != nil {
		e.logger.Warn("Event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}

// runReaper hibernates sessions with no activity inside the idle window.
// The tmux session stays alive; only the FIFO writer and watcher go.
func (e *Engine) runReaper() {
	ticker := time.NewTicker(e.cfg.Sessions.ReapIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.reapIdle()
		}
	}
}

func (e *Engine) reapIdle() {
	cutoff := time.Now().Add(-e.cfg.Sessions.IdleTimeoutDuration())

	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		open := s.writer != nil
		busy := s.turnOpen
		s.mu.Unlock()
		if !open || busy {
			continue
		}
		meta, err := s.journal.Metadata()
		if err != nil || meta == nil || meta.LastSeen.After(cutoff) {
			continue
		}
		e.hibernate(s)
	}
}

// hibernate closes the FIFO writer. The supervisor's inner subprocess
// sees EOF and exits; the supervisor parks on the next FIFO open.
func (e *Engine) hibernate(s *session) {
	s.mu.Lock()
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
	s.mu.Unlock()

	e.releaseEngineWatcher(s)
	e.setStatus(s, journal.StatusSleeping)
	e.logger.Info("Hibernated idle session", zap.String("session_id", s.id))
}
