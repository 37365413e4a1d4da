package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxbridge/muxbridge/internal/common/config"
	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/events"
	"github.com/muxbridge/muxbridge/internal/events/bus"
	"github.com/muxbridge/muxbridge/internal/session/journal"
	"github.com/muxbridge/muxbridge/pkg/stream"
)

func newTestEngine(t *testing.T) (*Engine, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Sessions: config.SessionsConfig{
			Root:         t.TempDir(),
			WakeTimeout:  1,
			IdleTimeout:  10,
			ReapInterval: 60,
		},
		Claude: config.ClaudeConfig{
			Binary:       "claude",
			DefaultModel: "sonnet",
			VaultRoot:    t.TempDir(),
		},
		Noise: config.NoiseConfig{MatchMode: "any"},
	}

	eventBus := bus.NewMemoryEventBus(log)
	eng, err := New(cfg, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return eng, eventBus
}

func TestNextEntry(t *testing.T) {
	entries := []*journal.InputEntry{
		{ID: "a", Text: "one"},
		{ID: "b", Text: "two"},
		{ID: "c", Text: "three"},
	}

	assert.Equal(t, "a", nextEntry(entries, "").ID)
	assert.Equal(t, "b", nextEntry(entries, "a").ID)
	assert.Equal(t, "c", nextEntry(entries, "b").ID)
	assert.Nil(t, nextEntry(entries, "c"))
	assert.Nil(t, nextEntry(nil, ""))
	// Unknown cursor restarts from the top rather than stalling.
	assert.Equal(t, "a", nextEntry(entries, "ghost").ID)
}

func TestGet_UnknownSession(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Get("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup_LoadsSessionFromDisk(t *testing.T) {
	eng, _ := newTestEngine(t)

	j := journal.New(eng.cfg.Sessions.Root, "disk-session")
	require.NoError(t, j.EnsureStorage())
	_, err := j.UpdateMetadata(func(m *journal.Metadata) {
		m.ProjectPath = "/tmp/proj1"
		m.Model = "haiku"
	})
	require.NoError(t, err)

	summary, err := eng.Get("disk-session")
	require.NoError(t, err)
	assert.Equal(t, "disk-session", summary.ID)
	assert.Equal(t, "/tmp/proj1", summary.ProjectPath)
	assert.Equal(t, journal.StatusSleeping, summary.Status)
}

func TestSubmit_EnqueuesWhileTurnOpen(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())

	// A turn in flight gates delivery; submit must only record.
	s.mu.Lock()
	s.turnOpen = true
	s.mu.Unlock()

	require.NoError(t, eng.Submit(context.Background(), "s1", "client-1", "hello there"))

	entries, err := s.journal.ReadInputHistory()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello there", entries[0].Text)
	assert.Equal(t, journal.InputKindUser, entries[0].Type)

	items, err := s.journal.ReadItemHistory()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, stream.KindUserMessage, items[0].Kind)
	assert.Equal(t, entries[0].ID, items[0].ID)
	assert.Equal(t, "hello there", items[0].Text)
}

func TestSubmit_SlashCommandRecordedAsCommand(t *testing.T) {
	eng, eventBus := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())
	s.mu.Lock()
	s.turnOpen = true
	s.mu.Unlock()

	markers := make(chan string, 1)
	_, err := eventBus.Subscribe(events.SubjectSessionStatus("s1"), func(_ context.Context, event *bus.Event) error {
		if event.Type == events.SessionMarker {
			markers <- event.Data["marker"]
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, eng.Submit(context.Background(), "s1", "client-1", "/clear"))

	entries, err := s.journal.ReadInputHistory()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.InputKindCommand, entries[0].Type)

	select {
	case marker := <-markers:
		assert.Equal(t, stream.FrameContextCleared, marker)
	case <-time.After(2 * time.Second):
		t.Fatal("marker event never arrived")
	}
}

func TestTurnCompleted_SetsIdleAndStampsResult(t *testing.T) {
	eng, eventBus := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())
	s.mu.Lock()
	s.turnOpen = true
	s.status = journal.StatusBusy
	s.mu.Unlock()

	statuses := make(chan string, 4)
	_, err := eventBus.Subscribe(events.SubjectSessionStatus("s1"), func(_ context.Context, event *bus.Event) error {
		if event.Type == events.SessionStatusChanged {
			statuses <- event.Data["status"]
		}
		return nil
	})
	require.NoError(t, err)

	hooks := &sessionHooks{engine: eng, s: s}
	hooks.TurnCompleted(false)

	assert.Equal(t, journal.StatusIdle, s.currentStatus())

	meta, err := s.journal.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, journal.StatusIdle, meta.Status)
	require.NotNil(t, meta.LastResultAt)
	assert.True(t, meta.HasUnread())

	select {
	case status := <-statuses:
		assert.Equal(t, journal.StatusIdle, status)
	case <-time.After(2 * time.Second):
		t.Fatal("status event never arrived")
	}
}

func TestTurnCompleted_FailedTurnIsError(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())
	s.mu.Lock()
	s.turnOpen = true
	s.mu.Unlock()

	hooks := &sessionHooks{engine: eng, s: s}
	hooks.TurnCompleted(true)

	assert.Equal(t, journal.StatusError, s.currentStatus())
}

func TestTurnCompleted_AwaitingAckHoldsStatus(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())
	s.mu.Lock()
	s.turnOpen = true
	s.status = journal.StatusBusy
	s.awaitingAck = true
	s.mu.Unlock()

	hooks := &sessionHooks{engine: eng, s: s}
	hooks.TurnCompleted(false)

	// Status holds until the user replies; the result is still stamped.
	assert.Equal(t, journal.StatusBusy, s.currentStatus())
	meta, err := s.journal.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.NotNil(t, meta.LastResultAt)
}

func TestRemoteSessionCaptured_PersistsAndStagesResume(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())

	hooks := &sessionHooks{engine: eng, s: s}
	hooks.RemoteSessionCaptured("remote-99")

	meta, err := s.journal.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "remote-99", meta.ClaudeSessionID)
	assert.Equal(t, "remote-99", s.journal.ReadResumeID())
}

func TestMarkViewed_UnreadLaw(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())

	// No result yet: nothing to clear.
	cleared, err := eng.MarkViewed("s1")
	require.NoError(t, err)
	assert.False(t, cleared)

	now := time.Now().UTC()
	_, err = s.journal.UpdateMetadata(func(m *journal.Metadata) {
		m.LastResultAt = &now
	})
	require.NoError(t, err)

	cleared, err = eng.MarkViewed("s1")
	require.NoError(t, err)
	assert.True(t, cleared)

	// Already viewed: second viewer clears nothing.
	cleared, err = eng.MarkViewed("s1")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestMaybeSetTitle(t *testing.T) {
	eng, eventBus := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())

	titles := make(chan string, 1)
	_, err := eventBus.Subscribe(events.SubjectSessionTitle("s1"), func(_ context.Context, event *bus.Event) error {
		titles <- event.Data["title"]
		return nil
	})
	require.NoError(t, err)

	long := strings.Repeat("help me refactor the session engine ", 4)
	eng.maybeSetTitle(s, long)

	meta, err := s.journal.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.NotEmpty(t, meta.Title)
	assert.LessOrEqual(t, len([]rune(meta.Title)), titleMaxLen)

	select {
	case title := <-titles:
		assert.Equal(t, meta.Title, title)
	case <-time.After(2 * time.Second):
		t.Fatal("title event never arrived")
	}

	// First title wins.
	eng.maybeSetTitle(s, "a different opener")
	meta, err = s.journal.Metadata()
	require.NoError(t, err)
	assert.NotEqual(t, "a different opener", meta.Title)
}

func TestHibernate_SetsSleeping(t *testing.T) {
	eng, _ := newTestEngine(t)
	s := eng.register("s1")
	require.NoError(t, s.journal.EnsureStorage())
	s.mu.Lock()
	s.status = journal.StatusIdle
	s.mu.Unlock()

	eng.hibernate(s)

	assert.Equal(t, journal.StatusSleeping, s.currentStatus())
	meta, err := s.journal.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, journal.StatusSleeping, meta.Status)
}

func TestListActive_EmptyWithoutWriters(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.register("s1")
	eng.register("s2")
	assert.Empty(t, eng.ListActive())
}

func TestList_OrdersByActivity(t *testing.T) {
	eng, _ := newTestEngine(t)

	older := eng.register("older")
	require.NoError(t, older.journal.EnsureStorage())
	_, err := older.journal.UpdateMetadata(func(m *journal.Metadata) {})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	newer := eng.register("newer")
	require.NoError(t, newer.journal.EnsureStorage())
	_, err = newer.journal.UpdateMetadata(func(m *journal.Metadata) {})
	require.NoError(t, err)

	summaries, err := eng.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "newer", summaries[0].ID)
	assert.Equal(t, "older", summaries[1].ID)
}
