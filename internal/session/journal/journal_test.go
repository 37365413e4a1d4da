package journal

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxbridge/muxbridge/pkg/stream"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	return New(t.TempDir(), "session-1")
}

func TestEnsureStorage_Idempotent(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.EnsureStorage())
	require.NoError(t, j.EnsureStorage())

	for _, path := range []string{j.InputPath(), j.OutputPath()} {
		_, err := os.Stat(path)
		assert.NoError(t, err)
	}
}

func TestAppendInput_AssignsIDAndTimestamp(t *testing.T) {
	j := newTestJournal(t)

	entry, err := j.AppendInput("client-1", InputKindUser, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := j.ReadInputHistory()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, InputKindUser, entries[0].Type)
}

func TestAppendOnly_PriorBytesNeverChange(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.AppendInput("c", InputKindUser, "first")
	require.NoError(t, err)
	before, err := os.ReadFile(j.InputPath())
	require.NoError(t, err)

	_, err = j.AppendInput("c", InputKindUser, "second")
	require.NoError(t, err)
	after, err := os.ReadFile(j.InputPath())
	require.NoError(t, err)

	assert.True(t, len(after) > len(before))
	assert.Equal(t, string(before), string(after[:len(before)]))
}

func TestReadItemHistory_SkipsRawFramesAndGarbage(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.AppendOutput([]byte(`{"type":"assistant","message":{"id":"m1"}}`)))
	require.NoError(t, j.AppendItem(&stream.Item{Kind: stream.KindUserMessage, ID: "u1", Text: "hi"}))
	require.NoError(t, j.AppendOutput([]byte(`not json at all`)))
	require.NoError(t, j.AppendItem(&stream.Item{Kind: stream.KindAssistantMessage, ID: "a1", Text: "yo"}))

	items, err := j.ReadItemHistory()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "u1", items[0].ID)
	assert.Equal(t, "a1", items[1].ID)
}

func TestMetadata_MissingFileIsNil(t *testing.T) {
	j := newTestJournal(t)
	meta, err := j.Metadata()
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestUpdateMetadata_RoundTrip(t *testing.T) {
	j := newTestJournal(t)

	meta, err := j.UpdateMetadata(func(m *Metadata) {
		m.ProjectPath = "/tmp/proj1"
		m.Model = "haiku"
		m.Status = StatusIdle
	})
	require.NoError(t, err)
	assert.Equal(t, "session-1", meta.SessionID)
	assert.False(t, meta.LastSeen.IsZero())

	loaded, err := j.Metadata()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "/tmp/proj1", loaded.ProjectPath)
	assert.Equal(t, "haiku", loaded.Model)
	assert.Equal(t, StatusIdle, loaded.Status)
}

func TestUpdateMetadata_ConcurrentWritersNeverCorrupt(t *testing.T) {
	j := newTestJournal(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := j.UpdateMetadata(func(m *Metadata) {
				m.Status = StatusBusy
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	meta, err := j.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, StatusBusy, meta.Status)
}

func TestSetClaudeSessionID_EmptyNeverRegresses(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.SetClaudeSessionID("remote-1")
	require.NoError(t, err)

	meta, err := j.SetClaudeSessionID("")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "remote-1", meta.ClaudeSessionID)
}

func TestHasUnread(t *testing.T) {
	earlier := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	cases := []struct {
		name     string
		resultAt *time.Time
		viewedAt *time.Time
		want     bool
	}{
		{"no result", nil, nil, false},
		{"result never viewed", &earlier, nil, true},
		{"result after view", &later, &earlier, true},
		{"view after result", &earlier, &later, false},
		{"viewed but no result", nil, &earlier, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Metadata{LastResultAt: tc.resultAt, LastViewedAt: tc.viewedAt}
			assert.Equal(t, tc.want, m.HasUnread())
		})
	}
}

func TestResumeID_RoundTrip(t *testing.T) {
	j := newTestJournal(t)
	assert.Equal(t, "", j.ReadResumeID())

	require.NoError(t, j.WriteResumeID("remote-42"))
	assert.Equal(t, "remote-42", j.ReadResumeID())
}

func TestOutputSize(t *testing.T) {
	j := newTestJournal(t)
	size, err := j.OutputSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	require.NoError(t, j.AppendOutput([]byte(`{"type":"x"}`)))
	size, err = j.OutputSize()
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"type":"x"}`)+1), size)
}

func TestDestroy(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.EnsureStorage())
	require.NoError(t, j.Destroy())

	_, err := os.Stat(j.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestAppendLine_AddsNewlineOnce(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.AppendOutput([]byte("{\"a\":1}\n")))
	require.NoError(t, j.AppendOutput([]byte(`{"b":2}`)))

	data, err := os.ReadFile(j.OutputPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 2)
}
