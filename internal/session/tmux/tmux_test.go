package tmux

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muxbridge/muxbridge/internal/session/fifo"
	"github.com/muxbridge/muxbridge/pkg/stream"
)

func TestSessionName(t *testing.T) {
	assert.Equal(t, "muxbridge-abc-123", SessionName("abc-123"))
}

func TestSessionID(t *testing.T) {
	id, ok := sessionID("muxbridge-abc-123")
	assert.True(t, ok)
	assert.Equal(t, "abc-123", id)

	_, ok = sessionID("someone-elses-session")
	assert.False(t, ok)

	// The bare prefix is technically ours but carries no id.
	id, ok = sessionID("muxbridge-")
	assert.True(t, ok)
	assert.Empty(t, id)
}

// Runs the supervisor loop against a stub assistant that dies on every
// start. The loop must ride out its backoff schedule, then trip the
// circuit breaker: a terminal system frame as the last out.jsonl line
// and exit status 1.
func TestWrapperScript_CircuitBreaker(t *testing.T) {
	if testing.Short() {
		t.Skip("sits through the supervisor backoff schedule in real time")
	}

	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "session")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	scriptPath := filepath.Join(sessionDir, "wrapper.sh")
	require.NoError(t, os.WriteFile(scriptPath, wrapperScript, 0o755))

	stub := filepath.Join(dir, "assistant-stub")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	projectDir := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	fifoPath := filepath.Join(sessionDir, "input.fifo")
	require.NoError(t, syscall.Mkfifo(fifoPath, 0o644))

	cmd := exec.Command("sh", scriptPath, sessionDir, "sonnet", projectDir, stub)
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	// Holding the write end open lets every restart's FIFO read return
	// immediately instead of parking for a wake.
	w, err := fifo.OpenWriter(context.Background(), fifoPath, 30*time.Second)
	require.NoError(t, err)
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// Six instant crashes cost 1+1+3+3+10+10s of backoff before the
	// seventh pass trips the breaker.
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 1, exitErr.ExitCode())
	case <-time.After(2 * time.Minute):
		t.Fatal("supervisor never tripped the circuit breaker")
	}

	lines, err := os.ReadFile(filepath.Join(sessionDir, "out.jsonl"))
	require.NoError(t, err)
	split := splitLines(lines)
	require.NotEmpty(t, split)

	item, ok := stream.ParseItemFrame(split[len(split)-1])
	require.True(t, ok, "last out.jsonl line is not a stream_item frame")
	assert.Equal(t, stream.KindSystem, item.Kind)
	assert.Contains(t, item.Text, "Circuit breaker tripped")
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestWrapperScript_Embedded(t *testing.T) {
	script := string(wrapperScript)
	assert.NotEmpty(t, script)
	assert.Contains(t, script, "#!/bin/sh")
	assert.Contains(t, script, "input.fifo")
	assert.Contains(t, script, "--output-format stream-json")
	assert.Contains(t, script, "--resume")
}
