// Package tmux adapts the terminal multiplexer that hosts supervisor
// loops. Each session gets a detached tmux session named from its id;
// the tmux session outlives the server process, which is what makes
// crash recovery possible.
package tmux

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
)

//go:embed wrapper.sh
var wrapperScript []byte

// sessionPrefix namespaces muxbridge tmux sessions away from the user's
// own.
const sessionPrefix = "muxbridge-"

// Adapter drives the tmux binary. All methods shell out; tmux is the
// source of truth for what is alive.
type Adapter struct {
	tmuxBin   string
	claudeBin string
	logger    *logger.Logger
}

// NewAdapter creates an adapter that launches supervisors running
// claudeBin.
func NewAdapter(claudeBin string, log *logger.Logger) *Adapter {
	return &Adapter{
		tmuxBin:   "tmux",
		claudeBin: claudeBin,
		logger:    log.WithComponent("tmux"),
	}
}

// SessionName returns the deterministic tmux session name for id.
func SessionName(id string) string {
	return sessionPrefix + id
}

// sessionID is the inverse of SessionName; ok is false for foreign
// sessions.
func sessionID(name string) (string, bool) {
	if !strings.HasPrefix(name, sessionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, sessionPrefix), true
}

// SessionExists reports whether a live tmux session exists for id.
func (a *Adapter) SessionExists(ctx context.Context, id string) bool {
	cmd := exec.CommandContext(ctx, a.tmuxBin, "has-session", "-t", SessionName(id))
	return cmd.Run() == nil
}

// CreateSession starts a detached tmux session running the supervisor
// loop for id. The wrapper script is materialized into the session
// directory so the loop survives server upgrades.
func (a *Adapter) CreateSession(ctx context.Context, id, sessionDir, model, projectDir string) error {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	scriptPath := filepath.Join(sessionDir, "wrapper.sh")
	if err := os.WriteFile(scriptPath, wrapperScript, 0o755); err != nil {
		return fmt.Errorf("write wrapper script: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.tmuxBin,
		"new-session", "-d", "-s", SessionName(id),
		"sh", scriptPath, sessionDir, model, projectDir, a.claudeBin,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session: %w: %s", err, strings.TrimSpace(string(out)))
	}

	a.logger.Info("Created tmux session",
		zap.String("session_id", id),
		zap.String("project_dir", projectDir),
		zap.String("model", model))
	return nil
}

// SendInterrupt delivers Ctrl-C to the session's process group. The
// wrapper loop ignores SIGINT, so only the inner CLI is affected.
func (a *Adapter) SendInterrupt(ctx context.Context, id string) error {
	cmd := exec.CommandContext(ctx, a.tmuxBin, "send-keys", "-t", SessionName(id), "C-c")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// KillSession hard-terminates the tmux session and everything in it.
func (a *Adapter) KillSession(ctx context.Context, id string) error {
	cmd := exec.CommandContext(ctx, a.tmuxBin, "kill-session", "-t", SessionName(id))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux kill-session: %w: %s", err, strings.TrimSpace(string(out)))
	}
	a.logger.Info("Killed tmux session", zap.String("session_id", id))
	return nil
}

// ListSessions returns the ids of all live muxbridge tmux sessions.
func (a *Adapter) ListSessions(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, a.tmuxBin, "list-sessions", "-F", "#{session_name}")
	out, err := cmd.Output()
	if err != nil {
		// tmux exits 1 when no server is running; that means no sessions.
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}

	var ids []string
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if id, ok := sessionID(strings.TrimSpace(name)); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ReconcileResult partitions live tmux sessions by whether their session
// directory still exists.
type ReconcileResult struct {
	Alive    []string
	Orphaned []string
}

// ReconcileSessions inspects live tmux sessions against sessionsRoot.
// Sessions with a directory are alive and can be readopted; sessions
// without one are orphans to be killed.
func (a *Adapter) ReconcileSessions(ctx context.Context, sessionsRoot string) (*ReconcileResult, error) {
	ids, err := a.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{}
	for _, id := range ids {
		dir := filepath.Join(sessionsRoot, id)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			result.Alive = append(result.Alive, id)
		} else {
			result.Orphaned = append(result.Orphaned, id)
		}
	}
	return result, nil
}
