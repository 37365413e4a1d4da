// Package journal owns the on-disk state of a session: the append-only
// in.jsonl / out.jsonl NDJSON logs and the small mutable metadata
// document. All appends are single whole-line O_APPEND writes so that
// lines from concurrent writers never interleave.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muxbridge/muxbridge/pkg/stream"
)

// Input entry kinds.
const (
	InputKindUser    = "user"
	InputKindSystem  = "system"
	InputKindCommand = "command"
)

// Session statuses persisted in metadata.
const (
	StatusSleeping = "sleeping"
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusError    = "error"
)

// InputEntry is one line of in.jsonl.
type InputEntry struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata is the mutable per-session document metadata.json.
type Metadata struct {
	SessionID            string     `json:"sessionId"`
	ClaudeSessionID      string     `json:"claudeSessionId,omitempty"`
	ProjectPath          string     `json:"projectPath,omitempty"`
	Model                string     `json:"model,omitempty"`
	Status               string     `json:"status,omitempty"`
	Title                string     `json:"title,omitempty"`
	LastSeen             time.Time  `json:"lastSeen"`
	LastProcessedInputID string     `json:"lastProcessedInputId,omitempty"`
	LastResultAt         *time.Time `json:"lastResultAt,omitempty"`
	LastViewedAt         *time.Time `json:"lastViewedAt,omitempty"`
}

// HasUnread reports whether the session holds a result the user has not
// viewed yet.
func (m *Metadata) HasUnread() bool {
	if m.LastResultAt == nil {
		return false
	}
	return m.LastViewedAt == nil || m.LastResultAt.After(*m.LastViewedAt)
}

// Journal is the handle to one session's directory. It is safe for
// concurrent use; metadata writes are serialized by a per-journal lock.
type Journal struct {
	sessionID string
	dir       string

	metaMu sync.Mutex
}

// New returns a journal for sessions/<id> under root. The directory is
// created lazily by EnsureStorage.
func New(root, sessionID string) *Journal {
	return &Journal{
		sessionID: sessionID,
		dir:       filepath.Join(root, sessionID),
	}
}

// SessionID returns the owning session id.
func (j *Journal) SessionID() string { return j.sessionID }

// Dir returns the session directory path.
func (j *Journal) Dir() string { return j.dir }

// InputPath returns the path of in.jsonl.
func (j *Journal) InputPath() string { return filepath.Join(j.dir, "in.jsonl") }

// OutputPath returns the path of out.jsonl.
func (j *Journal) OutputPath() string { return filepath.Join(j.dir, "out.jsonl") }

// MetadataPath returns the path of metadata.json.
func (j *Journal) MetadataPath() string { return filepath.Join(j.dir, "metadata.json") }

// FIFOPath returns the path of the session's named pipe.
func (j *Journal) FIFOPath() string { return filepath.Join(j.dir, "input.fifo") }

// ResumeIDPath returns the path of the resume_id file.
func (j *Journal) ResumeIDPath() string { return filepath.Join(j.dir, "resume_id") }

// ErrLogPath returns the path of the supervisor diagnostics log.
func (j *Journal) ErrLogPath() string { return filepath.Join(j.dir, "err.log") }

// EnsureStorage creates the session directory and empty journals if
// absent. Idempotent.
func (j *Journal) EnsureStorage() error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	for _, path := range []string{j.InputPath(), j.OutputPath()} {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(path), err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

// AppendInput appends a new entry to in.jsonl, assigning its id and
// server timestamp, and returns the full entry.
func (j *Journal) AppendInput(clientID, kind, text string) (*InputEntry, error) {
	if err := j.EnsureStorage(); err != nil {
		return nil, err
	}
	entry := &InputEntry{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Type:      kind,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := appendLine(j.InputPath(), data); err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendOutput appends one already-serialized NDJSON line to out.jsonl.
// A trailing newline is added when missing.
func (j *Journal) AppendOutput(line []byte) error {
	if err := j.EnsureStorage(); err != nil {
		return err
	}
	return appendLine(j.OutputPath(), line)
}

// AppendItem appends a normalized stream_item frame to out.jsonl.
func (j *Journal) AppendItem(item *stream.Item) error {
	data, err := stream.NewItemFrame(item).Marshal()
	if err != nil {
		return err
	}
	return j.AppendOutput(data)
}

// Metadata reads the current metadata document. A missing file returns
// (nil, nil).
func (j *Journal) Metadata() (*Metadata, error) {
	data, err := os.ReadFile(j.MetadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// UpdateMetadata applies a mutation under the per-session write lock:
// it reads the current document (or synthesizes a default), applies the
// mutation, refreshes lastSeen, and writes the result via a same-dir
// temp file renamed over the target. Concurrent callers observe
// serialized last-writer-wins semantics.
func (j *Journal) UpdateMetadata(apply func(*Metadata)) (*Metadata, error) {
	j.metaMu.Lock()
	defer j.metaMu.Unlock()

	meta, err := j.Metadata()
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &Metadata{SessionID: j.sessionID}
	}
	apply(meta)
	meta.LastSeen = time.Now().UTC()

	if err := j.EnsureStorage(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(j.dir, ".metadata-*.json")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	// Same-filesystem rename makes the swap atomic; readers never see a
	// partial document.
	if err := os.Rename(tmpName, j.MetadataPath()); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	return meta, nil
}

// SetClaudeSessionID records the remote assistant session id. Once set
// it never regresses; later captures only move it forward to a new
// non-empty value.
func (j *Journal) SetClaudeSessionID(id string) (*Metadata, error) {
	if id == "" {
		return j.Metadata()
	}
	return j.UpdateMetadata(func(m *Metadata) {
		m.ClaudeSessionID = id
	})
}

// ReadOutputHistory returns a finite snapshot of out.jsonl's raw lines.
// Read errors on a missing file return an empty slice.
func (j *Journal) ReadOutputHistory() ([][]byte, error) {
	return readLines(j.OutputPath())
}

// ReadItemHistory returns the normalized stream items currently in
// out.jsonl, in append order. Raw assistant frames and unparseable lines
// are skipped.
func (j *Journal) ReadItemHistory() ([]*stream.Item, error) {
	lines, err := j.ReadOutputHistory()
	if err != nil {
		return nil, err
	}
	items := make([]*stream.Item, 0, len(lines))
	for _, line := range lines {
		if item, ok := stream.ParseItemFrame(line); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// ReadInputHistory returns the parsed entries of in.jsonl in append
// order. Unparseable lines are skipped, never fatal.
func (j *Journal) ReadInputHistory() ([]*InputEntry, error) {
	lines, err := readLines(j.InputPath())
	if err != nil {
		return nil, err
	}
	entries := make([]*InputEntry, 0, len(lines))
	for _, line := range lines {
		var entry InputEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// OutputSize returns the current byte length of out.jsonl.
func (j *Journal) OutputSize() (int64, error) {
	info, err := os.Stat(j.OutputPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// ReadResumeID returns the contents of resume_id, or "" when absent.
func (j *Journal) ReadResumeID() string {
	data, err := os.ReadFile(j.ResumeIDPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WriteResumeID records the remote session id for the supervisor's next
// --resume invocation.
func (j *Journal) WriteResumeID(id string) error {
	if err := j.EnsureStorage(); err != nil {
		return err
	}
	return os.WriteFile(j.ResumeIDPath(), []byte(id+"\n"), 0o644)
}

// Destroy removes the session directory and everything in it.
func (j *Journal) Destroy() error {
	return os.RemoveAll(j.dir)
}

// appendLine writes data plus a newline with O_APPEND semantics. Each
// call is one write syscall so concurrent appenders never interleave
// within a line.
func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(append([]byte{}, data...), '\n')
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readLines reads a whole NDJSON file, returning non-empty lines. A
// missing file yields an empty slice.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		return lines, err
	}
	return lines, nil
}
