// Package vault imports finished history from the assistant tool's own
// on-disk project logs (~/.claude/projects) into a session's out.jsonl.
// The vault is read-only; the import is idempotent because items are
// deduplicated by stable id.
package vault

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/session/journal"
	"github.com/muxbridge/muxbridge/internal/session/transform"
	"github.com/muxbridge/muxbridge/pkg/claudecode"
	"github.com/muxbridge/muxbridge/pkg/stream"
)

// Importer merges vault session logs into session journals.
type Importer struct {
	root   string
	noise  *transform.NoiseFilter
	logger *logger.Logger
}

// NewImporter creates an importer reading from the given vault root.
func NewImporter(root string, noise *transform.NoiseFilter, log *logger.Logger) *Importer {
	return &Importer{
		root:   root,
		noise:  noise,
		logger: log.WithComponent("vault"),
	}
}

// Hydrate merges unseen items from the vault log for projectPath into
// the journal. remoteSessionID selects the vault log; when empty the
// session's own id is tried. Returns true when the vault log existed or
// any item was imported.
func (i *Importer) Hydrate(j *journal.Journal, projectPath, remoteSessionID string) (bool, error) {
	dir, ok := i.findProjectDir(projectPath)
	if !ok {
		return false, nil
	}

	logID := remoteSessionID
	if logID == "" {
		logID = j.SessionID()
	}
	logPath := filepath.Join(dir, logID+".jsonl")

	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	seen, err := i.knownIDs(j)
	if err != nil {
		return false, err
	}

	emitted := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry claudecode.VaultEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// Corrupt vault lines are skipped, never fatal.
			continue
		}
		if entry.IsSidechain {
			continue
		}
		for _, item := range i.itemsFromEntry(&entry) {
			if item.ID == "" || seen[item.ID] {
				continue
			}
			if err := j.AppendItem(item); err != nil {
				return emitted > 0, err
			}
			seen[item.ID] = true
			emitted++
		}
	}
	if err := scanner.Err(); err != nil {
		i.logger.Warn("Vault scan ended early", zap.Error(err), zap.String("path", logPath))
	}

	if emitted > 0 {
		i.logger.Info("Hydrated session from vault",
			zap.String("session_id", j.SessionID()),
			zap.Int("items", emitted))
	}
	return true, nil
}

// findProjectDir locates the vault directory whose slug matches
// projectPath. The slug replaces path separators with hyphens; a
// directory matches when its name equals or contains the slug.
func (i *Importer) findProjectDir(projectPath string) (string, bool) {
	slug := strings.ReplaceAll(projectPath, string(os.PathSeparator), "-")

	entries, err := os.ReadDir(i.root)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if entry.Name() == slug {
			return filepath.Join(i.root, entry.Name()), true
		}
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.Contains(entry.Name(), slug) {
			return filepath.Join(i.root, entry.Name()), true
		}
	}
	return "", false
}

// knownIDs collects the item ids already present in out.jsonl.
func (i *Importer) knownIDs(j *journal.Journal) (map[string]bool, error) {
	items, err := j.ReadItemHistory()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(items))
	for _, item := range items {
		ids[item.ID] = true
	}
	return ids, nil
}

// itemsFromEntry maps one vault entry to normalized items. The mapping
// mirrors the live transform, except tool calls import as completed:
// the vault is a record of finished history.
func (i *Importer) itemsFromEntry(entry *claudecode.VaultEntry) []*stream.Item {
	ts := parseTimestamp(entry.Timestamp)

	switch entry.Type {
	case claudecode.FrameTypeUser:
		text := entry.TextContent()
		if text == "" {
			return nil
		}
		return []*stream.Item{{
			Kind:      stream.KindUserMessage,
			ID:        entry.StableID(),
			Timestamp: ts,
			Text:      text,
		}}

	case claudecode.FrameTypeAssistant:
		if entry.Message == nil {
			return nil
		}
		// The live transform keys assistant blocks by the message id with
		// the entry uuid as fallback. Deriving the same base here is what
		// makes re-imports dedup against items the watcher already wrote.
		id := entry.Message.ID
		if id == "" {
			id = entry.UUID
		}
		frame := &claudecode.Frame{
			Type:    claudecode.FrameTypeAssistant,
			UUID:    entry.UUID,
			Message: entry.Message,
		}
		var items []*stream.Item
		for idx, block := range frame.Blocks() {
			blockID := id
			if idx > 0 {
				blockID = id + "-" + strconv.Itoa(idx)
			}
			switch block.Type {
			case claudecode.BlockTypeText:
				cleaned, subject, hasNotify := transform.ExtractNotify(block.Text)
				if hasNotify && subject != "" {
					items = append(items, &stream.Item{
						Kind:      stream.KindNotification,
						ID:        "notify-" + blockID,
						Timestamp: ts,
						Subject:   subject,
					})
				}
				if cleaned == "" || i.noise.Matches(cleaned) {
					continue
				}
				items = append(items, &stream.Item{
					Kind:      stream.KindAssistantMessage,
					ID:        blockID,
					Timestamp: ts,
					Text:      cleaned,
				})
			case claudecode.BlockTypeThinking, claudecode.BlockTypeThought:
				text := block.Thinking
				if text == "" {
					text = block.Text
				}
				if text == "" || i.noise.Matches(text) {
					continue
				}
				items = append(items, &stream.Item{
					Kind:      stream.KindThought,
					ID:        blockID,
					Timestamp: ts,
					Text:      text,
					Status:    stream.ThoughtReady,
				})
			case claudecode.BlockTypeToolUse:
				items = append(items, &stream.Item{
					Kind:      stream.KindToolCall,
					ID:        block.ID,
					Timestamp: ts,
					Name:      block.Name,
					Input:     block.Input,
					Status:    stream.ToolStatusCompleted,
				})
			}
		}
		return items
	}
	return nil
}

func parseTimestamp(s string) time.Time {
	if s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
