// Package tail follows an append-only NDJSON file and delivers complete
// lines as they are written. It wakes on fsnotify events and keeps a
// coarse polling ticker as a fallback for filesystems with unreliable
// notification.
package tail

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
)

// pollInterval bounds the staleness when fsnotify events are lost.
const pollInterval = 250 * time.Millisecond

// Tailer follows one file from a byte offset. Lines are delivered whole;
// a trailing partial line is held until its newline arrives.
type Tailer struct {
	path   string
	offset int64
	lines  chan []byte
	logger *logger.Logger
}

// New creates a tailer starting at offset. Use the file's current size
// to follow only new lines.
func New(path string, offset int64, log *logger.Logger) *Tailer {
	return &Tailer{
		path:   path,
		offset: offset,
		lines:  make(chan []byte, 64),
		logger: log.WithComponent("tail"),
	}
}

// Lines returns the channel of complete lines. It is closed when Run
// returns.
func (t *Tailer) Lines() <-chan []byte { return t.lines }

// Run follows the file until ctx is cancelled. Delivery blocks when the
// consumer is slow; the file itself is the buffer.
func (t *Tailer) Run(ctx context.Context) error {
	defer close(t.lines)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: the file may not exist yet, and watching the
	// parent also catches creation.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		t.logger.Warn("fsnotify unavailable, polling only", zap.Error(err))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var pending []byte
	for {
		if err := t.drain(ctx, &pending); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != t.path {
				continue
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				t.logger.Debug("fsnotify error", zap.Error(err))
			}
		case <-ticker.C:
		}
	}
}

// drain reads everything appended since the last offset and emits the
// complete lines.
func (t *Tailer) drain(ctx context.Context, pending *[]byte) error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(f)
	for {
		chunk, err := reader.ReadBytes('\n')
		t.offset += int64(len(chunk))
		*pending = append(*pending, chunk...)

		if err == nil {
			line := bytes.TrimSpace(*pending)
			*pending = nil
			if len(line) == 0 {
				continue
			}
			out := make([]byte, len(line))
			copy(out, line)
			select {
			case t.lines <- out:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if err == io.EOF {
			return nil
		}
		return err
	}
}
