// Package fifo implements the server-side writer end of a session's
// named pipe. Opening the write end only succeeds once the supervisor's
// reader is attached, which is the wake signal for a sleeping session.
package fifo

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"
)

// ErrWakeTimeout is returned when the supervisor does not attach its
// reader within the open deadline.
var ErrWakeTimeout = errors.New("fifo: timed out waiting for reader")

// openRetryInterval is the poll period for the non-blocking open loop.
const openRetryInterval = 100 * time.Millisecond

// Ensure creates the named pipe when missing. Idempotent.
func Ensure(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := syscall.Mkfifo(path, 0o644); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

// Writer is the single writer end of a session FIFO. At most one Writer
// exists per session at a time; the engine enforces that.
type Writer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// OpenWriter opens the write end of the pipe, polling non-blocking until
// the supervisor's reader attaches or the timeout elapses. A kernel
// blocking open would hang forever on a dead supervisor; the poll keeps
// the wake bounded.
func OpenWriter(ctx context.Context, path string, timeout time.Duration) (*Writer, error) {
	if err := Ensure(path); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err == nil {
			// Reader is attached. Switch to blocking writes so a full
			// pipe buffer reads as backpressure, not an error.
			if err := syscall.SetNonblock(int(f.Fd()), false); err != nil {
				f.Close()
				return nil, err
			}
			return &Writer{path: path, file: f}, nil
		}
		if !errors.Is(err, syscall.ENXIO) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrWakeTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(openRetryInterval):
		}
	}
}

// WriteLine writes one NDJSON line to the pipe as a single write.
func (w *Writer) WriteLine(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.file == nil {
		return os.ErrClosed
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(append([]byte{}, data...), '\n')
	}
	_, err := w.file.Write(data)
	return err
}

// Close closes the write end. The supervisor's reader sees EOF and its
// inner subprocess exits cleanly.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// Path returns the pipe path.
func (w *Writer) Path() string { return w.path }

// IsBrokenPipe reports whether err is the transient EPIPE seen when the
// inner subprocess exits while the pipe is open. Callers recover by
// reopening and retrying once.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
