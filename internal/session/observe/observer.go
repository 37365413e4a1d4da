// Package observe builds the per-client line stream for one session:
// an initial agent_status, a history snapshot, then live normalized
// frames and status changes until the client goes away.
package observe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
	"github.com/muxbridge/muxbridge/internal/events"
	"github.com/muxbridge/muxbridge/internal/events/bus"
	"github.com/muxbridge/muxbridge/internal/session/engine"
	"github.com/muxbridge/muxbridge/internal/session/journal"
	"github.com/muxbridge/muxbridge/internal/session/tail"
	"github.com/muxbridge/muxbridge/pkg/stream"
)

// rehydrateInterval is the period of the background vault re-import
// while an observer is attached.
const rehydrateInterval = 10 * time.Second

// frameBuffer bounds how far a slow client can lag before frames drop.
const frameBuffer = 256

// Observer is one client's live view of a session. Frames() yields
// marshaled NDJSON lines in delivery order; Close releases everything.
type Observer struct {
	sessionID string
	engine    *engine.Engine
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	frames chan []byte
	subs   []bus.Subscription

	sendMu sync.Mutex
	closed bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New attaches an observer to a session. The returned observer is
// already streaming; the first frame is an agent_status, the second a
// history_snapshot.
func New(ctx context.Context, eng *engine.Engine, eventBus bus.EventBus, sessionID string, log *logger.Logger) (*Observer, error) {
	j, err := eng.JournalFor(sessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	o := &Observer{
		sessionID: sessionID,
		engine:    eng,
		logger:    log.WithComponent("observe").WithSessionID(sessionID),
		ctx:       ctx,
		cancel:    cancel,
		frames:    make(chan []byte, frameBuffer),
	}

	// Hydration first, so the snapshot already contains imported history.
	if _, err := eng.Hydrate(sessionID); err != nil {
		o.logger.Warn("Hydration failed", zap.Error(err))
	}
	// A failed wake leaves the session sleeping; the observer still
	// serves history and a later submit re-drives the wake.
	if err := eng.EnsureAwake(ctx, sessionID); err != nil {
		o.logger.Warn("Wake on observe failed", zap.Error(err))
	}

	if err := eng.AcquireWatcher(sessionID); err != nil {
		cancel()
		return nil, err
	}

	status, err := eng.Status(sessionID)
	if err != nil {
		eng.ReleaseWatcher(sessionID)
		cancel()
		return nil, err
	}
	o.sendFrame(stream.NewAgentStatus(agentStatus(status)))

	// Snapshot the offset before reading history: the tail then overlaps
	// rather than gaps, and clients dedup by item id.
	offset, err := j.OutputSize()
	if err != nil {
		o.release()
		cancel()
		return nil, err
	}
	items, err := j.ReadItemHistory()
	if err != nil {
		o.release()
		cancel()
		return nil, err
	}
	o.sendFrame(stream.NewHistorySnapshot(items))

	if cleared, err := eng.MarkViewed(sessionID); err == nil && cleared {
		o.sendFrame(&stream.Frame{Type: stream.FrameUnreadCleared})
	}

	// Subscribing only after the snapshot keeps the first two frames
	// fixed: no live status event can slot between them. A transition
	// inside the gap is covered by re-reading the status below.
	if err := o.subscribe(eventBus); err != nil {
		o.release()
		cancel()
		return nil, err
	}
	if current, err := eng.Status(sessionID); err == nil && current != status {
		o.sendFrame(stream.NewAgentStatus(agentStatus(current)))
	}

	o.wg.Add(2)
	go o.runTail(j, offset)
	go o.runRehydrate()

	return o, nil
}

// Frames returns the stream of marshaled frames. It is closed after
// Close once all producers have drained.
func (o *Observer) Frames() <-chan []byte { return o.frames }

// Close detaches the observer: stops the tail and the re-hydration
// tick, unsubscribes from status, and releases the shared watcher.
func (o *Observer) Close() {
	o.closeOnce.Do(func() {
		o.cancel()
		o.release()
		go func() {
			o.wg.Wait()
			o.sendMu.Lock()
			o.closed = true
			close(o.frames)
			o.sendMu.Unlock()
		}()
	})
}

func (o *Observer) release() {
	for _, sub := range o.subs {
		if err := sub.Unsubscribe(); err != nil {
			o.logger.Debug("Unsubscribe failed", zap.Error(err))
		}
	}
	o.subs = nil
	o.engine.ReleaseWatcher(o.sessionID)
}

// subscribe wires status, title and marker events into the frame stream.
func (o *Observer) subscribe(eventBus bus.EventBus) error {
	statusSub, err := eventBus.Subscribe(events.SubjectSessionStatus(o.sessionID), o.handleEvent)
	if err != nil {
		return err
	}
	o.subs = append(o.subs, statusSub)

	titleSub, err := eventBus.Subscribe(events.SubjectSessionTitle(o.sessionID), o.handleEvent)
	if err != nil {
		return err
	}
	o.subs = append(o.subs, titleSub)
	return nil
}

func (o *Observer) handleEvent(_ context.Context, event *bus.Event) error {
	switch event.Type {
	case events.SessionStatusChanged:
		o.sendFrame(stream.NewAgentStatus(agentStatus(event.Data["status"])))
	case events.SessionTitleChanged:
		o.sendFrame(stream.NewChatTitleUpdate(event.Data["title"]))
	case events.SessionMarker:
		if marker := event.Data["marker"]; marker != "" {
			o.sendFrame(&stream.Frame{Type: marker})
		}
	case events.SessionDestroyed:
		o.Close()
	}
	return nil
}

// runTail forwards live stream_item lines appended to out.jsonl. Raw
// assistant frames on the tail are the transform watcher's business.
func (o *Observer) runTail(j *journal.Journal, offset int64) {
	defer o.wg.Done()

	tailer := tail.New(j.OutputPath(), offset, o.logger)
	go func() {
		if err := tailer.Run(o.ctx); err != nil {
			o.logger.Error("Observer tail failed", zap.Error(err))
		}
	}()

	for line := range tailer.Lines() {
		if _, ok := stream.ParseItemFrame(line); !ok {
			continue
		}
		o.sendRaw(line)
	}
}

// runRehydrate re-imports vault history periodically while attached, so
// turns recorded by other frontends surface without a reconnect.
func (o *Observer) runRehydrate() {
	defer o.wg.Done()

	ticker := time.NewTicker(rehydrateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.engine.Hydrate(o.sessionID); err != nil {
				o.logger.Debug("Periodic hydration failed", zap.Error(err))
			}
		}
	}
}

func (o *Observer) sendFrame(frame *stream.Frame) {
	data, err := frame.Marshal()
	if err != nil {
		o.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	o.sendRaw(data)
}

// sendRaw enqueues one marshaled line. Frames for a client lagging past
// the buffer are dropped; the next reconnect resyncs from history.
func (o *Observer) sendRaw(data []byte) {
	line := make([]byte, len(data))
	copy(line, data)

	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.frames <- line:
	default:
		o.logger.Warn("Observer buffer full, dropping frame")
	}
}

// agentStatus maps engine status onto the client vocabulary.
func agentStatus(status string) string {
	switch status {
	case journal.StatusBusy:
		return stream.AgentStatusThinking
	case journal.StatusError:
		return stream.AgentStatusError
	default:
		return stream.AgentStatusIdle
	}
}
