package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/muxbridge/muxbridge/internal/common/logger"
)

// MemoryEventBus implements EventBus using in-memory dispatch. It is the
// default when no NATS URL is configured.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// subscriptionBuffer bounds the per-subscription delivery queue.
const subscriptionBuffer = 256

// memorySubscription represents an in-memory subscription. Each
// subscription owns a buffered queue drained by a single goroutine, so
// one subscriber always observes events in publish order.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // for wildcard matching
	handler EventHandler
	events  chan *Event
	active  bool
	mu      sync.Mutex
}

// run drains the delivery queue until Unsubscribe or Close closes it.
func (s *memorySubscription) run() {
	for event := range s.events {
		if err := s.handler(context.Background(), event); err != nil {
			s.bus.logger.Error("Event handler error",
				zap.String("subject", s.subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// deliver enqueues one event for ordered dispatch. A full queue drops
// the event rather than stalling the publisher.
func (s *memorySubscription) deliver(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	select {
	case s.events <- event:
	default:
		s.bus.logger.Warn("Subscriber queue full, dropping event",
			zap.String("subject", s.subject),
			zap.String("event_type", event.Type))
	}
}

// deactivate marks the subscription dead and closes its queue so the
// drain goroutine exits. Idempotent.
func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		close(s.events)
	}
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.deactivate()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish enqueues an event for all matching subscribers. Each
// subscriber drains its own queue on a dedicated goroutine, so publish
// never blocks on a slow handler and a subscriber sees events in the
// order they were published.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if matches(subject, pattern, sub.pattern) {
				sub.deliver(event)
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		events:  make(chan *Event, subscriptionBuffer),
		active:  true,
	}
	go sub.run()

	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.deactivate()
		}
	}

	b.subscriptions = make(map[string][]*memorySubscription)
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern, supporting NATS-style
// wildcards: * (single token) and > (remaining tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
