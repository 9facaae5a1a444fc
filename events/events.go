package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBusClosed is returned after Stop.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull is returned by Publish when the queue is at capacity.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler is returned when nothing subscribes to the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the digitization workflow.
const (
	ReportSubmitted = "report_submitted"
	BookCreated     = "book_created"
	ScheduledCheck  = "scheduled_check"
)

// Event is a domain event about one digitization record.
type Event struct {
	Type    string
	BookID  uint64
	Payload interface{} // types.ReportSubmission for ReportSubmitted, the check date for ScheduledCheck
}

// EventHandler reacts to one published event.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies a registered handler.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler EventHandler
}

// EventBus fans domain events out to subscribers, either through a buffered
// queue drained by one goroutine or synchronously on the caller.
type EventBus struct {
	handlers     map[string][]subscriber
	nextID       Subscription
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	logger       *logrus.Logger
	syncTimeout  time.Duration
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the queue capacity of Publish.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler replaces the default handler of async delivery errors,
// which logs them.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *logrus.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// WithSyncTimeout bounds PublishSync handler execution.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// NewEventBus starts a bus and its delivery goroutine.
// The default buffer size is 100 and the default sync timeout is 5 seconds.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]subscriber),
		eventCh:     make(chan Event, 100),
		logger:      logrus.New(),
		syncTimeout: 5 * time.Second,
	}
	eb.errHandler = eb.logError

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers handler for eventType and returns its subscription.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.handlers[eventType] = append(eb.handlers[eventType], subscriber{id: eb.nextID, handler: handler})
	return eb.nextID
}

// SubscribeFunc is Subscribe for a plain function.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes a subscription. It reports whether the subscription existed.
// The event type is forgotten once its last handler goes.
func (eb *EventBus) Unsubscribe(eventType string, sub Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs, exists := eb.handlers[eventType]
	if !exists {
		return false
	}

	for i, s := range subs {
		if s.id == sub {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			if len(eb.handlers[eventType]) == 0 {
				delete(eb.handlers, eventType)
			}
			return true
		}
	}
	return false
}

// HasSubscribers reports whether eventType has at least one handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

// Publish queues an event for asynchronous delivery.
// It never blocks: a full queue yields ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	// Held across the send so Stop cannot close the channel underneath us.
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event and returns all handler errors.
// Handlers run under the bus sync timeout unless ctx expires sooner.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.snapshot(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop rejects new events, delivers the ones already queued and waits for
// the processor to exit.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) snapshot(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	out := make([]EventHandler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

// processEvents drains the queue until Stop closes it.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.snapshot(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
// A panicking handler is reported as an error.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.WithFields(logrus.Fields{
		"event":   event.Type,
		"book_id": event.BookID,
	}).Errorf("events: handler failed: %v", err)
}
