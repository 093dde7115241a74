// Package worker runs background consumers of live events.
package worker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/feedback-chat/internal/events"
	"github.com/spec-kit/feedback-chat/internal/observability"
)

// EventTap observes every event published on the live broker.
type EventTap interface {
	Tap(handler events.Handler)
}

// Notifier handles one event out of band.
type Notifier interface {
	Handle(event events.Event)
}

// NotificationWorker moves notification work off the publish path. The tap
// only enqueues; a full queue drops the event.
type NotificationWorker struct {
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics

	queue chan events.Event
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewNotificationWorker creates a worker with the given queue capacity.
func NewNotificationWorker(notifier Notifier, queueSize int, logger *zap.Logger, metrics *observability.Metrics) *NotificationWorker {
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationWorker{
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan events.Event, queueSize),
		stop:     make(chan struct{}),
	}
}

// Start attaches the worker to tap and begins consuming.
func (w *NotificationWorker) Start(tap EventTap) {
	tap.Tap(w.enqueue)
	w.wg.Add(1)
	go w.run()
}

// Stop drains queued events and waits for the consumer to exit.
func (w *NotificationWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stop)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *NotificationWorker) enqueue(event events.Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.queue <- event:
	default:
		w.metrics.RecordEvent(string(event.Kind), "notify_dropped")
		w.logger.Warn("notification queue full, dropping event",
			zap.String("topic", string(event.Topic)),
			zap.String("kind", string(event.Kind)))
	}
}

func (w *NotificationWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case event := <-w.queue:
			w.handle(event)
		case <-w.stop:
			for {
				select {
				case event := <-w.queue:
					w.handle(event)
				default:
					return
				}
			}
		}
	}
}

func (w *NotificationWorker) handle(event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("notification handler panic", zap.Any("panic", r))
		}
	}()
	w.notifier.Handle(event)
	w.metrics.RecordEvent(string(event.Kind), "notified")
}
