// Package worker consumes queued posts and persists them.
//
// Each delivery goes Delivered -> Parsed -> Persisted -> Acknowledged. A
// delivery is acked only after the insert has committed, so a crash or a
// store failure leads to redelivery (at-least-once) and possibly a
// duplicate row, never to a lost post. A message the store keeps refusing
// is dead-lettered after MaxAttempts so it cannot stall the queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iriptembl/allin/internal/apperr"
	"github.com/Iriptembl/allin/internal/broker"
	"github.com/Iriptembl/allin/internal/models"
	"github.com/Iriptembl/allin/internal/posts"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("worker: already started")

// Persister abstracts the insert so the loop can be tested with a mock.
type Persister interface {
	Insert(ctx context.Context, p models.NewPost) (models.Post, error)
}

// Options configures a Worker.
type Options struct {
	Queue string
	// Concurrency is the number of goroutines handling deliveries.
	Concurrency int
	// Prefetch bounds unsettled deliveries. Zero means no limit.
	Prefetch       int
	PersistTimeout time.Duration
	// RetryDelay is how long a delivery whose insert failed is held
	// before it is handed back to the broker.
	RetryDelay time.Duration
	// MaxAttempts bounds persist attempts per message before it is
	// dead-lettered. Zero means no bound.
	MaxAttempts int
}

// Stats are cumulative delivery counters.
type Stats struct {
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Malformed    int64 `json:"malformed"`
	DeadLettered int64 `json:"dead_lettered"`
	// Consuming is false before Start, after Stop and after the broker
	// closed the delivery stream.
	Consuming    bool  `json:"consuming"`
}

// Worker is the long-lived consumer of the post queue.
type Worker struct {
	broker broker.Broker
	store  Persister
	opts   Options

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	attemptsMu sync.Mutex
	attempts   map[string]int

	processed    atomic.Int64
	failed       atomic.Int64
	malformed    atomic.Int64
	deadLettered atomic.Int64
	consuming    atomic.Bool
	lost         sync.Once
}

// New creates a Worker. It does nothing until Start.
func New(b broker.Broker, store Persister, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Worker{broker: b, store: store, opts: opts, attempts: make(map[string]int)}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start declares the queue, registers one consumer and starts the
// handler goroutines. It returns once consumption is running; cancelling
// ctx stops consumption like Stop without waiting. A Worker can be
// started once; later calls return ErrAlreadyStarted.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}

	if err := w.broker.DeclareQueue(ctx, w.opts.Queue); err != nil {
		return apperr.Dep("worker.start", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	consumer := "worker-" + uuid.NewString()

	deliveries, err := w.broker.Consume(runCtx, w.opts.Queue, consumer, w.opts.Prefetch)
	if err != nil {
		cancel()
		return apperr.Dep("worker.start", err)
	}

	w.started = true
	w.cancel = cancel
	w.consuming.Store(true)

	for range w.opts.Concurrency {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for d := range deliveries {
				w.handle(runCtx, d)
			}
			w.streamClosed(runCtx)
		}()
	}

	slog.Info("worker started",
		"queue", w.opts.Queue,
		"consumer", consumer,
		"concurrency", w.opts.Concurrency,
		"prefetch", w.opts.Prefetch,
	)
	return nil
}

// Stop cancels the consumer and waits for in-flight deliveries to be
// settled. It is safe to call on a worker that was never started.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	w.wg.Wait()
	w.consuming.Store(false)
	slog.Info("worker stopped", "queue", w.opts.Queue)
}

// Stats returns a snapshot of the delivery counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed:    w.processed.Load(),
		Failed:       w.failed.Load(),
		Malformed:    w.malformed.Load(),
		DeadLettered: w.deadLettered.Load(),
		Consuming:    w.consuming.Load(),
	}
}

// streamClosed runs when a handler goroutine sees the delivery channel
// close. Outside Stop that means the broker dropped the consumer and
// nothing will be consumed until the process is restarted.
func (w *Worker) streamClosed(runCtx context.Context) {
	w.consuming.Store(false)
	if runCtx.Err() != nil {
		return
	}
	w.lost.Do(func() {
		slog.Error("delivery channel closed, worker no longer consuming", "queue", w.opts.Queue)
	})
}

// ---------------------------------------------------------------------------
// Delivery handling
// ---------------------------------------------------------------------------

// handle runs a single parse -> persist -> ack cycle. Settling uses a
// fresh context so a delivery received before Stop is still settled.
func (w *Worker) handle(runCtx context.Context, d broker.Delivery) {
	log := slog.With("queue", d.Queue, "delivery_tag", d.ID, "message_id", d.MessageID, "redelivered", d.Redelivered)

	// 1. Parse and validate the payload.
	p, err := parse(d.Body)
	if err != nil {
		w.malformed.Add(1)
		log.Error("malformed message, dead-lettering", "error", err)
		if err := d.Nack(context.Background(), false); err != nil {
			log.Error("nack malformed message", "error", err)
		}
		return
	}

	// 2. Persist under a bounded timeout.
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.PersistTimeout)
	post, err := w.store.Insert(ctx, p)
	cancel()
	if err != nil {
		w.failed.Add(1)
		attempt := w.attempt(d.MessageID)
		if errors.Is(err, apperr.Rejected) || (w.opts.MaxAttempts > 0 && attempt >= w.opts.MaxAttempts) {
			w.deadLettered.Add(1)
			w.forget(d.MessageID)
			log.Error("persist failed permanently, dead-lettering", "error", err, "attempt", attempt)
			if err := d.Nack(context.Background(), false); err != nil {
				log.Error("nack rejected message", "error", err)
			}
			return
		}
		// DO NOT ack: hand the message back so it is redelivered.
		log.Error("persist failed, requeueing", "error", err, "attempt", attempt, "timeout", apperr.Timeout(err))
		w.backoff(runCtx)
		if err := d.Nack(context.Background(), true); err != nil {
			log.Error("nack failed message", "error", err)
		}
		return
	}
	w.forget(d.MessageID)

	// 3. Ack: the row is committed.
	if err := d.Ack(context.Background()); err != nil {
		// The broker will redeliver and the post will be inserted again.
		log.Error("ack failed after persist", "post_id", post.ID, "error", err)
	}
	w.processed.Add(1)
	log.Info("post persisted", "post_id", post.ID, "latency_ms", time.Since(start).Milliseconds())
}

// attempt records a failed persist of the message and returns the number
// of failures so far. Counts live in memory, so a restart resets them.
func (w *Worker) attempt(messageID string) int {
	w.attemptsMu.Lock()
	defer w.attemptsMu.Unlock()
	w.attempts[messageID]++
	return w.attempts[messageID]
}

func (w *Worker) forget(messageID string) {
	w.attemptsMu.Lock()
	delete(w.attempts, messageID)
	w.attemptsMu.Unlock()
}

// backoff waits RetryDelay or until the worker stops.
func (w *Worker) backoff(ctx context.Context) {
	t := time.NewTimer(w.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// parse decodes a queue message into a NewPost with non-blank fields.
func parse(body []byte) (models.NewPost, error) {
	var p models.NewPost
	if err := json.Unmarshal(body, &p); err != nil {
		return models.NewPost{}, apperr.Malformedf("worker.parse", "invalid JSON", err)
	}
	if err := (posts.Limits{}).Validate(p); err != nil {
		return models.NewPost{}, apperr.Malformedf("worker.parse", "invalid post", err)
	}
	return p, nil
}
