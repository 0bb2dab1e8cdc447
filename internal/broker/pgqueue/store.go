package pgqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iriptembl/allin/internal/broker"
)

// defaultBatch bounds a single lease when the consumer asks for no
// prefetch limit.
const defaultBatch = 16

// Options tunes the polling consumer.
type Options struct {
	// PollInterval is how long an idle consumer waits between leases.
	PollInterval time.Duration
	// Lease is how long a delivered message stays invisible to other
	// consumers before it is redelivered.
	Lease time.Duration
	// MaxAttempts dead-letters a message leased more often than this
	// without being settled (crash loops). Zero disables the check.
	MaxAttempts int
}

// Broker stores messages in the queue_messages table.
// It is safe for concurrent use; all concurrency is handled by PostgreSQL
// (FOR UPDATE SKIP LOCKED), not by Go-level locks.
type Broker struct {
	db   *sql.DB
	dead broker.DeadLetters
	opts Options

	closeOnce sync.Once
	done      chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// New wraps an existing *sql.DB connection pool. The pool is not closed
// by Close.
func New(db *sql.DB, dead broker.DeadLetters, opts Options) *Broker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	return &Broker{db: db, dead: dead, opts: opts, done: make(chan struct{})}
}

// DeclareQueue checks that the backing table exists. Queues themselves
// are implicit: a queue is the set of rows carrying its name.
func (b *Broker) DeclareQueue(ctx context.Context, queue string) error {
	if _, err := b.db.ExecContext(ctx, queryProbe); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	return nil
}

// Publish inserts a message with state='ready'. The caller only gets a
// nil error after the insert commits.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	if _, err := b.db.ExecContext(ctx, queryPublish, queue, uuid.New(), body); err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	return nil
}

// leased is a message returned from a successful lease call.
type leased struct {
	id       int64
	msgUUID  uuid.UUID
	payload  []byte
	attempts int
}

// lease atomically claims up to max messages that are ready or have an
// expired lease. A new lease_id is generated per call and shared across
// all claimed messages.
func (b *Broker) lease(ctx context.Context, queue, consumer string, max int) (uuid.UUID, []leased, error) {
	leaseID := uuid.New()

	rows, err := b.db.QueryContext(ctx, queryLease,
		queue, max, consumer, leaseID, int(b.opts.Lease.Milliseconds()),
	)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("lease query: %w", err)
	}
	defer rows.Close()

	var msgs []leased
	for rows.Next() {
		var m leased
		if err := rows.Scan(&m.id, &m.msgUUID, &m.payload, &m.attempts); err != nil {
			return uuid.Nil, nil, fmt.Errorf("scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, nil, fmt.Errorf("rows: %w", err)
	}
	// RETURNING does not preserve the candidates' order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].id < msgs[j].id })
	return leaseID, msgs, nil
}

// Consume polls the table for queue. Each poll leases at most as many
// messages as the consumer has free prefetch slots.
func (b *Broker) Consume(ctx context.Context, queue, consumer string, prefetch int) (<-chan broker.Delivery, error) {
	if err := b.DeclareQueue(ctx, queue); err != nil {
		return nil, err
	}

	var inFlight atomic.Int64
	out := make(chan broker.Delivery)

	go func() {
		defer close(out)

		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()

		for {
			free := defaultBatch
			if prefetch > 0 {
				free = prefetch - int(inFlight.Load())
			}

			drained := true
			if free > 0 {
				n, err := b.pollOnce(ctx, queue, consumer, free, &inFlight, out)
				if err != nil && ctx.Err() == nil {
					slog.Error("pgqueue poll failed", "queue", queue, "consumer", consumer, "error", err)
				}
				// A full batch means there may be more waiting.
				drained = n < free
			}

			if !drained {
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				default:
					continue
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// pollOnce runs a single lease and hands the messages to out. It returns
// the number of messages leased.
func (b *Broker) pollOnce(ctx context.Context, queue, consumer string, max int, inFlight *atomic.Int64, out chan<- broker.Delivery) (int, error) {
	leaseID, msgs, err := b.lease(ctx, queue, consumer, max)
	if err != nil {
		return 0, err
	}

	for i, m := range msgs {
		a := &acker{b: b, queue: queue, id: m.id, leaseID: leaseID, inFlight: inFlight}

		if b.opts.MaxAttempts > 0 && m.attempts > b.opts.MaxAttempts {
			slog.Warn("pgqueue message exceeded max attempts, dead-lettering",
				"queue", queue,
				"msg_uuid", m.msgUUID,
				"attempts", m.attempts,
			)
			if err := a.settle(ctx, false); err != nil {
				slog.Error("pgqueue dead-letter failed", "msg_uuid", m.msgUUID, "error", err)
			}
			continue
		}

		inFlight.Add(1)
		d := broker.NewDelivery(strconv.FormatInt(m.id, 10), m.msgUUID.String(), queue, m.payload, m.attempts > 1, a)
		select {
		case out <- d:
		case <-ctx.Done():
			// Return everything not handed out yet; the rest of the batch
			// would otherwise wait for the lease to expire.
			for _, rest := range msgs[i:] {
				ra := &acker{b: b, queue: queue, id: rest.id, leaseID: leaseID}
				if err := ra.settle(context.Background(), true); err != nil {
					slog.Warn("pgqueue requeue on cancel", "msg_uuid", rest.msgUUID, "error", err)
				}
			}
			inFlight.Add(-1)
			return len(msgs), ctx.Err()
		}
	}
	return len(msgs), nil
}

// Ping checks the database connection.
func (b *Broker) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close stops all polling consumers. Leased messages that are never
// settled become visible again when their lease expires.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

type acker struct {
	b        *Broker
	queue    string
	id       int64
	leaseID  uuid.UUID
	inFlight *atomic.Int64

	settled atomic.Bool
}

func (a *acker) Ack(ctx context.Context) error {
	if !a.settled.CompareAndSwap(false, true) {
		return broker.ErrAlreadySettled
	}
	defer a.done()
	if _, err := a.b.db.ExecContext(ctx, queryAck, a.id, a.leaseID); err != nil {
		return fmt.Errorf("ack %d: %w", a.id, err)
	}
	return nil
}

func (a *acker) Nack(ctx context.Context, requeue bool) error {
	if !a.settled.CompareAndSwap(false, true) {
		return broker.ErrAlreadySettled
	}
	defer a.done()
	return a.settle(ctx, requeue)
}

func (a *acker) done() {
	if a.inFlight != nil {
		a.inFlight.Add(-1)
	}
}

func (a *acker) settle(ctx context.Context, requeue bool) error {
	var err error
	switch dlq, ok := a.b.dead.For(a.queue); {
	case requeue:
		_, err = a.b.db.ExecContext(ctx, queryRequeue, a.id, a.leaseID)
	case ok:
		_, err = a.b.db.ExecContext(ctx, queryDeadLetter, a.id, a.leaseID, dlq)
	default:
		_, err = a.b.db.ExecContext(ctx, queryAck, a.id, a.leaseID)
	}
	if err != nil {
		return fmt.Errorf("nack %d: %w", a.id, err)
	}
	return nil
}
