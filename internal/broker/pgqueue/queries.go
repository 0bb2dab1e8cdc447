// Package pgqueue implements broker.Broker on top of PostgreSQL.
package pgqueue

// All SQL queries are collected here so they are easy to audit and test.
const (
	// queryProbe fails when the queue_messages migration has not run.
	queryProbe = `SELECT 1 FROM queue_messages LIMIT 0`

	queryPublish = `
INSERT INTO queue_messages (queue, msg_uuid, payload)
VALUES ($1, $2, $3)`

	// queryLease atomically claims up to $2 messages that are either ready or
	// have an expired lease.  FOR UPDATE SKIP LOCKED ensures concurrent
	// consumers never receive the same message; no application-level locks
	// are needed.  ORDER BY id keeps delivery FIFO per queue.
	queryLease = `
WITH candidates AS (
    SELECT id
    FROM queue_messages
    WHERE queue = $1
      AND (state = 'ready' OR (state = 'in_flight' AND lease_until < now()))
    ORDER BY id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE queue_messages qm
SET state       = 'in_flight',
    leased_by   = $3,
    lease_id    = $4,
    lease_until = now() + $5::int * interval '1 millisecond',
    attempts    = attempts + 1,
    updated_at  = now()
FROM candidates c
WHERE qm.id = c.id
RETURNING qm.id, qm.msg_uuid, qm.payload, qm.attempts`

	// queryAck deletes one message of a lease. The lease_id match makes a
	// late ack after lease expiry and re-lease a no-op.
	queryAck = `
DELETE FROM queue_messages
WHERE id       = $1
  AND lease_id = $2`

	// queryRequeue hands a leased message back to the ready state.
	queryRequeue = `
UPDATE queue_messages
SET state       = 'ready',
    leased_by   = NULL,
    lease_id    = NULL,
    lease_until = NULL,
    updated_at  = now()
WHERE id       = $1
  AND lease_id = $2`

	// queryDeadLetter moves a leased message to the dead-letter queue,
	// resetting its lease and attempt counter.
	queryDeadLetter = `
UPDATE queue_messages
SET queue       = $3,
    state       = 'ready',
    leased_by   = NULL,
    lease_id    = NULL,
    lease_until = NULL,
    attempts    = 0,
    updated_at  = now()
WHERE id       = $1
  AND lease_id = $2`
)
