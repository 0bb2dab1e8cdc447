package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Iriptembl/allin/internal/broker"
)

func recv(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return broker.Delivery{}
}

func expectNone(t *testing.T, ch <-chan broker.Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery %s: %s", d.ID, d.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryPublishRequiresDeclare(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx := context.Background()

	err := b.Publish(ctx, "adding", []byte(`{}`))
	if !errors.Is(err, broker.ErrUnknownQueue) {
		t.Fatalf("publish before declare: err = %v, want ErrUnknownQueue", err)
	}

	if err := b.DeclareQueue(ctx, "adding"); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := b.DeclareQueue(ctx, "adding"); err != nil {
		t.Fatalf("second declare should be idempotent: %v", err)
	}
	if err := b.Publish(ctx, "adding", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := b.Published("adding"); got != 1 {
		t.Errorf("published = %d, want 1", got)
	}
}

func TestMemoryFIFOAndAck(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.DeclareQueue(ctx, "q")
	for _, body := range []string{"a", "b", "c"} {
		if err := b.Publish(ctx, "q", []byte(body)); err != nil {
			t.Fatalf("publish %s: %v", body, err)
		}
	}

	ch, err := b.Consume(ctx, "q", "c1", 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	for _, want := range []string{"a", "b", "c"} {
		d := recv(t, ch)
		if string(d.Body) != want {
			t.Fatalf("body = %q, want %q", d.Body, want)
		}
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("ack: %v", err)
		}
		if err := d.Ack(ctx); !errors.Is(err, broker.ErrAlreadySettled) {
			t.Errorf("double ack err = %v, want ErrAlreadySettled", err)
		}
	}

	if b.Len("q") != 0 || b.Unacked("q") != 0 {
		t.Errorf("queue not empty: ready=%d unacked=%d", b.Len("q"), b.Unacked("q"))
	}
}

func TestMemoryNackRequeueRedelivers(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.DeclareQueue(ctx, "q")
	_ = b.Publish(ctx, "q", []byte("first"))
	_ = b.Publish(ctx, "q", []byte("second"))

	ch, _ := b.Consume(ctx, "q", "c1", 1)

	d := recv(t, ch)
	if d.Redelivered {
		t.Error("first delivery should not be marked redelivered")
	}
	if err := d.Nack(ctx, true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	again := recv(t, ch)
	if string(again.Body) != "first" {
		t.Fatalf("requeued message should come back first, got %q", again.Body)
	}
	if !again.Redelivered {
		t.Error("requeued delivery should be marked redelivered")
	}
	if again.MessageID == "" || again.MessageID != d.MessageID {
		t.Errorf("message id changed on redelivery: %q -> %q", d.MessageID, again.MessageID)
	}
	_ = again.Ack(ctx)

	next := recv(t, ch)
	if string(next.Body) != "second" {
		t.Fatalf("body = %q, want second", next.Body)
	}
	_ = next.Ack(ctx)
}

func TestMemoryNackDeadLetters(t *testing.T) {
	b := broker.NewMemory(broker.DeadLetters{"q": "q.dead"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.DeclareQueue(ctx, "q")
	_ = b.Publish(ctx, "q", []byte("poison"))

	ch, _ := b.Consume(ctx, "q", "c1", 0)
	d := recv(t, ch)
	if err := d.Nack(ctx, false); err != nil {
		t.Fatalf("nack: %v", err)
	}

	dead := b.Messages("q.dead")
	if len(dead) != 1 || string(dead[0]) != "poison" {
		t.Fatalf("dead letters = %q, want [poison]", dead)
	}
	if b.Len("q") != 0 {
		t.Errorf("work queue should be empty, has %d", b.Len("q"))
	}
}

func TestMemoryNackWithoutDeadLetterDrops(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.DeclareQueue(ctx, "q")
	_ = b.Publish(ctx, "q", []byte("poison"))

	ch, _ := b.Consume(ctx, "q", "c1", 0)
	_ = recv(t, ch).Nack(ctx, false)

	if b.Len("q") != 0 || b.Unacked("q") != 0 {
		t.Errorf("message should be gone: ready=%d unacked=%d", b.Len("q"), b.Unacked("q"))
	}
}

func TestMemoryPrefetchLimitsUnsettled(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.DeclareQueue(ctx, "q")
	for range 3 {
		_ = b.Publish(ctx, "q", []byte("m"))
	}

	ch, _ := b.Consume(ctx, "q", "c1", 2)
	first := recv(t, ch)
	_ = recv(t, ch)
	expectNone(t, ch)

	_ = first.Ack(ctx)
	_ = recv(t, ch)
}

func TestMemoryConsumeStopsOnCancel(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())

	_ = b.DeclareQueue(ctx, "q")
	ch, _ := b.Consume(ctx, "q", "c1", 0)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryCompetingConsumersShareWork(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = b.DeclareQueue(ctx, "q")
	const total = 20
	for range total {
		_ = b.Publish(ctx, "q", []byte("m"))
	}

	c1, _ := b.Consume(ctx, "q", "c1", 0)
	c2, _ := b.Consume(ctx, "q", "c2", 0)

	seen := make(map[string]bool)
	for len(seen) < total {
		var d broker.Delivery
		select {
		case d = <-c1:
		case d = <-c2:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d deliveries", len(seen))
		}
		if seen[d.ID] {
			t.Fatalf("delivery %s handed out twice", d.ID)
		}
		seen[d.ID] = true
		_ = d.Ack(ctx)
	}
}

func TestMemoryClosed(t *testing.T) {
	b := broker.NewMemory(nil)
	ctx := context.Background()
	_ = b.DeclareQueue(ctx, "q")
	_ = b.Close()

	if err := b.Publish(ctx, "q", nil); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("publish after close: %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("ping after close: %v", err)
	}
}
