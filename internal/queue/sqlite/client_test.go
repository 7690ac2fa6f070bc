package sqlite

import (
	"context"
	"testing"
	"time"

	"go.flowcatalyst.dev/internal/queue"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := &Config{
		DataDir:           t.TempDir(),
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: 200 * time.Millisecond,
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPublishAndConsumeSingleMessage(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	publisher := client.Publisher()
	if err := publisher.Publish(ctx, "dispatch.test", []byte("payload-1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "c1", "", nil)
	if err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	received := make(chan queue.Message, 1)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		received <- msg
		return nil
	})

	select {
	case msg := <-received:
		if string(msg.Data()) != "payload-1" {
			t.Errorf("Data mismatch: got %q", msg.Data())
		}
		if err := msg.Ack(); err != nil {
			t.Errorf("Ack failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNakMakesMessageEligibleAgain(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Publisher().Publish(ctx, "dispatch.retry", []byte("retry-me")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "c1", "", nil)
	if err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	attempts := make(chan queue.Message, 2)
	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	go consumer.Consume(consumeCtx, func(msg queue.Message) error {
		attempts <- msg
		return nil
	})

	first := <-attempts
	if err := first.Nak(); err != nil {
		t.Fatalf("Nak failed: %v", err)
	}

	select {
	case second := <-attempts:
		if second.ID() != first.ID() {
			t.Errorf("expected redelivery of the same message, got a different id")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for redelivery after Nak")
	}
}

func TestDeduplicationSuppressesRepeatPublish(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	publisher := client.Publisher()
	if err := publisher.PublishWithDeduplication(ctx, "dispatch.dedup", []byte("one"), "dedup-key-1"); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	if err := publisher.PublishWithDeduplication(ctx, "dispatch.dedup", []byte("two"), "dedup-key-1"); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}

	var count int
	if err := client.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one row after duplicate publish, got %d", count)
	}
}

func TestMessageGroupOrderingSkipsInFlightGroup(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	publisher := client.Publisher()
	if err := publisher.PublishWithGroup(ctx, "dispatch.group", []byte("g1-first"), "group-a"); err != nil {
		t.Fatalf("publish 1 failed: %v", err)
	}
	if err := publisher.PublishWithGroup(ctx, "dispatch.group", []byte("g1-second"), "group-a"); err != nil {
		t.Fatalf("publish 2 failed: %v", err)
	}

	consumer, err := client.CreateConsumer(ctx, "c1", "", nil)
	if err != nil {
		t.Fatalf("CreateConsumer failed: %v", err)
	}

	first, err := consumer.claimNext(ctx)
	if err != nil {
		t.Fatalf("claimNext failed: %v", err)
	}
	if first == nil {
		t.Fatal("expected a claimable message")
	}
	if string(first.Data()) != "g1-first" {
		t.Errorf("expected oldest message in group claimed first, got %q", first.Data())
	}

	second, err := consumer.claimNext(ctx)
	if err != nil {
		t.Fatalf("claimNext failed: %v", err)
	}
	if second != nil {
		t.Errorf("expected second claim to be skipped while group-a has an in-flight message, got %q", second.Data())
	}
}
