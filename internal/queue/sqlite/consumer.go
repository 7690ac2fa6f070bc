package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"go.flowcatalyst.dev/internal/common/tsid"
	"go.flowcatalyst.dev/internal/queue"
)

// Consumer polls the sqlite queue for visible messages, one at a time,
// skipping any message group that currently has an in-flight (invisible)
// message so per-group ordering is preserved.
type Consumer struct {
	db                *sql.DB
	name              string
	filterSubject     string
	pollInterval      time.Duration
	visibilityTimeout time.Duration

	stopped bool
}

// Consume polls for messages and invokes handler for each, blocking until
// ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting SQLite queue consumer", "consumer", c.name)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("SQLite queue consumer context cancelled, stopping", "consumer", c.name)
			return ctx.Err()
		case <-ticker.C:
			if c.stopped {
				return nil
			}
			msg, err := c.claimNext(ctx)
			if err != nil {
				slog.Error("Error claiming next message", "error", err, "consumer", c.name)
				continue
			}
			if msg == nil {
				continue
			}
			if err := handler(msg); err != nil {
				slog.Error("Message handler error", "error", err, "consumer", c.name, "messageId", msg.ID())
				// The handler is expected to call Nak/NakWithDelay itself on
				// failure; a returned error here is logged only.
			}
		}
	}
}

// claimNext selects the single oldest visible message not in a group that
// already has an in-flight message, stamps a fresh receipt handle and
// visibility deadline on it, and returns it wrapped as a queue.Message. It
// returns (nil, nil) when there is nothing eligible to claim.
func (c *Consumer) claimNext(ctx context.Context) (*Message, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	row := tx.QueryRowContext(ctx,
		`SELECT message_id, message_group_id, message_json, receive_count FROM queue_messages
		 WHERE visible_at <= ?
		   AND (message_group_id IS NULL OR message_group_id NOT IN (
			 SELECT message_group_id FROM queue_messages
			 WHERE receipt_handle IS NOT NULL AND visible_at > ? AND message_group_id IS NOT NULL
		   ))
		 ORDER BY visible_at ASC
		 LIMIT 1`,
		now, now,
	)

	var messageID string
	var messageGroupID sql.NullString
	var messageJSON string
	var receiveCount int
	if err := row.Scan(&messageID, &messageGroupID, &messageJSON, &receiveCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select next message: %w", err)
	}

	var wire wireMessage
	if err := json.Unmarshal([]byte(messageJSON), &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if c.filterSubject != "" && wire.Subject != c.filterSubject {
		// Leave it for a consumer with a matching filter; nothing to claim
		// for this one this round.
		return nil, nil
	}

	receiptHandle := tsid.Generate()
	visibleAt := now + c.visibilityTimeout.Milliseconds()

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_messages SET receipt_handle = ?, visible_at = ?, receive_count = receive_count + 1 WHERE message_id = ?`,
		receiptHandle, visibleAt, messageID,
	); err != nil {
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &Message{
		db:                c.db,
		id:                messageID,
		messageGroup:      messageGroupID.String,
		subject:           wire.Subject,
		data:              wire.Data,
		metadata:          wire.Metadata,
		receiptHandle:     receiptHandle,
		visibilityTimeout: c.visibilityTimeout,
	}, nil
}

// Stop stops the consumer's poll loop on its next tick.
func (c *Consumer) Stop() {
	c.stopped = true
}

// Close stops the consumer.
func (c *Consumer) Close() error {
	c.Stop()
	slog.Info("SQLite queue consumer closed", "consumer", c.name)
	return nil
}

// Message wraps a claimed queue_messages row.
type Message struct {
	db                *sql.DB
	id                string
	messageGroup      string
	subject           string
	data              []byte
	metadata          map[string]string
	receiptHandle     string
	visibilityTimeout time.Duration
}

// ID returns the message's id.
func (m *Message) ID() string { return m.id }

// Data returns the message payload.
func (m *Message) Data() []byte { return m.data }

// Subject returns the message subject.
func (m *Message) Subject() string { return m.subject }

// MessageGroup returns the message group, or empty if none.
func (m *Message) MessageGroup() string { return m.messageGroup }

// Metadata returns the message metadata.
func (m *Message) Metadata() map[string]string { return m.metadata }

// Ack deletes the row, matching on id and receipt handle so a message
// reclaimed after visibility expiry cannot be acked by a stale handler.
func (m *Message) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE message_id = ? AND receipt_handle = ?`,
		m.id, m.receiptHandle,
	)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nak clears the receipt handle and makes the message immediately eligible
// for redelivery.
func (m *Message) Nak() error {
	return m.NakWithDelay(0)
}

// NakWithDelay clears the receipt handle and makes the message eligible for
// redelivery after delay.
func (m *Message) NakWithDelay(delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	visibleAt := time.Now().Add(delay).UnixMilli()
	_, err := m.db.ExecContext(ctx,
		`UPDATE queue_messages SET receipt_handle = NULL, visible_at = ? WHERE message_id = ? AND receipt_handle = ?`,
		visibleAt, m.id, m.receiptHandle,
	)
	if err != nil {
		return fmt.Errorf("failed to nak message: %w", err)
	}
	return nil
}

// InProgress extends the visibility deadline without releasing the receipt
// handle, signaling that processing is still under way.
func (m *Message) InProgress() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	visibleAt := time.Now().Add(m.visibilityTimeout).UnixMilli()
	_, err := m.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ? WHERE message_id = ? AND receipt_handle = ?`,
		visibleAt, m.id, m.receiptHandle,
	)
	if err != nil {
		return fmt.Errorf("failed to extend visibility: %w", err)
	}
	return nil
}

// SetFastFailVisibility sets a short visibility delay, for rate-limit and
// pool-full redeliveries that should retry almost immediately.
func (m *Message) SetFastFailVisibility() error {
	return m.NakWithDelay(FastFailVisibilitySeconds * time.Second)
}

// ResetVisibilityToDefault resets the visibility delay to the consumer's
// configured default, for genuine processing failures.
func (m *Message) ResetVisibilityToDefault() error {
	return m.NakWithDelay(m.visibilityTimeout)
}
