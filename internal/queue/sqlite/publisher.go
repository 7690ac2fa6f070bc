package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.flowcatalyst.dev/internal/common/tsid"
	"go.flowcatalyst.dev/internal/queue"
)

// wireMessage is the JSON envelope stored in message_json, carrying the
// subject alongside the caller's payload so Consumer can filter and
// reconstruct a queue.Message without a separate column per field.
type wireMessage struct {
	Subject  string            `json:"subject"`
	Data     []byte            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Publisher publishes messages into the sqlite-backed queue.
type Publisher struct {
	db *sql.DB
}

// Publish sends a message with no message group and no deduplication.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publish(ctx, subject, data, "", "", nil)
}

// PublishWithGroup sends a message with a message group for ordered
// per-group delivery.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publish(ctx, subject, data, messageGroup, "", nil)
}

// PublishWithDeduplication sends a message that is dropped as a duplicate if
// the same deduplication ID was published within the last five minutes.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.publish(ctx, subject, data, "", deduplicationID, nil)
}

// PublishMessage publishes a message built with queue.MessageBuilder,
// carrying its message group, deduplication ID, and metadata.
func (p *Publisher) PublishMessage(ctx context.Context, builder *queue.MessageBuilder) error {
	return p.publish(ctx, builder.Subject(), builder.Data(), builder.MessageGroup(), builder.DeduplicationID(), builder.Metadata())
}

func (p *Publisher) publish(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string, metadata map[string]string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_deduplication WHERE created_at < ?`,
		now-dedupWindow.Milliseconds(),
	); err != nil {
		return fmt.Errorf("failed to expire old deduplication rows: %w", err)
	}

	messageID := tsid.Generate()

	if deduplicationID != "" {
		result, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_deduplication (message_deduplication_id, message_id, created_at) VALUES (?, ?, ?)`,
			deduplicationID, messageID, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert deduplication row: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check deduplication insert: %w", err)
		}
		if rows == 0 {
			// A message with this deduplication ID was already published
			// within the window; this publish is a no-op duplicate.
			return tx.Commit()
		}
	}

	wire := wireMessage{Subject: subject, Data: data, Metadata: metadata}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_messages (message_id, message_group_id, message_deduplication_id, message_json, created_at, visible_at, receipt_handle, receive_count)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, 0)`,
		messageID, nullIfEmpty(messageGroup), nullIfEmpty(deduplicationID), string(payload), now, now,
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the publisher. The underlying db is owned by Client.
func (p *Publisher) Close() error {
	return nil
}
