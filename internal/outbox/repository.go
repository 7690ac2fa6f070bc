package outbox

import (
	"context"
	"sort"
	"time"
)

// Repository defines the interface for outbox data access across
// PostgreSQL, MySQL, and MongoDB. Claiming is race-free per backend
// (SKIP LOCKED, an explicit transaction, or a findAndModify loop); leader
// election is a secondary, cheaper exclusivity mechanism layered on top.
type Repository interface {
	// Insert inserts a new outbox item (status=0, PENDING). If an item with
	// the same id already exists, the insert is a no-op and created is
	// false, honoring the postbox ingest endpoint's dedup-by-id contract.
	Insert(ctx context.Context, itemType OutboxItemType, item *OutboxItem) (created bool, err error)

	// FetchAndClaimPending atomically claims up to limit pending items
	// (status=0), moving them to in-progress (status=9) in the same
	// operation, and returns the claimed rows ordered by message_group,
	// created_at. Safe to call from multiple processors concurrently:
	// no two callers can claim the same row.
	FetchAndClaimPending(ctx context.Context, itemType OutboxItemType, limit int) ([]*OutboxItem, error)

	// MarkWithStatus updates items to the specified status code.
	// Used for both success (status=1) and various error types (status=2-6).
	MarkWithStatus(ctx context.Context, itemType OutboxItemType, ids []string, status OutboxStatus) error

	// MarkWithStatusAndError updates items to the specified status with an error message.
	MarkWithStatusAndError(ctx context.Context, itemType OutboxItemType, ids []string, status OutboxStatus, errorMessage string) error

	// FetchStuckItems fetches items stuck in in-progress status (status=9).
	// Used on startup for crash recovery.
	FetchStuckItems(ctx context.Context, itemType OutboxItemType) ([]*OutboxItem, error)

	// ResetStuckItems resets stuck items back to pending (status=0).
	// Used on startup for crash recovery.
	ResetStuckItems(ctx context.Context, itemType OutboxItemType, ids []string) error

	// IncrementRetryCount increments the retry count for items and resets to pending.
	// Used when a per-row failure is retryable.
	IncrementRetryCount(ctx context.Context, itemType OutboxItemType, ids []string) error

	// ResetToPendingNoIncrement resets items back to pending (status=0)
	// without touching retryCount. Used when the downstream API call failed
	// wholesale - the batch never reached a per-row verdict, so retrying it
	// is not a "retry" from any individual row's point of view.
	ResetToPendingNoIncrement(ctx context.Context, itemType OutboxItemType, ids []string) error

	// FetchRecoverableItems fetches items eligible for periodic recovery.
	// Returns items with error statuses (IN_PROGRESS, BAD_REQUEST, INTERNAL_ERROR,
	// UNAUTHORIZED, FORBIDDEN, GATEWAY_ERROR) that have been in that status
	// longer than the specified timeout.
	FetchRecoverableItems(ctx context.Context, itemType OutboxItemType, timeoutSeconds int, limit int) ([]*OutboxItem, error)

	// ResetRecoverableItems resets recoverable items back to PENDING status for retry.
	// Does NOT reset retry count - items will be retried with existing count.
	ResetRecoverableItems(ctx context.Context, itemType OutboxItemType, ids []string) error

	// CountPending returns the count of pending items (for metrics).
	CountPending(ctx context.Context, itemType OutboxItemType) (int64, error)

	// GetTableName returns the table/collection name for the item type.
	GetTableName(itemType OutboxItemType) string

	// CreateSchema creates the outbox tables/collections if they don't exist.
	CreateSchema(ctx context.Context) error
}

// RepositoryConfig holds configuration for the outbox repository
type RepositoryConfig struct {
	// EventsTable is the table name for event outbox items
	EventsTable string

	// DispatchJobsTable is the table name for dispatch job outbox items
	DispatchJobsTable string

	// DatabaseType is the type of database
	DatabaseType DatabaseType
}

// DefaultRepositoryConfig returns sensible defaults
func DefaultRepositoryConfig() *RepositoryConfig {
	return &RepositoryConfig{
		EventsTable:       "outbox_events",
		DispatchJobsTable: "outbox_dispatch_jobs",
		DatabaseType:      DatabaseTypeMongoDB,
	}
}

// BatchResult represents the result of a batch API call
type BatchResult struct {
	// SuccessIDs are the IDs that were successfully processed
	SuccessIDs []string

	// FailedItems maps item ID to the status code for that failure
	FailedItems map[string]OutboxStatus

	// Error is set if the entire batch failed
	Error error
}

// NewBatchResult creates a new BatchResult
func NewBatchResult() *BatchResult {
	return &BatchResult{
		SuccessIDs:  make([]string, 0),
		FailedItems: make(map[string]OutboxStatus),
	}
}

// ProcessorStats represents processing statistics
type ProcessorStats struct {
	// Status is "UP" or "DOWN"
	Status string

	// Healthy indicates if the processor is functioning normally
	Healthy bool

	// LastPollTime is set by GetStats to the time of the GetStats call; the
	// time of the last poll is not tracked.
	LastPollTime time.Time

	// ActiveMessageGroups is the number of active message group queues
	ActiveMessageGroups int

	// InFlightPermits is the number of available in-flight permits
	InFlightPermits int

	// TotalInFlightCapacity is the maximum in-flight capacity
	TotalInFlightCapacity int

	// BufferedItems is the number of items in the global buffer waiting to
	// be distributed to message group queues
	BufferedItems int

	// TotalProcessed, TotalSuccess and TotalFailed are not filled in by
	// Processor.GetStats, so they are zero in the stats it returns.

	// TotalProcessed is the total number of items processed
	TotalProcessed int64

	// TotalSuccess is the total number of successful items
	TotalSuccess int64

	// TotalFailed is the total number of failed items
	TotalFailed int64
}

// sortItemsByGroupAndCreatedAt orders items by message_group, created_at.
// RETURNING/cursor order from a claim statement doesn't necessarily match
// the ORDER BY of its inner selection, so callers that need FIFO-per-group
// ordering re-sort the claimed batch with this before using it.
func sortItemsByGroupAndCreatedAt(items []*OutboxItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].MessageGroup != items[j].MessageGroup {
			return items[i].MessageGroup < items[j].MessageGroup
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// nullableString returns nil for an empty string so relational drivers store
// SQL NULL instead of an empty-string value in optional columns.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
