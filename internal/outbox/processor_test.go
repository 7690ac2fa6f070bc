package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockRepository implements Repository for testing
type MockRepository struct {
	mu                 sync.Mutex
	items              map[string]*OutboxItem
	fetchCalls         int
	completedIDs       []string
	failedIDs          []string
	retryIDs           []string
	fetchAndClaimFunc  func(ctx context.Context, itemType OutboxItemType, limit int) ([]*OutboxItem, error)
	markWithStatusFunc func(ctx context.Context, itemType OutboxItemType, ids []string, status OutboxStatus) error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		items:        make(map[string]*OutboxItem),
		completedIDs: make([]string, 0),
		failedIDs:    make([]string, 0),
		retryIDs:     make([]string, 0),
	}
}

func (r *MockRepository) Insert(ctx context.Context, itemType OutboxItemType, item *OutboxItem) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[item.ID]; exists {
		return false, nil
	}
	r.items[item.ID] = item
	return true, nil
}

func (r *MockRepository) FetchAndClaimPending(ctx context.Context, itemType OutboxItemType, limit int) ([]*OutboxItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCalls++

	if r.fetchAndClaimFunc != nil {
		return r.fetchAndClaimFunc(ctx, itemType, limit)
	}

	var items []*OutboxItem
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusPending {
			item.Status = StatusInProgress
			items = append(items, item)
			if len(items) >= limit {
				break
			}
		}
	}
	return items, nil
}

func (r *MockRepository) MarkWithStatus(ctx context.Context, itemType OutboxItemType, ids []string, status OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.markWithStatusFunc != nil {
		return r.markWithStatusFunc(ctx, itemType, ids, status)
	}

	if status == StatusSuccess {
		r.completedIDs = append(r.completedIDs, ids...)
	} else {
		r.failedIDs = append(r.failedIDs, ids...)
	}
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = status
		}
	}
	return nil
}

func (r *MockRepository) MarkWithStatusAndError(ctx context.Context, itemType OutboxItemType, ids []string, status OutboxStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedIDs = append(r.failedIDs, ids...)
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = status
			item.ErrorMessage = errorMessage
		}
	}
	return nil
}

func (r *MockRepository) FetchStuckItems(ctx context.Context, itemType OutboxItemType) ([]*OutboxItem, error) {
	return nil, nil
}

func (r *MockRepository) ResetStuckItems(ctx context.Context, itemType OutboxItemType, ids []string) error {
	return nil
}

func (r *MockRepository) IncrementRetryCount(ctx context.Context, itemType OutboxItemType, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryIDs = append(r.retryIDs, ids...)
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = StatusPending
			item.RetryCount++
		}
	}
	return nil
}

func (r *MockRepository) ResetToPendingNoIncrement(ctx context.Context, itemType OutboxItemType, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryIDs = append(r.retryIDs, ids...)
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.Status = StatusPending
		}
	}
	return nil
}

func (r *MockRepository) FetchRecoverableItems(ctx context.Context, itemType OutboxItemType, timeoutSeconds int, limit int) ([]*OutboxItem, error) {
	return nil, nil
}

func (r *MockRepository) ResetRecoverableItems(ctx context.Context, itemType OutboxItemType, ids []string) error {
	return nil
}

func (r *MockRepository) CountPending(ctx context.Context, itemType OutboxItemType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (r *MockRepository) CreateSchema(ctx context.Context) error {
	return nil
}

func (r *MockRepository) GetTableName(itemType OutboxItemType) string {
	switch itemType {
	case OutboxItemTypeEvent:
		return "outbox_events"
	case OutboxItemTypeDispatchJob:
		return "outbox_dispatch_jobs"
	default:
		return "outbox_events"
	}
}

func (r *MockRepository) AddItem(item *OutboxItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item
}

func (r *MockRepository) GetFetchCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetchCalls
}

func (r *MockRepository) GetCompletedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.completedIDs...)
}

// MockAPIClient implements APIClient behavior for testing
type MockAPIClient struct {
	mu             sync.Mutex
	eventBatches   [][]*OutboxItem
	dispatchBatches [][]*OutboxItem
	sendEventFunc  func(ctx context.Context, items []*OutboxItem) (*BatchResult, error)
	sendDispatchFunc func(ctx context.Context, items []*OutboxItem) (*BatchResult, error)
}

func NewMockAPIClient() *MockAPIClient {
	return &MockAPIClient{
		eventBatches:   make([][]*OutboxItem, 0),
		dispatchBatches: make([][]*OutboxItem, 0),
	}
}

func (c *MockAPIClient) SendEventBatch(ctx context.Context, items []*OutboxItem) (*BatchResult, error) {
	c.mu.Lock()
	c.eventBatches = append(c.eventBatches, items)
	c.mu.Unlock()

	if c.sendEventFunc != nil {
		return c.sendEventFunc(ctx, items)
	}

	// Default: all succeed
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return &BatchResult{SuccessIDs: ids}, nil
}

func (c *MockAPIClient) SendDispatchJobBatch(ctx context.Context, items []*OutboxItem) (*BatchResult, error) {
	c.mu.Lock()
	c.dispatchBatches = append(c.dispatchBatches, items)
	c.mu.Unlock()

	if c.sendDispatchFunc != nil {
		return c.sendDispatchFunc(ctx, items)
	}

	// Default: all succeed
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return &BatchResult{SuccessIDs: ids}, nil
}

func (c *MockAPIClient) GetEventBatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.eventBatches)
}

func TestNewProcessor(t *testing.T) {
	repo := NewMockRepository()
	apiClient := &APIClient{}

	processor := NewProcessor(repo, apiClient, nil)

	if processor == nil {
		t.Fatal("NewProcessor returned nil")
	}

	if processor.config.PollInterval != time.Second {
		t.Errorf("Expected default poll interval 1s, got %v", processor.config.PollInterval)
	}

	if processor.config.PollBatchSize != 500 {
		t.Errorf("Expected default batch size 500, got %d", processor.config.PollBatchSize)
	}
}

func TestProcessorStartStop(t *testing.T) {
	repo := NewMockRepository()
	apiClient := &APIClient{}
	config := &ProcessorConfig{
		Enabled:          true,
		PollInterval:     100 * time.Millisecond,
		PollBatchSize:    10,
		MaxInFlight: 100,
		MaxConcurrentGroups: 5,
		RecoveryInterval: time.Hour, // Long to prevent during test
	}

	processor := NewProcessor(repo, apiClient, config)

	processor.Start()
	time.Sleep(50 * time.Millisecond)

	// Should be running
	processor.runningMu.Lock()
	running := processor.running
	processor.runningMu.Unlock()

	if !running {
		t.Error("Processor should be running after Start()")
	}

	processor.Stop()

	processor.runningMu.Lock()
	running = processor.running
	processor.runningMu.Unlock()

	if running {
		t.Error("Processor should not be running after Stop()")
	}
}

func TestProcessorDisabled(t *testing.T) {
	repo := NewMockRepository()
	apiClient := &APIClient{}
	config := &ProcessorConfig{
		Enabled:          false,
		PollInterval:     100 * time.Millisecond,
		MaxInFlight: 100,
		MaxConcurrentGroups: 5,
	}

	processor := NewProcessor(repo, apiClient, config)
	processor.Start()
	defer processor.Stop()

	time.Sleep(200 * time.Millisecond)

	// Should not have polled when disabled
	if repo.GetFetchCalls() > 0 {
		t.Errorf("Disabled processor should not poll, got %d calls", repo.GetFetchCalls())
	}
}

func TestProcessorPolling(t *testing.T) {
	repo := NewMockRepository()
	apiClient := &APIClient{}
	config := &ProcessorConfig{
		Enabled:                  true,
		PollInterval:             50 * time.Millisecond,
		PollBatchSize:            10,
		MaxInFlight:         100,
		MaxConcurrentGroups:      5,
		RecoveryInterval:         time.Hour,
		ProcessingTimeoutSeconds: 300,
	}

	processor := NewProcessor(repo, apiClient, config)
	processor.Start()
	defer processor.Stop()

	// Wait for a few poll cycles
	time.Sleep(200 * time.Millisecond)

	fetchCalls := repo.GetFetchCalls()
	if fetchCalls < 2 {
		t.Errorf("Expected at least 2 fetch calls, got %d", fetchCalls)
	}
}

func TestDefaultProcessorConfig(t *testing.T) {
	config := DefaultProcessorConfig()

	if !config.Enabled {
		t.Error("Default config should be enabled")
	}

	if config.PollInterval != time.Second {
		t.Errorf("Expected poll interval 1s, got %v", config.PollInterval)
	}

	if config.PollBatchSize != 500 {
		t.Errorf("Expected batch size 500, got %d", config.PollBatchSize)
	}

	if config.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", config.MaxRetries)
	}
}

func TestOutboxItem(t *testing.T) {
	item := &OutboxItem{
		ID:           "test-123",
		Type:         OutboxItemTypeEvent,
		MessageGroup: "",
		Payload:      `{"test": true}`,
		Status:       StatusPending,
		RetryCount:   0,
		CreatedAt:    time.Now(),
	}

	// Test GetEffectiveMessageGroup with empty group - returns "default"
	if item.GetEffectiveMessageGroup() != "default" {
		t.Errorf("Expected 'default' as message group when empty, got %s", item.GetEffectiveMessageGroup())
	}

	// Test with explicit group
	item.MessageGroup = "my-group"
	if item.GetEffectiveMessageGroup() != "my-group" {
		t.Errorf("Expected 'my-group', got %s", item.GetEffectiveMessageGroup())
	}
}

func TestProcessorBufferBackpressure(t *testing.T) {
	repo := NewMockRepository()
	apiClient := &APIClient{}

	// Small buffer to test backpressure
	config := &ProcessorConfig{
		Enabled:             true,
		PollInterval:        time.Hour, // Manual polling
		PollBatchSize:       100,
		MaxInFlight:    5, // Very small buffer
		MaxConcurrentGroups: 1,
		RecoveryInterval:    time.Hour,
	}

	// Add many items
	for i := 0; i < 20; i++ {
		repo.AddItem(&OutboxItem{
			ID:      string(rune('a' + i)),
			Type:    OutboxItemTypeEvent,
			Status:  StatusPending,
			Payload: `{}`,
		})
	}

	processor := NewProcessor(repo, apiClient, config)

	// Don't start the distributor - manually test buffer. pollItemType blocks
	// on a full buffer until ctx is done, so give it a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	processor.pollItemType(ctx, OutboxItemTypeEvent)

	// Buffer should be at capacity (5); the remaining claimed items are not
	// buffered once ctx expires
	bufSize := atomic.LoadInt32(&processor.bufferSize)
	if bufSize > 5 {
		t.Errorf("Buffer size %d exceeds capacity 5", bufSize)
	}
}

func TestMessageGroupProcessor(t *testing.T) {
	var processedCount atomic.Int32

	repo := NewMockRepository()
	apiClient := &APIClient{}
	config := &ProcessorConfig{
		Enabled:             true,
		PollInterval:        time.Hour,
		PollBatchSize:       10,
		APIBatchSize:        5,
		MaxInFlight:    100,
		MaxConcurrentGroups: 5,
		MaxRetries:          3,
		RecoveryInterval:    time.Hour,
	}

	processor := NewProcessor(repo, apiClient, config)

	mgp := &MessageGroupProcessor{
		groupKey:  "test:group1",
		itemType:  OutboxItemTypeEvent,
		queue:     make(chan *OutboxItem, 100),
		processor: processor,
	}

	// Add items to group queue
	for i := 0; i < 3; i++ {
		item := &OutboxItem{
			ID:      string(rune('a' + i)),
			Type:    OutboxItemTypeEvent,
			Status:  StatusInProgress,
			Payload: `{}`,
		}
		repo.AddItem(item)
		mgp.queue <- item
		processedCount.Add(1)
	}

	// Collect batch
	batch := mgp.collectBatch()
	if len(batch) != 3 {
		t.Errorf("Expected batch of 3, got %d", len(batch))
	}
}
