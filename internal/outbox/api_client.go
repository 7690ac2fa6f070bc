package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// APIClient talks to the downstream ingest API: the core service that owns
// events and dispatch jobs once the outbox hands them off. There is a
// single wire contract, POST {baseURL}/outbox/deliver, shared by both item
// types - the item's own "type" field tells the downstream side which kind
// of row it is looking at.
type APIClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// APIClientConfig holds configuration for the API client
type APIClientConfig struct {
	// BaseURL is the FlowCatalyst API base URL (required)
	BaseURL string

	// AuthToken is the optional Bearer token for authentication
	AuthToken string

	// ConnectionTimeout is the connection timeout
	ConnectionTimeout time.Duration

	// RequestTimeout is the request timeout
	RequestTimeout time.Duration
}

// DefaultAPIClientConfig returns sensible defaults
func DefaultAPIClientConfig() *APIClientConfig {
	return &APIClientConfig{
		ConnectionTimeout: 10 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
}

// NewAPIClient creates a new API client
func NewAPIClient(config *APIClientConfig) *APIClient {
	if config == nil {
		config = DefaultAPIClientConfig()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.ConnectionTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: config.ConnectionTimeout}).DialContext
	}

	return &APIClient{
		baseURL:   config.BaseURL,
		authToken: config.AuthToken,
		httpClient: &http.Client{
			Timeout:   config.RequestTimeout,
			Transport: transport,
		},
	}
}

// deliverItem is the wire shape of one row in the /outbox/deliver request body.
type deliverItem struct {
	ID           string          `json:"id"`
	Type         OutboxItemType  `json:"type"`
	MessageGroup string          `json:"messageGroup,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// deliverOutcome is the per-id outcome reported back by the downstream API.
type deliverOutcome string

const (
	outcomeCompleted deliverOutcome = "completed"
	outcomeRetry     deliverOutcome = "retry"
	outcomeFailed    deliverOutcome = "failed"
)

// deliverResult is one entry of the response's "results" array.
type deliverResult struct {
	ID      string         `json:"id"`
	Outcome deliverOutcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

// deliverResponse is the full response body of /outbox/deliver.
type deliverResponse struct {
	Results []deliverResult `json:"results"`
}

// SendEventBatch sends a batch of events to the downstream ingest API.
func (c *APIClient) SendEventBatch(ctx context.Context, items []*OutboxItem) (*BatchResult, error) {
	return c.sendBatch(ctx, items)
}

// SendDispatchJobBatch sends a batch of dispatch jobs to the downstream ingest API.
func (c *APIClient) SendDispatchJobBatch(ctx context.Context, items []*OutboxItem) (*BatchResult, error) {
	return c.sendBatch(ctx, items)
}

// sendBatch POSTs a batch to /outbox/deliver and reconciles the response
// per-id. A wholesale failure - the request never reaches the API, the API
// responds with an error status, or its body doesn't parse - is reported as
// a bare error with a nil result, so the caller can return every row to
// PENDING without touching retryCount. Once a response does parse,
// reconciliation is entirely per-id from its "results" array.
func (c *APIClient) sendBatch(ctx context.Context, items []*OutboxItem) (*BatchResult, error) {
	if len(items) == 0 {
		return &BatchResult{}, nil
	}

	wire := make([]deliverItem, len(items))
	for i, item := range items {
		wire[i] = deliverItem{
			ID:           item.ID,
			Type:         item.Type,
			MessageGroup: item.MessageGroup,
			Payload:      json.RawMessage(item.Payload),
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}

	url := c.baseURL + "/outbox/deliver"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	slog.Debug("Delivering batch to downstream API", "batchSize", len(items))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("Outbox deliver request failed wholesale", "error", err, "batchSize", len(items))
		return nil, fmt.Errorf("outbox deliver request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))

	if resp.StatusCode >= 400 {
		slog.Error("Outbox deliver failed wholesale",
			"statusCode", resp.StatusCode,
			"response", string(respBody))
		return nil, fmt.Errorf("outbox deliver returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed deliverResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		slog.Error("Outbox deliver response did not parse", "error", err)
		return nil, fmt.Errorf("failed to parse outbox deliver response: %w", err)
	}

	result := NewBatchResult()
	for _, r := range parsed.Results {
		switch r.Outcome {
		case outcomeCompleted:
			result.SuccessIDs = append(result.SuccessIDs, r.ID)
		case outcomeRetry:
			result.FailedItems[r.ID] = StatusInternalError
		case outcomeFailed:
			result.FailedItems[r.ID] = StatusBadRequest
		default:
			// Unrecognized outcome for a named id - treat conservatively as
			// retryable rather than silently dropping the row.
			result.FailedItems[r.ID] = StatusInternalError
		}
	}

	slog.Debug("Batch delivered", "success", len(result.SuccessIDs), "failedOrRetry", len(result.FailedItems))
	return result, nil
}
