// Package postbox implements the HTTP ingest endpoint producers call to enqueue
// outbox items. An ingest is an INSERT against the outbox.Repository, deduped
// on the item's client-supplied id: a repeat id is a no-op for as long as the
// row with that id exists.
package postbox

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.dev/internal/common/secrets"
	"go.flowcatalyst.dev/internal/outbox"
)

// DefaultMaxPayloadBytes bounds the payload field accepted by the ingest
// endpoint. Requests whose payload exceeds this are rejected with 413.
const DefaultMaxPayloadBytes = 256 * 1024

// Handler serves the postbox ingest endpoint.
type Handler struct {
	repo           outbox.Repository
	maxPayloadSize int
	verifier       *secrets.BearerVerifier
}

// NewHandler creates a postbox ingest handler backed by repo. maxPayloadSize
// of 0 selects DefaultMaxPayloadBytes. A nil verifier disables bearer-token
// enforcement (suitable for trusted-network deployments).
func NewHandler(repo outbox.Repository, maxPayloadSize int, verifier *secrets.BearerVerifier) *Handler {
	if maxPayloadSize <= 0 {
		maxPayloadSize = DefaultMaxPayloadBytes
	}
	return &Handler{repo: repo, maxPayloadSize: maxPayloadSize, verifier: verifier}
}

// RegisterRoutes registers postbox routes on the given router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/postbox", func(r chi.Router) {
		r.Post("/ingest", h.Ingest)
	})
}

// ingestRequest is the wire shape producers POST to /api/v1/postbox/ingest.
type ingestRequest struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	PartitionID  string            `json:"partitionId"`
	MessageGroup string            `json:"messageGroup"`
	Type         string            `json:"type"`
	Payload      string            `json:"payload"`
	PayloadSize  int               `json:"payloadSize"`
	CreatedAt    *time.Time        `json:"createdAt"`
	Headers      map[string]string `json:"headers"`
}

// ingestResponse is returned on a successful (201) ingest.
type ingestResponse struct {
	ID          string `json:"id"`
	CreatedAt   string `json:"created_at"`
	PayloadSize int    `json:"payload_size"`
}

// Ingest handles POST /api/v1/postbox/ingest. Missing required fields or an
// unrecognized type yield 400; a payload over the configured ceiling yields
// 413; a duplicate id is a no-op and still reports 201 per the dedup
// invariant (the caller's retry of an already-accepted ingest is not an error).
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if h.verifier != nil {
		tenantID, err := h.verifier.VerifyTenant(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		if req.TenantID != "" && req.TenantID != tenantID {
			writeError(w, http.StatusForbidden, "tenantId does not match bearer token")
			return
		}
		req.TenantID = tenantID
	}

	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	itemType, ok := parseItemType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "type must be EVENT or DISPATCH_JOB")
		return
	}
	if req.Payload == "" {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if len(req.Payload) > h.maxPayloadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds maximum size")
		return
	}

	createdAt := time.Now().UTC()
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}
	payloadSize := req.PayloadSize
	if payloadSize == 0 {
		payloadSize = len(req.Payload)
	}

	item := &outbox.OutboxItem{
		ID:           req.ID,
		Type:         itemType,
		TenantID:     req.TenantID,
		PartitionID:  req.PartitionID,
		MessageGroup: req.MessageGroup,
		Payload:      req.Payload,
		PayloadSize:  payloadSize,
		Headers:      req.Headers,
		Status:       outbox.StatusPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}

	ctx := r.Context()
	if _, err := h.insert(ctx, itemType, item); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record item")
		return
	}

	writeJSON(w, http.StatusCreated, ingestResponse{
		ID:          item.ID,
		CreatedAt:   item.CreatedAt.Format(time.RFC3339),
		PayloadSize: item.PayloadSize,
	})
}

func (h *Handler) insert(ctx context.Context, itemType outbox.OutboxItemType, item *outbox.OutboxItem) (bool, error) {
	return h.repo.Insert(ctx, itemType, item)
}

func parseItemType(raw string) (outbox.OutboxItemType, bool) {
	switch outbox.OutboxItemType(raw) {
	case outbox.OutboxItemTypeEvent:
		return outbox.OutboxItemTypeEvent, true
	case outbox.OutboxItemTypeDispatchJob:
		return outbox.OutboxItemTypeDispatchJob, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
