package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.dev/internal/common/tsid"
	"go.flowcatalyst.dev/internal/router/model"
)

// ProcessingHandler serves the internal dispatch processing endpoint that the
// message router's HTTP mediator calls back to for every queued dispatch job.
// It looks up the job, performs the actual webhook delivery to its TargetURL,
// records the attempt, and reports back whether the message router should ack
// or nack (with an optional retry delay) via the MediationResponse contract.
type ProcessingHandler struct {
	repo        Repository
	authService *DispatchAuthService
	httpClient  *http.Client
}

// NewProcessingHandler creates a dispatch processing handler backed by repo.
// A nil or unconfigured authService causes every request to be rejected with
// 401, since there would be no way to validate the caller's bearer token.
func NewProcessingHandler(repo Repository, authService *DispatchAuthService) *ProcessingHandler {
	return &ProcessingHandler{
		repo:        repo,
		authService: authService,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// RegisterRoutes registers the dispatch processing route on the given router.
func (h *ProcessingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/dispatch/process", func(r chi.Router) {
		r.Post("/", h.Process)
	})
}

// Process handles POST /api/dispatch/process.
func (h *ProcessingHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req model.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.NewNackResponse("invalid request body"))
		return
	}

	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, model.NewNackResponse("missing Authorization header"))
		return
	}
	if h.authService == nil {
		writeJSON(w, http.StatusUnauthorized, model.NewNackResponse("invalid auth token"))
		return
	}
	if err := h.authService.ValidateAuthToken(req.MessageID, token); err != nil {
		writeJSON(w, http.StatusUnauthorized, model.NewNackResponse("invalid auth token"))
		return
	}

	result, err := h.processDispatchJob(r.Context(), req.MessageID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, model.NewNackResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *ProcessingHandler) processDispatchJob(ctx context.Context, dispatchJobID string) (*model.ProcessResponse, error) {
	job, err := h.repo.FindByID(ctx, dispatchJobID)
	if err != nil {
		if err == ErrNotFound {
			return model.NewAckResponse("cannot find record"), nil
		}
		return nil, err
	}
	if job.IsTerminal() {
		return model.NewAckResponse("job already completed"), nil
	}
	if job.IsExpired() {
		h.repo.UpdateStatus(ctx, dispatchJobID, DispatchStatusCancelled)
		return model.NewAckResponse("job expired"), nil
	}
	if !job.ScheduledFor.IsZero() && time.Now().Before(job.ScheduledFor) {
		delaySeconds := clampDelay(int(time.Until(job.ScheduledFor).Seconds()))
		return model.NewNackWithDelayResponse("notBefore time not reached", delaySeconds), nil
	}

	h.repo.MarkInProgress(ctx, dispatchJobID)

	attempt := h.executeWebhook(ctx, job)
	if err := h.repo.RecordAttempt(ctx, dispatchJobID, *attempt); err != nil {
		return nil, err
	}
	attemptCount := job.AttemptCount + 1

	if attempt.Status == DispatchAttemptStatusSuccess {
		durationMillis := time.Since(job.CreatedAt).Milliseconds()
		if err := h.repo.MarkCompleted(ctx, dispatchJobID, durationMillis); err != nil {
			return nil, err
		}
		return model.NewAckResponse("success"), nil
	}

	if attemptCount >= job.MaxRetries {
		if err := h.repo.MarkError(ctx, dispatchJobID, attempt.ErrorMessage); err != nil {
			return nil, err
		}
		return model.NewAckResponse("max retries exceeded"), nil
	}

	delaySeconds := calculateBackoffDelay(attemptCount)
	scheduledFor := time.Now().Add(time.Duration(delaySeconds) * time.Second)
	if err := h.repo.ResetToPending(ctx, dispatchJobID, scheduledFor); err != nil {
		return nil, err
	}
	return model.NewNackWithDelayResponse(attempt.ErrorMessage, delaySeconds), nil
}

// executeWebhook delivers the job's payload to its TargetURL and classifies
// the outcome into a DispatchAttempt. This is a direct delivery, separate
// from the signed request the mediator makes to reach this endpoint in the
// first place - the job's own TargetURL is an arbitrary subscriber webhook,
// not the processing endpoint.
func (h *ProcessingHandler) executeWebhook(ctx context.Context, job *DispatchJob) *DispatchAttempt {
	startTime := time.Now()
	attempt := &DispatchAttempt{
		AttemptNumber: job.AttemptCount + 1,
		AttemptedAt:   startTime,
	}

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.TargetURL, strings.NewReader(job.Payload))
	if err != nil {
		attempt.Status = DispatchAttemptStatusClientError
		attempt.ErrorMessage = "failed to create request: " + err.Error()
		attempt.ErrorType = ErrorTypePermanent
		return finalizeAttempt(attempt, startTime)
	}

	contentType := job.PayloadContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		switch {
		case reqCtx.Err() == context.DeadlineExceeded:
			attempt.Status = DispatchAttemptStatusTimeout
			attempt.ErrorMessage = "request timeout"
			attempt.ErrorType = ErrorTypeTransient
		case strings.Contains(err.Error(), "connection refused"), strings.Contains(err.Error(), "no such host"):
			attempt.Status = DispatchAttemptStatusConnectionError
			attempt.ErrorMessage = err.Error()
			attempt.ErrorType = ErrorTypeTransient
		default:
			attempt.Status = DispatchAttemptStatusServerError
			attempt.ErrorMessage = err.Error()
			attempt.ErrorType = ErrorTypeTransient
		}
		return finalizeAttempt(attempt, startTime)
	}
	defer resp.Body.Close()

	attempt.ResponseCode = resp.StatusCode
	body := make([]byte, 64*1024)
	n, _ := resp.Body.Read(body)
	attempt.ResponseBody = string(body[:n])

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		attempt.Status = DispatchAttemptStatusSuccess
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		attempt.Status = DispatchAttemptStatusClientError
		attempt.ErrorMessage = "HTTP " + http.StatusText(resp.StatusCode)
		attempt.ErrorType = ErrorTypePermanent
	default:
		attempt.Status = DispatchAttemptStatusServerError
		attempt.ErrorMessage = "HTTP " + http.StatusText(resp.StatusCode)
		attempt.ErrorType = ErrorTypeTransient
	}
	return finalizeAttempt(attempt, startTime)
}

func finalizeAttempt(attempt *DispatchAttempt, startTime time.Time) *DispatchAttempt {
	attempt.ID = tsid.Generate()
	attempt.CompletedAt = time.Now()
	attempt.DurationMillis = time.Since(startTime).Milliseconds()
	return attempt
}

// calculateBackoffDelay returns an exponential backoff delay in seconds,
// clamped to model.MaxDelaySeconds.
func calculateBackoffDelay(attemptCount int) int {
	return clampDelay((1 << attemptCount) * 5)
}

func clampDelay(seconds int) int {
	if seconds > model.MaxDelaySeconds {
		return model.MaxDelaySeconds
	}
	if seconds < 1 {
		return 1
	}
	return seconds
}

func extractBearerToken(authHeader string) string {
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
