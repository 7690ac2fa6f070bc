package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// signingKeyIterations and signingKeyLength tune the PBKDF2 derivation that
// turns a producer-supplied credential secret (which may be short or
// low-entropy) into a fixed-length HMAC-SHA256 key.
const (
	signingKeyIterations = 4096
	signingKeyLength     = 32
)

const (
	// SignatureHeader is the HTTP header name for the webhook signature
	SignatureHeader = "X-FLOWCATALYST-SIGNATURE"

	// TimestampHeader is the HTTP header name for the webhook timestamp
	TimestampHeader = "X-FLOWCATALYST-TIMESTAMP"
)

// SignedWebhookRequest contains all the data needed to send a signed webhook request
type SignedWebhookRequest struct {
	Payload     string
	Signature   string
	Timestamp   string
	BearerToken string
}

// WebhookSigner generates HMAC-SHA256 signatures for outbound webhook requests.
//
// The signature is generated using the timestamp concatenated with the payload,
// then signed with the signing secret. The receiver can verify by reproducing this signature.
//
//flowcatalyst.dispatchjob.security.WebhookSigner
type WebhookSigner struct{}

// NewWebhookSigner creates a new webhook signer
func NewWebhookSigner() *WebhookSigner {
	return &WebhookSigner{}
}

// Sign signs a webhook payload with the provided credentials.
//
// The signature is computed as: HMAC-SHA256(timestamp + payload, derivedKey),
// where derivedKey is PBKDF2(signingSecret) rather than the raw secret, so
// that a short or low-entropy producer credential doesn't become the HMAC
// key directly.
//
// Parameters:
//   - payload: The request body to sign
//   - authToken: The bearer token for Authorization header
//   - signingSecret: The producer-supplied credential secret
//
// Returns a SignedWebhookRequest with signature, timestamp, and bearer token
func (s *WebhookSigner) Sign(payload, authToken, signingSecret string) *SignedWebhookRequest {
	// Generate ISO8601 timestamp with millisecond precision
	timestamp := time.Now().UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)

	// Create signature payload: timestamp + body
	signaturePayload := timestamp + payload

	// Generate HMAC SHA-256 signature
	signature := s.hmacSHA256Hex(signaturePayload, signingSecret)

	return &SignedWebhookRequest{
		Payload:     payload,
		Signature:   signature,
		Timestamp:   timestamp,
		BearerToken: authToken,
	}
}

// Verify verifies a webhook signature.
//
// Parameters:
//   - payload: The request body that was signed
//   - timestamp: The timestamp from the TimestampHeader
//   - signature: The signature from the SignatureHeader
//   - signingSecret: The producer-supplied credential secret used to sign
//
// Returns true if the signature is valid
func (s *WebhookSigner) Verify(payload, timestamp, signature, signingSecret string) bool {
	// Recreate the signature payload
	signaturePayload := timestamp + payload

	// Compute expected signature
	expected := s.hmacSHA256Hex(signaturePayload, signingSecret)

	// Use constant-time comparison to prevent timing attacks
	return hmac.Equal([]byte(expected), []byte(signature))
}

// deriveSigningKey stretches a producer-supplied credential secret into a
// fixed-length HMAC key via PBKDF2-HMAC-SHA256. The salt is fixed per
// dispatch job system (not per-message) since the output is never stored;
// it only needs to keep the derived key from being the raw secret bytes.
var signingKeySalt = []byte("flowcatalyst.dispatchjob.webhook-signature")

func deriveSigningKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), signingKeySalt, signingKeyIterations, signingKeyLength, sha256.New)
}

// hmacSHA256Hex computes HMAC-SHA256 over data using a key derived from
// secret via deriveSigningKey, and returns the hex-encoded (lowercase) result.
func (s *WebhookSigner) hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, deriveSigningKey(secret))
	mac.Write([]byte(data))
	hash := mac.Sum(nil)
	return hex.EncodeToString(hash)
}
