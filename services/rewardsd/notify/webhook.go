package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rewardledger/observability/logging"
	"rewardledger/services/rewardsd/tokens"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Rewards-Signature"
	// EventHeader names the delivered event type.
	EventHeader = "X-Rewards-Event"

	eventTokenExpiry   = "tokens.expiry_warning"
	defaultMaxAttempts = 3
	defaultTimeout     = 10 * time.Second
)

// ErrDeliveryFailed is returned when every delivery attempt was rejected.
var ErrDeliveryFailed = errors.New("notify: webhook delivery failed")

// WebhookConfig describes the receiving endpoint.
type WebhookConfig struct {
	URL         string
	Secret      string
	RatePerSec  float64
	Burst       int
	MaxAttempts int
	Timeout     time.Duration
}

// WebhookNotifier posts signed expiry warnings to an HTTP endpoint.
type WebhookNotifier struct {
	url         string
	secret      string
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoff     func(attempt int) time.Duration
	now         func() time.Time
}

// NewWebhookNotifier validates the config and constructs a notifier.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("notify: webhook url required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("notify: webhook secret required")
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WebhookNotifier{
		url:         url,
		secret:      cfg.Secret,
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(limit, burst),
		maxAttempts: attempts,
		backoff:     backoffDuration,
		now:         time.Now,
	}, nil
}

type expiryPayload struct {
	Type      string         `json:"type"`
	Warning   tokens.Warning `json:"warning"`
	Timestamp string         `json:"timestamp"`
}

// NotifyExpiry delivers the warning, retrying non-2xx responses with backoff.
func (n *WebhookNotifier) NotifyExpiry(ctx context.Context, warning tokens.Warning) error {
	payload, err := json.Marshal(expiryPayload{
		Type:      eventTokenExpiry,
		Warning:   warning,
		Timestamp: n.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("notify: encode warning: %w", err)
	}
	signature := signPayload(n.secret, payload)

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = n.post(ctx, payload, signature)
		if lastErr == nil {
			return nil
		}
		if attempt == n.maxAttempts {
			break
		}
		timer := time.NewTimer(n.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, payload []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventTokenExpiry)
	req.Header.Set(SignatureHeader, signature)
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := 500 * time.Millisecond * time.Duration(1<<uint(attempt-1))
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the payload under secret.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := signPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// LogNotifier writes warnings to the structured log. It is used when no
// webhook endpoint is configured.
type LogNotifier struct {
	Logger *slog.Logger
	Redact bool
}

// NotifyExpiry logs the warning.
func (n LogNotifier) NotifyExpiry(ctx context.Context, warning tokens.Warning) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "token expiry warning",
		logging.Participant("owner_id", warning.OwnerID, n.Redact),
		slog.String("batch_id", warning.BatchID.String()),
		slog.Int("days_left", warning.DaysLeft),
		slog.String("bar", warning.Bar),
		slog.String("text", warning.Message))
	return nil
}
