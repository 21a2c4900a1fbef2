// Package webhook delivers job results to the callback URL a caller supplied
// when creating the job. Bodies are signed with HMAC-SHA256 so receivers can
// check they came from this service.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelcrop/internal/id"
)

const (
	HeaderSignature = "X-Pixelcrop-Signature"
	HeaderTimestamp = "X-Pixelcrop-Timestamp"
	HeaderEvent     = "X-Pixelcrop-Event"
	HeaderDelivery  = "X-Pixelcrop-Delivery"
)

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	http     *http.Client
	secret   string
	attempts int
	backoff  func(attempt int) time.Duration
	now      func() time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	ceiling := max(cfg.MaxBackoff, initial)

	return &Client{
		http:     &http.Client{Timeout: timeout},
		secret:   cfg.SigningSecret,
		attempts: max(cfg.MaxAttempts, 1),
		backoff: func(attempt int) time.Duration {
			d := initial
			for i := 1; i < attempt && d < ceiling; i++ {
				d *= 2
			}
			return min(d, ceiling)
		},
		now: time.Now,
	}
}

// statusError is a non-2xx reply from the receiver.
type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("webhook returned status=%d", e.code)
}

// retryable is false for 4xx replies other than 408 and 429: the receiver
// rejected the delivery itself and will do so again.
func (e statusError) retryable() bool {
	if e.code == http.StatusRequestTimeout || e.code == http.StatusTooManyRequests {
		return true
	}
	return e.code < 400 || e.code >= 500
}

// Send posts payload as JSON to endpoint. An empty endpoint is a no-op.
// Every attempt of one Send carries the same delivery id and signature.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderEvent, event)
	header.Set(HeaderDelivery, id.New())
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderSignature, Sign(c.secret, timestamp, body))

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		lastErr = c.post(ctx, endpoint, header, body)
		if lastErr == nil {
			return nil
		}
		var se statusError
		if errors.As(lastErr, &se) && !se.retryable() {
			return fmt.Errorf("webhook rejected: %w", lastErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.attempts, lastErr)
}

func (c *Client) post(ctx context.Context, endpoint string, header http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header = header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign computes the signature header value over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body for the given secret and
// timestamp header values.
func Verify(secret, timestamp, signature string, body []byte) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
