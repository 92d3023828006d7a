package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/carebid/internal/retry"
)

// HTTPTransport POSTs notifications as JSON to a delivery service
// (push/email fan-out lives behind it).
type HTTPTransport struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport. When secret is set every
// request carries an HMAC-SHA256 signature of the body.
func NewHTTPTransport(url, secret string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *HTTPTransport) Deliver(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Carebid-Notification", string(n.Kind))
	req.Header.Set("X-Carebid-Timestamp", fmt.Sprintf("%d", n.CreatedAt.Unix()))
	if t.secret != "" {
		req.Header.Set("X-Carebid-Signature", Sign(payload, t.secret))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("status %d", resp.StatusCode)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return retry.After(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LogTransport writes notifications to the log. Used when no delivery
// service is configured.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a log transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(_ context.Context, n *Notification) error {
	t.logger.Info("notification", "user_id", n.UserID, "kind", n.Kind, "title", n.Title)
	return nil
}

// Recorder keeps delivered notifications in memory for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	fail error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes every delivery return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *Recorder) Deliver(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return retry.Permanent(r.fail)
	}
	r.sent = append(r.sent, *n)
	return nil
}

// Sent returns a copy of delivered notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Count returns how many notifications of kind were delivered to userID.
func (r *Recorder) Count(userID string, kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.UserID == userID && s.Kind == kind {
			n++
		}
	}
	return n
}
