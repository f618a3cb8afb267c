package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/harborpay/eventflow/internal/event"
)

// maxCapturedBody bounds how much of the endpoint's response is kept
// in the delivery ledger.
const maxCapturedBody = 1024

// Result is the outcome of one HTTP attempt that produced a response.
type Result struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// OK reports whether the receiver acknowledged the delivery.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender executes webhook HTTP callbacks. A transport failure returns
// an error; any HTTP response, success or not, returns a Result and
// lets the engine decide.
type Sender struct {
	client *http.Client
}

func NewSender(timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the envelope's public payload to the subscription URL,
// signing the body with the subscription secret.
func (s *Sender) Send(ctx context.Context, sub *Subscription, env *event.Envelope, attempt int) (*Result, error) {
	body, err := env.PayloadJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "eventflow-webhook/1.0")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	req.Header.Set(AttemptHeader, strconv.Itoa(attempt))
	req.Header.Set(EventIDHeader, env.ID.String())
	req.Header.Set(EventTypeHeader, env.EventType)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("callback to %s failed: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       string(captured),
		Duration:   time.Since(start),
	}, nil
}
