package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/consult-server-go/internal/config"
)

// ErrDeclined marks a charge the gateway refused. Declines are not retried.
var ErrDeclined = errors.New("payment declined")

type Receipt struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	AmountCents int64     `json:"amountCents"`
	CapturedAt  time.Time `json:"capturedAt"`
}

type Gateway interface {
	AuthorizeAndCapture(ctx context.Context, sessionID string, amountCents int64) (*Receipt, error)
}

type captureRequest struct {
	SessionID      string `json:"sessionId"`
	AmountCents    int64  `json:"amountCents"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// HTTPGateway posts capture requests to a payment endpoint. The session ID is
// sent as the idempotency key so retries never double charge.
type HTTPGateway struct {
	url    string
	client *http.Client
}

func NewHTTPGateway(url string) *HTTPGateway {
	return &HTTPGateway{
		url: url,
		client: &http.Client{
			Timeout: config.PaymentGatewayTimeout,
		},
	}
}

func (g *HTTPGateway) AuthorizeAndCapture(ctx context.Context, sessionID string, amountCents int64) (*Receipt, error) {
	body, err := json.Marshal(captureRequest{
		SessionID:      sessionID,
		AmountCents:    amountCents,
		IdempotencyKey: "session:" + sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal capture request: %w", err)
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "session:"+sessionID)

	resp, err := g.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Str("sessionId", sessionID).
			Dur("elapsed", elapsed).
			Msg("payment capture error")
		return nil, fmt.Errorf("capture request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		log.Warn().
			Str("sessionId", sessionID).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("payment capture declined")
		return nil, fmt.Errorf("%w: status %d", ErrDeclined, resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		log.Error().
			Str("sessionId", sessionID).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("payment capture failed")
		return nil, fmt.Errorf("capture failed with status %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	if receipt.SessionID == "" {
		receipt.SessionID = sessionID
	}
	if receipt.AmountCents == 0 {
		receipt.AmountCents = amountCents
	}
	if receipt.CapturedAt.IsZero() {
		receipt.CapturedAt = time.Now().UTC()
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("receiptId", receipt.ID).
		Int64("amountCents", amountCents).
		Dur("elapsed", elapsed).
		Msg("payment captured")

	return &receipt, nil
}

// NoopGateway is used when no payment endpoint is configured.
type NoopGateway struct{}

func (NoopGateway) AuthorizeAndCapture(_ context.Context, sessionID string, amountCents int64) (*Receipt, error) {
	log.Warn().
		Str("sessionId", sessionID).
		Int64("amountCents", amountCents).
		Msg("payment gateway not configured, charge skipped")
	return &Receipt{ID: "noop", SessionID: sessionID, AmountCents: amountCents, CapturedAt: time.Now().UTC()}, nil
}
