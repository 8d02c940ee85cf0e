// Package payout hands settlement batches to the payment rail.
package payout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cutline/internal/config"
	"cutline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Disburser receives PROCESSING settlements. A nil error means the rail accepted every
// record in the batch and they may be marked COMPLETED.
type Disburser interface {
	Disburse(ctx context.Context, batchID string, records []domain.SettlementRecord) error
}

type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	Log    logrus.FieldLogger
}

// NewWebhook returns nil when no URL is configured, so callers can leave payouts to
// external confirmation.
func NewWebhook(cfg config.WebhookConfig, log logrus.FieldLogger) *Webhook {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		URL:    cfg.URL,
		Secret: cfg.Secret,
		Client: &http.Client{Timeout: timeout},
		Log:    log,
	}
}

type batchPayload struct {
	BatchID     string                    `json:"batch_id"`
	Count       int                       `json:"count"`
	TotalAmount int64                     `json:"total_amount"`
	Settlements []domain.SettlementRecord `json:"settlements"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) Disburse(ctx context.Context, batchID string, records []domain.SettlementRecord) error {
	if len(records) == 0 {
		return nil
	}
	body := batchPayload{BatchID: batchID, Count: len(records), Settlements: records}
	for _, r := range records {
		body.TotalAmount += r.Amount
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cutline-Batch", batchID)
	if w.Secret != "" {
		req.Header.Set("X-Cutline-Signature", "sha256="+Sign(w.Secret, data))
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("payout webhook: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("payout webhook: status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if w.Log != nil {
		w.Log.WithFields(logrus.Fields{
			"batch":  batchID,
			"count":  body.Count,
			"amount": body.TotalAmount,
		}).Info("payout batch delivered")
	}
	return nil
}
