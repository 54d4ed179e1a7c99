package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"iap-bridge/internal/models"
	"iap-bridge/pkg/logging"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body
const SignatureHeader = "X-IAP-Bridge-Signature"

// WebhookNotifier delivers issued reporting tokens to the App Backend,
// which has to report them to Google within the program's window
type WebhookNotifier struct {
	httpClient  *http.Client
	retryDelays []time.Duration
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
	}
}

// WebhookPayload represents the payload sent to App Backend
type WebhookPayload struct {
	Event                    string `json:"event"` // reporting_token.created
	FlowID                   string `json:"flow_id"`
	ExternalTransactionToken string `json:"external_transaction_token"`
	BillingProgram           string `json:"billing_program"`
	Platform                 string `json:"platform"`
	ExpiresAt                string `json:"expires_at"` // ISO 8601 format
	Timestamp                string `json:"timestamp"`  // ISO 8601 format
}

// NotifyReportingToken sends the token to the App Backend. It blocks
// through the retry schedule, so callers run it in a goroutine.
func (wn *WebhookNotifier) NotifyReportingToken(callbackURL string, secret string, details models.ReportingDetails) error {
	if callbackURL == "" {
		return nil
	}

	payload := WebhookPayload{
		Event:                    "reporting_token.created",
		FlowID:                   details.FlowID,
		ExternalTransactionToken: details.ExternalTransactionToken,
		BillingProgram:           string(details.Program),
		Platform:                 string(models.PlatformAndroid),
		ExpiresAt:                details.ExpiresAt.Format(time.RFC3339),
		Timestamp:                time.Now().Format(time.RFC3339),
	}

	return wn.sendWithRetry(callbackURL, secret, payload)
}

// sendWithRetry tries once per retry delay, sleeping between attempts
func (wn *WebhookNotifier) sendWithRetry(callbackURL string, secret string, payload WebhookPayload) error {
	maxRetries := len(wn.retryDelays)
	if maxRetries == 0 {
		maxRetries = 1
	}

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = wn.sendWebhook(callbackURL, secret, payload)
		if err == nil {
			logging.Infof("Webhook notification sent successfully - url: %s, flow: %s, attempt: %d",
				callbackURL, payload.FlowID, attempt+1)
			return nil
		}

		logging.Errorf("Webhook notification failed - url: %s, flow: %s, attempt: %d, error: %v",
			callbackURL, payload.FlowID, attempt+1, err)

		if attempt < maxRetries-1 {
			time.Sleep(wn.retryDelays[attempt])
		}
	}

	logging.Errorf("Webhook notification failed after %d attempts - url: %s, flow: %s",
		maxRetries, callbackURL, payload.FlowID)
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", maxRetries, err)
}

// sendWebhook sends a single webhook request
func (wn *WebhookNotifier) sendWebhook(callbackURL string, secret string, payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "IAP-Bridge-Webhook/1.0")

	if secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(jsonData, secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
