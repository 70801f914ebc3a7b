// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package confirmation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/chronicle/internal/types"
	"github.com/traylinx/chronicle/internal/wsrelay"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Chronicle-Signature"

// WebhookNotifier posts confirmations to an HTTP endpoint.
type WebhookNotifier struct {
	URL     string
	Secret  string
	Client  *http.Client
	Backoff []time.Duration
}

// NewWebhookNotifier creates a notifier retrying after 1s, 2s and 4s.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Secret:  secret,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

type webhookPayload struct {
	Event        string             `json:"event"`
	Timestamp    time.Time          `json:"timestamp"`
	Confirmation types.Confirmation `json:"confirmation"`
	Text         string             `json:"text,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Notify posts c, retrying on transport errors and 4xx/5xx responses.
func (w *WebhookNotifier) Notify(ctx context.Context, c types.Confirmation) error {
	payload := webhookPayload{
		Event:        eventType(c),
		Timestamp:    time.Now(),
		Confirmation: c,
	}
	if c.Status == types.ConfirmationPending {
		payload.Text = Render(c.Plan)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i <= len(w.Backoff); i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.Backoff[i-1]):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "chronicle-confirmation/1.0")
		if w.Secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+Sign(w.Secret, body))
		}

		resp, err := w.Client.Do(req)
		if err != nil {
			lastErr = err
			log.Warnf("confirmation: webhook attempt %d failed: %v", i+1, err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			log.Warnf("confirmation: webhook attempt %d failed with status: %d", i+1, resp.StatusCode)
			continue
		}
		return nil
	}
	return fmt.Errorf("confirmation: webhook failed after retries: %w", lastErr)
}

// StreamNotifier broadcasts confirmations to websocket subscribers.
type StreamNotifier struct {
	Hub *wsrelay.Hub
}

// Notify broadcasts c.
func (s StreamNotifier) Notify(_ context.Context, c types.Confirmation) error {
	msg := wsrelay.Message{ID: c.ID, Type: eventType(c), Payload: c}
	s.Hub.Broadcast(msg)
	return nil
}

func eventType(c types.Confirmation) string {
	if c.Status == types.ConfirmationPending {
		return wsrelay.MessageTypeConfirmationRequested
	}
	return wsrelay.MessageTypeConfirmationResolved
}
