package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mmynk/partypay/internal/models"
)

// WebhookPublisher POSTs each event as JSON to a fixed URL in the background.
type WebhookPublisher struct {
	url    string
	client *http.Client
	wg     sync.WaitGroup
}

// NewWebhookPublisher creates a publisher for url. Each delivery is bounded
// by timeout.
func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &WebhookPublisher{url: url, client: &http.Client{Timeout: timeout}}
}

// Publish sends the event without blocking the caller.
func (p *WebhookPublisher) Publish(ctx context.Context, event models.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Delivery outlives the caller's context.
		if err := p.send(context.WithoutCancel(ctx), event); err != nil {
			slog.Warn("Webhook delivery failed", "type", event.Type, "reference_id", event.ReferenceID, "error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (p *WebhookPublisher) Wait() {
	p.wg.Wait()
}

func (p *WebhookPublisher) send(ctx context.Context, event models.Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PartyPay-Webhook/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
}
