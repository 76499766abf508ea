package analytics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// AnalyticSender delivers analytics events to a backend.
type AnalyticSender interface {
	SendBatch(context.Context, []Event) error
}

// WebhookSender posts event batches as a JSON array to every configured
// webhook URL.
type WebhookSender struct {
	urls   []string
	client *http.Client
}

// NewWebhookSender takes a comma separated list of URLs.
func NewWebhookSender(webhookURL string) *WebhookSender {
	var urls []string
	for _, u := range strings.Split(webhookURL, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return &WebhookSender{
		urls:   urls,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSender) SendBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 || len(s.urls) == 0 {
		return nil
	}
	body, err := sonic.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}
	var firstErr error
	for _, u := range s.urls {
		if err := s.post(ctx, u, body); err != nil {
			log.Errorf("failed to trigger webhook '%s': %v", u, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to init request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed send request: %w", err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			log.Errorf("failed to close response body: %v", closeErr)
		}
	}()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("bad status code: %v", res.StatusCode)
	}
	return nil
}
