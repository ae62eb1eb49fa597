// Package export pushes sealed record batches to downstream consumers.
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-adapters/internal/fetch"
	"github.com/yourorg/yield-adapters/internal/security"
)

// ErrNotConfigured is returned when publishing without a webhook URL
var ErrNotConfigured = errors.New("webhook URL not configured")

// Config holds the webhook export settings
type Config struct {
	URL    string
	APIKey string
	HTTP   fetch.HTTPOptions
}

// Batch is the body posted to the webhook
type Batch struct {
	Envelopes  []security.Envelope `json:"envelopes"`
	ExportTime string              `json:"export_time"`
	Count      int                 `json:"count"`
}

// Publisher posts envelopes to a webhook endpoint
type Publisher struct {
	url    string
	client *fetch.APIClient
	now    func() time.Time

	mu         sync.RWMutex
	lastExport time.Time
	lastErr    error
	exported   int
}

// NewPublisher creates a webhook publisher. The API key, when set, is sent
// as a bearer token.
func NewPublisher(cfg Config) *Publisher {
	client := fetch.NewAPIClient(cfg.HTTP)
	if cfg.APIKey != "" {
		client = client.WithHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Publisher{url: cfg.URL, client: client, now: time.Now}
}

// Enabled reports whether a webhook URL is configured
func (p *Publisher) Enabled() bool {
	return p != nil && p.url != ""
}

// Publish posts the envelopes in a single batch
func (p *Publisher) Publish(ctx context.Context, envs ...security.Envelope) error {
	if !p.Enabled() {
		return ErrNotConfigured
	}
	if len(envs) == 0 {
		return nil
	}

	batch := Batch{
		Envelopes:  envs,
		ExportTime: p.now().UTC().Format(time.RFC3339),
		Count:      len(envs),
	}
	err := p.client.PostJSON(ctx, p.url, batch, nil)

	p.mu.Lock()
	p.lastErr = err
	if err == nil {
		p.lastExport = p.now()
		p.exported += len(envs)
	}
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("webhook export failed: %w", err)
	}
	logrus.Infof("Exported %d envelopes to webhook", len(envs))
	return nil
}

// Status returns the current state of the publisher
func (p *Publisher) Status() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := map[string]interface{}{
		"enabled":  p.Enabled(),
		"exported": p.exported,
	}
	if !p.lastExport.IsZero() {
		status["last_export"] = p.lastExport.Format(time.RFC3339)
	}
	if p.lastErr != nil {
		status["last_error"] = p.lastErr.Error()
	}
	return status
}
