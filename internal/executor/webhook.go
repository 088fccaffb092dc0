package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentserver/internal/apperr"
	"github.com/aixgo-dev/agentserver/pkg/observability"
	"github.com/aixgo-dev/agentserver/pkg/storage"
)

// WebhookSender posts finished runs to their webhook URL.
type WebhookSender struct {
	client  *http.Client
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewWebhookSender creates a sender. A nil client selects one with a 10s timeout.
func NewWebhookSender(client *http.Client, logger *zap.Logger, metrics *observability.Metrics) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{client: client, logger: logger, metrics: metrics}
}

// Send delivers run to url. A failure is counted and returned as a degraded
// error; it never changes the run itself.
func (w *WebhookSender) Send(ctx context.Context, url string, run *storage.Run) error {
	if err := w.post(ctx, url, run); err != nil {
		w.record("error")
		return apperr.Degraded(err, "webhook for run %s not delivered", run.RunID)
	}
	w.logger.Debug("webhook delivered", zap.String("run_id", run.RunID))
	w.record("ok")
	return nil
}

func (w *WebhookSender) post(ctx context.Context, url string, run *storage.Run) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookSender) record(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordWebhook(outcome)
	}
}
