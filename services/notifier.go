package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/securehealth/fedtrain/protocol"
)

// WebhookNotifier POSTs closed-round summaries to a collaborator
// endpoint. Delivery runs in its own goroutine with exponential backoff
// so a slow or unreachable receiver never stalls round progression.
type WebhookNotifier struct {
	url        string
	client     *http.Client
	maxElapsed time.Duration
	log        *slog.Logger
}

var _ protocol.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(url string, log *slog.Logger) *WebhookNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		maxElapsed: 2 * time.Minute,
		log:        log.With("service", "webhook-notifier"),
	}
}

func (n *WebhookNotifier) RoundClosed(summary *protocol.RoundSummary) {
	go n.deliver(summary)
}

func (n *WebhookNotifier) deliver(summary *protocol.RoundSummary) {
	body, err := json.Marshal(summary)
	if err != nil {
		n.log.Error("marshaling round summary", "round", summary.RoundID, "err", err)
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = n.maxElapsed

	err = backoff.Retry(func() error {
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	}, policy)
	if err != nil {
		n.log.Error("webhook delivery failed", "round", summary.RoundID, "err", err)
		return
	}
	n.log.Debug("webhook delivered", "round", summary.RoundID)
}
