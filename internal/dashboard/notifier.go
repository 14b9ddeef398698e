package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Notifier posts warnings to a webhook.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a Notifier. An empty url disables delivery.
func NewNotifier(url string) *Notifier {
	return &Notifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Send delivers each warning and returns how many were accepted.
func (n *Notifier) Send(ctx context.Context, warnings []Warning) int {
	if n.url == "" || len(warnings) == 0 {
		return 0
	}
	sent := 0
	for _, w := range warnings {
		if err := n.post(ctx, w); err != nil {
			zap.L().Error("dashboard: failed to send warning", zap.String("type", string(w.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (n *Notifier) post(ctx context.Context, w Warning) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return eris.Wrap(err, "dashboard: marshal warning")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "dashboard: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "dashboard: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("dashboard: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
