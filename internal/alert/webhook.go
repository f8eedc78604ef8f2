package alert

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"market_rules/internal/config"
	apphttp "market_rules/pkg/http"
)

// WebhookChannel posts Slack-compatible attachments to an incoming webhook
type WebhookChannel struct {
	client *apphttp.Client
	footer string
}

// NewWebhookChannel returns nil when no webhook is configured
func NewWebhookChannel(cfg config.AlertConfig, footer string) *WebhookChannel {
	url := cfg.WebhookURL.Reveal()
	if url == "" {
		return nil
	}
	return &WebhookChannel{
		client: apphttp.NewClient(url, time.Duration(cfg.TimeoutSeconds)*time.Second),
		footer: footer,
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

func levelColor(level AlertLevel) string {
	switch level {
	case Warning:
		return "#ffcc00"
	case Error:
		return "#ff0000"
	case Critical:
		return "#8b0000"
	default:
		return "#36a64f"
	}
}

func (w *WebhookChannel) Send(ctx context.Context, alert AlertPayload) error {
	fields := make([]map[string]interface{}, 0, len(alert.Fields))
	for _, k := range slices.Sorted(maps.Keys(alert.Fields)) {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": alert.Fields[k],
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   levelColor(alert.Level),
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  w.footer,
			},
		},
	}

	if _, err := w.client.Post(ctx, "", payload); err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	return nil
}
