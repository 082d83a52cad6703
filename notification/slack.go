// Package notification posts run summaries to Slack incoming webhooks.
// Delivery is best effort: failures are logged and never affect the run.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"oiat.dev/common"
	"oiat.dev/config"
	"oiat.dev/pipeline"
	"oiat.dev/uploader"
)

// postTimeout bounds one webhook delivery.
const postTimeout = 5 * time.Second

// Notifier routes messages to per-tenant webhooks with a global
// fallback URL.
type Notifier struct {
	globalURL string
	client    *http.Client
	log       *common.ContextLogger

	// post delivers one message. Overridable in tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// New builds a notifier. globalURL may be empty; tenants without their
// own webhook then produce no notifications.
func New(globalURL string) *Notifier {
	n := &Notifier{
		globalURL: globalURL,
		client:    &http.Client{Timeout: postTimeout},
		log:       common.ServiceLogger("oiat", "notification"),
	}
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		return slack.PostWebhookCustomHTTPContext(ctx, url, n.client, msg)
	}
	return n
}

// webhookURL resolves the tenant's webhook, falling back to the global
// one.
func (n *Notifier) webhookURL(cfg *config.CompanyConfig) string {
	if cfg != nil {
		if url := cfg.SlackWebhookURL(); url != "" {
			return url
		}
	}
	return n.globalURL
}

// Send delivers one message to the tenant's webhook. Errors are logged
// and swallowed.
func (n *Notifier) Send(ctx context.Context, cfg *config.CompanyConfig, text string) {
	url := n.webhookURL(cfg)
	if url == "" {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	msg := &slack.WebhookMessage{Text: text}
	if err := n.post(cctx, url, msg); err != nil {
		tenant := ""
		if cfg != nil {
			tenant = cfg.CompanyKey
		}
		n.log.WithError(err).WithField("tenant", tenant).Warn("Slack delivery failed")
	}
}

// SinkFor adapts the notifier to the pipeline event stream for one
// tenant.
func (n *Notifier) SinkFor(cfg *config.CompanyConfig) pipeline.Sink {
	name := cfg.Name()
	return pipeline.SinkFunc(func(ctx context.Context, ev pipeline.Event) {
		text := formatEvent(name, ev)
		if text == "" {
			return
		}
		n.Send(ctx, cfg, text)
	})
}

// formatEvent renders the subset of pipeline events worth a message.
func formatEvent(company string, ev pipeline.Event) string {
	f := ev.Fields
	switch ev.Name {
	case pipeline.EventPipelineStarted:
		return fmt.Sprintf("%s: run started (%v)", company, f["scope"])
	case pipeline.EventSpillCreated:
		return fmt.Sprintf("%s: %v future-dated rows spilled for %s", company, f["rows"], ev.Date)
	case pipeline.EventSpillMerged:
		return fmt.Sprintf("%s: merged %v spill rows into %s (%v total)",
			company, f["spill_rows"], ev.Date, f["final_rows"])
	case pipeline.EventUploadSummary:
		return fmt.Sprintf("%s %s: %v created, %v skipped, %v failed of %v (source total %.2f)",
			company, ev.Date, f["created"], f["skipped"], f["failed"], f["attempted"],
			asFloat(f["source_total"]))
	case pipeline.EventReconcile:
		status := fmt.Sprintf("%v", f["status"])
		if status == uploader.ReconcileMismatch {
			return fmt.Sprintf("%s %s: RECONCILE MISMATCH source %.2f vs remote %.2f (diff %.2f)",
				company, ev.Date, asFloat(f["source_total"]), asFloat(f["remote_total"]), asFloat(f["diff"]))
		}
		return fmt.Sprintf("%s %s: reconciled, source %.2f matches remote %.2f",
			company, ev.Date, asFloat(f["source_total"]), asFloat(f["remote_total"]))
	case pipeline.EventPipelineSucceeded:
		return fmt.Sprintf("%s: run succeeded (%v dates)", company, f["dates"])
	case pipeline.EventPipelineFailed:
		return fmt.Sprintf("%s: run FAILED: %v", company, f["reason"])
	}
	return ""
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
