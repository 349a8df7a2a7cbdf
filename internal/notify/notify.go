package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hearthworks/calsync/internal/db"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeDeactivated AlertType = "connection_deactivated"
	AlertTypeRecovery    AlertType = "connection_recovered"
)

// Alert represents a notification alert.
type Alert struct {
	Type         AlertType
	ConnectionID string
	TenantID     string
	Provider     string
	Message      string
	Details      string
	Timestamp    time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookEnabled bool
	WebhookURL     string

	// CooldownPeriod limits how often the same connection may alert.
	CooldownPeriod time.Duration
}

// Notifier sends connection lifecycle alerts to a webhook. Alerts are
// best-effort: a failed delivery is logged, never retried.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	// Track last alert time per connection to implement cooldown
	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		parsed, err := url.Parse(cfg.WebhookURL)
		if err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("webhook URL must use http or https")
		}
		if parsed.Host == "" {
			return fmt.Errorf("webhook URL missing host")
		}
	}
	return nil
}

// IsEnabled reports whether any delivery channel is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled && n.cfg.WebhookURL != ""
}

// ConnectionDeactivated alerts that a connection was taken out of rotation
// after exhausting its retries.
func (n *Notifier) ConnectionDeactivated(conn *db.SyncConnection, reason string) {
	n.sendWithCooldown(Alert{
		Type:         AlertTypeDeactivated,
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		Provider:     string(conn.Provider),
		Message:      fmt.Sprintf("Calendar connection %s (%s) deactivated", conn.ID, conn.Provider),
		Details:      reason,
		Timestamp:    time.Now().UTC(),
	})
}

// ConnectionRecovered alerts that a previously failing connection synced
// successfully again.
func (n *Notifier) ConnectionRecovered(conn *db.SyncConnection) {
	n.sendWithCooldown(Alert{
		Type:         AlertTypeRecovery,
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		Provider:     string(conn.Provider),
		Message:      fmt.Sprintf("Calendar connection %s (%s) recovered", conn.ID, conn.Provider),
		Timestamp:    time.Now().UTC(),
	})
}

func (n *Notifier) sendWithCooldown(alert Alert) {
	if !n.IsEnabled() {
		return
	}

	cooldown := n.cfg.CooldownPeriod
	if cooldown <= 0 {
		cooldown = time.Hour
	}

	n.mu.Lock()
	key := alert.ConnectionID + "|" + string(alert.Type)
	if last, ok := n.lastAlertTimes[key]; ok && time.Since(last) < cooldown {
		n.mu.Unlock()
		return
	}
	n.lastAlertTimes[key] = time.Now()
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.sendWebhook(ctx, alert); err != nil {
		log.Printf("[Notify] Webhook error: %v", err)
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType    string `json:"alert_type"`
	ConnectionID string `json:"connection_id"`
	TenantID     string `json:"tenant_id"`
	Provider     string `json:"provider"`
	Message      string `json:"message"`
	Details      string `json:"details,omitempty"`
	Timestamp    string `json:"timestamp"`
	// Slack-compatible field
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":x:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:    string(alert.Type),
		ConnectionID: alert.ConnectionID,
		TenantID:     alert.TenantID,
		Provider:     alert.Provider,
		Message:      alert.Message,
		Details:      alert.Details,
		Timestamp:    alert.Timestamp.Format(time.RFC3339),
		Text:         fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}
