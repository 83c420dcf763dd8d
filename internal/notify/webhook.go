// Package notify provides notification services for settlement events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mintpool/settler/internal/config"
	"github.com/mintpool/settler/internal/storage"
	"github.com/mintpool/settler/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *config.NotifyConfig
	client *http.Client

	// telegramBase is swappable for tests
	telegramBase string
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *config.NotifyConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		telegramBase: "https://api.telegram.org",
	}
}

// NotifyBatchCommitted sends notifications when a settlement batch commits
func (n *Notifier) NotifyBatchCommitted(batch *storage.SettlementBatch, items int) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordBatchNotification(batch, items)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramBatchNotification(batch, items)
	}
}

// NotifyAlertOpened sends notifications when a risk alert opens
func (n *Notifier) NotifyAlertOpened(a *storage.Alert) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		embed := DiscordEmbed{
			Title:       "Alert Opened",
			Description: fmt.Sprintf("**%s** raised a risk alert", n.cfg.EngineName),
			Color:       0xFFA500, // Orange
			Fields: []DiscordField{
				{Name: "Kind", Value: a.Kind, Inline: true},
				{Name: "Scope", Value: a.Scope, Inline: true},
				{Name: "Message", Value: a.Message, Inline: false},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Footer:    &DiscordFooter{Text: n.cfg.EngineName},
		}
		go n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		text := fmt.Sprintf(
			"*Alert Opened*\n\n"+
				"Kind: `%s`\n"+
				"Scope: `%s`\n"+
				"Message: `%s`",
			a.Kind, a.Scope, a.Message,
		)
		go n.sendTelegramMessageWithRetry(text)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// sendDiscordBatchNotification sends a batch committed notification to Discord
func (n *Notifier) sendDiscordBatchNotification(batch *storage.SettlementBatch, items int) {
	embed := DiscordEmbed{
		Title:       "Settlement Committed",
		Description: fmt.Sprintf("**%s** settled a window", n.cfg.EngineName),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "Scope", Value: storage.ScopeKey(batch.PoolSource, batch.Account, batch.Coin), Inline: true},
			{Name: "Items", Value: fmt.Sprintf("%d", items), Inline: true},
			{Name: "Gross", Value: batch.GrossAccounting, Inline: true},
			{Name: "Window", Value: fmt.Sprintf("%s - %s",
				time.Unix(batch.WindowStart, 0).UTC().Format(time.RFC3339),
				time.Unix(batch.WindowEnd, 0).UTC().Format(time.RFC3339)), Inline: false},
			{Name: "Ref", Value: batch.Ref, Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.EngineName,
		},
	}

	msg := DiscordMessage{
		Embeds: []DiscordEmbed{embed},
	}

	n.sendDiscordMessageWithRetry(msg)
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited - wait longer
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendTelegramBatchNotification sends a batch committed notification to Telegram
func (n *Notifier) sendTelegramBatchNotification(batch *storage.SettlementBatch, items int) {
	text := fmt.Sprintf(
		"*Settlement Committed*\n\n"+
			"Scope: `%s`\n"+
			"Items: `%d`\n"+
			"Gross: `%s`\n"+
			"Ref: `%s`",
		storage.ScopeKey(batch.PoolSource, batch.Account, batch.Coin),
		items, batch.GrossAccounting, batch.Ref,
	)

	n.sendTelegramMessageWithRetry(text)
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramBase, n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}
