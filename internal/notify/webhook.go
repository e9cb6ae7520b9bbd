package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// urgent events are flagged in chat channels so operators can filter them.
var urgent = map[string]bool{
	domain.EventApprovalCreated:  true,
	domain.EventApprovalReminder: true,
	domain.EventDecisionFailed:   true,
	domain.EventPauseEntered:     true,
	domain.EventCycleDegraded:    true,
}

func headline(event, title string) string {
	if urgent[event] {
		return "[ACTION] " + title
	}
	return title
}

// TelegramSender posts to a chat through the Bot API sendMessage method.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return t.SendEvent(ctx, "", title, message)
}

// SendEvent renders the title bold and tags the event name underneath.
func (t *TelegramSender) SendEvent(ctx context.Context, event, title, message string) error {
	text := fmt.Sprintf("*%s*\n%s", headline(event, title), message)
	if event != "" {
		text += "\n`#" + event + "`"
	}
	return postJSON(ctx, t.client, "telegram", t.baseURL+"/bot"+t.token+"/sendMessage", map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
}

// DiscordSender posts an embed to a channel webhook. Urgent events are red,
// everything else grey.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSender) Name() string { return "discord" }

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return d.SendEvent(ctx, "", title, message)
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color"`
	Footer      *struct {
		Text string `json:"text"`
	} `json:"footer,omitempty"`
}

func (d *DiscordSender) SendEvent(ctx context.Context, event, title, message string) error {
	embed := discordEmbed{Title: headline(event, title), Description: message, Color: 0x95a5a6}
	if urgent[event] {
		embed.Color = 0xe74c3c
	}
	if event != "" {
		embed.Footer = &struct {
			Text string `json:"text"`
		}{Text: event}
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]any{
		"embeds": []discordEmbed{embed},
	})
}

func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}
