// Package notify pushes cycle summaries and trade alerts to chat channels.
// Delivery is best effort: callers log failures and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers one message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Level picks the accent colour on channels that support one.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarn
)

// Message is channel-neutral; each notifier renders it.
type Message struct {
	Title  string
	Lines  []string
	Level  Level
	Footer string
}

func (m Message) text() string {
	return strings.Join(m.Lines, "\n")
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// Discord posts an embed to a webhook URL.
type Discord struct {
	URL    string
	Client *http.Client
}

var discordColors = map[Level]int{
	LevelInfo:    0x3498db,
	LevelSuccess: 0x2ecc71,
	LevelWarn:    0xe67e22,
}

func (d Discord) Notify(ctx context.Context, msg Message) error {
	if d.URL == "" {
		return nil
	}
	client := d.Client
	if client == nil {
		client = defaultClient
	}
	embed := map[string]any{
		"title":       msg.Title,
		"description": msg.text(),
		"color":       discordColors[msg.Level],
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	if msg.Footer != "" {
		embed["footer"] = map[string]string{"text": msg.Footer}
	}
	if err := postJSON(ctx, client, d.URL, map[string]any{"embeds": []any{embed}}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Telegram sends an HTML message through the Bot API.
type Telegram struct {
	Token   string
	ChatID  string
	BaseURL string
	Client  *http.Client
}

func (t Telegram) Notify(ctx context.Context, msg Message) error {
	if t.Token == "" || t.ChatID == "" {
		return nil
	}
	client := t.Client
	if client == nil {
		client = defaultClient
	}
	base := t.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", escapeHTML(msg.Title))
	for _, l := range msg.Lines {
		b.WriteString(escapeHTML(l))
		b.WriteByte('\n')
	}
	if msg.Footer != "" {
		fmt.Fprintf(&b, "<i>%s</i>", escapeHTML(msg.Footer))
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), t.Token)
	err := postJSON(ctx, client, url, map[string]any{
		"chat_id":    t.ChatID,
		"text":       strings.TrimSpace(b.String()),
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
