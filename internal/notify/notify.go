package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/foreman-dev/foreman/internal/config"
	"github.com/foreman-dev/foreman/internal/coordinator"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Notifier pushes coordination alerts to a Telegram chat. It is
// send-only: conflicts that need a human (high severity or review
// required) and their resolutions are forwarded, everything else stays
// on the bus.
type Notifier struct {
	bot *telego.Bot

	mu     sync.Mutex
	chatID int64
}

func New(cfg config.TelegramConfig) (*Notifier, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID}, nil
}

// Run forwards notable events until the channel closes or ctx is
// cancelled.
func (n *Notifier) Run(ctx context.Context, events <-chan coordinator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !notable(ev) {
				continue
			}
			if err := n.send(ctx, formatEvent(ev)); err != nil {
				slog.Error("telegram notification failed", "type", ev.Type, "error", err)
			}
		}
	}
}

// SetChatID switches the destination chat, e.g. after a config reload.
func (n *Notifier) SetChatID(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chatID = id
}

func (n *Notifier) send(ctx context.Context, text string) error {
	n.mu.Lock()
	chatID := n.chatID
	n.mu.Unlock()

	for _, chunk := range chunkMessage(text, 4096) {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := n.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// notable reports whether an event warrants interrupting a human.
func notable(ev coordinator.Event) bool {
	switch ev.Type {
	case coordinator.EventConflictResolved:
		return true
	case coordinator.EventConflictDetected:
		if sev, _ := ev.Detail["severity"].(string); sev == string(coordinator.SeverityHigh) {
			return true
		}
		review, _ := ev.Detail["review"].(bool)
		return review
	default:
		return false
	}
}

func formatEvent(ev coordinator.Event) string {
	var b strings.Builder

	switch ev.Type {
	case coordinator.EventConflictDetected:
		sev, _ := ev.Detail["severity"].(string)
		fmt.Fprintf(&b, "⚠️ Conflict detected (%s)\n", sev)
		if desc, ok := ev.Detail["description"].(string); ok && desc != "" {
			b.WriteString(desc)
			b.WriteString("\n")
		}
		if files, ok := ev.Detail["files"].([]string); ok && len(files) > 0 {
			fmt.Fprintf(&b, "Files: %s\n", strings.Join(files, ", "))
		}
		fmt.Fprintf(&b, "ID: %s", ev.ConflictID)
	case coordinator.EventConflictResolved:
		b.WriteString("✅ Conflict resolved\n")
		if res, ok := ev.Detail["resolution"].(string); ok && res != "" {
			b.WriteString(res)
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "ID: %s", ev.ConflictID)
	default:
		fmt.Fprintf(&b, "%s", ev.Type)
	}

	return b.String()
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
