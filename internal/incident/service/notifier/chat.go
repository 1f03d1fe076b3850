package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/telebot.v3"

	"github.com/cureops/incidentd/internal/incident/model"
)

// ChatConfig configures the Telegram delivery channel.
type ChatConfig struct {
	Token  string
	ChatID int64
}

// ChatChannel delivers incident updates to a Telegram channel. Construction
// validates the token against the Telegram API, so main only registers the
// channel when a token is configured.
type ChatChannel struct {
	bot    *telebot.Bot
	chatID int64
}

// NewChatChannel creates the Telegram channel.
func NewChatChannel(config ChatConfig) (*ChatChannel, error) {
	pref := telebot.Settings{
		Token:  config.Token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := telebot.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &ChatChannel{bot: b, chatID: config.ChatID}, nil
}

func (c *ChatChannel) Name() string { return "chat" }

// Send posts the update to the configured chat. telebot carries no context;
// the dispatcher's timeout still bounds the enclosing delivery attempt.
func (c *ChatChannel) Send(ctx context.Context, n *model.Notification) (model.DeliveryStatus, error) {
	opts := &telebot.SendOptions{
		ParseMode:             telebot.ModeMarkdownV2,
		DisableWebPagePreview: true,
	}
	if _, err := c.bot.Send(&telebot.Chat{ID: c.chatID}, formatChatMessage(n), opts); err != nil {
		return model.DeliveryFailed, fmt.Errorf("failed to send telegram message: %w", err)
	}
	return model.DeliverySent, nil
}

func formatChatMessage(n *model.Notification) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("🚨 *Incident %s* \\(%s\\)\n",
		escapeMarkdown(n.IncidentID), escapeMarkdown(string(n.Severity))))
	builder.WriteString(fmt.Sprintf("*To:* `%s`\n", escapeMarkdown(n.Role)))
	builder.WriteString(escapeMarkdown(n.Message))
	return builder.String()
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "(",
		"\\(", ")", "\\)", "~", "\\~", "`", "\\`", ">", "\\>",
		"#", "\\#", "+", "\\+", "-", "\\-", "=", "\\=", "|",
		"\\|", "{", "\\{", "}", "\\}", ".", "\\.", "!", "\\!",
	)
	return replacer.Replace(s)
}
