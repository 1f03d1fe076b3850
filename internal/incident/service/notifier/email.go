package notifier

import (
	"context"
	"fmt"
	"net"
	"net/smtp"

	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/model"
)

// EmailConfig configures SMTP delivery. Recipients maps notification roles to
// mailbox addresses; roles without a mapping use DefaultRecipient.
type EmailConfig struct {
	Addr             string // host:port
	From             string
	Username         string
	Password         string
	Recipients       map[string]string
	DefaultRecipient string
}

// EmailChannel delivers updates over SMTP. With no address configured it
// simulates delivery.
type EmailChannel struct {
	config EmailConfig
	sendFn func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates the email channel.
func NewEmailChannel(config EmailConfig) *EmailChannel {
	return &EmailChannel{config: config, sendFn: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return "email" }

// Send mails the update to the role's mailbox. smtp.SendMail carries no
// context; the dispatcher's timeout still bounds the enclosing attempt.
func (c *EmailChannel) Send(ctx context.Context, n *model.Notification) (model.DeliveryStatus, error) {
	if c.config.Addr == "" {
		log.Info().Str("notification_id", n.ID).Str("role", n.Role).
			Msg("SMTP address not configured, simulating email")
		return model.DeliverySent, nil
	}

	to := c.config.Recipients[n.Role]
	if to == "" {
		to = c.config.DefaultRecipient
	}
	if to == "" {
		return model.DeliveryFailed, fmt.Errorf("no mailbox configured for role %q", n.Role)
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		host := c.config.Addr
		if h, _, err := net.SplitHostPort(c.config.Addr); err == nil {
			host = h
		}
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] incident %s\r\n\r\n%s\r\n",
		c.config.From, to, n.Severity, n.IncidentID, n.Message)
	if err := c.sendFn(c.config.Addr, auth, c.config.From, []string{to}, []byte(msg)); err != nil {
		return model.DeliveryFailed, fmt.Errorf("failed to send email: %w", err)
	}
	return model.DeliverySent, nil
}
