package utils

import (
	"fmt"

	"maildrip/config"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Email is one rendered message ready for the gateway
type Email struct {
	To        string
	ToName    string
	Subject   string
	HTML      string
	Text      string
	FromName  string
	FromEmail string
	ReplyTo   string
}

// Mailer is the delivery gateway boundary: any transactional provider
// that accepts a message and returns its identifier. Implementations do
// not retry; retry is the scheduler's job.
type Mailer interface {
	Send(email Email) (providerMessageID string, err error)
}

// DeliveryError carries the provider's status and response on a
// non-success send.
type DeliveryError struct {
	StatusCode int
	Response   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: status %d: %s", e.StatusCode, e.Response)
}

// NewMailer builds the gateway selected by configuration
func NewMailer(cfg config.Config) Mailer {
	if cfg.MailProvider == "http" {
		return NewHTTPMailer(cfg.MailAPIURL, cfg.MailAPIKey)
	}
	return &SMTPMailer{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
}

// SMTPMailer delivers through a plain SMTP relay
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (m *SMTPMailer) Send(email Email) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), m.Host)

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", email.FromName, email.FromEmail))
	msg.SetAddressHeader("To", email.To, email.ToName)
	msg.SetHeader("Subject", email.Subject)
	msg.SetHeader("Message-ID", messageID)
	if email.ReplyTo != "" {
		msg.SetHeader("Reply-To", email.ReplyTo)
	}
	if email.Text != "" {
		msg.SetBody("text/plain", email.Text)
		msg.AddAlternative("text/html", email.HTML)
	} else {
		msg.SetBody("text/html", email.HTML)
	}

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		return "", &DeliveryError{StatusCode: 0, Response: err.Error()}
	}
	return messageID, nil
}
