package auth

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/FACorreiaa/go-property-portal/config"
)

// Mailer delivers verification and recovery links.
type Mailer interface {
	SendVerification(ctx context.Context, to, link string) error
	SendRecovery(ctx context.Context, to, link string) error
}

// NewMailer returns an SMTP mailer when smtp.enabled is set, otherwise one
// that only logs the links.
func NewMailer(cfg config.SMTPConfig, logger *slog.Logger) Mailer {
	if !cfg.Enabled {
		return &LogMailer{logger: logger}
	}
	return &SMTPMailer{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger,
	}
}

type SMTPMailer struct {
	from   string
	dialer *gomail.Dialer
	logger *slog.Logger
}

var mailTemplate = template.Must(template.New("mail").Parse(
	`<p>{{.Intro}}</p><p><a href="{{.Link}}">{{.Action}}</a></p><p>If you did not request this, you can ignore this email.</p>`))

type mailContent struct {
	Intro  string
	Action string
	Link   string
}

func (m *SMTPMailer) send(ctx context.Context, to, subject string, content mailContent) error {
	var body strings.Builder
	if err := mailTemplate.Execute(&body, content); err != nil {
		return fmt.Errorf("rendering %q mail: %w", subject, err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", content.Intro+"\n\n"+content.Link)
	msg.AddAlternative("text/html", body.String())

	if err := m.dialer.DialAndSend(msg); err != nil {
		m.logger.ErrorContext(ctx, "Failed to send mail", slog.String("subject", subject), slog.Any("error", err))
		return fmt.Errorf("sending %q mail: %w", subject, err)
	}
	return nil
}

func (m *SMTPMailer) SendVerification(ctx context.Context, to, link string) error {
	return m.send(ctx, to, "Confirm your email", mailContent{
		Intro:  "Welcome! Confirm your email address to finish creating your account.",
		Action: "Confirm email",
		Link:   link,
	})
}

func (m *SMTPMailer) SendRecovery(ctx context.Context, to, link string) error {
	return m.send(ctx, to, "Reset your password", mailContent{
		Intro:  "We received a request to reset your password.",
		Action: "Choose a new password",
		Link:   link,
	})
}

// LogMailer writes links to the log instead of sending them. Used in development.
type LogMailer struct {
	logger *slog.Logger
}

func (m *LogMailer) SendVerification(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "Verification link", slog.String("to", to), slog.String("link", link))
	return nil
}

func (m *LogMailer) SendRecovery(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "Recovery link", slog.String("to", to), slog.String("link", link))
	return nil
}

// withToken appends token=... to base, keeping any existing query.
func withToken(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid link base %q: %w", base, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
