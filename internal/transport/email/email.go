// Package email sends notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"omninotify/internal/dispatch"
	logx "omninotify/pkg/logx"
)

// TLS modes.
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
	TLSNone     = "none"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      string
	Timeout  time.Duration
}

// Sender implements dispatch.EmailSender.
type Sender struct {
	cfg    Config
	log    logx.Logger
	client *mail.Client
	// send is replaced in tests.
	send func(ctx context.Context, m *mail.Msg) error
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: host and from are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []mail.Option{mail.WithTimeout(durationOr(cfg.Timeout, 15*time.Second))}
	switch strings.ToLower(strings.TrimSpace(cfg.TLS)) {
	case "", TLSStartTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory), mail.WithPort(portOr(cfg.Port, 587)))
	case TLSImplicit:
		opts = append(opts, mail.WithSSL(), mail.WithPort(portOr(cfg.Port, 465)))
	case TLSNone:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS), mail.WithPort(portOr(cfg.Port, 25)))
	default:
		return nil, fmt.Errorf("email: unknown tls mode %q", cfg.TLS)
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: %w", err)
	}
	s := &Sender{cfg: cfg, log: log.With(logx.String("comp", "email")), client: c}
	s.send = func(ctx context.Context, m *mail.Msg) error { return c.DialAndSendWithContext(ctx, m) }
	return s, nil
}

// SendEmail implements dispatch.EmailSender.
func (s *Sender) SendEmail(ctx context.Context, address string, p dispatch.Payload) error {
	m, err := s.Compose(address, p)
	if err != nil {
		return err
	}
	if err := s.send(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// Compose builds the message: plain text body with an HTML alternative.
func (s *Sender) Compose(address string, p dispatch.Payload) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("email from: %w", err)
	}
	if err := m.To(address); err != nil {
		return nil, fmt.Errorf("email to %q: %w", address, err)
	}
	m.Subject(p.Title())
	m.SetMessageID()
	m.SetDate()
	m.SetBodyString(mail.TypeTextPlain, p.Body())
	m.AddAlternativeString(mail.TypeTextHTML, htmlBody(p))
	return m, nil
}

func htmlBody(p dispatch.Payload) string {
	var b strings.Builder
	b.WriteString("<h3>")
	b.WriteString(html.EscapeString(p.Title()))
	b.WriteString("</h3>\n")
	body := p.Body()
	if p.Node.URL != "" {
		body = strings.TrimSuffix(body, p.Node.URL)
	}
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(line))
		b.WriteString("</p>\n")
	}
	if p.Node.URL != "" {
		fmt.Fprintf(&b, "<p><a href=\"%s\">Open block</a></p>\n", html.EscapeString(p.Node.URL))
	}
	return b.String()
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func portOr(p, def int) int {
	if p <= 0 {
		return def
	}
	return p
}
