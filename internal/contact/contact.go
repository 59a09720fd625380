package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/romatekai/romatek-voice/internal/config"
)

var ErrMissingFields = errors.New("required fields missing")

// Submission is the contact form body.
type Submission struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Company   string `json:"company"`
	Service   string `json:"service"`
	Message   string `json:"message"`
	Website   string `json:"website"` // honeypot, left blank by people
}

func (s Submission) Validate() error {
	for _, v := range []string{s.FirstName, s.LastName, s.Email, s.Message} {
		if strings.TrimSpace(v) == "" {
			return ErrMissingFields
		}
	}
	return nil
}

// Message is one outgoing email.
type Message struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer selects the backend named by cfg.Mode.
func NewMailer(cfg config.ContactConfig, log *slog.Logger) (Mailer, error) {
	switch cfg.Mode {
	case "", "log":
		return &LogMailer{log: log.With(slog.String("component", "mailer"))}, nil
	case "exec":
		return NewExecMailer(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown contact mode %q", cfg.Mode)
	}
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	log *slog.Logger
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.log.Info("email", slog.String("to", msg.To), slog.String("subject", msg.Subject))
	return nil
}

// ExecMailer pipes each message as JSON into an external command.
type ExecMailer struct {
	cmd []string
}

func NewExecMailer(command string) (*ExecMailer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse mail command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("mail command empty")
	}
	return &ExecMailer{cmd: args}, nil
}

func (m *ExecMailer) Send(ctx context.Context, msg Message) error {
	input, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, m.cmd[0], m.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mail command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Service turns form submissions into an owner notification and an
// auto-reply.
type Service struct {
	cfg    config.ContactConfig
	mailer Mailer
	log    *slog.Logger
}

func NewService(cfg config.ContactConfig, mailer Mailer, log *slog.Logger) *Service {
	return &Service{cfg: cfg, mailer: mailer, log: log.With(slog.String("component", "contact"))}
}

// Submit validates and sends. A filled honeypot is accepted without sending.
func (s *Service) Submit(ctx context.Context, sub Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(sub.Website) != "" {
		s.log.Info("dropping contact submission with honeypot set")
		return nil
	}
	if err := s.mailer.Send(ctx, s.ownerMessage(sub)); err != nil {
		return fmt.Errorf("send owner email: %w", err)
	}
	if err := s.mailer.Send(ctx, s.replyMessage(sub)); err != nil {
		return fmt.Errorf("send auto-reply: %w", err)
	}
	return nil
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return html.EscapeString(v)
}

func paragraphs(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

func (s *Service) ownerMessage(sub Submission) Message {
	name := html.EscapeString(sub.FirstName + " " + sub.LastName)
	var b strings.Builder
	b.WriteString("<h2>New Contact Form Submission</h2>\n")
	fmt.Fprintf(&b, "<p><strong>Name:</strong> %s</p>\n", name)
	fmt.Fprintf(&b, "<p><strong>Email:</strong> %s</p>\n", html.EscapeString(sub.Email))
	fmt.Fprintf(&b, "<p><strong>Company:</strong> %s</p>\n", orDefault(sub.Company, "Not provided"))
	fmt.Fprintf(&b, "<p><strong>Interested Service:</strong> %s</p>\n", orDefault(sub.Service, "Not specified"))
	fmt.Fprintf(&b, "<p><strong>Message:</strong></p>\n<p>%s</p>\n", paragraphs(sub.Message))
	b.WriteString("<hr>\n<p><em>This email was sent from the RomaTek AI contact form.</em></p>\n")
	return Message{
		To:      s.cfg.OwnerEmail,
		From:    s.cfg.FromEmail,
		Subject: fmt.Sprintf("New Contact Form Submission from %s %s", sub.FirstName, sub.LastName),
		HTML:    b.String(),
	}
}

func (s *Service) replyMessage(sub Submission) Message {
	var b strings.Builder
	b.WriteString("<h2>Thank you for your interest!</h2>\n")
	fmt.Fprintf(&b, "<p>Dear %s,</p>\n", html.EscapeString(sub.FirstName))
	b.WriteString("<p>Thank you for reaching out to RomaTek AI Solutions. We've received your message and will get back to you within 24 hours.</p>\n")
	fmt.Fprintf(&b, "<p><strong>Your message:</strong></p>\n<p>%s</p>\n", paragraphs(sub.Message))
	b.WriteString("<p>Best regards,<br>\nThe RomaTek AI Team</p>\n")
	fmt.Fprintf(&b, "<hr>\n<p>RomaTek AI Solutions<br>\nEmail: %s</p>\n", html.EscapeString(s.cfg.OwnerEmail))
	return Message{
		To:      sub.Email,
		From:    s.cfg.FromEmail,
		Subject: "Thank you for contacting RomaTek AI Solutions",
		HTML:    b.String(),
	}
}
