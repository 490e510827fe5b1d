package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrMissingHost      = errors.New("notify: smtp host is required")
	ErrMissingSender    = errors.New("notify: sender address is required")
	ErrMissingRecipient = errors.New("notify: recipient address is required")
)

// Mailer delivers transactional email.
type Mailer interface {
	SendWelcome(ctx context.Context, recipient, fullName string) error
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
	Send     SendFunc
	Logger   *zap.Logger
}

// SMTPMailer sends mail through a submission server using PLAIN auth.
type SMTPMailer struct {
	address string
	auth    smtp.Auth
	sender  string
	send    SendFunc
	logger  *zap.Logger
}

// NewSMTPMailer validates the configuration and constructs the mailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, ErrMissingHost
	}
	sender := strings.TrimSpace(cfg.Sender)
	if sender == "" {
		return nil, ErrMissingSender
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	send := cfg.Send
	if send == nil {
		send = smtp.SendMail
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPMailer{
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		auth:    auth,
		sender:  sender,
		send:    send,
		logger:  logger,
	}, nil
}

// SendWelcome greets a newly registered user.
func (m *SMTPMailer) SendWelcome(ctx context.Context, recipient, fullName string) error {
	to := strings.TrimSpace(recipient)
	if to == "" {
		return ErrMissingRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body := welcomeMessage(m.sender, to, fullName)
	if err := m.send(m.address, m.auth, m.sender, []string{to}, body); err != nil {
		m.logger.Warn("welcome mail delivery failed", zap.String("recipient", to), zap.Error(err))
		return fmt.Errorf("notify: send welcome: %w", err)
	}
	m.logger.Info("welcome mail sent", zap.String("recipient", to))
	return nil
}

func welcomeMessage(sender, recipient, fullName string) []byte {
	greeting := "Welcome"
	if name := strings.TrimSpace(fullName); name != "" {
		greeting = "Welcome, " + name
	}
	var builder strings.Builder
	builder.WriteString("From: " + sender + "\r\n")
	builder.WriteString("To: " + recipient + "\r\n")
	builder.WriteString("Subject: Welcome to Duet\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(greeting + ".\r\n\r\n")
	builder.WriteString("Your account has been created with email " + recipient + ".\r\n")
	return []byte(builder.String())
}

// LogMailer records mail that would have been sent. It backs deployments without SMTP.
type LogMailer struct {
	Logger *zap.Logger
}

func (m LogMailer) SendWelcome(_ context.Context, recipient, fullName string) error {
	if m.Logger != nil {
		m.Logger.Info("welcome mail skipped: smtp not configured",
			zap.String("recipient", recipient),
			zap.String("full_name", fullName))
	}
	return nil
}
