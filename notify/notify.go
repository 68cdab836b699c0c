// Package notify delivers one-time codes to users over email and SMS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Purpose selects the wording of a delivered code.
type Purpose string

const (
	PurposeMFA           Purpose = "mfa"
	PurposeMFASetup      Purpose = "mfa_setup"
	PurposePasswordReset Purpose = "password_reset"
)

var ErrNoRecipient = errors.New("notify: recipient is required")

// Message is one code delivery.
type Message struct {
	To        string
	Code      string
	Purpose   Purpose
	ExpiresIn time.Duration
}

// Sender delivers a code. Implementations only report success or failure.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dialer is the part of *gomail.Dialer used by EmailSender.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig configures EmailSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// EmailSender sends codes over SMTP.
type EmailSender struct {
	dialer   Dialer
	from     string
	fromName string
}

func NewEmailSender(cfg SMTPConfig) *EmailSender {
	return NewEmailSenderWithDialer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, cfg.FromName)
}

func NewEmailSenderWithDialer(d Dialer, from, fromName string) *EmailSender {
	if fromName == "" {
		fromName = "Crop-AI"
	}
	return &EmailSender{dialer: d, from: from, fromName: fromName}
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := render(msg)
	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.from, s.fromName))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func render(msg Message) (subject, body string) {
	minutes := int(msg.ExpiresIn.Round(time.Minute) / time.Minute)
	switch msg.Purpose {
	case PurposePasswordReset:
		subject = "Your Crop-AI password reset code"
		body = fmt.Sprintf("Use code %s to reset your password. It expires in %d minutes.\n"+
			"If you did not ask for a reset, you can ignore this message.", msg.Code, minutes)
	case PurposeMFASetup:
		subject = "Confirm your Crop-AI verification method"
		body = fmt.Sprintf("Use code %s to finish setting up two-step verification. It expires in %d minutes.", msg.Code, minutes)
	default:
		subject = "Your Crop-AI sign-in code"
		body = fmt.Sprintf("Your sign-in code is %s. It expires in %d minutes.", msg.Code, minutes)
	}
	return subject, body
}

// LogSMSSender stands in for an SMS gateway. It records the delivery
// without the code.
type LogSMSSender struct {
	logger *zap.Logger
}

func NewLogSMSSender(logger *zap.Logger) *LogSMSSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSMSSender{logger: logger.Named("sms")}
}

func (s *LogSMSSender) Send(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	s.logger.Info("sms code dispatched",
		zap.String("to", MaskPhone(msg.To)),
		zap.String("purpose", string(msg.Purpose)))
	return nil
}

// MaskPhone keeps the last four digits of a phone number.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// LogEmailSender records email deliveries without the code. identityd uses
// it when no SMTP host is configured.
type LogEmailSender struct {
	logger *zap.Logger
}

func NewLogEmailSender(logger *zap.Logger) *LogEmailSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmailSender{logger: logger.Named("email")}
}

func (s *LogEmailSender) Send(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	s.logger.Info("email code dispatched",
		zap.String("to", MaskEmail(msg.To)),
		zap.String("purpose", string(msg.Purpose)))
	return nil
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
