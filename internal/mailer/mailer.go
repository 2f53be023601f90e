/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package mailer sends composed messages over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

var (
	// ErrAuthFailed is returned when the SMTP server rejects the credentials
	ErrAuthFailed = errors.New("mail authentication failed")
	// ErrDeliveryFailed is returned for every other transport failure
	ErrDeliveryFailed = errors.New("mail delivery failed")
)

// Message is one outgoing mail with an optional file attachment
type Message struct {
	To             string
	ReplyTo        string
	Subject        string
	TextBody       string
	HTMLBody       string
	AttachmentPath string
	AttachmentName string
}

// Transport delivers a message and returns its Message-ID
type Transport interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// New returns the SMTP transport, or a disabled transport when no host is configured
func New(cfg config.MailConfig) Transport {
	if !cfg.Enabled() {
		return Disabled{}
	}
	return NewSMTPTransport(cfg)
}

// Disabled rejects every message
type Disabled struct{}

// Send always fails with ErrDeliveryFailed
func (Disabled) Send(context.Context, *Message) (string, error) {
	return "", fmt.Errorf("%w: mail transport is not configured", ErrDeliveryFailed)
}

// SMTPTransport sends mail through an SMTP submission server
type SMTPTransport struct {
	cfg config.MailConfig
}

// NewSMTPTransport creates an SMTP transport
func NewSMTPTransport(cfg config.MailConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

// Send builds and delivers msg in a single SMTP session
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (string, error) {
	m, err := t.build(msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	client, err := mail.NewClient(t.cfg.Host, t.clientOptions()...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		classified := classify(err)
		logging.LogError(err, "SMTP send failed",
			zap.String("host", t.cfg.Host),
			zap.Bool("auth_failure", errors.Is(classified, ErrAuthFailed)),
		)
		return "", classified
	}

	messageID := firstHeader(m, mail.HeaderMessageID)
	logging.LogDelivery("email_sent", msg.AttachmentName, zap.String("message_id", messageID))
	return messageID, nil
}

// build composes the MIME message
func (t *SMTPTransport) build(msg *Message) (*mail.Msg, error) {
	m := mail.NewMsg()

	from := t.cfg.From
	if from == "" {
		from = t.cfg.Username
	}
	if err := m.FromFormat(t.cfg.FromName, from); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to address: %w", err)
		}
	}

	m.Subject(msg.Subject)
	m.SetMessageID()
	m.SetDate()

	m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}

	if msg.AttachmentPath != "" {
		name := msg.AttachmentName
		if name == "" {
			name = "attachment"
		}
		m.AttachFile(msg.AttachmentPath, mail.WithFileName(name))
	}

	return m, nil
}

func (t *SMTPTransport) clientOptions() []mail.Option {
	var opts []mail.Option
	if t.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(t.cfg.Port))
	}
	if t.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(t.cfg.Timeout))
	}

	switch t.cfg.TLS {
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	case "opportunistic":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	// Port 465 expects TLS from the first byte
	if t.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	}

	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}

	return opts
}

// classify separates credential rejections from other failures
func classify(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case 530, 534, 535:
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "authentication failed") || strings.Contains(lower, "smtp auth") ||
		strings.Contains(lower, "username and password not accepted") {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
}

func firstHeader(m *mail.Msg, header mail.Header) string {
	values := m.GetGenHeader(header)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
