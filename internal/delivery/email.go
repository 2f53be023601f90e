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

package delivery

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/mailer"
	"github.com/loqalabs/loqa-voice/internal/security"
	"go.uber.org/zap"
)

// DefaultSender is shown when the caller has neither a display name nor an e-mail
const DefaultSender = "An Avocado user"

var htmlBody = template.Must(template.New("share").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>{{.Sender}} shared a voice file with you</h2>
  {{if .Caption}}<p style="white-space: pre-wrap;">{{.Caption}}</p>{{end}}
  <p>The voice file <strong>{{.FileName}}</strong> is attached to this message.</p>
  {{if .SenderEmail}}<p style="color: #888;">Sender: {{.SenderEmail}}</p>{{end}}
</body>
</html>
`))

// EmailRequest describes one share-by-mail operation
type EmailRequest struct {
	Recipient   string
	FileURL     string
	Caption     string
	SenderName  string
	SenderEmail string
}

// Receipt confirms a sent message
type Receipt struct {
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// SenderIdentity picks the display identity for the sender
func SenderIdentity(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	if email = strings.TrimSpace(email); email != "" {
		return email
	}
	return DefaultSender
}

// EmailArtifact sends the artifact as an attachment to req.Recipient
func (s *Service) EmailArtifact(ctx context.Context, req EmailRequest) (*Receipt, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" || strings.TrimSpace(req.FileURL) == "" {
		return nil, apperr.New(apperr.InvalidRequest, "recipient email and file URL are required")
	}
	if err := security.ValidateEmail(recipient); err != nil {
		return nil, apperr.New(apperr.InvalidRequest, "invalid email address")
	}

	artifact, err := s.Resolve(req.FileURL)
	if err != nil {
		return nil, err
	}

	sender := SenderIdentity(req.SenderName, req.SenderEmail)
	msg, err := composeShare(sender, req, recipient, artifact)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to compose email", err)
	}

	messageID, err := s.mail.Send(context.WithoutCancel(ctx), msg)
	if err != nil {
		if errors.Is(err, mailer.ErrAuthFailed) {
			return nil, apperr.Wrap(apperr.MailAuthFailure, "mail service authentication failed", err)
		}
		return nil, apperr.Wrap(apperr.MailDeliveryFailure, "failed to send email", err)
	}

	logging.LogDelivery("email_shared", artifact.Name,
		zap.String("sender", security.SanitizeLogInput(sender)),
		zap.String("recipient", security.SanitizeLogInput(recipient)),
	)

	return &Receipt{MessageID: messageID, Sender: sender, Recipient: recipient}, nil
}

func composeShare(sender string, req EmailRequest, recipient string, artifact *Artifact) (*mailer.Message, error) {
	caption := strings.TrimSpace(req.Caption)

	var html bytes.Buffer
	err := htmlBody.Execute(&html, struct {
		Sender      string
		Caption     string
		FileName    string
		SenderEmail string
	}{sender, caption, artifact.Name, req.SenderEmail})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	text.WriteString(sender + " shared a voice file with you.\n\n")
	if caption != "" {
		text.WriteString(caption + "\n\n")
	}
	text.WriteString("The voice file " + artifact.Name + " is attached to this message.\n")
	if req.SenderEmail != "" {
		text.WriteString("\nSender: " + req.SenderEmail + "\n")
	}

	return &mailer.Message{
		To:             recipient,
		ReplyTo:        strings.TrimSpace(req.SenderEmail),
		Subject:        "[Avocado] " + sender + " shared a voice file with you",
		TextBody:       text.String(),
		HTMLBody:       html.String(),
		AttachmentPath: artifact.Path,
		AttachmentName: artifact.Name,
	}, nil
}
