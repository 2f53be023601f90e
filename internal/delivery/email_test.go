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
	"context"
	"fmt"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/assets"
	"github.com/loqalabs/loqa-voice/internal/mailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderIdentity(t *testing.T) {
	assert.Equal(t, "Mina", SenderIdentity(" Mina ", "mina@example.com"))
	assert.Equal(t, "mina@example.com", SenderIdentity("", "mina@example.com"))
	assert.Equal(t, DefaultSender, SenderIdentity("", ""))
}

func TestEmailArtifact(t *testing.T) {
	m := &recordingMailer{}
	svc, store := newTestService(t, &countingTranscoder{}, m)
	artifactPath := putFile(t, store, assets.RootOutputs, "out123.wav", "RIFFDATA")

	receipt, err := svc.EmailArtifact(context.Background(), EmailRequest{
		Recipient:   "friend@example.com",
		FileURL:     "http://host/storage/out123.wav",
		Caption:     "<b>listen</b>",
		SenderEmail: "owner@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, &Receipt{
		MessageID: "<test-id@example.com>",
		Sender:    "owner@example.com",
		Recipient: "friend@example.com",
	}, receipt)

	require.Len(t, m.sent, 1)
	msg := m.sent[0]
	assert.Equal(t, "friend@example.com", msg.To)
	assert.Equal(t, "owner@example.com", msg.ReplyTo)
	assert.Equal(t, "[Avocado] owner@example.com shared a voice file with you", msg.Subject)
	assert.Equal(t, artifactPath, msg.AttachmentPath)
	assert.Equal(t, "out123.wav", msg.AttachmentName)
	assert.Contains(t, msg.TextBody, "<b>listen</b>")
	assert.Contains(t, msg.HTMLBody, "&lt;b&gt;listen&lt;/b&gt;")
	assert.NotContains(t, msg.HTMLBody, "<b>listen</b>")
}

func TestEmailArtifact_ValidationErrors(t *testing.T) {
	m := &recordingMailer{}
	svc, store := newTestService(t, &countingTranscoder{}, m)
	putFile(t, store, assets.RootOutputs, "out123.wav", "RIFFDATA")

	tests := []struct {
		name string
		req  EmailRequest
		want apperr.Kind
	}{
		{"missing recipient", EmailRequest{FileURL: "out123.wav"}, apperr.InvalidRequest},
		{"missing file", EmailRequest{Recipient: "friend@example.com"}, apperr.InvalidRequest},
		{"bad address", EmailRequest{Recipient: "friend@example", FileURL: "out123.wav"}, apperr.InvalidRequest},
		{"address with space", EmailRequest{Recipient: "a b@example.com", FileURL: "out123.wav"}, apperr.InvalidRequest},
		{"missing artifact", EmailRequest{Recipient: "friend@example.com", FileURL: "gone.wav"}, apperr.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.EmailArtifact(context.Background(), tt.req)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
	assert.Empty(t, m.sent)
}

func TestEmailArtifact_TransportFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"auth", fmt.Errorf("%w: 535 rejected", mailer.ErrAuthFailed), apperr.MailAuthFailure},
		{"delivery", fmt.Errorf("%w: connection refused", mailer.ErrDeliveryFailed), apperr.MailDeliveryFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t, &countingTranscoder{}, &recordingMailer{err: tt.err})
			putFile(t, store, assets.RootOutputs, "out123.wav", "RIFFDATA")

			_, err := svc.EmailArtifact(context.Background(), EmailRequest{
				Recipient: "friend@example.com",
				FileURL:   "out123.wav",
			})
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}

func TestEmailArtifact_DisabledTransport(t *testing.T) {
	svc, store := newTestService(t, &countingTranscoder{}, mailer.Disabled{})
	putFile(t, store, assets.RootOutputs, "out123.wav", "RIFFDATA")

	_, err := svc.EmailArtifact(context.Background(), EmailRequest{
		Recipient:  "friend@example.com",
		FileURL:    "out123.wav",
		SenderName: "Mina",
	})
	assert.Equal(t, apperr.MailDeliveryFailure, apperr.KindOf(err))
}
