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

package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event actions appended to the subject prefix
const (
	ActionModelCreated       = "model.created"
	ActionModelDeleted       = "model.deleted"
	ActionSynthesisCompleted = "synthesis.completed"
)

// ModelEvent announces a change to an owner's voice models
type ModelEvent struct {
	Action    string `json:"action"`
	OwnerID   int64  `json:"owner_id"`
	ModelID   int64  `json:"model_id"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
}

// SynthesisEvent announces a completed conversion
type SynthesisEvent struct {
	RequestID string `json:"request_id"`
	OwnerID   int64  `json:"owner_id"`
	ModelID   *int64 `json:"model_id,omitempty"`
	Voice     string `json:"voice"`
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	Duration  string `json:"duration"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher sends lifecycle events. Publishing is best-effort; callers log
// and continue on error.
type Publisher interface {
	PublishModelEvent(event *ModelEvent) error
	PublishSynthesisEvent(event *SynthesisEvent) error
}

// NoopPublisher discards every event. It is used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishModelEvent(*ModelEvent) error         { return nil }
func (NoopPublisher) PublishSynthesisEvent(*SynthesisEvent) error { return nil }

// NATSService publishes lifecycle events to NATS
type NATSService struct {
	url           string
	prefix        string
	maxReconnect  int
	reconnectWait time.Duration
	conn          *nats.Conn
}

// NewNATSService creates a new NATS service instance
func NewNATSService(cfg config.NATSConfig) *NATSService {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "loqa.voice"
	}

	return &NATSService{
		url:           cfg.URL,
		prefix:        prefix,
		maxReconnect:  cfg.MaxReconnect,
		reconnectWait: cfg.ReconnectWait,
	}
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.url, "connect")

	opts := []nats.Option{
		nats.Name("loqa-voice"),
		nats.ReconnectWait(ns.reconnectWait),
		nats.MaxReconnects(ns.maxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.url, "closed")
		}),
	}

	conn, err := nats.Connect(ns.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// Subject returns the full subject for an action
func (ns *NATSService) Subject(action string) string {
	return ns.prefix + "." + action
}

// PublishModelEvent publishes a voice model lifecycle event
func (ns *NATSService) PublishModelEvent(event *ModelEvent) error {
	return ns.publish(ns.Subject(event.Action), event,
		zap.Int64("owner_id", event.OwnerID),
		zap.Int64("model_id", event.ModelID),
	)
}

// PublishSynthesisEvent publishes a completed synthesis event
func (ns *NATSService) PublishSynthesisEvent(event *SynthesisEvent) error {
	return ns.publish(ns.Subject(ActionSynthesisCompleted), event,
		zap.String("request_id", event.RequestID),
		zap.Int64("owner_id", event.OwnerID),
	)
}

func (ns *NATSService) publish(subject string, event interface{}, fields ...zap.Field) error {
	if ns.conn == nil {
		return fmt.Errorf("NATS connection not established")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := ns.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	logging.LogNATSEvent(subject, "publish", fields...)
	return nil
}

// Close drains and closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		if err := ns.conn.Drain(); err != nil {
			ns.conn.Close()
		}
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}
