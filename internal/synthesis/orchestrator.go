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

// Package synthesis turns a voice selection and text into a call to the
// external engine and a best-effort record of the outcome.
package synthesis

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/engine"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/messaging"
	"github.com/loqalabs/loqa-voice/internal/security"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.uber.org/zap"
)

// State is a step of a synthesis request
type State string

const (
	StateReceived   State = "Received"
	StateResolving  State = "Resolving"
	StateDispatched State = "Dispatched"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

const (
	// RequestIDPrefix starts every caller-facing request id
	RequestIDPrefix = "output_"
	// UnknownDuration is reported when the engine gives no duration
	UnknownDuration = "unknown"

	defaultRecordTimeout = 10 * time.Second
)

// ModelResolver finds a custom model owned by the caller
type ModelResolver interface {
	Lookup(ctx context.Context, ownerID, modelID int64) (*voice.VoiceModel, error)
}

// RecordStore persists completed conversions
type RecordStore interface {
	Insert(ctx context.Context, record *voice.SynthesisRecord) error
}

// Config holds orchestrator settings
type Config struct {
	PublicBaseURL string        // Artifact URLs are {PublicBaseURL}/storage/{filename}
	DefaultVoices []string      // Empty allows any name in the default namespace
	RecordTimeout time.Duration // Bound on each background record write
}

// Result is returned to the caller of a successful conversion
type Result struct {
	ID       string `json:"id"`
	Status   State  `json:"status"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Duration string `json:"duration"`
}

// Orchestrator coordinates voice resolution, the engine call and bookkeeping
type Orchestrator struct {
	models        ModelResolver
	engine        engine.Synthesizer
	records       RecordStore
	events        messaging.Publisher
	baseURL       string
	defaultVoices map[string]bool
	recordTimeout time.Duration

	pending sync.WaitGroup
}

// New creates an orchestrator. A nil publisher disables events.
func New(cfg Config, models ModelResolver, synthesizer engine.Synthesizer, records RecordStore, events messaging.Publisher) *Orchestrator {
	if events == nil {
		events = messaging.NoopPublisher{}
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = defaultRecordTimeout
	}

	defaults := make(map[string]bool, len(cfg.DefaultVoices))
	for _, name := range cfg.DefaultVoices {
		defaults[name] = true
	}

	return &Orchestrator{
		models:        models,
		engine:        synthesizer,
		records:       records,
		events:        events,
		baseURL:       strings.TrimRight(cfg.PublicBaseURL, "/"),
		defaultVoices: defaults,
		recordTimeout: cfg.RecordTimeout,
	}
}

// DefaultVoices lists the configured built-in voices in name order
func (o *Orchestrator) DefaultVoices() []string {
	names := make([]string, 0, len(o.defaultVoices))
	for name := range o.defaultVoices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolved is a selector bound to a concrete sample
type resolved struct {
	sampleFile string
	label      string
	modelID    *int64
}

// Convert runs one synthesis request. The engine is called at most once and
// the call is not abandoned when ctx is cancelled.
func (o *Orchestrator) Convert(ctx context.Context, ownerID int64, selector voice.Selector, text string) (*Result, error) {
	requestID := RequestIDPrefix + uuid.NewString()
	logging.LogSynthesis(requestID, string(StateReceived),
		zap.Int64("owner_id", ownerID),
		zap.String("voice", security.SanitizeLogInput(selector.String())),
		zap.Int("text_length", len(text)),
	)

	if strings.TrimSpace(text) == "" {
		return nil, o.fail(requestID, apperr.New(apperr.InvalidRequest, "text and modelId are required"))
	}
	if selector.Kind != voice.SelectorDefault && selector.Kind != voice.SelectorCustom {
		return nil, o.fail(requestID, apperr.New(apperr.InvalidRequest, "text and modelId are required"))
	}

	logging.LogSynthesis(requestID, string(StateResolving))
	target, err := o.resolve(ctx, ownerID, selector)
	if err != nil {
		return nil, o.fail(requestID, err)
	}

	logging.LogSynthesis(requestID, string(StateDispatched), zap.String("speaker", target.sampleFile))
	startTime := time.Now()

	// A caller disconnect must not abort the engine call
	resp, err := o.engine.Synthesize(context.WithoutCancel(ctx), engine.Request{
		Text:       text,
		SpeakerWav: target.sampleFile,
		UserID:     ownerID,
	})
	if err != nil {
		return nil, o.fail(requestID, classifyEngineError(err))
	}

	result := &Result{
		ID:       requestID,
		Status:   StateCompleted,
		Filename: resp.Filename,
		URL:      o.artifactURL(resp.Filename),
		Duration: resp.Duration,
	}
	if result.Duration == "" {
		result.Duration = UnknownDuration
	}

	o.recordAsync(&voice.SynthesisRecord{
		RequestID: requestID,
		OwnerID:   ownerID,
		ModelID:   target.modelID,
		Voice:     target.label,
		Text:      text,
		FileURL:   result.URL,
		CreatedAt: time.Now().UTC(),
	})
	o.publish(ownerID, target, result)

	logging.LogSynthesis(requestID, string(StateCompleted),
		zap.String("filename", resp.Filename),
		zap.Duration("engine_time", time.Since(startTime)),
	)
	return result, nil
}

func (o *Orchestrator) resolve(ctx context.Context, ownerID int64, selector voice.Selector) (*resolved, error) {
	if selector.IsDefault() {
		if len(o.defaultVoices) > 0 && !o.defaultVoices[selector.Name] {
			return nil, apperr.New(apperr.NotFound, "voice model not found")
		}
		sample := selector.SampleFileName()
		if err := security.ValidateFileName(sample); err != nil {
			return nil, apperr.New(apperr.NotFound, "voice model not found")
		}
		return &resolved{sampleFile: sample, label: selector.Name}, nil
	}

	model, err := o.models.Lookup(ctx, ownerID, selector.ModelID)
	if err != nil {
		return nil, err
	}

	modelID := model.ID
	return &resolved{
		sampleFile: filepath.Base(model.StoragePath),
		label:      model.Name,
		modelID:    &modelID,
	}, nil
}

func (o *Orchestrator) artifactURL(filename string) string {
	return o.baseURL + "/storage/" + url.PathEscape(filename)
}

// classifyEngineError maps engine failures onto error kinds
func classifyEngineError(err error) error {
	var upstream *engine.UpstreamError
	switch {
	case errors.As(err, &upstream):
		message := "synthesis engine reported an error"
		if upstream.Detail != "" {
			message += ": " + upstream.Detail
		}
		return apperr.Wrap(apperr.UpstreamError, message, err)
	case errors.Is(err, engine.ErrInvalidResponse):
		return apperr.Wrap(apperr.InvalidUpstreamResponse, "synthesis engine returned no usable file", err)
	case errors.Is(err, engine.ErrUnavailable):
		return apperr.Wrap(apperr.UpstreamUnavailable, "synthesis engine is unreachable", err)
	default:
		return apperr.Wrap(apperr.Internal, "synthesis failed", err)
	}
}

func (o *Orchestrator) fail(requestID string, err error) error {
	logging.LogSynthesis(requestID, string(StateFailed),
		zap.String("kind", string(apperr.KindOf(err))),
		zap.Error(err),
	)
	return err
}

// recordAsync writes the record in the background. Failures are logged and
// never reach the caller.
func (o *Orchestrator) recordAsync(record *voice.SynthesisRecord) {
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), o.recordTimeout)
		defer cancel()

		if err := o.records.Insert(ctx, record); err != nil {
			logging.LogError(err, "Failed to persist synthesis record",
				zap.String("request_id", record.RequestID),
				zap.Int64("owner_id", record.OwnerID),
			)
		}
	}()
}

func (o *Orchestrator) publish(ownerID int64, target *resolved, result *Result) {
	event := &messaging.SynthesisEvent{
		RequestID: result.ID,
		OwnerID:   ownerID,
		ModelID:   target.modelID,
		Voice:     target.label,
		Filename:  result.Filename,
		URL:       result.URL,
		Duration:  result.Duration,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := o.events.PublishSynthesisEvent(event); err != nil {
		logging.LogWarn("Failed to publish synthesis event",
			zap.String("request_id", result.ID), zap.Error(err))
	}
}

// Close waits for pending record writes
func (o *Orchestrator) Close() {
	o.pending.Wait()
}
