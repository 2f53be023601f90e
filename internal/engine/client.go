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

// Package engine is the HTTP client of the external speech synthesis engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/security"
	"go.uber.org/zap"
)

const (
	synthesizePath = "/synthesize"
	// maxResponseBody caps every reply body, success or error. Larger
	// successful replies are rejected as invalid.
	maxResponseBody = 64 << 10
	maxDetailLength = 200
)

var (
	// ErrUnavailable is returned when the engine cannot be reached in time
	ErrUnavailable = errors.New("synthesis engine unavailable")
	// ErrInvalidResponse is returned when a successful reply has no usable file name
	ErrInvalidResponse = errors.New("invalid synthesis engine response")
)

// UpstreamError is an error reported by the engine itself
type UpstreamError struct {
	StatusCode int
	Detail     string
}

func (e *UpstreamError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("synthesis engine error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("synthesis engine error (status %d): %s", e.StatusCode, e.Detail)
}

// Request is the synthesis call payload
type Request struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	UserID     int64  `json:"user_id"`
}

// Response is a successful synthesis outcome
type Response struct {
	Filename string
	Duration string // Empty when the engine did not report one
}

// Synthesizer performs one blocking synthesis call
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Response, error)
}

// wireResponse covers both the success and the in-band error reply
type wireResponse struct {
	Filename string          `json:"filename"`
	Duration json.RawMessage `json:"duration"`
	Error    json.RawMessage `json:"error"`
	Detail   json.RawMessage `json:"detail"`
	Message  json.RawMessage `json:"message"`
}

// Client calls the engine over HTTP
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewClient creates a new synthesis engine client
func NewClient(cfg config.EngineConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("synthesis engine URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("synthesis engine timeout must be positive")
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		client:  &http.Client{},
		timeout: cfg.Timeout,
	}, nil
}

// Synthesize sends one request. It never retries.
func (c *Client) Synthesize(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+synthesizePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	startTime := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		logging.LogError(err, "Synthesis engine request failed",
			zap.String("speaker", security.SanitizeLogInput(req.SpeakerWav)),
			zap.Duration("elapsed", time.Since(startTime)),
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	oversized := len(data) > maxResponseBody
	if oversized {
		data = data[:maxResponseBody]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream := &UpstreamError{StatusCode: resp.StatusCode, Detail: extractDetail(data)}
		logging.LogWarn("Synthesis engine returned an error",
			zap.Int("status_code", resp.StatusCode),
			zap.String("detail", security.SanitizeLogInput(upstream.Detail)),
		)
		return nil, upstream
	}

	if oversized {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrInvalidResponse, maxResponseBody)
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	// The engine reports some failures in-band with a 200 status
	if hasValue(wire.Error) {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Detail: truncate(rawText(wire.Error))}
	}

	filename := strings.TrimSpace(wire.Filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: missing filename", ErrInvalidResponse)
	}
	// The name must be addressable in the outputs root
	if err := security.ValidateFileName(filename); err != nil {
		return nil, fmt.Errorf("%w: unusable filename %q", ErrInvalidResponse, security.SanitizeLogInput(filename))
	}

	return &Response{
		Filename: filename,
		Duration: formatDuration(wire.Duration),
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// extractDetail pulls a human-readable message out of an error body
func extractDetail(data []byte) string {
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err == nil {
		for _, field := range []json.RawMessage{wire.Detail, wire.Error, wire.Message} {
			if hasValue(field) {
				return truncate(rawText(field))
			}
		}
	}
	return truncate(strings.TrimSpace(string(data)))
}

// formatDuration renders numbers without trailing zeros and passes strings through
func formatDuration(raw json.RawMessage) string {
	if !hasValue(raw) {
		return ""
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return strconv.FormatFloat(number, 'f', -1, 64)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	return ""
}

// rawText returns a JSON string's value, or the compact JSON otherwise
func rawText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		return compact.String()
	}
	return string(raw)
}

func hasValue(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null" && trimmed != `""`
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxDetailLength {
		return s
	}
	return string(runes[:maxDetailLength]) + "..."
}
