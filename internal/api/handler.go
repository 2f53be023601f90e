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

// Package api exposes the voice pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/assets"
	"github.com/loqalabs/loqa-voice/internal/auth"
	"github.com/loqalabs/loqa-voice/internal/delivery"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/synthesis"
	"go.uber.org/zap"
)

// Options wires the services behind the handlers
type Options struct {
	Registry  *registry.Registry
	Synthesis *synthesis.Orchestrator
	Delivery  *delivery.Service
	Assets    *assets.Store

	MaxUploadBytes   int64
	ConvertPerMinute int
	ConvertBurst     int

	// Debug adds the underlying error text to error responses
	Debug bool
}

// Handler serves the authenticated /api routes
type Handler struct {
	registry  *registry.Registry
	synthesis *synthesis.Orchestrator
	delivery  *delivery.Service
	assets    *assets.Store

	maxUploadBytes int64
	convertLimiter *ownerLimiter
	debug          bool
}

// New creates the API handler
func New(opts Options) (*Handler, error) {
	if opts.Registry == nil || opts.Synthesis == nil || opts.Delivery == nil || opts.Assets == nil {
		return nil, errors.New("api: registry, synthesis, delivery and assets are required")
	}

	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}

	return &Handler{
		registry:       opts.Registry,
		synthesis:      opts.Synthesis,
		delivery:       opts.Delivery,
		assets:         opts.Assets,
		maxUploadBytes: maxUpload,
		convertLimiter: newOwnerLimiter(opts.ConvertPerMinute, opts.ConvertBurst),
		debug:          opts.Debug,
	}, nil
}

// Attach registers the routes. The caller is expected to install the auth
// middleware on r.
func (h *Handler) Attach(r chi.Router) {
	r.Get("/models/my-models", h.handleListModels)
	r.Get("/models/defaults", h.handleDefaultVoices)
	r.Post("/models/custom", h.handleCreateModel)
	r.Delete("/models/custom/{id}", h.handleDeleteModel)

	r.Post("/convert", h.handleConvert)

	r.Get("/download/wav", h.handleDownloadOriginal)
	r.Get("/download/{format}", h.handleDownloadVariant)
	r.Post("/send-email", h.handleSendEmail)
}

// AttachPublic registers the unauthenticated routes
func (h *Handler) AttachPublic(r chi.Router) {
	r.Get("/storage/{name}", h.handleStorage)
}

type errorResponse struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	enc.Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := apperr.HTTPStatus(kind)

	fields := []zap.Field{
		zap.String("component", "api"),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("kind", string(kind)),
	}
	if code >= http.StatusInternalServerError {
		logging.LogError(err, "Request failed", fields...)
	} else {
		logging.LogWarn("Request rejected", append(fields, zap.Error(err))...)
	}

	resp := errorResponse{Kind: kind, Message: apperr.MessageOf(err)}
	if h.debug {
		resp.Detail = err.Error()
	}
	writeJSON(w, code, resp)
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.InvalidRequest, "invalid JSON body", err)
	}
	return nil
}

// caller returns the authenticated claims
func caller(r *http.Request) (*auth.Claims, error) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "authentication required")
	}
	return claims, nil
}
