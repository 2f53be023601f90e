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

// Package apperr defines the error kinds surfaced by the voice pipeline.
// Every error that reaches an HTTP caller carries one of these kinds.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-checkable error classification
type Kind string

const (
	InvalidRequest          Kind = "INVALID_REQUEST"
	NotFound                Kind = "NOT_FOUND"
	QuotaExceeded           Kind = "QUOTA_EXCEEDED"
	StorageError            Kind = "STORAGE_ERROR"
	UpstreamUnavailable     Kind = "UPSTREAM_UNAVAILABLE"
	UpstreamError           Kind = "UPSTREAM_ERROR"
	InvalidUpstreamResponse Kind = "INVALID_UPSTREAM_RESPONSE"
	TranscodeError          Kind = "TRANSCODE_ERROR"
	MailAuthFailure         Kind = "MAIL_AUTH_FAILURE"
	MailDeliveryFailure     Kind = "MAIL_DELIVERY_FAILURE"
	Unauthorized            Kind = "UNAUTHORIZED"
	RateLimited             Kind = "RATE_LIMITED"
	Internal                Kind = "INTERNAL"
)

// Error is a classified error with a caller-safe message
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is kept for logging but
// never included in Message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in the chain, or Internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-safe message for err
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// HTTPStatus maps an error kind to its HTTP status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidRequest, QuotaExceeded:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamError, InvalidUpstreamResponse:
		return http.StatusBadGateway
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
