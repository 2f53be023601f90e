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

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidRequest, http.StatusBadRequest},
		{QuotaExceeded, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{StorageError, http.StatusInternalServerError},
		{UpstreamUnavailable, http.StatusServiceUnavailable},
		{UpstreamError, http.StatusBadGateway},
		{InvalidUpstreamResponse, http.StatusBadGateway},
		{TranscodeError, http.StatusInternalServerError},
		{MailAuthFailure, http.StatusInternalServerError},
		{MailDeliveryFailure, http.StatusInternalServerError},
		{Unauthorized, http.StatusUnauthorized},
		{RateLimited, http.StatusTooManyRequests},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestKindOf(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := fmt.Errorf("create model: %w", Wrap(StorageError, "failed to store voice sample", cause))

	assert.Equal(t, StorageError, KindOf(wrapped))
	assert.True(t, Is(wrapped, StorageError))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "failed to store voice sample", MessageOf(wrapped))

	assert.Equal(t, Internal, KindOf(cause))
	assert.Equal(t, "internal server error", MessageOf(cause))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Is(nil, NotFound))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: voice model not found", New(NotFound, "voice model not found").Error())
	assert.Equal(t, "INVALID_REQUEST: bad id 7", Newf(InvalidRequest, "bad id %d", 7).Error())
	assert.Contains(t, Wrap(TranscodeError, "failed", errors.New("exit 1")).Error(), "exit 1")
}
