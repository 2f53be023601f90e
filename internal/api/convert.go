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

package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// selectorValue accepts a model id as a JSON number or string
type selectorValue string

func (s *selectorValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = selectorValue(str)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = selectorValue(num.String())
	return nil
}

type convertRequest struct {
	Text    string        `json:"text"`
	ModelID selectorValue `json:"modelId"`
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	claims, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if !h.convertLimiter.Allow(claims.ID) {
		h.writeError(w, r, apperr.New(apperr.RateLimited, "too many synthesis requests"))
		return
	}

	var req convertRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	// The selector is decided once here and carried as a typed value
	selector, err := voice.ParseSelector(string(req.ModelID))
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "text and modelId are required"))
		return
	}

	result, err := h.synthesis.Convert(r.Context(), claims.ID, selector, req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
