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

package voice

import (
	"errors"
	"strconv"
	"strings"
)

// DefaultPrefix marks the reserved namespace of built-in voice selectors
const DefaultPrefix = "default_"

// ErrEmptySelector is returned when no voice was chosen
var ErrEmptySelector = errors.New("voice selector is required")

// SelectorKind tags which arm of Selector is populated
type SelectorKind int

const (
	SelectorDefault SelectorKind = iota + 1
	SelectorCustom
)

// Selector is the caller's voice choice, decided once at the request
// boundary: either Default(Name) or Custom(ModelID).
type Selector struct {
	Kind    SelectorKind
	Name    string
	ModelID int64
}

// Default builds a built-in voice selector
func Default(name string) Selector {
	return Selector{Kind: SelectorDefault, Name: name}
}

// Custom builds a selector for an uploaded model
func Custom(modelID int64) Selector {
	return Selector{Kind: SelectorCustom, ModelID: modelID}
}

// ParseSelector decides the selector variant from its wire form. Values in
// the default namespace are kept verbatim; anything else is a model id.
// Non-numeric ids map to model id 0, which never exists.
func ParseSelector(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, ErrEmptySelector
	}

	if strings.HasPrefix(raw, DefaultPrefix) {
		return Default(raw), nil
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		id = 0
	}
	return Custom(id), nil
}

// IsDefault reports whether the selector names a built-in voice
func (s Selector) IsDefault() bool {
	return s.Kind == SelectorDefault
}

// SampleFileName is the engine-side file name of a built-in voice
func (s Selector) SampleFileName() string {
	if !s.IsDefault() {
		return ""
	}
	return s.Name + ".wav"
}

func (s Selector) String() string {
	if s.IsDefault() {
		return s.Name
	}
	return strconv.FormatInt(s.ModelID, 10)
}
