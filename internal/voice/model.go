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

// Package voice holds the domain types shared by the registry, the
// synthesis orchestrator and the HTTP layer.
package voice

import (
	"fmt"
	"time"
)

// MaxCustomModels is the per-owner quota of custom voice models
const MaxCustomModels = 3

// ModelKind distinguishes built-in voices from uploaded samples
type ModelKind string

const (
	KindDefault ModelKind = "default"
	KindCustom  ModelKind = "custom"
)

// VoiceModel is one usable voice
type VoiceModel struct {
	ID          int64     `json:"id" db:"id"`
	OwnerID     int64     `json:"userId" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	Kind        ModelKind `json:"type" db:"kind"`
	StoragePath string    `json:"-" db:"storage_path"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// IsValid checks the fields required before a row is persisted
func (m *VoiceModel) IsValid() error {
	if m.OwnerID <= 0 {
		return fmt.Errorf("owner id must be positive")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch m.Kind {
	case KindCustom:
		if m.StoragePath == "" {
			return fmt.Errorf("custom model requires a storage path")
		}
	case KindDefault:
	default:
		return fmt.Errorf("unknown model kind %q", m.Kind)
	}
	return nil
}

// SynthesisRecord is one completed conversion. Records are never mutated.
type SynthesisRecord struct {
	ID        int64     `json:"id" db:"id"`
	RequestID string    `json:"requestId" db:"request_id"`
	OwnerID   int64     `json:"userId" db:"owner_id"`
	ModelID   *int64    `json:"modelId" db:"model_id"`
	Voice     string    `json:"voice" db:"voice"`
	Text      string    `json:"text" db:"text"`
	FileURL   string    `json:"fileUrl" db:"file_url"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
