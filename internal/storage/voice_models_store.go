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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.uber.org/zap"
)

// VoiceModelsStore handles database operations for voice models
type VoiceModelsStore struct {
	db *Database
}

// NewVoiceModelsStore creates a new voice models store
func NewVoiceModelsStore(db *Database) *VoiceModelsStore {
	return &VoiceModelsStore{db: db}
}

// Insert stores a new voice model and fills in its id and creation time.
// Inserting a custom model past the per-owner quota returns ErrQuotaExceeded.
func (s *VoiceModelsStore) Insert(ctx context.Context, model *voice.VoiceModel) error {
	if err := model.IsValid(); err != nil {
		return fmt.Errorf("invalid voice model: %w", err)
	}

	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}

	var storagePath sql.NullString
	if model.StoragePath != "" {
		storagePath = sql.NullString{String: model.StoragePath, Valid: true}
	}

	result, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO voice_models (owner_id, name, kind, storage_path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		model.OwnerID, model.Name, string(model.Kind), storagePath, model.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isQuotaAbort(err) {
			return ErrQuotaExceeded
		}
		return fmt.Errorf("failed to insert voice model: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read voice model id: %w", err)
	}
	model.ID = id

	logging.LogDatabaseOperation("INSERT", "voice_models",
		zap.Int64("model_id", id),
		zap.Int64("owner_id", model.OwnerID),
	)
	return nil
}

// CountCustom returns the number of custom models held by an owner
func (s *VoiceModelsStore) CountCustom(ctx context.Context, ownerID int64) (int, error) {
	var count int
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM voice_models WHERE owner_id = ? AND kind = ?",
		ownerID, string(voice.KindCustom),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count voice models: %w", err)
	}
	return count, nil
}

// ListByOwner returns an owner's models, most recent first
func (s *VoiceModelsStore) ListByOwner(ctx context.Context, ownerID int64, limit int) ([]*voice.VoiceModel, error) {
	query := `
		SELECT id, owner_id, name, kind, storage_path, created_at
		FROM voice_models WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []interface{}{ownerID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query voice models: %w", err)
	}
	defer rows.Close()

	models := []*voice.VoiceModel{}
	for rows.Next() {
		model, err := scanVoiceModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan voice model: %w", err)
		}
		models = append(models, model)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating voice models: %w", err)
	}

	return models, nil
}

// GetOwned returns a model only when it belongs to ownerID. Absent and
// foreign models both yield ErrNotFound.
func (s *VoiceModelsStore) GetOwned(ctx context.Context, ownerID, modelID int64) (*voice.VoiceModel, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT id, owner_id, name, kind, storage_path, created_at
		FROM voice_models WHERE id = ? AND owner_id = ?`,
		modelID, ownerID,
	)

	model, err := scanVoiceModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get voice model: %w", err)
	}
	return model, nil
}

// Delete removes an owned model row
func (s *VoiceModelsStore) Delete(ctx context.Context, ownerID, modelID int64) error {
	result, err := s.db.DB().ExecContext(ctx,
		"DELETE FROM voice_models WHERE id = ? AND owner_id = ?", modelID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete voice model: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	logging.LogDatabaseOperation("DELETE", "voice_models",
		zap.Int64("model_id", modelID),
		zap.Int64("owner_id", ownerID),
	)
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanVoiceModel scans a database row into a VoiceModel struct
func scanVoiceModel(row rowScanner) (*voice.VoiceModel, error) {
	var model voice.VoiceModel
	var kind string
	var storagePath sql.NullString
	var createdAt int64

	if err := row.Scan(&model.ID, &model.OwnerID, &model.Name, &kind, &storagePath, &createdAt); err != nil {
		return nil, err
	}

	model.Kind = voice.ModelKind(kind)
	model.StoragePath = storagePath.String
	model.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &model, nil
}

// isQuotaAbort recognises the RAISE(ABORT) message of the quota trigger
func isQuotaAbort(err error) bool {
	return strings.Contains(err.Error(), ErrQuotaExceeded.Error())
}
