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
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.uber.org/zap"
)

// SynthesisRecordsStore handles database operations for synthesis records
type SynthesisRecordsStore struct {
	db *Database
}

// NewSynthesisRecordsStore creates a new synthesis records store
func NewSynthesisRecordsStore(db *Database) *SynthesisRecordsStore {
	return &SynthesisRecordsStore{db: db}
}

// Insert stores a completed conversion
func (s *SynthesisRecordsStore) Insert(ctx context.Context, record *voice.SynthesisRecord) error {
	if record.RequestID == "" || record.FileURL == "" {
		return fmt.Errorf("invalid synthesis record: request id and file url are required")
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var modelID sql.NullInt64
	if record.ModelID != nil {
		modelID = sql.NullInt64{Int64: *record.ModelID, Valid: true}
	}

	result, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO synthesis_records (
			request_id, owner_id, model_id, voice, text, file_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.RequestID, record.OwnerID, modelID, record.Voice,
		record.Text, record.FileURL, record.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert synthesis record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read synthesis record id: %w", err)
	}
	record.ID = id

	logging.LogDatabaseOperation("INSERT", "synthesis_records",
		zap.String("request_id", record.RequestID),
		zap.Int64("owner_id", record.OwnerID),
	)
	return nil
}

// ListByOwner returns an owner's records, most recent first
func (s *SynthesisRecordsStore) ListByOwner(ctx context.Context, ownerID int64, limit int) ([]*voice.SynthesisRecord, error) {
	query := `
		SELECT id, request_id, owner_id, model_id, voice, text, file_url, created_at
		FROM synthesis_records WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []interface{}{ownerID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query synthesis records: %w", err)
	}
	defer rows.Close()

	records := []*voice.SynthesisRecord{}
	for rows.Next() {
		record, err := scanSynthesisRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan synthesis record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating synthesis records: %w", err)
	}

	return records, nil
}

// Count returns the number of records held by an owner
func (s *SynthesisRecordsStore) Count(ctx context.Context, ownerID int64) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM synthesis_records WHERE owner_id = ?", ownerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count synthesis records: %w", err)
	}
	return count, nil
}

// scanSynthesisRecord scans a database row into a SynthesisRecord struct
func scanSynthesisRecord(row rowScanner) (*voice.SynthesisRecord, error) {
	var record voice.SynthesisRecord
	var modelID sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&record.ID, &record.RequestID, &record.OwnerID, &modelID,
		&record.Voice, &record.Text, &record.FileURL, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if modelID.Valid {
		id := modelID.Int64
		record.ModelID = &id
	}
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &record, nil
}
