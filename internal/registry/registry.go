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

// Package registry owns the quota-bound collection of each owner's custom
// voice models. Creation and deletion apply the filesystem change first,
// then the metadata change, and undo the filesystem change when the
// metadata change fails.
package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/assets"
	"github.com/loqalabs/loqa-voice/internal/keylock"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/messaging"
	"github.com/loqalabs/loqa-voice/internal/security"
	"github.com/loqalabs/loqa-voice/internal/storage"
	"github.com/loqalabs/loqa-voice/internal/transcode"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.uber.org/zap"
)

// MaxNameLength bounds a display name in runes
const MaxNameLength = 100

// sampleExtension is the format every stored sample is normalised to. The
// engine resolves speaker_wav names as .wav files.
const sampleExtension = ".wav"

// supportedExtensions lists the upload formats accepted for a sample
var supportedExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
	".webm": true,
}

// IsSupportedExtension reports whether a sample extension is accepted.
// The comparison ignores case.
func IsSupportedExtension(ext string) bool {
	return supportedExtensions[strings.ToLower(ext)]
}

// ModelStore persists voice model rows
type ModelStore interface {
	CountCustom(ctx context.Context, ownerID int64) (int, error)
	Insert(ctx context.Context, model *voice.VoiceModel) error
	ListByOwner(ctx context.Context, ownerID int64, limit int) ([]*voice.VoiceModel, error)
	GetOwned(ctx context.Context, ownerID, modelID int64) (*voice.VoiceModel, error)
	Delete(ctx context.Context, ownerID, modelID int64) error
}

// Registry manages custom voice models
type Registry struct {
	store      ModelStore
	assets     *assets.Store
	transcoder transcode.Transcoder
	locks      *keylock.Map
	events     messaging.Publisher
}

// New creates a registry. A nil publisher disables events. A nil transcoder
// restricts uploads to wav samples.
func New(store ModelStore, assetStore *assets.Store, transcoder transcode.Transcoder, events messaging.Publisher) *Registry {
	if events == nil {
		events = messaging.NoopPublisher{}
	}
	return &Registry{
		store:      store,
		assets:     assetStore,
		transcoder: transcoder,
		locks:      keylock.New(),
		events:     events,
	}
}

// ListModels returns an owner's models, most recent first, at most the quota
func (r *Registry) ListModels(ctx context.Context, ownerID int64) ([]*voice.VoiceModel, error) {
	models, err := r.store.ListByOwner(ctx, ownerID, voice.MaxCustomModels)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "failed to list voice models", err)
	}
	return models, nil
}

// CreateModel turns a staged upload into a permanent custom voice model.
// Non-wav uploads are converted to wav first. When the quota is exhausted
// the staged file is discarded. When conversion or the commit fails the
// staged file is left for the caller to clean up.
func (r *Registry) CreateModel(ctx context.Context, ownerID int64, displayName, stagedPath string) (*voice.VoiceModel, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, apperr.New(apperr.InvalidRequest, "model name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, apperr.Newf(apperr.InvalidRequest, "model name must be at most %d characters", MaxNameLength)
	}

	ext := strings.ToLower(filepath.Ext(stagedPath))
	if !IsSupportedExtension(ext) {
		return nil, apperr.New(apperr.InvalidRequest, "unsupported voice sample format")
	}

	unlock := r.locks.Lock(ownerKey(ownerID))
	defer unlock()

	count, err := r.store.CountCustom(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "failed to check voice model quota", err)
	}
	if count >= voice.MaxCustomModels {
		r.discardStaged(stagedPath)
		logging.LogRegistryOperation("quota_exceeded", ownerID, zap.Int("count", count))
		return nil, apperr.Newf(apperr.QuotaExceeded, "a maximum of %d custom voice models is allowed", voice.MaxCustomModels)
	}

	source := stagedPath
	if ext != sampleExtension {
		converted, err := r.convertSample(ctx, stagedPath)
		if err != nil {
			return nil, err
		}
		// Removed by Commit on success
		defer r.discardStaged(converted)
		source = converted
	}

	fileName := r.assets.SampleName(ownerID, sampleExtension)
	finalPath, err := r.assets.Commit(source, assets.RootVoices, fileName)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, "failed to store voice sample", err)
	}

	model := &voice.VoiceModel{
		OwnerID:     ownerID,
		Name:        name,
		Kind:        voice.KindCustom,
		StoragePath: finalPath,
		CreatedAt:   time.Now().UTC(),
	}

	if err := r.store.Insert(ctx, model); err != nil {
		r.rollbackCommit(ownerID, fileName)
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return nil, apperr.Newf(apperr.QuotaExceeded, "a maximum of %d custom voice models is allowed", voice.MaxCustomModels)
		}
		return nil, apperr.Wrap(apperr.StorageError, "failed to save voice model", err)
	}

	logging.LogRegistryOperation("create", ownerID,
		zap.Int64("model_id", model.ID),
		zap.String("name", security.SanitizeLogInput(name)),
		zap.String("file", fileName),
	)
	r.publish(messaging.ActionModelCreated, model)

	return model, nil
}

// DeleteModel removes an owned model's file, its cached download variants
// and then its row. Absent and foreign models produce the same NotFound
// error. A failed sample removal keeps the row.
func (r *Registry) DeleteModel(ctx context.Context, ownerID, modelID int64) error {
	unlock := r.locks.Lock(ownerKey(ownerID))
	defer unlock()

	model, err := r.lookup(ctx, ownerID, modelID)
	if err != nil {
		return err
	}

	if model.StoragePath != "" {
		sample := filepath.Base(model.StoragePath)
		if err := r.assets.Remove(assets.RootVoices, sample); err != nil {
			logging.LogError(err, "Failed to remove voice sample; keeping model row",
				zap.Int64("owner_id", ownerID),
				zap.Int64("model_id", modelID),
			)
			return apperr.Wrap(apperr.StorageError, "failed to delete voice sample", err)
		}
		r.removeVariants(ownerID, sample)
	}

	if err := r.store.Delete(ctx, ownerID, modelID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.NotFound, "voice model not found")
		}
		return apperr.Wrap(apperr.StorageError, "failed to delete voice model", err)
	}

	logging.LogRegistryOperation("delete", ownerID, zap.Int64("model_id", modelID))
	r.publish(messaging.ActionModelDeleted, model)

	return nil
}

// Lookup resolves a custom model owned by ownerID
func (r *Registry) Lookup(ctx context.Context, ownerID, modelID int64) (*voice.VoiceModel, error) {
	return r.lookup(ctx, ownerID, modelID)
}

func (r *Registry) lookup(ctx context.Context, ownerID, modelID int64) (*voice.VoiceModel, error) {
	if modelID <= 0 {
		return nil, apperr.New(apperr.NotFound, "voice model not found")
	}

	model, err := r.store.GetOwned(ctx, ownerID, modelID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "voice model not found")
		}
		return nil, apperr.Wrap(apperr.StorageError, "failed to load voice model", err)
	}
	return model, nil
}

// convertSample writes a wav copy of a staged upload into the staging root
func (r *Registry) convertSample(ctx context.Context, stagedPath string) (string, error) {
	if r.transcoder == nil {
		return "", apperr.New(apperr.InvalidRequest, "only wav voice samples are accepted")
	}

	file, err := r.assets.Reserve(assets.RootStaging, assets.StagingName(sampleExtension))
	if err != nil {
		return "", apperr.Wrap(apperr.StorageError, "failed to stage voice sample", err)
	}
	converted := file.Name()
	if err := file.Close(); err != nil {
		r.discardStaged(converted)
		return "", apperr.Wrap(apperr.StorageError, "failed to stage voice sample", err)
	}

	if err := r.transcoder.Transcode(context.WithoutCancel(ctx), stagedPath, converted, transcode.FormatWAV); err != nil {
		r.discardStaged(converted)
		return "", apperr.Wrap(apperr.TranscodeError, "failed to convert voice sample to wav", err)
	}
	return converted, nil
}

// removeVariants deletes download conversions cached beside a sample.
// Failures are logged; the sample itself is already gone.
func (r *Registry) removeVariants(ownerID int64, sample string) {
	for _, name := range transcode.VariantNames(sample) {
		if err := r.assets.Remove(assets.RootVoices, name); err != nil {
			logging.LogWarn("Failed to remove cached sample variant",
				zap.Int64("owner_id", ownerID),
				zap.String("file", name),
				zap.Error(err),
			)
		}
	}
}

func (r *Registry) discardStaged(stagedPath string) {
	if err := assets.RemoveFile(stagedPath); err != nil {
		logging.LogWarn("Failed to discard staged upload",
			zap.String("file", filepath.Base(stagedPath)), zap.Error(err))
	}
}

func (r *Registry) rollbackCommit(ownerID int64, fileName string) {
	if err := r.assets.Remove(assets.RootVoices, fileName); err != nil {
		logging.LogError(err, "Rollback failed; orphaned voice sample",
			zap.Int64("owner_id", ownerID),
			zap.String("file", fileName),
		)
		return
	}
	logging.LogRegistryOperation("rollback", ownerID, zap.String("file", fileName))
}

func (r *Registry) publish(action string, model *voice.VoiceModel) {
	event := &messaging.ModelEvent{
		Action:    action,
		OwnerID:   model.OwnerID,
		ModelID:   model.ID,
		Name:      model.Name,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := r.events.PublishModelEvent(event); err != nil {
		logging.LogWarn("Failed to publish model event",
			zap.String("action", action), zap.Error(err))
	}
}

func ownerKey(ownerID int64) string {
	return strconv.FormatInt(ownerID, 10)
}
