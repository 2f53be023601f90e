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
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/assets"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"go.uber.org/zap"
)

// Parts larger than this spill to temporary files
const multipartMemory = 8 << 20

type listModelsResponse struct {
	Models   []*voice.VoiceModel `json:"models"`
	Count    int                 `json:"count"`
	MaxCount int                 `json:"maxCount"`
}

type createModelResponse struct {
	ModelID int64  `json:"modelId"`
	Name    string `json:"name"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	claims, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	models, err := h.registry.ListModels(r.Context(), claims.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if models == nil {
		models = []*voice.VoiceModel{}
	}

	writeJSON(w, http.StatusOK, listModelsResponse{
		Models:   models,
		Count:    len(models),
		MaxCount: voice.MaxCustomModels,
	})
}

func (h *Handler) handleDefaultVoices(w http.ResponseWriter, r *http.Request) {
	voices := h.synthesis.DefaultVoices()
	if voices == nil {
		voices = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (h *Handler) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	claims, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperr.Newf(apperr.InvalidRequest, "voice sample exceeds %d bytes", h.maxUploadBytes))
			return
		}
		h.writeError(w, r, apperr.Wrap(apperr.InvalidRequest, "voice sample file is required", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("voiceSample")
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "voice sample file is required"))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !registry.IsSupportedExtension(ext) {
		h.writeError(w, r, apperr.New(apperr.InvalidRequest, "unsupported voice sample format"))
		return
	}

	stagedPath, err := h.stage(file, ext)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// Commit moves the file away on success; this only removes leftovers
	defer assets.RemoveFile(stagedPath)

	model, err := h.registry.CreateModel(r.Context(), claims.ID, r.FormValue("modelName"), stagedPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createModelResponse{ModelID: model.ID, Name: model.Name})
}

// stage copies an upload into the staging root
func (h *Handler) stage(src multipart.File, ext string) (string, error) {
	name := assets.StagingName(ext)
	dst, err := h.assets.Reserve(assets.RootStaging, name)
	if err != nil {
		return "", apperr.Wrap(apperr.StorageError, "failed to store voice sample", err)
	}

	written, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		_ = assets.RemoveFile(dst.Name())
		return "", apperr.Wrap(apperr.StorageError, "failed to store voice sample", errors.Join(copyErr, closeErr))
	}
	if written == 0 {
		_ = assets.RemoveFile(dst.Name())
		return "", apperr.New(apperr.InvalidRequest, "voice sample file is empty")
	}

	logging.LogAssetOperation("stage", string(assets.RootStaging), name, zap.Int64("bytes", written))
	return dst.Name(), nil
}

func (h *Handler) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	claims, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Malformed ids get the same response as unknown ones
	modelID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, r, apperr.New(apperr.NotFound, "voice model not found"))
		return
	}

	if err := h.registry.DeleteModel(r.Context(), claims.ID, modelID); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: fmt.Sprintf("voice model %d deleted", modelID)})
}
