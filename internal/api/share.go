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
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-voice/internal/delivery"
)

type sendEmailRequest struct {
	RecipientEmail string `json:"recipientEmail"`
	Text           string `json:"text"`
	FileURL        string `json:"fileUrl"`
	SenderName     string `json:"senderName"`
}

type sendEmailResponse struct {
	Success bool `json:"success"`
	*delivery.Receipt
}

func (h *Handler) handleDownloadOriginal(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.delivery.Original(r.URL.Query().Get("fileUrl"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.serveArtifact(w, r, artifact)
}

func (h *Handler) handleDownloadVariant(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.delivery.Variant(r.Context(), r.URL.Query().Get("fileUrl"), chi.URLParam(r, "format"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.serveArtifact(w, r, artifact)
}

// handleStorage serves generated artifacts inline at their public URL
func (h *Handler) handleStorage(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.delivery.Output(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	f, info, err := artifact.Open()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", artifact.ContentType())
	http.ServeContent(w, r, artifact.Name, info.ModTime(), f)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, artifact *delivery.Artifact) {
	f, info, err := artifact.Open()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", artifact.ContentType())
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Name}))
	http.ServeContent(w, r, artifact.Name, info.ModTime(), f)
}

func (h *Handler) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	claims, err := caller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req sendEmailRequest
	if err := readJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, err := h.delivery.EmailArtifact(r.Context(), delivery.EmailRequest{
		Recipient:   req.RecipientEmail,
		FileURL:     req.FileURL,
		Caption:     req.Text,
		SenderName:  req.SenderName,
		SenderEmail: claims.Email,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, sendEmailResponse{Success: true, Receipt: receipt})
}
