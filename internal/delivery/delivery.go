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

// Package delivery serves generated artifacts, converts them to other
// formats on demand and shares them by e-mail.
package delivery

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/apperr"
	"github.com/loqalabs/loqa-voice/internal/assets"
	"github.com/loqalabs/loqa-voice/internal/keylock"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/mailer"
	"github.com/loqalabs/loqa-voice/internal/security"
	"github.com/loqalabs/loqa-voice/internal/transcode"
	"go.uber.org/zap"
)

// Resolution order for artifact lookups
var searchRoots = []assets.Root{assets.RootOutputs, assets.RootVoices}

var contentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".webm": "audio/webm",
}

// Artifact is a resolved audio file on disk
type Artifact struct {
	Name string
	Path string
	Root assets.Root
}

// ContentType returns the MIME type for the artifact's extension
func (a *Artifact) ContentType() string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(a.Name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Open opens the artifact for streaming
func (a *Artifact) Open() (*os.File, os.FileInfo, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, apperr.New(apperr.NotFound, "file not found")
		}
		return nil, nil, apperr.Wrap(apperr.StorageError, "failed to open file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, apperr.Wrap(apperr.StorageError, "failed to open file", err)
	}
	return f, info, nil
}

// Service locates artifacts and produces their variants
type Service struct {
	assets     *assets.Store
	transcoder transcode.Transcoder
	mail       mailer.Transport
	locks      *keylock.Map
}

// New creates a delivery service
func New(store *assets.Store, transcoder transcode.Transcoder, transport mailer.Transport) *Service {
	return &Service{
		assets:     store,
		transcoder: transcoder,
		mail:       transport,
		locks:      keylock.New(),
	}
}

// ArtifactName extracts the file name from an artifact reference. Both
// absolute URLs and bare names are accepted; query and fragment are ignored.
func ArtifactName(fileURL string) (string, error) {
	fileURL = strings.TrimSpace(fileURL)
	if fileURL == "" {
		return "", apperr.New(apperr.InvalidRequest, "file URL is required")
	}

	ref := fileURL
	if u, err := url.Parse(fileURL); err == nil {
		ref = u.Path
	}

	name := path.Base(ref)
	if err := security.ValidateFileName(name); err != nil {
		return "", apperr.New(apperr.NotFound, "file not found")
	}
	return name, nil
}

// Resolve finds the artifact in the outputs root, then the voices root
func (s *Service) Resolve(fileURL string) (*Artifact, error) {
	name, err := ArtifactName(fileURL)
	if err != nil {
		return nil, err
	}

	artifactPath, root, err := s.assets.Resolve(name, searchRoots...)
	if err != nil {
		logging.LogDelivery("resolve_miss", security.SanitizeLogInput(name))
		return nil, apperr.New(apperr.NotFound, "file not found")
	}

	return &Artifact{Name: name, Path: artifactPath, Root: root}, nil
}

// Output resolves a generated artifact by name, ignoring uploaded samples
func (s *Service) Output(name string) (*Artifact, error) {
	artifactPath, root, err := s.assets.Resolve(name, assets.RootOutputs)
	if err != nil {
		return nil, apperr.New(apperr.NotFound, "file not found")
	}
	return &Artifact{Name: name, Path: artifactPath, Root: root}, nil
}

// Original resolves the artifact as stored
func (s *Service) Original(fileURL string) (*Artifact, error) {
	return s.Resolve(fileURL)
}

// Variant returns the artifact converted to rawFormat, transcoding it on
// first request. Variants live next to the original under the same base
// name and are reused once written.
func (s *Service) Variant(ctx context.Context, fileURL, rawFormat string) (*Artifact, error) {
	format, err := transcode.ParseFormat(rawFormat)
	if err != nil {
		return nil, apperr.Newf(apperr.InvalidRequest, "unsupported format: %s", security.SanitizeLogInput(rawFormat))
	}

	original, err := s.Resolve(fileURL)
	if err != nil {
		return nil, err
	}

	ext := filepath.Ext(original.Name)
	if strings.EqualFold(ext, format.Extension()) {
		return original, nil
	}

	variant := &Artifact{
		Name: transcode.VariantName(original.Name, format),
		Root: original.Root,
	}
	variant.Path = filepath.Join(filepath.Dir(original.Path), variant.Name)

	if isRegularFile(variant.Path) {
		logging.LogDelivery("cache_hit", variant.Name)
		return variant, nil
	}

	unlock := s.locks.Lock(variant.Path)
	defer unlock()

	// Another request may have filled the cache while we waited
	if isRegularFile(variant.Path) {
		logging.LogDelivery("cache_hit", variant.Name)
		return variant, nil
	}

	if err := s.fill(ctx, original, variant, format); err != nil {
		return nil, err
	}
	return variant, nil
}

// fill transcodes into a private temp file and renames it into place so
// readers never observe a partial variant
func (s *Service) fill(ctx context.Context, original, variant *Artifact, format transcode.Format) error {
	tmpPath := filepath.Join(filepath.Dir(variant.Path), "."+variant.Name+"."+uuid.NewString()+".part")

	startTime := time.Now()
	if err := s.transcoder.Transcode(context.WithoutCancel(ctx), original.Path, tmpPath, format); err != nil {
		_ = assets.RemoveFile(tmpPath)
		logging.LogError(err, "Transcode failed",
			zap.String("component", "delivery"),
			zap.String("artifact", original.Name),
			zap.String("format", string(format)),
		)
		return apperr.Wrap(apperr.TranscodeError, "failed to convert file", err)
	}

	if err := os.Rename(tmpPath, variant.Path); err != nil {
		_ = assets.RemoveFile(tmpPath)
		return apperr.Wrap(apperr.StorageError, "failed to store converted file", err)
	}

	logging.LogDelivery("cache_fill", variant.Name,
		zap.String("source", original.Name),
		zap.Duration("duration", time.Since(startTime)),
	)
	return nil
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
