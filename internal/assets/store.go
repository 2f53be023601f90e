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

// Package assets manages audio files across a small set of named storage
// roots: staging for in-flight uploads, voices for committed samples and
// outputs for generated artifacts.
package assets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"github.com/loqalabs/loqa-voice/internal/security"
	"go.uber.org/zap"
)

// Root names a storage directory
type Root string

const (
	RootStaging Root = "staging"
	RootVoices  Root = "voices"
	RootOutputs Root = "outputs"
)

var (
	// ErrNotFound is returned when no root holds the requested file
	ErrNotFound = errors.New("asset not found")
	// ErrUnknownRoot is returned for a root the store was not configured with
	ErrUnknownRoot = errors.New("unknown storage root")
)

// Config holds the directory of each root
type Config struct {
	StagingDir string
	VoicesDir  string
	OutputsDir string
}

// Store is a name-addressed file manager over the configured roots
type Store struct {
	roots map[Root]string

	mu         sync.Mutex
	lastSuffix int64
	now        func() time.Time
}

// NewStore creates every root directory and returns the store
func NewStore(config Config) (*Store, error) {
	dirs := map[Root]string{
		RootStaging: config.StagingDir,
		RootVoices:  config.VoicesDir,
		RootOutputs: config.OutputsDir,
	}

	roots := make(map[Root]string, len(dirs))
	for root, dir := range dirs {
		if dir == "" {
			return nil, fmt.Errorf("%s directory must be provided", root)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s directory: %w", root, err)
		}
		if err := os.MkdirAll(abs, 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", root, err)
		}
		roots[root] = abs
	}

	return &Store{roots: roots, now: time.Now}, nil
}

// Dir returns the absolute directory of a root
func (s *Store) Dir(root Root) (string, error) {
	dir, ok := s.roots[root]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoot, root)
	}
	return dir, nil
}

// Path joins a validated file name onto a root
func (s *Store) Path(root Root, name string) (string, error) {
	dir, err := s.Dir(root)
	if err != nil {
		return "", err
	}
	if err := security.ValidateFileName(name); err != nil {
		return "", fmt.Errorf("%w: %q", err, security.SanitizeLogInput(name))
	}
	return filepath.Join(dir, name), nil
}

// Reserve creates a new file for writing. The name must not already exist.
func (s *Store) Reserve(root Root, name string) (*os.File, error) {
	path, err := s.Path(root, name)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", name, err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s: %w", name, err)
	}

	logging.LogAssetOperation("reserve", string(root), name)
	return file, nil
}

// Commit moves a file into root under name and returns the final path.
// Readers observe either no file or the complete file. On failure the
// source is left untouched.
func (s *Store) Commit(sourcePath string, root Root, name string) (string, error) {
	finalPath, err := s.Path(root, name)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(sourcePath); err != nil {
		return "", fmt.Errorf("commit source unavailable: %w", err)
	}

	if err := os.Rename(sourcePath, finalPath); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return "", fmt.Errorf("failed to commit %s: %w", name, err)
		}
		if err := moveAcrossDevices(sourcePath, finalPath); err != nil {
			return "", fmt.Errorf("failed to commit %s: %w", name, err)
		}
	}

	logging.LogAssetOperation("commit", string(root), name)
	return finalPath, nil
}

// Exists reports whether root holds a regular file called name
func (s *Store) Exists(root Root, name string) bool {
	path, err := s.Path(root, name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a file from root. Removing an absent file succeeds.
func (s *Store) Remove(root Root, name string) error {
	path, err := s.Path(root, name)
	if err != nil {
		return err
	}
	if err := RemoveFile(path); err != nil {
		return err
	}
	logging.LogAssetOperation("remove", string(root), name)
	return nil
}

// RemoveFile deletes a file by path. Removing an absent file succeeds.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Resolve returns the path of name in the first root, in the given order,
// that holds it
func (s *Store) Resolve(name string, roots ...Root) (string, Root, error) {
	if err := security.ValidateFileName(name); err != nil {
		return "", "", ErrNotFound
	}

	for _, root := range roots {
		if s.Exists(root, name) {
			path, _ := s.Path(root, name)
			return path, root, nil
		}
	}
	return "", "", ErrNotFound
}

// SampleName derives the permanent name of an owner's uploaded sample:
// user_{ownerID}_{suffix}{ext}. The millisecond suffix is strictly
// increasing within the process.
func (s *Store) SampleName(ownerID int64, ext string) string {
	s.mu.Lock()
	suffix := s.now().UnixMilli()
	if suffix <= s.lastSuffix {
		suffix = s.lastSuffix + 1
	}
	s.lastSuffix = suffix
	s.mu.Unlock()

	return fmt.Sprintf("user_%d_%d%s", ownerID, suffix, ext)
}

// StagingName returns a fresh name for an upload in the staging root
func StagingName(ext string) string {
	return "upload_" + uuid.NewString() + ext
}

// moveAcrossDevices copies src next to dst, renames it into place and then
// removes src
func moveAcrossDevices(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Remove(src); err != nil {
		logging.LogWarn("Committed copy but could not remove source",
			zap.String("source", filepath.Base(src)), zap.Error(err))
	}
	return nil
}
