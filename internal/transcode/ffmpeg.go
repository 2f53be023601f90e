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

// Package transcode converts audio artifacts between formats with ffmpeg.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/logging"
	"go.uber.org/zap"
)

// Format is an audio container an artifact can be converted to
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatOGG  Format = "ogg"
	FormatFLAC Format = "flac"

	// FormatWAV normalises voice samples. It is not a download target.
	FormatWAV Format = "wav"
)

// Formats lists the download targets
var Formats = []Format{FormatMP3, FormatOGG, FormatFLAC}

const maxStderrTail = 4 << 10

// ErrUnsupportedFormat is returned for formats without an encoder mapping
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// ParseFormat validates a requested target format. Case is ignored.
func ParseFormat(raw string) (Format, error) {
	format := Format(strings.ToLower(strings.TrimSpace(raw)))
	switch format {
	case FormatMP3, FormatOGG, FormatFLAC:
		return format, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Extension returns the file extension of the format, with the leading dot
func (f Format) Extension() string {
	return "." + string(f)
}

// VariantName is the name a conversion of name into format is stored under
func VariantName(name string, format Format) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + format.Extension()
}

// VariantNames lists every name a download conversion of name can occupy
func VariantNames(name string) []string {
	ext := filepath.Ext(name)
	names := make([]string, 0, len(Formats))
	for _, format := range Formats {
		if strings.EqualFold(ext, format.Extension()) {
			continue
		}
		names = append(names, VariantName(name, format))
	}
	return names
}

// Transcoder converts src into dst in the given format
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, format Format) error
}

// FFmpeg runs the ffmpeg binary
type FFmpeg struct {
	path    string
	bitrate string
	timeout time.Duration
}

// NewFFmpeg creates an ffmpeg-backed transcoder
func NewFFmpeg(cfg config.TranscodeConfig) *FFmpeg {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	bitrate := cfg.Bitrate
	if bitrate == "" {
		bitrate = "128k"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FFmpeg{path: path, bitrate: bitrate, timeout: timeout}
}

// Available reports whether the binary can be found
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

// Args builds the ffmpeg command line for one conversion
func (f *FFmpeg) Args(src, dst string, format Format) ([]string, error) {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-y", "-i", src, "-vn"}

	switch format {
	case FormatMP3:
		args = append(args, "-codec:a", "libmp3lame", "-b:a", f.bitrate, "-f", "mp3")
	case FormatOGG:
		args = append(args, "-codec:a", "libvorbis", "-b:a", f.bitrate, "-f", "ogg")
	case FormatFLAC:
		args = append(args, "-codec:a", "flac", "-f", "flac")
	case FormatWAV:
		args = append(args, "-codec:a", "pcm_s16le", "-f", "wav")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	return append(args, dst), nil
}

// Transcode converts src into dst. On failure dst is removed.
func (f *FFmpeg) Transcode(ctx context.Context, src, dst string, format Format) error {
	args, err := f.Args(src, dst, format)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	startTime := time.Now()
	if err := cmd.Run(); err != nil {
		_ = os.Remove(dst)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ffmpeg timed out after %s", f.timeout)
		}

		detail := strings.TrimSpace(stderr.String())
		if len(detail) > maxStderrTail {
			detail = strings.TrimSpace(detail[len(detail)-maxStderrTail:])
		}
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("ffmpeg failed: %s", detail)
	}

	info, err := os.Stat(dst)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(dst)
		return fmt.Errorf("ffmpeg produced no output for %s", filepath.Base(src))
	}

	logging.LogDelivery("transcode", filepath.Base(src),
		zap.String("format", string(format)),
		zap.Int64("bytes", info.Size()),
		zap.Duration("duration", time.Since(startTime)),
	)
	return nil
}
