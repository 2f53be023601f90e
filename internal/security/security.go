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

package security

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidFileName is returned when a stored file name is unsafe to join onto a root
	ErrInvalidFileName = errors.New("invalid file name")

	// ErrInvalidEmail is returned when an address fails the basic syntax rule
	ErrInvalidEmail = errors.New("invalid email address")

	// fileNamePattern allows the characters produced by the engine and the upload namer
	fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// emailPattern is a deliberately loose local@domain.tld check
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const maxFileNameLength = 255

// SanitizeLogInput removes newline characters to prevent log injection attacks
// This function should be used for all user-controlled data before logging
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	return sanitized
}

// ValidateFileName ensures a name refers to a single entry inside a storage
// root. Path separators, parent references and hidden names are rejected.
func ValidateFileName(name string) error {
	if name == "" || len(name) > maxFileNameLength {
		return ErrInvalidFileName
	}

	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return ErrInvalidFileName
	}

	if strings.HasPrefix(name, ".") {
		return ErrInvalidFileName
	}

	if !fileNamePattern.MatchString(name) {
		return ErrInvalidFileName
	}

	return nil
}

// ValidateEmail checks an address against the basic syntax rule
func ValidateEmail(address string) error {
	if !emailPattern.MatchString(address) {
		return ErrInvalidEmail
	}
	return nil
}
