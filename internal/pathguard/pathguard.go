// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pathguard sanitizes filenames and validates that a user-supplied
// path, once resolved, stays inside a trusted base directory.
package pathguard

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameBytes is the filesystem-friendly ceiling for a sanitized name.
const maxFilenameBytes = 255

// TraversalError reports that a user-supplied path would escape its base
// directory once resolved.
type TraversalError struct {
	Base string
	User string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("pathguard: %q escapes base %q", e.User, e.Base)
}

// SanitizeFilename replaces any character outside [A-Za-z0-9_.\- ] with an
// underscore, substitutes "unnamed_file" for a result that is empty or made
// only of dots and spaces, and truncates to 255 bytes.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.' || r == ' ':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := b.String()
	if strings.Trim(out, ". ") == "" {
		out = "unnamed_file"
	}
	if len(out) > maxFilenameBytes {
		out = out[:maxFilenameBytes]
	}
	return out
}

// ValidateSafePath computes the absolute canonical form of base joined with
// user, and rejects it with a *TraversalError unless the result lies inside
// base's own canonical form. This covers ".." segments, absolute user
// paths, and (via filepath.Clean's lexical resolution) the common traversal
// shapes; callers extracting from archives that may contain symlinks must
// additionally re-validate resolved symlink targets, since this function
// only performs lexical, not filesystem, resolution.
func ValidateSafePath(base, user string) (string, error) {
	cleanBase, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return "", fmt.Errorf("pathguard: resolve base: %w", err)
	}
	if filepath.IsAbs(user) {
		return "", &TraversalError{Base: cleanBase, User: user}
	}

	joined := filepath.Join(cleanBase, user)
	cleanJoined := filepath.Clean(joined)

	rel, err := filepath.Rel(cleanBase, cleanJoined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &TraversalError{Base: cleanBase, User: user}
	}
	if !strings.HasPrefix(cleanJoined+string(filepath.Separator), cleanBase+string(filepath.Separator)) && cleanJoined != cleanBase {
		return "", &TraversalError{Base: cleanBase, User: user}
	}

	return cleanJoined, nil
}
