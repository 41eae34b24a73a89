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

// Package fingerprint computes the content fingerprint used to
// content-address every file the pipeline ingests.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// chunkSize is the read buffer used while streaming a file through the
// hasher; chosen to avoid loading large archives into memory at once.
const chunkSize = 64 * 1024

// Size is the digest length in bytes (256 bits).
const Size = 32

// Hash streams r through a BLAKE2b-256 hasher and returns the digest as
// lowercase hex. It never buffers the full input in memory.
func Hash(r io.Reader) (string, error) {
	h, err := blake2b.New(Size, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprint: init hasher: %w", err)
	}

	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("fingerprint: hash chunk: %w", werr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("fingerprint: read: %w", readErr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile opens path and returns its BLAKE2b-256 fingerprint. The file is
// read in fixed-size chunks regardless of its size.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint: open %s: %w", path, err)
	}
	defer f.Close()

	return Hash(f)
}
