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

// Package dedup holds the pipeline's two deduplication checks: one against
// remote identity, made before any bytes are downloaded, and one against
// content fingerprint, made after the download completes. Neither check
// knows anything about SQLite, Telegram, or the filesystem; both are pure
// policy over the Repository and Hasher collaborators.
package dedup

import (
	"context"
	"fmt"
	"io"

	"ingestor/internal/model"
)

// RemoteExistenceChecker is the narrow slice of Repository this package
// depends on for the pre-download check.
type RemoteExistenceChecker interface {
	ExistsByRemoteID(ctx context.Context, remoteKey string) (bool, error)
}

// FingerprintExistenceChecker is the narrow slice of Repository this
// package depends on for the post-download check.
type FingerprintExistenceChecker interface {
	ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error)
}

// Hasher computes a content fingerprint from a stream.
type Hasher interface {
	Hash(r io.Reader) (string, error)
}

// Deduper decides, at two separate points in the pipeline, whether a
// FileRef is new work or a repeat already recorded.
type Deduper struct {
	remote RemoteExistenceChecker
	byHash FingerprintExistenceChecker
	hasher Hasher
}

// New builds a Deduper over the given Repository and Hasher.
func New(repo interface {
	RemoteExistenceChecker
	FingerprintExistenceChecker
}, hasher Hasher) *Deduper {
	return &Deduper{remote: repo, byHash: repo, hasher: hasher}
}

// ShouldProcessByRemoteID reports whether f is new work based solely on its
// remote identity, before anything has been downloaded.
func (d *Deduper) ShouldProcessByRemoteID(ctx context.Context, f model.FileRef) (bool, error) {
	exists, err := d.remote.ExistsByRemoteID(ctx, f.RemoteKey)
	if err != nil {
		return false, fmt.Errorf("dedup: check remote id: %w", err)
	}
	return !exists, nil
}

// ShouldProcessByContent hashes r and reports whether the resulting
// fingerprint is new, alongside the computed fingerprint so the caller can
// reuse it without hashing twice.
func (d *Deduper) ShouldProcessByContent(ctx context.Context, r io.Reader) (shouldProcess bool, fingerprint string, err error) {
	fingerprint, err = d.hasher.Hash(r)
	if err != nil {
		return false, "", fmt.Errorf("dedup: hash content: %w", err)
	}
	exists, err := d.byHash.ExistsByFingerprint(ctx, fingerprint)
	if err != nil {
		return false, "", fmt.Errorf("dedup: check fingerprint: %w", err)
	}
	return !exists, fingerprint, nil
}
