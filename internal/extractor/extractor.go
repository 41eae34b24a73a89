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

// Package extractor expands an archive into an isolated target directory
// without ever writing a member whose declared count, size, or path would
// make the expansion unsafe. Every guard runs against the archive's
// directory listing before a single byte is written; nothing is cleaned up
// after the fact because nothing unsafe is ever created.
package extractor

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nwaples/rardecode/v2"

	"ingestor/internal/pathguard"
)

const (
	maxEntryCount = 1000
	maxTotalSize  = 10 * 1024 * 1024 * 1024 // 10 GiB
	dirPerm       = 0o755
	filePerm      = 0o644
)

// UnsafeArchiveError reports that an archive was rejected by a bomb or
// path-traversal guard before any member was written.
type UnsafeArchiveError struct {
	Path   string
	Reason string
}

func (e *UnsafeArchiveError) Error() string {
	return fmt.Sprintf("UnsafeArchive: %s: %s", e.Path, e.Reason)
}

// UnsupportedFormatError reports that an archive's suffix is not one the
// extractor handles.
type UnsupportedFormatError struct {
	Path string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("UnsupportedFormat: %s", e.Path)
}

// SafeExtractor expands ZIP and RAR archives into a target directory, rejecting
// anything that looks like a bomb or a traversal attempt before writing.
type SafeExtractor struct{}

// New returns a ready-to-use SafeExtractor. It holds no state.
func New() *SafeExtractor { return &SafeExtractor{} }

// Extract dispatches on archivePath's suffix and expands its contents into
// target, which must already exist. All validation happens up front: a
// rejected archive leaves target untouched.
func (e *SafeExtractor) Extract(archivePath, target string) error {
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip":
		return e.extractZip(archivePath, target)
	case ".rar":
		return e.extractRar(archivePath, target)
	default:
		return &UnsupportedFormatError{Path: archivePath}
	}
}

func (e *SafeExtractor) extractZip(archivePath, target string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		// ErrInsecurePath still yields a usable reader; let the traversal
		// guard below classify those entries as UnsafeArchive instead.
		return fmt.Errorf("extractor: open zip: %w", err)
	}
	defer r.Close()

	if err := validateZipEntries(archivePath, target, r.File); err != nil {
		return err
	}

	for _, f := range r.File {
		if err := extractZipEntry(target, f); err != nil {
			return err
		}
	}
	return nil
}

// validateZipEntries runs every bomb and traversal guard before a single
// member is written, so a rejected archive never partially extracts.
func validateZipEntries(archivePath, target string, files []*zip.File) error {
	if len(files) > maxEntryCount {
		return &UnsafeArchiveError{
			Path:   archivePath,
			Reason: fmt.Sprintf("entry count %d exceeds limit %d", len(files), maxEntryCount),
		}
	}

	var totalSize uint64
	for _, f := range files {
		totalSize += f.UncompressedSize64
		if totalSize > maxTotalSize {
			return &UnsafeArchiveError{
				Path: archivePath,
				Reason: fmt.Sprintf("declared uncompressed size %s exceeds limit %s",
					humanize.Bytes(totalSize), humanize.Bytes(maxTotalSize)),
			}
		}

		if _, err := pathguard.ValidateSafePath(target, f.Name); err != nil {
			return &UnsafeArchiveError{
				Path:   archivePath,
				Reason: fmt.Sprintf("entry %q escapes target directory", f.Name),
			}
		}
	}
	return nil
}

func extractZipEntry(target string, f *zip.File) error {
	targetPath, err := pathguard.ValidateSafePath(target, f.Name)
	if err != nil {
		// Unreachable after validateZipEntries passes.
		return &UnsafeArchiveError{Path: target, Reason: err.Error()}
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(targetPath, dirPerm)
	}

	// Skip symlinks outright: extracted content is only ever read back
	// as plain files, so a link never needs to be materialized.
	if f.Mode()&os.ModeSymlink != 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("extractor: create parent dir for %q: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("extractor: open entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("extractor: create %q: %w", targetPath, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extractor: write %q: %w", targetPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("extractor: close %q: %w", targetPath, err)
	}
	return nil
}

// extractRar expands a RAR archive the same way extractZip expands a ZIP:
// every guard runs over the full member listing before any byte is written.
// rardecode's Reader is forward-only, so the listing pass opens the archive
// once to collect headers, then a second pass reopens it to do the actual
// copy -- the member order from Next() is stable across both passes.
func (e *SafeExtractor) extractRar(archivePath, target string) error {
	headers, err := rarHeaders(archivePath)
	if err != nil {
		return fmt.Errorf("extractor: list rar: %w", err)
	}

	if err := validateRarEntries(archivePath, target, headers); err != nil {
		return err
	}

	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("extractor: open rar: %w", err)
	}
	defer r.Close()

	for {
		header, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("extractor: read rar entry: %w", err)
		}
		if err := extractRarEntry(target, header, r); err != nil {
			return err
		}
	}
	return nil
}

// rarHeaders walks the archive once to collect every member's header
// without extracting any content.
func rarHeaders(archivePath string) ([]*rardecode.FileHeader, error) {
	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var headers []*rardecode.FileHeader
	for {
		h, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}

// validateRarEntries runs every bomb and traversal guard before a single
// member is written, mirroring validateZipEntries.
func validateRarEntries(archivePath, target string, headers []*rardecode.FileHeader) error {
	if len(headers) > maxEntryCount {
		return &UnsafeArchiveError{
			Path:   archivePath,
			Reason: fmt.Sprintf("entry count %d exceeds limit %d", len(headers), maxEntryCount),
		}
	}

	var totalSize uint64
	for _, h := range headers {
		if h.UnPackedSize > 0 {
			totalSize += uint64(h.UnPackedSize)
		}
		if totalSize > maxTotalSize {
			return &UnsafeArchiveError{
				Path: archivePath,
				Reason: fmt.Sprintf("declared uncompressed size %s exceeds limit %s",
					humanize.Bytes(totalSize), humanize.Bytes(maxTotalSize)),
			}
		}

		if _, err := pathguard.ValidateSafePath(target, h.Name); err != nil {
			return &UnsafeArchiveError{
				Path:   archivePath,
				Reason: fmt.Sprintf("entry %q escapes target directory", h.Name),
			}
		}
	}
	return nil
}

func extractRarEntry(target string, h *rardecode.FileHeader, r io.Reader) error {
	targetPath, err := pathguard.ValidateSafePath(target, h.Name)
	if err != nil {
		// Unreachable after validateRarEntries passes.
		return &UnsafeArchiveError{Path: target, Reason: err.Error()}
	}

	if h.IsDir {
		return os.MkdirAll(targetPath, dirPerm)
	}

	// Skip symlinks outright, same policy as extractZipEntry.
	if h.Mode()&os.ModeSymlink != 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("extractor: create parent dir for %q: %w", h.Name, err)
	}

	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("extractor: create %q: %w", targetPath, err)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extractor: write %q: %w", targetPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("extractor: close %q: %w", targetPath, err)
	}
	return nil
}

// IsUnsafe reports whether err (or a wrapped cause) is an UnsafeArchiveError.
func IsUnsafe(err error) bool {
	var target *UnsafeArchiveError
	return errors.As(err, &target)
}

// IsUnsupportedFormat reports whether err (or a wrapped cause) is an
// UnsupportedFormatError.
func IsUnsupportedFormat(err error) bool {
	var target *UnsupportedFormatError
	return errors.As(err, &target)
}
