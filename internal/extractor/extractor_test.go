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

package extractor

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %q: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
}

func TestExtractZipNormal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	writeZip(t, archive, map[string]string{
		"notes.txt":      "hello",
		"sub/report.txt": "world",
	})

	target := filepath.Join(dir, "out")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatalf("mkdir target: %v", err)
	}

	if err := New().Extract(archive, target); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(target, "notes.txt"))
	if err != nil || string(got) != "hello" {
		t.Errorf("notes.txt = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(target, "sub", "report.txt"))
	if err != nil || string(got) != "world" {
		t.Errorf("sub/report.txt = %q, %v", got, err)
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../../escape.txt": "pwned"})

	target := filepath.Join(dir, "out")
	os.MkdirAll(target, 0o755)

	err := New().Extract(archive, target)
	if !IsUnsafe(err) {
		t.Fatalf("expected UnsafeArchiveError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(statErr) {
		t.Error("traversal entry must not be written outside target")
	}
}

func TestExtractRejectsTooManyEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "many.zip")

	entries := map[string]string{}
	for i := 0; i < maxEntryCount+1; i++ {
		entries[fmt.Sprintf("file-%d.txt", i)] = "x"
	}
	writeZip(t, archive, entries)

	target := filepath.Join(dir, "out")
	os.MkdirAll(target, 0o755)

	err := New().Extract(archive, target)
	if !IsUnsafe(err) {
		t.Fatalf("expected UnsafeArchiveError for entry count, got %v", err)
	}
}

func TestExtractRarRejectsMalformedArchiveAsParseErrorNotUnsupported(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive.rar")
	if err := os.WriteFile(archive, []byte("not really a rar"), 0o644); err != nil {
		t.Fatalf("write rar stub: %v", err)
	}

	err := New().Extract(archive, dir)
	if err == nil {
		t.Fatal("expected an error for a malformed rar stream")
	}
	if IsUnsupportedFormat(err) {
		t.Fatalf(".rar must no longer be rejected as an unsupported format, got %v", err)
	}
}

func TestExtractRejectsUnknownSuffix(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive.7z")
	os.WriteFile(archive, []byte("x"), 0o644)

	if err := New().Extract(archive, dir); !IsUnsupportedFormat(err) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
}

func TestExtractCreatesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "nested.zip")
	writeZip(t, archive, map[string]string{"a/b/c/deep.txt": "leaf"})

	target := filepath.Join(dir, "out")
	os.MkdirAll(target, 0o755)

	if err := New().Extract(archive, target); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "a", "b", "c", "deep.txt")); err != nil {
		t.Errorf("expected deep.txt to exist: %v", err)
	}
}
