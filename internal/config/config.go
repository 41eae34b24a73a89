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

// Package config loads ingestor configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"ingestor/pkg/crypto"
)

// Config holds everything the ingestion pipeline needs to start.
type Config struct {
	// RemoteAPIID is the chat SDK credential (REMOTE_API_ID).
	RemoteAPIID int
	// RemoteAPIHash is the chat SDK credential (REMOTE_API_HASH).
	RemoteAPIHash string
	// RemotePhone identifies the session (REMOTE_PHONE).
	RemotePhone string
	// RemoteChannels is the set of channel names to watch (REMOTE_CHANNELS).
	RemoteChannels []string

	// WorkerCount is the pipeline fan-out (WORKER_COUNT).
	WorkerCount int
	// MaxFileSizeMB bounds accepted documents (MAX_FILE_SIZE_MB).
	MaxFileSizeMB int

	// StoragePath is the ContentStore root (STORAGE_PATH).
	StoragePath string
	// DatabaseURL is the filesystem path of the Repository's SQLite database
	// file (DATABASE_URL).
	DatabaseURL string

	// IOCDomains are watched domain substrings (IOC_DOMAINS).
	IOCDomains []string
	// IOCEmails are watched email domains, leading '@' stripped (IOC_EMAILS).
	IOCEmails []string
	// IOCIPv4CIDRs are watched CIDR blocks (IOC_IPV4_CIDRS).
	IOCIPv4CIDRs []string
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvCSV(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from the environment, applying defaults for
// optional keys. Required keys missing from the environment produce an
// error rather than a zero value.
func Load() (Config, error) {
	var cfg Config
	var err error

	cfg.RemoteAPIID, err = getenvInt("REMOTE_API_ID", 0)
	if err != nil {
		return cfg, err
	}
	if os.Getenv("REMOTE_API_ID") == "" {
		return cfg, fmt.Errorf("REMOTE_API_ID is required")
	}

	cfg.RemoteAPIHash = os.Getenv("REMOTE_API_HASH")
	if cfg.RemoteAPIHash == "" {
		return cfg, fmt.Errorf("REMOTE_API_HASH is required")
	}

	cfg.RemotePhone = os.Getenv("REMOTE_PHONE")
	if cfg.RemotePhone == "" {
		return cfg, fmt.Errorf("REMOTE_PHONE is required")
	}

	cfg.RemoteChannels = getenvCSV("REMOTE_CHANNELS")
	if len(cfg.RemoteChannels) == 0 {
		return cfg, fmt.Errorf("REMOTE_CHANNELS is required")
	}

	cfg.WorkerCount, err = getenvInt("WORKER_COUNT", 4)
	if err != nil {
		return cfg, err
	}

	cfg.MaxFileSizeMB, err = getenvInt("MAX_FILE_SIZE_MB", 100)
	if err != nil {
		return cfg, err
	}

	cfg.StoragePath = getenv("STORAGE_PATH", "./data/storage")
	cfg.DatabaseURL = getenv("DATABASE_URL", "./data/ingestor.db")

	cfg.IOCDomains = lowerAll(getenvCSV("IOC_DOMAINS"))
	cfg.IOCEmails = lowerAll(stripLeadingAt(getenvCSV("IOC_EMAILS")))
	cfg.IOCIPv4CIDRs = getenvCSV("IOC_IPV4_CIDRS")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func stripLeadingAt(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimPrefix(s, "@")
	}
	return out
}

// Validate checks invariants beyond simple presence.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if c.MaxFileSizeMB < 1 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be at least 1")
	}
	if c.StoragePath == "" {
		return fmt.Errorf("STORAGE_PATH cannot be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	return nil
}

// RedactedAPIHash returns the API hash masked for startup logs.
func (c *Config) RedactedAPIHash() string {
	return crypto.RedactSecret(c.RemoteAPIHash)
}
