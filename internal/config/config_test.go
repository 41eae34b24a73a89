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

package config

import (
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("REMOTE_API_ID", "12345")
	t.Setenv("REMOTE_API_HASH", "deadbeefcafebabe")
	t.Setenv("REMOTE_PHONE", "+15550000000")
	t.Setenv("REMOTE_CHANNELS", "alpha, bravo")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 4 {
		t.Errorf("unexpected default worker count: %d", cfg.WorkerCount)
	}
	if cfg.MaxFileSizeMB != 100 {
		t.Errorf("unexpected default max file size: %d", cfg.MaxFileSizeMB)
	}
	if cfg.StoragePath != "./data/storage" {
		t.Errorf("unexpected default storage path: %s", cfg.StoragePath)
	}
	if len(cfg.RemoteChannels) != 2 || cfg.RemoteChannels[0] != "alpha" || cfg.RemoteChannels[1] != "bravo" {
		t.Errorf("unexpected channels: %v", cfg.RemoteChannels)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"missing api id", "REMOTE_API_ID"},
		{"missing api hash", "REMOTE_API_HASH"},
		{"missing phone", "REMOTE_PHONE"},
		{"missing channels", "REMOTE_CHANNELS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")
			if _, err := Load(); err == nil {
				t.Errorf("expected error when %s is unset", tt.unset)
			}
		})
	}
}

func TestLoadIOCPolicyNormalization(t *testing.T) {
	setRequired(t)
	t.Setenv("IOC_DOMAINS", "Watched.ORG, evil.example.com")
	t.Setenv("IOC_EMAILS", "@Leak.example, other.example")
	t.Setenv("IOC_IPV4_CIDRS", "10.0.0.0/24")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IOCDomains[0] != "watched.org" {
		t.Errorf("expected lowercased domain, got %q", cfg.IOCDomains[0])
	}
	if cfg.IOCEmails[0] != "leak.example" {
		t.Errorf("expected leading @ stripped and lowercased, got %q", cfg.IOCEmails[0])
	}
	if len(cfg.IOCIPv4CIDRs) != 1 || cfg.IOCIPv4CIDRs[0] != "10.0.0.0/24" {
		t.Errorf("unexpected cidrs: %v", cfg.IOCIPv4CIDRs)
	}
}

func TestValidateRejectsBadWorkerCount(t *testing.T) {
	cfg := Config{WorkerCount: 0, MaxFileSizeMB: 10, StoragePath: "x", DatabaseURL: "y"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero worker count")
	}
}

func TestRedactedAPIHash(t *testing.T) {
	cfg := Config{RemoteAPIHash: "deadbeefcafebabe"}
	got := cfg.RedactedAPIHash()
	if got == cfg.RemoteAPIHash {
		t.Error("expected redaction to change the value")
	}
	if got[:2] != "de" || got[len(got)-2:] != "be" {
		t.Errorf("expected first/last two characters preserved, got %q", got)
	}
}
