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

// Package model holds the data types shared across the ingestion pipeline:
// the immutable FileRef event, the mutable Job record, and the two
// persistent record types, ProcessedFile and Indicator.
package model

import "time"

// JobStatus is a Job's position in its state machine. Status advances
// monotonically QUEUED -> PROCESSING -> (COMPLETED | FAILED); terminal
// states are final.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Valid reports whether s is one of the four recognized statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobProcessing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// IndicatorKind identifies the category of an extracted indicator.
type IndicatorKind string

const (
	KindDomain IndicatorKind = "DOMAIN"
	KindEmail  IndicatorKind = "EMAIL"
	KindIPv4   IndicatorKind = "IPV4"
)

// FileRef is an immutable event describing a candidate archive to ingest,
// produced by a RemoteSource and consumed by exactly one Job.
type FileRef struct {
	// RemoteKey composes (channel_id, message_id, document_id) into a
	// single string identity: "<channel_id>_<message_id>_<document_id>".
	RemoteKey    string
	ChannelID    int64
	ChannelTitle string
	Filename     string
	SizeBytes    int64
	Timestamp    time.Time
}

// Job is the mutable per-attempt record created once per FileRef.
type Job struct {
	ID          string
	RemoteKey   string
	Status      JobStatus
	Fingerprint *string
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProcessedFile is the persistent provenance record keyed by remote
// identity. Reappearance of the same remote key touches LastSeen rather
// than inserting a second row.
type ProcessedFile struct {
	RemoteKey    string
	ChannelID    int64
	ChannelTitle string
	Filename     string
	SizeBytes    int64
	Fingerprint  string
	StoragePath  string
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Indicator is a persistent record of one extracted indicator of
// compromise, identified by (Kind, Value, SourceFingerprint, SourceLine).
type Indicator struct {
	Kind               IndicatorKind
	Value              string
	SourceFingerprint  string
	SourceRelativePath string
	SourceLine         int
	ChannelID          int64
	FirstSeen          time.Time
	LastSeen           time.Time
}

// IndicatorCounts maps an indicator kind to the number of rows recorded
// for it, for reporting only.
type IndicatorCounts map[IndicatorKind]int64
