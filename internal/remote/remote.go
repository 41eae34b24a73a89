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

// Package remote subscribes to chat channels and turns their new-message
// events into FileRefs, and fetches a message's document by reference. It
// never decides dedup, extraction, or scanning policy -- it only produces
// candidates and downloads bytes.
//
// The wire protocol itself (MTProto, a bot API, whatever the chat platform
// speaks) lives behind the Client contract; Source layers the ingestion
// policy -- event filtering, backpressure, retry, flood-wait handling,
// integrity verification -- on top of that contract, so a concrete wire
// client only has to produce events and move bytes.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"ingestor/internal/model"
)

const (
	enqueueTimeout   = 30 * time.Second
	maxDownloadTries = 3
	baseBackoff      = 500 * time.Millisecond
	maxBackoff       = 10 * time.Second
	maxFloodWait     = 300 * time.Second
)

// MessageHandle identifies one document attachment: a specific message in a
// specific channel. It is the parsed form of a FileRef's RemoteKey.
type MessageHandle struct {
	ChannelID  int64
	MessageID  int64
	DocumentID int64
}

// FormatRemoteKey composes h into the "<channel>_<message>_<document>"
// string FileRef.RemoteKey and processed_files.remote_key both use.
func FormatRemoteKey(h MessageHandle) string {
	return fmt.Sprintf("%d_%d_%d", h.ChannelID, h.MessageID, h.DocumentID)
}

// ParseRemoteKey inverts FormatRemoteKey.
func ParseRemoteKey(key string) (MessageHandle, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 {
		return MessageHandle{}, fmt.Errorf("remote: malformed remote key %q", key)
	}
	ids := make([]int64, 3)
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return MessageHandle{}, fmt.Errorf("remote: malformed remote key %q: %w", key, err)
		}
		ids[i] = n
	}
	return MessageHandle{ChannelID: ids[0], MessageID: ids[1], DocumentID: ids[2]}, nil
}

// Event is one new-message-with-document sighting, as a Client reports it
// before Source has applied any filtering policy.
type Event struct {
	ChannelID    int64
	ChannelTitle string
	MessageID    int64
	DocumentID   int64
	Filename     string
	SizeBytes    int64
	Timestamp    time.Time
}

// FloodWaitError is returned by a Client's Download when the wire protocol
// signals a rate-limit cooldown; Source sleeps Wait (capped at 300s) and,
// while download attempts remain, retries rather than failing at once.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("remote: flood-wait: retry after %s", e.Wait)
}

// IntegrityError reports that a downloaded document's byte length did not
// match its declared size.
type IntegrityError struct {
	Declared int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("IntegrityError: declared %d bytes, got %d", e.Declared, e.Actual)
}

// DownloadError wraps the final failure after retries are exhausted.
type DownloadError struct {
	Handle MessageHandle
	Cause  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("DownloadError: %s: %v", FormatRemoteKey(e.Handle), e.Cause)
}

func (e *DownloadError) Unwrap() error { return e.Cause }

// IsIntegrityError reports whether err (or a wrapped cause) is an
// *IntegrityError.
func IsIntegrityError(err error) bool {
	var target *IntegrityError
	return errors.As(err, &target)
}

// IsDownloadError reports whether err (or a wrapped cause) is a
// *DownloadError.
func IsDownloadError(err error) bool {
	var target *DownloadError
	return errors.As(err, &target)
}

// Client is the minimal wire-protocol contract a concrete chat SDK adapter
// must satisfy. Production wires a real client (MTProto, a bot API); tests
// wire a fake. Source holds all of the retry, filtering, and backpressure
// policy, so a Client only has to move bytes and emit events.
type Client interface {
	// Connect establishes the session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
	// ResolveChannel maps a configured channel name to its numeric id and
	// display title.
	ResolveChannel(ctx context.Context, name string) (id int64, title string, err error)
	// Events returns a channel of new-message sightings across channelIDs.
	// The returned channel is closed when ctx is cancelled.
	Events(ctx context.Context, channelIDs []int64) (<-chan Event, error)
	// Download fetches the document identified by h to destPath and returns
	// the number of bytes written. A rate-limit cooldown is signaled by
	// returning a *FloodWaitError.
	Download(ctx context.Context, h MessageHandle, destPath string) (bytesWritten int64, err error)
}

// Source subscribes to channels via a Client and turns qualifying events
// into FileRef events, applying the suffix/size filter, the 30s queue-put
// timeout (explicit load-shedding), and the download retry/flood-wait/
// integrity policy.
type Source struct {
	client        Client
	maxFileSizeB  int64
	enqueueWindow time.Duration
	logger        *log.Logger

	mu        sync.Mutex
	connected bool
}

// New builds a Source over client. maxFileSizeMB bounds accepted documents;
// logger receives INFO/WARN lines for normal operation and load-shedding,
// and may be nil to discard them.
func New(client Client, maxFileSizeMB int, logger *log.Logger) *Source {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	return &Source{
		client:        client,
		maxFileSizeB:  int64(maxFileSizeMB) * 1024 * 1024,
		enqueueWindow: enqueueTimeout,
		logger:        logger,
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Connect establishes the underlying session, idempotently.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("remote: connect: %w", err)
	}
	s.connected = true
	s.logger.Printf("INFO remote: connected")
	return nil
}

// Disconnect tears the session down, idempotently.
func (s *Source) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("remote: disconnect: %w", err)
	}
	s.connected = false
	s.logger.Printf("INFO remote: disconnected")
	return nil
}

// ResolveChannels maps configured channel names to their numeric ids,
// failing on the first name that cannot be resolved. Callers treat this as
// fatal at startup.
func (s *Source) ResolveChannels(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, title, err := s.client.ResolveChannel(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("remote: resolve channel %q: %w", name, err)
		}
		s.logger.Printf("INFO remote: resolved channel %q -> id=%d title=%q", name, id, title)
		ids = append(ids, id)
	}
	return ids, nil
}

// Listen subscribes to new-message events on channelIDs and pushes a
// FileRef onto out for every qualifying document (filename ending in .zip
// or .rar, size within the configured bound). Listen blocks until ctx is
// cancelled or the underlying event stream closes.
func (s *Source) Listen(ctx context.Context, out chan<- model.FileRef, channelIDs []int64) error {
	events, err := s.client.Events(ctx, channelIDs)
	if err != nil {
		return fmt.Errorf("remote: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !s.isSupportedArchive(ev) {
				continue
			}
			ref := model.FileRef{
				RemoteKey: FormatRemoteKey(MessageHandle{
					ChannelID:  ev.ChannelID,
					MessageID:  ev.MessageID,
					DocumentID: ev.DocumentID,
				}),
				ChannelID:    ev.ChannelID,
				ChannelTitle: channelTitleOrID(ev),
				Filename:     ev.Filename,
				SizeBytes:    ev.SizeBytes,
				Timestamp:    ev.Timestamp,
			}
			s.enqueue(ctx, out, ref)
		}
	}
}

func channelTitleOrID(ev Event) string {
	if ev.ChannelTitle != "" {
		return ev.ChannelTitle
	}
	return strconv.FormatInt(ev.ChannelID, 10)
}

func (s *Source) isSupportedArchive(ev Event) bool {
	if ev.SizeBytes > s.maxFileSizeB {
		return false
	}
	lower := strings.ToLower(ev.Filename)
	return strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".rar")
}

// enqueue pushes ref onto out, giving up after the 30s load-shedding
// window and logging a warning rather than blocking the listener forever.
func (s *Source) enqueue(ctx context.Context, out chan<- model.FileRef, ref model.FileRef) {
	timer := time.NewTimer(s.enqueueWindow)
	defer timer.Stop()

	select {
	case out <- ref:
		s.logger.Printf("INFO remote: enqueued %s (%s, %d bytes)", ref.RemoteKey, ref.Filename, ref.SizeBytes)
	case <-timer.C:
		s.logger.Printf("WARN remote: dropping %s after %s queue-put timeout (load shedding)", ref.RemoteKey, s.enqueueWindow)
	case <-ctx.Done():
	}
}

// Download fetches the document referenced by ref.RemoteKey to destPath,
// making up to three attempts with exponential backoff between failed
// ones. A flood-wait cooldown is slept (capped at 300s) and then retried;
// it uses up one of the three attempts. On success it verifies the written
// byte count against ref.SizeBytes; on exhaustion it returns a
// *DownloadError.
func (s *Source) Download(ctx context.Context, ref model.FileRef, destPath string) error {
	handle, err := ParseRemoteKey(ref.RemoteKey)
	if err != nil {
		return fmt.Errorf("remote: download: %w", err)
	}

	var lastErr error
	backoff := baseBackoff
	for attempt := 1; attempt <= maxDownloadTries; attempt++ {
		n, err := s.client.Download(ctx, handle, destPath)
		if err == nil {
			if n != ref.SizeBytes {
				return &IntegrityError{Declared: ref.SizeBytes, Actual: n}
			}
			return nil
		}

		var flood *FloodWaitError
		if errors.As(err, &flood) {
			wait := flood.Wait
			if wait > maxFloodWait {
				wait = maxFloodWait
			}
			s.logger.Printf("WARN remote: flood-wait on %s: sleeping %s (attempt %d)", ref.RemoteKey, wait, attempt)
			lastErr = err
			if !sleepOrDone(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		lastErr = err
		if attempt == maxDownloadTries {
			break
		}
		sleep := jittered(backoff)
		s.logger.Printf("WARN remote: download attempt %d/%d for %s failed: %v; retrying in %s",
			attempt, maxDownloadTries, ref.RemoteKey, err, sleep)
		if !sleepOrDone(ctx, sleep) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return &DownloadError{Handle: handle, Cause: lastErr}
}

func jittered(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

// sleepOrDone waits for d, returning false early if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
