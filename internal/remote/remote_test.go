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

package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ingestor/internal/model"
)

func TestFormatAndParseRemoteKeyRoundTrip(t *testing.T) {
	h := MessageHandle{ChannelID: 100, MessageID: 200, DocumentID: 300}
	key := FormatRemoteKey(h)
	if key != "100_200_300" {
		t.Fatalf("FormatRemoteKey = %q, want 100_200_300", key)
	}
	got, err := ParseRemoteKey(key)
	if err != nil {
		t.Fatalf("ParseRemoteKey: %v", err)
	}
	if got != h {
		t.Errorf("ParseRemoteKey = %+v, want %+v", got, h)
	}
}

func TestParseRemoteKeyRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "1_2", "1_2_3_4", "a_b_c"} {
		if _, err := ParseRemoteKey(bad); err == nil {
			t.Errorf("ParseRemoteKey(%q) expected error", bad)
		}
	}
}

type fakeClient struct {
	mu sync.Mutex

	resolveID    int64
	resolveTitle string
	resolveErr   error

	events chan Event

	downloadResults []downloadResult
	downloadCalls   int
}

type downloadResult struct {
	n   int64
	err error
}

func (f *fakeClient) Connect(ctx context.Context) error    { return nil }
func (f *fakeClient) Disconnect(ctx context.Context) error { return nil }

func (f *fakeClient) ResolveChannel(ctx context.Context, name string) (int64, string, error) {
	return f.resolveID, f.resolveTitle, f.resolveErr
}

func (f *fakeClient) Events(ctx context.Context, channelIDs []int64) (<-chan Event, error) {
	return f.events, nil
}

func (f *fakeClient) Download(ctx context.Context, h MessageHandle, destPath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.downloadCalls
	f.downloadCalls++
	if idx >= len(f.downloadResults) {
		return 0, errors.New("fakeClient: ran out of scripted results")
	}
	r := f.downloadResults[idx]
	return r.n, r.err
}

func TestResolveChannels(t *testing.T) {
	c := &fakeClient{resolveID: 42, resolveTitle: "leaks"}
	s := New(c, 100, nil)

	ids, err := s.ResolveChannels(context.Background(), []string{"leaks-channel"})
	if err != nil {
		t.Fatalf("ResolveChannels: %v", err)
	}
	if len(ids) != 1 || ids[0] != 42 {
		t.Errorf("ResolveChannels = %v, want [42]", ids)
	}
}

func TestResolveChannelsPropagatesError(t *testing.T) {
	c := &fakeClient{resolveErr: errors.New("no such channel")}
	s := New(c, 100, nil)
	if _, err := s.ResolveChannels(context.Background(), []string{"ghost"}); err == nil {
		t.Error("expected resolve error to propagate")
	}
}

func TestListenFiltersBySuffixAndSize(t *testing.T) {
	c := &fakeClient{events: make(chan Event, 8)}
	s := New(c, 1, nil) // 1 MB cap

	c.events <- Event{ChannelID: 1, MessageID: 1, DocumentID: 1, Filename: "dump.zip", SizeBytes: 512}
	c.events <- Event{ChannelID: 1, MessageID: 2, DocumentID: 2, Filename: "notes.txt", SizeBytes: 512}   // wrong suffix
	c.events <- Event{ChannelID: 1, MessageID: 3, DocumentID: 3, Filename: "huge.rar", SizeBytes: 2 << 20} // too big
	c.events <- Event{ChannelID: 1, MessageID: 4, DocumentID: 4, Filename: "archive.RAR", SizeBytes: 1024}
	close(c.events)

	out := make(chan model.FileRef, 8)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.Listen(ctx, out, []int64{1}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	close(out)

	var refs []model.FileRef
	for r := range out {
		refs = append(refs, r)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 qualifying FileRefs, got %d: %+v", len(refs), refs)
	}
	if refs[0].RemoteKey != "1_1_1" || refs[1].RemoteKey != "1_4_4" {
		t.Errorf("unexpected remote keys: %q, %q", refs[0].RemoteKey, refs[1].RemoteKey)
	}
}

func TestListenDropsOnQueueFullTimeout(t *testing.T) {
	c := &fakeClient{events: make(chan Event, 1)}
	s := New(c, 100, nil)
	s.enqueueWindow = 10 * time.Millisecond // speed up the test

	c.events <- Event{ChannelID: 1, MessageID: 1, DocumentID: 1, Filename: "dump.zip", SizeBytes: 10}
	close(c.events)

	out := make(chan model.FileRef) // unbuffered and never drained: forces the timeout path
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := s.Listen(ctx, out, []int64{1}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	select {
	case <-out:
		t.Fatal("expected the FileRef to be dropped, not delivered")
	default:
	}
}

func TestDownloadSucceedsFirstTry(t *testing.T) {
	c := &fakeClient{downloadResults: []downloadResult{{n: 100, err: nil}}}
	s := New(c, 100, nil)

	ref := model.FileRef{RemoteKey: "1_2_3", SizeBytes: 100}
	if err := s.Download(context.Background(), ref, "/tmp/dest"); err != nil {
		t.Fatalf("Download: %v", err)
	}
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	c := &fakeClient{downloadResults: []downloadResult{
		{err: errors.New("connection reset")},
		{err: errors.New("timeout")},
		{n: 50, err: nil},
	}}
	s := New(c, 100, nil)

	ref := model.FileRef{RemoteKey: "1_2_3", SizeBytes: 50}
	if err := s.Download(context.Background(), ref, "/tmp/dest"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if c.downloadCalls != 3 {
		t.Errorf("expected 3 download attempts, got %d", c.downloadCalls)
	}
}

func TestDownloadFailsAfterExhaustingRetries(t *testing.T) {
	c := &fakeClient{downloadResults: []downloadResult{
		{err: errors.New("a")},
		{err: errors.New("b")},
		{err: errors.New("c")},
	}}
	s := New(c, 100, nil)

	ref := model.FileRef{RemoteKey: "1_2_3", SizeBytes: 50}
	err := s.Download(context.Background(), ref, "/tmp/dest")
	if !IsDownloadError(err) {
		t.Fatalf("expected *DownloadError, got %v", err)
	}
	if c.downloadCalls != 3 {
		t.Errorf("expected 3 download attempts, got %d", c.downloadCalls)
	}
}

func TestDownloadIntegrityMismatch(t *testing.T) {
	c := &fakeClient{downloadResults: []downloadResult{{n: 10, err: nil}}}
	s := New(c, 100, nil)

	ref := model.FileRef{RemoteKey: "1_2_3", SizeBytes: 99}
	err := s.Download(context.Background(), ref, "/tmp/dest")
	if !IsIntegrityError(err) {
		t.Fatalf("expected *IntegrityError, got %v", err)
	}
}

func TestDownloadFloodWaitSleepStopsOnContextDone(t *testing.T) {
	c := &fakeClient{downloadResults: []downloadResult{
		{err: &FloodWaitError{Wait: 10 * time.Hour}}, // way over the 300s cap
		{n: 10, err: nil},
	}}
	s := New(c, 100, nil)

	// Can't wait out the real cap in a unit test; this only checks that the
	// call still completes because context cancellation cuts the flood-wait
	// sleep short.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ref := model.FileRef{RemoteKey: "1_2_3", SizeBytes: 10}
	err := s.Download(ctx, ref, "/tmp/dest")
	if err == nil {
		t.Fatal("expected context deadline to cut the flood-wait sleep short")
	}
}

func TestDownloadParsesRemoteKeyFirst(t *testing.T) {
	c := &fakeClient{}
	s := New(c, 100, nil)

	ref := model.FileRef{RemoteKey: "not-a-valid-key", SizeBytes: 10}
	if err := s.Download(context.Background(), ref, "/tmp/dest"); err == nil {
		t.Error("expected malformed remote key to fail before calling Client.Download")
	}
	if c.downloadCalls != 0 {
		t.Errorf("expected no download attempts for a malformed key, got %d", c.downloadCalls)
	}
}

func TestConnectDisconnectIdempotent(t *testing.T) {
	tc := NewTelegramClient(TelegramConfig{APIID: 1, APIHash: "h", Phone: "+10000000000"})
	s := New(tc, 100, nil)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
