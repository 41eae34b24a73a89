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

package dedup

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"ingestor/internal/model"
)

type fakeRepo struct {
	byRemote map[string]bool
	byHash   map[string]bool
	err      error
}

func (f *fakeRepo) ExistsByRemoteID(_ context.Context, remoteKey string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.byRemote[remoteKey], nil
}

func (f *fakeRepo) ExistsByFingerprint(_ context.Context, fingerprint string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.byHash[fingerprint], nil
}

type fakeHasher struct {
	fixed string
	err   error
}

func (h *fakeHasher) Hash(r io.Reader) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	return h.fixed, nil
}

func TestShouldProcessByRemoteID(t *testing.T) {
	repo := &fakeRepo{byRemote: map[string]bool{"seen": true}}
	d := New(repo, &fakeHasher{fixed: "x"})

	should, err := d.ShouldProcessByRemoteID(context.Background(), model.FileRef{RemoteKey: "seen"})
	if err != nil || should {
		t.Fatalf("ShouldProcessByRemoteID(seen) = %v, %v; want false, nil", should, err)
	}

	should, err = d.ShouldProcessByRemoteID(context.Background(), model.FileRef{RemoteKey: "new"})
	if err != nil || !should {
		t.Fatalf("ShouldProcessByRemoteID(new) = %v, %v; want true, nil", should, err)
	}
}

func TestShouldProcessByContent(t *testing.T) {
	repo := &fakeRepo{byHash: map[string]bool{"dup-hash": true}}

	d := New(repo, &fakeHasher{fixed: "dup-hash"})
	should, fp, err := d.ShouldProcessByContent(context.Background(), strings.NewReader("payload"))
	if err != nil || should || fp != "dup-hash" {
		t.Fatalf("ShouldProcessByContent(dup) = %v, %v, %v; want false, dup-hash, nil", should, fp, err)
	}

	d = New(repo, &fakeHasher{fixed: "fresh-hash"})
	should, fp, err = d.ShouldProcessByContent(context.Background(), strings.NewReader("payload"))
	if err != nil || !should || fp != "fresh-hash" {
		t.Fatalf("ShouldProcessByContent(fresh) = %v, %v, %v; want true, fresh-hash, nil", should, fp, err)
	}
}

func TestShouldProcessByContentPropagatesHashError(t *testing.T) {
	d := New(&fakeRepo{}, &fakeHasher{err: errors.New("boom")})
	if _, _, err := d.ShouldProcessByContent(context.Background(), strings.NewReader("x")); err == nil {
		t.Error("expected hash error to propagate")
	}
}

func TestShouldProcessByRemoteIDPropagatesRepoError(t *testing.T) {
	d := New(&fakeRepo{err: errors.New("db down")}, &fakeHasher{fixed: "x"})
	if _, err := d.ShouldProcessByRemoteID(context.Background(), model.FileRef{RemoteKey: "k"}); err == nil {
		t.Error("expected repo error to propagate")
	}
}
