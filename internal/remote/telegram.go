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
	"fmt"
	"sync"
)

// ErrNotImplemented marks a Client method whose wire protocol is not
// wired in this build.
var ErrNotImplemented = errors.New("remote: wire protocol not implemented")

// TelegramConfig names the credentials a concrete Telegram client needs.
// Field names mirror the ambient REMOTE_API_ID / REMOTE_API_HASH /
// REMOTE_PHONE configuration.
type TelegramConfig struct {
	APIID   int
	APIHash string
	Phone   string
}

// TelegramClient is a documented stub satisfying the Client contract with
// the shape a real MTProto client (e.g. gotd/td) would have: a session
// lifecycle, channel-name resolution, and an event/download surface. It
// holds no connection today, but the type exists so cmd/ingestor can
// construct a Source against something concrete without inventing a second
// contract later.
type TelegramClient struct {
	cfg TelegramConfig

	mu        sync.Mutex
	connected bool
}

// NewTelegramClient returns a TelegramClient configured with cfg. It does
// not connect; call Connect to establish a session.
func NewTelegramClient(cfg TelegramConfig) *TelegramClient {
	return &TelegramClient{cfg: cfg}
}

func (c *TelegramClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// TODO: start a gotd/td (or bot API) session using c.cfg.APIID/APIHash/
	// Phone, persisting the session file under the storage root so restarts
	// don't re-prompt for a login code.
	c.connected = true
	return nil
}

func (c *TelegramClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *TelegramClient) ResolveChannel(ctx context.Context, name string) (int64, string, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return 0, "", fmt.Errorf("remote: not connected")
	}
	// TODO: call the real client's entity-resolution RPC (e.g.
	// messages.ResolveUsername) and return its numeric id and title.
	return 0, "", fmt.Errorf("remote: resolve channel %q: %w", name, ErrNotImplemented)
}

func (c *TelegramClient) Events(ctx context.Context, channelIDs []int64) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		// TODO: subscribe to updates.NewMessage (or long-poll getUpdates for
		// the bot API), filter to channelIDs, and push an Event per document
		// attachment onto ch until ctx is cancelled.
		<-ctx.Done()
	}()
	return ch, nil
}

func (c *TelegramClient) Download(ctx context.Context, h MessageHandle, destPath string) (int64, error) {
	// TODO: call the real client's media-download RPC into destPath and
	// return the number of bytes written.
	return 0, fmt.Errorf("remote: download %s: %w", FormatRemoteKey(h), ErrNotImplemented)
}

var _ Client = (*TelegramClient)(nil)
