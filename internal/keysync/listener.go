// Package keysync subscribes to the crypto coordinator's event feed and
// turns new-session and verification events into backup triggers.
package keysync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bel-os/keysafe/internal/keybackup"
	"github.com/bel-os/keysafe/internal/megolm"
)

const (
	eventRoomKey        = "room_key"
	eventDeviceVerified = "device_verified"

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

type event struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type roomKeyEvent struct {
	RoomID            string            `json:"room_id"`
	SessionID         string            `json:"session_id"`
	SenderKey         string            `json:"sender_key"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain"`
	FirstKnownIndex   uint32            `json:"first_known_index"`
	SenderVerified    bool              `json:"sender_verified"`
}

// Listener feeds a backup engine from a websocket event stream.
type Listener struct {
	url    string
	engine *keybackup.Engine
	log    zerolog.Logger
	dialer *websocket.Dialer
}

// NewListener creates a listener for the feed at url.
func NewListener(url string, engine *keybackup.Engine, log zerolog.Logger) *Listener {
	return &Listener{
		url:    url,
		engine: engine,
		log:    log.With().Str("component", "keysync").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run connects and processes events until ctx is cancelled, reconnecting
// with exponential backoff on any failure.
func (l *Listener) Run(ctx context.Context) {
	delay := reconnectBaseDelay
	for {
		if err := l.runOnce(ctx); err != nil {
			l.log.Warn().Err(err).Dur("retry_in", delay).Msg("sync feed disconnected")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	l.log.Info().Str("url", l.url).Msg("connected to sync feed")

	// Close the connection when the context dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handle(message)
	}
}

func (l *Listener) handle(message []byte) {
	var evt event
	if err := json.Unmarshal(message, &evt); err != nil {
		l.log.Warn().Err(err).Msg("dropping malformed sync event")
		return
	}

	switch evt.Type {
	case eventRoomKey:
		var key roomKeyEvent
		if err := json.Unmarshal(evt.Content, &key); err != nil {
			l.log.Warn().Err(err).Msg("dropping malformed room_key event")
			return
		}
		if key.SessionID == "" || key.SessionKey == "" {
			l.log.Warn().Str("room_id", key.RoomID).Msg("dropping room_key event without key material")
			return
		}
		l.engine.OnSessionReceived(&megolm.GroupSession{
			RoomID:            key.RoomID,
			SessionID:         key.SessionID,
			SenderKey:         key.SenderKey,
			SessionKey:        key.SessionKey,
			SenderClaimedKeys: key.SenderClaimedKeys,
			ForwardingChain:   key.ForwardingChain,
			FirstKnownIndex:   key.FirstKnownIndex,
			SenderVerified:    key.SenderVerified,
		})
	case eventDeviceVerified:
		// A change in the verified device set can make a previously
		// untrusted backup usable.
		if !l.engine.IsEnabled() {
			go l.engine.CheckAndStartKeysBackup(context.Background())
		}
	default:
		// Other event types belong to other subsystems.
	}
}
