// Package transport owns the single long-lived websocket connection.
// It dials with the current access token, feeds every inbound envelope
// to a sink in arrival order, and reports unexpected closure upward;
// reconnecting is the session's job, not the transport's.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"boltalka/internal/models"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
)

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

type Transport struct {
	wsURL string
	// sink receives every tagged inbound envelope in arrival order.
	sink func(models.Envelope)
	// onDown fires once per connection when it closes unexpectedly.
	onDown func(error)
	log    *slog.Logger

	dial func(ctx context.Context, rawURL string) (wsConn, error)

	mu   sync.Mutex
	conn wsConn
	// gen distinguishes the current connection from torn-down ones so a
	// stale read pump can neither deliver envelopes nor report closure.
	gen uint64

	// writeMu serializes writers without holding mu, which Status and
	// the read pump need while a write is in flight.
	writeMu sync.Mutex
}

func New(wsURL string, sink func(models.Envelope), onDown func(error), log *slog.Logger) *Transport {
	t := &Transport{
		wsURL:  wsURL,
		sink:   sink,
		onDown: onDown,
		log:    log,
	}
	t.dial = t.dialWebsocket
	return t
}

func (t *Transport) dialWebsocket(ctx context.Context, rawURL string) (wsConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, models.ErrAuthExpired
		}
		return nil, err
	}
	return conn, nil
}

// Connect establishes the connection using token as the handshake
// credential, tearing down any existing connection first. Exactly one
// physical connection is open per valid token.
func (t *Transport) Connect(ctx context.Context, token string) error {
	u, err := url.Parse(t.wsURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	conn, err := t.dial(ctx, u.String())
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.gen != gen {
		// Another Connect or Close won the race.
		t.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Info("transport connected")
	go t.readPump(conn, gen)
	return nil
}

func (t *Transport) readPump(conn wsConn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			current := t.gen == gen
			if current {
				t.conn = nil
			}
			t.mu.Unlock()
			if current {
				t.log.Info("transport disconnected", "error", err)
				if t.onDown != nil {
					t.onDown(err)
				}
			}
			return
		}

		env, err := models.ParseEnvelope(data)
		if err != nil {
			// Untagged or malformed frames are dropped, never routed.
			t.log.Warn("dropping inbound frame", "error", err)
			continue
		}

		t.mu.Lock()
		current := t.gen == gen
		t.mu.Unlock()
		if !current {
			return
		}
		t.sink(env)
	}
}

// Send writes one outbound frame. While disconnected it returns
// models.ErrNotConnected; frames are never queued.
func (t *Transport) Send(v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return models.ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return StatusDisconnected
	}
	return StatusConnected
}

// Close tears down the connection without an onDown callback.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
