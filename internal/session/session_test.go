package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boltalka/internal/creds"
	"boltalka/internal/transport"
)

type mockTransport struct {
	mu        sync.Mutex
	connects  []string
	connected bool
	connectCh chan string
	failCh    chan struct{}
	dialErr   error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		connectCh: make(chan string, 16),
		failCh:    make(chan struct{}, 16),
	}
}

func (m *mockTransport) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialErr != nil {
		select {
		case m.failCh <- struct{}{}:
		default:
		}
		return m.dialErr
	}
	m.connects = append(m.connects, token)
	m.connected = true
	m.connectCh <- token
	return nil
}

func (m *mockTransport) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *mockTransport) Status() transport.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return transport.StatusConnected
	}
	return transport.StatusDisconnected
}

type mockRouter struct {
	mu     sync.Mutex
	clears int
}

func (m *mockRouter) Clear() {
	m.mu.Lock()
	m.clears++
	m.mu.Unlock()
}

func (m *mockRouter) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

func newTestSession(t *testing.T) (*Session, *creds.Store, *mockTransport, *mockRouter) {
	t.Helper()
	store, err := creds.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tr := newMockTransport()
	rt := &mockRouter{}
	sess := New(store, rt, tr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return sess, store, tr, rt
}

func waitConnect(t *testing.T, tr *mockTransport, wantToken string) {
	t.Helper()
	select {
	case token := <-tr.connectCh:
		require.Equal(t, wantToken, token)
	case <-time.After(2 * time.Second):
		t.Fatalf("no connect with token %q", wantToken)
	}
}

func TestSession_ConnectsWhenCredentialsAppear(t *testing.T) {
	sess, store, tr, _ := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	// No credentials yet: no connection.
	select {
	case <-tr.connectCh:
		t.Fatal("connected without credentials")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, store.SetPair(creds.Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}, "alice"))
	waitConnect(t, tr, "acc-1")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSession_RedialsOnTokenChange(t *testing.T) {
	sess, store, tr, _ := newTestSession(t)
	require.NoError(t, store.SetPair(creds.Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}, "alice"))
	// Drain the watch signal from the setup write so Run sees a clean state.
	select {
	case <-store.Watch():
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()
	waitConnect(t, tr, "acc-1")

	// A renewal replaces the access token: the session re-dials with it.
	require.NoError(t, store.SetAccessToken("acc-2"))
	waitConnect(t, tr, "acc-2")
}

func TestSession_ReconnectsAfterUnexpectedClosure(t *testing.T) {
	sess, store, tr, _ := newTestSession(t)
	require.NoError(t, store.SetPair(creds.Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}, "alice"))
	select {
	case <-store.Watch():
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()
	waitConnect(t, tr, "acc-1")

	tr.Close()
	sess.TransportDown(errors.New("connection reset"))

	// Backoff starts at one second.
	waitConnect(t, tr, "acc-1")
}

func TestSession_InvalidationTearsDownAndSignals(t *testing.T) {
	sess, store, tr, rt := newTestSession(t)
	require.NoError(t, store.SetPair(creds.Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}, "alice"))
	select {
	case <-store.Watch():
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()
	waitConnect(t, tr, "acc-1")

	// Terminal renewal failure clears the pair, as the rest client does.
	require.NoError(t, store.Clear())

	select {
	case <-sess.Invalidated():
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation signal")
	}

	require.Equal(t, transport.StatusDisconnected, tr.Status())
	require.GreaterOrEqual(t, rt.clearCount(), 1, "subscriptions must be cleared on teardown")

	// No reconnect while logged out.
	select {
	case <-tr.connectCh:
		t.Fatal("reconnected after invalidation")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_InvalidationDuringReconnectWait(t *testing.T) {
	sess, store, tr, rt := newTestSession(t)
	require.NoError(t, store.SetPair(creds.Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}, "alice"))
	select {
	case <-store.Watch():
	default:
	}

	tr.mu.Lock()
	tr.dialErr = errors.New("server unreachable")
	tr.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sess.Run(ctx) }()

	// Wait until the loop is parked between dial attempts.
	select {
	case <-tr.failCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no dial attempt")
	}

	require.NoError(t, store.Clear())

	select {
	case <-sess.Invalidated():
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation signal while disconnected")
	}
	require.GreaterOrEqual(t, rt.clearCount(), 1, "subscriptions must be cleared on teardown")

	// The loop stays parked instead of retrying with empty credentials.
	select {
	case <-tr.failCh:
		t.Fatal("dialed again after invalidation")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_LogoutClearsCredentials(t *testing.T) {
	sess, store, _, _ := newTestSession(t)
	require.NoError(t, store.SetPair(creds.Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}, "alice"))

	require.NoError(t, sess.Logout())
	require.True(t, store.Pair().Empty())
	require.Equal(t, "", store.Username())
}

func TestNextBackoff_Caps(t *testing.T) {
	b := initialBackoff
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
	}
	require.Equal(t, maxBackoff, b)
}
