// Package session ties the credential store, the transport and the
// event router into one explicitly constructed lifecycle: connect while
// a credential pair exists, re-dial when the access token changes,
// tear everything down when the session is invalidated or logged out.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"boltalka/internal/creds"
	"boltalka/internal/models"
	"boltalka/internal/transport"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Transport is the connection-lifecycle slice of the session transport.
type Transport interface {
	Connect(ctx context.Context, token string) error
	Close()
	Status() transport.Status
}

// Router is the registry slice the session clears on teardown.
type Router interface {
	Clear()
}

type Session struct {
	creds  *creds.Store
	router Router
	tr     Transport
	log    *slog.Logger

	down        chan struct{}
	invalidated chan struct{}
}

func New(store *creds.Store, rt Router, tr Transport, log *slog.Logger) *Session {
	return &Session{
		creds:       store,
		router:      rt,
		tr:          tr,
		log:         log,
		down:        make(chan struct{}, 1),
		invalidated: make(chan struct{}, 1),
	}
}

// TransportDown is the transport's unexpected-closure callback.
func (s *Session) TransportDown(err error) {
	select {
	case s.down <- struct{}{}:
	default:
	}
}

// Invalidated signals that the credential pair disappeared while the
// session was running: renewal failed terminally or the user logged
// out. The collaborator must return to an unauthenticated view.
func (s *Session) Invalidated() <-chan struct{} {
	return s.invalidated
}

// Logout clears the persisted credentials and tears the session down.
func (s *Session) Logout() error {
	return s.creds.Clear()
}

// Run owns the connection until ctx is done. It dials whenever a valid
// access token is present, re-dials on token change, and reconnects
// after unexpected closure with capped exponential backoff.
func (s *Session) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		pair := s.creds.Pair()
		if pair.AccessToken == "" {
			s.disconnect()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.creds.Watch():
				s.checkInvalidated()
				continue
			}
		}

		if expiry, err := creds.AccessTokenExpiry(pair.AccessToken); err == nil {
			s.log.Info("establishing session", "token_expires", expiry)
		}

		if err := s.tr.Connect(ctx, pair.AccessToken); err != nil {
			if errors.Is(err, models.ErrAuthExpired) {
				// The next credentialed REST call renews the token and
				// the watch below wakes us with the fresh one.
				s.log.Info("handshake rejected, waiting for renewed token")
			} else {
				s.log.Error("connect failed", "error", err, "retry_in", backoff)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.creds.Watch():
				if s.checkInvalidated() {
					continue
				}
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case <-s.creds.Watch():
			if s.checkInvalidated() {
				continue
			}
			// Access token changed: loop re-dials, Connect tears the
			// old connection down first.
			s.log.Info("access token changed, reconnecting")
			continue
		case <-s.down:
			s.log.Info("connection lost, reconnecting", "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}
	}
}

func (s *Session) disconnect() {
	if s.tr.Status() == transport.StatusConnected {
		s.tr.Close()
	}
}

// teardown is the full stop: connection closed and subscriptions
// cleared. Reserved for logout, terminal invalidation and shutdown.
func (s *Session) teardown() {
	s.disconnect()
	s.router.Clear()
}

// checkInvalidated runs after every credential-watch wake-up, whatever
// state the loop is in: a pair that vanished mid-wait still means
// terminal invalidation or logout.
func (s *Session) checkInvalidated() bool {
	if !s.creds.Pair().Empty() {
		return false
	}
	s.teardown()
	s.signalInvalidated()
	return true
}

func (s *Session) signalInvalidated() {
	select {
	case s.invalidated <- struct{}{}:
	default:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
