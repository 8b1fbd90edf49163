package creds

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.etcd.io/bbolt"
)

var bucketCredentials = []byte("credentials")

// Pair is the credential pair attached to authenticated calls: the
// short-lived access token and the longer-lived refresh token used
// only to mint a new access token.
type Pair struct {
	AccessToken  string
	RefreshToken string
}

func (p Pair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Store holds the credential pair and local username, persisted in a
// bbolt file so they survive restarts but not an explicit logout.
// It is the single source of truth for the access token shared by the
// request client and the transport; Watch signals every change so the
// session can re-dial with the new token.
type Store struct {
	db *bbolt.DB

	mu       sync.RWMutex
	pair     Pair
	username string

	watch chan struct{}
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{
		db:    db,
		watch: make(chan struct{}, 1),
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		rec := &DBCredentials{}
		data := tx.Bucket(bucketCredentials).Get(rec.Key())
		if data == nil {
			return nil
		}
		if err := rec.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to decode stored credentials: %w", err)
		}
		s.pair = Pair{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken}
		s.username = rec.Username
		return nil
	})
}

func (s *Store) persist(rec *DBCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCredentials).Put(rec.Key(), data)
	})
}

// Pair returns the current credential pair.
func (s *Store) Pair() Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// Username returns the local username, empty when logged out.
func (s *Store) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetPair replaces the whole credential pair and username, as after a
// successful login.
func (s *Store) SetPair(pair Pair, username string) error {
	s.mu.Lock()
	s.pair = pair
	s.username = username
	s.mu.Unlock()

	if err := s.persist(&DBCredentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Username:     username,
	}); err != nil {
		return err
	}

	s.notify()
	return nil
}

// SetAccessToken replaces only the access token, as after a renewal.
// The refresh token and username are kept.
func (s *Store) SetAccessToken(token string) error {
	s.mu.Lock()
	s.pair.AccessToken = token
	rec := &DBCredentials{
		AccessToken:  s.pair.AccessToken,
		RefreshToken: s.pair.RefreshToken,
		Username:     s.username,
	}
	s.mu.Unlock()

	if err := s.persist(rec); err != nil {
		return err
	}

	s.notify()
	return nil
}

// Clear wipes the credential pair and username, both in memory and on
// disk. Used on logout and on terminal renewal failure.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.pair = Pair{}
	s.username = ""
	s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec := &DBCredentials{}
		return tx.Bucket(bucketCredentials).Delete(rec.Key())
	})
	if err != nil {
		return err
	}

	s.notify()
	return nil
}

// Watch returns a channel that receives a signal after every credential
// change. Signals are coalesced; receivers must re-read Pair.
func (s *Store) Watch() <-chan struct{} {
	return s.watch
}

func (s *Store) notify() {
	select {
	case s.watch <- struct{}{}:
	default:
	}
}

// AccessTokenExpiry extracts the expiry claim from an access token
// without verifying its signature; verification is the server's job,
// the client only needs the timestamp for logging and renewal hints.
func AccessTokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("access token has no expiry claim")
	}
	return claims.ExpiresAt.Time, nil
}
