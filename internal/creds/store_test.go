package creds

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetPairAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	pair := Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}
	if err := s.SetPair(pair, "alice"); err != nil {
		t.Fatalf("SetPair failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen: credentials survive the restart.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if got := s2.Pair(); got != pair {
		t.Errorf("Pair after reload = %+v, want %+v", got, pair)
	}
	if got := s2.Username(); got != "alice" {
		t.Errorf("Username after reload = %q, want alice", got)
	}
}

func TestStore_SetAccessTokenKeepsRefresh(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetPair(Pair{AccessToken: "acc-1", RefreshToken: "ref-1"}, "alice"); err != nil {
		t.Fatalf("SetPair failed: %v", err)
	}
	if err := s.SetAccessToken("acc-2"); err != nil {
		t.Fatalf("SetAccessToken failed: %v", err)
	}

	got := s.Pair()
	if got.AccessToken != "acc-2" {
		t.Errorf("AccessToken = %q, want acc-2", got.AccessToken)
	}
	if got.RefreshToken != "ref-1" {
		t.Errorf("RefreshToken = %q, want ref-1", got.RefreshToken)
	}
}

func TestStore_ClearWipesEverything(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetPair(Pair{AccessToken: "acc", RefreshToken: "ref"}, "alice"); err != nil {
		t.Fatalf("SetPair failed: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if !s.Pair().Empty() {
		t.Error("Pair should be empty after Clear")
	}
	if s.Username() != "" {
		t.Error("Username should be empty after Clear")
	}
}

func TestStore_WatchSignalsChanges(t *testing.T) {
	s := openTestStore(t)

	if err := s.SetPair(Pair{AccessToken: "acc", RefreshToken: "ref"}, "alice"); err != nil {
		t.Fatalf("SetPair failed: %v", err)
	}

	select {
	case <-s.Watch():
	case <-time.After(time.Second):
		t.Fatal("no watch signal after SetPair")
	}

	// Coalescing: several changes without a receive leave one signal.
	_ = s.SetAccessToken("acc-2")
	_ = s.SetAccessToken("acc-3")

	select {
	case <-s.Watch():
	case <-time.After(time.Second):
		t.Fatal("no watch signal after SetAccessToken")
	}
	select {
	case <-s.Watch():
		t.Fatal("watch signals should coalesce")
	default:
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing test token failed: %v", err)
	}

	got, err := AccessTokenExpiry(signed)
	if err != nil {
		t.Fatalf("AccessTokenExpiry failed: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}

	if _, err := AccessTokenExpiry("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}
