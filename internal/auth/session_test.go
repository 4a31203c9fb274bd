package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeSessions keeps joins in memory the way the session service does.
type fakeSessions struct {
	mu     sync.Mutex
	joined map[string]string // name -> server hash
}

func (f *fakeSessions) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer mc-at" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "0123456789abcdef0123456789abcdef", "name": "Steve"})
	})
	mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AccessToken != "mc-at" || req.SelectedProfile != "0123456789abcdef0123456789abcdef" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.mu.Lock()
		f.joined["Steve"] = req.ServerID
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/hasJoined", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mu.Lock()
		hash, ok := f.joined[q.Get("username")]
		f.mu.Unlock()
		if !ok || hash != q.Get("serverId") {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "0123456789abcdef0123456789abcdef", "name": q.Get("username")})
	})
	return mux
}

func newSessionService(t *testing.T) *SessionService {
	t.Helper()
	f := &fakeSessions{joined: map[string]string{}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewSessionService(SessionEndpoints{
		Join:      srv.URL + "/join",
		HasJoined: srv.URL + "/hasJoined",
		Profile:   srv.URL + "/profile",
	}, srv.Client())
}

func TestJoinThenHasJoined(t *testing.T) {
	s := newSessionService(t)
	ctx := context.Background()

	if _, ok, err := s.HasJoined(ctx, "Steve", "-1f2e"); err != nil || ok {
		t.Fatalf("before join: ok=%v err=%v", ok, err)
	}
	if err := s.Join(ctx, "mc-at", "01234567-89ab-cdef-0123-456789abcdef", "-1f2e"); err != nil {
		t.Fatalf("join: %v", err)
	}
	prof, ok, err := s.HasJoined(ctx, "Steve", "-1f2e")
	if err != nil || !ok || prof.Name != "Steve" {
		t.Fatalf("has joined = %+v %v %v", prof, ok, err)
	}
	if _, ok, _ := s.HasJoined(ctx, "Steve", "other"); ok {
		t.Fatal("join matched another server hash")
	}
}

func TestJoinLooksUpProfile(t *testing.T) {
	s := newSessionService(t)
	if err := s.Join(context.Background(), "mc-at", "", "abc"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok, _ := s.HasJoined(context.Background(), "Steve", "abc"); !ok {
		t.Fatal("join not recorded")
	}
}

func TestJoinFailureHidesToken(t *testing.T) {
	s := newSessionService(t)
	err := s.Join(context.Background(), "stolen-token", "0123456789abcdef0123456789abcdef", "abc")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v, want ErrAuthenticationFailed", err)
	}
	if strings.Contains(err.Error(), "stolen-token") {
		t.Fatalf("error leaks the token: %v", err)
	}
	if err := s.Join(context.Background(), "", "x", "abc"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("empty token err = %v", err)
	}
}
