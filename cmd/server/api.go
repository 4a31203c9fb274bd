package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sleepy778/1.21.4eag/internal/auth"
	"github.com/sleepy778/1.21.4eag/internal/obs"
	"github.com/sleepy778/1.21.4eag/internal/ratelimit"
	"github.com/sleepy778/1.21.4eag/internal/session"
	"github.com/sleepy778/1.21.4eag/internal/web"
)

const stateCookie = "eag_oauth_state"

type loginRequest struct {
	Code         string `json:"code"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type loginResponse struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

type tokenResponse struct {
	DisplayName  string `json:"displayName"`
	UUID         string `json:"uuid"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// api serves the login boundary: it authenticates users and hands either a
// session id or the credentials themselves back to the browser.
type api struct {
	auth     auth.Authenticator
	registry session.Registry
	limiter  *ratelimit.Limiter
	state    *serverState
	origins  []string
	// self is the origin the API is served from, taken from the OAuth
	// redirect URI. The callback page posts there when no origin is
	// configured.
	self string
}

func (a *api) handler(debug bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", a.handleLogin)
	mux.HandleFunc("POST /login/token", a.handleLoginToken)
	mux.HandleFunc("GET /auth/login", a.handleAuthStart)
	mux.HandleFunc("GET /auth/callback", a.handleAuthCallback)
	mux.HandleFunc("DELETE /session/{id}", a.handleRevoke)
	var h http.Handler = mux
	if debug {
		h = requestlog.Wrap(h)
	}
	return h
}

// authenticate runs whichever flow the request names.
func (a *api) authenticate(ctx context.Context, req loginRequest) (auth.Profile, error) {
	switch {
	case req.Code != "":
		return a.auth.Exchange(ctx, req.Code)
	case req.RefreshToken != "":
		return a.auth.Refresh(ctx, req.RefreshToken)
	case req.AccessToken != "":
		return a.auth.Authenticate(ctx, req.AccessToken)
	}
	return auth.Profile{}, auth.ErrAuthenticationFailed
}

// admit applies the per-address login limit and checks that login is
// configured. It writes the response when the request may not proceed.
func (a *api) admit(w http.ResponseWriter, r *http.Request) bool {
	if a.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "Login not configured")
		return false
	}
	if !a.limiter.Allow(remoteIP(r)) {
		obs.LoginsTotal.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

func (a *api) decode(w http.ResponseWriter, r *http.Request) (loginRequest, bool) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return req, false
	}
	return req, true
}

// handleLogin is the registry pattern: credentials stay on the server and
// the browser gets an opaque session id.
func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.admit(w, r) {
		return
	}
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	p, err := a.authenticate(r.Context(), req)
	if err != nil {
		a.authFailed(w, r, err)
		return
	}
	id, err := a.register(r.Context(), p)
	if err != nil {
		obs.Error("login.register", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("registry_register").Inc()
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{SessionID: id, DisplayName: p.DisplayName})
}

// handleLoginToken is the immediate credentials pattern: the browser holds
// the access token and sends it in its connect request.
func (a *api) handleLoginToken(w http.ResponseWriter, r *http.Request) {
	if !a.admit(w, r) {
		return
	}
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	p, err := a.authenticate(r.Context(), req)
	if err != nil {
		a.authFailed(w, r, err)
		return
	}
	a.state.loginSucceeded()
	obs.LoginsTotal.WithLabelValues("ok").Inc()
	obs.Info("login.token", obs.Fields{"user": p.DisplayName})
	writeJSON(w, http.StatusOK, tokenResponse{
		DisplayName:  p.DisplayName,
		UUID:         p.UUID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
	})
}

func (a *api) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if !a.admit(w, r) {
		return
	}
	if len(a.postOrigins()) == 0 {
		obs.Warn("login.origin.missing", obs.Fields{"remote": remoteIP(r)})
		writeError(w, http.StatusServiceUnavailable, "Login origin not configured")
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	state := hex.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.auth.AuthCodeURL(state), http.StatusFound)
}

// handleAuthCallback finishes the redirect flow and hands the session id to
// the window that opened the login popup.
func (a *api) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "Login not configured")
		return
	}
	page := map[string]any{"Title": "Sign in", "Origins": a.postOrigins()}
	fail := func(status int, msg string) {
		page["Error"] = msg
		page["Message"] = map[string]string{"error": msg}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_ = web.Render(w, "callback", page)
	}
	c, err := r.Cookie(stateCookie)
	state := r.URL.Query().Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(state)) != 1 {
		fail(http.StatusBadRequest, "Login expired, please try again")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth", MaxAge: -1})
	if e := r.URL.Query().Get("error"); e != "" {
		obs.LoginsTotal.WithLabelValues("denied").Inc()
		fail(http.StatusUnauthorized, "Auth failed")
		return
	}
	p, err := a.auth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		a.logAuthFailure(r, err)
		fail(http.StatusUnauthorized, "Auth failed")
		return
	}
	id, err := a.register(r.Context(), p)
	if err != nil {
		obs.Error("login.register", obs.Fields{"err": err.Error()})
		fail(http.StatusInternalServerError, "Login failed")
		return
	}
	page["DisplayName"] = p.DisplayName
	page["Message"] = loginResponse{SessionID: id, DisplayName: p.DisplayName}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := web.Render(w, "callback", page); err != nil {
		obs.Error("callback.render", obs.Fields{"err": err.Error()})
	}
}

func (a *api) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.registry.Revoke(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Invalid session")
	case err != nil:
		obs.Error("session.revoke", obs.Fields{"session": session.ShortID(id), "err": err.Error()})
		writeError(w, http.StatusInternalServerError, "Revoke failed")
	default:
		obs.Info("session.revoked", obs.Fields{"session": session.ShortID(id)})
		w.WriteHeader(http.StatusNoContent)
	}
}

// register stores p under a fresh session id.
func (a *api) register(ctx context.Context, p auth.Profile) (string, error) {
	for attempt := 0; ; attempt++ {
		id, err := session.NewID()
		if err != nil {
			return "", err
		}
		err = a.registry.Register(ctx, session.Record{
			ID:          id,
			DisplayName: p.DisplayName,
			UUID:        p.UUID,
			AccessToken: p.AccessToken,
			CreatedAt:   time.Now().UTC(),
		})
		if errors.Is(err, session.ErrDuplicateSession) && attempt < 2 {
			continue
		}
		if err != nil {
			return "", err
		}
		a.state.loginSucceeded()
		obs.LoginsTotal.WithLabelValues("ok").Inc()
		obs.Info("login.registered", obs.Fields{"session": session.ShortID(id), "user": p.DisplayName})
		return id, nil
	}
}

func (a *api) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	a.logAuthFailure(r, err)
	writeError(w, http.StatusUnauthorized, "Auth failed")
}

func (a *api) logAuthFailure(r *http.Request, err error) {
	obs.LoginsTotal.WithLabelValues("failed").Inc()
	obs.Info("login.failed", obs.Fields{"remote": remoteIP(r), "err": err.Error()})
}

// postOrigins lists the origins the callback page may post the session id
// to. A wildcard is never one of them.
func (a *api) postOrigins() []string {
	var out []string
	for _, o := range a.origins {
		if o != "*" && o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 && a.self != "" {
		out = append(out, a.self)
	}
	return out
}

// originOf returns scheme://host of raw, or "" when raw is not absolute.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
