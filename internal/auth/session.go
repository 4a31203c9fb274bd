package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/obs"
)

// SessionEndpoints of the game session service.
type SessionEndpoints struct {
	Join      string
	HasJoined string
	// Profile resolves the profile id of an access token when the caller
	// does not know it.
	Profile string
}

var DefaultSessionEndpoints = SessionEndpoints{
	Join:      "https://sessionserver.mojang.com/session/minecraft/join",
	HasJoined: "https://sessionserver.mojang.com/session/minecraft/hasJoined",
	Profile:   DefaultEndpoints.Profile,
}

// SessionService announces joins to the session service. It is the only
// place a game access token is sent after login; game servers see the
// server hash and check it with HasJoined.
type SessionService struct {
	endpoints SessionEndpoints
	client    *http.Client
}

// NewSessionService uses DefaultSessionEndpoints when e is zero and a 15s
// client when c is nil.
func NewSessionService(e SessionEndpoints, c *http.Client) *SessionService {
	if e == (SessionEndpoints{}) {
		e = DefaultSessionEndpoints
	}
	if c == nil {
		c = &http.Client{Timeout: 15 * time.Second}
	}
	return &SessionService{endpoints: e, client: c}
}

type joinRequest struct {
	AccessToken     string `json:"accessToken"`
	SelectedProfile string `json:"selectedProfile"`
	ServerID        string `json:"serverId"`
}

// Join records that the holder of accessToken is joining the server with
// serverHash. An empty profileID is looked up first.
func (s *SessionService) Join(ctx context.Context, accessToken, profileID, serverHash string) error {
	if accessToken == "" {
		return fail("join", errors.New("no access token"))
	}
	if profileID == "" {
		var prof profileResponse
		if err := getJSON(ctx, s.client, s.endpoints.Profile, accessToken, &prof); err != nil {
			return fail("profile", err)
		}
		if prof.ID == "" {
			return fail("profile", errors.New("account owns no game profile"))
		}
		profileID = prof.ID
	}
	err := postJSON(ctx, s.client, s.endpoints.Join, "", joinRequest{
		AccessToken:     accessToken,
		SelectedProfile: strings.ReplaceAll(profileID, "-", ""),
		ServerID:        serverHash,
	}, nil)
	if err != nil {
		return fail("join", err)
	}
	obs.Debug("auth.join.ok", obs.Fields{"profile": profileID})
	return nil
}

// JoinedProfile is what the session service reports for a verified join.
type JoinedProfile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HasJoined asks whether username announced a join for serverHash. The
// service answers an unknown join with an empty body.
func (s *SessionService) HasJoined(ctx context.Context, username, serverHash string) (JoinedProfile, bool, error) {
	q := url.Values{"username": {username}, "serverId": {serverHash}}
	var prof JoinedProfile
	if err := getJSON(ctx, s.client, s.endpoints.HasJoined+"?"+q.Encode(), "", &prof); err != nil {
		return JoinedProfile{}, false, fail("has joined", err)
	}
	return prof, prof.ID != "", nil
}
