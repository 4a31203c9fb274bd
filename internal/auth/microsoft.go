package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/obs"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Endpoints of the token chain after the OAuth step.
type Endpoints struct {
	XboxUser  string
	XSTS      string
	GameLogin string
	Profile   string
}

var DefaultEndpoints = Endpoints{
	XboxUser:  "https://user.auth.xboxlive.com/user/authenticate",
	XSTS:      "https://xsts.auth.xboxlive.com/xsts/authorize",
	GameLogin: "https://api.minecraftservices.com/authentication/login_with_xbox",
	Profile:   "https://api.minecraftservices.com/minecraft/profile",
}

type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes default to XboxLive.signin and offline_access.
	Scopes []string
	// OAuth defaults to the Azure AD consumers tenant.
	OAuth oauth2.Endpoint
	// Endpoints default to DefaultEndpoints.
	Endpoints  Endpoints
	HTTPClient *http.Client
}

// Microsoft logs in through Microsoft OAuth, Xbox Live, XSTS and the game
// services login.
type Microsoft struct {
	oauth     *oauth2.Config
	endpoints Endpoints
	client    *http.Client
}

var _ Authenticator = (*Microsoft)(nil)

func NewMicrosoft(cfg MicrosoftConfig) *Microsoft {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"XboxLive.signin", "offline_access"}
	}
	if cfg.OAuth.TokenURL == "" {
		cfg.OAuth = microsoft.AzureADEndpoint("consumers")
	}
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Microsoft{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.OAuth,
		},
		endpoints: cfg.Endpoints,
		client:    cfg.HTTPClient,
	}
}

func (m *Microsoft) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

func (m *Microsoft) Exchange(ctx context.Context, code string) (Profile, error) {
	tok, err := m.oauth.Exchange(m.withClient(ctx), code)
	if err != nil {
		return Profile{}, fail("code exchange", err)
	}
	return m.chain(ctx, tok.AccessToken, tok.RefreshToken)
}

func (m *Microsoft) Authenticate(ctx context.Context, providerToken string) (Profile, error) {
	if providerToken == "" {
		return Profile{}, fail("provider token", errors.New("empty"))
	}
	return m.chain(ctx, providerToken, "")
}

func (m *Microsoft) Refresh(ctx context.Context, refreshToken string) (Profile, error) {
	ts := m.oauth.TokenSource(m.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return Profile{}, fail("refresh", err)
	}
	rt := tok.RefreshToken
	if rt == "" {
		rt = refreshToken
	}
	return m.chain(ctx, tok.AccessToken, rt)
}

func (m *Microsoft) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

type xboxRequest struct {
	Properties   map[string]any `json:"Properties"`
	RelyingParty string         `json:"RelyingParty"`
	TokenType    string         `json:"TokenType"`
}

type xboxResponse struct {
	Token         string `json:"Token"`
	DisplayClaims struct {
		Xui []struct {
			UHS string `json:"uhs"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
	XErr int64 `json:"XErr"`
}

func (r xboxResponse) userHash() string {
	if len(r.DisplayClaims.Xui) == 0 {
		return ""
	}
	return r.DisplayClaims.Xui[0].UHS
}

type gameLoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type profileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (m *Microsoft) chain(ctx context.Context, msToken, refreshToken string) (Profile, error) {
	var xbl xboxResponse
	err := m.postJSON(ctx, m.endpoints.XboxUser, "", xboxRequest{
		Properties: map[string]any{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + msToken,
		},
		RelyingParty: "http://auth.xboxlive.com",
		TokenType:    "JWT",
	}, &xbl)
	if err != nil {
		return Profile{}, fail("xbox user token", err)
	}

	var xsts xboxResponse
	err = m.postJSON(ctx, m.endpoints.XSTS, "", xboxRequest{
		Properties: map[string]any{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{xbl.Token},
		},
		RelyingParty: "rp://api.minecraftservices.com/",
		TokenType:    "JWT",
	}, &xsts)
	if err != nil {
		return Profile{}, fail("xsts token", err)
	}
	uhs := xsts.userHash()
	if uhs == "" {
		uhs = xbl.userHash()
	}
	if xsts.Token == "" || uhs == "" {
		return Profile{}, fail("xsts token", fmt.Errorf("missing token or user hash (XErr %d)", xsts.XErr))
	}

	var game gameLoginResponse
	err = m.postJSON(ctx, m.endpoints.GameLogin, "", map[string]string{
		"identityToken": fmt.Sprintf("XBL3.0 x=%s;%s", uhs, xsts.Token),
	}, &game)
	if err != nil {
		return Profile{}, fail("game login", err)
	}
	if game.AccessToken == "" {
		return Profile{}, fail("game login", errors.New("no access token"))
	}

	var prof profileResponse
	if err := m.getJSON(ctx, m.endpoints.Profile, game.AccessToken, &prof); err != nil {
		return Profile{}, fail("profile", err)
	}
	if prof.Name == "" {
		return Profile{}, fail("profile", errors.New("account owns no game profile"))
	}
	obs.Debug("auth.chain.ok", obs.Fields{"user": prof.Name})
	p := Profile{
		DisplayName:  prof.Name,
		UUID:         prof.ID,
		AccessToken:  game.AccessToken,
		RefreshToken: refreshToken,
	}
	if game.ExpiresIn > 0 {
		p.ExpiresAt = time.Now().Add(time.Duration(game.ExpiresIn) * time.Second)
	}
	return p, nil
}

func (m *Microsoft) postJSON(ctx context.Context, url, bearer string, body, out any) error {
	return postJSON(ctx, m.client, url, bearer, body, out)
}

func (m *Microsoft) getJSON(ctx context.Context, url, bearer string, out any) error {
	return getJSON(ctx, m.client, url, bearer, out)
}

func postJSON(ctx context.Context, c *http.Client, url, bearer string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(c, req, bearer, out)
}

func getJSON(ctx context.Context, c *http.Client, url, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(c, req, bearer, out)
}

// do sends req and decodes a JSON answer into out. An empty body, as in a
// 204, leaves out untouched.
func do(c *http.Client, req *http.Request, bearer string, out any) error {
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func fail(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, step, err)
}
