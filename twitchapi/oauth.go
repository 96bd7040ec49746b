package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const idTokenURL = "https://id.twitch.tv/oauth2/token"

// UserTokenGrant is the token response from id.twitch.tv for the
// authorization_code and refresh_token grants; both return the same shape.
// The relay persists it in oauth_tokens and feeds the access token to the IRC
// client and Helix.
type UserTokenGrant struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ScopeString flattens the granted scopes into the space-separated form the
// oauth_tokens scope column stores.
func (g *UserTokenGrant) ScopeString() string {
	return strings.Join(g.Scope, " ")
}

// OAuthConfig holds the app credentials for the user-token grants the relay's
// bot identity runs on. RedirectURI is only needed for the one-time code
// grant; HTTPClient defaults to http.DefaultClient.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	HTTPClient   *http.Client
}

// AuthorizeURL builds the URL an operator opens to authorize the bot account.
// Scopes may be space or comma separated.
func (c *OAuthConfig) AuthorizeURL(scopes, state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing client id or redirect uri")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", c.ClientID)
	v.Set("redirect_uri", c.RedirectURI)
	if scopes != "" {
		v.Set("scope", strings.TrimSpace(strings.ReplaceAll(scopes, ",", " ")))
	}
	if state != "" {
		v.Set("state", state)
	}
	return "https://id.twitch.tv/oauth2/authorize?" + v.Encode(), nil
}

// Exchange trades the code from the authorize redirect for the bot's first
// token grant.
func (c *OAuthConfig) Exchange(ctx context.Context, code string) (*UserTokenGrant, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" || c.RedirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.RedirectURI)
	return c.grant(ctx, "auth code exchange", form)
}

// Refresh exchanges a refresh token for a fresh grant. The refresh loop calls
// this shortly before the stored access token expires.
func (c *OAuthConfig) Refresh(ctx context.Context, refreshToken string) (*UserTokenGrant, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing client id/secret/refresh token")
	}
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.grant(ctx, "refresh", form)
}

func (c *OAuthConfig) grant(ctx context.Context, op string, form url.Values) (*UserTokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, idTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(op, resp)
	}
	var g UserTokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, err
	}
	if g.AccessToken == "" {
		return nil, errors.New("empty access_token in twitch response")
	}
	return &g, nil
}

// ComputeExpiry returns the absolute expiry for an expires_in value,
// defaulting to an hour out when the response omits it.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
