package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skyforge-ai/antigravity-gateway/internal/httpclient"
)

// DefaultOAuthTokenURL is the Google OAuth2 token endpoint the Cloud-Code
// vendor's refresh tokens are exchanged against.
const DefaultOAuthTokenURL = "https://oauth2.googleapis.com/token"

// OAuthRefresher builds RefreshFunc values that exchange an Account's
// stored refresh token for a fresh access token via a standard OAuth2
// refresh_token grant.
type OAuthRefresher struct {
	http         *httpclient.Client
	tokenURL     string
	clientID     string
	clientSecret string
}

// NewOAuthRefresher builds an OAuthRefresher for the given client
// credentials. An empty tokenURL defaults to DefaultOAuthTokenURL.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string) *OAuthRefresher {
	if tokenURL == "" {
		tokenURL = DefaultOAuthTokenURL
	}
	return &OAuthRefresher{
		http:         httpclient.NewClient(httpclient.Config{Timeout: 15 * time.Second}),
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

type oauthTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Refresh implements RefreshFunc: a refresh_token grant against the
// configured token endpoint.
func (r *OAuthRefresher) Refresh(ctx context.Context, acct *Account) (TokenEntry, error) {
	if acct.RefreshToken == "" {
		return TokenEntry{}, fmt.Errorf("account %s has no refresh token", acct.DisplayName())
	}

	form := fmt.Sprintf(
		"grant_type=refresh_token&refresh_token=%s&client_id=%s&client_secret=%s",
		url.QueryEscape(acct.RefreshToken), url.QueryEscape(r.clientID), url.QueryEscape(r.clientSecret),
	)

	resp, err := r.http.Do(ctx, httpclient.Request{
		Method:          http.MethodPost,
		BaseURLOverride: r.tokenURL,
		Body:            strings.NewReader(form),
		Headers:         map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
	})
	if err != nil {
		return TokenEntry{}, fmt.Errorf("oauth refresh request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TokenEntry{}, fmt.Errorf("oauth refresh rejected (%d): %s", resp.StatusCode, string(resp.Body))
	}

	var decoded oauthTokenResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return TokenEntry{}, fmt.Errorf("malformed oauth token response: %w", err)
	}
	if decoded.AccessToken == "" {
		return TokenEntry{}, fmt.Errorf("oauth token response missing access_token")
	}

	expiresAtMs := NowMs() + decoded.ExpiresIn*1000
	return TokenEntry{AccessToken: decoded.AccessToken, ExpiresAtMs: expiresAtMs}, nil
}
