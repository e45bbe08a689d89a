// Package oauthflow implements OAuth 2.0 Device Authorization Grant (RFC
// 8628) with PKCE (S256), per §4.2. The device-code/poll/refresh requests
// are hand-rolled against net/http + url.Values rather than
// golang.org/x/oauth2's DeviceAuth/DeviceAccessToken helpers: §4.2's poll
// loop needs an exact attempt cap (ceil(expires_in/interval)+5) and its
// own RFC 8628 slow_down back-off multiplier, neither of which the
// library's device-flow helper exposes to a caller.
package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	routecodex "github.com/routecodex/routecodex/internal"
)

// Endpoint names the device-code, token, and refresh URLs for one
// provider's OAuth server.
type Endpoint struct {
	AuthURL       string
	TokenURL      string
	DeviceAuthURL string
}

// Config describes one provider's device-flow client.
type Config struct {
	ClientID string
	Endpoint Endpoint
	Scopes   []string
	// HTTPClient is used for all requests; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// DeviceCodeResponse is RFC 8628's device authorization response.
type DeviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// PKCE generates an S256 PKCE verifier/challenge pair (invariant #2: §8).
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE produces a 32-random-byte base64url verifier and its S256
// challenge.
func NewPKCE() (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("oauthflow: generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// RequestDeviceCode requests a device code from the provider's device
// authorization endpoint.
func (c *Config) RequestDeviceCode(ctx context.Context, codeChallenge string) (*DeviceCodeResponse, error) {
	form := url.Values{
		"client_id":             {c.ClientID},
		"scope":                 {strings.Join(c.Scopes, " ")},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint.DeviceAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: build device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: device code request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: read device code response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, routecodex.NewError(routecodex.CodeOAuthTimeout, "device code request failed").
			WithStatus(resp.StatusCode).WithDetail("body", string(body))
	}

	var dc DeviceCodeResponse
	if err := json.Unmarshal(body, &dc); err != nil {
		return nil, fmt.Errorf("oauthflow: parse device code response: %w", err)
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

// tokenErrorResponse is the RFC 8628 error envelope returned by the token
// endpoint while the user hasn't finished authorizing, or on failure.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type tokenSuccessResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
}

// pollAttemptCap implements §8's boundary behavior: the poll loop halts
// exactly at ceil(expires_in/interval)+5 attempts.
func pollAttemptCap(expiresIn, interval int) int {
	if interval <= 0 {
		interval = 1
	}
	return int(math.Ceil(float64(expiresIn)/float64(interval))) + 5
}

// PollForToken polls the token endpoint at max(interval,1)s cadence until
// the user authorizes, the device code expires, or the attempt cap (§8) is
// reached.
func (c *Config) PollForToken(ctx context.Context, dc *DeviceCodeResponse, codeVerifier string) (*routecodex.TokenStorage, error) {
	interval := dc.Interval
	if interval < 1 {
		interval = 1
	}
	wait := time.Duration(interval) * time.Second
	maxAttempts := pollAttemptCap(dc.ExpiresIn, interval)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		tok, slowDown, err := c.pollOnce(ctx, dc.DeviceCode, codeVerifier)
		if err != nil {
			return nil, err
		}
		if tok != nil {
			return tok, nil
		}
		if slowDown {
			wait = SlowDownInterval(wait)
		}
	}
	return nil, routecodex.NewError(routecodex.CodeOAuthTimeout, "device code expired without authorization").
		WithDetail("attempts", maxAttempts)
}

// pollOnce makes a single token poll. It returns (token, false, nil) on
// success, (nil, slowDown, nil) to keep polling (slowDown true means the
// caller should apply RFC 8628's 1.5x back-off), or a non-nil error for a
// permanent failure.
func (c *Config) pollOnce(ctx context.Context, deviceCode, codeVerifier string) (*routecodex.TokenStorage, bool, error) {
	form := url.Values{
		"client_id":     {c.ClientID},
		"device_code":   {deviceCode},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"code_verifier": {codeVerifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, false, fmt.Errorf("oauthflow: build poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("oauthflow: poll request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, false, fmt.Errorf("oauthflow: read poll response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ts tokenSuccessResponse
		if err := json.Unmarshal(body, &ts); err != nil {
			return nil, false, fmt.Errorf("oauthflow: parse token response: %w", err)
		}
		return newTokenStorage(ts), false, nil
	}

	var te tokenErrorResponse
	_ = json.Unmarshal(body, &te)
	switch te.Error {
	case "authorization_pending":
		return nil, false, nil
	case "slow_down":
		return nil, true, nil
	case "expired_token":
		return nil, false, routecodex.NewError(routecodex.CodeOAuthTimeout, "device code expired").WithDetail("body", string(body))
	case "access_denied":
		return nil, false, routecodex.NewError(routecodex.CodeOAuthTimeout, "user denied authorization").WithDetail("body", string(body))
	default:
		return nil, false, routecodex.NewError(routecodex.CodeTokenRefreshFailed, "device token poll failed").
			WithStatus(resp.StatusCode).WithDetail("body", string(body))
	}
}

func newTokenStorage(ts tokenSuccessResponse) *routecodex.TokenStorage {
	tokenType := ts.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	now := time.Now()
	return &routecodex.TokenStorage{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		TokenType:    tokenType,
		Scope:        ts.Scope,
		ExpiresAt:    now.Add(time.Duration(ts.ExpiresIn) * time.Second).UnixMilli(),
		CreatedAtMS:  now.UnixMilli(),
	}
}

// RefreshTokens exchanges a refresh token for a fresh access token.
func (c *Config) RefreshTokens(ctx context.Context, refreshToken string) (*routecodex.TokenStorage, error) {
	form := url.Values{
		"client_id":     {c.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: refresh request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: read refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, routecodex.NewError(routecodex.CodeTokenRefreshFailed, "refresh request failed").
			WithStatus(resp.StatusCode).WithDetail("body", string(body))
	}

	var ts tokenSuccessResponse
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("oauthflow: parse refresh response: %w", err)
	}
	tok := newTokenStorage(ts)
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken // servers may omit an unchanged refresh token
	}
	return tok, nil
}

// RefreshTokensWithRetry retries RefreshTokens with a linear attempt*1s
// back-off, surfacing the last error when retries are exhausted.
func (c *Config) RefreshTokensWithRetry(ctx context.Context, refreshToken string, maxRetries int) (*routecodex.TokenStorage, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		tok, err := c.RefreshTokens(ctx, refreshToken)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, routecodex.NewError(routecodex.CodeTokenRefreshFailed, "refresh exhausted retries").WithCause(lastErr)
}

// SlowDownInterval applies RFC 8628's "slow_down" back-off multiplier.
func SlowDownInterval(current time.Duration) time.Duration {
	return time.Duration(float64(current) * 1.5)
}

// FormatInterval renders an interval in seconds for logging, keeping any
// fractional part (e.g. "7.5s").
func FormatInterval(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
