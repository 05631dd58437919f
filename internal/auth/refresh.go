package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"schedd/internal/config"
	"schedd/internal/errors"
	"schedd/pkg/utils"
)

// TokenResponse is the token endpoint's reply to a refresh grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// errRejected marks replies that retrying cannot fix.
var errRejected = errors.New("refresh rejected")

// RefreshClient exchanges refresh tokens at the identity provider.
type RefreshClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
	backoff      utils.Backoff
}

func NewRefreshClient(cfg config.AuthConfig, backoff utils.Backoff, log *zap.SugaredLogger) *RefreshClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RefreshClient{
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		backoff:      backoff,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "token-refresh",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, errRejected)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnw("Circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Refresh exchanges refreshToken for a new access token. Transport failures
// and 5xx replies are retried with backoff; 4xx replies and an open breaker are not.
func (c *RefreshClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if c.tokenURL == "" {
		return nil, errors.Mark(errors.New("no token endpoint configured"), errRejected)
	}

	var out *TokenResponse
	retryable := func(err error) bool {
		return !errors.Is(err, errRejected) && !errors.Is(err, gobreaker.ErrOpenState)
	}
	err := utils.Retry(ctx, c.backoff, retryable, func() error {
		v, err := c.breaker.Execute(func() (interface{}, error) {
			return c.exchange(ctx, refreshToken)
		})
		if err != nil {
			return err
		}
		out = v.(*TokenResponse)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RefreshClient) exchange(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "build refresh request"), errRejected)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "refresh request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read refresh response")
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, errors.Newf("token endpoint returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Mark(errors.Newf("token endpoint returned %d: %s", resp.StatusCode, body), errRejected)
	}

	var tok TokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode refresh response"), errRejected)
	}
	if tok.AccessToken == "" {
		return nil, errors.Mark(errors.New("refresh response has no access_token"), errRejected)
	}
	return &tok, nil
}
