// Package auth produces the bearer token attached to a job's callback.
//
// General jobs get a service token, JWT-request jobs a per-user token, and
// every other job the owner's stored access token, refreshed when it is about
// to expire.
package auth

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"schedd/internal/db"
	"schedd/internal/errors"
	"schedd/internal/metrics"
)

// TokenRepository loads and stores owners' tokens.
type TokenRepository interface {
	GetUserToken(ctx context.Context, userID int64) (*db.UserToken, error)
	SaveUserToken(ctx context.Context, tok *db.UserToken) error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

type Manager struct {
	jwt            *JWTManager
	repo           TokenRepository
	refresher      Refresher
	requestTimeout time.Duration
	log            *zap.SugaredLogger
	now            func() time.Time

	refreshes singleflight.Group
}

// NewManager returns a Manager. Stored tokens expiring within requestTimeout are refreshed before use.
func NewManager(jwt *JWTManager, repo TokenRepository, refresher Refresher, requestTimeout time.Duration, log *zap.SugaredLogger) *Manager {
	return &Manager{
		jwt:            jwt,
		repo:           repo,
		refresher:      refresher,
		requestTimeout: requestTimeout,
		log:            log,
		now:            time.Now,
	}
}

// TokenFor returns the bearer token for rec's callback. It fails with
// ErrOwnerDeleted when the owner has no stored token, and with an
// ErrAuthRefreshFailed-kind error when a due refresh does not succeed.
func (m *Manager) TokenFor(ctx context.Context, rec *db.JobRecord) (string, error) {
	switch {
	case rec.OwnerUserID == nil:
		return m.jwt.GenerateServiceToken()
	case rec.IsJwtRequest:
		return m.jwt.GenerateUserToken(*rec.OwnerUserID)
	}
	return m.UserAccessToken(ctx, *rec.OwnerUserID)
}

func (m *Manager) UserAccessToken(ctx context.Context, userID int64) (string, error) {
	tok, err := m.repo.GetUserToken(ctx, userID)
	if errors.IsNotFound(err) {
		return "", errors.WithDetailf(errors.ErrOwnerDeleted, "user %d", userID)
	}
	if err != nil {
		return "", err
	}
	if tok.ExpiresAt.Sub(m.now()) > m.requestTimeout {
		return tok.AccessToken, nil
	}

	v, err, _ := m.refreshes.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		return m.refresh(ctx, tok)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, old *db.UserToken) (string, error) {
	resp, err := m.refresher.Refresh(ctx, old.RefreshToken)
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("false").Inc()
		return "", errors.Mark(errors.Wrapf(err, "refresh token for user %d", old.UserID), errors.ErrAuthRefreshFailed)
	}
	metrics.TokenRefreshesTotal.WithLabelValues("true").Inc()

	tok := &db.UserToken{
		UserID:       old.UserID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    m.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC(),
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = old.RefreshToken
	}
	if err := m.repo.SaveUserToken(ctx, tok); err != nil {
		m.log.Errorw("Failed to persist refreshed token", "user_id", old.UserID, "error", err)
	}
	m.log.Infow("Refreshed user token", "user_id", old.UserID, "expires_at", tok.ExpiresAt)
	return tok.AccessToken, nil
}
