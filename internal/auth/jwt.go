package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"schedd/internal/config"
	"schedd/internal/errors"
)

const (
	ScopeService = "service"
	ScopeUser    = "user"
)

// Claims are the claims carried by tokens minted for callbacks.
type Claims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"uid,omitempty"`
	Scope  string `json:"scope"`
}

// JWTManager signs short-lived HS256 tokens for callback requests
type JWTManager struct {
	secret   []byte
	issuer   string
	identity string
	expiry   time.Duration
}

func NewJWTManager(cfg config.AuthConfig) (*JWTManager, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		generated, err := generateSecureSecret(32)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate JWT secret")
		}
		secret = generated
	}
	expiry := cfg.TokenTTL
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &JWTManager{
		secret:   []byte(secret),
		issuer:   cfg.JWTIssuer,
		identity: cfg.ServiceIdentity,
		expiry:   expiry,
	}, nil
}

func (m *JWTManager) sign(subject, scope string, uid int64) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
		UserID: uid,
		Scope:  scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// GenerateServiceToken mints a token for the system identity, used by general jobs.
func (m *JWTManager) GenerateServiceToken() (string, error) {
	return m.sign(m.identity, ScopeService, 0)
}

// GenerateUserToken mints a token on behalf of userID.
func (m *JWTManager) GenerateUserToken(userID int64) (string, error) {
	return m.sign(strconv.FormatInt(userID, 10), ScopeUser, userID)
}

// ValidateToken parses and validates a token minted by this manager.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// generateSecureSecret generates a cryptographically secure random hex string
func generateSecureSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate random bytes")
	}
	return hex.EncodeToString(b), nil
}
