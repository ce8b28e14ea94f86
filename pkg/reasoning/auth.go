package reasoning

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeBearer AuthType = "bearer"
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeNone   AuthType = "none"
)

// Authenticator interface for different auth methods
type Authenticator interface {
	AddAuthHeaders(req *http.Request) error
}

// BearerAuthenticator sends the API key as a bearer token
type BearerAuthenticator struct {
	apiKey string
}

func NewBearerAuthenticator(apiKey string) *BearerAuthenticator {
	return &BearerAuthenticator{apiKey: apiKey}
}

func (b *BearerAuthenticator) AddAuthHeaders(req *http.Request) error {
	if b.apiKey == "" {
		return fmt.Errorf("missing API key")
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	return nil
}

// JWTAuthenticator signs a short-lived HS256 token per request
type JWTAuthenticator struct {
	keyID  string
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTAuthenticator(keyID, issuer, secret string, ttl time.Duration) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty JWT signing secret")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &JWTAuthenticator{
		keyID:  keyID,
		issuer: issuer,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request) error {
	token, err := j.generateJWT(req.Method, req.URL.Host, req.URL.Path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type requestClaims struct {
	URI string `json:"uri"`
	jwt.RegisteredClaims
}

func (j *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := j.now()
	claims := requestClaims{
		URI: method + " " + host + path,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   j.keyID,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if j.keyID != "" {
		token.Header["kid"] = j.keyID
	}

	tokenString, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewAuthenticator builds the authenticator for authType from a resolved
// credential.
func NewAuthenticator(authType AuthType, credential, keyID, issuer string) (Authenticator, error) {
	switch authType {
	case "", AuthTypeBearer:
		return NewBearerAuthenticator(credential), nil
	case AuthTypeJWT:
		return NewJWTAuthenticator(keyID, issuer, credential, 0)
	case AuthTypeNone:
		return noAuth{}, nil
	}
	return nil, fmt.Errorf("unknown auth type %q", authType)
}

type noAuth struct{}

func (noAuth) AddAuthHeaders(*http.Request) error { return nil }
