package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoAuthHeader = errors.New("authorization header not provided")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoSecret     = errors.New("jwt secret is empty")
)

type claimsKey struct{}

// Claims is a basic custom claims struct you can extend.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &JWTAuthenticator{secret: []byte(secret)}, nil
}

// ParseToken validates the JWT and returns the claims if valid.
func (a *JWTAuthenticator) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		// Ensure token method is HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Authenticate checks an Authorization header value and returns ctx carrying
// the token's claims.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, header string) (context.Context, error) {
	if header == "" {
		return nil, ErrNoAuthHeader
	}

	tokenString := extractBearerToken(header)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims, err := a.ParseToken(tokenString)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}

	return WithClaims(ctx, claims), nil
}

// extractBearerToken gets the token string from "Authorization: Bearer <token>"
func extractBearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// CreateToken generates a JWT token with given username and expiry.
func (a *JWTAuthenticator) CreateToken(username string, expiry time.Duration) (string, error) {
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext retrieves claims from context in downstream handlers.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
