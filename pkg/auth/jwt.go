package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

var (
	ErrInvalidJWT      = errors.New("invalid JWT token")
	ErrExpiredJWT      = errors.New("JWT token expired")
	ErrUnauthenticated = errors.New("authentication required")
)

// Token lifetimes for access and refresh tokens.
const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// Claims represents JWT claims with tenant context. The subject is the
// user id; service tokens carry an empty subject.
type Claims struct {
	OrgID       string   `json:"orgId"`
	OrgSlug     string   `json:"orgSlug,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenUse    string   `json:"tokenUse,omitempty"` // "access" or "refresh"
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed access token for the given principal.
func GenerateJWT(p models.Principal, secret []byte) (string, error) {
	return generate(p, "access", AccessTokenTTL, secret)
}

// GenerateRefreshJWT creates a signed refresh token for the given principal.
func GenerateRefreshJWT(p models.Principal, secret []byte) (string, error) {
	return generate(p, "refresh", RefreshTokenTTL, secret)
}

func generate(p models.Principal, use string, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	claims := &Claims{
		OrgID:       p.OrgID,
		OrgSlug:     p.OrgSlug,
		Roles:       p.Roles,
		Permissions: p.Permissions,
		TokenUse:    use,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateJWT parses and verifies a token, returning its claims. Only HMAC
// signatures are accepted; a token asserting any other alg is rejected
// before the signature is checked.
func ValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidJWT
}

// ValidateRefreshJWT validates a token and additionally requires it to be a
// refresh token.
func ValidateRefreshJWT(tokenString string, secret []byte) (*Claims, error) {
	claims, err := ValidateJWT(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != "refresh" {
		return nil, ErrInvalidJWT
	}
	return claims, nil
}

// PrincipalFromClaims maps verified claims onto a Principal.
func PrincipalFromClaims(claims *Claims, authType string) models.Principal {
	return models.Principal{
		OrgID:       claims.OrgID,
		OrgSlug:     claims.OrgSlug,
		UserID:      claims.Subject,
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		AuthType:    authType,
	}
}
