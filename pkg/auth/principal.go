package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

var (
	ErrTenantUnknown       = errors.New("tenant unknown")
	ErrUserNotInOrg        = errors.New("user does not belong to tenant")
	ErrTenantInactive      = errors.New("tenant is not active")
	ErrInvalidServiceToken = errors.New("invalid service token")
)

// Directory answers tenant existence and membership questions. Implemented
// by the tenant metadata layer; injected here so the auth package never
// touches storage directly.
type Directory interface {
	ResolveSlug(ctx context.Context, slug string) (string, error)
	TenantActive(ctx context.Context, orgID string) (bool, error)
	UserInTenant(ctx context.Context, orgID, userID string) (bool, error)
}

// CredentialMaterial carries every credential source a handshake or request
// may present. Zero fields mean the source is absent.
type CredentialMaterial struct {
	BearerToken   string // authorization header or token query parameter
	CookieToken   string // session resumption cookie
	SubdomainSlug string // first label of the Host header
	HeaderOrgID   string // explicit header pair for service callers
	HeaderUserID  string
	ServiceToken  string // shared service secret presented by the caller
}

// ContextBuilder derives authoritative principals from raw credentials.
type ContextBuilder struct {
	secret       []byte
	serviceToken string
	directory    Directory
}

// NewContextBuilder wires the signing secret, the expected service token,
// and the tenant directory.
func NewContextBuilder(secret []byte, serviceToken string, directory Directory) *ContextBuilder {
	return &ContextBuilder{secret: secret, serviceToken: serviceToken, directory: directory}
}

// BuildContext resolves credentials into a verified Principal. Source
// precedence: bearer token, then session cookie, then service callers with
// an explicit org header or tenant subdomain. The orgId inside the returned
// principal is the only tenant identity downstream code may use.
func (b *ContextBuilder) BuildContext(ctx context.Context, material CredentialMaterial) (models.Principal, error) {
	if token := material.BearerToken; token != "" {
		if p, err := b.fromJWT(ctx, token, "jwt"); err == nil {
			return p, nil
		} else if !errors.Is(err, ErrInvalidJWT) {
			return models.Principal{}, err
		}
		// A bearer token that is not a JWT may be the shared service token.
		if b.checkServiceToken(token) == nil {
			return b.fromServiceCaller(ctx, material)
		}
		return models.Principal{}, ErrInvalidJWT
	}

	if material.CookieToken != "" {
		return b.fromJWT(ctx, material.CookieToken, "cookie")
	}

	if material.ServiceToken != "" {
		if err := b.checkServiceToken(material.ServiceToken); err != nil {
			return models.Principal{}, err
		}
		return b.fromServiceCaller(ctx, material)
	}

	return models.Principal{}, ErrUnauthenticated
}

// checkServiceToken compares a presented shared secret against the configured
// one in constant time. An unconfigured token rejects every service caller.
func (b *ContextBuilder) checkServiceToken(presented string) error {
	if b.serviceToken == "" || presented == "" {
		return ErrInvalidServiceToken
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(b.serviceToken)) != 1 {
		return ErrInvalidServiceToken
	}
	return nil
}

// Validate reverifies that the principal's tenant still exists and that the
// bound user, if any, still belongs to it. Used on session resumption.
func (b *ContextBuilder) Validate(ctx context.Context, p models.Principal) error {
	active, err := b.directory.TenantActive(ctx, p.OrgID)
	if err != nil {
		return err
	}
	if !active {
		return ErrTenantInactive
	}
	if p.UserID != "" {
		ok, err := b.directory.UserInTenant(ctx, p.OrgID, p.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotInOrg
		}
	}
	return nil
}

func (b *ContextBuilder) fromJWT(ctx context.Context, token, authType string) (models.Principal, error) {
	claims, err := ValidateJWT(token, b.secret)
	if err != nil {
		return models.Principal{}, err
	}
	if claims.TokenUse == "refresh" {
		return models.Principal{}, ErrInvalidJWT
	}
	p := PrincipalFromClaims(claims, authType)
	if p.OrgID == "" && p.OrgSlug != "" {
		orgID, err := b.directory.ResolveSlug(ctx, p.OrgSlug)
		if err != nil {
			return models.Principal{}, fmt.Errorf("%w: %s", ErrTenantUnknown, p.OrgSlug)
		}
		p.OrgID = orgID
	}
	if p.OrgID == "" {
		return models.Principal{}, ErrInvalidJWT
	}
	if err := b.Validate(ctx, p); err != nil {
		return models.Principal{}, err
	}
	return p, nil
}

func (b *ContextBuilder) fromServiceCaller(ctx context.Context, material CredentialMaterial) (models.Principal, error) {
	orgID := strings.TrimSpace(material.HeaderOrgID)
	if orgID == "" && material.SubdomainSlug != "" {
		resolved, err := b.directory.ResolveSlug(ctx, material.SubdomainSlug)
		if err != nil {
			return models.Principal{}, fmt.Errorf("%w: %s", ErrTenantUnknown, material.SubdomainSlug)
		}
		orgID = resolved
	}
	if orgID == "" {
		return models.Principal{}, ErrUnauthenticated
	}

	p := models.Principal{
		OrgID:    orgID,
		UserID:   strings.TrimSpace(material.HeaderUserID),
		Roles:    []string{"service"},
		AuthType: "service",
	}
	if err := b.Validate(ctx, p); err != nil {
		return models.Principal{}, err
	}
	return p, nil
}
