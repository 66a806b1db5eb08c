package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metadata"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/auth"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/dns"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/middleware"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// Login exchanges credentials for a token pair. Unknown emails and wrong
// passwords render the same 401.
func (h *Handlers) Login(c *gin.Context) {
	var req apix.LoginRequest
	if !h.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	user, err := h.Users.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			h.renderError(c, err)
			return
		}
		h.renderError(c, errInvalidCredentials)
		return
	}

	p := models.Principal{
		OrgID:       user.OrgID,
		UserID:      user.ID,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		AuthType:    "jwt",
	}

	if !auth.CheckPassword(req.Password, user.PasswordHash) {
		h.recordAudit(c, p, "user.login", "auth", user.ID, errInvalidCredentials, nil)
		h.renderError(c, errInvalidCredentials)
		return
	}

	tenantRec, err := h.Tenants.Tenant(ctx, user.OrgID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !tenantRec.IsActive {
		h.recordAudit(c, p, "user.login", "auth", user.ID, auth.ErrTenantInactive, nil)
		h.renderError(c, auth.ErrTenantInactive)
		return
	}
	p.OrgSlug = tenantRec.Slug

	resp, err := h.issueTokens(p)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if err := h.Users.TouchLastLogin(ctx, user.OrgID, user.ID); err != nil {
		middleware.GetContextLogger(c, h.Logger).WithError(err).Warn("Failed to record login time")
	}
	h.recordAudit(c, p, "user.login", "auth", user.ID, nil, nil)
	c.JSON(http.StatusOK, resp)
}

// Register provisions a tenant and its first admin user, then signs the
// admin in. The slug is derived from the org name when not supplied.
func (h *Handlers) Register(c *gin.Context) {
	var req apix.RegisterRequest
	if !h.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	slug := req.OrgSlug
	if slug == "" {
		slug = req.OrgName
	}
	slug = dns.SanitizeLabel(slug)

	tenantRec := &models.Tenant{
		OrgID:    uuid.New().String(),
		Slug:     slug,
		Name:     req.OrgName,
		IsActive: true,
	}
	if err := h.Users.CreateTenant(ctx, tenantRec); err != nil {
		h.renderError(c, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.renderError(c, err)
		return
	}
	user := &models.User{
		ID:           uuid.New().String(),
		OrgID:        tenantRec.OrgID,
		Email:        req.Email,
		PasswordHash: hash,
		Roles:        []string{"admin"},
		IsActive:     true,
	}
	if err := h.Users.CreateUser(ctx, user); err != nil {
		h.renderError(c, err)
		return
	}
	h.Tenants.Prime(tenantRec)

	p := models.Principal{
		OrgID:    tenantRec.OrgID,
		OrgSlug:  tenantRec.Slug,
		UserID:   user.ID,
		Roles:    user.Roles,
		AuthType: "jwt",
	}
	resp, err := h.issueTokens(p)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.recordAudit(c, p, "user.register", "auth", user.ID, nil, models.JSONB{
		"email":   user.Email,
		"orgSlug": tenantRec.Slug,
	})
	c.JSON(http.StatusCreated, resp)
}

// Refresh rotates a refresh token into a new pair, revalidating that the
// tenant is still active and the user still belongs to it.
func (h *Handlers) Refresh(c *gin.Context) {
	var req apix.RefreshRequest
	if !h.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	claims, err := auth.ValidateRefreshJWT(req.RefreshToken, h.Secret)
	if err != nil {
		h.renderError(c, err)
		return
	}
	p := auth.PrincipalFromClaims(claims, "jwt")

	active, err := h.Tenants.TenantActive(ctx, p.OrgID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if !active {
		h.recordAudit(c, p, "token.refresh", "auth", p.UserID, auth.ErrTenantInactive, nil)
		h.renderError(c, auth.ErrTenantInactive)
		return
	}
	if p.UserID != "" {
		member, err := h.Tenants.UserInTenant(ctx, p.OrgID, p.UserID)
		if err != nil {
			h.renderError(c, err)
			return
		}
		if !member {
			h.recordAudit(c, p, "token.refresh", "auth", p.UserID, auth.ErrUserNotInOrg, nil)
			h.renderError(c, auth.ErrUserNotInOrg)
			return
		}
	}

	resp, err := h.issueTokens(p)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.recordAudit(c, p, "token.refresh", "auth", p.UserID, nil, nil)
	c.JSON(http.StatusOK, resp)
}

// issueTokens signs an access/refresh pair for the principal.
func (h *Handlers) issueTokens(p models.Principal) (apix.TokenResponse, error) {
	access, err := auth.GenerateJWT(p, h.Secret)
	if err != nil {
		return apix.TokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := auth.GenerateRefreshJWT(p, h.Secret)
	if err != nil {
		return apix.TokenResponse{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return apix.TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().UTC().Add(auth.AccessTokenTTL),
		Principal:    p,
	}, nil
}
