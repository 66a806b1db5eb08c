package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/ctxkeys"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// MaterialFromHTTP collects every credential source present on a request:
// authorization header, token query parameter, session cookie, subdomain,
// and the explicit service header pair.
func MaterialFromHTTP(r *http.Request) CredentialMaterial {
	material := CredentialMaterial{
		HeaderOrgID:  r.Header.Get("X-Org-ID"),
		HeaderUserID: r.Header.Get("X-User-ID"),
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.Split(auth, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			material.BearerToken = parts[1]
		}
	}
	if material.BearerToken == "" {
		material.BearerToken = r.URL.Query().Get("token")
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		material.CookieToken = cookie.Value
	}
	if host := r.Host; host != "" {
		if idx := strings.Index(host, "."); idx > 0 {
			material.SubdomainSlug = host[:idx]
		}
	}
	if st := r.Header.Get("X-Service-Token"); st != "" {
		material.ServiceToken = st
	}

	return material
}

// MaterialFromRequest is the Gin-context form of MaterialFromHTTP.
func MaterialFromRequest(c *gin.Context) CredentialMaterial {
	return MaterialFromHTTP(c.Request)
}

// PrincipalMiddleware builds the request principal and injects it into the
// Gin context. WebSocket upgrade requests pass through; the session gateway
// authenticates them on handshake.
func PrincipalMiddleware(builder *ContextBuilder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" &&
			strings.Contains(c.GetHeader("Connection"), "Upgrade") {
			c.Next()
			return
		}

		principal, err := builder.BuildContext(c.Request.Context(), MaterialFromRequest(c))
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrTenantUnknown) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": "AUTH_REQUIRED", "message": err.Error()})
			c.Abort()
			return
		}

		SetPrincipal(c, principal)
		c.Next()
	}
}

// SetPrincipal stores the principal and its identity fields on the context.
func SetPrincipal(c *gin.Context, p models.Principal) {
	c.Set(string(ctxkeys.KeyPrincipal), p)
	c.Set(string(ctxkeys.KeyOrgID), p.OrgID)
	c.Set(string(ctxkeys.KeyUserID), p.UserID)
	c.Set(string(ctxkeys.KeyOrgSlug), p.OrgSlug)
	c.Set(string(ctxkeys.KeyAuthType), p.AuthType)
}

// GetPrincipal extracts the principal set by PrincipalMiddleware.
func GetPrincipal(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(string(ctxkeys.KeyPrincipal))
	if !ok {
		return models.Principal{}, false
	}
	p, ok := v.(models.Principal)
	return p, ok
}
