// Package handlers adapts the engines onto the REST surface. Each handler
// binds its request, calls one engine operation, maps sentinel errors onto
// the shared error taxonomy, and stamps an audit record for every mutating
// call, successful or not.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/connections"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/delivery"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/gateway"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metadata"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/metrics"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/replay"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/retrymgr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscriptions"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/common"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/auth"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/middleware"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/validation"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/version"
)

// errPermissionDenied backs denials raised by the permission gate itself.
var errPermissionDenied = errors.New("permission denied")

// errInvalidCredentials is rendered identically for unknown emails and wrong
// passwords so the login surface never reveals which accounts exist.
var errInvalidCredentials = errors.New("invalid credentials")

// Deps carries every engine the REST surface adapts over.
type Deps struct {
	Secret        []byte
	Users         metadata.Store
	Tenants       *tenant.Directory
	Hub           *gateway.Hub
	Publisher     *router.Publisher
	Log           *eventlog.Log
	Subscriptions *subscriptions.Manager
	Sessions      *connections.Registry
	Replays       *replay.Engine
	Delivery      *delivery.Engine
	Retries       *retrymgr.Manager
	Audit         *audit.Ring
	Quota         *quota.Manager
	Metrics       *metrics.Metrics
	Logger        logging.Logger
}

// Handlers is the REST adapter over the engines.
type Handlers struct {
	Deps
	startTime time.Time
}

func New(d Deps) *Handlers {
	return &Handlers{Deps: d, startTime: time.Now()}
}

// Mount attaches the transport and REST routes. The auth endpoints and the
// service status page are public; everything else runs behind the principal
// middleware and the per-tenant API quota gate. The WebSocket handshake
// authenticates in-band, so /ws sits outside the protected group.
func (h *Handlers) Mount(r *gin.Engine, builder *auth.ContextBuilder) {
	r.GET("/ws", h.ServeWS)
	r.GET("/status", h.Status)

	api := r.Group("/api/v1")

	authn := api.Group("/auth")
	authn.POST("/login", h.Login)
	authn.POST("/register", h.Register)
	authn.POST("/refresh", h.Refresh)

	v1 := api.Group("", auth.PrincipalMiddleware(builder), h.meterAPICall)
	v1.GET("/stream", h.StreamSSE)

	v1.POST("/events", h.PublishEvent)
	v1.POST("/events/replay", h.StartReplay)
	v1.POST("/events/:id/deliver", h.DeliverEvent)
	v1.GET("/replay/:id", h.ReplayStatus)
	v1.GET("/replay/:id/attempts", h.ReplayAttempts)
	v1.DELETE("/replay/:id", h.StopReplay)

	v1.POST("/subscriptions", h.CreateSubscription)
	v1.GET("/subscriptions", h.ListSubscriptions)
	v1.DELETE("/subscriptions/:id", h.DeleteSubscription)

	v1.POST("/endpoints", h.RegisterEndpoint)
	v1.PUT("/endpoints/:id", h.UpdateEndpoint)
	v1.GET("/endpoints", h.ListEndpoints)
	v1.POST("/receipts/:id/ack", h.AcknowledgeReceipt)

	v1.GET("/audit", h.QueryAudit)
	v1.GET("/quota", h.QuotaSnapshot)
	v1.GET("/sessions", h.ListSessions)
	v1.GET("/circuits", h.ListCircuits)
	v1.GET("/dlq", h.ListDLQ)
	v1.POST("/dlq/redrive", h.RedriveDLQ)
}

// Status reports service liveness plus live hub occupancy.
func (h *Handlers) Status(c *gin.Context) {
	stats := h.Hub.Stats()
	c.JSON(http.StatusOK, apix.HealthResponse{
		Status:    "healthy",
		Service:   "apixd",
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		WebSocket: &stats,
	})
}

// meterAPICall charges the request against the tenant's hourly API window.
// Rejections are audited so a noisy client leaves a trace.
func (h *Handlers) meterAPICall(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.Next()
		return
	}
	if err := h.Quota.AllowAPICall(c.Request.Context(), p.OrgID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			h.Metrics.QuotaRejections.WithLabelValues("api_calls").Inc()
			h.recordAudit(c, p, "quota.reject", "api", "", err, nil)
		}
		h.renderError(c, err)
		c.Abort()
		return
	}
	c.Next()
}

// principal returns the verified principal or renders 401. Routes behind the
// principal middleware always carry one; the guard covers direct calls.
func (h *Handlers) principal(c *gin.Context) (models.Principal, bool) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		h.render(c, http.StatusUnauthorized, apix.CodeAuthRequired, "authentication required")
		return models.Principal{}, false
	}
	return p, true
}

// authorize enforces the policy gate. Denials render 403 and are audited.
func (h *Handlers) authorize(c *gin.Context, p models.Principal, action, resourceType string) bool {
	if auth.Allow(p, action, resourceType) {
		return true
	}
	h.recordAudit(c, p, action, resourceType, "", errPermissionDenied, nil)
	h.renderError(c, errPermissionDenied)
	return false
}

// bindJSON decodes the request body, rendering 400 on schema violations.
// Tag-validated bodies render per-field messages; malformed JSON falls
// back to the shared envelope.
func (h *Handlers) bindJSON(c *gin.Context, out interface{}) bool {
	err := c.ShouldBindJSON(out)
	if err == nil {
		return true
	}
	if fields := validation.FieldErrors(err); fields != nil {
		c.JSON(http.StatusBadRequest, common.ValidationErrorResponse{
			Error:  apix.CodeInvalidArgument,
			Fields: fields,
		})
		return false
	}
	h.render(c, http.StatusBadRequest, apix.CodeInvalidArgument, "invalid request: "+err.Error())
	return false
}

// recordAudit stamps one mutating operation. Audit failures are logged and
// never fail the request that produced them.
func (h *Handlers) recordAudit(c *gin.Context, p models.Principal, action, resourceType, resourceID string, opErr error, newValues models.JSONB) {
	d := audit.Details{
		ResourceID: resourceID,
		NewValues:  newValues,
		Success:    opErr == nil,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	}
	if opErr != nil {
		d.Error = opErr.Error()
	}
	if _, err := h.Audit.LogEvent(c.Request.Context(), &p, action, resourceType, d); err != nil {
		middleware.GetContextLogger(c, h.Logger).WithError(err).Warn("Failed to write audit record")
	}
}

// render writes the shared error envelope.
func (h *Handlers) render(c *gin.Context, status int, code, message string) {
	c.JSON(status, common.ErrorResponse{
		Error:      code,
		Message:    message,
		Code:       code,
		StatusCode: status,
		RequestID:  middleware.GetRequestID(c),
		Timestamp:  time.Now().UTC(),
	})
}

// renderError maps an engine error onto the HTTP taxonomy. Internal errors
// are logged and rendered without their underlying detail.
func (h *Handlers) renderError(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		middleware.GetContextLogger(c, h.Logger).WithError(err).Error("Request failed")
		message = "internal error"
	}
	h.render(c, status, code, message)
}

// classify maps engine sentinels onto status codes and wire error codes.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidJWT),
		errors.Is(err, auth.ErrExpiredJWT),
		errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, errInvalidCredentials):
		return http.StatusUnauthorized, apix.CodeAuthRequired

	case errors.Is(err, auth.ErrTenantUnknown),
		errors.Is(err, auth.ErrTenantInactive),
		errors.Is(err, auth.ErrUserNotInOrg),
		errors.Is(err, router.ErrOrgMismatch),
		errors.Is(err, delivery.ErrOrgMismatch),
		errors.Is(err, subscriptions.ErrNotOwner),
		errors.Is(err, errPermissionDenied):
		return http.StatusForbidden, apix.CodePermissionDenied

	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, apix.CodeQuotaExceeded

	case errors.Is(err, eventlog.ErrDuplicate):
		return http.StatusConflict, apix.CodeDuplicateEvent

	case errors.Is(err, subscriptions.ErrDuplicate),
		errors.Is(err, metadata.ErrConflict),
		errors.Is(err, delivery.ErrNotDelivered),
		errors.Is(err, eventlog.ErrDLQResolved):
		return http.StatusConflict, apix.CodeConflict

	case errors.Is(err, metadata.ErrNotFound),
		errors.Is(err, subscriptions.ErrNotFound),
		errors.Is(err, delivery.ErrEndpointNotFound),
		errors.Is(err, delivery.ErrReceiptNotFound),
		errors.Is(err, eventlog.ErrEventNotFound),
		errors.Is(err, eventlog.ErrDLQNotFound),
		errors.Is(err, replay.ErrReplayNotFound):
		return http.StatusNotFound, apix.CodeNotFound

	case errors.Is(err, router.ErrInvalidEvent),
		errors.Is(err, replay.ErrInvalidWindow),
		errors.Is(err, delivery.ErrNotRedrivable),
		errors.Is(err, delivery.ErrInvalidEndpoint):
		return http.StatusBadRequest, apix.CodeInvalidArgument

	case errors.Is(err, retrymgr.ErrCircuitOpen):
		return http.StatusServiceUnavailable, apix.CodeCircuitOpen
	}
	return http.StatusInternalServerError, apix.CodeInternal
}
