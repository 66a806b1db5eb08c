package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/audit"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// QueryAudit reads the tenant's audit timeline. Window bounds are RFC 3339,
// minSeverity filters lower grades, limit caps the page.
func (h *Handlers) QueryAudit(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}

	var q audit.Query
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.render(c, http.StatusBadRequest, apix.CodeInvalidArgument, "invalid from: "+err.Error())
			return
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.render(c, http.StatusBadRequest, apix.CodeInvalidArgument, "invalid to: "+err.Error())
			return
		}
		q.To = t
	}
	if v := c.Query("minSeverity"); v != "" {
		q.MinSeverity = models.AuditSeverity(strings.ToUpper(v))
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.render(c, http.StatusBadRequest, apix.CodeInvalidArgument, "invalid limit")
			return
		}
		q.Limit = n
	}

	records, err := h.Audit.Query(c.Request.Context(), p.OrgID, q)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// QuotaSnapshot reports the tenant's counters against its effective limits.
func (h *Handlers) QuotaSnapshot(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	snap, err := h.Quota.Snapshot(c.Request.Context(), p.OrgID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListSessions returns the tenant's live sessions.
func (h *Handlers) ListSessions(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	sessions := h.Sessions.ForOrg(p.OrgID)
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// ListCircuits exposes the live circuit breaker states for monitoring.
func (h *Handlers) ListCircuits(c *gin.Context) {
	if _, ok := h.principal(c); !ok {
		return
	}
	states := h.Retries.CircuitStates()
	c.JSON(http.StatusOK, gin.H{"circuits": states})
}

// ListDLQ pages the tenant's dead-letter entries, oldest first.
func (h *Handlers) ListDLQ(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.render(c, http.StatusBadRequest, apix.CodeInvalidArgument, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := h.Log.ListDLQ(c.Request.Context(), p.OrgID, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// RedriveDLQ re-attempts one parked delivery through the normal engine and
// resolves the entry on success.
func (h *Handlers) RedriveDLQ(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "redrive", "dlq") {
		return
	}
	var req struct {
		EntryID string `json:"entryId" binding:"required"`
	}
	if !h.bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	rec, err := h.Delivery.RedriveDLQ(ctx, p, req.EntryID)
	if err != nil {
		h.recordAudit(c, p, "dlq.redrive", "dlq", req.EntryID, err, nil)
		h.renderError(c, err)
		return
	}
	h.observeDeliveries(ctx, p, []models.DeliveryReceipt{*rec})
	h.recordAudit(c, p, "dlq.redrive", "dlq", req.EntryID, nil, models.JSONB{
		"receiptId": rec.ReceiptID,
		"status":    string(rec.Status),
	})
	c.JSON(http.StatusOK, rec)
}
