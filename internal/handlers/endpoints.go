package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/middleware"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// RegisterEndpoint registers a webhook destination for the tenant.
func (h *Handlers) RegisterEndpoint(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "create", "endpoints") {
		return
	}
	var req apix.RegisterEndpointRequest
	if !h.bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	ep, err := h.Delivery.RegisterEndpoint(ctx, p, req)
	if err != nil {
		h.recordAudit(c, p, "endpoint.create", "endpoint", "", err, nil)
		h.renderError(c, err)
		return
	}
	if err := h.Quota.AcquireResource(ctx, p.OrgID, quota.ResourceEndpoints, 0); err != nil {
		middleware.GetContextLogger(c, h.Logger).WithError(err).Warn("Failed to bump endpoint gauge")
	}
	h.recordAudit(c, p, "endpoint.create", "endpoint", ep.EndpointID, nil, models.JSONB{
		"url":       ep.URL,
		"semantics": string(ep.Semantics),
	})
	c.JSON(http.StatusCreated, ep)
}

// UpdateEndpoint replaces an endpoint's configuration and refreshes its
// registration TTL.
func (h *Handlers) UpdateEndpoint(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "update", "endpoints") {
		return
	}
	endpointID := c.Param("id")
	var req apix.RegisterEndpointRequest
	if !h.bindJSON(c, &req) {
		return
	}

	ep, err := h.Delivery.UpdateEndpoint(c.Request.Context(), p, endpointID, req)
	if err != nil {
		h.recordAudit(c, p, "endpoint.update", "endpoint", endpointID, err, nil)
		h.renderError(c, err)
		return
	}
	h.recordAudit(c, p, "endpoint.update", "endpoint", ep.EndpointID, nil, models.JSONB{
		"url":       ep.URL,
		"semantics": string(ep.Semantics),
		"active":    ep.Active,
	})
	c.JSON(http.StatusOK, ep)
}

// ListEndpoints returns every endpoint of the tenant, oldest first.
func (h *Handlers) ListEndpoints(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	endpoints, err := h.Delivery.ListEndpoints(c.Request.Context(), p)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

// AcknowledgeReceipt confirms receipt of a delivered webhook. Only receipts
// in the DELIVERED state can be acknowledged, and only once.
func (h *Handlers) AcknowledgeReceipt(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "ack", "receipts") {
		return
	}
	receiptID := c.Param("id")

	var req apix.AcknowledgeRequest
	if c.Request.ContentLength > 0 {
		if !h.bindJSON(c, &req) {
			return
		}
	}

	rec, err := h.Delivery.Acknowledge(c.Request.Context(), p, receiptID, req.AckData)
	if err != nil {
		h.recordAudit(c, p, "receipt.ack", "receipt", receiptID, err, nil)
		h.renderError(c, err)
		return
	}
	h.recordAudit(c, p, "receipt.ack", "receipt", receiptID, nil, nil)
	c.JSON(http.StatusOK, rec)
}
