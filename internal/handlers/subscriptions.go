package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/quota"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/middleware"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// CreateSubscription registers a durable channel subscription for the
// caller. The same (user, channel) pair cannot be subscribed twice.
func (h *Handlers) CreateSubscription(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "create", "subscriptions") {
		return
	}
	var req apix.CreateSubscriptionRequest
	if !h.bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	sub, err := h.Subscriptions.Create(ctx, p, req.Channel, req.Filters)
	if err != nil {
		h.recordAudit(c, p, "subscription.create", "subscription", "", err, nil)
		h.renderError(c, err)
		return
	}
	if err := h.Quota.AcquireResource(ctx, p.OrgID, quota.ResourceSubscriptions, 0); err != nil {
		middleware.GetContextLogger(c, h.Logger).WithError(err).Warn("Failed to bump subscription gauge")
	}
	h.recordAudit(c, p, "subscription.create", "subscription", sub.SubscriptionID, nil, models.JSONB{
		"channel": sub.Channel,
	})
	c.JSON(http.StatusCreated, sub)
}

// ListSubscriptions returns the caller's subscriptions. Service principals
// see the whole tenant.
func (h *Handlers) ListSubscriptions(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		subs []models.Subscription
		err  error
	)
	if p.IsService() {
		subs, err = h.Subscriptions.List(ctx, p.OrgID)
	} else {
		subs, err = h.Subscriptions.ListByUser(ctx, p.OrgID, p.UserID)
	}
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// DeleteSubscription removes one of the caller's subscriptions. Owners and
// service principals only.
func (h *Handlers) DeleteSubscription(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "delete", "subscriptions") {
		return
	}
	subID := c.Param("id")

	ctx := c.Request.Context()
	if err := h.Subscriptions.Delete(ctx, p, subID); err != nil {
		h.recordAudit(c, p, "subscription.delete", "subscription", subID, err, nil)
		h.renderError(c, err)
		return
	}
	if err := h.Quota.ReleaseResource(ctx, p.OrgID, quota.ResourceSubscriptions); err != nil {
		middleware.GetContextLogger(c, h.Logger).WithError(err).Warn("Failed to drop subscription gauge")
	}
	h.recordAudit(c, p, "subscription.delete", "subscription", subID, nil, nil)
	c.JSON(http.StatusOK, gin.H{"subscriptionId": subID, "deleted": true})
}
