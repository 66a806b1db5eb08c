package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/replay"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/router"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// PublishEvent accepts one event, persists it, and fans it out. Routing may
// store several per-channel copies; all of them come back to the caller.
func (h *Handlers) PublishEvent(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "publish", "events") {
		return
	}
	var req router.PublishRequest
	if !h.bindJSON(c, &req) {
		return
	}

	events, err := h.Publisher.Publish(c.Request.Context(), p, req)
	if err != nil {
		h.recordAudit(c, p, "event.publish", "event", "", err, nil)
		h.renderError(c, err)
		return
	}

	h.Metrics.EventsPublished.WithLabelValues(req.EventType, req.Channel).Inc()
	for _, ev := range events {
		h.Metrics.EventsRouted.WithLabelValues(ev.Channel).Inc()
	}

	resourceID := ""
	if len(events) > 0 {
		resourceID = events[0].ID
	}
	h.recordAudit(c, p, "event.publish", "event", resourceID, nil, models.JSONB{
		"eventType": req.EventType,
		"channel":   req.Channel,
		"copies":    len(events),
	})
	c.JSON(http.StatusAccepted, gin.H{"events": events})
}

// DeliverEvent pushes one stored event to the tenant's webhook endpoints. An
// empty body or endpoint list targets every active endpoint.
func (h *Handlers) DeliverEvent(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "deliver", "events") {
		return
	}
	eventID := c.Param("id")

	var req apix.DeliverRequest
	if c.Request.ContentLength > 0 {
		if !h.bindJSON(c, &req) {
			return
		}
	}

	ctx := c.Request.Context()
	ev, err := h.Log.FindEvent(ctx, p.OrgID, eventID)
	if err != nil {
		h.recordAudit(c, p, "event.deliver", "event", eventID, err, nil)
		h.renderError(c, err)
		return
	}

	receipts, err := h.Delivery.Deliver(ctx, p, ev, req.EndpointIDs)
	if err != nil {
		h.recordAudit(c, p, "event.deliver", "event", eventID, err, nil)
		h.renderError(c, err)
		return
	}

	h.observeDeliveries(ctx, p, receipts)
	h.recordAudit(c, p, "event.deliver", "event", eventID, nil, models.JSONB{
		"receipts": len(receipts),
	})
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

// StartReplay opens a paced replay of the tenant's history. With endpointId
// set the events go through the delivery engine under the endpoint's own
// semantics; otherwise they fan out to the caller's live sessions.
func (h *Handlers) StartReplay(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "replay", "events") {
		return
	}
	var req apix.ReplayRequest
	if !h.bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	target, policy, err := h.replayTarget(ctx, p, req)
	if err != nil {
		h.recordAudit(c, p, "replay.start", "replay", "", err, nil)
		h.renderError(c, err)
		return
	}

	id, err := h.Replays.StartReplay(ctx, p, req, target, policy)
	if err != nil {
		h.recordAudit(c, p, "replay.start", "replay", "", err, nil)
		h.renderError(c, err)
		return
	}
	h.recordAudit(c, p, "replay.start", "replay", id, nil, models.JSONB{
		"channel":    req.Channel,
		"endpointId": req.EndpointID,
		"maxEvents":  req.MaxEvents,
	})
	c.JSON(http.StatusAccepted, gin.H{"replayId": id})
}

// ReplayStatus reports a replay job's progress.
func (h *Handlers) ReplayStatus(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	status, err := h.Replays.GetStatus(p, c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ReplayAttempts lists the per-event outcome rows of a replay. Unlike status,
// attempt rows survive a restart, so this works for jobs the process no
// longer remembers.
func (h *Handlers) ReplayAttempts(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	rows, err := h.Replays.ListAttempts(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replayId": c.Param("id"), "attempts": rows})
}

// StopReplay cancels a running replay job.
func (h *Handlers) StopReplay(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	if !h.authorize(c, p, "replay", "events") {
		return
	}
	replayID := c.Param("id")
	if err := h.Replays.StopReplay(p, replayID); err != nil {
		h.recordAudit(c, p, "replay.stop", "replay", replayID, err, nil)
		h.renderError(c, err)
		return
	}
	h.recordAudit(c, p, "replay.stop", "replay", replayID, nil, nil)
	c.JSON(http.StatusOK, gin.H{"replayId": replayID, "stopped": true})
}

// replayTarget binds a replay job to its destination. Endpoint replays hand
// each event to the delivery engine, which owns retries, parking, and the
// endpoint's semantics, so the job itself never re-attempts. Live replays
// push to the caller's sessions: the whole tenant for a service principal,
// the calling user otherwise.
func (h *Handlers) replayTarget(ctx context.Context, p models.Principal, req apix.ReplayRequest) (replay.Target, *models.RetryPolicy, error) {
	if req.EndpointID != "" {
		ep, err := h.Delivery.GetEndpoint(ctx, p, req.EndpointID)
		if err != nil {
			return nil, nil, err
		}
		once := models.RetryPolicy{MaxAttempts: 1, Backoff: models.BackoffFixed}
		target := func(ctx context.Context, ev *models.Event) error {
			receipts, err := h.Delivery.Deliver(ctx, p, ev, []string{ep.EndpointID})
			if err != nil {
				return err
			}
			for i := range receipts {
				if receipts[i].Status == models.ReceiptFailed {
					return fmt.Errorf("endpoint %s: %s", ep.EndpointID, receipts[i].Error)
				}
			}
			return nil
		}
		return target, &once, nil
	}

	if p.IsService() {
		return func(_ context.Context, ev *models.Event) error {
			h.Hub.BroadcastToOrg(p.OrgID, ev)
			return nil
		}, nil, nil
	}
	return func(_ context.Context, ev *models.Event) error {
		h.Hub.BroadcastToUser(p.OrgID, p.UserID, ev)
		return nil
	}, nil, nil
}

// observeDeliveries feeds the delivery instruments from terminal receipts,
// labeled by the endpoint's semantics.
func (h *Handlers) observeDeliveries(ctx context.Context, p models.Principal, receipts []models.DeliveryReceipt) {
	if len(receipts) == 0 {
		return
	}
	semantics := make(map[string]string)
	if endpoints, err := h.Delivery.ListEndpoints(ctx, p); err == nil {
		for i := range endpoints {
			semantics[endpoints[i].EndpointID] = string(endpoints[i].Semantics)
		}
	}
	for i := range receipts {
		rec := &receipts[i]
		sem := semantics[rec.EndpointID]
		if sem == "" {
			sem = string(models.AtLeastOnce)
		}
		status := "failed"
		if rec.Status == models.ReceiptDelivered || rec.Status == models.ReceiptAcknowledged {
			status = "delivered"
		}
		h.Metrics.DeliveryAttempts.WithLabelValues(sem).Add(float64(rec.Attempts))
		h.Metrics.Deliveries.WithLabelValues(sem, status).Inc()
		if rec.ResponseTimeMs != nil {
			h.Metrics.DeliveryLatency.WithLabelValues(sem).Observe(float64(*rec.ResponseTimeMs) / 1000)
		}
	}
}
