package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

// GetReceipt loads one delivery receipt.
func (e *Engine) GetReceipt(ctx context.Context, principal models.Principal, receiptID string) (*models.DeliveryReceipt, error) {
	var rec models.DeliveryReceipt
	found, err := e.store.GetJSON(ctx, redis.KeyReceipt(principal.OrgID, receiptID), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
	}
	return &rec, nil
}

// Acknowledge confirms a DELIVERED receipt and stores the consumer's ack
// payload. Any other state is rejected, so a consumer cannot acknowledge a
// delivery that never reached it.
func (e *Engine) Acknowledge(ctx context.Context, principal models.Principal, receiptID string, ackData models.JSONB) (*models.DeliveryReceipt, error) {
	rec, err := e.GetReceipt(ctx, principal, receiptID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.ReceiptDelivered {
		return nil, fmt.Errorf("%w: receipt %s is %s", ErrNotDelivered, receiptID, rec.Status)
	}
	now := time.Now().UTC()
	rec.Status = models.ReceiptAcknowledged
	rec.AcknowledgedAt = &now
	rec.AckData = ackData
	if err := e.putReceipt(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RedriveDLQ re-delivers one parked entry through the regular delivery path
// and tombstones it once the endpoint finally takes the event. Entries parked
// without an endpoint and embedded event copy cannot be redriven.
func (e *Engine) RedriveDLQ(ctx context.Context, principal models.Principal, entryID string) (*models.DeliveryReceipt, error) {
	entry, err := e.log.GetDLQ(ctx, principal.OrgID, entryID)
	if err != nil {
		return nil, err
	}
	if entry.EndpointID == "" || entry.Event == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRedrivable, entryID)
	}
	ep, err := e.GetEndpoint(ctx, principal, entry.EndpointID)
	if err != nil {
		return nil, err
	}
	rec, err := e.deliverOne(ctx, ep, entry.Event)
	if err != nil {
		return nil, err
	}
	// The redrive outcome supersedes the parked entry: success consumes it,
	// and a failure has already parked a fresh entry with current counts.
	if err := e.log.ResolveDLQ(ctx, principal.OrgID, entryID); err != nil {
		return nil, err
	}
	return rec, nil
}
