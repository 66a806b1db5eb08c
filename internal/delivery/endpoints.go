package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/api/apix"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

// RegisterEndpoint stores a webhook destination for the principal's tenant.
// Omitted fields fall back to POST, AT_LEAST_ONCE, the stock retry policy,
// and the engine's attempt timeout. Registrations expire after the endpoint
// TTL unless refreshed by an update.
func (e *Engine) RegisterEndpoint(ctx context.Context, principal models.Principal, req apix.RegisterEndpointRequest) (*models.DeliveryEndpoint, error) {
	now := time.Now().UTC()
	ep := &models.DeliveryEndpoint{
		EndpointID:  uuid.New().String(),
		OrgID:       principal.OrgID,
		Method:      http.MethodPost,
		TimeoutMs:   e.cfg.AttemptTimeout.Milliseconds(),
		RetryPolicy: models.DefaultRetryPolicy(),
		Semantics:   models.AtLeastOnce,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := applyEndpointRequest(ep, req); err != nil {
		return nil, err
	}
	if ep.URL == "" {
		return nil, fmt.Errorf("%w: url required", ErrInvalidEndpoint)
	}
	if err := e.store.SetJSON(ctx, redis.KeyEndpoint(ep.OrgID, ep.EndpointID), ep, e.cfg.EndpointTTL); err != nil {
		return nil, err
	}
	e.logger.WithFields(logging.Fields{
		"org_id":      ep.OrgID,
		"endpoint_id": ep.EndpointID,
		"semantics":   ep.Semantics,
	}).Info("Endpoint registered")
	return ep, nil
}

// UpdateEndpoint patches an endpoint in place; zero request fields keep their
// stored values. An update refreshes the registration TTL.
func (e *Engine) UpdateEndpoint(ctx context.Context, principal models.Principal, endpointID string, req apix.RegisterEndpointRequest) (*models.DeliveryEndpoint, error) {
	ep, err := e.GetEndpoint(ctx, principal, endpointID)
	if err != nil {
		return nil, err
	}
	if err := applyEndpointRequest(ep, req); err != nil {
		return nil, err
	}
	ep.UpdatedAt = time.Now().UTC()
	if err := e.store.SetJSON(ctx, redis.KeyEndpoint(ep.OrgID, ep.EndpointID), ep, e.cfg.EndpointTTL); err != nil {
		return nil, err
	}
	return ep, nil
}

// GetEndpoint loads one endpoint. Foreign tenants read as not found because
// the key embeds the caller's orgId.
func (e *Engine) GetEndpoint(ctx context.Context, principal models.Principal, endpointID string) (*models.DeliveryEndpoint, error) {
	var ep models.DeliveryEndpoint
	found, err := e.store.GetJSON(ctx, redis.KeyEndpoint(principal.OrgID, endpointID), &ep)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpointID)
	}
	return &ep, nil
}

// ListEndpoints returns every endpoint of the tenant, oldest first.
func (e *Engine) ListEndpoints(ctx context.Context, principal models.Principal) ([]models.DeliveryEndpoint, error) {
	keys, err := e.store.ScanKeys(ctx, redis.PatternEndpoints(principal.OrgID))
	if err != nil {
		return nil, err
	}
	endpoints := make([]models.DeliveryEndpoint, 0, len(keys))
	for _, key := range keys {
		var ep models.DeliveryEndpoint
		found, err := e.store.GetJSON(ctx, key, &ep)
		if err != nil {
			return nil, err
		}
		if found {
			endpoints = append(endpoints, ep)
		}
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if !endpoints[i].CreatedAt.Equal(endpoints[j].CreatedAt) {
			return endpoints[i].CreatedAt.Before(endpoints[j].CreatedAt)
		}
		return endpoints[i].EndpointID < endpoints[j].EndpointID
	})
	return endpoints, nil
}

func applyEndpointRequest(ep *models.DeliveryEndpoint, req apix.RegisterEndpointRequest) error {
	if req.URL != "" {
		ep.URL = req.URL
	}
	if req.Method != "" {
		ep.Method = strings.ToUpper(req.Method)
	}
	if req.Headers != nil {
		ep.Headers = req.Headers
	}
	if req.Secret != "" {
		ep.SecretHeader = req.Secret
	}
	if req.TimeoutMs > 0 {
		ep.TimeoutMs = req.TimeoutMs
	}
	if req.RetryPolicy != nil {
		ep.RetryPolicy = *req.RetryPolicy
	}
	if req.Semantics != "" {
		sem := models.DeliverySemantics(strings.ToUpper(req.Semantics))
		if !sem.Valid() {
			return fmt.Errorf("%w: unknown semantics %q", ErrInvalidEndpoint, req.Semantics)
		}
		ep.Semantics = sem
	}
	if req.Active != nil {
		ep.Active = *req.Active
	}
	return nil
}
