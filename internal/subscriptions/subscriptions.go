// Package subscriptions persists per-user channel subscriptions and keeps
// the channel -> subscribers index the router fans out against. Filters are
// structured predicates evaluated by a fixed interpreter; clients never send
// code.
package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logstore"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/crypto"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/redis"
)

var (
	// ErrDuplicate rejects a create or update that would leave two active
	// subscriptions with the same (user, channel, filter) shape.
	ErrDuplicate = errors.New("subscriptions: duplicate subscription")
	// ErrNotFound is returned for unknown or foreign subscription ids.
	ErrNotFound = errors.New("subscriptions: not found")
	// ErrNotOwner rejects updates and deletes by anyone but the creator.
	ErrNotOwner = errors.New("subscriptions: not owned by caller")
)

// Manager owns the durable subscription store.
type Manager struct {
	store  *logstore.Store
	logger logging.Logger
}

// NewManager wires the subscription store.
func NewManager(store *logstore.Store, logger logging.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// FilterHash canonicalizes a filter predicate for duplicate detection. Nil
// filters hash to the same value as an empty predicate.
func FilterHash(filters *models.SubscriptionFilters) (string, error) {
	if filters == nil {
		filters = &models.SubscriptionFilters{}
	}
	return crypto.Checksum(filters)
}

// Create persists a subscription for the principal. The tenant and user are
// taken from the principal, never from the request body.
func (m *Manager) Create(ctx context.Context, principal models.Principal, channel string, filters *models.SubscriptionFilters) (*models.Subscription, error) {
	if channel == "" {
		return nil, fmt.Errorf("subscriptions: channel required")
	}
	hash, err := FilterHash(filters)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: hash filters: %w", err)
	}
	dup, err := m.findActive(ctx, principal.OrgID, principal.UserID, channel, hash)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		return nil, fmt.Errorf("%w: %s already subscribes to %s with the same filters", ErrDuplicate, principal.UserID, channel)
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		SubscriptionID: uuid.New().String(),
		OrgID:          principal.OrgID,
		UserID:         principal.UserID,
		Channel:        channel,
		Filters:        filters,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.persist(ctx, sub); err != nil {
		return nil, err
	}
	if err := m.index(ctx, sub); err != nil {
		return nil, err
	}
	m.logger.WithFields(logging.Fields{
		"org_id":          sub.OrgID,
		"user_id":         sub.UserID,
		"channel":         sub.Channel,
		"subscription_id": sub.SubscriptionID,
	}).Info("Subscription created")
	return sub, nil
}

// Get loads one subscription, active or not, scoped to the tenant.
func (m *Manager) Get(ctx context.Context, orgID, subID string) (*models.Subscription, error) {
	var sub models.Subscription
	found, err := m.store.HGetJSON(ctx, redis.KeySubscriptions(orgID), subID, &sub)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, subID)
	}
	return &sub, nil
}

// List returns all active subscriptions for a tenant.
func (m *Manager) List(ctx context.Context, orgID string) ([]models.Subscription, error) {
	raw, err := m.store.HGetAll(ctx, redis.KeySubscriptions(orgID))
	if err != nil {
		return nil, err
	}
	return m.decodeActive(orgID, raw, func(*models.Subscription) bool { return true }), nil
}

// ListByUser returns the user's active subscriptions.
func (m *Manager) ListByUser(ctx context.Context, orgID, userID string) ([]models.Subscription, error) {
	raw, err := m.store.HGetAll(ctx, redis.KeySubscriptions(orgID))
	if err != nil {
		return nil, err
	}
	return m.decodeActive(orgID, raw, func(s *models.Subscription) bool { return s.UserID == userID }), nil
}

// Validate reports whether the user holds any active subscription on the
// channel. Gateways call this before joining a session to a channel room.
func (m *Manager) Validate(ctx context.Context, orgID, userID, channel string) (bool, error) {
	subs, err := m.channelSubs(ctx, orgID, channel)
	if err != nil {
		return false, err
	}
	for i := range subs {
		if subs[i].UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Subscribers returns the distinct user ids with an active subscription on
// the channel.
func (m *Manager) Subscribers(ctx context.Context, orgID, channel string) ([]string, error) {
	subs, err := m.channelSubs(ctx, orgID, channel)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(subs))
	users := make([]string, 0, len(subs))
	for i := range subs {
		if seen[subs[i].UserID] {
			continue
		}
		seen[subs[i].UserID] = true
		users = append(users, subs[i].UserID)
	}
	return users, nil
}

// ChannelSubscriptions returns the active subscriptions on a channel with
// their filters, for router fan-out.
func (m *Manager) ChannelSubscriptions(ctx context.Context, orgID, channel string) ([]models.Subscription, error) {
	return m.channelSubs(ctx, orgID, channel)
}

// Update replaces a subscription's filters. Only the creator may update, and
// the new shape must not collide with another active subscription.
func (m *Manager) Update(ctx context.Context, principal models.Principal, subID string, filters *models.SubscriptionFilters) (*models.Subscription, error) {
	sub, err := m.Get(ctx, principal.OrgID, subID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, subID)
	}
	if sub.UserID != principal.UserID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, subID)
	}

	hash, err := FilterHash(filters)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: hash filters: %w", err)
	}
	dup, err := m.findActive(ctx, sub.OrgID, sub.UserID, sub.Channel, hash)
	if err != nil {
		return nil, err
	}
	if dup != nil && dup.SubscriptionID != subID {
		return nil, fmt.Errorf("%w: filters collide with %s", ErrDuplicate, dup.SubscriptionID)
	}

	sub.Filters = filters
	sub.UpdatedAt = time.Now().UTC()
	if err := m.persist(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete soft-deletes: the record stays for audit with isActive false, and
// the hot-path indexes forget it.
func (m *Manager) Delete(ctx context.Context, principal models.Principal, subID string) error {
	sub, err := m.Get(ctx, principal.OrgID, subID)
	if err != nil {
		return err
	}
	if !sub.IsActive {
		return fmt.Errorf("%w: %s", ErrNotFound, subID)
	}
	if sub.UserID != principal.UserID {
		return fmt.Errorf("%w: %s", ErrNotOwner, subID)
	}

	sub.IsActive = false
	sub.UpdatedAt = time.Now().UTC()
	if err := m.persist(ctx, sub); err != nil {
		return err
	}
	if err := m.store.SRem(ctx, redis.KeySubscriptionsByUser(sub.OrgID, sub.UserID), subID); err != nil {
		return err
	}
	if err := m.store.SRem(ctx, redis.KeySubscriptionsByChannel(sub.OrgID, sub.Channel), subID); err != nil {
		return err
	}
	m.logger.WithFields(logging.Fields{
		"org_id":          sub.OrgID,
		"subscription_id": subID,
	}).Info("Subscription deleted")
	return nil
}

// ApplyFilters evaluates a subscription against an event: tenant and channel
// must line up and every filter clause must pass.
func (m *Manager) ApplyFilters(sub *models.Subscription, event *models.Event) bool {
	if sub == nil || event == nil {
		return false
	}
	if !sub.IsActive || sub.OrgID != event.OrgID || sub.Channel != event.Channel {
		return false
	}
	return sub.Filters.Matches(event)
}

func (m *Manager) persist(ctx context.Context, sub *models.Subscription) error {
	return m.store.HSetJSON(ctx, redis.KeySubscriptions(sub.OrgID), sub.SubscriptionID, sub)
}

func (m *Manager) index(ctx context.Context, sub *models.Subscription) error {
	if err := m.store.SAdd(ctx, redis.KeySubscriptionsByUser(sub.OrgID, sub.UserID), sub.SubscriptionID); err != nil {
		return err
	}
	return m.store.SAdd(ctx, redis.KeySubscriptionsByChannel(sub.OrgID, sub.Channel), sub.SubscriptionID)
}

// findActive returns the user's active subscription on the channel with the
// given filter hash, if any.
func (m *Manager) findActive(ctx context.Context, orgID, userID, channel, hash string) (*models.Subscription, error) {
	ids, err := m.store.SMembers(ctx, redis.KeySubscriptionsByUser(orgID, userID))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		var sub models.Subscription
		found, err := m.store.HGetJSON(ctx, redis.KeySubscriptions(orgID), id, &sub)
		if err != nil {
			return nil, err
		}
		if !found || !sub.IsActive || sub.Channel != channel {
			continue
		}
		h, err := FilterHash(sub.Filters)
		if err != nil {
			return nil, err
		}
		if h == hash {
			return &sub, nil
		}
	}
	return nil, nil
}

func (m *Manager) channelSubs(ctx context.Context, orgID, channel string) ([]models.Subscription, error) {
	ids, err := m.store.SMembers(ctx, redis.KeySubscriptionsByChannel(orgID, channel))
	if err != nil {
		return nil, err
	}
	subs := make([]models.Subscription, 0, len(ids))
	for _, id := range ids {
		var sub models.Subscription
		found, err := m.store.HGetJSON(ctx, redis.KeySubscriptions(orgID), id, &sub)
		if err != nil {
			return nil, err
		}
		if !found {
			// Index entry outlived the record; heal it.
			if rmErr := m.store.SRem(ctx, redis.KeySubscriptionsByChannel(orgID, channel), id); rmErr != nil {
				m.logger.WithError(rmErr).WithField("subscription_id", id).Warn("Failed to prune stale subscription index")
			}
			continue
		}
		if !sub.IsActive {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (m *Manager) decodeActive(orgID string, raw map[string]string, keep func(*models.Subscription) bool) []models.Subscription {
	subs := make([]models.Subscription, 0, len(raw))
	for id, data := range raw {
		var sub models.Subscription
		if err := decodeJSON(data, &sub); err != nil {
			m.logger.WithError(err).WithFields(logging.Fields{
				"org_id":          orgID,
				"subscription_id": id,
			}).Warn("Skipping undecodable subscription record")
			continue
		}
		if !sub.IsActive || !keep(&sub) {
			continue
		}
		subs = append(subs, sub)
	}
	return subs
}

func decodeJSON(data string, out interface{}) error {
	return json.Unmarshal([]byte(data), out)
}
