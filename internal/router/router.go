// Package router resolves event types to delivery channels and drives the
// fan-out: durable append per channel, then the live broadcast. The route
// table is copy-on-write so the hot path never takes a write lock.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/models"
)

// Wildcard routes match every event type.
const Wildcard = "*"

// Transformation mutates a routed copy before it is persisted. Named so
// route listings and logs can say what ran.
type Transformation struct {
	Name  string
	Apply func(event *models.Event)
}

// Route maps one event type to the channels that carry it.
type Route struct {
	EventType       string
	Channels        []string
	Transformations []Transformation
}

// Broadcaster delivers a stored event to the live sessions of its channel
// room. Implemented by the session gateway; per-session subscription filters
// are applied at the socket.
type Broadcaster interface {
	Broadcast(event *models.Event)
}

// Router owns the route table and the fan-out sequence.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Route

	log    *eventlog.Log
	gate   Broadcaster
	logger logging.Logger
}

// New builds a router over the durable log. gate may be nil when no live
// transport is attached (ingest-only deployments).
func New(log *eventlog.Log, gate Broadcaster, logger logging.Logger) *Router {
	return &Router{
		routes: make(map[string]Route),
		log:    log,
		gate:   gate,
		logger: logger,
	}
}

// SetBroadcaster attaches the live transport after construction. The
// gateway depends on the publisher, which wraps this router, so the
// broadcaster binds last during wiring.
func (r *Router) SetBroadcaster(gate Broadcaster) {
	r.mu.Lock()
	r.gate = gate
	r.mu.Unlock()
}

// AddRoute installs or replaces the route for route.EventType.
func (r *Router) AddRoute(route Route) error {
	if route.EventType == "" {
		return fmt.Errorf("router: route without event type")
	}
	if len(route.Channels) == 0 {
		return fmt.Errorf("router: route %s without channels", route.EventType)
	}
	r.mu.Lock()
	next := make(map[string]Route, len(r.routes)+1)
	for k, v := range r.routes {
		next[k] = v
	}
	next[route.EventType] = route
	r.routes = next
	r.mu.Unlock()
	return nil
}

// RemoveRoute drops the route for an event type. Removing an absent route
// is a no-op.
func (r *Router) RemoveRoute(eventType string) {
	r.mu.Lock()
	if _, ok := r.routes[eventType]; ok {
		next := make(map[string]Route, len(r.routes))
		for k, v := range r.routes {
			if k != eventType {
				next[k] = v
			}
		}
		r.routes = next
	}
	r.mu.Unlock()
}

// Routes returns a snapshot of the table.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	return out
}

// resolve returns the (channel, transformations) targets for an event. With
// no matching route the event flows to its own channel untransformed.
type target struct {
	channel    string
	transforms []Transformation
}

func (r *Router) resolve(event *models.Event) []target {
	r.mu.RLock()
	exact, hasExact := r.routes[event.EventType]
	wild, hasWild := r.routes[Wildcard]
	r.mu.RUnlock()

	var targets []target
	seen := make(map[string]bool)
	add := func(route Route) {
		for _, ch := range route.Channels {
			if seen[ch] {
				continue
			}
			seen[ch] = true
			targets = append(targets, target{channel: ch, transforms: route.Transformations})
		}
	}
	if hasExact {
		add(exact)
	}
	if hasWild {
		add(wild)
	}
	if len(targets) == 0 && event.Channel != "" && !seen[event.Channel] {
		targets = append(targets, target{channel: event.Channel})
	}
	return targets
}

// Route fans an event out: one durable per-channel copy each, then the live
// broadcast. The first append carries the dedup gate so a client retry of
// the same payload is rejected; the remaining copies intentionally share the
// payload and skip it. Returns the stored copies in channel order.
func (r *Router) Route(ctx context.Context, event *models.Event) ([]*models.Event, error) {
	if event.OrgID == "" {
		return nil, fmt.Errorf("router: event without orgId")
	}
	targets := r.resolve(event)
	if len(targets) == 0 {
		return nil, fmt.Errorf("router: no channel resolves for %s", event.EventType)
	}

	stored := make([]*models.Event, 0, len(targets))
	for i, tgt := range targets {
		copyEv := *event
		copyEv.ID = ""
		copyEv.SequenceNumber = 0
		copyEv.Channel = tgt.channel
		if len(tgt.transforms) > 0 {
			// Transforms mutate; give them their own maps so sibling copies
			// stay untouched. The payload change also invalidates any
			// client-supplied checksum.
			copyEv.Checksum = ""
			copyEv.Payload = cloneJSONB(copyEv.Payload)
			copyEv.Metadata = cloneJSONB(copyEv.Metadata)
			for _, tf := range tgt.transforms {
				if tf.Apply != nil {
					tf.Apply(&copyEv)
				}
			}
		}

		var opts []eventlog.AppendOption
		if i > 0 {
			opts = append(opts, eventlog.WithoutDedup())
		}
		appended, err := r.log.Append(ctx, &copyEv, opts...)
		if err != nil {
			return stored, fmt.Errorf("router: append to %s: %w", tgt.channel, err)
		}
		stored = append(stored, appended)
	}

	r.mu.RLock()
	gate := r.gate
	r.mu.RUnlock()
	if gate != nil {
		for _, ev := range stored {
			gate.Broadcast(ev)
		}
	}
	return stored, nil
}

func cloneJSONB(m models.JSONB) models.JSONB {
	if m == nil {
		return nil
	}
	out := make(models.JSONB, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
