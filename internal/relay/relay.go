// Package relay bridges the Redis pub/sub broker to the session registry.
// It owns the single broker connection: a pattern subscription covering all
// session traffic inbound, and the publish surface the REST layer uses to
// inject game inputs.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bmadlife/backend/internal/session"
)

// ErrNotConnected is returned by the publish methods when the broker link
// is down. Callers surface it as service-unavailable; retrying here could
// reorder game actions.
var ErrNotConnected = errors.New("broker is not connected")

// selfInputPrefix marks subjects the backend publishes itself. Inbound
// messages under it are never re-delivered to our own listeners; the
// originating client already has confirmation from its request cycle.
const selfInputPrefix = "input."

const probeTimeout = 500 * time.Millisecond

// Relay is the broker bridge. One per process.
type Relay struct {
	client    *redis.Client
	registry  *session.Registry
	skins     *SkinIndex
	namespace string
	pubsub    *redis.PubSub
	done      chan struct{}
	logger    *slog.Logger
}

// New builds a relay talking to the broker at addr. Subjects are rooted at
// namespace (e.g. "arena"). Call Connect before use.
func New(addr, namespace string, skins *SkinIndex, registry *session.Registry, logger *slog.Logger) *Relay {
	return &Relay{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		registry:  registry,
		skins:     skins,
		namespace: namespace,
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Connect verifies the broker link and starts the wildcard subscription.
// go-redis re-establishes pattern subscriptions across its own reconnects,
// so no manual re-subscribe happens here; reconnect handling is log-only.
func (r *Relay) Connect(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}

	pattern := r.namespace + ".*"
	r.pubsub = r.client.PSubscribe(ctx, pattern)
	if _, err := r.pubsub.Receive(ctx); err != nil {
		// Leave pubsub nil so Close does not wait on a listen goroutine
		// that never started.
		r.pubsub.Close()
		r.pubsub = nil
		return fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	go r.listen()
	r.logger.Info("broker connected", "pattern", pattern)
	return nil
}

func (r *Relay) listen() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		r.handleMessage(msg.Channel, []byte(msg.Payload))
	}
}

// handleMessage dispatches one inbound broker message to the registry.
// Malformed subjects and payloads are logged and dropped; one bad message
// must not break a session's stream.
func (r *Relay) handleMessage(subject string, data []byte) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		r.logger.Warn("unexpected broker subject format", "subject", subject)
		return
	}

	sessionID := parts[1]
	suffix := strings.Join(parts[2:], ".")

	// Self-echo prevention: skip inputs the backend itself published.
	if strings.HasPrefix(suffix, selfInputPrefix) {
		return
	}

	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		payload = string(data)
	}
	payload = r.skins.Enrich(payload)

	r.registry.Broadcast(sessionID, r.namespace+"."+suffix, payload)
}

// Connected probes the broker link. go-redis exposes no connection flag and
// reconnects on its own, so a short ping is the only answer that cannot go
// stale.
func (r *Relay) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

// PublishInit announces a new game session on <namespace>.init so the
// game swarm starts listening for it.
func (r *Relay) PublishInit(ctx context.Context, sessionID string, params map[string]string) error {
	body := map[string]any{"session_id": sessionID}
	if len(params) > 0 {
		body["query_params"] = params
	}
	subject := r.namespace + ".init"
	if err := r.publish(ctx, subject, body); err != nil {
		return err
	}
	r.logger.Info("published init", "subject", subject, "session_id", sessionID)
	return nil
}

// PublishInput injects a player input on the session's reserved input
// subject, e.g. <namespace>.<session>.input.fakenews.
func (r *Relay) PublishInput(ctx context.Context, sessionID, kind string, payload map[string]any) error {
	subject := r.namespace + "." + sessionID + "." + selfInputPrefix + kind
	if err := r.publish(ctx, subject, payload); err != nil {
		return err
	}
	r.logger.Info("published input", "subject", subject)
	return nil
}

func (r *Relay) publish(ctx context.Context, subject string, body map[string]any) error {
	if !r.Connected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", subject, err)
	}
	if err := r.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Close drains the subscription before closing the broker link: the
// subscription channel is closed first, the listen goroutine finishes the
// message in hand, then the client goes down. No message is dropped
// mid-delivery.
func (r *Relay) Close() error {
	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			r.logger.Warn("closing subscription", "error", err)
		}
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			r.logger.Warn("timed out draining broker messages")
		}
	}
	return r.client.Close()
}
