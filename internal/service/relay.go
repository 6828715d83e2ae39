package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/observability"
)

// Relay envelope kinds.
const (
	relayKindPush   = "push"
	relayKindRoster = "roster"
)

// relayEnvelope carries events between nodes. Push envelopes list the recipients the origin
// node could not reach locally; each node delivers to the ones connected to it.
type relayEnvelope struct {
	Source     string        `json:"source"`
	Kind       string        `json:"kind"`
	Recipients []string      `json:"recipients,omitempty"`
	Event      *relayedEvent `json:"event,omitempty"`
	Roster     *RosterEvent  `json:"roster,omitempty"`
	SentAt     time.Time     `json:"sent_at"`
}

type relayedEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// clusterRelay publishes chat events to the other nodes over NATS, or Redis pub/sub when NATS
// is not configured.
type clusterRelay struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger
}

func newClusterRelay(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *clusterRelay {
	relay := &clusterRelay{
		nodeID: uuid.NewString(),
		logger: logger.With().Str("component", "chat_relay").Logger(),
	}
	if channelBase == "" {
		return relay
	}
	if natsConn != nil {
		relay.nats = natsConn
		relay.natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".chat"
		return relay
	}
	if redisClient != nil {
		relay.redis = redisClient
		relay.redisChannel = channelBase + ":chat"
	}
	return relay
}

func (r *clusterRelay) enabled() bool {
	return r != nil && (r.nats != nil || r.redis != nil)
}

func (r *clusterRelay) publishPush(ctx context.Context, recipients []string, event dto.Event) error {
	if !r.enabled() || len(recipients) == 0 {
		return nil
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	return r.publish(ctx, relayEnvelope{
		Kind:       relayKindPush,
		Recipients: recipients,
		Event:      &relayedEvent{Event: event.Event, Data: data},
	})
}

func (r *clusterRelay) publishRoster(ctx context.Context, event RosterEvent) error {
	if !r.enabled() {
		return nil
	}
	return r.publish(ctx, relayEnvelope{Kind: relayKindRoster, Roster: &event})
}

func (r *clusterRelay) publish(ctx context.Context, envelope relayEnvelope) error {
	envelope.Source = r.nodeID
	envelope.SentAt = time.Now().UTC()

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if r.nats != nil {
		return r.nats.Publish(r.natsSubject, payload)
	}
	return r.redis.Publish(ctx, r.redisChannel, payload).Err()
}

func (r *clusterRelay) start(ctx context.Context, handler func(relayEnvelope)) {
	switch {
	case r.nats != nil:
		r.consumeNATS(ctx, handler)
	case r.redis != nil:
		go r.consumeRedis(ctx, handler)
	}
}

func (r *clusterRelay) consumeRedis(ctx context.Context, handler func(relayEnvelope)) {
	pubsub := r.redis.Subscribe(ctx, r.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		r.handle([]byte(msg.Payload), "redis", handler)
	}
}

// consumeNATS subscribes every node to the subject. A queue group would hand each event to a
// single node, while every node may hold recipients.
func (r *clusterRelay) consumeNATS(ctx context.Context, handler func(relayEnvelope)) {
	sub, err := r.nats.Subscribe(r.natsSubject, func(msg *nats.Msg) {
		r.handle(msg.Data, "nats", handler)
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (r *clusterRelay) handle(data []byte, transport string, handler func(relayEnvelope)) {
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		r.logger.Warn().Err(err).Msg("invalid chat relay event")
		return
	}
	if envelope.Source == r.nodeID {
		return
	}

	observability.ChatRelayEvents().WithLabelValues(transport).Inc()
	handler(envelope)
}
