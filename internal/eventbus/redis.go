package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DoyleJ11/board-session-sync/internal/metrics"
	"github.com/DoyleJ11/board-session-sync/internal/queue"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

// envelope is the broadcast wire format shared by all instances.
type envelope struct {
	Instance  string              `json:"instance"`
	Kind      string              `json:"kind"`
	SessionID string              `json:"session_id"`
	Queue     *queue.Event        `json:"queue,omitempty"`
	Session   *types.SessionEvent `json:"session,omitempty"`
}

// Redis delivers locally and broadcasts through one Redis pub/sub channel.
// Envelopes published by this instance are skipped on receipt since they
// were already delivered locally.
type Redis struct {
	*Local
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedis(client redis.UniversalClient, channel, instanceID string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		Local:      NewLocal(),
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.Named("eventbus"),
	}
}

// Start subscribes to the broadcast channel and waits for the subscription
// to be confirmed before returning, so no remote event published after Start
// is missed.
func (r *Redis) Start(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsub = ps
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.listen(ps.Channel(), r.done)

	r.logger.Info("event bus subscribed",
		zap.String("channel", r.channel),
		zap.String("instance_id", r.instanceID))
	return nil
}

func (r *Redis) listen(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("failed to unmarshal event envelope", zap.Error(err))
			continue
		}
		if env.Instance == r.instanceID {
			continue
		}
		switch env.Kind {
		case kindQueue:
			if env.Queue != nil {
				r.deliverQueue(env.SessionID, *env.Queue)
			}
		case kindSession:
			if env.Session != nil {
				r.deliverSession(env.SessionID, *env.Session)
			}
		default:
			r.logger.Warn("unknown event envelope kind", zap.String("kind", env.Kind))
		}
	}
}

// Close stops the listener and waits for it to exit.
func (r *Redis) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub = nil
	r.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (r *Redis) PublishQueueEvent(ctx context.Context, sessionID string, ev queue.Event) error {
	r.deliverQueue(sessionID, ev)
	metrics.EventsPublished.WithLabelValues(kindQueue, string(ev.Type)).Inc()
	return r.broadcast(ctx, envelope{Kind: kindQueue, SessionID: sessionID, Queue: &ev})
}

func (r *Redis) PublishSessionEvent(ctx context.Context, sessionID string, ev types.SessionEvent) error {
	r.deliverSession(sessionID, ev)
	metrics.EventsPublished.WithLabelValues(kindSession, string(ev.Type)).Inc()
	return r.broadcast(ctx, envelope{Kind: kindSession, SessionID: sessionID, Session: &ev})
}

func (r *Redis) broadcast(ctx context.Context, env envelope) error {
	env.Instance = r.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", env.Kind, err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", env.Kind, err)
	}
	return nil
}
