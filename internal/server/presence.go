package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceChannel = "voicelink:presence"
	presenceKey     = "voicelink:online"
)

type presenceEvent struct {
	Event        string    `json:"event"`
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Presence mirrors connection state into redis so other processes can
// observe who is online. A nil Presence is a no-op, for deployments
// without redis.
type Presence struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewPresence(client *redis.Client, logger *slog.Logger) *Presence {
	return &Presence{
		redis:  client,
		logger: logger.With("component", "presence"),
	}
}

func (p *Presence) ConnectionOnline(ctx context.Context, connID, userID string) {
	if p == nil {
		return
	}

	if err := p.redis.HSet(ctx, presenceKey, connID, userID).Err(); err != nil {
		p.logger.Error("failed to record presence", "connection_id", connID, "error", err)
		return
	}
	p.publish(ctx, presenceEvent{
		Event:        "connected",
		ConnectionID: connID,
		UserID:       userID,
		Timestamp:    time.Now(),
	})
}

func (p *Presence) ConnectionOffline(ctx context.Context, connID string) {
	if p == nil {
		return
	}

	removed, err := p.redis.HDel(ctx, presenceKey, connID).Result()
	if err != nil {
		p.logger.Error("failed to clear presence", "connection_id", connID, "error", err)
		return
	}
	if removed == 0 {
		return
	}
	p.publish(ctx, presenceEvent{
		Event:        "disconnected",
		ConnectionID: connID,
		Timestamp:    time.Now(),
	})
}

// OnlineCount reports how many connections are registered across all
// server processes sharing this redis.
func (p *Presence) OnlineCount(ctx context.Context) (int64, error) {
	if p == nil {
		return 0, nil
	}
	return p.redis.HLen(ctx, presenceKey).Result()
}

func (p *Presence) publish(ctx context.Context, event presenceEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.redis.Publish(ctx, presenceChannel, data).Err(); err != nil {
		p.logger.Error("failed to publish presence event", "error", err)
	}
}
