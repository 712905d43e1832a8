package data

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stake-plus/member-proposals/src/lifecycle"
)

// StreamProposalEvents is the redis stream lifecycle events are appended to.
const StreamProposalEvents = "proposals.events"

// ConnectRedis parses url and returns a client that has answered a PING.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

var _ lifecycle.EventSink = (*StreamPublisher)(nil)

// StreamPublisher appends lifecycle events to a capped redis stream.
type StreamPublisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher publishes to StreamProposalEvents, keeping roughly the
// last maxLen entries. maxLen <= 0 disables trimming.
func NewStreamPublisher(rdb *redis.Client, maxLen int64) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: StreamProposalEvents, maxLen: maxLen}
}

// Publish implements lifecycle.EventSink.
func (p *StreamPublisher) Publish(ctx context.Context, ev lifecycle.Event) error {
	return PublishMessage(ctx, p.rdb, p.stream, p.maxLen, map[string]interface{}{
		"event_id":    uuid.NewString(),
		"kind":        string(ev.Kind),
		"proposal_id": ev.ProposalID,
		"name":        ev.Name,
		"actor":       ev.Actor.String(),
		"deadline":    ev.Deadline.Unix(),
		"at":          ev.At.UTC().Format(time.RFC3339),
	})
}

// PublishMessage appends payload to stream.
func PublishMessage(ctx context.Context, rdb *redis.Client, stream string, maxLen int64, payload map[string]interface{}) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: payload,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	_, err := rdb.XAdd(ctx, args).Result()
	return err
}
