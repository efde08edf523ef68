package propagate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/status"
)

// DefaultChannel is the pub/sub channel faults are published on.
const DefaultChannel = "anvil.faults"

// Notifier re-injects faults received from peers into the local bus.
type Notifier interface {
	Notify(code status.Code, source attr.ProcName, info attr.Collection, done func(pending.Result))
}

// RedisBroadcaster publishes faults as JSON on a Redis channel so that head
// nodes sharing co-launched jobs learn of each other's failures.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Broadcaster = (*RedisBroadcaster)(nil)

// NewRedisBroadcaster wraps client. Each broadcaster tags what it publishes
// with a fresh origin so that Listen skips its own faults.
func NewRedisBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Origin returns the tag attached to every published fault.
func (b *RedisBroadcaster) Origin() string {
	return b.origin
}

// Broadcast implements Broadcaster.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, f Fault) error {
	f.Origin = b.origin
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode fault: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish fault: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and notifies n of every fault published
// by another origin. It returns when ctx is cancelled.
func (b *RedisBroadcaster) Listen(ctx context.Context, n Notifier) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("listening for remote faults", "channel", b.channel, "origin", b.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f, err := decodeFault(msg.Payload)
			if err != nil {
				b.logger.Error("invalid fault message", "channel", b.channel, "error", err)
				continue
			}
			if f.Origin == b.origin {
				continue
			}
			b.logger.Debug("remote fault received", "job_id", f.JobID, "code", f.Code.String(), "origin", f.Origin)
			n.Notify(f.Code, f.Source(), f.Info(), nil)
		}
	}
}

func decodeFault(payload string) (Fault, error) {
	var f Fault
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return Fault{}, fmt.Errorf("decode fault: %w", err)
	}
	if f.JobID == "" {
		return Fault{}, fmt.Errorf("fault without job id: %w", status.ErrBadParam)
	}
	return f, nil
}
