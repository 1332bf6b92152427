package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChangeType identifies the kind of row change carried by an event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Event is one change notification for an assessment request row. Row
// carries the authoritative post-change snapshot so consumers never have
// to re-fetch after an update.
type Event struct {
	Type      ChangeType      `json:"type"`
	RequestID string          `json:"request_id"`
	OwnerID   string          `json:"owner_id"`
	Row       json.RawMessage `json:"row,omitempty"`
}

const globalChannel = "requests.changes"

func requestChannel(requestID string) string {
	return fmt.Sprintf("%s.%s", globalChannel, requestID)
}

// Feed publishes and delivers change events over redis pub/sub. Every
// event fans out to the global channel and to the per-request channel so
// list views and detail views can subscribe at their own scope.
type Feed struct {
	client *redis.Client
	logger *zap.Logger
}

// NewFeed wraps a connected redis client.
func NewFeed(client *redis.Client, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{client: client, logger: logger}
}

// Publish broadcasts the event on both scopes. Failures are returned so
// callers can log them; a lost notification never fails the mutation.
func (f *Feed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, globalChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	if err := f.client.Publish(ctx, requestChannel(event.RequestID), payload).Err(); err != nil {
		return fmt.Errorf("publish scoped change event: %w", err)
	}
	return nil
}

// Subscribe opens a subscription for one view scope. An empty requestID
// subscribes to all request changes. The returned cancel func must be
// called when the view is torn down; it closes the redis subscription
// and the event channel.
func (f *Feed) Subscribe(ctx context.Context, requestID string) (<-chan Event, func(), error) {
	channel := globalChannel
	if requestID != "" {
		channel = requestChannel(requestID)
	}

	sub := f.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				f.logger.Warn("dropping malformed change event", zap.Error(err), zap.String("channel", channel))
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() {
		_ = sub.Close()
	}
	return events, cancel, nil
}
