package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Request publishes a payload on topic and waits for an envelope carrying
// the same correlation id on replyTopic. The caller bounds the wait with
// the context; a correlated reply never arriving surfaces as ctx.Err().
func (b *Broker) Request(ctx context.Context, topic, replyTopic string, payload json.RawMessage, opts ...PublishOption) (*Envelope, error) {
	correlationID := uuid.New().String()
	replyCh := make(chan *Envelope, 1)

	subID, err := b.Subscribe(replyTopic, func(env *Envelope) {
		if env.CorrelationID != correlationID {
			return
		}
		select {
		case replyCh <- env:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(subID)

	opts = append(opts, WithCorrelationID(correlationID))
	if _, err := b.Publish(topic, payload, opts...); err != nil {
		return nil, fmt.Errorf("request publish failed: %w", err)
	}

	select {
	case env := <-replyCh:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
