// Package bus is the embedded publish/subscribe broker. Topics are
// dot-separated; modules register with an allowed-topic list that acts
// as a publish ACL.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aico-ai/gateway/pkg/log"
	"github.com/aico-ai/gateway/pkg/metrics"
)

// Publish errors.
var (
	ErrStopped        = errors.New("broker stopped")
	ErrTopicForbidden = errors.New("topic not in module allow-list")
)

// Envelope is one published message.
type Envelope struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Source        string            `json:"source"`
	MessageType   string            `json:"message_type,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Priority      int               `json:"priority"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Handler consumes envelopes delivered to a subscription.
type Handler func(env *Envelope)

// Sink receives every published envelope for durable storage. Sink failures
// never fail the publish.
type Sink interface {
	AppendEvent(env *Envelope) error
}

type subscription struct {
	id      string
	pattern string
	handler Handler
	ch      chan *Envelope
	done    chan struct{}
}

// Broker is the embedded publish/subscribe broker. Delivery is
// per-subscriber FIFO: each subscription owns a buffered channel drained by
// a single dispatch goroutine.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	sink    Sink
	stopped bool
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewBroker creates a broker. sink may be nil to disable persistence.
func NewBroker(sink Sink) *Broker {
	return &Broker{
		subs:   make(map[string]*subscription),
		sink:   sink,
		logger: log.WithComponent("bus"),
	}
}

// Publish fans an envelope out to every matching subscription. Slow
// subscribers with a full buffer drop the message rather than block the
// publisher.
func (b *Broker) Publish(topic string, payload json.RawMessage, opts ...PublishOption) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(env)
	}

	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return nil, ErrStopped
	}
	var targets []*subscription
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if b.sink != nil {
		if err := b.sink.AppendEvent(env); err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("event persistence failed")
		}
	}

	metrics.BusPublishedTotal.WithLabelValues(topicPrefix(topic)).Inc()

	for _, sub := range targets {
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn().
				Str("topic", topic).
				Str("pattern", sub.pattern).
				Msg("subscriber buffer full, dropping message")
		}
	}

	return env, nil
}

// PublishOption customizes an outgoing envelope.
type PublishOption func(*Envelope)

// WithCorrelationID tags the envelope for request/reply matching.
func WithCorrelationID(id string) PublishOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithSource records the publishing module.
func WithSource(source string) PublishOption {
	return func(e *Envelope) { e.Source = source }
}

// WithMessageType records the routed message kind.
func WithMessageType(mt string) PublishOption {
	return func(e *Envelope) { e.MessageType = mt }
}

// WithMetadata attaches metadata to the envelope.
func WithMetadata(md map[string]string) PublishOption {
	return func(e *Envelope) { e.Metadata = md }
}

// Subscribe registers a handler for a topic pattern and returns the
// subscription id for Unsubscribe.
func (b *Broker) Subscribe(pattern string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return "", ErrStopped
	}

	sub := &subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
		ch:      make(chan *Envelope, 64),
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.dispatch(sub)

	return sub.id, nil
}

// Unsubscribe removes a subscription and stops its dispatch goroutine.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.done)
	}
}

// dispatch drains one subscription channel in order.
func (b *Broker) dispatch(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case env := <-sub.ch:
			sub.handler(env)
		case <-sub.done:
			return
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stop terminates all subscriptions and waits for dispatch goroutines.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
	b.wg.Wait()
}

// MatchTopic reports whether a dotted topic matches a pattern. "seg.*"
// matches exactly one segment at that position; "seg.**" matches any
// non-empty tail.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	pparts := strings.Split(pattern, ".")
	tparts := strings.Split(topic, ".")

	for i, pp := range pparts {
		if pp == "**" {
			return i < len(tparts)
		}
		if i >= len(tparts) {
			return false
		}
		if pp == "*" {
			continue
		}
		if pp != tparts[i] {
			return false
		}
	}
	return len(pparts) == len(tparts)
}

func topicPrefix(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}

// ModuleClient is a scoped bus handle whose publishes are rejected for
// topics outside its allow-list. Wildcards are honored in allow entries.
type ModuleClient struct {
	name    string
	allowed []string
	broker  *Broker
}

// RegisterModule returns a scoped client for a named module.
func (b *Broker) RegisterModule(name string, allowedTopics []string) *ModuleClient {
	return &ModuleClient{
		name:    name,
		allowed: append([]string(nil), allowedTopics...),
		broker:  b,
	}
}

// Publish publishes under the module's identity after the topic ACL check.
func (m *ModuleClient) Publish(topic string, payload json.RawMessage, opts ...PublishOption) (*Envelope, error) {
	if !m.allowedTopic(topic) {
		return nil, fmt.Errorf("%w: module %s, topic %s", ErrTopicForbidden, m.name, topic)
	}
	opts = append(opts, WithSource(m.name))
	return m.broker.Publish(topic, payload, opts...)
}

// Subscribe proxies to the broker; subscriptions are unrestricted.
func (m *ModuleClient) Subscribe(pattern string, handler Handler) (string, error) {
	return m.broker.Subscribe(pattern, handler)
}

func (m *ModuleClient) allowedTopic(topic string) bool {
	for _, allow := range m.allowed {
		if MatchTopic(allow, topic) {
			return true
		}
	}
	return false
}
