package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		match   bool
	}{
		{"conversation.request", "conversation.request", true},
		{"conversation.request", "conversation.reply", false},
		{"conversation.*", "conversation.request", true},
		{"conversation.*", "conversation.request.v2", false},
		{"conversation.**", "conversation.request.v2", true},
		{"conversation.**", "conversation", false},
		{"**", "anything.at.all", true},
		{"*.request", "echo.request", true},
		{"*.request", "echo.reply", false},
		{"logs.*.error", "logs.gateway.error", true},
		{"logs.*.error", "logs.gateway.warn", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.match, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestPublishSubscribeFanout(t *testing.T) {
	b := NewBroker(nil)
	defer b.Stop()

	var mu sync.Mutex
	var got []string

	_, err := b.Subscribe("echo.*", func(env *Envelope) {
		mu.Lock()
		got = append(got, "wildcard:"+env.Topic)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = b.Subscribe("echo.request", func(env *Envelope) {
		mu.Lock()
		got = append(got, "exact:"+env.Topic)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = b.Publish("echo.request", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPerSubscriberFIFO(t *testing.T) {
	b := NewBroker(nil)
	defer b.Stop()

	var mu sync.Mutex
	var order []int

	_, err := b.Subscribe("seq", func(env *Envelope) {
		var n int
		_ = json.Unmarshal(env.Payload, &n)
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		payload, _ := json.Marshal(i)
		_, err := b.Publish("seq", payload)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}

func TestModuleClientACL(t *testing.T) {
	b := NewBroker(nil)
	defer b.Stop()

	client := b.RegisterModule("echo", []string{"echo.**", "logs.request"})

	_, err := client.Publish("echo.request", json.RawMessage(`{}`))
	assert.NoError(t, err)

	_, err = client.Publish("logs.request", json.RawMessage(`{}`))
	assert.NoError(t, err)

	_, err = client.Publish("admin.request", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrTopicForbidden)
}

type failingSink struct{ calls int }

func (s *failingSink) AppendEvent(env *Envelope) error {
	s.calls++
	return errors.New("disk full")
}

func TestSinkFailureDoesNotFailPublish(t *testing.T) {
	sink := &failingSink{}
	b := NewBroker(sink)
	defer b.Stop()

	_, err := b.Publish("echo.request", json.RawMessage(`{}`))
	assert.NoError(t, err)
	assert.Equal(t, 1, sink.calls)
}

func TestRequestReply(t *testing.T) {
	b := NewBroker(nil)
	defer b.Stop()

	_, err := b.Subscribe("echo.request", func(env *Envelope) {
		_, _ = b.Publish("echo.reply", env.Payload, WithCorrelationID(env.CorrelationID))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := b.Request(ctx, "echo.request", "echo.reply", json.RawMessage(`{"hello":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":true}`, string(reply.Payload))
}

func TestRequestTimeout(t *testing.T) {
	b := NewBroker(nil)
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, "nobody.listening", "nobody.reply", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishAfterStop(t *testing.T) {
	b := NewBroker(nil)
	b.Stop()

	_, err := b.Publish("echo.request", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrStopped)

	_, err = b.Subscribe("echo.*", func(env *Envelope) {})
	assert.ErrorIs(t, err, ErrStopped)
}
