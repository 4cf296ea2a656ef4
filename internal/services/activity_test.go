package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/eventdesk/apiserver/internal/metrics"
	"github.com/eventdesk/apiserver/internal/mq"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	data    []byte
	attrs   map[string]string
}

type fakeBackend struct {
	err  error
	sent []published
}

func (b *fakeBackend) Publish(_ context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.sent = append(b.sent, published{channel: channel, data: data, attrs: attrs})
	return "msg-1", nil
}

func (b *fakeBackend) Subscribe(context.Context, string, mq.Handler) error { return nil }

func (b *fakeBackend) Close() error { return nil }

func TestBrokerActivityPublisher(t *testing.T) {
	backend := &fakeBackend{}
	publisher := NewBrokerActivityPublisher(mq.New(backend), "event-activity", zerolog.Nop())

	activity := newActivity(types.ActivityEventRegistered, uuid.New(), uuid.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	publisher.Publish(ctx, activity)

	require.Len(t, backend.sent, 1)
	msg := backend.sent[0]
	assert.Equal(t, "event-activity", msg.channel)
	assert.Equal(t, types.ActivityEventRegistered, msg.attrs["type"])
	assert.Equal(t, activity.EventID.String(), msg.attrs[mq.AttrOrderingKey])

	var decoded types.Activity
	require.NoError(t, json.Unmarshal(msg.data, &decoded))
	assert.Equal(t, activity.EventID, decoded.EventID)
	assert.Equal(t, activity.UserID, decoded.UserID)
}

func TestBrokerActivityPublisherFailureIsCounted(t *testing.T) {
	backend := &fakeBackend{err: errors.New("broker down")}
	publisher := NewBrokerActivityPublisher(mq.New(backend), "event-activity", zerolog.Nop())

	before := testutil.ToFloat64(metrics.ActivityPublishFailures)
	publisher.Publish(context.Background(), newActivity(types.ActivityEventCreated, uuid.New(), uuid.New()))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ActivityPublishFailures))
}
