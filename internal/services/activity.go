package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eventdesk/apiserver/internal/metrics"
	"github.com/eventdesk/apiserver/internal/mq"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// ActivityPublisher emits activity records. Publishing is best effort and
// never fails the operation that triggered it.
type ActivityPublisher interface {
	Publish(ctx context.Context, activity types.Activity)
}

// NopActivityPublisher drops every activity.
type NopActivityPublisher struct{}

func (NopActivityPublisher) Publish(context.Context, types.Activity) {}

// BrokerActivityPublisher publishes activities as JSON on a message channel.
type BrokerActivityPublisher struct {
	broker  *mq.MQ
	channel string
	logger  zerolog.Logger
}

func NewBrokerActivityPublisher(broker *mq.MQ, channel string, logger zerolog.Logger) *BrokerActivityPublisher {
	return &BrokerActivityPublisher{
		broker:  broker,
		channel: channel,
		logger:  logger.With().Str("component", "activity").Logger(),
	}
}

func (p *BrokerActivityPublisher) Publish(ctx context.Context, activity types.Activity) {
	data, err := json.Marshal(activity)
	if err != nil {
		p.fail(activity, err)
		return
	}

	// The request may finish before the broker acknowledges.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	id, err := p.broker.Publish(ctx, p.channel, data, map[string]string{
		"type":             activity.Type,
		mq.AttrOrderingKey: activity.EventID.String(),
	})
	if err != nil {
		p.fail(activity, err)
		return
	}
	p.logger.Debug().
		Str("message_id", id).
		Str("type", activity.Type).
		Str("event_id", activity.EventID.String()).
		Msg("activity published")
}

func (p *BrokerActivityPublisher) fail(activity types.Activity, err error) {
	metrics.ActivityPublishFailures.Inc()
	p.logger.Warn().
		Err(err).
		Str("type", activity.Type).
		Str("event_id", activity.EventID.String()).
		Msg("failed to publish activity")
}

func newActivity(kind string, eventID, userID uuid.UUID) types.Activity {
	return types.Activity{
		Type:       kind,
		EventID:    eventID,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}
}
