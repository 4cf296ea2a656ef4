package services

import (
	"context"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/metrics"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registrar adds a user to the attendees of an event atomically: the
// capacity check, the duplicate check and the append either all happen or
// none do.
type Registrar interface {
	Register(ctx context.Context, eventID, userID uuid.UUID) (types.Event, error)
}

// RegistrationEngine registers the calling user for an event.
type RegistrationEngine struct {
	repo     Registrar
	activity ActivityPublisher
	logger   zerolog.Logger
}

func NewRegistrationEngine(repo Registrar, activity ActivityPublisher, logger zerolog.Logger) *RegistrationEngine {
	if activity == nil {
		activity = NopActivityPublisher{}
	}
	return &RegistrationEngine{
		repo:     repo,
		activity: activity,
		logger:   logger.With().Str("component", "registration").Logger(),
	}
}

// Register adds the caller to the event's attendees. It fails with NotFound
// for an unknown event, CapacityExceeded when every seat is taken and
// AlreadyRegistered when the caller holds a seat already.
func (e *RegistrationEngine) Register(ctx context.Context, eventID uuid.UUID, caller auth.Principal) (types.Event, error) {
	if err := requireCapability(caller, auth.CapWriteOwn); err != nil {
		return types.Event{}, err
	}

	event, err := e.repo.Register(ctx, eventID, caller.UserID)
	if err != nil {
		err = translate(err, "event")
		metrics.RegistrationsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return types.Event{}, err
	}

	metrics.RegistrationsTotal.WithLabelValues("registered").Inc()
	e.activity.Publish(ctx, newActivity(types.ActivityEventRegistered, event.ID, caller.UserID))
	e.logger.Info().
		Str("event_id", event.ID.String()).
		Str("user_id", caller.UserID.String()).
		Int("attendee_count", event.AttendeeCount).
		Msg("user registered")
	return event, nil
}
