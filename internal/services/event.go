package services

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/metrics"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// EventRepository defines persistence operations for events.
type EventRepository interface {
	List(ctx context.Context, filter types.EventFilter, offset, limit int) ([]types.Event, int, error)
	Get(ctx context.Context, id uuid.UUID) (types.Event, error)
	Create(ctx context.Context, event types.Event) (types.Event, error)
	Update(ctx context.Context, id uuid.UUID, input types.EventInput, organizerID uuid.UUID) (types.Event, error)
	Delete(ctx context.Context, id uuid.UUID) (types.Event, error)
	Register(ctx context.Context, eventID, userID uuid.UUID) (types.Event, error)
	SetImage(ctx context.Context, id uuid.UUID, key, url string) (types.Event, string, error)
}

// ObjectStore is the object storage subset used for event images.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

// EventService encapsulates event use-cases.
type EventService struct {
	repo     EventRepository
	objects  ObjectStore
	activity ActivityPublisher
	logger   zerolog.Logger
}

// NewEventService builds an EventService. objects may be nil when image
// storage is disabled.
func NewEventService(repo EventRepository, objects ObjectStore, activity ActivityPublisher, logger zerolog.Logger) *EventService {
	if activity == nil {
		activity = NopActivityPublisher{}
	}
	return &EventService{
		repo:     repo,
		objects:  objects,
		activity: activity,
		logger:   logger.With().Str("component", "events").Logger(),
	}
}

// List returns one page of events. Pages start at 1.
func (s *EventService) List(ctx context.Context, filter types.EventFilter, page, limit int) (types.EventPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	filter.Category = strings.TrimSpace(filter.Category)

	events, total, err := s.repo.List(ctx, filter, (page-1)*limit, limit)
	if err != nil {
		return types.EventPage{}, translate(err, "event")
	}
	return types.EventPage{Items: events, Page: page, Limit: limit, Total: total}, nil
}

func (s *EventService) Get(ctx context.Context, id uuid.UUID) (types.Event, error) {
	event, err := s.repo.Get(ctx, id)
	return event, translate(err, "event")
}

// Create stores a new event organized by the acting admin.
func (s *EventService) Create(ctx context.Context, input types.EventInput, actor auth.Principal) (types.Event, error) {
	if err := requireCapability(actor, auth.CapWriteAdmin); err != nil {
		return types.Event{}, err
	}
	input = normalizeInput(input)
	if err := validateStruct(input); err != nil {
		return types.Event{}, err
	}

	var event types.Event
	input.Apply(&event)
	event.Organizer = types.UserRef{ID: actor.UserID}

	created, err := s.repo.Create(ctx, event)
	if err != nil {
		return types.Event{}, translate(err, "event")
	}

	metrics.EventMutationsTotal.WithLabelValues("create").Inc()
	s.activity.Publish(ctx, newActivity(types.ActivityEventCreated, created.ID, actor.UserID))
	s.logger.Info().
		Str("event_id", created.ID.String()).
		Str("user_id", actor.UserID.String()).
		Msg("event created")
	return created, nil
}

// Update replaces the editable fields of an event. The acting admin becomes
// the organizer; attendance is left as is.
func (s *EventService) Update(ctx context.Context, id uuid.UUID, input types.EventInput, actor auth.Principal) (types.Event, error) {
	if err := requireCapability(actor, auth.CapWriteAdmin); err != nil {
		return types.Event{}, err
	}
	input = normalizeInput(input)
	if err := validateStruct(input); err != nil {
		return types.Event{}, err
	}

	updated, err := s.repo.Update(ctx, id, input, actor.UserID)
	if err != nil {
		return types.Event{}, translate(err, "event")
	}

	metrics.EventMutationsTotal.WithLabelValues("update").Inc()
	s.activity.Publish(ctx, newActivity(types.ActivityEventUpdated, updated.ID, actor.UserID))
	s.logger.Info().
		Str("event_id", updated.ID.String()).
		Str("user_id", actor.UserID.String()).
		Msg("event updated")
	return updated, nil
}

// Delete removes an event with its attendance. A stored cover image is
// removed on a best effort basis.
func (s *EventService) Delete(ctx context.Context, id uuid.UUID, actor auth.Principal) error {
	if err := requireCapability(actor, auth.CapWriteAdmin); err != nil {
		return err
	}

	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return translate(err, "event")
	}

	if deleted.ImageKey != "" && s.objects != nil {
		if err := s.objects.Delete(ctx, deleted.ImageKey); err != nil {
			s.logger.Warn().Err(err).Str("key", deleted.ImageKey).Msg("failed to delete event image")
		}
	}

	metrics.EventMutationsTotal.WithLabelValues("delete").Inc()
	s.activity.Publish(ctx, newActivity(types.ActivityEventDeleted, deleted.ID, actor.UserID))
	s.logger.Info().
		Str("event_id", deleted.ID.String()).
		Str("user_id", actor.UserID.String()).
		Msg("event deleted")
	return nil
}

func normalizeInput(input types.EventInput) types.EventInput {
	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	input.Date = strings.TrimSpace(input.Date)
	input.Time = strings.TrimSpace(input.Time)
	// "9:00" parses as 15:04; store it zero padded so listings sort by time.
	if t, err := time.Parse(types.TimeLayout, input.Time); err == nil {
		input.Time = t.Format(types.TimeLayout)
	}
	input.Location = strings.TrimSpace(input.Location)
	input.Category = strings.TrimSpace(input.Category)
	input.ImageURL = strings.TrimSpace(input.ImageURL)
	return input
}
