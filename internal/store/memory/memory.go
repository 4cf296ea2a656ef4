// Package memory provides in-process implementations of the user and event
// repositories. Every operation runs under one mutex, which makes each call
// atomic in the same way a row-locking transaction is for the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eventdesk/apiserver/internal/store"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
)

// Store holds users and events in memory.
type Store struct {
	mu     sync.Mutex
	users  map[uuid.UUID]types.User
	events map[uuid.UUID]*eventRecord
	now    func() time.Time
}

type eventRecord struct {
	event     types.Event
	attendees []attendance
}

type attendance struct {
	userID       uuid.UUID
	registeredAt time.Time
}

func New() *Store {
	return &Store{
		users:  make(map[uuid.UUID]types.User),
		events: make(map[uuid.UUID]*eventRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Users returns the credential store view.
func (s *Store) Users() *UserRepository {
	return &UserRepository{s: s}
}

// Events returns the event store view.
func (s *Store) Events() *EventRepository {
	return &EventRepository{s: s}
}

// UserRepository is the in-memory credential store.
type UserRepository struct {
	s *Store
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (types.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, user := range r.s.users {
		if user.Username == username {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.users {
		if existing.Username == user.Username {
			return types.User{}, store.ErrDuplicate
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := r.s.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.s.users[user.ID] = user
	return user, nil
}

func (r *UserRepository) UpdateRole(ctx context.Context, id uuid.UUID, role string) (types.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	user, ok := r.s.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	user.Role = role
	user.UpdatedAt = r.s.now()
	r.s.users[id] = user
	return user, nil
}

// EventRepository is the in-memory event store.
type EventRepository struct {
	s *Store
}

func (r *EventRepository) List(ctx context.Context, filter types.EventFilter, offset, limit int) ([]types.Event, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	matched := make([]*eventRecord, 0, len(r.s.events))
	for _, record := range r.s.events {
		if filter.Category != "" && record.event.Category != filter.Category {
			continue
		}
		matched = append(matched, record)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].event, matched[j].event
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []types.Event{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	events := make([]types.Event, 0, end-offset)
	for _, record := range matched[offset:end] {
		events = append(events, r.s.view(record))
	}
	return events, total, nil
}

func (r *EventRepository) Get(ctx context.Context, id uuid.UUID) (types.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.events[id]
	if !ok {
		return types.Event{}, store.ErrNotFound
	}
	return r.s.view(record), nil
}

func (r *EventRepository) Create(ctx context.Context, event types.Event) (types.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[event.Organizer.ID]; !ok {
		return types.Event{}, store.ErrInvalidReference
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := r.s.now()
	event.CreatedAt = now
	event.UpdatedAt = now
	event.AttendeeCount = 0
	event.Attendees = nil
	event.ImageKey = ""

	record := &eventRecord{event: event}
	r.s.events[event.ID] = record
	return r.s.view(record), nil
}

func (r *EventRepository) Update(ctx context.Context, id uuid.UUID, input types.EventInput, organizerID uuid.UUID) (types.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.events[id]
	if !ok {
		return types.Event{}, store.ErrNotFound
	}
	if _, ok := r.s.users[organizerID]; !ok {
		return types.Event{}, store.ErrInvalidReference
	}
	if input.MaxAttendees < len(record.attendees) {
		return types.Event{}, store.ErrCapacityBelowAttendance
	}

	imageURL := record.event.ImageURL
	input.Apply(&record.event)
	if record.event.ImageKey != "" {
		record.event.ImageURL = imageURL
	}
	record.event.Organizer.ID = organizerID
	record.event.UpdatedAt = r.s.now()
	return r.s.view(record), nil
}

func (r *EventRepository) Delete(ctx context.Context, id uuid.UUID) (types.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.events[id]
	if !ok {
		return types.Event{}, store.ErrNotFound
	}
	event := r.s.view(record)
	delete(r.s.events, id)
	return event, nil
}

// Register appends userID to the attendees of an event. The capacity check,
// the duplicate check and the append happen under the store mutex.
func (r *EventRepository) Register(ctx context.Context, eventID, userID uuid.UUID) (types.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.events[eventID]
	if !ok {
		return types.Event{}, store.ErrNotFound
	}
	if len(record.attendees) >= record.event.MaxAttendees {
		return types.Event{}, store.ErrEventFull
	}
	for _, a := range record.attendees {
		if a.userID == userID {
			return types.Event{}, store.ErrAlreadyRegistered
		}
	}
	if _, ok := r.s.users[userID]; !ok {
		return types.Event{}, store.ErrInvalidReference
	}

	now := r.s.now()
	record.attendees = append(record.attendees, attendance{userID: userID, registeredAt: now})
	record.event.UpdatedAt = now
	return r.s.view(record), nil
}

func (r *EventRepository) SetImage(ctx context.Context, id uuid.UUID, key, url string) (types.Event, string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.events[id]
	if !ok {
		return types.Event{}, "", store.ErrNotFound
	}
	previous := record.event.ImageKey
	record.event.ImageKey = key
	record.event.ImageURL = url
	record.event.UpdatedAt = r.s.now()
	return r.s.view(record), previous, nil
}

// view resolves user references and derives the attendee count from the
// attendee list. Callers must hold s.mu.
func (s *Store) view(record *eventRecord) types.Event {
	event := record.event
	if organizer, ok := s.users[event.Organizer.ID]; ok {
		event.Organizer = organizer.Ref()
	}

	event.Attendees = make([]types.Attendee, 0, len(record.attendees))
	for _, a := range record.attendees {
		ref := types.UserRef{ID: a.userID}
		if user, ok := s.users[a.userID]; ok {
			ref = user.Ref()
		}
		event.Attendees = append(event.Attendees, types.Attendee{User: ref, RegisteredAt: a.registeredAt})
	}
	event.AttendeeCount = len(event.Attendees)
	return event
}
