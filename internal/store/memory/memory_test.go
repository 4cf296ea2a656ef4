package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/eventdesk/apiserver/internal/store"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, s *Store, username string) types.User {
	t.Helper()
	user, err := s.Users().Create(context.Background(), types.User{Username: username, Name: username, Role: types.RoleUser})
	require.NoError(t, err)
	return user
}

func seedEvent(t *testing.T, s *Store, organizer types.User, capacity int) types.Event {
	t.Helper()
	event, err := s.Events().Create(context.Background(), types.Event{
		Title:        "Go meetup",
		Description:  "Talks and pizza",
		Date:         "2026-11-20",
		Time:         "18:30",
		Location:     "Hall A",
		Category:     "tech",
		MaxAttendees: capacity,
		Organizer:    organizer.Ref(),
	})
	require.NoError(t, err)
	return event
}

func TestUsernameIsUnique(t *testing.T) {
	s := New()
	seedUser(t, s, "ada")

	_, err := s.Users().Create(context.Background(), types.User{Username: "ada"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestCreateResolvesOrganizer(t *testing.T) {
	s := New()
	admin := seedUser(t, s, "admin")
	event := seedEvent(t, s, admin, 3)

	assert.Equal(t, "admin", event.Organizer.Username)
	assert.Equal(t, 0, event.AttendeeCount)
	assert.Empty(t, event.Attendees)

	_, err := s.Events().Create(context.Background(), types.Event{MaxAttendees: 1, Organizer: types.UserRef{ID: uuid.New()}})
	assert.ErrorIs(t, err, store.ErrInvalidReference)
}

func TestRegisterScenario(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seedUser(t, s, "admin")
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	event := seedEvent(t, s, admin, 1)

	updated, err := s.Events().Register(ctx, event.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.AttendeeCount)
	assert.Equal(t, "alice", updated.Attendees[0].User.Username)

	_, err = s.Events().Register(ctx, event.ID, bob.ID)
	assert.ErrorIs(t, err, store.ErrEventFull)

	_, err = s.Events().Register(ctx, event.ID, alice.ID)
	assert.ErrorIs(t, err, store.ErrEventFull)

	_, err = s.Events().Register(ctx, uuid.New(), alice.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterTwiceWithFreeSeats(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seedUser(t, s, "admin")
	alice := seedUser(t, s, "alice")
	event := seedEvent(t, s, admin, 5)

	_, err := s.Events().Register(ctx, event.ID, alice.ID)
	require.NoError(t, err)
	_, err = s.Events().Register(ctx, event.ID, alice.ID)
	assert.ErrorIs(t, err, store.ErrAlreadyRegistered)

	got, err := s.Events().Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttendeeCount)
	assert.Len(t, got.Attendees, got.AttendeeCount)
}

func TestConcurrentRegistrationRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seedUser(t, s, "admin")
	event := seedEvent(t, s, admin, 1)

	const n = 50
	users := make([]types.User, n)
	for i := range users {
		users[i] = seedUser(t, s, uuid.NewString())
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Events().Register(ctx, event.ID, users[i].ID)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.True(t, errors.Is(err, store.ErrEventFull) || errors.Is(err, store.ErrAlreadyRegistered), err)
	}
	assert.Equal(t, 1, successes)

	got, err := s.Events().Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttendeeCount)
	assert.Len(t, got.Attendees, 1)
}

func TestUpdateKeepsAttendance(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seedUser(t, s, "admin")
	other := seedUser(t, s, "other-admin")
	alice := seedUser(t, s, "alice")
	bob := seedUser(t, s, "bob")
	event := seedEvent(t, s, admin, 3)

	_, err := s.Events().Register(ctx, event.ID, alice.ID)
	require.NoError(t, err)
	_, err = s.Events().Register(ctx, event.ID, bob.ID)
	require.NoError(t, err)

	input := types.EventInput{Title: "Renamed", Description: "d", Date: "2026-12-01", Time: "09:00", Location: "l", Category: "c", MaxAttendees: 2}
	updated, err := s.Events().Update(ctx, event.ID, input, other.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "other-admin", updated.Organizer.Username)
	assert.Equal(t, 2, updated.AttendeeCount)

	input.MaxAttendees = 1
	_, err = s.Events().Update(ctx, event.ID, input, other.ID)
	assert.ErrorIs(t, err, store.ErrCapacityBelowAttendance)

	_, err = s.Events().Update(ctx, uuid.New(), input, other.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seedUser(t, s, "admin")
	for i := 0; i < 3; i++ {
		seedEvent(t, s, admin, 10)
	}
	_, err := s.Events().Create(ctx, types.Event{Title: "Jazz", Date: "2026-01-01", Time: "20:00", Category: "music", MaxAttendees: 5, Organizer: admin.Ref()})
	require.NoError(t, err)

	all, total, err := s.Events().List(ctx, types.EventFilter{}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 2)
	assert.Equal(t, "Jazz", all[0].Title)

	music, total, err := s.Events().List(ctx, types.EventFilter{Category: "music"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, music, 1)

	empty, total, err := s.Events().List(ctx, types.EventFilter{}, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, empty)
}

func TestDeleteAndSetImage(t *testing.T) {
	ctx := context.Background()
	s := New()
	admin := seedUser(t, s, "admin")
	event := seedEvent(t, s, admin, 1)

	_, previous, err := s.Events().SetImage(ctx, event.ID, "events/a.png", "/events/x/image")
	require.NoError(t, err)
	assert.Empty(t, previous)

	_, previous, err = s.Events().SetImage(ctx, event.ID, "events/b.png", "/events/x/image")
	require.NoError(t, err)
	assert.Equal(t, "events/a.png", previous)

	edited, err := s.Events().Update(ctx, event.ID, types.EventInput{
		Title: "t", Description: "d", Date: "2026-01-01", Time: "10:00",
		Location: "l", Category: "c", MaxAttendees: 1, ImageURL: "https://example.com/other.png",
	}, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, "/events/x/image", edited.ImageURL)

	deleted, err := s.Events().Delete(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "events/b.png", deleted.ImageKey)

	_, err = s.Events().Delete(ctx, event.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
