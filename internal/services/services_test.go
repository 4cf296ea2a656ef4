package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/storage"
	"github.com/eventdesk/apiserver/internal/store"
	"github.com/eventdesk/apiserver/internal/store/memory"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingPublisher struct {
	mu         sync.Mutex
	activities []types.Activity
}

func (p *recordingPublisher) Publish(_ context.Context, activity types.Activity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activities = append(p.activities, activity)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.activities))
	for _, a := range p.activities {
		out = append(out, a.Type)
	}
	return out
}

type memObjects struct {
	mu      sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.contentTypes[key] = contentType
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, "", storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), m.contentTypes[key], nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	return keys
}

type fixture struct {
	users    *UserService
	events   *EventService
	engine   *RegistrationEngine
	images   *ImageService
	objects  *memObjects
	activity *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	users := NewUserService(st.Users())
	users.cost = bcrypt.MinCost

	objects := newMemObjects()
	activity := &recordingPublisher{}
	logger := zerolog.Nop()
	return &fixture{
		users:    users,
		events:   NewEventService(st.Events(), objects, activity, logger),
		engine:   NewRegistrationEngine(st.Events(), activity, logger),
		images:   NewImageService(st.Events(), objects, logger),
		objects:  objects,
		activity: activity,
	}
}

func (f *fixture) signup(t *testing.T, username string, admin bool) auth.Principal {
	t.Helper()
	ctx := context.Background()
	user, err := f.users.Signup(ctx, types.SignupInput{
		Username: username,
		Email:    username + "@example.com",
		Password: "password123",
	})
	require.NoError(t, err)
	if admin {
		user, err = f.users.Promote(ctx, username)
		require.NoError(t, err)
	}
	return auth.PrincipalFor(user)
}

func validInput(capacity int) types.EventInput {
	return types.EventInput{
		Title:        "Go meetup",
		Description:  "Talks and pizza",
		Date:         "2026-11-20",
		Time:         "18:30",
		Location:     "Hall A",
		Category:     "tech",
		MaxAttendees: capacity,
		Price:        10,
	}
}

func assertKind(t *testing.T, want apperr.Kind, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, apperr.KindOf(err), err.Error())
}

func TestSignup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.users.Signup(ctx, types.SignupInput{Username: " alice ", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "alice", user.Name)
	assert.Equal(t, types.RoleUser, user.Role)
	assert.NotEqual(t, "password123", user.PasswordHash)

	_, err = f.users.Signup(ctx, types.SignupInput{Username: "alice", Password: "password456"})
	assertKind(t, apperr.Conflict, err)

	_, err = f.users.Signup(ctx, types.SignupInput{Username: "bob", Password: "short"})
	assertKind(t, apperr.Validation, err)
	assert.Contains(t, apperr.Message(err), "password must be at least 8")

	_, err = f.users.Signup(ctx, types.SignupInput{Username: "bad name", Password: "password123"})
	assertKind(t, apperr.Validation, err)
	assert.Contains(t, apperr.Message(err), "username")

	_, err = f.users.Signup(ctx, types.SignupInput{Username: "carol", Email: "nope", Password: "password123"})
	assertKind(t, apperr.Validation, err)
	assert.Contains(t, apperr.Message(err), "email")
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.signup(t, "alice", false)

	user, err := f.users.Authenticate(ctx, types.Credentials{Username: "alice", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = f.users.Authenticate(ctx, types.Credentials{Username: "alice", Password: "wrong-password"})
	assertKind(t, apperr.Unauthenticated, err)

	_, err = f.users.Authenticate(ctx, types.Credentials{Username: "nobody", Password: "password123"})
	assertKind(t, apperr.Unauthenticated, err)

	_, err = f.users.Authenticate(ctx, types.Credentials{Username: "alice"})
	assertKind(t, apperr.Validation, err)
}

func TestPromote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.signup(t, "alice", false)
	assert.False(t, p.IsAdmin())

	user, err := f.users.Promote(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, user.Role)

	again, err := f.users.Promote(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, again.Role)

	_, err = f.users.Promote(ctx, "nobody")
	assertKind(t, apperr.NotFound, err)
}

func TestCreateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)

	event, err := f.events.Create(ctx, validInput(10), admin)
	require.NoError(t, err)
	assert.Equal(t, "Go meetup", event.Title)
	assert.Equal(t, admin.UserID, event.Organizer.ID)
	assert.Equal(t, "admin", event.Organizer.Username)
	assert.Equal(t, 0, event.AttendeeCount)
	assert.Empty(t, event.Attendees)
	assert.Equal(t, []string{types.ActivityEventCreated}, f.activity.kinds())
}

func TestCreateEventRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.signup(t, "alice", false)

	_, err := f.events.Create(ctx, validInput(10), user)
	assertKind(t, apperr.Forbidden, err)

	_, err = f.events.Create(ctx, validInput(10), auth.Principal{})
	assertKind(t, apperr.Unauthenticated, err)

	page, err := f.events.List(ctx, types.EventFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.Empty(t, f.activity.kinds())
}

func TestCreateEventValidation(t *testing.T) {
	f := newFixture(t)
	admin := f.signup(t, "admin", true)

	input := validInput(0)
	input.Title = "   "
	input.Date = "20/11/2026"
	input.Price = -1

	_, err := f.events.Create(context.Background(), input, admin)
	assertKind(t, apperr.Validation, err)
	msg := apperr.Message(err)
	assert.Contains(t, msg, "title is required")
	assert.Contains(t, msg, "date must match 2006-01-02")
	assert.Contains(t, msg, "maxAttendees is required")
	assert.Contains(t, msg, "price must be at least 0")
}

func TestCreateEventPriceBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)

	tooLarge := validInput(10)
	tooLarge.Price = 1e11
	_, err := f.events.Create(ctx, tooLarge, admin)
	assertKind(t, apperr.Validation, err)
	assert.Contains(t, apperr.Message(err), "price must be at most 9999999999.99")

	fractional := validInput(10)
	fractional.Price = 12.345
	_, err = f.events.Create(ctx, fractional, admin)
	assertKind(t, apperr.Validation, err)
	assert.Contains(t, apperr.Message(err), "price may have at most two decimal places")

	for _, price := range []float64{0, 0.1, 12.35, 19.99, 9999999999.99} {
		input := validInput(10)
		input.Price = price
		event, err := f.events.Create(ctx, input, admin)
		require.NoError(t, err, price)
		assert.Equal(t, price, event.Price)
	}
}

func TestCreateEventPadsTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)

	late := validInput(10)
	late.Title = "late"
	late.Time = "10:00"
	_, err := f.events.Create(ctx, late, admin)
	require.NoError(t, err)

	early := validInput(10)
	early.Title = "early"
	early.Time = "9:00"
	created, err := f.events.Create(ctx, early, admin)
	require.NoError(t, err)
	assert.Equal(t, "09:00", created.Time)

	page, err := f.events.List(ctx, types.EventFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "early", page.Items[0].Title)
	assert.Equal(t, "late", page.Items[1].Title)

	bad := validInput(10)
	bad.Time = "25:00"
	_, err = f.events.Create(ctx, bad, admin)
	assertKind(t, apperr.Validation, err)
}

func TestUpdateEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.signup(t, "creator", true)
	editor := f.signup(t, "editor", true)
	alice := f.signup(t, "alice", false)

	event, err := f.events.Create(ctx, validInput(2), creator)
	require.NoError(t, err)
	_, err = f.engine.Register(ctx, event.ID, alice)
	require.NoError(t, err)

	input := validInput(5)
	input.Title = "Renamed"
	updated, err := f.events.Update(ctx, event.ID, input, editor)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, 5, updated.MaxAttendees)
	assert.Equal(t, editor.UserID, updated.Organizer.ID)
	assert.Equal(t, 1, updated.AttendeeCount)
	assert.True(t, updated.HasAttendee(alice.UserID))

	_, err = f.events.Update(ctx, event.ID, validInput(5), alice)
	assertKind(t, apperr.Forbidden, err)

	_, err = f.events.Update(ctx, uuid.New(), validInput(5), editor)
	assertKind(t, apperr.NotFound, err)
}

func TestUpdateCannotShrinkBelowAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)

	event, err := f.events.Create(ctx, validInput(3), admin)
	require.NoError(t, err)
	for _, name := range []string{"a-user", "b-user"} {
		_, err := f.engine.Register(ctx, event.ID, f.signup(t, name, false))
		require.NoError(t, err)
	}

	_, err = f.events.Update(ctx, event.ID, validInput(1), admin)
	assertKind(t, apperr.Validation, err)

	got, err := f.events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxAttendees)
}

func TestDeleteEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)
	alice := f.signup(t, "alice", false)

	event, err := f.events.Create(ctx, validInput(3), admin)
	require.NoError(t, err)

	assertKind(t, apperr.Forbidden, f.events.Delete(ctx, event.ID, alice))
	require.NoError(t, f.events.Delete(ctx, event.ID, admin))

	_, err = f.events.Get(ctx, event.ID)
	assertKind(t, apperr.NotFound, err)
	assertKind(t, apperr.NotFound, f.events.Delete(ctx, event.ID, admin))
	assertKind(t, apperr.NotFound, f.events.Delete(ctx, uuid.New(), admin))
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)

	for i := 0; i < 5; i++ {
		input := validInput(10)
		input.Date = fmt.Sprintf("2026-11-%02d", i+1)
		if i%2 == 0 {
			input.Category = "music"
		}
		_, err := f.events.Create(ctx, input, admin)
		require.NoError(t, err)
	}

	page, err := f.events.List(ctx, types.EventFilter{}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "2026-11-03", page.Items[0].Date)

	music, err := f.events.List(ctx, types.EventFilter{Category: " music "}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, music.Total)
	assert.Equal(t, 1, music.Page)
	assert.Equal(t, defaultPageSize, music.Limit)

	capped, err := f.events.List(ctx, types.EventFilter{}, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, capped.Limit)
}

func TestRegistrationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)
	alice := f.signup(t, "alice", false)
	bob := f.signup(t, "bob", false)

	event, err := f.events.Create(ctx, validInput(1), admin)
	require.NoError(t, err)

	registered, err := f.engine.Register(ctx, event.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, registered.AttendeeCount)
	assert.Len(t, registered.Attendees, 1)
	assert.True(t, registered.Full())

	_, err = f.engine.Register(ctx, event.ID, bob)
	assertKind(t, apperr.CapacityExceeded, err)

	// Capacity is checked first, so a full event reports it even to an attendee.
	_, err = f.engine.Register(ctx, event.ID, alice)
	assertKind(t, apperr.CapacityExceeded, err)

	_, err = f.engine.Register(ctx, uuid.New(), alice)
	assertKind(t, apperr.NotFound, err)

	got, err := f.events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttendeeCount)
	assert.Equal(t, []string{types.ActivityEventCreated, types.ActivityEventRegistered}, f.activity.kinds())
}

func TestRegisterTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)
	alice := f.signup(t, "alice", false)

	event, err := f.events.Create(ctx, validInput(5), admin)
	require.NoError(t, err)

	_, err = f.engine.Register(ctx, event.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.Register(ctx, event.ID, alice)
	assertKind(t, apperr.AlreadyRegistered, err)

	got, err := f.events.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttendeeCount)
	assert.Len(t, got.Attendees, 1)
}

func TestConcurrentRegistration(t *testing.T) {
	for _, capacity := range []int{1, 5} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			admin := f.signup(t, "admin", true)
			event, err := f.events.Create(ctx, validInput(capacity), admin)
			require.NoError(t, err)

			const n = 30
			callers := make([]auth.Principal, n)
			for i := range callers {
				callers[i] = f.signup(t, fmt.Sprintf("user%02d", i), false)
			}

			var wg sync.WaitGroup
			errs := make([]error, n)
			start := make(chan struct{})
			for i := range callers {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, errs[i] = f.engine.Register(ctx, event.ID, callers[i])
				}(i)
			}
			close(start)
			wg.Wait()

			successes := 0
			for _, err := range errs {
				if err == nil {
					successes++
					continue
				}
				assertKind(t, apperr.CapacityExceeded, err)
			}
			assert.Equal(t, capacity, successes)

			got, err := f.events.Get(ctx, event.ID)
			require.NoError(t, err)
			assert.Equal(t, capacity, got.AttendeeCount)
			assert.Len(t, got.Attendees, got.AttendeeCount)
		})
	}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestImageUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)
	event, err := f.events.Create(ctx, validInput(5), admin)
	require.NoError(t, err)

	updated, err := f.images.Upload(ctx, event.ID, bytes.NewReader(pngHeader), int64(len(pngHeader)), admin)
	require.NoError(t, err)
	assert.Equal(t, ImageURL(event.ID), updated.ImageURL)
	assert.True(t, strings.HasPrefix(updated.ImageKey, "events/"+event.ID.String()+"/"))
	assert.True(t, strings.HasSuffix(updated.ImageKey, ".png"))

	rc, contentType, err := f.images.Open(ctx, event.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, pngHeader, data)

	replaced, err := f.images.Upload(ctx, event.ID, bytes.NewReader(pngHeader), int64(len(pngHeader)), admin)
	require.NoError(t, err)
	assert.Equal(t, []string{replaced.ImageKey}, f.objects.keys())

	edited, err := f.events.Update(ctx, event.ID, validInput(5), admin)
	require.NoError(t, err)
	assert.Equal(t, ImageURL(event.ID), edited.ImageURL)

	require.NoError(t, f.events.Delete(ctx, event.ID, admin))
	assert.Empty(t, f.objects.keys())
}

func TestImageUploadRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.signup(t, "admin", true)
	alice := f.signup(t, "alice", false)
	event, err := f.events.Create(ctx, validInput(5), admin)
	require.NoError(t, err)

	text := []byte("just some text")
	_, err = f.images.Upload(ctx, event.ID, bytes.NewReader(text), int64(len(text)), admin)
	assertKind(t, apperr.Validation, err)

	_, err = f.images.Upload(ctx, event.ID, bytes.NewReader(pngHeader), MaxImageSize+1, admin)
	assertKind(t, apperr.Validation, err)

	_, err = f.images.Upload(ctx, event.ID, bytes.NewReader(pngHeader), int64(len(pngHeader)), alice)
	assertKind(t, apperr.Forbidden, err)

	_, err = f.images.Upload(ctx, uuid.New(), bytes.NewReader(pngHeader), int64(len(pngHeader)), admin)
	assertKind(t, apperr.NotFound, err)

	_, _, err = f.images.Open(ctx, event.ID)
	assertKind(t, apperr.NotFound, err)
	assert.Empty(t, f.objects.keys())
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil, "event"))

	already := apperr.E(apperr.Forbidden, "no")
	assert.Same(t, already, translate(already, "event"))

	assert.Equal(t, apperr.StoreUnavailable, apperr.KindOf(translate(context.DeadlineExceeded, "event")))
	assert.True(t, apperr.Retryable(translate(context.DeadlineExceeded, "event")))
	assert.Equal(t, apperr.Internal, apperr.KindOf(translate(errors.New("boom"), "event")))
	assert.Equal(t, apperr.Validation, apperr.KindOf(translate(fmt.Errorf("insert: %w", store.ErrValueOutOfRange), "event")))
}
