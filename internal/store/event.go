package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventRepository handles persistence for events and their attendance.
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const eventSelect = `
	SELECT e.id, e.title, e.description, e.date, e.time, e.location, e.category,
	       e.max_attendees, e.price, e.image_url, e.image_key, e.attendee_count,
	       e.created_at, e.updated_at,
	       u.id, u.username, u.name, u.email
	FROM events e
	JOIN users u ON u.id = e.organizer_id`

func (r *EventRepository) List(ctx context.Context, filter types.EventFilter, offset, limit int) ([]types.Event, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	const countQuery = `SELECT COUNT(1) FROM events WHERE ($1 = '' OR category = $1)`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, filter.Category).Scan(&total); err != nil {
		return nil, 0, classify(err)
	}

	const listQuery = eventSelect + `
	WHERE ($1 = '' OR e.category = $1)
	ORDER BY e.date, e.time, e.created_at
	OFFSET $2 LIMIT $3`
	rows, err := r.db.QueryContext(ctx, listQuery, filter.Category, offset, limit)
	if err != nil {
		return nil, 0, classify(err)
	}
	defer rows.Close()

	events := make([]types.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, 0, classify(err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err)
	}

	if err := loadAttendees(ctx, r.db, events); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *EventRepository) Get(ctx context.Context, id uuid.UUID) (types.Event, error) {
	return getEvent(ctx, r.db, id)
}

func (r *EventRepository) Create(ctx context.Context, event types.Event) (types.Event, error) {
	now := time.Now().UTC()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	const query = `
		INSERT INTO events (
			id, title, description, date, time, location, category,
			max_attendees, price, image_url, organizer_id, attendee_count,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		event.ID,
		event.Title,
		event.Description,
		event.Date,
		event.Time,
		event.Location,
		event.Category,
		event.MaxAttendees,
		event.Price,
		event.ImageURL,
		event.Organizer.ID,
		now,
	); err != nil {
		return types.Event{}, classify(err)
	}

	return getEvent(ctx, r.db, event.ID)
}

// Update replaces the mutable fields of an event and resets its organizer.
// Attendance is never touched; capacity cannot drop below the current count.
// While an uploaded image is attached its URL wins over input.ImageURL.
func (r *EventRepository) Update(ctx context.Context, id uuid.UUID, input types.EventInput, organizerID uuid.UUID) (types.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var attendeeCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT attendee_count FROM events WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&attendeeCount); err != nil {
		return types.Event{}, classify(err)
	}
	if input.MaxAttendees < attendeeCount {
		return types.Event{}, ErrCapacityBelowAttendance
	}

	const query = `
		UPDATE events
		SET title = $1,
			description = $2,
			date = $3,
			time = $4,
			location = $5,
			category = $6,
			max_attendees = $7,
			price = $8,
			image_url = CASE WHEN image_key <> '' THEN image_url ELSE $9 END,
			organizer_id = $10,
			updated_at = $11
		WHERE id = $12`
	if _, err := tx.ExecContext(
		ctx,
		query,
		input.Title,
		input.Description,
		input.Date,
		input.Time,
		input.Location,
		input.Category,
		input.MaxAttendees,
		input.Price,
		input.ImageURL,
		organizerID,
		time.Now().UTC(),
		id,
	); err != nil {
		return types.Event{}, classify(err)
	}

	event, err := getEvent(ctx, tx, id)
	if err != nil {
		return types.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.Event{}, classify(err)
	}
	return event, nil
}

// Delete removes an event with its attendance and returns the removed record.
func (r *EventRepository) Delete(ctx context.Context, id uuid.UUID) (types.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	event, err := getEvent(ctx, tx, id)
	if err != nil {
		return types.Event{}, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return types.Event{}, classify(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Event{}, classify(err)
	}
	if affected == 0 {
		return types.Event{}, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return types.Event{}, classify(err)
	}
	return event, nil
}

// Register adds userID to the attendees of an event.
//
// The event row is locked with SELECT ... FOR UPDATE for the whole
// transaction, so concurrent registrations for the same event are serialised:
// the capacity check, the duplicate check, the attendee insert and the
// counter increment observe one snapshot and commit together.
func (r *EventRepository) Register(ctx context.Context, eventID, userID uuid.UUID) (types.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var maxAttendees, attendeeCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT max_attendees, attendee_count FROM events WHERE id = $1 FOR UPDATE`,
		eventID,
	).Scan(&maxAttendees, &attendeeCount); err != nil {
		return types.Event{}, classify(err)
	}

	if attendeeCount >= maxAttendees {
		return types.Event{}, ErrEventFull
	}

	var registered bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_attendees WHERE event_id = $1 AND user_id = $2)`,
		eventID, userID,
	).Scan(&registered); err != nil {
		return types.Event{}, classify(err)
	}
	if registered {
		return types.Event{}, ErrAlreadyRegistered
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO event_attendees (event_id, user_id, position, registered_at) VALUES ($1, $2, $3, $4)`,
		eventID, userID, attendeeCount, now,
	); err != nil {
		err = classify(err)
		if errors.Is(err, ErrDuplicate) {
			return types.Event{}, ErrAlreadyRegistered
		}
		return types.Event{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET attendee_count = attendee_count + 1, updated_at = $2 WHERE id = $1`,
		eventID, now,
	); err != nil {
		return types.Event{}, classify(err)
	}

	event, err := getEvent(ctx, tx, eventID)
	if err != nil {
		return types.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return types.Event{}, classify(err)
	}
	return event, nil
}

// SetImage records an uploaded cover image and returns the updated event
// along with the object key it replaced.
func (r *EventRepository) SetImage(ctx context.Context, id uuid.UUID, key, url string) (types.Event, string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, "", classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var previous string
	if err := tx.QueryRowContext(ctx,
		`SELECT image_key FROM events WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&previous); err != nil {
		return types.Event{}, "", classify(err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET image_key = $1, image_url = $2, updated_at = $3 WHERE id = $4`,
		key, url, time.Now().UTC(), id,
	); err != nil {
		return types.Event{}, "", classify(err)
	}

	event, err := getEvent(ctx, tx, id)
	if err != nil {
		return types.Event{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return types.Event{}, "", classify(err)
	}
	return event, previous, nil
}

func getEvent(ctx context.Context, q queryer, id uuid.UUID) (types.Event, error) {
	rows, err := q.QueryContext(ctx, eventSelect+` WHERE e.id = $1`, id)
	if err != nil {
		return types.Event{}, classify(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return types.Event{}, classify(err)
		}
		return types.Event{}, ErrNotFound
	}
	event, err := scanEvent(rows)
	if err != nil {
		return types.Event{}, classify(err)
	}
	if err := rows.Close(); err != nil {
		return types.Event{}, classify(err)
	}

	events := []types.Event{event}
	if err := loadAttendees(ctx, q, events); err != nil {
		return types.Event{}, err
	}
	return events[0], nil
}

func scanEvent(rows *sql.Rows) (types.Event, error) {
	var event types.Event
	var date time.Time
	if err := rows.Scan(
		&event.ID,
		&event.Title,
		&event.Description,
		&date,
		&event.Time,
		&event.Location,
		&event.Category,
		&event.MaxAttendees,
		&event.Price,
		&event.ImageURL,
		&event.ImageKey,
		&event.AttendeeCount,
		&event.CreatedAt,
		&event.UpdatedAt,
		&event.Organizer.ID,
		&event.Organizer.Username,
		&event.Organizer.Name,
		&event.Organizer.Email,
	); err != nil {
		return types.Event{}, err
	}
	event.Date = date.Format(types.DateLayout)
	event.Attendees = []types.Attendee{}
	return event, nil
}

// loadAttendees fills the attendee lists of events in registration order.
func loadAttendees(ctx context.Context, q queryer, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	ids := make([]string, len(events))
	index := make(map[uuid.UUID]int, len(events))
	for i, event := range events {
		ids[i] = event.ID.String()
		index[event.ID] = i
	}

	const query = `
		SELECT a.event_id, u.id, u.username, u.name, u.email, a.registered_at
		FROM event_attendees a
		JOIN users u ON u.id = a.user_id
		WHERE a.event_id = ANY($1::uuid[])
		ORDER BY a.event_id, a.position`
	rows, err := q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID uuid.UUID
		var attendee types.Attendee
		if err := rows.Scan(
			&eventID,
			&attendee.User.ID,
			&attendee.User.Username,
			&attendee.User.Name,
			&attendee.User.Email,
			&attendee.RegisteredAt,
		); err != nil {
			return classify(err)
		}
		if i, ok := index[eventID]; ok {
			events[i].Attendees = append(events[i].Attendees, attendee)
		}
	}
	return classify(rows.Err())
}
