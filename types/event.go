package types

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout and TimeLayout are the wire formats of Event.Date and Event.Time.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Event represents a schedulable gathering with a finite number of seats.
//
// AttendeeCount always equals len(Attendees) and never exceeds MaxAttendees.
// Attendance is only changed through registration; edits replace the fields
// of EventInput and nothing else.
type Event struct {
	// ID is the unique identifier of the event.
	ID uuid.UUID `json:"id" db:"id"`

	Title       string `json:"title" db:"title"`
	Description string `json:"description" db:"description"`

	// Date is the calendar day of the event, formatted as DateLayout.
	Date string `json:"date" db:"date"`

	// Time is the local start time of the event, formatted as TimeLayout.
	Time string `json:"time" db:"time"`

	Location string `json:"location" db:"location"`
	Category string `json:"category" db:"category"`

	// MaxAttendees is the capacity of the event.
	MaxAttendees int `json:"maxAttendees" db:"max_attendees"`

	// Price is the ticket price. Zero means free.
	Price float64 `json:"price" db:"price"`

	// ImageURL optionally points at a cover image for the event.
	ImageURL string `json:"imageUrl,omitempty" db:"image_url"`

	// ImageKey is the object storage key of an uploaded cover image.
	ImageKey string `json:"-" db:"image_key"`

	// Organizer is the admin who created or last edited the event.
	Organizer UserRef `json:"organizer" db:"organizer_id"`

	AttendeeCount int        `json:"attendeeCount" db:"attendee_count"`
	Attendees     []Attendee `json:"attendees"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Attendee is a user who successfully registered for an event.
type Attendee struct {
	User         UserRef   `json:"user"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Full reports whether every seat is taken.
func (e Event) Full() bool {
	return e.AttendeeCount >= e.MaxAttendees
}

// Remaining returns the number of free seats.
func (e Event) Remaining() int {
	if e.Full() {
		return 0
	}
	return e.MaxAttendees - e.AttendeeCount
}

// HasAttendee reports whether the user is registered for the event.
func (e Event) HasAttendee(userID uuid.UUID) bool {
	for _, attendee := range e.Attendees {
		if attendee.User.ID == userID {
			return true
		}
	}
	return false
}

// EventInput holds the mutable fields of an event accepted on create and update.
type EventInput struct {
	Title        string  `json:"title" validate:"required,max=200"`
	Description  string  `json:"description" validate:"required,max=5000"`
	Date         string  `json:"date" validate:"required,datetime=2006-01-02"`
	Time         string  `json:"time" validate:"required,datetime=15:04"`
	Location     string  `json:"location" validate:"required,max=300"`
	Category     string  `json:"category" validate:"required,max=100"`
	MaxAttendees int     `json:"maxAttendees" validate:"required,min=1,max=100000"`
	Price        float64 `json:"price" validate:"min=0,max=9999999999.99,cents"`
	ImageURL     string  `json:"imageUrl" validate:"omitempty,max=2048"`
}

// Apply copies the input onto the event, leaving attendance untouched.
func (in EventInput) Apply(event *Event) {
	event.Title = in.Title
	event.Description = in.Description
	event.Date = in.Date
	event.Time = in.Time
	event.Location = in.Location
	event.Category = in.Category
	event.MaxAttendees = in.MaxAttendees
	event.Price = in.Price
	event.ImageURL = in.ImageURL
}

// EventFilter narrows event listings.
type EventFilter struct {
	Category string
}

// EventPage is one page of an event listing.
type EventPage struct {
	Items []Event `json:"items"`
	Page  int     `json:"page"`
	Limit int     `json:"limit"`
	Total int     `json:"total"`
}
