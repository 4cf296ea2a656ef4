package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrEventFull is returned when an event has no remaining capacity.
var ErrEventFull = errors.New("event is full")

// ErrAlreadyRegistered is returned when a user registers twice for the same event.
var ErrAlreadyRegistered = errors.New("already registered")

// ErrDuplicate is returned when a unique field, such as a username, is taken.
var ErrDuplicate = errors.New("duplicate record")

// ErrInvalidReference is returned when a referenced record does not exist.
var ErrInvalidReference = errors.New("invalid reference")

// ErrCapacityBelowAttendance is returned when an edit would shrink capacity
// below the number of registered attendees.
var ErrCapacityBelowAttendance = errors.New("capacity below attendee count")

// ErrValueOutOfRange is returned when a value does not fit its column.
var ErrValueOutOfRange = errors.New("value out of range")

// ErrUnavailable marks failures to reach the database. Callers may retry.
var ErrUnavailable = errors.New("store unavailable")

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
	pqNumericOutOfRange   = "22003"
)

// classify maps driver errors onto the package sentinels. Errors it does not
// recognise are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
		case pqForeignKeyViolation:
			return fmt.Errorf("%w: %s", ErrInvalidReference, pqErr.Constraint)
		case pqNumericOutOfRange:
			return fmt.Errorf("%w: %s", ErrValueOutOfRange, pqErr.Message)
		case pqCheckViolation:
			if pqErr.Constraint == "events_capacity" {
				return ErrEventFull
			}
		}
		if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}

	if isConnectionError(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
