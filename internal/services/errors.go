package services

import (
	"context"
	"errors"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/store"
	"github.com/google/uuid"
)

// translate maps store sentinels onto the caller-facing error taxonomy.
// subject names the record in not-found and conflict messages.
func translate(err error, subject string) error {
	var appErr *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, subject+" not found", err)
	case errors.Is(err, store.ErrEventFull):
		return apperr.Wrap(apperr.CapacityExceeded, "event is full", err)
	case errors.Is(err, store.ErrAlreadyRegistered):
		return apperr.Wrap(apperr.AlreadyRegistered, "already registered for this event", err)
	case errors.Is(err, store.ErrDuplicate):
		return apperr.Wrap(apperr.Conflict, subject+" already exists", err)
	case errors.Is(err, store.ErrInvalidReference):
		return apperr.Wrap(apperr.Validation, "referenced user does not exist", err)
	case errors.Is(err, store.ErrValueOutOfRange):
		return apperr.Wrap(apperr.Validation, subject+" has a value out of range", err)
	case errors.Is(err, store.ErrCapacityBelowAttendance):
		return apperr.Wrap(apperr.Validation, "maxAttendees cannot be lower than the current attendee count", err)
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.StoreUnavailable, "store unavailable, try again later", err)
	default:
		return apperr.Wrap(apperr.Internal, "internal error", err)
	}
}

func requireCapability(p auth.Principal, c auth.Capability) error {
	if p.UserID == uuid.Nil {
		return apperr.E(apperr.Unauthenticated, "authentication required")
	}
	if !p.Can(c) {
		return apperr.E(apperr.Forbidden, "missing capability "+c.String())
	}
	return nil
}
