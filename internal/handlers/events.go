package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/services"
	"github.com/eventdesk/apiserver/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	formFieldImage     = "image"
	maxMultipartMemory = 1 << 20
	maxUploadBytes     = services.MaxImageSize + 1<<20
)

// EventHandler provides HTTP handlers for events.
type EventHandler struct {
	events       *services.EventService
	registration *services.RegistrationEngine
	images       *services.ImageService
}

// NewEventHandler constructs a handler. images may be nil when image storage
// is disabled.
func NewEventHandler(events *services.EventService, registration *services.RegistrationEngine, images *services.ImageService) *EventHandler {
	return &EventHandler{
		events:       events,
		registration: registration,
		images:       images,
	}
}

// EventRouter registers event routes on the given router. Every route
// requires a token; mutations additionally require a capability.
func EventRouter(
	r chi.Router,
	events *services.EventService,
	registration *services.RegistrationEngine,
	images *services.ImageService,
	authMiddleware func(http.Handler) http.Handler,
) {
	handler := NewEventHandler(events, registration, images)
	canRead := RequireCapability(auth.CapRead)
	canWriteOwn := RequireCapability(auth.CapWriteOwn)
	isAdmin := RequireCapability(auth.CapWriteAdmin)

	r.Use(authMiddleware)
	r.With(canRead).Get("/", handler.ListEvents)
	r.With(isAdmin).Post("/", handler.CreateEvent)
	r.Route("/{eventID}", func(r chi.Router) {
		r.With(canRead).Get("/", handler.GetEvent)
		r.With(isAdmin).Put("/", handler.UpdateEvent)
		r.With(isAdmin).Delete("/", handler.DeleteEvent)
		r.With(canWriteOwn).Post("/register", handler.RegisterForEvent)
		if images != nil {
			r.With(canRead).Get("/image", handler.GetImage)
			r.With(isAdmin).Put("/image", handler.UploadImage)
		}
	})
}

func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	page, limit, err := parsePagination(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	filter := types.EventFilter{Category: r.URL.Query().Get("category")}
	result, err := h.events.List(r.Context(), filter, page, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseEventID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	event, err := h.events.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var input types.EventInput
	if err := decodeJSON(w, r, &input); err != nil {
		writeAppError(w, r, err)
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	event, err := h.events.Create(r.Context(), input, principal)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// UpdateEvent replaces the editable fields of an event. Attendance fields in
// the body are ignored.
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseEventID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	var input types.EventInput
	if err := decodeJSON(w, r, &input); err != nil {
		writeAppError(w, r, err)
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	event, err := h.events.Update(r.Context(), id, input, principal)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseEventID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := h.events.Delete(r.Context(), id, principal); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "event deleted"})
}

func (h *EventHandler) RegisterForEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseEventID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	event, err := h.registration.Register(r.Context(), id, principal)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *EventHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	id, err := parseEventID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAppError(w, r, apperr.Wrap(apperr.Validation, "image too large", err))
			return
		}
		writeAppError(w, r, apperr.Wrap(apperr.Validation, "invalid multipart form", err))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(formFieldImage)
	if err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.Validation, "missing image file", err))
		return
	}
	defer file.Close()

	principal, _ := auth.PrincipalFromContext(r.Context())
	event, err := h.images.Upload(r.Context(), id, file, header.Size, principal)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *EventHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, err := parseEventID(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	rc, contentType, err := h.images.Open(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("event_id", id.String()).Msg("image stream interrupted")
	}
}
