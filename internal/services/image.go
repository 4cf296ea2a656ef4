package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/eventdesk/apiserver/internal/apperr"
	"github.com/eventdesk/apiserver/internal/auth"
	"github.com/eventdesk/apiserver/internal/metrics"
	"github.com/eventdesk/apiserver/internal/storage"
	"github.com/eventdesk/apiserver/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxImageSize is the largest accepted cover image in bytes.
const MaxImageSize = 10 << 20

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ImageService stores and serves event cover images.
type ImageService struct {
	repo    EventRepository
	objects ObjectStore
	logger  zerolog.Logger
}

func NewImageService(repo EventRepository, objects ObjectStore, logger zerolog.Logger) *ImageService {
	return &ImageService{
		repo:    repo,
		objects: objects,
		logger:  logger.With().Str("component", "images").Logger(),
	}
}

// ImageURL is the API path that serves the cover image of an event.
func ImageURL(eventID uuid.UUID) string {
	return fmt.Sprintf("/events/%s/image", eventID)
}

// Upload stores a new cover image for an event and replaces the previous one.
// The content type is sniffed from the data, not taken from the client.
func (s *ImageService) Upload(ctx context.Context, eventID uuid.UUID, r io.Reader, size int64, actor auth.Principal) (types.Event, error) {
	if err := requireCapability(actor, auth.CapWriteAdmin); err != nil {
		return types.Event{}, err
	}
	if size <= 0 {
		return types.Event{}, apperr.E(apperr.Validation, "image is empty")
	}
	if size > MaxImageSize {
		return types.Event{}, apperr.E(apperr.Validation, fmt.Sprintf("image exceeds %d bytes", MaxImageSize))
	}
	if _, err := s.repo.Get(ctx, eventID); err != nil {
		return types.Event{}, translate(err, "event")
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return types.Event{}, apperr.Wrap(apperr.Validation, "could not read image", err)
	}
	head = head[:n]

	contentType := http.DetectContentType(head)
	ext, ok := imageExtensions[contentType]
	if !ok {
		return types.Event{}, apperr.E(apperr.Validation, "unsupported image type "+contentType)
	}

	key := fmt.Sprintf("events/%s/%s%s", eventID, uuid.NewString(), ext)
	body := io.MultiReader(bytes.NewReader(head), r)
	if err := s.objects.Put(ctx, key, body, size, contentType); err != nil {
		return types.Event{}, apperr.Wrap(apperr.StoreUnavailable, "could not store image", err)
	}

	event, previous, err := s.repo.SetImage(ctx, eventID, key, ImageURL(eventID))
	if err != nil {
		s.discard(ctx, key)
		return types.Event{}, translate(err, "event")
	}
	if previous != "" && previous != key {
		s.discard(ctx, previous)
	}

	metrics.EventMutationsTotal.WithLabelValues("image").Inc()
	s.logger.Info().
		Str("event_id", eventID.String()).
		Str("key", key).
		Str("content_type", contentType).
		Int64("size", size).
		Msg("event image stored")
	return event, nil
}

// Open returns a reader over the cover image of an event and its content type.
func (s *ImageService) Open(ctx context.Context, eventID uuid.UUID) (io.ReadCloser, string, error) {
	event, err := s.repo.Get(ctx, eventID)
	if err != nil {
		return nil, "", translate(err, "event")
	}
	if event.ImageKey == "" {
		return nil, "", apperr.E(apperr.NotFound, "event has no image")
	}

	rc, contentType, err := s.objects.Get(ctx, event.ImageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, "", apperr.Wrap(apperr.NotFound, "event has no image", err)
	}
	if err != nil {
		return nil, "", apperr.Wrap(apperr.StoreUnavailable, "could not read image", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return rc, contentType, nil
}

func (s *ImageService) discard(ctx context.Context, key string) {
	if err := s.objects.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete event image")
	}
}
