package observations

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hyacinthwatch/backend/internal/qc"
	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/db/models"
	"github.com/hyacinthwatch/backend/pkg/enums"
	pkgerrors "github.com/hyacinthwatch/backend/pkg/errors"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/storage/blob"
	"github.com/hyacinthwatch/backend/pkg/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// Service exposes observation intake and read operations.
type Service interface {
	Submit(ctx context.Context, input SubmitInput) (*models.Observation, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Observation, error)
	SignedImageURL(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error)
}

// SubmitInput is the validated intake payload. Exactly one of ImageBytes or
// ImageRef must carry the photo.
type SubmitInput struct {
	UserID     *uuid.UUID `json:"user_id"`
	ImageBytes []byte     `json:"image_bytes"`
	ImageRef   string     `json:"image_ref"`
	Latitude   *float64   `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude  *float64   `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	AccuracyM  *float64   `json:"accuracy_m" validate:"omitempty,gte=0"`
	Notes      string     `json:"notes" validate:"max=2000"`
	CapturedAt time.Time  `json:"captured_at"`
}

type stageDispatcher interface {
	Dispatch(ctx context.Context, stage enums.Stage, observationID uuid.UUID, delay time.Duration) error
}

type service struct {
	repo       Store
	blobStore  blob.Store
	dispatcher stageDispatcher
	blobCfg    config.BlobConfig
	logg       *logger.Logger
	now        func() time.Time
}

// NewService wires the observation intake service.
func NewService(repo Store, blobStore blob.Store, dispatcher stageDispatcher, blobCfg config.BlobConfig, logg *logger.Logger) Service {
	return &service{
		repo:       repo,
		blobStore:  blobStore,
		dispatcher: dispatcher,
		blobCfg:    blobCfg,
		logg:       logg,
		now:        time.Now,
	}
}

// Submit validates the payload, runs QC inline, persists the observation in
// received state and dispatches presence classification.
func (s *service) Submit(ctx context.Context, input SubmitInput) (*models.Observation, error) {
	if err := validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid observation payload")
	}
	if len(input.ImageBytes) == 0 && input.ImageRef == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "an image payload or image reference is required")
	}

	imageBytes := input.ImageBytes
	var imageRef *string
	if len(imageBytes) == 0 {
		ref, err := types.ParseBlobRef(input.ImageRef)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid image reference")
		}
		data, err := s.blobStore.Download(ctx, ref.Bucket, ref.Path)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeImageUnavailable, err, "fetching referenced image")
		}
		imageBytes = data
		raw := ref.String()
		imageRef = &raw
	}

	// Quality metrics are computed inline, before any async dispatch, so the
	// row is created with qc already written.
	quality, err := qc.ComputeQC(imageBytes)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	if imageRef == nil {
		path := fmt.Sprintf("%s/%s", ownerSegment(input.UserID), id)
		ref, err := s.blobStore.Upload(ctx, s.blobCfg.ImagesBucket, path, input.ImageBytes, http.DetectContentType(input.ImageBytes))
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeUploadFailure, err, "storing observation image")
		}
		raw := ref.String()
		imageRef = &raw
	}

	capturedAt := input.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.now().UTC()
	}

	obs := &models.Observation{
		ID:           id,
		UserID:       input.UserID,
		ImageRef:     imageRef,
		Latitude:     input.Latitude,
		Longitude:    input.Longitude,
		AccuracyM:    input.AccuracyM,
		Status:       enums.ObservationStatusReceived,
		QCBrightness: &quality.Brightness,
		QCSharpness:  &quality.Sharpness,
		QCScore:      &quality.Score,
		Pred:         types.JSONMap{},
		CapturedAt:   capturedAt,
	}
	if input.Notes != "" {
		obs.Notes = &input.Notes
	}

	if err := s.repo.Create(ctx, obs); err != nil {
		return nil, fmt.Errorf("creating observation: %w", err)
	}

	ctx = s.logg.WithObservationID(ctx, id.String())
	if err := s.dispatcher.Dispatch(ctx, enums.StagePresence, id, 0); err != nil {
		// The orphan sweep re-dispatches stuck observations; intake still succeeded.
		s.logg.Warn(ctx, fmt.Sprintf("presence dispatch failed, sweep will recover: %v", err))
	}

	return obs, nil
}

// Get loads one observation.
func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Observation, error) {
	return s.repo.FindByID(ctx, id)
}

// SignedImageURL returns a short-lived download URL for the stored photo.
func (s *service) SignedImageURL(ctx context.Context, id uuid.UUID, ttl time.Duration) (string, error) {
	obs, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	if obs.ImageRef == nil {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "observation has no stored image")
	}
	ref, err := types.ParseBlobRef(*obs.ImageRef)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "stored image reference is malformed")
	}
	if ttl <= 0 {
		ttl = s.blobCfg.SignedURLTTL
	}
	return s.blobStore.SignedURL(ctx, ref.Bucket, ref.Path, ttl)
}

func ownerSegment(userID *uuid.UUID) string {
	if userID == nil {
		return "anonymous"
	}
	return userID.String()
}
