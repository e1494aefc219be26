package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/hyacinthwatch/backend/pkg/enums"
	"github.com/hyacinthwatch/backend/pkg/logger"
)

// Message attributes carried on every stage task.
const (
	AttrStage         = "stage"
	AttrObservationID = "observation_id"
	AttrNotBefore     = "not_before"
	AttrDispatchedAt  = "dispatched_at"
)

const defaultPublishTimeout = 10 * time.Second

// Dispatcher enqueues a pipeline stage for an observation, optionally delayed.
// Delivery is at-least-once; handlers are idempotent.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage enums.Stage, observationID uuid.UUID, delay time.Duration) error
}

// taskPayload is the message body for a stage task.
type taskPayload struct {
	ObservationID string `json:"observation_id"`
	Stage         string `json:"stage"`
}

type publisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

// PubSubDispatcher publishes stage tasks to the per-stage topics. Delays are
// encoded as a not_before attribute; consumers nack early deliveries so the
// broker redelivery realizes the backoff.
type PubSubDispatcher struct {
	presence     publisher
	segmentation publisher
	logg         *logger.Logger
	now          func() time.Time
}

// NewPubSubDispatcher wraps the stage publishers.
func NewPubSubDispatcher(presence, segmentation *gcppubsub.Publisher, logg *logger.Logger) (*PubSubDispatcher, error) {
	if presence == nil || segmentation == nil {
		return nil, errors.New("presence and segmentation publishers are required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &PubSubDispatcher{
		presence:     &gcpPublisher{Publisher: presence},
		segmentation: &gcpPublisher{Publisher: segmentation},
		logg:         logg,
		now:          time.Now,
	}, nil
}

// Dispatch implements Dispatcher.
func (d *PubSubDispatcher) Dispatch(ctx context.Context, stage enums.Stage, observationID uuid.UUID, delay time.Duration) error {
	var pub publisher
	switch stage {
	case enums.StagePresence:
		pub = d.presence
	case enums.StageSegmentation:
		pub = d.segmentation
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}

	now := d.now().UTC()
	attrs := map[string]string{
		AttrStage:         stage.String(),
		AttrObservationID: observationID.String(),
		AttrDispatchedAt:  now.Format(time.RFC3339Nano),
	}
	if delay > 0 {
		attrs[AttrNotBefore] = now.Add(delay).Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(taskPayload{
		ObservationID: observationID.String(),
		Stage:         stage.String(),
	})
	if err != nil {
		return fmt.Errorf("encoding stage task: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	result := pub.Publish(publishCtx, &gcppubsub.Message{Data: data, Attributes: attrs})
	if result == nil {
		return fmt.Errorf("publisher returned nil for stage %s", stage)
	}
	if _, err := result.Get(publishCtx); err != nil {
		return fmt.Errorf("publishing %s task: %w", stage, err)
	}
	return nil
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}

// InlineDispatcher runs stages synchronously in-process. It backs the
// inline-stages feature flag for local development; delays are not honored.
type InlineDispatcher struct {
	orch *Orchestrator
	logg *logger.Logger
}

// NewInlineDispatcher builds the synchronous dispatcher.
func NewInlineDispatcher(orch *Orchestrator, logg *logger.Logger) (*InlineDispatcher, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &InlineDispatcher{orch: orch, logg: logg}, nil
}

// Dispatch implements Dispatcher.
func (d *InlineDispatcher) Dispatch(ctx context.Context, stage enums.Stage, observationID uuid.UUID, delay time.Duration) error {
	if delay > 0 {
		d.logg.Warn(ctx, fmt.Sprintf("inline dispatch ignores %s delay for stage %s", delay, stage))
	}
	switch stage {
	case enums.StagePresence:
		return d.orch.HandlePresence(ctx, observationID)
	case enums.StageSegmentation:
		return d.orch.HandleSegmentation(ctx, observationID)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}
