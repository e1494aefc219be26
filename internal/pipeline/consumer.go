package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/hyacinthwatch/backend/pkg/enums"
	pkgerrors "github.com/hyacinthwatch/backend/pkg/errors"
	"github.com/hyacinthwatch/backend/pkg/logger"
)

type stageHandler interface {
	HandlePresence(ctx context.Context, observationID uuid.UUID) error
	HandleSegmentation(ctx context.Context, observationID uuid.UUID) error
}

// Consumer drains one stage subscription and feeds the orchestrator.
type Consumer struct {
	stage        enums.Stage
	subscription *pubsub.Subscriber
	handler      stageHandler
	logg         *logger.Logger
	now          func() time.Time
}

// NewConsumer builds a consumer for the given stage subscription.
func NewConsumer(stage enums.Stage, subscription *pubsub.Subscriber, handler stageHandler, logg *logger.Logger) (*Consumer, error) {
	if !stage.IsValid() {
		return nil, errors.New("a valid stage is required")
	}
	if subscription == nil {
		return nil, errors.New("subscription is required")
	}
	if handler == nil {
		return nil, errors.New("stage handler is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		stage:        stage,
		subscription: subscription,
		handler:      handler,
		logg:         logg,
		now:          time.Now,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID,
		"stage":      c.stage.String(),
	})

	observationID, err := c.observationID(msg)
	if err != nil {
		c.logg.Error(logCtx, "undeliverable stage task", err)
		return processResult{ack: true}
	}
	logCtx = c.logg.WithObservationID(logCtx, observationID.String())

	if stageAttr := msg.Attributes[AttrStage]; stageAttr != "" && stageAttr != c.stage.String() {
		c.logg.Warn(logCtx, "task stage does not match subscription, dropping")
		return processResult{ack: true}
	}

	// delayed tasks carry a not_before stamp; nacking early deliveries lets
	// broker redelivery realize the backoff. The subscription retry policy
	// must set a minimum backoff, see config.PubSubConfig.
	if notBefore, ok := parseNotBefore(msg.Attributes); ok && c.now().Before(notBefore) {
		return processResult{nack: true}
	}

	switch c.stage {
	case enums.StagePresence:
		err = c.handler.HandlePresence(logCtx, observationID)
	case enums.StageSegmentation:
		err = c.handler.HandleSegmentation(logCtx, observationID)
	}
	if err == nil {
		return processResult{ack: true}
	}

	if pkgerrors.IsTerminal(err) || pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		c.logg.Error(logCtx, "stage task finished terminally", err)
		return processResult{ack: true}
	}

	c.logg.Error(logCtx, "stage task failed, requeueing", err)
	return processResult{nack: true}
}

func (c *Consumer) observationID(msg *pubsub.Message) (uuid.UUID, error) {
	if raw := msg.Attributes[AttrObservationID]; raw != "" {
		return uuid.Parse(raw)
	}

	var payload taskPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(payload.ObservationID)
}

func parseNotBefore(attrs map[string]string) (time.Time, bool) {
	raw := attrs[AttrNotBefore]
	if raw == "" {
		return time.Time{}, false
	}
	stamp, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}
