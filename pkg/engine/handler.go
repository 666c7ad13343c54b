package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/idempotency"
	"github.com/erain9/matchsettle/pkg/logging"
	"github.com/erain9/matchsettle/pkg/otel"
	"github.com/rs/zerolog"
)

// Handler adapts the engine to raw broker messages. It skips orders that were
// already processed and records the ones it finishes.
type Handler struct {
	engine  *Engine
	store   idempotency.Store
	metrics *otel.EngineMetrics
}

// NewHandler creates a new Handler. store may be nil to disable the guard.
func NewHandler(engine *Engine, store idempotency.Store) *Handler {
	return &Handler{
		engine:  engine,
		store:   store,
		metrics: engine.metrics,
	}
}

// Handle decodes and processes one message. It returns an error wrapping
// core.ErrParse for undecodable payloads and the engine's fatal errors
// unchanged; everything else is handled.
func (h *Handler) Handle(ctx context.Context, value []byte) error {
	var order core.Order
	if err := json.Unmarshal(value, &order); err != nil {
		return fmt.Errorf("%w: %v", core.ErrParse, err)
	}

	ctx = logging.WithOrder(ctx, order.TransactionID, order.UserID)
	logger := zerolog.Ctx(ctx)

	if h.store != nil && order.TransactionID != "" {
		seen, err := h.store.Seen(ctx, order.TransactionID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Processed-order check failed, processing anyway")
		case seen:
			h.metrics.RecordDuplicate(ctx)
			logger.Info().Msg("Order already processed, skipping redelivery")
			return nil
		}
	}

	if _, err := h.engine.Process(ctx, order); err != nil {
		return err
	}

	if h.store != nil {
		if err := h.store.MarkDone(ctx, order.TransactionID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record processed order")
		}
	}
	return nil
}
