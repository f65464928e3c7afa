package sync

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/registry"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Handler applies source change notifications to the mirror. Changes are
// dropped while the toggle is off; manual syncs through the engine are not.
type Handler struct {
	engine   *Engine
	registry *registry.Registry
	toggle   *Toggle
	logger   ectologger.Logger
}

func NewHandler(engine *Engine, reg *registry.Registry, toggle *Toggle, logger ectologger.Logger) *Handler {
	return &Handler{
		engine:   engine,
		registry: reg,
		toggle:   toggle,
		logger:   logger,
	}
}

// HandleChange syncs the changed record, then re-syncs the records of every
// watching source type. Watcher failures are logged, not returned; the
// primary sync already committed.
func (h *Handler) HandleChange(ctx context.Context, msg models.ChangeMessage) error {
	ctx, span := tracing.StartSpan(ctx, "sync.Handler.HandleChange")
	defer span.End()

	if !h.toggle.Enabled() {
		h.logger.WithContext(ctx).WithFields(map[string]any{
			"source_type": msg.SourceType,
			"source_id":   msg.SourceID,
		}).Debug("syncing is disabled, dropping change")
		return nil
	}

	switch msg.Op {
	case models.ChangeOpUpsert:
		if _, err := h.engine.Sync(ctx, msg.SourceType, []string{msg.SourceID}); err != nil {
			return err
		}
		if _, err := h.engine.SyncWatching(ctx, msg.SourceType, msg.SourceID); err != nil {
			h.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source_type": msg.SourceType,
				"source_id":   msg.SourceID,
			}).Warn("watcher fan-out failed")
		}
		return nil
	case models.ChangeOpDelete:
		if _, err := h.engine.DeleteForSource(ctx, msg.SourceType, []string{msg.SourceID}); err != nil {
			return err
		}
		return nil
	default:
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown change op %q", msg.Op)
	}
}

