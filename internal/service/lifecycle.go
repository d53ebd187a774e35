package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/model"
	"github.com/vibehost/provisioner/internal/store"
)

// advance moves stack to the next status through the registry. An edge the
// lifecycle does not have is a bug in the caller and is reported as such.
func advance(ctx context.Context, registry store.StackRegistry, logger *zap.Logger, stack *model.TenantStack, to model.StackStatus) error {
	if err := model.Transition(stack.Status, to); err != nil {
		logger.DPanic("Lifecycle violation",
			zap.String("stack", stack.Name),
			zap.String("from", string(stack.Status)),
			zap.String("to", string(to)))
		return perrors.InternalError("refused invalid status change", err).
			WithDetail("from", string(stack.Status)).
			WithDetail("to", string(to))
	}

	if err := registry.UpdateStatus(ctx, stack.ID, stack.Status, to); err != nil {
		if errors.Is(err, store.ErrStatusMismatch) {
			return perrors.NewProvisionError(perrors.ErrCodeConflict, perrors.StageRegistry,
				"stack "+stack.Name+" changed status concurrently", err)
		}
		return perrors.Registry("failed to update stack status", err)
	}

	logger.Info("Stack status changed",
		zap.String("stack", stack.Name),
		zap.String("from", string(stack.Status)),
		zap.String("to", string(to)))

	stack.Status = to
	stack.UpdatedAt = time.Now().UTC()
	return nil
}
