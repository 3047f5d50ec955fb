/*
reconcile.go - Matching provider callbacks back to pending advances

PURPOSE:
  The provider resolves disbursements asynchronously: a result POST
  (success or failure) or a timeout POST, possibly late, duplicated, or
  out of order. The reconciler extracts the correlation id, finds the
  matching advance, and drives the appropriate lifecycle transition.

POLICY:
  - Unknown correlation id: log and acknowledge anyway. The provider's
    retry semantics require an acknowledgment regardless of whether
    reconciliation succeeded.
  - Duplicate callback (already reconciled): idempotent no-op. The
    lifecycle CAS rejects the second transition; the reconciler logs
    and moves on, producing exactly one disbursed transition and one
    notification.
  - Failure callback after a success callback: the advance is already
    disbursed (terminal for failure purposes); logged as an anomaly and
    discarded, never applied.

SEE ALSO:
  - mpesa/callback.go: the payload types
  - api/handlers.go: the HTTP endpoints feeding this
*/
package advance

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/warp/advance-engine/mpesa"
)

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler finalizes advances from asynchronous provider callbacks.
type Reconciler struct {
	store   Store
	service *Service
	logger  *zap.Logger
}

// NewReconciler wires the reconciler to the store and lifecycle service.
func NewReconciler(store Store, service *Service, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, service: service, logger: logger}
}

// HandleResult processes a B2C result callback. It never returns an
// error the provider should see; the returned error is for the
// caller's logging only and all paths acknowledge.
func (r *Reconciler) HandleResult(ctx context.Context, result mpesa.B2CResult) error {
	adv, err := r.store.GetAdvanceByConversationID(ctx, result.OriginatorConversationID)
	if err != nil {
		if errors.Is(err, ErrUnknownConversation) {
			r.logger.Warn("callback for unknown conversation id",
				zap.String("conversation_id", result.OriginatorConversationID),
				zap.Int("result_code", result.ResultCode))
			return ErrUnknownConversation
		}
		return err
	}

	if result.Succeeded() {
		return r.applySuccess(ctx, adv, result)
	}
	return r.applyFailure(ctx, adv, result.ResultDesc)
}

// HandleTimeout processes a queue-timeout callback: the provider never
// executed the payment, so the advance fails.
func (r *Reconciler) HandleTimeout(ctx context.Context, result mpesa.B2CResult) error {
	adv, err := r.store.GetAdvanceByConversationID(ctx, result.OriginatorConversationID)
	if err != nil {
		if errors.Is(err, ErrUnknownConversation) {
			r.logger.Warn("timeout for unknown conversation id",
				zap.String("conversation_id", result.OriginatorConversationID))
			return ErrUnknownConversation
		}
		return err
	}
	return r.applyFailure(ctx, adv, "Transaction timed out")
}

func (r *Reconciler) applySuccess(ctx context.Context, adv *Advance, result mpesa.B2CResult) error {
	txID := result.ProviderTransactionID()
	err := r.service.MarkDisbursed(ctx, adv.ID, txID)
	if err == nil {
		r.logger.Info("advance disbursed",
			zap.String("advance_id", string(adv.ID)),
			zap.String("provider_tx_id", txID))
		return nil
	}

	if errors.Is(err, ErrInvalidTransition) {
		// Duplicate delivery of the same success: already disbursed.
		r.logger.Info("duplicate success callback ignored",
			zap.String("advance_id", string(adv.ID)),
			zap.String("status", string(adv.Status)))
		return nil
	}
	return err
}

func (r *Reconciler) applyFailure(ctx context.Context, adv *Advance, reason string) error {
	err := r.service.MarkFailed(ctx, adv.ID, reason)
	if err == nil {
		r.logger.Info("advance failed",
			zap.String("advance_id", string(adv.ID)),
			zap.String("reason", reason))
		return nil
	}

	if errors.Is(err, ErrInvalidTransition) {
		// A failure arriving after a success, or a duplicate failure.
		// Discard; the persisted state wins.
		r.logger.Warn("late or duplicate failure callback discarded",
			zap.String("advance_id", string(adv.ID)),
			zap.String("status", string(adv.Status)),
			zap.String("reason", reason))
		return nil
	}
	return err
}
