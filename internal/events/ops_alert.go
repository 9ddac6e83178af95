package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"subledger/internal/types"
)

var _ Handler = (*OpsAlertHandler)(nil)

// OpsAlertHandler raises an operator alert when a payment failure is final:
// the processor has exhausted its own retries and the subscription will
// lapse without intervention. It runs inline at the highest priority and
// stops propagation, so lower-priority consumers do not process a terminal
// failure as routine.
type OpsAlertHandler struct {
	logger *slog.Logger
}

// NewOpsAlertHandler creates the ops alert consumer.
func NewOpsAlertHandler(logger *slog.Logger) *OpsAlertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsAlertHandler{logger: logger}
}

func (h *OpsAlertHandler) Name() string      { return "ops-alert" }
func (h *OpsAlertHandler) Priority() int     { return 100 }
func (h *OpsAlertHandler) ShouldQueue() bool { return false }

// Handle alerts on final payment failures and stops propagation for them.
// Non-final failures and every other event type pass through untouched.
func (h *OpsAlertHandler) Handle(ctx context.Context, event *types.DomainEvent) (bool, error) {
	if event.Type != types.DomainPaymentFailed {
		return false, nil
	}

	var p types.PaymentEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return false, types.NewAppError(types.ErrCodeEventUnprocessable, "ops-alert: malformed payment payload", err)
	}
	if !p.Final {
		return false, nil
	}

	h.logger.ErrorContext(ctx, "final payment failure, operator action required",
		"organization_id", event.OrganizationID,
		"payment_id", p.PaymentID,
		"amount", p.Amount,
		"currency", p.Currency,
		"failure_message", p.FailureMessage,
		"domain_event_id", event.ID,
	)
	return true, nil
}
