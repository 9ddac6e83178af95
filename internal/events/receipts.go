package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"subledger/internal/types"
)

var _ Handler = (*ReceiptHandler)(nil)

// ReceiptHandler emails an organization's billing contacts about payment
// outcomes. Queued: receipt delivery depends on the identity provider and
// the email provider, and neither may block or fail webhook processing.
type ReceiptHandler struct {
	identity types.IdentityProvider
	sender   types.EmailSender
	logger   *slog.Logger
}

// NewReceiptHandler creates the receipt email consumer.
func NewReceiptHandler(identity types.IdentityProvider, sender types.EmailSender, logger *slog.Logger) *ReceiptHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptHandler{
		identity: identity,
		sender:   sender,
		logger:   logger,
	}
}

func (h *ReceiptHandler) Name() string      { return "email-receipts" }
func (h *ReceiptHandler) Priority() int     { return 50 }
func (h *ReceiptHandler) ShouldQueue() bool { return true }

// Handle sends a receipt for payment successes and a notice for payment
// failures. Events without an organization or without billing contacts are
// logged no-ops; provider errors are returned so the retry scheduler can
// redeliver the job.
func (h *ReceiptHandler) Handle(ctx context.Context, event *types.DomainEvent) (bool, error) {
	switch event.Type {
	case types.DomainPaymentSucceeded, types.DomainPaymentFailed:
	default:
		return false, nil
	}

	if event.OrganizationID == "" {
		h.logger.InfoContext(ctx, "payment event carries no organization, skipping receipt",
			"domain_event_id", event.ID,
		)
		return false, nil
	}

	var p types.PaymentEventPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return false, types.NewAppError(types.ErrCodeEventUnprocessable, "email-receipts: malformed payment payload", err)
	}

	members, err := h.identity.ListMembers(ctx, event.OrganizationID)
	if err != nil {
		return false, err
	}
	to := billingContacts(members)
	if len(to) == 0 {
		h.logger.WarnContext(ctx, "organization has no billing contacts, receipt not sent",
			"organization_id", event.OrganizationID,
			"domain_event_id", event.ID,
		)
		return false, nil
	}

	subject, body := composeReceipt(event.Type, &p)
	messageID, err := h.sender.Send(ctx, to, subject, body)
	if err != nil {
		return false, err
	}

	h.logger.InfoContext(ctx, "receipt email sent",
		"organization_id", event.OrganizationID,
		"payment_id", p.PaymentID,
		"recipients", len(to),
		"message_id", messageID,
	)
	return false, nil
}

// billingContacts filters members down to billing contact addresses.
func billingContacts(members []types.Member) []string {
	var to []string
	for _, m := range members {
		if m.Billing && m.Email != "" {
			to = append(to, m.Email)
		}
	}
	return to
}

// composeReceipt builds the plain-text subject and body for one payment
// outcome.
func composeReceipt(eventType types.DomainEventType, p *types.PaymentEventPayload) (string, string) {
	amount := formatAmount(p.Amount, p.Currency)

	if eventType == types.DomainPaymentSucceeded {
		subject := fmt.Sprintf("Payment received: %s", amount)
		body := fmt.Sprintf(
			"Your payment of %s was received.\n\nPayment reference: %s\n\nThank you for using Subledger.\n",
			amount, p.PaymentID,
		)
		return subject, body
	}

	subject := fmt.Sprintf("Payment failed: %s", amount)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your payment of %s could not be processed.\n\n", amount)
	if p.FailureMessage != "" {
		fmt.Fprintf(&sb, "Reason: %s\n\n", p.FailureMessage)
	}
	fmt.Fprintf(&sb, "Payment reference: %s\n\n", p.PaymentID)
	if p.Final {
		sb.WriteString("This was the final attempt. Please update your payment method to restore service.\n")
	} else {
		sb.WriteString("Payment will be retried automatically. To avoid interruption, please check your payment method.\n")
	}
	return subject, sb.String()
}

// formatAmount renders a minor-unit amount as a decimal with its currency
// code, e.g. 1250 USD as "12.50 USD".
func formatAmount(amount int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(amount)/100, strings.ToUpper(currency))
}
