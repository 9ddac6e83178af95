package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"subledger/internal/types"
)

type mockIdentity struct {
	members    []types.Member
	err        error
	calledWith string
	calls      int
}

func (m *mockIdentity) VerifySession(context.Context, http.Header) (*types.Session, error) {
	return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "not implemented in mock", nil)
}

func (m *mockIdentity) ListMembers(_ context.Context, organizationID string) ([]types.Member, error) {
	m.calls++
	m.calledWith = organizationID
	if m.err != nil {
		return nil, m.err
	}
	return m.members, nil
}

type mockSender struct {
	to      []string
	subject string
	body    string
	err     error
	calls   int
}

func (m *mockSender) Send(_ context.Context, to []string, subject, textBody string) (string, error) {
	m.calls++
	m.to = to
	m.subject = subject
	m.body = textBody
	if m.err != nil {
		return "", m.err
	}
	return "msg-1", nil
}

func orgMembers() []types.Member {
	return []types.Member{
		{UserID: "u1", Email: "owner@example.test", Role: "owner", Billing: true},
		{UserID: "u2", Email: "dev@example.test", Role: "member", Billing: false},
		{UserID: "u3", Email: "finance@example.test", Role: "admin", Billing: true},
	}
}

func succeededPaymentEvent(t *testing.T) *types.DomainEvent {
	t.Helper()
	payload, err := json.Marshal(types.PaymentEventPayload{
		PaymentID:      "pi_123",
		Kind:           types.PaymentKindIntent,
		OrganizationID: "org_1",
		Amount:         2500,
		Currency:       "usd",
		Outcome:        types.PaymentSucceeded,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &types.DomainEvent{
		ID:             "evt_2",
		Type:           types.DomainPaymentSucceeded,
		OrganizationID: "org_1",
		Payload:        payload,
	}
}

func TestReceipts_SendsToBillingContactsOnly(t *testing.T) {
	identity := &mockIdentity{members: orgMembers()}
	sender := &mockSender{}
	h := NewReceiptHandler(identity, sender, slog.Default())

	stop, err := h.Handle(context.Background(), succeededPaymentEvent(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop {
		t.Error("receipts must never stop propagation")
	}

	if identity.calledWith != "org_1" {
		t.Errorf("expected members listed for org_1, got %q", identity.calledWith)
	}
	if sender.calls != 1 {
		t.Fatalf("expected 1 send, got %d", sender.calls)
	}
	if len(sender.to) != 2 || sender.to[0] != "owner@example.test" || sender.to[1] != "finance@example.test" {
		t.Errorf("expected billing contacts only, got %v", sender.to)
	}
	if !strings.Contains(sender.subject, "Payment received") || !strings.Contains(sender.subject, "25.00 USD") {
		t.Errorf("unexpected subject: %q", sender.subject)
	}
	if !strings.Contains(sender.body, "pi_123") {
		t.Errorf("expected payment reference in body, got %q", sender.body)
	}
}

func TestReceipts_FailedPaymentNotice(t *testing.T) {
	t.Run("retrying", func(t *testing.T) {
		identity := &mockIdentity{members: orgMembers()}
		sender := &mockSender{}
		h := NewReceiptHandler(identity, sender, slog.Default())

		if _, err := h.Handle(context.Background(), failedPaymentEvent(t, false)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(sender.subject, "Payment failed") {
			t.Errorf("unexpected subject: %q", sender.subject)
		}
		if !strings.Contains(sender.body, "card_declined") {
			t.Errorf("expected failure reason in body, got %q", sender.body)
		}
		if !strings.Contains(sender.body, "retried automatically") {
			t.Errorf("expected retry notice in body, got %q", sender.body)
		}
	})

	t.Run("final", func(t *testing.T) {
		identity := &mockIdentity{members: orgMembers()}
		sender := &mockSender{}
		h := NewReceiptHandler(identity, sender, slog.Default())

		if _, err := h.Handle(context.Background(), failedPaymentEvent(t, true)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(sender.body, "final attempt") {
			t.Errorf("expected final-attempt notice in body, got %q", sender.body)
		}
	})
}

func TestReceipts_NoBillingContacts(t *testing.T) {
	identity := &mockIdentity{members: []types.Member{
		{UserID: "u2", Email: "dev@example.test", Role: "member", Billing: false},
	}}
	sender := &mockSender{}
	h := NewReceiptHandler(identity, sender, slog.Default())

	if _, err := h.Handle(context.Background(), succeededPaymentEvent(t)); err != nil {
		t.Fatalf("missing contacts must be a no-op, got error: %v", err)
	}
	if sender.calls != 0 {
		t.Errorf("expected no send, got %d", sender.calls)
	}
}

func TestReceipts_NoOrganization(t *testing.T) {
	identity := &mockIdentity{members: orgMembers()}
	sender := &mockSender{}
	h := NewReceiptHandler(identity, sender, slog.Default())

	event := succeededPaymentEvent(t)
	event.OrganizationID = ""

	if _, err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.calls != 0 || sender.calls != 0 {
		t.Errorf("expected no provider calls, got identity=%d sender=%d", identity.calls, sender.calls)
	}
}

func TestReceipts_IgnoresNonPaymentEvents(t *testing.T) {
	identity := &mockIdentity{members: orgMembers()}
	sender := &mockSender{}
	h := NewReceiptHandler(identity, sender, slog.Default())

	event := succeededPaymentEvent(t)
	event.Type = types.DomainSubscriptionChanged

	if _, err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.calls != 0 || sender.calls != 0 {
		t.Errorf("expected no provider calls, got identity=%d sender=%d", identity.calls, sender.calls)
	}
}

func TestReceipts_IdentityErrorReturned(t *testing.T) {
	identity := &mockIdentity{err: types.NewAppError(types.ErrCodeUpstreamUnavailable, "identity down", nil)}
	sender := &mockSender{}
	h := NewReceiptHandler(identity, sender, slog.Default())

	_, err := h.Handle(context.Background(), succeededPaymentEvent(t))
	if err == nil {
		t.Fatal("expected identity error to propagate for retry")
	}
	if !types.IsRetryable(err) {
		t.Error("identity outage must classify as retryable")
	}
	if sender.calls != 0 {
		t.Errorf("expected no send after listing failure, got %d", sender.calls)
	}
}

func TestReceipts_SendErrorReturned(t *testing.T) {
	identity := &mockIdentity{members: orgMembers()}
	sender := &mockSender{err: errors.New("ses unavailable")}
	h := NewReceiptHandler(identity, sender, slog.Default())

	if _, err := h.Handle(context.Background(), succeededPaymentEvent(t)); err == nil {
		t.Fatal("expected send error to propagate for retry")
	}
}

func TestReceipts_MalformedPayloadIsPermanent(t *testing.T) {
	identity := &mockIdentity{members: orgMembers()}
	sender := &mockSender{}
	h := NewReceiptHandler(identity, sender, slog.Default())

	event := succeededPaymentEvent(t)
	event.Payload = json.RawMessage(`not json`)

	_, err := h.Handle(context.Background(), event)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeEventUnprocessable {
		t.Errorf("expected validation_event_unprocessable, got %v", err)
	}
	if sender.calls != 0 {
		t.Errorf("expected no send, got %d", sender.calls)
	}
}
