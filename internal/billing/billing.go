// Package billing projects payment-processor webhook events into local
// billing state and reports metered usage back to the processor.
//
// Each service owns one event category (accounts, plans, subscriptions,
// payments); the webhook router calls exactly one Apply method per event.
// Every projection write is guarded by last_event_at, so a redelivered or
// out-of-order event is skipped instead of overwriting newer state, and a
// domain event is published only when the write actually applied.
package billing

import (
	"context"
	"encoding/json"

	"subledger/internal/types"
)

// EventPublisher is the slice of the event bus the billing services use.
// Publishing persists the event for audit before any subscriber runs.
type EventPublisher interface {
	Publish(ctx context.Context, event *types.DomainEvent) error
}

// metadataOrgKey is the metadata key our checkout and onboarding flows stamp
// on every processor object they create. It is the only link from a
// processor-side object back to one of our organizations.
const metadataOrgKey = "organization_id"

func orgFromMetadata(metadata map[string]string) string {
	return metadata[metadataOrgKey]
}

// newDomainEvent assembles the bus event for an applied projection. The bus
// assigns the id, timestamp, and metadata at publish time.
func newDomainEvent(t types.DomainEventType, actor types.Actor, organizationID string, payload any) (*types.DomainEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode domain event payload", err)
	}
	return &types.DomainEvent{
		Type:           t,
		Actor:          actor,
		OrganizationID: organizationID,
		Payload:        body,
	}, nil
}

// webhookActor attributes a domain event to the inbound webhook that caused
// it, keyed by our stored event row id.
func webhookActor(event *types.WebhookEvent) types.Actor {
	return types.Actor{ID: event.ID, Type: types.ActorWebhook}
}
