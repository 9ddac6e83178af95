package types

import (
	"context"
	"net/http"
)

// IdentityProvider is the opaque boundary to the auth/organization
// subsystem. The pipeline consumes it read-only: session verification for
// the ops API and member listing for receipt routing. Everything behind it
// (login, invitations, roles) lives in another service.
type IdentityProvider interface {
	// VerifySession resolves the session, if any, for the request headers.
	VerifySession(ctx context.Context, header http.Header) (*Session, error)

	// ListMembers returns the members of an organization. Consumers filter
	// by Member.Billing to find billing contacts.
	ListMembers(ctx context.Context, organizationID string) ([]Member, error)
}

// EmailSender delivers a composed message to a recipient list. Implemented
// by the SES client; handlers depend on this interface so side-effect tests
// never touch the provider.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, textBody string) (messageID string, err error)
}

// AnalyticsTracker forwards a normalized fact to the analytics collector.
type AnalyticsTracker interface {
	Track(ctx context.Context, event string, organizationID string, properties map[string]any) error
}
