package types

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	TotalItems *int   `json:"total_items,omitempty"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// ResponseMeta contains non-blocking metadata returned with API responses.
type ResponseMeta struct {
	Warnings   []string  `json:"warnings,omitempty"`
	Pagination *PageInfo `json:"pagination,omitempty"`
}

// WebhookEventFilters defines parameters for querying the webhook store
// through the ops API.
type WebhookEventFilters struct {
	State     WebhookEventState `json:"state,omitempty"`
	EventType WebhookEventType  `json:"event_type,omitempty"`
	Endpoint  WebhookEndpoint   `json:"endpoint,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Cursor    string            `json:"cursor,omitempty"`
}

// DomainEventFilters defines parameters for querying the audit store.
type DomainEventFilters struct {
	Type           DomainEventType `json:"type,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Limit          int             `json:"limit,omitempty"`
	Cursor         string          `json:"cursor,omitempty"`
}
