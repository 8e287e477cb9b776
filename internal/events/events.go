package events

import "context"

// Loan event types, also used as routing keys
const (
	EventTypeLoanReserved  = "loan.reserved"
	EventTypeLoanAssigned  = "loan.assigned"
	EventTypeLoanPickedUp  = "loan.picked_up"
	EventTypeLoanCancelled = "loan.cancelled"
	EventTypeLoanExpired   = "loan.expired"
	EventTypeLoanReturned  = "loan.returned"
)

// Catalog event types consumed by the circulation service
const (
	EventTypeCatalogCreated       = "catalog.created"
	EventTypeCatalogCopiesChanged = "catalog.copies_changed"
	EventTypeCatalogDeleted       = "catalog.deleted"
)

// CatalogEvent is the envelope of the catalog events the consumer handles
type CatalogEvent struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	EventVersion string         `json:"event_version"`
	Timestamp    string         `json:"timestamp"`
	Payload      CatalogPayload `json:"payload"`
}

// CatalogPayload carries the book SKU and, where relevant, its copy count.
// A nil TotalCopies on catalog.created means one copy.
type CatalogPayload struct {
	SKU         string `json:"sku"`
	Title       string `json:"title,omitempty"`
	TotalCopies *int   `json:"total_copies,omitempty"`
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id carried into published events
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id attached to ctx, if any
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
