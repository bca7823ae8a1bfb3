package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Billing event types published by this service.
const (
	EventInvoicePaid         = "billing.invoice.paid.v1"
	EventSubscriptionCreated = "billing.subscription.created.v1"
	EventStorageTermEnded    = "billing.storage_term.ended.v1"
	EventReconcileRequired   = "billing.reconcile.required.v1"
)
