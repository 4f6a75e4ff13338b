package enums

// OutboxAggregateType and OutboxEventType mirror the aggregate_type_enum and
// event_type_enum postgres types.
type (
	OutboxAggregateType string
	OutboxEventType     string
)

const AggregatePurchase OutboxAggregateType = "purchase"

const (
	EventPurchaseCompleted OutboxEventType = "purchase_completed"
	EventPurchaseFailed    OutboxEventType = "purchase_failed"
)

var (
	aggregateTypes = members[OutboxAggregateType]{kind: "aggregate type", values: []OutboxAggregateType{AggregatePurchase}}
	eventTypes     = members[OutboxEventType]{kind: "outbox event type", values: []OutboxEventType{EventPurchaseCompleted, EventPurchaseFailed}}
)

func (a OutboxAggregateType) IsValid() bool { return aggregateTypes.has(a) }
func (e OutboxEventType) IsValid() bool     { return eventTypes.has(e) }

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return aggregateTypes.parse(value)
}

func ParseOutboxEventType(value string) (OutboxEventType, error) { return eventTypes.parse(value) }
