package enums

// OutboxDLQErrorReason records why the dispatcher gave up on an outbox row.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

var dlqReasons = members[OutboxDLQErrorReason]{
	kind:   "outbox dlq reason",
	values: []OutboxDLQErrorReason{OutboxDLQReasonMaxAttempts, OutboxDLQReasonNonRetryable},
}

func (r OutboxDLQErrorReason) String() string { return string(r) }
func (r OutboxDLQErrorReason) IsValid() bool  { return dlqReasons.has(r) }

func ParseOutboxDLQErrorReason(value string) (OutboxDLQErrorReason, error) {
	return dlqReasons.parse(value)
}
