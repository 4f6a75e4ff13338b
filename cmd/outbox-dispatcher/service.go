package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/pkg/config"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/mailer"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
	"github.com/resellerhq/storefront-backend/pkg/outbox"
	"github.com/resellerhq/storefront-backend/pkg/outbox/idempotency"
	"github.com/resellerhq/storefront-backend/pkg/outbox/payloads"
	"github.com/resellerhq/storefront-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 500 * time.Millisecond
	defaultDeliveryTimeout = 15 * time.Second
	defaultMaxAttempts     = 10
	maxBackoff             = 10 * time.Second
	jitterWindow           = 250 * time.Millisecond

	confirmationConsumer = "confirmation-email"
)

var errConfirmationInFlight = errors.New("confirmation held by another dispatcher")

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchUnpublishedForDispatch(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
	FindByEventIDTx(tx *gorm.DB, eventID uuid.UUID) (*models.OutboxDLQ, error)
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// deliveryGuard remembers which confirmations were already sent so a row
// retried after a failed commit does not mail the customer twice.
type deliveryGuard interface {
	Reserve(ctx context.Context, consumer string, eventID uuid.UUID) (idempotency.State, error)
	Complete(ctx context.Context, consumer string, eventID uuid.UUID) error
	Release(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Repository    outboxRepository
	Registry      registryResolver
	DLQRepository dlqRepository
	Mailer        mailer.Sender
	Guard         deliveryGuard
	// Metrics is optional.
	Metrics *metrics.OutboxMetrics
}

// Service drains the purchase outbox and delivers each event on its channel.
type Service struct {
	logg     *logger.Logger
	db       dbClient
	repo     outboxRepository
	registry registryResolver
	dlq      dlqRepository
	mailer   mailer.Sender
	guard    deliveryGuard
	metrics  *metrics.OutboxMetrics

	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	required := []struct {
		missing bool
		name    string
	}{
		{params.Config == nil, "config"},
		{params.Logger == nil, "logger"},
		{params.DB == nil, "database client"},
		{params.Repository == nil, "outbox repository"},
		{params.Registry == nil, "event registry"},
		{params.DLQRepository == nil, "dlq repository"},
		{params.Mailer == nil, "mailer"},
		{params.Guard == nil, "delivery guard"},
	}
	for _, dep := range required {
		if dep.missing {
			return nil, fmt.Errorf("%s is required", dep.name)
		}
	}

	cfg := params.Config.Outbox
	s := &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		registry:     params.Registry,
		dlq:          params.DLQRepository,
		mailer:       params.Mailer,
		guard:        params.Guard,
		metrics:      params.Metrics,
		batchSize:    positiveOr(cfg.BatchSize, defaultBatchSize),
		maxAttempts:  positiveOr(cfg.MaxAttempts, defaultMaxAttempts),
		pollInterval: time.Duration(cfg.PollIntervalMS) * time.Millisecond,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	return s, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Run polls until ctx ends. Full batches are followed immediately by the
// next poll; failing batches back off exponentially up to maxBackoff.
func (s *Service) Run(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	backoff := s.pollInterval
	for ctx.Err() == nil {
		processed, err := s.processBatch(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox dispatcher batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			wait = backoff
		case processed:
			backoff = s.pollInterval
			continue
		default:
			backoff = s.pollInterval
			wait = s.pollInterval
		}
		if err := sleep(ctx, withJitter(wait)); err != nil {
			break
		}
	}
	s.logg.Info(ctx, "outbox dispatcher context canceled")
	return ctx.Err()
}

// processBatch claims one batch under FOR UPDATE SKIP LOCKED and settles every
// row inside the same transaction.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForDispatch(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		s.metrics.ObserveBatch(len(events))
		processed = len(events) > 0
		for _, event := range events {
			if err := s.dispatch(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	return processed, err
}

// dispatch resolves and delivers one row and records the outcome. Only
// bookkeeping failures are returned; delivery failures become row state.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, event models.OutboxEvent) error {
	var (
		envelope outbox.PayloadEnvelope
		channel  string
	)
	resolved, err := s.registry.Resolve(event)
	if err == nil {
		envelope, channel = resolved.Envelope, resolved.Descriptor.Channel
		err = s.deliver(ctx, event, resolved)
	}
	fields := s.eventFields(event, envelope, channel)
	eventType := string(event.EventType)

	if err == nil {
		if markErr := s.repo.MarkPublishedTx(tx, event.ID); markErr != nil {
			return fmt.Errorf("mark published %s: %w", event.ID, markErr)
		}
		s.metrics.IncEvent(eventType, metrics.OutboxDelivered)
		s.logg.Info(s.logg.WithFields(ctx, fields), "outbox event delivered")
		return nil
	}

	reason, terminal := s.classify(event, err)
	if terminal {
		if reason == enums.OutboxDLQReasonMaxAttempts {
			err = fmt.Errorf("max delivery attempts reached: %w", err)
		}
		s.metrics.IncEvent(eventType, metrics.OutboxDeadLettered)
		return s.deadLetter(ctx, tx, event, reason, err, fields)
	}

	fields["attempt_count"] = event.AttemptCount + 1
	fields["error"] = err.Error()
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox delivery failed")
	if markErr := s.repo.MarkFailedTx(tx, event.ID, err); markErr != nil {
		return fmt.Errorf("mark failure %s: %w", event.ID, markErr)
	}
	s.metrics.IncEvent(eventType, metrics.OutboxRetried)
	return nil
}

// classify decides whether a failed row goes to the DLQ and why.
func (s *Service) classify(event models.OutboxEvent, err error) (enums.OutboxDLQErrorReason, bool) {
	var nonRetry registry.NonRetryableError
	switch {
	case errors.As(err, &nonRetry):
		return enums.OutboxDLQReasonNonRetryable, true
	case event.AttemptCount+1 >= s.maxAttempts:
		return enums.OutboxDLQReasonMaxAttempts, true
	default:
		return "", false
	}
}

func (s *Service) deliver(ctx context.Context, event models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	switch resolved.Descriptor.Channel {
	case registry.ChannelEmail:
		completed, ok := resolved.Payload.(*payloads.PurchaseCompletedEvent)
		if !ok {
			return registry.NewNonRetryableError(fmt.Errorf("unexpected payload %T for %s", resolved.Payload, event.EventType))
		}
		return s.sendConfirmation(ctx, deliveryID(event, resolved.Envelope), completed)
	case registry.ChannelAudit:
		s.logg.Info(s.logg.WithFields(ctx, s.eventFields(event, resolved.Envelope, registry.ChannelAudit)), "purchase event acknowledged")
		return nil
	default:
		return registry.NewNonRetryableError(fmt.Errorf("no delivery channel %q", resolved.Descriptor.Channel))
	}
}

func (s *Service) sendConfirmation(ctx context.Context, id uuid.UUID, event *payloads.PurchaseCompletedEvent) error {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"purchase_id":         event.PurchaseID.String(),
		"razorpay_payment_id": event.RazorpayPaymentID,
	})
	if event.Email == "" {
		s.logg.Warn(ctx, "purchase has no email on record, skipping confirmation")
		return nil
	}

	state, err := s.guard.Reserve(ctx, confirmationConsumer, id)
	if err != nil {
		return fmt.Errorf("reserve confirmation: %w", err)
	}
	switch state {
	case idempotency.StateDone:
		s.logg.Info(ctx, "confirmation already sent")
		return nil
	case idempotency.StateInFlight:
		return errConfirmationInFlight
	}

	sendCtx, cancel := context.WithTimeout(ctx, defaultDeliveryTimeout)
	defer cancel()
	if err := s.mailer.Send(sendCtx, confirmationMessage(event)); err != nil {
		if relErr := s.guard.Release(ctx, confirmationConsumer, id); relErr != nil {
			s.logg.Error(ctx, "failed to release confirmation reservation", relErr)
		}
		if pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
			return registry.NewNonRetryableError(err)
		}
		return err
	}
	if err := s.guard.Complete(ctx, confirmationConsumer, id); err != nil {
		// the mail went out; a lost marker only risks a duplicate after the lease expires
		s.logg.Error(ctx, "failed to record confirmation", err)
	}
	return nil
}

// deliveryID prefers the envelope event id and falls back to the row id.
func deliveryID(event models.OutboxEvent, envelope outbox.PayloadEnvelope) uuid.UUID {
	if id := envelope.ID(); id != uuid.Nil {
		return id
	}
	return event.ID
}

// deadLetter copies the row into outbox_dlq and pins it so it is never claimed again.
// A row requeued by an operator that fails again keeps its original DLQ entry.
func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error, fields map[string]any) error {
	fields["error_reason"] = reason
	fields["error"] = cause.Error()

	existing, err := s.dlq.FindByEventIDTx(tx, event.ID)
	if err != nil {
		return fmt.Errorf("lookup dlq %s: %w", event.ID, err)
	}
	if existing != nil {
		fields["dlq_id"] = existing.ID.String()
		s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox event failed again after requeue")
		return s.markTerminal(tx, event.ID, cause)
	}
	s.logg.Warn(s.logg.WithFields(ctx, fields), "outbox event will not be retried")

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       event.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  event.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", event.ID, err)
	}
	return s.markTerminal(tx, event.ID, cause)
}

func (s *Service) markTerminal(tx *gorm.DB, id uuid.UUID, cause error) error {
	if err := s.repo.MarkTerminalTx(tx, id, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", id, err)
	}
	return nil
}

func (s *Service) eventFields(event models.OutboxEvent, envelope outbox.PayloadEnvelope, channel string) map[string]any {
	fields := map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    event.EventType,
		"purchase_id":   event.AggregateID.String(),
		"attempt_count": event.AttemptCount,
	}
	if envelope.EventID != "" {
		fields["event_id"] = envelope.EventID
		fields["occurred_at"] = envelope.OccurredAt.Format(time.RFC3339Nano)
	}
	if channel != "" {
		fields["channel"] = channel
	}
	if event.LastError != nil {
		fields["last_error"] = *event.LastError
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, ceiling time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	return min(current*2, ceiling)
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(jitterWindow)))
}
