package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/resellerhq/storefront-backend/internal/testdb"
	"github.com/resellerhq/storefront-backend/pkg/db/models"
	"github.com/resellerhq/storefront-backend/pkg/enums"
)

func TestEmitWritesEnvelopeOnce(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	purchaseID := uuid.New()

	event := DomainEvent{
		EventType:     enums.EventPurchaseCompleted,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   purchaseID,
		Data:          map[string]string{"purchase_id": purchaseID.String()},
	}

	for i := 0; i < 2; i++ {
		err := conn.Transaction(func(tx *gorm.DB) error {
			return svc.Emit(context.Background(), tx, event)
		})
		require.NoError(t, err)
	}

	rows, err := repo.FindByAggregate(nil, purchaseID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.JSONEq(t, `{"purchase_id":"`+purchaseID.String()+`"}`, string(envelope.Data))
}

func TestEmitRejectsInvalidInput(t *testing.T) {
	conn := testdb.Open(t)
	svc := NewService(NewRepository(conn), nil)

	require.Error(t, svc.Emit(context.Background(), nil, DomainEvent{}))
	err := svc.Emit(context.Background(), conn, DomainEvent{
		EventType:     enums.OutboxEventType("nope"),
		AggregateType: enums.AggregatePurchase,
		AggregateID:   uuid.New(),
	})
	require.Error(t, err)
}

func TestEmitRollsBackWithTransaction(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	purchaseID := uuid.New()

	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := svc.Emit(context.Background(), tx, DomainEvent{
			EventType:     enums.EventPurchaseFailed,
			AggregateType: enums.AggregatePurchase,
			AggregateID:   purchaseID,
			Data:          struct{}{},
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	rows, err := repo.FindByAggregate(nil, purchaseID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRepositoryDispatchLifecycle(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)

	published := &models.OutboxEvent{EventType: enums.EventPurchaseCompleted, AggregateType: enums.AggregatePurchase, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`)}
	failing := &models.OutboxEvent{EventType: enums.EventPurchaseFailed, AggregateType: enums.AggregatePurchase, AggregateID: uuid.New(), Payload: json.RawMessage(`{}`)}
	for _, row := range []*models.OutboxEvent{published, failing} {
		inserted, err := repo.Insert(conn, row)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	rows, err := repo.FetchUnpublishedForDispatch(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, repo.MarkPublishedTx(conn, published.ID))
	require.NoError(t, repo.MarkFailedTx(conn, failing.ID, errors.New("smtp down")))

	rows, err = repo.FetchUnpublishedForDispatch(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, failing.ID, rows[0].ID)
	assert.Equal(t, 1, rows[0].AttemptCount)
	require.NotNil(t, rows[0].LastError)
	assert.Equal(t, "smtp down", *rows[0].LastError)

	require.NoError(t, repo.MarkTerminalTx(conn, failing.ID, errors.New("gave up"), 3))
	rows, err = repo.FetchUnpublishedForDispatch(conn, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDLQRepositoryInsertTruncates(t *testing.T) {
	conn := testdb.Open(t)
	dlq := NewDLQRepository(conn)
	eventID := uuid.New()

	long := make([]byte, maxDLQErrorLen+50)
	for i := range long {
		long[i] = 'x'
	}
	msg := string(long)
	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       eventID,
		EventType:     enums.EventPurchaseCompleted,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{}`),
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		ErrorMessage:  &msg,
	}))

	row, err := dlq.FindByEventIDTx(nil, eventID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.ErrorMessage)
	assert.Len(t, *row.ErrorMessage, maxDLQErrorLen)

	missing, err := dlq.FindByEventIDTx(conn, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeletePublishedBeforeKeepsPendingRows(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewRepository(conn)
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)

	published := &models.OutboxEvent{
		EventType:     enums.EventPurchaseCompleted,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{}`),
		PublishedAt:   &old,
	}
	pending := &models.OutboxEvent{
		EventType:     enums.EventPurchaseCompleted,
		AggregateType: enums.AggregatePurchase,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{}`),
	}
	for _, row := range []*models.OutboxEvent{published, pending} {
		_, err := repo.Insert(conn, row)
		require.NoError(t, err)
	}

	deleted, err := repo.DeletePublishedBefore(context.Background(), time.Now().UTC().Add(-30*24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := repo.FindByAggregate(nil, pending.AggregateID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
