package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	valuePending = "pending"
	valueDone    = "done"

	defaultLease = 2 * time.Minute
)

// State is the outcome of a reservation attempt.
type State int

const (
	// StateReserved means the caller owns the delivery and must Complete or Release it.
	StateReserved State = iota
	// StateInFlight means another worker holds an unexpired lease.
	StateInFlight
	// StateDone means the side effect already happened.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store is the subset of the redis client the manager needs.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type Options struct {
	// TTL is how long a completed delivery is remembered.
	TTL time.Duration
	// Lease bounds how long a reservation blocks other workers if its owner dies.
	Lease time.Duration
}

// Manager guards side effects per consumer and event id. A key moves from
// "pending" (short lease) to "done" (long TTL); releasing deletes it.
// Keys look like sf:idempotency:evt:<consumer>:<event_id>.
type Manager struct {
	store Store
	ttl   time.Duration
	lease time.Duration
}

func NewManager(store Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if opts.TTL < 0 || opts.Lease < 0 {
		return nil, errors.New("ttl and lease must be non-negative")
	}
	if opts.Lease == 0 {
		opts.Lease = defaultLease
	}
	if opts.TTL > 0 && opts.Lease > opts.TTL {
		opts.Lease = opts.TTL
	}
	return &Manager{store: store, ttl: opts.TTL, lease: opts.Lease}, nil
}

// Reserve takes the lease for eventID unless it is held or already completed.
func (m *Manager) Reserve(ctx context.Context, consumer string, eventID uuid.UUID) (State, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return StateReserved, err
	}
	ok, err := m.store.SetNX(ctx, key, valuePending, m.lease)
	if err != nil {
		return StateReserved, fmt.Errorf("reserve %s: %w", key, err)
	}
	if ok {
		return StateReserved, nil
	}

	current, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, goredis.Nil):
		// lease expired between SETNX and GET; let the caller retry later
		return StateInFlight, nil
	case err != nil:
		return StateReserved, fmt.Errorf("read %s: %w", key, err)
	case current == valueDone:
		return StateDone, nil
	default:
		return StateInFlight, nil
	}
}

// Complete records the delivery so later reservations report StateDone.
func (m *Manager) Complete(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, valueDone, m.ttl)
}

// Release drops a reservation after a failed attempt.
func (m *Manager) Release(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:"+consumer, eventID.String()), nil
}
