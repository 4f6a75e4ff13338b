package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resellerhq/storefront-backend/pkg/logger"
)

const (
	defaultOutboxRetention = 30 * 24 * time.Hour
	defaultPruneBatch      = 500
)

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	Repository outboxPruner
	// Retention defaults to 30 days, BatchSize to 500 rows per statement.
	Retention time.Duration
	BatchSize int
}

// NewOutboxRetentionJob prunes delivered confirmation events in bounded
// batches so a large backlog never holds one long delete.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository required")
	}
	if params.Retention <= 0 {
		params.Retention = defaultOutboxRetention
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultPruneBatch
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		repo:      params.Repository,
		retention: params.Retention,
		batch:     params.BatchSize,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	repo      outboxPruner
	retention time.Duration
	batch     int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var total int64
	for batches := 0; ; batches++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := j.repo.DeletePublishedBefore(ctx, cutoff, j.batch)
		if err != nil {
			return fmt.Errorf("prune outbox batch %d: %w", batches+1, err)
		}
		total += n
		if n < int64(j.batch) {
			break
		}
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": total,
	}), "outbox retention cleanup complete")
	return nil
}
