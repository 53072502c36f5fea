// Package gc enforces the on-disk size cap for the metadata store.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/s3meta/store/metadb"
	"github.com/wolfeidau/s3meta/telemetry"
)

// Store is the subset of the metadata store the sweeper needs.
type Store interface {
	Footprint() (int64, error)
	OldestObjects(ctx context.Context, limit int) ([]metadb.ObjectKey, error)
	DeleteObjects(ctx context.Context, keys []metadb.ObjectKey) error
}

// Sweeper deletes the globally oldest-cached records in batches until the
// store's footprint fits under the configured cap.
//
// Eviction is best-effort and approximate: the footprint is measured at the
// storage-engine level, not per record, so a sweep may overshoot slightly.
// Bucket-name entries are never evicted.
type Sweeper struct {
	store     Store
	maxBytes  int64
	batchSize int
	logger    *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithBatchSize sets the maximum records deleted per batch.
func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		s.batchSize = n
	}
}

// WithLogger sets the logger for the sweeper.
func WithLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a sweeper enforcing maxBytes. A maxBytes <= 0 disables
// sweeping entirely. Default batch size is 100.
func NewSweeper(store Store, maxBytes int64, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:     store,
		maxBytes:  maxBytes,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result contains the results of one sweep.
type Result struct {
	Deleted     int
	BytesBefore int64
	BytesAfter  int64
	Duration    time.Duration
}

// Sweep runs a single eviction pass. It returns once the footprint is under
// the cap, the store is empty, or the context is cancelled.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}
	defer func() {
		result.Duration = time.Since(start)
		telemetry.RecordSweep(ctx, result.Deleted, result.Duration)
	}()

	if s.maxBytes <= 0 {
		return result, nil
	}

	size, err := s.store.Footprint()
	if err != nil {
		return result, fmt.Errorf("reading footprint: %w", err)
	}
	result.BytesBefore = size
	result.BytesAfter = size

	for size > s.maxBytes {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		keys, err := s.store.OldestObjects(ctx, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("finding oldest records: %w", err)
		}
		if len(keys) == 0 {
			break
		}

		if err := s.store.DeleteObjects(ctx, keys); err != nil {
			return result, fmt.Errorf("deleting batch: %w", err)
		}
		result.Deleted += len(keys)

		size, err = s.store.Footprint()
		if err != nil {
			return result, fmt.Errorf("reading footprint: %w", err)
		}
		result.BytesAfter = size
	}

	if result.Deleted > 0 {
		s.logger.Info("sweep complete",
			"deleted", result.Deleted,
			"bytes_before", result.BytesBefore,
			"bytes_after", result.BytesAfter)
	}

	return result, nil
}

// Run sweeps on a fixed interval until the context is cancelled. The
// synchronous post-write sweep is the primary mechanism; this loop mops up
// footprint growth from index churn between writes.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper started", "interval", interval, "maxBytes", s.maxBytes, "batchSize", s.batchSize)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}
