// Package usage batches account usage counter changes before they reach the
// durable store, which is only an eventually consistent copy.
package usage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/models"
)

// Sink receives flushed usage deltas, at most one per account per flush.
type Sink interface {
	ApplyUsage(ctx context.Context, deltas []models.UsageDelta) error
}

// Sinks applies each flush to every sink in order.
type Sinks []Sink

func (s Sinks) ApplyUsage(ctx context.Context, deltas []models.UsageDelta) error {
	var errs []error
	for _, sink := range s {
		if err := sink.ApplyUsage(ctx, deltas); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Batcher merges deltas per account and flushes them once batchSize deltas are
// pending or every interval, whichever comes first. A failed flush is logged and
// dropped.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]*models.UsageDelta
	count   int

	sink      Sink
	batchSize int
	interval  time.Duration
	full      chan struct{}
	logger    *logrus.Logger
}

// NewBatcher creates a Batcher. Call Run to start flushing.
func NewBatcher(sink Sink, batchSize int, interval time.Duration, logger *logrus.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Batcher{
		pending:   make(map[string]*models.UsageDelta),
		sink:      sink,
		batchSize: batchSize,
		interval:  interval,
		full:      make(chan struct{}, 1),
		logger:    logger,
	}
}

// Record queues a delta.
func (b *Batcher) Record(delta models.UsageDelta) {
	if delta.AccountID == "" {
		return
	}

	b.mu.Lock()
	merged, ok := b.pending[delta.AccountID]
	if !ok {
		merged = &models.UsageDelta{AccountID: delta.AccountID}
		b.pending[delta.AccountID] = merged
	}
	merged.QuotaDelta += delta.QuotaDelta
	merged.AliasDelta += delta.AliasDelta
	if delta.LastUsed.After(merged.LastUsed) {
		merged.LastUsed = delta.LastUsed
	}
	b.count++
	full := b.count >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of deltas recorded since the last flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Flush hands everything pending to the sink.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.count = 0
		b.mu.Unlock()
		return nil
	}
	deltas := make([]models.UsageDelta, 0, len(b.pending))
	for _, delta := range b.pending {
		deltas = append(deltas, *delta)
	}
	recorded := b.count
	b.pending = make(map[string]*models.UsageDelta)
	b.count = 0
	b.mu.Unlock()

	sort.Slice(deltas, func(i, j int) bool { return deltas[i].AccountID < deltas[j].AccountID })

	if err := b.sink.ApplyUsage(ctx, deltas); err != nil {
		b.logger.WithError(err).WithField("deltas", recorded).Warn("Failed to flush usage counters")
		return err
	}
	b.logger.WithField("accounts", len(deltas)).WithField("deltas", recorded).Debug("Flushed usage counters")
	return nil
}

// Run flushes on the size and time triggers until ctx is done, then flushes once more.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = b.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = b.Flush(ctx)
		case <-b.full:
			_ = b.Flush(ctx)
		}
	}
}
