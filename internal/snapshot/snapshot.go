// Package snapshot buffers per-round price/row samples in memory at
// roughly 10Hz and flushes them to the durable store in batches, so the
// round engine's tick loop never blocks on a write.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Sample is one buffered observation.
type Sample struct {
	RoundID        string
	Elapsed        time.Duration
	RoundStartTime time.Time
	CurrentPrice   float64
	CurrentRow     float64
	bucket         int64
}

// Buffer is a ring-like append buffer with O(1) amortized trim at flush
// time and single-flight, rate-limited background flushing.
type Buffer struct {
	mu          sync.Mutex
	items       []Sample
	head        int
	lastBucket  map[string]int64
	maxQueue    int
	batchSize   int
	retryBase   time.Duration
	retryMax    time.Duration
	failures    int
	nextFlushAt time.Time
	flushing    bool

	pool *pgxpool.Pool
	log  zerolog.Logger
}

func New(pool *pgxpool.Pool, logger zerolog.Logger, maxQueue, batchSize int, retryBase, retryMax time.Duration) *Buffer {
	return &Buffer{
		items:     make([]Sample, 0, maxQueue),
		lastBucket: make(map[string]int64),
		maxQueue:  maxQueue,
		batchSize: batchSize,
		retryBase: retryBase,
		retryMax:  retryMax,
		pool:      pool,
		log:       logger,
	}
}

// BufferSnapshot appends s unless it falls in the same 100ms bucket as the
// round's last buffered sample. When the buffer is at capacity the oldest
// entry is dropped by advancing the head.
func (b *Buffer) BufferSnapshot(s Sample) {
	bucket := s.Elapsed.Milliseconds() / 100
	s.bucket = bucket

	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.lastBucket[s.RoundID]; ok && last == bucket {
		return
	}
	b.lastBucket[s.RoundID] = bucket

	if len(b.items)-b.head >= b.maxQueue {
		b.head++
	}
	b.items = append(b.items, s)
}

func (b *Buffer) drainLocked() []Sample {
	pending := append([]Sample(nil), b.items[b.head:]...)
	b.items = b.items[:0]
	b.head = 0
	return pending
}

func (b *Buffer) restoreLocked(pending []Sample) {
	b.items = append(pending, b.items[b.head:]...)
	b.head = 0
}

// FlushSnapshots writes all buffered samples to the durable store in
// sub-batches. It is at-most-one-concurrent and rate-limited to no more
// than one successful flush per second (longer after failures, by
// backoff); a call made while a flush is already in flight or before the
// next-allowed time returns nil without writing anything.
func (b *Buffer) FlushSnapshots(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing {
		b.mu.Unlock()
		return nil
	}
	if time.Now().Before(b.nextFlushAt) {
		b.mu.Unlock()
		return nil
	}
	pending := b.drainLocked()
	b.flushing = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()

	if len(pending) == 0 {
		return nil
	}

	if err := b.writeBatches(ctx, pending); err != nil {
		b.mu.Lock()
		b.restoreLocked(pending)
		b.failures++
		backoff := b.retryBase * time.Duration(1<<uint(b.failures-1))
		if backoff > b.retryMax {
			backoff = b.retryMax
		}
		b.nextFlushAt = time.Now().Add(backoff)
		b.mu.Unlock()
		b.log.Warn().Err(err).Int("failures", b.failures).Msg("snapshot flush failed")
		return fmt.Errorf("snapshot flush: %w", err)
	}

	b.mu.Lock()
	b.failures = 0
	b.nextFlushAt = time.Now().Add(time.Second)
	b.mu.Unlock()
	return nil
}

func (b *Buffer) writeBatches(ctx context.Context, pending []Sample) error {
	for start := 0; start < len(pending); start += b.batchSize {
		end := start + b.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := b.writeBatch(ctx, pending[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Buffer) writeBatch(ctx context.Context, batch []Sample) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, s := range batch {
		if _, err := tx.Exec(ctx, `
			INSERT INTO price_snapshots (round_id, elapsed_ms, round_start_time, price, row, bucket)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.RoundID, s.Elapsed.Milliseconds(), s.RoundStartTime, s.CurrentPrice, s.CurrentRow, s.bucket); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot batch: %w", err)
	}
	return nil
}

// GetSnapshotsInWindow returns the snapshots for roundID whose elapsed time
// falls in [windowStart, windowEnd], ordered by elapsed time. On a store
// error it returns an empty slice rather than propagating the failure.
func (b *Buffer) GetSnapshotsInWindow(ctx context.Context, roundID string, windowStart, windowEnd time.Duration) []Sample {
	rows, err := b.pool.Query(ctx, `
		SELECT elapsed_ms, price, row FROM price_snapshots
		WHERE round_id = $1 AND elapsed_ms BETWEEN $2 AND $3
		ORDER BY elapsed_ms ASC`, roundID, windowStart.Milliseconds(), windowEnd.Milliseconds())
	if err != nil {
		b.log.Warn().Err(err).Str("round_id", roundID).Msg("snapshot window query failed")
		return []Sample{}
	}
	defer rows.Close()

	out := []Sample{}
	for rows.Next() {
		var elapsedMS int64
		var s Sample
		if err := rows.Scan(&elapsedMS, &s.CurrentPrice, &s.CurrentRow); err != nil {
			b.log.Warn().Err(err).Msg("snapshot window scan failed")
			return []Sample{}
		}
		s.RoundID = roundID
		s.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, s)
	}
	return out
}
