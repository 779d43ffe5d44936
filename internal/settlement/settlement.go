// Package settlement resolves bets against recorded price snapshots and
// pays them out in batches, with retry and compensation paths for bets
// that could not be settled during a round's normal lifetime.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/housegrid/rowgrid/internal/housepool"
	"github.com/housegrid/rowgrid/internal/ledger"
	"github.com/housegrid/rowgrid/internal/snapshot"
)

const (
	defaultBatchSize  = 50
	maxRetryAttempts  = 3
	retryBaseDelay    = 1 * time.Second
	retryMaxDelay     = 30 * time.Second
	flushQueueTimeout = 30 * time.Second
)

// Bet is the minimal view SettlementService needs of a placed bet.
type Bet struct {
	ID          string
	OrderID     string
	RoundID     string
	Asset       string
	UserID      string
	AmountCents int64
	Multiplier  float64
	TargetRow   float64
	TargetTime  time.Duration
	IsPlayMode  bool
}

// HitDetails describes where/when a bet resolved, if it did.
type HitDetails struct {
	HitPrice     float64
	HitRow       float64
	HitTime      time.Duration
	UsedFallback bool
}

// Item is one entry in the settlement queue.
type Item struct {
	Bet        Bet
	IsWin      bool
	PayoutCents int64
	Hit        *HitDetails
}

// EventSink receives settlement notifications after a batch transaction
// commits. Implementations must not block the settlement worker.
type EventSink interface {
	BetSettled(item Item)
}

// Service drains a queue of settlement items with a single worker,
// applying status/balance/pool/stats mutations inside durable batch
// transactions with bounded retries.
type Service struct {
	mu         sync.Mutex
	queue      []Item
	isSettling bool

	batchSize int

	pool      *pgxpool.Pool
	ledger    ledger.Service
	housepool housepool.Service
	snapshots *snapshot.Buffer
	sink      EventSink
	log       zerolog.Logger

	retryAttempts map[string]int
	retryTimers   map[string]*time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(pool *pgxpool.Pool, ledgerSvc ledger.Service, housepoolSvc housepool.Service, snapshots *snapshot.Buffer, sink EventSink, logger zerolog.Logger) *Service {
	return &Service{
		batchSize:     defaultBatchSize,
		pool:          pool,
		ledger:        ledgerSvc,
		housepool:     housepoolSvc,
		snapshots:     snapshots,
		sink:          sink,
		log:           logger,
		retryAttempts: make(map[string]int),
		retryTimers:   make(map[string]*time.Timer),
		stop:          make(chan struct{}),
	}
}

// Enqueue adds a resolved item to the settlement queue.
func (s *Service) Enqueue(item Item) {
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.mu.Unlock()
}

// StartDrainLoop launches the single background worker that ticks Drain at
// interval, so bets that resolve mid-round settle (and broadcast bet:settled)
// without waiting for the round to end. EndRound's FlushQueue call remains
// the backstop that drains whatever this loop hasn't gotten to yet.
func (s *Service) StartDrainLoop(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Drain(ctx); err != nil {
					s.log.Error().Err(err).Msg("settlement drain failed")
				}
			}
		}
	}()
}

// StopDrainLoop halts the background worker started by StartDrainLoop and
// waits for it to exit.
func (s *Service) StopDrainLoop() {
	close(s.stop)
	s.wg.Wait()
}

// Drain runs a single pass of the drain loop: while isSettling is false and
// the queue is non-empty, it claims a batch and commits it. Safe to call
// repeatedly from a ticker; it is a no-op if a drain is already underway.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.isSettling || len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.isSettling = true
	batch := s.claimBatchLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSettling = false
		s.mu.Unlock()
	}()

	return s.commitBatchWithRetry(ctx, batch)
}

func (s *Service) claimBatchLocked() []Item {
	n := s.batchSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := s.queue[:n]
	s.queue = s.queue[n:]
	return batch
}

func (s *Service) commitBatchWithRetry(ctx context.Context, batch []Item) error {
	var lastErr error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err := s.commitBatch(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("settlement commit batch exhausted retries: %w", lastErr)
}

// commitBatch runs one durable transaction over batch: per-item status
// flip guarded by WHERE status IN (PENDING, SETTLING), aggregated per-user
// balance changes, the house pool delta, and user stat updates. Events are
// emitted only after the transaction commits.
func (s *Service) commitBatch(ctx context.Context, batch []Item) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	settled := make([]Item, 0, len(batch))
	var totalRealPayout int64
	changes := make([]ledger.BalanceChange, 0, len(batch))
	userStats := make(map[string]struct{ wins, losses int; profit int64 })

	for _, item := range batch {
		status := "LOST"
		if item.IsWin {
			status = "WON"
		}

		var hitRow, hitPrice interface{}
		var hitTimeMS interface{}
		if item.Hit != nil {
			hitRow, hitPrice = item.Hit.HitRow, item.Hit.HitPrice
			hitTimeMS = item.Hit.HitTime.Milliseconds()
		}

		tag, err := tx.Exec(ctx, `
			UPDATE bets SET status = $2, payout_cents = $3, hit_row = $4, hit_price = $5, hit_time_ms = $6, settled_at = now()
			WHERE id = $1 AND status IN ('PENDING', 'SETTLING')`,
			item.Bet.ID, status, item.PayoutCents, hitRow, hitPrice, hitTimeMS)
		if err != nil {
			return fmt.Errorf("settlement update bet %s: %w", item.Bet.ID, err)
		}
		if tag.RowsAffected() != 1 {
			continue // already settled
		}

		settled = append(settled, item)
		st := userStats[item.Bet.UserID]
		if item.IsWin {
			st.wins++
			st.profit += item.PayoutCents
			if !item.Bet.IsPlayMode {
				totalRealPayout += item.PayoutCents
				changes = append(changes, ledger.BalanceChange{
					UserID:      item.Bet.UserID,
					AmountCents: item.PayoutCents,
					Type:        ledger.TxnWin,
					Remark:      fmt.Sprintf("win bet %s", item.Bet.ID),
					ReferenceID: item.Bet.ID,
				})
			}
		} else {
			st.losses++
			st.profit -= item.Bet.AmountCents
		}
		userStats[item.Bet.UserID] = st
	}

	if len(settled) == 0 {
		return tx.Commit(ctx)
	}

	if len(changes) > 0 {
		if err := s.ledger.BatchChangeBalance(ctx, tx, changes, false); err != nil {
			return fmt.Errorf("settlement batch credit: %w", err)
		}
	} else if totalRealPayout > 0 {
		if _, err := s.ledger.ChangeBalance(ctx, tx, settled[0].Bet.UserID, totalRealPayout, ledger.TxnWin, "win bet fallback credit", "", false); err != nil {
			return fmt.Errorf("settlement fallback credit: %w", err)
		}
	}

	if totalRealPayout > 0 {
		if _, err := s.housepool.ApplyDelta(ctx, tx, settled[0].Bet.Asset, -totalRealPayout); err != nil {
			return fmt.Errorf("settlement house pool delta: %w", err)
		}
	}

	for userID, st := range userStats {
		if _, err := tx.Exec(ctx, `
			UPDATE users SET
				total_bets = total_bets + $2,
				total_wins = total_wins + $3,
				total_losses = total_losses + $4,
				total_profit_cents = total_profit_cents + $5
			WHERE id = $1`, userID, st.wins+st.losses, st.wins, st.losses, st.profit); err != nil {
			return fmt.Errorf("settlement update stats %s: %w", userID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement commit: %w", err)
	}

	if s.sink != nil {
		for _, item := range settled {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error().Interface("panic", r).Str("bet_id", item.Bet.ID).Msg("bet:settled callback panicked")
					}
				}()
				s.sink.BetSettled(item)
			}()
		}
	}

	return nil
}

// ResolveHitBySnapshots decides whether bet hit its target cell, using
// snapshots restricted to [targetTime-tol, targetTime+tol]. With zero
// in-window snapshots it falls back to the round-end snapshot. With one it
// tests |targetRow-row|<=tolerance. With >=2 it scans consecutive pairs,
// first match wins.
func ResolveHitBySnapshots(bet Bet, samples []snapshot.Sample, roundEndSample *snapshot.Sample, hitRowTolerance, hitTimeTolerance float64) (bool, *HitDetails) {
	lo := bet.TargetTime - time.Duration(hitTimeTolerance*float64(time.Second))
	hi := bet.TargetTime + time.Duration(hitTimeTolerance*float64(time.Second))

	var window []snapshot.Sample
	for _, s := range samples {
		if s.Elapsed >= lo && s.Elapsed <= hi {
			window = append(window, s)
		}
	}

	if len(window) == 0 {
		if roundEndSample == nil {
			return false, nil
		}
		if math.Abs(bet.TargetRow-roundEndSample.CurrentRow) <= hitRowTolerance {
			return true, &HitDetails{
				HitPrice:     roundEndSample.CurrentPrice,
				HitRow:       roundEndSample.CurrentRow,
				HitTime:      roundEndSample.Elapsed,
				UsedFallback: true,
			}
		}
		return false, nil
	}

	if len(window) == 1 {
		s := window[0]
		if math.Abs(bet.TargetRow-s.CurrentRow) <= hitRowTolerance {
			return true, &HitDetails{HitPrice: s.CurrentPrice, HitRow: s.CurrentRow, HitTime: s.Elapsed}
		}
		return false, nil
	}

	for i := 0; i < len(window)-1; i++ {
		a, b := window[i], window[i+1]
		lo := math.Min(a.CurrentRow, b.CurrentRow) - hitRowTolerance
		hi := math.Max(a.CurrentRow, b.CurrentRow) + hitRowTolerance
		if bet.TargetRow >= lo && bet.TargetRow <= hi {
			return true, &HitDetails{HitPrice: b.CurrentPrice, HitRow: b.CurrentRow, HitTime: b.Elapsed}
		}
	}

	return false, nil
}

// CompensateUnsettledBets is called during endRound: it loads every
// unsettled bet for the round, bulk-fetches the snapshots covering the
// union window once, and resolves+commits each bet individually.
func (s *Service) CompensateUnsettledBets(ctx context.Context, roundID string, hitRowTolerance, hitTimeTolerance float64, roundEndSample *snapshot.Sample) error {
	bets, err := s.loadUnsettledBets(ctx, roundID)
	if err != nil {
		return fmt.Errorf("compensate load unsettled: %w", err)
	}
	if len(bets) == 0 {
		return nil
	}

	minTarget, maxTarget := bets[0].TargetTime, bets[0].TargetTime
	for _, b := range bets[1:] {
		if b.TargetTime < minTarget {
			minTarget = b.TargetTime
		}
		if b.TargetTime > maxTarget {
			maxTarget = b.TargetTime
		}
	}
	windowStart := minTarget - time.Duration(hitTimeTolerance*float64(time.Second))
	windowEnd := maxTarget + time.Duration(hitTimeTolerance*float64(time.Second))
	samples := s.snapshots.GetSnapshotsInWindow(ctx, roundID, windowStart, windowEnd)

	for _, bet := range bets {
		isWin, hit := ResolveHitBySnapshots(bet, samples, roundEndSample, hitRowTolerance, hitTimeTolerance)
		payout := int64(0)
		if isWin {
			payout = int64(math.Round(float64(bet.AmountCents) * bet.Multiplier))
		}
		if err := s.commitBatch(ctx, []Item{{Bet: bet, IsWin: isWin, PayoutCents: payout, Hit: hit}}); err != nil {
			s.log.Error().Err(err).Str("bet_id", bet.ID).Msg("compensation commit failed")
		}
	}

	return nil
}

func (s *Service) loadUnsettledBets(ctx context.Context, roundID string) ([]Bet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id, b.order_id, b.round_id, r.asset, b.user_id, b.amount_cents, b.multiplier, b.target_row, b.target_time_ms, b.is_play_mode
		FROM bets b JOIN rounds r ON r.id = b.round_id
		WHERE b.round_id = $1 AND b.status IN ('PENDING', 'SETTLING')`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bet
	for rows.Next() {
		var b Bet
		var targetMS int64
		if err := rows.Scan(&b.ID, &b.OrderID, &b.RoundID, &b.Asset, &b.UserID, &b.AmountCents, &b.Multiplier, &b.TargetRow, &targetMS, &b.IsPlayMode); err != nil {
			return nil, err
		}
		b.TargetTime = time.Duration(targetMS) * time.Millisecond
		out = append(out, b)
	}
	return out, rows.Err()
}

// ScheduleRetry re-queries remaining unsettled bets for roundID and re-runs
// compensation, backing off 1,2,4,...s capped at 30s, up to 3 attempts.
// When no unsettled bets remain it clears the retry state for roundID.
func (s *Service) ScheduleRetry(ctx context.Context, roundID string, hitRowTolerance, hitTimeTolerance float64, roundEndSample *snapshot.Sample) {
	s.mu.Lock()
	attempt := s.retryAttempts[roundID]
	if attempt >= maxRetryAttempts {
		s.mu.Unlock()
		s.log.Warn().Str("round_id", roundID).Msg("settlement retries exhausted")
		return
	}
	attempt++
	s.retryAttempts[roundID] = attempt
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	timer := time.AfterFunc(delay, func() {
		pending, err := s.countPendingBets(ctx, roundID)
		if err != nil || pending == 0 {
			s.mu.Lock()
			delete(s.retryAttempts, roundID)
			delete(s.retryTimers, roundID)
			s.mu.Unlock()
			return
		}
		if err := s.CompensateUnsettledBets(ctx, roundID, hitRowTolerance, hitTimeTolerance, roundEndSample); err != nil {
			s.log.Error().Err(err).Str("round_id", roundID).Msg("retry compensation failed")
		}
		s.ScheduleRetry(ctx, roundID, hitRowTolerance, hitTimeTolerance, roundEndSample)
	})
	s.retryTimers[roundID] = timer
	s.mu.Unlock()
}

// FlushQueue blocks until the queue is empty and no settlement is in
// flight, or flushQueueTimeout elapses, whichever comes first.
func (s *Service) FlushQueue(ctx context.Context) bool {
	deadline := time.Now().Add(flushQueueTimeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		empty := len(s.queue) == 0 && !s.isSettling
		s.mu.Unlock()
		if empty {
			return true
		}
		if err := s.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("flush queue drain failed")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// countPendingBets counts roundID's bets still PENDING or SETTLING. A store
// error is logged and returned alongside a count of 0.
func (s *Service) countPendingBets(ctx context.Context, roundID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM bets WHERE round_id = $1 AND status IN ('PENDING', 'SETTLING')`, roundID).Scan(&n)
	if err != nil {
		s.log.Warn().Err(err).Str("round_id", roundID).Msg("count pending bets failed")
		return 0, err
	}
	return n, nil
}

// CountPendingBets is the exported form used outside the retry loop. It
// returns 0 on store error rather than propagating it.
func (s *Service) CountPendingBets(ctx context.Context, roundID string) int {
	n, err := s.countPendingBets(ctx, roundID)
	if err != nil {
		return 0
	}
	return n
}
