package round

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/housegrid/rowgrid/internal/config"
	"github.com/housegrid/rowgrid/internal/housepool"
	"github.com/housegrid/rowgrid/internal/ledger"
	"github.com/housegrid/rowgrid/internal/lock"
	"github.com/housegrid/rowgrid/internal/marketfeed"
	"github.com/housegrid/rowgrid/internal/ratelimit"
	"github.com/housegrid/rowgrid/internal/risk"
	"github.com/housegrid/rowgrid/internal/settlement"
	"github.com/housegrid/rowgrid/internal/snapshot"
)

// Error taxonomy surfaced from PlaceBet/EndRound/CancelRound/StartRound.
var (
	ErrPriceUnavailable = errors.New("PRICE_UNAVAILABLE")
	ErrNoActiveRound    = errors.New("NO_ACTIVE_ROUND")
	ErrBettingClosed    = errors.New("BETTING_CLOSED")
	ErrDuplicateBet     = errors.New("DUPLICATE_BET")
	ErrInvalidAmount    = errors.New("INVALID_AMOUNT")
	ErrTargetTimePassed = errors.New("TARGET_TIME_PASSED")
	ErrMaxBetsReached   = errors.New("MAX_BETS_REACHED")
	ErrRateLimited      = errors.New("RATE_LIMITED")
	ErrUserNotFound     = errors.New("USER_NOT_FOUND")
	ErrUserBanned       = errors.New("USER_BANNED")
	ErrUserSilenced     = errors.New("USER_SILENCED")
	ErrInsufficientBalance = errors.New("INSUFFICIENT_BALANCE")
)

// Engine is the authoritative round engine for a single asset. Its tick
// loop and lifecycle commands (PlaceBet, StartRound, EndRound, CancelRound)
// serialize through a single inbox goroutine, so in-memory state (the
// active-bets map and the resolution heap) is only ever touched from one
// goroutine at a time.
type Engine struct {
	asset string
	cfg   *config.Config
	log   zerolog.Logger

	pool      *pgxpool.Pool
	ledger    ledger.Service
	housepool housepool.Service
	locks     *lock.Manager
	risk      *risk.Manager
	snapshots *snapshot.Buffer
	settle    *settlement.Service
	feed      marketfeed.Source
	limiter   *ratelimit.Limiter
	hub       *Hub

	cmds chan func()
	stop chan struct{}
	wg   sync.WaitGroup

	mu           sync.RWMutex
	current      *Round
	betsByID     map[string]*Bet
	betsByOrder  map[string]*Bet
	resolveHeap  *betHeap
	roundToken   string
	autoRunning  bool
}

func NewEngine(
	asset string,
	cfg *config.Config,
	logger zerolog.Logger,
	pool *pgxpool.Pool,
	ledgerSvc ledger.Service,
	housepoolSvc housepool.Service,
	locks *lock.Manager,
	riskMgr *risk.Manager,
	snapshots *snapshot.Buffer,
	settle *settlement.Service,
	feed marketfeed.Source,
	limiter *ratelimit.Limiter,
	hub *Hub,
) *Engine {
	return &Engine{
		asset:       asset,
		cfg:         cfg,
		log:         logger.With().Str("asset", asset).Logger(),
		pool:        pool,
		ledger:      ledgerSvc,
		housepool:   housepoolSvc,
		locks:       locks,
		risk:        riskMgr,
		snapshots:   snapshots,
		settle:      settle,
		feed:        feed,
		limiter:     limiter,
		hub:         hub,
		cmds:        make(chan func(), 256),
		stop:        make(chan struct{}),
		betsByID:    make(map[string]*Bet),
		betsByOrder: make(map[string]*Bet),
		resolveHeap: newBetHeap(),
	}
}

// run is the single goroutine that owns this asset's critical section.
// Every lifecycle command and every tick flows through cmds, so the engine
// never needs an explicit lock over its in-memory state.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.stop:
			return
		}
	}
}

// exec submits fn to the engine's inbox and blocks until it has run.
func (e *Engine) exec(fn func()) {
	done := make(chan struct{})
	e.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// StartAutoRound launches the inbox goroutine and begins the
// betting->running->settling->ended cycle, starting a fresh round each
// time the previous one ends, until Stop is called.
func (e *Engine) StartAutoRound(ctx context.Context) {
	e.mu.Lock()
	if e.autoRunning {
		e.mu.Unlock()
		return
	}
	e.autoRunning = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stop:
				return
			default:
			}
			if err := e.StartRound(ctx); err != nil {
				e.log.Error().Err(err).Msg("start round failed, backing off")
				time.Sleep(time.Second)
				continue
			}
			e.waitForRoundEnd(ctx)
		}
	}()

	e.wg.Add(1)
	go e.watchCriticalPrice(ctx)
}

func (e *Engine) waitForRoundEnd(ctx context.Context) {
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
		var ended bool
		e.exec(func() {
			ended = e.current == nil || e.current.State == StateEnded || e.current.State == StateCancelled
		})
		if ended {
			return
		}
	}
}

func (e *Engine) watchCriticalPrice(ctx context.Context) {
	defer e.wg.Done()
	ch, err := e.feed.Subscribe(ctx, e.asset)
	if err != nil {
		e.log.Error().Err(err).Msg("subscribe to market feed failed")
		return
	}
	for {
		select {
		case <-e.stop:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type == marketfeed.EventPriceCritical {
				e.exec(func() {
					e.cancelLocked(ctx, ReasonCrash)
				})
			}
		}
	}
}

// Stop cancels the auto-round scheduler, cancels any active round with
// reason "shutdown", and flushes snapshots. It does not cancel settlement
// retry timers already scheduled by ScheduleRetry.
func (e *Engine) Stop(ctx context.Context) {
	var active bool
	e.exec(func() {
		active = e.current != nil && e.current.State != StateEnded && e.current.State != StateCancelled
	})

	if active {
		e.exec(func() {
			e.cancelLocked(ctx, ReasonShutdown)
		})
	}

	close(e.stop)
	e.wg.Wait()
	_ = e.snapshots.FlushSnapshots(ctx)
}

// StartRound begins a new round: resolves the starting price, records the
// seed commitment on the round (the round:start event does not carry it),
// and runs the betting window followed by the tick loop, all on the
// engine's own goroutine via exec.
func (e *Engine) StartRound(ctx context.Context) error {
	price, _, err := e.feed.GetLatestPrice(ctx, e.asset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	serverSeed := GenerateSeed()
	roundID := uuid.NewString()

	token, err := e.locks.AcquireRound(ctx, e.asset)
	if err != nil {
		return fmt.Errorf("round lock: %w", err)
	}

	r := &Round{
		ID:              roundID,
		Asset:           e.asset,
		State:           StateBetting,
		StartPrice:      price,
		RoundStartTime:  time.Now(),
		BettingDuration: e.cfg.BettingDuration,
		MaxDuration:     e.cfg.MaxDuration,
		ServerSeed:      serverSeed,
		SeedCommitment:  HashCommitment(serverSeed),
	}

	if err := e.persistRound(ctx, r); err != nil {
		_ = e.locks.ReleaseRound(ctx, e.asset, token)
		return fmt.Errorf("persist round: %w", err)
	}

	e.exec(func() {
		e.current = r
		e.roundToken = token
		e.betsByID = make(map[string]*Bet)
		e.betsByOrder = make(map[string]*Bet)
		e.resolveHeap = newBetHeap()
	})

	e.hub.Broadcast(Event{Type: EventRoundStart, Data: RoundStartPayload{
		RoundID:         r.ID,
		Asset:           r.Asset,
		StartPrice:      r.StartPrice,
		RoundStartTime:  r.RoundStartTime,
		BettingDuration: r.BettingDuration.Seconds(),
		MaxDuration:     r.MaxDuration.Seconds(),
	}})

	e.wg.Add(1)
	go e.lifecycle(ctx, r)

	return nil
}

func (e *Engine) lifecycle(ctx context.Context, r *Round) {
	defer e.wg.Done()

	select {
	case <-time.After(r.BettingDuration):
	case <-e.stop:
		return
	}

	e.exec(func() {
		if e.current != nil && e.current.ID == r.ID && e.current.State == StateBetting {
			e.current.State = StateRunning
		}
	})

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	maxTimer := time.NewTimer(r.MaxDuration - r.BettingDuration)
	defer maxTimer.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-maxTimer.C:
			e.exec(func() {
				e.endLocked(ctx, ReasonTimeout)
			})
			return
		case <-ticker.C:
			var ended bool
			e.exec(func() {
				ended = e.tickLocked(ctx, r)
			})
			if ended {
				return
			}
		}
	}
}

// tickLocked advances the round one tick: reads the latest price,
// projects it onto the row grid, resolves any bets whose target time has
// elapsed, buffers a snapshot, and emits round:tick. Returns true if the
// round ended as a side effect (e.g. price went stale).
func (e *Engine) tickLocked(ctx context.Context, r *Round) bool {
	if e.current == nil || e.current.ID != r.ID || e.current.State != StateRunning {
		return true
	}

	price, observedAt, err := e.feed.GetLatestPrice(ctx, e.asset)
	if err != nil || time.Since(observedAt) > e.cfg.PriceStaleWindow {
		e.log.Warn().Err(err).Msg("price stale or unavailable during tick, cancelling round")
		_ = e.cancelLocked(ctx, ReasonCancel)
		return true
	}

	elapsed := time.Since(r.RoundStartTime)
	row := priceToRow(price, r.StartPrice, e.cfg.RowSensitivity)

	e.snapshots.BufferSnapshot(snapshot.Sample{
		RoundID:        r.ID,
		Elapsed:        elapsed,
		RoundStartTime: r.RoundStartTime,
		CurrentPrice:   price,
		CurrentRow:     row,
	})
	go func() { _ = e.snapshots.FlushSnapshots(ctx) }()

	e.resolveDueLocked(ctx, r, elapsed, price, row)

	e.hub.Broadcast(Event{Type: EventRoundTick, Data: RoundTickPayload{
		RoundID:      r.ID,
		Elapsed:      elapsed.Seconds(),
		CurrentPrice: price,
		CurrentRow:   row,
	}})

	return false
}

// priceToRow projects a raw price onto the row grid relative to the
// round's starting price, scaled by rowSensitivity (price units per row).
func priceToRow(price, startPrice, rowSensitivity float64) float64 {
	if rowSensitivity == 0 {
		return 0
	}
	return (price - startPrice) / rowSensitivity
}

// resolveDueLocked pops every heap entry whose target time has elapsed and
// checks it against the current row, within tolerance.
func (e *Engine) resolveDueLocked(ctx context.Context, r *Round, elapsed time.Duration, price, row float64) {
	for {
		entry, ok := e.resolveHeap.peek()
		if !ok || time.Duration(entry.targetTime) > elapsed {
			return
		}
		e.resolveHeap.pop()

		bet, ok := e.betsByID[entry.betID]
		if !ok || bet.Settled {
			continue
		}
		bet.Settled = true

		isWin := math.Abs(bet.TargetRow-row) <= e.cfg.HitRowTolerance
		payout := int64(0)
		if isWin {
			payout = int64(math.Round(float64(bet.AmountCents) * bet.Multiplier))
		}

		item := settlement.Item{
			Bet: settlement.Bet{
				ID: bet.ID, OrderID: bet.OrderID, RoundID: bet.RoundID, Asset: r.Asset, UserID: bet.UserID,
				AmountCents: bet.AmountCents, Multiplier: bet.Multiplier, TargetRow: bet.TargetRow,
				TargetTime: bet.TargetTime, IsPlayMode: bet.IsPlayMode,
			},
			IsWin:       isWin,
			PayoutCents: payout,
		}
		if isWin {
			item.Hit = &settlement.HitDetails{HitPrice: price, HitRow: row, HitTime: elapsed}
		}
		e.settle.Enqueue(item)

		if _, err := e.risk.ReleaseExpectedPayout(ctx, r.Asset, bet.OrderID); err != nil {
			e.log.Warn().Err(err).Str("bet_id", bet.ID).Msg("release reservation failed")
		}
	}
}

// EndRound ends the current round, flushing settlement and running
// compensation for any bet still unsettled.
func (e *Engine) EndRound(ctx context.Context, reason EndReason) error {
	var err error
	e.exec(func() {
		err = e.endLocked(ctx, reason)
	})
	return err
}

func (e *Engine) endLocked(ctx context.Context, reason EndReason) error {
	if e.current == nil {
		return ErrNoActiveRound
	}
	r := e.current
	r.State = StateSettling

	flushed := e.settle.FlushQueue(ctx)
	if !flushed {
		e.log.Warn().Str("round_id", r.ID).Msg("settlement flush timed out")
	}

	latestSample := e.latestSnapshotSample(r)
	if err := e.settle.CompensateUnsettledBets(ctx, r.ID, e.cfg.HitRowTolerance, e.cfg.HitTimeTolerance, latestSample); err != nil {
		e.log.Error().Err(err).Str("round_id", r.ID).Msg("compensation failed")
		e.settle.ScheduleRetry(ctx, r.ID, e.cfg.HitRowTolerance, e.cfg.HitTimeTolerance, latestSample)
	}

	if err := e.locks.ReleaseRound(ctx, e.asset, e.roundToken); err != nil {
		e.log.Warn().Err(err).Msg("release round lock failed")
	}

	r.State = StateEnded
	r.EndReason = reason
	now := time.Now()
	r.EndedAt = &now
	_ = e.finalizeRound(ctx, r)

	e.hub.Broadcast(Event{Type: EventRoundEnd, Data: RoundEndPayload{RoundID: r.ID, Reason: reason}})
	return nil
}

func (e *Engine) latestSnapshotSample(r *Round) *snapshot.Sample {
	samples := e.snapshots.GetSnapshotsInWindow(context.Background(), r.ID, 0, r.MaxDuration)
	if len(samples) == 0 {
		return nil
	}
	return &samples[len(samples)-1]
}

// CancelRound cancels the round, refunding all pending bets: balances are
// restored and the house pool delta reversed.
func (e *Engine) CancelRound(ctx context.Context, reason EndReason) error {
	var err error
	e.exec(func() {
		err = e.cancelLocked(ctx, reason)
	})
	return err
}

func (e *Engine) cancelLocked(ctx context.Context, reason EndReason) error {
	if e.current == nil {
		return ErrNoActiveRound
	}
	r := e.current

	for _, bet := range e.betsByID {
		if bet.Settled {
			continue
		}
		bet.Settled = true
		if err := e.refundBet(ctx, r.Asset, bet); err != nil {
			e.log.Error().Err(err).Str("bet_id", bet.ID).Msg("refund failed during cancel")
		}
		if _, err := e.risk.ReleaseExpectedPayout(ctx, r.Asset, bet.OrderID); err != nil {
			e.log.Warn().Err(err).Str("bet_id", bet.ID).Msg("release reservation failed")
		}
	}

	if err := e.locks.ReleaseRound(ctx, e.asset, e.roundToken); err != nil {
		e.log.Warn().Err(err).Msg("release round lock failed")
	}

	r.State = StateCancelled
	r.EndReason = reason
	now := time.Now()
	r.EndedAt = &now
	_ = e.finalizeRound(ctx, r)

	e.hub.Broadcast(Event{Type: EventRoundEnd, Data: RoundEndPayload{RoundID: r.ID, Reason: reason}})
	return nil
}

func (e *Engine) refundBet(ctx context.Context, asset string, bet *Bet) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if !bet.IsPlayMode {
		if _, err := e.ledger.ChangeBalance(ctx, tx, bet.UserID, bet.AmountCents, ledger.TxnAdjust, "round cancelled refund", bet.OrderID, false); err != nil {
			return err
		}
		if _, err := e.housepool.ApplyDelta(ctx, tx, asset, -bet.AmountCents); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE bets SET status = 'REFUNDED', settled_at = now() WHERE id = $1 AND status IN ('PENDING','SETTLING')`, bet.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PlaceBet validates and intakes a bet request, serializing through the
// engine's inbox so the round's in-memory state is never touched
// concurrently with a tick.
func (e *Engine) PlaceBet(ctx context.Context, req BetRequest) BetResponse {
	if req.OrderID == "" {
		return BetResponse{Err: fmt.Errorf("%w: orderId required", ErrInvalidAmount)}
	}

	if !e.limiter.Allow(ctx, req.UserID) {
		return BetResponse{Err: ErrRateLimited}
	}

	orderToken, err := e.locks.AcquireOrder(ctx, req.OrderID)
	if err != nil {
		return BetResponse{Err: fmt.Errorf("%w: %v", ErrDuplicateBet, err)}
	}
	defer e.locks.ReleaseOrder(ctx, req.OrderID, orderToken)

	var resp BetResponse
	e.exec(func() {
		resp = e.placeBetLocked(ctx, req)
	})
	return resp
}

func (e *Engine) placeBetLocked(ctx context.Context, req BetRequest) BetResponse {
	r := e.current
	if r == nil {
		return BetResponse{Err: ErrNoActiveRound}
	}
	if r.State != StateBetting {
		return BetResponse{Err: ErrBettingClosed}
	}

	if existing, ok := e.betsByOrder[req.OrderID]; ok {
		return BetResponse{BetID: existing.ID, OrderID: req.OrderID, Multiplier: existing.Multiplier, Duplicate: true}
	}

	banned, silenced, err := e.ledger.GetUserStatus(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			return BetResponse{Err: ErrUserNotFound}
		}
		return BetResponse{Err: fmt.Errorf("user status: %w", err)}
	}
	if banned {
		return BetResponse{Err: ErrUserBanned}
	}
	if silenced {
		return BetResponse{Err: ErrUserSilenced}
	}

	if req.AmountCents < e.cfg.MinBetAmountCents || req.AmountCents > e.cfg.MaxBetAmountCents {
		return BetResponse{Err: ErrInvalidAmount}
	}
	if req.TargetRow < float64(e.cfg.MinRow) || req.TargetRow > float64(e.cfg.MaxRow) {
		return BetResponse{Err: ErrInvalidAmount}
	}

	elapsed := time.Since(r.RoundStartTime).Seconds()
	if req.TargetTime < elapsed+e.cfg.MinTargetTimeOffset {
		return BetResponse{Err: ErrTargetTimePassed}
	}

	if e.cfg.MaxActiveBets > 0 && len(e.betsByID) >= e.cfg.MaxActiveBets {
		return BetResponse{Err: ErrMaxBetsReached}
	}

	perUser := 0
	for _, b := range e.betsByID {
		if b.UserID == req.UserID {
			perUser++
		}
	}
	if perUser >= e.cfg.MaxBetsPerUser {
		return BetResponse{Err: ErrMaxBetsReached}
	}

	multiplier := resolveMultiplier(req.TargetRow, req.TargetTime)
	projectedPayout := float64(req.AmountCents) * multiplier

	poolState, err := e.housepool.Get(ctx, r.Asset)
	if err != nil {
		return BetResponse{Err: fmt.Errorf("housepool: %w", err)}
	}
	maxRoundPayout, err := risk.GetMaxRoundPayout(e.cfg.MaxRoundPayout, poolState.BalanceCents)
	if err != nil {
		return BetResponse{Err: fmt.Errorf("risk config: %w", err)}
	}

	reservation, err := e.risk.ReserveExpectedPayout(ctx, r.Asset, req.OrderID, float64(maxRoundPayout), projectedPayout)
	if err != nil {
		return BetResponse{Err: fmt.Errorf("risk reserve: %w", err)}
	}
	if !reservation.Allowed {
		return BetResponse{Err: ErrInvalidAmount}
	}

	betID := uuid.NewString()

	if !req.IsPlayMode {
		tx, err := e.pool.Begin(ctx)
		if err != nil {
			e.releaseReservation(ctx, r.Asset, req.OrderID)
			return BetResponse{Err: fmt.Errorf("begin bet tx: %w", err)}
		}

		if _, err := e.ledger.ConditionalChangeBalance(ctx, tx, req.UserID, -req.AmountCents, false); err != nil {
			tx.Rollback(ctx)
			e.releaseReservation(ctx, r.Asset, req.OrderID)
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				return BetResponse{Err: ErrInsufficientBalance}
			}
			if errors.Is(err, ledger.ErrUserNotFound) {
				return BetResponse{Err: ErrUserNotFound}
			}
			return BetResponse{Err: fmt.Errorf("debit: %w", err)}
		}

		if _, err := e.housepool.ApplyDelta(ctx, tx, r.Asset, req.AmountCents); err != nil {
			tx.Rollback(ctx)
			e.releaseReservation(ctx, r.Asset, req.OrderID)
			return BetResponse{Err: fmt.Errorf("housepool delta: %w", err)}
		}

		targetMS := int64(req.TargetTime * 1000)
		if _, err := tx.Exec(ctx, `
			INSERT INTO bets (id, order_id, round_id, user_id, amount_cents, multiplier, target_row, target_time_ms, is_play_mode, status, placed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'PENDING', now())`,
			betID, req.OrderID, r.ID, req.UserID, req.AmountCents, multiplier, req.TargetRow, targetMS, req.IsPlayMode); err != nil {
			tx.Rollback(ctx)
			e.releaseReservation(ctx, r.Asset, req.OrderID)
			return BetResponse{Err: fmt.Errorf("insert bet: %w", err)}
		}

		if err := tx.Commit(ctx); err != nil {
			e.releaseReservation(ctx, r.Asset, req.OrderID)
			return BetResponse{Err: fmt.Errorf("commit bet: %w", err)}
		}
	}

	bet := &Bet{
		ID: betID, OrderID: req.OrderID, RoundID: r.ID, UserID: req.UserID,
		AmountCents: req.AmountCents, Multiplier: multiplier, TargetRow: req.TargetRow,
		TargetTime: time.Duration(req.TargetTime * float64(time.Second)), IsPlayMode: req.IsPlayMode,
		PlacedAt: time.Now(),
	}
	e.betsByID[betID] = bet
	e.betsByOrder[req.OrderID] = bet
	e.resolveHeap.push(betID, int64(bet.TargetTime))

	e.hub.Broadcast(Event{Type: EventBetPlaced, Data: BetPlacedPayload{
		BetID: betID, OrderID: req.OrderID, UserID: req.UserID, AmountCents: req.AmountCents,
		Multiplier: multiplier, TargetRow: req.TargetRow, TargetTime: req.TargetTime,
	}})

	return BetResponse{BetID: betID, OrderID: req.OrderID, Multiplier: multiplier}
}

func (e *Engine) releaseReservation(ctx context.Context, asset, orderID string) {
	if _, err := e.risk.ReleaseExpectedPayout(ctx, asset, orderID); err != nil {
		e.log.Warn().Err(err).Str("order_id", orderID).Msg("release reservation after failed bet failed")
	}
}

// resolveMultiplier derives a payout multiplier from how far out and how
// far off-center the target cell is: longer horizons and more extreme
// rows pay more, mirroring an out-of-the-money option. The result is
// clamped to [1.01, 100], the factor's valid range.
func resolveMultiplier(targetRow, targetTimeSeconds float64) float64 {
	const minMultiplier = 1.01
	const maxMultiplier = 100

	base := 1.5 + math.Abs(targetRow)*0.1 + targetTimeSeconds*0.05
	if base < minMultiplier {
		base = minMultiplier
	}
	if base > maxMultiplier {
		base = maxMultiplier
	}
	return math.Round(base*100) / 100
}

func (e *Engine) persistRound(ctx context.Context, r *Round) error {
	_, err := e.pool.Exec(ctx, `
		INSERT INTO rounds (id, asset, state, start_price, round_start_time, betting_duration_ms, max_duration_ms, server_seed, seed_commitment)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.Asset, r.State, r.StartPrice, r.RoundStartTime,
		r.BettingDuration.Milliseconds(), r.MaxDuration.Milliseconds(), r.ServerSeed, r.SeedCommitment)
	return err
}

func (e *Engine) finalizeRound(ctx context.Context, r *Round) error {
	_, err := e.pool.Exec(ctx, `UPDATE rounds SET state = $2, end_reason = $3, ended_at = $4 WHERE id = $1`,
		r.ID, r.State, r.EndReason, r.EndedAt)
	return err
}

// CurrentRound returns a copy of the round currently in progress, or nil.
// Reads go through the same inbox as every mutation so the copy can never
// race a concurrent tick or lifecycle transition.
func (e *Engine) CurrentRound() *Round {
	var cp *Round
	e.exec(func() {
		if e.current != nil {
			r := *e.current
			cp = &r
		}
	})
	return cp
}
