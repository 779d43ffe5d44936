// Package risk gates how much expected payout a round may be exposed to
// at once. Reservation bookkeeping is two Redis Lua scripts so the
// check-then-reserve and check-then-release sequences are atomic across
// concurrent bet placements.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const epsilon = 1e-6

var reserveScript = redis.NewScript(`
local reservedKey = KEYS[1]
local reservationKey = KEYS[2]
local maxPayout = tonumber(ARGV[1])
local delta = tonumber(ARGV[2])
local ttlMs = tonumber(ARGV[3])
local epsilon = tonumber(ARGV[4])

local currentTotal = tonumber(redis.call('GET', reservedKey) or '0')
local existing = redis.call('GET', reservationKey)
if existing then
	return {1, 0, currentTotal, tonumber(existing)}
end

if currentTotal + delta > maxPayout + epsilon then
	return {0, 0, currentTotal, 0}
end

local newTotal = currentTotal + delta
redis.call('SET', reservationKey, delta, 'PX', ttlMs)
redis.call('SET', reservedKey, newTotal, 'PX', ttlMs)
return {1, 1, newTotal, delta}
`)

var releaseScript = redis.NewScript(`
local reservedKey = KEYS[1]
local reservationKey = KEYS[2]
local ttlMs = tonumber(ARGV[1])

local existing = redis.call('GET', reservationKey)
if not existing then
	local currentTotal = tonumber(redis.call('GET', reservedKey) or '0')
	return {0, currentTotal, 0}
end

local delta = tonumber(existing)
local currentTotal = tonumber(redis.call('GET', reservedKey) or '0')
local newTotal = currentTotal - delta
if newTotal < 0 then
	newTotal = 0
end

redis.call('SET', reservedKey, newTotal, 'PX', ttlMs)
redis.call('DEL', reservationKey)
return {1, newTotal, delta}
`)

// ReserveResult mirrors the Lua script's {allowed, didReserve, total,
// delta} return tuple.
type ReserveResult struct {
	Allowed    bool
	DidReserve bool
	Total      float64
	Delta      float64
}

// ReleaseResult mirrors the release script's {released, total, delta}.
type ReleaseResult struct {
	Released bool
	Total    float64
	Delta    float64
}

// Assessment is the outcome of AssessBet.
type Assessment struct {
	Allowed         bool
	MaxBetAllowed   int64
	ProjectedPayout float64
	Metrics         map[string]float64
}

// Manager enforces per-round expected-payout exposure limits.
type Manager struct {
	client         *redis.Client
	baseMaxBetCents int64
	reservationTTL time.Duration
}

func New(client *redis.Client, baseMaxBetCents int64, reservationTTL time.Duration) *Manager {
	return &Manager{client: client, baseMaxBetCents: baseMaxBetCents, reservationTTL: reservationTTL}
}

func reservedKey(asset string) string {
	return fmt.Sprintf("risk:reserved:%s", asset)
}

func reservationKey(orderID string) string {
	return fmt.Sprintf("risk:reservation:%s", orderID)
}

// ReserveExpectedPayout attempts to add delta (amount*multiplier) to the
// round's reserved total, keyed so at most one live reservation exists per
// orderID.
func (m *Manager) ReserveExpectedPayout(ctx context.Context, asset, orderID string, maxPayout, delta float64) (ReserveResult, error) {
	if math.IsNaN(maxPayout) || math.IsInf(maxPayout, 0) || math.IsNaN(delta) || math.IsInf(delta, 0) {
		return ReserveResult{}, nil
	}

	res, err := reserveScript.Run(ctx, m.client,
		[]string{reservedKey(asset), reservationKey(orderID)},
		maxPayout, delta, m.reservationTTL.Milliseconds(), epsilon).Slice()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("risk reserve: %w", err)
	}

	return ReserveResult{
		Allowed:    toInt64(res[0]) == 1,
		DidReserve: toInt64(res[1]) == 1,
		Total:      toFloat64(res[2]),
		Delta:      toFloat64(res[3]),
	}, nil
}

// ReleaseExpectedPayout releases orderID's reservation, if any, decrementing
// the round's reserved total (floored at zero).
func (m *Manager) ReleaseExpectedPayout(ctx context.Context, asset, orderID string) (ReleaseResult, error) {
	res, err := releaseScript.Run(ctx, m.client,
		[]string{reservedKey(asset), reservationKey(orderID)},
		m.reservationTTL.Milliseconds()).Slice()
	if err != nil {
		return ReleaseResult{}, fmt.Errorf("risk release: %w", err)
	}

	return ReleaseResult{
		Released: toInt64(res[0]) == 1,
		Total:    toFloat64(res[1]),
		Delta:    toFloat64(res[2]),
	}, nil
}

// GetMaxRoundPayout resolves maxRoundPayout as either a ratio of poolBalance
// (values <= 1) or an absolute cents figure otherwise.
func GetMaxRoundPayout(maxRoundPayout string, poolBalanceCents int64) (int64, error) {
	ratio, err := decimal.NewFromString(maxRoundPayout)
	if err != nil {
		return 0, fmt.Errorf("risk parse max round payout: %w", err)
	}
	if ratio.IsNegative() {
		ratio = decimal.Zero
	}

	if ratio.LessThanOrEqual(decimal.NewFromInt(1)) {
		pool := decimal.NewFromInt(poolBalanceCents)
		return ratio.Mul(pool).IntPart(), nil
	}
	return ratio.IntPart(), nil
}

// AssessBet returns whether amount is allowed given the round's current
// exposure, the maximum single bet the caller may still place, and the
// payout this bet would project if it won.
func AssessBet(activeBetsCents, poolBalanceCents, amountCents int64, multiplier float64, baseMaxBetCents int64) Assessment {
	if math.IsNaN(multiplier) || math.IsInf(multiplier, 0) || multiplier <= 0 {
		return Assessment{Allowed: false}
	}

	projectedPayout := float64(amountCents) * multiplier
	maxBetAllowed := baseMaxBetCents
	if poolBalanceCents > 0 {
		headroom := poolBalanceCents - activeBetsCents
		if headroom < 0 {
			headroom = 0
		}
		capByHeadroom := int64(float64(headroom) / multiplier)
		if capByHeadroom < maxBetAllowed {
			maxBetAllowed = capByHeadroom
		}
	}

	allowed := amountCents > 0 && amountCents <= maxBetAllowed

	return Assessment{
		Allowed:         allowed,
		MaxBetAllowed:   maxBetAllowed,
		ProjectedPayout: projectedPayout,
		Metrics: map[string]float64{
			"active_bets_cents":  float64(activeBetsCents),
			"pool_balance_cents": float64(poolBalanceCents),
			"multiplier":         multiplier,
		},
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		var out float64
		fmt.Sscanf(n, "%f", &out)
		return out
	default:
		return 0
	}
}
