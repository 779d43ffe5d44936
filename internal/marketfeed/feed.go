// Package marketfeed defines the narrow surface RoundEngine depends on for
// live prices, kept deliberately mockable per-asset.
package marketfeed

import (
	"context"
	"time"
)

// EventType distinguishes an ordinary price tick from a critical one that
// should cancel any running round for the asset.
type EventType string

const (
	EventPrice         EventType = "price"
	EventPriceCritical EventType = "price_critical"
)

// Event is one price observation delivered over Subscribe.
type Event struct {
	Type      EventType
	Asset     string
	Price     float64
	Timestamp time.Time
}

// Source is implemented by whatever upstream collaborator supplies live
// prices (an exchange websocket client, a price oracle, or a test double).
type Source interface {
	// GetLatestPrice returns the most recently observed price for asset and
	// the time it was observed, or an error if no price has been seen at
	// all. Staleness is judged by the caller from the returned time.
	GetLatestPrice(ctx context.Context, asset string) (float64, time.Time, error)

	// Subscribe streams price and price_critical events for asset until
	// ctx is cancelled. The returned channel is closed on unsubscribe.
	Subscribe(ctx context.Context, asset string) (<-chan Event, error)
}
