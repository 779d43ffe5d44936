package round

import "github.com/housegrid/rowgrid/internal/settlement"

// HubEventSink bridges settlement.EventSink into the WebSocket hub: every
// bet that settlement.Service commits is broadcast as bet:settled to every
// connected client, the same way the engine broadcasts round/bet lifecycle
// events.
type HubEventSink struct {
	hub *Hub
}

func NewHubEventSink(hub *Hub) *HubEventSink {
	return &HubEventSink{hub: hub}
}

// BetSettled implements settlement.EventSink. Called after commitBatch's
// transaction has committed, so it must not block the settlement worker.
func (s *HubEventSink) BetSettled(item settlement.Item) {
	payload := BetSettledPayload{
		BetID:       item.Bet.ID,
		OrderID:     item.Bet.OrderID,
		UserID:      item.Bet.UserID,
		IsWin:       item.IsWin,
		PayoutCents: item.PayoutCents,
	}
	if item.Hit != nil {
		hitRow := item.Hit.HitRow
		hitPrice := item.Hit.HitPrice
		payload.HitRow = &hitRow
		payload.HitPrice = &hitPrice
	}
	s.hub.Broadcast(Event{Type: EventBetSettled, Data: payload})
}
