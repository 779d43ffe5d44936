package server

import (
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/housegrid/rowgrid/internal/ledger"
	"github.com/housegrid/rowgrid/internal/round"
	"github.com/housegrid/rowgrid/internal/webhook"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cacheSvc.Health(),
		"ws": fiber.Map{
			"connected_clients": s.hub.ClientCount(),
		},
	})
}

func (s *FiberServer) getRoundStateHandler(c *fiber.Ctx) error {
	engine, err := s.engineForAsset(c.Query("asset"))
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}

	r := engine.CurrentRound()
	if r == nil {
		return c.Status(404).JSON(fiber.Map{"error": "no active round"})
	}
	return c.JSON(r)
}

type placeBetRequest struct {
	OrderID     string  `json:"orderId"`
	UserID      string  `json:"userId"`
	TargetRow   float64 `json:"targetRow"`
	TargetTime  float64 `json:"targetTime"`
	AmountCents int64   `json:"amount"`
	IsPlayMode  bool    `json:"isPlayMode"`
	Asset       string  `json:"asset"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req placeBetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}

	engine, err := s.engineForAsset(req.Asset)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}

	resp := engine.PlaceBet(c.Context(), round.BetRequest{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		TargetRow:   req.TargetRow,
		TargetTime:  req.TargetTime,
		AmountCents: req.AmountCents,
		IsPlayMode:  req.IsPlayMode,
	})
	if resp.Err != nil {
		return c.Status(400).JSON(fiber.Map{"error": resp.Err.Error()})
	}

	return c.JSON(resp)
}

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}

	real, play, err := s.ledger.GetBalance(c.Context(), userID)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"userId":      userID,
		"balance":     ledger.CentsToDecimalString(real),
		"playBalance": ledger.CentsToDecimalString(play),
	})
}

// setUserBalanceHandler is an admin endpoint that routes through Ledger
// rather than writing balance state directly.
func (s *FiberServer) setUserBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}

	var body struct {
		ValueCents int64 `json:"valueCents"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	if err := s.ledger.SetPlayBalance(c.Context(), userID, body.ValueCents); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"userId": userID, "playBalance": ledger.CentsToDecimalString(body.ValueCents)})
}

// transactionView is the API-facing shape of a ledger.Entry: every cents
// field is rendered as a decimal string at this one boundary.
type transactionView struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balanceBefore"`
	BalanceAfter  string `json:"balanceAfter"`
	Remark        string `json:"remark"`
	ReferenceID   string `json:"referenceId"`
}

func (s *FiberServer) getTransactionHistoryHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "userId is required"})
	}

	history, err := s.ledger.GetTransactionHistory(c.Context(), userID, 50, 0)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}

	views := make([]transactionView, len(history))
	for i, entry := range history {
		views[i] = transactionView{
			ID:            entry.ID,
			Type:          entry.Type,
			Amount:        ledger.CentsToDecimalString(entry.AmountCents),
			BalanceBefore: ledger.CentsToDecimalString(entry.BalanceBefore),
			BalanceAfter:  ledger.CentsToDecimalString(entry.BalanceAfter),
			Remark:        entry.Remark,
			ReferenceID:   entry.ReferenceID,
		}
	}
	return c.JSON(views)
}

type rechargeWebhookRequest struct {
	OrderNo     string `json:"orderNo"`
	TradeNo     string `json:"tradeNo"`
	AmountCents int64  `json:"amountCents"`
	Sign        string `json:"sign"`
}

func (s *FiberServer) rechargeWebhookHandler(c *fiber.Ctx) error {
	var req rechargeWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	processed, err := s.webhook.Process(c.Context(), webhook.Notification{
		OrderNo: req.OrderNo, TradeNo: req.TradeNo, AmountCents: req.AmountCents, Sign: req.Sign,
	})
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"processed": processed})
}

// roundWebSocketHandler sends the current round of the requested asset as
// an initial_state message, then streams every hub event to the client
// (the hub does not filter by asset). Inbound messages are read and
// discarded.
func (s *FiberServer) roundWebSocketHandler(conn *websocket.Conn) {
	asset := conn.Query("asset", s.cfg.Asset)
	userID := conn.Query("user_id", "anonymous")

	client := s.hub.RegisterClient(conn, userID, asset)
	defer s.hub.UnregisterClient(client)

	engine, err := s.registry.Get(asset)
	if err == nil {
		if r := engine.CurrentRound(); r != nil {
			initial, _ := json.Marshal(round.Event{Type: "initial_state", Data: r})
			conn.WriteMessage(websocket.TextMessage, initial)
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
