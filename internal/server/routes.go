package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// RegisterRoutes wires the HTTP/WebSocket surface onto the Fiber app.
func (s *FiberServer) RegisterRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/round/state", s.getRoundStateHandler)
	api.Post("/round/bet", s.placeBetHandler)

	api.Get("/user/:userId/balance", s.getUserBalanceHandler)
	api.Post("/user/:userId/balance", s.setUserBalanceHandler)
	api.Get("/user/:userId/transactions", s.getTransactionHistoryHandler)

	api.Post("/webhook/recharge", s.rechargeWebhookHandler)

	s.App.Get("/ws", websocket.New(s.roundWebSocketHandler))
}
