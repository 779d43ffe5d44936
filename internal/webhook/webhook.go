// Package webhook verifies and processes inbound recharge notifications
// from the upstream payment provider.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/housegrid/rowgrid/internal/ledger"
)

// ErrBadSignature is returned when the provided sign does not match the
// HMAC computed over the recharge payload.
var ErrBadSignature = errors.New("webhook: signature mismatch")

// Handler validates and applies recharge notifications. Idempotency and
// amount verification are delegated entirely to Ledger.CompleteRechargeOrder.
type Handler struct {
	secret string
	ledger ledger.Service
}

func New(secret string, ledgerSvc ledger.Service) *Handler {
	return &Handler{secret: secret, ledger: ledgerSvc}
}

// Notification is the inbound recharge payload: (orderNo, tradeNo, amount, sign).
type Notification struct {
	OrderNo     string
	TradeNo     string
	AmountCents int64
	Sign        string
}

func (h *Handler) sign(orderNo, tradeNo string, amountCents int64) string {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(fmt.Sprintf("%s:%s:%d", orderNo, tradeNo, amountCents)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Process verifies n's signature and, if valid, delegates to Ledger to
// finalize the recharge. It returns (processed, error) mirroring
// CompleteRechargeOrder's semantics: a replayed notification for an
// already-completed order returns (false, nil), not an error.
func (h *Handler) Process(ctx context.Context, n Notification) (bool, error) {
	expected := h.sign(n.OrderNo, n.TradeNo, n.AmountCents)
	if !hmac.Equal([]byte(expected), []byte(n.Sign)) {
		return false, ErrBadSignature
	}

	return h.ledger.CompleteRechargeOrder(ctx, n.OrderNo, n.TradeNo, n.AmountCents)
}

// ParseAmountCents converts a decimal-string amount (e.g. "10.00") from the
// webhook payload into integer cents.
func ParseAmountCents(amount string) (int64, error) {
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, fmt.Errorf("webhook parse amount: %w", err)
	}
	return int64(f*100 + 0.5), nil
}
