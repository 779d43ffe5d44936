package webhook

import (
	"context"
	"testing"

	"github.com/housegrid/rowgrid/internal/ledger"
)

type fakeLedger struct {
	ledger.Service
	completeCalled bool
	lastOrderNo    string
	lastTradeNo    string
	lastAmount     int64
	processed      bool
	err            error
}

func (f *fakeLedger) CompleteRechargeOrder(ctx context.Context, orderNo, tradeNo string, amountCents int64) (bool, error) {
	f.completeCalled = true
	f.lastOrderNo = orderNo
	f.lastTradeNo = tradeNo
	f.lastAmount = amountCents
	return f.processed, f.err
}

func TestProcess_ValidSignature(t *testing.T) {
	fl := &fakeLedger{processed: true}
	h := New("shared-secret", fl)

	n := Notification{OrderNo: "order-1", TradeNo: "trade-1", AmountCents: 500}
	n.Sign = h.sign(n.OrderNo, n.TradeNo, n.AmountCents)

	processed, err := h.Process(context.Background(), n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !processed {
		t.Error("expected processed=true")
	}
	if !fl.completeCalled {
		t.Error("expected CompleteRechargeOrder to be called")
	}
	if fl.lastOrderNo != "order-1" || fl.lastAmount != 500 {
		t.Errorf("unexpected args passed through: orderNo=%s amount=%d", fl.lastOrderNo, fl.lastAmount)
	}
}

func TestProcess_BadSignature(t *testing.T) {
	fl := &fakeLedger{}
	h := New("shared-secret", fl)

	n := Notification{OrderNo: "order-1", TradeNo: "trade-1", AmountCents: 500, Sign: "not-the-right-signature"}

	_, err := h.Process(context.Background(), n)
	if err == nil {
		t.Fatal("expected a signature mismatch error")
	}
	if fl.completeCalled {
		t.Error("CompleteRechargeOrder must not be called on a bad signature")
	}
}

func TestParseAmountCents(t *testing.T) {
	cases := map[string]int64{
		"10.00": 1000,
		"0.01":  1,
		"5":     500,
	}
	for in, want := range cases {
		got, err := ParseAmountCents(in)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseAmountCents(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := ParseAmountCents("not-a-number"); err == nil {
		t.Error("expected an error for an unparseable amount")
	}
}
