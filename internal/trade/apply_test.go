package trade

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestApplyBuy_RoundsAverageCost(t *testing.T) {
	a := model.NewAccount("u", 0, dec("1000"), time.Now())
	if _, err := applyBuy(a, "AAPL", 1, dec("10")); err != nil {
		t.Fatal(err)
	}
	if _, err := applyBuy(a, "AAPL", 2, dec("10.01")); err != nil {
		t.Fatal(err)
	}

	h := a.Holdings["AAPL"]
	if h.Shares != 3 {
		t.Errorf("expected 3 shares, got %d", h.Shares)
	}
	if want := dec("10.00666667"); !h.AverageCost.Equal(want) {
		t.Errorf("expected average cost %s, got %s", want, h.AverageCost)
	}
	if want := dec("969.98"); !a.CashBalance.Equal(want) {
		t.Errorf("expected cash %s, got %s", want, a.CashBalance)
	}
}

func TestApplyBuy_FailureLeavesAccountUntouched(t *testing.T) {
	a := model.NewAccount("u", 0, dec("99.99"), time.Now())
	a.Holdings["AAPL"] = model.Holding{Symbol: "AAPL", Shares: 1, AverageCost: dec("5")}

	_, err := applyBuy(a, "AAPL", 10, dec("10"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !a.CashBalance.Equal(dec("99.99")) || a.Holdings["AAPL"].Shares != 1 {
		t.Errorf("account mutated on failure: %+v", a)
	}
}

func TestApplySell(t *testing.T) {
	tests := []struct {
		name       string
		shares     int64
		sell       int64
		price      string
		wantErr    error
		wantShares int64 // 0 means the holding should be gone
		wantCash   string
		wantPnL    string
	}{
		{"partial", 20, 5, "180", nil, 15, "900", "150"},
		{"full", 4, 4, "25", nil, 0, "100", "-500"},
		{"too many", 2, 3, "10", ErrInsufficientShares, 2, "0", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := model.NewAccount("u", 0, decimal.Zero, time.Now())
			a.Holdings["X"] = model.Holding{Symbol: "X", Shares: tt.shares, AverageCost: dec("150")}

			rec, err := applySell(a, "X", tt.sell, dec(tt.price))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			h, ok := a.Holdings["X"]
			if tt.wantShares == 0 {
				if ok {
					t.Errorf("expected holding removed, still have %d", h.Shares)
				}
			} else if h.Shares != tt.wantShares || !h.AverageCost.Equal(dec("150")) {
				t.Errorf("unexpected holding %+v", h)
			}
			if !a.CashBalance.Equal(dec(tt.wantCash)) {
				t.Errorf("expected cash %s, got %s", tt.wantCash, a.CashBalance)
			}
			if tt.wantErr == nil && !rec.RealizedPnL.Equal(dec(tt.wantPnL)) {
				t.Errorf("expected realized %s, got %s", tt.wantPnL, rec.RealizedPnL)
			}
		})
	}
}

func TestApplySell_NoPosition(t *testing.T) {
	a := model.NewAccount("u", 0, dec("10"), time.Now())
	_, err := applySell(a, "AAPL", 1, dec("1"))
	if !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}
