package app

import (
	"context"
	"testing"
	"time"

	"statarb-bot/internal/config"
	"statarb-bot/internal/ledger"
	"statarb-bot/internal/strategy"
	"statarb-bot/internal/venue"

	"go.uber.org/zap"
)

type staticFeed struct {
	snap strategy.QuoteSnapshot
}

func (f *staticFeed) Start(context.Context) error { return nil }

func (f *staticFeed) Snapshot() strategy.QuoteSnapshot { return f.snap }

type memStore struct{}

func (memStore) Load(context.Context) ([]ledger.Position, error) { return nil, nil }

func (memStore) SaveAll(context.Context, []ledger.Position) error { return nil }

func (memStore) Close() error { return nil }

type stubSpot struct {
	calls []string
}

func (s *stubSpot) Buy(_ context.Context, _ string, qty, _ float64) (venue.OrderResult, error) {
	s.calls = append(s.calls, "buy")
	return venue.OrderResult{FilledQty: qty, AvgPrice: 180.00, OrderID: "s-buy"}, nil
}

func (s *stubSpot) Sell(_ context.Context, _ string, qty, _ float64) (venue.OrderResult, error) {
	s.calls = append(s.calls, "sell")
	return venue.OrderResult{FilledQty: qty, AvgPrice: 179.98, OrderID: "s-sell"}, nil
}

type stubPerp struct {
	opens  int
	closes int
}

func (p *stubPerp) OpenShort(_ context.Context, _ string, qty, _ float64, _ bool) (venue.OrderResult, error) {
	p.opens++
	return venue.OrderResult{FilledQty: qty, AvgPrice: 180.40, OrderID: "p-open"}, nil
}

func (p *stubPerp) CloseShort(_ context.Context, _ string, qty, _ float64) (venue.OrderResult, error) {
	p.closes++
	return venue.OrderResult{FilledQty: qty, AvgPrice: 180.45, OrderID: "p-close"}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Venues.Spot.Symbol = "SOLUSDT"
	cfg.Venues.Perp.Symbol = "SOL-PERP"
	cfg.Strategy = config.StrategyConfig{
		OpenSpreadThreshold:    0.001,
		MinFundingRate:         0.0001,
		CloseSpreadThreshold:   0.0005,
		ReverseSpreadThreshold: -0.001,
		PositionSize:           0.55,
		MaxPositions:           1,
		OrderTimeout:           time.Second,
		MaxDataAge:             5 * time.Second,
		CycleInterval:          time.Second,
	}
	cfg.Trading.Enabled = true
	return cfg
}

// Spread above the open threshold with healthy funding and fresh quotes.
func openingSnapshot() strategy.QuoteSnapshot {
	return strategy.QuoteSnapshot{
		SpotBid:     179.98,
		SpotAsk:     180.00,
		PerpBid:     180.40,
		PerpAsk:     180.45,
		FundingRate: 0.0002,
		HasFunding:  true,
		Timestamp:   time.Now(),
	}
}

func seedOpenPosition(t *testing.T, a *App, id string) {
	t.Helper()
	err := a.Ledger().Add(context.Background(), ledger.Position{
		ID:             id,
		SpotSymbol:     "SOLUSDT",
		PerpSymbol:     "SOL-PERP",
		Quantity:       0.55,
		EntryTimeMS:    time.Now().Add(-time.Hour).UnixMilli(),
		EntrySpread:    0.0021,
		SpotEntryPrice: 180.10,
		PerpEntryPrice: 180.50,
		Status:         ledger.StatusOpen,
	})
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func TestTickCloseFreesSlotForSameCycleOpen(t *testing.T) {
	cfg := testConfig()
	// Funding below this level closes the carry even while the spread holds,
	// so the same snapshot triggers a close and still clears the open checks.
	fundingFloor := 0.0005
	cfg.Strategy.ReverseFundingThreshold = &fundingFloor

	spot := &stubSpot{}
	perp := &stubPerp{}
	a, err := New(cfg, zap.NewNop(), Deps{
		Spot:  spot,
		Perp:  perp,
		Store: memStore{},
		Feed:  &staticFeed{snap: openingSnapshot()},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	seedOpenPosition(t, a, "pos_seed")

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	seeded, _ := a.Ledger().Get("pos_seed")
	if seeded.Status != ledger.StatusClosed {
		t.Fatalf("seeded position must close this cycle, got %s", seeded.Status)
	}
	stats := a.Ledger().Statistics()
	if stats.TotalPositions != 2 || stats.OpenPositions != 1 || stats.ClosedPositions != 1 {
		t.Fatalf("close must free the slot for the same cycle's open: %+v", stats)
	}
	if len(spot.calls) != 2 || spot.calls[0] != "sell" || spot.calls[1] != "buy" {
		t.Fatalf("close legs must run before open legs, got %v", spot.calls)
	}
	if perp.closes != 1 || perp.opens != 1 {
		t.Fatalf("expected one perp close and one perp open, got closes=%d opens=%d", perp.closes, perp.opens)
	}
}

func TestTickHoldsAtPositionCap(t *testing.T) {
	cfg := testConfig()
	spot := &stubSpot{}
	perp := &stubPerp{}
	a, err := New(cfg, zap.NewNop(), Deps{
		Spot:  spot,
		Perp:  perp,
		Store: memStore{},
		Feed:  &staticFeed{snap: openingSnapshot()},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	seedOpenPosition(t, a, "pos_seed")

	// No close trigger in this snapshot, so the cap blocks the open signal.
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(spot.calls) != 0 || perp.opens != 0 {
		t.Fatalf("no orders may be placed at the cap: spot=%v opens=%d", spot.calls, perp.opens)
	}
	if stats := a.Ledger().Statistics(); stats.TotalPositions != 1 || stats.OpenPositions != 1 {
		t.Fatalf("ledger must be unchanged at the cap: %+v", stats)
	}
}

func TestTickMonitorModePlacesNoOrders(t *testing.T) {
	cfg := testConfig()
	cfg.Trading.Enabled = false
	a, err := New(cfg, zap.NewNop(), Deps{
		Store: memStore{},
		Feed:  &staticFeed{snap: openingSnapshot()},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	seedOpenPosition(t, a, "pos_seed")

	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	seeded, _ := a.Ledger().Get("pos_seed")
	if seeded.Status != ledger.StatusOpen {
		t.Fatalf("monitor mode must not mutate positions, got %s", seeded.Status)
	}
	if stats := a.Ledger().Statistics(); stats.TotalPositions != 1 {
		t.Fatalf("monitor mode must not open positions: %+v", stats)
	}
}

func TestTickSkipsOnInvalidData(t *testing.T) {
	cfg := testConfig()
	spot := &stubSpot{}
	perp := &stubPerp{}
	a, err := New(cfg, zap.NewNop(), Deps{
		Spot:  spot,
		Perp:  perp,
		Store: memStore{},
		Feed:  &staticFeed{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.tick(context.Background()); err != nil {
		t.Fatalf("tick on empty snapshot must not fail: %v", err)
	}
	if len(spot.calls) != 0 || perp.opens != 0 {
		t.Fatalf("empty snapshot must place no orders")
	}
}

func TestNewRequiresPortsWhenTradingEnabled(t *testing.T) {
	cfg := testConfig()
	if _, err := New(cfg, zap.NewNop(), Deps{Store: memStore{}, Feed: &staticFeed{}}); err == nil {
		t.Fatalf("trading without venue ports must fail at startup")
	}
}
