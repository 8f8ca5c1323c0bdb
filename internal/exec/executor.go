// Package exec orchestrates the two-leg trade sequence against the venue
// ports and the position ledger. The spot leg always goes first, on open and
// on close: the perp venue fills market orders with reduce-only semantics and
// is the cheap leg to unwind, so a first-leg failure is always side-effect
// free and a second-leg failure leaves exactly one known residual.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"statarb-bot/internal/config"
	"statarb-bot/internal/ledger"
	"statarb-bot/internal/metrics"
	"statarb-bot/internal/strategy"
	"statarb-bot/internal/venue"

	"go.uber.org/zap"
)

// UnresolvedHedgeError reports a residual one-legged position the ledger does
// not (on open) or no longer correctly (on close) describes. It is never
// retried automatically; the operator must reconcile the named quantity.
type UnresolvedHedgeError struct {
	PositionID string
	Symbol     string
	Quantity   float64
	Stage      string
	Cause      error
}

func (e *UnresolvedHedgeError) Error() string {
	return fmt.Sprintf("unresolved hedge at %s: %.6f %s requires manual reconciliation: %v",
		e.Stage, e.Quantity, e.Symbol, e.Cause)
}

func (e *UnresolvedHedgeError) Unwrap() error { return e.Cause }

type Executor struct {
	spot       venue.SpotPort
	perp       venue.PerpPort
	ledger     *ledger.Ledger
	cfg        config.StrategyConfig
	spotSymbol string
	perpSymbol string
	useLimits  bool
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	// Serializes leg sequences so a venue never sees two in-flight orders
	// for the same logical position.
	mu sync.Mutex
}

func New(spot venue.SpotPort, perp venue.PerpPort, lgr *ledger.Ledger, cfg config.StrategyConfig, venues config.VenuesConfig, useLimits bool, log *zap.Logger, m *metrics.Metrics) *Executor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		spot:       spot,
		perp:       perp,
		ledger:     lgr,
		cfg:        cfg,
		spotSymbol: venues.Spot.Symbol,
		perpSymbol: venues.Perp.Symbol,
		useLimits:  useLimits,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// OpenArbitragePosition buys spot, then opens the perp short. A spot failure
// aborts before the second venue is touched. A perp failure triggers a
// compensating spot sell of the exact filled quantity; if that rollback also
// fails the result is an UnresolvedHedgeError and no Position record is ever
// created for the residual.
func (e *Executor) OpenArbitragePosition(ctx context.Context, quantity float64, analysis strategy.SpreadAnalysis) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spotLimit, perpLimit := 0.0, 0.0
	if e.useLimits {
		spotLimit = analysis.BuyPrice
		perpLimit = analysis.SellPrice
	}

	spotRes, err := e.placeSpotBuy(ctx, quantity, spotLimit)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", fmt.Errorf("spot buy leg: %w", err)
	}
	e.log.Info("spot leg filled",
		zap.String("symbol", e.spotSymbol),
		zap.Float64("qty", spotRes.FilledQty),
		zap.Float64("avg_price", spotRes.AvgPrice),
	)

	perpRes, err := e.placePerpShort(ctx, quantity, perpLimit)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("perp leg failed after spot fill, rolling back spot",
			zap.Float64("qty", spotRes.FilledQty), zap.Error(err))
		e.metrics.Rollbacks.Inc()
		if rbErr := e.rollbackSpot(ctx, spotRes.FilledQty); rbErr != nil {
			e.metrics.UnresolvedHedges.Inc()
			return "", &UnresolvedHedgeError{
				Symbol:   e.spotSymbol,
				Quantity: spotRes.FilledQty,
				Stage:    "open rollback",
				Cause:    errors.Join(err, rbErr),
			}
		}
		return "", fmt.Errorf("perp short leg failed, spot rolled back: %w", err)
	}
	e.log.Info("perp leg filled",
		zap.String("symbol", e.perpSymbol),
		zap.Float64("qty", perpRes.FilledQty),
		zap.Float64("avg_price", perpRes.AvgPrice),
	)

	now := e.now()
	pos := ledger.Position{
		ID:               ledger.NewPositionID(now),
		SpotSymbol:       e.spotSymbol,
		PerpSymbol:       e.perpSymbol,
		Quantity:         quantity,
		EntryTimeMS:      now.UnixMilli(),
		EntrySpread:      analysis.Spread,
		EntryFundingRate: analysis.FundingRate,
		SpotEntryPrice:   spotRes.AvgPrice,
		PerpEntryPrice:   perpRes.AvgPrice,
		SpotOrderID:      spotRes.OrderID,
		PerpOrderID:      perpRes.OrderID,
		Status:           ledger.StatusOpen,
		Notes:            fmt.Sprintf("opened at spread %.4f%%", analysis.Spread*100),
	}
	if err := e.ledger.Add(ctx, pos); err != nil {
		// Both legs are filled on the venues; losing the record is worse
		// than losing the trade.
		return "", fmt.Errorf("both legs filled but position %s could not be recorded: %w", pos.ID, err)
	}
	e.metrics.PositionsOpened.Inc()
	e.log.Info("arbitrage position opened",
		zap.String("position_id", pos.ID),
		zap.Float64("entry_spread", pos.EntrySpread),
	)
	return pos.ID, nil
}

// CloseArbitragePosition sells the spot leg, then buys the perp short back.
// A stale or invalid snapshot aborts before any order. A spot failure leaves
// the position OPEN and untouched. A perp failure after the spot fill marks
// the position ERROR and reports an UnresolvedHedgeError: re-buying spot to
// rehedge would reintroduce basis risk, so no rollback is attempted here.
func (e *Executor) CloseArbitragePosition(ctx context.Context, positionID string, snap strategy.QuoteSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.ledger.Get(positionID)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, positionID)
	}
	if pos.Status != ledger.StatusOpen {
		return fmt.Errorf("%w: %s (status %s)", ledger.ErrNotOpen, positionID, pos.Status)
	}

	analysis := strategy.CalculateCloseSpread(e.cfg, snap, e.now())
	if !analysis.Valid {
		return fmt.Errorf("close aborted, %s", analysis.Reason)
	}

	spotLimit, perpLimit := 0.0, 0.0
	if e.useLimits {
		spotLimit = snap.SpotBid
		perpLimit = snap.PerpAsk
	}

	spotRes, err := e.placeSpotSell(ctx, pos.Quantity, spotLimit)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return fmt.Errorf("spot sell leg: %w", err)
	}
	e.log.Info("spot exit filled",
		zap.String("position_id", positionID),
		zap.Float64("qty", spotRes.FilledQty),
		zap.Float64("avg_price", spotRes.AvgPrice),
	)

	perpRes, err := e.placePerpClose(ctx, pos.Quantity, perpLimit)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.metrics.UnresolvedHedges.Inc()
		note := fmt.Sprintf("spot flat, perp short %.6f %s still open: %v", pos.Quantity, e.perpSymbol, err)
		if markErr := e.ledger.MarkError(ctx, positionID, note); markErr != nil {
			e.log.Error("failed to mark position for reconciliation", zap.String("position_id", positionID), zap.Error(markErr))
		}
		return &UnresolvedHedgeError{
			PositionID: positionID,
			Symbol:     e.perpSymbol,
			Quantity:   pos.Quantity,
			Stage:      "close",
			Cause:      err,
		}
	}

	closed, err := e.ledger.Close(ctx, positionID, ledger.ExitFill{
		SpotExitPrice: spotRes.AvgPrice,
		PerpExitPrice: perpRes.AvgPrice,
		ExitSpread:    analysis.Spread,
		ExitTime:      e.now(),
	})
	if err != nil {
		return fmt.Errorf("both exit legs filled but close of %s could not be recorded: %w", positionID, err)
	}
	e.metrics.PositionsClosed.Inc()
	fields := []zap.Field{
		zap.String("position_id", positionID),
		zap.Float64("entry_spread", closed.EntrySpread),
		zap.Float64("exit_spread", closed.ExitSpread),
	}
	if pnl, ok := closed.PnL(); ok {
		fields = append(fields, zap.Float64("pnl", pnl))
	}
	e.log.Info("arbitrage position closed", fields...)
	return nil
}

// CheckAndExecuteOpenSignal opens a position unless the concurrent-position
// cap is reached. Hitting the cap is admission control, not an error: the
// returned diagnostic is non-empty and no order is placed.
func (e *Executor) CheckAndExecuteOpenSignal(ctx context.Context, quantity float64, analysis strategy.SpreadAnalysis) (string, string, error) {
	open := e.ledger.ListOpen()
	if len(open) >= e.cfg.MaxPositions {
		return "", fmt.Sprintf("max positions reached: %d/%d", len(open), e.cfg.MaxPositions), nil
	}
	id, err := e.OpenArbitragePosition(ctx, quantity, analysis)
	return id, "", err
}

// CheckAndExecuteCloseSignal evaluates the close signal for every open
// position against the snapshot and closes the ones that trigger. It returns
// how many were closed; individual close failures are joined, never fatal to
// the sweep.
func (e *Executor) CheckAndExecuteCloseSignal(ctx context.Context, snap strategy.QuoteSnapshot) (int, error) {
	analysis := strategy.CalculateCloseSpread(e.cfg, snap, e.now())
	closed := 0
	var errs []error
	for _, pos := range e.ledger.ListOpen() {
		signal, reason := strategy.CloseSignal(e.cfg, analysis, pos.EntrySpread)
		if signal != strategy.SignalClose {
			continue
		}
		e.log.Info("close signal", zap.String("position_id", pos.ID), zap.String("reason", reason))
		if err := e.CloseArbitragePosition(ctx, pos.ID, snap); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", pos.ID, err))
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

func (e *Executor) placeSpotBuy(ctx context.Context, qty, limit float64) (venue.OrderResult, error) {
	ctx, cancel := e.legContext(ctx)
	defer cancel()
	return e.spot.Buy(ctx, e.spotSymbol, qty, limit)
}

func (e *Executor) placeSpotSell(ctx context.Context, qty, limit float64) (venue.OrderResult, error) {
	ctx, cancel := e.legContext(ctx)
	defer cancel()
	return e.spot.Sell(ctx, e.spotSymbol, qty, limit)
}

func (e *Executor) placePerpShort(ctx context.Context, qty, limit float64) (venue.OrderResult, error) {
	ctx, cancel := e.legContext(ctx)
	defer cancel()
	return e.perp.OpenShort(ctx, e.perpSymbol, qty, limit, false)
}

func (e *Executor) placePerpClose(ctx context.Context, qty, limit float64) (venue.OrderResult, error) {
	ctx, cancel := e.legContext(ctx)
	defer cancel()
	return e.perp.CloseShort(ctx, e.perpSymbol, qty, limit)
}

// rollbackSpot sells exactly the filled quantity back at market.
func (e *Executor) rollbackSpot(ctx context.Context, qty float64) error {
	if qty <= 0 {
		return nil
	}
	res, err := e.placeSpotSell(ctx, qty, 0)
	if err != nil {
		return fmt.Errorf("rollback sell: %w", err)
	}
	if res.FilledQty+1e-9 < qty {
		return fmt.Errorf("rollback sell filled %.6f of %.6f", res.FilledQty, qty)
	}
	e.log.Info("spot leg rolled back", zap.Float64("qty", res.FilledQty))
	return nil
}

// legContext bounds one order placement by the configured order timeout. A
// deadline hit means the true fill state is unknown; callers treat it as a
// leg failure and never retry it automatically.
func (e *Executor) legContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.OrderTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.OrderTimeout)
}
