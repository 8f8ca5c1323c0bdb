package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"statarb-bot/internal/alerts"
	"statarb-bot/internal/config"
	"statarb-bot/internal/exec"
	"statarb-bot/internal/feed"
	"statarb-bot/internal/history"
	"statarb-bot/internal/ledger"
	"statarb-bot/internal/ledger/sqlite"
	"statarb-bot/internal/metrics"
	"statarb-bot/internal/strategy"
	"statarb-bot/internal/venue"

	"go.uber.org/zap"
)

// Deps carries the pluggable surfaces. The venue order ports are opaque and
// always come from the embedding binary; Store and Feed default to the sqlite
// store and the websocket feed when left nil.
type Deps struct {
	Spot  venue.SpotPort
	Perp  venue.PerpPort
	Store ledger.Store
	Feed  QuoteFeed
}

// QuoteFeed is the market-data surface the decision loop consumes.
type QuoteFeed interface {
	feed.Source
	Start(ctx context.Context) error
}

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    ledger.Store
	ledger   *ledger.Ledger
	executor *exec.Executor
	feed     QuoteFeed
	metrics  *metrics.Metrics
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	history  *history.Writer
}

func New(cfg *config.Config, log *zap.Logger, deps Deps) (*App, error) {
	store := deps.Store
	if store == nil {
		if dir := filepath.Dir(cfg.State.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		sqliteStore, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = sqliteStore
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		store:  store,
		ledger: ledger.New(store, log),
		alerts: alerts.NewTelegram(cfg.Telegram, log),
	}

	a.metrics = metrics.NewNoop()
	if cfg.Metrics.Enabled {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	historyWriter, err := history.New(cfg.History, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.history = historyWriter

	a.feed = deps.Feed
	if a.feed == nil {
		spotWS := feed.NewClient(cfg.Venues.Spot.WSURL, cfg.Venues.Spot.ReconnectDelay, cfg.Venues.Spot.PingInterval, log)
		perpWS := feed.NewClient(cfg.Venues.Perp.WSURL, cfg.Venues.Perp.ReconnectDelay, cfg.Venues.Perp.PingInterval, log)
		a.feed = feed.New(spotWS, perpWS, cfg.Venues.Spot.Symbol, cfg.Venues.Perp.Symbol, log)
	}

	if cfg.Trading.Enabled {
		if deps.Spot == nil || deps.Perp == nil {
			_ = store.Close()
			return nil, errors.New("trading is enabled but venue order ports are not configured")
		}
		a.executor = exec.New(deps.Spot, deps.Perp, a.ledger, cfg.Strategy, cfg.Venues, cfg.Trading.UseLimitOrders, log, a.metrics)
	}

	a.ledger.SetNotifier(a.onLedgerEvent)
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	if err := a.ledger.Load(ctx); err != nil {
		return err
	}
	a.reportStartupPositions()

	if err := a.feed.Start(ctx); err != nil {
		return err
	}
	a.history.Start(ctx)
	a.serveMetrics(ctx)

	if !a.cfg.Trading.Enabled {
		a.log.Info("trading disabled, running in monitor mode")
	}

	ticker := time.NewTicker(a.cfg.Strategy.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.log.Warn("decision cycle failed", zap.Error(err))
			}
		}
	}
}

// tick runs one decision cycle: snapshot, close checks for every open
// position, then at most one open check under the position cap. Close runs
// first so a position closed this cycle frees its slot immediately.
func (a *App) tick(ctx context.Context) error {
	snap := a.feed.Snapshot()
	now := time.Now()

	openAnalysis := strategy.CalculateOpenSpread(a.cfg.Strategy, snap, now)
	closeAnalysis := strategy.CalculateCloseSpread(a.cfg.Strategy, snap, now)
	a.recordSpread(now, snap, openAnalysis, closeAnalysis)

	if !openAnalysis.Valid && !closeAnalysis.Valid {
		a.metrics.CyclesSkipped.Inc()
		a.log.Debug("cycle skipped",
			zap.String("open_reason", openAnalysis.Reason),
			zap.String("close_reason", closeAnalysis.Reason),
		)
		return nil
	}

	if openAnalysis.Valid {
		a.log.Debug("spread analysis",
			zap.Float64("open_spread", openAnalysis.Spread),
			zap.Float64("close_spread", closeAnalysis.Spread),
			zap.Float64("funding_rate", openAnalysis.FundingRate),
		)
	}

	if !a.cfg.Trading.Enabled || a.executor == nil {
		a.logSignals(openAnalysis, closeAnalysis)
		return nil
	}

	if closed, err := a.executor.CheckAndExecuteCloseSignal(ctx, snap); err != nil {
		a.escalate(ctx, err)
	} else if closed > 0 {
		a.log.Info("positions closed this cycle", zap.Int("count", closed))
	}

	signal, reason := strategy.OpenSignal(a.cfg.Strategy, openAnalysis)
	if signal != strategy.SignalOpen {
		return nil
	}
	a.log.Info("open signal", zap.String("reason", reason))
	id, diag, err := a.executor.CheckAndExecuteOpenSignal(ctx, a.cfg.Strategy.PositionSize, openAnalysis)
	if err != nil {
		a.escalate(ctx, err)
		return nil
	}
	if diag != "" {
		a.log.Info("open skipped", zap.String("diag", diag))
		return nil
	}
	a.log.Info("position opened", zap.String("position_id", id))
	return nil
}

// logSignals is the monitor-mode path: signals are computed and logged but no
// orders are placed.
func (a *App) logSignals(openAnalysis, closeAnalysis strategy.SpreadAnalysis) {
	if openAnalysis.Valid {
		signal, reason := strategy.OpenSignal(a.cfg.Strategy, openAnalysis)
		if signal == strategy.SignalOpen {
			a.log.Info("open signal (monitor only)", zap.String("reason", reason))
		}
	}
	if closeAnalysis.Valid && len(a.ledger.ListOpen()) > 0 {
		for _, pos := range a.ledger.ListOpen() {
			signal, reason := strategy.CloseSignal(a.cfg.Strategy, closeAnalysis, pos.EntrySpread)
			if signal == strategy.SignalClose {
				a.log.Info("close signal (monitor only)",
					zap.String("position_id", pos.ID), zap.String("reason", reason))
			}
		}
	}
}

// escalate logs an executor failure and pushes unresolved-hedge cases to the
// alert channel; the loop itself always continues.
func (a *App) escalate(ctx context.Context, err error) {
	var hedgeErr *exec.UnresolvedHedgeError
	if errors.As(err, &hedgeErr) {
		a.log.Error("manual reconciliation required", zap.Error(hedgeErr))
		if sendErr := a.alerts.Send(ctx, "MANUAL INTERVENTION: "+hedgeErr.Error()); sendErr != nil {
			a.log.Warn("alert send failed", zap.Error(sendErr))
		}
		return
	}
	a.log.Warn("execution failed", zap.Error(err))
}

func (a *App) onLedgerEvent(event string, payload map[string]any) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.alerts.Send(ctx, alerts.FormatEvent(event, payload)); err != nil {
			a.log.Warn("alert send failed", zap.String("event", event), zap.Error(err))
		}
	}()
	if event == ledger.EventPositionClosed {
		a.recordClose(payload)
	}
	return nil
}

func (a *App) recordSpread(now time.Time, snap strategy.QuoteSnapshot, openAnalysis, closeAnalysis strategy.SpreadAnalysis) {
	if a.history == nil {
		return
	}
	a.history.EnqueueSpread(history.SpreadObservation{
		Time:        now,
		SpotSymbol:  a.cfg.Venues.Spot.Symbol,
		PerpSymbol:  a.cfg.Venues.Perp.Symbol,
		SpotBid:     snap.SpotBid,
		SpotAsk:     snap.SpotAsk,
		PerpBid:     snap.PerpBid,
		PerpAsk:     snap.PerpAsk,
		FundingRate: snap.FundingRate,
		OpenSpread:  openAnalysis.Spread,
		CloseSpread: closeAnalysis.Spread,
		OpenValid:   openAnalysis.Valid,
		CloseValid:  closeAnalysis.Valid,
	})
}

func (a *App) recordClose(payload map[string]any) {
	if a.history == nil {
		return
	}
	id, _ := payload["position_id"].(string)
	pos, ok := a.ledger.Get(id)
	if !ok {
		return
	}
	row := history.ClosedPosition{
		Time:        time.UnixMilli(pos.ExitTimeMS),
		PositionID:  pos.ID,
		Quantity:    pos.Quantity,
		EntrySpread: pos.EntrySpread,
		ExitSpread:  pos.ExitSpread,
		HeldFor:     time.Duration(pos.ExitTimeMS-pos.EntryTimeMS) * time.Millisecond,
	}
	if pnl, ok := pos.PnL(); ok {
		row.PnL = pnl
		row.HasPnL = true
	}
	a.history.EnqueueClose(row)
}

func (a *App) reportStartupPositions() {
	open := a.ledger.ListOpen()
	stats := a.ledger.Statistics()
	a.log.Info("position ledger loaded",
		zap.Int("total", stats.TotalPositions),
		zap.Int("open", stats.OpenPositions),
		zap.Int("closed", stats.ClosedPositions),
		zap.Int("errored", stats.ErrorPositions),
		zap.Float64("total_pnl", stats.TotalPnL),
	)
	for _, pos := range open {
		a.log.Info("open position",
			zap.String("position_id", pos.ID),
			zap.Float64("quantity", pos.Quantity),
			zap.Float64("entry_spread", pos.EntrySpread),
		)
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: a.prom.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Listen))
}

// Ledger exposes the position ledger for embedding binaries and tools.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }
