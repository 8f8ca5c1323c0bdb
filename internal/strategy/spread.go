package strategy

import (
	"fmt"
	"time"

	"statarb-bot/internal/config"
)

// CalculateOpenSpread computes the entry-side spread: buy spot at the ask,
// short the perp at the bid. spread = perp_bid/spot_ask - 1.
func CalculateOpenSpread(cfg config.StrategyConfig, snap QuoteSnapshot, now time.Time) SpreadAnalysis {
	if reason, ok := validateOpenSnapshot(cfg, snap, now); !ok {
		return invalidAnalysis(reason)
	}
	buy := snap.SpotAsk
	sell := snap.PerpBid
	return SpreadAnalysis{
		Spread:      sell/buy - 1,
		BuyPrice:    buy,
		SellPrice:   sell,
		FundingRate: snap.FundingRate,
		Valid:       true,
	}
}

// CalculateCloseSpread computes the exit-side spread: sell spot at the bid,
// buy the perp back at the ask. spread = perp_ask/spot_bid - 1. Because it
// uses the worse side of each book this is usually below the entry spread and
// often negative; that is the intended exit economics, not an error.
func CalculateCloseSpread(cfg config.StrategyConfig, snap QuoteSnapshot, now time.Time) SpreadAnalysis {
	if snap.SpotBid <= 0 {
		return invalidAnalysis("invalid spot_bid")
	}
	if snap.PerpAsk <= 0 {
		return invalidAnalysis("invalid perp_ask")
	}
	if !snap.HasFunding {
		return invalidAnalysis("missing funding_rate")
	}
	if reason, ok := checkDataAge(cfg, snap, now); !ok {
		return invalidAnalysis(reason)
	}
	sellLeg := snap.SpotBid
	buyLeg := snap.PerpAsk
	return SpreadAnalysis{
		Spread:      buyLeg/sellLeg - 1,
		BuyPrice:    sellLeg,
		SellPrice:   buyLeg,
		FundingRate: snap.FundingRate,
		Valid:       true,
	}
}

// OpenSignal fires only on a strictly positive edge: spread must exceed the
// open threshold and funding must exceed the minimum, both strictly.
func OpenSignal(cfg config.StrategyConfig, analysis SpreadAnalysis) (Signal, string) {
	if !analysis.Valid {
		return SignalNone, "invalid spread analysis: " + analysis.Reason
	}
	if analysis.Spread <= cfg.OpenSpreadThreshold {
		return SignalNone, fmt.Sprintf("spread %.4f%% <= threshold %.4f%%",
			analysis.Spread*100, cfg.OpenSpreadThreshold*100)
	}
	if analysis.FundingRate <= cfg.MinFundingRate {
		return SignalNone, fmt.Sprintf("funding %.4f%% <= threshold %.4f%%",
			analysis.FundingRate*100, cfg.MinFundingRate*100)
	}
	return SignalOpen, fmt.Sprintf("spread %.4f%% > %.4f%%, funding %.4f%% > %.4f%%",
		analysis.Spread*100, cfg.OpenSpreadThreshold*100,
		analysis.FundingRate*100, cfg.MinFundingRate*100)
}

// CloseSignal checks profit-take, stop-loss and funding reversal in that
// order; the first match wins. The thresholds are absolute: entrySpread is
// accepted for callers that track it per position but does not shift the
// comparison.
func CloseSignal(cfg config.StrategyConfig, analysis SpreadAnalysis, entrySpread float64) (Signal, string) {
	_ = entrySpread
	if !analysis.Valid {
		return SignalNone, "invalid spread analysis: " + analysis.Reason
	}
	if analysis.Spread < cfg.CloseSpreadThreshold {
		return SignalClose, fmt.Sprintf("spread converged %.4f%% < %.4f%% (profit taking)",
			analysis.Spread*100, cfg.CloseSpreadThreshold*100)
	}
	if analysis.Spread < cfg.ReverseSpreadThreshold {
		return SignalClose, fmt.Sprintf("spread reversed %.4f%% < %.4f%% (stop loss)",
			analysis.Spread*100, cfg.ReverseSpreadThreshold*100)
	}
	if cfg.ReverseFundingThreshold != nil && analysis.FundingRate < *cfg.ReverseFundingThreshold {
		return SignalClose, fmt.Sprintf("funding reversed %.4f%% < %.4f%%",
			analysis.FundingRate*100, *cfg.ReverseFundingThreshold*100)
	}
	return SignalNone, "no close signal"
}

func validateOpenSnapshot(cfg config.StrategyConfig, snap QuoteSnapshot, now time.Time) (string, bool) {
	if snap.SpotAsk <= 0 {
		return "invalid spot_ask", false
	}
	if snap.PerpBid <= 0 {
		return "invalid perp_bid", false
	}
	if !snap.HasFunding {
		return "missing funding_rate", false
	}
	if reason, ok := checkDataAge(cfg, snap, now); !ok {
		return reason, false
	}
	if snap.SpotBid > 0 && snap.SpotBid >= snap.SpotAsk {
		return "spot book crossed", false
	}
	if snap.PerpBid > 0 && snap.PerpAsk > 0 && snap.PerpBid >= snap.PerpAsk {
		return "perp book crossed", false
	}
	return "", true
}

func checkDataAge(cfg config.StrategyConfig, snap QuoteSnapshot, now time.Time) (string, bool) {
	if snap.Timestamp.IsZero() || cfg.MaxDataAge <= 0 {
		return "", true
	}
	if age := now.Sub(snap.Timestamp); age > cfg.MaxDataAge {
		return fmt.Sprintf("quote data age %s exceeds %s", age, cfg.MaxDataAge), false
	}
	return "", true
}
