package strategy

import "time"

type Signal string

const (
	SignalNone  Signal = "NONE"
	SignalOpen  Signal = "OPEN"
	SignalClose Signal = "CLOSE"
)

// QuoteSnapshot is a normalized view of both venues at one instant. Prices at
// or below zero mean the field was not delivered; funding carries an explicit
// presence flag because zero and negative rates are both meaningful.
type QuoteSnapshot struct {
	PerpBid float64
	PerpAsk float64
	SpotBid float64
	SpotAsk float64

	FundingRate float64
	HasFunding  bool

	// Timestamp of the oldest contributing venue update. Zero means unknown,
	// in which case the age check is skipped.
	Timestamp time.Time
}

// SpreadAnalysis is the derived view a decision is made from. BuyPrice and
// SellPrice are the two legs the spread was computed with: on the open side
// (spot ask, perp bid), on the close side (spot bid, perp ask).
type SpreadAnalysis struct {
	Spread      float64
	BuyPrice    float64
	SellPrice   float64
	FundingRate float64
	Valid       bool
	Reason      string
}

func invalidAnalysis(reason string) SpreadAnalysis {
	return SpreadAnalysis{Reason: reason}
}
