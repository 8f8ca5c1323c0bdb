// Package feed merges push-based quote updates from both venues into the
// normalized snapshot the decision loop consumes. Fields never delivered stay
// absent; the consumer rejects incomplete snapshots rather than defaulting.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"statarb-bot/internal/strategy"

	"go.uber.org/zap"
)

// Source supplies a quote snapshot on demand.
type Source interface {
	Snapshot() strategy.QuoteSnapshot
}

type tickerMessage struct {
	Channel string  `json:"channel"`
	Symbol  string  `json:"symbol"`
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	Rate    float64 `json:"rate"`
}

// Feed subscribes each venue client to its book ticker (plus the funding
// channel on the perp side) and assembles snapshots under a mutex.
type Feed struct {
	spot       *Client
	perp       *Client
	spotSymbol string
	perpSymbol string
	log        *zap.Logger
	clock      func() time.Time

	mu         sync.RWMutex
	spotBid    float64
	spotAsk    float64
	spotAt     time.Time
	perpBid    float64
	perpAsk    float64
	perpAt     time.Time
	funding    float64
	hasFunding bool
}

func New(spot, perp *Client, spotSymbol, perpSymbol string, log *zap.Logger) *Feed {
	return &Feed{
		spot:       spot,
		perp:       perp,
		spotSymbol: spotSymbol,
		perpSymbol: perpSymbol,
		log:        log,
		clock:      time.Now,
	}
}

func (f *Feed) Start(ctx context.Context) error {
	if err := f.spot.Connect(ctx); err != nil {
		return err
	}
	if err := f.perp.Connect(ctx); err != nil {
		return err
	}
	if err := f.spot.Subscribe(ctx, subscribeMsg("bookTicker", f.spotSymbol)); err != nil {
		return err
	}
	if err := f.perp.Subscribe(ctx, subscribeMsg("bookTicker", f.perpSymbol)); err != nil {
		return err
	}
	if err := f.perp.Subscribe(ctx, subscribeMsg("funding", f.perpSymbol)); err != nil {
		return err
	}
	go f.runClient(ctx, f.spot, f.handleSpot)
	go f.runClient(ctx, f.perp, f.handlePerp)
	return nil
}

// Snapshot reports the merged view. The snapshot timestamp is the older of
// the two venue updates so staleness checks always see the weakest leg.
func (f *Feed) Snapshot() strategy.QuoteSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := strategy.QuoteSnapshot{
		SpotBid:     f.spotBid,
		SpotAsk:     f.spotAsk,
		PerpBid:     f.perpBid,
		PerpAsk:     f.perpAsk,
		FundingRate: f.funding,
		HasFunding:  f.hasFunding,
	}
	if !f.spotAt.IsZero() && !f.perpAt.IsZero() {
		snap.Timestamp = f.spotAt
		if f.perpAt.Before(f.spotAt) {
			snap.Timestamp = f.perpAt
		}
	}
	return snap
}

func (f *Feed) runClient(ctx context.Context, client *Client, handler func(json.RawMessage)) {
	if err := client.Run(ctx, handler); err != nil && ctx.Err() == nil && f.log != nil {
		f.log.Error("quote stream terminated", zap.Error(err))
	}
}

func (f *Feed) handleSpot(raw json.RawMessage) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Channel != "bookTicker" || msg.Bid <= 0 || msg.Ask <= 0 {
		return
	}
	f.mu.Lock()
	f.spotBid = msg.Bid
	f.spotAsk = msg.Ask
	f.spotAt = f.clock()
	f.mu.Unlock()
}

func (f *Feed) handlePerp(raw json.RawMessage) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch msg.Channel {
	case "bookTicker":
		if msg.Bid <= 0 || msg.Ask <= 0 {
			return
		}
		f.mu.Lock()
		f.perpBid = msg.Bid
		f.perpAsk = msg.Ask
		f.perpAt = f.clock()
		f.mu.Unlock()
	case "funding":
		f.mu.Lock()
		f.funding = msg.Rate
		f.hasFunding = true
		f.mu.Unlock()
	}
}

func subscribeMsg(channel, symbol string) map[string]any {
	return map[string]any{
		"method":  "subscribe",
		"channel": channel,
		"symbol":  symbol,
	}
}
