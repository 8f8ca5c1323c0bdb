package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
	StatusError  Status = "ERROR"
)

// Position is the durable record of one two-leg arbitrage trade: long spot,
// short perp, fixed quantity for its whole life. Exit fields are all-or-nothing:
// zero while OPEN, all populated when CLOSED. Timestamps are unix milliseconds
// so records survive codec round trips bit-for-bit.
type Position struct {
	ID         string  `msgpack:"id"`
	SpotSymbol string  `msgpack:"spot_symbol"`
	PerpSymbol string  `msgpack:"perp_symbol"`
	Quantity   float64 `msgpack:"quantity"`

	EntryTimeMS      int64   `msgpack:"entry_time_ms"`
	EntrySpread      float64 `msgpack:"entry_spread"`
	EntryFundingRate float64 `msgpack:"entry_funding_rate"`
	SpotEntryPrice   float64 `msgpack:"spot_entry_price"`
	PerpEntryPrice   float64 `msgpack:"perp_entry_price"`
	SpotOrderID      string  `msgpack:"spot_order_id"`
	PerpOrderID      string  `msgpack:"perp_order_id"`

	ExitTimeMS    int64   `msgpack:"exit_time_ms"`
	ExitSpread    float64 `msgpack:"exit_spread"`
	SpotExitPrice float64 `msgpack:"spot_exit_price"`
	PerpExitPrice float64 `msgpack:"perp_exit_price"`

	Status Status `msgpack:"status"`
	Notes  string `msgpack:"notes"`
}

// NewPositionID produces ids of the form pos_<unix>_<8 hex chars>.
func NewPositionID(now time.Time) string {
	return fmt.Sprintf("pos_%d_%s", now.Unix(), uuid.NewString()[:8])
}

// PnL returns the realized profit of a closed position: long-spot leg plus
// short-perp leg. The second return is false while the position is not CLOSED
// or any leg price is missing.
func (p Position) PnL() (float64, bool) {
	if p.Status != StatusClosed {
		return 0, false
	}
	if p.SpotEntryPrice <= 0 || p.SpotExitPrice <= 0 || p.PerpEntryPrice <= 0 || p.PerpExitPrice <= 0 {
		return 0, false
	}
	spotPnL := (p.SpotExitPrice - p.SpotEntryPrice) * p.Quantity
	perpPnL := (p.PerpEntryPrice - p.PerpExitPrice) * p.Quantity
	return spotPnL + perpPnL, true
}

func (p Position) Encode() ([]byte, error) {
	return msgpack.Marshal(p)
}

func DecodePosition(data []byte) (Position, error) {
	var p Position
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return Position{}, err
	}
	return p, nil
}
