package ledger

import (
	"strings"
	"testing"
	"time"
)

func samplePosition() Position {
	return Position{
		ID:               "pos_1700000000_ab12cd34",
		SpotSymbol:       "SOLUSDT",
		PerpSymbol:       "SOL-PERP",
		Quantity:         0.55,
		EntryTimeMS:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		EntrySpread:      0.0021,
		EntryFundingRate: 0.0002,
		SpotEntryPrice:   180.10,
		PerpEntryPrice:   180.52,
		SpotOrderID:      "spot-1",
		PerpOrderID:      "perp-1",
		Status:           StatusOpen,
	}
}

func TestPositionCodecRoundTrip(t *testing.T) {
	pos := samplePosition()
	pos.Status = StatusClosed
	pos.ExitTimeMS = pos.EntryTimeMS + 3600_000
	pos.ExitSpread = 0.0003
	pos.SpotExitPrice = 180.40
	pos.PerpExitPrice = 180.45
	pos.Notes = "closed by convergence"

	data, err := pos.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodePosition(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != pos {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, pos)
	}
}

func TestDecodePositionRejectsGarbage(t *testing.T) {
	if _, err := DecodePosition([]byte("not msgpack")); err == nil {
		t.Fatalf("expected decode error for garbage input")
	}
}

func TestNewPositionIDFormat(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := NewPositionID(now)
	if !strings.HasPrefix(id, "pos_1700000000_") {
		t.Fatalf("unexpected id prefix: %s", id)
	}
	parts := strings.Split(id, "_")
	if len(parts) != 3 || len(parts[2]) != 8 {
		t.Fatalf("expected pos_<unix>_<8 chars>, got %s", id)
	}
	if other := NewPositionID(now); other == id {
		t.Fatalf("ids must be unique for the same timestamp")
	}
}

func TestPnLClosedPosition(t *testing.T) {
	pos := samplePosition()
	pos.Status = StatusClosed
	pos.SpotExitPrice = 181.00
	pos.PerpExitPrice = 180.00

	pnl, ok := pos.PnL()
	if !ok {
		t.Fatalf("expected defined pnl")
	}
	want := (181.00-180.10)*0.55 + (180.52-180.00)*0.55
	if diff := pnl - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected pnl %f, got %f", want, pnl)
	}
}

func TestPnLUndefinedWhileOpen(t *testing.T) {
	pos := samplePosition()
	if _, ok := pos.PnL(); ok {
		t.Fatalf("open position must not report pnl")
	}
}

func TestPnLUndefinedWithMissingLeg(t *testing.T) {
	pos := samplePosition()
	pos.Status = StatusClosed
	pos.SpotExitPrice = 181.00
	// PerpExitPrice left at zero
	if _, ok := pos.PnL(); ok {
		t.Fatalf("pnl must be undefined when an exit leg is missing")
	}
}
