package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDuplicateID = errors.New("position id already exists")
	ErrNotFound    = errors.New("position not found")
	ErrNotOpen     = errors.New("position is not open")
)

const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
)

// Store persists the full position set. SaveAll must be durable before it
// returns; Load is called once at startup.
type Store interface {
	Load(ctx context.Context) ([]Position, error)
	SaveAll(ctx context.Context, positions []Position) error
	Close() error
}

// Notifier receives lifecycle events. It runs outside the ledger lock and its
// errors are logged and swallowed; a notifier can never fail a mutation.
type Notifier func(event string, payload map[string]any) error

// ExitFill carries the confirmed exit legs committed by Close.
type ExitFill struct {
	SpotExitPrice float64
	PerpExitPrice float64
	ExitSpread    float64
	ExitTime      time.Time
}

// Ledger owns the position collection. All access goes through its mutex so
// readers never observe a position mid-update, and every mutation is persisted
// before it is reported as successful.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]Position
	store     Store
	notify    Notifier
	log       *zap.Logger
}

func New(store Store, log *zap.Logger) *Ledger {
	return &Ledger{
		positions: make(map[string]Position),
		store:     store,
		log:       log,
	}
}

func (l *Ledger) SetNotifier(n Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = n
}

// Load replaces the in-memory set with the persisted one.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	positions, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]Position, len(positions))
	for _, pos := range positions {
		l.positions[pos.ID] = pos
	}
	return nil
}

func (l *Ledger) Add(ctx context.Context, pos Position) error {
	if pos.ID == "" {
		return errors.New("position id is required")
	}
	l.mu.Lock()
	if _, exists := l.positions[pos.ID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, pos.ID)
	}
	l.positions[pos.ID] = pos
	if err := l.persistLocked(ctx); err != nil {
		delete(l.positions, pos.ID)
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	l.fireNotification(EventPositionOpened, map[string]any{
		"position_id":      pos.ID,
		"spot_symbol":      pos.SpotSymbol,
		"perp_symbol":      pos.PerpSymbol,
		"quantity":         pos.Quantity,
		"entry_spread":     pos.EntrySpread,
		"spot_entry_price": pos.SpotEntryPrice,
		"perp_entry_price": pos.PerpEntryPrice,
	})
	return nil
}

// Close commits the OPEN -> CLOSED transition, filling all exit fields at
// once. A second Close on the same id fails with ErrNotOpen.
func (l *Ledger) Close(ctx context.Context, positionID string, exit ExitFill) (Position, error) {
	l.mu.Lock()
	pos, exists := l.positions[positionID]
	if !exists {
		l.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, positionID)
	}
	if pos.Status != StatusOpen {
		l.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s (status %s)", ErrNotOpen, positionID, pos.Status)
	}
	prev := pos
	pos.Status = StatusClosed
	pos.ExitTimeMS = exit.ExitTime.UnixMilli()
	pos.ExitSpread = exit.ExitSpread
	pos.SpotExitPrice = exit.SpotExitPrice
	pos.PerpExitPrice = exit.PerpExitPrice
	l.positions[positionID] = pos
	if err := l.persistLocked(ctx); err != nil {
		l.positions[positionID] = prev
		l.mu.Unlock()
		return Position{}, err
	}
	l.mu.Unlock()

	payload := map[string]any{
		"position_id":      pos.ID,
		"spot_symbol":      pos.SpotSymbol,
		"perp_symbol":      pos.PerpSymbol,
		"quantity":         pos.Quantity,
		"entry_spread":     pos.EntrySpread,
		"exit_spread":      pos.ExitSpread,
		"spot_entry_price": pos.SpotEntryPrice,
		"spot_exit_price":  pos.SpotExitPrice,
		"perp_entry_price": pos.PerpEntryPrice,
		"perp_exit_price":  pos.PerpExitPrice,
	}
	if pnl, ok := pos.PnL(); ok {
		payload["pnl"] = pnl
	}
	l.fireNotification(EventPositionClosed, payload)
	return pos, nil
}

// MarkError flags a position for manual reconciliation. The position keeps
// its entry data; only status and notes change.
func (l *Ledger) MarkError(ctx context.Context, positionID, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, exists := l.positions[positionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, positionID)
	}
	prev := pos
	pos.Status = StatusError
	if note != "" {
		pos.Notes = note
	}
	l.positions[positionID] = pos
	if err := l.persistLocked(ctx); err != nil {
		l.positions[positionID] = prev
		return err
	}
	return nil
}

func (l *Ledger) Get(positionID string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, exists := l.positions[positionID]
	return pos, exists
}

// ListOpen returns OPEN positions ordered by entry time.
func (l *Ledger) ListOpen() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	var open []Position
	for _, pos := range l.positions {
		if pos.Status == StatusOpen {
			open = append(open, pos)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].EntryTimeMS < open[j].EntryTimeMS })
	return open
}

type Stats struct {
	TotalPositions  int
	OpenPositions   int
	ClosedPositions int
	ErrorPositions  int
	TotalPnL        float64
}

func (l *Ledger) Statistics() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := Stats{TotalPositions: len(l.positions)}
	for _, pos := range l.positions {
		switch pos.Status {
		case StatusOpen:
			stats.OpenPositions++
		case StatusClosed:
			stats.ClosedPositions++
			if pnl, ok := pos.PnL(); ok {
				stats.TotalPnL += pnl
			}
		case StatusError:
			stats.ErrorPositions++
		}
	}
	return stats
}

// persistLocked writes the full position set; callers hold the mutex. A write
// failure must fail the triggering mutation.
func (l *Ledger) persistLocked(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	positions := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
	if err := l.store.SaveAll(ctx, positions); err != nil {
		return fmt.Errorf("persist positions: %w", err)
	}
	return nil
}

func (l *Ledger) fireNotification(event string, payload map[string]any) {
	l.mu.Lock()
	notify := l.notify
	l.mu.Unlock()
	if notify == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && l.log != nil {
			l.log.Warn("notification callback panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	if err := notify(event, payload); err != nil && l.log != nil {
		l.log.Warn("notification callback failed", zap.String("event", event), zap.Error(err))
	}
}
