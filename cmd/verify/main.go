// Command verify inspects the position ledger offline: it loads the sqlite
// store named by the config and prints statistics plus per-position PnL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"statarb-bot/internal/config"
	"statarb-bot/internal/ledger"
	"statarb-bot/internal/ledger/sqlite"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	openOnly := flag.Bool("open-only", false, "print only OPEN positions")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	positions, err := store.Load(ctx)
	if err != nil {
		fatal(err)
	}

	var open, closed, errored int
	var totalPnL float64
	for _, pos := range positions {
		switch pos.Status {
		case ledger.StatusOpen:
			open++
		case ledger.StatusClosed:
			closed++
			if pnl, ok := pos.PnL(); ok {
				totalPnL += pnl
			}
		case ledger.StatusError:
			errored++
		}
	}

	fmt.Printf("positions: %d total, %d open, %d closed, %d errored\n", len(positions), open, closed, errored)
	fmt.Printf("realized pnl: %.2f\n", totalPnL)

	for _, pos := range positions {
		if *openOnly && pos.Status != ledger.StatusOpen {
			continue
		}
		line := fmt.Sprintf("%s %s qty=%.4f entry_spread=%.4f%% status=%s",
			pos.ID,
			time.UnixMilli(pos.EntryTimeMS).UTC().Format(time.RFC3339),
			pos.Quantity,
			pos.EntrySpread*100,
			pos.Status,
		)
		if pnl, ok := pos.PnL(); ok {
			line += fmt.Sprintf(" pnl=%.2f", pnl)
		}
		if pos.Status == ledger.StatusError && pos.Notes != "" {
			line += " note=" + pos.Notes
		}
		fmt.Println(line)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
