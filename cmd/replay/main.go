package main

import (
	"fmt"
	"os"
	"strings"

	"hive/ledger"
)

// Prints a per-bot performance summary from the persisted position history.
func main() {
	dbPath := "hive.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	store, err := ledger.OpenStore(dbPath)
	if err != nil {
		fmt.Printf("⚠️  Failed to open %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	history, err := store.LoadHistory(10000)
	if err != nil {
		fmt.Printf("⚠️  Failed to load history: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("📊 POSITION HISTORY SUMMARY — %s (%d record(s))\n", dbPath, len(history))
	fmt.Println(strings.Repeat("=", 100))
	fmt.Println()

	type botStats struct {
		closed, rejected, failed int
		wins, losses             int
		totalPnL                 float64
		bestPnL, worstPnL        float64
	}

	stats := make(map[string]*botStats)
	var bots []string
	for _, p := range history {
		s, ok := stats[p.Bot]
		if !ok {
			s = &botStats{}
			stats[p.Bot] = s
			bots = append(bots, p.Bot)
		}

		switch p.Status {
		case ledger.StatusClosed:
			s.closed++
			s.totalPnL += p.RealizedPnL
			if p.RealizedPnL >= 0 {
				s.wins++
			} else {
				s.losses++
			}
			if p.RealizedPnL > s.bestPnL {
				s.bestPnL = p.RealizedPnL
			}
			if p.RealizedPnL < s.worstPnL {
				s.worstPnL = p.RealizedPnL
			}
		case ledger.StatusOpenRejected:
			s.rejected++
		case ledger.StatusOrderFailed:
			s.failed++
		}
	}

	fmt.Printf("%-16s | %6s | %5s | %6s | %7s | %10s | %9s | %9s | %8s | %6s\n",
		"Bot", "Closed", "Wins", "Losses", "Win%", "Total P&L", "Best", "Worst", "Rejected", "Failed")
	fmt.Println(strings.Repeat("-", 100))

	for _, bot := range bots {
		s := stats[bot]
		winRate := 0.0
		if s.closed > 0 {
			winRate = float64(s.wins) / float64(s.closed) * 100
		}
		fmt.Printf("%-16s | %6d | %5d | %6d | %6.1f%% | %10.2f | %9.2f | %9.2f | %8d | %6d\n",
			bot, s.closed, s.wins, s.losses, winRate, s.totalPnL, s.bestPnL, s.worstPnL, s.rejected, s.failed)
	}

	fmt.Println()

	// Recent closed trades
	fmt.Println("🕐 Most recent closed trades:")
	shown := 0
	for i := len(history) - 1; i >= 0 && shown < 10; i-- {
		p := history[i]
		if p.Status != ledger.StatusClosed {
			continue
		}
		flags := ""
		if len(p.Flags) > 0 {
			flags = " [" + strings.Join(p.Flags, ",") + "]"
		}
		fmt.Printf("  • %s %s: %+.2f USDT (%s)%s\n",
			p.ClosedAt.Format("2006-01-02 15:04"), p.Symbol, p.RealizedPnL, p.CloseReason, flags)
		shown++
	}

	fmt.Println()
	fmt.Println(strings.Repeat("=", 100))
}
