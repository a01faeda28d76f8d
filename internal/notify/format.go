package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/expirybot/internal/control"
	"github.com/alanyoungcy/expirybot/internal/domain"
)

// FormatTradeEvent renders ev as a title and a plain-text body.
func FormatTradeEvent(ev domain.TradeEvent) (string, string) {
	var b strings.Builder
	if ev.Question != "" {
		fmt.Fprintf(&b, "%s\n", ev.Question)
	}
	fmt.Fprintf(&b, "Market: %s\nOutcome: %s\n", ev.MarketID, ev.Outcome)

	switch ev.Kind {
	case domain.EventOpened:
		fmt.Fprintf(&b, "Entry: %.4f\nSize: %.2f shares ($%.2f)", ev.EntryPrice, ev.Size, ev.EntryPrice*ev.Size)
		return "Position opened", b.String()
	case domain.EventClosed:
		ret := 0.0
		if ev.EntryPrice > 0 {
			ret = (ev.ExitPrice - ev.EntryPrice) / ev.EntryPrice * 100
		}
		fmt.Fprintf(&b, "Entry: %.4f\nExit: %.4f (%+.1f%%)\nReason: %s\nPnL: %s",
			ev.EntryPrice, ev.ExitPrice, ret, ev.Reason, money(ev.PnL))
		title := "Position closed"
		if ev.PnL > 0 {
			title = "Position closed, profit"
		} else if ev.PnL < 0 {
			title = "Position closed, loss"
		}
		return title, b.String()
	case domain.EventFailed:
		fmt.Fprintf(&b, "Entry: %.4f\nSize: %.2f\nReason: %s\nPosition could not be exited before expiry. Check the exchange.",
			ev.EntryPrice, ev.Size, ev.Reason)
		return "CRITICAL: position failed", b.String()
	}
	fmt.Fprintf(&b, "Event: %s", ev.Kind)
	return string(ev.Kind), b.String()
}

// FormatResult renders a control result as a chat reply.
func FormatResult(res control.Result) string {
	switch {
	case res.Health != nil:
		return formatHealth(*res.Health)
	case res.Stats != nil:
		return formatStats(*res.Stats)
	case res.Command == (control.ListPositions{}).Name():
		return formatPositions(res.Positions)
	case res.Config != nil:
		c := res.Config
		return fmt.Sprintf("Updated.\nEntry threshold: %.4f\nProfit multiplier: %.2fx\nForced exit: %s\nMax position: $%.2f",
			c.EntryThresholdPct, c.ProfitMultiplier, c.ForcedExit, c.MaxPositionUSD)
	case res.Command == (control.Stop{}).Name():
		var b strings.Builder
		b.WriteString("Trading stopped.")
		for _, r := range res.Reports {
			fmt.Fprintf(&b, "\n%s: %s", r.MarketID, r.State)
			if r.Err != nil {
				fmt.Fprintf(&b, " (%v)", r.Err)
			}
		}
		return b.String()
	case res.Command == (control.Start{}).Name():
		return "Trading started."
	case res.Command == (control.PauseMarket{}).Name():
		return "Market paused."
	}
	return "OK"
}

func formatHealth(h domain.EngineHealth) string {
	var b strings.Builder
	state := "stopped"
	if h.Running {
		state = "running"
	}
	fmt.Fprintf(&b, "Engine: %s (%s)\n", state, h.Mode)
	if !h.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Up since: %s\n", h.StartedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Markets: %d\nOpen positions: %d\n", h.Markets, h.OpenPositions)
	feed := "disconnected"
	if h.Feed.Connected {
		feed = "connected"
	}
	fmt.Fprintf(&b, "Feed: %s, %d tokens, %d reconnects\n", feed, h.Feed.Tokens, h.Feed.Reconnects)
	if len(h.Attention) > 0 {
		fmt.Fprintf(&b, "Attention: %s\n", strings.Join(h.Attention, ", "))
	}
	if len(h.Paused) > 0 {
		fmt.Fprintf(&b, "Paused: %s\n", strings.Join(h.Paused, ", "))
	}
	fmt.Fprintf(&b, "Entry threshold: %.4f, profit %.2fx, forced exit %s", h.Config.EntryThresholdPct, h.Config.ProfitMultiplier, h.Config.ForcedExit)
	return b.String()
}

func formatStats(s domain.TradingStats) string {
	return fmt.Sprintf("Trades: %d (won %d, lost %d, failed %d)\nWin rate: %.1f%%\nPnL: %s\nVolume: $%.2f\nForced exits: %d\nSafety exits: %d",
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.FailedTrades,
		s.WinRate()*100, money(s.RealizedPnL), s.VolumeUSD, s.ForcedExits, s.SafetyExits)
}

func formatPositions(ps []domain.PositionSummary) string {
	if len(ps) == 0 {
		return "No open positions."
	}
	var b strings.Builder
	for i, p := range ps {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s %s [%s]\nEntry %.4f x %.2f, remaining %.2f\nExpires %s",
			p.MarketID, p.Outcome, p.State, p.EntryPrice, p.Size, p.Remaining, p.Expiry.UTC().Format("15:04:05"))
		if p.Attention {
			b.WriteString("\nNEEDS ATTENTION")
		}
	}
	return b.String()
}

func money(v float64) string {
	if v < 0 {
		return fmt.Sprintf("-$%.2f", -v)
	}
	return fmt.Sprintf("$%.2f", v)
}
