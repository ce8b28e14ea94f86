package decision

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/gregtusar/autotrader/pkg/models"
)

const (
	promptBars       = 20
	promptOptionRows = 6
)

// ActionSchema is the JSON schema of the action array the reasoning service
// must return.
func ActionSchema() string {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true, Anonymous: true}
	item := r.Reflect(&models.Action{})
	item.Version = ""
	schema := &jsonschema.Schema{Type: "array", Items: item}
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// BuildSystemPrompt returns the fixed rules for a trader.
func BuildSystemPrompt(cfg models.TraderConfig) string {
	var b strings.Builder

	b.WriteString("You are an autonomous US equities trader operating a simulated brokerage account.\n\n")
	b.WriteString("# Objective\n\n")
	b.WriteString("Maximize the Sharpe ratio of the account: steady risk-adjusted returns, not trade count.\n")
	b.WriteString("Most cycles should end in hold. Open positions only on strong, confirmed signals.\n")
	b.WriteString("Short positions are as valid as long ones: trade down-trends short and up-trends long, stay flat in ranges.\n\n")

	b.WriteString("# Sharpe feedback\n\n")
	b.WriteString("- Below -0.5: stop opening positions for several cycles and review what went wrong.\n")
	b.WriteString("- Between -0.5 and 0: only open with confidence above 80.\n")
	b.WriteString("- Between 0 and 0.7: keep the current approach.\n")
	b.WriteString("- Above 0.7: sizes may grow moderately.\n\n")

	b.WriteString("# Constraints\n\n")
	fmt.Fprintf(&b, "- Tradable symbols: %s.\n", strings.Join(cfg.Universe, ", "))
	if cfg.OptionsEnabled {
		b.WriteString("- Options on those symbols may be bought (open_long) and sold to close. Option symbols use UNDERLYING-YYYYMMDD-STRIKE-C|P; one contract is 100 shares.\n")
		b.WriteString("- Options can never be opened short.\n")
	} else {
		b.WriteString("- Options trading is disabled; trade stocks only.\n")
	}
	b.WriteString("- Cash can never go negative; orders the account cannot pay for are rejected.\n")
	b.WriteString("- quantity is in shares or contracts. For adjust it is the target size of the existing position. For close, 0 closes the whole position.\n")
	b.WriteString("- Closes and adjustments are executed before new positions are opened.\n\n")

	b.WriteString("# Output\n\n")
	b.WriteString("First write your reasoning as plain text. Then output one JSON array of actions and nothing after it.\n")
	b.WriteString("Valid actions: open_long, open_short, close, adjust, hold.\n\n")
	b.WriteString("```json\n")
	b.WriteString(`[{"symbol": "AAPL", "action": "open_long", "quantity": 10, "order_type": "market", "confidence": 85, "reasoning": "uptrend with MACD cross"},` + "\n")
	b.WriteString(` {"symbol": "TSLA", "action": "close", "quantity": 0, "reasoning": "take profit"}]` + "\n")
	b.WriteString("```\n\n")
	b.WriteString("The array must match this JSON schema:\n\n")
	b.WriteString(ActionSchema())
	b.WriteString("\n")

	return b.String()
}

// BuildUserPrompt renders the snapshot for one cycle.
func BuildUserPrompt(snap Snapshot) string {
	var b strings.Builder
	acct := snap.Account

	fmt.Fprintf(&b, "Time: %s | Cycle: #%d | Running: %d min\n\n",
		snap.Time.Format(time.RFC3339), snap.Cycle, int(snap.Runtime.Minutes()))

	cashPct := 0.0
	if acct.Equity > 0 {
		cashPct = acct.Cash / acct.Equity * 100
	}
	fmt.Fprintf(&b, "Account: equity %.2f | cash %.2f (%.1f%%) | P&L %+.2f%% | realized %.2f | positions %d\n\n",
		acct.Equity, acct.Cash, cashPct, acct.TotalPLPct(), acct.RealizedPL, len(acct.Positions))

	if len(acct.Positions) == 0 {
		b.WriteString("Open positions: none\n\n")
	} else {
		b.WriteString("## Open positions\n\n")
		for i, p := range acct.Positions {
			plPct := 0.0
			if p.EntryPrice > 0 {
				plPct = (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
				if p.Quantity < 0 {
					plPct = -plPct
				}
			}
			fmt.Fprintf(&b, "%d. %s %s qty %g | entry %.4f mark %.4f | P&L %+.2f%% (%.2f) | held %s\n",
				i+1, p.Instrument.Symbol, strings.ToUpper(p.Side()), p.Quantity, p.EntryPrice, p.MarkPrice,
				plPct, p.UnrealizedPL, snap.Time.Sub(p.OpenedAt).Round(time.Minute))
		}
		b.WriteString("\n")
	}

	if len(acct.OpenOrders) > 0 {
		b.WriteString("## Pending orders\n\n")
		for _, o := range acct.OpenOrders {
			fmt.Fprintf(&b, "- %s %s %g %s @ %.4f\n", o.OrderID, o.Side, o.Quantity, o.Instrument.Symbol, o.LimitPrice)
		}
		b.WriteString("\n")
	}

	for i, m := range snap.Markets {
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, m.Symbol)
		b.WriteString(formatMarket(m))
		b.WriteString("\n")
	}

	if len(snap.History) > 0 {
		b.WriteString("## Recent decisions\n\n")
		for _, h := range snap.History {
			b.WriteString(h.String())
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if snap.Sharpe != nil {
		fmt.Fprintf(&b, "## Sharpe ratio: %.2f\n\n", *snap.Sharpe)
	}

	b.WriteString("---\n\nAnalyze and output your decision (reasoning, then the JSON array).\n")
	return b.String()
}

func formatMarket(m MarketView) string {
	var b strings.Builder
	q := m.Quote
	ind := m.Indicators
	fmt.Fprintf(&b, "current_price = %.2f, bid = %.2f, ask = %.2f, current_ema20 = %.3f, current_macd = %.3f, current_rsi (7 period) = %.3f, current_rsi (14 period) = %.3f\n\n",
		q.Close, q.Bid, q.Ask, ind.EMA20, ind.MACD, ind.RSI7, ind.RSI14)

	bars := m.Bars
	if len(bars) > promptBars {
		bars = bars[len(bars)-promptBars:]
	}
	if len(bars) > 0 {
		closes := make([]string, len(bars))
		var volume float64
		for i, bar := range bars {
			closes[i] = fmt.Sprintf("%.3f", bar.Close)
			volume += bar.Volume
		}
		fmt.Fprintf(&b, "Closes (1-minute, oldest to latest): [%s]\n\n", strings.Join(closes, ", "))
		fmt.Fprintf(&b, "Current volume: %.0f vs. average volume: %.0f\n\n", bars[len(bars)-1].Volume, volume/float64(len(bars)))
	}

	if len(m.Options) > 0 {
		b.WriteString("Options (nearest expiry, closest strikes):\n\n")
		for _, c := range nearestOptions(m.Options, q.Close) {
			fmt.Fprintf(&b, "- %s bid %.2f ask %.2f delta %.3f gamma %.4f theta %.3f vega %.3f dte %.1f\n",
				c.Instrument.Symbol, c.Quote.Bid, c.Quote.Ask, c.Delta, c.Gamma, c.Theta, c.Vega, c.DaysToExpiry)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// nearestOptions keeps the contracts of the first expiry whose strikes are
// closest to spot.
func nearestOptions(chain []models.OptionContract, spot float64) []models.OptionContract {
	first := chain[0].Instrument.Expiration
	for _, c := range chain {
		if c.Instrument.Expiration.Before(first) {
			first = c.Instrument.Expiration
		}
	}

	var out []models.OptionContract
	for _, c := range chain {
		if c.Instrument.Expiration.Equal(first) {
			out = append(out, c)
		}
	}
	for len(out) > promptOptionRows {
		// Drop whichever end of the strike range is farther from spot.
		lo, hi := 0, len(out)-1
		for i, c := range out {
			if c.Instrument.Strike < out[lo].Instrument.Strike {
				lo = i
			}
			if c.Instrument.Strike > out[hi].Instrument.Strike {
				hi = i
			}
		}
		drop := hi
		if spot-out[lo].Instrument.Strike > out[hi].Instrument.Strike-spot {
			drop = lo
		}
		out = append(out[:drop], out[drop+1:]...)
	}
	return out
}
