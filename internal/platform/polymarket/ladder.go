package polymarket

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// depthLevels is how many levels per side count towards liquidity.
const depthLevels = 5

type level struct {
	price decimal.Decimal
	size  decimal.Decimal
}

// ladder is the L2 book of one token, rebuilt from book messages and
// patched by price changes. Levels are keyed by canonical price string.
type ladder struct {
	bids map[string]level
	asks map[string]level
}

func newLadder() *ladder {
	return &ladder{bids: make(map[string]level), asks: make(map[string]level)}
}

// replace discards every level and loads the full book b.
func (l *ladder) replace(b *BookMessage) {
	clear(l.bids)
	clear(l.asks)
	for _, lv := range b.Bids {
		l.set(l.bids, lv.Price, lv.Size)
	}
	for _, lv := range b.Asks {
		l.set(l.asks, lv.Price, lv.Size)
	}
}

// apply patches one level. It reports false for unparseable input.
func (l *ladder) apply(c PriceChange) bool {
	switch strings.ToUpper(c.Side) {
	case "BUY", "BID":
		return l.set(l.bids, c.Price, c.Size)
	case "SELL", "ASK":
		return l.set(l.asks, c.Price, c.Size)
	default:
		return false
	}
}

func (l *ladder) set(side map[string]level, price, size string) bool {
	p, err := decimal.NewFromString(price)
	if err != nil || !p.IsPositive() {
		return false
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return false
	}
	key := p.String()
	if !s.IsPositive() {
		delete(side, key)
		return true
	}
	side[key] = level{price: p, size: s}
	return true
}

// top summarizes the ladder as a tick: best prices and the USD notional of
// the first depthLevels levels on each side.
func (l *ladder) top(token string, ts time.Time) domain.TickEvent {
	bids := sorted(l.bids, true)
	asks := sorted(l.asks, false)

	tick := domain.TickEvent{Token: token, TS: ts}
	if len(bids) > 0 {
		tick.Bid = bids[0].price.InexactFloat64()
		tick.BidSize = depthUSD(bids)
	}
	if len(asks) > 0 {
		tick.Ask = asks[0].price.InexactFloat64()
		tick.AskSize = depthUSD(asks)
	}
	return tick
}

func sorted(side map[string]level, desc bool) []level {
	out := make([]level, 0, len(side))
	for _, lv := range side {
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].price.GreaterThan(out[j].price)
		}
		return out[i].price.LessThan(out[j].price)
	})
	return out
}

func depthUSD(levels []level) float64 {
	total := decimal.Zero
	for i, lv := range levels {
		if i >= depthLevels {
			break
		}
		total = total.Add(lv.price.Mul(lv.size))
	}
	return total.InexactFloat64()
}
