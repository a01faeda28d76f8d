package polymarket

import (
	"context"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

// Source joins the REST book endpoint and the market websocket into one
// domain.MarketData.
type Source struct {
	clob *ClobClient
	ws   *WSClient
}

// NewSource returns a market data source backed by clob and ws.
func NewSource(clob *ClobClient, ws *WSClient) *Source {
	return &Source{clob: clob, ws: ws}
}

func (s *Source) Snapshot(ctx context.Context, token string) (domain.OrderbookState, error) {
	return s.clob.Snapshot(ctx, token)
}

func (s *Source) Dial(ctx context.Context) (domain.TickStream, error) {
	return s.ws.Dial(ctx)
}

var (
	_ domain.MarketData   = (*Source)(nil)
	_ domain.OrderRouter  = (*ClobClient)(nil)
	_ domain.OrderTracker = (*ClobClient)(nil)
	_ domain.MarketSource = (*GammaClient)(nil)
)
