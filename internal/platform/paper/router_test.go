package paper

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/expirybot/internal/domain"
)

func newRouter() *Router {
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPaperFillIsIdempotent(t *testing.T) {
	r := newRouter()
	req := domain.OrderRequest{Key: "k1", MarketID: "m", Token: "yes", Side: domain.OrderSideBuy, Price: 0.02, Size: 500}

	first, err := r.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.OrderID, OrderPrefix))
	assert.Equal(t, domain.OrderStatusFilled, first.Status)
	assert.InDelta(t, 500, first.FilledSize, 1e-12)
	assert.InDelta(t, 0.02, first.AvgPrice, 1e-12)

	again, err := r.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, r.Orders(), 1)

	req.Key = "k2"
	other, err := r.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, other.OrderID)
	assert.Len(t, r.Orders(), 2)
}

func TestPaperRejectsMalformed(t *testing.T) {
	r := newRouter()
	_, err := r.PlaceOrder(context.Background(), domain.OrderRequest{Key: "k", Token: "t", Price: 0, Size: 1})
	assert.ErrorIs(t, err, domain.ErrMalformedOrder)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.PlaceOrder(ctx, domain.OrderRequest{Key: "k", Token: "t", Price: 0.5, Size: 1})
	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
}

func TestPaperCancel(t *testing.T) {
	r := newRouter()
	assert.NoError(t, r.CancelOrder(context.Background(), OrderPrefix+"abc"))
	assert.ErrorIs(t, r.CancelOrder(context.Background(), "0xlive"), domain.ErrNotFound)
}

func TestPaperOrderFill(t *testing.T) {
	r := newRouter()
	res, err := r.PlaceOrder(context.Background(), domain.OrderRequest{Key: "k", Token: "t", Side: domain.OrderSideSell, Price: 0.05, Size: 200})
	require.NoError(t, err)

	fill, err := r.OrderFill(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.False(t, fill.Open)
	assert.InDelta(t, 200, fill.FilledSize, 1e-12)

	_, err = r.OrderFill(context.Background(), OrderPrefix+"missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
