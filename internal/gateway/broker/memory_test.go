package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerHoldsSharesBehindStops(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBroker(100000)
	m.SetPosition(Position{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 100, CurrentPrice: 110})
	stop, err := m.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", Side: SideSell, Type: OrderTypeStop, Qty: 10, StopPrice: 95})
	require.NoError(t, err)

	_, err = m.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", Side: SideSell, Type: OrderTypeMarket, Qty: 10})
	assert.ErrorIs(t, err, ErrRejected)

	require.NoError(t, m.CancelOrder(ctx, stop.ID))
	_, err = m.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", Side: SideSell, Type: OrderTypeMarket, Qty: 10})
	require.NoError(t, err)
	_, err = m.Position(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBrokerMarketBuyAveragesIn(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBroker(100000)
	m.SetPosition(Position{Symbol: "NVDA", Qty: 10, AvgEntryPrice: 100})
	m.SetBars("NVDA", []Bar{{Close: 130}})

	_, err := m.SubmitOrder(ctx, OrderRequest{Symbol: "NVDA", Side: SideBuy, Type: OrderTypeMarket, Qty: 5})
	require.NoError(t, err)
	p, err := m.Position(ctx, "NVDA")
	require.NoError(t, err)
	assert.InDelta(t, 15, p.Qty, 1e-9)
	assert.InDelta(t, 110, p.AvgEntryPrice, 1e-9)
	assert.Len(t, m.Submitted(), 1)

	m.SetUnavailable(true)
	_, err = m.Positions(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}
