// Package broker defines the brokerage abstraction used by both passes and
// its implementations. The brokerage is the only consistent ledger: callers
// re-read quantities here before any quantity-dependent order.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnavailable covers transport failures, 5xx responses and an open breaker.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrRejected is a 4xx refusal of a well-formed request (e.g. insufficient qty).
	ErrRejected = errors.New("broker rejected request")
	// ErrNotFound is returned for unknown positions and orders.
	ErrNotFound = errors.New("broker object not found")
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusAccepted        OrderStatus = "accepted"
	StatusPendingNew      OrderStatus = "pending_new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
)

// Open reports whether the order can still fill.
func (s OrderStatus) Open() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return false
	default:
		return true
	}
}

// Account is the subset of account state used for sizing.
type Account struct {
	Equity      float64 // total account value
	Cash        float64
	BuyingPower float64
}

// Position is a live holding as reported by the broker.
type Position struct {
	Symbol        string
	Qty           float64 // shares; negative for shorts
	AvgEntryPrice float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPL  float64
}

type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	FilledQty     float64
	StopPrice     float64 // 0 if not applicable
	LimitPrice    float64 // 0 if not applicable
	Status        OrderStatus
	TimeInForce   string
	SubmittedAt   time.Time
}

// IsProtectiveStop reports whether the order is a resting sell stop.
func (o Order) IsProtectiveStop() bool {
	return o.Side == SideSell && o.Type == OrderTypeStop && o.Status.Open()
}

// OrderRequest is an order intent ready for submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	StopPrice     float64
	LimitPrice    float64
	TimeInForce   string // defaults to "day"
	ClientOrderID string
}

func (r OrderRequest) normalized() OrderRequest {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.TimeInForce == "" {
		r.TimeInForce = "day"
	}
	return r
}

// Bar is one daily OHLCV bar.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Broker is the brokerage surface consumed by the controller.
type Broker interface {
	Account(ctx context.Context) (Account, error)
	Positions(ctx context.Context) ([]Position, error)
	// Position returns ErrNotFound when nothing is held.
	Position(ctx context.Context, symbol string) (Position, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	Order(ctx context.Context, id string) (Order, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, id string) error
	// DailyBars returns up to limit most recent daily bars, oldest first.
	DailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error)
}

// StopsBySymbol groups open protective stops per symbol.
func StopsBySymbol(orders []Order) map[string][]Order {
	out := make(map[string][]Order)
	for _, o := range orders {
		if o.IsProtectiveStop() {
			out[o.Symbol] = append(out[o.Symbol], o)
		}
	}
	return out
}

// OpenBuysBySymbol groups open buy orders per symbol (pending entries and adds).
func OpenBuysBySymbol(orders []Order) map[string][]Order {
	out := make(map[string][]Order)
	for _, o := range orders {
		if o.Side == SideBuy && o.Status.Open() {
			out[o.Symbol] = append(out[o.Symbol], o)
		}
	}
	return out
}

// OpenSellsBySymbol groups open sell orders that are not protective stops,
// i.e. exits already queued at the broker.
func OpenSellsBySymbol(orders []Order) map[string][]Order {
	out := make(map[string][]Order)
	for _, o := range orders {
		if o.Side == SideSell && o.Status.Open() && !o.IsProtectiveStop() {
			out[o.Symbol] = append(out[o.Symbol], o)
		}
	}
	return out
}

// RemainingQty sums the unfilled quantity of orders.
func RemainingQty(orders []Order) float64 {
	qty := 0.0
	for _, o := range orders {
		qty += o.Qty - o.FilledQty
	}
	return qty
}
