package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process broker used for broker.mode=memory and tests.
// Market orders fill immediately at the symbol's last close; stop and
// stop-limit orders rest until TriggerStops or FillOrder is called.
type MemoryBroker struct {
	mu          sync.Mutex
	account     Account
	positions   map[string]*Position
	orders      map[string]*Order
	bars        map[string][]Bar
	submitted   []OrderRequest
	canceled    []string
	unavailable bool
	rejectNext  map[string]bool
	seq         int
	now         func() time.Time
}

func NewMemoryBroker(equity float64) *MemoryBroker {
	return &MemoryBroker{
		account:    Account{Equity: equity, Cash: equity, BuyingPower: equity},
		positions:  make(map[string]*Position),
		orders:     make(map[string]*Order),
		bars:       make(map[string][]Bar),
		rejectNext: make(map[string]bool),
		now:        time.Now,
	}
}

// SetPosition installs or replaces a live position.
func (m *MemoryBroker) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Symbol = strings.ToUpper(p.Symbol)
	if p.Qty == 0 {
		delete(m.positions, p.Symbol)
		return
	}
	cp := p
	m.positions[p.Symbol] = &cp
}

// SetBars installs daily bars and marks the position (if any) to the last close.
func (m *MemoryBroker) SetBars(symbol string, bars []Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	m.bars[symbol] = append([]Bar(nil), bars...)
	if p, ok := m.positions[symbol]; ok && len(bars) > 0 {
		p.CurrentPrice = bars[len(bars)-1].Close
		p.MarketValue = p.CurrentPrice * p.Qty
		p.UnrealizedPL = (p.CurrentPrice - p.AvgEntryPrice) * p.Qty
	}
}

// AddOrder installs a resting order as if placed outside this process.
func (m *MemoryBroker) AddOrder(o Order) Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = m.nextID()
	}
	if o.Status == "" {
		o.Status = StatusNew
	}
	o.Symbol = strings.ToUpper(o.Symbol)
	cp := o
	m.orders[o.ID] = &cp
	return cp
}

// SetUnavailable makes every call fail with ErrUnavailable.
func (m *MemoryBroker) SetUnavailable(v bool) {
	m.mu.Lock()
	m.unavailable = v
	m.mu.Unlock()
}

// RejectNext makes the next order for symbol fail with ErrRejected.
func (m *MemoryBroker) RejectNext(symbol string) {
	m.mu.Lock()
	m.rejectNext[strings.ToUpper(symbol)] = true
	m.mu.Unlock()
}

// Submitted returns every accepted order request in submission order.
func (m *MemoryBroker) Submitted() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.submitted...)
}

// Canceled returns the ids of every canceled order.
func (m *MemoryBroker) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.canceled...)
}

// ResetActivity clears the submitted and canceled logs.
func (m *MemoryBroker) ResetActivity() {
	m.mu.Lock()
	m.submitted = nil
	m.canceled = nil
	m.mu.Unlock()
}

// FillOrder fills a resting order at price.
func (m *MemoryBroker) FillOrder(id string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || !o.Status.Open() {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	m.fill(o, price)
	return nil
}

func (m *MemoryBroker) Account(ctx context.Context) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Account{}, ErrUnavailable
	}
	return m.account, nil
}

func (m *MemoryBroker) Positions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryBroker) Position(ctx context.Context, symbol string) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Position{}, ErrUnavailable
	}
	p, ok := m.positions[strings.ToUpper(symbol)]
	if !ok {
		return Position{}, fmt.Errorf("%w: position %s", ErrNotFound, symbol)
	}
	return *p, nil
}

func (m *MemoryBroker) OpenOrders(ctx context.Context) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	var out []Order
	for _, o := range m.orders {
		if o.Status.Open() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBroker) Order(ctx context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Order{}, ErrUnavailable
	}
	o, ok := m.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	return *o, nil
}

func (m *MemoryBroker) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Order{}, ErrUnavailable
	}
	req = req.normalized()
	if m.rejectNext[req.Symbol] {
		delete(m.rejectNext, req.Symbol)
		return Order{}, fmt.Errorf("%w: %s order for %s", ErrRejected, req.Type, req.Symbol)
	}
	if req.Qty <= 0 {
		return Order{}, fmt.Errorf("%w: qty must be positive", ErrRejected)
	}
	if req.Side == SideSell {
		// shares behind resting sell orders are held, as at the real broker
		p, ok := m.positions[req.Symbol]
		if !ok || p.Qty-m.heldForOrders(req.Symbol) < req.Qty {
			return Order{}, fmt.Errorf("%w: insufficient qty available for %s", ErrRejected, req.Symbol)
		}
	}
	m.submitted = append(m.submitted, req)
	o := &Order{
		ID:            m.nextID(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		StopPrice:     req.StopPrice,
		LimitPrice:    req.LimitPrice,
		Status:        StatusAccepted,
		TimeInForce:   req.TimeInForce,
		SubmittedAt:   m.now(),
	}
	m.orders[o.ID] = o
	if req.Type == OrderTypeMarket {
		m.fill(o, m.lastPrice(req.Symbol))
	}
	return *o, nil
}

func (m *MemoryBroker) CancelOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrUnavailable
	}
	o, ok := m.orders[id]
	if !ok || !o.Status.Open() {
		return fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	o.Status = StatusCanceled
	m.canceled = append(m.canceled, id)
	return nil
}

func (m *MemoryBroker) DailyBars(ctx context.Context, symbol string, limit int) ([]Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	bars := m.bars[strings.ToUpper(symbol)]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]Bar(nil), bars...), nil
}

func (m *MemoryBroker) nextID() string {
	m.seq++
	return fmt.Sprintf("mem-%04d-%s", m.seq, uuid.NewString()[:8])
}

func (m *MemoryBroker) heldForOrders(symbol string) float64 {
	var held float64
	for _, o := range m.orders {
		if o.Symbol == symbol && o.Side == SideSell && o.Status.Open() {
			held += o.Qty - o.FilledQty
		}
	}
	return held
}

func (m *MemoryBroker) lastPrice(symbol string) float64 {
	if bars := m.bars[symbol]; len(bars) > 0 {
		return bars[len(bars)-1].Close
	}
	if p, ok := m.positions[symbol]; ok {
		return p.CurrentPrice
	}
	return 0
}

func (m *MemoryBroker) fill(o *Order, price float64) {
	o.Status = StatusFilled
	o.FilledQty = o.Qty
	p, ok := m.positions[o.Symbol]
	switch o.Side {
	case SideBuy:
		if !ok {
			m.positions[o.Symbol] = &Position{Symbol: o.Symbol, Qty: o.Qty, AvgEntryPrice: price, CurrentPrice: price, MarketValue: price * o.Qty}
			return
		}
		total := p.Qty + o.Qty
		p.AvgEntryPrice = (p.AvgEntryPrice*p.Qty + price*o.Qty) / total
		p.Qty = total
		p.MarketValue = p.CurrentPrice * p.Qty
	case SideSell:
		if !ok {
			return
		}
		p.Qty -= o.Qty
		if p.Qty <= 0 {
			delete(m.positions, o.Symbol)
			return
		}
		p.MarketValue = p.CurrentPrice * p.Qty
	}
}
