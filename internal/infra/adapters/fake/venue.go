package fake

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
	"github.com/coachpo/bastion/internal/domain/venue"
)

// Operation names a venue call for failure injection and call accounting.
type Operation string

// Venue operations.
const (
	OpLastPrice    Operation = "last_price"
	OpPositions    Operation = "positions"
	OpBalance      Operation = "balance"
	OpPlaceOrder   Operation = "place_order"
	OpCancelOrders Operation = "cancel_orders"
	OpOpenOrders   Operation = "open_orders"
	OpSetLeverage  Operation = "set_leverage"
	OpSymbolInfo   Operation = "symbol_info"
)

// Options configure a fake venue.
type Options struct {
	Name    string
	Cash    float64
	Asset   string
	Prices  map[string]float64
	Symbols map[string]schema.SymbolInfo
	Clock   func() time.Time
}

// Venue is an in-memory venue.Adapter. Market orders fill immediately at the last
// price; protective orders rest until SetPrice crosses their trigger.
type Venue struct {
	mu        sync.Mutex
	name      string
	asset     string
	cash      float64
	clock     func() time.Time
	prices    map[string]float64
	symbols   map[string]schema.SymbolInfo
	positions map[string]*positionState
	orders    map[string][]schema.Order
	leverage  map[string]int
	placed    []schema.OrderRequest
	calls     map[Operation]int
	failures  map[Operation][]error
	seq       int

	stickyCancels int
	frozen        map[string]bool
}

// New constructs a fake venue.
func New(opts Options) *Venue {
	name := opts.Name
	if name == "" {
		name = "fake"
	}
	asset := opts.Asset
	if asset == "" {
		asset = "USDT"
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	v := &Venue{
		mu:            sync.Mutex{},
		name:          name,
		asset:         asset,
		cash:          opts.Cash,
		clock:         clock,
		prices:        make(map[string]float64),
		symbols:       make(map[string]schema.SymbolInfo),
		positions:     make(map[string]*positionState),
		orders:        make(map[string][]schema.Order),
		leverage:      make(map[string]int),
		placed:        nil,
		calls:         make(map[Operation]int),
		failures:      make(map[Operation][]error),
		seq:           0,
		stickyCancels: 0,
		frozen:        make(map[string]bool),
	}
	for sym, price := range opts.Prices {
		v.prices[normalizeInstrument(sym)] = price
	}
	for sym, info := range opts.Symbols {
		v.symbols[normalizeInstrument(sym)] = info
	}
	return v
}

// Name implements venue.Adapter.
func (v *Venue) Name() string { return v.name }

// LastPrice implements venue.Adapter.
func (v *Venue) LastPrice(_ context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpLastPrice); err != nil {
		return 0, err
	}
	price, ok := v.prices[normalizeInstrument(symbol)]
	if !ok || price <= 0 {
		return 0, errs.New(errs.KindPermanent, errs.WithVenue(v.name), errs.WithSymbol(symbol), errs.WithMessage("no price for symbol"))
	}
	return price, nil
}

// Positions implements venue.Adapter.
func (v *Venue) Positions(_ context.Context) ([]schema.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpPositions); err != nil {
		return nil, err
	}
	out := make([]schema.Position, 0, len(v.positions))
	for _, sym := range sortedSymbols(v.positions) {
		pos := v.positions[sym]
		if !pos.open() {
			continue
		}
		out = append(out, pos.snapshot(sym, v.name, v.prices[sym]))
	}
	return out, nil
}

// Balance implements venue.Adapter.
func (v *Venue) Balance(_ context.Context) (schema.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpBalance); err != nil {
		return schema.Balance{}, err
	}
	total := v.cash
	margin := 0.0
	for sym, pos := range v.positions {
		if !pos.open() {
			continue
		}
		snap := pos.snapshot(sym, v.name, v.prices[sym])
		total += snap.UnrealizedPnL
		lev := pos.leverage
		if lev <= 0 {
			lev = 1
		}
		margin += snap.Notional() / float64(lev)
	}
	available := total - margin
	if available < 0 {
		available = 0
	}
	return schema.Balance{
		Venue:     v.name,
		Asset:     v.asset,
		Total:     total,
		Available: available,
		UpdatedAt: v.clock(),
	}, nil
}

// PlaceOrder implements venue.Adapter.
func (v *Venue) PlaceOrder(_ context.Context, req schema.OrderRequest) (schema.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpPlaceOrder); err != nil {
		return schema.Order{}, err
	}
	sym := normalizeInstrument(req.Symbol)
	if req.Quantity <= 0 {
		return schema.Order{}, errs.New(errs.KindPermanent, errs.WithVenue(v.name), errs.WithSymbol(sym), errs.WithMessage("quantity must be positive"))
	}
	if req.ClientOrderID != "" {
		for _, existing := range v.orders[sym] {
			if existing.ClientOrderID == req.ClientOrderID {
				return existing, nil
			}
		}
	}
	v.placed = append(v.placed, req)
	v.seq++
	order := schema.Order{
		ID:            strconv.Itoa(v.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        sym,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		CallbackRate:  req.CallbackRate,
		AvgFillPrice:  0,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     v.clock(),
	}
	if req.Type.Protective() || req.Type == schema.OrderTypeLimit {
		v.orders[sym] = append(v.orders[sym], order)
		return order, nil
	}
	price, ok := v.prices[sym]
	if !ok || price <= 0 {
		return schema.Order{}, errs.New(errs.KindPermanent, errs.WithVenue(v.name), errs.WithSymbol(sym), errs.WithMessage("no price for symbol"))
	}
	order.AvgFillPrice = price
	if !v.frozen[sym] {
		v.fill(sym, req.Side, normalizeQuantity(v.infoLocked(sym), req.Quantity), price, req.ReduceOnly)
	}
	return order, nil
}

// CancelOrders implements venue.Adapter.
func (v *Venue) CancelOrders(_ context.Context, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpCancelOrders); err != nil {
		return err
	}
	if v.stickyCancels > 0 {
		v.stickyCancels--
		return nil
	}
	delete(v.orders, normalizeInstrument(symbol))
	return nil
}

// OpenOrders implements venue.Adapter.
func (v *Venue) OpenOrders(_ context.Context, symbol string) ([]schema.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpOpenOrders); err != nil {
		return nil, err
	}
	orders := v.orders[normalizeInstrument(symbol)]
	out := make([]schema.Order, len(orders))
	copy(out, orders)
	return out, nil
}

// SetLeverage implements venue.Adapter.
func (v *Venue) SetLeverage(_ context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpSetLeverage); err != nil {
		return err
	}
	if leverage < 1 {
		return errs.New(errs.KindPermanent, errs.WithVenue(v.name), errs.WithSymbol(symbol), errs.WithMessage(fmt.Sprintf("invalid leverage %d", leverage)))
	}
	sym := normalizeInstrument(symbol)
	v.leverage[sym] = leverage
	if pos, ok := v.positions[sym]; ok {
		pos.leverage = leverage
	}
	return nil
}

// SymbolInfo implements venue.Adapter.
func (v *Venue) SymbolInfo(_ context.Context, symbol string) (schema.SymbolInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.enter(OpSymbolInfo); err != nil {
		return schema.SymbolInfo{}, err
	}
	return v.infoLocked(normalizeInstrument(symbol)), nil
}

func (v *Venue) infoLocked(sym string) schema.SymbolInfo {
	if info, ok := v.symbols[sym]; ok {
		return info
	}
	return defaultSymbolInfo(sym, v.prices[sym])
}

func (v *Venue) enter(op Operation) error {
	v.calls[op]++
	queue := v.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	v.failures[op] = queue[1:]
	return err
}

func (v *Venue) fill(sym string, side schema.OrderSide, qty, price float64, reduceOnly bool) {
	pos, ok := v.positions[sym]
	if !ok {
		pos = &positionState{side: "", quantity: 0, entryPrice: 0, leverage: v.leverage[sym]}
		v.positions[sym] = pos
	}
	if pos.leverage == 0 {
		pos.leverage = v.leverage[sym]
	}
	v.cash += pos.applyFill(side, qty, price, reduceOnly)
	if !pos.open() {
		delete(v.orders, sym)
	}
}

var _ venue.Adapter = (*Venue)(nil)
