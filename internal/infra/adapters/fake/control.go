package fake

import (
	"strconv"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// SetPrice moves the last price and fires any resting protective orders it crosses.
func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym := normalizeInstrument(symbol)
	v.prices[sym] = price
	if v.frozen[sym] {
		return
	}
	resting := v.orders[sym]
	kept := resting[:0]
	for _, order := range resting {
		if triggered(order, price) {
			v.fill(sym, order.Side, order.Quantity, price, true)
			continue
		}
		kept = append(kept, order)
	}
	if _, ok := v.orders[sym]; ok {
		v.orders[sym] = kept
	}
}

// SetPosition seeds an open position directly.
func (v *Venue) SetPosition(pos schema.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym := normalizeInstrument(pos.Symbol)
	lev := int(pos.Leverage)
	if lev <= 0 {
		lev = v.leverage[sym]
	}
	v.positions[sym] = &positionState{side: pos.Side, quantity: pos.Quantity, entryPrice: pos.EntryPrice, leverage: lev}
	if pos.MarkPrice > 0 {
		v.prices[sym] = pos.MarkPrice
	} else if _, ok := v.prices[sym]; !ok {
		v.prices[sym] = pos.EntryPrice
	}
}

// SeedOrder rests an order on the book without recording it as placed.
func (v *Venue) SeedOrder(order schema.Order) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sym := normalizeInstrument(order.Symbol)
	v.seq++
	if order.ID == "" {
		order.ID = "seed-" + schema.NormalizeSymbol(order.Symbol) + "-" + strconv.Itoa(v.seq)
	}
	order.Symbol = sym
	v.orders[sym] = append(v.orders[sym], order)
}

// FailNext queues errors returned by the next calls to op, in order.
func (v *Venue) FailNext(op Operation, errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = append(v.failures[op], errs...)
}

// IgnoreCancels makes the next n cancel calls succeed without removing anything.
func (v *Venue) IgnoreCancels(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stickyCancels = n
}

// Freeze stops market orders and triggers from changing the symbol's position.
func (v *Venue) Freeze(symbol string, frozen bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen[normalizeInstrument(symbol)] = frozen
}

// Placed returns every accepted order request in submission order.
func (v *Venue) Placed() []schema.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]schema.OrderRequest, len(v.placed))
	copy(out, v.placed)
	return out
}

// Calls reports how many times op was invoked, failed calls included.
func (v *Venue) Calls(op Operation) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

// Leverage returns the last leverage set for symbol.
func (v *Venue) Leverage(symbol string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leverage[normalizeInstrument(symbol)]
}

// SetCash overrides the account's cash balance.
func (v *Venue) SetCash(cash float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cash = cash
}
