// Package schema defines the typed records exchanged between the engine and its collaborators.
package schema

import "strings"

// Side identifies the direction of a position.
type Side string

const (
	// SideLong is a position that profits when price rises.
	SideLong Side = "long"
	// SideShort is a position that profits when price falls.
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// EntryOrderSide returns the order side that opens a position on s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that reduces a position on s.
func (s Side) ExitOrderSide() OrderSide {
	return s.EntryOrderSide().Opposite()
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// ParseSide normalises user supplied side strings.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, true
	case "short", "sell":
		return SideShort, true
	default:
		return "", false
	}
}

// NormalizeSymbol uppercases and trims an instrument symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// QuantityEpsilon is the remaining-quantity floor below which a position is treated as flat.
const QuantityEpsilon = 1e-9
