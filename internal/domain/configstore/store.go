// Package configstore defines persistence contracts for per-user configuration,
// engine system state and the closed-trade journal.
package configstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bastion/internal/domain/schema"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("configstore: not found")

// StatePeakEquity holds the account equity high-water mark used for drawdown.
const StatePeakEquity = "peak_equity"

// TradeRecord is a closed trade as journaled by the executor.
type TradeRecord struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Venue       string      `json:"venue"`
	Side        schema.Side `json:"side"`
	Quantity    float64     `json:"quantity"`
	EntryPrice  float64     `json:"entryPrice"`
	ExitPrice   float64     `json:"exitPrice"`
	RealizedPnL float64     `json:"realizedPnl"`
	Reason      string      `json:"reason"`
	ClosedAt    time.Time   `json:"closedAt"`
}

// Store abstracts persistence for engine configuration and state.
type Store interface {
	SaveUserConfig(ctx context.Context, cfg schema.UserConfig) error
	LoadUserConfig(ctx context.Context, userID string) (schema.UserConfig, error)
	SaveState(ctx context.Context, key string, value []byte) error
	LoadState(ctx context.Context, key string) ([]byte, error)
	AppendTrade(ctx context.Context, trade TradeRecord) error
	TradesSince(ctx context.Context, since time.Time, limit int) ([]TradeRecord, error)
}

// SaveJSON encodes value and stores it under key.
func SaveJSON(ctx context.Context, store Store, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.SaveState(ctx, key, payload)
}

// LoadJSON decodes the state stored under key into dest. It reports false when
// nothing is stored.
func LoadJSON(ctx context.Context, store Store, key string, dest any) (bool, error) {
	payload, err := store.LoadState(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return false, err
	}
	return true, nil
}
