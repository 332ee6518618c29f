// Package postgres implements the configuration store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/bastion/internal/domain/configstore"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// ConfigStore persists user configuration, system state and the trade journal.
type ConfigStore struct {
	pool *pgxpool.Pool
}

var _ configstore.Store = (*ConfigStore)(nil)

// NewConfigStore constructs a ConfigStore backed by the provided pgx pool.
func NewConfigStore(pool *pgxpool.Pool) *ConfigStore {
	return &ConfigStore{pool: pool}
}

const (
	userConfigUpsertSQL = `
INSERT INTO user_configs (user_id, mode, config, updated_at)
VALUES ($1, $2, $3::jsonb, NOW())
ON CONFLICT (user_id) DO UPDATE SET
    mode = EXCLUDED.mode,
    config = EXCLUDED.config,
    updated_at = NOW();
`
	userConfigSelectSQL = `SELECT config FROM user_configs WHERE user_id = $1;`
	stateUpsertSQL      = `
INSERT INTO system_state (key, value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`
	stateSelectSQL = `SELECT value FROM system_state WHERE key = $1;`
	tradeInsertSQL = `
INSERT INTO trades (
    id,
    symbol,
    venue,
    side,
    quantity,
    entry_price,
    exit_price,
    realized_pnl,
    reason,
    closed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING;
`
	tradeSelectSQL = `
SELECT id, symbol, venue, side, quantity, entry_price, exit_price, realized_pnl, reason, closed_at
FROM trades
WHERE closed_at >= $1
ORDER BY closed_at, id
`
)

// SaveUserConfig upserts the user's configuration document.
func (s *ConfigStore) SaveUserConfig(ctx context.Context, cfg schema.UserConfig) error {
	if s.pool == nil {
		return fmt.Errorf("config store: nil pool")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return fmt.Errorf("config store: user id required")
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal user config: %w", err)
	}
	if _, err := s.pool.Exec(ctx, userConfigUpsertSQL, userID, string(cfg.Mode), string(payload)); err != nil {
		return fmt.Errorf("upsert user config: %w", err)
	}
	return nil
}

// LoadUserConfig returns configstore.ErrNotFound when the user has no saved configuration.
func (s *ConfigStore) LoadUserConfig(ctx context.Context, userID string) (schema.UserConfig, error) {
	if s.pool == nil {
		return schema.UserConfig{}, fmt.Errorf("config store: nil pool")
	}
	var payload []byte
	err := s.pool.QueryRow(ctx, userConfigSelectSQL, strings.TrimSpace(userID)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.UserConfig{}, configstore.ErrNotFound
	}
	if err != nil {
		return schema.UserConfig{}, fmt.Errorf("load user config: %w", err)
	}
	var cfg schema.UserConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return schema.UserConfig{}, fmt.Errorf("decode user config: %w", err)
	}
	return cfg, nil
}

// SaveState upserts an opaque state blob.
func (s *ConfigStore) SaveState(ctx context.Context, key string, value []byte) error {
	if s.pool == nil {
		return fmt.Errorf("config store: nil pool")
	}
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("config store: state key required")
	}
	if _, err := s.pool.Exec(ctx, stateUpsertSQL, trimmed, value); err != nil {
		return fmt.Errorf("upsert state %s: %w", trimmed, err)
	}
	return nil
}

// LoadState returns configstore.ErrNotFound when key has never been saved.
func (s *ConfigStore) LoadState(ctx context.Context, key string) ([]byte, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("config store: nil pool")
	}
	var value []byte
	err := s.pool.QueryRow(ctx, stateSelectSQL, strings.TrimSpace(key)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, configstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", key, err)
	}
	return value, nil
}

// AppendTrade journals a closed trade. Re-appending the same ID is a no-op.
func (s *ConfigStore) AppendTrade(ctx context.Context, trade configstore.TradeRecord) error {
	if s.pool == nil {
		return fmt.Errorf("config store: nil pool")
	}
	if strings.TrimSpace(trade.ID) == "" {
		return fmt.Errorf("config store: trade id required")
	}
	values := [4]float64{trade.Quantity, trade.EntryPrice, trade.ExitPrice, trade.RealizedPnL}
	var numerics [4]pgtype.Numeric
	for i, v := range values {
		n, err := numericFromFloat(v)
		if err != nil {
			return fmt.Errorf("trade %s: %w", trade.ID, err)
		}
		numerics[i] = n
	}
	closedAt := trade.ClosedAt.UTC()
	if trade.ClosedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, tradeInsertSQL,
		trade.ID,
		trade.Symbol,
		trade.Venue,
		string(trade.Side),
		numerics[0],
		numerics[1],
		numerics[2],
		numerics[3],
		trade.Reason,
		closedAt,
	); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// TradesSince lists trades closed at or after since, oldest first. limit <= 0 means no limit.
func (s *ConfigStore) TradesSince(ctx context.Context, since time.Time, limit int) ([]configstore.TradeRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("config store: nil pool")
	}
	query := tradeSelectSQL
	args := []any{since.UTC()}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []configstore.TradeRecord
	for rows.Next() {
		var (
			record     configstore.TradeRecord
			side       string
			qty, entry pgtype.Numeric
			exit, pnl  pgtype.Numeric
		)
		if err := rows.Scan(&record.ID, &record.Symbol, &record.Venue, &side, &qty, &entry, &exit, &pnl, &record.Reason, &record.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		record.Side = schema.Side(side)
		for _, pair := range []struct {
			src pgtype.Numeric
			dst *float64
		}{
			{qty, &record.Quantity},
			{entry, &record.EntryPrice},
			{exit, &record.ExitPrice},
			{pnl, &record.RealizedPnL},
		} {
			v, err := floatFromNumeric(pair.src)
			if err != nil {
				return nil, fmt.Errorf("trade %s: %w", record.ID, err)
			}
			*pair.dst = v
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return out, nil
}
