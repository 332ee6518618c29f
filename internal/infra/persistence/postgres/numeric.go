package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromFloat converts a float into a pgtype.Numeric using its shortest
// decimal representation.
func numericFromFloat(value float64) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	text := decimal.NewFromFloat(value).String()
	if err := out.Scan(text); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", text, err)
	}
	return out, nil
}

// floatFromNumeric converts a scanned NUMERIC column back into a float. NULL maps to zero.
func floatFromNumeric(value pgtype.Numeric) (float64, error) {
	if !value.Valid {
		return 0, nil
	}
	f, err := value.Float64Value()
	if err != nil {
		return 0, fmt.Errorf("numeric to float: %w", err)
	}
	return f.Float64, nil
}
