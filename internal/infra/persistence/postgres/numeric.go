package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// decimalFromText parses a NUMERIC column rendered as text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("numeric value required")
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return parsed, nil
}

// optionalDecimal converts a nullable NUMERIC column into a decimal pointer.
func optionalDecimal(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	parsed, err := decimalFromText(value.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// decimalArg renders a decimal for a NUMERIC parameter.
func decimalArg(value decimal.Decimal) string {
	return value.String()
}

// nullableDecimalArg renders an optional decimal for a NUMERIC parameter.
func nullableDecimalArg(ptr *decimal.Decimal) any {
	if ptr == nil {
		return nil
	}
	return ptr.String()
}

// nullableUnixArg renders an optional timestamp as unix seconds for to_timestamp.
func nullableUnixArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// nullableInt64Arg passes through an optional BIGINT parameter.
func nullableInt64Arg(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

// nullableUUIDArg passes through an optional UUID parameter.
func nullableUUIDArg(ptr *uuid.UUID) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

// textArg renders an optional typed-string parameter.
func textArg[T ~string](ptr *T) any {
	if ptr == nil {
		return nil
	}
	return string(*ptr)
}

// optionalTime converts a nullable TIMESTAMPTZ column into a time pointer.
func optionalTime(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

// optionalUUID converts a nullable UUID column into a uuid pointer.
func optionalUUID(value pgtype.UUID) *uuid.UUID {
	if !value.Valid {
		return nil
	}
	id := uuid.UUID(value.Bytes)
	return &id
}

// optionalInt64 converts a nullable BIGINT column into an int64 pointer.
func optionalInt64(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}
