// internal/common/database/dialect.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the supported warehouses.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Quote quotes an identifier. Callers only pass allowlisted names.
func (d Dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// DateType is the column type used for calendar dates.
func (d Dialect) DateType() string {
	if d == DialectPostgres {
		return "DATE"
	}
	return "TEXT"
}

// SQLStore is a warehouse connection with a known dialect.
type SQLStore interface {
	GetDB() *sql.DB
	Dialect() Dialect
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeValue converts driver values into JSON-friendly Go values.
// Dates become YYYY-MM-DD strings and numeric text becomes float64.
func NormalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		s := string(val)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 {
			return val.Format("2006-01-02")
		}
		return val.UTC().Format(time.RFC3339)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

// ScanRows reads every row into column-keyed maps, stopping after limit rows
// when limit > 0.
func ScanRows(rows *sql.Rows, limit int) ([]string, []map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows: %w", err)
	}
	return columns, out, nil
}
