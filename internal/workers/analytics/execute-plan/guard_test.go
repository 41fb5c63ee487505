package executeplan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bnpl-copilot/internal/common/database"
	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
	validateresult "bnpl-copilot/internal/workers/analytics/validate-result"
	"bnpl-copilot/pkg/registry"
)

// ==========================
// Read-only statement check
// ==========================

func TestReadOnly(t *testing.T) {
	reg := registry.MustLoadDefault()

	tests := []struct {
		name    string
		sql     string
		wantErr error
	}{
		{
			name: "rendered select",
			sql:  `SELECT SUM("kpi_daily"."gmv") AS "gmv" FROM "kpi_daily" WHERE "kpi_daily"."date" >= $1 LIMIT 2`,
		},
		{
			name: "join between allowlisted tables",
			sql:  `SELECT "merchants"."city" AS "city", COUNT(*) AS "orders" FROM "orders" JOIN "merchants" ON "orders"."merchant_id" = "merchants"."merchant_id" GROUP BY "merchants"."city"`,
		},
		{
			name: "single trailing semicolon",
			sql:  "SELECT user_id FROM users;",
		},
		{
			name: "keyword inside a string literal",
			sql:  "SELECT order_id FROM orders WHERE status = 'update; drop -- pending'",
		},
		{
			name: "keyword as a quoted alias",
			sql:  `SELECT "orders"."status" AS "replace" FROM "orders"`,
		},
		{
			name: "keyword as part of an identifier",
			sql:  "SELECT updated_status, created_total FROM orders",
		},
		{
			name:    "second statement",
			sql:     "SELECT 1 FROM orders; DROP TABLE orders",
			wantErr: ErrMultipleStmt,
		},
		{
			name:    "line comment",
			sql:     "SELECT user_id FROM users -- hide the rest",
			wantErr: ErrSQLComment,
		},
		{
			name:    "block comment",
			sql:     "SELECT /* x */ user_id FROM users",
			wantErr: ErrSQLComment,
		},
		{
			name:    "write statement",
			sql:     "DELETE FROM orders",
			wantErr: ErrNotReadOnly,
		},
		{
			name:    "function named after a blocked keyword",
			sql:     "SELECT replace(status, 'a', 'b') FROM orders",
			wantErr: ErrBlockedKeyword,
		},
		{
			name:    "lower case pragma",
			sql:     "select 1 from orders where pragma_x = 1 or 1 in (select 1 from pragma table_info)",
			wantErr: ErrBlockedKeyword,
		},
		{
			name:    "table outside the allowlist",
			sql:     "SELECT * FROM secrets",
			wantErr: ErrUnknownTable,
		},
		{
			name:    "join outside the allowlist",
			sql:     `SELECT 1 FROM "orders" JOIN "api_keys" ON 1 = 1`,
			wantErr: ErrUnknownTable,
		},
		{
			name:    "schema-qualified table",
			sql:     "SELECT * FROM public.orders",
			wantErr: ErrUnknownTable,
		},
		{
			name:    "common table expression name",
			sql:     "WITH recent AS (SELECT * FROM orders) SELECT * FROM recent",
			wantErr: ErrUnknownTable,
		},
		{
			name:    "unterminated literal",
			sql:     "SELECT * FROM orders WHERE status = 'open",
			wantErr: ErrUnterminated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ReadOnly(tt.sql, reg.HasTable)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

// ==========================
// Plan guard
// ==========================

func TestGuard_Check(t *testing.T) {
	reg := registry.MustLoadDefault()
	guard := NewGuard(reg, database.DialectPostgres, 1830)

	ordersQuery := func(mutate func(q *models.QuerySpec)) models.ToolCall {
		q := models.QuerySpec{
			Table: "orders",
			Select: []models.SelectItem{
				{Alias: "status", Column: &models.ColumnRef{Table: "orders", Column: "status"}},
				{Alias: "orders", Aggregation: models.AggCount},
			},
			DateColumn: &models.ColumnRef{Table: "orders", Column: "created_at"},
			Window:     november,
			GroupBy:    []models.ColumnRef{{Table: "orders", Column: "status"}},
			OrderBy:    "orders",
			Order:      models.SortDesc,
			Limit:      100,
		}
		if mutate != nil {
			mutate(&q)
		}
		return models.ToolCall{Tool: models.ToolSQLQuery, Role: models.RolePrimary, Query: &q}
	}
	zero := 0
	one := 1

	tests := []struct {
		name      string
		calls     []models.ToolCall
		wantErr   bool
		errSubstr string
	}{
		{
			name:  "kpi fetch with comparison and trace",
			calls: []models.ToolCall{kpiCall("gmv", november, models.RolePrimary), kpiCall("gmv", october, models.RolePrevious), traceCall()},
		},
		{
			name:  "sql query with schema lookup",
			calls: []models.ToolCall{schemaCall("orders"), ordersQuery(nil), traceCall()},
		},
		{
			name: "risk lookup reading the primary call",
			calls: []models.ToolCall{
				usersListing(),
				{Tool: models.ToolRiskLookup, Role: models.RoleEnrichment, Risk: &models.RiskArgs{FromCall: &zero, MinScore: 0.8, Limit: 100}},
			},
		},
		{
			name:      "unknown KPI",
			calls:     []models.ToolCall{kpiCall("churn_rate", november, models.RolePrimary)},
			wantErr:   true,
			errSubstr: "unknown KPI",
		},
		{
			name:      "schema lookup of an unknown table",
			calls:     []models.ToolCall{schemaCall("secrets")},
			wantErr:   true,
			errSubstr: "UNKNOWN_TABLE",
		},
		{
			name: "query over an unknown table",
			calls: []models.ToolCall{ordersQuery(func(q *models.QuerySpec) {
				q.Table = "secrets"
			})},
			wantErr:   true,
			errSubstr: "UNKNOWN_TABLE",
		},
		{
			name: "column outside the allowlist",
			calls: []models.ToolCall{ordersQuery(func(q *models.QuerySpec) {
				q.Select = append(q.Select, models.SelectItem{Alias: "card", Column: &models.ColumnRef{Table: "orders", Column: "card_number"}})
			})},
			wantErr:   true,
			errSubstr: "orders.card_number",
		},
		{
			name: "column of a table that is not joined",
			calls: []models.ToolCall{ordersQuery(func(q *models.QuerySpec) {
				q.Filters = []models.QueryFilter{{Ref: models.ColumnRef{Table: "merchants", Column: "city"}, Values: []string{"Rabat"}}}
			})},
			wantErr:   true,
			errSubstr: "is not in the query",
		},
		{
			name: "alias carrying a statement",
			calls: []models.ToolCall{ordersQuery(func(q *models.QuerySpec) {
				q.Select[1].Alias = `orders"; DROP TABLE orders; --`
				q.OrderBy = q.Select[1].Alias
			})},
			wantErr:   true,
			errSubstr: "INVALID_ALIAS",
		},
		{
			name: "order by a column that is not selected",
			calls: []models.ToolCall{ordersQuery(func(q *models.QuerySpec) {
				q.OrderBy = "amount"
			})},
			wantErr:   true,
			errSubstr: "INVALID_ALIAS",
		},
		{
			name: "window ending before it starts",
			calls: []models.ToolCall{ordersQuery(func(q *models.QuerySpec) {
				q.Window = models.TimeWindow{Start: november.End, End: november.Start}
			})},
			wantErr:   true,
			errSubstr: "INVALID_WINDOW",
		},
		{
			name:      "window longer than allowed",
			calls:     []models.ToolCall{kpiCall("gmv", window("2010-01-01", "2025-12-31"), models.RolePrimary)},
			wantErr:   true,
			errSubstr: "INVALID_WINDOW",
		},
		{
			name: "risk lookup reading a later call",
			calls: []models.ToolCall{
				{Tool: models.ToolRiskLookup, Role: models.RoleEnrichment, Risk: &models.RiskArgs{FromCall: &one, MinScore: 0.5}},
				usersListing(),
			},
			wantErr:   true,
			errSubstr: "INVALID_ARGUMENTS",
		},
		{
			name: "risk threshold outside the score range",
			calls: []models.ToolCall{
				{Tool: models.ToolRiskLookup, Role: models.RoleEnrichment, Risk: &models.RiskArgs{UserIDs: []string{"user_00001"}, MinScore: 1.5}},
			},
			wantErr:   true,
			errSubstr: "outside [0,1]",
		},
		{
			name:      "unknown tool",
			calls:     []models.ToolCall{{Tool: models.ToolKind("shell"), Role: models.RolePrimary}},
			wantErr:   true,
			errSubstr: "UNKNOWN_TOOL",
		},
		{
			name:      "missing arguments",
			calls:     []models.ToolCall{{Tool: models.ToolSQLQuery, Role: models.RolePrimary}},
			wantErr:   true,
			errSubstr: "INVALID_ARGUMENTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Check(&models.Plan{ID: "plan_test", Calls: tt.calls})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeGuardrailViolation, apperrors.CodeOf(err))
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestGuard_Check_WidenedRetryStaysInBounds(t *testing.T) {
	guard := NewGuard(registry.MustLoadDefault(), database.DialectSQLite, models.MaxWindowDays)
	threeYears := window("2023-01-01", "2025-12-31")
	plan := &models.Plan{
		ID:         "plan_long",
		Metrics:    []string{"gmv"},
		Window:     threeYears,
		Comparison: true,
		Calls: []models.ToolCall{
			kpiCall("gmv", threeYears, models.RolePrimary),
			kpiCall("gmv", threeYears.Previous(), models.RolePrevious),
			traceCall(),
		},
	}
	require.NoError(t, guard.Check(plan))

	retry, ok := validateresult.Replan(plan, apperrors.ErrCodeAnomalousValue)
	require.True(t, ok)
	require.NoError(t, guard.Check(retry))
	assert.Equal(t, models.MaxWindowDays, retry.Calls[0].Window().Days())
	assert.LessOrEqual(t, retry.Calls[1].Window().Days(), models.MaxWindowDays)
}
