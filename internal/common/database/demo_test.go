package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bnpl-copilot/internal/common/config"
)

func openDemo(t *testing.T, opts DemoOptions) *SQLiteClient {
	t.Helper()
	store, err := NewSQLite(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, SeedDemo(context.Background(), store, opts))
	return store
}

func count(t *testing.T, store SQLStore, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, store.GetDB().QueryRow(query, args...).Scan(&n))
	return n
}

func TestSeedDemo_PopulatesEveryTable(t *testing.T) {
	store := openDemo(t, DemoOptions{})

	for _, table := range []string{
		"kpi_daily", "user_features_daily", "merchant_features_daily", "cohorts_signup_week",
		"user_risk_scores", "users", "merchants", "orders", "installments", "payments",
		"disputes_returns", "checkout_events",
	} {
		assert.Positive(t, count(t, store, "SELECT COUNT(*) FROM "+table), table)
	}

	assert.EqualValues(t, 184, count(t, store, "SELECT COUNT(*) FROM kpi_daily"))
	assert.EqualValues(t, 12, count(t, store, "SELECT COUNT(*) FROM merchants"))
	assert.EqualValues(t, 60, count(t, store, "SELECT COUNT(*) FROM users"))
	assert.EqualValues(t, 184*12, count(t, store, "SELECT COUNT(*) FROM merchant_features_daily"))
}

func TestSeedDemo_CasablancaHighRiskUsers(t *testing.T) {
	store := openDemo(t, DemoOptions{})

	rows, err := store.GetDB().Query(`
		SELECT r.user_id FROM user_risk_scores r
		JOIN users u ON u.user_id = r.user_id
		WHERE u.city = ? AND r.score >= ?
		ORDER BY r.user_id`, "Casablanca", 0.8)
	require.NoError(t, err)
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"user_00024", "user_00054"}, ids)
}

func TestSeedDemo_ZeroDisputes(t *testing.T) {
	store := openDemo(t, DemoOptions{ZeroDisputes: true})

	assert.Zero(t, count(t, store, "SELECT COUNT(*) FROM orders WHERE status = 'disputed'"))
	assert.Zero(t, count(t, store, "SELECT COUNT(*) FROM merchant_features_daily WHERE dispute_rate_30d > 0"))
	assert.Positive(t, count(t, store, "SELECT COUNT(*) FROM merchant_features_daily"))
}

func TestLatestDataDate(t *testing.T) {
	store := openDemo(t, DemoOptions{End: time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), Days: 60})

	latest, err := LatestDataDate(context.Background(), store.GetDB())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), latest)
}

func TestRiskBand(t *testing.T) {
	tests := []struct {
		score    float64
		expected string
	}{
		{0.1, "low"},
		{0.3, "medium"},
		{0.5, "high"},
		{0.75, "very_high"},
		{0.98, "very_high"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, RiskBand(tt.score))
	}
}
