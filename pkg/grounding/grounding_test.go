package grounding

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bnpl-copilot/internal/models"
)

func sampleResult() *models.ResultSet {
	pop := int64(40)
	return &models.ResultSet{
		Columns: []string{"merchant_id", "dispute_rate", "gmv"},
		Rows: []models.Row{
			{"merchant_id": "merchant_007", "dispute_rate": 0.0425, "gmv": 1234567.891},
			{"merchant_id": "merchant_012", "dispute_rate": 0.0, "gmv": int64(980)},
		},
		RowCount:   2,
		Population: &pop,
		Window: models.NewTimeWindow(
			time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC),
		),
	}
}

// ==========================
// Tokens
// ==========================

func TestTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []float64
	}{
		{name: "plain and separators", text: "GMV was 1,234,567.89 MAD over 2 merchants", want: []float64{1234567.89, 2}},
		{name: "percent", text: "dispute rate 4.3%", want: []float64{4.3}},
		{name: "identifiers skipped", text: "user_00042 and Q4 and merchant_7", want: nil},
		{name: "scale suffix", text: "about 1.2M in sales and 3k users", want: []float64{1.2e6, 3e3}},
		{name: "unit word is not a suffix", text: "980MAD", want: []float64{980}},
		{name: "signs and verbs", text: "(-40.6%) after it fell by 3 and rose 2", want: []float64{-40.6, -3, 2}},
		{name: "unicode minus", text: "a change of −1.5 pp", want: []float64{-1.5}},
		{name: "hyphen after identifier is not a sign", text: "Q4-2025 and 1-2", want: []float64{2025, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []float64
			for _, tok := range Tokens(tt.text) {
				got = append(got, tok.Value)
			}
			assert.InDeltaSlice(t, tt.want, got, 1e-6)
		})
	}
}

// ==========================
// Check
// ==========================

func TestCheck(t *testing.T) {
	facts := FromResult(sampleResult()).Add(3)

	tests := []struct {
		name      string
		text      string
		expectErr string
	}{
		{name: "cell value rounded", text: "merchant_007 leads with 1,234,567.89 MAD."},
		{name: "fraction as percent", text: "Its dispute rate is 4.25%, the highest of the top 3."},
		{name: "percent at lower precision", text: "roughly 4.3% of orders were disputed"},
		{name: "zero rate", text: "0% dispute rate across 40 merchants"},
		{name: "integer cell", text: "merchant_012 sold 980 MAD"},
		{name: "window dates", text: "between 2025-11-01 and 2025-11-30 (30 days)"},
		{name: "month and year", text: "in November 2025"},
		{name: "scaled amount", text: "about 1.2M MAD"},
		{name: "invented number", text: "GMV grew 17% month over month", expectErr: "17"},
		{name: "invented date", text: "since 2024-01-01", expectErr: "2024-01-01"},
		{name: "wrong precision", text: "dispute rate of 4.1%", expectErr: "4.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.text, facts)
			if tt.expectErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUngrounded)
				assert.Contains(t, err.Error(), tt.expectErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func comparisonResult() *models.ResultSet {
	return &models.ResultSet{
		Columns: []string{"gmv", "gmv_previous", "gmv_change", "gmv_pct_change", "dispute_rate", "dispute_rate_change"},
		Rows: []models.Row{{
			"gmv":                 116213.0,
			"gmv_previous":        82630.0,
			"gmv_change":          33583.0,
			"gmv_pct_change":      40.64,
			"dispute_rate":        0.031,
			"dispute_rate_change": -0.004,
		}},
		RowCount: 1,
	}
}

func TestCheck_DirectionAndScale(t *testing.T) {
	facts := FromResult(comparisonResult())

	tests := []struct {
		name      string
		text      string
		expectErr string
	}{
		{name: "rise with signed percent", text: "GMV rose by 33,583 MAD (+40.6%) to 116,213 MAD."},
		{name: "unsigned percent change", text: "GMV grew 40.6% on the previous period."},
		{name: "rate fall in points", text: "The dispute rate was down 0.4 pp to 3.1%."},
		{name: "unicode minus on points", text: "dispute rate −0.4 pp"},
		{name: "raw fraction", text: "a dispute rate of 0.031"},
		{name: "fall contradicts a rise", text: "GMV fell by 33,583 MAD (-40.6%) to 116,213 MAD.", expectErr: "-33,583"},
		{name: "negative percent contradicts a rise", text: "GMV moved -40.6% against October.", expectErr: "-40.6"},
		{name: "rise contradicts a fall", text: "The dispute rate rose 0.4 pp.", expectErr: "0.4"},
		{name: "unsigned number for a negative fact", text: "a change of 0.4 pp", expectErr: "0.4"},
		{name: "percent change is not a fraction", text: "GMV rose 4064%.", expectErr: "4064"},
		{name: "amount is not a fraction", text: "GMV reached 8,263,000%.", expectErr: "8,263,000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.text, facts)
			if tt.expectErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUngrounded)
				assert.Contains(t, err.Error(), tt.expectErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFacts_WithFractions(t *testing.T) {
	rs := &models.ResultSet{
		Columns:  []string{"checkout_conversion"},
		Rows:     []models.Row{{"checkout_conversion": 0.62}},
		RowCount: 1,
	}

	assert.Error(t, Check("conversion was 62%", FromResult(rs)))

	facts := NewFacts().
		WithFractions(func(column string) bool { return column == "checkout_conversion" }).
		AddResult(rs)
	assert.NoError(t, Check("conversion was 62%", facts))
	assert.NoError(t, Check("risk above 80%", NewFacts().AddFraction(0.8)))
	assert.Error(t, Check("risk above 80%", NewFacts().Add(0.8)))
}

func TestCheckAll_StopsAtFirstFailure(t *testing.T) {
	facts := NewFacts().Add(12)
	err := CheckAll([]string{"12 users", "13 users", "14 users"}, facts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "13")
}

func TestAddResult_Nil(t *testing.T) {
	facts := FromResult(nil)
	assert.Error(t, Check("1 row", facts))
	assert.NoError(t, Check("no rows", facts))
}
