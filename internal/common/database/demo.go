// internal/common/database/demo.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// DemoEndDate is the last day of seeded data.
var DemoEndDate = time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

var (
	demoCities     = []string{"Casablanca", "Marrakech", "Rabat", "Tangier", "Fes", "Agadir"}
	demoCategories = []string{"fashion", "electronics", "travel", "home", "beauty"}
	demoDevices    = []string{"mobile", "desktop", "tablet"}
	demoChannels   = []string{"card", "bank_transfer", "cash"}
)

// DemoOptions shapes the seeded warehouse. Zero values take defaults.
type DemoOptions struct {
	End          time.Time
	Days         int
	Merchants    int
	Users        int
	ZeroDisputes bool
}

func (o DemoOptions) withDefaults() DemoOptions {
	if o.End.IsZero() {
		o.End = DemoEndDate
	}
	if o.Days <= 0 {
		o.Days = 184
	}
	if o.Merchants <= 0 {
		o.Merchants = 12
	}
	if o.Users <= 0 {
		o.Users = 60
	}
	return o
}

// DemoSchema returns the DDL for every allowlisted table.
func DemoSchema(d Dialect) []string {
	date := d.DateType()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kpi_daily (date %s PRIMARY KEY, gmv REAL, orders_count INTEGER, approval_rate REAL, active_users INTEGER, repeat_user_rate REAL, late_rate REAL, delinquency_rate REAL, dispute_rate REAL, refund_rate REAL, checkout_conversion REAL, net_margin REAL)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS user_features_daily (user_id TEXT, date %s, on_time_rate_30d REAL, on_time_rate_90d REAL, late_days_sum_30d INTEGER, late_days_sum_90d INTEGER, installment_count_90d INTEGER, avg_installment_amount_30d REAL, device_change_count_30d INTEGER, dispute_rate_90d REAL, account_age_days INTEGER)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS merchant_features_daily (merchant_id TEXT, date %s, approval_rate_30d REAL, late_rate_30d REAL, dispute_rate_30d REAL, refund_rate_30d REAL, order_count_30d INTEGER, gmv_30d REAL)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cohorts_signup_week (signup_week %s PRIMARY KEY, user_count INTEGER, late_rate_30d REAL, avg_order_amount REAL)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS user_risk_scores (user_id TEXT PRIMARY KEY, score REAL, band TEXT, model_version TEXT, scored_at %s)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (user_id TEXT PRIMARY KEY, signup_date %s, signup_week %s, kyc_level TEXT, city TEXT, device_fingerprint TEXT, account_status TEXT)`, date, date),
		`CREATE TABLE IF NOT EXISTS merchants (merchant_id TEXT PRIMARY KEY, merchant_name TEXT, category TEXT, city TEXT, risk_tier TEXT)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS orders (order_id TEXT PRIMARY KEY, user_id TEXT, merchant_id TEXT, amount REAL, currency TEXT, status TEXT, created_at %s)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS installments (installment_id TEXT PRIMARY KEY, order_id TEXT, amount REAL, due_date %s, paid_date %s, status TEXT, late_days INTEGER)`, date, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS payments (payment_id TEXT PRIMARY KEY, installment_id TEXT, amount REAL, payment_channel TEXT, paid_at %s)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS disputes_returns (case_id TEXT PRIMARY KEY, order_id TEXT, reason TEXT, amount REAL, outcome TEXT, opened_at %s)`, date),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS checkout_events (session_id TEXT PRIMARY KEY, user_id TEXT, merchant_id TEXT, device TEXT, last_step TEXT, started_at %s)`, date),
	}
}

type demoOrder struct {
	id       string
	day      int
	user     int
	merchant int
	amount   float64
	status   string
}

type demoInstallment struct {
	id       string
	order    *demoOrder
	amount   float64
	due      int
	paid     int // -1 when unpaid
	status   string
	lateDays int
}

type demoData struct {
	opts         DemoOptions
	start        time.Time
	orders       []*demoOrder
	installments []*demoInstallment
	signup       []int // day offset per user, may be negative
}

func (g *demoData) date(day int) string {
	return g.start.AddDate(0, 0, day).Format(dateLayout)
}

// SeedDemo creates the schema and loads a deterministic BNPL dataset ending
// at opts.End. Existing rows are left alone; seed into an empty database.
func SeedDemo(ctx context.Context, store SQLStore, opts DemoOptions) error {
	opts = opts.withDefaults()
	db := store.GetDB()
	d := store.Dialect()

	for _, stmt := range DemoSchema(d) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create demo schema: %w", err)
		}
	}

	g := generateDemo(opts)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	steps := []func(context.Context, *sql.Tx, Dialect) error{
		g.insertMerchants,
		g.insertUsers,
		g.insertOrders,
		g.insertInstallments,
		g.insertDisputes,
		g.insertCheckouts,
		g.insertKPIDaily,
		g.insertMerchantFeatures,
		g.insertUserFeatures,
		g.insertCohorts,
		g.insertRiskScores,
	}
	for _, step := range steps {
		if err := step(ctx, tx, d); err != nil {
			return fmt.Errorf("seed demo: %w", err)
		}
	}
	return tx.Commit()
}

func generateDemo(opts DemoOptions) *demoData {
	g := &demoData{
		opts:  opts,
		start: opts.End.AddDate(0, 0, -(opts.Days - 1)),
	}

	g.signup = make([]int, opts.Users+1)
	for u := 1; u <= opts.Users; u++ {
		g.signup[u] = (u*11)%(opts.Days) - 60
	}

	seq := 0
	for day := 0; day < opts.Days; day++ {
		perDay := 3 + day%3
		for n := 0; n < perDay; n++ {
			seq++
			o := &demoOrder{
				id:       fmt.Sprintf("order_%06d", seq),
				day:      day,
				user:     (day*7+n*13)%opts.Users + 1,
				merchant: (day*5+n*3)%opts.Merchants + 1,
				amount:   float64(200 + (day*37+n*91)%1800),
				status:   "approved",
			}
			switch {
			case seq%10 == 0:
				o.status = "declined"
			case !opts.ZeroDisputes && seq%23 == 0:
				o.status = "disputed"
			case seq%17 == 0:
				o.status = "refunded"
			}
			g.orders = append(g.orders, o)
		}
	}

	inst := 0
	for k, o := range g.orders {
		if o.status == "declined" {
			continue
		}
		for i := 1; i <= 4; i++ {
			inst++
			in := &demoInstallment{
				id:     fmt.Sprintf("inst_%07d", inst),
				order:  o,
				amount: o.amount / 4,
				due:    o.day + 30*(i-1),
				paid:   -1,
				status: "pending",
			}
			if in.due <= opts.Days-1 {
				switch {
				case (k+i)%41 == 0:
					in.status = "defaulted"
					in.lateDays = opts.Days - 1 - in.due
				case (k+i)%9 == 0:
					in.status = "late"
					in.lateDays = 3 + (k+i)%12
					in.paid = in.due + in.lateDays
				default:
					in.status = "paid"
					in.paid = in.due
				}
			}
			g.installments = append(g.installments, in)
		}
	}
	return g
}

// ==========================
// Inserts
// ==========================

func insertStmt(d Dialect, table string, columns ...string) string {
	ph := make([]string, len(columns))
	for i := range columns {
		ph[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(ph, ", "))
}

func bulk(ctx context.Context, tx *sql.Tx, query string, rows [][]interface{}) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			return err
		}
	}
	return nil
}

func merchantID(i int) string { return fmt.Sprintf("merchant_%04d", i) }
func userID(i int) string     { return fmt.Sprintf("user_%05d", i) }

func (g *demoData) insertMerchants(ctx context.Context, tx *sql.Tx, d Dialect) error {
	tiers := []string{"low", "medium", "high"}
	var rows [][]interface{}
	for i := 1; i <= g.opts.Merchants; i++ {
		cat := demoCategories[(i-1)%len(demoCategories)]
		rows = append(rows, []interface{}{
			merchantID(i),
			fmt.Sprintf("%s store %d", strings.Title(cat), i), //nolint:staticcheck
			cat,
			demoCities[(i-1)%len(demoCities)],
			tiers[i%len(tiers)],
		})
	}
	return bulk(ctx, tx, insertStmt(d, "merchants", "merchant_id", "merchant_name", "category", "city", "risk_tier"), rows)
}

func (g *demoData) insertUsers(ctx context.Context, tx *sql.Tx, d Dialect) error {
	levels := []string{"basic", "standard", "full"}
	var rows [][]interface{}
	for u := 1; u <= g.opts.Users; u++ {
		signup := g.start.AddDate(0, 0, g.signup[u])
		status := "active"
		if u%17 == 0 {
			status = "suspended"
		}
		rows = append(rows, []interface{}{
			userID(u),
			signup.Format(dateLayout),
			weekStart(signup).Format(dateLayout),
			levels[u%len(levels)],
			demoCities[u%len(demoCities)],
			fmt.Sprintf("dev_%05d", u),
			status,
		})
	}
	return bulk(ctx, tx, insertStmt(d, "users", "user_id", "signup_date", "signup_week", "kyc_level", "city", "device_fingerprint", "account_status"), rows)
}

func (g *demoData) insertOrders(ctx context.Context, tx *sql.Tx, d Dialect) error {
	rows := make([][]interface{}, 0, len(g.orders))
	for _, o := range g.orders {
		rows = append(rows, []interface{}{o.id, userID(o.user), merchantID(o.merchant), o.amount, "MAD", o.status, g.date(o.day)})
	}
	return bulk(ctx, tx, insertStmt(d, "orders", "order_id", "user_id", "merchant_id", "amount", "currency", "status", "created_at"), rows)
}

func (g *demoData) insertInstallments(ctx context.Context, tx *sql.Tx, d Dialect) error {
	var instRows, payRows [][]interface{}
	for i, in := range g.installments {
		var paid interface{}
		if in.paid >= 0 {
			paid = g.date(in.paid)
			payRows = append(payRows, []interface{}{
				fmt.Sprintf("payment_%07d", i+1), in.id, in.amount, demoChannels[i%len(demoChannels)], g.date(in.paid),
			})
		}
		instRows = append(instRows, []interface{}{in.id, in.order.id, in.amount, g.date(in.due), paid, in.status, in.lateDays})
	}
	if err := bulk(ctx, tx, insertStmt(d, "installments", "installment_id", "order_id", "amount", "due_date", "paid_date", "status", "late_days"), instRows); err != nil {
		return err
	}
	return bulk(ctx, tx, insertStmt(d, "payments", "payment_id", "installment_id", "amount", "payment_channel", "paid_at"), payRows)
}

func (g *demoData) insertDisputes(ctx context.Context, tx *sql.Tx, d Dialect) error {
	var rows [][]interface{}
	n := 0
	for _, o := range g.orders {
		var reason, outcome string
		switch o.status {
		case "disputed":
			reason, outcome = "item_not_received", []string{"open", "won", "lost"}[n%3]
		case "refunded":
			reason, outcome = "return", "refunded"
		default:
			continue
		}
		n++
		rows = append(rows, []interface{}{fmt.Sprintf("case_%06d", n), o.id, reason, o.amount, outcome, g.date(o.day)})
	}
	return bulk(ctx, tx, insertStmt(d, "disputes_returns", "case_id", "order_id", "reason", "amount", "outcome", "opened_at"), rows)
}

func (g *demoData) insertCheckouts(ctx context.Context, tx *sql.Tx, d Dialect) error {
	var rows [][]interface{}
	n := 0
	add := func(user, merchant, day int, step string) {
		n++
		rows = append(rows, []interface{}{
			fmt.Sprintf("chk_%07d", n), userID(user), merchantID(merchant), demoDevices[n%len(demoDevices)], step, g.date(day),
		})
	}
	for _, o := range g.orders {
		step := "order_approved"
		if o.status == "declined" {
			step = "checkout_complete"
		}
		add(o.user, o.merchant, o.day, step)
	}
	// abandoned sessions
	for day := 0; day < g.opts.Days; day++ {
		for k := 0; k < 2; k++ {
			add((day*3+k)%g.opts.Users+1, (day+k)%g.opts.Merchants+1, day, "checkout_start")
		}
	}
	return bulk(ctx, tx, insertStmt(d, "checkout_events", "session_id", "user_id", "merchant_id", "device", "last_step", "started_at"), rows)
}

type dayStats struct {
	gmv, refunds                             float64
	orders, approved, disputed, refunded     int
	due, late, defaulted, sessions, converts int
	users                                    map[int]bool
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (g *demoData) insertKPIDaily(ctx context.Context, tx *sql.Tx, d Dialect) error {
	stats := make([]dayStats, g.opts.Days)
	for i := range stats {
		stats[i].users = map[int]bool{}
	}
	for _, o := range g.orders {
		s := &stats[o.day]
		s.orders++
		s.users[o.user] = true
		s.sessions++
		if o.status != "declined" {
			s.approved++
			s.converts++
		}
		switch o.status {
		case "approved":
			s.gmv += o.amount
		case "disputed":
			s.disputed++
		case "refunded":
			s.refunded++
			s.refunds += o.amount
		}
	}
	for day := range stats {
		stats[day].sessions += 2
	}
	for _, in := range g.installments {
		if in.due >= g.opts.Days || in.status == "pending" {
			continue
		}
		s := &stats[in.due]
		s.due++
		switch in.status {
		case "late":
			s.late++
		case "defaulted":
			s.defaulted++
		}
	}

	orderCount := map[int]int{}
	var rows [][]interface{}
	for day, s := range stats {
		repeat := 0
		for u := range s.users {
			orderCount[u]++
		}
		for u := range s.users {
			if orderCount[u] >= 2 {
				repeat++
			}
		}
		rows = append(rows, []interface{}{
			g.date(day),
			s.gmv,
			s.orders,
			ratio(s.approved, s.orders),
			len(s.users),
			ratio(repeat, len(s.users)),
			ratio(s.late, s.due),
			ratio(s.defaulted, s.due),
			ratio(s.disputed, s.orders),
			ratio(s.refunded, s.orders),
			ratio(s.converts, s.sessions),
			round2(s.gmv*0.045 - s.refunds*0.02),
		})
	}
	return bulk(ctx, tx, insertStmt(d, "kpi_daily", "date", "gmv", "orders_count", "approval_rate", "active_users", "repeat_user_rate", "late_rate", "delinquency_rate", "dispute_rate", "refund_rate", "checkout_conversion", "net_margin"), rows)
}

func (g *demoData) insertMerchantFeatures(ctx context.Context, tx *sql.Tx, d Dialect) error {
	lateByOrder := map[string][2]int{}
	for _, in := range g.installments {
		if in.status == "pending" {
			continue
		}
		c := lateByOrder[in.order.id]
		c[1]++
		if in.status == "late" || in.status == "defaulted" {
			c[0]++
		}
		lateByOrder[in.order.id] = c
	}

	byMerchant := make([][]*demoOrder, g.opts.Merchants+1)
	for _, o := range g.orders {
		byMerchant[o.merchant] = append(byMerchant[o.merchant], o)
	}

	var rows [][]interface{}
	for day := 0; day < g.opts.Days; day++ {
		for m := 1; m <= g.opts.Merchants; m++ {
			var total, approved, disputed, refunded, late, due int
			var gmv float64
			for _, o := range byMerchant[m] {
				if o.day > day || o.day <= day-30 {
					continue
				}
				total++
				if o.status != "declined" {
					approved++
				}
				switch o.status {
				case "approved":
					gmv += o.amount
				case "disputed":
					disputed++
				case "refunded":
					refunded++
				}
				c := lateByOrder[o.id]
				late += c[0]
				due += c[1]
			}
			rows = append(rows, []interface{}{
				merchantID(m), g.date(day),
				ratio(approved, total), ratio(late, due), ratio(disputed, total), ratio(refunded, total),
				total, gmv,
			})
		}
	}
	return bulk(ctx, tx, insertStmt(d, "merchant_features_daily", "merchant_id", "date", "approval_rate_30d", "late_rate_30d", "dispute_rate_30d", "refund_rate_30d", "order_count_30d", "gmv_30d"), rows)
}

func (g *demoData) insertUserFeatures(ctx context.Context, tx *sql.Tx, d Dialect) error {
	var rows [][]interface{}
	first := g.opts.Days - 30
	if first < 0 {
		first = 0
	}
	for day := first; day < g.opts.Days; day++ {
		for u := 1; u <= g.opts.Users; u++ {
			onTime := 1 - float64((u*7)%30)/100
			rows = append(rows, []interface{}{
				userID(u), g.date(day),
				onTime, onTime - 0.02,
				(u * 3) % 20, (u * 5) % 45,
				4 + u%9,
				float64(150 + (u*29)%400),
				u % 4,
				0.0,
				day - g.signup[u],
			})
		}
	}
	return bulk(ctx, tx, insertStmt(d, "user_features_daily", "user_id", "date", "on_time_rate_30d", "on_time_rate_90d", "late_days_sum_30d", "late_days_sum_90d", "installment_count_90d", "avg_installment_amount_30d", "device_change_count_30d", "dispute_rate_90d", "account_age_days"), rows)
}

func (g *demoData) insertCohorts(ctx context.Context, tx *sql.Tx, d Dialect) error {
	type cohort struct {
		users            int
		late, due, count int
		amount           float64
	}
	cohorts := map[string]*cohort{}
	var order []string
	weekOf := make([]string, g.opts.Users+1)
	for u := 1; u <= g.opts.Users; u++ {
		w := weekStart(g.start.AddDate(0, 0, g.signup[u])).Format(dateLayout)
		weekOf[u] = w
		if cohorts[w] == nil {
			cohorts[w] = &cohort{}
			order = append(order, w)
		}
		cohorts[w].users++
	}
	for _, o := range g.orders {
		c := cohorts[weekOf[o.user]]
		c.count++
		c.amount += o.amount
	}
	for _, in := range g.installments {
		if in.status == "pending" {
			continue
		}
		c := cohorts[weekOf[in.order.user]]
		c.due++
		if in.status == "late" || in.status == "defaulted" {
			c.late++
		}
	}

	var rows [][]interface{}
	for _, w := range order {
		c := cohorts[w]
		avg := 0.0
		if c.count > 0 {
			avg = round2(c.amount / float64(c.count))
		}
		rows = append(rows, []interface{}{w, c.users, ratio(c.late, c.due), avg})
	}
	return bulk(ctx, tx, insertStmt(d, "cohorts_signup_week", "signup_week", "user_count", "late_rate_30d", "avg_order_amount"), rows)
}

// RiskBand maps a late-payment probability to its band.
func RiskBand(score float64) string {
	switch {
	case score < 0.3:
		return "low"
	case score < 0.5:
		return "medium"
	case score < 0.75:
		return "high"
	default:
		return "very_high"
	}
}

// DemoRiskScore is the seeded score for user index u.
func DemoRiskScore(u int) float64 {
	return float64((u*37)%100) / 100
}

func (g *demoData) insertRiskScores(ctx context.Context, tx *sql.Tx, d Dialect) error {
	var rows [][]interface{}
	for u := 1; u <= g.opts.Users; u++ {
		score := DemoRiskScore(u)
		rows = append(rows, []interface{}{userID(u), score, RiskBand(score), "UC2-rf_bnpl_v1", g.opts.End.Format(dateLayout)})
	}
	return bulk(ctx, tx, insertStmt(d, "user_risk_scores", "user_id", "score", "band", "model_version", "scored_at"), rows)
}

func weekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

func round2(f float64) float64 {
	if f < 0 {
		return -round2(-f)
	}
	return float64(int64(f*100+0.5)) / 100
}

// LatestDataDate returns the most recent day present in kpi_daily.
func LatestDataDate(ctx context.Context, db *sql.DB) (time.Time, error) {
	var raw interface{}
	if err := db.QueryRowContext(ctx, "SELECT MAX(date) FROM kpi_daily").Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("latest data date: %w", err)
	}
	switch v := NormalizeValue(raw).(type) {
	case nil:
		return time.Time{}, fmt.Errorf("latest data date: kpi_daily is empty")
	case string:
		t, err := time.Parse(dateLayout, v[:min(len(v), len(dateLayout))])
		if err != nil {
			return time.Time{}, fmt.Errorf("latest data date: %w", err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("latest data date: unexpected value %T", v)
	}
}
