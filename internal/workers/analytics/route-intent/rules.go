// internal/workers/analytics/route-intent/rules.go
package routeintent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bnpl-copilot/internal/models"
	"bnpl-copilot/pkg/registry"
)

// intentVocabulary scores each intent by keyword occurrences.
var intentVocabulary = []struct {
	intent  models.IntentKind
	pattern *regexp.Regexp
}{
	{models.IntentGrowthAnalytics, wordPattern("gmv", "revenue", "growth", "grow", "grew", "sales", "volume", "trend", "trends", "margin", "profit", "retention", "repeat", "active")},
	{models.IntentFunnel, wordPattern("funnel", "conversion", "convert", "converted", "checkout", "checkouts", "approval", "approvals", "abandon", "abandoned", "abandonment", "drop-off", "dropoff")},
	{models.IntentRisk, wordPattern("risk", "risky", "late", "overdue", "delinquency", "delinquent", "default", "defaulted", "defaults", "credit", "score", "scores")},
	{models.IntentMerchantPerf, wordPattern("merchant", "merchants", "store", "stores", "partner", "partners", "seller", "sellers", "performance", "performing")},
	{models.IntentDisputesRefunds, wordPattern("dispute", "disputes", "disputed", "refund", "refunds", "refunded", "chargeback", "chargebacks", "return", "returns", "complaint", "complaints")},
}

var (
	comparisonPattern = regexp.MustCompile(`\b(?:vs\.?|versus|compared?|comparing|comparison|previous|prior period|month over month|mom|week over week|wow|year over year|yoy)\b`)
	explainPattern    = regexp.MustCompile(`\b(?:why|drivers?|driving|causes?|caused|reasons?|explain|explanation)\b`)
	pronounPattern    = regexp.MustCompile(`\b(?:them|those|these|they|their)\b`)
	limitPattern      = regexp.MustCompile(`\b(top|first|limit|bottom)\s+(\d{1,4})\b`)
	riskPattern       = regexp.MustCompile(`\brisk(?:\s+score)?\s*(?:above|over|greater than|higher than|>=|>|at least|of at least)\s*(\d+(?:\.\d+)?)\s*(%|percent)?`)
	unknownRate       = regexp.MustCompile(`\b([a-z]+)\s+rates?\b`)
	superlative       = regexp.MustCompile(`\b(highest|lowest|top|worst|best|most|least|largest|biggest|smallest|fewest|bottom)\b`)
	subjectPattern    = regexp.MustCompile(`\b(users?|customers?|merchants?|stores?|orders?|installments?)\b`)
	groupByPattern    = regexp.MustCompile(`\b(?:by|per|across|for each)\s+(city|cities|category|categories|merchants?|users?|customers?|cohorts?|signup week|day|status|payment channel|channel|device|kyc level|kyc|risk tier)\b`)
	dailyPattern      = regexp.MustCompile(`\bdaily\b`)
	statusPattern     = regexp.MustCompile(`\b(approved|declined|refunded|disputed|pending|late|paid|defaulted)\s+(orders|installments)\b`)

	trailingPattern = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d{1,3})\s+(day|week|month)s?\b`)
	monthPattern    = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)(?:\s+(\d{4}))?\b`)
)

// relativeWindows are checked in order after trailingPattern.
var relativeWindows = []struct {
	pattern *regexp.Regexp
	window  func(anchor time.Time) models.TimeWindow
}{
	{regexp.MustCompile(`\blast month\b`), func(d time.Time) models.TimeWindow {
		return models.MonthWindow(monthStart(d).AddDate(0, 0, -1))
	}},
	{regexp.MustCompile(`\b(?:this month|month to date|mtd)\b`), func(d time.Time) models.TimeWindow {
		return models.NewTimeWindow(monthStart(d), d)
	}},
	{regexp.MustCompile(`\blast week\b`), func(d time.Time) models.TimeWindow {
		monday := weekStart(d).AddDate(0, 0, -7)
		return models.NewTimeWindow(monday, monday.AddDate(0, 0, 6))
	}},
	{regexp.MustCompile(`\bthis week\b`), func(d time.Time) models.TimeWindow {
		return models.NewTimeWindow(weekStart(d), d)
	}},
	{regexp.MustCompile(`\blast quarter\b`), func(d time.Time) models.TimeWindow {
		q := quarterStart(d)
		return models.NewTimeWindow(q.AddDate(0, -3, 0), q.AddDate(0, 0, -1))
	}},
	{regexp.MustCompile(`\bthis quarter\b`), func(d time.Time) models.TimeWindow {
		return models.NewTimeWindow(quarterStart(d), d)
	}},
	{regexp.MustCompile(`\blast year\b`), func(d time.Time) models.TimeWindow {
		y := d.Year() - 1
		return models.NewTimeWindow(time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(y, 12, 31, 0, 0, 0, 0, time.UTC))
	}},
	{regexp.MustCompile(`\b(?:this year|ytd|year to date)\b`), func(d time.Time) models.TimeWindow {
		return models.NewTimeWindow(time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC), d)
	}},
	{regexp.MustCompile(`\byesterday\b`), func(d time.Time) models.TimeWindow {
		return models.NewTimeWindow(d.AddDate(0, 0, -1), d.AddDate(0, 0, -1))
	}},
	{regexp.MustCompile(`\btoday\b`), func(d time.Time) models.TimeWindow {
		return models.NewTimeWindow(d, d)
	}},
}

var groupColumns = map[string]string{
	"city": "city", "cities": "city",
	"category": "category", "categories": "category",
	"merchant": "merchant_id", "merchants": "merchant_id",
	"user": "user_id", "users": "user_id", "customer": "user_id", "customers": "user_id",
	"cohort": "signup_week", "cohorts": "signup_week", "signup week": "signup_week",
	"day":    registry.DateDimension,
	"status": "status",
	"channel": "payment_channel", "payment channel": "payment_channel",
	"device": "device",
	"kyc":    "kyc_level", "kyc level": "kyc_level",
	"risk tier": "risk_tier",
}

var subjectNouns = map[string]models.SubjectKind{
	"user": models.SubjectUsers, "users": models.SubjectUsers,
	"customer": models.SubjectUsers, "customers": models.SubjectUsers,
	"merchant": models.SubjectMerchants, "merchants": models.SubjectMerchants,
	"store": models.SubjectMerchants, "stores": models.SubjectMerchants,
	"order": models.SubjectOrders, "orders": models.SubjectOrders,
	"installment": models.SubjectInstallments, "installments": models.SubjectInstallments,
}

var cities = []string{"Casablanca", "Marrakech", "Rabat", "Tangier", "Fes", "Agadir"}

var categories = []string{"fashion", "electronics", "travel", "home", "beauty"}

var idPatterns = []struct {
	column  string
	pattern *regexp.Regexp
	format  string
}{
	{"user_id", regexp.MustCompile(`\buser[_ ]?(\d+)\b`), "user_%05d"},
	{"installment_id", regexp.MustCompile(`\b(?:inst|installment)[_ ]?(\d+)\b`), "inst_%07d"},
	{"order_id", regexp.MustCompile(`\border[_ ]?(\d+)\b`), "order_%06d"},
	{"merchant_id", regexp.MustCompile(`\bmerchant[_ ]?(\d+)\b`), "merchant_%04d"},
}

// rateStopWords are never taken as the name of an unknown "<word> rate" metric.
var rateStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "our": true, "my": true, "this": true, "that": true,
	"what": true, "which": true, "is": true, "its": true, "of": true, "per": true, "by": true,
	"and": true, "highest": true, "lowest": true, "best": true, "worst": true, "average": true,
}

// Reading is the rule-based interpretation of one message.
type Reading struct {
	Entities       models.ExtractedEntities
	Confidence     float64
	ExplicitIntent bool
	ExplicitWindow bool
	Pronoun        bool
}

// Rules is the deterministic classifier. It needs nothing but the registry.
type Rules struct {
	registry *registry.Registry
}

func NewRules(reg *registry.Registry) *Rules {
	return &Rules{registry: reg}
}

// Read extracts entities from text. Time phrases are anchored at anchor.
func (r *Rules) Read(text string, anchor time.Time) Reading {
	lower := strings.ToLower(text)
	anchor = models.Day(anchor)

	var rd Reading
	e := &rd.Entities

	spans := r.registry.MatchMetricSpans(lower)
	for _, s := range spans {
		e.AddMetric(s.KPI)
	}
	residual := mask(lower, spans)

	for _, m := range unknownRate.FindAllStringSubmatch(residual, -1) {
		if !rateStopWords[m[1]] {
			e.AddUnknownMetric(m[1] + "_rate")
		}
	}

	// Nouns inside "by merchant" style phrases neither vote nor name a subject.
	ungrouped := groupByPattern.ReplaceAllStringFunc(lower, blank)
	subjectText := groupByPattern.ReplaceAllStringFunc(residual, blank)

	e.Intent, rd.Confidence, e.LowConfidence = r.score(ungrouped, e.Metrics)
	rd.ExplicitIntent = e.Intent != models.IntentAdHoc

	if w, ok := readWindow(lower, anchor); ok {
		e.TimeWindow = w
		rd.ExplicitWindow = true
	}

	e.Comparison = comparisonPattern.MatchString(lower)
	e.Explain = explainPattern.MatchString(lower)
	rd.Pronoun = pronounPattern.MatchString(lower)

	for _, m := range groupByPattern.FindAllStringSubmatch(residual, -1) {
		addGroup(e, groupColumns[m[1]])
	}
	if dailyPattern.MatchString(residual) {
		addGroup(e, registry.DateDimension)
	}

	if m := subjectPattern.FindStringSubmatch(subjectText); m != nil {
		e.Subject = subjectNouns[m[1]]
	}
	if m := superlative.FindStringSubmatch(lower); m != nil {
		e.Order = models.SortDesc
		switch m[1] {
		case "lowest", "least", "smallest", "fewest", "bottom":
			e.Order = models.SortAsc
		}
		if e.Subject != models.SubjectNone && len(e.Metrics) > 0 {
			addGroup(e, e.Subject.KeyColumn())
		}
	}

	if m := limitPattern.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[2]); err == nil && n > 0 {
			e.Limit = models.IntPtr(n)
		}
	}

	if m := riskPattern.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if m[2] != "" || v > 1 {
				v /= 100
			}
			e.RiskThreshold = models.FloatPtr(v)
		}
	}

	readFilters(e, lower)
	return rd
}

// score votes for intents by keyword and by the home intent of each metric.
// A zero score reads as ad_hoc; a tied top score also flags low confidence.
func (r *Rules) score(lower string, metrics []string) (models.IntentKind, float64, bool) {
	scores := map[models.IntentKind]int{}
	total := 0
	for _, v := range intentVocabulary {
		n := len(v.pattern.FindAllStringIndex(lower, -1))
		scores[v.intent] += n
		total += n
	}
	for _, name := range metrics {
		if kpi, ok := r.registry.KPI(name); ok && kpi.HomeIntent().Valid() {
			scores[kpi.HomeIntent()]++
			total++
		}
	}
	if total == 0 {
		return models.IntentAdHoc, 0, false
	}

	best, top, tied := models.IntentAdHoc, 0, false
	for _, kind := range models.IntentKinds() {
		switch s := scores[kind]; {
		case s > top:
			best, top, tied = kind, s, false
		case s == top && s > 0:
			tied = true
		}
	}
	if tied {
		return models.IntentAdHoc, float64(top) / float64(total), true
	}
	return best, float64(top) / float64(total), false
}

func readWindow(lower string, anchor time.Time) (models.TimeWindow, bool) {
	if m := trailingPattern.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n > 0 {
			switch m[2] {
			case "day":
				return models.TrailingWindow(anchor, n), true
			case "week":
				return models.TrailingWindow(anchor, 7*n), true
			case "month":
				return models.NewTimeWindow(anchor.AddDate(0, 0, 1).AddDate(0, -n, 0), anchor), true
			}
		}
	}
	for _, rw := range relativeWindows {
		if rw.pattern.MatchString(lower) {
			return rw.window(anchor), true
		}
	}
	for _, m := range monthPattern.FindAllStringSubmatch(lower, -1) {
		// "may" on its own is usually the verb.
		if m[1] == "may" && m[2] == "" {
			continue
		}
		month, err := time.Parse("January", strings.ToUpper(m[1][:1])+m[1][1:])
		if err != nil {
			continue
		}
		year := anchor.Year()
		if m[2] != "" {
			year, _ = strconv.Atoi(m[2])
		} else if month.Month() > anchor.Month() {
			year--
		}
		return models.MonthWindow(time.Date(year, month.Month(), 1, 0, 0, 0, 0, time.UTC)), true
	}
	return models.TimeWindow{}, false
}

func readFilters(e *models.ExtractedEntities, lower string) {
	var found []string
	for _, c := range cities {
		if containsWord(lower, strings.ToLower(c)) {
			found = append(found, c)
		}
	}
	if containsWord(lower, "fez") && !containsString(found, "Fes") {
		found = append(found, "Fes")
	}
	if len(found) > 0 {
		e.SetFilter(models.Filter{Column: "city", Values: found})
	}

	found = nil
	for _, c := range categories {
		if containsWord(lower, c) {
			found = append(found, c)
		}
	}
	if len(found) > 0 {
		e.SetFilter(models.Filter{Column: "category", Values: found})
	}

	found = nil
	for _, m := range statusPattern.FindAllStringSubmatch(lower, -1) {
		if !containsString(found, m[1]) {
			found = append(found, m[1])
		}
	}
	if len(found) > 0 {
		e.SetFilter(models.Filter{Column: "status", Values: found})
	}

	for _, id := range idPatterns {
		found = nil
		for _, m := range id.pattern.FindAllStringSubmatch(lower, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			v := fmt.Sprintf(id.format, n)
			if !containsString(found, v) {
				found = append(found, v)
			}
		}
		if len(found) > 0 {
			e.SetFilter(models.Filter{Column: id.column, Values: found})
		}
	}
}

func addGroup(e *models.ExtractedEntities, column string) {
	if column != "" && !e.HasGroupBy(column) {
		e.GroupBy = append(e.GroupBy, column)
	}
}

// mask blanks matched metric phrases so their words do not also read as
// subjects, groupings or unknown metrics.
func mask(lower string, spans []registry.MetricMatch) string {
	b := []byte(lower)
	for _, s := range spans {
		for i := s.Start; i < s.End && i < len(b); i++ {
			b[i] = ' '
		}
	}
	return string(b)
}

func blank(s string) string {
	return strings.Repeat(" ", len(s))
}

func wordPattern(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

func containsWord(text, word string) bool {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`).MatchString(text)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func monthStart(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func weekStart(d time.Time) time.Time {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func quarterStart(d time.Time) time.Time {
	m := time.Month((int(d.Month())-1)/3*3 + 1)
	return time.Date(d.Year(), m, 1, 0, 0, 0, 0, time.UTC)
}
