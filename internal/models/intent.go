// internal/models/intent.go
package models

import "fmt"

// IntentKind is the closed set of question categories the router can emit.
type IntentKind string

const (
	IntentGrowthAnalytics IntentKind = "growth_analytics"
	IntentFunnel          IntentKind = "funnel"
	IntentRisk            IntentKind = "risk"
	IntentMerchantPerf    IntentKind = "merchant_perf"
	IntentDisputesRefunds IntentKind = "disputes_refunds"
	IntentAdHoc           IntentKind = "ad_hoc"
)

// IntentKinds returns every intent in declaration order.
func IntentKinds() []IntentKind {
	return []IntentKind{
		IntentGrowthAnalytics,
		IntentFunnel,
		IntentRisk,
		IntentMerchantPerf,
		IntentDisputesRefunds,
		IntentAdHoc,
	}
}

func (k IntentKind) Valid() bool {
	switch k {
	case IntentGrowthAnalytics, IntentFunnel, IntentRisk, IntentMerchantPerf, IntentDisputesRefunds, IntentAdHoc:
		return true
	}
	return false
}

func ParseIntentKind(s string) (IntentKind, error) {
	k := IntentKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown intent %q", s)
	}
	return k, nil
}

// ToolKind is the closed set of guarded tools the executor can dispatch.
type ToolKind string

const (
	ToolSchemaLookup ToolKind = "schema_lookup"
	ToolKPIFetch     ToolKind = "kpi_fetch"
	ToolSQLQuery     ToolKind = "sql_query"
	ToolRiskLookup   ToolKind = "risk_lookup"
	ToolTraceLog     ToolKind = "trace_log"
)

// ToolKinds returns every tool in declaration order.
func ToolKinds() []ToolKind {
	return []ToolKind{
		ToolSchemaLookup,
		ToolKPIFetch,
		ToolSQLQuery,
		ToolRiskLookup,
		ToolTraceLog,
	}
}

func (k ToolKind) Valid() bool {
	switch k {
	case ToolSchemaLookup, ToolKPIFetch, ToolSQLQuery, ToolRiskLookup, ToolTraceLog:
		return true
	}
	return false
}

func ParseToolKind(s string) (ToolKind, error) {
	k := ToolKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown tool %q", s)
	}
	return k, nil
}

// SubjectKind names the business entity a listing question is about.
type SubjectKind string

const (
	SubjectNone         SubjectKind = ""
	SubjectUsers        SubjectKind = "users"
	SubjectMerchants    SubjectKind = "merchants"
	SubjectOrders       SubjectKind = "orders"
	SubjectInstallments SubjectKind = "installments"
)

// Table returns the silver table holding the subject's rows.
func (s SubjectKind) Table() string {
	return string(s)
}

// KeyColumn returns the identifier column of the subject table.
func (s SubjectKind) KeyColumn() string {
	switch s {
	case SubjectUsers:
		return "user_id"
	case SubjectMerchants:
		return "merchant_id"
	case SubjectOrders:
		return "order_id"
	case SubjectInstallments:
		return "installment_id"
	}
	return ""
}

// SubjectForKey maps an identifier column back to its subject.
func SubjectForKey(column string) SubjectKind {
	for _, s := range []SubjectKind{SubjectUsers, SubjectMerchants, SubjectOrders, SubjectInstallments} {
		if s.KeyColumn() == column {
			return s
		}
	}
	return SubjectNone
}

type SortOrder string

const (
	SortNone SortOrder = ""
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)
