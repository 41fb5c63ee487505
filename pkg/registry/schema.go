// pkg/registry/schema.go
package registry

import (
	_ "embed"
	"math"

	"bnpl-copilot/internal/models"
)

var (
	//go:embed defaults/allowlist.yaml
	DefaultAllowlist []byte
	//go:embed defaults/kpis.yaml
	DefaultKPIs []byte

	//go:embed defaults/allowlist.schema.json
	allowlistSchemaJSON []byte
	//go:embed defaults/kpis.schema.json
	kpisSchemaJSON []byte
)

// AllowlistDocument lists every table and column generated queries may touch.
type AllowlistDocument struct {
	Version   string         `yaml:"version" json:"version"`
	Tables    []TableSpec    `yaml:"tables" json:"tables"`
	Relations []RelationSpec `yaml:"relations" json:"relations,omitempty"`
}

type TableSpec struct {
	Name        string   `yaml:"name" json:"name"`
	Layer       string   `yaml:"layer" json:"layer"`
	Description string   `yaml:"description" json:"description,omitempty"`
	DateColumn  string   `yaml:"date_column" json:"date_column,omitempty"`
	Columns     []string `yaml:"columns" json:"columns"`
}

// RelationSpec is a join key pair written as "table.column".
type RelationSpec struct {
	Left  string `yaml:"left" json:"left"`
	Right string `yaml:"right" json:"right"`
}

type KPIDocument struct {
	Version string `yaml:"version" json:"version"`
	KPIs    []KPI  `yaml:"kpis" json:"kpis"`
}

// Kind drives formatting and the default sanity bounds of a KPI.
type Kind string

const (
	KindAmount Kind = "amount"
	KindRate   Kind = "rate"
	KindCount  Kind = "count"
)

// KPI is a named metric with a fixed aggregation. Sources are tried in
// order; the first whose dimensions cover the requested grouping is used.
// Raw is the silver-layer definition used when the precomputed path fails.
type KPI struct {
	Name          string         `yaml:"name" json:"name"`
	Description   string         `yaml:"description" json:"description"`
	Unit          string         `yaml:"unit" json:"unit"`
	Kind          Kind           `yaml:"kind" json:"kind"`
	Intent        string         `yaml:"intent" json:"intent"`
	DefaultWindow int            `yaml:"default_window" json:"default_window,omitempty"`
	Synonyms      []string       `yaml:"synonyms" json:"synonyms"`
	Bounds        *models.Bounds `yaml:"bounds" json:"bounds,omitempty"`
	Sources       []Source       `yaml:"sources" json:"sources"`
	Raw           *Source        `yaml:"raw" json:"raw,omitempty"`
}

type Source struct {
	Table       string     `yaml:"table" json:"table"`
	Column      string     `yaml:"column" json:"column,omitempty"`
	DateColumn  string     `yaml:"date_column" json:"date_column,omitempty"`
	Aggregation string     `yaml:"aggregation" json:"aggregation"`
	Where       *Condition `yaml:"where" json:"where,omitempty"`
	Dimensions  []string   `yaml:"dimensions" json:"dimensions,omitempty"`
	Denominator string     `yaml:"denominator" json:"denominator,omitempty"`
}

type Condition struct {
	Column string   `yaml:"column" json:"column"`
	Values []string `yaml:"values" json:"values"`
}

// DateDimension groups by the source's own date column.
const DateDimension = "date"

// HomeIntent is the intent a question about this KPI most likely has.
func (k *KPI) HomeIntent() models.IntentKind {
	return models.IntentKind(k.Intent)
}

// SanityBounds returns the accepted value range for the KPI.
func (k *KPI) SanityBounds() (models.Bounds, bool) {
	if k.Bounds != nil {
		return *k.Bounds, true
	}
	switch k.Kind {
	case KindRate:
		return models.Bounds{Min: 0, Max: 1}, true
	case KindCount, KindAmount:
		return models.Bounds{Min: 0, Max: math.MaxFloat64}, true
	}
	return models.Bounds{}, false
}

// SourceFor picks the first source supporting every dimension in dims.
func (k *KPI) SourceFor(dims []string) (*Source, bool) {
	for i := range k.Sources {
		if k.Sources[i].Supports(dims) {
			return &k.Sources[i], true
		}
	}
	return nil, false
}

// Supports reports whether the source can be grouped by dims.
func (s *Source) Supports(dims []string) bool {
	for _, d := range dims {
		if d == DateDimension {
			continue
		}
		found := false
		for _, have := range s.Dimensions {
			if have == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Select builds the aggregated select item for alias.
func (s *Source) Select(alias string) models.SelectItem {
	item := models.SelectItem{Alias: alias, Aggregation: s.Aggregation}
	if s.Column != "" {
		item.Column = &models.ColumnRef{Table: s.Table, Column: s.Column}
	}
	if s.Where != nil {
		item.Where = &models.QueryFilter{
			Ref:    models.ColumnRef{Table: s.Table, Column: s.Where.Column},
			Values: append([]string(nil), s.Where.Values...),
		}
	}
	return item
}

// DateRef is the column windows are applied to.
func (s *Source) DateRef() *models.ColumnRef {
	if s.DateColumn == "" {
		return nil
	}
	return &models.ColumnRef{Table: s.Table, Column: s.DateColumn}
}
