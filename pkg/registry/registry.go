// pkg/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"bnpl-copilot/internal/common/validation"
	"bnpl-copilot/internal/models"
)

var (
	ErrInvalidDocument  = errors.New("INVALID_REGISTRY_DOCUMENT")
	ErrUnknownReference = errors.New("UNKNOWN_REGISTRY_REFERENCE")
)

// MaxJoinHops bounds how far ResolveColumn walks the relation graph.
const MaxJoinHops = 2

var (
	allowlistSchema = validation.MustCompile("allowlist", allowlistSchemaJSON)
	kpisSchema      = validation.MustCompile("kpis", kpisSchemaJSON)
)

// Table is one allowlisted table.
type Table struct {
	Name        string
	Layer       string
	Description string
	DateColumn  string
	Columns     []string
	columnSet   map[string]struct{}
}

func (t *Table) Has(column string) bool {
	_, ok := t.columnSet[column]
	return ok
}

type edge struct {
	from models.ColumnRef
	to   models.ColumnRef
}

type synonym struct {
	phrase  string
	pattern *regexp.Regexp
	kpi     string
}

// Registry is the immutable Schema/KPI allowlist. It is safe for concurrent use.
type Registry struct {
	version    string
	tables     map[string]*Table
	tableOrder []string
	adjacency  map[string][]edge
	kpis       map[string]*KPI
	kpiOrder   []string
	synonyms   []synonym
}

// Load reads the allowlist and KPI documents. Empty paths use the embedded defaults.
func Load(allowlistPath, kpisPath string) (*Registry, error) {
	allowlist := DefaultAllowlist
	if allowlistPath != "" {
		data, err := os.ReadFile(allowlistPath)
		if err != nil {
			return nil, fmt.Errorf("read allowlist: %w", err)
		}
		allowlist = data
	}
	kpis := DefaultKPIs
	if kpisPath != "" {
		data, err := os.ReadFile(kpisPath)
		if err != nil {
			return nil, fmt.Errorf("read kpis: %w", err)
		}
		kpis = data
	}
	return Parse(allowlist, kpis)
}

// LoadDefault builds the registry from the embedded documents.
func LoadDefault() (*Registry, error) {
	return Parse(DefaultAllowlist, DefaultKPIs)
}

// MustLoadDefault panics if the embedded documents are invalid.
func MustLoadDefault() *Registry {
	r, err := LoadDefault()
	if err != nil {
		panic(err)
	}
	return r
}

// Parse validates both documents against their schemas, cross-checks every
// KPI reference against the allowlist and builds the registry.
func Parse(allowlistYAML, kpisYAML []byte) (*Registry, error) {
	var allowDoc AllowlistDocument
	if err := decodeValidated(allowlistYAML, allowlistSchema, &allowDoc); err != nil {
		return nil, err
	}
	var kpiDoc KPIDocument
	if err := decodeValidated(kpisYAML, kpisSchema, &kpiDoc); err != nil {
		return nil, err
	}

	r := &Registry{
		version:   allowDoc.Version + "/" + kpiDoc.Version,
		tables:    make(map[string]*Table, len(allowDoc.Tables)),
		adjacency: make(map[string][]edge),
		kpis:      make(map[string]*KPI, len(kpiDoc.KPIs)),
	}

	if err := r.addTables(allowDoc); err != nil {
		return nil, err
	}
	if err := r.addKPIs(kpiDoc); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeValidated(data []byte, schema *validation.Schema, out interface{}) error {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, schema.Name(), err)
	}
	result, err := schema.Validate(generic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if !result.Valid {
		return fmt.Errorf("%w: %s: %s", ErrInvalidDocument, schema.Name(), strings.Join(result.GetErrorMessages(), "; "))
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, schema.Name(), err)
	}
	return nil
}

func (r *Registry) addTables(doc AllowlistDocument) error {
	for _, spec := range doc.Tables {
		if _, dup := r.tables[spec.Name]; dup {
			return fmt.Errorf("%w: duplicate table %s", ErrInvalidDocument, spec.Name)
		}
		t := &Table{
			Name:        spec.Name,
			Layer:       spec.Layer,
			Description: spec.Description,
			DateColumn:  spec.DateColumn,
			Columns:     append([]string(nil), spec.Columns...),
			columnSet:   make(map[string]struct{}, len(spec.Columns)),
		}
		for _, c := range spec.Columns {
			t.columnSet[c] = struct{}{}
		}
		if t.DateColumn != "" && !t.Has(t.DateColumn) {
			return fmt.Errorf("%w: %s.date_column %s is not a listed column", ErrUnknownReference, t.Name, t.DateColumn)
		}
		r.tables[t.Name] = t
		r.tableOrder = append(r.tableOrder, t.Name)
	}

	for _, rel := range doc.Relations {
		left, err := r.parseRef(rel.Left)
		if err != nil {
			return err
		}
		right, err := r.parseRef(rel.Right)
		if err != nil {
			return err
		}
		r.adjacency[left.Table] = append(r.adjacency[left.Table], edge{from: left, to: right})
		r.adjacency[right.Table] = append(r.adjacency[right.Table], edge{from: right, to: left})
	}
	return nil
}

func (r *Registry) parseRef(s string) (models.ColumnRef, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 || !r.HasColumn(parts[0], parts[1]) {
		return models.ColumnRef{}, fmt.Errorf("%w: relation key %s", ErrUnknownReference, s)
	}
	return models.ColumnRef{Table: parts[0], Column: parts[1]}, nil
}

func (r *Registry) addKPIs(doc KPIDocument) error {
	seenSynonym := map[string]string{}
	for i := range doc.KPIs {
		k := doc.KPIs[i]
		if _, dup := r.kpis[k.Name]; dup {
			return fmt.Errorf("%w: duplicate kpi %s", ErrInvalidDocument, k.Name)
		}
		if k.DefaultWindow == 0 {
			k.DefaultWindow = 30
		}
		for j := range k.Sources {
			if err := r.checkSource(k.Name, &k.Sources[j]); err != nil {
				return err
			}
		}
		if k.Raw != nil {
			if err := r.checkSource(k.Name, k.Raw); err != nil {
				return err
			}
		}

		kp := &k
		r.kpis[k.Name] = kp
		r.kpiOrder = append(r.kpiOrder, k.Name)

		for _, phrase := range append([]string{k.Name}, k.Synonyms...) {
			phrase = normalizePhrase(phrase)
			if owner, dup := seenSynonym[phrase]; dup {
				if owner == k.Name {
					continue
				}
				return fmt.Errorf("%w: synonym %q used by %s and %s", ErrInvalidDocument, phrase, owner, k.Name)
			}
			seenSynonym[phrase] = k.Name
			r.synonyms = append(r.synonyms, synonym{
				phrase:  phrase,
				pattern: regexp.MustCompile(`\b` + regexp.QuoteMeta(phrase) + `\b`),
				kpi:     k.Name,
			})
		}
	}

	// longest phrase first so "checkout conversion" wins over "conversion"
	sort.SliceStable(r.synonyms, func(i, j int) bool {
		return len(r.synonyms[i].phrase) > len(r.synonyms[j].phrase)
	})
	return nil
}

func (r *Registry) checkSource(kpi string, s *Source) error {
	t, ok := r.tables[s.Table]
	if !ok {
		return fmt.Errorf("%w: kpi %s source table %s", ErrUnknownReference, kpi, s.Table)
	}
	if s.Column != "" && !t.Has(s.Column) {
		return fmt.Errorf("%w: kpi %s column %s.%s", ErrUnknownReference, kpi, s.Table, s.Column)
	}
	if s.Column == "" && s.Aggregation != models.AggRate && s.Aggregation != models.AggCount {
		return fmt.Errorf("%w: kpi %s aggregation %s needs a column", ErrInvalidDocument, kpi, s.Aggregation)
	}
	if s.Aggregation == models.AggRate && s.Where == nil {
		return fmt.Errorf("%w: kpi %s rate aggregation needs a where condition", ErrInvalidDocument, kpi)
	}
	if s.DateColumn == "" {
		s.DateColumn = t.DateColumn
	}
	if s.DateColumn == "" || !t.Has(s.DateColumn) {
		return fmt.Errorf("%w: kpi %s has no date column on %s", ErrUnknownReference, kpi, s.Table)
	}
	if s.Where != nil && !t.Has(s.Where.Column) {
		return fmt.Errorf("%w: kpi %s condition column %s.%s", ErrUnknownReference, kpi, s.Table, s.Where.Column)
	}
	for _, d := range s.Dimensions {
		if !t.Has(d) {
			return fmt.Errorf("%w: kpi %s dimension %s.%s", ErrUnknownReference, kpi, s.Table, d)
		}
	}
	if s.Denominator == "" {
		s.Denominator = s.Table
	}
	if dt, ok := r.tables[s.Denominator]; !ok || dt.DateColumn == "" {
		return fmt.Errorf("%w: kpi %s denominator %s", ErrUnknownReference, kpi, s.Denominator)
	}
	return nil
}

func normalizePhrase(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ==========================
// Lookups
// ==========================

func (r *Registry) Version() string { return r.version }

func (r *Registry) HasTable(name string) bool {
	_, ok := r.tables[name]
	return ok
}

func (r *Registry) HasColumn(table, column string) bool {
	t, ok := r.tables[table]
	return ok && t.Has(column)
}

func (r *Registry) Table(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Tables lists table names in document order.
func (r *Registry) Tables() []string {
	return append([]string(nil), r.tableOrder...)
}

func (r *Registry) Columns(table string) []string {
	t, ok := r.tables[table]
	if !ok {
		return nil
	}
	return append([]string(nil), t.Columns...)
}

// DateColumn returns the table's window column, or "".
func (r *Registry) DateColumn(table string) string {
	if t, ok := r.tables[table]; ok {
		return t.DateColumn
	}
	return ""
}

func (r *Registry) KPI(name string) (*KPI, bool) {
	k, ok := r.kpis[name]
	return k, ok
}

// KPIs lists definitions in document order.
func (r *Registry) KPIs() []*KPI {
	out := make([]*KPI, 0, len(r.kpiOrder))
	for _, name := range r.kpiOrder {
		out = append(out, r.kpis[name])
	}
	return out
}

func (r *Registry) KPINames() []string {
	return append([]string(nil), r.kpiOrder...)
}

// MetricMatch is one synonym occurrence in a piece of text.
type MetricMatch struct {
	KPI   string
	Start int
	End   int
}

// MatchMetricSpans finds KPI synonyms in text, longest phrase first, without
// overlapping matches. Offsets index the lower-cased text and hits are
// ordered by position.
func (r *Registry) MatchMetricSpans(text string) []MetricMatch {
	lower := strings.ToLower(text)
	consumed := make([]bool, len(lower))
	var hits []MetricMatch

	for _, syn := range r.synonyms {
		for _, loc := range syn.pattern.FindAllStringIndex(lower, -1) {
			overlap := false
			for i := loc[0]; i < loc[1]; i++ {
				if consumed[i] {
					overlap = true
					break
				}
			}
			if overlap {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				consumed[i] = true
			}
			hits = append(hits, MetricMatch{KPI: syn.kpi, Start: loc[0], End: loc[1]})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Start < hits[j].Start })
	return hits
}

// MatchMetric returns the distinct KPI names mentioned in text in order of
// appearance.
func (r *Registry) MatchMetric(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range r.MatchMetricSpans(text) {
		if !seen[h.KPI] {
			seen[h.KPI] = true
			out = append(out, h.KPI)
		}
	}
	return out
}

// FindColumn returns the first table, in allowlist order, that has column.
func (r *Registry) FindColumn(column string) (string, bool) {
	for _, name := range r.tableOrder {
		if r.tables[name].Has(column) {
			return name, true
		}
	}
	return "", false
}

// ColumnPath locates a column relative to a base table.
type ColumnPath struct {
	Ref   models.ColumnRef
	Joins []models.Join
}

// ResolveColumn finds column on base, or on the nearest table reachable
// through relations within MaxJoinHops. Ties go to relation order.
func (r *Registry) ResolveColumn(base, column string) (ColumnPath, bool) {
	if !r.HasTable(base) {
		return ColumnPath{}, false
	}
	if r.HasColumn(base, column) {
		return ColumnPath{Ref: models.ColumnRef{Table: base, Column: column}}, true
	}

	var found ColumnPath
	ok := r.walk(base, func(table string, joins []models.Join) bool {
		if r.HasColumn(table, column) {
			found = ColumnPath{Ref: models.ColumnRef{Table: table, Column: column}, Joins: joins}
			return true
		}
		return false
	})
	return found, ok
}

// JoinPath returns the joins that bring to into a query rooted at from.
func (r *Registry) JoinPath(from, to string) ([]models.Join, bool) {
	if from == to {
		return nil, r.HasTable(from)
	}
	var path []models.Join
	ok := r.walk(from, func(table string, joins []models.Join) bool {
		if table == to {
			path = joins
			return true
		}
		return false
	})
	return path, ok
}

// walk visits tables breadth-first from base up to MaxJoinHops away and
// stops at the first table visit accepts.
func (r *Registry) walk(base string, visit func(table string, joins []models.Join) bool) bool {
	type node struct {
		table string
		joins []models.Join
	}
	seen := map[string]bool{base: true}
	frontier := []node{{table: base}}

	for hop := 0; hop < MaxJoinHops; hop++ {
		var next []node
		for _, n := range frontier {
			for _, e := range r.adjacency[n.table] {
				if seen[e.to.Table] {
					continue
				}
				seen[e.to.Table] = true
				joins := append(append([]models.Join(nil), n.joins...), models.Join{
					Table: e.to.Table,
					Left:  e.from,
					Right: e.to,
				})
				if visit(e.to.Table, joins) {
					return true
				}
				next = append(next, node{table: e.to.Table, joins: joins})
			}
		}
		frontier = next
	}
	return false
}

// TableInfo is the schema_lookup view of a table.
type TableInfo struct {
	Name        string
	Layer       string
	Description string
	DateColumn  string
	Columns     []string
}

// Describe returns schema details for tables, or for every table when none are named.
// Unknown names are skipped.
func (r *Registry) Describe(tables []string) []TableInfo {
	if len(tables) == 0 {
		tables = r.tableOrder
	}
	var out []TableInfo
	for _, name := range tables {
		t, ok := r.tables[name]
		if !ok {
			continue
		}
		out = append(out, TableInfo{
			Name:        t.Name,
			Layer:       t.Layer,
			Description: t.Description,
			DateColumn:  t.DateColumn,
			Columns:     append([]string(nil), t.Columns...),
		})
	}
	return out
}
