// internal/workers/analytics/execute-plan/guard.go
package executeplan

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"bnpl-copilot/internal/common/database"
	apperrors "bnpl-copilot/internal/common/errors"
	"bnpl-copilot/internal/models"
	"bnpl-copilot/internal/workers/data-access/query-warehouse/queries"
	"bnpl-copilot/pkg/registry"
)

var (
	ErrUnknownTable   = errors.New("UNKNOWN_TABLE")
	ErrUnknownColumn  = errors.New("UNKNOWN_COLUMN")
	ErrInvalidAlias   = errors.New("INVALID_ALIAS")
	ErrInvalidWindow  = errors.New("INVALID_WINDOW")
	ErrInvalidArgs    = errors.New("INVALID_ARGUMENTS")
	ErrInvalidQuery   = errors.New("INVALID_QUERY")
	ErrNotReadOnly    = errors.New("NOT_READ_ONLY")
	ErrUnknownTool    = errors.New("UNKNOWN_TOOL")
	ErrUnterminated   = errors.New("UNTERMINATED_QUOTE")
	ErrMultipleStmt   = errors.New("MULTIPLE_STATEMENTS")
	ErrSQLComment     = errors.New("SQL_COMMENT")
	ErrBlockedKeyword = errors.New("BLOCKED_KEYWORD")
)

var (
	identPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	leadingKeyword  = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
	blockedKeywords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|GRANT|REVOKE|EXEC|EXECUTE|MERGE|COPY|CALL|ATTACH|DETACH|PRAGMA|VACUUM|REPLACE)\b`)
	tableTargets    = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+("(?:[^"]|"")*"|[A-Za-z_][A-Za-z0-9_.]*)`)
)

// Guard checks a whole plan against the allowlist before any call runs.
type Guard struct {
	registry      *registry.Registry
	dialect       database.Dialect
	maxWindowDays int
}

func NewGuard(reg *registry.Registry, dialect database.Dialect, maxWindowDays int) *Guard {
	return &Guard{registry: reg, dialect: dialect, maxWindowDays: maxWindowDays}
}

// Check returns a GUARDRAIL_VIOLATION for the first call that reaches
// outside the allowlist or does not render to a read-only statement.
func (g *Guard) Check(plan *models.Plan) error {
	for i, call := range plan.Calls {
		if err := g.checkCall(plan, i, call); err != nil {
			return apperrors.NewGuardrailViolationError(fmt.Sprintf("call %d (%s): %v", i, call.Tool, err)).
				WithMetadata("tool", string(call.Tool)).
				WithMetadata("callIndex", i)
		}
	}
	return nil
}

func (g *Guard) checkCall(plan *models.Plan, i int, call models.ToolCall) error {
	switch call.Tool {
	case models.ToolSchemaLookup:
		if call.Schema == nil {
			return fmt.Errorf("%w: schema arguments missing", ErrInvalidArgs)
		}
		for _, t := range call.Schema.Tables {
			if !g.registry.HasTable(t) {
				return fmt.Errorf("%w: %s", ErrUnknownTable, t)
			}
		}
		return nil

	case models.ToolKPIFetch:
		if call.KPI == nil {
			return fmt.Errorf("%w: kpi arguments missing", ErrInvalidArgs)
		}
		if err := g.checkWindow(call.KPI.Window); err != nil {
			return err
		}
		compiled, err := queries.CompileKPI(g.registry, *call.KPI)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
		for _, c := range compiled {
			if err := g.checkSpec(c.Spec); err != nil {
				return err
			}
		}
		return nil

	case models.ToolSQLQuery:
		if call.Query == nil {
			return fmt.Errorf("%w: query arguments missing", ErrInvalidArgs)
		}
		return g.checkSpec(*call.Query)

	case models.ToolRiskLookup:
		if call.Risk == nil {
			return fmt.Errorf("%w: risk arguments missing", ErrInvalidArgs)
		}
		if call.Risk.MinScore < 0 || call.Risk.MinScore > 1 {
			return fmt.Errorf("%w: min score %v outside [0,1]", ErrInvalidArgs, call.Risk.MinScore)
		}
		if from := call.Risk.FromCall; from != nil {
			if *from < 0 || *from >= i {
				return fmt.Errorf("%w: risk lookup reads call %d", ErrInvalidArgs, *from)
			}
			if src := plan.Calls[*from].Tool; src != models.ToolKPIFetch && src != models.ToolSQLQuery {
				return fmt.Errorf("%w: risk lookup reads a %s call", ErrInvalidArgs, src)
			}
		}
		stmt := queries.RenderRiskScores(g.dialect, call.Risk.UserIDs, call.Risk.MinScore, call.Risk.Limit)
		return ReadOnly(stmt.SQL, g.registry.HasTable)

	case models.ToolTraceLog:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTool, call.Tool)
}

func (g *Guard) checkWindow(w models.TimeWindow) error {
	if w.IsZero() {
		return nil
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("%w: %s ends before it starts", ErrInvalidWindow, w)
	}
	if g.maxWindowDays > 0 && w.Days() > g.maxWindowDays {
		return fmt.Errorf("%w: %d days exceeds %d", ErrInvalidWindow, w.Days(), g.maxWindowDays)
	}
	return nil
}

func (g *Guard) checkSpec(spec models.QuerySpec) error {
	joined := map[string]bool{}
	for _, t := range spec.Tables() {
		if !g.registry.HasTable(t) {
			return fmt.Errorf("%w: %s", ErrUnknownTable, t)
		}
		joined[t] = true
	}
	for _, ref := range spec.Refs() {
		if !joined[ref.Table] {
			return fmt.Errorf("%w: %s is not in the query", ErrUnknownColumn, ref)
		}
		if !g.registry.HasColumn(ref.Table, ref.Column) {
			return fmt.Errorf("%w: %s", ErrUnknownColumn, ref)
		}
	}

	aliases := map[string]bool{}
	for _, a := range spec.Aliases() {
		if !identPattern.MatchString(a) {
			return fmt.Errorf("%w: %q", ErrInvalidAlias, a)
		}
		aliases[a] = true
	}
	if spec.OrderBy != "" && !aliases[spec.OrderBy] {
		return fmt.Errorf("%w: order by %q is not selected", ErrInvalidAlias, spec.OrderBy)
	}
	if spec.Population != "" && !g.registry.HasTable(spec.Population) {
		return fmt.Errorf("%w: %s", ErrUnknownTable, spec.Population)
	}
	if err := g.checkWindow(spec.Window); err != nil {
		return err
	}

	stmt, err := queries.Render(g.dialect, spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return ReadOnly(stmt.SQL, g.registry.HasTable)
}

// ReadOnly accepts a single SELECT or WITH statement with no comments and
// no write keyword outside quoted text. Every FROM and JOIN target must
// satisfy allowed.
func ReadOnly(sql string, allowed func(table string) bool) error {
	stmt := strings.TrimSpace(sql)
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))

	bare, err := scrub(stmt, true)
	if err != nil {
		return err
	}
	if strings.Contains(bare, ";") {
		return fmt.Errorf("%w: %w", ErrNotReadOnly, ErrMultipleStmt)
	}
	if strings.Contains(bare, "--") || strings.Contains(bare, "/*") {
		return fmt.Errorf("%w: %w", ErrNotReadOnly, ErrSQLComment)
	}
	if !leadingKeyword.MatchString(bare) {
		return fmt.Errorf("%w: statement must start with SELECT or WITH", ErrNotReadOnly)
	}
	if kw := blockedKeywords.FindString(bare); kw != "" {
		return fmt.Errorf("%w: %w %s", ErrNotReadOnly, ErrBlockedKeyword, strings.ToUpper(kw))
	}

	withIdents, _ := scrub(stmt, false)
	for _, m := range tableTargets.FindAllStringSubmatch(withIdents, -1) {
		name := unquoteIdent(m[1])
		if !allowed(name) {
			return fmt.Errorf("%w: %s", ErrUnknownTable, name)
		}
	}
	return nil
}

// scrub empties string literals and, when idents is set, quoted
// identifiers, leaving the quote characters in place.
func scrub(sql string, idents bool) (string, error) {
	var sb strings.Builder
	sb.Grow(len(sql))
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if quote == 0 {
			if c == '\'' || c == '"' {
				quote = c
			}
			sb.WriteByte(c)
			continue
		}
		if c == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				if quote == '"' && !idents {
					sb.WriteString(`""`)
				}
				i++
				continue
			}
			quote = 0
			sb.WriteByte(c)
			continue
		}
		if quote == '"' && !idents {
			sb.WriteByte(c)
		}
	}
	if quote != 0 {
		return "", fmt.Errorf("%w: %w", ErrNotReadOnly, ErrUnterminated)
	}
	return sb.String(), nil
}

func unquoteIdent(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}
