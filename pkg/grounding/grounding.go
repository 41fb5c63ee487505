// pkg/grounding/grounding.go
package grounding

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"bnpl-copilot/internal/models"
)

var ErrUngrounded = errors.New("UNGROUNDED_NUMBER")

var (
	datePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	numberPattern = regexp.MustCompile(`\d+(?:,\d{3})*(?:\.\d+)?`)
	fallingWords  = regexp.MustCompile(`(?i)\b(?:fell|dropped|declined|decreased|down|shrank|slipped|lost)(?:\s+by)?\s+$`)
	risingWords   = regexp.MustCompile(`(?i)\b(?:rose|grew|increased|up|gained|climbed|added)(?:\s+by)?\s+$`)
	pointsSuffix  = regexp.MustCompile(`^\s?(?:pp|percentage points?)\b`)
)

// Token is one numeric literal found in prose. Signed tokens carry a
// direction, from a leading sign or a verb such as "fell by"; Value is
// negative for falls.
type Token struct {
	Text     string
	Value    float64
	Decimals int
	Scale    float64
	Percent  bool
	Points   bool
	Signed   bool
}

type fact struct {
	value    float64
	fraction bool
}

// Facts is the set of numbers a piece of prose may quote. Fraction facts
// may also be quoted as percentages or percentage points.
type Facts struct {
	values   []fact
	dates    map[string]bool
	fraction func(column string) bool
}

func NewFacts() *Facts {
	return &Facts{dates: map[string]bool{}, fraction: RateColumn}
}

// FromResult collects every numeric cell of rs together with its row count,
// population and window.
func FromResult(rs *models.ResultSet) *Facts {
	f := NewFacts()
	f.AddResult(rs)
	return f
}

// RateColumn is the default fraction test: rate columns and their
// previous values and deltas. Percent-change columns already hold
// percentages.
func RateColumn(column string) bool {
	if strings.HasSuffix(column, models.SuffixPctChange) {
		return false
	}
	base := strings.TrimSuffix(strings.TrimSuffix(column, models.SuffixPrevious), models.SuffixChange)
	return strings.HasSuffix(base, "_rate")
}

// WithFractions replaces the test deciding which result columns hold
// fractions. It applies to results added afterwards.
func (f *Facts) WithFractions(fraction func(column string) bool) *Facts {
	f.fraction = fraction
	return f
}

func (f *Facts) AddResult(rs *models.ResultSet) *Facts {
	if rs == nil {
		return f
	}
	for _, row := range rs.Rows {
		for _, c := range rs.Columns {
			switch v := row[c].(type) {
			case string:
				if datePattern.MatchString(v) {
					f.dates[v[:10]] = true
					continue
				}
			case time.Time:
				f.AddDate(v)
				continue
			}
			if n, ok := models.AsFloat(row[c]); ok {
				f.add(n, f.fraction != nil && f.fraction(c))
			}
		}
	}
	f.Add(float64(rs.RowCount), float64(len(rs.Rows)))
	if rs.Population != nil {
		f.Add(float64(*rs.Population))
	}
	f.AddWindow(rs.Window)
	return f
}

func (f *Facts) Add(values ...float64) *Facts {
	for _, v := range values {
		f.add(v, false)
	}
	return f
}

// AddFraction adds values that may also be quoted as percentages.
func (f *Facts) AddFraction(values ...float64) *Facts {
	for _, v := range values {
		f.add(v, true)
	}
	return f
}

func (f *Facts) add(v float64, fraction bool) {
	if !math.IsNaN(v) && !math.IsInf(v, 0) {
		f.values = append(f.values, fact{value: v, fraction: fraction})
	}
}

// AddDate allows the ISO date and its year, month and day numbers.
func (f *Facts) AddDate(t time.Time) *Facts {
	if t.IsZero() {
		return f
	}
	f.dates[t.Format(models.DateLayout)] = true
	return f.Add(float64(t.Year()), float64(t.Month()), float64(t.Day()))
}

func (f *Facts) AddWindow(w models.TimeWindow) *Facts {
	if w.IsZero() {
		return f
	}
	f.AddDate(w.Start).AddDate(w.End)
	return f.Add(float64(w.Days()))
}

// Supports reports whether tok is some fact at the precision the token was
// written with. Signed tokens must agree with the fact's sign; unsigned
// tokens only match non-negative facts. A fraction fact also matches a
// percent or points token of 100 times its value.
func (f *Facts) Supports(tok Token) bool {
	tol := 0.5*math.Pow(10, -float64(tok.Decimals))*tok.Scale + 1e-9*math.Max(1, math.Abs(tok.Value))
	scaled := tok.Percent || tok.Points
	for _, fa := range f.values {
		candidates := []float64{fa.value}
		if fa.fraction && scaled {
			candidates = append(candidates, fa.value*100)
		}
		for _, v := range candidates {
			if math.Abs(v-tok.Value) <= tol && (tok.Signed || v > -tol) {
				return true
			}
		}
	}
	return false
}

// Tokens extracts the numeric literals of text. Digits that are part of an
// identifier such as user_00042 or Q4 are not numbers.
func Tokens(text string) []Token {
	var out []Token
	for _, loc := range numberPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isIdentRune(rune(text[start-1])) {
			continue
		}
		raw := text[start:end]
		clean := strings.ReplaceAll(raw, ",", "")
		v, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			continue
		}
		tok := Token{Text: raw, Value: v, Scale: 1}
		if i := strings.IndexByte(clean, '.'); i >= 0 {
			tok.Decimals = len(clean) - i - 1
		}
		switch sign := signBefore(text[:start]); {
		case sign < 0:
			tok.Value, tok.Signed = -v, true
			tok.Text = "-" + raw
		case sign > 0:
			tok.Signed = true
		}
		if end < len(text) {
			switch text[end] {
			case '%':
				tok.Percent = true
			case 'k', 'K':
				tok.Scale = 1e3
			case 'M':
				tok.Scale = 1e6
			}
			if tok.Scale != 1 && (end+1 == len(text) || !isIdentRune(rune(text[end+1]))) {
				tok.Value *= tok.Scale
				tok.Text += text[end : end+1]
			} else {
				tok.Scale = 1
			}
			tok.Points = !tok.Percent && pointsSuffix.MatchString(text[end:])
		}
		out = append(out, tok)
	}
	return out
}

// Check returns an ErrUngrounded error naming the first date or number in
// text that facts cannot account for.
func Check(text string, facts *Facts) error {
	for _, d := range datePattern.FindAllString(text, -1) {
		if !facts.dates[d] {
			return fmt.Errorf("%w: %s", ErrUngrounded, d)
		}
	}
	rest := datePattern.ReplaceAllString(text, " ")
	for _, tok := range Tokens(rest) {
		if !facts.Supports(tok) {
			return fmt.Errorf("%w: %s", ErrUngrounded, tok.Text)
		}
	}
	return nil
}

// CheckAll checks every text in turn.
func CheckAll(texts []string, facts *Facts) error {
	for _, t := range texts {
		if err := Check(t, facts); err != nil {
			return err
		}
	}
	return nil
}

// signBefore reads the direction given to the number that follows prefix:
// -1 for a minus sign or a falling verb, 1 for a plus sign or a rising verb.
func signBefore(prefix string) int {
	for _, m := range []struct {
		sign string
		dir  int
	}{{"-", -1}, {"−", -1}, {"+", 1}} {
		if rest, ok := strings.CutSuffix(prefix, m.sign); ok {
			if rest == "" || !isIdentRune(lastRune(rest)) {
				return m.dir
			}
			return 0
		}
	}
	switch {
	case fallingWords.MatchString(prefix):
		return -1
	case risingWords.MatchString(prefix):
		return 1
	}
	return 0
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
