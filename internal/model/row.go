package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Fixed identity and bookkeeping columns present on every session sheet,
// in sheet order. Extra per-question columns follow these.
const (
	ColName      = "name"
	ColID        = "id"
	ColEmail     = "email"
	ColUser      = "user"
	ColTimestamp = "Timestamp"
	ColLateToken = "lateToken"
	ColLastSlide = "lastSlide"
	// ColSession holds the opaque session blob.
	ColSession = "session_hidden"
	// ColTotal, when present, is a computed sum over all grade
	// sub-columns, never a stored value.
	ColTotal = "q_total"
)

// FixedHeaders is the invariant prefix of every session sheet's header row.
var FixedHeaders = []string{
	ColName, ColID, ColEmail, ColUser, ColTimestamp, ColLateToken, ColLastSlide, ColSession,
}

var (
	responseColRe = regexp.MustCompile(`^q\d+_(response|explain)$`)
	// gradeColRe matches the admin-graded columns: qN_comments and
	// qN_grade plus an optional weight suffix (e.g. q2_grade_10).
	gradeColRe = regexp.MustCompile(`^q\d+_(comments|grade(_[A-Za-z0-9]+)?)$`)
)

// IsResponseColumn reports whether name is a duplicated qN_response or
// qN_explain column, writable by the row owner.
func IsResponseColumn(name string) bool { return responseColRe.MatchString(name) }

// IsGradeColumn reports whether name is an admin-only grading column
// (qN_comments or qN_grade_W).
func IsGradeColumn(name string) bool { return gradeColRe.MatchString(name) }

// ResponseColumn returns the visible response column name for a question.
func ResponseColumn(qnum int) string { return fmt.Sprintf("q%d_response", qnum) }

// ExplainColumn returns the visible explanation column name for a question.
func ExplainColumn(qnum int) string { return fmt.Sprintf("q%d_explain", qnum) }

// SessionHeaders builds the full header row for a session definition:
// the fixed prefix followed by response/explain pairs per question in
// question order.
func SessionHeaders(def *SessionDef) []string {
	headers := append([]string{}, FixedHeaders...)
	for i := range def.Questions {
		q := &def.Questions[i]
		headers = append(headers, ResponseColumn(q.QNumber))
		if q.Explain {
			headers = append(headers, ExplainColumn(q.QNumber))
		}
	}
	return headers
}

// GradingHeaders extends SessionHeaders with the computed total and the
// admin grading columns (qN_grade_W with the question weight as suffix,
// qN_comments) for every question.
func GradingHeaders(def *SessionDef) []string {
	headers := append(SessionHeaders(def), ColTotal)
	for i := range def.Questions {
		q := &def.Questions[i]
		weight := int(q.Weight)
		if weight < 1 {
			weight = 1
		}
		headers = append(headers,
			fmt.Sprintf("q%d_grade_%d", q.QNumber, weight),
			fmt.Sprintf("q%d_comments", q.QNumber))
	}
	return headers
}

// Row is one learner's stored row, keyed by column header.
type Row map[string]any

// ID returns the row's id column as a string.
func (r Row) ID() string { return r.Str(ColID) }

// Str returns a column value as a string, with nil mapped to "".
func (r Row) Str(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Values flattens the row into positional form matching headers.
func (r Row) Values(headers []string) []any {
	vals := make([]any, len(headers))
	for i, h := range headers {
		vals[i] = r[h]
	}
	return vals
}

// RowFromValues builds a Row from a positional value list. The value
// count must match the header count exactly.
func RowFromValues(headers []string, values []any) (Row, error) {
	if len(values) != len(headers) {
		return nil, fmt.Errorf("row has %d values for %d headers", len(values), len(headers))
	}
	row := make(Row, len(headers))
	for i, h := range headers {
		row[h] = values[i]
	}
	return row, nil
}

// ValidateHeaders checks a proposed header row: the fixed prefix must be
// present in order and every extra column must match a recognized
// per-question pattern.
func ValidateHeaders(headers []string) error {
	if len(headers) < len(FixedHeaders) {
		return fmt.Errorf("header row too short: %d columns", len(headers))
	}
	for i, h := range FixedHeaders {
		if headers[i] != h {
			return fmt.Errorf("header %d: expected %q, got %q", i, h, headers[i])
		}
	}
	for _, h := range headers[len(FixedHeaders):] {
		if h == ColTotal {
			continue
		}
		if !IsResponseColumn(h) && !IsGradeColumn(h) {
			return fmt.Errorf("unrecognized column %q", h)
		}
	}
	return nil
}

// NormalizeTimestamp canonicalizes a timestamp column value for
// comparison (stored timestamps round-trip through JSON as strings).
func NormalizeTimestamp(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
