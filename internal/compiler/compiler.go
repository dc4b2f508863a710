// Package compiler translates a stored Rule into a provider search query
// where possible, and provides the client-side predicate evaluator used for
// whatever portion of the rule the server-side query could not express.
package compiler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

// CompiledQuery is the result of compiling one rule.
type CompiledQuery struct {
	ServerQuery   string // provider query-language fragment; "" means "no server-side filter"
	NeedsDetails  bool   // at least one condition could not be pushed server-side
	NeedsBody     bool   // a body or body_snippet condition is left client-side; details are fetched in full format
	Translatable  []models.Condition // conditions folded into ServerQuery
	Untranslated  []models.Condition // conditions requiring client-side evaluation
}

// fieldFragment maps a condition to a Gmail-style search fragment. Returns
// ok=false when this field/operator pair has no server-side equivalent and
// must be evaluated client-side instead.
func fieldFragment(c models.Condition) (fragment string, ok bool) {
	switch c.Field {
	case models.FieldFrom:
		return matchFragment("from", c)
	case models.FieldTo:
		return matchFragment("to", c)
	case models.FieldSubject:
		return matchFragment("subject", c)
	case models.FieldLabel:
		if c.Operator == models.OpIs || c.Operator == models.OpEquals {
			return fmt.Sprintf("label:%s", quoteIfNeeded(c.Value)), true
		}
		return "", false
	case models.FieldDateAge:
		return dateAgeFragment(c)
	case models.FieldHasAttachment:
		if c.Operator == models.OpIs {
			if strings.EqualFold(c.Value, "true") {
				return "has:attachment", true
			}
			return "-has:attachment", true
		}
		return "", false
	case models.FieldAttachmentFilename:
		if c.Operator == models.OpContains || c.Operator == models.OpEquals {
			return fmt.Sprintf("filename:%s", quoteIfNeeded(c.Value)), true
		}
		return "", false
	case models.FieldMessageSize:
		return sizeFragment(c)
	default:
		// body, body_snippet have no server-side query equivalent and
		// must always be evaluated client-side.
		return "", false
	}
}

func sizeFragment(c models.Condition) (string, bool) {
	if _, ok := parseSizeBytes(c.Value); !ok {
		return "", false
	}
	switch c.Operator {
	case models.OpGreaterThan:
		return fmt.Sprintf("larger:%s", strings.TrimSpace(c.Value)), true
	case models.OpLessThan:
		return fmt.Sprintf("smaller:%s", strings.TrimSpace(c.Value)), true
	default:
		return "", false
	}
}

func matchFragment(field string, c models.Condition) (string, bool) {
	switch c.Operator {
	case models.OpContains, models.OpEquals:
		return fmt.Sprintf("%s:%s", field, quoteIfNeeded(c.Value)), true
	case models.OpNotContains, models.OpNotEquals:
		return fmt.Sprintf("-%s:%s", field, quoteIfNeeded(c.Value)), true
	default:
		// starts_with/ends_with have no native provider operator; left
		// for client-side evaluation.
		return "", false
	}
}

func dateAgeFragment(c models.Condition) (string, bool) {
	n, unit, ok := parseAgeValue(c.Value)
	if !ok {
		return "", false
	}
	switch c.Operator {
	case models.OpOlderThan:
		return fmt.Sprintf("older_than:%d%s", n, unit), true
	case models.OpNewerThan:
		return fmt.Sprintf("newer_than:%d%s", n, unit), true
	default:
		return "", false
	}
}

// parseAgeValue parses a date_age value of the form "<digits>[dmy]" (e.g.
// "30d", "6m", "1y"), per spec. Returns ok=false for anything else.
func parseAgeValue(value string) (n int, unit string, ok bool) {
	value = strings.TrimSpace(value)
	if len(value) < 2 {
		return 0, "", false
	}
	unit = strings.ToLower(value[len(value)-1:])
	switch unit {
	case "d", "m", "y":
	default:
		return 0, "", false
	}
	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n < 0 {
		return 0, "", false
	}
	return n, unit, true
}

// parseSizeBytes parses a message_size value, an integer byte count
// optionally suffixed with K or M (e.g. "10M", "500K", "2048"), per spec.
func parseSizeBytes(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	multiplier := int64(1)
	numPart := value
	switch value[len(value)-1] {
	case 'k', 'K':
		multiplier = 1024
		numPart = value[:len(value)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		numPart = value[:len(value)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(numPart), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n * multiplier, true
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}

// Compile translates r's conditions into a server-side query plus a
// residual client-side predicate set, per SPEC_FULL.md §4.3/§9's partial-OR
// resolution: when any condition of an OR rule can't be translated, only
// the translatable subset is folded into the server query and NeedsDetails
// is set so the full condition list is re-checked client-side against the
// fetched email. An AND rule with any untranslatable condition still
// narrows the server query with whatever IS translatable, since AND-ed
// server fragments only ever narrow, never widen, the result set.
func Compile(r models.Rule) CompiledQuery {
	var translatable, untranslated []models.Condition
	var fragments []string

	for _, c := range r.Conditions {
		if frag, ok := fieldFragment(c); ok {
			translatable = append(translatable, c)
			fragments = append(fragments, frag)
		} else {
			untranslated = append(untranslated, c)
		}
	}

	cq := CompiledQuery{
		Translatable: translatable,
		Untranslated: untranslated,
	}

	if len(untranslated) > 0 {
		cq.NeedsDetails = true
		for _, c := range untranslated {
			if c.Field == models.FieldBody || c.Field == models.FieldBodySnippet {
				cq.NeedsBody = true
			}
		}
	}

	if len(fragments) == 0 {
		cq.ServerQuery = ""
		return cq
	}

	switch r.Conjunction {
	case models.ConjunctionOR:
		// The translatable fragments are OR-joined. When some conditions
		// were left untranslated, this query covers the translatable
		// branches only (an email matching only an untranslated branch is
		// not returned by it), and NeedsDetails makes the executor run
		// Evaluate on the full condition list for every candidate.
		cq.ServerQuery = "(" + strings.Join(fragments, " OR ") + ")"
	default:
		cq.ServerQuery = strings.Join(fragments, " ")
	}
	return cq
}

// Evaluate runs r's full condition list against email, independent of
// whatever the server query already narrowed. The pipeline executor always
// calls this when NeedsDetails is true; it is also safe to call
// unconditionally as a correctness check.
func Evaluate(r models.Rule, email *models.MatchableEmail) bool {
	if len(r.Conditions) == 0 {
		return false
	}

	results := make([]bool, len(r.Conditions))
	for i, c := range r.Conditions {
		results[i] = evaluateCondition(c, email)
	}

	if r.Conjunction == models.ConjunctionOR {
		for _, v := range results {
			if v {
				return true
			}
		}
		return false
	}
	for _, v := range results {
		if !v {
			return false
		}
	}
	return true
}

func evaluateCondition(c models.Condition, email *models.MatchableEmail) bool {
	switch c.Field {
	case models.FieldFrom:
		return stringOp(c.Operator, email.From, c.Value)
	case models.FieldTo:
		return stringOp(c.Operator, email.To, c.Value)
	case models.FieldSubject:
		return stringOp(c.Operator, email.Subject, c.Value)
	case models.FieldBodySnippet:
		return stringOp(c.Operator, email.BodySnippet, c.Value)
	case models.FieldBody:
		if !email.HasBody {
			return false
		}
		return stringOp(c.Operator, email.Body, c.Value)
	case models.FieldLabel:
		_, present := email.LabelSet()[c.Value]
		if c.Operator == models.OpNotEquals || c.Operator == models.OpNotContains {
			return !present
		}
		return present
	case models.FieldHasAttachment:
		want := strings.EqualFold(c.Value, "true")
		return email.HasAttachmentInfo && email.HasAttachment == want
	case models.FieldAttachmentFilename:
		if !email.HasAttachmentInfo {
			return false
		}
		for _, fn := range email.AttachmentFilenames {
			if stringOp(c.Operator, fn, c.Value) {
				return true
			}
		}
		return false
	case models.FieldDateAge:
		return dateAgeOp(c, email.InternalTimestamp)
	case models.FieldMessageSize:
		return sizeOp(c, email.SizeBytes)
	default:
		return false
	}
}

func stringOp(op models.ConditionOperator, actual, want string) bool {
	a, w := strings.ToLower(actual), strings.ToLower(want)
	switch op {
	case models.OpContains:
		return strings.Contains(a, w)
	case models.OpNotContains:
		return !strings.Contains(a, w)
	case models.OpEquals, models.OpIs:
		return a == w
	case models.OpNotEquals:
		return a != w
	case models.OpStartsWith:
		return strings.HasPrefix(a, w)
	case models.OpEndsWith:
		return strings.HasSuffix(a, w)
	default:
		return false
	}
}

func dateAgeOp(c models.Condition, ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	n, unit, ok := parseAgeValue(c.Value)
	if !ok {
		return false
	}

	var unitDays int
	switch unit {
	case "d":
		unitDays = 1
	case "m":
		unitDays = 30
	case "y":
		unitDays = 365
	}
	threshold := time.Duration(n*unitDays) * 24 * time.Hour
	age := time.Since(ts)
	switch c.Operator {
	case models.OpOlderThan:
		return age > threshold
	case models.OpNewerThan:
		return age < threshold
	default:
		return false
	}
}

func sizeOp(c models.Condition, actual int64) bool {
	want, ok := parseSizeBytes(c.Value)
	if !ok {
		return false
	}
	switch c.Operator {
	case models.OpGreaterThan:
		return actual > want
	case models.OpLessThan:
		return actual < want
	case models.OpEquals:
		return actual == want
	default:
		return false
	}
}
