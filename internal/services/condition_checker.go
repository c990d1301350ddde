package services

import (
	"strconv"
	"strings"
	"time"

	"github.com/fieldnote-hq/fieldnote/internal/models"
)

// ConditionError codes recorded on projected nodes whose condition could not
// be resolved. They are data, never request failures.
type ConditionError string

const (
	ConditionErrorTargetNotFound ConditionError = "target_not_found"
	ConditionErrorAnswerMissing  ConditionError = "target_answer_missing"
)

// condValue is one parsed alternative of a ';'-separated answer or condition
// value. ok is false when a typed parse failed; such values never satisfy a
// comparison, matching NaN semantics in the legacy rule engine.
type condValue struct {
	raw  string
	num  float64
	date time.Time
	ok   bool
}

// ConditionMet reports whether answerValue satisfies cond, comparing per the
// target option's answer type. Both sides may carry multiple alternatives
// separated by ';'; the condition's link (default OR) decides how many of the
// condition's alternatives must be matched by at least one answer value.
func ConditionMet(answerValue string, cond *models.Condition, t models.AnswerType) bool {
	if cond == nil {
		return true
	}
	answerValues := parseConditionValues(answerValue, t)
	conditionValues := parseConditionValues(cond.Value, t)

	link := cond.Link
	if link == "" {
		link = models.LinkOr
	}

	matched := func(cv condValue) bool {
		for _, av := range answerValues {
			if av.raw == "" {
				continue
			}
			if compareValues(av, cv, cond.Operand, t) {
				return true
			}
		}
		return false
	}

	switch link {
	case models.LinkAnd:
		for _, cv := range conditionValues {
			if cv.raw == "" {
				continue
			}
			if !matched(cv) {
				return false
			}
		}
		return true
	case models.LinkOr:
		for _, cv := range conditionValues {
			if cv.raw == "" {
				continue
			}
			if matched(cv) {
				return true
			}
		}
		return false
	case models.LinkXor:
		count := 0
		for _, cv := range conditionValues {
			if cv.raw == "" {
				continue
			}
			if matched(cv) {
				count++
			}
		}
		return count == 1
	default:
		return false
	}
}

func compareValues(av, cv condValue, op models.ConditionOperand, t models.AnswerType) bool {
	switch t {
	case models.AnswerTypeNumber:
		if !av.ok || !cv.ok {
			return false
		}
		switch op {
		case models.OperandEquals:
			return av.num == cv.num
		case models.OperandNotEquals:
			return av.num != cv.num
		case models.OperandLess:
			return av.num < cv.num
		case models.OperandGreater:
			return av.num > cv.num
		case models.OperandLessEqual:
			return av.num <= cv.num
		case models.OperandGreaterEqual:
			return av.num >= cv.num
		}
	case models.AnswerTypeDate, models.AnswerTypeDateTime:
		if !av.ok || !cv.ok {
			return false
		}
		switch op {
		case models.OperandEquals:
			return av.date.Equal(cv.date)
		case models.OperandNotEquals:
			return !av.date.Equal(cv.date)
		case models.OperandLess:
			return av.date.Before(cv.date)
		case models.OperandGreater:
			return av.date.After(cv.date)
		case models.OperandLessEqual:
			return !av.date.After(cv.date)
		case models.OperandGreaterEqual:
			return !av.date.Before(cv.date)
		}
	default:
		switch op {
		case models.OperandEquals:
			return av.raw == cv.raw
		case models.OperandNotEquals:
			return av.raw != cv.raw
		case models.OperandLess:
			return av.raw < cv.raw
		case models.OperandGreater:
			return av.raw > cv.raw
		case models.OperandLessEqual:
			return av.raw <= cv.raw
		case models.OperandGreaterEqual:
			return av.raw >= cv.raw
		}
	}
	return false
}

func parseConditionValues(value string, t models.AnswerType) []condValue {
	parts := strings.Split(value, ";")
	out := make([]condValue, 0, len(parts))
	for _, p := range parts {
		v := condValue{raw: p}
		switch t {
		case models.AnswerTypeNumber:
			n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err == nil {
				v.num = n
				v.ok = true
			}
		case models.AnswerTypeDate, models.AnswerTypeDateTime:
			d, err := parseConditionDate(strings.TrimSpace(p))
			if err == nil {
				v.date = d
				v.ok = true
			}
		}
		out = append(out, v)
	}
	return out
}

func parseConditionDate(s string) (time.Time, error) {
	if d, err := time.Parse(time.RFC3339, s); err == nil {
		return d, nil
	}
	return time.Parse("2006-01-02", s)
}

// MapCodedValue translates each ';'-separated component of value through the
// option's values/values_code correspondence. Components without a matching
// display value pass through unchanged, as do options without a complete
// code list.
func MapCodedValue(opt *models.AnswerOption, value string) string {
	if opt == nil || len(opt.Values) == 0 || len(opt.Values) != len(opt.ValuesCode) {
		return value
	}
	parts := strings.Split(value, ";")
	for i, p := range parts {
		for j, display := range opt.Values {
			if display == p {
				parts[i] = strconv.Itoa(opt.ValuesCode[j])
				break
			}
		}
	}
	return strings.Join(parts, ";")
}
