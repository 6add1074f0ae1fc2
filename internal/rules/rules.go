package rules

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Op is a comparison operator for a calculation rule condition.
type Op string

const (
	OpLT Op = "lt"
	OpLE Op = "le"
	OpEQ Op = "eq"
	OpGT Op = "gt"
	OpGE Op = "ge"
)

// Tolerance for treating two percentages as equal.
const eqTolerance = 0.01

// Condition is a parsed rule condition: a comparison against a fixed threshold.
type Condition struct {
	Op        Op
	Threshold float64
	Raw       string
}

// OutcomeKind discriminates what a matched rule does to the baseline.
type OutcomeKind string

const (
	// FixedDelta moves the baseline by a fixed amount.
	FixedDelta OutcomeKind = "fixed_delta"
	// MaintainCurrent keeps the partner baseline as the target.
	MaintainCurrent OutcomeKind = "maintain_current"
	// CapAtStandard sets the target to the indicator's standard target.
	CapAtStandard OutcomeKind = "cap_at_standard"
)

// Outcome is a parsed rule magnitude.
type Outcome struct {
	Kind     OutcomeKind
	Delta    float64
	Increase bool
}

// Rule is one entry of an indicator's ordered rule list.
type Rule struct {
	Condition Condition
	Outcome   Outcome
}

// Indicator holds the standard reference values and the ordered rule list.
type Indicator struct {
	Code               string
	Name               string
	BaselinePercentage float64
	TargetPercentage   float64
	IsReductionTarget  bool
	Rules              []Rule
}

// Result of a target calculation.
type Result struct {
	CalculatedTarget float64
	RuleIndex        int
	RuleApplied      string
	Direction        string
	Explanation      string
}

var ErrNoMatchingRule = errors.New("no calculation rule matches baseline")

// ParseCondition interprets a condition string such as "baseline < 93.7",
// "= 93.7" or ">= 95". The operator is read before the threshold so "<="
// is not mistaken for "<".
func ParseCondition(raw string) (Condition, error) {
	s := strings.TrimSpace(raw)
	var op Op
	var idx int
	switch {
	case strings.Contains(s, "<="):
		op, idx = OpLE, strings.Index(s, "<=")+2
	case strings.Contains(s, ">="):
		op, idx = OpGE, strings.Index(s, ">=")+2
	case strings.Contains(s, "<"):
		op, idx = OpLT, strings.Index(s, "<")+1
	case strings.Contains(s, ">"):
		op, idx = OpGT, strings.Index(s, ">")+1
	case strings.Contains(s, "="):
		op, idx = OpEQ, strings.LastIndex(s, "=")+1
	default:
		return Condition{}, fmt.Errorf("condition %q has no comparison operator", raw)
	}
	numeric := strings.TrimSpace(strings.Trim(s[idx:], "% "))
	threshold, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q: invalid threshold: %w", raw, err)
	}
	return Condition{Op: op, Threshold: threshold, Raw: s}, nil
}

// ParseOutcome interprets the increase/decrease field of a raw rule. Exactly
// one of the two may be set. A value of "0" maintains the current level and
// an "up_to_<n>" marker caps at the indicator's standard target.
func ParseOutcome(targetIncrease, targetDecrease string) (Outcome, error) {
	inc := strings.TrimSpace(targetIncrease)
	dec := strings.TrimSpace(targetDecrease)
	if inc != "" && dec != "" {
		return Outcome{}, errors.New("rule sets both target_increase and target_decrease")
	}
	raw, increase := dec, false
	if inc != "" {
		raw, increase = inc, true
	}
	if raw == "" {
		return Outcome{}, errors.New("rule sets neither target_increase nor target_decrease")
	}
	if strings.HasPrefix(raw, "up_to_") {
		return Outcome{Kind: CapAtStandard, Increase: increase}, nil
	}
	delta, err := strconv.ParseFloat(strings.Trim(raw, "% "), 64)
	if err != nil {
		return Outcome{}, fmt.Errorf("invalid rule magnitude %q: %w", raw, err)
	}
	if delta == 0 {
		return Outcome{Kind: MaintainCurrent, Increase: increase}, nil
	}
	return Outcome{Kind: FixedDelta, Delta: delta, Increase: increase}, nil
}

func (c Condition) matches(baseline float64) bool {
	within := math.Abs(baseline-c.Threshold) < eqTolerance
	switch c.Op {
	case OpEQ:
		return within
	case OpLT:
		return baseline < c.Threshold && !within
	case OpLE:
		return baseline < c.Threshold || within
	case OpGT:
		return baseline > c.Threshold && !within
	case OpGE:
		return baseline > c.Threshold || within
	}
	return false
}

// CalculateTarget selects the first matching rule of the indicator and
// resolves the contractual target for the partner baseline. Pure; no I/O.
func CalculateTarget(ind Indicator, partnerBaseline float64) (Result, error) {
	for i, rule := range ind.Rules {
		if !rule.Condition.matches(partnerBaseline) {
			continue
		}
		target, direction := resolve(ind, rule.Outcome, partnerBaseline)
		return Result{
			CalculatedTarget: round2(target),
			RuleIndex:        i,
			RuleApplied:      rule.Condition.Raw,
			Direction:        direction,
			Explanation:      explain(ind, rule.Outcome, direction),
		}, nil
	}
	return Result{}, fmt.Errorf("indicator %s, baseline %.2f: %w", ind.Code, partnerBaseline, ErrNoMatchingRule)
}

func resolve(ind Indicator, out Outcome, baseline float64) (float64, string) {
	switch out.Kind {
	case CapAtStandard:
		return ind.TargetPercentage, capDirection(ind.TargetPercentage, baseline)
	case MaintainCurrent:
		return baseline, "maintain"
	default:
		if out.Increase {
			return baseline + out.Delta, "increase"
		}
		return baseline - out.Delta, "decrease"
	}
}

func capDirection(target, baseline float64) string {
	switch {
	case math.Abs(target-baseline) < eqTolerance:
		return "maintain"
	case target > baseline:
		return "increase"
	default:
		return "decrease"
	}
}

func explain(ind Indicator, out Outcome, direction string) string {
	switch out.Kind {
	case CapAtStandard:
		return fmt.Sprintf("Đạt mức chuẩn %s%% / Reach the standard level of %s%%",
			trimFloat(ind.TargetPercentage), trimFloat(ind.TargetPercentage))
	case MaintainCurrent:
		return "Giữ nguyên mức hiện tại / Maintain current level"
	}
	if direction == "decrease" {
		return fmt.Sprintf("Giảm %s%% so với mức hiện tại / Decrease by %s%% from current level",
			trimFloat(out.Delta), trimFloat(out.Delta))
	}
	return fmt.Sprintf("Tăng %s%% so với mức hiện tại / Increase by %s%% from current level",
		trimFloat(out.Delta), trimFloat(out.Delta))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
