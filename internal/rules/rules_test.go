package rules

import (
	"errors"
	"math"
	"testing"
)

func mustCondition(t *testing.T, raw string) Condition {
	t.Helper()
	c, err := ParseCondition(raw)
	if err != nil {
		t.Fatalf("parse condition %q: %v", raw, err)
	}
	return c
}

func mustOutcome(t *testing.T, inc, dec string) Outcome {
	t.Helper()
	o, err := ParseOutcome(inc, dec)
	if err != nil {
		t.Fatalf("parse outcome inc=%q dec=%q: %v", inc, dec, err)
	}
	return o
}

func standardIndicator(t *testing.T) Indicator {
	t.Helper()
	return Indicator{
		Code:               "vaccination_coverage",
		BaselinePercentage: 93.7,
		TargetPercentage:   95,
		Rules: []Rule{
			{Condition: mustCondition(t, "baseline < 93.7"), Outcome: mustOutcome(t, "1.3", "")},
			{Condition: mustCondition(t, "baseline = 93.7"), Outcome: mustOutcome(t, "up_to_95", "")},
			{Condition: mustCondition(t, "baseline >= 95"), Outcome: mustOutcome(t, "0", "")},
		},
	}
}

func TestParseCondition(t *testing.T) {
	cases := []struct {
		raw       string
		op        Op
		threshold float64
	}{
		{"baseline < 93.7", OpLT, 93.7},
		{"baseline <= 80", OpLE, 80},
		{"baseline = 93.7", OpEQ, 93.7},
		{"baseline >= 95", OpGE, 95},
		{"> 50%", OpGT, 50},
	}
	for _, tc := range cases {
		c, err := ParseCondition(tc.raw)
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if c.Op != tc.op || c.Threshold != tc.threshold {
			t.Fatalf("%q: got op=%s threshold=%v", tc.raw, c.Op, c.Threshold)
		}
	}
	if _, err := ParseCondition("baseline 93.7"); err == nil {
		t.Fatal("expected error for missing operator")
	}
	if _, err := ParseCondition("baseline < many"); err == nil {
		t.Fatal("expected error for bad threshold")
	}
}

func TestParseOutcome(t *testing.T) {
	o := mustOutcome(t, "1.3", "")
	if o.Kind != FixedDelta || !o.Increase || o.Delta != 1.3 {
		t.Fatalf("unexpected outcome %+v", o)
	}
	o = mustOutcome(t, "", "2")
	if o.Kind != FixedDelta || o.Increase || o.Delta != 2 {
		t.Fatalf("unexpected outcome %+v", o)
	}
	o = mustOutcome(t, "0", "")
	if o.Kind != MaintainCurrent {
		t.Fatalf("expected maintain, got %+v", o)
	}
	o = mustOutcome(t, "up_to_95", "")
	if o.Kind != CapAtStandard {
		t.Fatalf("expected cap, got %+v", o)
	}
	if _, err := ParseOutcome("1", "1"); err == nil {
		t.Fatal("expected error for both fields set")
	}
	if _, err := ParseOutcome("", ""); err == nil {
		t.Fatal("expected error for neither field set")
	}
}

func TestCalculateTargetScenario(t *testing.T) {
	ind := standardIndicator(t)

	res, err := CalculateTarget(ind, 92.0)
	if err != nil {
		t.Fatalf("baseline 92: %v", err)
	}
	if res.CalculatedTarget != 93.3 || res.RuleIndex != 0 || res.Direction != "increase" {
		t.Fatalf("baseline 92: got %+v", res)
	}

	res, err = CalculateTarget(ind, 93.7)
	if err != nil {
		t.Fatalf("baseline 93.7: %v", err)
	}
	if res.CalculatedTarget != 95 || res.RuleIndex != 1 {
		t.Fatalf("baseline 93.7: got %+v", res)
	}

	res, err = CalculateTarget(ind, 97)
	if err != nil {
		t.Fatalf("baseline 97: %v", err)
	}
	if res.CalculatedTarget != 97 || res.Direction != "maintain" {
		t.Fatalf("baseline 97: got %+v", res)
	}
}

func TestBoundaryExactness(t *testing.T) {
	ind := standardIndicator(t)
	// A baseline exactly at the standard must hit the equality rule, never
	// the strict less-than rule just before it.
	res, err := CalculateTarget(ind, 93.7)
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleIndex != 1 {
		t.Fatalf("expected equality rule, got index %d", res.RuleIndex)
	}
	// Within tolerance still counts as equal.
	res, err = CalculateTarget(ind, 93.704)
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleIndex != 1 {
		t.Fatalf("expected equality rule within tolerance, got index %d", res.RuleIndex)
	}
	// Just outside the tolerance band falls to less-than.
	res, err = CalculateTarget(ind, 93.68)
	if err != nil {
		t.Fatal(err)
	}
	if res.RuleIndex != 0 {
		t.Fatalf("expected less-than rule, got index %d", res.RuleIndex)
	}
}

func TestNoMatchingRuleIsHardError(t *testing.T) {
	ind := standardIndicator(t)
	// 94.5 falls in the gap between the rules above.
	_, err := CalculateTarget(ind, 94.5)
	if !errors.Is(err, ErrNoMatchingRule) {
		t.Fatalf("expected ErrNoMatchingRule, got %v", err)
	}
}

func TestReductionTargetDirection(t *testing.T) {
	ind := Indicator{
		Code:               "malnutrition_rate",
		BaselinePercentage: 12.0,
		TargetPercentage:   10.5,
		IsReductionTarget:  true,
		Rules: []Rule{
			{Condition: mustCondition(t, "baseline > 12"), Outcome: mustOutcome(t, "", "1.5")},
			{Condition: mustCondition(t, "baseline = 12"), Outcome: mustOutcome(t, "up_to_10.5", "")},
			{Condition: mustCondition(t, "baseline <= 10.5"), Outcome: mustOutcome(t, "0", "")},
		},
	}
	res, err := CalculateTarget(ind, 14)
	if err != nil {
		t.Fatal(err)
	}
	if res.CalculatedTarget != 12.5 || res.Direction != "decrease" {
		t.Fatalf("baseline 14: got %+v", res)
	}
	// The reduction flag never changes which rule matches, only wording;
	// comparisons are still against the fixed thresholds.
	res, err = CalculateTarget(ind, 12)
	if err != nil {
		t.Fatal(err)
	}
	if res.CalculatedTarget != 10.5 || res.Direction != "decrease" {
		t.Fatalf("baseline 12: got %+v", res)
	}
}

func TestRounding(t *testing.T) {
	ind := standardIndicator(t)
	res, err := CalculateTarget(ind, 91.05)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.CalculatedTarget-92.35) > 1e-9 {
		t.Fatalf("expected 92.35, got %v", res.CalculatedTarget)
	}
}
