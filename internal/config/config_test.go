package config

import (
	"fmt"
	"strings"
	"testing"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.Indicator("vaccination_coverage"); !ok {
		t.Fatalf("default catalog missing vaccination_coverage")
	}
	for _, ct := range []int{1, 2, 3, 4, 5} {
		if _, ok := cfg.Deliverables(ct); !ok {
			t.Fatalf("default catalog missing contract type %d", ct)
		}
	}
	for _, ct := range []int{4, 5} {
		ds, _ := cfg.Deliverables(ct)
		if len(ds) != 5 {
			t.Fatalf("contract type %d should carry 5 deliverables, got %d", ct, len(ds))
		}
		if cfg.BaselineDriven(ct) {
			t.Fatalf("contract type %d should use the fixed option catalog", ct)
		}
	}
	if !cfg.BaselineDriven(1) {
		t.Fatalf("contract type 1 should be baseline driven")
	}
}

func TestPartyAOverrides(t *testing.T) {
	cfg := Default()
	defaultName, _ := cfg.PartyAFor(1)
	overrideName, _ := cfg.PartyAFor(5)
	if defaultName == overrideName {
		t.Fatalf("expected a Party A override for contract type 5")
	}
}

func TestDeliverablesSorted(t *testing.T) {
	cfg, err := FromYAML([]byte(`
party_a:
  name: "District"
indicators:
  - code: x
    name: X
    baseline: 50
    target: 60
    rules:
      - condition: "baseline < 50"
        target_increase: "5"
      - condition: "baseline >= 50"
        target_increase: "0"
contract_types:
  1:
    title: T
    deliverables:
      - number: 2
        title: Second
        indicator: x
        options:
          - number: 1
            condition_type: less_than
      - number: 1
        title: First
        indicator: x
        options:
          - number: 1
            condition_type: less_than
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ds, _ := cfg.Deliverables(1)
	if ds[0].Number != 1 || ds[1].Number != 2 {
		t.Fatalf("deliverables not sorted: %+v", ds)
	}
}

func TestValidateRejectsBrokenCatalogs(t *testing.T) {
	base := `
party_a:
  name: "District"
indicators:
  - code: x
    name: X
    baseline: 50
    target: 60
    rules:
      - condition: "%s"
        target_increase: "%s"
        target_decrease: "%s"
contract_types:
  1:
    title: T
    deliverables:
      - number: 1
        title: D
        indicator: %s
        options:
          - number: 1
            condition_type: %s
`
	cases := []struct {
		name                         string
		cond, inc, dec, ind, condTyp string
		wantErr                      string
	}{
		{"unknown operator", "baseline ~ 50", "5", "", "x", "less_than", "no comparison operator"},
		{"both directions", "baseline < 50", "5", "5", "x", "less_than", "both"},
		{"unknown indicator ref", "baseline < 50", "5", "", "y", "less_than", "unknown indicator"},
		{"unknown condition type", "baseline < 50", "5", "", "x", "sometimes", "condition_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := fmt.Sprintf(base, tc.cond, tc.inc, tc.dec, tc.ind, tc.condTyp)
			_, err := FromYAML([]byte(doc))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestFixedOptionCatalogRequiresBaselineAndTarget(t *testing.T) {
	_, err := FromYAML([]byte(`
party_a:
  name: "District"
indicators:
  - code: x
    name: X
    baseline: 50
    target: 60
    rules:
      - condition: "baseline < 50"
        target_increase: "5"
contract_types:
  4:
    title: T
    fixed_options: true
    deliverables:
      - number: 1
        title: D
        options:
          - number: 1
            condition_type: less_than
`))
	if err == nil || !strings.Contains(err.Error(), "requires baseline and target") {
		t.Fatalf("expected fixed-option validation error, got %v", err)
	}
}
