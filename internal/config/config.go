package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"pactline/internal/rules"
)

// Config models pactline.yml: the Party A template defaults, the indicator
// catalog with its calculation rules, and the deliverable catalog per
// contract type.
type Config struct {
	PartyA        PartyATemplate       `yaml:"party_a"`
	Indicators    []IndicatorSpec      `yaml:"indicators"`
	ContractTypes map[int]ContractType `yaml:"contract_types"`

	compiled map[string]rules.Indicator
}

// PartyATemplate is the counter-party default carried onto new contracts.
type PartyATemplate struct {
	Name      string                 `yaml:"name"`
	Signature string                 `yaml:"signature"`
	Overrides map[int]PartyAOverride `yaml:"overrides"`
}

type PartyAOverride struct {
	Name      string `yaml:"name"`
	Signature string `yaml:"signature"`
}

type IndicatorSpec struct {
	Code            string     `yaml:"code"`
	Name            string     `yaml:"name"`
	Baseline        float64    `yaml:"baseline"`
	Target          float64    `yaml:"target"`
	ReductionTarget bool       `yaml:"reduction_target"`
	Rules           []RuleSpec `yaml:"rules"`
}

type RuleSpec struct {
	Condition      string `yaml:"condition"`
	TargetIncrease string `yaml:"target_increase"`
	TargetDecrease string `yaml:"target_decrease"`
}

type ContractType struct {
	Title        string        `yaml:"title"`
	FixedOptions bool          `yaml:"fixed_options"`
	Deliverables []Deliverable `yaml:"deliverables"`
}

type Deliverable struct {
	Number         int      `yaml:"number"`
	Title          string   `yaml:"title"`
	Activity       string   `yaml:"activity"`
	Indicator      string   `yaml:"indicator"`
	BinaryBaseline bool     `yaml:"binary_baseline"`
	Options        []Option `yaml:"options"`
}

type Option struct {
	Number        int      `yaml:"number"`
	ConditionType string   `yaml:"condition_type"`
	Description   string   `yaml:"description"`
	Baseline      *float64 `yaml:"baseline"`
	Target        *float64 `yaml:"target"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pact catalog import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Rule conditions
// and magnitudes are parsed once here, not re-parsed per evaluation.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate checks structure and compiles every calculation rule.
func (c *Config) Validate() error {
	if c.PartyA.Name == "" {
		return fmt.Errorf("config.party_a.name is required")
	}
	if len(c.Indicators) == 0 {
		return fmt.Errorf("config.indicators is required")
	}
	compiled := make(map[string]rules.Indicator, len(c.Indicators))
	for _, spec := range c.Indicators {
		if spec.Code == "" {
			return fmt.Errorf("config.indicators contains entry without code")
		}
		if _, dup := compiled[spec.Code]; dup {
			return fmt.Errorf("indicator %s declared twice", spec.Code)
		}
		if len(spec.Rules) == 0 {
			return fmt.Errorf("indicator %s has no calculation rules", spec.Code)
		}
		ind := rules.Indicator{
			Code:               spec.Code,
			Name:               spec.Name,
			BaselinePercentage: spec.Baseline,
			TargetPercentage:   spec.Target,
			IsReductionTarget:  spec.ReductionTarget,
		}
		for i, rs := range spec.Rules {
			cond, err := rules.ParseCondition(rs.Condition)
			if err != nil {
				return fmt.Errorf("indicator %s rule %d: %w", spec.Code, i+1, err)
			}
			out, err := rules.ParseOutcome(rs.TargetIncrease, rs.TargetDecrease)
			if err != nil {
				return fmt.Errorf("indicator %s rule %d: %w", spec.Code, i+1, err)
			}
			ind.Rules = append(ind.Rules, rules.Rule{Condition: cond, Outcome: out})
		}
		compiled[spec.Code] = ind
	}
	if len(c.ContractTypes) == 0 {
		return fmt.Errorf("config.contract_types is required")
	}
	for ct, spec := range c.ContractTypes {
		if ct < 1 || ct > 5 {
			return fmt.Errorf("contract type %d out of range 1-5", ct)
		}
		if len(spec.Deliverables) == 0 {
			return fmt.Errorf("contract type %d has no deliverables", ct)
		}
		seen := map[int]bool{}
		for _, d := range spec.Deliverables {
			if d.Number <= 0 {
				return fmt.Errorf("contract type %d: deliverable number must be positive", ct)
			}
			if seen[d.Number] {
				return fmt.Errorf("contract type %d: deliverable %d declared twice", ct, d.Number)
			}
			seen[d.Number] = true
			if len(d.Options) == 0 {
				return fmt.Errorf("contract type %d deliverable %d has no options", ct, d.Number)
			}
			if d.Indicator != "" {
				if _, ok := compiled[d.Indicator]; !ok {
					return fmt.Errorf("contract type %d deliverable %d references unknown indicator %s", ct, d.Number, d.Indicator)
				}
			}
			optSeen := map[int]bool{}
			for _, o := range d.Options {
				if optSeen[o.Number] {
					return fmt.Errorf("contract type %d deliverable %d: option %d declared twice", ct, d.Number, o.Number)
				}
				optSeen[o.Number] = true
				switch o.ConditionType {
				case "less_than", "equal", "greater_equal":
				default:
					return fmt.Errorf("contract type %d deliverable %d option %d: unknown condition_type %q", ct, d.Number, o.Number, o.ConditionType)
				}
				if spec.FixedOptions && !d.BinaryBaseline && (o.Baseline == nil || o.Target == nil) {
					return fmt.Errorf("contract type %d deliverable %d option %d: fixed-option catalog requires baseline and target", ct, d.Number, o.Number)
				}
			}
		}
	}
	c.compiled = compiled
	return nil
}

// Indicator returns the compiled rule set for a code.
func (c *Config) Indicator(code string) (rules.Indicator, bool) {
	ind, ok := c.compiled[code]
	return ind, ok
}

// IndicatorCodes lists configured indicator codes sorted.
func (c *Config) IndicatorCodes() []string {
	codes := make([]string, 0, len(c.compiled))
	for code := range c.compiled {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Deliverables returns the deliverable set for a contract type sorted by
// deliverable number, or false if the type carries no deliverables.
func (c *Config) Deliverables(contractType int) ([]Deliverable, bool) {
	spec, ok := c.ContractTypes[contractType]
	if !ok {
		return nil, false
	}
	out := make([]Deliverable, len(spec.Deliverables))
	copy(out, spec.Deliverables)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, true
}

// FindDeliverable looks up one deliverable of a contract type.
func (c *Config) FindDeliverable(contractType, number int) (Deliverable, bool) {
	spec, ok := c.ContractTypes[contractType]
	if !ok {
		return Deliverable{}, false
	}
	for _, d := range spec.Deliverables {
		if d.Number == number {
			return d, true
		}
	}
	return Deliverable{}, false
}

// FindOption looks up one option of a deliverable.
func (d Deliverable) FindOption(number int) (Option, bool) {
	for _, o := range d.Options {
		if o.Number == number {
			return o, true
		}
	}
	return Option{}, false
}

// BaselineDriven reports whether targets for this contract type are derived
// from the partner baseline via the rule evaluator rather than read off the
// fixed option catalog.
func (c *Config) BaselineDriven(contractType int) bool {
	spec, ok := c.ContractTypes[contractType]
	if !ok {
		return false
	}
	return !spec.FixedOptions
}

// PartyAFor resolves the counter-party template for a contract type.
func (c *Config) PartyAFor(contractType int) (name, signature string) {
	name, signature = c.PartyA.Name, c.PartyA.Signature
	if o, ok := c.PartyA.Overrides[contractType]; ok {
		if o.Name != "" {
			name = o.Name
		}
		if o.Signature != "" {
			signature = o.Signature
		}
	}
	return name, signature
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pactline.yml")
}

// Default returns the built-in default catalog.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default catalog invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `party_a:
  name: "Trung tâm Y tế Quận (District Health Center)"
  signature: "templates/party_a_default.png"
  overrides:
    5:
      name: "Phòng Y tế Quận (District Health Office)"

indicators:
  - code: vaccination_coverage
    name: "Full childhood vaccination coverage"
    baseline: 93.7
    target: 95
    rules:
      - condition: "baseline < 93.7"
        target_increase: "1.3"
      - condition: "baseline = 93.7"
        target_increase: "up_to_95"
      - condition: "baseline >= 95"
        target_increase: "0"

  - code: malnutrition_rate
    name: "Under-five malnutrition rate"
    baseline: 12.0
    target: 10.5
    reduction_target: true
    rules:
      - condition: "baseline > 12"
        target_decrease: "1.5"
      - condition: "baseline = 12"
        target_decrease: "up_to_10.5"
      - condition: "baseline <= 10.5"
        target_decrease: "0"

  - code: insurance_coverage
    name: "Health insurance participation"
    baseline: 88.0
    target: 92
    rules:
      - condition: "baseline < 88"
        target_increase: "2"
      - condition: "baseline = 88"
        target_increase: "up_to_92"
      - condition: "baseline >= 92"
        target_increase: "0"

contract_types:
  1:
    title: "Commune health performance contract"
    deliverables:
      - number: 1
        title: "Expanded immunization program"
        activity: "Quarterly outreach vaccination sessions"
        indicator: vaccination_coverage
        options:
          - number: 1
            condition_type: less_than
            description: "Below the district standard"
          - number: 2
            condition_type: equal
            description: "At the district standard"
          - number: 3
            condition_type: greater_equal
            description: "Above the district standard"
      - number: 2
        title: "Child nutrition surveillance"
        activity: "Monthly growth monitoring for under-fives"
        indicator: malnutrition_rate
        options:
          - number: 1
            condition_type: greater_equal
            description: "Above the district standard rate"
          - number: 2
            condition_type: equal
            description: "At the district standard rate"
          - number: 3
            condition_type: less_than
            description: "Below the district standard rate"
      - number: 3
        title: "Health insurance enrollment"
        activity: "Household enrollment campaigns"
        indicator: insurance_coverage
        options:
          - number: 1
            condition_type: less_than
            description: "Below the district standard"
          - number: 2
            condition_type: equal
            description: "At the district standard"
          - number: 3
            condition_type: greater_equal
            description: "Above the district standard"

  2:
    title: "Commune nutrition program contract"
    deliverables:
      - number: 1
        title: "Child nutrition surveillance"
        activity: "Monthly growth monitoring for under-fives"
        indicator: malnutrition_rate
        options:
          - number: 1
            condition_type: greater_equal
            description: "Above the district standard rate"
          - number: 2
            condition_type: equal
            description: "At the district standard rate"
          - number: 3
            condition_type: less_than
            description: "Below the district standard rate"
      - number: 2
        title: "Expanded immunization program"
        activity: "Quarterly outreach vaccination sessions"
        indicator: vaccination_coverage
        options:
          - number: 1
            condition_type: less_than
            description: "Below the district standard"
          - number: 2
            condition_type: equal
            description: "At the district standard"
          - number: 3
            condition_type: greater_equal
            description: "Above the district standard"

  3:
    title: "Insurance enrollment contract"
    deliverables:
      - number: 1
        title: "Health insurance enrollment"
        activity: "Household enrollment campaigns"
        indicator: insurance_coverage
        options:
          - number: 1
            condition_type: less_than
            description: "Below the district standard"
          - number: 2
            condition_type: equal
            description: "At the district standard"
          - number: 3
            condition_type: greater_equal
            description: "Above the district standard"

  4:
    title: "Facility readiness contract"
    fixed_options: true
    deliverables:
      - number: 1
        title: "Essential medicine availability"
        options:
          - number: 1
            condition_type: less_than
            baseline: 70
            target: 80
          - number: 2
            condition_type: equal
            baseline: 80
            target: 85
          - number: 3
            condition_type: greater_equal
            baseline: 85
            target: 90
      - number: 2
        title: "Equipment maintenance compliance"
        options:
          - number: 1
            condition_type: less_than
            baseline: 60
            target: 75
          - number: 2
            condition_type: equal
            baseline: 75
            target: 85
          - number: 3
            condition_type: greater_equal
            baseline: 85
            target: 90
      - number: 3
        title: "Staff training hours completed"
        options:
          - number: 1
            condition_type: less_than
            baseline: 50
            target: 65
          - number: 2
            condition_type: equal
            baseline: 65
            target: 80
          - number: 3
            condition_type: greater_equal
            baseline: 80
            target: 90
      - number: 4
        title: "Patient record digitization"
        options:
          - number: 1
            condition_type: less_than
            baseline: 40
            target: 60
          - number: 2
            condition_type: equal
            baseline: 60
            target: 75
          - number: 3
            condition_type: greater_equal
            baseline: 75
            target: 85
      - number: 5
        title: "Referral follow-up completion"
        options:
          - number: 1
            condition_type: less_than
            baseline: 55
            target: 70
          - number: 2
            condition_type: equal
            baseline: 70
            target: 80
          - number: 3
            condition_type: greater_equal
            baseline: 80
            target: 88
  5:
    title: "Community outreach contract"
    fixed_options: true
    deliverables:
      - number: 1
        title: "Village health worker coverage"
        options:
          - number: 1
            condition_type: less_than
            baseline: 60
            target: 75
          - number: 2
            condition_type: equal
            baseline: 75
            target: 85
          - number: 3
            condition_type: greater_equal
            baseline: 85
            target: 92
      - number: 2
        title: "Health education sessions held"
        options:
          - number: 1
            condition_type: less_than
            baseline: 50
            target: 70
          - number: 2
            condition_type: equal
            baseline: 70
            target: 80
          - number: 3
            condition_type: greater_equal
            baseline: 80
            target: 90
      - number: 3
        title: "Clean water access rate"
        options:
          - number: 1
            condition_type: less_than
            baseline: 65
            target: 78
          - number: 2
            condition_type: equal
            baseline: 78
            target: 86
          - number: 3
            condition_type: greater_equal
            baseline: 86
            target: 93
      - number: 4
        title: "Functioning village health post"
        binary_baseline: true
        options:
          - number: 1
            condition_type: less_than
            description: "Establish a village health post"
          - number: 2
            condition_type: greater_equal
            description: "Maintain the existing health post"
      - number: 5
        title: "Active community health committee"
        binary_baseline: true
        options:
          - number: 1
            condition_type: less_than
            description: "Form a community health committee"
          - number: 2
            condition_type: greater_equal
            description: "Keep the committee meeting quarterly"
`
