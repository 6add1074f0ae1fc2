package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/engine"
	"pactline/internal/migrate"
	"pactline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func fptr(v float64) *float64 { return &v }

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	var de *engine.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected domain error with code %s, got %v", code, err)
	}
	if de.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, de.Code, de.Message)
	}
}

// type 1 deliverables: 1=vaccination_coverage, 2=malnutrition_rate, 3=insurance_coverage
func type1Selections() []engine.SelectionInput {
	return []engine.SelectionInput{
		{DeliverableNumber: 1, OptionNumber: 1, BaselinePercentage: fptr(92)},
		{DeliverableNumber: 2, OptionNumber: 2, BaselinePercentage: fptr(12)},
		{DeliverableNumber: 3, OptionNumber: 2, BaselinePercentage: fptr(88)},
	}
}

func TestConfigureCreatesContractAndSeedsTargets(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-7", ContractType: 1,
		Selections: type1Selections(), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !res.Created {
		t.Fatalf("expected contract to be created lazily")
	}
	if res.Contract.Status != "draft" {
		t.Fatalf("expected draft contract, got %s", res.Contract.Status)
	}
	if res.Contract.PartyAName == "" {
		t.Fatalf("expected Party A template default on new contract")
	}
	if len(res.Selections) != 3 {
		t.Fatalf("expected 3 selections, got %d", len(res.Selections))
	}
	for i, s := range res.Selections {
		if s.DeliverableNumber != i+1 {
			t.Fatalf("selections not ordered by deliverable: %v", res.Selections)
		}
	}
	targets := map[string]float64{}
	for _, ci := range res.Indicators {
		targets[ci.IndicatorCode] = ci.TargetPercentage
		if ci.CalculationMethod != "based_on_baseline" {
			t.Fatalf("expected based_on_baseline, got %s", ci.CalculationMethod)
		}
		if ci.TargetDate != "2025-12-31" {
			t.Fatalf("expected year-end target date, got %s", ci.TargetDate)
		}
		if ci.SelectedRule == "" {
			t.Fatalf("expected selected rule recorded")
		}
	}
	if targets["vaccination_coverage"] != 93.3 {
		t.Fatalf("vaccination target = %v, want 93.3", targets["vaccination_coverage"])
	}
	if targets["malnutrition_rate"] != 10.5 {
		t.Fatalf("malnutrition target = %v, want 10.5", targets["malnutrition_rate"])
	}
	if targets["insurance_coverage"] != 92 {
		t.Fatalf("insurance target = %v, want 92", targets["insurance_coverage"])
	}
}

func TestConfigureValidationRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	opts := func(sel []engine.SelectionInput, ct int) engine.ConfigureOptions {
		return engine.ConfigureOptions{PartnerID: "commune-7", ContractType: ct, Selections: sel, ActorID: "tester"}
	}

	_, err := env.Engine.ConfigureSelections(env.Ctx, opts(type1Selections(), 9))
	assertCode(t, err, engine.CodeInvalidContractType)

	_, err = env.Engine.ConfigureSelections(env.Ctx, opts(type1Selections()[:2], 1))
	assertCode(t, err, engine.CodeIncompleteSelections)

	bad := type1Selections()
	bad[2].DeliverableNumber = 99
	_, err = env.Engine.ConfigureSelections(env.Ctx, opts(bad, 1))
	assertCode(t, err, engine.CodeInvalidDeliverable)

	bad = type1Selections()
	bad[1].OptionNumber = 99
	_, err = env.Engine.ConfigureSelections(env.Ctx, opts(bad, 1))
	assertCode(t, err, engine.CodeInvalidOption)

	bad = type1Selections()
	bad[2].DeliverableNumber = 1
	_, err = env.Engine.ConfigureSelections(env.Ctx, opts(bad, 1))
	assertCode(t, err, engine.CodeInvalidSelections)

	bad = type1Selections()
	bad[0].BaselinePercentage = nil
	_, err = env.Engine.ConfigureSelections(env.Ctx, opts(bad, 1))
	assertCode(t, err, engine.CodeInvalidSelections)

	// none of the failed calls materialized a contract
	contracts, err := env.Engine.ListContracts(env.Ctx, repo.ContractFilters{PartnerID: "commune-7"})
	if err != nil {
		t.Fatalf("list contracts: %v", err)
	}
	if len(contracts) != 0 {
		t.Fatalf("failed configures must not create contracts, got %d", len(contracts))
	}
}

func TestFailedReplaceLeavesPriorStateIntact(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-7", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	// 94.5 falls between the <93.7 and >=95 rules: evaluation fails mid-replace
	dead := type1Selections()
	dead[0].BaselinePercentage = fptr(94.5)
	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-7", ContractType: 1, Selections: dead, ActorID: "tester",
	})
	assertCode(t, err, engine.CodeNoMatchingRule)

	sels, err := env.Engine.ListSelections(env.Ctx, first.Contract.ID)
	if err != nil {
		t.Fatalf("list selections: %v", err)
	}
	if len(sels) != 3 || *sels[0].BaselinePercentage != 92 {
		t.Fatalf("prior selections should survive a failed replace, got %+v", sels)
	}
}

func TestReplaceIsFullAndRepeatable(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.ConfigureOptions{
		PartnerID: "commune-3", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	}
	first, err := env.Engine.ConfigureSelections(env.Ctx, opts)
	if err != nil {
		t.Fatalf("first configure: %v", err)
	}
	changed := type1Selections()
	changed[0].OptionNumber = 3
	changed[0].BaselinePercentage = fptr(96)
	opts.Selections = changed
	second, err := env.Engine.ConfigureSelections(env.Ctx, opts)
	if err != nil {
		t.Fatalf("second configure: %v", err)
	}
	if second.Created {
		t.Fatalf("second configure must reuse the contract")
	}
	if second.Contract.ID != first.Contract.ID {
		t.Fatalf("contract identity changed across replaces")
	}
	if len(second.Selections) != 3 {
		t.Fatalf("replace is full, got %d selections", len(second.Selections))
	}
	if second.Selections[0].OptionNumber != 3 {
		t.Fatalf("replace did not apply new option")
	}
	// baseline 96 hits the >=95 maintain rule
	for _, ci := range second.Indicators {
		if ci.IndicatorCode == "vaccination_coverage" && ci.TargetPercentage != 96 {
			t.Fatalf("maintain rule should keep baseline 96, got %v", ci.TargetPercentage)
		}
	}
}

func TestFixedCatalogType4(t *testing.T) {
	env := newTestEnv(t)
	var sels []engine.SelectionInput
	for d := 1; d <= 5; d++ {
		sels = append(sels, engine.SelectionInput{DeliverableNumber: d, OptionNumber: 2})
	}
	res, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "facility-12", ContractType: 4, Selections: sels, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("configure type 4: %v", err)
	}
	if len(res.Indicators) != 0 {
		t.Fatalf("fixed catalogs do not seed calculated indicators")
	}
	// option 2 of deliverable 1 carries the pre-resolved baseline 80
	if res.Selections[0].BaselinePercentage == nil || *res.Selections[0].BaselinePercentage != 80 {
		t.Fatalf("expected catalog baseline 80 on deliverable 1, got %+v", res.Selections[0].BaselinePercentage)
	}

	short := sels[:4]
	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "facility-13", ContractType: 4, Selections: short, ActorID: "tester",
	})
	assertCode(t, err, engine.CodeIncompleteSelections)
}

func TestBinaryDeliverablesType5(t *testing.T) {
	env := newTestEnv(t)
	sels := []engine.SelectionInput{
		{DeliverableNumber: 1, OptionNumber: 2},
		{DeliverableNumber: 2, OptionNumber: 2},
		{DeliverableNumber: 3, OptionNumber: 2},
		{DeliverableNumber: 4, OptionNumber: 1, BaselineSource: "no"},
		{DeliverableNumber: 5, OptionNumber: 2, BaselineSource: "YES"},
	}
	res, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "village-2", ContractType: 5, Selections: sels, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("configure type 5: %v", err)
	}
	bySource := map[int]string{}
	for _, s := range res.Selections {
		bySource[s.DeliverableNumber] = s.BaselineSource
	}
	if bySource[4] != "No" || bySource[5] != "Yes" {
		t.Fatalf("binary baselines should normalize to Yes/No, got %v", bySource)
	}

	sels[3].BaselineSource = "maybe"
	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "village-3", ContractType: 5, Selections: sels, ActorID: "tester",
	})
	assertCode(t, err, engine.CodeInvalidSelections)
}

func TestSignThenConfigure(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.EnsureContract(env.Ctx, "commune-9", 1, "tester")
	if err != nil {
		t.Fatalf("ensure contract: %v", err)
	}
	signed, err := env.Engine.SignContract(env.Ctx, c.ID, "Commune 9 Health Station", "sig-ref", "tester")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Status != "signed" || signed.SignedAt == nil {
		t.Fatalf("expected signed contract, got %+v", signed)
	}
	// first configuration of a signed contract needs no approval
	res, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-9", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("configure after sign: %v", err)
	}
	if res.ConsumedRequestID != "" {
		t.Fatalf("no approval should be consumed on first configure")
	}
	// but a second one does
	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-9", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	})
	assertCode(t, err, engine.CodeContractLocked)
}

func TestReconfigurationWorkflow(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-5", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}

	// only signed contracts can be reconfigured
	_, err = env.Engine.CreateReconfigurationRequest(env.Ctx, "commune-5", 1, "baseline survey revised", "tester")
	assertCode(t, err, engine.CodeContractLocked)

	if _, err := env.Engine.SignContract(env.Ctx, res.Contract.ID, "Commune 5", "sig", "tester"); err != nil {
		t.Fatalf("sign: %v", err)
	}

	req, err := env.Engine.CreateReconfigurationRequest(env.Ctx, "commune-5", 1, "baseline survey revised", "tester")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != "pending" || req.SelectionsJSON == "" {
		t.Fatalf("expected pending request with snapshot, got %+v", req)
	}

	_, err = env.Engine.CreateReconfigurationRequest(env.Ctx, "commune-5", 1, "again", "tester")
	assertCode(t, err, engine.CodeRequestPending)

	_, err = env.Engine.ReviewReconfigurationRequest(env.Ctx, req.ID, "reject", "", "reviewer-1")
	assertCode(t, err, engine.CodeReviewNotesRequired)

	rejected, err := env.Engine.ReviewReconfigurationRequest(env.Ctx, req.ID, "reject", "survey data incomplete", "reviewer-1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != "rejected" || rejected.ReviewerNotes != "survey data incomplete" {
		t.Fatalf("unexpected rejected request %+v", rejected)
	}

	// rejection does not unlock the contract
	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-5", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	})
	assertCode(t, err, engine.CodeContractLocked)

	req2, err := env.Engine.CreateReconfigurationRequest(env.Ctx, "commune-5", 1, "second attempt", "tester")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	approved, err := env.Engine.ReviewReconfigurationRequest(env.Ctx, req2.ID, "approve", "", "reviewer-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ReviewerNotes != "Approved" {
		t.Fatalf("approval notes should default to Approved, got %q", approved.ReviewerNotes)
	}

	// reviewing again is rejected
	_, err = env.Engine.ReviewReconfigurationRequest(env.Ctx, req2.ID, "approve", "", "reviewer-1")
	assertCode(t, err, engine.CodeRequestNotPending)

	changed := type1Selections()
	changed[0].BaselinePercentage = fptr(93.7)
	reconfigured, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-5", ContractType: 1, Selections: changed, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("approved reconfigure: %v", err)
	}
	if reconfigured.ConsumedRequestID != req2.ID {
		t.Fatalf("expected approval %s to be consumed, got %q", req2.ID, reconfigured.ConsumedRequestID)
	}
	for _, ci := range reconfigured.Indicators {
		if ci.IndicatorCode == "vaccination_coverage" && ci.TargetPercentage != 95 {
			t.Fatalf("baseline at standard should cap at 95, got %v", ci.TargetPercentage)
		}
	}

	// the approval is good for exactly one change
	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-5", ContractType: 1, Selections: changed, ActorID: "tester",
	})
	assertCode(t, err, engine.CodeContractLocked)
}

func TestCompleteLocksContract(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-1", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}

	_, err = env.Engine.CompleteContract(env.Ctx, res.Contract.ID, "tester")
	assertCode(t, err, engine.CodeInvalidTransition)

	if _, err := env.Engine.SignContract(env.Ctx, res.Contract.ID, "Commune 1", "sig", "tester"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	done, err := env.Engine.CompleteContract(env.Ctx, res.Contract.ID, "tester")
	if err != nil || done.Status != "completed" {
		t.Fatalf("complete: %v (%+v)", err, done)
	}

	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-1", ContractType: 1, Selections: type1Selections(), ActorID: "tester",
	})
	assertCode(t, err, engine.CodeContractLocked)

	_, err = env.Engine.CreateReconfigurationRequest(env.Ctx, "commune-1", 1, "too late", "tester")
	assertCode(t, err, engine.CodeContractLocked)

	_, err = env.Engine.SignContract(env.Ctx, res.Contract.ID, "x", "y", "tester")
	assertCode(t, err, engine.CodeInvalidTransition)
}

func TestCalculateTargetOperation(t *testing.T) {
	env := newTestEnv(t)
	calc, err := env.Engine.CalculateTarget("vaccination_coverage", 92)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if calc.CalculatedTarget != 93.3 || calc.Direction != "increase" {
		t.Fatalf("unexpected calculation %+v", calc)
	}
	if calc.Explanation == "" {
		t.Fatalf("expected explanation")
	}

	_, err = env.Engine.CalculateTarget("no_such_indicator", 50)
	assertCode(t, err, engine.CodeIndicatorNotFound)

	_, err = env.Engine.CalculateTarget("vaccination_coverage", 94.5)
	assertCode(t, err, engine.CodeNoMatchingRule)
}

func TestEnsureContractIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.EnsureContract(env.Ctx, "commune-8", 1, "tester")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := env.Engine.EnsureContract(env.Ctx, "commune-8", 1, "tester")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != again.ID || first.Number != again.Number {
		t.Fatalf("ensure must return the same contract, got %s vs %s", first.ID, again.ID)
	}
	if again.Status != "draft" {
		t.Fatalf("expected draft, got %s", again.Status)
	}
}

// Catalog where two deliverables resolve targets from the same indicator.
const sharedIndicatorCatalog = `party_a:
  name: "District Health Center"
indicators:
  - code: vaccination_coverage
    name: "Vaccination coverage"
    baseline: 93.7
    target: 95
    rules:
      - condition: "baseline < 93.7"
        target_increase: "1.3"
      - condition: "baseline = 93.7"
        target_increase: "up_to_95"
      - condition: "baseline >= 95"
        target_increase: "0"
contract_types:
  1:
    title: "Shared indicator contract"
    deliverables:
      - number: 1
        title: "Outreach vaccination"
        indicator: vaccination_coverage
        options:
          - number: 1
            condition_type: less_than
      - number: 2
        title: "Fixed-site vaccination"
        indicator: vaccination_coverage
        options:
          - number: 1
            condition_type: less_than
`

func TestDuplicateIndicatorRollsBackConfigure(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := config.FromYAML([]byte(sharedIndicatorCatalog))
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	env.Engine.Catalog = cfg
	_, err = env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-7", ContractType: 1,
		Selections: []engine.SelectionInput{
			{DeliverableNumber: 1, OptionNumber: 1, BaselinePercentage: fptr(92)},
			{DeliverableNumber: 2, OptionNumber: 1, BaselinePercentage: fptr(91)},
		},
		ActorID: "tester",
	})
	assertCode(t, err, engine.CodeDuplicateIndicator)

	contracts, err := env.Engine.ListContracts(env.Ctx, repo.ContractFilters{PartnerID: "commune-7"})
	if err != nil {
		t.Fatalf("list contracts: %v", err)
	}
	if len(contracts) != 0 {
		t.Fatalf("failed configure must persist nothing, got %d contracts", len(contracts))
	}
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ConfigureSelections(env.Ctx, engine.ConfigureOptions{
		PartnerID: "commune-7", ContractType: 1,
		Selections: type1Selections(), ActorID: "tester",
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	items, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected events recorded")
	}
	for _, ev := range items {
		if ev.TS != "2025-06-15T10:00:00Z" {
			t.Fatalf("event %s ts = %s, want the injected clock", ev.Type, ev.TS)
		}
	}
}
