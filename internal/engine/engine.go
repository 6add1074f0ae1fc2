package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/engine/auth"
	"pactline/internal/events"
	"pactline/internal/repo"
	"pactline/internal/rules"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Catalog *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Auth:    auth.Service{DB: db},
		Catalog: cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) rfc3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TargetCalculation is the result of evaluating one indicator against a
// partner baseline. Nothing is persisted.
type TargetCalculation struct {
	IndicatorCode    string  `json:"indicator_code"`
	IndicatorName    string  `json:"indicator_name"`
	StandardBaseline float64 `json:"standard_baseline"`
	StandardTarget   float64 `json:"standard_target"`
	PartnerBaseline  float64 `json:"partner_baseline"`
	CalculatedTarget float64 `json:"calculated_target"`
	RuleApplied      string  `json:"rule_applied"`
	Direction        string  `json:"direction"`
	Explanation      string  `json:"explanation"`
}

// CalculateTarget evaluates the configured rules of one indicator. Pure: no
// transaction, no rows written.
func (e Engine) CalculateTarget(indicatorCode string, partnerBaseline float64) (TargetCalculation, error) {
	if e.Catalog == nil {
		return TargetCalculation{}, errors.New("catalog not loaded")
	}
	ind, ok := e.Catalog.Indicator(indicatorCode)
	if !ok {
		return TargetCalculation{}, errf(CodeIndicatorNotFound, "unknown indicator %s", indicatorCode)
	}
	res, err := rules.CalculateTarget(ind, partnerBaseline)
	if err != nil {
		if errors.Is(err, rules.ErrNoMatchingRule) {
			return TargetCalculation{}, errf(CodeNoMatchingRule, "no calculation rule of %s matches baseline %.2f", indicatorCode, partnerBaseline).
				withDetails(map[string]any{"indicator_code": indicatorCode, "baseline": partnerBaseline})
		}
		return TargetCalculation{}, err
	}
	return TargetCalculation{
		IndicatorCode:    ind.Code,
		IndicatorName:    ind.Name,
		StandardBaseline: ind.BaselinePercentage,
		StandardTarget:   ind.TargetPercentage,
		PartnerBaseline:  partnerBaseline,
		CalculatedTarget: res.CalculatedTarget,
		RuleApplied:      res.RuleApplied,
		Direction:        res.Direction,
		Explanation:      res.Explanation,
	}, nil
}

// EnsureContract returns the partner's contract of the given type, creating a
// draft one with Party A template defaults when none exists yet.
func (e Engine) EnsureContract(ctx context.Context, partnerID string, contractType int, actorID string) (domain.Contract, error) {
	if strings.TrimSpace(partnerID) == "" {
		return domain.Contract{}, errf(CodeInvalidSelections, "partner_id is required")
	}
	if _, ok := e.Catalog.Deliverables(contractType); !ok {
		return domain.Contract{}, errf(CodeInvalidContractType, "contract type %d is not configured", contractType)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, _, err := e.ensureContractTx(ctx, tx, partnerID, contractType, actorID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

func (e Engine) ensureContractTx(ctx context.Context, tx *sql.Tx, partnerID string, contractType int, actorID string) (domain.Contract, bool, error) {
	c, err := e.Repo.GetContractByPartnerTx(ctx, tx, partnerID, contractType)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Contract{}, false, err
	}
	partyA, partyASig := e.Catalog.PartyAFor(contractType)
	now := e.rfc3339()
	c = domain.Contract{
		ID:              uuid.NewString(),
		PartnerID:       partnerID,
		ContractType:    contractType,
		Number:          contractNumber(contractType),
		Status:          "draft",
		PartyAName:      partyA,
		PartyASignature: partyASig,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
		return domain.Contract{}, false, fmt.Errorf("insert contract: %w", err)
	}
	if err := e.Events.Append(ctx, tx, now, "contract.create", c.ID, "contract", c.ID, actorID, events.EventPayload{
		"partner_id":    partnerID,
		"contract_type": contractType,
		"number":        c.Number,
	}); err != nil {
		return domain.Contract{}, false, err
	}
	return c, true, nil
}

func contractNumber(contractType int) string {
	frag := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("HD-%02d-%s", contractType, frag)
}

// SelectionInput is one deliverable choice as submitted by the partner.
type SelectionInput struct {
	DeliverableNumber  int      `json:"deliverable_number" minimum:"1"`
	OptionNumber       int      `json:"option_number" minimum:"1"`
	BaselinePercentage *float64 `json:"baseline_percentage,omitempty"`
	BaselineSource     string   `json:"baseline_source,omitempty"`
	BaselineDate       string   `json:"baseline_date,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

type ConfigureOptions struct {
	PartnerID    string
	ContractType int
	Selections   []SelectionInput
	ActorID      string
}

type ConfigureResult struct {
	Contract          domain.Contract            `json:"contract"`
	Selections        []domain.Selection         `json:"selections"`
	Indicators        []domain.ContractIndicator `json:"indicators,omitempty"`
	Created           bool                       `json:"created"`
	ConsumedRequestID string                     `json:"consumed_request_id,omitempty"`
}

// ConfigureSelections atomically replaces the full selection set of a
// partner's contract. The contract is materialized lazily; a complete set is
// required on every call, and nothing persists when any selection fails
// validation. Signed contracts with prior selections require an approved,
// unconsumed reconfiguration request, which this call consumes.
func (e Engine) ConfigureSelections(ctx context.Context, opts ConfigureOptions) (ConfigureResult, error) {
	if e.Catalog == nil {
		return ConfigureResult{}, errors.New("catalog not loaded")
	}
	if strings.TrimSpace(opts.PartnerID) == "" {
		return ConfigureResult{}, errf(CodeInvalidSelections, "partner_id is required")
	}
	deliverables, ok := e.Catalog.Deliverables(opts.ContractType)
	if !ok {
		return ConfigureResult{}, errf(CodeInvalidContractType, "contract type %d is not configured", opts.ContractType)
	}
	if len(opts.Selections) != len(deliverables) {
		return ConfigureResult{}, errf(CodeIncompleteSelections,
			"contract type %d requires %d selections, got %d", opts.ContractType, len(deliverables), len(opts.Selections)).
			withDetails(map[string]any{"expected": len(deliverables), "got": len(opts.Selections)})
	}

	baselines := make(map[int]float64)
	seen := make(map[int]bool)
	normalized := make([]SelectionInput, 0, len(opts.Selections))
	for _, in := range opts.Selections {
		if seen[in.DeliverableNumber] {
			return ConfigureResult{}, errf(CodeInvalidSelections, "deliverable %d selected twice", in.DeliverableNumber)
		}
		seen[in.DeliverableNumber] = true
		d, ok := e.Catalog.FindDeliverable(opts.ContractType, in.DeliverableNumber)
		if !ok {
			return ConfigureResult{}, errf(CodeInvalidDeliverable, "deliverable %d does not exist for contract type %d", in.DeliverableNumber, opts.ContractType)
		}
		opt, ok := d.FindOption(in.OptionNumber)
		if !ok {
			return ConfigureResult{}, errf(CodeInvalidOption, "option %d does not exist for deliverable %d", in.OptionNumber, in.DeliverableNumber)
		}
		switch {
		case d.BinaryBaseline:
			yes, err := parseYesNo(in.BaselineSource)
			if err != nil {
				return ConfigureResult{}, errf(CodeInvalidSelections, "deliverable %d: baseline_source must be Yes or No", in.DeliverableNumber)
			}
			in.BaselineSource = yes
			in.BaselinePercentage = nil
		case d.Indicator != "":
			if in.BaselinePercentage == nil {
				return ConfigureResult{}, errf(CodeInvalidSelections, "deliverable %d requires baseline_percentage", in.DeliverableNumber)
			}
			baselines[in.DeliverableNumber] = *in.BaselinePercentage
		default:
			if in.BaselinePercentage == nil {
				in.BaselinePercentage = opt.Baseline
			}
		}
		normalized = append(normalized, in)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ConfigureResult{}, err
	}
	defer tx.Rollback()

	c, created, err := e.ensureContractTx(ctx, tx, opts.PartnerID, opts.ContractType, opts.ActorID)
	if err != nil {
		return ConfigureResult{}, err
	}
	var consumedRequest string
	switch c.Status {
	case "completed":
		return ConfigureResult{}, errf(CodeContractLocked, "contract %s is completed and cannot be reconfigured", c.ID)
	case "signed":
		existing, err := e.Repo.CountSelectionsTx(ctx, tx, c.ID)
		if err != nil {
			return ConfigureResult{}, err
		}
		if existing > 0 {
			req, err := e.Repo.UnconsumedApprovalTx(ctx, tx, c.ID)
			if errors.Is(err, repo.ErrNotFound) {
				return ConfigureResult{}, errf(CodeContractLocked, "contract %s is signed; reconfiguration requires an approved request", c.ID)
			}
			if err != nil {
				return ConfigureResult{}, err
			}
			if err := e.Repo.MarkRequestConsumedTx(ctx, tx, req.ID, e.rfc3339()); err != nil {
				return ConfigureResult{}, err
			}
			consumedRequest = req.ID
		}
	}

	now := e.rfc3339()
	if err := e.Repo.DeleteSelectionsTx(ctx, tx, c.ID); err != nil {
		return ConfigureResult{}, err
	}
	for _, in := range normalized {
		s := domain.Selection{
			ID:                 uuid.NewString(),
			ContractID:         c.ID,
			DeliverableNumber:  in.DeliverableNumber,
			OptionNumber:       in.OptionNumber,
			BaselinePercentage: in.BaselinePercentage,
			BaselineSource:     in.BaselineSource,
			BaselineDate:       in.BaselineDate,
			Notes:              in.Notes,
			SelectedBy:         opts.ActorID,
			SelectedAt:         now,
		}
		if err := e.Repo.InsertSelectionTx(ctx, tx, s); err != nil {
			return ConfigureResult{}, fmt.Errorf("insert selection %d: %w", in.DeliverableNumber, err)
		}
	}

	if e.Catalog.BaselineDriven(opts.ContractType) {
		if err := e.Repo.DeleteContractIndicatorsTx(ctx, tx, c.ID); err != nil {
			return ConfigureResult{}, err
		}
		targetDate := fmt.Sprintf("%d-12-31", e.now().UTC().Year())
		for _, d := range deliverables {
			if d.Indicator == "" {
				continue
			}
			ind, ok := e.Catalog.Indicator(d.Indicator)
			if !ok {
				return ConfigureResult{}, errf(CodeIndicatorNotFound, "unknown indicator %s", d.Indicator)
			}
			baseline := baselines[d.Number]
			res, err := rules.CalculateTarget(ind, baseline)
			if err != nil {
				if errors.Is(err, rules.ErrNoMatchingRule) {
					return ConfigureResult{}, errf(CodeNoMatchingRule,
						"no calculation rule of %s matches baseline %.2f", d.Indicator, baseline).
						withDetails(map[string]any{"indicator_code": d.Indicator, "deliverable_number": d.Number, "baseline": baseline})
				}
				return ConfigureResult{}, err
			}
			ci := domain.ContractIndicator{
				ID:                 uuid.NewString(),
				ContractID:         c.ID,
				IndicatorCode:      d.Indicator,
				BaselinePercentage: baseline,
				TargetPercentage:   res.CalculatedTarget,
				TargetDate:         targetDate,
				CalculationMethod:  "based_on_baseline",
				SelectedRule:       res.RuleApplied,
				CreatedAt:          now,
			}
			if err := e.Repo.InsertContractIndicatorTx(ctx, tx, ci); err != nil {
				if repo.IsUniqueViolation(err) {
					return ConfigureResult{}, errf(CodeDuplicateIndicator, "indicator %s already configured for contract %s", d.Indicator, c.ID)
				}
				return ConfigureResult{}, fmt.Errorf("insert contract indicator: %w", err)
			}
		}
	}

	if err := e.Repo.UpdateContractStatusTx(ctx, tx, c.ID, c.Status, now); err != nil {
		return ConfigureResult{}, err
	}
	payload := events.EventPayload{"selections": len(normalized), "created": created}
	if consumedRequest != "" {
		payload["consumed_request_id"] = consumedRequest
	}
	if err := e.Events.Append(ctx, tx, now, "contract.configure", c.ID, "contract", c.ID, opts.ActorID, payload); err != nil {
		return ConfigureResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ConfigureResult{}, err
	}

	stored, err := e.Repo.ListSelections(ctx, c.ID)
	if err != nil {
		return ConfigureResult{}, err
	}
	indicators, err := e.Repo.ListContractIndicators(ctx, c.ID)
	if err != nil {
		return ConfigureResult{}, err
	}
	c.UpdatedAt = now
	return ConfigureResult{
		Contract:          c,
		Selections:        stored,
		Indicators:        indicators,
		Created:           created,
		ConsumedRequestID: consumedRequest,
	}, nil
}

func parseYesNo(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "co", "có":
		return "Yes", nil
	case "no", "n", "khong", "không":
		return "No", nil
	default:
		return "", fmt.Errorf("invalid yes/no value %q", v)
	}
}

// ContractDetail is the contract aggregate as read back by clients.
type ContractDetail struct {
	Contract   domain.Contract            `json:"contract"`
	Selections []domain.Selection         `json:"selections"`
	Indicators []domain.ContractIndicator `json:"indicators,omitempty"`
}

func (e Engine) GetContract(ctx context.Context, contractID string) (ContractDetail, error) {
	if strings.TrimSpace(contractID) == "" {
		return ContractDetail{}, errf(CodeMissingContractID, "contract_id is required")
	}
	c, err := e.Repo.GetContract(ctx, contractID)
	if err != nil {
		return ContractDetail{}, err
	}
	sels, err := e.Repo.ListSelections(ctx, contractID)
	if err != nil {
		return ContractDetail{}, err
	}
	inds, err := e.Repo.ListContractIndicators(ctx, contractID)
	if err != nil {
		return ContractDetail{}, err
	}
	return ContractDetail{Contract: c, Selections: sels, Indicators: inds}, nil
}

// ListSelections returns a contract's selections ordered by deliverable number.
func (e Engine) ListSelections(ctx context.Context, contractID string) ([]domain.Selection, error) {
	if strings.TrimSpace(contractID) == "" {
		return nil, errf(CodeMissingContractID, "contract_id is required")
	}
	if _, err := e.Repo.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return e.Repo.ListSelections(ctx, contractID)
}

func (e Engine) ListContracts(ctx context.Context, f repo.ContractFilters) ([]domain.Contract, error) {
	return e.Repo.ListContracts(ctx, f)
}

func canSign(status string) error {
	switch status {
	case "draft", "pending_signature":
		return nil
	case "signed":
		return errf(CodeInvalidTransition, "contract is already signed")
	default:
		return errf(CodeInvalidTransition, "cannot sign a %s contract", status)
	}
}

func canComplete(status string) error {
	if status != "signed" {
		return errf(CodeInvalidTransition, "only signed contracts can be completed, status is %s", status)
	}
	return nil
}

// SignContract records Party B's signature. Works both before and after
// selections are configured.
func (e Engine) SignContract(ctx context.Context, contractID, partyBName, signatureRef, actorID string) (domain.Contract, error) {
	if strings.TrimSpace(contractID) == "" {
		return domain.Contract{}, errf(CodeMissingContractID, "contract_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractTx(ctx, tx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := canSign(c.Status); err != nil {
		return domain.Contract{}, err
	}
	signedAt := e.rfc3339()
	if err := e.Repo.SetContractSignedTx(ctx, tx, c.ID, partyBName, signatureRef, signedAt); err != nil {
		return domain.Contract{}, err
	}
	if err := e.Events.Append(ctx, tx, signedAt, "contract.sign", c.ID, "contract", c.ID, actorID, events.EventPayload{
		"party_b_name": partyBName,
	}); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	c.Status = "signed"
	if partyBName != "" {
		c.PartyBName = partyBName
	}
	c.PartyBSignature = signatureRef
	c.SignedAt = &signedAt
	c.UpdatedAt = signedAt
	return c, nil
}

// CompleteContract closes a signed contract. Completed contracts are
// permanently locked.
func (e Engine) CompleteContract(ctx context.Context, contractID, actorID string) (domain.Contract, error) {
	if strings.TrimSpace(contractID) == "" {
		return domain.Contract{}, errf(CodeMissingContractID, "contract_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contract{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractTx(ctx, tx, contractID)
	if err != nil {
		return domain.Contract{}, err
	}
	if err := canComplete(c.Status); err != nil {
		return domain.Contract{}, err
	}
	now := e.rfc3339()
	if err := e.Repo.UpdateContractStatusTx(ctx, tx, c.ID, "completed", now); err != nil {
		return domain.Contract{}, err
	}
	if err := e.Events.Append(ctx, tx, now, "contract.complete", c.ID, "contract", c.ID, actorID, nil); err != nil {
		return domain.Contract{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contract{}, err
	}
	c.Status = "completed"
	c.UpdatedAt = now
	return c, nil
}

// CreateReconfigurationRequest opens a pending review for changing the
// selections of a signed contract. One in-flight request per partner.
func (e Engine) CreateReconfigurationRequest(ctx context.Context, partnerID string, contractType int, reason, actorID string) (domain.ReconfigurationRequest, error) {
	if strings.TrimSpace(partnerID) == "" {
		return domain.ReconfigurationRequest{}, errf(CodeInvalidSelections, "partner_id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.ReconfigurationRequest{}, errf(CodeReasonRequired, "request_reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetContractByPartnerTx(ctx, tx, partnerID, contractType)
	if err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	if c.Status != "signed" {
		return domain.ReconfigurationRequest{}, errf(CodeContractLocked, "reconfiguration applies to signed contracts only, status is %s", c.Status)
	}
	pending, err := e.Repo.HasPendingRequestTx(ctx, tx, partnerID)
	if err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	if pending {
		return domain.ReconfigurationRequest{}, errf(CodeRequestPending, "partner %s already has a pending reconfiguration request", partnerID)
	}
	sels, err := e.Repo.ListSelectionsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	snapshot, err := json.Marshal(sels)
	if err != nil {
		return domain.ReconfigurationRequest{}, fmt.Errorf("marshal selections snapshot: %w", err)
	}
	req := domain.ReconfigurationRequest{
		ID:             uuid.NewString(),
		ContractID:     c.ID,
		PartnerID:      partnerID,
		ContractType:   contractType,
		SelectionsJSON: string(snapshot),
		RequestReason:  reason,
		Status:         "pending",
		CreatedAt:      e.rfc3339(),
	}
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.ReconfigurationRequest{}, errf(CodeRequestPending, "partner %s already has a pending reconfiguration request", partnerID)
		}
		return domain.ReconfigurationRequest{}, fmt.Errorf("insert reconfiguration request: %w", err)
	}
	if err := e.Events.Append(ctx, tx, req.CreatedAt, "reconfiguration.request", c.ID, "reconfiguration_request", req.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	return req, nil
}

// ReviewReconfigurationRequest approves or rejects a pending request.
// Rejection demands an explanation; approval notes default to "Approved".
func (e Engine) ReviewReconfigurationRequest(ctx context.Context, requestID, decision, notes, reviewerID string) (domain.ReconfigurationRequest, error) {
	var status string
	switch decision {
	case "approve":
		status = "approved"
		if strings.TrimSpace(notes) == "" {
			notes = "Approved"
		}
	case "reject":
		status = "rejected"
		if strings.TrimSpace(notes) == "" {
			return domain.ReconfigurationRequest{}, errf(CodeReviewNotesRequired, "rejection requires reviewer notes")
		}
	default:
		return domain.ReconfigurationRequest{}, errf(CodeInvalidDecision, "decision must be approve or reject, got %q", decision)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	if req.Status != "pending" {
		return domain.ReconfigurationRequest{}, errf(CodeRequestNotPending, "request %s is %s, only pending requests can be reviewed", requestID, req.Status)
	}
	reviewedAt := e.rfc3339()
	if err := e.Repo.ReviewRequestTx(ctx, tx, requestID, status, reviewerID, reviewedAt, notes); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ReconfigurationRequest{}, errf(CodeRequestNotPending, "request %s is no longer pending", requestID)
		}
		return domain.ReconfigurationRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, reviewedAt, "reconfiguration.review", req.ContractID, "reconfiguration_request", req.ID, reviewerID, events.EventPayload{
		"decision": decision,
		"notes":    notes,
	}); err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReconfigurationRequest{}, err
	}
	req.Status = status
	req.ReviewedBy = &reviewerID
	req.ReviewedAt = &reviewedAt
	req.ReviewerNotes = notes
	return req, nil
}

func (e Engine) GetReconfigurationRequest(ctx context.Context, requestID string) (domain.ReconfigurationRequest, error) {
	return e.Repo.GetRequest(ctx, requestID)
}

func (e Engine) ListReconfigurationRequests(ctx context.Context, f repo.RequestFilters) ([]domain.ReconfigurationRequest, error) {
	return e.Repo.ListRequests(ctx, f)
}
