package pactlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pactline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TargetCalculation is the result of evaluating an indicator's rules.
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

// Contract represents the API contract model.
type Contract struct {
	ID           string `json:"id"`
	PartnerID    string `json:"partner_id"`
	ContractType int    `json:"contract_type"`
	Number       string `json:"number"`
	Status       string `json:"status"`
	PartyAName   string `json:"party_a_name"`
	PartyBName   string `json:"party_b_name,omitempty"`
	SignedAt     string `json:"signed_at,omitempty"`
}

// Selection is one configured deliverable choice.
type Selection struct {
	ID                 string   `json:"id"`
	ContractID         string   `json:"contract_id"`
	DeliverableNumber  int      `json:"deliverable_number"`
	OptionNumber       int      `json:"option_number"`
	BaselinePercentage *float64 `json:"baseline_percentage,omitempty"`
	BaselineSource     string   `json:"baseline_source,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

// SelectionInput is one deliverable choice to submit.
type SelectionInput struct {
	DeliverableNumber  int      `json:"deliverable_number"`
	OptionNumber       int      `json:"option_number"`
	BaselinePercentage *float64 `json:"baseline_percentage,omitempty"`
	BaselineSource     string   `json:"baseline_source,omitempty"`
	BaselineDate       string   `json:"baseline_date,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

// ContractIndicator is a resolved baseline/target pair.
type ContractIndicator struct {
	IndicatorCode      string  `json:"indicator_code"`
	BaselinePercentage float64 `json:"baseline_percentage"`
	TargetPercentage   float64 `json:"target_percentage"`
	TargetDate         string  `json:"target_date"`
	SelectedRule       string  `json:"selected_rule,omitempty"`
}

// ConfigureResult is the outcome of a selections replace.
type ConfigureResult struct {
	Contract          Contract            `json:"contract"`
	Selections        []Selection         `json:"selections"`
	Indicators        []ContractIndicator `json:"indicators,omitempty"`
	Created           bool                `json:"created"`
	ConsumedRequestID string              `json:"consumed_request_id,omitempty"`
}

// ReconfigurationRequest is a pending or reviewed change request.
type ReconfigurationRequest struct {
	ID            string `json:"id"`
	ContractID    string `json:"contract_id"`
	PartnerID     string `json:"partner_id"`
	ContractType  int    `json:"contract_type"`
	RequestReason string `json:"request_reason"`
	Status        string `json:"status"`
	ReviewerNotes string `json:"reviewer_notes,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CalculateTarget evaluates an indicator for a partner baseline.
func (c *Client) CalculateTarget(ctx context.Context, indicatorCode string, baseline float64) (TargetCalculation, error) {
	body := map[string]any{"baseline": baseline}
	var resp TargetCalculation
	endpoint := fmt.Sprintf("v0/indicators/%s/target", url.PathEscape(indicatorCode))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ConfigureSelections replaces a contract's full selection set.
func (c *Client) ConfigureSelections(ctx context.Context, partnerID string, contractType int, selections []SelectionInput) (ConfigureResult, error) {
	body := map[string]any{"selections": selections}
	var resp ConfigureResult
	endpoint := fmt.Sprintf("v0/partners/%s/contracts/%d/selections", url.PathEscape(partnerID), contractType)
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// ListSelections returns a contract's selections.
func (c *Client) ListSelections(ctx context.Context, contractID string) ([]Selection, error) {
	var resp []Selection
	endpoint := fmt.Sprintf("v0/contracts/%s/selections", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SignContract records Party B's signature.
func (c *Client) SignContract(ctx context.Context, contractID, partyBName, signature string) (Contract, error) {
	body := map[string]any{"party_b_name": partyBName, "signature": signature}
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s/sign", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RequestReconfiguration opens a pending review for a signed contract.
func (c *Client) RequestReconfiguration(ctx context.Context, partnerID string, contractType int, reason string) (ReconfigurationRequest, error) {
	body := map[string]any{"partner_id": partnerID, "contract_type": contractType, "reason": reason}
	var resp ReconfigurationRequest
	err := c.do(ctx, http.MethodPost, "v0/reconfigurations", body, &resp)
	return resp, err
}

// ReviewReconfiguration approves or rejects a pending request.
func (c *Client) ReviewReconfiguration(ctx context.Context, requestID, decision, notes string) (ReconfigurationRequest, error) {
	body := map[string]any{"decision": decision, "notes": notes}
	var resp ReconfigurationRequest
	endpoint := fmt.Sprintf("v0/reconfigurations/%s/review", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
