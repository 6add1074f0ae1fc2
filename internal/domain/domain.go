package domain

type Contract struct {
	ID              string  `json:"id"`
	PartnerID       string  `json:"partner_id"`
	ContractType    int     `json:"contract_type" minimum:"1" maximum:"5"`
	Number          string  `json:"number"`
	Status          string  `json:"status" enum:"draft,pending_signature,signed,completed"`
	PartyAName      string  `json:"party_a_name"`
	PartyASignature string  `json:"party_a_signature,omitempty"`
	PartyBName      string  `json:"party_b_name,omitempty"`
	PartyBSignature string  `json:"party_b_signature,omitempty"`
	SignedAt        *string `json:"signed_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Selection joins a contract to exactly one chosen option per deliverable.
type Selection struct {
	ID                 string   `json:"id"`
	ContractID         string   `json:"contract_id"`
	DeliverableNumber  int      `json:"deliverable_number"`
	OptionNumber       int      `json:"option_number"`
	BaselinePercentage *float64 `json:"baseline_percentage,omitempty"`
	BaselineSource     string   `json:"baseline_source,omitempty"`
	BaselineDate       string   `json:"baseline_date,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	SelectedBy         string   `json:"selected_by"`
	SelectedAt         string   `json:"selected_at" format:"date-time"`
}

// ContractIndicator carries the resolved baseline/target pair for one indicator.
type ContractIndicator struct {
	ID                 string  `json:"id"`
	ContractID         string  `json:"contract_id"`
	IndicatorCode      string  `json:"indicator_code"`
	BaselinePercentage float64 `json:"baseline_percentage"`
	TargetPercentage   float64 `json:"target_percentage"`
	TargetDate         string  `json:"target_date" format:"date"`
	CalculationMethod  string  `json:"calculation_method" enum:"based_on_baseline,custom"`
	SelectedRule       string  `json:"selected_rule,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

type ReconfigurationRequest struct {
	ID             string  `json:"id"`
	ContractID     string  `json:"contract_id"`
	PartnerID      string  `json:"partner_id"`
	ContractType   int     `json:"contract_type"`
	SelectionsJSON string  `json:"selections_json"`
	RequestReason  string  `json:"request_reason"`
	Status         string  `json:"status" enum:"pending,approved,rejected"`
	ReviewedBy     *string `json:"reviewed_by,omitempty"`
	ReviewedAt     *string `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewerNotes  string  `json:"reviewer_notes,omitempty"`
	ConsumedAt     *string `json:"consumed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ContractID string `json:"contract_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
