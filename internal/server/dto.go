package server

import (
	"pactline/internal/engine"
)

type CalculateTargetRequest struct {
	Baseline float64 `json:"baseline" doc:"Partner baseline percentage"`
}

type IndicatorResponse struct {
	Code             string  `json:"code"`
	Name             string  `json:"name"`
	StandardBaseline float64 `json:"standard_baseline"`
	StandardTarget   float64 `json:"standard_target"`
	ReductionTarget  bool    `json:"reduction_target,omitempty"`
	Rules            int     `json:"rules"`
}

type ConfigureSelectionsRequest struct {
	Selections []engine.SelectionInput `json:"selections" minItems:"1"`
}

type SignContractRequest struct {
	PartyBName string `json:"party_b_name,omitempty"`
	Signature  string `json:"signature,omitempty" doc:"Signature image reference or digest"`
}

type CreateReconfigurationRequest struct {
	PartnerID    string `json:"partner_id"`
	ContractType int    `json:"contract_type" minimum:"1" maximum:"5"`
	Reason       string `json:"reason"`
}

type ReviewReconfigurationRequest struct {
	Decision string `json:"decision" enum:"approve,reject"`
	Notes    string `json:"notes,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty" enum:",partner,reviewer,admin"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key" doc:"Plaintext key, shown once"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	ActorID      string   `json:"actor_id"`
	Source       string   `json:"source"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}
