package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/engine/auth"
	"pactline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"INCOMPLETE_SELECTIONS"`
	Message string         `json:"message" example:"contract type 4 requires 5 selections, got 4"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pactline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope shape.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Pactline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIndicators(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerSelections(group, cfg.Engine)
	registerReconfigurations(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// statusForCode maps domain error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case engine.CodeDuplicateIndicator, engine.CodeContractLocked,
		engine.CodeRequestPending, engine.CodeInvalidTransition:
		return http.StatusConflict
	case engine.CodeNoMatchingRule, engine.CodeRequestNotPending:
		return http.StatusUnprocessableEntity
	case engine.CodeIndicatorNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	var de *engine.Error
	if errors.As(err, &de) {
		return newAPIError(statusForCode(de.Code), de.Code, de.Message, de.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasCapability(caps []string, capability string) bool {
	for _, c := range caps {
		if c == capability {
			return true
		}
	}
	return false
}

// requireCapability performs the single authorization check of an operation.
func requireCapability(ctx context.Context, e engine.Engine, capability string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasCapability(principal.Capabilities, capability) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasCapability(ctx, tx, principal.ActorID, capability)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Capability: capability}
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev/login"), "/"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pactline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIndicators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-indicators",
		Method:      http.MethodGet,
		Path:        "/indicators",
		Summary:     "List configured indicators",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []IndicatorResponse `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "target.calculate"); err != nil {
			return nil, handleError(err)
		}
		var items []IndicatorResponse
		for _, code := range e.Catalog.IndicatorCodes() {
			ind, _ := e.Catalog.Indicator(code)
			items = append(items, IndicatorResponse{
				Code:             ind.Code,
				Name:             ind.Name,
				StandardBaseline: ind.BaselinePercentage,
				StandardTarget:   ind.TargetPercentage,
				ReductionTarget:  ind.IsReductionTarget,
				Rules:            len(ind.Rules),
			})
		}
		return &struct {
			Body []IndicatorResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calculate-target",
		Method:      http.MethodPost,
		Path:        "/indicators/{code}/target",
		Summary:     "Calculate a partner's target for an indicator",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Code string                 `path:"code"`
		Body CalculateTargetRequest `json:"body"`
	}) (*struct {
		Body engine.TargetCalculation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCapability(ctx, e, "target.calculate"); err != nil {
			return nil, handleError(err)
		}
		calc, err := e.CalculateTarget(input.Code, input.Body.Baseline)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TargetCalculation `json:"body"`
		}{Body: calc}, nil
	})
}

func registerSelections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "configure-selections",
		Method:      http.MethodPut,
		Path:        "/partners/{partner_id}/contracts/{contract_type}/selections",
		Summary:     "Replace a contract's deliverable selections",
		Description: "Materializes the contract on first use and atomically replaces the full selection set. Signed contracts require an approved reconfiguration request.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PartnerID    string                     `path:"partner_id"`
		ContractType int                        `path:"contract_type" minimum:"1" maximum:"5"`
		Body         ConfigureSelectionsRequest `json:"body"`
	}) (*struct {
		Body engine.ConfigureResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCapability(ctx, e, "contract.configure"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ConfigureSelections(ctx, engine.ConfigureOptions{
			PartnerID:    input.PartnerID,
			ContractType: input.ContractType,
			Selections:   input.Body.Selections,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConfigureResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-selections",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/selections",
		Summary:     "List a contract's selections",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body []domain.Selection `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "contract.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSelections(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Selection{}
		}
		return &struct {
			Body []domain.Selection `json:"body"`
		}{Body: items}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
	}, func(ctx context.Context, input *struct {
		PartnerID    string `query:"partner_id"`
		ContractType int    `query:"contract_type"`
		Status       string `query:"status"`
	}) (*struct {
		Body []domain.Contract `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "contract.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListContracts(ctx, repo.ContractFilters{
			PartnerID:    input.PartnerID,
			ContractType: input.ContractType,
			Status:       input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Contract{}
		}
		return &struct {
			Body []domain.Contract `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get a contract with selections and calculated targets",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body engine.ContractDetail `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "contract.read"); err != nil {
			return nil, handleError(err)
		}
		detail, err := e.GetContract(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ContractDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/sign",
		Summary:     "Record Party B's signature",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ContractID string              `path:"contract_id"`
		Body       SignContractRequest `json:"body"`
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "contract.sign"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SignContract(ctx, input.ContractID, input.Body.PartyBName, input.Body.Signature, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/complete",
		Summary:     "Close a signed contract",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "contract.complete"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CompleteContract(ctx, input.ContractID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})
}

func registerReconfigurations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-reconfiguration",
		Method:        http.MethodPost,
		Path:          "/reconfigurations",
		Summary:       "Request reconfiguration of a signed contract",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateReconfigurationRequest `json:"body"`
	}) (*struct {
		Body domain.ReconfigurationRequest `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCapability(ctx, e, "reconfiguration.request"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateReconfigurationRequest(ctx, input.Body.PartnerID, input.Body.ContractType, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReconfigurationRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reconfigurations",
		Method:      http.MethodGet,
		Path:        "/reconfigurations",
		Summary:     "List reconfiguration requests",
	}, func(ctx context.Context, input *struct {
		PartnerID  string `query:"partner_id"`
		ContractID string `query:"contract_id"`
		Status     string `query:"status" enum:",pending,approved,rejected"`
	}) (*struct {
		Body []domain.ReconfigurationRequest `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "reconfiguration.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListReconfigurationRequests(ctx, repo.RequestFilters{
			PartnerID:  input.PartnerID,
			ContractID: input.ContractID,
			Status:     input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ReconfigurationRequest{}
		}
		return &struct {
			Body []domain.ReconfigurationRequest `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reconfiguration",
		Method:      http.MethodGet,
		Path:        "/reconfigurations/{request_id}",
		Summary:     "Get a reconfiguration request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body domain.ReconfigurationRequest `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "reconfiguration.read"); err != nil {
			return nil, handleError(err)
		}
		req, err := e.GetReconfigurationRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReconfigurationRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-reconfiguration",
		Method:      http.MethodPost,
		Path:        "/reconfigurations/{request_id}/review",
		Summary:     "Approve or reject a pending reconfiguration request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string                       `path:"request_id"`
		Body      ReviewReconfigurationRequest `json:"body"`
	}) (*struct {
		Body domain.ReconfigurationRequest `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCapability(ctx, e, "reconfiguration.review"); err != nil {
			return nil, handleError(err)
		}
		reviewerID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.ReviewReconfigurationRequest(ctx, input.RequestID, input.Body.Decision, input.Body.Notes, reviewerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReconfigurationRequest `json:"body"`
		}{Body: req}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		ContractID string `query:"contract_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "events.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.ContractID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCapability(ctx, e, "apikey.manage"); err != nil {
			return nil, handleError(err)
		}
		grantedBy, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plaintext, err := e.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Name, input.Body.Role, grantedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if err := requireCapability(ctx, e, "apikey.manage"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range items {
			items[i].KeyHash = ""
		}
		if items == nil {
			items = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requireCapability(ctx, e, "apikey.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.KeyID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := MeResponse{
			ActorID:      principal.ActorID,
			Source:       principal.Source,
			Roles:        principal.Roles,
			Capabilities: principal.Capabilities,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err == nil {
			defer tx.Rollback()
			if roles, err := e.Auth.ActorRoles(ctx, tx, principal.ActorID); err == nil && len(roles) > 0 {
				resp.Roles = append(resp.Roles, roles...)
			}
			if caps, err := e.Auth.ActorCapabilities(ctx, tx, principal.ActorID); err == nil && len(caps) > 0 {
				resp.Capabilities = append(resp.Capabilities, caps...)
			}
		}
		if resp.Roles == nil {
			resp.Roles = []string{}
		}
		if resp.Capabilities == nil {
			resp.Capabilities = []string{}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
