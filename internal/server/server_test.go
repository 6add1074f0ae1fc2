package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/engine"
	"pactline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func grantRole(t *testing.T, e engine.Engine, actorID, role string) {
	t.Helper()
	if err := e.GrantRole(context.Background(), actorID, role, "test-admin"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("parse error envelope %s: %v", data, err)
	}
	return envelope.Error.Code
}

func actorHeaders(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func type1Body() map[string]any {
	return map[string]any{
		"selections": []map[string]any{
			{"deliverable_number": 1, "option_number": 1, "baseline_percentage": 92},
			{"deliverable_number": 2, "option_number": 2, "baseline_percentage": 12},
			{"deliverable_number": 3, "option_number": 2, "baseline_percentage": 88},
		},
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/contracts", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, body %s", resp.StatusCode, data)
	}
}

func TestForbiddenWithoutRole(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/contracts", nil, actorHeaders("nobody"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, body %s", resp.StatusCode, data)
	}
	if errorCode(t, data) != "forbidden" {
		t.Fatalf("unexpected error body %s", data)
	}
}

func TestConfigureAndReadBack(t *testing.T) {
	ts := newTestServer(t)
	grantRole(t, ts.Engine, "clerk", "admin")

	resp, data := doJSON(t, ts.client, http.MethodPut,
		ts.URL+"/v0/partners/commune-7/contracts/1/selections", type1Body(), actorHeaders("clerk"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure status %d, body %s", resp.StatusCode, data)
	}
	var result struct {
		Contract struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"contract"`
		Selections []struct {
			DeliverableNumber int `json:"deliverable_number"`
		} `json:"selections"`
		Indicators []struct {
			IndicatorCode    string  `json:"indicator_code"`
			TargetPercentage float64 `json:"target_percentage"`
		} `json:"indicators"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("parse configure response %s: %v", data, err)
	}
	if result.Contract.Status != "draft" || len(result.Selections) != 3 {
		t.Fatalf("unexpected configure result %s", data)
	}
	found := false
	for _, ci := range result.Indicators {
		if ci.IndicatorCode == "vaccination_coverage" && ci.TargetPercentage == 93.3 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected vaccination target 93.3 in %s", data)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet,
		ts.URL+"/v0/contracts/"+result.Contract.ID+"/selections", nil, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("selections status %d, body %s", resp.StatusCode, data)
	}
	var sels []struct {
		DeliverableNumber int `json:"deliverable_number"`
	}
	if err := json.Unmarshal(data, &sels); err != nil {
		t.Fatalf("parse selections %s: %v", data, err)
	}
	if len(sels) != 3 || sels[0].DeliverableNumber != 1 {
		t.Fatalf("unexpected selections %s", data)
	}
}

func TestIncompleteSelectionsEnvelope(t *testing.T) {
	ts := newTestServer(t)
	grantRole(t, ts.Engine, "clerk", "admin")
	body := map[string]any{
		"selections": []map[string]any{
			{"deliverable_number": 1, "option_number": 1, "baseline_percentage": 92},
		},
	}
	resp, data := doJSON(t, ts.client, http.MethodPut,
		ts.URL+"/v0/partners/commune-7/contracts/1/selections", body, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, body %s", resp.StatusCode, data)
	}
	if errorCode(t, data) != "INCOMPLETE_SELECTIONS" {
		t.Fatalf("unexpected code in %s", data)
	}
}

func TestSignedContractConflict(t *testing.T) {
	ts := newTestServer(t)
	grantRole(t, ts.Engine, "clerk", "admin")

	resp, data := doJSON(t, ts.client, http.MethodPut,
		ts.URL+"/v0/partners/commune-8/contracts/1/selections", type1Body(), actorHeaders("clerk"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure status %d, body %s", resp.StatusCode, data)
	}
	var result struct {
		Contract struct {
			ID string `json:"id"`
		} `json:"contract"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/contracts/"+result.Contract.ID+"/sign",
		map[string]any{"party_b_name": "Commune 8", "signature": "sig"}, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign status %d, body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPut,
		ts.URL+"/v0/partners/commune-8/contracts/1/selections", type1Body(), actorHeaders("clerk"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d body %s", resp.StatusCode, data)
	}
	if errorCode(t, data) != "CONTRACT_LOCKED" {
		t.Fatalf("unexpected code in %s", data)
	}
}

func TestReconfigurationOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	grantRole(t, ts.Engine, "clerk", "admin")

	_, data := doJSON(t, ts.client, http.MethodPut,
		ts.URL+"/v0/partners/commune-9/contracts/1/selections", type1Body(), actorHeaders("clerk"))
	var configured struct {
		Contract struct {
			ID string `json:"id"`
		} `json:"contract"`
	}
	if err := json.Unmarshal(data, &configured); err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/contracts/"+configured.Contract.ID+"/sign",
		map[string]any{"party_b_name": "Commune 9"}, actorHeaders("clerk"))

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/reconfigurations",
		map[string]any{"partner_id": "commune-9", "contract_type": 1, "reason": "new survey"}, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request status %d, body %s", resp.StatusCode, data)
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("parse request %s: %v", data, err)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/reconfigurations/"+req.ID+"/review",
		map[string]any{"decision": "reject"}, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reject without notes: status %d body %s", resp.StatusCode, data)
	}
	if errorCode(t, data) != "REVIEW_NOTES_REQUIRED" {
		t.Fatalf("unexpected code in %s", data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/reconfigurations/"+req.ID+"/review",
		map[string]any{"decision": "approve"}, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPut,
		ts.URL+"/v0/partners/commune-9/contracts/1/selections", type1Body(), actorHeaders("clerk"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approved reconfigure status %d body %s", resp.StatusCode, data)
	}
	var reconfigured struct {
		ConsumedRequestID string `json:"consumed_request_id"`
	}
	if err := json.Unmarshal(data, &reconfigured); err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	if reconfigured.ConsumedRequestID != req.ID {
		t.Fatalf("expected consumed request %s, got %q", req.ID, reconfigured.ConsumedRequestID)
	}
}

func TestCalculateTargetEndpoint(t *testing.T) {
	ts := newTestServer(t)
	grantRole(t, ts.Engine, "clerk", "partner")
	resp, data := doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/indicators/vaccination_coverage/target",
		map[string]any{"baseline": 93.7}, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, body %s", resp.StatusCode, data)
	}
	var calc struct {
		CalculatedTarget float64 `json:"calculated_target"`
		Explanation      string  `json:"explanation"`
	}
	if err := json.Unmarshal(data, &calc); err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	if calc.CalculatedTarget != 95 || calc.Explanation == "" {
		t.Fatalf("unexpected calculation %s", data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost,
		ts.URL+"/v0/indicators/vaccination_coverage/target",
		map[string]any{"baseline": 94.5}, actorHeaders("clerk"))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("dead-zone baseline: status %d body %s", resp.StatusCode, data)
	}
	if errorCode(t, data) != "NO_MATCHING_RULE" {
		t.Fatalf("unexpected code in %s", data)
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	ts := newTestServer(t)
	grantRole(t, ts.Engine, "jwt-user", "reviewer")
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/auth/dev/login",
		map[string]any{"actor_id": "jwt-user"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d body %s", resp.StatusCode, data)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("parse token %s: %v", data, err)
	}
	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/reconfigurations", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer list status %d body %s", resp.StatusCode, data)
	}
}
