package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	logrus "github.com/sirupsen/logrus"

	"github.com/moleq/paxpos/internal/pkg/config"
	"github.com/moleq/paxpos/internal/pkg/device"
	"github.com/moleq/paxpos/internal/pkg/pax"
	"github.com/moleq/paxpos/internal/pkg/terminal"
)

// stubTransport stands in for the terminal during handler tests.
type stubTransport struct {
	failures int
	response []byte

	calls    int
	requests [][]byte
	methods  []string
}

func (s *stubTransport) Dispatch(ctx context.Context, method string, request []byte, onStatus pax.StatusFunc) ([]byte, error) {
	s.calls++
	s.methods = append(s.methods, method)
	s.requests = append(s.requests, append([]byte(nil), request...))

	if s.calls <= s.failures {
		return nil, errors.New("terminal offline")
	}
	return s.response, nil
}

var approvedPayload = []byte(`{"ResultCode":"000000","AuthCode":"AUTH01","ECRRefNum":"123456-042"}`)

func TestMain(m *testing.M) {
	log = initLogger(logrus.ErrorLevel)
	log.SetOutput(ioutil.Discard)

	var err error
	configManager, _, err = config.NewManager(testConfig())
	if err != nil {
		logrus.Fatal(err)
	}

	profile = device.A920()
	builder = pax.NewBuilder(profile, configManager)
	prober = terminal.NewProber(log)

	os.Exit(m.Run())
}

func testConfig() config.HostConfig {
	return config.HostConfig{
		Terminal: config.TerminalConfig{
			// port 1 on loopback: reachable host, nothing listening, so
			// probes resolve near-instantly
			IP:             "127.0.0.1",
			Port:           1,
			Timeout:        90,
			ConnectionType: "WIFI",
		},
		Auth: config.AuthConfig{
			MerchantID:  "30188105",
			TerminalID:  "T0001",
			Environment: "sandbox",
		},
		Transaction: config.TransactionConfig{
			DefaultTenderType:     "CREDIT",
			EnableStatusReporting: true,
			MaxRetries:            3,
			RetryDelay:            5000,
		},
		ValidationMode: config.ModeWarn,
	}
}

func useTransport(transport pax.Transport) {
	caller = &pax.Caller{
		Transport:   transport,
		Profile:     profile,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		Log:         log,
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body string) (*httptest.ResponseRecorder, *Response) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Add("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	response := new(Response)
	if err := json.Unmarshal(rr.Body.Bytes(), response); err != nil {
		t.Fatalf("response is not a valid envelope: %s", rr.Body.String())
	}
	return rr, response
}

func TestProcessHandlerApproved(t *testing.T) {
	transport := &stubTransport{response: approvedPayload}
	useTransport(transport)

	rr, response := postJSON(t, ProcessHandler, "/api/pos/trans/process",
		`{"transType":"SALE","tenderType":"CREDIT","amount":1500}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}
	if !response.Success {
		t.Fatalf("expected success envelope: %+v", response)
	}

	data, ok := response.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("expected outcome data, got %T", response.Data)
	}
	if data["status"] != pax.StatusApproved {
		t.Errorf("expected %s, got %v", pax.StatusApproved, data["status"])
	}

	if transport.calls != 1 {
		t.Errorf("expected a single dispatch, got %d", transport.calls)
	}
	if !strings.Contains(string(transport.requests[0]), `"TransType":"SALE"`) {
		t.Errorf("built request not dispatched: %s", transport.requests[0])
	}
}

func TestProcessHandlerMissingAmount(t *testing.T) {
	useTransport(&stubTransport{response: approvedPayload})

	rr, response := postJSON(t, ProcessHandler, "/api/pos/trans/process",
		`{"transType":"SALE","tenderType":"CREDIT"}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	if response.Code != "MISSING_AMOUNT" {
		t.Errorf("expected MISSING_AMOUNT, got %s", response.Code)
	}
}

func TestProcessHandlerValidationFailure(t *testing.T) {
	transport := &stubTransport{response: approvedPayload}
	useTransport(transport)

	rr, response := postJSON(t, ProcessHandler, "/api/pos/trans/process",
		`{"transType":"TELEPORT","tenderType":"CREDIT","amount":1500}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	if response.Code != "VALIDATION_FAILED" {
		t.Errorf("expected VALIDATION_FAILED, got %s", response.Code)
	}
	if transport.calls != 0 {
		t.Errorf("an invalid request must never reach the terminal, got %d dispatches", transport.calls)
	}
}

func TestProcessHandlerRetriesExhausted(t *testing.T) {
	transport := &stubTransport{failures: 99}
	useTransport(transport)

	rr, response := postJSON(t, ProcessHandler, "/api/pos/trans/process",
		`{"transType":"SALE","tenderType":"CREDIT","amount":1500}`)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusBadGateway)
	}
	if response.Code != pax.ErrKindTerminal {
		t.Errorf("expected %s, got %s", pax.ErrKindTerminal, response.Code)
	}
	if transport.calls != 3 {
		t.Errorf("expected 3 dispatches, got %d", transport.calls)
	}
}

func TestReturnHandlerForcesTransType(t *testing.T) {
	transport := &stubTransport{response: approvedPayload}
	useTransport(transport)

	rr, _ := postJSON(t, ReturnHandler, "/api/pos/trans/return",
		`{"tenderType":"CREDIT","amount":1500}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(string(transport.requests[0]), `"TransType":"RETURN"`) {
		t.Errorf("expected a RETURN transaction on the wire: %s", transport.requests[0])
	}
}

func TestVoidHandlerRequiresReference(t *testing.T) {
	transport := &stubTransport{response: approvedPayload}
	useTransport(transport)

	rr, response := postJSON(t, VoidHandler, "/api/pos/trans/void",
		`{"amount":1500}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	if response.Code != "MISSING_TRANSACTION_ID" {
		t.Errorf("expected MISSING_TRANSACTION_ID, got %s", response.Code)
	}
	if transport.calls != 0 {
		t.Errorf("expected no dispatch, got %d", transport.calls)
	}
}

func TestVoidHandlerDispatchesVoid(t *testing.T) {
	transport := &stubTransport{response: approvedPayload}
	useTransport(transport)

	rr, _ := postJSON(t, VoidHandler, "/api/pos/trans/void",
		`{"amount":1500,"referenceNumber":"654321-007"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}
	payload := string(transport.requests[0])
	if !strings.Contains(payload, `"TransType":"VOID"`) {
		t.Errorf("expected a VOID transaction on the wire: %s", payload)
	}
	if !strings.Contains(payload, `"ECRRefNum":"654321-007"`) {
		t.Errorf("expected the original reference on the wire: %s", payload)
	}
}

func TestCancelHandlerNeverRetries(t *testing.T) {
	transport := &stubTransport{failures: 99}
	useTransport(transport)

	req, err := http.NewRequest(http.MethodPost, "/api/pos/trans/cancel", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	http.HandlerFunc(CancelHandler).ServeHTTP(rr, req)

	if transport.calls != 1 {
		t.Fatalf("cancellation must dispatch exactly once, got %d", transport.calls)
	}
	if rr.Code != http.StatusBadGateway {
		t.Errorf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusBadGateway)
	}
}

func TestSignOnHandler(t *testing.T) {
	transport := &stubTransport{response: []byte(`{"ResultCode":"000000"}`)}
	useTransport(transport)

	rr, response := postJSON(t, SignOnHandler, "/api/pos/onsign", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}
	if !response.Success {
		t.Fatalf("expected success envelope: %+v", response)
	}
	if transport.methods[0] != "SignOnPOS" {
		t.Errorf("expected a SignOnPOS dispatch, got %s", transport.methods[0])
	}
	if !strings.Contains(string(transport.requests[0]), `"MerchantId":"30188105"`) {
		t.Errorf("sign-on request missing merchant data: %s", transport.requests[0])
	}
}

func TestDeviceTestHandler(t *testing.T) {
	transport := &stubTransport{response: []byte(`{"ResultCode":"000000"}`)}
	useTransport(transport)

	rr, response := postJSON(t, DeviceTestHandler, "/api/pos/device/test",
		`{"testType":"battery"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}
	if !response.Success {
		t.Fatalf("expected success envelope: %+v", response)
	}
	if transport.methods[0] != "GetBatteryStatus" {
		t.Errorf("expected a GetBatteryStatus dispatch, got %s", transport.methods[0])
	}
}

func TestDeviceTestHandlerUnknownType(t *testing.T) {
	useTransport(&stubTransport{})

	rr, response := postJSON(t, DeviceTestHandler, "/api/pos/device/test",
		`{"testType":"flux-capacitor"}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusBadRequest)
	}
	if response.Code != "UNKNOWN_TEST_TYPE" {
		t.Errorf("expected UNKNOWN_TEST_TYPE, got %s", response.Code)
	}
}

func TestTestConnectionHandlerRefused(t *testing.T) {
	useTransport(&stubTransport{})

	rr, response := postJSON(t, TestConnectionHandler, "/api/pos/test-connection", "")

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusServiceUnavailable)
	}
	if response.Code != "CONNECTIVITY_REFUSED" {
		t.Errorf("expected CONNECTIVITY_REFUSED, got %s", response.Code)
	}
}

func TestConfigHandlerSummary(t *testing.T) {
	useTransport(&stubTransport{})

	req, err := http.NewRequest(http.MethodGet, "/api/pos/config", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	http.HandlerFunc(ConfigHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}

	response := new(Response)
	if err := json.Unmarshal(rr.Body.Bytes(), response); err != nil {
		t.Fatal(err)
	}

	data := response.Data.(map[string]interface{})
	terminalData := data["terminal"].(map[string]interface{})
	if terminalData["model"] != "A920" {
		t.Errorf("expected model A920, got %v", terminalData["model"])
	}

	authData := data["auth"].(map[string]interface{})
	if authData["hasMerchantId"] != true {
		t.Error("expected hasMerchantId to be reported")
	}
	if _, leaked := authData["merchantId"]; leaked {
		t.Error("credentials must never appear in the summary")
	}
}

func TestConfigHandlerReconfigure(t *testing.T) {
	useTransport(&stubTransport{})
	original := configManager.Snapshot()

	rr, response := postJSON(t, ConfigHandler, "/api/pos/config",
		`{"terminal":{"ip":"10.0.0.9"}}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}
	if !response.Success {
		t.Fatalf("expected success envelope: %+v", response)
	}

	updated := configManager.Terminal()
	if updated.IP != "10.0.0.9" {
		t.Errorf("expected the new terminal IP, got %s", updated.IP)
	}
	if updated.Port != 1 {
		t.Errorf("fields absent from the body must be preserved, got port %d", updated.Port)
	}

	// put the shared snapshot back for the other tests
	if _, err := configManager.Replace(original); err != nil {
		t.Fatal(err)
	}
}

func TestStatusHandler(t *testing.T) {
	useTransport(&stubTransport{})

	req, err := http.NewRequest(http.MethodGet, "/api/pos/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	http.HandlerFunc(StatusHandler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %d want %d", rr.Code, http.StatusOK)
	}

	response := new(Response)
	if err := json.Unmarshal(rr.Body.Bytes(), response); err != nil {
		t.Fatal(err)
	}

	data := response.Data.(map[string]interface{})
	if data["status"] != "online" {
		t.Errorf("expected online status, got %v", data["status"])
	}
	if _, ok := data["terminal"]; !ok {
		t.Error("expected the probe result in the status payload")
	}
}
