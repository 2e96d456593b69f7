package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httputil"
	"os"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
	logrus "github.com/sirupsen/logrus"
	shortid "github.com/ventu-io/go-shortid"

	"github.com/moleq/paxpos/internal/pkg/config"
	"github.com/moleq/paxpos/internal/pkg/device"
	"github.com/moleq/paxpos/internal/pkg/history"
	"github.com/moleq/paxpos/internal/pkg/pax"
	"github.com/moleq/paxpos/internal/pkg/terminal"
)

// Response is the JSON envelope every API endpoint returns.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

var log *logrus.Logger

var configManager *config.Manager

var profile *device.Profile

var builder *pax.Builder

var caller *pax.Caller

var prober *terminal.Prober

var db *sql.DB

var historyStore *history.Store

func main() {
	// default configuration file for prod
	configurationFile := "/etc/paxpos/posproxy.json"
	if os.Getenv("DEV") != "" {
		// default configuration file for dev
		configurationFile = "../configs/posproxy.json"
	}

	rand.Seed(time.Now().UnixNano())

	// load config
	appConfig, err := config.ReadApplicationConfig(configurationFile)
	if err != nil {
		logrus.Fatal(err)
	}

	// init our logging framework
	level, err := logrus.ParseLevel(appConfig.LogLevel)
	if err != nil {
		logrus.Fatalf("Level %s is not a valid log level. Try setting 'info' in production ", appConfig.LogLevel)
	}

	log = initLogger(level)

	var warnings []string
	configManager, warnings, err = config.NewManager(appConfig)
	if err != nil {
		log.Fatalf("Configuration Error: %s", err)
	}
	logWarnings(warnings)

	db = connectToDatabase(appConfig.Database)
	historyStore = history.NewStore(db)

	profile = device.A920()
	builder = pax.NewBuilder(profile, configManager)
	caller = pax.NewCaller(pax.NewTCPTransport(configManager, profile, log), profile, appConfig.Transaction, log)
	prober = terminal.NewProber(log)

	http.HandleFunc("/api/pos/status", StatusHandler)
	http.HandleFunc("/api/pos/test-connection", TestConnectionHandler)
	http.HandleFunc("/api/pos/onsign", SignOnHandler)
	http.HandleFunc("/api/pos/trans/process", ProcessHandler)
	http.HandleFunc("/api/pos/trans/cancel", CancelHandler)
	http.HandleFunc("/api/pos/trans/return", ReturnHandler)
	http.HandleFunc("/api/pos/trans/void", VoidHandler)
	http.HandleFunc("/api/pos/transactions", TransactionsHandler)
	http.HandleFunc("/api/pos/config", ConfigHandler)

	http.HandleFunc("/api/pos/device/test", DeviceTestHandler)
	http.HandleFunc("/api/pos/device/print", deviceHandler("PrintReceipt", 30*time.Second))
	http.HandleFunc("/api/pos/device/signature", deviceHandler("DoSign", profile.Timeouts.Signature))
	http.HandleFunc("/api/pos/device/display", deviceHandler("DisplayMessage", 10*time.Second))
	http.HandleFunc("/api/pos/device/scan", deviceHandler("ScanBarcode", 30*time.Second))
	http.HandleFunc("/api/pos/device/nfc", deviceHandler("TestNFC", 30*time.Second))
	http.HandleFunc("/api/pos/device/battery", deviceHandler("GetBatteryStatus", profile.Timeouts.Heartbeat))

	port := appConfig.Webserver.Port

	log.Infof("Starting webserver on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func initLogger(logLevel logrus.Level) *logrus.Logger {

	logger := logrus.New()
	logger.Formatter = &logrus.JSONFormatter{}

	logger.SetOutput(os.Stdout)

	logger.SetLevel(logLevel)

	return logger
}

func logWarnings(warnings []string) {
	for _, warning := range warnings {
		log.Warnf("Configuration: %s", warning)
	}
}

func connectToDatabase(params config.DbConnection) *sql.DB {

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=Local&timeout=%s",
		params.Username,
		params.Password,
		params.Host,
		params.Name,
		params.Timeout,
	)

	log.Infof("Attempting to connect to database %s", params.Host)

	db, err := sql.Open("mysql", dsn)

	if err != nil {
		log.Error("Unable to connect")
		log.Fatal(err)
	}

	err = retry(30, time.Duration(10), db.Ping)

	// test to make sure it's all good
	if err != nil {
		log.Errorf("Unable to connect to database: %s on %s", params.Name, params.Host)
		log.Warn(err)
	}

	log.Info("Database Connected")

	return db
}

func retry(attempts int, sleep time.Duration, f func() error) error {
	if err := f(); err != nil {
		log.Warn(err)
		if attempts--; attempts > 0 {

			jitter := time.Duration(rand.Int63n(int64(sleep)))
			sleep = sleep + jitter/2

			time.Sleep(sleep)

			log.Warning("Unsuccessful Retrying")
			return retry(attempts, 2*sleep, f)
		}
		return err
	}

	return nil
}

func logRequest(r *http.Request) {
	requestID, _ := shortid.Generate()
	dump, _ := httputil.DumpRequest(r, true)
	log.WithFields(logrus.Fields{
		"request_id": requestID,
		"path":       r.URL.Path,
	}).Debugf("%q", dump)
}

func sendResponse(w http.ResponseWriter, status int, response *Response) {
	response.Timestamp = time.Now()

	responseJSON, err := json.Marshal(response)
	if err != nil {
		log.Errorf("Failed to marshal response json: %s ", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

func sendError(w http.ResponseWriter, status int, code string, message string) {
	sendResponse(w, status, &Response{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

// StatusHandler reports the system status: configuration summary plus a live
// connectivity probe against the terminal.
func StatusHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	terminalConfig := configManager.Terminal()
	probe := prober.Probe(terminalConfig.IP, terminalConfig.Port, 5*time.Second)

	sendResponse(w, http.StatusOK, &Response{
		Success: true,
		Data: map[string]interface{}{
			"status":        "online",
			"configuration": configSummary(),
			"terminal":      probe,
		},
	})
}

// TestConnectionHandler runs a connectivity probe. The probe distinguishes a
// timeout (network problem) from a refusal (device problem) so the operator
// knows what to fix.
func TestConnectionHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	terminalConfig := configManager.Terminal()
	probe := prober.Probe(terminalConfig.IP, terminalConfig.Port, 5*time.Second)

	if !probe.Success {
		sendResponse(w, http.StatusServiceUnavailable, &Response{
			Success: false,
			Error:   probe.Message,
			Code:    "CONNECTIVITY_" + probe.State.String(),
		})
		return
	}

	sendResponse(w, http.StatusOK, &Response{
		Success: true,
		Data:    probe,
	})
}

// SignOnHandler performs the POS sign-on against the terminal.
func SignOnHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	request := builder.BuildSignOnRequest()

	outcome, err := caller.Execute(r.Context(), pax.Call{
		Method:    "SignOnPOS",
		Request:   request,
		Timeout:   profile.ResolveTimeout(device.TransSignOn),
		Retryable: true,
	})
	if err != nil {
		log.Error(err)
		sendError(w, http.StatusInternalServerError, "SIGNON_ERROR", "Failed to sign on POS")
		return
	}

	respondWithOutcome(w, outcome)
}

// ProcessHandler receives a payment request from the POS and drives it through
// the terminal.
func ProcessHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)
	processTransaction(w, r, "")
}

// ReturnHandler processes a refund. The transaction type is forced; everything
// else follows the normal payment path.
func ReturnHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)
	processTransaction(w, r, device.TransReturn)
}

// VoidHandler voids a prior transaction by its reference number.
func VoidHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	input, ok := bindTransactionInput(w, r)
	if !ok {
		return
	}

	if input.ReferenceNumber == "" {
		sendError(w, http.StatusBadRequest, "MISSING_TRANSACTION_ID", "Transaction reference is required for void operation")
		return
	}

	input.TransType = device.TransVoid
	executeTransaction(w, r, input)
}

func processTransaction(w http.ResponseWriter, r *http.Request, forceType string) {
	input, ok := bindTransactionInput(w, r)
	if !ok {
		return
	}

	if forceType != "" {
		input.TransType = forceType
	}

	executeTransaction(w, r, input)
}

func bindTransactionInput(w http.ResponseWriter, r *http.Request) (*pax.TransactionInput, bool) {
	input := new(pax.TransactionInput)

	if err := json.NewDecoder(r.Body).Decode(input); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON")
		return nil, false
	}

	if input.Amount == 0 {
		sendError(w, http.StatusBadRequest, "MISSING_AMOUNT", "Transaction amount is required")
		return nil, false
	}

	if input.Amount < 0 {
		sendError(w, http.StatusBadRequest, "INVALID_AMOUNT", "Transaction amount must be greater than 0")
		return nil, false
	}

	return input, true
}

func executeTransaction(w http.ResponseWriter, r *http.Request, input *pax.TransactionInput) {
	request, err := builder.BuildTransactionRequest(input)
	if err != nil {
		if validationErr, ok := err.(*pax.ValidationError); ok {
			sendResponse(w, http.StatusBadRequest, &Response{
				Success: false,
				Error:   validationErr.Error(),
				Code:    "VALIDATION_FAILED",
				Data:    map[string]interface{}{"errors": validationErr.Errors},
			})
			return
		}
		log.Error(err)
		sendError(w, http.StatusInternalServerError, "TRANSACTION_ERROR", "Failed to process transaction")
		return
	}

	log.Infof("Processing %s for %d with reference %s", request.TransType, request.Amount, request.ECRRefNum)

	outcome, err := caller.Execute(r.Context(), pax.Call{
		Method:    "ProcessTrans",
		Request:   request,
		Timeout:   time.Duration(request.Timeout) * time.Second,
		Retryable: true,
	})
	if err != nil {
		log.Error(err)
		sendError(w, http.StatusInternalServerError, "TRANSACTION_ERROR", "Failed to process transaction")
		return
	}

	recordOutcome(request, outcome)
	respondWithOutcome(w, outcome)
}

// CancelHandler asks the terminal to abort the in-flight transaction. A cancel
// is never retried; re-issuing a cancel against an idle terminal is unsafe.
func CancelHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	outcome, err := caller.Execute(r.Context(), pax.Call{
		Method:    "CancelTrans",
		Request:   struct{}{},
		Timeout:   profile.Timeouts.Transaction,
		Retryable: false,
	})
	if err != nil {
		log.Error(err)
		sendError(w, http.StatusInternalServerError, "CANCEL_ERROR", "Failed to cancel transaction")
		return
	}

	respondWithOutcome(w, outcome)
}

// TransactionsHandler serves the recorded transaction history, either the most
// recent entries or a single lookup by reference number.
func TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	if historyStore == nil {
		sendError(w, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Transaction history is not available")
		return
	}

	if ref := r.URL.Query().Get("ref"); ref != "" {
		record, err := historyStore.GetByReference(ref)
		if err != nil {
			sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		sendResponse(w, http.StatusOK, &Response{Success: true, Data: record})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	records, err := historyStore.Recent(limit)
	if err != nil {
		log.Error(err)
		sendError(w, http.StatusInternalServerError, "HISTORY_ERROR", "Unable to read transaction history")
		return
	}

	sendResponse(w, http.StatusOK, &Response{Success: true, Data: records})
}

// ConfigHandler serves the configuration summary and accepts an atomic
// reconfiguration. Secrets never leave the process; the summary only reports
// whether credentials are present.
func ConfigHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	switch r.Method {
	case http.MethodPost:
		// start from the current snapshot so a partial body only touches
		// the fields it names, then swap the whole snapshot at once
		updated := configManager.Snapshot()
		if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
			sendError(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON")
			return
		}

		warnings, err := configManager.Replace(updated)
		logWarnings(warnings)
		if err != nil {
			sendResponse(w, http.StatusUnprocessableEntity, &Response{
				Success: false,
				Error:   err.Error(),
				Code:    "CONFIGURATION_REJECTED",
				Data:    map[string]interface{}{"warnings": warnings},
			})
			return
		}

		sendResponse(w, http.StatusOK, &Response{
			Success: true,
			Data:    map[string]interface{}{"warnings": warnings, "configuration": configSummary()},
		})
	default:
		sendResponse(w, http.StatusOK, &Response{
			Success: true,
			Data:    configSummary(),
		})
	}
}

func configSummary() map[string]interface{} {
	snapshot := configManager.Snapshot()

	return map[string]interface{}{
		"terminal": map[string]interface{}{
			"model":          profile.Model,
			"ip":             snapshot.Terminal.IP,
			"port":           snapshot.Terminal.Port,
			"connectionType": snapshot.Terminal.ConnectionType,
			"capabilities":   profile.Capabilities,
		},
		"auth": map[string]interface{}{
			"environment":   snapshot.Auth.Environment,
			"hasAuthUrl":    snapshot.Auth.URL != "",
			"hasMerchantId": snapshot.Auth.MerchantID != "",
			"hasTerminalId": snapshot.Auth.TerminalID != "",
			"hasApiKey":     snapshot.Auth.APIKey != "",
		},
		"transaction": map[string]interface{}{
			"defaultTenderType": snapshot.Transaction.DefaultTenderType,
			"statusReporting":   snapshot.Transaction.EnableStatusReporting,
			"supportedTypes":    profile.SupportedTransTypes,
			"supportedTenders":  profile.SupportedTenderTypes,
			"limits": map[string]int64{
				"minAmount": profile.MinAmount,
				"maxAmount": profile.MaxAmount,
			},
		},
		"validationMode": snapshot.ValidationMode,
	}
}

// DeviceTestHandler runs a named device sub-test. The test type selects the
// terminal method; parameters are passed through untouched.
func DeviceTestHandler(w http.ResponseWriter, r *http.Request) {
	logRequest(r)

	var body struct {
		TestType   string          `json:"testType"`
		Parameters json.RawMessage `json:"parameters,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TestType == "" {
		sendError(w, http.StatusBadRequest, "MISSING_TEST_TYPE", "testType is required")
		return
	}

	methods := map[string]string{
		"connection": "TestConnection",
		"printer":    "PrintReceipt",
		"display":    "DisplayMessage",
		"signature":  "DoSign",
		"camera":     "ScanBarcode",
		"nfc":        "TestNFC",
		"battery":    "GetBatteryStatus",
	}

	method, ok := methods[body.TestType]
	if !ok {
		sendError(w, http.StatusBadRequest, "UNKNOWN_TEST_TYPE", "Unknown device test: "+body.TestType)
		return
	}

	executeDeviceCall(w, r, method, body.Parameters, 30*time.Second)
}

// deviceHandler builds a handler for one terminal device operation.
func deviceHandler(method string, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logRequest(r)

		var params json.RawMessage
		if r.Body != nil {
			// device endpoints accept an optional parameter object
			_ = json.NewDecoder(r.Body).Decode(&params)
		}

		executeDeviceCall(w, r, method, params, timeout)
	}
}

func executeDeviceCall(w http.ResponseWriter, r *http.Request, method string, params json.RawMessage, timeout time.Duration) {
	var request interface{} = struct{}{}
	if len(params) > 0 {
		request = params
	}

	outcome, err := caller.Execute(r.Context(), pax.Call{
		Method:    method,
		Request:   request,
		Timeout:   timeout,
		Retryable: false,
	})
	if err != nil {
		log.Error(err)
		sendError(w, http.StatusInternalServerError, "DEVICE_ERROR", method+" failed")
		return
	}

	respondWithOutcome(w, outcome)
}

func recordOutcome(request *pax.TransactionRequest, outcome *pax.Outcome) {
	if historyStore == nil {
		return
	}

	if _, err := historyStore.Save("pos-proxy", history.NewRecord(request, outcome)); err != nil {
		log.Errorf("Unable to record transaction %s: %s", request.ECRRefNum, err)
	}
}

func respondWithOutcome(w http.ResponseWriter, outcome *pax.Outcome) {
	if !outcome.Success {
		status := http.StatusBadGateway
		if outcome.ErrorKind == pax.ErrKindTimeout {
			status = http.StatusGatewayTimeout
		}
		sendResponse(w, status, &Response{
			Success: false,
			Error:   outcome.Message,
			Code:    outcome.ErrorKind,
			Data:    outcome,
		})
		return
	}

	sendResponse(w, http.StatusOK, &Response{
		Success: true,
		Data:    outcome,
	})
}
