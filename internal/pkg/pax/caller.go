package pax

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/moleq/paxpos/internal/pkg/config"
	"github.com/moleq/paxpos/internal/pkg/device"
)

// Error kinds carried on failure outcomes.
const (
	ErrKindValidation   = "VALIDATION_FAILED"
	ErrKindTerminal     = "TERMINAL_ERROR"
	ErrKindTimeout      = "TIMEOUT"
	ErrKindConnectivity = "CONNECTIVITY_FAILURE"
)

// StatusFunc receives an intermediate device status. Returning from the
// function acknowledges the status; the terminal does not proceed until then.
type StatusFunc func(data string)

// Transport is the boundary to the native terminal protocol. A Dispatch is one
// complete round trip: the serialized request out, zero or more status
// notifications (each delivered through onStatus and acknowledged before the
// next), and exactly one response payload or error.
type Transport interface {
	Dispatch(ctx context.Context, method string, request []byte, onStatus StatusFunc) ([]byte, error)
}

// Call is one logical operation against the terminal.
type Call struct {
	Method    string
	Request   interface{}
	Timeout   time.Duration
	Retryable bool
	OnStatus  StatusFunc
}

// Outcome is the resolved result of a call, immutable once produced. Success
// means the terminal answered; the business decision (approved/declined) is in
// Status and ResultCode. A failure carries the error classification, the
// number of dispatch attempts made and a timestamp.
type Outcome struct {
	Success    bool            `json:"success"`
	Status     string          `json:"status,omitempty"`
	ResultCode string          `json:"resultCode,omitempty"`
	AuthCode   string          `json:"authCode,omitempty"`
	Reference  string          `json:"referenceNumber,omitempty"`
	Message    string          `json:"message,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	ErrorKind  string          `json:"errorKind,omitempty"`
	Attempts   int             `json:"attempts"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Caller owns the call lifecycle to the terminal: dispatch, status streaming,
// result decoding, retries and per-attempt timeouts. A Caller issues one call
// at a time; retries are sequential new sessions, never concurrent.
type Caller struct {
	Transport   Transport
	Profile     *device.Profile
	MaxAttempts int
	RetryDelay  time.Duration

	// UseBackoff applies the profile's graduated schedule instead of the
	// fixed RetryDelay. Current policy is the fixed delay.
	UseBackoff bool

	Log *log.Logger
}

// NewCaller builds a Caller from the transaction configuration.
func NewCaller(transport Transport, profile *device.Profile, txn config.TransactionConfig, logger *log.Logger) *Caller {
	return &Caller{
		Transport:   transport,
		Profile:     profile,
		MaxAttempts: txn.MaxRetries,
		RetryDelay:  txn.RetryDelayDuration(),
		Log:         logger,
	}
}

// Execute runs a call to completion. The request payload is serialized once
// and re-sent identically on every attempt, so the reference number never
// changes across retries of the same logical call. A timeout counts as a
// terminal error for retry purposes. Non-retryable calls get exactly one
// dispatch.
func (c *Caller) Execute(ctx context.Context, call Call) (*Outcome, error) {
	body, err := json.Marshal(call.Request)
	if err != nil {
		return nil, fmt.Errorf("unable to serialize %s request: %w", call.Method, err)
	}

	contextLogger := c.Log.WithFields(log.Fields{
		"module":  "pax",
		"call":    call.Method,
		"session": uuid.New().String(),
	})

	maxAttempts := c.MaxAttempts
	if !call.Retryable || maxAttempts < 1 {
		maxAttempts = 1
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.Profile.ResolveTimeout(call.Method)
	}

	onStatus := func(data string) {
		contextLogger.Debugf("terminal status: %s", data)
		if call.OnStatus != nil {
			call.OnStatus(data)
		}
	}

	var lastErr error
	var lastKind string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		raw, err := c.Transport.Dispatch(attemptCtx, call.Method, body, onStatus)
		cancel()

		if err == nil {
			return c.resolve(call.Method, raw, attempt, contextLogger), nil
		}

		lastErr = err
		lastKind = classify(err)
		contextLogger.Warnf("%s attempt %d/%d failed: %s", call.Method, attempt, maxAttempts, err)

		if attempt == maxAttempts {
			break
		}

		delay := c.RetryDelay
		if c.UseBackoff {
			delay = c.Profile.BackoffDelay(attempt)
		}
		contextLogger.Infof("retrying %s in %s", call.Method, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &Outcome{
				ErrorKind: classify(ctx.Err()),
				Message:   ctx.Err().Error(),
				Attempts:  attempt,
				Timestamp: time.Now(),
			}, nil
		}
	}

	return &Outcome{
		ErrorKind: lastKind,
		Message:   lastErr.Error(),
		Attempts:  maxAttempts,
		Timestamp: time.Now(),
	}, nil
}

// resolve turns a raw terminal payload into an Outcome. A payload that cannot
// be decoded never fails the call; the raw bytes are surfaced instead so no
// terminal response is dropped.
func (c *Caller) resolve(method string, raw []byte, attempt int, contextLogger *log.Entry) *Outcome {
	outcome := &Outcome{
		Success:   true,
		Raw:       raw,
		Attempts:  attempt,
		Timestamp: time.Now(),
	}

	response := new(Response)
	if err := json.Unmarshal(raw, response); err != nil || response.ResultCode == "" {
		contextLogger.Warnf("unparsable terminal response, passing through raw payload: %.120s", raw)
		return outcome
	}

	var info *ResultCodeInfo
	switch method {
	case "SignOnPOS":
		info = ProcessSignOnResponses()(response.ResultCode)
	default:
		info = ProcessTransactionResponses()(response.ResultCode)
	}

	outcome.Status = info.TxnStatus
	outcome.ResultCode = response.ResultCode
	outcome.AuthCode = response.AuthCode
	outcome.Reference = response.ECRRefNum
	outcome.Message = info.CustomerMessage

	contextLogger.Infof("%s resolved: %s (%s)", method, info.TxnStatus, info.LogMessage)
	return outcome
}

func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTimeout
	}
	return ErrKindTerminal
}

// wireMessage frames the newline-delimited JSON stream from the terminal.
type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireRequest struct {
	Method  string          `json:"method"`
	Request json.RawMessage `json:"request"`
}

var ackFrame = []byte("{\"ack\":true}\n")

// tcpTransport speaks the terminal's newline-framed JSON protocol over a raw
// socket. Each Dispatch opens its own connection; the terminal session is
// exclusively owned by the in-flight call.
type tcpTransport struct {
	cfg         *config.Manager
	dialTimeout time.Duration
	log         *log.Logger
}

// NewTCPTransport returns the production Transport, reading the target
// endpoint from the configuration snapshot on every dispatch so that hot
// reconfiguration takes effect on the next call.
func NewTCPTransport(cfg *config.Manager, profile *device.Profile, logger *log.Logger) Transport {
	return &tcpTransport{
		cfg:         cfg,
		dialTimeout: profile.Timeouts.Connection,
		log:         logger,
	}
}

func (t *tcpTransport) Dispatch(ctx context.Context, method string, request []byte, onStatus StatusFunc) ([]byte, error) {
	terminal := t.cfg.Terminal()
	address := net.JoinHostPort(terminal.IP, strconv.Itoa(terminal.Port))

	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	frame, err := json.Marshal(wireRequest{Method: method, Request: request})
	if err != nil {
		return nil, err
	}
	frame = append(frame, '\n')

	if _, err := conn.Write(frame); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Not a framed message. Treat it as the final payload and let
			// the caller surface it raw.
			return line, nil
		}

		switch msg.Type {
		case "status":
			if onStatus != nil {
				onStatus(string(msg.Data))
			}
			// the terminal blocks until the status is acknowledged
			if _, err := conn.Write(ackFrame); err != nil {
				return nil, err
			}
		case "error":
			return nil, fmt.Errorf("terminal error: %s", bytes.TrimSpace(msg.Data))
		case "response":
			return msg.Data, nil
		default:
			return line, nil
		}
	}
}
