package device

import (
	"fmt"
	"time"
)

// Transaction types understood by the A920 payment application.
const (
	TransSale           = "SALE"
	TransReturn         = "RETURN"
	TransVoid           = "VOID"
	TransPreAuth        = "PREAUTH"
	TransCapture        = "CAPTURE"
	TransTipAdjust      = "TIP_ADJUST"
	TransBalanceInquiry = "BALANCE_INQUIRY"

	// Pseudo transaction types used only for timeout resolution
	TransSignature = "SIGNATURE"
	TransSignOn    = "SIGNON"
)

// Tender types accepted by the terminal.
const (
	TenderCredit  = "CREDIT"
	TenderDebit   = "DEBIT"
	TenderEBT     = "EBT"
	TenderGift    = "GIFT"
	TenderLoyalty = "LOYALTY"
)

// Timeouts is the per-operation timeout table for a terminal model.
type Timeouts struct {
	Connection  time.Duration
	Transaction time.Duration
	SignOn      time.Duration
	Signature   time.Duration
	Heartbeat   time.Duration
}

// RetryPolicy describes the graduated retry schedule a terminal model supports.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// Capabilities are the hardware features the terminal exposes. They are stamped
// onto outgoing requests and are never controlled by the caller.
type Capabilities struct {
	Contactless bool `json:"contactless"`
	EMV         bool `json:"emv"`
	Magstripe   bool `json:"magstripe"`
	Printer     bool `json:"printer"`
	Camera      bool `json:"camera"`
	WiFi        bool `json:"wifi"`
	Cellular    bool `json:"cellular"`
}

// Profile is the immutable capability profile for a terminal model. It is
// loaded once at process start and shared read-only.
type Profile struct {
	Model                string
	SupportedTransTypes  []string
	SupportedTenderTypes []string

	// Amount bounds in minor currency units (cents).
	MinAmount int64
	MaxAmount int64

	Timeouts     Timeouts
	Retry        RetryPolicy
	Capabilities Capabilities
}

// ValidationResult carries every rule violation found, not just the first.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// A920 returns the capability profile for the PAX A920.
func A920() *Profile {
	return &Profile{
		Model: "A920",
		SupportedTransTypes: []string{
			TransSale,
			TransReturn,
			TransVoid,
			TransPreAuth,
			TransCapture,
			TransTipAdjust,
			TransBalanceInquiry,
		},
		SupportedTenderTypes: []string{
			TenderCredit,
			TenderDebit,
			TenderEBT,
			TenderGift,
			TenderLoyalty,
		},
		MinAmount: 1,      // $0.01
		MaxAmount: 999999, // $9,999.99
		Timeouts: Timeouts{
			Connection:  10 * time.Second,
			Transaction: 90 * time.Second,
			SignOn:      30 * time.Second,
			Signature:   60 * time.Second,
			Heartbeat:   5 * time.Second,
		},
		Retry: RetryPolicy{
			MaxAttempts:       3,
			InitialDelay:      1 * time.Second,
			BackoffMultiplier: 2,
			MaxDelay:          10 * time.Second,
		},
		Capabilities: Capabilities{
			Contactless: true,
			EMV:         true,
			Magstripe:   true,
			Printer:     true,
			Camera:      true,
			WiFi:        true,
			Cellular:    true,
		},
	}
}

// Validate checks a transaction against the profile. All violations are
// collected; validation never short-circuits.
func (p *Profile) Validate(transType string, tenderType string, amount int64) ValidationResult {
	var errs []string

	if !contains(p.SupportedTransTypes, transType) {
		errs = append(errs, fmt.Sprintf("Transaction type %s not supported on %s", transType, p.Model))
	}

	if !contains(p.SupportedTenderTypes, tenderType) {
		errs = append(errs, fmt.Sprintf("Tender type %s not supported on %s", tenderType, p.Model))
	}

	if amount < p.MinAmount {
		errs = append(errs, fmt.Sprintf("Amount too small. Minimum: $%.2f", float64(p.MinAmount)/100))
	}

	if amount > p.MaxAmount {
		errs = append(errs, fmt.Sprintf("Amount too large. Maximum: $%.2f", float64(p.MaxAmount)/100))
	}

	return ValidationResult{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}

// ResolveTimeout returns the timeout for a transaction type. Voids complete
// faster than a full card flow so they get half the transaction timeout.
// Unknown types fall back to the standard transaction timeout rather than
// erroring.
func (p *Profile) ResolveTimeout(transType string) time.Duration {
	switch transType {
	case TransVoid:
		return p.Timeouts.Transaction / 2
	case TransSignature:
		return p.Timeouts.Signature
	case TransSignOn:
		return p.Timeouts.SignOn
	default:
		return p.Timeouts.Transaction
	}
}

// BackoffDelay returns the graduated retry delay before re-issuing the given
// attempt (1-based), capped at the policy maximum. Whether the caller applies
// this schedule or a fixed delay is the caller's explicit choice.
func (p *Profile) BackoffDelay(attempt int) time.Duration {
	delay := p.Retry.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Retry.BackoffMultiplier)
		if delay >= p.Retry.MaxDelay {
			return p.Retry.MaxDelay
		}
	}
	if delay > p.Retry.MaxDelay {
		return p.Retry.MaxDelay
	}
	return delay
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
