package pax

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/moleq/paxpos/internal/pkg/config"
	"github.com/moleq/paxpos/internal/pkg/device"
)

// TransactionInput is the caller-supplied half of a transaction. Everything
// else on the wire comes from configuration or the capability profile.
type TransactionInput struct {
	TransType       string `json:"transType"`
	TenderType      string `json:"tenderType,omitempty"`
	Amount          int64  `json:"amount"`
	ReferenceNumber string `json:"referenceNumber,omitempty"`
	Tip             int64  `json:"tip,omitempty"`
	Cashback        int64  `json:"cashback,omitempty"`
	Invoice         string `json:"invoice,omitempty"`
	Clerk           string `json:"clerk,omitempty"`
}

// ValidationError carries every capability rule the input violated. It is the
// only error BuildTransactionRequest returns; it is caller-correctable and is
// never retried.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, ", ")
}

// Builder composes terminal-bound requests from caller input, configuration
// and the device capability profile.
type Builder struct {
	Profile *device.Profile
	Config  *config.Manager
}

// NewBuilder returns a Builder over the given profile and configuration handle.
func NewBuilder(profile *device.Profile, cfg *config.Manager) *Builder {
	return &Builder{
		Profile: profile,
		Config:  cfg,
	}
}

// BuildTransactionRequest validates the input against the capability rules and
// produces a fully populated request. The reference number is assigned here,
// exactly once; retries of the built request must reuse it.
func (b *Builder) BuildTransactionRequest(in *TransactionInput) (*TransactionRequest, error) {
	snapshot := b.Config.Snapshot()

	transType := in.TransType
	if transType == "" {
		transType = device.TransSale
	}
	tenderType := in.TenderType
	if tenderType == "" {
		tenderType = snapshot.Transaction.DefaultTenderType
	}

	validation := b.Profile.Validate(transType, tenderType, in.Amount)
	if !validation.Valid {
		return nil, &ValidationError{Errors: validation.Errors}
	}

	timeout := b.Profile.ResolveTimeout(transType)

	reference := in.ReferenceNumber
	if reference == "" {
		reference = GenerateReferenceNumber()
	}

	caps := b.Profile.Capabilities

	request := &TransactionRequest{
		AuthURL: snapshot.Auth.URL,

		IP:      snapshot.Terminal.IP,
		Port:    snapshot.Terminal.Port,
		Timeout: int(timeout.Seconds()),

		TenderType:   tenderType,
		TransType:    transType,
		Amount:       in.Amount,
		ECRRefNum:    reference,
		ReportStatus: snapshot.Transaction.EnableStatusReporting,

		MerchantID: snapshot.Auth.MerchantID,
		TerminalID: snapshot.Auth.TerminalID,

		TipAmount:      in.Tip,
		CashbackAmount: in.Cashback,
		InvoiceNumber:  in.Invoice,
		ClerkID:        in.Clerk,

		EnableContactless: caps.Contactless,
		EnableEMV:         caps.EMV,
		EnableMagstripe:   caps.Magstripe,
		CustomerDisplay:   true,
		MerchantDisplay:   true,
		PrintReceipt:      caps.Printer,
		SignatureCapture:  true,
		SignatureTimeout:  int(b.Profile.Timeouts.Signature.Seconds()),
	}

	return request, nil
}

// BuildSignOnRequest builds the sign-on command from the current terminal and
// auth configuration.
func (b *Builder) BuildSignOnRequest() *SignOnRequest {
	snapshot := b.Config.Snapshot()

	return &SignOnRequest{
		AuthURL:    snapshot.Auth.URL,
		IP:         snapshot.Terminal.IP,
		Port:       snapshot.Terminal.Port,
		Timeout:    int(b.Profile.ResolveTimeout(device.TransSignOn).Seconds()),
		MerchantID: snapshot.Auth.MerchantID,
		TerminalID: snapshot.Auth.TerminalID,
	}
}

// GenerateReferenceNumber produces a reference of the form 123456-042: the
// last six digits of a millisecond timestamp, a hyphen, and a zero-padded
// random suffix. The format is relied on by host-side reconciliation.
func GenerateReferenceNumber() string {
	timestamp := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	random := fmt.Sprintf("%03d", rand.Intn(1000))
	return timestamp[len(timestamp)-6:] + "-" + random
}
