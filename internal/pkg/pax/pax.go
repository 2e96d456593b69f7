package pax

// The PAX payment application is driven with JSON request payloads and answers
// with a structured result document. The wire protocol itself is opaque to the
// proxy; everything terminal-specific lives behind the Transport interface in
// caller.go.

// TransactionRequest is the fully populated, device-optimized command sent to
// the terminal. Optional fields are omitted from the wire entirely when the
// caller did not supply them.
type TransactionRequest struct {
	// Authentication
	AuthURL string `json:"AuthUrl,omitempty"`

	// Terminal connection
	IP      string `json:"ip"`
	Port    int    `json:"port"`
	Timeout int    `json:"timeout"` // seconds, resolved per transaction type

	// Transaction details
	TenderType   string `json:"TenderType"`
	TransType    string `json:"TransType"`
	Amount       int64  `json:"Amount"`
	ECRRefNum    string `json:"ECRRefNum"`
	ReportStatus bool   `json:"ReportStatus"`

	// Merchant data
	MerchantID string `json:"MerchantId,omitempty"`
	TerminalID string `json:"TerminalId,omitempty"`

	// Optional fields
	TipAmount      int64  `json:"TipAmount,omitempty"`
	CashbackAmount int64  `json:"CashbackAmount,omitempty"`
	InvoiceNumber  string `json:"InvoiceNumber,omitempty"`
	ClerkID        string `json:"ClerkId,omitempty"`

	// Device optimization flags, stamped from the capability profile. The
	// caller cannot disable hardware features through this path.
	EnableContactless bool `json:"enableContactless"`
	EnableEMV         bool `json:"enableEmv"`
	EnableMagstripe   bool `json:"enableMagstripe"`
	CustomerDisplay   bool `json:"customerDisplay"`
	MerchantDisplay   bool `json:"merchantDisplay"`
	PrintReceipt      bool `json:"printReceipt"`
	SignatureCapture  bool `json:"signatureCapture"`
	SignatureTimeout  int  `json:"signatureTimeout"` // seconds
}

// SignOnRequest registers the point of sale with the terminal.
type SignOnRequest struct {
	AuthURL    string `json:"AuthUrl,omitempty"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Timeout    int    `json:"timeout"` // seconds
	MerchantID string `json:"MerchantId,omitempty"`
	TerminalID string `json:"TerminalId,omitempty"`
}

// Response is the structured result document the terminal produces for a
// completed call. Payloads that fail to decode into this shape are passed
// through raw instead.
type Response struct {
	ResultCode string `json:"ResultCode"`
	ResultTxt  string `json:"ResultTxt,omitempty"`
	AuthCode   string `json:"AuthCode,omitempty"`
	ECRRefNum  string `json:"ECRRefNum,omitempty"`
	Message    string `json:"Message,omitempty"`
}

// Transaction statuses after result-code mapping.
const (
	// StatusApproved transaction successful
	StatusApproved = "APPROVED"
	// StatusDeclined transaction declined by the host
	StatusDeclined = "DECLINED"
	// StatusFailed transaction failed before a host decision
	StatusFailed = "FAILED"
)

const defaultResultCode = "199999"

// ResultCodeInfo maps a terminal result code to a generic status
type ResultCodeInfo struct {
	TxnStatus       string
	LogMessage      string
	CustomerMessage string
}

// ProcessTransactionResponses provides a guarded status lookup for the result
// codes of ProcessTrans calls
func ProcessTransactionResponses() func(string) *ResultCodeInfo {
	innerMap := map[string]*ResultCodeInfo{
		"000000": {
			TxnStatus:       StatusApproved,
			LogMessage:      "APPROVED",
			CustomerMessage: "Payment Approved - Thank you!",
		},
		"000100": {
			TxnStatus:       StatusDeclined,
			LogMessage:      "Declined by the payment host",
			CustomerMessage: "Payment Declined - Please try another card",
		},
		"000101": {
			TxnStatus:       StatusDeclined,
			LogMessage:      "Declined due to insufficient funds",
			CustomerMessage: "Payment Declined - Please try another card",
		},
		"000102": {
			TxnStatus:       StatusDeclined,
			LogMessage:      "Declined because the card is expired",
			CustomerMessage: "Card expired - Please try another card",
		},
		"100001": {
			TxnStatus:       StatusFailed,
			LogMessage:      "Transaction timed out waiting for the cardholder",
			CustomerMessage: "Transaction timed out. Please try again",
		},
		"100002": {
			TxnStatus:       StatusFailed,
			LogMessage:      "Transaction aborted on the terminal",
			CustomerMessage: "Transaction cancelled",
		},
		"100003": {
			TxnStatus:       StatusFailed,
			LogMessage:      "Card removed during processing",
			CustomerMessage: "Card removed too early. Please try again",
		},
		"199999": {
			TxnStatus:       StatusFailed,
			LogMessage:      "Terminal internal error",
			CustomerMessage: "Terminal error. Please try again",
		},
	}

	return func(key string) *ResultCodeInfo {
		// check to make sure we know what the response is
		ret := innerMap[key]

		if ret == nil {
			return innerMap[defaultResultCode]
		}
		return ret
	}
}

// ProcessSignOnResponses provides a guarded status lookup for the result codes
// of SignOnPOS calls
func ProcessSignOnResponses() func(string) *ResultCodeInfo {
	innerMap := map[string]*ResultCodeInfo{
		"000000": {
			TxnStatus:       StatusApproved,
			LogMessage:      "SIGN-ON SUCCESS",
			CustomerMessage: "Terminal ready",
		},
		"100010": {
			TxnStatus:       StatusFailed,
			LogMessage:      "Terminal rejected the merchant credentials",
			CustomerMessage: "Sign-on failed. Check merchant configuration",
		},
		"199999": {
			TxnStatus:       StatusFailed,
			LogMessage:      "Terminal internal error",
			CustomerMessage: "Terminal error. Please try again",
		},
	}

	return func(key string) *ResultCodeInfo {
		ret := innerMap[key]

		if ret == nil {
			return innerMap[defaultResultCode]
		}
		return ret
	}
}
