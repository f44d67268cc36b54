// Package x402 implements the payment requirements and X-PAYMENT header
// format used by x402-protected endpoints.
package x402

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Header names used by the protocol
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// ErrInvalidRequirements is returned when a 402 body cannot be used to build a payment
var ErrInvalidRequirements = errors.New("invalid payment requirements")

// Requirements is the body of a 402 Payment Required response
type Requirements struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentRequirement describes one accepted way to pay.
// PayTo and MaxAmountRequired stay raw so their JSON type can be checked.
type PaymentRequirement struct {
	Scheme            string          `json:"scheme,omitempty"`
	Network           string          `json:"network,omitempty"`
	MaxAmountRequired json.RawMessage `json:"maxAmountRequired,omitempty"`
	PayTo             json.RawMessage `json:"payTo,omitempty"`
	Asset             string          `json:"asset,omitempty"`
	Resource          string          `json:"resource,omitempty"`
	Description       string          `json:"description,omitempty"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds,omitempty"`
}

// permanentErrors are 402 error codes that another attempt cannot fix
var permanentErrors = map[string]bool{
	"insufficient_funds": true,
	"invalid_signature":  true,
	"invalid_payment":    true,
	"invalid_payload":    true,
	"already_minted":     true,
	"not_eligible":       true,
}

// IsPermanentRejection reports whether a 402 error code is final for the account
func IsPermanentRejection(code string) bool {
	return permanentErrors[strings.ToLower(strings.TrimSpace(code))]
}

// DecodeRequirements parses and validates a 402 response body
func DecodeRequirements(body []byte) (*Requirements, error) {
	var req Requirements
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the first accepted requirement carries a usable recipient and amount
func (r *Requirements) Validate() error {
	if len(r.Accepts) == 0 {
		return fmt.Errorf("%w: accepts must be a non-empty list", ErrInvalidRequirements)
	}

	entry := r.Accepts[0]
	if len(entry.PayTo) == 0 {
		return fmt.Errorf("%w: missing required field accepts[0].payTo", ErrInvalidRequirements)
	}
	if len(entry.MaxAmountRequired) == 0 {
		return fmt.Errorf("%w: missing required field accepts[0].maxAmountRequired", ErrInvalidRequirements)
	}

	to, ok := rawString(entry.PayTo)
	if !ok || !strings.HasPrefix(to, "0x") || (len(to) != 42 && len(to) != 66) {
		return fmt.Errorf("%w: payTo must be a valid address string", ErrInvalidRequirements)
	}
	if _, ok := rawString(entry.MaxAmountRequired); !ok {
		return fmt.Errorf("%w: maxAmountRequired must be a string", ErrInvalidRequirements)
	}
	return nil
}

// Selected returns the requirement a payment is built for
func (r *Requirements) Selected() PaymentRequirement {
	return r.Accepts[0]
}

// Recipient returns payTo as a string
func (p PaymentRequirement) Recipient() string {
	s, _ := rawString(p.PayTo)
	return s
}

// Amount returns maxAmountRequired as a string
func (p PaymentRequirement) Amount() string {
	s, _ := rawString(p.MaxAmountRequired)
	return s
}

func rawString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
