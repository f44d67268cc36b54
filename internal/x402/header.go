package x402

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/wallet"
)

// DefaultValidFor is how long a signed authorization stays valid
const DefaultValidFor = 15 * time.Minute

// Authorization is the transfer authorization that gets signed.
// Field order is alphabetical so the encoding matches sorted-key canonical JSON.
type Authorization struct {
	From        string `json:"from"`
	Nonce       string `json:"nonce"`
	To          string `json:"to"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Value       string `json:"value"`
}

// ExactPayload is the scheme payload carried in the header
type ExactPayload struct {
	Authorization Authorization `json:"authorization"`
	Signature     string        `json:"signature"`
}

// PaymentPayload is the decoded X-PAYMENT header
type PaymentPayload struct {
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
	Scheme      string       `json:"scheme"`
	X402Version int          `json:"x402Version"`
}

// Builder produces signed X-PAYMENT headers
type Builder struct {
	Network  string
	Scheme   string
	Version  int
	ValidFor time.Duration

	now  func() time.Time
	rand io.Reader
}

// NewBuilder creates a header builder for the given protocol parameters
func NewBuilder(network, scheme string, version int, validFor time.Duration) *Builder {
	if validFor <= 0 {
		validFor = DefaultValidFor
	}
	return &Builder{
		Network:  network,
		Scheme:   scheme,
		Version:  version,
		ValidFor: validFor,
		now:      time.Now,
		rand:     rand.Reader,
	}
}

// Build signs an authorization for req and returns the base64 header value
func (b *Builder) Build(signer wallet.Signer, req PaymentRequirement) (string, error) {
	nonce, err := b.nonce()
	if err != nil {
		return "", err
	}

	validAfter := b.now().UTC().Unix()
	auth := Authorization{
		From:        signer.Address().Hex(),
		Nonce:       nonce,
		To:          req.Recipient(),
		ValidAfter:  strconv.FormatInt(validAfter, 10),
		ValidBefore: strconv.FormatInt(validAfter+int64(b.ValidFor/time.Second), 10),
		Value:       req.Amount(),
	}

	msg, err := canonicalJSON(auth)
	if err != nil {
		return "", err
	}
	sig, err := signer.SignText(msg)
	if err != nil {
		return "", err
	}

	payload := PaymentPayload{
		Network: b.Network,
		Payload: ExactPayload{
			Authorization: auth,
			Signature:     hexutil.Encode(sig),
		},
		Scheme:      b.Scheme,
		X402Version: b.Version,
	}
	encoded, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

func (b *Builder) nonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(b.rand, buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// DecodePaymentHeader parses an X-PAYMENT header value
func DecodePaymentHeader(h string) (*PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("decoding payment header: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing payment header: %w", err)
	}
	return &p, nil
}

// VerifyPaymentHeader checks the header signature was made by the authorization's sender
func VerifyPaymentHeader(h string) (ethcommon.Address, error) {
	p, err := DecodePaymentHeader(h)
	if err != nil {
		return ethcommon.Address{}, err
	}

	msg, err := canonicalJSON(p.Payload.Authorization)
	if err != nil {
		return ethcommon.Address{}, err
	}
	sig, err := hexutil.Decode(p.Payload.Signature)
	if err != nil {
		return ethcommon.Address{}, fmt.Errorf("decoding signature: %w", err)
	}

	signer, err := wallet.RecoverText(msg, sig)
	if err != nil {
		return ethcommon.Address{}, err
	}
	if !ethcommon.IsHexAddress(p.Payload.Authorization.From) || ethcommon.HexToAddress(p.Payload.Authorization.From) != signer {
		return signer, fmt.Errorf("signature by %s does not match sender %s", signer.Hex(), p.Payload.Authorization.From)
	}
	return signer, nil
}

// canonicalJSON encodes v without whitespace or HTML escaping
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
