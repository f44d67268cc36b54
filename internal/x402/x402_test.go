package x402

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/wallet"
)

const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	payTo      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

const validBody = `{
  "x402Version": 1,
  "error": "X-PAYMENT header is required",
  "accepts": [{
    "scheme": "exact",
    "network": "base",
    "maxAmountRequired": "1000000",
    "payTo": "` + payTo + `",
    "asset": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
    "resource": "https://api.example.com/mint"
  }]
}`

func TestDecodeRequirements(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", validBody, false},
		{"not json", `<html>busy</html>`, true},
		{"no accepts", `{"x402Version":1,"accepts":[]}`, true},
		{"missing payTo", `{"accepts":[{"maxAmountRequired":"1"}]}`, true},
		{"missing amount", `{"accepts":[{"payTo":"` + payTo + `"}]}`, true},
		{"payTo not address", `{"accepts":[{"payTo":"alice","maxAmountRequired":"1"}]}`, true},
		{"payTo wrong type", `{"accepts":[{"payTo":42,"maxAmountRequired":"1"}]}`, true},
		{"amount not string", `{"accepts":[{"payTo":"` + payTo + `","maxAmountRequired":1}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequirements([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeRequirements() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidRequirements) {
					t.Errorf("error %v should wrap ErrInvalidRequirements", err)
				}
				return
			}
			sel := req.Selected()
			if sel.Recipient() != payTo {
				t.Errorf("Recipient() = %q, want %q", sel.Recipient(), payTo)
			}
			if sel.Amount() != "1000000" {
				t.Errorf("Amount() = %q, want 1000000", sel.Amount())
			}
		})
	}
}

func TestIsPermanentRejection(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"insufficient_funds", true},
		{" INVALID_SIGNATURE ", true},
		{"already_minted", true},
		{"X-PAYMENT header is required", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPermanentRejection(tt.code); got != tt.want {
			t.Errorf("IsPermanentRejection(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b := NewBuilder("base", "exact", 1, 0)
	b.now = func() time.Time { return time.Unix(1700000000, 0) }
	b.rand = bytes.NewReader(bytes.Repeat([]byte{0xab}, 32))
	return b
}

func TestBuilder_Build(t *testing.T) {
	w, err := wallet.FromHex(devKey)
	if err != nil {
		t.Fatal(err)
	}
	req, err := DecodeRequirements([]byte(validBody))
	if err != nil {
		t.Fatal(err)
	}

	header, err := newTestBuilder(t).Build(w, req.Selected())
	if err != nil {
		t.Fatal(err)
	}

	p, err := DecodePaymentHeader(header)
	if err != nil {
		t.Fatal(err)
	}

	auth := p.Payload.Authorization
	if auth.From != devAddress {
		t.Errorf("From = %q, want %q", auth.From, devAddress)
	}
	if auth.To != payTo {
		t.Errorf("To = %q, want %q", auth.To, payTo)
	}
	if auth.Value != "1000000" {
		t.Errorf("Value = %q, want 1000000", auth.Value)
	}
	if auth.ValidAfter != "1700000000" {
		t.Errorf("ValidAfter = %q, want 1700000000", auth.ValidAfter)
	}
	if auth.ValidBefore != "1700000900" {
		t.Errorf("ValidBefore = %q, want 1700000900 (15 minutes later)", auth.ValidBefore)
	}
	if want := "0x" + strings.Repeat("ab", 32); auth.Nonce != want {
		t.Errorf("Nonce = %q, want %q", auth.Nonce, want)
	}
	if p.Network != "base" || p.Scheme != "exact" || p.X402Version != 1 {
		t.Errorf("protocol fields = %s/%s/v%d, want base/exact/v1", p.Network, p.Scheme, p.X402Version)
	}

	signer, err := VerifyPaymentHeader(header)
	if err != nil {
		t.Fatalf("VerifyPaymentHeader: %v", err)
	}
	if signer.Hex() != devAddress {
		t.Errorf("signer = %s, want %s", signer.Hex(), devAddress)
	}
}

func TestBuilder_CanonicalEncoding(t *testing.T) {
	w, err := wallet.FromHex(devKey)
	if err != nil {
		t.Fatal(err)
	}
	req, err := DecodeRequirements([]byte(validBody))
	if err != nil {
		t.Fatal(err)
	}

	header, err := newTestBuilder(t).Build(w, req.Selected())
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		t.Fatal(err)
	}

	s := string(raw)
	if strings.ContainsAny(s, " \n") {
		t.Errorf("payload should be compact, got %s", s)
	}
	wantPrefix := `{"network":"base","payload":{"authorization":{"from":"` + devAddress + `","nonce":`
	if !strings.HasPrefix(s, wantPrefix) {
		t.Errorf("payload keys not in sorted order:\n got %s\nwant prefix %s", s, wantPrefix)
	}
	if !strings.HasSuffix(s, `"scheme":"exact","x402Version":1}`) {
		t.Errorf("payload should end with scheme and version, got %s", s)
	}
}

func TestVerifyPaymentHeader_Tampered(t *testing.T) {
	w, err := wallet.FromHex(devKey)
	if err != nil {
		t.Fatal(err)
	}
	req, err := DecodeRequirements([]byte(validBody))
	if err != nil {
		t.Fatal(err)
	}
	header, err := newTestBuilder(t).Build(w, req.Selected())
	if err != nil {
		t.Fatal(err)
	}

	p, err := DecodePaymentHeader(header)
	if err != nil {
		t.Fatal(err)
	}
	p.Payload.Authorization.Value = "999999999"
	tampered, err := canonicalJSON(p)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := VerifyPaymentHeader(base64.StdEncoding.EncodeToString(tampered)); err == nil {
		t.Error("tampered header should not verify")
	}
}

func TestDecodePaymentHeader_Invalid(t *testing.T) {
	if _, err := DecodePaymentHeader("%%%"); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := DecodePaymentHeader(base64.StdEncoding.EncodeToString([]byte("nope"))); err == nil {
		t.Error("expected json error")
	}
}
