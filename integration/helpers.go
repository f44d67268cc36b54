//go:build integration

package integration

import (
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/x402"
)

// Well-known development keys (anvil accounts 0-2)
var devKeys = []string{
	"0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"0x5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
}

const requirementsBody = `{"x402Version":1,"error":"X-PAYMENT header is required","accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"1000","payTo":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8"}]}`

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../x402-mint",
		filepath.Join(os.Getenv("GOPATH"), "bin", "x402-mint"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../x402-mint", "../cmd/x402-mint")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../x402-mint")
	return abs
}

// mintServer is a paywalled endpoint; rejected lists payer addresses answered with insufficient_funds
func mintServer(t *testing.T, rejected ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(x402.HeaderPayment)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(requirementsBody))
			return
		}
		from, err := x402.VerifyPaymentHeader(header)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, addr := range rejected {
			if strings.EqualFold(addr, from.Hex()) {
				w.WriteHeader(http.StatusPaymentRequired)
				w.Write([]byte(`{"x402Version":1,"error":"insufficient_funds","accepts":[]}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"minted":true,"to":"` + from.Hex() + `"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

// createTestConfig writes a TOML config for url and keys and returns its path
func createTestConfig(t *testing.T, url, outputDir string, keys ...string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")

	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = `"` + k + `"`
	}

	config := `[mint]
url = "` + url + `"
request_timeout = "2s"

[accounts]
private_keys = [` + strings.Join(quoted, ", ") + `]

[run]
max_concurrency = 2
output_dir = "` + outputDir + `"

[retry]
max_attempts = 3
base_delay = "10ms"
max_delay = "50ms"

[logging]
format = "json"
`

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

// command runs the binary with an isolated home and no X402_ overrides
func command(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(binaryPath(t), args...)
	env := []string{"HOME=" + t.TempDir()}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "X402_") || strings.HasPrefix(kv, "HOME=") {
			continue
		}
		env = append(env, kv)
	}
	cmd.Env = env
	return cmd
}
