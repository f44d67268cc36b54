// Package mintclient performs single x402 mint attempts over HTTP.
package mintclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/wallet"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/x402"
)

const (
	// maxBodyBytes bounds how much of a response body is read
	maxBodyBytes = 1 << 20
	// previewLen is how much of a failed response body is kept in the attempt record
	previewLen = 200
)

// errRunDeadline reports that waiting for the rate limiter would outlive the run
var errRunDeadline = errors.New("rate limiter wait would exceed run deadline")

// Config configures the HTTP mint client
type Config struct {
	// RateLimit caps requests per second across all accounts; 0 disables the limit
	RateLimit float64
	UserAgent string
	// HTTPClient overrides the transport, mainly for tests
	HTTPClient *http.Client
}

// Client performs one signed mint request per Attempt call. It never retries.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
}

// New creates a mint client
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "x402-mint"
	}

	return &Client{
		http:      httpClient,
		limiter:   limiter,
		userAgent: userAgent,
	}
}

// Attempt performs the x402 handshake once: request, pay on 402, classify the final answer
func (c *Client) Attempt(ctx context.Context, account domain.Account, ep domain.Endpoint) (rec domain.AttemptRecord) {
	start := time.Now()
	rec.StartedAt = start
	defer func() {
		rec.Elapsed = time.Since(start)
	}()

	signer, err := wallet.FromHex(account.Key())
	if err != nil {
		return failed(rec, domain.KindInvalidCredential, err.Error())
	}

	code, body, err := c.get(ctx, ep, "")
	if err != nil {
		return failed(rec, transportKind(ctx, err), err.Error())
	}

	if code == http.StatusPaymentRequired {
		reqs, err := x402.DecodeRequirements(body)
		if err != nil {
			rec.StatusCode = code
			return failed(rec, domain.KindInvalidRequirements, err.Error())
		}

		header, err := x402.NewBuilder(ep.Network, ep.Scheme, ep.X402Version, ep.ValidFor).Build(signer, reqs.Selected())
		if err != nil {
			return failed(rec, domain.KindInternal, fmt.Sprintf("building payment header: %v", err))
		}

		code, body, err = c.get(ctx, ep, header)
		if err != nil {
			return failed(rec, transportKind(ctx, err), err.Error())
		}
	}

	rec.StatusCode = code
	if code >= 200 && code < 300 {
		rec.OK = true
		rec.Response = decodeBody(body)
		return rec
	}

	return failed(rec, classifyStatus(code, body), fmt.Sprintf("HTTP %d: %s", code, preview(body)))
}

func (c *Client) get(ctx context.Context, ep domain.Endpoint, paymentHeader string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				return 0, nil, fmt.Errorf("%w: %v", errRunDeadline, err)
			}
			return 0, nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	reqCtx := ctx
	if ep.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, ep.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if paymentHeader != "" {
		req.Header.Set(x402.HeaderPayment, paymentHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func failed(rec domain.AttemptRecord, kind domain.ErrorKind, msg string) domain.AttemptRecord {
	rec.OK = false
	rec.Kind = kind
	rec.Error = msg
	return rec
}

// classifyStatus maps a non-success HTTP status to an error kind
func classifyStatus(code int, body []byte) domain.ErrorKind {
	switch {
	case code == http.StatusPaymentRequired:
		var reqs x402.Requirements
		if json.Unmarshal(body, &reqs) == nil && x402.IsPermanentRejection(reqs.Error) {
			return domain.KindRejected
		}
		return domain.KindPaymentRequired
	case code == http.StatusTooManyRequests:
		return domain.KindRateLimited
	case code == http.StatusRequestTimeout:
		return domain.KindTimeout
	case code == http.StatusTooEarly || code >= 500:
		return domain.KindServerError
	case code == http.StatusNotFound || code == http.StatusGone:
		return domain.KindNotFound
	default:
		return domain.KindUnexpectedStatus
	}
}

// transportKind classifies an error from sending a request
func transportKind(ctx context.Context, err error) domain.ErrorKind {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.KindForContext(ctxErr)
	}
	if errors.Is(err, errRunDeadline) {
		return domain.KindRunTimeout
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.KindTimeout
	}
	return domain.KindNetwork
}

// decodeBody keeps JSON bodies as-is and wraps anything else as {"raw_text": ...}
func decodeBody(body []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw_text": string(body)})
	return wrapped
}

func preview(body []byte) string {
	s := string(body)
	if len(s) > previewLen {
		cut := previewLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.ReplaceAll(s, "\n", " ")
}
