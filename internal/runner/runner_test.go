package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hochfrequenz/x402-mint-orchestrator/internal/domain"
	"github.com/hochfrequenz/x402-mint-orchestrator/internal/retry"
)

// scriptedClient answers call n (1-based) with script(n)
type scriptedClient struct {
	mu     sync.Mutex
	calls  int
	script func(call int) domain.AttemptRecord
}

func (c *scriptedClient) Attempt(ctx context.Context, account domain.Account, ep domain.Endpoint) domain.AttemptRecord {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	return c.script(n)
}

func ok() domain.AttemptRecord {
	return domain.AttemptRecord{OK: true, StatusCode: 200, Response: json.RawMessage(`{}`)}
}

func fail(kind domain.ErrorKind) domain.AttemptRecord {
	return domain.AttemptRecord{Kind: kind, Error: string(kind)}
}

// recordingObserver keeps every event for assertions
type recordingObserver struct {
	mu       sync.Mutex
	started  int
	finished int
	retries  []time.Duration
	results  []domain.TaskResult
}

func (o *recordingObserver) AttemptStarted(domain.Account, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) AttemptFinished(domain.Account, domain.AttemptRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished++
}

func (o *recordingObserver) RetryScheduled(_ domain.Account, _ domain.AttemptRecord, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, d)
}

func (o *recordingObserver) TaskFinished(r domain.TaskResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Jitter:      0.5,
	}
}

var (
	testAcct = domain.NewAccount(0, "0xkey", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testEP   = domain.Endpoint{URL: "http://mint.invalid", AmountPerAccount: 1}
)

func TestRunner_SuccessFirstTry(t *testing.T) {
	client := &scriptedClient{script: func(int) domain.AttemptRecord { return ok() }}
	obs := &recordingObserver{}

	res := New(client, obs).WithSleep(noSleep).Run(context.Background(), testAcct, testEP, testPolicy(3))

	if res.Status != domain.StatusSuccess {
		t.Fatalf("Status = %s, want success", res.Status)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("got %d attempts, want 1", len(res.Attempts))
	}
	if res.Minted != 1 {
		t.Errorf("Minted = %d, want 1", res.Minted)
	}
	if res.Kind != domain.KindNone || res.Error != "" {
		t.Errorf("success should carry no error, got %q %q", res.Kind, res.Error)
	}
	if len(obs.results) != 1 || obs.started != 1 || obs.finished != 1 {
		t.Errorf("observer events: started=%d finished=%d tasks=%d, want 1/1/1", obs.started, obs.finished, len(obs.results))
	}
}

func TestRunner_SuccessOnAttemptK(t *testing.T) {
	for k := 1; k <= 5; k++ {
		client := &scriptedClient{script: func(n int) domain.AttemptRecord {
			if n < k {
				return fail(domain.KindServerError)
			}
			return ok()
		}}
		obs := &recordingObserver{}

		res := New(client, obs).WithSleep(noSleep).Run(context.Background(), testAcct, testEP, testPolicy(5))

		if res.Status != domain.StatusSuccess {
			t.Errorf("k=%d: Status = %s, want success", k, res.Status)
			continue
		}
		if len(res.Attempts) != k {
			t.Errorf("k=%d: got %d attempts, want %d", k, len(res.Attempts), k)
		}
		last, _ := res.LastAttempt()
		if !last.OK || last.Attempt != k {
			t.Errorf("k=%d: last attempt = %+v, want OK attempt %d", k, last, k)
		}
		for i, a := range res.Attempts {
			if a.Attempt != i+1 || a.Mint != 1 {
				t.Errorf("k=%d: attempts[%d] numbered mint=%d attempt=%d", k, i, a.Mint, a.Attempt)
			}
		}
		if len(obs.retries) != k-1 {
			t.Errorf("k=%d: got %d retries, want %d", k, len(obs.retries), k-1)
		}
	}
}

func TestRunner_TransientExhausts(t *testing.T) {
	client := &scriptedClient{script: func(int) domain.AttemptRecord { return fail(domain.KindTimeout) }}
	obs := &recordingObserver{}

	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	policy := testPolicy(3)
	res := New(client, obs).WithSleep(sleep).Run(context.Background(), testAcct, testEP, policy)

	if res.Status != domain.StatusExhausted {
		t.Fatalf("Status = %s, want exhausted", res.Status)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("got %d attempts, want 3", len(res.Attempts))
	}
	if client.calls != 3 {
		t.Errorf("client called %d times, want 3", client.calls)
	}
	if res.Kind != domain.KindTimeout {
		t.Errorf("Kind = %q, want timeout", res.Kind)
	}
	if len(slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(slept))
	}
	for i, d := range slept {
		if d > policy.MaxDelay {
			t.Errorf("sleep[%d] = %v exceeds MaxDelay", i, d)
		}
		if slept[i] != obs.retries[i] {
			t.Errorf("sleep[%d] = %v, observer saw %v", i, slept[i], obs.retries[i])
		}
	}
}

func TestRunner_NonRetryableFailsImmediately(t *testing.T) {
	kinds := []domain.ErrorKind{
		domain.KindInvalidCredential,
		domain.KindRejected,
		domain.KindNotFound,
		domain.KindInvalidRequirements,
	}

	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			client := &scriptedClient{script: func(int) domain.AttemptRecord { return fail(kind) }}

			res := New(client, nil).WithSleep(noSleep).Run(context.Background(), testAcct, testEP, testPolicy(10))

			if res.Status != domain.StatusFailed {
				t.Errorf("Status = %s, want failed", res.Status)
			}
			if len(res.Attempts) != 1 {
				t.Errorf("got %d attempts, want 1", len(res.Attempts))
			}
			if res.Kind != kind {
				t.Errorf("Kind = %q, want %q", res.Kind, kind)
			}
		})
	}
}

func TestRunner_PanicBecomesFailed(t *testing.T) {
	client := &scriptedClient{script: func(n int) domain.AttemptRecord {
		if n == 1 {
			return fail(domain.KindServerError)
		}
		panic("unexpected response shape")
	}}
	obs := &recordingObserver{}

	res := New(client, obs).WithSleep(noSleep).Run(context.Background(), testAcct, testEP, testPolicy(5))

	if res.Status != domain.StatusFailed {
		t.Fatalf("Status = %s, want failed", res.Status)
	}
	if res.Kind != domain.KindInternal {
		t.Errorf("Kind = %q, want internal", res.Kind)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(res.Attempts))
	}
	last := res.Attempts[1]
	if last.Kind != domain.KindInternal || last.Attempt != 2 || last.Mint != 1 {
		t.Errorf("last attempt = %+v, want internal fault at mint 1 attempt 2", last)
	}
	if !strings.Contains(last.Error, "unexpected response shape") {
		t.Errorf("fault detail %q should contain the panic value", last.Error)
	}
	if len(obs.results) != 1 {
		t.Errorf("TaskFinished called %d times, want 1", len(obs.results))
	}
	if res.Elapsed <= 0 {
		t.Error("Elapsed should be set after a panic")
	}
}

// panickyObserver fails while reporting the finished task
type panickyObserver struct {
	NopObserver
}

func (panickyObserver) TaskFinished(domain.TaskResult) {
	panic("observer boom")
}

func TestRunner_ObserverPanicBecomesFailed(t *testing.T) {
	client := &scriptedClient{script: func(int) domain.AttemptRecord { return ok() }}

	res := New(client, panickyObserver{}).WithSleep(noSleep).Run(context.Background(), testAcct, testEP, testPolicy(3))

	if res.Status != domain.StatusFailed || res.Kind != domain.KindInternal {
		t.Fatalf("result = %s/%s, want failed/internal", res.Status, res.Kind)
	}
	if !strings.Contains(res.Error, "observer boom") {
		t.Errorf("Error = %q, want the panic value", res.Error)
	}
	last := res.Attempts[len(res.Attempts)-1]
	if last.Mint != 1 || last.Attempt != 2 {
		t.Errorf("fault recorded at mint %d attempt %d, want mint 1 attempt 2", last.Mint, last.Attempt)
	}
}

func TestRunner_MultipleMints(t *testing.T) {
	ep := testEP
	ep.AmountPerAccount = 3

	// mint 1 ok, mint 2 needs a retry, mint 3 ok
	client := &scriptedClient{script: func(n int) domain.AttemptRecord {
		if n == 2 {
			return fail(domain.KindRateLimited)
		}
		return ok()
	}}

	res := New(client, nil).WithSleep(noSleep).Run(context.Background(), testAcct, ep, testPolicy(3))

	if res.Status != domain.StatusSuccess {
		t.Fatalf("Status = %s, want success", res.Status)
	}
	if res.Minted != 3 {
		t.Errorf("Minted = %d, want 3", res.Minted)
	}

	want := []struct{ mint, attempt int }{{1, 1}, {2, 1}, {2, 2}, {3, 1}}
	if len(res.Attempts) != len(want) {
		t.Fatalf("got %d attempts, want %d", len(res.Attempts), len(want))
	}
	for i, w := range want {
		if res.Attempts[i].Mint != w.mint || res.Attempts[i].Attempt != w.attempt {
			t.Errorf("attempts[%d] = mint %d attempt %d, want mint %d attempt %d",
				i, res.Attempts[i].Mint, res.Attempts[i].Attempt, w.mint, w.attempt)
		}
	}
}

func TestRunner_MintFailureStopsTask(t *testing.T) {
	ep := testEP
	ep.AmountPerAccount = 3

	client := &scriptedClient{script: func(n int) domain.AttemptRecord {
		if n == 2 {
			return fail(domain.KindRejected)
		}
		return ok()
	}}

	res := New(client, nil).WithSleep(noSleep).Run(context.Background(), testAcct, ep, testPolicy(3))

	if res.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", res.Status)
	}
	if res.Minted != 1 {
		t.Errorf("Minted = %d, want 1", res.Minted)
	}
	if len(res.Attempts) != 2 {
		t.Errorf("got %d attempts, want 2", len(res.Attempts))
	}
}

func TestRunner_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &scriptedClient{script: func(int) domain.AttemptRecord {
		cancel()
		return fail(domain.KindServerError)
	}}

	policy := testPolicy(5)
	policy.BaseDelay = time.Hour
	policy.MaxDelay = time.Hour

	res := New(client, nil).Run(ctx, testAcct, testEP, policy)

	if res.Status != domain.StatusExhausted {
		t.Errorf("Status = %s, want exhausted", res.Status)
	}
	if res.Kind != domain.KindCanceled {
		t.Errorf("Kind = %q, want canceled", res.Kind)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("got %d attempts, want 1", len(res.Attempts))
	}
}

func TestRunner_DeadlineBeforeStart(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	client := &scriptedClient{script: func(int) domain.AttemptRecord { return ok() }}
	res := New(client, nil).Run(ctx, testAcct, testEP, testPolicy(3))

	if res.Status != domain.StatusExhausted || res.Kind != domain.KindRunTimeout {
		t.Errorf("got %s/%s, want exhausted/run_timeout", res.Status, res.Kind)
	}
	if client.calls != 0 {
		t.Errorf("client called %d times, want 0", client.calls)
	}
}

func TestRunner_RunLevelKindFromClient(t *testing.T) {
	client := &scriptedClient{script: func(int) domain.AttemptRecord { return fail(domain.KindRunTimeout) }}
	res := New(client, nil).WithSleep(noSleep).Run(context.Background(), testAcct, testEP, testPolicy(5))

	if res.Status != domain.StatusExhausted || res.Kind != domain.KindRunTimeout {
		t.Errorf("got %s/%s, want exhausted/run_timeout", res.Status, res.Kind)
	}
	if len(res.Attempts) != 1 {
		t.Errorf("got %d attempts, want 1", len(res.Attempts))
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v, want nil", err)
	}
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("Sleep(1ms) = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLogObserver(zerolog.New(&buf))

	obs.AttemptFinished(testAcct, domain.AttemptRecord{Mint: 1, Attempt: 2, Kind: domain.KindServerError, StatusCode: 503})
	obs.RetryScheduled(testAcct, domain.AttemptRecord{Mint: 1, Attempt: 2, Kind: domain.KindServerError}, 250*time.Millisecond)
	obs.TaskFinished(domain.TaskResult{Account: testAcct, Status: domain.StatusExhausted, Kind: domain.KindServerError})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3:\n%s", len(lines), buf.String())
	}

	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[2]), &ev); err != nil {
		t.Fatal(err)
	}
	if ev["account"] != testAcct.Label {
		t.Errorf("account = %v, want %s", ev["account"], testAcct.Label)
	}
	if ev["status"] != "exhausted" || ev["level"] != "warn" {
		t.Errorf("task event = %v, want exhausted at warn level", ev)
	}
	if !strings.Contains(lines[1], `"message":"retrying"`) {
		t.Errorf("retry event = %s", lines[1])
	}
}

func TestObservers_FanOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := Observers(a, b, NopObserver{})

	obs.AttemptStarted(testAcct, 1, 1)
	obs.TaskFinished(domain.TaskResult{})

	for i, o := range []*recordingObserver{a, b} {
		if o.started != 1 || len(o.results) != 1 {
			t.Errorf("observer %d: started=%d results=%d, want 1/1", i, o.started, len(o.results))
		}
	}
}
