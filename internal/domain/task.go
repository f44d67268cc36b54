package domain

import (
	"encoding/json"
	"time"
)

// labelLen is how many trailing characters of an address or key identify an account in logs
const labelLen = 6

// Account is one minting identity. The secret key is only reachable through Key.
type Account struct {
	Index   int    // position in the configured account list
	Label   string // short public identifier for logs and reports
	Address string // derived address, empty when the key could not be parsed
	key     string
}

// NewAccount creates an account for the key at the given input position.
// address may be empty when the key is malformed; the label then falls back to the key suffix.
func NewAccount(index int, key, address string) Account {
	source := address
	if source == "" {
		source = key
	}
	return Account{
		Index:   index,
		Label:   suffix(source),
		Address: address,
		key:     key,
	}
}

// Key returns the secret credential
func (a Account) Key() string {
	return a.key
}

func suffix(s string) string {
	if len(s) <= labelLen {
		return s
	}
	return "…" + s[len(s)-labelLen:]
}

// AttemptRecord is the outcome of one network attempt
type AttemptRecord struct {
	Mint       int // 1-based mint number within the task
	Attempt    int // 1-based attempt number within the mint
	StartedAt  time.Time
	OK         bool
	StatusCode int
	Kind       ErrorKind
	Error      string
	Response   json.RawMessage
	Elapsed    time.Duration
}

// TaskResult is the terminal state of one account's attempt sequence
type TaskResult struct {
	Account   Account
	Status    Status
	Kind      ErrorKind // terminal cause, empty on success
	Error     string
	Attempts  []AttemptRecord
	Minted    int
	StartedAt time.Time
	Elapsed   time.Duration
}

// LastAttempt returns the most recent attempt record, if any
func (r *TaskResult) LastAttempt() (AttemptRecord, bool) {
	if len(r.Attempts) == 0 {
		return AttemptRecord{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// Responses returns the decoded bodies of all successful attempts in order
func (r *TaskResult) Responses() []json.RawMessage {
	var out []json.RawMessage
	for _, a := range r.Attempts {
		if a.OK {
			out = append(out, a.Response)
		}
	}
	return out
}
