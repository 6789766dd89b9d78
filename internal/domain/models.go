package domain

import (
	"time"
)

// Status is the lifecycle state of a verification. Pending is the only
// non-terminal state; every other status is final and never transitions
// again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Capability selects what the rented number must receive.
type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
)

// Verification is one rented number awaiting its code. Cost is in minor
// currency units (cents) and is set once at creation. Rows are never
// deleted; terminal rows stay for audit and reconciliation.
type Verification struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ServiceName    string     `json:"service_name"`
	Country        string     `json:"country"`
	Capability     Capability `json:"capability"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	Provider       string     `json:"provider"`
	ActivationID   string     `json:"activation_id"`
	Cost           int64      `json:"cost"`
	Status         Status     `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	SMSCode        string     `json:"sms_code,omitempty"`
	SMSText        string     `json:"sms_text,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
	EntryRefund EntryKind = "refund"
)

// LedgerEntry is one immutable balance-affecting event. Amount is signed:
// debits are negative, credits and refunds positive. At most one entry
// exists per idempotency key.
type LedgerEntry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Amount         int64     `json:"amount"`
	Kind           EntryKind `json:"kind"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reference      string    `json:"reference"`
	CreatedAt      time.Time `json:"created_at"`
}

// Account holds the materialized balance (minor units) plus a promotional
// free-verification allowance. The balance is only ever mutated in the
// same transaction that inserts the idempotency-keyed entry driving it.
type Account struct {
	UserID            string    `json:"user_id"`
	Balance           int64     `json:"balance"`
	FreeVerifications int       `json:"free_verifications"`
	CreatedAt         time.Time `json:"created_at"`
}

// IntentState is the lifecycle of an external payment.
type IntentState string

const (
	IntentPending    IntentState = "pending"
	IntentProcessing IntentState = "processing"
	IntentSettled    IntentState = "settled"
	IntentFailed     IntentState = "failed"
)

// PaymentIntent tracks money moving in from the payment provider. Credited
// flips false->true exactly once, guarded by LockVersion at the storage
// boundary; a handler that observes Credited must not touch the ledger.
type PaymentIntent struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Reference      string      `json:"reference"`
	IdempotencyKey string      `json:"idempotency_key"`
	Amount         int64       `json:"amount"`
	State          IntentState `json:"state"`
	Credited       bool        `json:"credited"`
	LockVersion    int         `json:"lock_version"`
	CreatedAt      time.Time   `json:"created_at"`
}

// TransitionResult reports what a state-machine operation did.
type TransitionResult string

const (
	TransitionCompleted    TransitionResult = "completed"
	TransitionTimeout      TransitionResult = "timeout"
	TransitionCancelled    TransitionResult = "cancelled"
	TransitionFailed       TransitionResult = "failed"
	TransitionStillPending TransitionResult = "still_pending"
	// TransitionSuperseded means the row was already terminal when the
	// signal landed; the signal is discarded.
	TransitionSuperseded TransitionResult = "superseded"
)

// RefundKey derives the idempotency key for a verification's refund. It is
// distinct from the purchase debit key so the refund is itself at-most-once.
func RefundKey(verificationID string) string {
	return "refund:" + verificationID
}
