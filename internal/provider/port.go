// Package provider defines the outbound ports of the engine: the SMS
// number vendor and the payment gateway. All results are tagged structs,
// never maps, so callers cannot forget the error branch.
package provider

import (
	"context"

	"github.com/otplane/settler/internal/domain"
)

// PurchaseRequest asks a vendor for one number.
type PurchaseRequest struct {
	Service    string
	Country    string
	Capability domain.Capability
	// Filters are vendor-specific refinements (carrier, prefix). Passed
	// through opaquely.
	Filters map[string]string
}

// Purchase is a successful number rental. Cost is in minor units and is
// the authoritative price for the debit.
type Purchase struct {
	ActivationID string
	PhoneNumber  string
	Cost         int64
}

// MessageStatus is one poll result. TerminalTimeout means the vendor has
// given up on this activation and no message will ever arrive.
type MessageStatus struct {
	Received        bool
	Text            string
	Code            string
	TerminalTimeout bool
}

// Port is the abstract SMS/voice vendor capability. Implementations do not
// retry and do not classify errors; the breaker wrapper and the caller do.
type Port interface {
	Name() string
	PurchaseNumber(ctx context.Context, req PurchaseRequest) (*Purchase, error)
	CheckMessage(ctx context.Context, activationID string) (*MessageStatus, error)
	CancelNumber(ctx context.Context, activationID string) error
}

// PaymentStatus is the gateway's authoritative view of one charge.
type PaymentStatus struct {
	Reference string
	Amount    int64
	Settled   bool
	Failed    bool
}

// Gateway verifies charges directly against the payment provider. Used by
// reconciliation when the webhook never arrived.
type Gateway interface {
	VerifyTransaction(ctx context.Context, reference string) (*PaymentStatus, error)
}
