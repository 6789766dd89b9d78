// Package providertest holds scripted in-memory implementations of the
// provider ports for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/otplane/settler/internal/provider"
)

// Fake is a scriptable Port. Zero value behavior: purchases succeed with
// sequential activation ids at cost 250, polls report waiting, cancels
// succeed. Override the Func fields to script failures or messages.
type Fake struct {
	mu sync.Mutex

	PurchaseFunc func(req provider.PurchaseRequest) (*provider.Purchase, error)
	CheckFunc    func(activationID string) (*provider.MessageStatus, error)
	CancelFunc   func(activationID string) error

	PurchaseCalls int
	CheckCalls    int
	Cancelled     []string
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) PurchaseNumber(_ context.Context, req provider.PurchaseRequest) (*provider.Purchase, error) {
	f.mu.Lock()
	f.PurchaseCalls++
	n := f.PurchaseCalls
	fn := f.PurchaseFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &provider.Purchase{
		ActivationID: fmt.Sprintf("act-%d", n),
		PhoneNumber:  fmt.Sprintf("+155500%04d", n),
		Cost:         250,
	}, nil
}

func (f *Fake) CheckMessage(_ context.Context, activationID string) (*provider.MessageStatus, error) {
	f.mu.Lock()
	f.CheckCalls++
	fn := f.CheckFunc
	f.mu.Unlock()

	if fn != nil {
		return fn(activationID)
	}
	return &provider.MessageStatus{}, nil
}

func (f *Fake) CancelNumber(_ context.Context, activationID string) error {
	f.mu.Lock()
	fn := f.CancelFunc
	f.mu.Unlock()

	if fn != nil {
		if err := fn(activationID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.Cancelled = append(f.Cancelled, activationID)
	f.mu.Unlock()
	return nil
}

// CancelledIDs returns a copy of the cancelled activation ids.
func (f *Fake) CancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Cancelled...)
}

// Calls returns the purchase and check call counts.
func (f *Fake) Calls() (purchases, checks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PurchaseCalls, f.CheckCalls
}

// FakeGateway is a scriptable payment gateway.
type FakeGateway struct {
	mu          sync.Mutex
	VerifyFunc  func(reference string) (*provider.PaymentStatus, error)
	VerifyCalls int
}

func (g *FakeGateway) VerifyTransaction(_ context.Context, reference string) (*provider.PaymentStatus, error) {
	g.mu.Lock()
	g.VerifyCalls++
	fn := g.VerifyFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(reference)
	}
	return &provider.PaymentStatus{Reference: reference}, nil
}
