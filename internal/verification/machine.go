// Package verification owns the lifecycle of a single verification:
// pending -> completed | timeout | cancelled | failed. Transitions are
// accepted only from pending and are serialized by a guard on the current
// status at the storage layer; whichever write commits first wins and the
// loser's write affects zero rows.
package verification

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/store"
)

// codePattern matches the verification code inside an SMS body when the
// provider does not parse it out: the first 4-8 digit run.
var codePattern = regexp.MustCompile(`\b\d{4,8}\b`)

type Machine struct {
	store store.Store
}

func NewMachine(s store.Store) *Machine {
	return &Machine{store: s}
}

// CreateRequest is the validated input for a new verification. The caller
// must already hold a successful provider purchase; persistence happens
// atomically with the debit in the settlement layer.
type CreateRequest struct {
	UserID         string
	ServiceName    string
	Country        string
	Capability     domain.Capability
	IdempotencyKey string
}

// Validate rejects requests that must never reach the provider.
func (r CreateRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user id required", domain.ErrValidation)
	}
	if strings.TrimSpace(r.ServiceName) == "" {
		return fmt.Errorf("%w: service name required", domain.ErrValidation)
	}
	if strings.TrimSpace(r.Country) == "" {
		return fmt.Errorf("%w: country required", domain.ErrValidation)
	}
	switch r.Capability {
	case domain.CapabilitySMS, domain.CapabilityVoice:
	default:
		return fmt.Errorf("%w: capability must be sms or voice", domain.ErrValidation)
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key required", domain.ErrValidation)
	}
	return nil
}

// Build validates the request and assembles the pending row from the
// provider purchase. Cost is fixed here and never mutated afterward.
func (m *Machine) Build(req CreateRequest, providerName string, purchase *provider.Purchase, cost int64) (*domain.Verification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &domain.Verification{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		ServiceName:    req.ServiceName,
		Country:        req.Country,
		Capability:     req.Capability,
		PhoneNumber:    purchase.PhoneNumber,
		Provider:       providerName,
		ActivationID:   purchase.ActivationID,
		Cost:           cost,
		Status:         domain.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// ObserveMessage applies one provider poll result. A message with an
// extractable code completes the verification; an explicit provider
// timeout ends it as timeout; anything else is still_pending. A signal
// landing on an already-terminal row is discarded (completed wins over a
// stale timeout by construction: only the first transition is accepted).
func (m *Machine) ObserveMessage(ctx context.Context, id string, msg *provider.MessageStatus) (domain.TransitionResult, error) {
	switch {
	case msg.Received:
		code := msg.Code
		if code == "" {
			code = codePattern.FindString(msg.Text)
		}
		if code == "" {
			// Message arrived but nothing extractable yet; keep polling.
			return domain.TransitionStillPending, nil
		}
		now := time.Now().UTC()
		won, err := m.store.TransitionVerification(ctx, id, domain.StatusCompleted, store.TransitionUpdate{
			SMSCode:     code,
			SMSText:     msg.Text,
			CompletedAt: &now,
		})
		if err != nil {
			return "", err
		}
		if !won {
			return domain.TransitionSuperseded, nil
		}
		log.WithFields(log.Fields{"verification_id": id}).Info("verification completed")
		return domain.TransitionCompleted, nil

	case msg.TerminalTimeout:
		return m.terminal(ctx, id, domain.StatusTimeout, "provider reported timeout")

	default:
		return domain.TransitionStillPending, nil
	}
}

// Cancel ends a pending verification at the user's request. Returns
// domain.ErrInvalidTransition when the row is already terminal.
func (m *Machine) Cancel(ctx context.Context, id, reason string) (domain.TransitionResult, error) {
	res, err := m.terminal(ctx, id, domain.StatusCancelled, reason)
	if err != nil {
		return "", err
	}
	if res == domain.TransitionSuperseded {
		return "", fmt.Errorf("%w: verification %s is terminal", domain.ErrInvalidTransition, id)
	}
	return res, nil
}

// MarkFailed ends a pending verification that cannot be completed, e.g.
// when reconciliation exhausts its retry budget.
func (m *Machine) MarkFailed(ctx context.Context, id, reason string) (domain.TransitionResult, error) {
	res, err := m.terminal(ctx, id, domain.StatusFailed, reason)
	if err != nil {
		return "", err
	}
	if res == domain.TransitionSuperseded {
		return "", fmt.Errorf("%w: verification %s is terminal", domain.ErrInvalidTransition, id)
	}
	return res, nil
}

// Expire forces a pending verification past the wall-clock ceiling into
// timeout. Safe to call from both the watcher and reconciliation; the
// second caller is a no-op.
func (m *Machine) Expire(ctx context.Context, id string) (domain.TransitionResult, error) {
	return m.terminal(ctx, id, domain.StatusTimeout, "pending ceiling exceeded")
}

func (m *Machine) terminal(ctx context.Context, id string, to domain.Status, reason string) (domain.TransitionResult, error) {
	now := time.Now().UTC()
	won, err := m.store.TransitionVerification(ctx, id, to, store.TransitionUpdate{
		FailureReason: reason,
		CompletedAt:   &now,
	})
	if err != nil {
		return "", err
	}
	if !won {
		return domain.TransitionSuperseded, nil
	}
	log.WithFields(log.Fields{
		"verification_id": id,
		"status":          to,
		"reason":          reason,
	}).Info("verification ended")
	switch to {
	case domain.StatusTimeout:
		return domain.TransitionTimeout, nil
	case domain.StatusCancelled:
		return domain.TransitionCancelled, nil
	default:
		return domain.TransitionFailed, nil
	}
}
