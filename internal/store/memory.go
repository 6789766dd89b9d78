package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/otplane/settler/internal/domain"
)

// Mem is a mutex-guarded in-memory Store with the same atomicity and
// idempotency semantics as Postgres. It backs package tests and local
// runs without a database.
type Mem struct {
	mu            sync.Mutex
	accounts      map[string]*domain.Account
	verifications map[string]*domain.Verification
	byKey         map[string]string // userID+"\x00"+key -> verification id
	entries       map[string]*domain.LedgerEntry
	entryOrder    []string
	intents       map[string]*domain.PaymentIntent // by id
	byReference   map[string]string                // reference -> intent id
}

func NewMem() *Mem {
	return &Mem{
		accounts:      make(map[string]*domain.Account),
		verifications: make(map[string]*domain.Verification),
		byKey:         make(map[string]string),
		entries:       make(map[string]*domain.LedgerEntry),
		intents:       make(map[string]*domain.PaymentIntent),
		byReference:   make(map[string]string),
	}
}

var _ Store = (*Mem)(nil)

// SeedAccount sets up a funded account for tests and local runs.
func (m *Mem) SeedAccount(userID string, balance int64, freeVerifications int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID] = &domain.Account{
		UserID:            userID,
		Balance:           balance,
		FreeVerifications: freeVerifications,
		CreatedAt:         time.Now().UTC(),
	}
}

func (m *Mem) account(userID string) *domain.Account {
	acc, ok := m.accounts[userID]
	if !ok {
		acc = &domain.Account{UserID: userID, CreatedAt: time.Now().UTC()}
		m.accounts[userID] = acc
	}
	return acc
}

func (m *Mem) GetAccount(_ context.Context, userID string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return &domain.Account{UserID: userID}, nil
	}
	cp := *acc
	return &cp, nil
}

func (m *Mem) GetVerification(_ context.Context, id string) (*domain.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func keyOf(userID, key string) string { return userID + "\x00" + key }

func (m *Mem) GetVerificationByKey(_ context.Context, userID, key string) (*domain.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[keyOf(userID, key)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.verifications[id]
	return &cp, nil
}

func (m *Mem) ListPending(_ context.Context) ([]domain.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Verification
	for _, v := range m.verifications {
		if v.Status == domain.StatusPending {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) ListUnrefundedTerminal(_ context.Context) ([]domain.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Verification
	for _, v := range m.verifications {
		if !v.Status.Terminal() || v.Status == domain.StatusCompleted || v.Cost == 0 {
			continue
		}
		if _, ok := m.entries[domain.RefundKey(v.ID)]; ok {
			continue
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) CreateVerificationWithDebit(_ context.Context, v *domain.Verification, entry *domain.LedgerEntry) (*domain.Verification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[keyOf(v.UserID, v.IdempotencyKey)]; ok {
		cp := *m.verifications[id]
		return &cp, false, nil
	}

	acc := m.account(v.UserID)
	useFree := entry == nil
	if useFree {
		if acc.FreeVerifications < 1 {
			return nil, false, domain.ErrInsufficientCredits
		}
	} else if acc.Balance+entry.Amount < 0 {
		return nil, false, domain.ErrInsufficientCredits
	}

	cp := *v
	m.verifications[cp.ID] = &cp
	m.byKey[keyOf(cp.UserID, cp.IdempotencyKey)] = cp.ID

	if useFree {
		acc.FreeVerifications--
	} else {
		ecp := *entry
		m.entries[ecp.IdempotencyKey] = &ecp
		m.entryOrder = append(m.entryOrder, ecp.IdempotencyKey)
		acc.Balance += ecp.Amount
	}

	out := cp
	return &out, true, nil
}

func (m *Mem) TransitionVerification(_ context.Context, id string, to domain.Status, upd TransitionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.verifications[id]
	if !ok || v.Status != domain.StatusPending {
		return false, nil
	}
	v.Status = to
	if upd.SMSCode != "" {
		v.SMSCode = upd.SMSCode
	}
	if upd.SMSText != "" {
		v.SMSText = upd.SMSText
	}
	if upd.FailureReason != "" {
		v.FailureReason = upd.FailureReason
	}
	if upd.CompletedAt != nil {
		v.CompletedAt = upd.CompletedAt
	}
	return true, nil
}

func (m *Mem) ApplyEntry(_ context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[entry.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *entry
	m.entries[cp.IdempotencyKey] = &cp
	m.entryOrder = append(m.entryOrder, cp.IdempotencyKey)
	m.account(cp.UserID).Balance += cp.Amount
	out := cp
	return &out, true, nil
}

func (m *Mem) entriesMatching(match func(*domain.LedgerEntry) bool) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for i := len(m.entryOrder) - 1; i >= 0; i-- {
		e := m.entries[m.entryOrder[i]]
		if match(e) {
			out = append(out, *e)
		}
	}
	return out
}

func (m *Mem) EntriesByUser(_ context.Context, userID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesMatching(func(e *domain.LedgerEntry) bool { return e.UserID == userID }), nil
}

func (m *Mem) EntriesByReference(_ context.Context, reference string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesMatching(func(e *domain.LedgerEntry) bool { return e.Reference == reference }), nil
}

func (m *Mem) CreateIntent(_ context.Context, intent *domain.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byReference[intent.Reference]; ok {
		return domain.ErrValidation
	}
	cp := *intent
	m.intents[cp.ID] = &cp
	m.byReference[cp.Reference] = cp.ID
	return nil
}

func (m *Mem) GetIntentByReference(_ context.Context, reference string) (*domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byReference[reference]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.intents[id]
	return &cp, nil
}

func (m *Mem) ListUnsettledIntents(_ context.Context, olderThan time.Time) ([]domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentIntent
	for _, in := range m.intents {
		unsettled := in.State == domain.IntentPending || in.State == domain.IntentProcessing
		if unsettled && !in.Credited && in.CreatedAt.Before(olderThan) {
			out = append(out, *in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Mem) SettleIntent(_ context.Context, intent *domain.PaymentIntent, entry *domain.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[intent.ID]
	if !ok || in.Credited || in.LockVersion != intent.LockVersion {
		return false, nil
	}
	in.State = domain.IntentSettled
	in.Credited = true
	in.LockVersion++

	if _, ok := m.entries[entry.IdempotencyKey]; !ok {
		cp := *entry
		m.entries[cp.IdempotencyKey] = &cp
		m.entryOrder = append(m.entryOrder, cp.IdempotencyKey)
		m.account(cp.UserID).Balance += cp.Amount
	}
	return true, nil
}

func (m *Mem) FailIntent(_ context.Context, intent *domain.PaymentIntent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[intent.ID]
	if !ok || in.Credited || in.LockVersion != intent.LockVersion {
		return false, nil
	}
	if in.State != domain.IntentPending && in.State != domain.IntentProcessing {
		return false, nil
	}
	in.State = domain.IntentFailed
	in.LockVersion++
	return true, nil
}

func (m *Mem) MarkIntentProcessing(_ context.Context, intent *domain.PaymentIntent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[intent.ID]
	if !ok || in.Credited || in.State != domain.IntentPending || in.LockVersion != intent.LockVersion {
		return false, nil
	}
	in.State = domain.IntentProcessing
	in.LockVersion++
	return true, nil
}
