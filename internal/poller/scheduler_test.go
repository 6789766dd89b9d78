package poller_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/ledger"
	"github.com/otplane/settler/internal/poller"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/provider/providertest"
	"github.com/otplane/settler/internal/settlement"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/verification"
)

type staticPrices int64

func (p staticPrices) PriceFor(string) int64 { return int64(p) }

func testConfig() poller.Config {
	return poller.Config{
		ShortInterval: 5 * time.Millisecond,
		LongInterval:  10 * time.Millisecond,
		ErrorInterval: 5 * time.Millisecond,
		ShortAttempts: 3,
		Ceiling:       time.Minute,
	}
}

// harness wires a real coordinator so terminal settlement (refunds) runs
// exactly as in production.
type harness struct {
	store       *store.Mem
	fake        *providertest.Fake
	coordinator *settlement.Coordinator
	scheduler   *poller.Scheduler
}

func newHarness(t *testing.T, cfg poller.Config) *harness {
	t.Helper()
	st := store.NewMem()
	st.SeedAccount("user-1", 1000, 0)
	fake := &providertest.Fake{}
	l := ledger.New(st)
	m := verification.NewMachine(st)
	c := settlement.NewCoordinator(st, l, m, fake, staticPrices(250))
	s := poller.NewScheduler(st, m, fake, c, cfg)
	c.SetWatcher(s)
	t.Cleanup(s.Stop)
	return &harness{store: st, fake: fake, coordinator: c, scheduler: s}
}

func (h *harness) purchase(t *testing.T, key string) *domain.Verification {
	t.Helper()
	res, err := h.coordinator.Purchase(context.Background(), verification.CreateRequest{
		UserID:         "user-1",
		ServiceName:    "telegram",
		Country:        "US",
		Capability:     domain.CapabilitySMS,
		IdempotencyKey: key,
	}, nil)
	require.NoError(t, err)
	return res.Verification
}

func TestWatcherCompletesOnCode(t *testing.T) {
	h := newHarness(t, testConfig())

	var polls int32
	h.fake.CheckFunc = func(string) (*provider.MessageStatus, error) {
		if atomic.AddInt32(&polls, 1) < 3 {
			return &provider.MessageStatus{}, nil
		}
		return &provider.MessageStatus{Received: true, Code: "123456", Text: "code 123456"}, nil
	}

	v := h.purchase(t, "key-1")

	require.Eventually(t, func() bool {
		got, err := h.store.GetVerification(context.Background(), v.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	// Scenario C: code stored, no refund issued.
	got, _ := h.store.GetVerification(context.Background(), v.ID)
	assert.Equal(t, "123456", got.SMSCode)
	acc, _ := h.store.GetAccount(context.Background(), "user-1")
	assert.Equal(t, int64(750), acc.Balance)

	require.Eventually(t, func() bool { return !h.scheduler.Active(v.ID) }, time.Second, 5*time.Millisecond)
}

func TestWatchIsIdempotentPerID(t *testing.T) {
	h := newHarness(t, testConfig())

	var concurrent, peak int32
	release := make(chan struct{})
	h.fake.CheckFunc = func(string) (*provider.MessageStatus, error) {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		return &provider.MessageStatus{Received: true, Code: "000000"}, nil
	}

	v := h.purchase(t, "key-1") // registers once
	h.scheduler.Watch(v.ID)
	h.scheduler.Watch(v.ID)

	time.Sleep(30 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return !h.scheduler.Active(v.ID) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "at most one watcher per verification id")
}

func TestWatcherEnforcesCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Ceiling = 30 * time.Millisecond
	h := newHarness(t, cfg)

	v := h.purchase(t, "key-1") // provider always reports waiting

	// Scenario D: ceiling forces timeout and refunds the debit.
	require.Eventually(t, func() bool {
		got, err := h.store.GetVerification(context.Background(), v.ID)
		return err == nil && got.Status == domain.StatusTimeout
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		acc, _ := h.store.GetAccount(context.Background(), "user-1")
		return acc.Balance == 1000
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherStopsOnExternalTransition(t *testing.T) {
	h := newHarness(t, testConfig())

	var pollsAfterCancel int32
	var cancelled atomic.Bool
	h.fake.CheckFunc = func(string) (*provider.MessageStatus, error) {
		if cancelled.Load() {
			atomic.AddInt32(&pollsAfterCancel, 1)
		}
		return &provider.MessageStatus{}, nil
	}

	v := h.purchase(t, "key-1")
	require.True(t, h.scheduler.Active(v.ID))

	_, err := h.coordinator.Cancel(context.Background(), v.ID, "user requested")
	require.NoError(t, err)
	cancelled.Store(true)

	require.Eventually(t, func() bool { return !h.scheduler.Active(v.ID) }, time.Second, 5*time.Millisecond)

	// At most the poll already in flight lands after the cancel.
	assert.LessOrEqual(t, atomic.LoadInt32(&pollsAfterCancel), int32(1))
}

func TestWatcherRetriesThroughTransientErrors(t *testing.T) {
	h := newHarness(t, testConfig())

	var polls int32
	h.fake.CheckFunc = func(string) (*provider.MessageStatus, error) {
		if atomic.AddInt32(&polls, 1) < 4 {
			return nil, errors.New("vendor hiccup")
		}
		return &provider.MessageStatus{Received: true, Code: "654321"}, nil
	}

	v := h.purchase(t, "key-1")

	require.Eventually(t, func() bool {
		got, err := h.store.GetVerification(context.Background(), v.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestStopCancelsWatchersWithoutLosingRows(t *testing.T) {
	h := newHarness(t, testConfig())

	var mu sync.Mutex
	ids := []string{}
	h.fake.CheckFunc = func(id string) (*provider.MessageStatus, error) {
		mu.Lock()
		ids = append(ids, id)
		mu.Unlock()
		return &provider.MessageStatus{}, nil
	}

	v := h.purchase(t, "key-1")
	require.True(t, h.scheduler.Active(v.ID))

	h.scheduler.Stop()
	assert.False(t, h.scheduler.Active(v.ID))

	// The row stays pending; reconciliation re-attaches it later.
	got, err := h.store.GetVerification(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}
