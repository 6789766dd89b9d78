package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/provider/providertest"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	fail := func() (any, error) {
		calls++
		return nil, errors.New("provider down")
	}

	b := provider.NewBreaker("test", 3, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := b.Do(fail)
		require.Error(t, err)
		require.NotErrorIs(t, err, domain.ErrCircuitOpen)
	}
	require.Equal(t, 3, calls)

	// Tripped: calls fail fast without touching the endpoint.
	for i := 0; i < 5; i++ {
		_, err := b.Do(fail)
		require.ErrorIs(t, err, domain.ErrCircuitOpen)
	}
	assert.Equal(t, 3, calls)
}

func TestBreakerHalfOpenTrialRecovers(t *testing.T) {
	calls := 0
	b := provider.NewBreaker("test", 2, 30*time.Millisecond)

	fail := func() (any, error) {
		calls++
		return nil, errors.New("boom")
	}
	_, _ = b.Do(fail)
	_, _ = b.Do(fail)
	_, err := b.Do(fail)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	require.Equal(t, 2, calls)

	time.Sleep(40 * time.Millisecond)

	// Exactly one trial call passes; success closes the circuit.
	out, err := b.Do(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	_, err = b.Do(func() (any, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b := provider.NewBreaker("test", 1, 30*time.Millisecond)

	_, _ = b.Do(func() (any, error) { return nil, errors.New("boom") })
	_, err := b.Do(func() (any, error) { return "ok", nil })
	require.ErrorIs(t, err, domain.ErrCircuitOpen)

	time.Sleep(40 * time.Millisecond)

	_, err = b.Do(func() (any, error) { return nil, errors.New("still down") })
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrCircuitOpen)

	// Failed trial reopens immediately.
	_, err = b.Do(func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestGuardedPortShortCircuits(t *testing.T) {
	fake := &providertest.Fake{
		PurchaseFunc: func(provider.PurchaseRequest) (*provider.Purchase, error) {
			return nil, errors.New("vendor 500")
		},
	}
	guarded := provider.Guard(fake, provider.NewBreaker("fake", 2, time.Minute))
	ctx := context.Background()

	_, err := guarded.PurchaseNumber(ctx, provider.PurchaseRequest{Service: "telegram"})
	require.Error(t, err)
	_, err = guarded.PurchaseNumber(ctx, provider.PurchaseRequest{Service: "telegram"})
	require.Error(t, err)

	_, err = guarded.PurchaseNumber(ctx, provider.PurchaseRequest{Service: "telegram"})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)

	purchases, _ := fake.Calls()
	assert.Equal(t, 2, purchases, "open breaker must not reach the vendor")
}
