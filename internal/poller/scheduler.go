// Package poller runs one supervised watcher goroutine per pending
// verification. The registry guarantees at most one watcher per id; lost
// watchers (crash, restart) are re-attached by reconciliation, so stopping
// a watcher never loses a verification.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/otplane/settler/internal/domain"
	"github.com/otplane/settler/internal/provider"
	"github.com/otplane/settler/internal/store"
	"github.com/otplane/settler/internal/verification"
)

var (
	activeWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settler_active_watchers",
		Help: "Watcher goroutines currently polling",
	})
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settler_polls_total",
		Help: "Provider message polls by outcome",
	}, []string{"outcome"})
)

// Settler finalizes the money side of a terminal verification.
type Settler interface {
	SettleTerminal(ctx context.Context, v *domain.Verification) error
}

// Config is the polling schedule. Short interval for the first
// ShortAttempts polls, long interval after, error interval on transient
// failures. Ceiling bounds the whole watch from the row's created_at, so
// restarts and transient errors never extend it.
type Config struct {
	ShortInterval time.Duration
	LongInterval  time.Duration
	ErrorInterval time.Duration
	ShortAttempts int
	Ceiling       time.Duration
}

type Scheduler struct {
	store   store.Store
	machine *verification.Machine
	port    provider.Port
	settler Settler
	cfg     Config

	mu       sync.Mutex
	watching map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(s store.Store, m *verification.Machine, port provider.Port, settler Settler, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    s,
		machine:  m,
		port:     port,
		settler:  settler,
		cfg:      cfg,
		watching: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch starts a watcher for the verification unless one is already
// running. Idempotent by id.
func (s *Scheduler) Watch(id string) {
	s.mu.Lock()
	if _, ok := s.watching[id]; ok {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.ctx.Done():
		s.mu.Unlock()
		return
	default:
	}
	s.watching[id] = struct{}{}
	s.mu.Unlock()

	activeWatchers.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer activeWatchers.Dec()
		defer func() {
			s.mu.Lock()
			delete(s.watching, id)
			s.mu.Unlock()
		}()
		s.watch(id)
	}()
}

// Active reports whether a watcher currently exists for the id.
func (s *Scheduler) Active(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watching[id]
	return ok
}

// Stop cancels all watchers and waits for them to exit. Pending rows left
// behind are recovered by the reconciliation loop after restart.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) watch(id string) {
	attempts := 0
	for {
		v, err := s.store.GetVerification(s.ctx, id)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("verification_id", id).Warn("watcher read failed")
			if !s.sleep(s.cfg.ErrorInterval) {
				return
			}
			continue
		}

		// Transitioned by someone else (user cancel): stop without
		// another provider call. Settlement happened on that path.
		if v.Status != domain.StatusPending {
			return
		}

		// Hard wall-clock bound from creation, not from watcher start.
		if time.Since(v.CreatedAt) >= s.cfg.Ceiling {
			s.expire(id)
			return
		}

		msg, err := s.port.CheckMessage(s.ctx, v.ActivationID)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			pollsTotal.WithLabelValues("error").Inc()
			log.WithError(err).WithField("verification_id", id).Warn("poll failed, backing off")
			if !s.sleep(s.cfg.ErrorInterval) {
				return
			}
			continue
		}

		res, err := s.machine.ObserveMessage(s.ctx, id, msg)
		if err != nil {
			log.WithError(err).WithField("verification_id", id).Warn("transition failed")
			if !s.sleep(s.cfg.ErrorInterval) {
				return
			}
			continue
		}

		switch res {
		case domain.TransitionCompleted:
			pollsTotal.WithLabelValues("completed").Inc()
			return
		case domain.TransitionTimeout:
			pollsTotal.WithLabelValues("timeout").Inc()
			s.settle(id)
			return
		case domain.TransitionSuperseded:
			return
		}

		pollsTotal.WithLabelValues("waiting").Inc()
		attempts++
		interval := s.cfg.ShortInterval
		if attempts > s.cfg.ShortAttempts {
			interval = s.cfg.LongInterval
		}
		if !s.sleep(interval) {
			return
		}
	}
}

func (s *Scheduler) expire(id string) {
	res, err := s.machine.Expire(s.ctx, id)
	if err != nil {
		log.WithError(err).WithField("verification_id", id).Error("expire failed, reconciliation will retry")
		return
	}
	if res == domain.TransitionTimeout {
		s.settle(id)
	}
}

func (s *Scheduler) settle(id string) {
	v, err := s.store.GetVerification(s.ctx, id)
	if err == nil {
		err = s.settler.SettleTerminal(s.ctx, v)
	}
	if err != nil {
		// The refund key is derived from the id; reconciliation can
		// re-drive this safely.
		log.WithError(err).WithField("verification_id", id).Error("terminal settlement failed")
	}
}

func (s *Scheduler) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
