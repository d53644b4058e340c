// Package supervisor starts the network client, retrying failed starts on
// a fixed interval, and tears it down exactly once at shutdown.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pairbot/backend/internal/clock"
	"github.com/pairbot/backend/internal/config"
)

var ErrRetriesExhausted = errors.New("client initialization retries exhausted")

// Client is the part of the network client the supervisor drives.
type Client interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// RetryPolicy controls start retries. MaxAttempts 0 retries forever.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

type Supervisor struct {
	client          Client
	policy          RetryPolicy
	shutdownTimeout time.Duration
	clock           clock.Clock
	log             *zap.SugaredLogger

	attempts atomic.Int64

	shutdownOnce sync.Once
	exitCode     int
}

func New(client Client, cfg config.SupervisorConfig, clk clock.Clock, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		client: client,
		policy: RetryPolicy{
			Interval:    cfg.RetryInterval,
			MaxAttempts: cfg.MaxAttempts,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
		clock:           clk,
		log:             log,
	}
}

// Attempts reports how many times Initialize has been called.
func (s *Supervisor) Attempts() int {
	return int(s.attempts.Load())
}

// Start initialises the client, waiting one retry interval after each
// failure. It returns nil once a start succeeds, ctx.Err() when cancelled
// and ErrRetriesExhausted when the policy gives up.
func (s *Supervisor) Start(ctx context.Context) error {
	for {
		n := int(s.attempts.Add(1))
		err := s.client.Initialize(ctx)
		if err == nil {
			s.log.Infow("client initialization started", "attempt", n)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.policy.MaxAttempts > 0 && n >= s.policy.MaxAttempts {
			s.log.Errorw("failed to initialize client, giving up", "attempt", n, "error", err)
			return errors.Wrapf(ErrRetriesExhausted, "after %d attempts: %v", n, err)
		}
		s.log.Errorw("failed to initialize client", "attempt", n, "retry_in", s.policy.Interval, "error", err)

		select {
		case <-s.clock.After(s.policy.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown destroys the client once and returns the process exit code:
// 0 when teardown succeeded, 1 otherwise. Later calls return the same
// code without touching the client again.
func (s *Supervisor) Shutdown(ctx context.Context) int {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutting down gracefully")
		if err := s.destroy(ctx); err != nil {
			s.log.Errorw("error during shutdown", "error", err)
			s.exitCode = 1
			return
		}
		s.log.Info("client destroyed successfully")
	})
	return s.exitCode
}

func (s *Supervisor) destroy(ctx context.Context) (err error) {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic during destroy: %v", r)
		}
	}()
	return s.client.Destroy(ctx)
}
