package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/internal/dht"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// MaxRetries bootstrap attempts per health check while the routing table is empty
	MaxRetries int
	// RetryDelay is the delay between bootstrap attempts
	RetryDelay time.Duration
	// HealthCheckInterval is how often the routing table is checked
	HealthCheckInterval time.Duration
}

// DefaultSupervisorConfig returns default supervisor configuration
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Supervisor keeps a node connected: whenever its routing table is empty it bootstraps from
// the seed nodes again
type Supervisor struct {
	node   *Node
	config SupervisorConfig
	logger *zap.Logger

	mu       sync.RWMutex
	attempts int
	done     chan struct{}
}

func newSupervisor(n *Node, config SupervisorConfig) *Supervisor {
	defaults := DefaultSupervisorConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = defaults.HealthCheckInterval
	}
	return &Supervisor{
		node:   n,
		config: config,
		logger: n.logger.With(zap.String("component", "supervisor")),
	}
}

func (s *Supervisor) start(ctx context.Context) {
	s.mu.Lock()
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.supervise(ctx)
}

// wait blocks until the supervisor loop has exited
func (s *Supervisor) wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for supervisor to stop: %w", ctx.Err())
	}
}

// Attempts returns how many bootstrap attempts the supervisor has made
func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

func (s *Supervisor) supervise(ctx context.Context) {
	defer close(s.done)

	s.checkHealth(ctx)

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkHealth(ctx)
		}
	}
}

// checkHealth bootstraps when the routing table is empty, retrying up to MaxRetries times
func (s *Supervisor) checkHealth(ctx context.Context) {
	if s.node.dht.Table().Size() > 0 {
		return
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.RetryDelay):
			}
		}

		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()

		err := s.node.bootstrap.Bootstrap(ctx)
		switch {
		case err == nil:
			return
		case errors.Is(err, dht.ErrNoSeeds):
			s.logger.Debug("no seed nodes configured")
			return
		case ctx.Err() != nil:
			return
		}
		s.logger.Warn("bootstrap failed",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", s.config.MaxRetries),
			zap.Error(err))
	}
}
