// session_sweeper.go implements the SessionSweeper background job, which
// periodically deletes session token rows whose expiry passed longer ago than
// the configured retention window. The sweeper is purely hygienic: expired
// tokens are already rejected at validation time, so a delayed or stopped
// sweeper affects table size and audit retention, never security.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/quartermaster/quartermaster/internal/config"
	"github.com/quartermaster/quartermaster/internal/sessions"
)

// SessionSweeper periodically purges long-expired session tokens.
type SessionSweeper struct {
	svc      *sessions.Service
	interval time.Duration
	stopChan chan struct{}
}

// NewSessionSweeper creates a new SessionSweeper using the configured sweep
// interval (default 1h when unset).
func NewSessionSweeper(svc *sessions.Service, cfg config.SessionConfig) *SessionSweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &SessionSweeper{
		svc:      svc,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background sweep loop. It runs an initial sweep
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop() is called.
func (s *SessionSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("session sweeper started", "interval", s.interval)

	// Run once immediately on startup
	s.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSweep(ctx)
		case <-s.stopChan:
			slog.Info("session sweeper stopped")
			return
		case <-ctx.Done():
			slog.Info("session sweeper context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (s *SessionSweeper) Stop() {
	close(s.stopChan)
}

// runSweep performs a single purge pass.
func (s *SessionSweeper) runSweep(ctx context.Context) {
	n, err := s.svc.SweepExpired(ctx)
	if err != nil {
		slog.Error("session sweeper: purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("session sweeper: purged expired tokens", "count", n)
	}
}
