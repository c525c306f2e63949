package service

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/obgate/ports"
	"go.uber.org/zap"
)

const (
	sweepBatch = 500

	// credentialRetention keeps expired credentials around for audit. A
	// consumed code is kept longer, until nothing issued from it remains.
	credentialRetention = 24 * time.Hour
)

// SweepReport counts what one sweep changed
type SweepReport struct {
	ExpiredConsents    int
	PurgedCredentials  int
	PurgedAuthRequests int
}

// Sweeper expires lapsed consents and drops dead credentials and
// authorization requests.
type Sweeper struct {
	consents *ConsentService
	tokens   *TokenService
	requests ports.AuthRequestStore
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(consents *ConsentService, tokens *TokenService, requests ports.AuthRequestStore, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		consents: consents,
		tokens:   tokens,
		requests: requests,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// SweepOnce runs a single pass
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	for {
		n, err := s.consents.ExpireLapsed(ctx, sweepBatch)
		report.ExpiredConsents += n
		if err != nil {
			return report, err
		}
		if n < sweepBatch {
			break
		}
	}

	now := s.now()
	n, err := s.tokens.Purge(ctx, now.Add(-credentialRetention))
	if err != nil {
		return report, err
	}
	report.PurgedCredentials = n

	n, err = s.requests.DeleteExpiredAuthRequests(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to delete expired authorization requests: %w", err)
	}
	report.PurgedAuthRequests = n
	return report, nil
}

// Run sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			s.logger.Debug("sweep finished",
				zap.Int("expired_consents", report.ExpiredConsents),
				zap.Int("purged_credentials", report.PurgedCredentials),
				zap.Int("purged_auth_requests", report.PurgedAuthRequests))
		}
	}
}
