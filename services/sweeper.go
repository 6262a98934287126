package services

import (
	"context"
	"time"

	"stampcard-backend/utils"

	log "github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval  = 10 * time.Minute
	defaultNonceRetention = 24 * time.Hour
	defaultSweepBatchSize = 1000
	maxSweepBatchesPerRun = 200
)

// Sweeper periodically purges consumed nonces of long-expired tokens and
// expires redeemable rewards that passed their deadline.
type Sweeper struct {
	nonces    *NonceClaimStore
	engine    *RewardEngine
	clock     utils.Clock
	metrics   *Metrics
	interval  time.Duration
	retention time.Duration
	batchSize int
}

func NewSweeper(nonces *NonceClaimStore, engine *RewardEngine, clock utils.Clock, metrics *Metrics, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if retention <= 0 {
		retention = defaultNonceRetention
	}
	return &Sweeper{
		nonces:    nonces,
		engine:    engine,
		clock:     clock,
		metrics:   metrics,
		interval:  interval,
		retention: retention,
		batchSize: defaultSweepBatchSize,
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go s.run(ctx)
	log.Infof("loyalty sweeper started (interval=%s retention=%s)", s.interval, s.retention)
}

func (s *Sweeper) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.SweepOnce(ctx)
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// SweepOnce runs one full pass and reports what it removed and expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (purged int64, expired int) {
	cutoff := s.clock.Now().Add(-s.retention)
	for i := 0; i < maxSweepBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return purged, expired
		}
		n, err := s.nonces.Purge(ctx, cutoff, s.batchSize)
		if err != nil {
			log.WithError(err).Warn("loyalty sweeper: nonce purge failed")
			break
		}
		purged += n
		if n < int64(s.batchSize) {
			break
		}
	}
	s.metrics.NoncesPurged(purged)

	for i := 0; i < maxSweepBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := s.engine.ExpireDue(ctx, s.batchSize)
		if err != nil {
			log.WithError(err).Warn("loyalty sweeper: reward expiry failed")
			break
		}
		expired += n
		if n < s.batchSize {
			break
		}
	}

	if purged > 0 || expired > 0 {
		log.Infof("loyalty sweeper: purged %d nonces (cutoff=%s), expired %d rewards", purged, cutoff.Format(time.RFC3339), expired)
	}
	return purged, expired
}
