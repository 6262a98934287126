package services

import (
	"time"

	"stampcard-backend/utils"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

type Options struct {
	Clock    utils.Clock
	Keys     *Keyring
	Cache    NonceCache
	Notifier Notifier
	// Registerer may be nil, in which case metrics are collected but not exported.
	Registerer           prometheus.Registerer
	GeofenceRadiusMeters float64
	TokenTTL             time.Duration
	SweepInterval        time.Duration
	NonceRetention       time.Duration
}

// Services wires the ledger components around one database handle.
type Services struct {
	Codec   *TokenCodec
	Nonces  *NonceClaimStore
	Ledger  *LedgerWriter
	Rewards *RewardEngine
	Stamps  *StampService
	Redeems *RedeemFlow
	Scans   *ScanFlow
	Sweeper *Sweeper
	Metrics *Metrics
	Events  *Dispatcher
}

func New(db *gorm.DB, opts Options) *Services {
	clock := opts.Clock
	if clock == nil {
		clock = utils.SystemClock{}
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	metrics := NewMetrics(opts.Registerer)
	events := NewDispatcher(opts.Notifier, clock)
	ledger := NewLedgerWriter(clock)
	codec := NewTokenCodec(opts.Keys, clock)
	nonces := NewNonceClaimStore(db, clock)
	rewards := NewRewardEngine(db, clock, opts.Keys, ledger, events, metrics)
	stamps := NewStampService(db, clock, rewards, ledger, events, metrics)
	redeems := NewRedeemFlow(db, clock, rewards, events, metrics)

	return &Services{
		Codec:   codec,
		Nonces:  nonces,
		Ledger:  ledger,
		Rewards: rewards,
		Stamps:  stamps,
		Redeems: redeems,
		Scans: &ScanFlow{
			db:       db,
			clock:    clock,
			codec:    codec,
			nonces:   nonces,
			cache:    opts.Cache,
			geofence: Geofence{RadiusMeters: opts.GeofenceRadiusMeters},
			stamps:   stamps,
			redeems:  redeems,
			engine:   rewards,
			ledger:   ledger,
			events:   events,
			metrics:  metrics,
			tokenTTL: ttl,
		},
		Sweeper: NewSweeper(nonces, rewards, clock, metrics, opts.SweepInterval, opts.NonceRetention),
		Metrics: metrics,
		Events:  events,
	}
}
