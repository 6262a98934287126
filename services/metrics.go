package services

import "github.com/prometheus/client_golang/prometheus"

// Metrics is nil-safe so tests and tools can run without a registry.
type Metrics struct {
	scans          *prometheus.CounterVec
	stampsIssued   prometheus.Counter
	stampsRevoked  prometheus.Counter
	rewardsRedeem  prometheus.Counter
	rewardsExpired prometheus.Counter
	noncesPurged   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_scans_total",
			Help: "Action token scans by token type and outcome.",
		}, []string{"type", "outcome"}),
		stampsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_stamps_issued_total",
			Help: "Stamps newly issued (idempotent replays excluded).",
		}),
		stampsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_stamps_revoked_total",
			Help: "Stamps removed by staff revocation.",
		}),
		rewardsRedeem: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_rewards_redeemed_total",
			Help: "Rewards redeemed.",
		}),
		rewardsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_rewards_expired_total",
			Help: "Redeemable rewards that passed their deadline.",
		}),
		noncesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loyalty_nonces_purged_total",
			Help: "Consumed nonces removed by the maintenance sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.scans, m.stampsIssued, m.stampsRevoked, m.rewardsRedeem, m.rewardsExpired, m.noncesPurged)
	}
	return m
}

func (m *Metrics) Scan(typ TokenType, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if e, ok := AsError(err); ok {
			outcome = e.Code
		}
	}
	t := string(typ)
	if t == "" {
		t = "unknown"
	}
	m.scans.WithLabelValues(t, outcome).Inc()
}

func (m *Metrics) StampIssued() {
	if m != nil {
		m.stampsIssued.Inc()
	}
}

func (m *Metrics) StampRevoked() {
	if m != nil {
		m.stampsRevoked.Inc()
	}
}

func (m *Metrics) RewardRedeemed() {
	if m != nil {
		m.rewardsRedeem.Inc()
	}
}

func (m *Metrics) RewardExpired() {
	if m != nil {
		m.rewardsExpired.Inc()
	}
}

func (m *Metrics) NoncesPurged(n int64) {
	if m != nil && n > 0 {
		m.noncesPurged.Add(float64(n))
	}
}
