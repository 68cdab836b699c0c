// Package metrics exposes Prometheus collectors for the identity engine.
//
// Collectors are registered on the Registerer passed to New, never on the
// global default registry; callers mount Handler. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeBlocked     = "blocked"
	OutcomeMFARequired = "mfa_required"
	OutcomeExpired     = "expired"
	OutcomeExhausted   = "exhausted"
	OutcomeNotFound    = "not_found"
	OutcomeRevoked     = "revoked"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// Throttle scopes.
const (
	ScopeAddress = "address"
	ScopeAccount = "account"
)

type Metrics struct {
	logins         *prometheus.CounterVec
	mfa            *prometheus.CounterVec
	authorize      *prometheus.CounterVec
	throttleBlocks *prometheus.CounterVec
	auditFailures  prometheus.Counter
	logoutFailures prometheus.Counter
	hashSeconds    prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "login_attempts_total",
			Help:      "Password login attempts by outcome.",
		}, []string{"outcome"}),
		mfa: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "mfa_verifications_total",
			Help:      "MFA challenge verifications by method and outcome.",
		}, []string{"method", "outcome"}),
		authorize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "authorize_total",
			Help:      "Access token authorizations by outcome.",
		}, []string{"outcome"}),
		throttleBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "throttle_blocks_total",
			Help:      "Login attempts rejected by a lockout, by scope.",
		}, []string{"scope"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "audit_write_failures_total",
			Help:      "Login history entries that could not be written.",
		}),
		logoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "logout_revocation_failures_total",
			Help:      "Logouts whose revocation write failed and was swallowed.",
		}),
		hashSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "identity",
			Name:      "password_hash_seconds",
			Help:      "Time spent hashing or verifying passwords.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.mfa, m.authorize, m.throttleBlocks, m.auditFailures, m.logoutFailures, m.hashSeconds)
	}
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MFA(method, outcome string) {
	if m == nil {
		return
	}
	m.mfa.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Authorize(outcome string) {
	if m == nil {
		return
	}
	m.authorize.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ThrottleBlock(scope string) {
	if m == nil {
		return
	}
	m.throttleBlocks.WithLabelValues(scope).Inc()
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) LogoutFailure() {
	if m == nil {
		return
	}
	m.logoutFailures.Inc()
}

func (m *Metrics) ObserveHash(d time.Duration) {
	if m == nil {
		return
	}
	m.hashSeconds.Observe(d.Seconds())
}
