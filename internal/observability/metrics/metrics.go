package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics exposes application-level instruments, served by promhttp on
// the HTTP engine.
type Metrics struct {
	ledgerTransactions *prometheus.CounterVec
	reservations       *prometheus.CounterVec
	rateLimitAllowed   *prometheus.CounterVec
	rateLimitDenied    *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	quotaWaived        *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		ledgerTransactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrail_ledger_transactions_total",
			Help: "Committed ledger transactions by reason.",
		}, []string{"reason"}),
		reservations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrail_reservations_total",
			Help: "Reservation outcomes.",
		}, []string{"outcome"}),
		rateLimitAllowed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrail_rate_limit_allowed_total",
			Help: "Requests admitted by the rate limiter.",
		}, []string{"operation"}),
		rateLimitDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrail_rate_limit_denied_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"operation"}),
		webhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrail_webhook_events_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
		quotaWaived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrail_daily_free_waived_total",
			Help: "Operations served from the daily free quota.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordLedgerTransaction(reason string) {
	if m == nil {
		return
	}
	m.ledgerTransactions.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRateLimitAllowed(operation string) {
	if m == nil {
		return
	}
	m.rateLimitAllowed.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordRateLimitDenied(operation string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordWebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordQuotaWaived(operation string) {
	if m == nil {
		return
	}
	m.quotaWaived.WithLabelValues(operation).Inc()
}

var Module = fx.Module("observability.metrics",
	fx.Provide(New),
)
