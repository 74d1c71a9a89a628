package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rent_ledger"

// Metrics holds every collector on a private registry so tests can build
// as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	settlements        *prometheus.CounterVec
	sourceApplied      *prometheus.CounterVec
	gatewayCalls       *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	bitcoinTransitions *prometheus.CounterVec
	bitcoinPoll        prometheus.Histogram
	priceFetches       *prometheus.CounterVec
	rewardGrants       *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDurations      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settle calls by outcome.",
		}, []string{"outcome"}),
		sourceApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_applied_usd_total",
			Help:      "Amount applied to invoices per funding source.",
		}, []string{"source"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Gateway operations by provider and result.",
		}, []string{"provider", "operation", "result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by provider and processing status.",
		}, []string{"provider", "status"}),
		bitcoinTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bitcoin_transitions_total",
			Help:      "Bitcoin payment state transitions.",
		}, []string{"from", "to"}),
		bitcoinPoll: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bitcoin_poll_duration_seconds",
			Help:      "Duration of one bitcoin monitor poll.",
			Buckets:   prometheus.DefBuckets,
		}),
		priceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_fetches_total",
			Help:      "BTC/USD price fetches by result.",
		}, []string{"result"}),
		rewardGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_grants_total",
			Help:      "Reward grants by source.",
		}, []string{"source"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.settlements, m.sourceApplied, m.gatewayCalls, m.webhookEvents,
		m.bitcoinTransitions, m.bitcoinPoll, m.priceFetches, m.rewardGrants,
		m.httpRequests, m.httpDurations,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// All recorders are nil-safe so components can run without metrics.

func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SourceApplied(source string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.sourceApplied.WithLabelValues(source).Add(amount)
}

func (m *Metrics) GatewayCall(provider, operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayCalls.WithLabelValues(provider, operation, result).Inc()
}

func (m *Metrics) WebhookEvent(provider, status string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) BitcoinTransition(from, to string) {
	if m == nil {
		return
	}
	m.bitcoinTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) BitcoinPoll(d time.Duration) {
	if m == nil {
		return
	}
	m.bitcoinPoll.Observe(d.Seconds())
}

func (m *Metrics) PriceFetch(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.priceFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) RewardGrant(source string) {
	if m == nil {
		return
	}
	m.rewardGrants.WithLabelValues(source).Inc()
}

func (m *Metrics) HTTPRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(route, method).Observe(d.Seconds())
}
