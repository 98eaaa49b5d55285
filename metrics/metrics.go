package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zkrollup/zkdispute/game"
)

const Namespace = "zkdispute"

type Metricer interface {
	RecordInfo(version string)
	RecordUp()

	RecordProposalSubmitted()
	RecordChallengeOpened()
	RecordGameResolved(outcome game.Outcome)
	RecordProposalsOrphaned(count int)
	RecordFinalizedL2(number uint64)

	RecordProofRequested()
	RecordProofAttempt()
	RecordProofCompleted(success bool)
	RecordProofsInFlight(count int)

	RecordSyncVersion(version uint64)
}

type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	info *prometheus.GaugeVec
	up   prometheus.Gauge

	proposals     prometheus.Counter
	challenges    prometheus.Counter
	resolutions   *prometheus.CounterVec
	orphaned      prometheus.Counter
	finalizedL2   prometheus.Gauge
	proofRequests prometheus.Counter
	proofAttempts prometheus.Counter
	proofResults  *prometheus.CounterVec
	proofsActive  prometheus.Gauge
	syncVersion   prometheus.Gauge
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		factory:  factory,
		info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and config info",
		}, []string{"version"}),
		up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "up",
			Help:      "1 if the service has finished starting up",
		}),
		proposals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proposals_submitted_total",
			Help:      "Count of proposals submitted",
		}),
		challenges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "challenges_opened_total",
			Help:      "Count of challenges opened",
		}),
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "games_resolved_total",
			Help:      "Count of resolved games by outcome",
		}, []string{"outcome"}),
		orphaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proposals_orphaned_total",
			Help:      "Count of proposals orphaned by reorgs",
		}),
		finalizedL2: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "finalized_l2_block",
			Help:      "L2 block number of the finalized tip",
		}),
		proofRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proof_requests_total",
			Help:      "Count of proving jobs requested",
		}),
		proofAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proof_attempts_total",
			Help:      "Count of proving runs started, including retries",
		}),
		proofResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proofs_completed_total",
			Help:      "Count of completed proving jobs by result",
		}, []string{"success"}),
		proofsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "proofs_in_flight",
			Help:      "Number of proving jobs queued or running",
		}),
		syncVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sync_version",
			Help:      "Version of the latest tracker snapshot",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordInfo(version string) {
	m.info.WithLabelValues(version).Set(1)
}

func (m *Metrics) RecordUp() {
	m.up.Set(1)
}

func (m *Metrics) RecordProposalSubmitted() {
	m.proposals.Inc()
}

func (m *Metrics) RecordChallengeOpened() {
	m.challenges.Inc()
}

func (m *Metrics) RecordGameResolved(outcome game.Outcome) {
	m.resolutions.WithLabelValues(outcome.Status().String()).Inc()
}

func (m *Metrics) RecordProposalsOrphaned(count int) {
	m.orphaned.Add(float64(count))
}

func (m *Metrics) RecordFinalizedL2(number uint64) {
	m.finalizedL2.Set(float64(number))
}

func (m *Metrics) RecordProofRequested() {
	m.proofRequests.Inc()
}

func (m *Metrics) RecordProofAttempt() {
	m.proofAttempts.Inc()
}

func (m *Metrics) RecordProofCompleted(success bool) {
	m.proofResults.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordProofsInFlight(count int) {
	m.proofsActive.Set(float64(count))
}

func (m *Metrics) RecordSyncVersion(version uint64) {
	m.syncVersion.Set(float64(version))
}

// Server exposes the registry over HTTP at /metrics.
type Server struct {
	srv *http.Server
}

func StartServer(registry *prometheus.Registry, host string, port int) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on metrics port: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = srv.Serve(listener)
	}()
	return &Server{srv: srv}, nil
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
