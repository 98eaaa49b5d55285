// Package service assembles the dispute agents from configuration: the
// contract binding, chain clients, proving backend, tracker and the
// chosen agent role, with lifecycle management over the lot.
package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/config"
	"github.com/zkrollup/zkdispute/contract"
	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/metrics"
	"github.com/zkrollup/zkdispute/proofs"
	"github.com/zkrollup/zkdispute/proposer"
	"github.com/zkrollup/zkdispute/prover"
	"github.com/zkrollup/zkdispute/retry"
	"github.com/zkrollup/zkdispute/tracker"
	"github.com/zkrollup/zkdispute/validator"
	"github.com/zkrollup/zkdispute/version"
)

type Role string

const (
	RoleProposer  Role = "proposer"
	RoleValidator Role = "validator"
)

type agent interface {
	Start(ctx context.Context) error
	Close() error
}

// Service owns the full wiring for one agent process.
type Service struct {
	log  log.Logger
	cfg  config.Config
	role Role
	m    metrics.Metricer

	contractClient game.Contract
	events         game.EventSource
	l1             game.L1Source
	oracle         prover.OutputOracle
	orchestrator   *proofs.Orchestrator
	tracker        *tracker.Tracker
	agent          agent

	metricsSrv *metrics.Server
	registry   *metrics.Metrics
	closers    []func()

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	stopped atomic.Bool
}

func New(ctx context.Context, logger log.Logger, role Role, cfg config.Config) (*Service, error) {
	switch role {
	case RoleProposer:
		if err := cfg.CheckProposer(); err != nil {
			return nil, fmt.Errorf("invalid proposer config: %w", err)
		}
	case RoleValidator:
		if err := cfg.CheckValidator(); err != nil {
			return nil, fmt.Errorf("invalid validator config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	s := &Service{log: logger, cfg: cfg, role: role, m: metrics.NoopMetrics}
	if cfg.MetricsEnabled {
		s.registry = metrics.NewMetrics()
		s.m = s.registry
	}

	if err := s.initBackends(ctx); err != nil {
		s.closeClients()
		return nil, err
	}
	if err := s.initAgent(); err != nil {
		s.closeClients()
		return nil, err
	}
	return s, nil
}

// initBackends wires the contract, event source, chains and prover,
// either in-process for dev mode or against live endpoints.
func (s *Service) initBackends(ctx context.Context) error {
	if s.cfg.DevMode {
		return s.initDevBackends()
	}

	gateway, err := contract.Dial(ctx, s.log.New("client", "gateway"), s.cfg.GatewayEndpoint)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, gateway.Close)
	s.contractClient = gateway
	s.events = gateway

	l1, err := contract.DialL1(ctx, s.cfg.L1Endpoint)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, l1.Close)
	s.l1 = l1

	rollup, err := contract.DialRollup(ctx, s.cfg.RollupEndpoint)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, rollup.Close)
	s.oracle = rollup

	return s.initOrchestrator()
}

// initDevBackends runs the whole protocol in-process: an in-memory
// dispute machine over a synthetic chain, with keccak-sealed proofs.
func (s *Service) initDevBackends() error {
	clk := clock.SystemClock
	oracle := prover.NewSyntheticOracle(s.cfg.DevSeed, s.cfg.DevL2Genesis, s.cfg.DevBlockTime, clk)
	s.oracle = oracle

	l1 := newSyntheticL1(clk)
	s.l1 = l1

	ledger := game.NewBondLedger()
	ledger.Deposit(s.cfg.From, big.NewInt(config.DefaultDevDeposit))

	genesisRoot, err := oracle.OutputAtBlock(context.Background(), s.cfg.DevL2Genesis)
	if err != nil {
		return fmt.Errorf("derive dev genesis output: %w", err)
	}
	head, err := l1.HeadAnchor(context.Background())
	if err != nil {
		return fmt.Errorf("derive dev l1 head: %w", err)
	}
	machine, err := game.NewMachine(s.log.New("component", "machine"), game.MachineConfig{
		RequiredBond:     big.NewInt(config.DefaultDevBond),
		DisputeWindow:    s.cfg.DevWindow,
		ChallengeWindow:  s.cfg.DevWindow,
		ReorgSafetyDepth: s.cfg.ReorgSafetyDepth,
	}, clk, l1, prover.FakeVerifier{}, ledger, game.RootClaim{
		OutputRoot:    genesisRoot,
		L2BlockNumber: s.cfg.DevL2Genesis,
		Anchor:        head,
	})
	if err != nil {
		return err
	}
	s.contractClient = machine
	s.events = machine
	return s.initOrchestrator()
}

func (s *Service) initOrchestrator() error {
	p, err := s.buildProver()
	if err != nil {
		return err
	}
	orchestrator, err := proofs.NewOrchestrator(s.log.New("component", "proofs"), proofs.Config{
		MaxConcurrency: s.cfg.ProofConcurrency,
		QueueSize:      s.cfg.ProofQueueSize,
		MaxAttempts:    s.cfg.ProofMaxAttempts,
		CacheSize:      s.cfg.ProofCacheSize,
		RetryStrategy:  retry.Exponential(),
	}, s.m, clock.SystemClock, p)
	if err != nil {
		return err
	}
	s.orchestrator = orchestrator
	return nil
}

func (s *Service) buildProver() (prover.Prover, error) {
	switch s.cfg.Prover {
	case config.ProverFake:
		return prover.NewFakeProver(s.oracle), nil
	case config.ProverLocal:
		return prover.NewLocalProver(s.log.New("component", "prover"), prover.LocalConfig{
			Binary:  s.cfg.ProverBinary,
			DataDir: s.cfg.ProverDataDir,
		}), nil
	case config.ProverRemote:
		return prover.NewRemoteProver(s.log.New("component", "prover"), prover.RemoteConfig{
			Endpoint:     s.cfg.ProverEndpoint,
			APIKey:       s.cfg.ProverAPIKey,
			PollInterval: s.cfg.ProverPollInterval,
		}, clock.SystemClock), nil
	default:
		return nil, fmt.Errorf("unknown prover kind %q", s.cfg.Prover)
	}
}

func (s *Service) initAgent() error {
	s.tracker = tracker.New(s.log.New("component", "tracker"), s.events, s.cfg.ReorgSafetyDepth)
	s.tracker.OnOrphaned(func(game.ProposalID) { s.m.RecordProposalsOrphaned(1) })

	switch s.role {
	case RoleProposer:
		p, err := proposer.New(s.log.New("component", "proposer"), proposer.Config{
			From:           s.cfg.From,
			Bond:           s.cfg.Bond,
			Interval:       s.cfg.Interval,
			OutputInterval: s.cfg.OutputInterval,
			FaultHeight:    s.cfg.FaultHeight,
		}, s.m, clock.SystemClock, s.contractClient, s.l1, s.tracker, s.oracle, s.orchestrator)
		if err != nil {
			return err
		}
		s.agent = p
	case RoleValidator:
		v, err := validator.New(s.log.New("component", "validator"), validator.Config{
			From:                s.cfg.From,
			Bond:                s.cfg.Bond,
			Interval:            s.cfg.Interval,
			MaxConcurrentAudits: s.cfg.MaxConcurrentAudits,
			FastForwardTarget:   s.cfg.FastForwardTarget,
		}, s.m, clock.SystemClock, s.contractClient, s.tracker, s.oracle, s.orchestrator)
		if err != nil {
			return err
		}
		s.agent = v
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if err := s.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start proof orchestrator: %w", err)
	}
	if err := s.agent.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", s.role, err)
	}
	if s.registry != nil {
		srv, err := metrics.StartServer(s.registry.Registry(), s.cfg.MetricsHost, s.cfg.MetricsPort)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		s.metricsSrv = srv
		s.log.Info("Metrics server started", "host", s.cfg.MetricsHost, "port", s.cfg.MetricsPort)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	s.monitorDone = make(chan struct{})
	go s.monitor(monitorCtx)

	s.m.RecordInfo(version.Version)
	s.m.RecordUp()
	s.log.Info("Service started", "role", s.role, "version", version.Version, "dev", s.cfg.DevMode)
	return nil
}

// monitor periodically publishes gauges derived from the tracker and
// orchestrator.
func (s *Service) monitor(ctx context.Context) {
	defer close(s.monitorDone)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := s.tracker.Snapshot()
			s.m.RecordSyncVersion(snapshot.Version())
			s.m.RecordFinalizedL2(snapshot.Tip().L2BlockNumber)
			s.m.RecordProofsInFlight(s.orchestrator.Pending())
		}
	}
}

func (s *Service) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	var result error
	if s.monitorCancel != nil {
		s.monitorCancel()
		<-s.monitorDone
	}
	if s.agent != nil {
		if err := s.agent.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("stop %s: %w", s.role, err))
		}
	}
	if s.orchestrator != nil {
		if err := s.orchestrator.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("stop proof orchestrator: %w", err))
		}
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Close(); err != nil {
			result = errors.Join(result, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	s.closeClients()
	s.log.Info("Service stopped", "role", s.role)
	return result
}

func (s *Service) Stopped() bool {
	return s.stopped.Load()
}

func (s *Service) closeClients() {
	for _, closeFn := range s.closers {
		closeFn()
	}
	s.closers = nil
}

// syntheticL1 derives a deterministic L1 chain whose head advances one
// block per second. Dev mode only; it never reorgs.
type syntheticL1 struct {
	clk     clock.Clock
	started time.Time
}

func newSyntheticL1(clk clock.Clock) *syntheticL1 {
	return &syntheticL1{clk: clk, started: clk.Now()}
}

func (l *syntheticL1) head() uint64 {
	return uint64(l.clk.Since(l.started) / time.Second)
}

func (l *syntheticL1) hashAt(number uint64) common.Hash {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], number)
	return crypto.Keccak256Hash([]byte("l1"), num[:])
}

func (l *syntheticL1) HeadAnchor(ctx context.Context) (game.L1Anchor, error) {
	n := l.head()
	return game.L1Anchor{Number: n, Hash: l.hashAt(n)}, nil
}

func (l *syntheticL1) AnchorAt(ctx context.Context, number uint64) (game.L1Anchor, error) {
	return game.L1Anchor{Number: number, Hash: l.hashAt(number)}, nil
}
