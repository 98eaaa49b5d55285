package validator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/metrics"
	"github.com/zkrollup/zkdispute/proofs"
	"github.com/zkrollup/zkdispute/prover"
	"github.com/zkrollup/zkdispute/tracker"
)

var ErrAlreadyStarted = errors.New("validator already started")

type Config struct {
	// From is the address challenges are opened as.
	From common.Address
	// Bond is posted with every challenge.
	Bond *big.Int
	// Interval is the cadence of the audit loop.
	Interval time.Duration
	// MaxConcurrentAudits bounds parallel output comparisons per pass.
	MaxConcurrentAudits int
	// FastForwardTarget, when non-zero, requests validity proofs for
	// honest unchallenged proposals at or below this L2 block instead of
	// waiting out their windows.
	FastForwardTarget uint64
}

func (c Config) Check() error {
	if c.From == (common.Address{}) {
		return errors.New("validator address required")
	}
	if c.Bond == nil || c.Bond.Sign() <= 0 {
		return errors.New("bond must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.MaxConcurrentAudits <= 0 {
		return errors.New("max concurrent audits must be positive")
	}
	return nil
}

// Validator audits every open proposal against its own view of the
// canonical L2 chain. Mismatches are challenged and backed by fault
// proofs; matches are either left to finalize on their own or, in
// fast-forward mode, finalized early with validity proofs.
type Validator struct {
	log      log.Logger
	cfg      Config
	m        metrics.Metricer
	clk      clock.Clock
	contract game.Contract
	tracker  *tracker.Tracker
	oracle   prover.OutputOracle
	proofs   *proofs.Orchestrator

	// outstanding maps proposal id to the fingerprint of its in-flight
	// proof, fault and validity alike.
	mu          sync.Mutex
	outstanding map[game.ProposalID]game.Fingerprint

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(logger log.Logger, cfg Config, m metrics.Metricer, clk clock.Clock, contract game.Contract, tr *tracker.Tracker, oracle prover.OutputOracle, orchestrator *proofs.Orchestrator) (*Validator, error) {
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid validator config: %w", err)
	}
	v := &Validator{
		log:         logger,
		cfg:         cfg,
		m:           m,
		clk:         clk,
		contract:    contract,
		tracker:     tr,
		oracle:      oracle,
		proofs:      orchestrator,
		outstanding: make(map[game.ProposalID]game.Fingerprint),
	}
	tr.OnOrphaned(v.cancelProof)
	return v, nil
}

func (v *Validator) Start(ctx context.Context) error {
	if !v.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, v.cancel = context.WithCancel(ctx)
	v.wg.Add(1)
	go v.loop(ctx)
	v.log.Info("Validator started", "from", v.cfg.From, "interval", v.cfg.Interval, "fastForwardTarget", v.cfg.FastForwardTarget)
	return nil
}

func (v *Validator) Close() error {
	if !v.running.CompareAndSwap(true, false) {
		return nil
	}
	v.cancel()
	v.wg.Wait()
	return nil
}

func (v *Validator) loop(ctx context.Context) {
	defer v.wg.Done()
	ticker := v.clk.NewTicker(v.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Ch():
			v.work(ctx)
		}
	}
}

func (v *Validator) work(ctx context.Context) {
	if err := v.tracker.Sync(ctx); err != nil {
		v.log.Error("Failed to sync proposal tree", "err", err)
		return
	}
	snapshot := v.tracker.Snapshot()
	if err := v.audit(ctx, snapshot); err != nil {
		v.log.Error("Audit pass failed", "err", err)
	}
	v.resolveGames(ctx, snapshot)
}

type verdict struct {
	proposal game.Proposal
	parent   game.Proposal
	honest   bool
}

// audit compares every open proposal's claim against the oracle, with a
// bounded number of comparisons in flight.
func (v *Validator) audit(ctx context.Context, s *tracker.Snapshot) error {
	open := s.Open()
	if len(open) == 0 {
		return nil
	}

	verdicts := make([]*verdict, len(open))
	eg, auditCtx := errgroup.WithContext(ctx)
	eg.SetLimit(v.cfg.MaxConcurrentAudits)
	for i, proposal := range open {
		parent, ok := s.Proposal(proposal.Parent)
		if !ok {
			v.log.Warn("Open proposal has no parent in snapshot", "game", proposal.ID)
			continue
		}
		eg.Go(func() error {
			canonical, err := v.oracle.OutputAtBlock(auditCtx, proposal.L2BlockNumber)
			if err != nil {
				return fmt.Errorf("audit %v at block %d: %w", proposal.ID, proposal.L2BlockNumber, err)
			}
			verdicts[i] = &verdict{proposal: proposal, parent: parent, honest: canonical == proposal.OutputRoot}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, vd := range verdicts {
		if vd == nil {
			continue
		}
		if vd.honest {
			v.handleHonest(ctx, vd)
		} else {
			v.handleFaulty(ctx, vd)
		}
	}
	return nil
}

// handleFaulty challenges a mismatched proposal and backs the challenge
// with a fault proof.
func (v *Validator) handleFaulty(ctx context.Context, vd *verdict) {
	id := vd.proposal.ID
	if vd.proposal.Status == game.StatusUnresolved {
		err := v.contract.Challenge(ctx, id, v.cfg.From, v.cfg.Bond)
		switch {
		case err == nil:
			v.m.RecordChallengeOpened()
			v.log.Warn("Challenged faulty proposal", "game", id, "l2Block", vd.proposal.L2BlockNumber, "claimed", vd.proposal.OutputRoot)
		case errors.Is(err, game.ErrAlreadyChallenged), errors.Is(err, game.ErrAlreadyResolved), errors.Is(err, game.ErrOrphaned):
			// Someone else got there first.
		case errors.Is(err, game.ErrWindowExpired):
			v.log.Error("Faulty proposal escaped its dispute window", "game", id, "l2Block", vd.proposal.L2BlockNumber)
			return
		default:
			v.log.Error("Failed to challenge faulty proposal", "game", id, "err", err)
			return
		}
	}
	// The fault proof dismisses the game whether or not our challenge is
	// the one on record.
	v.requestProof(ctx, vd)
}

// handleHonest optionally fast-forwards an honest proposal with a
// validity proof rather than waiting out the dispute window. A wrongly
// challenged proposal is always defended; otherwise only proposals at or
// below the configured target height are fast-forwarded.
func (v *Validator) handleHonest(ctx context.Context, vd *verdict) {
	if vd.proposal.Status != game.StatusChallenged {
		if v.cfg.FastForwardTarget == 0 || vd.proposal.L2BlockNumber > v.cfg.FastForwardTarget {
			return
		}
	}
	v.requestProof(ctx, vd)
}

func (v *Validator) requestProof(ctx context.Context, vd *verdict) {
	id := vd.proposal.ID
	fp := game.ProofFingerprint(vd.proposal.OutputRoot, vd.parent.L2BlockNumber, vd.proposal.L2BlockNumber, vd.proposal.Anchor.Hash)

	v.mu.Lock()
	if _, busy := v.outstanding[id]; busy {
		v.mu.Unlock()
		return
	}
	v.outstanding[id] = fp
	v.mu.Unlock()

	task, err := v.proofs.Request(prover.Request{
		Fingerprint:       fp,
		AgreedOutputRoot:  vd.parent.OutputRoot,
		AgreedL2Number:    vd.parent.L2BlockNumber,
		ClaimedOutputRoot: vd.proposal.OutputRoot,
		ClaimedL2Number:   vd.proposal.L2BlockNumber,
		L1Head:            vd.proposal.Anchor.Hash,
		PayoutRecipient:   v.cfg.From,
	})
	if err != nil {
		v.forget(id)
		v.log.Error("Failed to request proof", "game", id, "err", err)
		return
	}
	v.m.RecordProofRequested()
	v.log.Info("Requested proof", "game", id, "fingerprint", fp, "honest", vd.honest)

	v.wg.Add(1)
	go v.submitWhenProven(ctx, id, task)
}

func (v *Validator) submitWhenProven(ctx context.Context, id game.ProposalID, task *proofs.Task) {
	defer v.wg.Done()
	defer v.forget(id)
	artifact, err := task.Wait(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			v.log.Error("Proof generation failed", "game", id, "err", err)
		}
		return
	}
	outcome, err := v.contract.SubmitProof(ctx, id, artifact)
	if err != nil {
		if errors.Is(err, game.ErrAlreadyResolved) || errors.Is(err, game.ErrOrphaned) {
			v.log.Debug("Game settled before proof landed", "game", id, "err", err)
			return
		}
		v.log.Error("Failed to submit proof", "game", id, "err", err)
		return
	}
	v.m.RecordGameResolved(outcome)
	v.log.Info("Proof adjudicated game", "game", id, "outcome", outcome)
}

// resolveGames sweeps open games whose windows elapsed. Resolution is
// permissionless, so the validator resolves games it never challenged.
func (v *Validator) resolveGames(ctx context.Context, s *tracker.Snapshot) {
	for _, proposal := range s.Open() {
		outcome, err := v.contract.Resolve(ctx, proposal.ID)
		if err != nil {
			if errors.Is(err, game.ErrNotReady) || errors.Is(err, game.ErrAlreadyResolved) ||
				errors.Is(err, game.ErrOrphaned) || errors.Is(err, game.ErrParentNotFinalized) {
				continue
			}
			v.log.Error("Failed to resolve game", "game", proposal.ID, "err", err)
			continue
		}
		v.m.RecordGameResolved(outcome)
		v.log.Info("Game resolved", "game", proposal.ID, "outcome", outcome)
	}
}

func (v *Validator) cancelProof(id game.ProposalID) {
	v.mu.Lock()
	fp, ok := v.outstanding[id]
	v.mu.Unlock()
	if ok {
		v.proofs.Cancel(fp)
		v.log.Info("Cancelled proof for orphaned game", "game", id)
	}
}

func (v *Validator) forget(id game.ProposalID) {
	v.mu.Lock()
	delete(v.outstanding, id)
	v.mu.Unlock()
}
