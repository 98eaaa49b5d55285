package proposer

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

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/metrics"
	"github.com/zkrollup/zkdispute/proofs"
	"github.com/zkrollup/zkdispute/prover"
	"github.com/zkrollup/zkdispute/tracker"
)

var ErrAlreadyStarted = errors.New("proposer already started")

type Config struct {
	// From is the address proposals are submitted as.
	From common.Address
	// Bond is posted with every proposal. Must cover the contract's
	// required bond.
	Bond *big.Int
	// Interval is the cadence of the main work loop.
	Interval time.Duration
	// OutputInterval is the maximum number of L2 blocks covered by one
	// proposal.
	OutputInterval uint64
	// FaultHeight, when non-zero, corrupts the output root of the first
	// proposal at or above this L2 block. Testing aid: it gives the
	// validator something to challenge.
	FaultHeight uint64
}

func (c Config) Check() error {
	if c.From == (common.Address{}) {
		return errors.New("proposer address required")
	}
	if c.Bond == nil || c.Bond.Sign() <= 0 {
		return errors.New("bond must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.OutputInterval == 0 {
		return errors.New("output interval must be positive")
	}
	return nil
}

// Proposer extends the proposal chain at a fixed cadence, defends its own
// challenged proposals with validity proofs and resolves its games once
// their windows elapse.
type Proposer struct {
	log      log.Logger
	cfg      Config
	m        metrics.Metricer
	clk      clock.Clock
	contract game.Contract
	l1       game.L1Source
	tracker  *tracker.Tracker
	oracle   prover.OutputOracle
	proofs   *proofs.Orchestrator

	// outstanding maps proposal id to the fingerprint of its in-flight
	// defense proof.
	mu          sync.Mutex
	outstanding map[game.ProposalID]game.Fingerprint
	faultDone   bool

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(logger log.Logger, cfg Config, m metrics.Metricer, clk clock.Clock, contract game.Contract, l1 game.L1Source, tr *tracker.Tracker, oracle prover.OutputOracle, orchestrator *proofs.Orchestrator) (*Proposer, error) {
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid proposer config: %w", err)
	}
	p := &Proposer{
		log:         logger,
		cfg:         cfg,
		m:           m,
		clk:         clk,
		contract:    contract,
		l1:          l1,
		tracker:     tr,
		oracle:      oracle,
		proofs:      orchestrator,
		outstanding: make(map[game.ProposalID]game.Fingerprint),
	}
	tr.OnOrphaned(p.cancelDefense)
	return p, nil
}

func (p *Proposer) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.log.Info("Proposer started", "from", p.cfg.From, "interval", p.cfg.Interval, "outputInterval", p.cfg.OutputInterval)
	return nil
}

func (p *Proposer) Close() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *Proposer) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := p.clk.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Ch():
			p.work(ctx)
		}
	}
}

func (p *Proposer) work(ctx context.Context) {
	if err := p.tracker.Sync(ctx); err != nil {
		p.log.Error("Failed to sync proposal tree", "err", err)
		return
	}
	snapshot := p.tracker.Snapshot()
	if err := p.propose(ctx, snapshot); err != nil {
		p.log.Error("Failed to extend proposal chain", "err", err)
	}
	p.defend(ctx, snapshot)
	p.resolveGames(ctx, snapshot)
}

// propose extends the finalized tip with one new proposal, unless the tip
// already has a game in flight.
func (p *Proposer) propose(ctx context.Context, s *tracker.Snapshot) error {
	tip := s.Tip()
	for _, child := range s.ChildrenOf(tip.ID) {
		if !child.Status.Terminal() {
			// One game at a time per parent.
			return nil
		}
	}

	safeHead, err := p.oracle.SafeL2Head(ctx)
	if err != nil {
		return fmt.Errorf("fetch safe head: %w", err)
	}
	target := tip.L2BlockNumber + p.cfg.OutputInterval
	if target > safeHead {
		target = safeHead
	}
	if target <= tip.L2BlockNumber {
		return nil
	}
	outputRoot, err := p.oracle.OutputAtBlock(ctx, target)
	if err != nil {
		return fmt.Errorf("fetch output at %d: %w", target, err)
	}
	outputRoot = p.maybeInjectFault(outputRoot, target)

	anchor, err := p.l1.HeadAnchor(ctx)
	if err != nil {
		return fmt.Errorf("fetch l1 head: %w", err)
	}
	args := game.SubmitArgs{
		Parent:        tip.ID,
		OutputRoot:    outputRoot,
		L2BlockNumber: target,
		Anchor:        anchor,
		Proposer:      p.cfg.From,
		Bond:          p.cfg.Bond,
	}
	id, err := p.contract.SubmitProposal(ctx, args)
	if errors.Is(err, game.ErrStaleAnchor) {
		// The head moved between fetch and submission. Re-anchor once.
		if anchor, err = p.l1.HeadAnchor(ctx); err != nil {
			return fmt.Errorf("re-fetch l1 head: %w", err)
		}
		args.Anchor = anchor
		id, err = p.contract.SubmitProposal(ctx, args)
	}
	if err != nil {
		return fmt.Errorf("submit proposal at %d: %w", target, err)
	}
	p.m.RecordProposalSubmitted()
	p.log.Info("Proposal submitted", "game", id, "l2Block", target, "outputRoot", outputRoot, "anchor", anchor.Number)
	return nil
}

// maybeInjectFault corrupts the first output root at or above the
// configured height, exactly once.
func (p *Proposer) maybeInjectFault(root common.Hash, l2Block uint64) common.Hash {
	if p.cfg.FaultHeight == 0 || l2Block < p.cfg.FaultHeight {
		return root
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.faultDone {
		return root
	}
	p.faultDone = true
	root[0] ^= 0xff
	p.log.Warn("Injecting faulty output root", "l2Block", l2Block, "corruptedRoot", root)
	return root
}

// defend requests a validity proof for every challenged proposal of ours
// and submits it when ready.
func (p *Proposer) defend(ctx context.Context, s *tracker.Snapshot) {
	for _, proposal := range s.Open() {
		if proposal.Proposer != p.cfg.From || proposal.Status != game.StatusChallenged {
			continue
		}
		parent, ok := s.Proposal(proposal.Parent)
		if !ok {
			p.log.Error("Challenged proposal has no parent in snapshot", "game", proposal.ID)
			continue
		}

		fp := game.ProofFingerprint(proposal.OutputRoot, parent.L2BlockNumber, proposal.L2BlockNumber, proposal.Anchor.Hash)
		p.mu.Lock()
		if _, busy := p.outstanding[proposal.ID]; busy {
			p.mu.Unlock()
			continue
		}
		p.outstanding[proposal.ID] = fp
		p.mu.Unlock()

		task, err := p.proofs.Request(prover.Request{
			Fingerprint:       fp,
			AgreedOutputRoot:  parent.OutputRoot,
			AgreedL2Number:    parent.L2BlockNumber,
			ClaimedOutputRoot: proposal.OutputRoot,
			ClaimedL2Number:   proposal.L2BlockNumber,
			L1Head:            proposal.Anchor.Hash,
			PayoutRecipient:   p.cfg.From,
		})
		if err != nil {
			p.forget(proposal.ID)
			p.log.Error("Failed to request defense proof", "game", proposal.ID, "err", err)
			continue
		}
		p.m.RecordProofRequested()
		p.log.Info("Defending challenged proposal", "game", proposal.ID, "fingerprint", fp)

		p.wg.Add(1)
		go p.submitWhenProven(ctx, proposal.ID, task)
	}
}

func (p *Proposer) submitWhenProven(ctx context.Context, id game.ProposalID, task *proofs.Task) {
	defer p.wg.Done()
	defer p.forget(id)
	artifact, err := task.Wait(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error("Defense proof failed", "game", id, "err", err)
		}
		return
	}
	outcome, err := p.contract.SubmitProof(ctx, id, artifact)
	if err != nil {
		if errors.Is(err, game.ErrAlreadyResolved) || errors.Is(err, game.ErrOrphaned) {
			p.log.Debug("Game settled before defense proof landed", "game", id, "err", err)
			return
		}
		p.log.Error("Failed to submit defense proof", "game", id, "err", err)
		return
	}
	p.log.Info("Defense proof adjudicated game", "game", id, "outcome", outcome)
}

// resolveGames finalizes our games whose windows have elapsed. Not-ready
// and already-settled games are expected and skipped quietly.
func (p *Proposer) resolveGames(ctx context.Context, s *tracker.Snapshot) {
	for _, proposal := range s.Open() {
		if proposal.Proposer != p.cfg.From {
			continue
		}
		outcome, err := p.contract.Resolve(ctx, proposal.ID)
		if err != nil {
			if errors.Is(err, game.ErrNotReady) || errors.Is(err, game.ErrAlreadyResolved) ||
				errors.Is(err, game.ErrOrphaned) || errors.Is(err, game.ErrParentNotFinalized) {
				continue
			}
			p.log.Error("Failed to resolve game", "game", proposal.ID, "err", err)
			continue
		}
		p.m.RecordGameResolved(outcome)
		p.log.Info("Game resolved", "game", proposal.ID, "outcome", outcome)
	}
}

// cancelDefense aborts the in-flight defense proof of an orphaned game.
func (p *Proposer) cancelDefense(id game.ProposalID) {
	p.mu.Lock()
	fp, ok := p.outstanding[id]
	p.mu.Unlock()
	if ok {
		p.proofs.Cancel(fp)
		p.log.Info("Cancelled defense proof for orphaned game", "game", id)
	}
}

func (p *Proposer) forget(id game.ProposalID) {
	p.mu.Lock()
	delete(p.outstanding, id)
	p.mu.Unlock()
}
