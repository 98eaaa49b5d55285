package game

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zkrollup/zkdispute/clock"
)

type MachineConfig struct {
	// RequiredBond is the collateral a proposer or challenger must post.
	RequiredBond *big.Int
	// DisputeWindow is how long a proposal stays open to challenges.
	// Unchallenged proposals finalize once it elapses.
	DisputeWindow time.Duration
	// ChallengeWindow is how long a challenged proposer has to prove.
	// If it elapses with no proof, the challenger wins by default.
	ChallengeWindow time.Duration
	// ReorgSafetyDepth is the depth beyond which finalized proposals are
	// treated as immune to base-chain reorgs.
	ReorgSafetyDepth uint64
}

func (c MachineConfig) Check() error {
	if c.RequiredBond == nil || c.RequiredBond.Sign() <= 0 {
		return errors.New("required bond must be positive")
	}
	if c.DisputeWindow <= 0 {
		return errors.New("dispute window must be positive")
	}
	if c.ChallengeWindow <= 0 {
		return errors.New("challenge window must be positive")
	}
	if c.ReorgSafetyDepth == 0 {
		return errors.New("reorg safety depth must be positive")
	}
	return nil
}

// RootClaim anchors the machine: the last output root already finalized
// externally, from which all proposals descend.
type RootClaim struct {
	OutputRoot    common.Hash
	L2BlockNumber uint64
	Anchor        L1Anchor
}

// Machine mirrors the behavior of the on-chain dispute contract. It is the
// authoritative state holder in dev mode and the reference for tests; in
// live deployments contract.Client takes its place behind the Contract
// interface. All observable transitions are appended to an event log that
// the tracker replays.
type Machine struct {
	log      log.Logger
	cfg      MachineConfig
	clk      clock.Clock
	l1       L1Source
	verifier Verifier
	ledger   *BondLedger

	mu        sync.Mutex
	proposals map[ProposalID]*Proposal
	children  map[ProposalID][]ProposalID
	rootID    ProposalID
	tip       ProposalID
	events    []Event
}

var _ Contract = (*Machine)(nil)
var _ EventSource = (*Machine)(nil)

func NewMachine(logger log.Logger, cfg MachineConfig, clk clock.Clock, l1 L1Source, verifier Verifier, ledger *BondLedger, root RootClaim) (*Machine, error) {
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}
	rootProposal := Proposal{
		OutputRoot:    root.OutputRoot,
		L2BlockNumber: root.L2BlockNumber,
		Anchor:        root.Anchor,
		Bond:          new(big.Int),
		CreatedAt:     clk.Now(),
		Status:        StatusFinalized,
	}
	rootProposal.ID = ProposalIDOf(SubmitArgs{
		OutputRoot:    root.OutputRoot,
		L2BlockNumber: root.L2BlockNumber,
		Anchor:        root.Anchor,
	})
	m := &Machine{
		log:       logger,
		cfg:       cfg,
		clk:       clk,
		l1:        l1,
		verifier:  verifier,
		ledger:    ledger,
		proposals: map[ProposalID]*Proposal{rootProposal.ID: &rootProposal},
		children:  make(map[ProposalID][]ProposalID),
		rootID:    rootProposal.ID,
		tip:       rootProposal.ID,
	}
	m.events = append(m.events, ProposalCreated{Proposal: rootProposal})
	return m, nil
}

// Root returns the identifier of the designated root proposal.
func (m *Machine) Root() ProposalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootID
}

// FinalizedTip returns the most recently finalized proposal on the
// canonical path.
func (m *Machine) FinalizedTip() ProposalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip
}

// Proposal returns a copy of the proposal's current state.
func (m *Machine) Proposal(id ProposalID) (Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

func (m *Machine) SubmitProposal(ctx context.Context, args SubmitArgs) (ProposalID, error) {
	canonical, err := m.l1.AnchorAt(ctx, args.Anchor.Number)
	if err != nil {
		return ProposalID{}, fmt.Errorf("check anchor %d: %w", args.Anchor.Number, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.proposals[args.Parent]
	if !ok {
		return ProposalID{}, fmt.Errorf("%w: parent %v not found", ErrInvalidParent, args.Parent)
	}
	if parent.Status != StatusFinalized {
		return ProposalID{}, fmt.Errorf("%w: parent %v is %v", ErrInvalidParent, args.Parent, parent.Status)
	}
	if args.L2BlockNumber <= parent.L2BlockNumber {
		return ProposalID{}, fmt.Errorf("%w: l2 block %d does not extend parent at %d", ErrInvalidParent, args.L2BlockNumber, parent.L2BlockNumber)
	}
	if canonical.Hash != args.Anchor.Hash {
		return ProposalID{}, fmt.Errorf("%w: block %d is %v on the canonical chain, anchored to %v", ErrStaleAnchor, args.Anchor.Number, canonical.Hash, args.Anchor.Hash)
	}
	if args.Bond == nil || args.Bond.Cmp(m.cfg.RequiredBond) < 0 {
		return ProposalID{}, fmt.Errorf("%w: need %v", ErrInsufficientBond, m.cfg.RequiredBond)
	}

	id := ProposalIDOf(args)
	if _, ok := m.proposals[id]; ok {
		// Identical resubmission maps to the same game.
		return id, nil
	}
	if err := m.ledger.Lock(args.Proposer, args.Bond); err != nil {
		return ProposalID{}, fmt.Errorf("lock proposer bond: %w", err)
	}

	p := &Proposal{
		ID:            id,
		Parent:        args.Parent,
		OutputRoot:    args.OutputRoot,
		L2BlockNumber: args.L2BlockNumber,
		Anchor:        args.Anchor,
		Proposer:      args.Proposer,
		Bond:          new(big.Int).Set(args.Bond),
		CreatedAt:     m.clk.Now(),
		Status:        StatusUnresolved,
	}
	m.proposals[id] = p
	m.children[args.Parent] = append(m.children[args.Parent], id)
	m.events = append(m.events, ProposalCreated{Proposal: *p})
	m.log.Info("Proposal submitted", "game", id, "l2Block", p.L2BlockNumber, "outputRoot", p.OutputRoot, "proposer", p.Proposer)
	return id, nil
}

func (m *Machine) Challenge(ctx context.Context, id ProposalID, challenger common.Address, bond *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownProposal, id)
	}
	switch {
	case p.Status == StatusOrphaned:
		return fmt.Errorf("%w: %v", ErrOrphaned, id)
	case p.Status.Resolved():
		return fmt.Errorf("%w: %v is %v", ErrAlreadyResolved, id, p.Status)
	case p.Status == StatusChallenged:
		return fmt.Errorf("%w: %v challenged by %v", ErrAlreadyChallenged, id, p.Challenger)
	}
	now := m.clk.Now()
	if now.After(p.CreatedAt.Add(m.cfg.DisputeWindow)) {
		return fmt.Errorf("%w: dispute window for %v closed at %v", ErrWindowExpired, id, p.CreatedAt.Add(m.cfg.DisputeWindow))
	}
	if bond == nil || bond.Cmp(m.cfg.RequiredBond) < 0 {
		return fmt.Errorf("%w: need %v", ErrInsufficientBond, m.cfg.RequiredBond)
	}
	// Exactly the required bond is at risk, regardless of the offer.
	if err := m.ledger.Lock(challenger, m.cfg.RequiredBond); err != nil {
		return fmt.Errorf("lock challenger bond: %w", err)
	}

	p.Status = StatusChallenged
	p.Challenger = challenger
	p.ChallengedAt = now
	m.events = append(m.events, ChallengeOpened{ID: id, Challenger: challenger, Bond: new(big.Int).Set(m.cfg.RequiredBond), At: now})
	m.log.Info("Challenge opened", "game", id, "challenger", challenger)
	return nil
}

func (m *Machine) SubmitProof(ctx context.Context, id ProposalID, artifact Artifact) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownProposal, id)
	}
	if p.Status == StatusOrphaned {
		return 0, fmt.Errorf("%w: %v", ErrOrphaned, id)
	}
	if p.Status.Resolved() {
		return 0, fmt.Errorf("%w: %v is %v", ErrAlreadyResolved, id, p.Status)
	}
	parent := m.proposals[p.Parent]

	if err := m.verifier.Verify(artifact); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadProof, err)
	}
	journal := artifact.Journal
	if journal.ClaimedOutputRoot != p.OutputRoot ||
		journal.ClaimedL2Number != p.L2BlockNumber ||
		journal.AgreedOutputRoot != parent.OutputRoot ||
		journal.L1Head != p.Anchor.Hash {
		return 0, fmt.Errorf("%w: journal does not attest to proposal %v", ErrBadProof, id)
	}
	expected := ProofFingerprint(p.OutputRoot, parent.L2BlockNumber, p.L2BlockNumber, p.Anchor.Hash)
	if artifact.Fingerprint != expected {
		return 0, fmt.Errorf("%w: fingerprint %v does not match %v", ErrBadProof, artifact.Fingerprint, expected)
	}

	outcome := OutcomeDismissed
	if journal.ComputedOutputRoot == journal.ClaimedOutputRoot {
		outcome = OutcomeFinalized
		if parent.Status != StatusFinalized {
			return 0, fmt.Errorf("%w: parent %v is %v", ErrParentNotFinalized, p.Parent, parent.Status)
		}
	}
	m.events = append(m.events, ProofAccepted{ID: id, Fingerprint: artifact.Fingerprint, ComputedRoot: journal.ComputedOutputRoot})
	if err := m.settle(p, outcome, artifact.Fingerprint, journal.PayoutRecipient); err != nil {
		return 0, err
	}
	m.log.Info("Proof adjudicated game", "game", id, "outcome", outcome, "computedRoot", journal.ComputedOutputRoot)
	return outcome, nil
}

func (m *Machine) Resolve(ctx context.Context, id ProposalID) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proposals[id]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownProposal, id)
	}
	switch p.Status {
	case StatusFinalized:
		return OutcomeFinalized, nil
	case StatusDismissed:
		return OutcomeDismissed, nil
	case StatusOrphaned:
		return 0, fmt.Errorf("%w: %v", ErrOrphaned, id)
	}

	now := m.clk.Now()
	if p.Status == StatusChallenged {
		if now.Before(p.ChallengedAt.Add(m.cfg.ChallengeWindow)) {
			return 0, fmt.Errorf("%w: challenge window for %v open until %v", ErrNotReady, id, p.ChallengedAt.Add(m.cfg.ChallengeWindow))
		}
		// Challenge window closed with no proof: the challenger wins.
		if err := m.settle(p, OutcomeDismissed, Fingerprint{}, common.Address{}); err != nil {
			return 0, err
		}
		m.log.Info("Game dismissed by default resolution", "game", id, "challenger", p.Challenger)
		return OutcomeDismissed, nil
	}

	if now.Before(p.CreatedAt.Add(m.cfg.DisputeWindow)) {
		return 0, fmt.Errorf("%w: dispute window for %v open until %v", ErrNotReady, id, p.CreatedAt.Add(m.cfg.DisputeWindow))
	}
	if parent := m.proposals[p.Parent]; parent.Status != StatusFinalized {
		return 0, fmt.Errorf("%w: parent %v is %v", ErrParentNotFinalized, p.Parent, parent.Status)
	}
	if err := m.settle(p, OutcomeFinalized, Fingerprint{}, common.Address{}); err != nil {
		return 0, err
	}
	m.log.Info("Game finalized unchallenged", "game", id)
	return OutcomeFinalized, nil
}

// settle applies an outcome: status, bond transfers, tip advancement and
// the resolution event. Caller holds the lock.
func (m *Machine) settle(p *Proposal, outcome Outcome, fp Fingerprint, payout common.Address) error {
	switch outcome {
	case OutcomeFinalized:
		if !p.IsRoot() {
			if err := m.ledger.Unlock(p.Proposer, p.Bond); err != nil {
				return fmt.Errorf("release proposer bond: %w", err)
			}
		}
		if p.Status == StatusChallenged {
			if err := m.ledger.Forfeit(p.Challenger, p.Proposer, m.cfg.RequiredBond); err != nil {
				return fmt.Errorf("forfeit challenger bond: %w", err)
			}
		}
	case OutcomeDismissed:
		if p.Status == StatusChallenged {
			if err := m.ledger.Unlock(p.Challenger, m.cfg.RequiredBond); err != nil {
				return fmt.Errorf("release challenger bond: %w", err)
			}
			if err := m.ledger.Forfeit(p.Proposer, p.Challenger, p.Bond); err != nil {
				return fmt.Errorf("forfeit proposer bond: %w", err)
			}
		} else {
			// Dismissed by a proof with no challenge on record: the bond
			// goes to the proof's payout recipient.
			if err := m.ledger.Forfeit(p.Proposer, payout, p.Bond); err != nil {
				return fmt.Errorf("forfeit proposer bond: %w", err)
			}
		}
	}
	p.Status = outcome.Status()
	p.SettledBy = fp
	if outcome == OutcomeFinalized && p.Parent == m.tip {
		m.tip = p.ID
	}
	m.events = append(m.events, GameResolved{ID: p.ID, Outcome: outcome, At: m.clk.Now()})
	return nil
}

// OnReorg orphans every proposal whose anchor is no longer canonical:
// blocks above the common ancestor are gone. Unresolved and challenged
// games refund their locked collateral; already-settled games keep their
// bond outcome. Finalized proposals anchored ReorgSafetyDepth or more
// blocks below the new head are immutable and survive even a deeper
// reported ancestor.
func (m *Machine) OnReorg(ancestor uint64, newHead L1Anchor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.proposals {
		if p.ID == m.rootID || p.Anchor.Number <= ancestor {
			continue
		}
		switch p.Status {
		case StatusOrphaned, StatusDismissed:
			continue
		case StatusFinalized:
			if p.Anchor.Number+m.cfg.ReorgSafetyDepth <= newHead.Number {
				continue
			}
		case StatusUnresolved, StatusChallenged:
			if err := m.ledger.Unlock(p.Proposer, p.Bond); err != nil {
				m.log.Error("Failed to refund proposer bond on orphaning", "game", p.ID, "err", err)
			}
			if p.Status == StatusChallenged {
				if err := m.ledger.Unlock(p.Challenger, m.cfg.RequiredBond); err != nil {
					m.log.Error("Failed to refund challenger bond on orphaning", "game", p.ID, "err", err)
				}
			}
		}
		p.Status = StatusOrphaned
		m.log.Warn("Proposal orphaned by reorg", "game", p.ID, "anchor", p.Anchor.Number, "ancestor", ancestor)
	}
	m.tip = m.finalizedTipLocked()
	m.events = append(m.events, ReorgDetected{Ancestor: ancestor, NewHead: newHead})
}

// finalizedTipLocked walks the finalized path down from the root. At most
// one child of a finalized proposal ever finalizes, so the path is unique.
func (m *Machine) finalizedTipLocked() ProposalID {
	tip := m.rootID
	for {
		advanced := false
		for _, child := range m.children[tip] {
			if m.proposals[child].Status == StatusFinalized {
				tip = child
				advanced = true
				break
			}
		}
		if !advanced {
			return tip
		}
	}
}

// EventsSince returns the events appended at or after cursor, plus the new
// cursor. A nil batch with an unchanged cursor means no new events.
func (m *Machine) EventsSince(ctx context.Context, cursor uint64) ([]Event, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cursor > uint64(len(m.events)) {
		return nil, cursor, fmt.Errorf("cursor %d beyond event log length %d", cursor, len(m.events))
	}
	batch := make([]Event, len(m.events)-int(cursor))
	copy(batch, m.events[cursor:])
	return batch, uint64(len(m.events)), nil
}
