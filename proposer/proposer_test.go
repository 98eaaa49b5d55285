package proposer

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/metrics"
	"github.com/zkrollup/zkdispute/proofs"
	"github.com/zkrollup/zkdispute/prover"
	"github.com/zkrollup/zkdispute/retry"
	"github.com/zkrollup/zkdispute/testlog"
	"github.com/zkrollup/zkdispute/tracker"
)

var (
	proposerAddr   = common.Address{0xaa}
	challengerAddr = common.Address{0xbb}
	oracleSeed     = common.Hash{0x5e, 0xed}
)

type testL1 struct {
	head uint64
}

func (l *testL1) anchor(n uint64) game.L1Anchor {
	return game.L1Anchor{Number: n, Hash: common.BytesToHash([]byte{0x11, byte(n)})}
}

func (l *testL1) HeadAnchor(ctx context.Context) (game.L1Anchor, error) {
	return l.anchor(l.head), nil
}

func (l *testL1) AnchorAt(ctx context.Context, n uint64) (game.L1Anchor, error) {
	return l.anchor(n), nil
}

type harness struct {
	proposer *Proposer
	machine  *game.Machine
	tracker  *tracker.Tracker
	ledger   *game.BondLedger
	oracle   *prover.SyntheticOracle
	clk      *clock.DeterministicClock
	l1       *testL1
	orch     *proofs.Orchestrator
	root     game.ProposalID
}

func newHarness(t *testing.T, faultHeight uint64) *harness {
	logger := testlog.Logger(t, log.LevelError)
	clk := clock.NewDeterministicClock(time.UnixMilli(10_000))
	l1 := &testL1{head: 50}
	oracle := prover.NewSyntheticOracle(oracleSeed, 100, time.Second, clk)

	ledger := game.NewBondLedger()
	ledger.Deposit(proposerAddr, big.NewInt(1000))
	ledger.Deposit(challengerAddr, big.NewInt(1000))

	genesisRoot, err := oracle.OutputAtBlock(context.Background(), 100)
	require.NoError(t, err)
	machine, err := game.NewMachine(logger, game.MachineConfig{
		RequiredBond:     big.NewInt(100),
		DisputeWindow:    time.Hour,
		ChallengeWindow:  time.Hour,
		ReorgSafetyDepth: 32,
	}, clk, l1, prover.FakeVerifier{}, ledger, game.RootClaim{
		OutputRoot:    genesisRoot,
		L2BlockNumber: 100,
		Anchor:        l1.anchor(40),
	})
	require.NoError(t, err)

	tr := tracker.New(logger, machine, 32)
	cfg := proofs.DefaultConfig()
	cfg.RetryStrategy = retry.Fixed(time.Millisecond)
	orchestrator, err := proofs.NewOrchestrator(logger, cfg, metrics.NoopMetrics, clock.SystemClock, prover.NewFakeProver(oracle))
	require.NoError(t, err)
	require.NoError(t, orchestrator.Start(context.Background()))
	t.Cleanup(func() { _ = orchestrator.Close() })

	p, err := New(logger, Config{
		From:           proposerAddr,
		Bond:           big.NewInt(100),
		Interval:       time.Second,
		OutputInterval: 10,
		FaultHeight:    faultHeight,
	}, metrics.NoopMetrics, clk, machine, l1, tr, oracle, orchestrator)
	require.NoError(t, err)

	return &harness{proposer: p, machine: machine, tracker: tr, ledger: ledger, oracle: oracle, clk: clk, l1: l1, orch: orchestrator, root: machine.Root()}
}

func (h *harness) openProposals(t *testing.T) []game.Proposal {
	t.Helper()
	require.NoError(t, h.tracker.Sync(context.Background()))
	return h.tracker.Snapshot().Open()
}

func TestProposer_ExtendsChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	// Safe head advances to 120, one output interval ahead of the tip.
	h.clk.AdvanceTime(20 * time.Second)
	h.proposer.work(ctx)

	open := h.openProposals(t)
	require.Len(t, open, 1)
	require.Equal(t, uint64(110), open[0].L2BlockNumber)
	require.Equal(t, proposerAddr, open[0].Proposer)
	want, err := h.oracle.OutputAtBlock(ctx, 110)
	require.NoError(t, err)
	require.Equal(t, want, open[0].OutputRoot)

	// The tip already has a live game; no second child.
	h.proposer.work(ctx)
	require.Len(t, h.openProposals(t), 1)
}

func TestProposer_CapsTargetAtSafeHead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	// Safe head only 3 blocks past the tip.
	h.clk.AdvanceTime(3 * time.Second)
	h.proposer.work(ctx)

	open := h.openProposals(t)
	require.Len(t, open, 1)
	require.Equal(t, uint64(103), open[0].L2BlockNumber)
}

func TestProposer_NothingToPropose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	// Safe head still at the tip.
	h.proposer.work(ctx)
	require.Empty(t, h.openProposals(t))
}

func TestProposer_ResolvesAfterWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	h.clk.AdvanceTime(20 * time.Second)
	h.proposer.work(ctx)
	open := h.openProposals(t)
	require.Len(t, open, 1)
	id := open[0].ID

	h.clk.AdvanceTime(time.Hour + time.Second)
	h.proposer.work(ctx)

	require.Equal(t, id, h.machine.FinalizedTip())
	p, _ := h.machine.Proposal(id)
	require.Equal(t, game.StatusFinalized, p.Status)
}

func TestProposer_DefendsChallengedProposal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)

	h.clk.AdvanceTime(20 * time.Second)
	h.proposer.work(ctx)
	open := h.openProposals(t)
	require.Len(t, open, 1)
	id := open[0].ID

	require.NoError(t, h.machine.Challenge(ctx, id, challengerAddr, big.NewInt(100)))

	// The next pass spots the challenge and proves validity.
	h.proposer.work(ctx)
	require.Eventually(t, func() bool {
		p, _ := h.machine.Proposal(id)
		return p.Status == game.StatusFinalized
	}, 5*time.Second, 10*time.Millisecond)

	// Proposer keeps its bond and claims the challenger's.
	require.Equal(t, big.NewInt(1100), h.ledger.BalanceOf(proposerAddr))
	require.Equal(t, big.NewInt(900), h.ledger.BalanceOf(challengerAddr))
}

// staleOnceContract rejects the first submission as stale and advances the
// L1 head, the way a live gateway behaves when a block lands between the
// anchor fetch and the transaction.
type staleOnceContract struct {
	game.Contract
	l1      *testL1
	anchors []game.L1Anchor
}

func (c *staleOnceContract) SubmitProposal(ctx context.Context, args game.SubmitArgs) (game.ProposalID, error) {
	c.anchors = append(c.anchors, args.Anchor)
	if len(c.anchors) == 1 {
		c.l1.head = 55
		return game.ProposalID{}, fmt.Errorf("%w: anchor %d behind head", game.ErrStaleAnchor, args.Anchor.Number)
	}
	return c.Contract.SubmitProposal(ctx, args)
}

func TestProposer_ReanchorsOnStaleSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	gateway := &staleOnceContract{Contract: h.machine, l1: h.l1}
	p, err := New(testlog.Logger(t, log.LevelError), Config{
		From:           proposerAddr,
		Bond:           big.NewInt(100),
		Interval:       time.Second,
		OutputInterval: 10,
	}, metrics.NoopMetrics, h.clk, gateway, h.l1, h.tracker, h.oracle, h.orch)
	require.NoError(t, err)

	h.clk.AdvanceTime(20 * time.Second)
	p.work(ctx)

	// One retry with the fresh head, no third attempt.
	require.Len(t, gateway.anchors, 2)
	require.Equal(t, uint64(50), gateway.anchors[0].Number)
	require.Equal(t, uint64(55), gateway.anchors[1].Number)

	open := h.openProposals(t)
	require.Len(t, open, 1)
	require.Equal(t, uint64(110), open[0].L2BlockNumber)
	require.Equal(t, uint64(55), open[0].Anchor.Number)
}

func TestProposer_FaultInjection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 105)

	h.clk.AdvanceTime(20 * time.Second)
	h.proposer.work(ctx)
	open := h.openProposals(t)
	require.Len(t, open, 1)

	honest, err := h.oracle.OutputAtBlock(ctx, 110)
	require.NoError(t, err)
	corrupted := honest
	corrupted[0] ^= 0xff
	require.Equal(t, corrupted, open[0].OutputRoot)

	// The fault fires once; the next proposal is honest again.
	h.clk.AdvanceTime(time.Hour + time.Second)
	h.proposer.work(ctx) // resolves the first game
	h.proposer.work(ctx) // proposes the next one

	require.NoError(t, h.tracker.Sync(ctx))
	next := h.tracker.Snapshot().Open()
	require.Len(t, next, 1)
	require.Equal(t, uint64(120), next[0].L2BlockNumber)
	want, err := h.oracle.OutputAtBlock(ctx, 120)
	require.NoError(t, err)
	require.Equal(t, want, next[0].OutputRoot)
}
