package tracker

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/testlog"
)

type scriptedSource struct {
	events []game.Event
}

func (s *scriptedSource) emit(evs ...game.Event) {
	s.events = append(s.events, evs...)
}

func (s *scriptedSource) EventsSince(ctx context.Context, cursor uint64) ([]game.Event, uint64, error) {
	if cursor > uint64(len(s.events)) {
		return nil, cursor, fmt.Errorf("cursor %d beyond log", cursor)
	}
	batch := append([]game.Event(nil), s.events[cursor:]...)
	return batch, uint64(len(s.events)), nil
}

var (
	proposerAddr   = common.Address{0x01}
	challengerAddr = common.Address{0x02}
)

func proposal(id byte, parent game.ProposalID, l2Block, anchorNum uint64, createdAt int64) game.Proposal {
	return game.Proposal{
		ID:            game.ProposalID{id},
		Parent:        parent,
		OutputRoot:    common.Hash{id, 0xff},
		L2BlockNumber: l2Block,
		Anchor:        game.L1Anchor{Number: anchorNum, Hash: common.Hash{0x11, byte(anchorNum)}},
		Proposer:      proposerAddr,
		Bond:          big.NewInt(100),
		CreatedAt:     time.UnixMilli(createdAt),
		Status:        game.StatusUnresolved,
	}
}

func rootProposal() game.Proposal {
	p := proposal(0xf0, game.ProposalID{}, 100, 40, 0)
	p.Parent = game.ProposalID{}
	p.Status = game.StatusFinalized
	return p
}

func newTestTracker(t *testing.T) (*Tracker, *scriptedSource) {
	src := &scriptedSource{}
	return New(testlog.Logger(t, log.LevelError), src, 32), src
}

func TestTracker_ProjectsEventLog(t *testing.T) {
	ctx := context.Background()
	tr, src := newTestTracker(t)

	root := rootProposal()
	p1 := proposal(0x01, root.ID, 200, 45, 1000)
	src.emit(
		game.ProposalCreated{Proposal: root},
		game.ProposalCreated{Proposal: p1},
		game.ChallengeOpened{ID: p1.ID, Challenger: challengerAddr, Bond: big.NewInt(100), At: time.UnixMilli(2000)},
		game.GameResolved{ID: p1.ID, Outcome: game.OutcomeFinalized, At: time.UnixMilli(3000)},
	)
	require.NoError(t, tr.Sync(ctx))

	s := tr.Snapshot()
	require.Equal(t, root.ID, s.Root())
	require.Equal(t, p1.ID, s.Tip().ID)

	got, ok := s.Proposal(p1.ID)
	require.True(t, ok)
	require.Equal(t, game.StatusFinalized, got.Status)
	require.Equal(t, challengerAddr, got.Challenger)
}

func TestTracker_ReplayMatchesIncremental(t *testing.T) {
	ctx := context.Background()

	root := rootProposal()
	p1 := proposal(0x01, root.ID, 200, 45, 1000)
	p2 := proposal(0x02, p1.ID, 300, 46, 2000)
	events := []game.Event{
		game.ProposalCreated{Proposal: root},
		game.ProposalCreated{Proposal: p1},
		game.GameResolved{ID: p1.ID, Outcome: game.OutcomeFinalized, At: time.UnixMilli(1500)},
		game.ProposalCreated{Proposal: p2},
		game.ChallengeOpened{ID: p2.ID, Challenger: challengerAddr, Bond: big.NewInt(100), At: time.UnixMilli(2500)},
		game.GameResolved{ID: p2.ID, Outcome: game.OutcomeDismissed, At: time.UnixMilli(3000)},
	}

	// Incremental tracker syncs after every event.
	incSrc := &scriptedSource{}
	inc := New(testlog.Logger(t, log.LevelError), incSrc, 32)
	for _, ev := range events {
		incSrc.emit(ev)
		require.NoError(t, inc.Sync(ctx))
	}

	// Replaying tracker sees the whole log at once.
	replaySrc := &scriptedSource{events: events}
	replay := New(testlog.Logger(t, log.LevelError), replaySrc, 32)
	require.NoError(t, replay.Sync(ctx))

	a, b := inc.Snapshot(), replay.Snapshot()
	require.Equal(t, a.Tip().ID, b.Tip().ID)
	require.ElementsMatch(t, a.Proposals(), b.Proposals())
}

func TestTracker_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	tr, src := newTestTracker(t)

	root := rootProposal()
	p1 := proposal(0x01, root.ID, 200, 45, 1000)
	src.emit(game.ProposalCreated{Proposal: root}, game.ProposalCreated{Proposal: p1})
	require.NoError(t, tr.Sync(ctx))

	before := tr.Snapshot()
	require.Equal(t, uint64(1), before.Version())

	src.emit(game.GameResolved{ID: p1.ID, Outcome: game.OutcomeFinalized, At: time.UnixMilli(2000)})
	require.NoError(t, tr.Sync(ctx))

	// The old snapshot is untouched.
	stale, _ := before.Proposal(p1.ID)
	require.Equal(t, game.StatusUnresolved, stale.Status)
	require.Equal(t, root.ID, before.Tip().ID)

	after := tr.Snapshot()
	require.Equal(t, uint64(2), after.Version())
	require.Equal(t, p1.ID, after.Tip().ID)

	// A sync with no new events publishes nothing.
	require.NoError(t, tr.Sync(ctx))
	require.Equal(t, uint64(2), tr.Snapshot().Version())
}

func TestTracker_ReorgOrphansAndNotifies(t *testing.T) {
	ctx := context.Background()
	tr, src := newTestTracker(t)

	var orphaned []game.ProposalID
	tr.OnOrphaned(func(id game.ProposalID) { orphaned = append(orphaned, id) })

	root := rootProposal()
	p1 := proposal(0x01, root.ID, 200, 45, 1000)
	deep := proposal(0x02, root.ID, 200, 42, 1000)
	src.emit(
		game.ProposalCreated{Proposal: root},
		game.ProposalCreated{Proposal: p1},
		game.ProposalCreated{Proposal: deep},
		game.GameResolved{ID: p1.ID, Outcome: game.OutcomeFinalized, At: time.UnixMilli(2000)},
		game.ReorgDetected{Ancestor: 43, NewHead: game.L1Anchor{Number: 50, Hash: common.Hash{0x99}}},
	)
	require.NoError(t, tr.Sync(ctx))

	s := tr.Snapshot()
	got, _ := s.Proposal(p1.ID)
	require.Equal(t, game.StatusOrphaned, got.Status)
	kept, _ := s.Proposal(deep.ID)
	require.Equal(t, game.StatusUnresolved, kept.Status)
	require.Equal(t, root.ID, s.Tip().ID)
	require.Equal(t, []game.ProposalID{p1.ID}, orphaned)
}

func TestTracker_ReorgSparesDeeplyBuriedFinalization(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{}
	tr := New(testlog.Logger(t, log.LevelError), src, 3)

	var orphaned []game.ProposalID
	tr.OnOrphaned(func(id game.ProposalID) { orphaned = append(orphaned, id) })

	root := rootProposal()
	buried := proposal(0x01, root.ID, 200, 44, 1000)
	fresh := proposal(0x02, buried.ID, 300, 49, 2000)
	src.emit(
		game.ProposalCreated{Proposal: root},
		game.ProposalCreated{Proposal: buried},
		game.GameResolved{ID: buried.ID, Outcome: game.OutcomeFinalized, At: time.UnixMilli(1500)},
		game.ProposalCreated{Proposal: fresh},
		game.GameResolved{ID: fresh.ID, Outcome: game.OutcomeFinalized, At: time.UnixMilli(2500)},
		game.ReorgDetected{Ancestor: 40, NewHead: game.L1Anchor{Number: 50, Hash: common.Hash{0x99}}},
	)
	require.NoError(t, tr.Sync(ctx))

	// The finalization buried past the safety depth survives the reorg;
	// the fresh one orphans and the tip falls back to it.
	s := tr.Snapshot()
	kept, _ := s.Proposal(buried.ID)
	require.Equal(t, game.StatusFinalized, kept.Status)
	lost, _ := s.Proposal(fresh.ID)
	require.Equal(t, game.StatusOrphaned, lost.Status)
	require.Equal(t, buried.ID, s.Tip().ID)
	require.Equal(t, []game.ProposalID{fresh.ID}, orphaned)
}

func TestTracker_SkipsEventsForUnknownProposals(t *testing.T) {
	ctx := context.Background()
	tr, src := newTestTracker(t)

	root := rootProposal()
	src.emit(
		game.ProposalCreated{Proposal: root},
		game.ChallengeOpened{ID: game.ProposalID{0xee}, Challenger: challengerAddr, Bond: big.NewInt(100), At: time.UnixMilli(1000)},
		game.GameResolved{ID: game.ProposalID{0xee}, Outcome: game.OutcomeDismissed, At: time.UnixMilli(2000)},
	)
	require.NoError(t, tr.Sync(ctx))
	require.Len(t, tr.Snapshot().Proposals(), 1)
}

func TestSnapshot_Queries(t *testing.T) {
	ctx := context.Background()
	tr, src := newTestTracker(t)

	root := rootProposal()
	p1 := proposal(0x01, root.ID, 200, 45, 1000)
	p2a := proposal(0x02, p1.ID, 300, 46, 2000)
	p2b := proposal(0x03, p1.ID, 320, 46, 2500)
	src.emit(
		game.ProposalCreated{Proposal: root},
		game.ProposalCreated{Proposal: p1},
		game.GameResolved{ID: p1.ID, Outcome: game.OutcomeFinalized, At: time.UnixMilli(1500)},
		game.ProposalCreated{Proposal: p2a},
		game.ProposalCreated{Proposal: p2b},
	)
	require.NoError(t, tr.Sync(ctx))
	s := tr.Snapshot()

	kids := s.ChildrenOf(p1.ID)
	require.Len(t, kids, 2)
	require.Equal(t, p2a.ID, kids[0].ID)
	require.Equal(t, p2b.ID, kids[1].ID)

	path, err := s.PathToRoot(p2a.ID)
	require.NoError(t, err)
	require.Equal(t, []game.ProposalID{root.ID, p1.ID, p2a.ID}, []game.ProposalID{path[0].ID, path[1].ID, path[2].ID})

	_, err = s.PathToRoot(game.ProposalID{0xee})
	require.ErrorIs(t, err, game.ErrUnknownProposal)

	open := s.Open()
	require.Len(t, open, 2)
	require.Equal(t, p2a.ID, open[0].ID)
	require.Equal(t, p2b.ID, open[1].ID)
}
