package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/zkrollup/zkdispute/game"
)

// OrphanHandler is invoked during Sync for every proposal a reorg
// orphaned, after the new snapshot is published.
type OrphanHandler func(game.ProposalID)

// Tracker projects the dispute event log into a queryable proposal tree.
// It pulls events by cursor, so a restarted tracker replays the full log
// and converges on the same state as one that watched from the start.
type Tracker struct {
	log    log.Logger
	source game.EventSource
	// safetyDepth is the L1 depth past which finalized proposals no
	// longer orphan under reorgs, mirroring the contract's rule.
	safetyDepth uint64

	mu       sync.Mutex
	cursor   uint64
	snapshot *Snapshot
	handlers []OrphanHandler
}

func New(logger log.Logger, source game.EventSource, safetyDepth uint64) *Tracker {
	return &Tracker{
		log:         logger,
		source:      source,
		safetyDepth: safetyDepth,
		snapshot: &Snapshot{
			proposals: make(map[game.ProposalID]game.Proposal),
			children:  make(map[game.ProposalID][]game.ProposalID),
		},
	}
}

// OnOrphaned registers a handler for reorg orphaning. Must be called
// before the first Sync.
func (t *Tracker) OnOrphaned(h OrphanHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Snapshot returns the current immutable view. Callers may hold it for as
// long as they like.
func (t *Tracker) Snapshot() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// Sync pulls all events past the cursor and publishes a new snapshot if
// any were applied.
func (t *Tracker) Sync(ctx context.Context) error {
	t.mu.Lock()
	events, cursor, err := t.source.EventsSince(ctx, t.cursor)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("pull events from cursor %d: %w", t.cursor, err)
	}
	if len(events) == 0 {
		t.mu.Unlock()
		return nil
	}

	next := t.snapshot.clone()
	next.version = t.snapshot.version + 1
	var orphaned []game.ProposalID
	for _, ev := range events {
		orphaned = append(orphaned, t.apply(next, ev)...)
	}
	t.cursor = cursor
	t.snapshot = next
	handlers := t.handlers
	t.mu.Unlock()

	for _, id := range orphaned {
		for _, h := range handlers {
			h(id)
		}
	}
	return nil
}

func (t *Tracker) apply(s *Snapshot, ev game.Event) []game.ProposalID {
	switch e := ev.(type) {
	case game.ProposalCreated:
		p := e.Proposal
		s.proposals[p.ID] = p
		if p.IsRoot() {
			s.root = p.ID
			if s.tip == (game.ProposalID{}) {
				s.tip = p.ID
			}
		} else {
			s.children[p.Parent] = append(s.children[p.Parent], p.ID)
		}
	case game.ChallengeOpened:
		p, ok := s.proposals[e.ID]
		if !ok {
			t.log.Warn("Challenge for unknown proposal", "game", e.ID)
			return nil
		}
		p.Status = game.StatusChallenged
		p.Challenger = e.Challenger
		p.ChallengedAt = e.At
		s.proposals[e.ID] = p
	case game.ProofAccepted:
		p, ok := s.proposals[e.ID]
		if !ok {
			t.log.Warn("Proof for unknown proposal", "game", e.ID)
			return nil
		}
		p.SettledBy = e.Fingerprint
		s.proposals[e.ID] = p
	case game.GameResolved:
		p, ok := s.proposals[e.ID]
		if !ok {
			t.log.Warn("Resolution for unknown proposal", "game", e.ID)
			return nil
		}
		p.Status = e.Outcome.Status()
		s.proposals[e.ID] = p
		if e.Outcome == game.OutcomeFinalized && p.Parent == s.tip {
			s.tip = p.ID
		}
	case game.ReorgDetected:
		return t.applyReorg(s, e)
	default:
		t.log.Warn("Unrecognized event", "event", fmt.Sprintf("%T", ev))
	}
	return nil
}

// applyReorg mirrors the contract's orphaning rule: every non-root
// proposal anchored above the surviving ancestor is orphaned, except
// finalized proposals buried at least safetyDepth blocks below the new
// head. The tip is recomputed over the remaining finalized path.
func (t *Tracker) applyReorg(s *Snapshot, e game.ReorgDetected) []game.ProposalID {
	var orphaned []game.ProposalID
	for id, p := range s.proposals {
		if id == s.root || p.Anchor.Number <= e.Ancestor {
			continue
		}
		if p.Status == game.StatusOrphaned || p.Status == game.StatusDismissed {
			continue
		}
		if p.Status == game.StatusFinalized && p.Anchor.Number+t.safetyDepth <= e.NewHead.Number {
			continue
		}
		p.Status = game.StatusOrphaned
		s.proposals[id] = p
		orphaned = append(orphaned, id)
		t.log.Warn("Proposal orphaned by reorg", "game", id, "anchor", p.Anchor.Number, "ancestor", e.Ancestor)
	}
	s.tip = s.finalizedTip()
	return orphaned
}

func (s *Snapshot) finalizedTip() game.ProposalID {
	tip := s.root
	for {
		advanced := false
		for _, child := range s.children[tip] {
			if s.proposals[child].Status == game.StatusFinalized {
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

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:   s.version,
		root:      s.root,
		tip:       s.tip,
		proposals: make(map[game.ProposalID]game.Proposal, len(s.proposals)),
		children:  make(map[game.ProposalID][]game.ProposalID, len(s.children)),
	}
	for id, p := range s.proposals {
		next.proposals[id] = p
	}
	for id, kids := range s.children {
		next.children[id] = append([]game.ProposalID(nil), kids...)
	}
	return next
}
