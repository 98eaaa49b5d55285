package tracker

import (
	"fmt"
	"sort"

	"github.com/zkrollup/zkdispute/game"
)

// Snapshot is an immutable view of the proposal tree at a single sync
// version. Accessors never mutate shared state, so a snapshot stays valid
// while the tracker keeps syncing.
type Snapshot struct {
	version   uint64
	root      game.ProposalID
	tip       game.ProposalID
	proposals map[game.ProposalID]game.Proposal
	children  map[game.ProposalID][]game.ProposalID
}

// Version increases by one on every sync that applied at least one event.
func (s *Snapshot) Version() uint64 {
	return s.version
}

func (s *Snapshot) Root() game.ProposalID {
	return s.root
}

// Tip returns the latest finalized proposal on the canonical path.
func (s *Snapshot) Tip() game.Proposal {
	return s.proposals[s.tip]
}

func (s *Snapshot) Proposal(id game.ProposalID) (game.Proposal, bool) {
	p, ok := s.proposals[id]
	return p, ok
}

// ChildrenOf returns the direct children of id, ordered by creation time.
func (s *Snapshot) ChildrenOf(id game.ProposalID) []game.Proposal {
	ids := s.children[id]
	out := make([]game.Proposal, 0, len(ids))
	for _, child := range ids {
		out = append(out, s.proposals[child])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PathToRoot walks parent links from id up to the root, inclusive on both
// ends. The result is ordered root first.
func (s *Snapshot) PathToRoot(id game.ProposalID) ([]game.Proposal, error) {
	var path []game.Proposal
	for {
		p, ok := s.proposals[id]
		if !ok {
			return nil, fmt.Errorf("%w: %v", game.ErrUnknownProposal, id)
		}
		path = append(path, p)
		if p.IsRoot() || p.ID == s.root {
			break
		}
		id = p.Parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Open returns every proposal still awaiting resolution, unresolved and
// challenged alike, ordered by L2 block number.
func (s *Snapshot) Open() []game.Proposal {
	var out []game.Proposal
	for _, p := range s.proposals {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].L2BlockNumber != out[j].L2BlockNumber {
			return out[i].L2BlockNumber < out[j].L2BlockNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Proposals returns every tracked proposal in no particular order.
func (s *Snapshot) Proposals() []game.Proposal {
	out := make([]game.Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		out = append(out, p)
	}
	return out
}
