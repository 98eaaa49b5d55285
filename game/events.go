package game

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a chain-observed dispute protocol event. Events affecting a
// single proposal are totally ordered; events across proposals are not.
type Event interface {
	isEvent()
}

type ProposalCreated struct {
	Proposal Proposal
}

type ChallengeOpened struct {
	ID         ProposalID
	Challenger common.Address
	Bond       *big.Int
	At         time.Time
}

type ProofAccepted struct {
	ID           ProposalID
	Fingerprint  Fingerprint
	ComputedRoot common.Hash
}

type GameResolved struct {
	ID      ProposalID
	Outcome Outcome
	At      time.Time
}

// ReorgDetected signals that the base chain reorged: blocks above Ancestor
// are no longer canonical. Proposals anchored above it are orphaned.
type ReorgDetected struct {
	Ancestor uint64
	NewHead  L1Anchor
}

func (ProposalCreated) isEvent() {}
func (ChallengeOpened) isEvent() {}
func (ProofAccepted) isEvent()   {}
func (GameResolved) isEvent()    {}
func (ReorgDetected) isEvent()   {}
