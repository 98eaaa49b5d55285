// Package game defines the data model of the dispute protocol and an
// in-memory mirror of the on-chain dispute game state machine. The chain
// holds the authoritative state; everything off-chain is reconstructed by
// replaying the event log this package describes.
package game

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProposalID uniquely identifies a proposal and its bound dispute game.
type ProposalID common.Hash

func (id ProposalID) String() string {
	return common.Hash(id).String()
}

func (id ProposalID) IsZero() bool {
	return id == ProposalID{}
}

// L1Anchor is the base-chain block a proposal's claim is relative to.
type L1Anchor struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
}

type GameStatus uint8

const (
	StatusUnresolved GameStatus = iota
	StatusChallenged
	StatusFinalized
	StatusDismissed
	// StatusOrphaned marks a proposal whose L1 anchor was reorged away.
	// Terminal and non-resolving: the game never reaches an Outcome.
	StatusOrphaned
)

func (s GameStatus) String() string {
	switch s {
	case StatusUnresolved:
		return "unresolved"
	case StatusChallenged:
		return "challenged"
	case StatusFinalized:
		return "finalized"
	case StatusDismissed:
		return "dismissed"
	case StatusOrphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("<invalid: %d>", uint8(s))
	}
}

// Resolved reports whether the game reached an adjudicated outcome.
func (s GameStatus) Resolved() bool {
	return s == StatusFinalized || s == StatusDismissed
}

// Terminal reports whether the game can no longer change state.
func (s GameStatus) Terminal() bool {
	return s.Resolved() || s == StatusOrphaned
}

type Outcome uint8

const (
	OutcomeFinalized Outcome = iota + 1
	OutcomeDismissed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinalized:
		return "finalized"
	case OutcomeDismissed:
		return "dismissed"
	default:
		return fmt.Sprintf("<invalid: %d>", uint8(o))
	}
}

func (o Outcome) Status() GameStatus {
	if o == OutcomeFinalized {
		return StatusFinalized
	}
	return StatusDismissed
}

// Proposal is a claim that OutputRoot is the correct L2 output at
// L2BlockNumber, extending the chain from Parent and anchored to a
// specific base-chain block.
type Proposal struct {
	ID            ProposalID     `json:"id"`
	Parent        ProposalID     `json:"parent"` // zero only for the root
	OutputRoot    common.Hash    `json:"outputRoot"`
	L2BlockNumber uint64         `json:"l2BlockNumber"`
	Anchor        L1Anchor       `json:"anchor"`
	Proposer      common.Address `json:"proposer"`
	Bond          *big.Int       `json:"bond"`
	CreatedAt     time.Time      `json:"createdAt"`
	Status        GameStatus     `json:"status"`
	Challenger    common.Address `json:"challenger,omitempty"`
	ChallengedAt  time.Time      `json:"challengedAt,omitempty"`
	// SettledBy identifies the proof that adjudicated the game, if any.
	SettledBy Fingerprint `json:"settledBy,omitempty"`
}

func (p Proposal) IsRoot() bool {
	return p.Parent.IsZero()
}

// SubmitArgs are the inputs to the contract's proposal submission.
type SubmitArgs struct {
	Parent        ProposalID
	OutputRoot    common.Hash
	L2BlockNumber uint64
	Anchor        L1Anchor
	Proposer      common.Address
	Bond          *big.Int
}

// ProposalIDOf derives the deterministic identifier of a proposal.
// The proposer is part of the identity so competing claims over the same
// range by different parties remain distinct games.
func ProposalIDOf(args SubmitArgs) ProposalID {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], args.L2BlockNumber)
	return ProposalID(crypto.Keccak256Hash(
		args.Parent[:],
		args.OutputRoot[:],
		num[:],
		args.Anchor.Hash[:],
		args.Proposer[:],
	))
}

// Fingerprint deterministically keys a proof-generation request by the
// claim it attests to. Identical disputes share proof work.
type Fingerprint common.Hash

func (f Fingerprint) String() string {
	return common.Hash(f).String()
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ProofFingerprint derives the fingerprint of a proof over the claimed
// output root for the L2 range (agreedL2, claimedL2], anchored at l1Head.
func ProofFingerprint(claimedRoot common.Hash, agreedL2, claimedL2 uint64, l1Head common.Hash) Fingerprint {
	var span [16]byte
	binary.BigEndian.PutUint64(span[:8], agreedL2)
	binary.BigEndian.PutUint64(span[8:], claimedL2)
	return Fingerprint(crypto.Keccak256Hash(claimedRoot[:], span[:], l1Head[:]))
}

const journalLen = 4*common.HashLength + 8 + common.AddressLength

// ProofJournal is the public statement a proof attests to. The computed
// output root is what replaying the range actually produced; it equals the
// claimed root only if the claim was correct.
type ProofJournal struct {
	L1Head             common.Hash    `json:"l1Head"`
	AgreedOutputRoot   common.Hash    `json:"agreedOutputRoot"`
	ClaimedOutputRoot  common.Hash    `json:"claimedOutputRoot"`
	ComputedOutputRoot common.Hash    `json:"computedOutputRoot"`
	ClaimedL2Number    uint64         `json:"claimedL2Number"`
	PayoutRecipient    common.Address `json:"payoutRecipient"`
}

func (j ProofJournal) Marshal() []byte {
	out := make([]byte, 0, journalLen)
	out = append(out, j.L1Head[:]...)
	out = append(out, j.AgreedOutputRoot[:]...)
	out = append(out, j.ClaimedOutputRoot[:]...)
	out = append(out, j.ComputedOutputRoot[:]...)
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], j.ClaimedL2Number)
	out = append(out, num[:]...)
	out = append(out, j.PayoutRecipient[:]...)
	return out
}

func UnmarshalJournal(data []byte) (ProofJournal, error) {
	if len(data) != journalLen {
		return ProofJournal{}, fmt.Errorf("invalid journal length %d, expected %d", len(data), journalLen)
	}
	var j ProofJournal
	j.L1Head = common.BytesToHash(data[:32])
	j.AgreedOutputRoot = common.BytesToHash(data[32:64])
	j.ClaimedOutputRoot = common.BytesToHash(data[64:96])
	j.ComputedOutputRoot = common.BytesToHash(data[96:128])
	j.ClaimedL2Number = binary.BigEndian.Uint64(data[128:136])
	j.PayoutRecipient = common.BytesToAddress(data[136:])
	return j, nil
}

// Artifact is a completed proof: the journal plus the cryptographic seal
// attesting to it.
type Artifact struct {
	Fingerprint Fingerprint   `json:"fingerprint"`
	Journal     ProofJournal  `json:"journal"`
	Seal        hexutil.Bytes `json:"seal"`
}

// Verifier checks that an artifact's seal cryptographically attests to its
// journal. It does not judge whether the journal matches any proposal.
type Verifier interface {
	Verify(artifact Artifact) error
}

// Contract is the base-chain dispute contract boundary. The Machine in
// this package implements it in-memory; contract.Client implements it
// against a live deployment.
type Contract interface {
	SubmitProposal(ctx context.Context, args SubmitArgs) (ProposalID, error)
	Challenge(ctx context.Context, id ProposalID, challenger common.Address, bond *big.Int) error
	SubmitProof(ctx context.Context, id ProposalID, artifact Artifact) (Outcome, error)
	Resolve(ctx context.Context, id ProposalID) (Outcome, error)
}

// L1Source reports canonical base-chain blocks.
type L1Source interface {
	HeadAnchor(ctx context.Context) (L1Anchor, error)
	AnchorAt(ctx context.Context, number uint64) (L1Anchor, error)
}

// EventSource is a cursor over the ordered dispute event log.
type EventSource interface {
	EventsSince(ctx context.Context, cursor uint64) ([]Event, uint64, error)
}
