package game

import "errors"

// Protocol errors carry economic consequences and are always surfaced to
// the calling agent, never swallowed.
var (
	ErrInvalidParent      = errors.New("invalid parent")
	ErrStaleAnchor        = errors.New("stale l1 anchor")
	ErrInsufficientBond   = errors.New("insufficient bond")
	ErrAlreadyResolved    = errors.New("game already resolved")
	ErrAlreadyChallenged  = errors.New("game already challenged")
	ErrWindowExpired      = errors.New("dispute window expired")
	ErrBadProof           = errors.New("bad proof")
	ErrNotReady           = errors.New("no outcome determined yet")
	ErrParentNotFinalized = errors.New("parent not finalized")
	ErrUnknownProposal    = errors.New("unknown proposal")
	ErrOrphaned           = errors.New("proposal orphaned by reorg")

	ErrInsufficientFunds = errors.New("insufficient funds")
)
