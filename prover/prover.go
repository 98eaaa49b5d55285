package prover

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zkrollup/zkdispute/game"
)

// ErrPermanent marks a proving failure that retrying cannot fix, such as
// a malformed request or an unprovable claim. Transient failures (prover
// backend down, subprocess crash) are returned bare and retried.
var ErrPermanent = errors.New("permanent proving failure")

// Permanent wraps err so the orchestrator stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrPermanent, err)
}

// Request describes one proving job: re-execute the L2 state transition
// from the agreed output to the claimed block and attest to the result.
type Request struct {
	Fingerprint       game.Fingerprint
	AgreedOutputRoot  common.Hash
	AgreedL2Number    uint64
	ClaimedOutputRoot common.Hash
	ClaimedL2Number   uint64
	L1Head            common.Hash
	PayoutRecipient   common.Address
}

// Prover produces a sealed artifact for a request. Implementations must
// be safe for concurrent use; the orchestrator runs several jobs at once.
type Prover interface {
	Prove(ctx context.Context, req Request) (game.Artifact, error)
}

// OutputOracle answers what the canonical L2 output is at a block height.
// The proposer derives claims from it and the fake prover replays against
// it.
type OutputOracle interface {
	SafeL2Head(ctx context.Context) (uint64, error)
	OutputAtBlock(ctx context.Context, number uint64) (common.Hash, error)
}
