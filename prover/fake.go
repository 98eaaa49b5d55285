package prover

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zkrollup/zkdispute/clock"
	"github.com/zkrollup/zkdispute/game"
)

// FakeProver replays the claimed range against an output oracle and seals
// the journal with a keccak digest instead of a real succinct proof. Used
// in dev mode together with FakeVerifier.
type FakeProver struct {
	oracle OutputOracle
}

func NewFakeProver(oracle OutputOracle) *FakeProver {
	return &FakeProver{oracle: oracle}
}

func (p *FakeProver) Prove(ctx context.Context, req Request) (game.Artifact, error) {
	computed, err := p.oracle.OutputAtBlock(ctx, req.ClaimedL2Number)
	if err != nil {
		return game.Artifact{}, fmt.Errorf("replay to block %d: %w", req.ClaimedL2Number, err)
	}
	journal := game.ProofJournal{
		L1Head:             req.L1Head,
		AgreedOutputRoot:   req.AgreedOutputRoot,
		ClaimedOutputRoot:  req.ClaimedOutputRoot,
		ComputedOutputRoot: computed,
		ClaimedL2Number:    req.ClaimedL2Number,
		PayoutRecipient:    req.PayoutRecipient,
	}
	return game.Artifact{
		Fingerprint: req.Fingerprint,
		Journal:     journal,
		Seal:        crypto.Keccak256(journal.Marshal()),
	}, nil
}

// FakeVerifier accepts artifacts sealed by FakeProver.
type FakeVerifier struct{}

func (FakeVerifier) Verify(a game.Artifact) error {
	expected := crypto.Keccak256(a.Journal.Marshal())
	if len(a.Seal) != len(expected) {
		return fmt.Errorf("seal length %d", len(a.Seal))
	}
	for i := range expected {
		if a.Seal[i] != expected[i] {
			return fmt.Errorf("seal does not commit to journal")
		}
	}
	return nil
}

var _ game.Verifier = FakeVerifier{}

// SyntheticOracle derives output roots from a seed, producing a
// deterministic L2 chain whose safe head advances with wall time. Two
// oracles with the same seed agree on every output, so a proposer and a
// validator backed by separate instances reach consensus; different seeds
// model a faulty node.
type SyntheticOracle struct {
	seed      common.Hash
	genesis   uint64
	blockTime time.Duration
	clk       clock.Clock
	started   time.Time

	mu sync.Mutex
}

func NewSyntheticOracle(seed common.Hash, genesis uint64, blockTime time.Duration, clk clock.Clock) *SyntheticOracle {
	return &SyntheticOracle{
		seed:      seed,
		genesis:   genesis,
		blockTime: blockTime,
		clk:       clk,
		started:   clk.Now(),
	}
}

func (o *SyntheticOracle) SafeL2Head(ctx context.Context) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	elapsed := o.clk.Now().Sub(o.started)
	return o.genesis + uint64(elapsed/o.blockTime), nil
}

func (o *SyntheticOracle) OutputAtBlock(ctx context.Context, number uint64) (common.Hash, error) {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], number)
	return crypto.Keccak256Hash(o.seed[:], num[:]), nil
}
