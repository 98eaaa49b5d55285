package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zkrollup/zkdispute/game"
)

// Client talks to the on-chain dispute contract through its gateway RPC.
// It implements the same Contract and EventSource interfaces as the dev
// mode machine, so the agents are oblivious to which one they drive.
type Client struct {
	log log.Logger
	rpc *rpc.Client
}

var _ game.Contract = (*Client)(nil)
var _ game.EventSource = (*Client)(nil)

func Dial(ctx context.Context, logger log.Logger, endpoint string) (*Client, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial dispute gateway %s: %w", endpoint, err)
	}
	return &Client{log: logger, rpc: client}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

type wireAnchor struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   common.Hash    `json:"hash"`
}

type wireSubmitArgs struct {
	Parent        common.Hash    `json:"parent"`
	OutputRoot    common.Hash    `json:"outputRoot"`
	L2BlockNumber hexutil.Uint64 `json:"l2BlockNumber"`
	Anchor        wireAnchor     `json:"anchor"`
	Proposer      common.Address `json:"proposer"`
	Bond          *hexutil.Big   `json:"bond"`
}

type wireArtifact struct {
	Fingerprint common.Hash   `json:"fingerprint"`
	Journal     hexutil.Bytes `json:"journal"`
	Seal        hexutil.Bytes `json:"seal"`
}

func (c *Client) SubmitProposal(ctx context.Context, args game.SubmitArgs) (game.ProposalID, error) {
	var id common.Hash
	err := c.rpc.CallContext(ctx, &id, "dispute_submitProposal", wireSubmitArgs{
		Parent:        common.Hash(args.Parent),
		OutputRoot:    args.OutputRoot,
		L2BlockNumber: hexutil.Uint64(args.L2BlockNumber),
		Anchor:        wireAnchor{Number: hexutil.Uint64(args.Anchor.Number), Hash: args.Anchor.Hash},
		Proposer:      args.Proposer,
		Bond:          (*hexutil.Big)(args.Bond),
	})
	if err != nil {
		return game.ProposalID{}, fmt.Errorf("submit proposal: %w", asSentinel(err))
	}
	return game.ProposalID(id), nil
}

func (c *Client) Challenge(ctx context.Context, id game.ProposalID, challenger common.Address, bond *big.Int) error {
	err := c.rpc.CallContext(ctx, nil, "dispute_challenge", common.Hash(id), challenger, (*hexutil.Big)(bond))
	if err != nil {
		return fmt.Errorf("challenge %v: %w", id, asSentinel(err))
	}
	return nil
}

func (c *Client) SubmitProof(ctx context.Context, id game.ProposalID, artifact game.Artifact) (game.Outcome, error) {
	var outcome uint8
	err := c.rpc.CallContext(ctx, &outcome, "dispute_submitProof", common.Hash(id), wireArtifact{
		Fingerprint: common.Hash(artifact.Fingerprint),
		Journal:     artifact.Journal.Marshal(),
		Seal:        artifact.Seal,
	})
	if err != nil {
		return 0, fmt.Errorf("submit proof for %v: %w", id, asSentinel(err))
	}
	return game.Outcome(outcome), nil
}

func (c *Client) Resolve(ctx context.Context, id game.ProposalID) (game.Outcome, error) {
	var outcome uint8
	err := c.rpc.CallContext(ctx, &outcome, "dispute_resolve", common.Hash(id))
	if err != nil {
		return 0, fmt.Errorf("resolve %v: %w", id, asSentinel(err))
	}
	return game.Outcome(outcome), nil
}

type wireProposal struct {
	ID            common.Hash    `json:"id"`
	Parent        common.Hash    `json:"parent"`
	OutputRoot    common.Hash    `json:"outputRoot"`
	L2BlockNumber hexutil.Uint64 `json:"l2BlockNumber"`
	Anchor        wireAnchor     `json:"anchor"`
	Proposer      common.Address `json:"proposer"`
	Bond          *hexutil.Big   `json:"bond"`
	CreatedAt     hexutil.Uint64 `json:"createdAt"`
	Status        uint8          `json:"status"`
	Challenger    common.Address `json:"challenger"`
	ChallengedAt  hexutil.Uint64 `json:"challengedAt"`
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireEventBatch struct {
	Events []wireEvent    `json:"events"`
	Cursor hexutil.Uint64 `json:"cursor"`
}

func (c *Client) EventsSince(ctx context.Context, cursor uint64) ([]game.Event, uint64, error) {
	var batch wireEventBatch
	if err := c.rpc.CallContext(ctx, &batch, "dispute_eventsSince", hexutil.Uint64(cursor)); err != nil {
		return nil, cursor, fmt.Errorf("fetch events from %d: %w", cursor, err)
	}
	events := make([]game.Event, 0, len(batch.Events))
	for _, raw := range batch.Events {
		ev, err := decodeEvent(raw)
		if err != nil {
			return nil, cursor, fmt.Errorf("decode %s event: %w", raw.Type, err)
		}
		events = append(events, ev)
	}
	return events, uint64(batch.Cursor), nil
}

func decodeEvent(raw wireEvent) (game.Event, error) {
	switch raw.Type {
	case "proposal_created":
		var p wireProposal
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return nil, err
		}
		return game.ProposalCreated{Proposal: p.into()}, nil
	case "challenge_opened":
		var e struct {
			ID         common.Hash    `json:"id"`
			Challenger common.Address `json:"challenger"`
			Bond       *hexutil.Big   `json:"bond"`
			At         hexutil.Uint64 `json:"at"`
		}
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			return nil, err
		}
		return game.ChallengeOpened{
			ID:         game.ProposalID(e.ID),
			Challenger: e.Challenger,
			Bond:       (*big.Int)(e.Bond),
			At:         time.Unix(int64(e.At), 0),
		}, nil
	case "proof_accepted":
		var e struct {
			ID           common.Hash `json:"id"`
			Fingerprint  common.Hash `json:"fingerprint"`
			ComputedRoot common.Hash `json:"computedRoot"`
		}
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			return nil, err
		}
		return game.ProofAccepted{
			ID:           game.ProposalID(e.ID),
			Fingerprint:  game.Fingerprint(e.Fingerprint),
			ComputedRoot: e.ComputedRoot,
		}, nil
	case "game_resolved":
		var e struct {
			ID      common.Hash    `json:"id"`
			Outcome uint8          `json:"outcome"`
			At      hexutil.Uint64 `json:"at"`
		}
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			return nil, err
		}
		return game.GameResolved{
			ID:      game.ProposalID(e.ID),
			Outcome: game.Outcome(e.Outcome),
			At:      time.Unix(int64(e.At), 0),
		}, nil
	case "reorg_detected":
		var e struct {
			Ancestor hexutil.Uint64 `json:"ancestor"`
			NewHead  wireAnchor     `json:"newHead"`
		}
		if err := json.Unmarshal(raw.Data, &e); err != nil {
			return nil, err
		}
		return game.ReorgDetected{
			Ancestor: uint64(e.Ancestor),
			NewHead:  game.L1Anchor{Number: uint64(e.NewHead.Number), Hash: e.NewHead.Hash},
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", raw.Type)
	}
}

func (p wireProposal) into() game.Proposal {
	return game.Proposal{
		ID:            game.ProposalID(p.ID),
		Parent:        game.ProposalID(p.Parent),
		OutputRoot:    p.OutputRoot,
		L2BlockNumber: uint64(p.L2BlockNumber),
		Anchor:        game.L1Anchor{Number: uint64(p.Anchor.Number), Hash: p.Anchor.Hash},
		Proposer:      p.Proposer,
		Bond:          (*big.Int)(p.Bond),
		CreatedAt:     time.Unix(int64(p.CreatedAt), 0),
		Status:        game.GameStatus(p.Status),
		Challenger:    p.Challenger,
		ChallengedAt:  time.Unix(int64(p.ChallengedAt), 0),
	}
}

// sentinelsByMessage maps gateway revert reasons to local sentinels so
// callers can branch with errors.Is regardless of transport.
var sentinelsByMessage = []struct {
	fragment string
	sentinel error
}{
	{"invalid parent", game.ErrInvalidParent},
	{"stale l1 anchor", game.ErrStaleAnchor},
	{"insufficient bond", game.ErrInsufficientBond},
	{"already resolved", game.ErrAlreadyResolved},
	{"already challenged", game.ErrAlreadyChallenged},
	{"window expired", game.ErrWindowExpired},
	{"bad proof", game.ErrBadProof},
	{"no outcome determined", game.ErrNotReady},
	{"parent not finalized", game.ErrParentNotFinalized},
	{"unknown proposal", game.ErrUnknownProposal},
	{"orphaned", game.ErrOrphaned},
	{"insufficient funds", game.ErrInsufficientFunds},
}

func asSentinel(err error) error {
	msg := strings.ToLower(err.Error())
	for _, entry := range sentinelsByMessage {
		if strings.Contains(msg, entry.fragment) {
			return fmt.Errorf("%w: %v", entry.sentinel, err)
		}
	}
	return err
}
