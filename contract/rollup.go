package contract

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zkrollup/zkdispute/prover"
	"github.com/zkrollup/zkdispute/retry"
)

// RollupClient queries a rollup node for canonical L2 outputs.
type RollupClient struct {
	rpc      *rpc.Client
	strategy retry.Strategy
}

var _ prover.OutputOracle = (*RollupClient)(nil)

func DialRollup(ctx context.Context, endpoint string) (*RollupClient, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rollup node %s: %w", endpoint, err)
	}
	return &RollupClient{rpc: client, strategy: retry.Exponential()}, nil
}

func (c *RollupClient) SafeL2Head(ctx context.Context) (uint64, error) {
	head, err := retry.Do(ctx, rpcAttempts, c.strategy, func() (hexutil.Uint64, error) {
		var head hexutil.Uint64
		err := c.rpc.CallContext(ctx, &head, "rollup_safeL2Head")
		return head, err
	})
	if err != nil {
		return 0, fmt.Errorf("fetch safe l2 head: %w", err)
	}
	return uint64(head), nil
}

func (c *RollupClient) OutputAtBlock(ctx context.Context, number uint64) (common.Hash, error) {
	type outputResponse struct {
		OutputRoot common.Hash `json:"outputRoot"`
	}
	output, err := retry.Do(ctx, rpcAttempts, c.strategy, func() (outputResponse, error) {
		var output outputResponse
		err := c.rpc.CallContext(ctx, &output, "rollup_outputAtBlock", hexutil.Uint64(number))
		return output, err
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch output at block %d: %w", number, err)
	}
	return output.OutputRoot, nil
}

func (c *RollupClient) Close() {
	c.rpc.Close()
}
