package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/zkrollup/zkdispute/game"
	"github.com/zkrollup/zkdispute/retry"
)

// rpcAttempts bounds retries of idempotent chain reads before an
// infrastructure error is surfaced to the caller.
const rpcAttempts = 3

// L1Client resolves proposal anchors against a live L1 node.
type L1Client struct {
	client   *ethclient.Client
	strategy retry.Strategy
}

var _ game.L1Source = (*L1Client)(nil)

func DialL1(ctx context.Context, endpoint string) (*L1Client, error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial l1 %s: %w", endpoint, err)
	}
	return &L1Client{client: client, strategy: retry.Exponential()}, nil
}

func (c *L1Client) HeadAnchor(ctx context.Context) (game.L1Anchor, error) {
	header, err := retry.Do(ctx, rpcAttempts, c.strategy, func() (*types.Header, error) {
		return c.client.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return game.L1Anchor{}, fmt.Errorf("fetch l1 head: %w", err)
	}
	return game.L1Anchor{Number: header.Number.Uint64(), Hash: header.Hash()}, nil
}

func (c *L1Client) AnchorAt(ctx context.Context, number uint64) (game.L1Anchor, error) {
	header, err := retry.Do(ctx, rpcAttempts, c.strategy, func() (*types.Header, error) {
		return c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return game.L1Anchor{}, fmt.Errorf("fetch l1 block %d: %w", number, err)
	}
	return game.L1Anchor{Number: number, Hash: header.Hash()}, nil
}

func (c *L1Client) Close() {
	c.client.Close()
}
