// Package chain reads contract state from an EVM chain.
//
// Readers depend on the Caller interface only. Client implements it over a
// JSON-RPC endpoint; tests use chaintest.Fake.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/atmx/portfolio-engine/internal/metrics"
)

// Caller performs read-only calls against the latest block.
type Caller interface {
	// Call executes an eth_call of data against to and returns the raw
	// return data.
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// Balance returns the native balance of account in wei.
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Client is a Caller backed by an RPC node. It does not retry.
type Client struct {
	eth *ethclient.Client
}

// Dial connects to the RPC endpoint at url.
func Dial(ctx context.Context, url string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &Client{eth: eth}, nil
}

// ChainID returns the id of the connected chain.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	metrics.RPCCalls.WithLabelValues("eth_chainId", metrics.Outcome(err)).Inc()
	return id, err
}

func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	metrics.RPCCalls.WithLabelValues("eth_call", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("chain: eth_call %s: %w", to.Hex(), err)
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, account, nil)
	metrics.RPCCalls.WithLabelValues("eth_getBalance", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("chain: eth_getBalance %s: %w", account.Hex(), err)
	}
	return bal, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}
