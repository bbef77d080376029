package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"reward-accumulator/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
}

// backend is the subset of go-ethereum client methods the accumulator uses.
// Both *ethclient.Client and the simulated backend client satisfy it.
type backend interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	backend   backend

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	return &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}, nil
}

// NewBackendClient wraps an already constructed backend, such as the
// go-ethereum simulated backend client used in tests.
func NewBackendClient(name string, b backend) *Client {
	return &Client{name: name, backend: b}
}

// Name returns the chain name the client was configured with.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// NonceAt returns the transaction count at the latest block, which is the
// next nonce usable once every earlier transaction is confirmed.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("查询 %s 交易计数失败: %w", account.Hex(), err)
	}
	return nonce, nil
}

// FeePrice returns the node's suggested legacy gas price in wei.
func (c *Client) FeePrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas price 失败: %w", err)
	}
	return price, nil
}

// SendTransaction submits a signed transaction to the node.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if tx == nil {
		return errors.New("交易不能为空")
	}
	return c.backend.SendTransaction(ctx, tx)
}

// Receipt returns the receipt for hash, or nil when the transaction has not
// been included yet.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询交易回执 %s 失败: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg) ([]byte, error) {
	return c.backend.CallContract(ctx, msg, nil)
}

// ChainID returns the network chain id, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

var _ web3.Client = (*Client)(nil)
