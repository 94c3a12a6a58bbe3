package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"referral-dapp/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	WSURL        string
	BatchRPCURL  string
	NativeSymbol string
	Notes        string
	// ChainID, when non-zero, is checked against the node at dial time.
	ChainID uint64
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	symbol      string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	wsClient    *ethclient.Client
	eventClient logSubscriber
	backend     web3.Backend
	chainID     *big.Int
	mu          sync.Mutex
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	c := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		symbol:      cfg.NativeSymbol,
		rpcClient:   rpcClient,
		batchClient: rpcClient,
		eventClient: eth,
		backend:     eth,
	}

	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		c.batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	// Log subscriptions need a push transport; HTTP endpoints cannot serve them.
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			c.wsClient = ethclient.NewClient(wsRPC)
			c.eventClient = c.wsClient
		}
	}

	if cfg.ChainID != 0 {
		remote, err := eth.ChainID(ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if remote.Uint64() != cfg.ChainID {
			c.Close()
			return nil, fmt.Errorf("链 ID 不匹配: 配置 %d, 节点 %s", cfg.ChainID, remote)
		}
		c.chainID = remote
	}
	return c, nil
}

// NewSimulatedClient wraps an in-process backend, typically the go-ethereum
// simulated client, for tests and local development.
func NewSimulatedClient(name string, backend web3.Backend) *Client {
	return &Client{
		name:        name,
		symbol:      "ETH",
		backend:     backend,
		eventClient: backend,
		notes:       "simulated backend",
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
	c.eventClient = nil
}

// ContractBackend exposes the backend used for contract bindings.
func (c *Client) ContractBackend() bind.ContractBackend {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend
}

// ChainID returns the chain identifier, caching the first successful lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的链客户端")
	}
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

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:         c.name,
		ChainID:      toHexBig(chainID),
		BlockNumber:  fmt.Sprintf("0x%x", blockNumber),
		NativeSymbol: c.symbol,
		Notes:        c.notes,
	}, nil
}

// indexingInProgress is the error text geth returns while the transaction
// index is still being built.
const indexingInProgress = "transaction indexing is in progress"

// TransactionReceipt returns the receipt of a mined transaction. While the
// transaction is pending, or the node has not indexed it yet, the error
// matches go-ethereum's NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil && strings.Contains(err.Error(), indexingInProgress) {
		return nil, fmt.Errorf("%w: %s", gethcore.NotFound, err.Error())
	}
	return receipt, err
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	c.mu.Lock()
	subscriber := c.eventClient
	c.mu.Unlock()
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

// SendRawTransactions broadcasts signed transactions, using a single RPC batch
// call when a batch endpoint is available.
func (c *Client) SendRawTransactions(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}

	if c.batchClient == nil {
		if c.backend == nil {
			return nil, errors.New("当前客户端不支持发送交易")
		}
		hashes := make([]common.Hash, 0, len(txs))
		for _, tx := range txs {
			if err := c.backend.SendTransaction(ctx, tx); err != nil {
				return nil, fmt.Errorf("发送交易失败: %w", err)
			}
			hashes = append(hashes, tx.Hash())
		}
		return hashes, nil
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
