package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name         string `json:"name"`
	ChainID      string `json:"chain_id"`
	BlockNumber  string `json:"block_number"`
	NativeSymbol string `json:"native_symbol"`
	Notes        string `json:"notes,omitempty"`
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives contract logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	if e == nil {
		return nil
	}
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Backend is the subset of an EVM node API the referral layer relies on.
// Both *ethclient.Client and the go-ethereum simulated client satisfy it.
type Backend interface {
	bind.ContractBackend
	gethcore.TransactionReader
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
}

// Client defines what any chain implementation must provide so higher layers
// can read contract state, broadcast transactions and poll for receipts.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ChainID(ctx context.Context) (*big.Int, error)
	ContractBackend() bind.ContractBackend
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	SendRawTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
	Close()
}
