// Package wallet abstracts how the daemon obtains an account and signing
// capability. The dashboard only observes connected/disconnected state and
// the resolved address.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"referral-dapp/internal/config"
	xerrors "referral-dapp/internal/errors"
)

// Connector 表示一个钱包连接。
type Connector interface {
	// Account 返回当前账户；未连接时第二个返回值为 false。
	Account() (common.Address, bool)
	Connected() bool
	CanSign() bool
	// TransactOpts 返回一份新的签名参数，调用方可以自由修改。
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// State 是连接状态的可序列化视图。
type State struct {
	Connected bool   `json:"connected"`
	Account   string `json:"account,omitempty"`
	CanSign   bool   `json:"can_sign"`
	Kind      string `json:"kind"`
}

// Describe 汇总连接器状态。
func Describe(c Connector) State {
	if c == nil {
		return State{Kind: "disconnected"}
	}
	state := State{Connected: c.Connected(), CanSign: c.CanSign(), Kind: kindOf(c)}
	if addr, ok := c.Account(); ok {
		state.Account = addr.Hex()
	}
	return state
}

func kindOf(c Connector) string {
	switch c.(type) {
	case *KeyConnector:
		return "key"
	case WatchOnly:
		return "watch_only"
	default:
		return "disconnected"
	}
}

// KeyConnector 使用内存中的私钥签名。
type KeyConnector struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	gasLimit uint64
}

// NewKeyConnector 解析十六进制私钥（可带 0x 前缀）。
func NewKeyConnector(hexKey string, chainID *big.Int) (*KeyConnector, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析钱包私钥失败")
	}
	return newKeyConnector(key, chainID)
}

// NewKeystoreConnector 使用密码解密 keystore JSON。
func NewKeystoreConnector(keyJSON []byte, passphrase string, chainID *big.Int) (*KeyConnector, error) {
	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解密 keystore 失败")
	}
	return newKeyConnector(key.PrivateKey, chainID)
}

func newKeyConnector(key *ecdsa.PrivateKey, chainID *big.Int) (*KeyConnector, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名需要有效的链 ID")
	}
	return &KeyConnector{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
	}, nil
}

// WithGasLimit 固定交易的 gas 上限；0 表示由节点估算。
func (k *KeyConnector) WithGasLimit(limit uint64) *KeyConnector {
	k.gasLimit = limit
	return k
}

func (k *KeyConnector) Account() (common.Address, bool) { return k.address, true }
func (k *KeyConnector) Connected() bool                 { return true }
func (k *KeyConnector) CanSign() bool                   { return true }

func (k *KeyConnector) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(k.key, k.chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletRejected, err, "")
	}
	opts.Context = ctx
	opts.GasLimit = k.gasLimit
	return opts, nil
}

// WatchOnly 只提供地址，可读取但不能签名。
type WatchOnly struct {
	address common.Address
}

// NewWatchOnly 校验地址并返回只读连接。
func NewWatchOnly(address string) (WatchOnly, error) {
	if !common.IsHexAddress(address) {
		return WatchOnly{}, xerrors.New(xerrors.CodeInvalidAddress, fmt.Sprintf("invalid wallet address %q", address))
	}
	return WatchOnly{address: common.HexToAddress(address)}, nil
}

func (w WatchOnly) Account() (common.Address, bool) { return w.address, true }
func (w WatchOnly) Connected() bool                 { return true }
func (w WatchOnly) CanSign() bool                   { return false }

func (w WatchOnly) TransactOpts(context.Context) (*bind.TransactOpts, error) {
	return nil, xerrors.New(xerrors.CodeWalletReadOnly, "")
}

// Disconnected 表示未连接钱包。
type Disconnected struct{}

func (Disconnected) Account() (common.Address, bool) { return common.Address{}, false }
func (Disconnected) Connected() bool                 { return false }
func (Disconnected) CanSign() bool                   { return false }

func (Disconnected) TransactOpts(context.Context) (*bind.TransactOpts, error) {
	return nil, xerrors.New(xerrors.CodeWalletDisconnected, "")
}

// FromConfig 根据配置选择连接方式：私钥 > keystore > 只读地址 > 未连接。
func FromConfig(cfg config.WalletConfig, chainID *big.Int) (Connector, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKey) != "":
		c, err := NewKeyConnector(cfg.PrivateKey, chainID)
		if err != nil {
			return nil, err
		}
		return c.WithGasLimit(cfg.GasLimit), nil
	case strings.TrimSpace(cfg.Keystore) != "":
		content, err := os.ReadFile(cfg.Keystore)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取 keystore 失败")
		}
		c, err := NewKeystoreConnector(content, cfg.Passphrase, chainID)
		if err != nil {
			return nil, err
		}
		return c.WithGasLimit(cfg.GasLimit), nil
	case strings.TrimSpace(cfg.Address) != "":
		return NewWatchOnly(cfg.Address)
	default:
		return Disconnected{}, nil
	}
}

var (
	_ Connector = (*KeyConnector)(nil)
	_ Connector = WatchOnly{}
	_ Connector = Disconnected{}
)
