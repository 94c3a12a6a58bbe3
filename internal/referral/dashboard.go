// Package referral composes the referral contract reads, referrer validation,
// payable writes and transaction tracking into the dashboard served by the
// daemon. It owns no contract logic; every value it shows is a read of the
// external contract.
package referral

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"referral-dapp/internal/contract"
	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/query"
	"referral-dapp/internal/txtrack"
	"referral-dapp/internal/units"
	"referral-dapp/internal/wallet"
	"referral-dapp/internal/web3"
	"referral-dapp/pkg/logger"
)

// Chain is the part of the chain client used for relaying signed
// transactions and watching contract logs.
type Chain interface {
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error)
	SendRawTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
}

// Dashboard is the single presentation component of the application.
type Dashboard struct {
	contract *contract.Referral
	reads    *query.Store
	wallet   wallet.Connector
	tracker  *txtrack.Service
	chain    Chain

	places int32
	symbol string
	logger *slog.Logger

	// writeMu serialises the busy check and the creation of the pending record.
	writeMu sync.Mutex
}

// Option configures a Dashboard.
type Option func(*Dashboard)

// WithPlaces sets the number of fractional digits used for amounts.
func WithPlaces(places int32) Option {
	return func(d *Dashboard) {
		if places >= 0 {
			d.places = places
		}
	}
}

// WithSymbol sets the native currency symbol appended to amounts.
func WithSymbol(symbol string) Option {
	return func(d *Dashboard) {
		if s := strings.TrimSpace(symbol); s != "" {
			d.symbol = s
		}
	}
}

// WithChain enables Relay and WatchEvents.
func WithChain(chain Chain) Option {
	return func(d *Dashboard) { d.chain = chain }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dashboard) {
		if l != nil {
			d.logger = l
		}
	}
}

// New wires the dashboard. The connector may be wallet.Disconnected{}.
func New(ref *contract.Referral, reads *query.Store, connector wallet.Connector, tracker *txtrack.Service, opts ...Option) (*Dashboard, error) {
	if ref == nil || reads == nil || tracker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dashboard dependencies missing")
	}
	if connector == nil {
		connector = wallet.Disconnected{}
	}
	d := &Dashboard{
		contract: ref,
		reads:    reads,
		wallet:   connector,
		tracker:  tracker,
		places:   units.DefaultPlaces,
		symbol:   "ETH",
		logger:   logger.Named("referral"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Contract returns the bound contract address.
func (d *Dashboard) Contract() common.Address { return d.contract.Address() }

// Wallet returns the current connector state.
func (d *Dashboard) Wallet() wallet.State { return wallet.Describe(d.wallet) }

// Prefetch starts loading the global reads and, when a wallet is connected,
// the reads of its account.
func (d *Dashboard) Prefetch() {
	keys := []query.Key{
		d.reads.Key(contract.MethodFee, ""),
		d.reads.Key(contract.MethodTotalUsers, ""),
	}
	if account, ok := d.wallet.Account(); ok {
		for _, m := range contract.AccountMethods {
			keys = append(keys, d.reads.Key(m, account.Hex()))
		}
	}
	d.reads.Prefetch(keys...)
}

// SignUp validates the referrer and dispatches exactly one signUp(referrer)
// carrying the loaded fee. The returned transaction is tracked until settled;
// a wallet rejection is returned together with the failed record.
func (d *Dashboard) SignUp(ctx context.Context, referrer string) (*txtrack.Transaction, error) {
	if err := contract.ValidateReferrer(referrer); err != nil {
		return nil, err
	}
	account, err := d.signer()
	if err != nil {
		return nil, err
	}
	fee, err := d.loadedFee(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := d.begin(ctx, txtrack.TrackRequest{
		Kind:     txtrack.KindSignUp,
		Account:  account.Hex(),
		Referrer: referrer,
		Value:    fee,
	})
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, tx, func(ctx context.Context) (*types.Transaction, error) {
		opts, err := d.wallet.TransactOpts(ctx)
		if err != nil {
			return nil, err
		}
		return d.contract.SignUp(ctx, opts, referrer, fee)
	})
}

// Withdraw dispatches withdraw() when the connected account has a positive
// withdrawable balance. A zero or unloaded balance yields WITHDRAW_DISABLED.
func (d *Dashboard) Withdraw(ctx context.Context) (*txtrack.Transaction, error) {
	account, err := d.signer()
	if err != nil {
		return nil, err
	}
	if !d.withdrawable(ctx, account) {
		return nil, xerrors.New(xerrors.CodeWithdrawDisabled, "", xerrors.WithMetadata("account", account.Hex()))
	}

	tx, err := d.begin(ctx, txtrack.TrackRequest{Kind: txtrack.KindWithdraw, Account: account.Hex()})
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, tx, func(ctx context.Context) (*types.Transaction, error) {
		opts, err := d.wallet.TransactOpts(ctx)
		if err != nil {
			return nil, err
		}
		return d.contract.Withdraw(ctx, opts)
	})
}

// OnConfirmed refreshes every read a confirmed write can change. It is
// registered as a txtrack.ConfirmedHook.
func (d *Dashboard) OnConfirmed(ctx context.Context, tx *txtrack.Transaction) {
	if tx == nil {
		return
	}
	keys := []query.Key{d.reads.Key(contract.MethodTotalUsers, "")}
	accounts := []string{tx.Account}
	if tx.Kind == txtrack.KindSignUp && tx.Referrer != "" {
		accounts = append(accounts, tx.Referrer)
	}
	for _, account := range accounts {
		if !common.IsHexAddress(account) {
			continue
		}
		addr := common.HexToAddress(account)
		for _, m := range contract.AccountMethods {
			keys = append(keys, d.reads.Key(m, addr.Hex()))
		}
	}
	if err := d.reads.Invalidate(ctx, keys...); err != nil {
		d.logger.Warn("刷新读取缓存失败", slog.Any("error", err), slog.String("tx_id", tx.ID))
	}
}

// signer returns the connected account when it can sign.
func (d *Dashboard) signer() (common.Address, error) {
	if !d.wallet.Connected() {
		return common.Address{}, xerrors.New(xerrors.CodeWalletDisconnected, "")
	}
	account, ok := d.wallet.Account()
	if !ok {
		return common.Address{}, xerrors.New(xerrors.CodeWalletDisconnected, "")
	}
	if !d.wallet.CanSign() {
		return common.Address{}, xerrors.New(xerrors.CodeWalletReadOnly, "")
	}
	return account, nil
}

func (d *Dashboard) loadedFee(ctx context.Context) (*big.Int, error) {
	res := d.reads.Get(ctx, d.reads.Key(contract.MethodFee, ""))
	fee, ok := res.Value.(*big.Int)
	if !res.Resolved() || !ok || fee == nil {
		return nil, xerrors.New(xerrors.CodeFeeNotLoaded, "", xerrors.WithMetadata("state", string(res.State)))
	}
	return new(big.Int).Set(fee), nil
}

func (d *Dashboard) withdrawable(ctx context.Context, account common.Address) bool {
	res := d.reads.Get(ctx, d.reads.Key(contract.MethodEarnings, account.Hex()))
	if !res.Resolved() {
		return false
	}
	earnings, ok := res.Value.(contract.Earnings)
	return ok && units.IsPositive(earnings.Withdrawable)
}

// begin records a pending transaction unless one of the same kind is still
// unsettled for the account.
func (d *Dashboard) begin(ctx context.Context, req txtrack.TrackRequest) (*txtrack.Transaction, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	busy, err := d.tracker.Busy(ctx, req.Account, req.Kind)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, xerrors.New(xerrors.CodeConflict, string(req.Kind)+" already in progress",
			xerrors.WithMetadata("account", req.Account))
	}
	return d.tracker.Begin(ctx, req)
}

// dispatch sends the write and moves the tracked record to submitted, or to
// failed when the wallet or node refuses it.
func (d *Dashboard) dispatch(ctx context.Context, tx *txtrack.Transaction, send func(context.Context) (*types.Transaction, error)) (*txtrack.Transaction, error) {
	sent, err := send(ctx)
	if err != nil {
		failed, markErr := d.tracker.Rejected(ctx, tx.ID, err)
		if markErr != nil {
			d.logger.Error("记录失败交易出错", slog.Any("error", markErr), slog.String("tx_id", tx.ID))
			return nil, err
		}
		return failed, err
	}
	d.logger.Info("合约写交易已发送",
		slog.String("tx_id", tx.ID),
		slog.String("kind", string(tx.Kind)),
		slog.String("hash", sent.Hash().Hex()),
	)
	return d.tracker.Submitted(ctx, tx.ID, sent.Hash())
}
