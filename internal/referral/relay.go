package referral

import (
	"context"
	"log/slog"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"referral-dapp/internal/contract"
	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/query"
	"referral-dapp/internal/txtrack"
)

// Relay broadcasts a transaction signed by an external wallet. Only signUp
// and withdraw calls to the bound contract are accepted, under the same rules
// as SignUp and Withdraw: a valid referrer and the loaded fee as value, or no
// value and a positive withdrawable balance for the sender.
func (d *Dashboard) Relay(ctx context.Context, raw []byte) (*txtrack.Transaction, error) {
	if d.chain == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "relay requires a chain client")
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed signed transaction")
	}
	if signed.To() == nil || *signed.To() != d.contract.Address() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transaction is not addressed to the referral contract")
	}
	sender, err := types.Sender(types.LatestSignerForChainID(signed.ChainId()), signed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "cannot recover transaction sender")
	}
	call, err := d.contract.DecodeCall(signed.Data())
	if err != nil {
		return nil, err
	}

	req := txtrack.TrackRequest{Account: sender.Hex(), Value: signed.Value()}
	switch call.Method {
	case contract.MethodSignUp:
		fee, err := d.loadedFee(ctx)
		if err != nil {
			return nil, err
		}
		if signed.Value().Cmp(fee) != 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "attached value does not match the sign-up fee",
				xerrors.WithMetadata("fee", fee.String()),
				xerrors.WithMetadata("value", signed.Value().String()))
		}
		req.Kind = txtrack.KindSignUp
		req.Referrer = call.Referrer.Hex()
	case contract.MethodWithdraw:
		if signed.Value().Sign() != 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "withdraw does not accept value",
				xerrors.WithMetadata("value", signed.Value().String()))
		}
		if !d.withdrawable(ctx, sender) {
			return nil, xerrors.New(xerrors.CodeWithdrawDisabled, "", xerrors.WithMetadata("account", sender.Hex()))
		}
		req.Kind = txtrack.KindWithdraw
	}

	tx, err := d.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, tx, func(ctx context.Context) (*types.Transaction, error) {
		if _, err := d.chain.SendRawTransactions(ctx, []*types.Transaction{signed}); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeWalletRejected, err, "node refused the signed transaction")
		}
		return signed, nil
	})
}

// WatchEvents subscribes to the contract's logs and invalidates the reads a
// log may have changed: the global reads always, and the account reads of
// every address carried in an indexed topic. It blocks until ctx is done or
// the subscription fails.
func (d *Dashboard) WatchEvents(ctx context.Context) error {
	if d.chain == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "event watching requires a chain client")
	}
	sub, err := d.chain.SubscribeEvents(ctx, gethcore.FilterQuery{Addresses: []common.Address{d.contract.Address()}})
	if err != nil {
		return err
	}
	defer sub.Close()

	d.logger.Info("开始监听合约事件", slog.String("contract", d.contract.Address().Hex()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeContractCall, err, "event subscription closed")
		case lg, ok := <-sub.Logs():
			if !ok {
				return nil
			}
			d.handleLog(ctx, lg)
		}
	}
}

func (d *Dashboard) handleLog(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}
	keys := []query.Key{d.reads.Key(contract.MethodTotalUsers, "")}
	// topic[0] 为事件签名，其余 indexed 参数若是地址则高 12 字节为零。
	for i := 1; i < len(lg.Topics); i++ {
		topic := lg.Topics[i]
		if !isAddressTopic(topic) {
			continue
		}
		addr := common.BytesToAddress(topic.Bytes())
		for _, m := range contract.AccountMethods {
			keys = append(keys, d.reads.Key(m, addr.Hex()))
		}
	}
	invalidateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.reads.Invalidate(invalidateCtx, keys...); err != nil {
		d.logger.Warn("事件触发的缓存刷新失败", slog.Any("error", err), slog.Uint64("block", lg.BlockNumber))
	}
}

func isAddressTopic(topic common.Hash) bool {
	for _, b := range topic[:12] {
		if b != 0 {
			return false
		}
	}
	return topic != (common.Hash{})
}
