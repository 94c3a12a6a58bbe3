// Package contract binds the external referral contract: ABI validation,
// typed reads over eth_call and the two payable/non-payable writes.
package contract

import (
	"context"
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "referral-dapp/internal/errors"
)

// Contract method names.
const (
	MethodFee        = "fee"
	MethodTotalUsers = "totalUsers"
	MethodSignedUp   = "signedUp"
	MethodEarnings   = "earnings"
	MethodUpline     = "upline"
	MethodDownline   = "downline"
	MethodSignUp     = "signUp"
	MethodWithdraw   = "withdraw"
)

// RequiredMethods 列出 ABI 中必须存在的方法。
var RequiredMethods = []string{
	MethodFee, MethodTotalUsers, MethodSignedUp, MethodEarnings,
	MethodUpline, MethodDownline, MethodSignUp, MethodWithdraw,
}

// AccountMethods 是以账户地址为参数的读取方法。
var AccountMethods = []string{MethodSignedUp, MethodEarnings, MethodUpline, MethodDownline}

// GlobalMethods 是无参数的读取方法。
var GlobalMethods = []string{MethodFee, MethodTotalUsers}

// ReferrerPattern 是推荐人地址的格式要求。
const ReferrerPattern = `^0x[a-fA-F0-9]{40}$`

var referrerPattern = regexp.MustCompile(ReferrerPattern)

// ValidReferrer reports whether s is a 0x-prefixed 40 hex digit address.
// Checksums are not enforced.
func ValidReferrer(s string) bool {
	return referrerPattern.MatchString(s)
}

// ValidateReferrer returns INVALID_REFERRER for anything ValidReferrer rejects.
func ValidateReferrer(s string) error {
	if !ValidReferrer(s) {
		return xerrors.New(xerrors.CodeInvalidReferrer, "", xerrors.WithMetadata("referrer", s))
	}
	return nil
}

// Earnings 是 earnings(address) 的返回值。
type Earnings struct {
	TotalEarned  *big.Int `json:"total_earned"`
	Withdrawable *big.Int `json:"withdrawable"`
}

// Referral 是推荐合约的绑定。
type Referral struct {
	address common.Address
	abi     abi.ABI
	backend bind.ContractBackend
	bound   *bind.BoundContract
}

// New 解析 ABI 并校验合约地址与方法集合。
func New(address, abiJSON string, backend bind.ContractBackend) (*Referral, error) {
	if !common.IsHexAddress(address) {
		return nil, xerrors.New(xerrors.CodeInvalidAddress, fmt.Sprintf("invalid contract address %q", address))
	}
	parsed, err := ParseABI(abiJSON)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "合约后端未初始化")
	}
	addr := common.HexToAddress(address)
	return &Referral{
		address: addr,
		abi:     parsed,
		backend: backend,
		bound:   bind.NewBoundContract(addr, parsed, backend, backend, backend),
	}, nil
}

// ParseABI 解析 ABI JSON 并确认所有必需方法存在。
func ParseABI(abiJSON string) (abi.ABI, error) {
	if strings.TrimSpace(abiJSON) == "" {
		return abi.ABI{}, xerrors.New(xerrors.CodeInvalidABI, "contract abi is empty")
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeInvalidABI, err, "")
	}
	var missing []string
	for _, name := range RequiredMethods {
		if _, ok := parsed.Methods[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return abi.ABI{}, xerrors.New(xerrors.CodeInvalidABI,
			"contract abi is missing methods: "+strings.Join(missing, ", "))
	}
	return parsed, nil
}

// Address 返回合约地址。
func (r *Referral) Address() common.Address { return r.address }

// ABI 返回解析后的 ABI。
func (r *Referral) ABI() abi.ABI { return r.abi }

// Fee reads the sign-up fee in wei.
func (r *Referral) Fee(ctx context.Context) (*big.Int, error) {
	out, err := r.call(ctx, MethodFee)
	if err != nil {
		return nil, err
	}
	return toBig(MethodFee, out[0])
}

// TotalUsers reads the number of registered users.
func (r *Referral) TotalUsers(ctx context.Context) (*big.Int, error) {
	out, err := r.call(ctx, MethodTotalUsers)
	if err != nil {
		return nil, err
	}
	return toBig(MethodTotalUsers, out[0])
}

// SignedUp reads whether account has signed up.
func (r *Referral) SignedUp(ctx context.Context, account common.Address) (bool, error) {
	out, err := r.call(ctx, MethodSignedUp, account)
	if err != nil {
		return false, err
	}
	v, ok := out[0].(bool)
	if !ok {
		return false, unexpectedOutput(MethodSignedUp, out[0])
	}
	return v, nil
}

// Earnings reads (totalEarned, withdrawable). Both a two-value return and a
// single tuple return are accepted.
func (r *Referral) Earnings(ctx context.Context, account common.Address) (Earnings, error) {
	out, err := r.call(ctx, MethodEarnings, account)
	if err != nil {
		return Earnings{}, err
	}
	values := out
	if len(out) == 1 {
		rv := reflect.ValueOf(out[0])
		if rv.Kind() == reflect.Struct && rv.NumField() >= 2 {
			values = []any{rv.Field(0).Interface(), rv.Field(1).Interface()}
		}
	}
	if len(values) < 2 {
		return Earnings{}, unexpectedOutput(MethodEarnings, out)
	}
	total, err := toBig(MethodEarnings, values[0])
	if err != nil {
		return Earnings{}, err
	}
	withdrawable, err := toBig(MethodEarnings, values[1])
	if err != nil {
		return Earnings{}, err
	}
	return Earnings{TotalEarned: total, Withdrawable: withdrawable}, nil
}

// Upline reads the referrer of account. The zero address means none.
func (r *Referral) Upline(ctx context.Context, account common.Address) (common.Address, error) {
	out, err := r.call(ctx, MethodUpline, account)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, unexpectedOutput(MethodUpline, out[0])
	}
	return v, nil
}

// Downline reads the per-level referral counts of account.
func (r *Referral) Downline(ctx context.Context, account common.Address) ([]*big.Int, error) {
	out, err := r.call(ctx, MethodDownline, account)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(out[0])
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, unexpectedOutput(MethodDownline, out[0])
	}
	levels := make([]*big.Int, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		n, err := toBig(MethodDownline, rv.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		levels = append(levels, n)
	}
	return levels, nil
}

// Call 按方法名分发读取；账户类方法需要 arg 为账户地址。
func (r *Referral) Call(ctx context.Context, method, arg string) (any, error) {
	switch method {
	case MethodFee:
		return r.Fee(ctx)
	case MethodTotalUsers:
		return r.TotalUsers(ctx)
	}

	if !common.IsHexAddress(arg) {
		return nil, xerrors.New(xerrors.CodeInvalidAddress, fmt.Sprintf("%s requires an account address", method))
	}
	account := common.HexToAddress(arg)
	switch method {
	case MethodSignedUp:
		return r.SignedUp(ctx, account)
	case MethodEarnings:
		return r.Earnings(ctx, account)
	case MethodUpline:
		return r.Upline(ctx, account)
	case MethodDownline:
		return r.Downline(ctx, account)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown read method %q", method))
	}
}

// SignUp 发送 signUp(referrer)，并将 fee 作为交易金额。
func (r *Referral) SignUp(ctx context.Context, opts *bind.TransactOpts, referrer string, fee *big.Int) (*types.Transaction, error) {
	if err := ValidateReferrer(referrer); err != nil {
		return nil, err
	}
	if fee == nil || fee.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeFeeNotLoaded, "")
	}
	if opts == nil {
		return nil, xerrors.New(xerrors.CodeWalletDisconnected, "")
	}
	o := *opts
	o.Context = ctx
	o.Value = new(big.Int).Set(fee)

	tx, err := r.bound.Transact(&o, MethodSignUp, common.HexToAddress(referrer))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletRejected, err, "", xerrors.WithMetadata("method", MethodSignUp))
	}
	return tx, nil
}

// Withdraw 发送 withdraw()。
func (r *Referral) Withdraw(ctx context.Context, opts *bind.TransactOpts) (*types.Transaction, error) {
	if opts == nil {
		return nil, xerrors.New(xerrors.CodeWalletDisconnected, "")
	}
	o := *opts
	o.Context = ctx
	o.Value = nil

	tx, err := r.bound.Transact(&o, MethodWithdraw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletRejected, err, "", xerrors.WithMetadata("method", MethodWithdraw))
	}
	return tx, nil
}

// DecodedCall 是解码后的合约调用数据。
type DecodedCall struct {
	Method   string
	Referrer common.Address
}

// DecodeCall 解析交易数据并确认其为 signUp 或 withdraw。signUp 的推荐人
// 同样需要通过地址校验。
func (r *Referral) DecodeCall(data []byte) (DecodedCall, error) {
	if len(data) < 4 {
		return DecodedCall{}, xerrors.New(xerrors.CodeInvalidArgument, "transaction data too short")
	}
	method, err := r.abi.MethodById(data[:4])
	if err != nil {
		return DecodedCall{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "unknown method selector")
	}
	switch method.Name {
	case MethodWithdraw:
		return DecodedCall{Method: MethodWithdraw}, nil
	case MethodSignUp:
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil || len(args) != 1 {
			return DecodedCall{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed signUp arguments")
		}
		referrer, ok := args[0].(common.Address)
		if !ok {
			return DecodedCall{}, unexpectedOutput(MethodSignUp, args[0])
		}
		if err := ValidateReferrer(referrer.Hex()); err != nil {
			return DecodedCall{}, err
		}
		return DecodedCall{Method: MethodSignUp, Referrer: referrer}, nil
	default:
		return DecodedCall{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("method %q is not a supported write", method.Name))
	}
}

func (r *Referral) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "", xerrors.WithMetadata("method", method))
	}
	msg := gethcore.CallMsg{To: &r.address, Data: input}
	output, err := r.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContractCall, err, "", xerrors.WithMetadata("method", method))
	}
	if len(output) == 0 {
		code, codeErr := r.backend.CodeAt(ctx, r.address, nil)
		if codeErr == nil && len(code) == 0 {
			return nil, xerrors.New(xerrors.CodeContractCall, "no contract code at "+r.address.Hex(),
				xerrors.WithMetadata("method", method), xerrors.WithRetryable(false))
		}
	}
	out, err := r.abi.Unpack(method, output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContractCall, err, "unpack failed", xerrors.WithMetadata("method", method))
	}
	if len(out) == 0 {
		return nil, unexpectedOutput(method, out)
	}
	return out, nil
}

func toBig(method string, v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return new(big.Int), nil
		}
		return new(big.Int).Set(n), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	default:
		return nil, unexpectedOutput(method, v)
	}
}

func unexpectedOutput(method string, v any) error {
	return xerrors.New(xerrors.CodeContractCall,
		fmt.Sprintf("unexpected %s output type %T", method, v),
		xerrors.WithRetryable(false))
}
