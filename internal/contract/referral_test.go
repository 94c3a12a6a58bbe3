package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	xerrors "referral-dapp/internal/errors"
)

const testABI = `[
 {"type":"function","name":"fee","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
 {"type":"function","name":"totalUsers","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
 {"type":"function","name":"signedUp","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
 {"type":"function","name":"earnings","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"totalEarned","type":"uint256"},{"name":"withdrawable","type":"uint256"}],"stateMutability":"view"},
 {"type":"function","name":"upline","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
 {"type":"function","name":"downline","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}],"stateMutability":"view"},
 {"type":"function","name":"signUp","inputs":[{"name":"referrer","type":"address"}],"outputs":[],"stateMutability":"payable"},
 {"type":"function","name":"withdraw","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
]`

const contractAddr = "0x00000000000000000000000000000000000000c0"

// fakeBackend answers eth_call with outputs packed from canned values.
type fakeBackend struct {
	bind.ContractBackend
	abi     abi.ABI
	results map[string][]any
	err     error
	calls   int
}

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(f.results[method.Name]...)
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func newFake(t *testing.T, abiJSON string) (*Referral, *fakeBackend) {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	backend := &fakeBackend{abi: parsed, results: map[string][]any{}}
	ref, err := New(contractAddr, abiJSON, backend)
	if err != nil {
		t.Fatalf("new referral: %v", err)
	}
	return ref, backend
}

func TestValidReferrer(t *testing.T) {
	cases := map[string]bool{
		"0x00000000000000000000000000000000000000aa": true,
		"0xABCDEFabcdef0123456789ABCDEFabcdef012345": true,
		"":                                          false,
		"0x":                                        false,
		"00000000000000000000000000000000000000aa":   false,
		"0x00000000000000000000000000000000000000a":  false,
		"0x00000000000000000000000000000000000000aaa": false,
		"0x00000000000000000000000000000000000000zz": false,
		" 0x00000000000000000000000000000000000000aa": false,
	}
	for input, want := range cases {
		if got := ValidReferrer(input); got != want {
			t.Errorf("ValidReferrer(%q) = %v, want %v", input, got, want)
		}
	}
	err := ValidateReferrer("bogus")
	if !xerrors.HasCode(err, xerrors.CodeInvalidReferrer) {
		t.Fatalf("expected invalid referrer code, got %v", err)
	}
	if e, _ := xerrors.From(err); e.Message() != "Please enter a valid referrer address" {
		t.Fatalf("unexpected alert text %q", e.Message())
	}
}

func TestParseABIRequiresMethods(t *testing.T) {
	if _, err := ParseABI(`{not json`); !xerrors.HasCode(err, xerrors.CodeInvalidABI) {
		t.Fatalf("expected invalid abi, got %v", err)
	}
	if _, err := ParseABI(""); !xerrors.HasCode(err, xerrors.CodeInvalidABI) {
		t.Fatalf("expected invalid abi for empty input, got %v", err)
	}
	partial := `[{"type":"function","name":"fee","inputs":[],"outputs":[{"type":"uint256"}],"stateMutability":"view"}]`
	_, err := ParseABI(partial)
	if !xerrors.HasCode(err, xerrors.CodeInvalidABI) || !strings.Contains(err.Error(), "withdraw") {
		t.Fatalf("expected missing methods error, got %v", err)
	}
	if _, err := New("0x1234", testABI, &fakeBackend{}); !xerrors.HasCode(err, xerrors.CodeInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestTypedReads(t *testing.T) {
	ref, backend := newFake(t, testABI)
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	upline := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	wei := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	backend.results["fee"] = []any{wei}
	backend.results["totalUsers"] = []any{big.NewInt(42)}
	backend.results["signedUp"] = []any{true}
	backend.results["earnings"] = []any{big.NewInt(5), big.NewInt(3)}
	backend.results["upline"] = []any{upline}
	backend.results["downline"] = []any{[]*big.Int{big.NewInt(2), big.NewInt(7)}}

	ctx := context.Background()
	fee, err := ref.Fee(ctx)
	if err != nil || fee.Cmp(wei) != 0 {
		t.Fatalf("fee = %v, %v", fee, err)
	}
	total, err := ref.TotalUsers(ctx)
	if err != nil || total.Int64() != 42 {
		t.Fatalf("total users = %v, %v", total, err)
	}
	signed, err := ref.SignedUp(ctx, account)
	if err != nil || !signed {
		t.Fatalf("signed up = %v, %v", signed, err)
	}
	earnings, err := ref.Earnings(ctx, account)
	if err != nil || earnings.TotalEarned.Int64() != 5 || earnings.Withdrawable.Int64() != 3 {
		t.Fatalf("earnings = %+v, %v", earnings, err)
	}
	up, err := ref.Upline(ctx, account)
	if err != nil || up != upline {
		t.Fatalf("upline = %s, %v", up.Hex(), err)
	}
	down, err := ref.Downline(ctx, account)
	if err != nil || len(down) != 2 || down[1].Int64() != 7 {
		t.Fatalf("downline = %v, %v", down, err)
	}

	v, err := ref.Call(ctx, MethodEarnings, account.Hex())
	if err != nil {
		t.Fatalf("generic call: %v", err)
	}
	if _, ok := v.(Earnings); !ok {
		t.Fatalf("unexpected generic value %T", v)
	}
	if _, err := ref.Call(ctx, MethodSignedUp, ""); !xerrors.HasCode(err, xerrors.CodeInvalidAddress) {
		t.Fatalf("expected invalid address for empty account, got %v", err)
	}
}

func TestEarningsTupleOutput(t *testing.T) {
	tupleABI := strings.Replace(testABI,
		`"outputs":[{"name":"totalEarned","type":"uint256"},{"name":"withdrawable","type":"uint256"}]`,
		`"outputs":[{"name":"","type":"tuple","components":[{"name":"totalEarned","type":"uint256"},{"name":"withdrawable","type":"uint256"}]}]`, 1)
	ref, backend := newFake(t, tupleABI)
	backend.results["earnings"] = []any{struct {
		TotalEarned  *big.Int
		Withdrawable *big.Int
	}{big.NewInt(9), big.NewInt(4)}}

	earnings, err := ref.Earnings(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}
	if earnings.TotalEarned.Int64() != 9 || earnings.Withdrawable.Int64() != 4 {
		t.Fatalf("unexpected earnings %+v", earnings)
	}
}

func TestReadFailureIsRetryable(t *testing.T) {
	ref, backend := newFake(t, testABI)
	backend.err = errors.New("connection refused")

	_, err := ref.Fee(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeContractCall) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable contract call error, got %v", err)
	}
}

func TestSignUpRejectsInvalidReferrerWithoutSending(t *testing.T) {
	ref, backend := newFake(t, testABI)
	_, err := ref.SignUp(context.Background(), &bind.TransactOpts{}, "0x123", big.NewInt(1))
	if !xerrors.HasCode(err, xerrors.CodeInvalidReferrer) {
		t.Fatalf("expected invalid referrer, got %v", err)
	}
	if backend.calls != 0 {
		t.Fatalf("expected no backend interaction, got %d", backend.calls)
	}
	if _, err := ref.SignUp(context.Background(), &bind.TransactOpts{}, contractAddr, nil); !xerrors.HasCode(err, xerrors.CodeFeeNotLoaded) {
		t.Fatalf("expected fee not loaded, got %v", err)
	}
}

func TestDecodeCall(t *testing.T) {
	ref, _ := newFake(t, testABI)
	referrer := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	data, err := ref.ABI().Pack(MethodSignUp, referrer)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	call, err := ref.DecodeCall(data)
	if err != nil || call.Method != MethodSignUp || call.Referrer != referrer {
		t.Fatalf("decode signUp = %+v, %v", call, err)
	}

	data, _ = ref.ABI().Pack(MethodWithdraw)
	if call, err := ref.DecodeCall(data); err != nil || call.Method != MethodWithdraw {
		t.Fatalf("decode withdraw = %+v, %v", call, err)
	}

	data, _ = ref.ABI().Pack(MethodFee)
	if _, err := ref.DecodeCall(data); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected read method to be rejected, got %v", err)
	}
	if _, err := ref.DecodeCall([]byte{1, 2}); err == nil {
		t.Fatal("expected short data to be rejected")
	}
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue(MethodFee, []byte(`1000000000000000000`))
	if err != nil {
		t.Fatalf("decode fee: %v", err)
	}
	if v.(*big.Int).String() != "1000000000000000000" {
		t.Fatalf("unexpected fee %v", v)
	}
	v, err = DecodeValue(MethodEarnings, []byte(`{"total_earned":5,"withdrawable":0}`))
	if err != nil || v.(Earnings).Withdrawable.Sign() != 0 {
		t.Fatalf("decode earnings = %v, %v", v, err)
	}
	if _, err := DecodeValue("nope", nil); err == nil {
		t.Fatal("expected unknown method error")
	}
}
