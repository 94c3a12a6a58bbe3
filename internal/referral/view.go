package referral

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"referral-dapp/internal/contract"
	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/query"
	"referral-dapp/internal/txtrack"
	"referral-dapp/internal/units"
	"referral-dapp/internal/wallet"
)

// Button labels and notices shown next to the write controls.
const (
	LabelSignUp      = "Sign Up"
	LabelSigningUp   = "Signing Up..."
	LabelWithdraw    = "Withdraw"
	LabelWithdrawing = "Withdrawing..."

	NoticeSignedUp  = "Successfully signed up!"
	NoticeWithdrawn = "Successfully withdrawn!"

	// DisplayNone 用于已加载但为空的地址或列表。
	DisplayNone = "None"
)

// Field is one independently loaded read as rendered on the page.
type Field struct {
	State   query.State `json:"state"`
	Value   any         `json:"value,omitempty"`
	Display string      `json:"display"`
	Error   string      `json:"error,omitempty"`
}

// Control describes one write button.
type Control struct {
	Enabled bool   `json:"enabled"`
	Busy    bool   `json:"busy"`
	Label   string `json:"label"`
	// Notice is the success or failure line of the latest transaction.
	Notice string `json:"notice,omitempty"`
}

// View is the dashboard as seen by one account.
type View struct {
	Contract string       `json:"contract"`
	Symbol   string       `json:"symbol"`
	Places   int32        `json:"places"`
	Wallet   wallet.State `json:"wallet"`
	Account  string       `json:"account,omitempty"`

	Fee          Field `json:"fee"`
	TotalUsers   Field `json:"total_users"`
	SignedUp     Field `json:"signed_up"`
	TotalEarned  Field `json:"total_earned"`
	Withdrawable Field `json:"withdrawable"`
	Upline       Field `json:"upline"`
	Downline     Field `json:"downline"`

	SignUp   Control `json:"sign_up"`
	Withdraw Control `json:"withdraw"`

	LastSignUp   *txtrack.Transaction `json:"last_sign_up,omitempty"`
	LastWithdraw *txtrack.Transaction `json:"last_withdraw,omitempty"`
}

// View composes every read for account without waiting on the chain. An
// empty account falls back to the connected wallet; with neither, account
// reads are absent and render as their zero value.
func (d *Dashboard) View(ctx context.Context, account string) (View, error) {
	state := wallet.Describe(d.wallet)
	account = strings.TrimSpace(account)
	if account == "" {
		account = state.Account
	}
	if account != "" {
		if !common.IsHexAddress(account) {
			return View{}, xerrors.New(xerrors.CodeInvalidAddress, "", xerrors.WithMetadata("account", account))
		}
		account = common.HexToAddress(account).Hex()
	}

	v := View{
		Contract: d.contract.Address().Hex(),
		Symbol:   d.symbol,
		Places:   d.places,
		Wallet:   state,
		Account:  account,
	}

	fee := d.reads.Get(ctx, d.reads.Key(contract.MethodFee, ""))
	v.Fee = d.amountField(fee, func(val any) *big.Int { return asBig(val) })
	v.TotalUsers = countField(d.reads.Get(ctx, d.reads.Key(contract.MethodTotalUsers, "")))

	earnings := d.reads.Get(ctx, d.reads.Key(contract.MethodEarnings, account))
	v.SignedUp = signedUpField(d.reads.Get(ctx, d.reads.Key(contract.MethodSignedUp, account)))
	v.TotalEarned = d.amountField(earnings, func(val any) *big.Int { return asEarnings(val).TotalEarned })
	v.Withdrawable = d.amountField(earnings, func(val any) *big.Int { return asEarnings(val).Withdrawable })
	v.Upline = uplineField(d.reads.Get(ctx, d.reads.Key(contract.MethodUpline, account)))
	v.Downline = downlineField(d.reads.Get(ctx, d.reads.Key(contract.MethodDownline, account)))

	if account != "" {
		var err error
		if v.LastSignUp, err = d.tracker.Latest(ctx, account, txtrack.KindSignUp); err != nil {
			d.logger.Warn("查询最近注册交易失败", slog.Any("error", err))
		}
		if v.LastWithdraw, err = d.tracker.Latest(ctx, account, txtrack.KindWithdraw); err != nil {
			d.logger.Warn("查询最近提现交易失败", slog.Any("error", err))
		}
	}

	// 只有查看自己的账户且钱包可签名时才能发起写操作。
	canWrite := state.CanSign && account != "" && strings.EqualFold(account, state.Account)
	signUpBusy := v.LastSignUp.Busy()
	withdrawBusy := v.LastWithdraw.Busy()

	v.SignUp = Control{
		Enabled: canWrite && !signUpBusy && fee.Resolved(),
		Busy:    signUpBusy,
		Label:   label(signUpBusy, LabelSignUp, LabelSigningUp),
		Notice:  notice(v.LastSignUp, NoticeSignedUp),
	}
	withdrawable := earnings.Resolved() && units.IsPositive(asEarnings(earnings.Value).Withdrawable)
	v.Withdraw = Control{
		Enabled: canWrite && !withdrawBusy && withdrawable,
		Busy:    withdrawBusy,
		Label:   label(withdrawBusy, LabelWithdraw, LabelWithdrawing),
		Notice:  notice(v.LastWithdraw, NoticeWithdrawn),
	}
	return v, nil
}

// FormatAmount renders a smallest-unit amount with the configured places.
func (d *Dashboard) FormatAmount(v *big.Int) string {
	return units.FormatEther(v, d.places)
}

func (d *Dashboard) amountField(res query.Result, pick func(any) *big.Int) Field {
	f := baseField(res)
	var amount *big.Int
	if res.Resolved() {
		amount = pick(res.Value)
		if amount != nil {
			f.Value = amount.String()
		}
	}
	if res.State != query.StateLoading {
		f.Display = d.FormatAmount(amount) + " " + d.symbol
	}
	return f
}

func countField(res query.Result) Field {
	f := baseField(res)
	n := big.NewInt(0)
	if v := asBig(res.Value); res.Resolved() && v != nil {
		n = v
		f.Value = v.String()
	}
	if res.State != query.StateLoading {
		f.Display = n.String()
	}
	return f
}

func signedUpField(res query.Result) Field {
	f := baseField(res)
	signed, _ := res.Value.(bool)
	if res.Resolved() {
		f.Value = signed
	}
	if res.State != query.StateLoading {
		f.Display = "No"
		if signed {
			f.Display = "Yes"
		}
	}
	return f
}

func uplineField(res query.Result) Field {
	f := baseField(res)
	if res.State == query.StateLoading {
		return f
	}
	f.Display = DisplayNone
	if addr, ok := res.Value.(common.Address); ok && res.Resolved() && addr != (common.Address{}) {
		f.Value = addr.Hex()
		f.Display = addr.Hex()
	}
	return f
}

func downlineField(res query.Result) Field {
	f := baseField(res)
	levels, _ := res.Value.([]*big.Int)
	if res.Resolved() {
		counts := make([]string, 0, len(levels))
		for _, n := range levels {
			if n == nil {
				n = big.NewInt(0)
			}
			counts = append(counts, n.String())
		}
		f.Value = counts
		f.Display = strings.Join(counts, ", ")
	}
	if res.State != query.StateLoading && f.Display == "" {
		f.Display = DisplayNone
	}
	return f
}

func baseField(res query.Result) Field {
	return Field{State: res.State, Error: res.Error}
}

func asBig(v any) *big.Int {
	n, _ := v.(*big.Int)
	return n
}

func asEarnings(v any) contract.Earnings {
	e, _ := v.(contract.Earnings)
	return e
}

func label(busy bool, idle, pending string) string {
	if busy {
		return pending
	}
	return idle
}

func notice(tx *txtrack.Transaction, success string) string {
	if tx == nil {
		return ""
	}
	switch tx.Status {
	case txtrack.StatusConfirmed:
		return success
	case txtrack.StatusFailed:
		msg := xerrors.AttributesOf(xerrors.Code(tx.ErrorCode)).Message
		if tx.ErrorCode == "" {
			msg = tx.LastError
		}
		return "Transaction failed: " + msg
	default:
		return ""
	}
}
