package api

import (
	"encoding/json"
	"net/http"

	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/txtrack"
)

// errorBody 是所有错误响应的 JSON 结构。
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Alert    string            `json:"alert,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Transaction 在钱包拒绝时携带已标记为 failed 的记录。
	Transaction *txtrack.Transaction `json:"transaction,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, tx *txtrack.Transaction) {
	body := errorBody{Code: string(xerrors.CodeUnknown), Message: err.Error(), Transaction: tx}
	if e, ok := xerrors.From(err); ok {
		body.Code = string(e.Code())
		body.Message = e.Message()
		body.Metadata = e.Metadata()
	}
	if body.Code == string(xerrors.CodeInvalidReferrer) {
		body.Alert = body.Message
	}
	writeJSON(w, statusFor(xerrors.Code(body.Code)), body)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidReferrer, xerrors.CodeInvalidAddress:
		return http.StatusBadRequest
	case xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case xerrors.CodeWalletReadOnly:
		return http.StatusForbidden
	case xerrors.CodeNotFound, xerrors.CodeTxNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeWithdrawDisabled, txtrack.CodeTxConflict, txtrack.CodeTxSettled:
		return http.StatusConflict
	case xerrors.CodeWalletRejected, xerrors.CodeContractCall:
		return http.StatusBadGateway
	case xerrors.CodeFeeNotLoaded, xerrors.CodeWalletDisconnected, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout, xerrors.CodeTxTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
