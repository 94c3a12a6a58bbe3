package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"referral-dapp/internal/auth"
	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/txtrack"
)

const maxBodyBytes = 64 << 10

// SignUpRequest 是 POST /api/v1/signup 的请求体。
type SignUpRequest struct {
	Referrer string `json:"referrer"`
}

// RelayRequest 携带外部钱包签名后的交易。
type RelayRequest struct {
	Raw string `json:"raw"`
}

type healthBody struct {
	Status   string `json:"status"`
	Contract string `json:"contract,omitempty"`
	Chain    any    `json:"chain,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	if s.dashboard != nil {
		body.Contract = s.dashboard.Contract().Hex()
	}
	if s.chain != nil {
		snapshot, err := s.chain.FetchChainSnapshot(r.Context())
		if err != nil {
			body.Status = "degraded"
			body.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body.Chain = snapshot
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWallet(w http.ResponseWriter, _ *http.Request) {
	if !s.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.dashboard.Wallet())
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	view, err := s.dashboard.View(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var req SignUpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	tx, err := s.dashboard.SignUp(r.Context(), req.Referrer)
	if err != nil {
		s.logger.Warn("注册请求失败",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("user", auth.SubjectName(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, err, tx)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	tx, err := s.dashboard.Withdraw(r.Context())
	if err != nil {
		s.logger.Warn("提现请求失败",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("user", auth.SubjectName(r.Context())),
			slog.Any("error", err),
		)
		writeError(w, err, tx)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var req RelayRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	raw, err := hexutil.Decode(strings.TrimSpace(req.Raw))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "raw must be 0x-prefixed hex"), nil)
		return
	}
	tx, err := s.dashboard.Relay(r.Context(), raw)
	if err != nil {
		writeError(w, err, tx)
		return
	}
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易跟踪未初始化"), nil)
		return
	}
	opts, err := listOptionsFrom(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	txs, err := s.tracker.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if txs == nil {
		txs = []*txtrack.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易跟踪未初始化"), nil)
		return
	}
	opts, err := listOptionsFrom(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	stats, err := s.tracker.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易跟踪未初始化"), nil)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少交易 ID"), nil)
		return
	}
	tx, err := s.tracker.Get(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.dashboard == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "dashboard 未初始化"), nil)
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// listOptionsFrom 解析 limit、offset、status、kind、account 与 order 查询参数。
// status 与 kind 可重复或以逗号分隔。
func listOptionsFrom(r *http.Request) ([]txtrack.ListOption, error) {
	q := r.URL.Query()
	var opts []txtrack.ListOption

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, txtrack.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, txtrack.WithOffset(offset))
	}

	var statuses []txtrack.Status
	for _, value := range splitValues(q["status"]) {
		status := txtrack.Status(value)
		if !txtrack.IsValidStatus(status) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的交易状态: "+value)
		}
		statuses = append(statuses, status)
	}
	if len(statuses) > 0 {
		opts = append(opts, txtrack.WithStatuses(statuses...))
	}

	var kinds []txtrack.Kind
	for _, value := range splitValues(q["kind"]) {
		kind := txtrack.Kind(value)
		if !txtrack.IsValidKind(kind) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的交易类型: "+value)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) > 0 {
		opts = append(opts, txtrack.WithKinds(kinds...))
	}

	if account := strings.TrimSpace(q.Get("account")); account != "" {
		opts = append(opts, txtrack.WithAccount(account))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, txtrack.WithSortOrder(txtrack.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc 或 desc")
	}
	return opts, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
