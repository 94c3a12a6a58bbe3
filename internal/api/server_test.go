package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"

	"referral-dapp/internal/auth"
	"referral-dapp/internal/config"
	"referral-dapp/internal/contract"
	xerrors "referral-dapp/internal/errors"
	"referral-dapp/internal/query"
	"referral-dapp/internal/referral"
	"referral-dapp/internal/txtrack"
	"referral-dapp/internal/wallet"
	"referral-dapp/internal/web3"
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

type staticReads struct {
	mu     sync.Mutex
	values map[string]any
}

func (s *staticReads) set(method, arg string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[strings.ToLower(method+":"+arg)] = v
}

func (s *staticReads) Call(_ context.Context, method, arg string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[strings.ToLower(method+":"+arg)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeContractCall, "no value")
	}
	return v, nil
}

type fakeChain struct{ err error }

func (p fakeChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if p.err != nil {
		return web3.ChainSnapshot{}, p.err
	}
	return web3.ChainSnapshot{Name: "sim", ChainID: "1337", BlockNumber: "0x1"}, nil
}

type harness struct {
	server  *Server
	handler http.Handler
	reads   *staticReads
	store   *query.Store
	tracker *txtrack.Service
	account common.Address
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	account := crypto.PubkeyToAddress(key.PublicKey)
	sim := simulated.NewBackend(types.GenesisAlloc{account: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(params.Ether))}})
	t.Cleanup(func() { _ = sim.Close() })

	chainID, err := sim.Client().ChainID(context.Background())
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	ref, err := contract.New(contractAddr, testABI, sim.Client())
	if err != nil {
		t.Fatalf("bind contract: %v", err)
	}
	connector, err := wallet.NewKeyConnector(hex.EncodeToString(crypto.FromECDSA(key)), chainID)
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	connector.WithGasLimit(100000)

	reads := &staticReads{values: make(map[string]any)}
	store := query.NewStore(ref.Address(), reads, query.WithAccountMethods(contract.AccountMethods...))
	t.Cleanup(func() { _ = store.Close() })
	tracker := txtrack.NewService(txtrack.NewMemoryStore(), txtrack.NewMemoryQueue(16), 10)

	dash, err := referral.New(ref, store, connector, tracker)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	srv := NewServer(":0", dash, tracker, opts...)
	return &harness{server: srv, handler: srv.Handler(), reads: reads, store: store, tracker: tracker, account: account}
}

func (h *harness) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) resolve(t *testing.T, method, arg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if res := h.store.Resolve(ctx, h.store.Key(method, arg)); !res.Resolved() {
		t.Fatalf("%s(%s) not resolved: %+v", method, arg, res)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSignUpRejectsInvalidReferrer(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/signup", `{"referrer":"0x123"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decode[errorBody](t, rec)
	if body.Code != string(xerrors.CodeInvalidReferrer) || body.Alert != "Please enter a valid referrer address" {
		t.Fatalf("unexpected body %+v", body)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/signup", `{"referrer":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestSignUpAcceptedAndListed(t *testing.T) {
	h := newHarness(t)
	h.reads.set(contract.MethodFee, "", big.NewInt(params.GWei))
	h.resolve(t, contract.MethodFee, "")

	rec := h.do(t, http.MethodPost, "/api/v1/signup", `{"referrer":"0x00000000000000000000000000000000000000aa"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	tx := decode[txtrack.Transaction](t, rec)
	if tx.Status != txtrack.StatusSubmitted || tx.Value != big.NewInt(params.GWei).String() {
		t.Fatalf("unexpected tx %+v", tx)
	}

	rec = h.do(t, http.MethodPost, "/api/v1/signup", `{"referrer":"0x00000000000000000000000000000000000000aa"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/transactions/"+tx.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: expected 200, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/api/v1/transactions?status=submitted&kind=signUp&limit=5", "")
	if list := decode[[]txtrack.Transaction](t, rec); len(list) != 1 || list[0].ID != tx.ID {
		t.Fatalf("unexpected list %+v", list)
	}
	rec = h.do(t, http.MethodGet, "/api/v1/transactions/stats", "")
	if stats := decode[txtrack.Stats](t, rec); stats.Total != 1 || stats.Submitted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestWithdrawDisabledIsConflict(t *testing.T) {
	h := newHarness(t)
	h.reads.set(contract.MethodEarnings, h.account.Hex(), contract.Earnings{TotalEarned: big.NewInt(5), Withdrawable: big.NewInt(0)})
	h.resolve(t, contract.MethodEarnings, h.account.Hex())

	rec := h.do(t, http.MethodPost, "/api/v1/withdraw", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body := decode[errorBody](t, rec); body.Code != string(xerrors.CodeWithdrawDisabled) {
		t.Fatalf("unexpected code %s", body.Code)
	}
}

func TestDashboardView(t *testing.T) {
	h := newHarness(t)
	h.reads.set(contract.MethodFee, "", big.NewInt(params.Ether))
	h.resolve(t, contract.MethodFee, "")

	rec := h.do(t, http.MethodGet, "/api/v1/dashboard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decode[referral.View](t, rec)
	if view.Fee.Display != "1.000 ETH" {
		t.Fatalf("unexpected fee display %q", view.Fee.Display)
	}
	if !view.SignUp.Enabled || view.Withdraw.Enabled {
		t.Fatalf("unexpected controls %+v %+v", view.SignUp, view.Withdraw)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/dashboard?account=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed account, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "1.000 ETH") {
		t.Fatalf("page missing fee: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `id="token"`) {
		t.Fatal("token input must be hidden when auth is disabled")
	}
}

func TestTransactionQueryValidation(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{
		"/api/v1/transactions?limit=0",
		"/api/v1/transactions?status=lost",
		"/api/v1/transactions?kind=mint",
		"/api/v1/transactions?order=sideways",
	} {
		if rec := h.do(t, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/transactions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRelayRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/relay", `{"raw":"zz"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, WithChainChecker(fakeChain{}))
	rec := h.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"chain_id":"1337"`) {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}

	h = newHarness(t, WithChainChecker(fakeChain{err: errors.New("rpc down")}))
	if rec := h.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestWritesRequireToken(t *testing.T) {
	svc, err := auth.NewService(config.AuthConfig{Enabled: true, Secret: "0123456789abcdef0123456789abcdef", Issuer: "referrald", TokenTTLMinutes: 5})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	h := newHarness(t, WithAuth(svc), WithMetricsPath("/metrics"))

	if rec := h.do(t, http.MethodPost, "/api/v1/signup", `{"referrer":"0x1"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	token, _, err := svc.Issue("operator", auth.ScopeWrite)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := h.do(t, http.MethodPost, "/api/v1/signup", `{"referrer":"0x1"}`, "Authorization", "Bearer "+token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected validation to run after auth, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/dashboard", ""); rec.Code != http.StatusOK {
		t.Fatalf("reads stay public, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "referral_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `id="token"`) {
		t.Fatalf("page must offer a token input when writes are guarded: %d", rec.Code)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeInvalidReferrer:  http.StatusBadRequest,
		xerrors.CodeWithdrawDisabled: http.StatusConflict,
		xerrors.CodeFeeNotLoaded:     http.StatusServiceUnavailable,
		xerrors.CodeWalletReadOnly:   http.StatusForbidden,
		xerrors.CodeWalletRejected:   http.StatusBadGateway,
		xerrors.CodeTxNotFound:       http.StatusNotFound,
		xerrors.CodeStorageFailure:   http.StatusInternalServerError,
		txtrack.CodeTxConflict:       http.StatusConflict,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Errorf("%s: expected %d, got %d", code, want, got)
		}
	}
}
