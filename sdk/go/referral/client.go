// Package referral is a Go client for the referrald REST API.
package referral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Transaction statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the referrald REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Transaction is a tracked contract write.
type Transaction struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Account     string `json:"account"`
	Referrer    string `json:"referrer,omitempty"`
	Value       string `json:"value"`
	Hash        string `json:"hash,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxPolls    int    `json:"max_polls"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Settled reports whether the transaction reached confirmed or failed.
func (t Transaction) Settled() bool {
	return t.Status == StatusConfirmed || t.Status == StatusFailed
}

// Stats summarises tracked transactions by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Submitted       int   `json:"submitted"`
	Confirmed       int   `json:"confirmed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Wallet describes the connector configured on the server.
type Wallet struct {
	Connected bool   `json:"connected"`
	Account   string `json:"account,omitempty"`
	CanSign   bool   `json:"can_sign"`
	Kind      string `json:"kind"`
}

// Field is one contract read. State is loading, resolved, failed or absent.
type Field struct {
	State   string `json:"state"`
	Value   any    `json:"value,omitempty"`
	Display string `json:"display"`
	Error   string `json:"error,omitempty"`
}

// Control describes a write button.
type Control struct {
	Enabled bool   `json:"enabled"`
	Busy    bool   `json:"busy"`
	Label   string `json:"label"`
	Notice  string `json:"notice,omitempty"`
}

// Dashboard is the server-side view of one account.
type Dashboard struct {
	Contract     string       `json:"contract"`
	Symbol       string       `json:"symbol"`
	Places       int32        `json:"places"`
	Wallet       Wallet       `json:"wallet"`
	Account      string       `json:"account,omitempty"`
	Fee          Field        `json:"fee"`
	TotalUsers   Field        `json:"total_users"`
	SignedUp     Field        `json:"signed_up"`
	TotalEarned  Field        `json:"total_earned"`
	Withdrawable Field        `json:"withdrawable"`
	Upline       Field        `json:"upline"`
	Downline     Field        `json:"downline"`
	SignUp       Control      `json:"sign_up"`
	Withdraw     Control      `json:"withdraw"`
	LastSignUp   *Transaction `json:"last_sign_up,omitempty"`
	LastWithdraw *Transaction `json:"last_withdraw,omitempty"`
}

// ListFilter narrows ListTransactions and TransactionStats.
type ListFilter struct {
	Limit     int
	Offset    int
	Statuses  []string
	Kinds     []string
	Account   string
	Ascending bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode  int
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Alert       string            `json:"alert,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Transaction *Transaction      `json:"transaction,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("referral api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("referral api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the referrald API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with write requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Wallet returns the server's wallet connector state.
func (c *Client) Wallet(ctx context.Context) (Wallet, error) {
	var w Wallet
	err := c.get(ctx, "/api/v1/wallet", nil, &w)
	return w, err
}

// Dashboard returns the view for account, or for the server's wallet account
// when account is empty.
func (c *Client) Dashboard(ctx context.Context, account string) (Dashboard, error) {
	var q url.Values
	if account != "" {
		q = url.Values{"account": {account}}
	}
	var d Dashboard
	err := c.get(ctx, "/api/v1/dashboard", q, &d)
	return d, err
}

// SignUp submits signUp(referrer) carrying the loaded fee.
func (c *Client) SignUp(ctx context.Context, referrer string) (Transaction, error) {
	var tx Transaction
	err := c.post(ctx, "/api/v1/signup", map[string]string{"referrer": referrer}, &tx)
	return tx, err
}

// Withdraw submits withdraw().
func (c *Client) Withdraw(ctx context.Context) (Transaction, error) {
	var tx Transaction
	err := c.post(ctx, "/api/v1/withdraw", struct{}{}, &tx)
	return tx, err
}

// Relay broadcasts a transaction signed elsewhere. raw is 0x-prefixed hex.
func (c *Client) Relay(ctx context.Context, raw string) (Transaction, error) {
	var tx Transaction
	err := c.post(ctx, "/api/v1/relay", map[string]string{"raw": raw}, &tx)
	return tx, err
}

// GetTransaction fetches a tracked transaction by identifier.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	var tx Transaction
	err := c.get(ctx, "/api/v1/transactions/"+id, nil, &tx)
	return tx, err
}

// ListTransactions returns tracked transactions, newest first unless
// filter.Ascending is set.
func (c *Client) ListTransactions(ctx context.Context, filter ListFilter) ([]Transaction, error) {
	var txs []Transaction
	err := c.get(ctx, "/api/v1/transactions", filter.values(), &txs)
	return txs, err
}

// TransactionStats returns counts per status.
func (c *Client) TransactionStats(ctx context.Context, filter ListFilter) (Stats, error) {
	var stats Stats
	err := c.get(ctx, "/api/v1/transactions/stats", filter.values(), &stats)
	return stats, err
}

// WaitForTransaction polls until the transaction settles or ctx is done.
func (c *Client) WaitForTransaction(ctx context.Context, id string, interval time.Duration) (Transaction, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		tx, err := c.GetTransaction(ctx, id)
		if err != nil {
			return Transaction{}, err
		}
		if tx.Settled() {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return tx, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f ListFilter) values() url.Values {
	q := url.Values{}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	for _, s := range f.Statuses {
		q.Add("status", s)
	}
	for _, k := range f.Kinds {
		q.Add("kind", k)
	}
	if f.Account != "" {
		q.Set("account", f.Account)
	}
	if f.Ascending {
		q.Set("order", "asc")
	}
	return q
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// AsAPIError extracts an *APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
