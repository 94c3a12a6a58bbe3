package query

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000c0")

const testAccount = "0x00000000000000000000000000000000000000aa"

type stubFetcher struct {
	mu      sync.Mutex
	values  map[string]any
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func (f *stubFetcher) Call(ctx context.Context, method, arg string) (any, error) {
	f.calls.Add(1)
	// The value is captured before blocking so a released fetch returns what
	// the chain held when the read started.
	f.mu.Lock()
	value, err := f.values[method], f.err
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (f *stubFetcher) set(method string, v any) {
	f.mu.Lock()
	f.values[method] = v
	f.mu.Unlock()
}

func newTestStore(f *stubFetcher) *Store {
	return NewStore(testContract, f, WithAccountMethods("signedUp", "earnings"), WithTimeout(time.Second))
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestGetReportsLoadingThenResolved(t *testing.T) {
	f := &stubFetcher{values: map[string]any{"fee": big.NewInt(7)}}
	store := newTestStore(f)
	defer store.Close()

	ctx := context.Background()
	key := store.Key("fee", "")
	if res := store.Get(ctx, key); res.State != StateLoading {
		t.Fatalf("expected loading on first get, got %s", res.State)
	}
	waitFor(t, func() bool { return store.Get(ctx, key).State == StateResolved })

	res := store.Get(ctx, key)
	if res.Value.(*big.Int).Int64() != 7 {
		t.Fatalf("unexpected value %v", res.Value)
	}
}

func TestGetDeduplicatesFetches(t *testing.T) {
	f := &stubFetcher{values: map[string]any{"fee": big.NewInt(1)}, release: make(chan struct{})}
	store := newTestStore(f)
	defer store.Close()

	ctx := context.Background()
	key := store.Key("fee", "")
	for i := 0; i < 10; i++ {
		if res := store.Get(ctx, key); res.State != StateLoading {
			t.Fatalf("expected loading, got %s", res.State)
		}
	}
	close(f.release)
	waitFor(t, func() bool { return store.Get(ctx, key).State == StateResolved })
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("expected a single fetch, got %d", n)
	}
}

func TestAccountReadsWithoutAccountAreAbsent(t *testing.T) {
	f := &stubFetcher{values: map[string]any{}}
	store := newTestStore(f)
	defer store.Close()

	for _, arg := range []string{"", "0x0000000000000000000000000000000000000000", "junk"} {
		if res := store.Get(context.Background(), store.Key("earnings", arg)); res.State != StateAbsent {
			t.Fatalf("arg %q: expected absent, got %s", arg, res.State)
		}
	}
	if f.calls.Load() != 0 {
		t.Fatal("absent reads must not hit the chain")
	}
}

func TestFailedReadIsRetried(t *testing.T) {
	f := &stubFetcher{values: map[string]any{"totalUsers": big.NewInt(3)}, err: errors.New("node down")}
	store := newTestStore(f)
	defer store.Close()

	ctx := context.Background()
	key := store.Key("totalUsers", "")
	res := store.Resolve(ctx, key)
	if res.State != StateFailed || res.Error == "" {
		t.Fatalf("expected failed, got %+v", res)
	}
	if got := store.Get(ctx, key); got.State != StateFailed {
		t.Fatalf("expected failure to be reported, got %s", got.State)
	}

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	waitFor(t, func() bool { return store.Get(ctx, key).State == StateResolved })
}

func TestInvalidateRefreshesValue(t *testing.T) {
	f := &stubFetcher{values: map[string]any{"signedUp": false}}
	store := newTestStore(f)
	defer store.Close()

	ctx := context.Background()
	key := store.Key("signedUp", testAccount)
	if res := store.Resolve(ctx, key); res.Value != false {
		t.Fatalf("unexpected initial value %+v", res)
	}

	f.set("signedUp", true)
	if err := store.InvalidateAccount(ctx, common.HexToAddress(testAccount)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if res := store.Get(ctx, key); res.State != StateLoading {
		t.Fatalf("expected loading after invalidation, got %s", res.State)
	}
	waitFor(t, func() bool {
		res := store.Get(ctx, key)
		return res.State == StateResolved && res.Value == true
	})
}

func TestStaleFetchDoesNotOverwriteInvalidation(t *testing.T) {
	f := &stubFetcher{values: map[string]any{"fee": big.NewInt(1)}, release: make(chan struct{})}
	store := newTestStore(f)
	defer store.Close()

	ctx := context.Background()
	key := store.Key("fee", "")
	store.Get(ctx, key)
	waitFor(t, func() bool { return f.calls.Load() == 1 })

	// The first fetch is still blocked when the value is invalidated.
	if err := store.Invalidate(ctx, key); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	f.set("fee", big.NewInt(2))
	close(f.release)

	waitFor(t, func() bool {
		res := store.Get(ctx, key)
		return res.State == StateResolved && res.Value.(*big.Int).Int64() == 2
	})
}

func TestResolveHonoursContext(t *testing.T) {
	f := &stubFetcher{values: map[string]any{"fee": big.NewInt(1)}, release: make(chan struct{})}
	store := newTestStore(f)
	defer func() {
		close(f.release)
		store.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if res := store.Resolve(ctx, store.Key("fee", "")); res.State != StateLoading {
		t.Fatalf("expected loading on timeout, got %s", res.State)
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }

	key := Key{Contract: testContract, Method: "fee"}
	if err := cache.Save(context.Background(), key, Entry{Value: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, _ := cache.Load(context.Background(), key); !ok {
		t.Fatal("expected hit")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := cache.Load(context.Background(), key); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestKeyIsCaseInsensitive(t *testing.T) {
	a := Key{Contract: testContract, Method: "earnings", Arg: "0xABCDEFabcdef0123456789ABCDEFabcdef012345"}
	b := Key{Contract: testContract, Method: "earnings", Arg: "0xabcdefabcdef0123456789abcdefabcdef012345"}
	if a.String() != b.String() {
		t.Fatalf("expected equal keys: %s vs %s", a, b)
	}
}
