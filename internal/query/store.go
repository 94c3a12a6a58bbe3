package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"referral-dapp/pkg/logger"
)

// Observer 在每次链上读取结束时被调用。
type Observer func(method string, elapsed time.Duration, err error)

// Store 管理读取缓存、加载状态与失效。
type Store struct {
	contract       common.Address
	fetcher        Fetcher
	cache          Cache
	accountMethods map[string]struct{}
	timeout        time.Duration
	observer       Observer
	logger         *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	generations map[string]uint64
	inflight    map[string]struct{}
	failures    map[string]failure

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type failure struct {
	err error
	at  time.Time
}

// Option 配置 Store。
type Option func(*Store)

// WithCache 替换默认的内存缓存。
func WithCache(c Cache) Option {
	return func(s *Store) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithTimeout 设置单次读取的超时。
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithObserver 注册读取耗时观察者。
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithAccountMethods 声明哪些方法需要账户参数；缺少参数时返回 absent。
func WithAccountMethods(methods ...string) Option {
	return func(s *Store) {
		for _, m := range methods {
			s.accountMethods[m] = struct{}{}
		}
	}
}

// NewStore 创建读取存储。
func NewStore(contract common.Address, fetcher Fetcher, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		contract:       contract,
		fetcher:        fetcher,
		cache:          NewMemoryCache(0),
		accountMethods: make(map[string]struct{}),
		timeout:        10 * time.Second,
		logger:         logger.Named("query"),
		generations:    make(map[string]uint64),
		inflight:       make(map[string]struct{}),
		failures:       make(map[string]failure),
		baseCtx:        ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Key 构造本合约的读取键。
func (s *Store) Key(method, arg string) Key {
	return Key{Contract: s.contract, Method: method, Arg: arg}
}

// Get returns the current view of key without waiting on the chain. A miss
// schedules a background fetch and reports loading.
func (s *Store) Get(ctx context.Context, key Key) Result {
	if s.isAbsent(key) {
		return Result{Key: key, State: StateAbsent}
	}
	if res, ok := s.cached(ctx, key); ok {
		return res
	}

	s.mu.Lock()
	f, failed := s.failures[key.String()]
	s.mu.Unlock()

	s.startFetch(key)

	if failed {
		return Result{Key: key, State: StateFailed, Err: f.err, Error: f.err.Error(), UpdatedAt: f.at}
	}
	return Result{Key: key, State: StateLoading}
}

// Resolve blocks until key is resolved, fails, or ctx is done.
func (s *Store) Resolve(ctx context.Context, key Key) Result {
	if s.isAbsent(key) {
		return Result{Key: key, State: StateAbsent}
	}
	if res, ok := s.cached(ctx, key); ok {
		return res
	}

	ch := s.group.DoChan(key.String(), func() (any, error) {
		return s.fetch(key, s.generation(key))
	})
	select {
	case <-ctx.Done():
		return Result{Key: key, State: StateLoading}
	case out := <-ch:
		if out.Err != nil {
			return Result{Key: key, State: StateFailed, Err: out.Err, Error: out.Err.Error(), UpdatedAt: time.Now().UTC()}
		}
		entry := out.Val.(Entry)
		return Result{Key: key, State: StateResolved, Value: entry.Value, UpdatedAt: entry.UpdatedAt}
	}
}

// Prefetch 预热一组读取。
func (s *Store) Prefetch(keys ...Key) {
	for _, k := range keys {
		if !s.isAbsent(k) {
			s.startFetch(k)
		}
	}
}

// Invalidate drops cached values so the next Get refreshes them. Fetches that
// started earlier will not write their results.
func (s *Store) Invalidate(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	for _, k := range keys {
		id := k.String()
		s.generations[id]++
		delete(s.failures, id)
		delete(s.inflight, id)
		s.group.Forget(id)
	}
	s.mu.Unlock()
	return s.cache.Delete(ctx, keys...)
}

// InvalidateAccount 失效某账户的所有读取。
func (s *Store) InvalidateAccount(ctx context.Context, account common.Address) error {
	keys := make([]Key, 0, len(s.accountMethods))
	for m := range s.accountMethods {
		keys = append(keys, s.Key(m, account.Hex()))
	}
	return s.Invalidate(ctx, keys...)
}

// Close 停止后台读取并关闭缓存。
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.cache.Close()
}

func (s *Store) isAbsent(key Key) bool {
	if _, ok := s.accountMethods[key.Method]; !ok {
		return false
	}
	if !common.IsHexAddress(key.Arg) {
		return true
	}
	return common.HexToAddress(key.Arg) == (common.Address{})
}

func (s *Store) cached(ctx context.Context, key Key) (Result, bool) {
	entry, ok, err := s.cache.Load(ctx, key)
	if err != nil {
		s.logger.Warn("读取缓存失败", slog.String("key", key.String()), slog.Any("error", err))
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	return Result{Key: key, State: StateResolved, Value: entry.Value, UpdatedAt: entry.UpdatedAt}, true
}

func (s *Store) generation(key Key) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[key.String()]
}

func (s *Store) startFetch(key Key) {
	id := key.String()
	s.mu.Lock()
	if _, running := s.inflight[id]; running {
		s.mu.Unlock()
		return
	}
	if s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.inflight[id] = struct{}{}
	gen := s.generations[id]
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, _, _ = s.group.Do(id, func() (any, error) {
			return s.fetch(key, gen)
		})
		s.mu.Lock()
		if s.generations[id] == gen {
			delete(s.inflight, id)
		}
		s.mu.Unlock()
	}()
}

// fetch 执行链上读取；若期间发生失效（generation 变化）则丢弃结果。
func (s *Store) fetch(key Key, gen uint64) (any, error) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.timeout)
	defer cancel()

	started := time.Now()
	value, err := s.fetcher.Call(ctx, key.Method, key.Arg)
	if s.observer != nil {
		s.observer(key.Method, time.Since(started), err)
	}

	id := key.String()
	now := time.Now().UTC()

	s.mu.Lock()
	stale := s.generations[id] != gen
	if !stale {
		if err != nil {
			s.failures[id] = failure{err: err, at: now}
		} else {
			delete(s.failures, id)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("合约读取失败", slog.String("key", id), slog.Any("error", err))
		return nil, err
	}

	entry := Entry{Value: value, UpdatedAt: now}
	if stale {
		return entry, nil
	}
	if saveErr := s.cache.Save(ctx, key, entry); saveErr != nil {
		s.logger.Warn("写入缓存失败", slog.String("key", id), slog.Any("error", saveErr))
	}
	// 写入期间可能发生了失效。
	if s.generation(key) != gen {
		_ = s.cache.Delete(ctx, key)
	}
	return entry, nil
}
