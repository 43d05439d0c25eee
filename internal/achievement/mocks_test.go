package achievement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/steam"
)

// --- モック定義 ---

type mockUpstream struct {
	fetchSchemaFn        func(ctx context.Context, gameID string) (*steam.Schema, error)
	fetchPlayerUnlocksFn func(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error)
	fetchGlobalRarityFn  func(ctx context.Context, gameID string) (map[string]float64, error)
}

func (m *mockUpstream) FetchSchema(ctx context.Context, gameID string) (*steam.Schema, error) {
	if m.fetchSchemaFn == nil {
		return &steam.Schema{}, nil
	}
	return m.fetchSchemaFn(ctx, gameID)
}

func (m *mockUpstream) FetchPlayerUnlocks(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
	if m.fetchPlayerUnlocksFn == nil {
		return false, nil, nil
	}
	return m.fetchPlayerUnlocksFn(ctx, steamID, gameID)
}

func (m *mockUpstream) FetchGlobalRarity(ctx context.Context, gameID string) (map[string]float64, error) {
	if m.fetchGlobalRarityFn == nil {
		return map[string]float64{}, nil
	}
	return m.fetchGlobalRarityFn(ctx, gameID)
}

// memoryCacheRepo はAchievementCacheRepositoryのインメモリ実装。
type memoryCacheRepo struct {
	mu        sync.Mutex
	entries   map[string]*model.CachedGameAchievements
	attempted map[string]time.Time
	putErr    error
	getErr    error
	putCalls  int
}

func newMemoryCacheRepo() *memoryCacheRepo {
	return &memoryCacheRepo{
		entries:   map[string]*model.CachedGameAchievements{},
		attempted: map[string]time.Time{},
	}
}

func (r *memoryCacheRepo) Get(_ context.Context, key string) (*model.CachedGameAchievements, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	e, ok := r.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *memoryCacheRepo) Put(_ context.Context, key string, entry *model.CachedGameAchievements) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putCalls++
	if r.putErr != nil {
		return r.putErr
	}
	cp := *entry
	r.entries[key] = &cp
	delete(r.attempted, key)
	return nil
}

func (r *memoryCacheRepo) ListByKeyRange(_ context.Context, from, to string) ([]*model.CachedGameAchievements, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CachedGameAchievements
	for _, k := range r.sortedKeys() {
		if k >= from && k < to {
			out = append(out, r.entries[k])
		}
	}
	return out, nil
}

func (r *memoryCacheRepo) ListAll(_ context.Context) ([]*model.CachedGameAchievements, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CachedGameAchievements
	for _, k := range r.sortedKeys() {
		out = append(out, r.entries[k])
	}
	return out, nil
}

func (r *memoryCacheRepo) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*model.CachedGameAchievements, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, k := range r.sortedKeys() {
		at, tried := r.attempted[k]
		if r.entries[k].CachedAt.Before(olderThan) && (!tried || at.Before(olderThan)) {
			keys = append(keys, k)
		}
	}
	// 試行時刻があればそれを並び順に使う
	orderOf := func(k string) time.Time {
		if at, ok := r.attempted[k]; ok && at.After(r.entries[k].CachedAt) {
			return at
		}
		return r.entries[k].CachedAt
	}
	sort.SliceStable(keys, func(i, j int) bool { return orderOf(keys[i]).Before(orderOf(keys[j])) })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]*model.CachedGameAchievements, len(keys))
	for i, k := range keys {
		out[i] = r.entries[k]
	}
	return out, nil
}

func (r *memoryCacheRepo) MarkRefreshAttempted(_ context.Context, key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		r.attempted[key] = at
	}
	return nil
}

func (r *memoryCacheRepo) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.entries {
		if e.CachedAt.Before(before) {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

func (r *memoryCacheRepo) sortedKeys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type mockGameNameRepo struct {
	findByGameIDFn func(ctx context.Context, gameID string) (*model.GameName, error)
	upsertFn       func(ctx context.Context, name *model.GameName) error
}

func (m *mockGameNameRepo) FindByGameID(ctx context.Context, gameID string) (*model.GameName, error) {
	if m.findByGameIDFn == nil {
		return nil, nil
	}
	return m.findByGameIDFn(ctx, gameID)
}

func (m *mockGameNameRepo) Upsert(ctx context.Context, name *model.GameName) error {
	if m.upsertFn == nil {
		return nil
	}
	return m.upsertFn(ctx, name)
}

type mockNameLookup struct {
	getStoreAppNameFn func(ctx context.Context, gameID string) (string, error)
	findAppListNameFn func(ctx context.Context, gameID string) (string, error)
}

func (m *mockNameLookup) GetStoreAppName(ctx context.Context, gameID string) (string, error) {
	if m.getStoreAppNameFn == nil {
		return "", nil
	}
	return m.getStoreAppNameFn(ctx, gameID)
}

func (m *mockNameLookup) FindAppListName(ctx context.Context, gameID string) (string, error) {
	if m.findAppListNameFn == nil {
		return "", nil
	}
	return m.findAppListNameFn(ctx, gameID)
}

var errUpstreamDown = errors.New("upstream down")

// fixedClock はテスト用の時計。
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
