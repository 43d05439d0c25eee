package achievement

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/achievedex/internal/metrics"
	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/steam"
)

const (
	testSteamID = "76561198012345678"
	testGameID  = "440"
)

func schemaFn(defs ...model.AchievementDefinition) func(context.Context, string) (*steam.Schema, error) {
	return func(ctx context.Context, gameID string) (*steam.Schema, error) {
		return &steam.Schema{GameName: "Team Fortress 2", Definitions: defs}, nil
	}
}

func privatePlayer(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
	return false, nil, nil
}

type serviceFixture struct {
	svc      *Service
	repo     *memoryCacheRepo
	clock    *fixedClock
	upstream *mockUpstream
	logs     *bytes.Buffer
}

func newServiceFixture(t *testing.T, upstream *mockUpstream, collector metrics.MetricsCollector) *serviceFixture {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	repo := newMemoryCacheRepo()
	cache, clock := newTestCache(repo)
	svc := NewService(NewFetcher(upstream, nil, nil, logger), cache, nil, collector, logger)
	return &serviceFixture{svc: svc, repo: repo, clock: clock, upstream: upstream, logs: &buf}
}

func TestService_PlayerDataAvailable(t *testing.T) {
	upstream := &mockUpstream{
		fetchSchemaFn: schemaFn(testDefinitions()...),
		fetchPlayerUnlocksFn: func(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
			return true, []model.AchievementUnlockRecord{{AchievementID: "A_1", Unlocked: true, UnlockTime: 1700000000}}, nil
		},
		fetchGlobalRarityFn: func(ctx context.Context, gameID string) (map[string]float64, error) {
			return map[string]float64{"A_1": 50}, nil
		},
	}
	fx := newServiceFixture(t, upstream, nil)

	got, err := fx.svc.Get(context.Background(), testSteamID, testGameID, GetOptions{})
	if err != nil {
		t.Fatalf("Get がエラーを返した: %v", err)
	}
	if got.State != StatePlayerDataAvailable || got.IsPrivate || got.FromCache {
		t.Errorf("got = %+v", got)
	}
	if got.UnlockedCount() != 1 || len(got.Achievements) != 3 {
		t.Errorf("unlocked = %d, total = %d", got.UnlockedCount(), len(got.Achievements))
	}
	if got.GameName != "Team Fortress 2" {
		t.Errorf("GameName = %q", got.GameName)
	}

	stored := fx.repo.entries[CacheKey(testSteamID, testGameID)]
	if stored == nil || stored.IsPrivate {
		t.Fatalf("キャッシュに保存されていない: %+v", stored)
	}
}

func TestService_ServesFreshCacheWithoutUpstream(t *testing.T) {
	calls := 0
	upstream := &mockUpstream{
		fetchSchemaFn: func(ctx context.Context, gameID string) (*steam.Schema, error) {
			calls++
			return &steam.Schema{Definitions: testDefinitions()}, nil
		},
		fetchPlayerUnlocksFn: func(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
			return true, nil, nil
		},
	}
	fx := newServiceFixture(t, upstream, nil)
	ctx := context.Background()

	first, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{})
	if err != nil {
		t.Fatal(err)
	}

	fx.clock.Advance(23*time.Hour + 59*time.Minute)
	second, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("23時間59分後は上流を呼ばないべき: calls = %d", calls)
	}
	if !second.FromCache || !reflect.DeepEqual(first.Achievements, second.Achievements) {
		t.Errorf("キャッシュがそのまま返されていない: %+v", second)
	}
	if !second.CachedAt.Equal(first.CachedAt) {
		t.Error("キャッシュヒット時にタイムスタンプを更新してはならない")
	}

	fx.clock.Advance(2 * time.Minute)
	third, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("24時間1分後は上流から取得すべき: calls = %d", calls)
	}
	if third.FromCache {
		t.Error("再取得した結果は FromCache=false であるべき")
	}
}

func TestService_ForceRefreshIsIdempotent(t *testing.T) {
	upstream := &mockUpstream{
		fetchSchemaFn: schemaFn(testDefinitions()...),
		fetchPlayerUnlocksFn: func(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
			return true, []model.AchievementUnlockRecord{{AchievementID: "A_2", Unlocked: true, UnlockTime: 9}}, nil
		},
		fetchGlobalRarityFn: func(ctx context.Context, gameID string) (map[string]float64, error) {
			return map[string]float64{"A_1": 1, "A_2": 2, "a_1": 3}, nil
		},
	}
	fx := newServiceFixture(t, upstream, nil)
	ctx := context.Background()
	key := CacheKey(testSteamID, testGameID)

	if _, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{ForceRefresh: true}); err != nil {
		t.Fatal(err)
	}
	first := *fx.repo.entries[key]

	fx.clock.Advance(time.Minute)
	if _, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{ForceRefresh: true}); err != nil {
		t.Fatal(err)
	}
	second := *fx.repo.entries[key]

	if second.CachedAt.Equal(first.CachedAt) {
		t.Error("強制更新でタイムスタンプが更新されていない")
	}
	first.CachedAt, second.CachedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("同一入力の強制更新で結果が変わった:\nfirst  = %+v\nsecond = %+v", first, second)
	}
}

func TestService_ForceRefreshPrivatePlayerWithSchema(t *testing.T) {
	upstream := &mockUpstream{
		fetchSchemaFn:        schemaFn(testDefinitions()...),
		fetchPlayerUnlocksFn: privatePlayer,
		fetchGlobalRarityFn: func(ctx context.Context, gameID string) (map[string]float64, error) {
			return map[string]float64{"A_1": 45.5, "A_2": 3.2}, nil
		},
	}
	fx := newServiceFixture(t, upstream, nil)

	got, err := fx.svc.Get(context.Background(), testSteamID, testGameID, GetOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePlayerDataPrivateWithSchema || !got.IsPrivate || got.BypassedPrivacy {
		t.Errorf("got = %+v", got)
	}

	stored := fx.repo.entries[CacheKey(testSteamID, testGameID)]
	if stored == nil || !stored.IsPrivate {
		t.Fatalf("非公開フラグ付きで保存されるべき: %+v", stored)
	}
	for _, a := range stored.Achievements {
		if a.Unlocked {
			t.Errorf("%s: 非公開時は全件未解除であるべき", a.AchievementID)
		}
	}
	if stored.Achievements[0].GlobalPercentage != 45.5 || stored.Achievements[1].GlobalPercentage != 3.2 {
		t.Errorf("達成率が反映されていない: %+v", stored.Achievements)
	}
}

func TestService_ForcedBypassReusesPriorUnlocks(t *testing.T) {
	playerPublic := true
	upstream := &mockUpstream{
		fetchSchemaFn: schemaFn(testDefinitions()...),
		fetchPlayerUnlocksFn: func(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
			if !playerPublic {
				return false, nil, nil
			}
			return true, []model.AchievementUnlockRecord{{AchievementID: "A_1", Unlocked: true, UnlockTime: 123}}, nil
		},
		fetchGlobalRarityFn: func(ctx context.Context, gameID string) (map[string]float64, error) {
			return map[string]float64{"A_1": 77}, nil
		},
	}
	fx := newServiceFixture(t, upstream, nil)
	ctx := context.Background()

	if _, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{}); err != nil {
		t.Fatal(err)
	}

	playerPublic = false
	got, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{ForceRefresh: true, BypassPrivacy: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateForcedBypass || !got.IsPrivate || !got.BypassedPrivacy {
		t.Errorf("got = %+v", got)
	}
	if !got.Achievements[0].Unlocked || got.Achievements[0].UnlockTime != 123 {
		t.Errorf("前回の解除状況が引き継がれていない: %+v", got.Achievements[0])
	}
	if got.Achievements[0].GlobalPercentage != 77 {
		t.Errorf("達成率 = %v", got.Achievements[0].GlobalPercentage)
	}
	if !fx.repo.entries[CacheKey(testSteamID, testGameID)].BypassedPrivacy {
		t.Error("BypassedPrivacy 付きで保存されるべき")
	}
}

func TestService_NoDataServesStaleAndKeepsCache(t *testing.T) {
	schemaUp := true
	upstream := &mockUpstream{
		fetchSchemaFn: func(ctx context.Context, gameID string) (*steam.Schema, error) {
			if !schemaUp {
				return nil, errUpstreamDown
			}
			return &steam.Schema{Definitions: testDefinitions()}, nil
		},
		fetchPlayerUnlocksFn: privatePlayer,
	}
	fx := newServiceFixture(t, upstream, nil)
	ctx := context.Background()

	if _, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{}); err != nil {
		t.Fatal(err)
	}
	putsBefore := fx.repo.putCalls

	schemaUp = false
	fx.clock.Advance(48 * time.Hour)
	got, err := fx.svc.Get(ctx, testSteamID, testGameID, GetOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateNoData || !got.Stale || !got.FromCache {
		t.Errorf("got = %+v", got)
	}
	if len(got.Achievements) != 3 {
		t.Errorf("古いキャッシュを返すべき: %d件", len(got.Achievements))
	}
	if fx.repo.putCalls != putsBefore {
		t.Error("NO_DATA ではキャッシュに書き込んではならない")
	}
	if fx.repo.entries[CacheKey(testSteamID, testGameID)] == nil {
		t.Error("取得失敗でキャッシュを消してはならない")
	}
}

func TestService_NoDataWithoutCache(t *testing.T) {
	fx := newServiceFixture(t, &mockUpstream{fetchPlayerUnlocksFn: privatePlayer}, nil)

	got, err := fx.svc.Get(context.Background(), testSteamID, "999", GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateNoData || got.Achievements == nil || len(got.Achievements) != 0 {
		t.Errorf("got = %+v", got)
	}
	if fx.repo.putCalls != 0 {
		t.Error("NO_DATA ではキャッシュに書き込んではならない")
	}
}

func TestService_CacheWriteFailureIsSwallowed(t *testing.T) {
	reg := prometheus.NewRegistry()
	fx := newServiceFixture(t, &mockUpstream{
		fetchSchemaFn:        schemaFn(testDefinitions()...),
		fetchPlayerUnlocksFn: privatePlayer,
	}, metrics.NewCollector(reg))
	fx.repo.putErr = errors.New("write failed")

	got, err := fx.svc.Get(context.Background(), testSteamID, testGameID, GetOptions{})
	if err != nil {
		t.Fatalf("書き込み失敗で読み取り経路を失敗させてはならない: %v", err)
	}
	if len(got.Achievements) != 3 {
		t.Errorf("got = %+v", got)
	}
	if !bytes.Contains(fx.logs.Bytes(), []byte("書き込みに失敗")) {
		t.Errorf("書き込み失敗がログに出ていない: %s", fx.logs.String())
	}
}

func TestService_CacheReadFailureFallsThrough(t *testing.T) {
	fx := newServiceFixture(t, &mockUpstream{
		fetchSchemaFn:        schemaFn(testDefinitions()...),
		fetchPlayerUnlocksFn: privatePlayer,
	}, nil)
	fx.repo.getErr = errors.New("read failed")

	got, err := fx.svc.Get(context.Background(), testSteamID, testGameID, GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StatePlayerDataPrivateWithSchema {
		t.Errorf("State = %s", got.State)
	}
}

func TestService_NotConfigured(t *testing.T) {
	fx := newServiceFixture(t, &mockUpstream{
		fetchSchemaFn: func(ctx context.Context, gameID string) (*steam.Schema, error) {
			return nil, model.ErrUpstreamNotConfigured
		},
	}, nil)

	_, err := fx.svc.Get(context.Background(), testSteamID, testGameID, GetOptions{})
	if !errors.Is(err, model.ErrUpstreamNotConfigured) {
		t.Errorf("err = %v", err)
	}
}

func TestService_CheckAchievement(t *testing.T) {
	upstream := &mockUpstream{
		fetchSchemaFn: schemaFn(testDefinitions()...),
		fetchPlayerUnlocksFn: func(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
			return true, []model.AchievementUnlockRecord{{AchievementID: "A_1", Unlocked: true, UnlockTime: 5}}, nil
		},
		fetchGlobalRarityFn: func(ctx context.Context, gameID string) (map[string]float64, error) {
			return map[string]float64{"A_1": 8}, nil
		},
	}
	fx := newServiceFixture(t, upstream, nil)
	ctx := context.Background()

	check, err := fx.svc.CheckAchievement(ctx, testSteamID, testGameID, "A_1")
	if err != nil {
		t.Fatal(err)
	}
	if !check.InSchema || !check.APISuccess || check.PlayerRecord == nil || check.Rarity == nil || *check.Rarity != 8 {
		t.Errorf("check = %+v", check)
	}
	if !check.Achievement.Unlocked || check.Achievement.Name != "First" {
		t.Errorf("Achievement = %+v", check.Achievement)
	}
	if fx.repo.putCalls != 0 {
		t.Error("単一実績の確認でキャッシュに書き込んではならない")
	}

	_, err = fx.svc.CheckAchievement(ctx, testSteamID, testGameID, "MISSING")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeNotFound {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestService_GameNameFallsBackToResolver(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	repo := newMemoryCacheRepo()
	cache, _ := newTestCache(repo)
	names := NewNameResolver(nil, &mockNameLookup{
		getStoreAppNameFn: func(ctx context.Context, gameID string) (string, error) { return "Portal 2", nil },
	}, 4, logger)
	upstream := &mockUpstream{
		fetchSchemaFn: func(ctx context.Context, gameID string) (*steam.Schema, error) {
			return &steam.Schema{GameName: "", Definitions: testDefinitions()}, nil
		},
		fetchPlayerUnlocksFn: privatePlayer,
	}
	svc := NewService(NewFetcher(upstream, nil, nil, logger), cache, names, nil, logger)

	got, err := svc.Get(context.Background(), testSteamID, "620", GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got.GameName != "Portal 2" {
		t.Errorf("GameName = %q", got.GameName)
	}
}
