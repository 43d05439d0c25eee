// Package steam はSteam Web API・Steam Store API・Steam OpenIDとの連携を提供する。
package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/achievedex/internal/metrics"
	"github.com/hitoshi/achievedex/internal/model"
)

const (
	defaultAPIBase   = "https://api.steampowered.com"
	defaultStoreBase = "https://store.steampowered.com"

	// maxResponseBytes はレスポンスボディの読み取り上限。
	// GetAppListは全アプリを返すため大きめに取る。
	maxResponseBytes = 64 << 20

	userAgent = "Achievedex/1.0"
)

// メトリクスのendpointラベル。
const (
	endpointSchema          = "schema"
	endpointPlayerAchieve   = "player_achievements"
	endpointGlobalRarity    = "global_rarity"
	endpointPlayerSummaries = "player_summaries"
	endpointOwnedGames      = "owned_games"
	endpointStoreDetails    = "store_appdetails"
	endpointAppList         = "app_list"
	endpointOpenID          = "openid"
)

// StatusError は上流が200以外のステータスを返したことを表す。
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Steam APIがステータス %d を返しました (%s)", e.StatusCode, e.Endpoint)
}

// Client はSteam APIのクライアント。
// すべてのリクエストは共有のレートリミッターで流量を抑える。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector

	// テスト用にエンドポイントを差し替え可能
	apiBase        string
	storeBase      string
	openIDEndpoint string
}

// NewClient はClientの新しいインスタンスを生成する。
// limiterがnilの場合は流量制限なし、collectorがnilの場合はメトリクスを記録しない。
func NewClient(
	httpClient *http.Client,
	logger *slog.Logger,
	apiKey string,
	limiter *rate.Limiter,
	collector metrics.MetricsCollector,
) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:     httpClient,
		logger:         logger,
		apiKey:         apiKey,
		limiter:        limiter,
		metrics:        collector,
		apiBase:        defaultAPIBase,
		storeBase:      defaultStoreBase,
		openIDEndpoint: defaultOpenIDEndpoint,
	}
}

// Configured はAPIキーが設定されているかを返す。
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

func (c *Client) requireKey() error {
	if c.apiKey == "" {
		return model.ErrUpstreamNotConfigured
	}
	return nil
}

// FetchSchema はゲームの実績スキーマを取得する。
// 実績を持たないゲームでは空のスキーマを返す。
func (c *Client) FetchSchema(ctx context.Context, gameID string) (*Schema, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("appid", gameID)
	q.Set("l", "english")

	var resp schemaResponse
	if err := c.getJSON(ctx, endpointSchema, c.apiBase+"/ISteamUserStats/GetSchemaForGame/v2/", q, &resp); err != nil {
		return nil, err
	}

	schema := &Schema{
		GameName:    resp.Game.GameName,
		Definitions: make([]model.AchievementDefinition, 0, len(resp.Game.AvailableGameStats.Achievements)),
	}
	for _, a := range resp.Game.AvailableGameStats.Achievements {
		if a.Name == "" {
			continue
		}
		schema.Definitions = append(schema.Definitions, model.AchievementDefinition{
			GameID:        gameID,
			AchievementID: a.Name,
			DisplayName:   a.DisplayName,
			Description:   a.Description,
			IconURL:       a.Icon,
			IconGrayURL:   a.IconGray,
		})
	}
	return schema, nil
}

// FetchPlayerUnlocks はプレイヤーの実績解除状況を取得する。
// 非公開プロフィールや未所有ゲーム（HTTP 400/403、success欠落・false）は
// エラーではなくok=falseとして返す。
func (c *Client) FetchPlayerUnlocks(ctx context.Context, steamID, gameID string) (bool, []model.AchievementUnlockRecord, error) {
	if err := c.requireKey(); err != nil {
		return false, nil, err
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("steamid", steamID)
	q.Set("appid", gameID)

	var resp playerAchievementsResponse
	err := c.getJSON(ctx, endpointPlayerAchieve, c.apiBase+"/ISteamUserStats/GetPlayerAchievements/v1/", q, &resp)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusForbidden) {
			return false, nil, nil
		}
		return false, nil, err
	}

	stats := resp.PlayerStats
	if stats.Success == nil || !*stats.Success {
		c.logger.Info("プレイヤー実績データを取得できません",
			slog.String("steam_id", steamID),
			slog.String("game_id", gameID),
			slog.String("reason", stats.Error),
		)
		return false, nil, nil
	}

	records := make([]model.AchievementUnlockRecord, 0, len(stats.Achievements))
	for _, a := range stats.Achievements {
		records = append(records, model.AchievementUnlockRecord{
			AchievementID: a.APIName,
			Unlocked:      a.Achieved == 1,
			UnlockTime:    a.UnlockTime,
		})
	}
	return true, records, nil
}

// FetchGlobalRarity は実績ごとのグローバル達成率（パーセント）を取得する。
func (c *Client) FetchGlobalRarity(ctx context.Context, gameID string) (map[string]float64, error) {
	q := url.Values{}
	q.Set("gameid", gameID)

	var resp globalPercentagesResponse
	if err := c.getJSON(ctx, endpointGlobalRarity, c.apiBase+"/ISteamUserStats/GetGlobalAchievementPercentagesForApp/v2/", q, &resp); err != nil {
		return nil, err
	}

	rarity := make(map[string]float64, len(resp.AchievementPercentages.Achievements))
	for _, a := range resp.AchievementPercentages.Achievements {
		rarity[a.Name] = float64(a.Percent)
	}
	return rarity, nil
}

// GetPlayerSummary はSteamプロフィールの概要を取得する。
// 該当プレイヤーがいない場合は nil, nil を返す。
func (c *Client) GetPlayerSummary(ctx context.Context, steamID string) (*PlayerSummary, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("steamids", steamID)

	var resp playerSummariesResponse
	if err := c.getJSON(ctx, endpointPlayerSummaries, c.apiBase+"/ISteamUser/GetPlayerSummaries/v2/", q, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Response.Players {
		if resp.Response.Players[i].SteamID == steamID {
			return &resp.Response.Players[i], nil
		}
	}
	return nil, nil
}

// GetOwnedGames はプレイヤーの所有ゲーム一覧を取得する。
func (c *Client) GetOwnedGames(ctx context.Context, steamID string) ([]OwnedGame, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("steamid", steamID)
	q.Set("include_appinfo", "1")
	q.Set("include_played_free_games", "1")
	q.Set("format", "json")

	var resp ownedGamesResponse
	if err := c.getJSON(ctx, endpointOwnedGames, c.apiBase+"/IPlayerService/GetOwnedGames/v1/", q, &resp); err != nil {
		return nil, err
	}
	if resp.Response.Games == nil {
		return []OwnedGame{}, nil
	}
	return resp.Response.Games, nil
}

// GetStoreAppName はSteam Storeからゲーム名を取得する。見つからない場合は空文字を返す。
func (c *Client) GetStoreAppName(ctx context.Context, gameID string) (string, error) {
	q := url.Values{}
	q.Set("appids", gameID)
	q.Set("filters", "basic")

	var resp map[string]storeAppDetails
	if err := c.getJSON(ctx, endpointStoreDetails, c.storeBase+"/api/appdetails", q, &resp); err != nil {
		return "", err
	}
	details, ok := resp[gameID]
	if !ok || !details.Success {
		return "", nil
	}
	return details.Data.Name, nil
}

// FindAppListName はSteamの全アプリ一覧からゲーム名を探す。見つからない場合は空文字を返す。
func (c *Client) FindAppListName(ctx context.Context, gameID string) (string, error) {
	appID, err := strconv.ParseInt(gameID, 10, 64)
	if err != nil {
		return "", nil
	}

	var resp appListResponse
	if err := c.getJSON(ctx, endpointAppList, c.apiBase+"/ISteamApps/GetAppList/v2/", nil, &resp); err != nil {
		return "", err
	}
	for _, app := range resp.AppList.Apps {
		if app.AppID == appID {
			return app.Name, nil
		}
	}
	return "", nil
}

// getJSON はGETリクエストを送りJSONレスポンスをoutにデコードする。
// APIキーを含むためURLはログに出力しない。
func (c *Client) getJSON(ctx context.Context, endpoint, base string, query url.Values, out any) error {
	reqURL := base
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, endpoint)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("Steam APIのレスポンスのパースに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// do はレートリミッターを待ってからリクエストを実行し、ボディを返す。
func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("レートリミッターの待機に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamFailure(endpoint)
		c.logger.Error("Steam APIの呼び出しに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", sanitizeURLError(err)),
		)
		return nil, fmt.Errorf("Steam APIの呼び出しに失敗しました (%s)", endpoint)
	}
	defer resp.Body.Close()

	c.metrics.RecordUpstreamCall(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Warn("Steam APIがエラーステータスを返しました",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return body, nil
}

// sanitizeURLError はurl.ErrorからURL（APIキーを含む）を取り除いたメッセージを返す。
func sanitizeURLError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Op + ": " + ue.Err.Error()
	}
	return err.Error()
}
