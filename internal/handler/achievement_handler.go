package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/achievedex/internal/achievement"
	"github.com/hitoshi/achievedex/internal/aggregate"
	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/steam"
)

// AchievementServiceInterface はゲーム単位の実績取得に必要なインターフェース。
type AchievementServiceInterface interface {
	Get(ctx context.Context, steamID, gameID string, opts achievement.GetOptions) (*achievement.GameAchievements, error)
	CheckAchievement(ctx context.Context, steamID, gameID, achievementID string) (*achievement.AchievementCheck, error)
}

// AggregateServiceInterface は集計ビューに必要なインターフェース。
type AggregateServiceInterface interface {
	Player(ctx context.Context, subjectID string) aggregate.PlayerView
	Community(ctx context.Context) aggregate.CommunityView
	Recent(ctx context.Context, accountID string, limit int) (aggregate.RecentView, error)
}

// GameNameResolverInterface はゲーム名解決に必要なインターフェース。
type GameNameResolverInterface interface {
	Resolve(ctx context.Context, gameID string, forceRefresh bool) (string, achievement.NameSource)
}

// OwnedGamesInterface は所有ゲーム一覧の取得に必要なインターフェース。
type OwnedGamesInterface interface {
	GetOwnedGames(ctx context.Context, steamID string) ([]steam.OwnedGame, error)
}

// AchievementHandler は実績関連のHTTPハンドラー。
type AchievementHandler struct {
	achievements AchievementServiceInterface
	views        AggregateServiceInterface
	names        GameNameResolverInterface
	games        OwnedGamesInterface
	accounts     AccountStoreInterface
}

// NewAchievementHandler はAchievementHandlerを生成する。
func NewAchievementHandler(
	achievements AchievementServiceInterface,
	views AggregateServiceInterface,
	names GameNameResolverInterface,
	games OwnedGamesInterface,
	accounts AccountStoreInterface,
) *AchievementHandler {
	return &AchievementHandler{
		achievements: achievements,
		views:        views,
		names:        names,
		games:        games,
		accounts:     accounts,
	}
}

// gameAchievementsResponse はゲーム単位の実績レスポンス。
type gameAchievementsResponse struct {
	GameID          string              `json:"gameId"`
	GameName        string              `json:"gameName"`
	Achievements    []model.Achievement `json:"achievements"`
	Total           int                 `json:"total"`
	Unlocked        int                 `json:"unlocked"`
	IsPrivate       bool                `json:"isPrivate"`
	BypassedPrivacy bool                `json:"bypassedPrivacy"`
	FromCache       bool                `json:"fromCache"`
	Stale           bool                `json:"stale,omitempty"`
	CachedAt        *time.Time          `json:"cachedAt,omitempty"`
	State           string              `json:"state,omitempty"`
}

// checkAchievementResponse は単一実績確認のレスポンス。
type checkAchievementResponse struct {
	GameID           string            `json:"gameId"`
	AchievementID    string            `json:"achievementId"`
	Achievement      model.Achievement `json:"achievement"`
	InSchema         bool              `json:"inSchema"`
	APISuccess       bool              `json:"apiSuccess"`
	PlayerRecord     *playerRecordBody `json:"playerRecord"`
	GlobalPercentage *float64          `json:"globalPercentage"`
}

type playerRecordBody struct {
	Unlocked   bool  `json:"unlocked"`
	UnlockTime int64 `json:"unlockTime"`
}

// steamIDFor はSubjectに連携済みのSteam IDを返す。
// 未連携の場合は400を書き込みfalseを返す。
func (h *AchievementHandler) steamIDFor(w http.ResponseWriter, r *http.Request, subjectID string) (string, bool) {
	link, err := h.accounts.GetLink(r.Context(), subjectID, model.PlatformSteam)
	if err != nil {
		handleServiceError(w, err)
		return "", false
	}
	if link == nil {
		writeAPIErrorResponse(w, model.NewAccountNotConnectedError(model.PlatformSteam))
		return "", false
	}
	return link.ExternalID, true
}

// GameAchievements はログインSubjectの指定ゲームの実績を返す。
// GET /api/steam/achievements?gameId=&forceRefresh=&bypassPrivacy=
func (h *AchievementHandler) GameAchievements(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}
	gameID, ok := requireGameID(w, r)
	if !ok {
		return
	}
	steamID, ok := h.steamIDFor(w, r, subjectID)
	if !ok {
		return
	}

	result, err := h.achievements.Get(r.Context(), steamID, gameID, achievement.GetOptions{
		ForceRefresh:  queryBool(r, "forceRefresh"),
		BypassPrivacy: queryBool(r, "bypassPrivacy"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := gameAchievementsResponse{
		GameID:          result.GameID,
		GameName:        result.GameName,
		Achievements:    result.Achievements,
		Total:           len(result.Achievements),
		Unlocked:        result.UnlockedCount(),
		IsPrivate:       result.IsPrivate,
		BypassedPrivacy: result.BypassedPrivacy,
		FromCache:       result.FromCache,
		Stale:           result.Stale,
		State:           string(result.State),
	}
	if resp.Achievements == nil {
		resp.Achievements = []model.Achievement{}
	}
	if !result.CachedAt.IsZero() {
		cachedAt := result.CachedAt
		resp.CachedAt = &cachedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckAchievement は単一実績の状態を上流から直接確認する。
// GET /api/steam/check-achievement?gameId=&achievementId=
func (h *AchievementHandler) CheckAchievement(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}
	gameID, ok := requireGameID(w, r)
	if !ok {
		return
	}
	achievementID, ok := requireQuery(w, r, "achievementId")
	if !ok {
		return
	}
	steamID, ok := h.steamIDFor(w, r, subjectID)
	if !ok {
		return
	}

	check, err := h.achievements.CheckAchievement(r.Context(), steamID, gameID, achievementID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := checkAchievementResponse{
		GameID:           gameID,
		AchievementID:    achievementID,
		Achievement:      check.Achievement,
		InSchema:         check.InSchema,
		APISuccess:       check.APISuccess,
		GlobalPercentage: check.Rarity,
	}
	if check.PlayerRecord != nil {
		resp.PlayerRecord = &playerRecordBody{
			Unlocked:   check.PlayerRecord.Unlocked,
			UnlockTime: check.PlayerRecord.UnlockTime,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// OwnedGames はログインSubjectのSteam所有ゲーム一覧を返す。
// GET /api/steam/games
func (h *AchievementHandler) OwnedGames(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := requireSubject(w, r)
	if !ok {
		return
	}
	steamID, ok := h.steamIDFor(w, r, subjectID)
	if !ok {
		return
	}

	games, err := h.games.GetOwnedGames(r.Context(), steamID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if games == nil {
		games = []steam.OwnedGame{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": games})
}

// GameName はゲーム名を解決して返す。
// GET /api/steam/game-names?gameId=&forceRefresh=
func (h *AchievementHandler) GameName(w http.ResponseWriter, r *http.Request) {
	gameID, ok := requireGameID(w, r)
	if !ok {
		return
	}

	name, source := h.names.Resolve(r.Context(), gameID, queryBool(r, "forceRefresh"))
	writeJSON(w, http.StatusOK, map[string]string{
		"gameId": gameID,
		"name":   name,
		"source": string(source),
	})
}

// Community はコミュニティ全体の集計を返す。
// GET /api/achievements/community
func (h *AchievementHandler) Community(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.views.Community(r.Context()))
}

// Player は指定Subjectのプレイヤービューを返す。
// GET /api/achievements/player/{id}
func (h *AchievementHandler) Player(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeAPIErrorResponse(w, model.NewInvalidParameterError("id"))
		return
	}
	writeJSON(w, http.StatusOK, h.views.Player(r.Context(), id))
}

// Recent は外部アカウントの最近解除した実績を返す。
// GET /api/achievements/recent?accountId=&limit=
func (h *AchievementHandler) Recent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireQuery(w, r, "accountId")
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeAPIErrorResponse(w, model.NewInvalidParameterError("limit"))
			return
		}
		limit = n
	}

	view, err := h.views.Recent(r.Context(), accountID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
