package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/achievedex/internal/achievement"
	"github.com/hitoshi/achievedex/internal/aggregate"
	"github.com/hitoshi/achievedex/internal/auth"
	"github.com/hitoshi/achievedex/internal/identity"
	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/steam"
)

// --- 認証 ---

type mockAuthService struct {
	getLoginURLFn    func(state string) string
	handleCallbackFn func(ctx context.Context, code string) (*auth.LoginResult, error)
	exchangeBridgeFn func(ctx context.Context, token string) (*auth.LoginResult, error)
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*auth.LoginResult, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return &auth.LoginResult{SubjectID: "subject-1", Token: "session-token"}, nil
}

func (m *mockAuthService) ExchangeBridge(ctx context.Context, token string) (*auth.LoginResult, error) {
	if m.exchangeBridgeFn != nil {
		return m.exchangeBridgeFn(ctx, token)
	}
	return nil, model.ErrUnauthenticated
}

// --- プロフィール ---

type mockProfileService struct {
	subjects    map[string]*model.Subject
	backfillErr error
	lastClaims  identity.Claims
}

func (m *mockProfileService) Subject(_ context.Context, subjectID string) (*model.Subject, error) {
	if s, ok := m.subjects[subjectID]; ok {
		return s, nil
	}
	return nil, model.ErrSubjectNotFound
}

func (m *mockProfileService) BackfillProfile(ctx context.Context, subjectID string, claims identity.Claims) (*model.Subject, error) {
	m.lastClaims = claims
	if m.backfillErr != nil {
		return nil, m.backfillErr
	}
	return m.Subject(ctx, subjectID)
}

// --- トークン ---

type mockTokens struct {
	tokens map[string]*identity.VerifiedToken
}

func (m *mockTokens) Verify(ctx context.Context, token string) (string, error) {
	v, err := m.VerifyToken(ctx, token)
	if err != nil {
		return "", err
	}
	return v.SubjectID, nil
}

func (m *mockTokens) VerifyToken(_ context.Context, token string) (*identity.VerifiedToken, error) {
	if v, ok := m.tokens[token]; ok {
		return v, nil
	}
	return nil, model.ErrUnauthenticated
}

// --- アカウント連携 ---

type mockAccountStore struct {
	setLinkFn   func(ctx context.Context, subjectID, platform string, link model.ExternalAccountLink) error
	clearLinkFn func(ctx context.Context, subjectID, platform string) error
	lookupErr   error
	links       map[string]model.ExternalAccountLink // "subjectID|platform" → 連携情報
	setCalls    []string
	clearCalls  []string
}

// newAccountStore はsubject-1にSteamを連携済みのストアを返す。
func newAccountStore() *mockAccountStore {
	return &mockAccountStore{links: map[string]model.ExternalAccountLink{
		"subject-1|" + model.PlatformSteam: {Platform: model.PlatformSteam, ExternalID: testSteamID},
	}}
}

func (m *mockAccountStore) GetLink(_ context.Context, subjectID, platform string) (*model.ExternalAccountLink, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	if link, ok := m.links[subjectID+"|"+platform]; ok {
		return &link, nil
	}
	return nil, nil
}

func (m *mockAccountStore) SetLink(ctx context.Context, subjectID, platform string, link model.ExternalAccountLink) error {
	m.setCalls = append(m.setCalls, subjectID+"|"+platform+"|"+link.ExternalID)
	if m.setLinkFn != nil {
		if err := m.setLinkFn(ctx, subjectID, platform, link); err != nil {
			return err
		}
	}
	if m.links == nil {
		m.links = map[string]model.ExternalAccountLink{}
	}
	link.Platform = platform
	m.links[subjectID+"|"+platform] = link
	return nil
}

func (m *mockAccountStore) ClearLink(ctx context.Context, subjectID, platform string) error {
	m.clearCalls = append(m.clearCalls, subjectID+"|"+platform)
	if m.clearLinkFn != nil {
		return m.clearLinkFn(ctx, subjectID, platform)
	}
	if !model.IsKnownPlatform(platform) {
		return model.NewUnknownPlatformError(platform)
	}
	delete(m.links, subjectID+"|"+platform)
	return nil
}

func (m *mockAccountStore) FindSubjectByExternalID(_ context.Context, platform, externalID string) (string, error) {
	if m.lookupErr != nil {
		return "", m.lookupErr
	}
	for key, link := range m.links {
		subjectID, p, _ := strings.Cut(key, "|")
		if p == platform && link.ExternalID == externalID {
			return subjectID, nil
		}
	}
	return "", nil
}

// --- Steam ---

type mockSteam struct {
	verifyFn   func(ctx context.Context, params url.Values) (string, error)
	summary    *steam.PlayerSummary
	summaryErr error
	games      []steam.OwnedGame
	gamesErr   error
}

func (m *mockSteam) LoginURL(returnTo, realm string) string {
	q := url.Values{"openid.return_to": {returnTo}, "openid.realm": {realm}}
	return "https://steamcommunity.com/openid/login?" + q.Encode()
}

func (m *mockSteam) VerifyAssertion(ctx context.Context, params url.Values) (string, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, params)
	}
	id := strings.TrimPrefix(params.Get("openid.claimed_id"), "https://steamcommunity.com/openid/id/")
	if len(id) != 17 {
		return "", steam.ErrInvalidAssertion
	}
	return id, nil
}

func (m *mockSteam) GetPlayerSummary(_ context.Context, steamID string) (*steam.PlayerSummary, error) {
	return m.summary, m.summaryErr
}

func (m *mockSteam) GetOwnedGames(_ context.Context, _ string) ([]steam.OwnedGame, error) {
	return m.games, m.gamesErr
}

type mockLinker struct {
	subjectID string
	linkErr   error
	attachErr error
	links     []string
	attaches  []string
	minted    []string
}

func (m *mockLinker) LinkExternalAccount(_ context.Context, provider, externalID string, _ model.ProfileHints) (string, error) {
	m.links = append(m.links, provider+"|"+externalID)
	if m.linkErr != nil {
		return "", m.linkErr
	}
	return m.subjectID, nil
}

func (m *mockLinker) AttachExternalAccount(_ context.Context, subjectID, provider, externalID string) error {
	m.attaches = append(m.attaches, subjectID+"|"+provider+"|"+externalID)
	return m.attachErr
}

func (m *mockLinker) MintBridgeCredential(subjectID string, _ identity.Claims) (string, error) {
	m.minted = append(m.minted, subjectID)
	return "bridge-for-" + subjectID, nil
}

// --- 実績 ---

type mockAchievementService struct {
	getFn   func(ctx context.Context, steamID, gameID string, opts achievement.GetOptions) (*achievement.GameAchievements, error)
	checkFn func(ctx context.Context, steamID, gameID, achievementID string) (*achievement.AchievementCheck, error)
}

func (m *mockAchievementService) Get(ctx context.Context, steamID, gameID string, opts achievement.GetOptions) (*achievement.GameAchievements, error) {
	if m.getFn != nil {
		return m.getFn(ctx, steamID, gameID, opts)
	}
	return &achievement.GameAchievements{GameID: gameID}, nil
}

func (m *mockAchievementService) CheckAchievement(ctx context.Context, steamID, gameID, achievementID string) (*achievement.AchievementCheck, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, steamID, gameID, achievementID)
	}
	return nil, model.NewNotFoundError("achievement")
}

type mockViews struct {
	player    aggregate.PlayerView
	community aggregate.CommunityView
	recentFn  func(ctx context.Context, accountID string, limit int) (aggregate.RecentView, error)
}

func (m *mockViews) Player(_ context.Context, _ string) aggregate.PlayerView { return m.player }

func (m *mockViews) Community(_ context.Context) aggregate.CommunityView { return m.community }

func (m *mockViews) Recent(ctx context.Context, accountID string, limit int) (aggregate.RecentView, error) {
	if m.recentFn != nil {
		return m.recentFn(ctx, accountID, limit)
	}
	return aggregate.RecentView{Achievements: []aggregate.RecentAchievement{}}, nil
}

type mockNames struct{}

func (mockNames) Resolve(_ context.Context, gameID string, forceRefresh bool) (string, achievement.NameSource) {
	if forceRefresh {
		return "Team Fortress 2", achievement.NameSourceSteamStore
	}
	return "Team Fortress 2", achievement.NameSourceMemory
}

type mockHealth struct{ err error }

func (m mockHealth) PingContext(context.Context) error { return m.err }

var errDatabaseDown = errors.New("database down")

// --- 共通ヘルパー ---

const testSteamID = "76561198012345678"

func testCookies() CookieConfig {
	return CookieConfig{
		BaseURL:       "http://localhost:3000",
		SessionMaxAge: 3600,
		BridgeTTL:     5 * time.Minute,
	}
}

func connectedSubject() *model.Subject {
	return &model.Subject{
		ID:          "subject-1",
		DisplayName: "Player One",
		ConnectedAccounts: map[string]model.ExternalAccountLink{
			model.PlatformSteam: {Platform: model.PlatformSteam, ExternalID: testSteamID, DisplayName: "playerone"},
		},
	}
}

func newProfiles() *mockProfileService {
	return &mockProfileService{subjects: map[string]*model.Subject{
		"subject-1":    connectedSubject(),
		"subject-bare": {ID: "subject-bare", DisplayName: "No Links"},
	}}
}

// findCookie はレスポンスから指定名のCookieを返す。
func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
