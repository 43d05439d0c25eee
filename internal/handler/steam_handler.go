package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/achievedex/internal/identity"
	"github.com/hitoshi/achievedex/internal/middleware"
	"github.com/hitoshi/achievedex/internal/model"
	"github.com/hitoshi/achievedex/internal/security"
	"github.com/hitoshi/achievedex/internal/steam"
)

const steamCallbackPath = "/api/steam/callback"

// SteamOpenIDInterface はSteamログインと連携に必要な上流操作。
// steam.Clientが実装する。
type SteamOpenIDInterface interface {
	LoginURL(returnTo, realm string) string
	VerifyAssertion(ctx context.Context, params url.Values) (string, error)
	GetPlayerSummary(ctx context.Context, steamID string) (*steam.PlayerSummary, error)
}

// SubjectLinkerInterface は外部アカウントからのSubject解決とブリッジ資格情報の発行に必要な操作。
// identity.Bridgeが実装する。
type SubjectLinkerInterface interface {
	LinkExternalAccount(ctx context.Context, provider, externalID string, hints model.ProfileHints) (string, error)
	AttachExternalAccount(ctx context.Context, subjectID, provider, externalID string) error
	MintBridgeCredential(subjectID string, claims identity.Claims) (string, error)
}

// URLFilterInterface は上流から受け取ったURLを保存前に検証する。
// security.UpstreamGuardが実装する。
type URLFilterInterface interface {
	SafeURL(rawURL string) string
}

// SteamHandler はSteamアカウント連携のHTTPハンドラー。
type SteamHandler struct {
	steam      SteamOpenIDInterface
	linker     SubjectLinkerInterface
	accounts   AccountStoreInterface
	urls       URLFilterInterface
	cookies    CookieConfig
	apiBaseURL string
}

// NewSteamHandler はSteamHandlerを生成する。
// apiBaseURLはOpenIDのreturn_toとrealmに使う。空の場合はcookies.BaseURLを使う。
func NewSteamHandler(
	steamClient SteamOpenIDInterface,
	linker SubjectLinkerInterface,
	accounts AccountStoreInterface,
	urls URLFilterInterface,
	cookies CookieConfig,
	apiBaseURL string,
) *SteamHandler {
	if apiBaseURL == "" {
		apiBaseURL = cookies.BaseURL
	}
	if urls == nil {
		urls = security.NewUpstreamGuard()
	}
	return &SteamHandler{
		steam:      steamClient,
		linker:     linker,
		accounts:   accounts,
		urls:       urls,
		cookies:    cookies,
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
	}
}

func (h *SteamHandler) callbackURL() string {
	return h.apiBaseURL + steamCallbackPath
}

func (h *SteamHandler) redirectDashboard(w http.ResponseWriter, r *http.Request, query string) {
	http.Redirect(w, r, h.cookies.BaseURL+"/dashboard?"+query, http.StatusFound)
}

// Connect はSteam OpenIDログインを開始する。
// ログイン中なら既存Subjectへの連携、未ログインならSteamでのサインインになる。
// GET /api/steam/connect
func (h *SteamHandler) Connect(w http.ResponseWriter, r *http.Request) {
	nonce := uuid.NewString()
	h.cookies.setCookie(w, steamStateCookie, nonce, stateCookieMaxAge)

	returnTo := h.callbackURL() + "?" + url.Values{"state": {nonce}}.Encode()
	http.Redirect(w, r, h.steam.LoginURL(returnTo, h.apiBaseURL), http.StatusFound)
}

// Callback はSteam OpenIDのコールバックを処理し、連携とブリッジ資格情報の発行を行う。
// 結果はフロントエンドのダッシュボードへのリダイレクトで伝える。
// GET /api/steam/callback
func (h *SteamHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	state := query.Get("state")
	stateCookie, err := r.Cookie(steamStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("Steamコールバックのstateが一致しません", slog.String("query_state", state))
		h.redirectDashboard(w, r, "error=invalid_state")
		return
	}
	h.cookies.clearCookie(w, steamStateCookie)

	// return_toが自サービスのコールバックを指していることを確認する
	if !strings.HasPrefix(query.Get("openid.return_to"), h.callbackURL()) {
		slog.Warn("Steamコールバックのreturn_toが不正です", slog.String("return_to", query.Get("openid.return_to")))
		h.redirectDashboard(w, r, "error=steam_callback_error")
		return
	}

	steamID, err := h.steam.VerifyAssertion(r.Context(), query)
	if err != nil {
		slog.Warn("Steam OpenIDアサーションの検証に失敗しました", slog.String("error", err.Error()))
		h.redirectDashboard(w, r, "error=steam_callback_error")
		return
	}

	summary := h.playerSummary(r.Context(), steamID)

	subjectID, status := h.resolveSubject(r.Context(), steamID, summary)
	if status != "" {
		h.redirectDashboard(w, r, "error="+status)
		return
	}

	if err := h.accounts.SetLink(r.Context(), subjectID, model.PlatformSteam, model.ExternalAccountLink{
		ExternalID:  steamID,
		DisplayName: summary.PersonaName,
		AvatarURL:   summary.AvatarFull,
		ProfileURL:  summary.ProfileURL,
	}); err != nil {
		slog.Error("Steamアカウントの連携保存に失敗しました",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		h.redirectDashboard(w, r, "error=steam_callback_error")
		return
	}

	token, err := h.linker.MintBridgeCredential(subjectID, identity.Claims{
		Name:    summary.PersonaName,
		Picture: summary.AvatarFull,
	})
	if err != nil {
		slog.Error("ブリッジ資格情報の発行に失敗しました",
			slog.String("subject_id", subjectID),
			slog.String("error", err.Error()),
		)
		h.redirectDashboard(w, r, "error=steam_callback_error")
		return
	}
	h.cookies.setBridgeToken(w, token)

	h.redirectDashboard(w, r, "platform=steam&status=connected")
}

// resolveSubject はSteam IDを連携するSubjectを決める。
// ログイン中はそのSubjectにidentityを追加し、別のSubjectが所有するSteam IDは拒否する。
// 未ログインは連携済みのSubjectを優先し、なければidentityから解決（または作成）する。
// 失敗時はリダイレクトに載せるエラー種別を返す。
func (h *SteamHandler) resolveSubject(ctx context.Context, steamID string, summary steam.PlayerSummary) (string, string) {
	owner, err := h.accounts.FindSubjectByExternalID(ctx, model.PlatformSteam, steamID)
	if err != nil {
		slog.Error("Steamアカウントの連携先の検索に失敗しました",
			slog.String("steam_id", steamID),
			slog.String("error", err.Error()),
		)
		return "", "steam_callback_error"
	}

	subjectID, err := middleware.SubjectIDFromContext(ctx)
	if err == nil {
		if owner != "" && owner != subjectID {
			slog.Warn("Steamアカウントは別のSubjectに連携済みです",
				slog.String("subject_id", subjectID),
				slog.String("steam_id", steamID),
			)
			return "", "steam_already_linked"
		}
		if err := h.linker.AttachExternalAccount(ctx, subjectID, model.PlatformSteam, steamID); err != nil {
			if errors.Is(err, model.ErrExternalAccountOwned) {
				slog.Warn("Steamアカウントは別のSubjectのidentityです",
					slog.String("subject_id", subjectID),
					slog.String("steam_id", steamID),
				)
				return "", "steam_already_linked"
			}
			slog.Error("Steamアカウントのidentity登録に失敗しました",
				slog.String("subject_id", subjectID),
				slog.String("error", err.Error()),
			)
			return "", "steam_callback_error"
		}
		return subjectID, ""
	}

	if owner != "" {
		return owner, ""
	}

	subjectID, err = h.linker.LinkExternalAccount(ctx, model.PlatformSteam, steamID, model.ProfileHints{
		DisplayName: summary.PersonaName,
		PhotoURL:    summary.AvatarFull,
		AvatarURL:   summary.AvatarFull,
		ProfileURL:  summary.ProfileURL,
	})
	if err != nil {
		slog.Error("Steamアカウントからのサインインに失敗しました",
			slog.String("steam_id", steamID),
			slog.String("error", err.Error()),
		)
		return "", "steam_callback_error"
	}
	return subjectID, ""
}

// playerSummary はSteamプロフィールを取得する。取得できない場合は空のプロフィールを返す。
// アバターとプロフィールのURLは許可ホスト外なら空にする。
func (h *SteamHandler) playerSummary(ctx context.Context, steamID string) steam.PlayerSummary {
	summary, err := h.steam.GetPlayerSummary(ctx, steamID)
	if err != nil {
		slog.Warn("Steamプロフィールの取得に失敗しました",
			slog.String("steam_id", steamID),
			slog.String("error", err.Error()),
		)
		return steam.PlayerSummary{SteamID: steamID}
	}
	if summary == nil {
		return steam.PlayerSummary{SteamID: steamID}
	}
	out := *summary
	out.AvatarFull = h.urls.SafeURL(out.AvatarFull)
	out.ProfileURL = h.urls.SafeURL(out.ProfileURL)
	return out
}
