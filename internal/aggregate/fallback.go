package aggregate

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/achievedex/internal/model"
)

const avatarPlaceholderBase = "https://api.dicebear.com/6.x/bottts/svg?seed="

// Fallback はデータ取得に失敗したときの代替ペイロードを生成する。
// 同じ入力と時刻に対して常に同じ結果を返す。
type Fallback struct {
	now func() time.Time
}

// NewFallback はFallbackを生成する。nowがnilの場合はtime.Now。
func NewFallback(now func() time.Time) *Fallback {
	if now == nil {
		now = time.Now
	}
	return &Fallback{now: now}
}

// looksLikeSteamID はSteamID64らしい文字列かを判定する。
func looksLikeSteamID(id string) bool {
	return strings.HasPrefix(id, "765611") && len(id) >= 4
}

// FriendlyName はIDから表示用の名前を作る。displayNameが空でなければそれを使う。
func FriendlyName(id, displayName string) string {
	if strings.TrimSpace(displayName) != "" {
		return displayName
	}

	switch {
	case strings.Contains(id, "@"):
		local := id[:strings.Index(id, "@")]
		if local == "" {
			break
		}
		local = strings.NewReplacer(".", " ", "_", " ").Replace(local)
		first, size := utf8.DecodeRuneInString(local)
		return string(unicode.ToUpper(first)) + local[size:]
	case looksLikeSteamID(id):
		return "Steam Player " + id[len(id)-4:]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return fmt.Sprintf("Gamer %d", h.Sum32()%1000)
}

// Player はプレイヤービューの代替ペイロードを返す。ゲームは含めない。
// subjectが分かっている場合は表示名とアバターを引き継ぐ。
func (f *Fallback) Player(id string, subject *model.Subject) PlayerView {
	now := f.now()

	rollup := PlayerRollup{
		UserID:      id,
		DisplayName: FriendlyName(id, ""),
		PhotoURL:    avatarPlaceholderBase + url.QueryEscape(id),
		Games:       []GameSummary{},
	}
	if strings.Contains(id, "@") {
		rollup.Email = id
	}
	if subject != nil {
		rollup.DisplayName = FriendlyName(id, subject.DisplayName)
		if subject.PhotoURL != "" {
			rollup.PhotoURL = subject.PhotoURL
		}
		if subject.Email != "" {
			rollup.Email = subject.Email
		}
		rollup.ConnectedAccounts = linkViews(subject.ConnectedAccounts)
	}

	if rollup.ConnectedAccounts == nil && looksLikeSteamID(id) {
		rollup.ConnectedAccounts = map[string]LinkView{
			model.PlatformSteam: {
				ExternalID:  id,
				DisplayName: strings.Join(strings.Fields(rollup.DisplayName), ""),
				ProfileURL:  "https://steamcommunity.com/profiles/" + id,
				ConnectedAt: now.Add(-30 * 24 * time.Hour).Unix(),
			},
		}
	}

	return PlayerView{Player: rollup, IsFallback: true}
}

// Community はコミュニティビューの代替ペイロードを返す。
func (f *Fallback) Community() CommunityView {
	return CommunityView{Users: []PlayerRollup{}, TotalAchievements: 0, IsFallback: true}
}
