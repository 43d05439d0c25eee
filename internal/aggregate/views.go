// Package aggregate はキャッシュ済みの実績からプレイヤー別・コミュニティ全体の集計ビューを組み立てる。
// 集計結果は永続化せず、リクエストごとにキャッシュとSubjectから再計算する。
package aggregate

import (
	"github.com/hitoshi/achievedex/internal/model"
)

// GameSummary はプレイヤーのゲーム別集計。
type GameSummary struct {
	GameID               string `json:"gameId"`
	GameName             string `json:"gameName"`
	AchievementsTotal    int    `json:"achievementsTotal"`
	AchievementsUnlocked int    `json:"achievementsUnlocked"`
	LastPlayed           int64  `json:"lastPlayed"`
	PlayerName           string `json:"playerName,omitempty"`
	IsPrivate            bool   `json:"isPrivate,omitempty"`
}

// LinkView は連携アカウントの公開用表現。
type LinkView struct {
	ExternalID  string `json:"externalId"`
	DisplayName string `json:"personaName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	ProfileURL  string `json:"profileUrl,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
}

// PlayerRollup はプレイヤー単位の集計。
type PlayerRollup struct {
	UserID               string              `json:"userId"`
	DisplayName          string              `json:"displayName"`
	PhotoURL             string              `json:"photoURL"`
	Email                string              `json:"email,omitempty"`
	TotalAchievements    int                 `json:"totalAchievements"`
	UnlockedAchievements int                 `json:"unlockedAchievements"`
	AchievementRate      float64             `json:"achievementRate"`
	LastUnlocked         int64               `json:"lastUnlocked"`
	ConnectedAccounts    map[string]LinkView `json:"connectedAccounts,omitempty"`
	Games                []GameSummary       `json:"games"`
}

// PlayerView はプレイヤービューのレスポンス。
type PlayerView struct {
	Player     PlayerRollup `json:"player"`
	IsFallback bool         `json:"isFallback,omitempty"`
}

// CommunityView はコミュニティビューのレスポンス。
type CommunityView struct {
	Users             []PlayerRollup `json:"users"`
	TotalAchievements int            `json:"totalAchievements"`
	IsFallback        bool           `json:"isFallback,omitempty"`
}

// RecentAchievement は最近解除した実績。IDは "{achievementId}_{gameId}"。
type RecentAchievement struct {
	model.Achievement
	ID       string `json:"id"`
	GameID   string `json:"gameId"`
	GameName string `json:"gameName"`
}

// RecentView は最近の実績ビューのレスポンス。
type RecentView struct {
	Achievements []RecentAchievement `json:"achievements"`
	Total        int                 `json:"total"`
}

func linkViews(links map[string]model.ExternalAccountLink) map[string]LinkView {
	if len(links) == 0 {
		return nil
	}
	out := make(map[string]LinkView, len(links))
	for platform, l := range links {
		v := LinkView{
			ExternalID:  l.ExternalID,
			DisplayName: l.DisplayName,
			AvatarURL:   l.AvatarURL,
			ProfileURL:  l.ProfileURL,
		}
		if !l.ConnectedAt.IsZero() {
			v.ConnectedAt = l.ConnectedAt.Unix()
		}
		out[platform] = v
	}
	return out
}
