package model

import "time"

// AchievementDefinition はゲームごとの実績の静的定義を表す。
// スキーマAPIとグローバル統計APIから取得する参照データ。
type AchievementDefinition struct {
	GameID           string
	AchievementID    string
	DisplayName      string
	Description      string
	IconURL          string
	IconGrayURL      string
	GlobalPercentage float64
}

// AchievementUnlockRecord は(外部アカウント, ゲーム, 実績)ごとの解除状態を表す。
// UnlockTimeはエポック秒で、未解除の場合は0。
type AchievementUnlockRecord struct {
	AchievementID string
	Unlocked      bool
	UnlockTime    int64
}

// Achievement は定義・解除状態・レア度を結合した正規化済みの実績レコード。
type Achievement struct {
	AchievementID    string  `json:"achievementId"`
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	IconURL          string  `json:"iconUrl"`
	IconGrayURL      string  `json:"iconGrayUrl"`
	Unlocked         bool    `json:"unlocked"`
	UnlockTime       int64   `json:"unlockTime"`
	GlobalPercentage float64 `json:"globalPercentage"`
	BypassedPrivacy  bool    `json:"bypassedPrivacy,omitempty"`
}

// CacheFlags はキャッシュエントリの取得経路を表すフラグ。
type CacheFlags struct {
	IsPrivate       bool
	BypassedPrivacy bool
	GameName        string
}

// CachedGameAchievements はキャッシュの単位。
// キーは "{externalAccountId}_{gameId}"。
type CachedGameAchievements struct {
	ExternalAccountID string
	GameID            string
	GameName          string
	Achievements      []Achievement
	CachedAt          time.Time
	IsPrivate         bool
	BypassedPrivacy   bool
}

// UnlockedCount は解除済み実績数を返す。
func (c *CachedGameAchievements) UnlockedCount() int {
	n := 0
	for _, a := range c.Achievements {
		if a.Unlocked {
			n++
		}
	}
	return n
}

// GameName はゲーム名の参照データキャッシュを表す。
type GameName struct {
	GameID    string
	Name      string
	UpdatedAt time.Time
}
