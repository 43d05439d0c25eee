// Package achievement は実績データの取得・正規化・キャッシュを提供する。
// 上流のスキーマ、プレイヤーの解除状況、グローバル達成率を結合し、
// 外部アカウントID×ゲームID単位でキャッシュする。
package achievement

import "github.com/hitoshi/achievedex/internal/model"

// PlaceholderDescription は説明文が無い実績に使う文字列。
const PlaceholderDescription = "No description available"

// Merge はスキーマ定義・解除状況・達成率を結合して正規化済みの実績レコードを返す。
// 定義1件につき1レコードを返し、定義に無い実績は生成しない。
// 結合キーは実績IDの完全一致（大文字小文字を区別する）。
func Merge(defs []model.AchievementDefinition, unlocks []model.AchievementUnlockRecord, rarity map[string]float64) []model.Achievement {
	unlockByID := make(map[string]model.AchievementUnlockRecord, len(unlocks))
	for _, u := range unlocks {
		// 同一IDが重複した場合は解除済みのレコードを優先する
		if prev, ok := unlockByID[u.AchievementID]; ok && prev.Unlocked && !u.Unlocked {
			continue
		}
		unlockByID[u.AchievementID] = u
	}

	records := make([]model.Achievement, 0, len(defs))
	for _, d := range defs {
		rec := model.Achievement{
			AchievementID:    d.AchievementID,
			Name:             d.DisplayName,
			Description:      d.Description,
			IconURL:          d.IconURL,
			IconGrayURL:      d.IconGrayURL,
			GlobalPercentage: d.GlobalPercentage,
		}
		if rec.Name == "" {
			rec.Name = d.AchievementID
		}
		if rec.Description == "" {
			rec.Description = PlaceholderDescription
		}
		if p, ok := rarity[d.AchievementID]; ok {
			rec.GlobalPercentage = p
		}
		if u, ok := unlockByID[d.AchievementID]; ok && u.Unlocked {
			rec.Unlocked = true
			rec.UnlockTime = u.UnlockTime
		}
		records = append(records, rec)
	}
	return records
}

// MergeWithPrior は前回キャッシュの解除状況を解除ソースとして結合する。
// プレイヤーデータが非公開のままスキーマだけ更新する場合に使う。
// 出力レコードにはBypassedPrivacyを付与する。
func MergeWithPrior(defs []model.AchievementDefinition, prior []model.Achievement, rarity map[string]float64) []model.Achievement {
	unlocks := make([]model.AchievementUnlockRecord, 0, len(prior))
	for _, p := range prior {
		unlocks = append(unlocks, model.AchievementUnlockRecord{
			AchievementID: p.AchievementID,
			Unlocked:      p.Unlocked,
			UnlockTime:    p.UnlockTime,
		})
	}

	records := Merge(defs, unlocks, rarity)
	for i := range records {
		records[i].BypassedPrivacy = true
	}
	return records
}
