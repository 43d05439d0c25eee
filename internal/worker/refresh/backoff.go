package refresh

import "time"

const (
	// initialBackoff はサイクル全体が失敗したときの初回待機時間。
	initialBackoff = time.Minute
	// maxBackoff は待機時間の上限。
	maxBackoff = time.Hour
)

// CalculateBackoff は連続失敗サイクル数に基づいて次のサイクルまでの待機時間を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
