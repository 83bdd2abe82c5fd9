package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxReferralDepth максимальная глубина реферального дерева в статистике
const MaxReferralDepth = 5

// StatsSource показывает, откуда получена статистика
type StatsSource string

const (
	// StatsSourceRecursive живой рекурсивный запрос по profiles.referred_by
	StatsSourceRecursive StatsSource = "recursive"
	// StatsSourceCounter поддерживаемые счетчики referral_stats
	StatsSourceCounter StatsSource = "counter"
	// StatsSourceUnavailable счетчики отсутствуют, возвращены нули
	StatsSourceUnavailable StatsSource = "unavailable"
)

// LevelCounts представляет статистику рефералов по уровням 1..5
type LevelCounts struct {
	Level1Count int         `json:"level_1_count"`
	Level2Count int         `json:"level_2_count"`
	Level3Count int         `json:"level_3_count"`
	Level4Count int         `json:"level_4_count"`
	Level5Count int         `json:"level_5_count"`
	Total       int         `json:"total_referrals"`
	Source      StatsSource `json:"source"`
	Degraded    bool        `json:"degraded"` // true, если данные неполные
}

// Level возвращает количество рефералов на уровне n (1..5)
func (lc *LevelCounts) Level(n int) int {
	switch n {
	case 1:
		return lc.Level1Count
	case 2:
		return lc.Level2Count
	case 3:
		return lc.Level3Count
	case 4:
		return lc.Level4Count
	case 5:
		return lc.Level5Count
	default:
		return 0
	}
}

// SetLevel устанавливает количество рефералов на уровне n и пересчитывает Total
func (lc *LevelCounts) SetLevel(n, count int) {
	switch n {
	case 1:
		lc.Level1Count = count
	case 2:
		lc.Level2Count = count
	case 3:
		lc.Level3Count = count
	case 4:
		lc.Level4Count = count
	case 5:
		lc.Level5Count = count
	default:
		return
	}
	lc.Total = lc.Level1Count + lc.Level2Count + lc.Level3Count + lc.Level4Count + lc.Level5Count
}

// String возвращает краткое представление статистики
func (lc *LevelCounts) String() string {
	return fmt.Sprintf("L1=%d L2=%d L3=%d L4=%d L5=%d total=%d (%s)",
		lc.Level1Count, lc.Level2Count, lc.Level3Count, lc.Level4Count, lc.Level5Count, lc.Total, lc.Source)
}

// LevelCountsFromRow собирает статистику из строки referral_stats
func LevelCountsFromRow(row *ReferralStatsRow) *LevelCounts {
	lc := &LevelCounts{
		Level1Count: row.Level1Count,
		Level2Count: row.Level2Count,
		Level3Count: row.Level3Count,
		Level4Count: row.Level4Count,
		Level5Count: row.Level5Count,
		Source:      StatsSourceCounter,
	}
	lc.Total = row.TotalReferrals
	return lc
}

// OrphanReferral профиль с referred_by, для которого нет записи в referrals
type OrphanReferral struct {
	ProfileID  uuid.UUID `json:"profile_id"`
	ReferredBy uuid.UUID `json:"referred_by"`
	CreatedAt  time.Time `json:"created_at"`
}
