package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserName(t *testing.T) {
	tests := []struct {
		name     string
		first    string
		last     string
		username string
		want     string
	}{
		{"имя и фамилия", "Иван", "Петров", "ivan", "Иван Петров"},
		{"только имя", " Иван ", "", "ivan", "Иван"},
		{"только username", "", "Петров", "@ivan", "@ivan"},
		{"ничего нет", " ", "", "", DefaultUserName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserName(tt.first, tt.last, tt.username))
		})
	}
}

func TestProfile_DisplayName(t *testing.T) {
	var nilProfile *Profile
	assert.Equal(t, DefaultUserName, nilProfile.DisplayName())
	assert.Empty(t, nilProfile.Username())

	p := &Profile{FirstName: "Анна", LastName: StringPtr("Смирнова"), TelegramUsername: StringPtr("anna")}
	assert.Equal(t, "Анна Смирнова", p.DisplayName())
	assert.Equal(t, "anna", p.Username())
}

func TestFormatJoinDate(t *testing.T) {
	assert.Equal(t, "сегодня", FormatJoinDate(time.Time{}))
	assert.Equal(t, "2024-03-05", FormatJoinDate(time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)))
}

func TestStringPtr(t *testing.T) {
	assert.Nil(t, StringPtr(""))
	assert.Equal(t, "x", *StringPtr("x"))
}

func TestLevelCounts(t *testing.T) {
	lc := &LevelCounts{}
	lc.SetLevel(1, 3)
	lc.SetLevel(5, 2)
	lc.SetLevel(6, 100)

	assert.Equal(t, 3, lc.Level(1))
	assert.Equal(t, 2, lc.Level(5))
	assert.Equal(t, 0, lc.Level(6))
	assert.Equal(t, 5, lc.Total)
}

func TestLevelCountsFromRow(t *testing.T) {
	lc := LevelCountsFromRow(&ReferralStatsRow{
		TotalReferrals: 4,
		TotalEarnings:  decimal.NewFromInt(150),
		Level1Count:    3,
		Level2Count:    1,
	})

	assert.Equal(t, StatsSourceCounter, lc.Source)
	assert.Equal(t, 3, lc.Level1Count)
	assert.Equal(t, 1, lc.Level2Count)
	// total берется из счетчика строки, а не суммы уровней
	assert.Equal(t, 4, lc.Total)
	assert.False(t, lc.Degraded)
}
