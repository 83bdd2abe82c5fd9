package store

import (
	"testing"

	"refbot/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProfileID = "7d3f1a52-9c1e-4d0b-8f7a-2b6e1c9d4a10"
const testInviterID = "0b8e5f3c-1a2d-4e6f-9b7c-5d4e3f2a1b0c"

func TestNormalizeProfile(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "конверт profile со snake_case",
			body: `{"success": true, "profile": {"id": "` + testProfileID + `", "telegram_id": 42,
				"telegram_username": "ivan", "first_name": "Иван", "referral_code": "ABCD1234",
				"referred_by": "` + testInviterID + `", "created_at": "2024-03-05T10:11:12.123456"}}`,
		},
		{
			name: "camelCase, username и строковый telegramId",
			body: `{"data": {"id": "` + testProfileID + `", "telegramId": "42", "username": "ivan",
				"firstName": "Иван", "referralCode": "ABCD1234", "referredBy": "` + testInviterID + `",
				"createdAt": "2024-03-05T10:11:12Z"}}`,
		},
		{
			name: "массив строк PostgREST",
			body: `[{"id": "` + testProfileID + `", "telegram_id": 42, "telegram_username": "ivan",
				"first_name": "Иван", "referral_code": "ABCD1234", "referred_by": "` + testInviterID + `",
				"created_at": "2024-03-05 10:11:12"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := normalizeProfile([]byte(tt.body))
			require.NoError(t, err)

			assert.Equal(t, testProfileID, p.ID.String())
			assert.Equal(t, int64(42), p.TelegramID)
			assert.Equal(t, "ivan", p.Username())
			assert.Equal(t, "Иван", p.FirstName)
			assert.Equal(t, "ABCD1234", p.ReferralCode)
			require.NotNil(t, p.ReferredBy)
			assert.Equal(t, testInviterID, p.ReferredBy.String())
			assert.Equal(t, "2024-03-05", models.FormatJoinDate(p.CreatedAt))
		})
	}
}

func TestNormalizeProfile_Missing(t *testing.T) {
	for _, body := range []string{`[]`, `null`, `{"profile": null}`} {
		_, err := normalizeProfile([]byte(body))
		assert.ErrorIs(t, err, ErrNotFound, body)
	}

	_, err := normalizeProfile([]byte(`{"first_name": "без id"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = normalizeProfile([]byte(`not json`))
	assert.Error(t, err)
}

func TestNormalizeLevelCounts(t *testing.T) {
	lc, err := normalizeLevelCounts([]byte(`{"stats": {"level_1_count": 3, "level2Count": "2",
		"level_3_count": 1, "total_referrals": 7}}`))
	require.NoError(t, err)

	assert.Equal(t, 3, lc.Level1Count)
	assert.Equal(t, 2, lc.Level2Count)
	assert.Equal(t, 1, lc.Level3Count)
	assert.Equal(t, 0, lc.Level4Count)
	assert.Equal(t, 7, lc.Total)
	assert.Equal(t, models.StatsSourceCounter, lc.Source)

	lc, err = normalizeLevelCounts([]byte(`{"level_1_count": 2, "level_2_count": 1}`))
	require.NoError(t, err)
	assert.Equal(t, 3, lc.Total)
}
