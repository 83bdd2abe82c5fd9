package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"refbot/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createProfile(t *testing.T, b Backend, telegramID int64, referredBy *uuid.UUID) *models.Profile {
	t.Helper()
	p, err := b.CreateProfile(context.Background(), &models.CreateProfileRequest{
		TelegramID:   telegramID,
		FirstName:    fmt.Sprintf("user%d", telegramID),
		ReferralCode: fmt.Sprintf("CODE%04d", telegramID),
		ReferredBy:   referredBy,
	})
	require.NoError(t, err)
	return p
}

func TestMemoryBackend_CreateProfileWithDependents(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	p := createProfile(t, b, 100, nil)
	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.True(t, b.HasDependents(p.ID))

	stats, ok := b.UserStats(p.ID)
	require.True(t, ok)
	assert.Equal(t, 1, stats.TotalLogins)

	got, err := b.GetProfileByExternalID(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	got, err = b.GetProfileByReferralCode(ctx, "CODE0100")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	// повтор с тем же telegram_id
	_, err = b.CreateProfile(ctx, &models.CreateProfileRequest{TelegramID: 100, FirstName: "dup", ReferralCode: "OTHER"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryBackend_NotFound(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	_, err := b.GetProfileByExternalID(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.GetProfileByReferralCode(ctx, "NOPE1234")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.GetProfileByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)

	missing := uuid.New()
	_, err = b.CreateProfile(ctx, &models.CreateProfileRequest{TelegramID: 2, FirstName: "x", ReferredBy: &missing})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_ReferralEdgeIdempotent(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	inviter := createProfile(t, b, 1, nil)
	invitee := createProfile(t, b, 2, &inviter.ID)

	created, err := b.CreateReferralEdge(ctx, inviter.ID, invitee.ID, 1)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = b.CreateReferralEdge(ctx, inviter.ID, invitee.ID, 1)
	require.NoError(t, err)
	assert.False(t, created)

	edges := b.Edges()
	require.Len(t, edges, 1)
	assert.True(t, edges[0].IsActive)
	assert.Equal(t, 1, edges[0].Level)

	found, err := b.GetProfileByReferralCode(ctx, inviter.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, 1, found.ReferralsCount)
}

func TestMemoryBackend_StatsFiveLevelChain(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	// цепочка root -> c1 -> c2 -> ... -> c6, шестой уровень не считается
	root := createProfile(t, b, 1, nil)
	parent := root
	for i := int64(2); i <= 7; i++ {
		parent = createProfile(t, b, i, &parent.ID)
	}
	// второй прямой реферал
	createProfile(t, b, 50, &root.ID)

	lc, err := b.GetReferralStats(ctx, root.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, lc.Level1Count)
	assert.Equal(t, 1, lc.Level2Count)
	assert.Equal(t, 1, lc.Level3Count)
	assert.Equal(t, 1, lc.Level4Count)
	assert.Equal(t, 1, lc.Level5Count)
	assert.Equal(t, 6, lc.Total)
	assert.Equal(t, models.StatsSourceRecursive, lc.Source)
	assert.False(t, lc.Degraded)

	leaf, err := b.GetProfileByExternalID(ctx, 7)
	require.NoError(t, err)
	lc, err = b.GetReferralStats(ctx, leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, lc.Total)
}

func TestMemoryBackend_ConcurrentCounterIncrements(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	inviter := createProfile(t, b, 1, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.IncrementReferralCounters(ctx, inviter.ID))
		}()
	}
	wg.Wait()

	row, ok := b.ReferralStatsRow(inviter.ID)
	require.True(t, ok)
	assert.Equal(t, 50, row.TotalReferrals)
	assert.Equal(t, 50, row.Level1Count)
}

func TestMemoryBackend_FindOrphanReferrals(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	inviter := createProfile(t, b, 1, nil)
	linked := createProfile(t, b, 2, &inviter.ID)
	orphan := createProfile(t, b, 3, &inviter.ID)

	_, err := b.CreateReferralEdge(ctx, inviter.ID, linked.ID, 1)
	require.NoError(t, err)

	orphans, err := b.FindOrphanReferrals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan.ID, orphans[0].ProfileID)
	assert.Equal(t, inviter.ID, orphans[0].ReferredBy)
}

func TestMemoryBackend_RecordLogin(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	p := createProfile(t, b, 1, nil)

	require.NoError(t, b.RecordLogin(ctx, p.ID))
	require.NoError(t, b.RecordLogin(ctx, p.ID))

	stats, ok := b.UserStats(p.ID)
	require.True(t, ok)
	assert.Equal(t, 3, stats.TotalLogins)
	assert.NotNil(t, stats.LastLoginAt)
}
