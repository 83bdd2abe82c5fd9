package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"refbot/internal/config"
	"refbot/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type edgeKey struct {
	referrer uuid.UUID
	referred uuid.UUID
}

// MemoryBackend хранилище в памяти процесса для тестов и локального запуска
type MemoryBackend struct {
	mu sync.RWMutex

	profiles     map[uuid.UUID]*models.Profile
	byTelegramID map[int64]uuid.UUID
	byCode       map[string]uuid.UUID
	edges        map[edgeKey]*models.ReferralEdge
	balances     map[uuid.UUID]*models.Balance
	userStats    map[uuid.UUID]*models.UserStats
	refStats     map[uuid.UUID]*models.ReferralStatsRow
	roles        map[uuid.UUID]*models.UserRole

	now func() time.Time
}

// NewMemoryBackend создает пустое хранилище в памяти
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		profiles:     make(map[uuid.UUID]*models.Profile),
		byTelegramID: make(map[int64]uuid.UUID),
		byCode:       make(map[string]uuid.UUID),
		edges:        make(map[edgeKey]*models.ReferralEdge),
		balances:     make(map[uuid.UUID]*models.Balance),
		userStats:    make(map[uuid.UUID]*models.UserStats),
		refStats:     make(map[uuid.UUID]*models.ReferralStatsRow),
		roles:        make(map[uuid.UUID]*models.UserRole),
		now:          time.Now,
	}
}

// Name возвращает имя хранилища
func (m *MemoryBackend) Name() string {
	return config.BackendMemory
}

func copyProfile(p *models.Profile) *models.Profile {
	cp := *p
	return &cp
}

// GetProfileByExternalID получает профиль по Telegram ID
func (m *MemoryBackend) GetProfileByExternalID(_ context.Context, telegramID int64) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTelegramID[telegramID]
	if !ok {
		return nil, fmt.Errorf("получение профиля по telegram_id: %w", ErrNotFound)
	}
	return copyProfile(m.profiles[id]), nil
}

// GetProfileByID получает профиль по ID
func (m *MemoryBackend) GetProfileByID(_ context.Context, id uuid.UUID) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("получение профиля по id: %w", ErrNotFound)
	}
	return copyProfile(p), nil
}

// GetProfileByReferralCode получает профиль по реферальному коду
func (m *MemoryBackend) GetProfileByReferralCode(_ context.Context, code string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, fmt.Errorf("получение профиля по коду: %w", ErrNotFound)
	}

	p := copyProfile(m.profiles[id])
	for k, e := range m.edges {
		if k.referrer == id && e.IsActive {
			p.ReferralsCount++
		}
	}
	return p, nil
}

// CreateProfile создает профиль и зависимые строки под одной блокировкой
func (m *MemoryBackend) CreateProfile(_ context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTelegramID[req.TelegramID]; exists {
		return nil, fmt.Errorf("создание профиля: %w", ErrAlreadyExists)
	}
	if req.ReferralCode != "" {
		if _, exists := m.byCode[req.ReferralCode]; exists {
			return nil, fmt.Errorf("создание профиля: %w", ErrAlreadyExists)
		}
	}
	if req.ReferredBy != nil {
		if _, exists := m.profiles[*req.ReferredBy]; !exists {
			return nil, fmt.Errorf("создание профиля: пригласивший: %w", ErrNotFound)
		}
	}

	now := m.now()
	p := &models.Profile{
		ID:               uuid.New(),
		TelegramID:       req.TelegramID,
		TelegramUsername: req.TelegramUsername,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		AvatarURL:        req.AvatarURL,
		ReferralCode:     req.ReferralCode,
		ReferredBy:       req.ReferredBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	m.profiles[p.ID] = p
	m.byTelegramID[p.TelegramID] = p.ID
	if p.ReferralCode != "" {
		m.byCode[p.ReferralCode] = p.ID
	}
	m.balances[p.ID] = &models.Balance{
		ID:              uuid.New(),
		UserID:          p.ID,
		InternalBalance: decimal.Zero,
		ExternalBalance: decimal.Zero,
		TotalEarned:     decimal.Zero,
		TotalWithdrawn:  decimal.Zero,
		UpdatedAt:       now,
	}
	m.userStats[p.ID] = &models.UserStats{
		ID:          uuid.New(),
		UserID:      p.ID,
		TotalLogins: 1,
		LastLoginAt: &now,
		UpdatedAt:   now,
	}
	m.refStats[p.ID] = &models.ReferralStatsRow{
		ID:            uuid.New(),
		UserID:        p.ID,
		TotalEarnings: decimal.Zero,
		UpdatedAt:     now,
	}
	m.roles[p.ID] = &models.UserRole{
		ID:        uuid.New(),
		UserID:    p.ID,
		Role:      models.RoleUser,
		CreatedAt: now,
	}

	return copyProfile(p), nil
}

// CreateReferralEdge создает связь или повторно активирует существующую
func (m *MemoryBackend) CreateReferralEdge(_ context.Context, referrerID, referredID uuid.UUID, level int) (bool, error) {
	if level < 1 {
		level = defaultLevel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[referrerID]; !ok {
		return false, fmt.Errorf("создание реферальной связи: %w", ErrNotFound)
	}
	if _, ok := m.profiles[referredID]; !ok {
		return false, fmt.Errorf("создание реферальной связи: %w", ErrNotFound)
	}

	key := edgeKey{referrer: referrerID, referred: referredID}
	if e, ok := m.edges[key]; ok {
		e.IsActive = true
		return false, nil
	}

	m.edges[key] = &models.ReferralEdge{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Level:      level,
		IsActive:   true,
		CreatedAt:  m.now(),
	}
	return true, nil
}

// IncrementReferralCounters увеличивает счетчики пригласившего
func (m *MemoryBackend) IncrementReferralCounters(_ context.Context, referrerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.refStats[referrerID]
	if !ok {
		row = &models.ReferralStatsRow{ID: uuid.New(), UserID: referrerID, TotalEarnings: decimal.Zero}
		m.refStats[referrerID] = row
	}
	row.TotalReferrals++
	row.Level1Count++
	row.UpdatedAt = m.now()
	return nil
}

// GetReferralStats обходит дерево рефералов в ширину до глубины 5
func (m *MemoryBackend) GetReferralStats(_ context.Context, profileID uuid.UUID) (*models.LevelCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	children := make(map[uuid.UUID][]uuid.UUID)
	for _, p := range m.profiles {
		if p.ReferredBy != nil {
			children[*p.ReferredBy] = append(children[*p.ReferredBy], p.ID)
		}
	}

	lc := &models.LevelCounts{Source: models.StatsSourceRecursive}
	frontier := []uuid.UUID{profileID}
	for level := 1; level <= models.MaxReferralDepth && len(frontier) > 0; level++ {
		var next []uuid.UUID
		for _, id := range frontier {
			next = append(next, children[id]...)
		}
		lc.SetLevel(level, len(next))
		frontier = next
	}
	return lc, nil
}

// RecordLogin увеличивает счетчик входов
func (m *MemoryBackend) RecordLogin(_ context.Context, profileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stats, ok := m.userStats[profileID]
	if !ok {
		stats = &models.UserStats{ID: uuid.New(), UserID: profileID}
		m.userStats[profileID] = stats
	}
	stats.TotalLogins++
	stats.LastLoginAt = &now
	stats.UpdatedAt = now
	return nil
}

// FindOrphanReferrals находит профили с referred_by без реферальной связи
func (m *MemoryBackend) FindOrphanReferrals(_ context.Context, limit int) ([]models.OrphanReferral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var orphans []models.OrphanReferral
	for _, p := range m.profiles {
		if p.ReferredBy == nil {
			continue
		}
		if _, ok := m.edges[edgeKey{referrer: *p.ReferredBy, referred: p.ID}]; ok {
			continue
		}
		orphans = append(orphans, models.OrphanReferral{
			ProfileID:  p.ID,
			ReferredBy: *p.ReferredBy,
			CreatedAt:  p.CreatedAt,
		})
		if limit > 0 && len(orphans) >= limit {
			break
		}
	}
	return orphans, nil
}

// Edges возвращает копию реферальных связей
func (m *MemoryBackend) Edges() []models.ReferralEdge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	edges := make([]models.ReferralEdge, 0, len(m.edges))
	for _, e := range m.edges {
		edges = append(edges, *e)
	}
	return edges
}

// ReferralStatsRow возвращает копию строки счетчиков
func (m *MemoryBackend) ReferralStatsRow(profileID uuid.UUID) (models.ReferralStatsRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.refStats[profileID]
	if !ok {
		return models.ReferralStatsRow{}, false
	}
	return *row, true
}

// UserStats возвращает копию статистики входов
func (m *MemoryBackend) UserStats(profileID uuid.UUID) (models.UserStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.userStats[profileID]
	if !ok {
		return models.UserStats{}, false
	}
	return *s, true
}

// HasDependents проверяет, что у профиля есть все зависимые строки
func (m *MemoryBackend) HasDependents(profileID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, b := m.balances[profileID]
	_, s := m.userStats[profileID]
	_, r := m.refStats[profileID]
	_, role := m.roles[profileID]
	return b && s && r && role
}

// Close ничего не делает
func (m *MemoryBackend) Close() error {
	return nil
}
