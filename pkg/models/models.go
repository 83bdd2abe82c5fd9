package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Profile представляет профиль пользователя бота
type Profile struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	TelegramID       int64      `json:"telegram_id" db:"telegram_id"`
	TelegramUsername *string    `json:"telegram_username" db:"telegram_username"`
	FirstName        string     `json:"first_name" db:"first_name"`
	LastName         *string    `json:"last_name" db:"last_name"`
	AvatarURL        *string    `json:"avatar_url" db:"avatar_url"`
	ReferralCode     string     `json:"referral_code" db:"referral_code"` // Уникальный реферальный код
	ReferredBy       *uuid.UUID `json:"referred_by" db:"referred_by"`     // ID пригласившего профиля
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`

	// ReferralsCount заполняется только при поиске по коду, если бэкенд его отдает
	ReferralsCount int `json:"referrals_count,omitempty" db:"-" gorm:"-"`
}

// TableName имя таблицы профилей
func (Profile) TableName() string { return "profiles" }

// DisplayName возвращает имя для показа пользователю
func (p *Profile) DisplayName() string {
	if p == nil {
		return DefaultUserName
	}
	return FormatUserName(p.FirstName, deref(p.LastName), deref(p.TelegramUsername))
}

// Username возвращает username без @ или пустую строку
func (p *Profile) Username() string {
	if p == nil {
		return ""
	}
	return deref(p.TelegramUsername)
}

// CreateProfileRequest представляет запрос на создание профиля
type CreateProfileRequest struct {
	TelegramID       int64      `json:"telegram_id" validate:"required"`
	TelegramUsername *string    `json:"telegram_username,omitempty"`
	FirstName        string     `json:"first_name" validate:"required"`
	LastName         *string    `json:"last_name,omitempty"`
	AvatarURL        *string    `json:"avatar_url,omitempty"`
	ReferralCode     string     `json:"referral_code"`
	ReferredBy       *uuid.UUID `json:"referred_by,omitempty"`
}

// ReferralEdge представляет связь "пригласивший -> приглашенный"
type ReferralEdge struct {
	ID         uuid.UUID `json:"id" db:"id"`
	ReferrerID uuid.UUID `json:"referrer_id" db:"referrer_id"`
	ReferredID uuid.UUID `json:"referred_id" db:"referred_id"`
	Level      int       `json:"level" db:"level"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// TableName имя таблицы реферальных связей
func (ReferralEdge) TableName() string { return "referrals" }

// Balance представляет баланс пользователя
type Balance struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	InternalBalance decimal.Decimal `json:"internal_balance" db:"internal_balance"`
	ExternalBalance decimal.Decimal `json:"external_balance" db:"external_balance"`
	TotalEarned     decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalWithdrawn  decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

func (Balance) TableName() string { return "balances" }

// UserStats представляет статистику входов пользователя
type UserStats struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	UserID      uuid.UUID  `json:"user_id" db:"user_id"`
	TotalLogins int        `json:"total_logins" db:"total_logins"`
	LastLoginAt *time.Time `json:"last_login_at" db:"last_login_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

func (UserStats) TableName() string { return "user_stats" }

// ReferralStatsRow представляет строку таблицы referral_stats (кэшированные счетчики)
type ReferralStatsRow struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	UserID         uuid.UUID       `json:"user_id" db:"user_id"`
	TotalReferrals int             `json:"total_referrals" db:"total_referrals"`
	TotalEarnings  decimal.Decimal `json:"total_earnings" db:"total_earnings"`
	Level1Count    int             `json:"level_1_count" db:"level_1_count" gorm:"column:level_1_count"`
	Level2Count    int             `json:"level_2_count" db:"level_2_count" gorm:"column:level_2_count"`
	Level3Count    int             `json:"level_3_count" db:"level_3_count" gorm:"column:level_3_count"`
	Level4Count    int             `json:"level_4_count" db:"level_4_count" gorm:"column:level_4_count"`
	Level5Count    int             `json:"level_5_count" db:"level_5_count" gorm:"column:level_5_count"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

func (ReferralStatsRow) TableName() string { return "referral_stats" }

// UserRole представляет роль пользователя
type UserRole struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func (UserRole) TableName() string { return "user_roles" }

// RoleUser роль, выдаваемая при регистрации
const RoleUser = "user"

// DefaultUserName используется, когда у пользователя нет ни имени, ни username
const DefaultUserName = "Пользователь"

// AdministratorName показывается вместо пригласившего у неатрибутированных пользователей
const AdministratorName = "Администратор"

// FormatUserName собирает отображаемое имя пользователя
func FormatUserName(firstName, lastName, username string) string {
	firstName = strings.TrimSpace(firstName)
	lastName = strings.TrimSpace(lastName)
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")

	switch {
	case firstName != "" && lastName != "":
		return firstName + " " + lastName
	case firstName != "":
		return firstName
	case username != "":
		return "@" + username
	default:
		return DefaultUserName
	}
}

// FormatJoinDate форматирует дату присоединения
func FormatJoinDate(t time.Time) string {
	if t.IsZero() {
		return "сегодня"
	}
	return t.Format("2006-01-02")
}

// StringPtr возвращает указатель на строку или nil для пустой строки
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
