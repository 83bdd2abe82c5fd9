package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"refbot/pkg/models"

	"github.com/google/uuid"
)

// Ключи, под которыми удаленный сервис может прислать поля профиля
var (
	envelopeKeys     = []string{"profile", "user", "data", "result"}
	idKeys           = []string{"id", "profile_id", "user_id", "uuid"}
	telegramIDKeys   = []string{"telegram_id", "telegramId", "tg_id"}
	usernameKeys     = []string{"telegram_username", "username", "telegramUsername"}
	firstNameKeys    = []string{"first_name", "firstName"}
	lastNameKeys     = []string{"last_name", "lastName"}
	avatarKeys       = []string{"avatar_url", "avatarUrl", "photo_url"}
	referralCodeKeys = []string{"referral_code", "referralCode"}
	referredByKeys   = []string{"referred_by", "referredBy"}
	createdAtKeys    = []string{"created_at", "createdAt"}
	updatedAtKeys    = []string{"updated_at", "updatedAt"}
	referralsKeys    = []string{"referrals_count", "referralsCount", "total_referrals"}

	statsEnvelopeKeys = []string{"stats", "referral_stats", "data"}
	totalKeys         = []string{"total_referrals", "totalReferrals", "total"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("некорректный JSON: %w", err)
	}
	return unwrapObject(raw, envelopeKeys)
}

// unwrapObject снимает конверты вида {"profile": {...}} и {"data": [{...}]}
func unwrapObject(raw any, envelopes []string) (map[string]any, error) {
	for depth := 0; depth < 3; depth++ {
		switch v := raw.(type) {
		case []any:
			if len(v) == 0 {
				return nil, ErrNotFound
			}
			raw = v[0]
			continue
		case map[string]any:
			for _, k := range envelopes {
				if val, exists := v[k]; exists && val == nil {
					return nil, ErrNotFound
				}
			}
			next, ok := pick(v, envelopes)
			if !ok || next == nil {
				return v, nil
			}
			switch next.(type) {
			case map[string]any, []any:
				raw = next
				continue
			}
			return v, nil
		case nil:
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("неожиданный тип ответа %T", raw)
		}
	}
	if m, ok := raw.(map[string]any); ok {
		return m, nil
	}
	return nil, fmt.Errorf("слишком глубокая вложенность ответа")
}

func pick(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func pickString(m map[string]any, keys []string) string {
	v, ok := pick(m, keys)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

func pickStringPtr(m map[string]any, keys []string) *string {
	return models.StringPtr(pickString(m, keys))
}

// pickInt64 принимает число или строку с числом
func pickInt64(m map[string]any, keys []string) (int64, error) {
	v, ok := pick(m, keys)
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("неожиданный тип %T", v)
	}
}

func pickUUID(m map[string]any, keys []string) (*uuid.UUID, error) {
	s := pickString(m, keys)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func pickTime(m map[string]any, keys []string) time.Time {
	s := pickString(m, keys)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// normalizeProfile приводит ответ удаленного сервиса к models.Profile
func normalizeProfile(body []byte) (*models.Profile, error) {
	obj, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	return profileFromMap(obj)
}

func profileFromMap(obj map[string]any) (*models.Profile, error) {
	id, err := pickUUID(obj, idKeys)
	if err != nil {
		return nil, fmt.Errorf("некорректный id профиля: %w", err)
	}
	if id == nil {
		return nil, fmt.Errorf("в ответе нет id профиля")
	}

	telegramID, err := pickInt64(obj, telegramIDKeys)
	if err != nil {
		return nil, fmt.Errorf("некорректный telegram_id: %w", err)
	}

	referredBy, err := pickUUID(obj, referredByKeys)
	if err != nil {
		return nil, fmt.Errorf("некорректный referred_by: %w", err)
	}

	referrals, err := pickInt64(obj, referralsKeys)
	if err != nil {
		referrals = 0
	}

	p := &models.Profile{
		ID:               *id,
		TelegramID:       telegramID,
		TelegramUsername: pickStringPtr(obj, usernameKeys),
		FirstName:        pickString(obj, firstNameKeys),
		LastName:         pickStringPtr(obj, lastNameKeys),
		AvatarURL:        pickStringPtr(obj, avatarKeys),
		ReferralCode:     pickString(obj, referralCodeKeys),
		ReferredBy:       referredBy,
		CreatedAt:        pickTime(obj, createdAtKeys),
		UpdatedAt:        pickTime(obj, updatedAtKeys),
		ReferralsCount:   int(referrals),
	}
	return p, nil
}

// normalizeLevelCounts приводит ответ со статистикой к models.LevelCounts
func normalizeLevelCounts(body []byte) (*models.LevelCounts, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("некорректный JSON: %w", err)
	}
	obj, err := unwrapObject(raw, statsEnvelopeKeys)
	if err != nil {
		return nil, err
	}

	lc := &models.LevelCounts{Source: models.StatsSourceCounter}
	for level := 1; level <= models.MaxReferralDepth; level++ {
		n, err := pickInt64(obj, []string{
			fmt.Sprintf("level_%d_count", level),
			fmt.Sprintf("level%dCount", level),
			fmt.Sprintf("level_%d", level),
		})
		if err != nil {
			return nil, fmt.Errorf("некорректный счетчик уровня %d: %w", level, err)
		}
		lc.SetLevel(level, int(n))
	}

	// сервис ведет total_referrals отдельно, доверяем ему, если он есть
	if _, ok := pick(obj, totalKeys); ok {
		total, err := pickInt64(obj, totalKeys)
		if err != nil {
			return nil, fmt.Errorf("некорректный total_referrals: %w", err)
		}
		lc.Total = int(total)
	}
	return lc, nil
}
