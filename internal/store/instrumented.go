package store

import (
	"context"
	"errors"
	"time"

	"refbot/pkg/models"

	"github.com/google/uuid"
)

// Recorder принимает результаты вызовов хранилища (реализуется пакетом metrics)
type Recorder interface {
	ObserveBackendCall(backend, op, status string, duration time.Duration)
}

// Статусы вызовов для метрик
const (
	StatusOK          = "ok"
	StatusNotFound    = "not_found"
	StatusExists      = "exists"
	StatusUnavailable = "unavailable"
)

// CallStatus переводит ошибку хранилища в статус для метрик
func CallStatus(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return StatusExists
	default:
		return StatusUnavailable
	}
}

// InstrumentedBackend оборачивает Backend и записывает длительность и статус каждого вызова
type InstrumentedBackend struct {
	next Backend
	rec  Recorder
}

// Instrument оборачивает хранилище метриками
func Instrument(next Backend, rec Recorder) *InstrumentedBackend {
	return &InstrumentedBackend{next: next, rec: rec}
}

// Unwrap возвращает исходное хранилище
func (b *InstrumentedBackend) Unwrap() Backend {
	return b.next
}

func (b *InstrumentedBackend) observe(op string, start time.Time, err error) {
	b.rec.ObserveBackendCall(b.next.Name(), op, CallStatus(err), time.Since(start))
}

func (b *InstrumentedBackend) Name() string {
	return b.next.Name()
}

func (b *InstrumentedBackend) GetProfileByExternalID(ctx context.Context, telegramID int64) (*models.Profile, error) {
	start := time.Now()
	p, err := b.next.GetProfileByExternalID(ctx, telegramID)
	b.observe("get_profile_by_external_id", start, err)
	return p, err
}

func (b *InstrumentedBackend) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	start := time.Now()
	p, err := b.next.GetProfileByID(ctx, id)
	b.observe("get_profile_by_id", start, err)
	return p, err
}

func (b *InstrumentedBackend) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	start := time.Now()
	p, err := b.next.GetProfileByReferralCode(ctx, code)
	b.observe("get_profile_by_referral_code", start, err)
	return p, err
}

func (b *InstrumentedBackend) CreateProfile(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	start := time.Now()
	p, err := b.next.CreateProfile(ctx, req)
	b.observe("create_profile", start, err)
	return p, err
}

func (b *InstrumentedBackend) CreateReferralEdge(ctx context.Context, referrerID, referredID uuid.UUID, level int) (bool, error) {
	start := time.Now()
	created, err := b.next.CreateReferralEdge(ctx, referrerID, referredID, level)
	b.observe("create_referral_edge", start, err)
	return created, err
}

func (b *InstrumentedBackend) IncrementReferralCounters(ctx context.Context, referrerID uuid.UUID) error {
	start := time.Now()
	err := b.next.IncrementReferralCounters(ctx, referrerID)
	b.observe("increment_referral_counters", start, err)
	return err
}

func (b *InstrumentedBackend) GetReferralStats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error) {
	start := time.Now()
	lc, err := b.next.GetReferralStats(ctx, profileID)
	b.observe("get_referral_stats", start, err)
	return lc, err
}

func (b *InstrumentedBackend) RecordLogin(ctx context.Context, profileID uuid.UUID) error {
	start := time.Now()
	err := b.next.RecordLogin(ctx, profileID)
	b.observe("record_login", start, err)
	return err
}

func (b *InstrumentedBackend) Close() error {
	return b.next.Close()
}

// AsAuditor ищет Auditor, снимая обертки
func AsAuditor(b Backend) (Auditor, bool) {
	for {
		if a, ok := b.(Auditor); ok {
			return a, true
		}
		w, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return nil, false
		}
		b = w.Unwrap()
	}
}
