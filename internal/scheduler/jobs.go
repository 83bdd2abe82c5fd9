package scheduler

import (
	"context"
	"fmt"
	"time"

	"refbot/internal/store"
	"refbot/pkg/models"

	"go.uber.org/zap"
)

// SessionCounter источник числа активных диалогов
type SessionCounter interface {
	ActiveSessions() int
}

// SessionGauge принимает число активных диалогов
type SessionGauge interface {
	SetActiveSessions(n int)
}

// SessionGaugeJob публикует число незавершенных диалогов регистрации
type SessionGaugeJob struct {
	sessions SessionCounter
	gauge    SessionGauge
}

// NewSessionGaugeJob создает джобу для gauge активных диалогов
func NewSessionGaugeJob(sessions SessionCounter, gauge SessionGauge) *SessionGaugeJob {
	return &SessionGaugeJob{sessions: sessions, gauge: gauge}
}

func (j *SessionGaugeJob) Name() string {
	return "session_gauge"
}

// Run обновляет gauge
func (j *SessionGaugeJob) Run(_ context.Context) error {
	j.gauge.SetActiveSessions(j.sessions.ActiveSessions())
	return nil
}

// AuditRecorder принимает результат проверки целостности
type AuditRecorder interface {
	RecordAudit(orphans int, at time.Time)
}

// IntegrityAuditJob ищет профили с referred_by, для которых не создана реферальная связь.
// Такие профили остаются после частичной регистрации. Джоба только сообщает о них.
type IntegrityAuditJob struct {
	auditor  store.Auditor
	recorder AuditRecorder
	limit    int
	logger   *zap.Logger
	now      func() time.Time
}

// NewIntegrityAuditJob создает джобу проверки целостности
func NewIntegrityAuditJob(auditor store.Auditor, recorder AuditRecorder, limit int, logger *zap.Logger) *IntegrityAuditJob {
	return &IntegrityAuditJob{
		auditor:  auditor,
		recorder: recorder,
		limit:    limit,
		logger:   logger,
		now:      time.Now,
	}
}

func (j *IntegrityAuditJob) Name() string {
	return "referral_integrity_audit"
}

// Run запускает проверку
func (j *IntegrityAuditJob) Run(ctx context.Context) error {
	orphans, err := j.auditor.FindOrphanReferrals(ctx, j.limit)
	if err != nil {
		return fmt.Errorf("ошибка поиска профилей без реферальной связи: %w", err)
	}

	j.recorder.RecordAudit(len(orphans), j.now())

	if len(orphans) == 0 {
		j.logger.Debug("рассинхронизация реферальных данных не найдена")
		return nil
	}

	j.logger.Warn("найдены профили без реферальной связи", zap.Int("count", len(orphans)))
	for _, o := range orphans {
		j.logOrphan(o)
	}
	return nil
}

func (j *IntegrityAuditJob) logOrphan(o models.OrphanReferral) {
	j.logger.Warn("профиль без реферальной связи",
		zap.String("profile_id", o.ProfileID.String()),
		zap.String("referred_by", o.ReferredBy.String()),
		zap.Time("created_at", o.CreatedAt))
}
