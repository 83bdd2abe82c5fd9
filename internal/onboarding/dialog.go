package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"refbot/internal/referral"
	"refbot/internal/store"
	"refbot/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State состояние диалога регистрации
type State int

const (
	StateIdle State = iota
	StateAwaitingAction
	StateAwaitingCode
	StateCommitted
	StateAlreadyRegistered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAction:
		return "awaiting_action"
	case StateAwaitingCode:
		return "awaiting_code"
	case StateCommitted:
		return "committed"
	case StateAlreadyRegistered:
		return "already_registered"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// События диалога
const (
	EventStart      = "start"
	EventEnterCode  = "enter_code"
	EventSubmitCode = "submit_code"
	EventConfirm    = "confirm"
	EventReject     = "reject"
	EventCancel     = "cancel"
)

var (
	// ErrUnexpectedEvent событие не допустимо в текущем состоянии, сессия не изменена
	ErrUnexpectedEvent = errors.New("событие недопустимо в текущем состоянии")
	// ErrNoSession у пользователя нет активного диалога
	ErrNoSession = fmt.Errorf("%w: нет активной сессии", ErrUnexpectedEvent)
)

// Engine операции атрибуции, нужные диалогу
type Engine interface {
	Profile(ctx context.Context, telegramID int64) (*models.Profile, error)
	RecordLogin(ctx context.Context, profileID uuid.UUID) error
	ResolveInviter(ctx context.Context, code string, requesterTelegramID int64) (*models.Profile, error)
	Attribute(ctx context.Context, applicant referral.Applicant, inviter *models.Profile) (*models.Profile, error)
}

// Recorder принимает события диалога для метрик
type Recorder interface {
	ObserveDialogEvent(event, result string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveDialogEvent(string, string) {}

// StartEvent начало регистрации
type StartEvent struct {
	TelegramID int64
	FirstName  string
	LastName   *string
	Username   *string
	AvatarURL  *string
	// Code необязательный реферальный код из ссылки
	Code string
}

type session struct {
	mu sync.Mutex

	state     State
	applicant referral.Applicant
	candidate *models.Profile
	// saved кандидат до перехода к вводу кода, восстанавливается при отмене
	saved  *models.Profile
	closed bool
}

// Dialog хранит сессии регистрации в памяти, по одной на пользователя.
// Сессии разных пользователей не блокируют друг друга.
type Dialog struct {
	engine   Engine
	logger   *zap.Logger
	recorder Recorder

	mu       sync.Mutex
	sessions map[int64]*session
}

// NewDialog создает диалог регистрации
func NewDialog(engine Engine, logger *zap.Logger) *Dialog {
	return &Dialog{
		engine:   engine,
		logger:   logger,
		recorder: noopRecorder{},
		sessions: make(map[int64]*session),
	}
}

// WithRecorder подключает метрики
func (d *Dialog) WithRecorder(r Recorder) *Dialog {
	if r != nil {
		d.recorder = r
	}
	return d
}

// ActiveSessions количество незавершенных диалогов
func (d *Dialog) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// State текущее состояние диалога пользователя
func (d *Dialog) State(telegramID int64) State {
	s := d.lookup(telegramID)
	if s == nil {
		return StateIdle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StateIdle
	}
	return s.state
}

func (d *Dialog) lookup(telegramID int64) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[telegramID]
}

// replace кладет новую сессию (или удаляет при nil) и закрывает прежнюю
func (d *Dialog) replace(telegramID int64, s *session) {
	d.mu.Lock()
	old := d.sessions[telegramID]
	if s == nil {
		delete(d.sessions, telegramID)
	} else {
		d.sessions[telegramID] = s
	}
	d.mu.Unlock()

	if old != nil && old != s {
		old.mu.Lock()
		old.closed = true
		old.mu.Unlock()
	}
}

// reap удаляет завершенную сессию, если ее еще не заменили
func (d *Dialog) reap(telegramID int64, s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[telegramID] == s {
		delete(d.sessions, telegramID)
	}
}

func (d *Dialog) observe(event string, prompt *Prompt, err error) {
	switch {
	case errors.Is(err, ErrUnexpectedEvent):
		d.recorder.ObserveDialogEvent(event, "unexpected")
	case err != nil:
		d.recorder.ObserveDialogEvent(event, "error")
	case prompt != nil:
		d.recorder.ObserveDialogEvent(event, string(prompt.Kind))
	}
}

// Start начинает регистрацию заново. Существующий профиль сразу завершает диалог.
func (d *Dialog) Start(ctx context.Context, ev StartEvent) (prompt *Prompt, err error) {
	defer func() { d.observe(EventStart, prompt, err) }()

	// прежний диалог отбрасывается только после успешных обращений к хранилищу,
	// ошибка хранилища оставляет его как есть
	existing, err := d.engine.Profile(ctx, ev.TelegramID)
	switch {
	case err == nil:
		d.replace(ev.TelegramID, nil)
		if loginErr := d.engine.RecordLogin(ctx, existing.ID); loginErr != nil {
			d.logger.Warn("ошибка обновления статистики входов",
				zap.Int64("telegram_id", ev.TelegramID),
				zap.Error(loginErr))
		}
		return registeredPrompt(PromptAlreadyRegistered, existing, nil), nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("ошибка проверки регистрации: %w", err)
	}

	var candidate *models.Profile
	if ev.Code != "" {
		candidate, err = d.engine.ResolveInviter(ctx, ev.Code, ev.TelegramID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("ошибка поиска пригласившего: %w", err)
			}
			// неизвестный или собственный код: продолжаем как без кода
			d.logger.Debug("реферальный код из ссылки не найден",
				zap.Int64("telegram_id", ev.TelegramID),
				zap.String("code", ev.Code),
				zap.Error(err))
			candidate = nil
		}
	}

	d.replace(ev.TelegramID, &session{
		state: StateAwaitingAction,
		applicant: referral.Applicant{
			TelegramID: ev.TelegramID,
			FirstName:  ev.FirstName,
			LastName:   ev.LastName,
			Username:   ev.Username,
			AvatarURL:  ev.AvatarURL,
		},
		candidate: candidate,
	})

	return candidatePrompt(candidate), nil
}

// withSession выполняет fn под блокировкой сессии, если она в ожидаемом состоянии
func (d *Dialog) withSession(telegramID int64, want State, fn func(s *session) (*Prompt, error)) (*Prompt, error) {
	s := d.lookup(telegramID)
	if s == nil {
		return nil, ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNoSession
	}
	if s.state != want {
		return nil, fmt.Errorf("%w: %s в состоянии %s", ErrUnexpectedEvent, want, s.state)
	}
	return fn(s)
}

// EnterCode переводит диалог к вводу кода
func (d *Dialog) EnterCode(_ context.Context, telegramID int64) (prompt *Prompt, err error) {
	defer func() { d.observe(EventEnterCode, prompt, err) }()

	return d.withSession(telegramID, StateAwaitingAction, func(s *session) (*Prompt, error) {
		s.saved = s.candidate
		s.state = StateAwaitingCode
		return &Prompt{Kind: PromptEnterCode}, nil
	})
}

// SubmitCode проверяет введенный код. Неверный код оставляет диалог в ожидании кода.
func (d *Dialog) SubmitCode(ctx context.Context, telegramID int64, text string) (prompt *Prompt, err error) {
	defer func() { d.observe(EventSubmitCode, prompt, err) }()

	return d.withSession(telegramID, StateAwaitingCode, func(s *session) (*Prompt, error) {
		code := referral.NormalizeCode(text)

		inviter, err := d.engine.ResolveInviter(ctx, code, telegramID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("ошибка поиска пригласившего: %w", err)
			}
			return &Prompt{Kind: PromptInvalidCode, Code: code}, nil
		}

		s.candidate = inviter
		s.saved = nil
		s.state = StateAwaitingAction
		return candidatePrompt(inviter), nil
	})
}

// Cancel отменяет ввод кода и возвращает прежнего кандидата
func (d *Dialog) Cancel(_ context.Context, telegramID int64) (prompt *Prompt, err error) {
	defer func() { d.observe(EventCancel, prompt, err) }()

	return d.withSession(telegramID, StateAwaitingCode, func(s *session) (*Prompt, error) {
		s.candidate = s.saved
		s.saved = nil
		s.state = StateAwaitingAction
		return candidatePrompt(s.candidate), nil
	})
}

// Reject отказывается от найденного пригласившего
func (d *Dialog) Reject(_ context.Context, telegramID int64) (prompt *Prompt, err error) {
	defer func() { d.observe(EventReject, prompt, err) }()

	return d.withSession(telegramID, StateAwaitingAction, func(s *session) (*Prompt, error) {
		s.candidate = nil
		return candidatePrompt(nil), nil
	})
}

// Confirm регистрирует пользователя с текущим кандидатом. После успеха сессия удаляется.
// При ошибке хранилища сессия остается без изменений, подтверждение можно повторить.
func (d *Dialog) Confirm(ctx context.Context, telegramID int64) (prompt *Prompt, err error) {
	defer func() { d.observe(EventConfirm, prompt, err) }()

	var done *session
	prompt, err = d.withSession(telegramID, StateAwaitingAction, func(s *session) (*Prompt, error) {
		done = s
		profile, err := d.engine.Attribute(ctx, s.applicant, s.candidate)
		if errors.Is(err, store.ErrAlreadyExists) {
			// профиль успели создать параллельно
			existing, lookupErr := d.engine.Profile(ctx, telegramID)
			if lookupErr != nil {
				return nil, fmt.Errorf("ошибка получения профиля: %w", lookupErr)
			}
			s.state = StateAlreadyRegistered
			s.closed = true
			return registeredPrompt(PromptAlreadyRegistered, existing, nil), nil
		}
		if err != nil {
			return nil, fmt.Errorf("ошибка регистрации: %w", err)
		}

		s.state = StateCommitted
		s.closed = true
		return registeredPrompt(PromptRegistrationSuccess, profile, s.candidate), nil
	})

	if err == nil {
		d.reap(telegramID, done)
	}
	return prompt, err
}
