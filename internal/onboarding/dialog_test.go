package onboarding

import (
	"context"
	"sync"
	"testing"

	"refbot/internal/referral"
	"refbot/internal/store"
	"refbot/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// unstableBackend возвращает ошибку хранилища, пока down == true
type unstableBackend struct {
	*store.MemoryBackend

	mu   sync.Mutex
	down bool
}

func (b *unstableBackend) setDown(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = v
}

func (b *unstableBackend) err(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return &store.BackendError{Backend: "test", Op: op, Err: assert.AnError}
	}
	return nil
}

func (b *unstableBackend) CreateProfile(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	if err := b.err("create_profile"); err != nil {
		return nil, err
	}
	return b.MemoryBackend.CreateProfile(ctx, req)
}

func (b *unstableBackend) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	if err := b.err("get_profile_by_referral_code"); err != nil {
		return nil, err
	}
	return b.MemoryBackend.GetProfileByReferralCode(ctx, code)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) ObserveDialogEvent(event, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+result)
}

type fixture struct {
	dialog  *Dialog
	backend *unstableBackend
	rec     *eventRecorder
}

func newFixture() *fixture {
	backend := &unstableBackend{MemoryBackend: store.NewMemoryBackend()}
	rec := &eventRecorder{}
	engine := referral.NewService(backend, zap.NewNop())
	return &fixture{
		dialog:  NewDialog(engine, zap.NewNop()).WithRecorder(rec),
		backend: backend,
		rec:     rec,
	}
}

// register проводит пользователя через диалог без кода
func (f *fixture) register(t *testing.T, telegramID int64, name string) *models.Profile {
	t.Helper()
	ctx := context.Background()

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: telegramID, FirstName: name})
	require.NoError(t, err)
	prompt, err := f.dialog.Confirm(ctx, telegramID)
	require.NoError(t, err)
	require.Equal(t, PromptRegistrationSuccess, prompt.Kind)
	return prompt.Profile
}

func TestDialog_U1WithoutCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	prompt, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна"})
	require.NoError(t, err)
	assert.Equal(t, PromptNoReferral, prompt.Kind)
	assert.Equal(t, models.AdministratorName, prompt.InviterName)
	assert.Equal(t, StateAwaitingAction, f.dialog.State(1))

	prompt, err = f.dialog.Confirm(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PromptRegistrationSuccess, prompt.Kind)
	assert.Nil(t, prompt.Profile.ReferredBy)
	assert.Nil(t, prompt.Inviter)
	assert.Equal(t, referral.GenerateCode(1), prompt.ReferralCode)

	assert.Equal(t, StateIdle, f.dialog.State(1))
	assert.Equal(t, 0, f.dialog.ActiveSessions())
	assert.True(t, f.backend.HasDependents(prompt.Profile.ID))
}

func TestDialog_U2WithU1Code(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	u1 := f.register(t, 1, "Анна")

	prompt, err := f.dialog.Start(ctx, StartEvent{
		TelegramID: 2,
		FirstName:  "Борис",
		Code:       "ref_" + u1.ReferralCode,
	})
	require.NoError(t, err)
	assert.Equal(t, PromptReferralFound, prompt.Kind)
	assert.Equal(t, "Анна", prompt.InviterName)
	assert.Equal(t, u1.ReferralCode, prompt.ReferralCode)

	prompt, err = f.dialog.Confirm(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, prompt.Profile.ReferredBy)
	assert.Equal(t, u1.ID, *prompt.Profile.ReferredBy)
	require.NotNil(t, prompt.Inviter)
	assert.Equal(t, u1.ID, prompt.Inviter.ID)

	edges := f.backend.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, u1.ID, edges[0].ReferrerID)
	assert.Equal(t, prompt.Profile.ID, edges[0].ReferredID)
	assert.Equal(t, 1, edges[0].Level)
}

// selfEngine всегда находит в коде самого пользователя
type selfEngine struct {
	*referral.Service
}

func (selfEngine) ResolveInviter(context.Context, string, int64) (*models.Profile, error) {
	return nil, referral.ErrSelfReferral
}

func TestDialog_SelfReferral(t *testing.T) {
	ctx := context.Background()
	engine := selfEngine{Service: referral.NewService(store.NewMemoryBackend(), zap.NewNop())}
	d := NewDialog(engine, zap.NewNop())

	// из ссылки: как будто кода не было
	prompt, err := d.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна", Code: "ABCD1234"})
	require.NoError(t, err)
	assert.Equal(t, PromptNoReferral, prompt.Kind)

	// при ручном вводе: неверный код
	_, err = d.EnterCode(ctx, 1)
	require.NoError(t, err)
	prompt, err = d.SubmitCode(ctx, 1, "abcd1234")
	require.NoError(t, err)
	assert.Equal(t, PromptInvalidCode, prompt.Kind)
	assert.Equal(t, "ABCD1234", prompt.Code)
	assert.Equal(t, StateAwaitingCode, d.State(1))
}

func TestDialog_UnknownCodeTreatedAsNoCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	prompt, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна", Code: "NOSUCH12"})
	require.NoError(t, err)
	assert.Equal(t, PromptNoReferral, prompt.Kind)

	prompt, err = f.dialog.Confirm(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, prompt.Profile.ReferredBy)
}

func TestDialog_SelfCodeAfterRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	u1 := f.register(t, 1, "Анна")

	// профиль уже есть: диалог сразу завершается, код не проверяется
	prompt, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна", Code: u1.ReferralCode})
	require.NoError(t, err)
	assert.Equal(t, PromptAlreadyRegistered, prompt.Kind)

	// код, который совпадает с кодом самого пользователя, ResolveInviter отклоняет
	engine := referral.NewService(f.backend, zap.NewNop())
	_, err = engine.ResolveInviter(ctx, u1.ReferralCode, 1)
	assert.ErrorIs(t, err, referral.ErrSelfReferral)
}

func TestDialog_AlreadyRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	u1 := f.register(t, 1, "Анна")
	before, ok := f.backend.UserStats(u1.ID)
	require.True(t, ok)

	prompt, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна"})
	require.NoError(t, err)
	assert.Equal(t, PromptAlreadyRegistered, prompt.Kind)
	assert.Equal(t, u1.ReferralCode, prompt.ReferralCode)
	assert.Equal(t, StateIdle, f.dialog.State(1))
	assert.Equal(t, 0, f.dialog.ActiveSessions())

	after, ok := f.backend.UserStats(u1.ID)
	require.True(t, ok)
	assert.Equal(t, before.TotalLogins+1, after.TotalLogins)

	// подтверждать нечего
	_, err = f.dialog.Confirm(ctx, 1)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Empty(t, f.backend.Edges())
}

func TestDialog_EnterCodeAndCancelRestoresCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	u1 := f.register(t, 1, "Анна")

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 2, FirstName: "Борис", Code: u1.ReferralCode})
	require.NoError(t, err)

	prompt, err := f.dialog.EnterCode(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, PromptEnterCode, prompt.Kind)
	assert.Equal(t, StateAwaitingCode, f.dialog.State(2))

	prompt, err = f.dialog.SubmitCode(ctx, 2, "nosuch12")
	require.NoError(t, err)
	assert.Equal(t, PromptInvalidCode, prompt.Kind)
	assert.Equal(t, "NOSUCH12", prompt.Code)
	assert.Equal(t, StateAwaitingCode, f.dialog.State(2))

	prompt, err = f.dialog.Cancel(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, PromptReferralFound, prompt.Kind)
	assert.Equal(t, u1.ReferralCode, prompt.ReferralCode)
	assert.Equal(t, StateAwaitingAction, f.dialog.State(2))

	prompt, err = f.dialog.Confirm(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, prompt.Profile.ReferredBy)
	assert.Equal(t, u1.ID, *prompt.Profile.ReferredBy)
}

func TestDialog_SubmitCodeSwitchesCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	u1 := f.register(t, 1, "Анна")
	u2 := f.register(t, 2, "Борис")

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 3, FirstName: "Вера", Code: u1.ReferralCode})
	require.NoError(t, err)
	_, err = f.dialog.EnterCode(ctx, 3)
	require.NoError(t, err)

	prompt, err := f.dialog.SubmitCode(ctx, 3, "  "+u2.ReferralCode+"  ")
	require.NoError(t, err)
	assert.Equal(t, PromptReferralFound, prompt.Kind)
	assert.Equal(t, "Борис", prompt.InviterName)

	// после успешного ввода диалог ждет подтверждения, отменять нечего
	_, err = f.dialog.Cancel(ctx, 3)
	assert.ErrorIs(t, err, ErrUnexpectedEvent)

	prompt, err = f.dialog.Confirm(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, u2.ID, *prompt.Profile.ReferredBy)
}

func TestDialog_Reject(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	u1 := f.register(t, 1, "Анна")

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 2, FirstName: "Борис", Code: u1.ReferralCode})
	require.NoError(t, err)

	prompt, err := f.dialog.Reject(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, PromptNoReferral, prompt.Kind)

	prompt, err = f.dialog.Confirm(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, prompt.Profile.ReferredBy)
	assert.Empty(t, f.backend.Edges())
}

func TestDialog_NoDoubleCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.dialog.Confirm(ctx, 1)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrNoSession)
		}
	}
	assert.Equal(t, 1, succeeded)

	p, err := f.backend.GetProfileByExternalID(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, p.ID)
}

func TestDialog_UnexpectedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.dialog.EnterCode(ctx, 1)
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна"})
	require.NoError(t, err)

	_, err = f.dialog.SubmitCode(ctx, 1, "ABCD1234")
	assert.ErrorIs(t, err, ErrUnexpectedEvent)
	_, err = f.dialog.Cancel(ctx, 1)
	assert.ErrorIs(t, err, ErrUnexpectedEvent)
	assert.Equal(t, StateAwaitingAction, f.dialog.State(1))

	_, err = f.dialog.EnterCode(ctx, 1)
	require.NoError(t, err)
	_, err = f.dialog.Confirm(ctx, 1)
	assert.ErrorIs(t, err, ErrUnexpectedEvent)
	assert.Equal(t, StateAwaitingCode, f.dialog.State(1))

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Contains(t, f.rec.events, "confirm:unexpected")
	assert.Contains(t, f.rec.events, "start:no_referral")
}

func TestDialog_BackendErrorKeepsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	u1 := f.register(t, 1, "Анна")

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 2, FirstName: "Борис", Code: u1.ReferralCode})
	require.NoError(t, err)

	f.backend.setDown(true)
	_, err = f.dialog.Confirm(ctx, 2)
	require.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, StateAwaitingAction, f.dialog.State(2))

	_, err = f.dialog.EnterCode(ctx, 2)
	require.NoError(t, err)
	_, err = f.dialog.SubmitCode(ctx, 2, u1.ReferralCode)
	require.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, StateAwaitingCode, f.dialog.State(2))

	_, err = f.dialog.Cancel(ctx, 2)
	require.NoError(t, err)

	// после восстановления хранилища та же сессия завершается успешно
	f.backend.setDown(false)
	prompt, err := f.dialog.Confirm(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, *prompt.Profile.ReferredBy)
}

func TestDialog_StartWithUnavailableBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.backend.setDown(true)
	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна", Code: "ABCD1234"})
	require.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, StateIdle, f.dialog.State(1))
}

func TestDialog_FailedRestartKeepsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна"})
	require.NoError(t, err)
	_, err = f.dialog.EnterCode(ctx, 1)
	require.NoError(t, err)

	f.backend.setDown(true)
	_, err = f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна", Code: "ABCD1234"})
	require.ErrorIs(t, err, store.ErrBackendUnavailable)
	assert.Equal(t, StateAwaitingCode, f.dialog.State(1))
	assert.Equal(t, 1, f.dialog.ActiveSessions())

	// сессия продолжается после восстановления хранилища
	f.backend.setDown(false)
	_, err = f.dialog.Cancel(ctx, 1)
	require.NoError(t, err)
	prompt, err := f.dialog.Confirm(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PromptRegistrationSuccess, prompt.Kind)
}

func TestDialog_RestartDiscardsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна"})
	require.NoError(t, err)
	_, err = f.dialog.EnterCode(ctx, 1)
	require.NoError(t, err)

	_, err = f.dialog.Start(ctx, StartEvent{TelegramID: 1, FirstName: "Анна"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAction, f.dialog.State(1))
	assert.Equal(t, 1, f.dialog.ActiveSessions())
}
