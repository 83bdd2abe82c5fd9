package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"refbot/internal/onboarding"
	"refbot/internal/referral"
	"refbot/internal/store"
	"refbot/pkg/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Лимиты безопасности
	MaxTextLength     = 4000 // Максимальная длина текста сообщения
	MaxUsernameLength = 32   // Максимальная длина username

	// Rate limiting
	MaxRequestsPerMinute = 30 // Максимум запросов в минуту на пользователя
	RateLimitWindow      = time.Minute
)

var (
	usernameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	htmlTags          = regexp.MustCompile(`<[^>]*>`)
)

// RateLimiter простой rate limiter для пользователей
type RateLimiter struct {
	requests map[int64][]time.Time
	mutex    sync.Mutex
	now      func() time.Time
}

// NewRateLimiter создает новый rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		requests: make(map[int64][]time.Time),
		now:      time.Now,
	}
}

// IsAllowed проверяет, разрешен ли запрос для пользователя
func (rl *RateLimiter) IsAllowed(userID int64) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	userRequests := rl.requests[userID]

	// Удаляем старые запросы
	var validRequests []time.Time
	for _, reqTime := range userRequests {
		if now.Sub(reqTime) < RateLimitWindow {
			validRequests = append(validRequests, reqTime)
		}
	}

	if len(validRequests) >= MaxRequestsPerMinute {
		rl.requests[userID] = validRequests
		return false
	}

	validRequests = append(validRequests, now)
	rl.requests[userID] = validRequests
	return true
}

// Sender часть tgbotapi.BotAPI, которой пользуется обработчик
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Referrals данные реферальной программы для команд бота
type Referrals interface {
	Profile(ctx context.Context, telegramID int64) (*models.Profile, error)
	Stats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error)
}

// Handler обработчик сообщений и кнопок Telegram
type Handler struct {
	bot         Sender
	botUsername string
	dialog      *onboarding.Dialog
	referrals   Referrals
	messages    *Messages
	logger      *zap.Logger
	rateLimiter *RateLimiter
}

// NewHandler создает новый обработчик
func NewHandler(
	bot Sender,
	botUsername string,
	dialog *onboarding.Dialog,
	referrals Referrals,
	messages *Messages,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		bot:         bot,
		botUsername: botUsername,
		dialog:      dialog,
		referrals:   referrals,
		messages:    messages,
		logger:      logger,
		rateLimiter: NewRateLimiter(),
	}
}

// Run обрабатывает обновления до закрытия канала или отмены контекста.
// Каждое обновление обрабатывается в своей горутине, Run дожидается их завершения.
func (h *Handler) Run(ctx context.Context, updates <-chan tgbotapi.Update) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("остановка обработки обновлений")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			// Пропускаем пустые обновления
			if update.Message == nil && update.CallbackQuery == nil {
				continue
			}

			wg.Add(1)
			go func(update tgbotapi.Update) {
				defer wg.Done()
				if err := h.HandleUpdate(ctx, update); err != nil {
					h.logger.Error("ошибка обработки обновления",
						zap.Int64("chat_id", chatID(update)),
						zap.Error(err))
				}
			}(update)
		}
	}
}

func chatID(update tgbotapi.Update) int64 {
	switch {
	case update.Message != nil && update.Message.Chat != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil && update.CallbackQuery.Message.Chat != nil:
		return update.CallbackQuery.Message.Chat.ID
	}
	return 0
}

// HandleUpdate обрабатывает входящее обновление
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	var userID int64
	if update.Message != nil && update.Message.From != nil {
		userID = update.Message.From.ID
	} else if update.CallbackQuery != nil && update.CallbackQuery.From != nil {
		userID = update.CallbackQuery.From.ID
	}

	if userID != 0 && !h.rateLimiter.IsAllowed(userID) {
		h.logger.Warn("rate limit exceeded", zap.Int64("user_id", userID))
		if update.Message != nil {
			return h.sendMessage(update.Message.Chat.ID, "⚠️ Слишком много запросов. Подождите минуту.")
		}
		return nil
	}

	if update.CallbackQuery != nil {
		return h.handleCallbackQuery(ctx, update.CallbackQuery)
	}

	if update.Message == nil || update.Message.From == nil {
		return nil
	}

	message := update.Message
	if message.IsCommand() {
		return h.handleCommand(ctx, message)
	}

	if h.dialog.State(message.From.ID) == onboarding.StateAwaitingCode {
		prompt, err := h.dialog.SubmitCode(ctx, message.From.ID, h.sanitizeText(message.Text))
		return h.respond(message.Chat.ID, message.From.ID, prompt, err)
	}

	return h.sendMessage(message.Chat.ID, h.messages.Help())
}

func (h *Handler) handleCommand(ctx context.Context, message *tgbotapi.Message) error {
	switch message.Command() {
	case "start":
		return h.handleStartCommand(ctx, message)
	case "referral", "stats":
		return h.handleReferralCommand(ctx, message)
	default:
		return h.sendMessage(message.Chat.ID, h.messages.Help())
	}
}

// handleStartCommand начинает регистрацию. Аргумент ссылки вида ref_CODE.
func (h *Handler) handleStartCommand(ctx context.Context, message *tgbotapi.Message) error {
	from := message.From

	var code string
	if args := strings.TrimSpace(message.CommandArguments()); args != "" {
		code = referral.NormalizeCode(args)
		h.logger.Info("регистрация по реферальной ссылке",
			zap.Int64("user_id", from.ID),
			zap.String("code", code))
	}

	prompt, err := h.dialog.Start(ctx, onboarding.StartEvent{
		TelegramID: from.ID,
		FirstName:  h.sanitizeText(from.FirstName),
		LastName:   models.StringPtr(h.sanitizeText(from.LastName)),
		Username:   models.StringPtr(h.sanitizeUsername(from.UserName)),
		Code:       code,
	})
	return h.respond(message.Chat.ID, from.ID, prompt, err)
}

// handleReferralCommand показывает реферальную ссылку и статистику по уровням
func (h *Handler) handleReferralCommand(ctx context.Context, message *tgbotapi.Message) error {
	profile, err := h.referrals.Profile(ctx, message.From.ID)
	if errors.Is(err, store.ErrNotFound) {
		return h.sendMessage(message.Chat.ID, h.messages.NotRegistered())
	}
	if err != nil {
		h.logger.Error("ошибка получения профиля", zap.Int64("user_id", message.From.ID), zap.Error(err))
		return h.sendMessage(message.Chat.ID, h.messages.GenericError())
	}

	stats, err := h.referrals.Stats(ctx, profile.ID)
	if err != nil {
		h.logger.Error("ошибка получения статистики", zap.String("profile_id", profile.ID.String()), zap.Error(err))
		return h.sendMessage(message.Chat.ID, h.messages.GenericError())
	}

	text, err := h.messages.Stats(h.botUsername, profile.ReferralCode, stats)
	if err != nil {
		return err
	}
	return h.sendSafeMessage(message.Chat.ID, text, true)
}

// handleCallbackQuery обрабатывает inline кнопки регистрации
func (h *Handler) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) error {
	// Отвечаем на callback, чтобы убрать "часики"
	if _, err := h.bot.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		h.logger.Warn("ошибка ответа на callback", zap.Error(err))
	}

	if callback.Message == nil || callback.From == nil {
		return nil
	}

	chatID := callback.Message.Chat.ID
	userID := callback.From.ID

	var (
		prompt *onboarding.Prompt
		err    error
	)

	switch data := callback.Data; {
	case strings.HasPrefix(data, callbackConfirmPrefix):
		prompt, err = h.dialog.Confirm(ctx, userID)
	case data == CallbackReject:
		prompt, err = h.dialog.Reject(ctx, userID)
	case data == CallbackEnterCode:
		prompt, err = h.dialog.EnterCode(ctx, userID)
	case data == CallbackCancelCode:
		prompt, err = h.dialog.Cancel(ctx, userID)
	default:
		h.logger.Warn("неизвестный callback", zap.String("data", data), zap.Int64("user_id", userID))
		return nil
	}

	return h.respond(chatID, userID, prompt, err)
}

// respond отправляет подсказку диалога или сообщение об ошибке
func (h *Handler) respond(chatID, userID int64, prompt *onboarding.Prompt, err error) error {
	if errors.Is(err, onboarding.ErrUnexpectedEvent) {
		h.logger.Debug("событие не подходит к состоянию диалога",
			zap.Int64("user_id", userID),
			zap.Error(err))
		return h.sendMessage(chatID, h.messages.Expired())
	}
	if err != nil {
		// текст ошибки хранилища пользователю не показываем
		h.logger.Error("ошибка диалога регистрации",
			zap.Int64("user_id", userID),
			zap.Error(err))
		return h.sendMessage(chatID, h.messages.GenericError())
	}

	text, err := h.messages.Prompt(prompt)
	if err != nil {
		return err
	}
	if err := h.sendPrompt(chatID, text, h.messages.Keyboard(prompt.Kind)); err != nil {
		return err
	}

	if prompt.Kind == onboarding.PromptRegistrationSuccess && prompt.Inviter != nil {
		h.notifyInviter(prompt.Inviter, prompt.Profile)
	}
	return nil
}

// notifyInviter сообщает пригласившему о новом реферале. Ошибка только логируется.
func (h *Handler) notifyInviter(inviter, referred *models.Profile) {
	if inviter.TelegramID == 0 || referred == nil {
		return
	}

	text, err := h.messages.NewReferral(referred)
	if err != nil {
		h.logger.Warn("ошибка шаблона уведомления", zap.Error(err))
		return
	}
	if err := h.sendSafeMessage(inviter.TelegramID, text, true); err != nil {
		h.logger.Warn("не удалось уведомить пригласившего",
			zap.Int64("inviter_telegram_id", inviter.TelegramID),
			zap.Error(err))
	}
}

// sendPrompt отправляет HTML сообщение с inline клавиатурой
func (h *Handler) sendPrompt(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if keyboard != nil {
		msg.ReplyMarkup = *keyboard
	}

	if _, err := h.bot.Send(msg); err != nil {
		h.logger.Error("ошибка отправки сообщения",
			zap.Int64("chat_id", chatID),
			zap.Error(err))

		// Если HTML парсинг не удался, пробуем отправить как обычный текст
		fallback := tgbotapi.NewMessage(chatID, h.stripHTMLTags(text))
		if keyboard != nil {
			fallback.ReplyMarkup = *keyboard
		}
		if _, fallbackErr := h.bot.Send(fallback); fallbackErr != nil {
			return fmt.Errorf("ошибка отправки сообщения: %w", fallbackErr)
		}
	}
	return nil
}

// sendMessage отправляет простое текстовое сообщение
func (h *Handler) sendMessage(chatID int64, text string) error {
	return h.sendSafeMessage(chatID, text, false)
}

// sendSafeMessage отправляет сообщение с защитой от битых HTML тегов
func (h *Handler) sendSafeMessage(chatID int64, text string, forceHTML bool) error {
	hasHTML := strings.Contains(text, "<") && strings.Contains(text, ">")

	msg := tgbotapi.NewMessage(chatID, text)
	if hasHTML || forceHTML {
		msg.ParseMode = tgbotapi.ModeHTML
	}

	_, err := h.bot.Send(msg)
	if err != nil {
		h.logger.Error("ошибка отправки сообщения",
			zap.Int64("chat_id", chatID),
			zap.String("parse_mode", msg.ParseMode),
			zap.Error(err))

		if msg.ParseMode == tgbotapi.ModeHTML {
			h.logger.Info("повторная отправка как обычный текст", zap.Int64("chat_id", chatID))
			_, fallbackErr := h.bot.Send(tgbotapi.NewMessage(chatID, h.stripHTMLTags(text)))
			return fallbackErr
		}
		return err
	}
	return nil
}

// stripHTMLTags убирает теги и раскрывает HTML-сущности
func (h *Handler) stripHTMLTags(text string) string {
	return html.UnescapeString(htmlTags.ReplaceAllString(text, ""))
}

// sanitizeText очищает текст от потенциально опасного содержимого
func (h *Handler) sanitizeText(text string) string {
	if len(text) > MaxTextLength {
		text = text[:MaxTextLength]
	}

	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	text = strings.ReplaceAll(text, "\x00", "") // Null bytes
	text = strings.ReplaceAll(text, "\r", "")   // Carriage returns

	return strings.TrimSpace(text)
}

// sanitizeUsername очищает username от опасных символов
func (h *Handler) sanitizeUsername(username string) string {
	if len(username) > MaxUsernameLength {
		username = username[:MaxUsernameLength]
	}
	return usernameSanitizer.ReplaceAllString(username, "")
}
