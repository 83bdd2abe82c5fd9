package bot

import (
	"fmt"
	"strings"
	"text/template"

	"refbot/internal/onboarding"
	"refbot/pkg/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Данные callback кнопок регистрации
const (
	CallbackConfirmAdmin    = "reg:confirm:admin"
	CallbackConfirmReferral = "reg:confirm:referral"
	CallbackReject          = "reg:reject"
	CallbackEnterCode       = "reg:enter:code"
	CallbackCancelCode      = "reg:enter:cancel"

	callbackConfirmPrefix = "reg:confirm"
)

var promptTemplates = map[onboarding.PromptKind]string{
	onboarding.PromptNoReferral: `👋 <b>Добро пожаловать!</b>

Вы регистрируетесь без реферального кода. Пригласивший: <b>{{.InviterName | html}}</b>.

Если у вас есть код друга, нажмите «Ввести код».`,

	onboarding.PromptReferralFound: `🎉 <b>Вас пригласили!</b>

Пригласивший: <b>{{.InviterName | html}}</b>{{if .InviterUsername}} (@{{.InviterUsername | html}}){{end}}
Реферальный код: <code>{{.ReferralCode | html}}</code>
С нами с: {{.JoinDate}}
Приглашено друзей: {{.ReferralsCount}}

Подтвердите регистрацию.`,

	onboarding.PromptInvalidCode: `❌ Код <code>{{.Code | html}}</code> не найден.

Проверьте код и отправьте его еще раз или нажмите «Отмена».`,

	onboarding.PromptEnterCode: `🔑 Отправьте реферальный код сообщением.`,

	onboarding.PromptAlreadyRegistered: `✅ <b>Вы уже зарегистрированы.</b>

Ваш реферальный код: <code>{{.ReferralCode | html}}</code>
Дата регистрации: {{.JoinDate}}`,

	onboarding.PromptRegistrationSuccess: `🎊 <b>Регистрация завершена!</b>

Пригласивший: <b>{{.InviterName | html}}</b>
Ваш реферальный код: <code>{{.ReferralCode | html}}</code>
Дата регистрации: {{.JoinDate}}`,
}

const newReferralTemplate = `🎉 <b>У вас новый реферал!</b>

{{.Name | html}} зарегистрировался по вашему коду.`

const statsTemplate = `🔗 <b>Ваша реферальная ссылка</b>
<code>https://t.me/{{.BotUsername}}?start=ref_{{.Code}}</code>

📊 <b>Рефералы по уровням:</b>
1 уровень: <b>{{.Stats.Level1Count}}</b>
2 уровень: <b>{{.Stats.Level2Count}}</b>
3 уровень: <b>{{.Stats.Level3Count}}</b>
4 уровень: <b>{{.Stats.Level4Count}}</b>
5 уровень: <b>{{.Stats.Level5Count}}</b>
Всего: <b>{{.Stats.Total}}</b>{{if .Stats.Degraded}}

<em>Статистика временно неполная.</em>{{end}}`

// Messages шаблоны сообщений бота
type Messages struct {
	prompts    map[onboarding.PromptKind]*template.Template
	newRefTmpl *template.Template
	statsTmpl  *template.Template
}

// NewMessages разбирает шаблоны сообщений
func NewMessages() (*Messages, error) {
	m := &Messages{prompts: make(map[onboarding.PromptKind]*template.Template, len(promptTemplates))}

	for kind, text := range promptTemplates {
		tmpl, err := template.New(string(kind)).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора шаблона %s: %w", kind, err)
		}
		m.prompts[kind] = tmpl
	}

	var err error
	if m.newRefTmpl, err = template.New("new_referral").Parse(newReferralTemplate); err != nil {
		return nil, fmt.Errorf("ошибка разбора шаблона new_referral: %w", err)
	}
	if m.statsTmpl, err = template.New("stats").Parse(statsTemplate); err != nil {
		return nil, fmt.Errorf("ошибка разбора шаблона stats: %w", err)
	}
	return m, nil
}

func execute(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("ошибка шаблона %s: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}

// Prompt возвращает текст подсказки диалога
func (m *Messages) Prompt(p *onboarding.Prompt) (string, error) {
	tmpl, ok := m.prompts[p.Kind]
	if !ok {
		return "", fmt.Errorf("нет шаблона для %s", p.Kind)
	}
	return execute(tmpl, p)
}

// NewReferral уведомление пригласившему
func (m *Messages) NewReferral(referred *models.Profile) (string, error) {
	return execute(m.newRefTmpl, struct{ Name string }{Name: referred.DisplayName()})
}

// Stats реферальная ссылка и статистика по уровням
func (m *Messages) Stats(botUsername, code string, stats *models.LevelCounts) (string, error) {
	return execute(m.statsTmpl, struct {
		BotUsername string
		Code        string
		Stats       *models.LevelCounts
	}{botUsername, code, stats})
}

// GenericError общее сообщение об ошибке без подробностей хранилища
func (m *Messages) GenericError() string {
	return "⚠️ Сервис временно недоступен. Попробуйте позже."
}

// Expired сообщение для устаревших кнопок
func (m *Messages) Expired() string {
	return "Это действие устарело. Отправьте /start, чтобы начать заново."
}

// NotRegistered сообщение для команд до регистрации
func (m *Messages) NotRegistered() string {
	return "Вы еще не зарегистрированы. Отправьте /start."
}

// Help список команд
func (m *Messages) Help() string {
	return "/start - регистрация\n/referral - реферальная ссылка и статистика\n/help - помощь"
}

// Keyboard inline кнопки для подсказки
func (m *Messages) Keyboard(kind onboarding.PromptKind) *tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton

	switch kind {
	case onboarding.PromptNoReferral:
		rows = [][]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Зарегистрироваться", CallbackConfirmAdmin)),
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔑 Ввести код", CallbackEnterCode)),
		}
	case onboarding.PromptReferralFound:
		rows = [][]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("✅ Подтвердить", CallbackConfirmReferral)),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🔑 Другой код", CallbackEnterCode),
				tgbotapi.NewInlineKeyboardButtonData("❌ Без пригласившего", CallbackReject),
			),
		}
	case onboarding.PromptEnterCode, onboarding.PromptInvalidCode:
		rows = [][]tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("↩️ Отмена", CallbackCancelCode)),
		}
	default:
		return nil
	}

	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}
