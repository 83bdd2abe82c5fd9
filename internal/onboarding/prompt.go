package onboarding

import (
	"refbot/pkg/models"
)

// PromptKind вид сообщения, которое транспорт должен показать пользователю
type PromptKind string

const (
	PromptNoReferral          PromptKind = "no_referral"
	PromptReferralFound       PromptKind = "referral_found"
	PromptInvalidCode         PromptKind = "invalid_code"
	PromptAlreadyRegistered   PromptKind = "already_registered"
	PromptRegistrationSuccess PromptKind = "registration_success"
	PromptEnterCode           PromptKind = "enter_code"
)

// Prompt данные для шаблона сообщения
type Prompt struct {
	Kind PromptKind

	// Пригласивший (или администратор, если его нет)
	InviterName     string
	InviterUsername string
	ReferralsCount  int

	// ReferralCode код пригласившего в referral_found, собственный код пользователя после регистрации
	ReferralCode string
	JoinDate     string

	// Code введенный пользователем код для invalid_code
	Code string

	// Profile профиль пользователя для already_registered и registration_success
	Profile *models.Profile
	// Inviter пригласивший, которому нужно отправить уведомление
	Inviter *models.Profile
}

func candidatePrompt(candidate *models.Profile) *Prompt {
	if candidate == nil {
		return &Prompt{
			Kind:        PromptNoReferral,
			InviterName: models.AdministratorName,
		}
	}
	return &Prompt{
		Kind:            PromptReferralFound,
		InviterName:     candidate.DisplayName(),
		InviterUsername: candidate.Username(),
		ReferralsCount:  candidate.ReferralsCount,
		ReferralCode:    candidate.ReferralCode,
		JoinDate:        models.FormatJoinDate(candidate.CreatedAt),
	}
}

func registeredPrompt(kind PromptKind, profile, inviter *models.Profile) *Prompt {
	p := &Prompt{
		Kind:         kind,
		InviterName:  models.AdministratorName,
		ReferralCode: profile.ReferralCode,
		JoinDate:     models.FormatJoinDate(profile.CreatedAt),
		Profile:      profile,
		Inviter:      inviter,
	}
	if inviter != nil {
		p.InviterName = inviter.DisplayName()
		p.InviterUsername = inviter.Username()
	}
	return p
}
