package settings

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/usecase/scheduler"
)

// ScheduleSyncer приводит задание планировщика в соответствие с настройками.
type ScheduleSyncer interface {
	SyncFromSettings(userID string) bool
	ScheduleInfo(userID string) (domain.ScheduleInfo, bool)
}

// Service хранит настройки пользователей и после каждой мутации
// синхронизирует планировщик.
type Service struct {
	repo   domain.SettingsRepo
	cipher domain.TokenCipher
	sync   ScheduleSyncer
	log    zerolog.Logger
}

// NewService создаёт сервис настроек.
func NewService(repo domain.SettingsRepo, cipher domain.TokenCipher, sync ScheduleSyncer, logger zerolog.Logger) *Service {
	return &Service{repo: repo, cipher: cipher, sync: sync, log: logger}
}

// Apply разбирает строку настроек, проверяет поля и сохраняет их.
// Возвращает настройки после применения.
func (s *Service) Apply(userID, text string) (domain.UserSetting, error) {
	upd, err := ParseUpdate(text)
	if err != nil {
		return domain.UserSetting{}, err
	}

	if upd.Cron != nil && *upd.Cron != "" && *upd.Cron != domain.CronDisabled {
		if err := scheduler.ValidateCron(*upd.Cron); err != nil {
			return domain.UserSetting{}, err
		}
	}
	if upd.Timezone != nil {
		if err := scheduler.ValidateTimezone(*upd.Timezone); err != nil {
			return domain.UserSetting{}, err
		}
	}

	patch := domain.SettingsPatch{
		GitHubUser: upd.RepoUser,
		RepoName:   upd.RepoName,
		Cron:       upd.Cron,
		Timezone:   upd.Timezone,
	}
	if upd.PAT != nil {
		encrypted, err := s.cipher.Encrypt(*upd.PAT)
		if err != nil {
			return domain.UserSetting{}, fmt.Errorf("encrypt token: %w", err)
		}
		patch.EncryptedPAT = &encrypted
	}

	setting, err := s.repo.UpsertSettings(userID, patch)
	if err != nil {
		return domain.UserSetting{}, err
	}
	if !s.sync.SyncFromSettings(userID) {
		s.log.Warn().Str("user_id", userID).Msg("settings: планировщик не синхронизирован")
	}
	return setting, nil
}

// Get возвращает настройки пользователя.
func (s *Service) Get(userID string) (domain.UserSetting, error) {
	return s.repo.GetSettings(userID)
}

// Reset удаляет настройки пользователя и снимает его задание.
func (s *Service) Reset(userID string) error {
	if err := s.repo.DeleteSettings(userID); err != nil {
		return err
	}
	if !s.sync.SyncFromSettings(userID) {
		s.log.Warn().Str("user_id", userID).Msg("settings: планировщик не синхронизирован")
	}
	return nil
}

// Describe формирует текстовое описание настроек для чата.
// Токен выводится замаскированным.
func (s *Service) Describe(userID string) (string, error) {
	setting, err := s.repo.GetSettings(userID)
	if errors.Is(err, domain.ErrSettingsNotFound) {
		return "Настройки не заданы. Отправьте строку вида:\npat:<token>;repo:<user>/<repo>;cron:0 9 * * *;timezone:UTC", nil
	}
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Текущие настройки:\n")
	if setting.EncryptedPAT != "" {
		pat, err := s.cipher.Decrypt(setting.EncryptedPAT)
		if err != nil {
			b.WriteString("pat: <не расшифровывается, задайте заново>\n")
		} else {
			b.WriteString("pat: " + domain.MaskPAT(pat) + "\n")
		}
	} else {
		b.WriteString("pat: <не задан>\n")
	}
	if repo := setting.RepoFullName(); repo != "" {
		b.WriteString("repo: " + repo + "\n")
	} else {
		b.WriteString("repo: <не задан>\n")
	}
	switch {
	case setting.Cron == "":
		b.WriteString("cron: <не задан>\n")
	case setting.Cron == domain.CronDisabled:
		b.WriteString("cron: выключен\n")
	default:
		b.WriteString("cron: " + setting.Cron + "\n")
	}
	tz := setting.Timezone
	if tz == "" {
		tz = "UTC"
	}
	b.WriteString("timezone: " + tz)

	if info, ok := s.sync.ScheduleInfo(userID); ok && !info.NextRun.IsZero() {
		b.WriteString("\nСледующий запуск: " + info.NextRun.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String(), nil
}
