package preference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"paper-digest-bot/internal/adapters/github"
	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
)

// Remote описывает операции с файлами в репозитории пользователя.
type Remote interface {
	GetFileContents(ctx context.Context, token, owner, repo, path string) ([]byte, string, error)
	PutFileContents(ctx context.Context, token, owner, repo, path, message string, content []byte, sha string) error
}

// Service сводит накопленные реакции в месячные CSV-файлы предпочтений
// в репозитории пользователя.
type Service struct {
	settings   domain.SettingsRepo
	reactions  domain.ReactionRepo
	remote     Remote
	cipher     domain.TokenCipher
	classifier *Classifier
	daysBack   int
	log        zerolog.Logger
	now        func() time.Time
}

var _ domain.PreferenceSyncer = (*Service)(nil)

// NewService создаёт сервис синхронизации предпочтений.
func NewService(settings domain.SettingsRepo, reactions domain.ReactionRepo, remote Remote, cipher domain.TokenCipher, classifier *Classifier, daysBack int, logger zerolog.Logger) *Service {
	if daysBack <= 0 {
		daysBack = 2
	}
	return &Service{
		settings:   settings,
		reactions:  reactions,
		remote:     remote,
		cipher:     cipher,
		classifier: classifier,
		daysBack:   daysBack,
		log:        logger,
		now:        time.Now,
	}
}

// SyncUser синхронизирует предпочтения одного пользователя.
// Возвращает true при успехе, включая случай «нечего синхронизировать».
func (s *Service) SyncUser(ctx context.Context, userID string) bool {
	ok, err := s.syncUser(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("preference: синхронизация не удалась")
	}
	status := "success"
	if !ok {
		status = "error"
	}
	metrics.PreferenceSyncTotal.WithLabelValues(status).Inc()
	return ok
}

// SyncAllUsers синхронизирует всех пользователей с настроенным репозиторием.
// Ошибка одного пользователя не прерывает остальных.
func (s *Service) SyncAllUsers(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	all, err := s.settings.ListSettings()
	if err != nil {
		s.log.Error().Err(err).Msg("preference: не удалось получить список пользователей")
		return results
	}
	for _, setting := range all {
		if !setting.RepoReady() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		results[setting.UserID] = s.SyncUser(ctx, setting.UserID)
	}
	return results
}

func (s *Service) syncUser(ctx context.Context, userID string) (bool, error) {
	setting, err := s.settings.GetSettings(userID)
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}
	if !setting.RepoReady() {
		return false, errors.New("репозиторий или токен не настроены")
	}

	now := s.now().UTC()
	since := now.AddDate(0, 0, -s.daysBack)
	recent, err := s.reactions.ListRecentReactions(userID, since)
	if err != nil {
		return false, fmt.Errorf("list reactions: %w", err)
	}

	fresh := s.classify(recent)
	if len(fresh) == 0 {
		// Нет пригодных реакций — удалённый файл не трогаем.
		return true, nil
	}

	token, err := s.cipher.Decrypt(setting.EncryptedPAT)
	if err != nil {
		return false, fmt.Errorf("decrypt token: %w", err)
	}

	month := now.Format("2006-01")
	path := "preference/" + month + ".csv"

	var existing []domain.PreferenceRecord
	var sha string
	data, fileSHA, err := s.remote.GetFileContents(ctx, token, setting.GitHubUser, setting.RepoName, path)
	switch {
	case err == nil:
		sha = fileSHA
		existing, err = DecodeCSV(data)
		if err != nil {
			return false, fmt.Errorf("decode %s: %w", path, err)
		}
	case errors.Is(err, github.ErrNotFound):
		// Первый коммит месяца: файла ещё нет.
	default:
		return false, fmt.Errorf("download %s: %w", path, err)
	}

	merged := Merge(existing, fresh)
	encoded, err := EncodeCSV(merged)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", path, err)
	}

	message := "Update preference data for " + month
	if err := s.remote.PutFileContents(ctx, token, setting.GitHubUser, setting.RepoName, path, message, encoded, sha); err != nil {
		return false, fmt.Errorf("upload %s: %w", path, err)
	}

	s.log.Info().
		Str("user_id", userID).
		Str("path", path).
		Int("fresh", len(fresh)).
		Int("total", len(merged)).
		Msg("preference: файл предпочтений обновлён")
	return true, nil
}

// classify переводит реакции в записи предпочтений, отбрасывая незнакомые
// эмодзи. Реакции приходят по возрастанию updated_at, поэтому при нескольких
// реакциях на одну статью побеждает последняя.
func (s *Service) classify(recent []domain.ReactionRecord) []domain.PreferenceRecord {
	out := make([]domain.PreferenceRecord, 0, len(recent))
	for _, r := range recent {
		label := s.classifier.Classify(r.Emoji)
		if label == domain.PreferenceUnknown {
			continue
		}
		out = append(out, domain.PreferenceRecord{PaperID: r.PaperID, Preference: label})
	}
	return out
}
