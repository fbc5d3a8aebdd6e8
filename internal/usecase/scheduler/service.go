package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
)

var (
	// ErrNotInitialized — планировщик запускают до вызова Initialize.
	ErrNotInitialized = errors.New("scheduler: not initialized")
	// ErrAlreadyInitialized — повторный вызов Initialize на том же экземпляре.
	ErrAlreadyInitialized = errors.New("scheduler: already initialized")
	// ErrAlreadyStarted — повторный запуск уже работающего планировщика.
	ErrAlreadyStarted = errors.New("scheduler: already started")
)

const jobPrefix = "recommend_"

// Service управляет персональными cron-заданиями пользователей и общим
// заданием синхронизации предпочтений. Все операции потокобезопасны.
type Service struct {
	settings    domain.SettingsRepo
	messages    domain.MessageRepo
	recommender domain.Recommender
	cipher      domain.TokenCipher
	prefs       domain.PreferenceSyncer
	log         zerolog.Logger

	prefSyncCron string

	// wg учитывает выполняющиеся тела заданий: gocron при остановке ждёт
	// их лишь до своего стоп-таймаута, Shutdown(wait=true) — до конца.
	wg sync.WaitGroup

	mu          sync.Mutex
	cron        gocron.Scheduler
	jobs        map[string]gocron.Job
	delivery    domain.Delivery
	initialized bool
	started     bool
}

// NewService создаёт планировщик. Внутренние часы gocron работают в UTC,
// зоны пользователей задаются через CRON_TZ в каждом выражении.
func NewService(settings domain.SettingsRepo, messages domain.MessageRepo, recommender domain.Recommender, cipher domain.TokenCipher, prefs domain.PreferenceSyncer, prefSyncCron string, logger zerolog.Logger) (*Service, error) {
	cronScheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if prefSyncCron != "" {
		if err := ValidateCron(prefSyncCron); err != nil {
			return nil, fmt.Errorf("preference sync cron: %w", err)
		}
	}
	return &Service{
		settings:     settings,
		messages:     messages,
		recommender:  recommender,
		cipher:       cipher,
		prefs:        prefs,
		prefSyncCron: prefSyncCron,
		log:          logger,
		cron:         cronScheduler,
		jobs:         make(map[string]gocron.Job),
	}, nil
}

// Initialize привязывает адаптер доставки. Должен быть вызван ровно один раз
// до Start: повторный вызов не подменяет адаптер, а возвращает ошибку.
func (s *Service) Initialize(delivery domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyInitialized
	}
	s.delivery = delivery
	s.initialized = true
	return nil
}

// Start восстанавливает задания из сохранённых настроек и запускает циклы.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.started {
		return ErrAlreadyStarted
	}

	all, err := s.settings.ListSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for _, setting := range all {
		if !setting.ScheduleEnabled() {
			continue
		}
		if err := s.addOrReplaceLocked(setting.UserID, setting.Cron, setting.Timezone); err != nil {
			// Неразбираемое выражение одного пользователя не должно
			// срывать запуск сервиса.
			s.log.Error().Err(err).Str("user_id", setting.UserID).Msg("scheduler: задание не восстановлено")
		}
	}

	if s.prefSyncCron != "" {
		_, err := s.cron.NewJob(
			gocron.CronJob(s.prefSyncCron, hasSeconds(s.prefSyncCron)),
			gocron.NewTask(s.runPreferenceSync),
			gocron.WithName("preference_sync"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("register preference sync: %w", err)
		}
	}

	s.cron.Start()
	s.started = true
	s.log.Info().Int("jobs", len(s.jobs)).Msg("scheduler: запущен")
	return nil
}

// Shutdown останавливает планировщик. При wait=true блокируется, пока не
// завершатся все выполняющиеся задания; при wait=false возвращает управление,
// не дожидаясь их (доработка ограничена стоп-таймаутом gocron).
func (s *Service) Shutdown(wait bool) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	err := s.cron.Shutdown()
	if wait {
		s.wg.Wait()
		// Дождались сами — таймаут остановки gocron уже не ошибка.
		if errors.Is(err, gocron.ErrStopJobsTimedOut) || errors.Is(err, gocron.ErrStopSchedulerTimedOut) {
			return nil
		}
	}
	return err
}

// AddOrUpdateUserSchedule создаёт или заменяет задание пользователя.
// Сигнальное значение CronDisabled равносильно RemoveUserSchedule.
// Невалидное выражение или зона не затрагивают существующее задание.
func (s *Service) AddOrUpdateUserSchedule(userID, cronExpr, tz string) bool {
	if cronExpr == domain.CronDisabled {
		return s.RemoveUserSchedule(userID)
	}
	if err := ValidateCron(cronExpr); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("scheduler: невалидный cron")
		return false
	}
	if err := ValidateTimezone(tz); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("scheduler: невалидная зона")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addOrReplaceLocked(userID, cronExpr, tz); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("scheduler: не удалось создать задание")
		return false
	}
	return true
}

func (s *Service) addOrReplaceLocked(userID, cronExpr, tz string) error {
	if old, ok := s.jobs[userID]; ok {
		if err := s.cron.RemoveJob(old.ID()); err != nil {
			return fmt.Errorf("remove old job: %w", err)
		}
		delete(s.jobs, userID)
	}
	job, err := s.cron.NewJob(
		gocron.CronJob(crontab(cronExpr, tz), hasSeconds(cronExpr)),
		gocron.NewTask(s.runScheduledJob, userID),
		gocron.WithName(jobPrefix+userID),
		// Пропущенные срабатывания схлопываются, параллельный запуск
		// одного задания невозможен.
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	s.jobs[userID] = job
	return nil
}

// RemoveUserSchedule удаляет задание пользователя. Отсутствие задания — успех.
func (s *Service) RemoveUserSchedule(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(userID)
}

func (s *Service) removeLocked(userID string) bool {
	job, ok := s.jobs[userID]
	if !ok {
		return true
	}
	if err := s.cron.RemoveJob(job.ID()); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("scheduler: не удалось удалить задание")
		return false
	}
	delete(s.jobs, userID)
	return true
}

// SyncFromSettings приводит задание пользователя в соответствие с его
// сохранёнными настройками: создаёт, заменяет или удаляет.
func (s *Service) SyncFromSettings(userID string) bool {
	setting, err := s.settings.GetSettings(userID)
	if errors.Is(err, domain.ErrSettingsNotFound) {
		return s.RemoveUserSchedule(userID)
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("scheduler: не удалось прочитать настройки")
		return false
	}
	if !setting.ScheduleEnabled() {
		return s.RemoveUserSchedule(userID)
	}
	return s.AddOrUpdateUserSchedule(userID, setting.Cron, setting.Timezone)
}

// ScheduleInfo возвращает снимок задания пользователя, если оно существует.
func (s *Service) ScheduleInfo(userID string) (domain.ScheduleInfo, bool) {
	s.mu.Lock()
	job, ok := s.jobs[userID]
	s.mu.Unlock()
	if !ok {
		return domain.ScheduleInfo{}, false
	}

	info := domain.ScheduleInfo{UserID: userID}
	if next, err := job.NextRun(); err == nil {
		info.NextRun = next
	}
	if setting, err := s.settings.GetSettings(userID); err == nil {
		info.Cron = setting.Cron
		info.Timezone = setting.Timezone
	}
	return info, true
}

// TriggerPreferenceSyncNow ставит одноразовое задание немедленной
// синхронизации предпочтений всех пользователей.
func (s *Service) TriggerPreferenceSyncNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	_, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(s.runPreferenceSync),
	)
	if err != nil {
		s.log.Error().Err(err).Msg("scheduler: не удалось запустить синхронизацию предпочтений")
		return false
	}
	return true
}

func (s *Service) runPreferenceSync() {
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.recoverPanic("preference_sync")
	results := s.prefs.SyncAllUsers(context.Background())
	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}
	s.log.Info().Int("users", len(results)).Int("failed", failed).Msg("scheduler: синхронизация предпочтений завершена")
}

// runScheduledJob — тело cron-задания пользователя.
func (s *Service) runScheduledJob(userID string) {
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.recoverPanic(jobPrefix + userID)
	metrics.ScheduledFiresTotal.Inc()

	setting, err := s.settings.GetSettings(userID)
	if errors.Is(err, domain.ErrSettingsNotFound) || (err == nil && !setting.ScheduleEnabled()) {
		// Задание пережило свои настройки: снимаем его.
		s.log.Warn().Str("user_id", userID).Msg("scheduler: устаревшее задание удалено")
		s.RemoveUserSchedule(userID)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("scheduler: не удалось прочитать настройки")
		return
	}

	s.runPipeline(context.Background(), setting, domain.RecommendationCauseScheduled, nil)
}

// RunManualJob выполняет задачу из очереди ручных запросов.
func (s *Service) RunManualJob(ctx context.Context, job domain.RecommendationJob) error {
	setting, err := s.settings.GetSettings(job.UserID)
	if err != nil {
		s.notify(job.UserID, "Сначала настройте репозиторий и токен: /settings")
		return fmt.Errorf("load settings: %w", err)
	}
	return s.runPipeline(ctx, setting, job.Cause, job.PaperIDs)
}

func (s *Service) runPipeline(ctx context.Context, setting domain.UserSetting, cause domain.RecommendationJobCause, paperIDs []string) error {
	metrics.RecommendationRequestsTotal.WithLabelValues(string(cause)).Inc()

	if !setting.RepoReady() {
		s.notify(setting.UserID, "Не хватает настроек GitHub: укажите репозиторий и токен через /settings")
		return errors.New("repo is not configured")
	}

	token, err := s.cipher.Decrypt(setting.EncryptedPAT)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", setting.UserID).Msg("scheduler: не удалось расшифровать токен")
		s.notify(setting.UserID, "Не удалось расшифровать токен, задайте его заново через /settings")
		return fmt.Errorf("decrypt token: %w", err)
	}

	papers, err := s.recommender.Recommend(ctx, token, setting.GitHubUser, setting.RepoName, paperIDs)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", setting.UserID).Str("repo", setting.RepoFullName()).Msg("scheduler: пайплайн не выполнился")
		s.notify(setting.UserID, "Пайплайн рекомендаций завершился с ошибкой, попробуйте позже")
		return fmt.Errorf("recommend: %w", err)
	}
	if len(papers) == 0 {
		s.notify(setting.UserID, "Сегодня новых рекомендаций нет")
		return nil
	}

	outcomes := s.delivery.DeliverPapers(setting.UserID, papers)
	delivered := 0
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			s.log.Error().Err(outcome.Err).Str("user_id", setting.UserID).Str("paper_id", outcome.PaperID).Msg("scheduler: статья не доставлена")
			continue
		}
		delivered++
		for _, msgID := range outcome.MessageIDs {
			_, err := s.messages.SaveMessage(domain.MessageRecord{
				UserID:    setting.UserID,
				MessageID: msgID,
				PaperID:   outcome.PaperID,
				RepoName:  setting.RepoFullName(),
			})
			if err != nil {
				s.log.Error().Err(err).Str("user_id", setting.UserID).Str("paper_id", outcome.PaperID).Msg("scheduler: связь сообщения не сохранена")
			}
		}
	}
	s.log.Info().
		Str("user_id", setting.UserID).
		Str("cause", string(cause)).
		Int("papers", len(papers)).
		Int("delivered", delivered).
		Msg("scheduler: рекомендации доставлены")
	return nil
}

func (s *Service) notify(userID, text string) {
	if s.delivery == nil {
		return
	}
	if err := s.delivery.NotifyUser(userID, text); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("scheduler: уведомление не отправлено")
	}
}

func (s *Service) recoverPanic(job string) {
	if r := recover(); r != nil {
		s.log.Error().Str("job", job).Str("panic", fmt.Sprint(r)).Msg("scheduler: паника в задании")
	}
}

// JobsCount возвращает количество активных пользовательских заданий.
func (s *Service) JobsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// UserJobName возвращает имя gocron-задания пользователя.
func UserJobName(userID string) string { return jobPrefix + userID }
