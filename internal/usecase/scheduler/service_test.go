package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-digest-bot/internal/domain"
)

type memSettings struct {
	mu       sync.Mutex
	settings map[string]domain.UserSetting
}

func newMemSettings(list ...domain.UserSetting) *memSettings {
	m := &memSettings{settings: make(map[string]domain.UserSetting)}
	for _, s := range list {
		m.settings[s.UserID] = s
	}
	return m
}

func (m *memSettings) GetSettings(userID string) (domain.UserSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return domain.UserSetting{}, domain.ErrSettingsNotFound
	}
	return s, nil
}

func (m *memSettings) UpsertSettings(userID string, _ domain.SettingsPatch) (domain.UserSetting, error) {
	return m.settings[userID], nil
}

func (m *memSettings) DeleteSettings(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, userID)
	return nil
}

func (m *memSettings) ListSettings() ([]domain.UserSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserSetting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	return out, nil
}

type memMessages struct {
	mu    sync.Mutex
	saved []domain.MessageRecord
}

func (m *memMessages) SaveMessage(rec domain.MessageRecord) (domain.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.saved) + 1)
	m.saved = append(m.saved, rec)
	return rec, nil
}

func (m *memMessages) GetMessage(string, string, int64) (domain.MessageRecord, error) {
	return domain.MessageRecord{}, domain.ErrMessageNotFound
}

type fakeRecommender struct {
	papers []domain.Paper
	err    error
	calls  int
}

func (f *fakeRecommender) Recommend(context.Context, string, string, string, []string) ([]domain.Paper, error) {
	f.calls++
	return f.papers, f.err
}

type fakeDelivery struct {
	mu        sync.Mutex
	notices   []string
	delivered [][]domain.Paper
}

func (f *fakeDelivery) NotifyUser(_, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func (f *fakeDelivery) DeliverPapers(_ string, papers []domain.Paper) []domain.DeliveryOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, papers)
	out := make([]domain.DeliveryOutcome, 0, len(papers))
	for i, p := range papers {
		out = append(out, domain.DeliveryOutcome{PaperID: p.ID, MessageIDs: []int64{int64(100 + i)}})
	}
	return out
}

type noopPrefs struct{}

func (noopPrefs) SyncUser(context.Context, string) bool        { return true }
func (noopPrefs) SyncAllUsers(context.Context) map[string]bool { return nil }

type plainCipher struct{}

func (plainCipher) Encrypt(s string) (string, error) { return s, nil }
func (plainCipher) Decrypt(s string) (string, error) { return s, nil }

func newTestScheduler(t *testing.T, settings domain.SettingsRepo, messages domain.MessageRepo, rec domain.Recommender) (*Service, *fakeDelivery) {
	t.Helper()
	svc, err := NewService(settings, messages, rec, plainCipher{}, noopPrefs{}, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("не удалось создать планировщик: %v", err)
	}
	delivery := &fakeDelivery{}
	if err := svc.Initialize(delivery); err != nil {
		t.Fatalf("не удалось инициализировать планировщик: %v", err)
	}
	return svc, delivery
}

func enabledSetting(userID, cron string) domain.UserSetting {
	return domain.UserSetting{
		UserID:       userID,
		GitHubUser:   "alice",
		RepoName:     "papers",
		EncryptedPAT: "tok",
		Cron:         cron,
	}
}

func TestValidateCron(t *testing.T) {
	valid := []string{"0 9 * * *", "*/5 * * * *", "0 0 9 * * *", "30 3 * * 1"}
	for _, expr := range valid {
		if err := ValidateCron(expr); err != nil {
			t.Fatalf("выражение %q должно быть валидным: %v", expr, err)
		}
	}
	invalid := []string{"", "not a cron", "* * *", "61 * * * *", "* * * * * * *"}
	for _, expr := range invalid {
		if err := ValidateCron(expr); err == nil {
			t.Fatalf("выражение %q должно быть отвергнуто", expr)
		}
	}
}

func TestValidateTimezone(t *testing.T) {
	for _, tz := range []string{"", "UTC", "Europe/Amsterdam", "Asia/Shanghai"} {
		if err := ValidateTimezone(tz); err != nil {
			t.Fatalf("зона %q должна быть валидной: %v", tz, err)
		}
	}
	if err := ValidateTimezone("Mars/Olympus"); err == nil {
		t.Fatalf("неизвестная зона должна быть отвергнута")
	}
}

func TestAddOrUpdateReplacesJob(t *testing.T) {
	svc, _ := newTestScheduler(t, newMemSettings(), &memMessages{}, &fakeRecommender{})

	if !svc.AddOrUpdateUserSchedule("42", "0 9 * * *", "") {
		t.Fatalf("ожидали успешное создание задания")
	}
	if !svc.AddOrUpdateUserSchedule("42", "0 18 * * *", "Europe/Amsterdam") {
		t.Fatalf("ожидали успешную замену задания")
	}
	if got := svc.JobsCount(); got != 1 {
		t.Fatalf("замена не должна плодить задания, получили %d", got)
	}
}

func TestAddOrUpdateInvalidInputKeepsExisting(t *testing.T) {
	svc, _ := newTestScheduler(t, newMemSettings(), &memMessages{}, &fakeRecommender{})

	if !svc.AddOrUpdateUserSchedule("42", "0 9 * * *", "") {
		t.Fatalf("ожидали успешное создание задания")
	}
	if svc.AddOrUpdateUserSchedule("42", "bad cron", "") {
		t.Fatalf("невалидный cron должен быть отвергнут")
	}
	if svc.AddOrUpdateUserSchedule("42", "0 9 * * *", "Mars/Olympus") {
		t.Fatalf("невалидная зона должна быть отвергнута")
	}
	if got := svc.JobsCount(); got != 1 {
		t.Fatalf("существующее задание должно сохраниться, получили %d", got)
	}
}

func TestAddOrUpdateDisabledCronRemovesJob(t *testing.T) {
	svc, _ := newTestScheduler(t, newMemSettings(), &memMessages{}, &fakeRecommender{})

	if !svc.AddOrUpdateUserSchedule("42", "0 9 * * *", "") {
		t.Fatalf("ожидали успешное создание задания")
	}
	if !svc.AddOrUpdateUserSchedule("42", domain.CronDisabled, "") {
		t.Fatalf("выключенный cron равносилен удалению и должен быть успехом")
	}
	if got := svc.JobsCount(); got != 0 {
		t.Fatalf("задание должно быть снято, получили %d", got)
	}
	// Без существующего задания — тоже успех.
	if !svc.AddOrUpdateUserSchedule("43", domain.CronDisabled, "") {
		t.Fatalf("выключенный cron без задания — успех")
	}
}

func TestRemoveUserScheduleIdempotent(t *testing.T) {
	svc, _ := newTestScheduler(t, newMemSettings(), &memMessages{}, &fakeRecommender{})

	if !svc.RemoveUserSchedule("42") {
		t.Fatalf("удаление отсутствующего задания — успех")
	}
	svc.AddOrUpdateUserSchedule("42", "0 9 * * *", "")
	if !svc.RemoveUserSchedule("42") {
		t.Fatalf("ожидали успешное удаление")
	}
	if !svc.RemoveUserSchedule("42") {
		t.Fatalf("повторное удаление — тоже успех")
	}
	if got := svc.JobsCount(); got != 0 {
		t.Fatalf("заданий быть не должно, получили %d", got)
	}
}

func TestSyncFromSettings(t *testing.T) {
	settings := newMemSettings(enabledSetting("42", "0 9 * * *"))
	svc, _ := newTestScheduler(t, settings, &memMessages{}, &fakeRecommender{})

	if !svc.SyncFromSettings("42") {
		t.Fatalf("ожидали создание задания из настроек")
	}
	if got := svc.JobsCount(); got != 1 {
		t.Fatalf("ожидали 1 задание, получили %d", got)
	}

	settings.mu.Lock()
	s := settings.settings["42"]
	s.Cron = domain.CronDisabled
	settings.settings["42"] = s
	settings.mu.Unlock()

	if !svc.SyncFromSettings("42") {
		t.Fatalf("ожидали удаление задания для выключенного cron")
	}
	if got := svc.JobsCount(); got != 0 {
		t.Fatalf("задание должно быть снято, получили %d", got)
	}

	if !svc.SyncFromSettings("missing") {
		t.Fatalf("отсутствие настроек приводит к удалению задания и успеху")
	}
}

func TestStartRestoresJobsFromSettings(t *testing.T) {
	settings := newMemSettings(
		enabledSetting("1", "0 9 * * *"),
		enabledSetting("2", "0 0 18 * * *"),
		domain.UserSetting{UserID: "3"},
		enabledSetting("4", domain.CronDisabled),
	)
	svc, _ := newTestScheduler(t, settings, &memMessages{}, &fakeRecommender{})

	if err := svc.Start(); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	defer svc.Shutdown(true)

	if got := svc.JobsCount(); got != 2 {
		t.Fatalf("ожидали 2 восстановленных задания, получили %d", got)
	}

	info, ok := svc.ScheduleInfo("1")
	if !ok {
		t.Fatalf("ожидали информацию о задании")
	}
	if info.Cron != "0 9 * * *" {
		t.Fatalf("неожиданный cron в снимке: %q", info.Cron)
	}
	if info.NextRun.IsZero() {
		t.Fatalf("у запущенного планировщика должно быть время следующего запуска")
	}
	if _, ok := svc.ScheduleInfo("3"); ok {
		t.Fatalf("у пользователя без расписания не должно быть задания")
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	svc, err := NewService(newMemSettings(), &memMessages{}, &fakeRecommender{}, plainCipher{}, noopPrefs{}, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("не удалось создать планировщик: %v", err)
	}
	first := &fakeDelivery{}
	if err := svc.Initialize(first); err != nil {
		t.Fatalf("не ожидали ошибку первой инициализации: %v", err)
	}
	if err := svc.Initialize(&fakeDelivery{}); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("ожидали ErrAlreadyInitialized, получили %v", err)
	}
	if svc.delivery != first {
		t.Fatalf("повторная инициализация не должна подменять адаптер доставки")
	}
}

func TestStartRequiresInitialize(t *testing.T) {
	svc, err := NewService(newMemSettings(), &memMessages{}, &fakeRecommender{}, plainCipher{}, noopPrefs{}, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("не удалось создать планировщик: %v", err)
	}
	if err := svc.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("ожидали ErrNotInitialized, получили %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	svc, _ := newTestScheduler(t, newMemSettings(), &memMessages{}, &fakeRecommender{})
	if err := svc.Start(); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	defer svc.Shutdown(true)
	if err := svc.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("ожидали ErrAlreadyStarted, получили %v", err)
	}
}

func TestRunManualJobDeliversAndRecords(t *testing.T) {
	settings := newMemSettings(enabledSetting("42", ""))
	messages := &memMessages{}
	rec := &fakeRecommender{papers: []domain.Paper{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}}}
	svc, delivery := newTestScheduler(t, settings, messages, rec)

	err := svc.RunManualJob(context.Background(), domain.RecommendationJob{UserID: "42", Cause: domain.RecommendationCauseManual})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(delivery.delivered) != 1 || len(delivery.delivered[0]) != 2 {
		t.Fatalf("ожидали доставку двух статей, получили %+v", delivery.delivered)
	}
	if len(messages.saved) != 2 {
		t.Fatalf("ожидали 2 записи сообщений, получили %d", len(messages.saved))
	}
	if messages.saved[0].PaperID != "a" || messages.saved[0].MessageID != 100 {
		t.Fatalf("неожиданная запись сообщения: %+v", messages.saved[0])
	}
}

func TestRunManualJobEmptyResultNotifies(t *testing.T) {
	settings := newMemSettings(enabledSetting("42", ""))
	svc, delivery := newTestScheduler(t, settings, &memMessages{}, &fakeRecommender{})

	if err := svc.RunManualJob(context.Background(), domain.RecommendationJob{UserID: "42"}); err != nil {
		t.Fatalf("пустой результат — не ошибка: %v", err)
	}
	if len(delivery.notices) != 1 {
		t.Fatalf("ожидали одно уведомление, получили %v", delivery.notices)
	}
}

func TestRunManualJobPipelineFailureNotifies(t *testing.T) {
	settings := newMemSettings(enabledSetting("42", ""))
	rec := &fakeRecommender{err: errors.New("boom")}
	svc, delivery := newTestScheduler(t, settings, &memMessages{}, rec)

	if err := svc.RunManualJob(context.Background(), domain.RecommendationJob{UserID: "42"}); err == nil {
		t.Fatalf("ожидали ошибку пайплайна")
	}
	if len(delivery.notices) != 1 {
		t.Fatalf("ожидали уведомление об ошибке, получили %v", delivery.notices)
	}
}

func TestRunManualJobMissingRepoNotifies(t *testing.T) {
	settings := newMemSettings(domain.UserSetting{UserID: "42"})
	svc, delivery := newTestScheduler(t, settings, &memMessages{}, &fakeRecommender{})

	if err := svc.RunManualJob(context.Background(), domain.RecommendationJob{UserID: "42"}); err == nil {
		t.Fatalf("ожидали ошибку для ненастроенного репозитория")
	}
	if len(delivery.notices) != 1 {
		t.Fatalf("ожидали уведомление, получили %v", delivery.notices)
	}
}

func TestScheduledJobRemovesStaleEntry(t *testing.T) {
	settings := newMemSettings()
	svc, _ := newTestScheduler(t, settings, &memMessages{}, &fakeRecommender{})

	svc.AddOrUpdateUserSchedule("42", "0 9 * * *", "")
	if got := svc.JobsCount(); got != 1 {
		t.Fatalf("ожидали 1 задание, получили %d", got)
	}

	// Настройки пользователя исчезли между срабатываниями.
	svc.runScheduledJob("42")
	if got := svc.JobsCount(); got != 0 {
		t.Fatalf("устаревшее задание должно быть снято, получили %d", got)
	}
}

func TestTriggerPreferenceSyncRequiresStart(t *testing.T) {
	svc, _ := newTestScheduler(t, newMemSettings(), &memMessages{}, &fakeRecommender{})

	if svc.TriggerPreferenceSyncNow() {
		t.Fatalf("до запуска планировщика синхронизация невозможна")
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}
	defer svc.Shutdown(true)
	if !svc.TriggerPreferenceSyncNow() {
		t.Fatalf("после запуска синхронизация должна ставиться в очередь")
	}
	// Даём одноразовому заданию шанс выполниться до остановки.
	time.Sleep(50 * time.Millisecond)
}

func TestPerUserIsolation(t *testing.T) {
	svc, _ := newTestScheduler(t, newMemSettings(), &memMessages{}, &fakeRecommender{})

	svc.AddOrUpdateUserSchedule("1", "0 9 * * *", "")
	svc.AddOrUpdateUserSchedule("2", "0 9 * * *", "")
	if !svc.RemoveUserSchedule("1") {
		t.Fatalf("ожидали успешное удаление")
	}
	if got := svc.JobsCount(); got != 1 {
		t.Fatalf("задание другого пользователя должно сохраниться, получили %d", got)
	}
	if _, ok := svc.ScheduleInfo("2"); !ok {
		t.Fatalf("задание пользователя 2 должно существовать")
	}
}

// panicRecommender роняет пайплайн для одного владельца репозитория
// и отвечает нормально остальным.
type panicRecommender struct {
	panicOwner string
	papers     []domain.Paper
}

func (p *panicRecommender) Recommend(_ context.Context, _, owner, _ string, _ []string) ([]domain.Paper, error) {
	if owner == p.panicOwner {
		panic("recommender exploded")
	}
	return p.papers, nil
}

func TestScheduledJobPanicDoesNotAffectOthers(t *testing.T) {
	broken := enabledSetting("1", "0 9 * * *")
	healthy := enabledSetting("2", "0 9 * * *")
	healthy.GitHubUser = "bob"
	settings := newMemSettings(broken, healthy)
	messages := &memMessages{}
	rec := &panicRecommender{panicOwner: "alice", papers: []domain.Paper{{ID: "a", Title: "A"}}}
	svc, delivery := newTestScheduler(t, settings, messages, rec)

	svc.AddOrUpdateUserSchedule("1", "0 9 * * *", "")
	svc.AddOrUpdateUserSchedule("2", "0 9 * * *", "")

	// Паника в теле задания не должна покидать его границу.
	svc.runScheduledJob("1")

	if got := svc.JobsCount(); got != 2 {
		t.Fatalf("паника не должна трогать задания, получили %d", got)
	}
	svc.runScheduledJob("2")
	if len(delivery.delivered) != 1 || delivery.delivered[0][0].ID != "a" {
		t.Fatalf("задание второго пользователя должно отработать, получили %+v", delivery.delivered)
	}
	if len(messages.saved) != 1 {
		t.Fatalf("ожидали 1 запись сообщения, получили %d", len(messages.saved))
	}
}

// blockingRecommender имитирует долгий CI-прогон: Recommend не возвращается,
// пока тест не закроет release.
type blockingRecommender struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRecommender) Recommend(context.Context, string, string, string, []string) ([]domain.Paper, error) {
	close(b.started)
	<-b.release
	return nil, nil
}

func TestShutdownWaitsForRunningJob(t *testing.T) {
	settings := newMemSettings(enabledSetting("42", "0 9 * * *"))
	rec := &blockingRecommender{started: make(chan struct{}), release: make(chan struct{})}
	svc, _ := newTestScheduler(t, settings, &memMessages{}, rec)
	if err := svc.Start(); err != nil {
		t.Fatalf("не ожидали ошибку запуска: %v", err)
	}

	go svc.runScheduledJob("42")
	select {
	case <-rec.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("задание не запустилось")
	}

	done := make(chan struct{})
	go func() {
		if err := svc.Shutdown(true); err != nil {
			t.Errorf("не ожидали ошибку остановки: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Shutdown(true) вернулся до завершения задания")
	case <-time.After(100 * time.Millisecond):
	}

	close(rec.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Shutdown(true) не дождался завершения задания")
	}
}
