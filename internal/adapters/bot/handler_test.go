package bot

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/usecase/preference"
	"paper-digest-bot/internal/usecase/scheduler"
	"paper-digest-bot/internal/usecase/settings"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, _ := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{MessageID: 100 + len(f.sent)}, nil
}

func (f *fakeSender) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("ожидалось хотя бы одно отправленное сообщение")
	}
	return f.sent[len(f.sent)-1].Text
}

type memSettingsRepo struct {
	settings map[string]domain.UserSetting
}

func (m *memSettingsRepo) GetSettings(userID string) (domain.UserSetting, error) {
	s, ok := m.settings[userID]
	if !ok {
		return domain.UserSetting{}, domain.ErrSettingsNotFound
	}
	return s, nil
}

func (m *memSettingsRepo) UpsertSettings(userID string, patch domain.SettingsPatch) (domain.UserSetting, error) {
	s := m.settings[userID]
	s.UserID = userID
	if patch.GitHubUser != nil {
		s.GitHubUser = *patch.GitHubUser
	}
	if patch.RepoName != nil {
		s.RepoName = *patch.RepoName
	}
	if patch.EncryptedPAT != nil {
		s.EncryptedPAT = *patch.EncryptedPAT
	}
	if patch.Cron != nil {
		s.Cron = *patch.Cron
	}
	if patch.Timezone != nil {
		s.Timezone = *patch.Timezone
	}
	m.settings[userID] = s
	return s, nil
}

func (m *memSettingsRepo) DeleteSettings(userID string) error {
	delete(m.settings, userID)
	return nil
}

func (m *memSettingsRepo) ListSettings() ([]domain.UserSetting, error) { return nil, nil }

type stubMessages struct {
	record domain.MessageRecord
	err    error
}

func (s *stubMessages) SaveMessage(rec domain.MessageRecord) (domain.MessageRecord, error) {
	return rec, nil
}

func (s *stubMessages) GetMessage(string, string, int64) (domain.MessageRecord, error) {
	return s.record, s.err
}

type spyReactions struct {
	upserted []domain.ReactionRecord
	deleted  int
}

func (s *spyReactions) UpsertReaction(rec domain.ReactionRecord) error {
	s.upserted = append(s.upserted, rec)
	return nil
}

func (s *spyReactions) DeleteReaction(string, string, int64) error {
	s.deleted++
	return nil
}

func (s *spyReactions) ListRecentReactions(string, time.Time) ([]domain.ReactionRecord, error) {
	return nil, nil
}

type memQueue struct {
	jobs []domain.RecommendationJob
}

func (q *memQueue) Enqueue(_ context.Context, job domain.RecommendationJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Receive(context.Context) (domain.RecommendationJob, domain.RecommendationAckFunc, error) {
	return domain.RecommendationJob{}, nil, context.Canceled
}

type memCache struct {
	keys map[string]struct{}
}

func (c *memCache) Once(key string, _ time.Duration, fn func() error) error {
	if c.keys == nil {
		c.keys = make(map[string]struct{})
	}
	if _, ok := c.keys[key]; ok {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	c.keys[key] = struct{}{}
	return nil
}

func (c *memCache) Set(string, []byte, time.Duration) error { return nil }
func (c *memCache) Get(string) ([]byte, error)              { return nil, nil }

type plainCipher struct{}

func (plainCipher) Encrypt(s string) (string, error) { return s, nil }
func (plainCipher) Decrypt(s string) (string, error) { return s, nil }

type noopPrefs struct{}

func (noopPrefs) SyncUser(context.Context, string) bool        { return true }
func (noopPrefs) SyncAllUsers(context.Context) map[string]bool { return nil }

type noopRecommender struct{}

func (noopRecommender) Recommend(context.Context, string, string, string, []string) ([]domain.Paper, error) {
	return nil, nil
}

func newTestHandler(t *testing.T, repo *memSettingsRepo, messages *stubMessages, reactions *spyReactions, queue *memQueue) (*Handler, *fakeSender) {
	t.Helper()
	sched, err := scheduler.NewService(repo, messages, noopRecommender{}, plainCipher{}, noopPrefs{}, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("не удалось создать планировщик: %v", err)
	}
	settingsUC := settings.NewService(repo, plainCipher{}, sched, zerolog.Nop())
	classifier, err := preference.NewClassifier([]string{"👍"}, []string{"👎"}, []string{"🤔"})
	if err != nil {
		t.Fatalf("не удалось создать классификатор: %v", err)
	}
	sender := &fakeSender{}
	h := NewHandler(sender, zerolog.Nop(), settingsUC, sched, noopPrefs{}, classifier, messages, reactions, queue, &memCache{})
	return h, sender
}

func privateMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: 42},
		Chat: &tgbotapi.Chat{ID: 42, Type: "private"},
	}
}

func TestUpdateDecodesMessageReaction(t *testing.T) {
	raw := []byte(`{
		"update_id": 5,
		"message_reaction": {
			"chat": {"id": 42, "type": "private"},
			"message_id": 101,
			"user": {"id": 42},
			"old_reaction": [],
			"new_reaction": [{"type": "emoji", "emoji": "👍"}]
		}
	}`)
	var upd Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		t.Fatalf("ожидалось отсутствие ошибки, получено %v", err)
	}
	if upd.MessageReaction == nil {
		t.Fatal("поле message_reaction не распарсилось")
	}
	if upd.MessageReaction.MessageID != 101 {
		t.Fatalf("ожидался message_id 101, получено %d", upd.MessageReaction.MessageID)
	}
	emoji, ok := FirstEmoji(upd.MessageReaction.NewReaction)
	if !ok || emoji != "👍" {
		t.Fatalf("ожидался 👍, получено %q", emoji)
	}
}

func TestHandleReactionRecordsPreference(t *testing.T) {
	messages := &stubMessages{record: domain.MessageRecord{UserID: "42", MessageID: 101, PaperID: "2408.00001"}}
	reactions := &spyReactions{}
	h, _ := newTestHandler(t, &memSettingsRepo{settings: map[string]domain.UserSetting{}}, messages, reactions, &memQueue{})

	h.HandleUpdate(context.Background(), Update{MessageReaction: &MessageReactionUpdate{
		Chat:        tgbotapi.Chat{ID: 42, Type: "private"},
		MessageID:   101,
		User:        &tgbotapi.User{ID: 42},
		NewReaction: []ReactionType{{Type: "emoji", Emoji: "👍"}},
	}})

	if len(reactions.upserted) != 1 {
		t.Fatalf("ожидалась одна сохранённая реакция, получено %d", len(reactions.upserted))
	}
	rec := reactions.upserted[0]
	if rec.PaperID != "2408.00001" || rec.Emoji != "👍" {
		t.Fatalf("неожиданная запись реакции: %+v", rec)
	}
	if rec.GroupID != "" {
		t.Fatalf("в личном чате group_id должен быть пустым, получено %q", rec.GroupID)
	}
}

func TestHandleReactionGroupChat(t *testing.T) {
	messages := &stubMessages{record: domain.MessageRecord{GroupID: "-100", UserID: "42", MessageID: 101, PaperID: "2408.00001"}}
	reactions := &spyReactions{}
	h, _ := newTestHandler(t, &memSettingsRepo{settings: map[string]domain.UserSetting{}}, messages, reactions, &memQueue{})

	h.HandleUpdate(context.Background(), Update{MessageReaction: &MessageReactionUpdate{
		Chat:        tgbotapi.Chat{ID: -100, Type: "supergroup"},
		MessageID:   101,
		User:        &tgbotapi.User{ID: 42},
		NewReaction: []ReactionType{{Type: "emoji", Emoji: "👎"}},
	}})

	if len(reactions.upserted) != 1 {
		t.Fatalf("ожидалась одна сохранённая реакция, получено %d", len(reactions.upserted))
	}
	if reactions.upserted[0].GroupID != "-100" {
		t.Fatalf("ожидался group_id -100, получено %q", reactions.upserted[0].GroupID)
	}
}

func TestHandleReactionRemoval(t *testing.T) {
	messages := &stubMessages{record: domain.MessageRecord{UserID: "42", MessageID: 101, PaperID: "2408.00001"}}
	reactions := &spyReactions{}
	h, _ := newTestHandler(t, &memSettingsRepo{settings: map[string]domain.UserSetting{}}, messages, reactions, &memQueue{})

	h.HandleUpdate(context.Background(), Update{MessageReaction: &MessageReactionUpdate{
		Chat:        tgbotapi.Chat{ID: 42, Type: "private"},
		MessageID:   101,
		User:        &tgbotapi.User{ID: 42},
		OldReaction: []ReactionType{{Type: "emoji", Emoji: "👍"}},
	}})

	if reactions.deleted != 1 {
		t.Fatalf("ожидалось удаление реакции, получено %d", reactions.deleted)
	}
	if len(reactions.upserted) != 0 {
		t.Fatalf("ожидалось отсутствие upsert, получено %d", len(reactions.upserted))
	}
}

func TestHandleReactionUnlinkedMessage(t *testing.T) {
	messages := &stubMessages{err: domain.ErrMessageNotFound}
	reactions := &spyReactions{}
	h, _ := newTestHandler(t, &memSettingsRepo{settings: map[string]domain.UserSetting{}}, messages, reactions, &memQueue{})

	h.HandleUpdate(context.Background(), Update{MessageReaction: &MessageReactionUpdate{
		Chat:        tgbotapi.Chat{ID: 42, Type: "private"},
		MessageID:   999,
		User:        &tgbotapi.User{ID: 42},
		NewReaction: []ReactionType{{Type: "emoji", Emoji: "👍"}},
	}})

	if len(reactions.upserted) != 0 || reactions.deleted != 0 {
		t.Fatal("реакции на несвязанные сообщения должны игнорироваться")
	}
}

func TestRecommendWithoutSettings(t *testing.T) {
	queue := &memQueue{}
	h, sender := newTestHandler(t, &memSettingsRepo{settings: map[string]domain.UserSetting{}}, &stubMessages{}, &spyReactions{}, queue)

	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("/recommend")}})

	if len(queue.jobs) != 0 {
		t.Fatalf("ожидалось отсутствие задач, получено %d", len(queue.jobs))
	}
	if !strings.Contains(sender.lastText(t), "/settings") {
		t.Fatalf("ожидалась подсказка про /settings, получено %q", sender.lastText(t))
	}
}

func TestRecommendEnqueuesOnce(t *testing.T) {
	repo := &memSettingsRepo{settings: map[string]domain.UserSetting{
		"42": {UserID: "42", GitHubUser: "alice", RepoName: "papers", EncryptedPAT: "tok"},
	}}
	queue := &memQueue{}
	h, sender := newTestHandler(t, repo, &stubMessages{}, &spyReactions{}, queue)

	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("/recommend")}})
	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("/recommend")}})

	if len(queue.jobs) != 1 {
		t.Fatalf("повторный /recommend должен схлопываться, получено %d задач", len(queue.jobs))
	}
	if queue.jobs[0].Cause != domain.RecommendationCauseManual {
		t.Fatalf("ожидалась причина manual, получено %s", queue.jobs[0].Cause)
	}
	if !strings.Contains(sender.lastText(t), "уже выполняется") {
		t.Fatalf("ожидался ответ о повторном запуске, получено %q", sender.lastText(t))
	}
}

func TestSettingsStringAppliedDirectly(t *testing.T) {
	repo := &memSettingsRepo{settings: map[string]domain.UserSetting{}}
	h, sender := newTestHandler(t, repo, &stubMessages{}, &spyReactions{}, &memQueue{})

	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("pat:ghp_x;repo:alice/papers;cron:0 9 * * *")}})

	saved, ok := repo.settings["42"]
	if !ok {
		t.Fatal("настройки не сохранены")
	}
	if saved.GitHubUser != "alice" || saved.RepoName != "papers" {
		t.Fatalf("неожиданный репозиторий: %+v", saved)
	}
	if saved.Cron != "0 9 * * *" {
		t.Fatalf("неожиданный cron: %q", saved.Cron)
	}
	if !strings.Contains(sender.lastText(t), "сохранены") {
		t.Fatalf("ожидалось подтверждение, получено %q", sender.lastText(t))
	}
}

func TestSettingsInvalidCronRejected(t *testing.T) {
	repo := &memSettingsRepo{settings: map[string]domain.UserSetting{}}
	h, sender := newTestHandler(t, repo, &stubMessages{}, &spyReactions{}, &memQueue{})

	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("cron:every morning")}})

	if _, ok := repo.settings["42"]; ok {
		t.Fatal("невалидный cron не должен сохраняться")
	}
	if !strings.Contains(sender.lastText(t), "не применены") {
		t.Fatalf("ожидался отказ, получено %q", sender.lastText(t))
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	repo := &memSettingsRepo{settings: map[string]domain.UserSetting{
		"42": {UserID: "42", GitHubUser: "alice"},
	}}
	h, _ := newTestHandler(t, repo, &stubMessages{}, &spyReactions{}, &memQueue{})

	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("/reset")}})
	if _, ok := repo.settings["42"]; !ok {
		t.Fatal("настройки должны сохраняться до подтверждения")
	}

	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("/reset_confirm")}})
	if _, ok := repo.settings["42"]; ok {
		t.Fatal("после подтверждения настройки должны быть удалены")
	}
}

func TestResetConfirmWithoutRequest(t *testing.T) {
	repo := &memSettingsRepo{settings: map[string]domain.UserSetting{
		"42": {UserID: "42", GitHubUser: "alice"},
	}}
	h, sender := newTestHandler(t, repo, &stubMessages{}, &spyReactions{}, &memQueue{})

	h.HandleUpdate(context.Background(), Update{Update: tgbotapi.Update{Message: privateMessage("/reset_confirm")}})

	if _, ok := repo.settings["42"]; !ok {
		t.Fatal("подтверждение без запроса не должно ничего удалять")
	}
	if !strings.Contains(sender.lastText(t), "устарел") {
		t.Fatalf("ожидалось сообщение об устаревшем подтверждении, получено %q", sender.lastText(t))
	}
}
