package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-digest-bot/internal/adapters/telegram"
	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
	"paper-digest-bot/internal/usecase/preference"
	"paper-digest-bot/internal/usecase/scheduler"
	"paper-digest-bot/internal/usecase/settings"
)

// Sender — используемое подмножество tgbotapi.BotAPI.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler обслуживает вебхук бота.
type Handler struct {
	bot        Sender
	log        zerolog.Logger
	settingsUC *settings.Service
	sched      *scheduler.Service
	prefs      domain.PreferenceSyncer
	classifier *preference.Classifier
	messages   domain.MessageRepo
	reactions  domain.ReactionRepo
	jobs       domain.RecommendationQueue
	cache      domain.Cache

	mu              sync.Mutex
	pendingSettings map[int64]struct{}
	pendingReset    map[int64]time.Time
}

// NewHandler создаёт обработчик.
func NewHandler(bot Sender, log zerolog.Logger, settingsUC *settings.Service, sched *scheduler.Service, prefs domain.PreferenceSyncer, classifier *preference.Classifier, messages domain.MessageRepo, reactions domain.ReactionRepo, jobs domain.RecommendationQueue, cache domain.Cache) *Handler {
	return &Handler{
		bot:             bot,
		log:             log,
		settingsUC:      settingsUC,
		sched:           sched,
		prefs:           prefs,
		classifier:      classifier,
		messages:        messages,
		reactions:       reactions,
		jobs:            jobs,
		cache:           cache,
		pendingSettings: make(map[int64]struct{}),
		pendingReset:    make(map[int64]time.Time),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd Update) {
	switch {
	case upd.MessageReaction != nil:
		h.handleReaction(upd.MessageReaction)
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		h.reply(msg.Chat.ID, "Не удалось определить пользователя")
		return
	}
	text := strings.TrimSpace(msg.Text)
	userID := strconv.FormatInt(msg.From.ID, 10)

	if !strings.HasPrefix(text, "/") {
		if h.tryHandleSettingsInput(msg.Chat.ID, msg.From.ID, userID, text) {
			return
		}
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help")
		return
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		h.handleStart(msg.Chat.ID)
	case strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, h.buildHelpMessage())
	case strings.HasPrefix(text, "/settings"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/settings"))
		if payload == "" {
			h.handleShowSettings(msg.Chat.ID, msg.From.ID, userID)
			return
		}
		h.applySettings(msg.Chat.ID, msg.From.ID, userID, payload)
	case strings.HasPrefix(text, "/recommend"):
		h.handleRecommend(ctx, msg.Chat.ID, userID)
	case strings.HasPrefix(text, "/schedule"):
		h.handleSchedule(msg.Chat.ID, userID)
	case strings.HasPrefix(text, "/sync"):
		h.handleSync(msg.Chat.ID, userID)
	case strings.HasPrefix(text, "/reset_confirm"):
		h.handleResetConfirm(msg.Chat.ID, msg.From.ID, userID)
	case strings.HasPrefix(text, "/reset"):
		h.handleResetRequest(msg.Chat.ID, msg.From.ID)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help")
	}
}

func (h *Handler) handleStart(chatID int64) {
	h.reply(chatID, "Привет! Я присылаю персональные рекомендации статей из вашего GitHub-репозитория.\n\n"+h.buildHelpMessage())
}

func (h *Handler) handleShowSettings(chatID, tgUserID int64, userID string) {
	text, err := h.settingsUC.Describe(userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("не удалось получить настройки")
		h.reply(chatID, "Не удалось получить настройки, попробуйте позже")
		return
	}
	h.setPendingSettings(tgUserID)
	h.reply(chatID, text+"\n\nОтправьте строку настроек, чтобы изменить их. Пример:\npat:<token>;repo:alice/papers;cron:0 9 * * *;timezone:UTC")
}

func (h *Handler) tryHandleSettingsInput(chatID, tgUserID int64, userID, text string) bool {
	h.mu.Lock()
	_, pending := h.pendingSettings[tgUserID]
	h.mu.Unlock()
	if !pending && !looksLikeSettings(text) {
		return false
	}
	h.applySettings(chatID, tgUserID, userID, text)
	return true
}

// looksLikeSettings распознаёт строку настроек, отправленную без /settings.
func looksLikeSettings(text string) bool {
	for _, key := range []string{"pat:", "repo:", "cron:", "timezone:"} {
		if strings.Contains(text, key) {
			return true
		}
	}
	return false
}

func (h *Handler) applySettings(chatID, tgUserID int64, userID, text string) {
	h.clearPendingSettings(tgUserID)
	setting, err := h.settingsUC.Apply(userID, text)
	if err != nil {
		switch {
		case errors.Is(err, settings.ErrEmptyInput):
			h.reply(chatID, "Пустая строка настроек. Пример:\npat:<token>;repo:alice/papers;cron:0 9 * * *")
		case errors.Is(err, settings.ErrBadRepoFormat):
			h.reply(chatID, "Репозиторий указывается как user/name, например repo:alice/papers")
		case errors.Is(err, settings.ErrUnknownField):
			h.reply(chatID, "Неизвестное поле. Допустимы pat, repo, cron и timezone")
		default:
			h.reply(chatID, fmt.Sprintf("Настройки не применены: %v", err))
		}
		return
	}

	var b strings.Builder
	b.WriteString("Настройки сохранены.")
	if setting.ScheduleEnabled() {
		if info, ok := h.sched.ScheduleInfo(userID); ok && !info.NextRun.IsZero() {
			b.WriteString(" Следующий запуск: " + info.NextRun.UTC().Format("2006-01-02 15:04 MST"))
		}
	} else {
		b.WriteString(" Расписание выключено.")
	}
	h.reply(chatID, b.String())
}

func (h *Handler) handleRecommend(ctx context.Context, chatID int64, userID string) {
	setting, err := h.settingsUC.Get(userID)
	if errors.Is(err, domain.ErrSettingsNotFound) || (err == nil && !setting.RepoReady()) {
		h.reply(chatID, "Сначала настройте репозиторий и токен: /settings")
		return
	}
	if err != nil {
		h.reply(chatID, "Не удалось прочитать настройки, попробуйте позже")
		return
	}

	enqueued := false
	// Повторный /recommend во время работы пайплайна схлопывается.
	err = h.cache.Once("recommend:"+userID, 5*time.Minute, func() error {
		job := domain.RecommendationJob{
			ID:          uuid.NewString(),
			UserID:      userID,
			ChatID:      chatID,
			RequestedAt: time.Now().UTC(),
			Cause:       domain.RecommendationCauseManual,
		}
		if err := h.jobs.Enqueue(ctx, job); err != nil {
			return err
		}
		enqueued = true
		return nil
	})
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("не удалось поставить задачу")
		h.reply(chatID, "Не удалось запустить пайплайн, попробуйте позже")
		return
	}
	if !enqueued {
		h.reply(chatID, "Пайплайн уже выполняется, дождитесь результата")
		return
	}
	h.reply(chatID, "Запустил пайплайн рекомендаций. Это может занять несколько минут.")
}

func (h *Handler) handleSchedule(chatID int64, userID string) {
	info, ok := h.sched.ScheduleInfo(userID)
	if !ok {
		h.reply(chatID, "Расписание не настроено. Задайте cron через /settings, например cron:0 9 * * *")
		return
	}
	var b strings.Builder
	b.WriteString("Расписание: " + info.Cron)
	if info.Timezone != "" {
		b.WriteString(" (" + info.Timezone + ")")
	}
	if !info.NextRun.IsZero() {
		b.WriteString("\nСледующий запуск: " + info.NextRun.UTC().Format("2006-01-02 15:04 MST"))
	}
	h.reply(chatID, b.String())
}

func (h *Handler) handleSync(chatID int64, userID string) {
	h.reply(chatID, "Синхронизирую предпочтения…")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if h.prefs.SyncUser(ctx, userID) {
			h.reply(chatID, "Предпочтения синхронизированы")
		} else {
			h.reply(chatID, "Не удалось синхронизировать предпочтения, проверьте настройки")
		}
	}()
}

func (h *Handler) handleResetRequest(chatID, tgUserID int64) {
	h.mu.Lock()
	h.pendingReset[tgUserID] = time.Now().Add(time.Minute)
	h.mu.Unlock()
	h.reply(chatID, "Будут удалены настройки, токен и расписание. Подтвердите командой /reset_confirm в течение минуты.")
}

func (h *Handler) handleResetConfirm(chatID, tgUserID int64, userID string) {
	h.mu.Lock()
	deadline, ok := h.pendingReset[tgUserID]
	delete(h.pendingReset, tgUserID)
	h.mu.Unlock()
	if !ok || time.Now().After(deadline) {
		h.reply(chatID, "Подтверждение устарело. Отправьте /reset ещё раз.")
		return
	}
	if err := h.settingsUC.Reset(userID); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("не удалось удалить настройки")
		h.reply(chatID, "Не удалось удалить настройки, попробуйте позже")
		return
	}
	h.reply(chatID, "Настройки удалены")
}

// handleReaction сохраняет реакцию на сообщение со статьёй.
// Реакции на чужие сообщения игнорируются.
func (h *Handler) handleReaction(upd *MessageReactionUpdate) {
	if upd.User == nil {
		return
	}
	userID := strconv.FormatInt(upd.User.ID, 10)
	groupID := ""
	if upd.Chat.Type != "private" {
		groupID = strconv.FormatInt(upd.Chat.ID, 10)
	}

	rec, err := h.messages.GetMessage(groupID, userID, upd.MessageID)
	if errors.Is(err, domain.ErrMessageNotFound) {
		h.log.Debug().Str("user_id", userID).Int64("message_id", upd.MessageID).Msg("реакция на несвязанное сообщение")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("не удалось найти сообщение для реакции")
		return
	}

	emoji, ok := FirstEmoji(upd.NewReaction)
	if !ok {
		// Пользователь снял реакцию.
		if err := h.reactions.DeleteReaction(groupID, userID, upd.MessageID); err != nil {
			h.log.Error().Err(err).Str("user_id", userID).Msg("не удалось удалить реакцию")
		}
		return
	}

	err = h.reactions.UpsertReaction(domain.ReactionRecord{
		GroupID:   groupID,
		UserID:    userID,
		MessageID: upd.MessageID,
		PaperID:   rec.PaperID,
		Emoji:     emoji,
	})
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("не удалось сохранить реакцию")
		return
	}
	metrics.ReactionsRecordedTotal.WithLabelValues(string(h.classifier.Classify(emoji))).Inc()
}

func (h *Handler) setPendingSettings(tgUserID int64) {
	h.mu.Lock()
	h.pendingSettings[tgUserID] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) clearPendingSettings(tgUserID int64) {
	h.mu.Lock()
	delete(h.pendingSettings, tgUserID)
	h.mu.Unlock()
}

func (h *Handler) reply(chatID int64, text string) {
	parts := telegram.SplitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Msg("не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) buildHelpMessage() string {
	return strings.Join([]string{
		"Команды:",
		"/settings — показать и изменить настройки (токен, репозиторий, cron, зона)",
		"/recommend — запустить пайплайн рекомендаций сейчас",
		"/schedule — показать расписание и время следующего запуска",
		"/sync — свести свежие реакции в файл предпочтений",
		"/reset — удалить все настройки",
		"",
		"Реакция 👍/👎/🤔 на присланную статью сохраняет ваше предпочтение.",
	}, "\n")
}
