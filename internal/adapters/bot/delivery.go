package bot

import (
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"paper-digest-bot/internal/adapters/telegram"
	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
	"paper-digest-bot/internal/usecase/render"
)

// Delivery отправляет статьи и уведомления через Bot API.
// Каждая статья уходит отдельным сообщением, чтобы реакции однозначно
// связывались со статьями.
type Delivery struct {
	bot Sender
	log zerolog.Logger
}

var _ domain.Delivery = (*Delivery)(nil)

// NewDelivery создаёт адаптер доставки.
func NewDelivery(bot Sender, log zerolog.Logger) *Delivery {
	return &Delivery{bot: bot, log: log}
}

// NotifyUser отправляет служебное уведомление.
func (d *Delivery) NotifyUser(userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse user id %q: %w", userID, err)
	}
	for _, part := range telegram.SplitMessage(text) {
		if _, err := d.send(chatID, part, ""); err != nil {
			return err
		}
	}
	return nil
}

// DeliverPapers отправляет выпуск рекомендаций: заголовок и по сообщению
// на статью. Ошибка отправки одной статьи не прерывает остальные.
func (d *Delivery) DeliverPapers(userID string, papers []domain.Paper) []domain.DeliveryOutcome {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		out := make([]domain.DeliveryOutcome, 0, len(papers))
		for _, p := range papers {
			out = append(out, domain.DeliveryOutcome{PaperID: p.ID, Err: fmt.Errorf("parse user id %q: %w", userID, err)})
		}
		return out
	}

	if _, err := d.send(chatID, render.FormatHeader(len(papers)), tgbotapi.ModeHTML); err != nil {
		d.log.Error().Err(err).Str("user_id", userID).Msg("не удалось отправить заголовок выпуска")
	}

	outcomes := make([]domain.DeliveryOutcome, 0, len(papers))
	for _, paper := range papers {
		outcome := domain.DeliveryOutcome{PaperID: paper.ID}
		for _, part := range telegram.SplitMessage(render.FormatPaper(paper)) {
			sent, err := d.send(chatID, part, tgbotapi.ModeHTML)
			if err != nil {
				outcome.Err = err
				break
			}
			outcome.MessageIDs = append(outcome.MessageIDs, int64(sent.MessageID))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (d *Delivery) send(chatID int64, text, parseMode string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	msg.DisableWebPagePreview = true
	start := time.Now()
	sent, err := d.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
	}
	return sent, err
}
