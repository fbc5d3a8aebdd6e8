package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Update расширяет tgbotapi.Update полем message_reaction из Bot API 7.0,
// которого нет в используемой версии библиотеки.
type Update struct {
	tgbotapi.Update
	MessageReaction *MessageReactionUpdate `json:"message_reaction,omitempty"`
}

// MessageReactionUpdate описывает изменение реакции на сообщение.
type MessageReactionUpdate struct {
	Chat        tgbotapi.Chat  `json:"chat"`
	MessageID   int64          `json:"message_id"`
	User        *tgbotapi.User `json:"user"`
	Date        int64          `json:"date"`
	OldReaction []ReactionType `json:"old_reaction"`
	NewReaction []ReactionType `json:"new_reaction"`
}

// ReactionType — одна реакция; кастомные эмодзи приходят без поля emoji.
type ReactionType struct {
	Type          string `json:"type"`
	Emoji         string `json:"emoji,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
}

// FirstEmoji возвращает первый обычный эмодзи из списка реакций.
func FirstEmoji(reactions []ReactionType) (string, bool) {
	for _, r := range reactions {
		if r.Type == "emoji" && r.Emoji != "" {
			return r.Emoji, true
		}
	}
	return "", false
}
