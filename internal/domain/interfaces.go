package domain

import (
	"context"
	"errors"
	"time"
)

// ErrSettingsNotFound возвращается репозиторием, когда у пользователя нет настроек.
var ErrSettingsNotFound = errors.New("settings not found")

// ErrMessageNotFound возвращается, когда сообщение не связано ни с одной статьёй.
var ErrMessageNotFound = errors.New("message record not found")

// SettingsPatch описывает частичное обновление настроек: nil-поле не изменяется.
type SettingsPatch struct {
	GitHubUser   *string
	RepoName     *string
	EncryptedPAT *string
	Cron         *string
	Timezone     *string
}

// SettingsRepo управляет настройками пользователей.
type SettingsRepo interface {
	GetSettings(userID string) (UserSetting, error)
	UpsertSettings(userID string, patch SettingsPatch) (UserSetting, error)
	DeleteSettings(userID string) error
	ListSettings() ([]UserSetting, error)
}

// MessageRepo хранит связи отправленных сообщений со статьями.
type MessageRepo interface {
	SaveMessage(rec MessageRecord) (MessageRecord, error)
	GetMessage(groupID, userID string, messageID int64) (MessageRecord, error)
}

// ReactionRepo хранит реакции пользователей на статьи.
type ReactionRepo interface {
	// UpsertReaction создаёт запись или перезаписывает эмодзи существующей
	// по ключу (GroupID, UserID, MessageID).
	UpsertReaction(rec ReactionRecord) error
	DeleteReaction(groupID, userID string, messageID int64) error
	// ListRecentReactions возвращает реакции пользователя с updated_at >= since,
	// упорядоченные по возрастанию updated_at.
	ListRecentReactions(userID string, since time.Time) ([]ReactionRecord, error)
}

// TokenCipher шифрует персональные токены перед сохранением в БД.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Delivery отправляет пользователю статьи и служебные уведомления.
type Delivery interface {
	NotifyUser(userID, text string) error
	DeliverPapers(userID string, papers []Paper) []DeliveryOutcome
}

// Recommender запускает пайплайн рекомендаций в репозитории пользователя
// и возвращает полученные статьи.
type Recommender interface {
	Recommend(ctx context.Context, token, owner, repo string, paperIDs []string) ([]Paper, error)
}

// PreferenceSyncer сводит накопленные реакции в файлы предпочтений.
type PreferenceSyncer interface {
	SyncUser(ctx context.Context, userID string) bool
	SyncAllUsers(ctx context.Context) map[string]bool
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
