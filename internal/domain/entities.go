package domain

import (
	"strings"
	"time"
)

// CronDisabled — специальное значение cron-выражения, отключающее расписание.
const CronDisabled = "off"

// UserSetting хранит настройки пайплайна рекомендаций одного пользователя Telegram.
type UserSetting struct {
	// UserID — строковый идентификатор пользователя Telegram.
	UserID       string
	GitHubUser   string
	RepoName     string
	EncryptedPAT string
	// Cron хранит пользовательское cron-выражение; пустая строка — расписание не задано.
	Cron string
	// Timezone — имя зоны IANA; пустая строка трактуется как UTC.
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduleEnabled сообщает, должно ли у пользователя существовать задание планировщика.
func (s UserSetting) ScheduleEnabled() bool {
	return s.Cron != "" && s.Cron != CronDisabled
}

// RepoReady проверяет, что задано всё необходимое для обращения к репозиторию GitHub.
func (s UserSetting) RepoReady() bool {
	return s.GitHubUser != "" && s.RepoName != "" && s.EncryptedPAT != ""
}

// RepoFullName возвращает owner/repo или пустую строку, если репозиторий не настроен.
func (s UserSetting) RepoFullName() string {
	if s.GitHubUser == "" || s.RepoName == "" {
		return ""
	}
	return s.GitHubUser + "/" + s.RepoName
}

// Paper описывает одну рекомендованную статью из артефакта воркфлоу.
type Paper struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
	Score    float64  `json:"score"`
	URL      string   `json:"url"`
}

// WorkflowRun представляет запуск GitHub Actions воркфлоу.
type WorkflowRun struct {
	ID         int64
	Path       string
	HeadBranch string
	Status     string
	Conclusion string
	CreatedAt  time.Time
}

// Статусы и заключения запуска воркфлоу, которые различает оркестратор.
const (
	RunStatusCompleted   = "completed"
	RunConclusionSuccess = "success"
)

// Completed сообщает, завершился ли запуск (независимо от исхода).
func (r WorkflowRun) Completed() bool { return r.Status == RunStatusCompleted }

// Succeeded сообщает, завершился ли запуск успешно.
func (r WorkflowRun) Succeeded() bool {
	return r.Completed() && r.Conclusion == RunConclusionSuccess
}

// MessageRecord связывает отправленное сообщение Telegram со статьёй.
// GroupID пустой для личных чатов.
type MessageRecord struct {
	ID        int64
	GroupID   string
	UserID    string
	MessageID int64
	PaperID   string
	RepoName  string
	CreatedAt time.Time
}

// ReactionRecord хранит последнюю реакцию пользователя на сообщение со статьёй.
// Ключ записи — (GroupID, UserID, MessageID); повторная реакция перезаписывает эмодзи.
type ReactionRecord struct {
	ID        int64
	GroupID   string
	UserID    string
	MessageID int64
	PaperID   string
	Emoji     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PreferenceLabel — метка предпочтения, выведенная из эмодзи реакции.
type PreferenceLabel string

const (
	PreferenceLike    PreferenceLabel = "like"
	PreferenceDislike PreferenceLabel = "dislike"
	PreferenceNeutral PreferenceLabel = "neutral"
	// PreferenceUnknown присваивается эмодзи вне словаря; такие записи отбрасываются.
	PreferenceUnknown PreferenceLabel = "unknown"
)

// PreferenceRecord — строка файла предпочтений: статья и её метка.
type PreferenceRecord struct {
	PaperID    string
	Preference PreferenceLabel
}

// DeliveryOutcome описывает результат отправки одной статьи пользователю.
// MessageIDs содержит идентификаторы всех отправленных частей сообщения.
type DeliveryOutcome struct {
	PaperID    string
	MessageIDs []int64
	Err        error
}

// ScheduleInfo — снимок состояния задания планировщика для пользователя.
type ScheduleInfo struct {
	UserID   string
	Cron     string
	Timezone string
	NextRun  time.Time
}

// MaskPAT скрывает середину персонального токена для вывода в чат.
func MaskPAT(pat string) string {
	if len(pat) <= 8 {
		return strings.Repeat("*", len(pat))
	}
	return pat[:4] + strings.Repeat("*", len(pat)-8) + pat[len(pat)-4:]
}
