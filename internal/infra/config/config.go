package config

import (
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL string `envconfig:"TG_WEBHOOK_URL"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBIT_URL"`

	Queues struct {
		Recommend string `envconfig:"RECOMMEND_QUEUE_KEY" default:"recommendation_jobs"`
	} `envconfig:""`

	GitHub struct {
		APIBaseURL   string        `envconfig:"GITHUB_API_BASE_URL" default:"https://api.github.com"`
		APIVersion   string        `envconfig:"GITHUB_API_VERSION" default:"2022-11-28"`
		WorkflowFile string        `envconfig:"GITHUB_WORKFLOW_FILE" default:"recommend.yml"`
		Branch       string        `envconfig:"GITHUB_BRANCH" default:"main"`
		ArtifactName string        `envconfig:"GITHUB_ARTIFACT_NAME" default:"summarized"`
		HTTPTimeout  time.Duration `envconfig:"GITHUB_HTTP_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Workflow struct {
		DiscoverAttempts int           `envconfig:"WORKFLOW_DISCOVER_ATTEMPTS" default:"10"`
		DiscoverInterval time.Duration `envconfig:"WORKFLOW_DISCOVER_INTERVAL" default:"2s"`
		PollInterval     time.Duration `envconfig:"WORKFLOW_POLL_INTERVAL" default:"20s"`
		// RunTimeout ограничивает ожидание завершения запуска; 0 — без ограничения.
		RunTimeout time.Duration `envconfig:"WORKFLOW_RUN_TIMEOUT" default:"0"`
	} `envconfig:""`

	Preference struct {
		SyncCron string `envconfig:"PREFERENCE_SYNC_CRON" default:"30 3 * * *"`
		DaysBack int    `envconfig:"PREFERENCE_DAYS_BACK" default:"2"`
	} `envconfig:""`

	Reactions struct {
		Like    []string `envconfig:"REACTION_LIKE" default:"👍,♥️,🔥,💯"`
		Dislike []string `envconfig:"REACTION_DISLIKE" default:"👎,💔,😕"`
		Neutral []string `envconfig:"REACTION_NEUTRAL" default:"🤔,😐,😶"`
	} `envconfig:""`

	Security struct {
		// EncryptionKey — ключ шифрования токенов; дополняется нулями до 32 байт.
		EncryptionKey string `envconfig:"PAT_ENCRYPTION_KEY"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// NormalizeEmoji убирает пробелы вокруг эмодзи из переменных окружения.
func NormalizeEmoji(list []string) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
