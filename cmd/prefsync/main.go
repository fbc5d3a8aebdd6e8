package main

import (
	"context"
	"os"
	"time"

	"paper-digest-bot/internal/adapters/github"
	"paper-digest-bot/internal/adapters/repo"
	"paper-digest-bot/internal/infra/config"
	"paper-digest-bot/internal/infra/crypto"
	"paper-digest-bot/internal/infra/db"
	"paper-digest-bot/internal/infra/log"
	"paper-digest-bot/internal/usecase/preference"
)

// Разовая синхронизация предпочтений всех пользователей, для ручного
// запуска и cron-задач вне основного процесса бота.
func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	cipher, err := crypto.NewPATCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать шифрование токенов")
	}

	classifier, err := preference.NewClassifier(
		config.NormalizeEmoji(cfg.Reactions.Like),
		config.NormalizeEmoji(cfg.Reactions.Dislike),
		config.NormalizeEmoji(cfg.Reactions.Neutral),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("некорректная конфигурация реакций")
	}

	githubClient := github.NewClient(cfg.GitHub.APIBaseURL, cfg.GitHub.APIVersion, cfg.GitHub.HTTPTimeout)
	service := preference.NewService(repoAdapter, repoAdapter, githubClient, cipher, classifier, cfg.Preference.DaysBack, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	results := service.SyncAllUsers(ctx)
	failed := 0
	for userID, ok := range results {
		if !ok {
			failed++
			logger.Warn().Str("user_id", userID).Msg("синхронизация не удалась")
		}
	}
	logger.Info().Int("total", len(results)).Int("failed", failed).Msg("синхронизация завершена")
	if failed > 0 {
		os.Exit(1)
	}
}
