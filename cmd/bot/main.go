package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"paper-digest-bot/internal/adapters/bot"
	"paper-digest-bot/internal/adapters/github"
	"paper-digest-bot/internal/adapters/repo"
	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/cache"
	"paper-digest-bot/internal/infra/config"
	"paper-digest-bot/internal/infra/crypto"
	"paper-digest-bot/internal/infra/db"
	ihttp "paper-digest-bot/internal/infra/http"
	"paper-digest-bot/internal/infra/log"
	"paper-digest-bot/internal/infra/metrics"
	"paper-digest-bot/internal/infra/queue"
	"paper-digest-bot/internal/usecase/preference"
	"paper-digest-bot/internal/usecase/scheduler"
	"paper-digest-bot/internal/usecase/settings"
	"paper-digest-bot/internal/usecase/workflow"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	cacheAdapter := cache.NewRedis(redisClient)

	var jobQueue domain.RecommendationQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitRecommendationQueue(cfg.RabbitURL, cfg.Queues.Recommend)
		if err != nil {
			logger.Fatal().Err(err).Msg("не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		jobQueue = rabbit
	} else {
		jobQueue = queue.NewRedisRecommendationQueue(redisClient, cfg.Queues.Recommend)
	}

	cipher, err := crypto.NewPATCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать шифрование токенов")
	}

	githubClient := github.NewClient(cfg.GitHub.APIBaseURL, cfg.GitHub.APIVersion, cfg.GitHub.HTTPTimeout)
	classifier, err := preference.NewClassifier(
		config.NormalizeEmoji(cfg.Reactions.Like),
		config.NormalizeEmoji(cfg.Reactions.Dislike),
		config.NormalizeEmoji(cfg.Reactions.Neutral),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("некорректная конфигурация реакций")
	}
	prefService := preference.NewService(repoAdapter, repoAdapter, githubClient, cipher, classifier, cfg.Preference.DaysBack, logger)

	runner := workflow.NewRunner(githubClient, workflow.Config{
		WorkflowFile:     cfg.GitHub.WorkflowFile,
		Branch:           cfg.GitHub.Branch,
		ArtifactName:     cfg.GitHub.ArtifactName,
		DiscoverAttempts: cfg.Workflow.DiscoverAttempts,
		DiscoverInterval: cfg.Workflow.DiscoverInterval,
		PollInterval:     cfg.Workflow.PollInterval,
		RunTimeout:       cfg.Workflow.RunTimeout,
	}, logger)

	sched, err := scheduler.NewService(repoAdapter, repoAdapter, runner, cipher, prefService, cfg.Preference.SyncCron, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать планировщик")
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}
	if cfg.Telegram.WebhookURL != "" {
		registerWebhook(botAPI, cfg.Telegram.WebhookURL, logger)
	}

	delivery := bot.NewDelivery(botAPI, logger)
	if err := sched.Initialize(delivery); err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать планировщик")
	}
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("не удалось запустить планировщик")
	}

	settingsService := settings.NewService(repoAdapter, cipher, sched, logger)
	h := bot.NewHandler(botAPI, logger, settingsService, sched, prefService, classifier, repoAdapter, repoAdapter, jobQueue, cacheAdapter)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	go runQueueWorker(workerCtx, jobQueue, sched, logger)

	srv := ihttp.NewServer(logger)
	srv.Router.Post("/bot/webhook", func(w http.ResponseWriter, r *http.Request) {
		var update bot.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	})
	srv.Router.Post("/admin/preference-sync", func(w http.ResponseWriter, r *http.Request) {
		if !sched.TriggerPreferenceSyncNow() {
			http.Error(w, "scheduler is not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	go func() {
		if err := srv.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка бота")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	stopWorker()
	_ = sched.Shutdown(true)
}

// registerWebhook регистрирует вебхук с подпиской на message_reaction,
// иначе Telegram не присылает изменения реакций.
func registerWebhook(botAPI *tgbotapi.BotAPI, link string, logger zerolog.Logger) {
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		logger.Fatal().Err(err).Msg("некорректный URL вебхука")
	}
	wh.AllowedUpdates = []string{"message", "message_reaction"}
	if _, err := botAPI.Request(wh); err != nil {
		logger.Fatal().Err(err).Msg("не удалось зарегистрировать вебхук")
	}
}

// runQueueWorker исполняет задания на рекомендации из очереди по одному.
func runQueueWorker(ctx context.Context, jobs domain.RecommendationQueue, sched *scheduler.Service, logger zerolog.Logger) {
	for {
		job, ack, err := jobs.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("не удалось получить задание из очереди")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		err = sched.RunManualJob(ctx, job)
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Str("user_id", job.UserID).Msg("задание завершилось с ошибкой")
		}
		if ack != nil {
			if ackErr := ack(err == nil); ackErr != nil {
				logger.Error().Err(ackErr).Str("job_id", job.ID).Msg("не удалось подтвердить задание")
			}
		}
	}
}

var _ domain.SettingsRepo = (*repo.Postgres)(nil)
var _ domain.MessageRepo = (*repo.Postgres)(nil)
var _ domain.ReactionRepo = (*repo.Postgres)(nil)
var _ domain.Cache = (*cache.RedisCache)(nil)
var _ domain.Recommender = (*workflow.Runner)(nil)
var _ domain.PreferenceSyncer = (*preference.Service)(nil)
var _ domain.Delivery = (*bot.Delivery)(nil)
