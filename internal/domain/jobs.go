package domain

import (
	"context"
	"time"
)

// RecommendationJobCause описывает источник запроса на рекомендации.
type RecommendationJobCause string

const (
	// RecommendationCauseManual — пользователь запросил рекомендации вручную.
	RecommendationCauseManual RecommendationJobCause = "manual"
	// RecommendationCauseScheduled — запуск по расписанию пользователя.
	RecommendationCauseScheduled RecommendationJobCause = "scheduled"
)

// RecommendationJob содержит информацию о задаче запуска пайплайна рекомендаций.
type RecommendationJob struct {
	ID          string                 `json:"job_id,omitempty"`
	UserID      string                 `json:"user_id"`
	ChatID      int64                  `json:"chat_id"`
	PaperIDs    []string               `json:"paper_ids,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
	Cause       RecommendationJobCause `json:"cause"`
}

// RecommendationQueue описывает очередь задач на запуск пайплайна.
type RecommendationQueue interface {
	Enqueue(ctx context.Context, job RecommendationJob) error
	Receive(ctx context.Context) (RecommendationJob, RecommendationAckFunc, error)
}

// RecommendationAckFunc подтверждает успешную обработку или возвращает задачу в очередь.
type RecommendationAckFunc func(success bool) error
