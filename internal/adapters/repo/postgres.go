package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SettingsRepo = (*Postgres)(nil)
	_ domain.MessageRepo  = (*Postgres)(nil)
	_ domain.ReactionRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// GetSettings реализует domain.SettingsRepo.
func (p *Postgres) GetSettings(userID string) (domain.UserSetting, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT user_id, github_user, repo_name, encrypted_pat, cron, timezone, created_at, updated_at
FROM user_settings WHERE user_id=$1
`, userID)
	var s domain.UserSetting
	err := row.Scan(&s.UserID, &s.GitHubUser, &s.RepoName, &s.EncryptedPAT, &s.Cron, &s.Timezone, &s.CreatedAt, &s.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "settings_get", "user_settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserSetting{}, domain.ErrSettingsNotFound
	}
	if err != nil {
		return domain.UserSetting{}, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

// UpsertSettings реализует domain.SettingsRepo. nil-поля патча не изменяются:
// в SQL они приходят как NULL и COALESCE сохраняет прежнее значение.
func (p *Postgres) UpsertSettings(userID string, patch domain.SettingsPatch) (domain.UserSetting, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO user_settings (user_id, github_user, repo_name, encrypted_pat, cron, timezone, created_at, updated_at)
VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, ''), COALESCE($6, ''), now(), now())
ON CONFLICT (user_id) DO UPDATE SET
	github_user   = COALESCE($2, user_settings.github_user),
	repo_name     = COALESCE($3, user_settings.repo_name),
	encrypted_pat = COALESCE($4, user_settings.encrypted_pat),
	cron          = COALESCE($5, user_settings.cron),
	timezone      = COALESCE($6, user_settings.timezone),
	updated_at    = now()
RETURNING user_id, github_user, repo_name, encrypted_pat, cron, timezone, created_at, updated_at
`, userID, patch.GitHubUser, patch.RepoName, patch.EncryptedPAT, patch.Cron, patch.Timezone)
	var s domain.UserSetting
	err := row.Scan(&s.UserID, &s.GitHubUser, &s.RepoName, &s.EncryptedPAT, &s.Cron, &s.Timezone, &s.CreatedAt, &s.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "settings_upsert", "user_settings", start, err)
	if err != nil {
		return domain.UserSetting{}, fmt.Errorf("upsert settings: %w", err)
	}
	return s, nil
}

// DeleteSettings реализует domain.SettingsRepo.
func (p *Postgres) DeleteSettings(userID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM user_settings WHERE user_id=$1`, userID)
	metrics.ObserveNetworkRequest("postgres", "settings_delete", "user_settings", start, err)
	if err != nil {
		return fmt.Errorf("delete settings: %w", err)
	}
	return nil
}

// ListSettings реализует domain.SettingsRepo.
func (p *Postgres) ListSettings() ([]domain.UserSetting, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, github_user, repo_name, encrypted_pat, cron, timezone, created_at, updated_at
FROM user_settings ORDER BY user_id
`)
	metrics.ObserveNetworkRequest("postgres", "settings_list", "user_settings", start, err)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []domain.UserSetting
	for rows.Next() {
		var s domain.UserSetting
		if err := rows.Scan(&s.UserID, &s.GitHubUser, &s.RepoName, &s.EncryptedPAT, &s.Cron, &s.Timezone, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveMessage реализует domain.MessageRepo.
func (p *Postgres) SaveMessage(rec domain.MessageRecord) (domain.MessageRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO message_records (group_id, user_id, message_id, paper_id, repo_name, created_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (group_id, user_id, message_id) DO UPDATE SET
	paper_id  = EXCLUDED.paper_id,
	repo_name = EXCLUDED.repo_name
RETURNING id, created_at
`, rec.GroupID, rec.UserID, rec.MessageID, rec.PaperID, rec.RepoName)
	err := row.Scan(&rec.ID, &rec.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "message_save", "message_records", start, err)
	if err != nil {
		return domain.MessageRecord{}, fmt.Errorf("save message: %w", err)
	}
	return rec, nil
}

// GetMessage реализует domain.MessageRepo.
func (p *Postgres) GetMessage(groupID, userID string, messageID int64) (domain.MessageRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, group_id, user_id, message_id, paper_id, repo_name, created_at
FROM message_records WHERE group_id=$1 AND user_id=$2 AND message_id=$3
`, groupID, userID, messageID)
	var rec domain.MessageRecord
	err := row.Scan(&rec.ID, &rec.GroupID, &rec.UserID, &rec.MessageID, &rec.PaperID, &rec.RepoName, &rec.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "message_get", "message_records", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MessageRecord{}, domain.ErrMessageNotFound
	}
	if err != nil {
		return domain.MessageRecord{}, fmt.Errorf("get message: %w", err)
	}
	return rec, nil
}

// UpsertReaction реализует domain.ReactionRepo: повторная реакция на то же
// сообщение перезаписывает эмодзи, а не создаёт новую запись.
func (p *Postgres) UpsertReaction(rec domain.ReactionRecord) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO reaction_records (group_id, user_id, message_id, paper_id, emoji, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (group_id, user_id, message_id) DO UPDATE SET
	paper_id   = EXCLUDED.paper_id,
	emoji      = EXCLUDED.emoji,
	updated_at = now()
`, rec.GroupID, rec.UserID, rec.MessageID, rec.PaperID, rec.Emoji)
	metrics.ObserveNetworkRequest("postgres", "reaction_upsert", "reaction_records", start, err)
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

// DeleteReaction реализует domain.ReactionRepo.
func (p *Postgres) DeleteReaction(groupID, userID string, messageID int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
DELETE FROM reaction_records WHERE group_id=$1 AND user_id=$2 AND message_id=$3
`, groupID, userID, messageID)
	metrics.ObserveNetworkRequest("postgres", "reaction_delete", "reaction_records", start, err)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// ListRecentReactions реализует domain.ReactionRepo.
func (p *Postgres) ListRecentReactions(userID string, since time.Time) ([]domain.ReactionRecord, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, group_id, user_id, message_id, paper_id, emoji, created_at, updated_at
FROM reaction_records
WHERE user_id=$1 AND updated_at >= $2
ORDER BY updated_at
`, userID, since)
	metrics.ObserveNetworkRequest("postgres", "reaction_list", "reaction_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var out []domain.ReactionRecord
	for rows.Next() {
		var r domain.ReactionRecord
		if err := rows.Scan(&r.ID, &r.GroupID, &r.UserID, &r.MessageID, &r.PaperID, &r.Emoji, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
