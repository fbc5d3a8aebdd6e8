package workflow

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"paper-digest-bot/internal/adapters/github"
	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
)

var (
	// ErrRunNotFound — новый запуск не появился за отведённые попытки.
	ErrRunNotFound = errors.New("workflow: run not found")
	// ErrRunFailed — запуск завершился с заключением, отличным от success.
	ErrRunFailed = errors.New("workflow: run failed")
	// ErrArtifactNotFound — у завершённого запуска нет ожидаемого артефакта.
	ErrArtifactNotFound = errors.New("workflow: artifact not found")
)

const datasetFile = "summarized.jsonl"

// API описывает используемое подмножество клиента GitHub.
type API interface {
	DispatchWorkflow(ctx context.Context, token, owner, repo, workflowFile, ref string, inputs map[string]string) error
	ListRuns(ctx context.Context, token, owner, repo string) ([]domain.WorkflowRun, error)
	GetRun(ctx context.Context, token, owner, repo string, runID int64) (domain.WorkflowRun, error)
	ListArtifacts(ctx context.Context, token, owner, repo string, runID int64) ([]github.Artifact, error)
	DownloadArtifact(ctx context.Context, token, archiveURL string) ([]byte, error)
}

// Config задаёт параметры оркестрации запуска.
type Config struct {
	WorkflowFile     string
	Branch           string
	ArtifactName     string
	DiscoverAttempts int
	DiscoverInterval time.Duration
	PollInterval     time.Duration
	// RunTimeout ограничивает весь цикл от запуска до артефакта; 0 — без лимита.
	RunTimeout time.Duration
}

// Runner проводит полный цикл: запуск воркфлоу, поиск запуска, ожидание
// завершения и чтение статей из артефакта.
type Runner struct {
	api API
	cfg Config
	log zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

var _ domain.Recommender = (*Runner)(nil)

// NewRunner создаёт оркестратор.
func NewRunner(api API, cfg Config, logger zerolog.Logger) *Runner {
	if cfg.WorkflowFile == "" {
		cfg.WorkflowFile = "recommend.yml"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = "summarized"
	}
	if cfg.DiscoverAttempts <= 0 {
		cfg.DiscoverAttempts = 10
	}
	if cfg.DiscoverInterval <= 0 {
		cfg.DiscoverInterval = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Second
	}
	return &Runner{
		api:   api,
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Recommend реализует domain.Recommender.
func (r *Runner) Recommend(ctx context.Context, token, owner, repo string, paperIDs []string) ([]domain.Paper, error) {
	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	papers, err := r.run(ctx, token, owner, repo, paperIDs)
	metrics.ObserveWorkflowRun(start, err)
	return papers, err
}

func (r *Runner) run(ctx context.Context, token, owner, repo string, paperIDs []string) ([]domain.Paper, error) {
	// Часы GitHub и наши могут расходиться, поэтому порог сдвинут на 10 секунд назад.
	triggerTime := r.now().UTC().Add(-10 * time.Second)

	inputs := map[string]string{}
	if len(paperIDs) > 0 {
		inputs["paper_ids"] = strings.Join(paperIDs, ",")
	}
	if err := r.api.DispatchWorkflow(ctx, token, owner, repo, r.cfg.WorkflowFile, r.cfg.Branch, inputs); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	run, err := r.discoverRun(ctx, token, owner, repo, triggerTime)
	if err != nil {
		return nil, err
	}
	r.log.Info().Int64("run_id", run.ID).Str("repo", owner+"/"+repo).Msg("workflow: запуск найден")

	run, err = r.awaitCompletion(ctx, token, owner, repo, run)
	if err != nil {
		return nil, err
	}
	if !run.Succeeded() {
		return nil, fmt.Errorf("%w: run %d finished with %q", ErrRunFailed, run.ID, run.Conclusion)
	}

	dir, err := r.fetchArtifact(ctx, token, owner, repo, run.ID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	papers, err := readDataset(filepath.Join(dir, datasetFile))
	if err != nil {
		return nil, err
	}
	r.log.Info().Int64("run_id", run.ID).Int("papers", len(papers)).Msg("workflow: артефакт прочитан")
	return papers, nil
}

// discoverRun ищет запуск, созданный нашим dispatch: совпадает файл воркфлоу
// и ветка, а created_at не раньше времени запуска.
func (r *Runner) discoverRun(ctx context.Context, token, owner, repo string, triggerTime time.Time) (domain.WorkflowRun, error) {
	wantPath := ".github/workflows/" + r.cfg.WorkflowFile
	for attempt := 0; attempt < r.cfg.DiscoverAttempts; attempt++ {
		runs, err := r.api.ListRuns(ctx, token, owner, repo)
		if err != nil {
			return domain.WorkflowRun{}, fmt.Errorf("list runs: %w", err)
		}
		sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
		for _, run := range runs {
			if run.Path != wantPath || run.HeadBranch != r.cfg.Branch {
				continue
			}
			if run.CreatedAt.Before(triggerTime) {
				continue
			}
			return run, nil
		}
		if attempt == r.cfg.DiscoverAttempts-1 {
			break
		}
		if err := r.sleep(ctx, r.cfg.DiscoverInterval); err != nil {
			return domain.WorkflowRun{}, err
		}
	}
	return domain.WorkflowRun{}, ErrRunNotFound
}

func (r *Runner) awaitCompletion(ctx context.Context, token, owner, repo string, run domain.WorkflowRun) (domain.WorkflowRun, error) {
	for !run.Completed() {
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return domain.WorkflowRun{}, err
		}
		var err error
		run, err = r.api.GetRun(ctx, token, owner, repo, run.ID)
		if err != nil {
			return domain.WorkflowRun{}, fmt.Errorf("get run: %w", err)
		}
	}
	return run, nil
}

// fetchArtifact скачивает ZIP артефакта и распаковывает его в свежую
// временную директорию. Удаление директории — на вызывающем.
func (r *Runner) fetchArtifact(ctx context.Context, token, owner, repo string, runID int64) (string, error) {
	artifacts, err := r.api.ListArtifacts(ctx, token, owner, repo, runID)
	if err != nil {
		return "", fmt.Errorf("list artifacts: %w", err)
	}
	var found *github.Artifact
	for i := range artifacts {
		if artifacts[i].Name == r.cfg.ArtifactName && !artifacts[i].Expired {
			found = &artifacts[i]
			break
		}
	}
	if found == nil {
		return "", fmt.Errorf("%w: %q in run %d", ErrArtifactNotFound, r.cfg.ArtifactName, runID)
	}

	data, err := r.api.DownloadArtifact(ctx, token, found.ArchiveDownloadURL)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}

	dir, err := os.MkdirTemp("", "paperdigest_")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	if err := extractZip(data, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("extract artifact: %w", err)
	}
	return dir, nil
}

func extractZip(data []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("suspicious entry %q", f.Name)
		}
		target := filepath.Join(dir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// readDataset читает статьи из JSONL-файла артефакта, по объекту на строку.
func readDataset(path string) ([]domain.Paper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var papers []domain.Paper
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var p domain.Paper
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("parse dataset line %d: %w", line, err)
		}
		papers = append(papers, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return papers, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
