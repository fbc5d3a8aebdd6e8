package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"paper-digest-bot/internal/domain"
	"paper-digest-bot/internal/infra/metrics"
)

const defaultBaseURL = "https://api.github.com"

// ErrNotFound возвращается для ответов 404 (файл или ресурс отсутствует).
var ErrNotFound = errors.New("github: not found")

// ErrConflict возвращается, когда PUT содержимого отклонён из-за устаревшего SHA.
var ErrConflict = errors.New("github: sha conflict")

// Client выполняет запросы к GitHub REST API от имени пользователя.
// Токен передаётся в каждый вызов: у каждого пользователя свой PAT.
type Client struct {
	http       *http.Client
	baseURL    string
	apiVersion string
}

// NewClient создаёт клиента GitHub API.
func NewClient(baseURL, apiVersion string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiVersion: apiVersion,
	}
}

// DispatchWorkflow запускает workflow_dispatch; GitHub отвечает 204 без тела.
func (c *Client) DispatchWorkflow(ctx context.Context, token, owner, repo, workflowFile, ref string, inputs map[string]string) error {
	body := map[string]any{"ref": ref}
	if len(inputs) > 0 {
		body["inputs"] = inputs
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches", c.baseURL, owner, repo, workflowFile)
	resp, err := c.do(ctx, token, http.MethodPost, endpoint, body, "dispatch_workflow", owner+"/"+repo)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return c.apiError(resp)
	}
	return nil
}

// ListRuns возвращает запуски воркфлоу репозитория, новые первыми.
func (c *Client) ListRuns(ctx context.Context, token, owner, repo string) ([]domain.WorkflowRun, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs?per_page=30", c.baseURL, owner, repo)
	resp, err := c.do(ctx, token, http.MethodGet, endpoint, nil, "list_runs", owner+"/"+repo)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var payload struct {
		WorkflowRuns []workflowRun `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("github: decode runs: %w", err)
	}
	runs := make([]domain.WorkflowRun, 0, len(payload.WorkflowRuns))
	for _, r := range payload.WorkflowRuns {
		runs = append(runs, r.toDomain())
	}
	return runs, nil
}

// GetRun возвращает текущее состояние запуска.
func (c *Client) GetRun(ctx context.Context, token, owner, repo string, runID int64) (domain.WorkflowRun, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d", c.baseURL, owner, repo, runID)
	resp, err := c.do(ctx, token, http.MethodGet, endpoint, nil, "get_run", owner+"/"+repo)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.WorkflowRun{}, c.apiError(resp)
	}
	var r workflowRun
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("github: decode run: %w", err)
	}
	return r.toDomain(), nil
}

// Artifact описывает артефакт запуска воркфлоу.
type Artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	ArchiveDownloadURL string `json:"archive_download_url"`
	Expired            bool   `json:"expired"`
}

// ListArtifacts возвращает артефакты запуска.
func (c *Client) ListArtifacts(ctx context.Context, token, owner, repo string, runID int64) ([]Artifact, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/artifacts", c.baseURL, owner, repo, runID)
	resp, err := c.do(ctx, token, http.MethodGet, endpoint, nil, "list_artifacts", owner+"/"+repo)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var payload struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("github: decode artifacts: %w", err)
	}
	return payload.Artifacts, nil
}

// DownloadArtifact скачивает ZIP-архив артефакта в память.
func (c *Client) DownloadArtifact(ctx context.Context, token, archiveURL string) ([]byte, error) {
	resp, err := c.do(ctx, token, http.MethodGet, archiveURL, nil, "download_artifact", "artifact")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("github: read artifact: %w", err)
	}
	return data, nil
}

// GetFileContents возвращает содержимое файла и его SHA.
// Для отсутствующего файла возвращается ErrNotFound.
func (c *Client) GetFileContents(ctx context.Context, token, owner, repo, path string) ([]byte, string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, owner, repo, path)
	resp, err := c.do(ctx, token, http.MethodGet, endpoint, nil, "get_contents", owner+"/"+repo)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", c.apiError(resp)
	}
	var payload struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		SHA      string `json:"sha"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", fmt.Errorf("github: decode contents: %w", err)
	}
	if payload.Encoding != "base64" {
		return nil, "", fmt.Errorf("github: unexpected contents encoding %q", payload.Encoding)
	}
	// GitHub переносит base64 по строкам.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("github: decode base64 contents: %w", err)
	}
	return raw, payload.SHA, nil
}

// PutFileContents создаёт или обновляет файл. Для обновления требуется
// актуальный SHA; при расхождении возвращается ErrConflict.
func (c *Client) PutFileContents(ctx context.Context, token, owner, repo, path, message string, content []byte, sha string) error {
	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if sha != "" {
		body["sha"] = sha
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.baseURL, owner, repo, path)
	resp, err := c.do(ctx, token, http.MethodPut, endpoint, body, "put_contents", owner+"/"+repo)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity {
		return ErrConflict
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.apiError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, token, method, endpoint string, body any, operation, target string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("github: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.apiVersion != "" {
		req.Header.Set("X-GitHub-Api-Version", c.apiVersion)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("github", operation, target, start, err)
	if err != nil {
		return nil, fmt.Errorf("github: do request: %w", err)
	}
	return resp, nil
}

func (c *Client) apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("github: status %d: %s", resp.StatusCode, payload.Message)
	}
	return fmt.Errorf("github: unexpected status %d", resp.StatusCode)
}

type workflowRun struct {
	ID         int64     `json:"id"`
	Path       string    `json:"path"`
	HeadBranch string    `json:"head_branch"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r workflowRun) toDomain() domain.WorkflowRun {
	return domain.WorkflowRun{
		ID:         r.ID,
		Path:       r.Path,
		HeadBranch: r.HeadBranch,
		Status:     r.Status,
		Conclusion: r.Conclusion,
		CreatedAt:  r.CreatedAt,
	}
}
