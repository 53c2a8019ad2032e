// Package hfhub publishes task outputs to a Hugging Face Hub dataset repository.
package hfhub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lamim/distillforge/internal/writer"
)

const (
	// DefaultBaseURL is the public Hub endpoint
	DefaultBaseURL = "https://huggingface.co"
	// LFSThreshold is the size from which files go through LFS instead of inline commit content
	LFSThreshold = 10 * 1024 * 1024
	// MaxRetries bounds attempts for LFS transfers
	MaxRetries = 3

	requestTimeout = 300 * time.Second
	uploadTimeout  = 600 * time.Second
)

// gitattributes keeps JSONL datasets out of LFS so the Hub viewer renders them as text
const gitattributes = `*.parquet filter=lfs diff=lfs merge=lfs -text
*.arrow filter=lfs diff=lfs merge=lfs -text
*.gz filter=lfs diff=lfs merge=lfs -text
*.zst filter=lfs diff=lfs merge=lfs -text
`

// Publisher uploads a task directory to a dataset repository
type Publisher struct {
	token      string
	baseURL    string
	httpClient *http.Client
	lfsClient  *http.Client
	logger     *slog.Logger

	lfsThreshold int64
}

// NewPublisher creates a publisher against baseURL (DefaultBaseURL when empty)
func NewPublisher(token, baseURL string, logger *slog.Logger) *Publisher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Publisher{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		lfsClient:  &http.Client{Timeout: uploadTimeout},
		logger:     logger.With("component", "hf_publisher"),

		lfsThreshold: LFSThreshold,
	}
}

// operation is one file added by a commit
type operation struct {
	path    string
	content []byte // inline content, nil for LFS files
	oid     string
	size    int64
	local   string
}

// Publish uploads the dataset, report and metadata of a task directory in a single commit
func (p *Publisher) Publish(ctx context.Context, repoID string, td *writer.TaskDir) error {
	if _, name, ok := strings.Cut(repoID, "/"); !ok || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("invalid repo id %q, expected owner/name", repoID)
	}
	p.logger.Info("Publishing task output", "repo_id", repoID, "task_dir", td.Path())

	if err := p.ensureRepo(ctx, repoID); err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}

	ops := []operation{{path: ".gitattributes", content: []byte(gitattributes)}}
	for _, local := range []string{td.DatasetPath(), td.ReportPath(), td.MetaPath()} {
		if _, err := os.Stat(local); os.IsNotExist(err) {
			p.logger.Warn("File not found, skipping", "file", filepath.Base(local))
			continue
		}
		op, err := prepare(local, filepath.Base(local), p.lfsThreshold)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", filepath.Base(local), err)
		}
		ops = append(ops, op)
	}
	if len(ops) == 1 {
		return fmt.Errorf("no task output to publish in %s", td.Path())
	}

	var large []operation
	for _, op := range ops {
		if op.content == nil {
			large = append(large, op)
		}
	}
	if len(large) > 0 {
		if err := p.uploadLFS(ctx, repoID, large); err != nil {
			return err
		}
	}

	msg := fmt.Sprintf("Upload generated dataset for task %s", filepath.Base(td.Path()))
	if err := p.commit(ctx, repoID, "main", ops, msg); err != nil {
		return fmt.Errorf("failed to create commit: %w", err)
	}
	p.logger.Info("Publish completed", "repo_id", repoID, "url", fmt.Sprintf("%s/datasets/%s", p.baseURL, repoID))
	return nil
}

func prepare(local, pathInRepo string, threshold int64) (operation, error) {
	f, err := os.Open(local)
	if err != nil {
		return operation{}, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return operation{}, err
	}
	op := operation{path: pathInRepo, oid: hex.EncodeToString(h.Sum(nil)), size: size, local: local}
	if size < threshold {
		if op.content, err = os.ReadFile(local); err != nil {
			return operation{}, err
		}
		if op.content == nil {
			op.content = []byte{}
		}
	}
	return op, nil
}

func (p *Publisher) ensureRepo(ctx context.Context, repoID string) error {
	resp, err := p.do(ctx, p.httpClient, http.MethodGet, p.baseURL+"/api/datasets/"+repoID, "", nil)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			p.logger.Debug("Repository exists", "repo_id", repoID)
			return nil
		}
	}

	owner, name, _ := strings.Cut(repoID, "/")
	body, err := json.Marshal(map[string]any{"name": name, "organization": owner, "type": "dataset", "private": false})
	if err != nil {
		return err
	}
	resp, err = p.do(ctx, p.httpClient, http.MethodPost, p.baseURL+"/api/repos/create", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create repo failed with status %d: %s", resp.StatusCode, data)
	}
	p.logger.Info("Repository created", "repo_id", repoID)
	return nil
}

// commit posts an NDJSON commit: a header line followed by one line per file
func (p *Publisher) commit(ctx context.Context, repoID, branch string, ops []operation, message string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(map[string]any{"key": "header", "value": map[string]string{"summary": message, "description": ""}}); err != nil {
		return err
	}
	for _, op := range ops {
		var line map[string]any
		if op.content != nil {
			line = map[string]any{"key": "file", "value": map[string]any{
				"path":     op.path,
				"content":  base64.StdEncoding.EncodeToString(op.content),
				"encoding": "base64",
			}}
		} else {
			line = map[string]any{"key": "lfsFile", "value": map[string]any{
				"path": op.path,
				"algo": "sha256",
				"oid":  op.oid,
				"size": op.size,
			}}
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to encode %s: %w", op.path, err)
		}
	}

	url := fmt.Sprintf("%s/api/datasets/%s/commit/%s", p.baseURL, repoID, branch)
	resp, err := p.do(ctx, p.httpClient, http.MethodPost, url, "application/x-ndjson", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("commit failed with status %d: %s", resp.StatusCode, data)
	}
	p.logger.Debug("Commit created", "branch", branch, "operations", len(ops))
	return nil
}

func (p *Publisher) do(ctx context.Context, client *http.Client, method, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return client.Do(req)
}
